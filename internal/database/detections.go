// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/canopy/internal/models"
)

const detectionColumns = `id, project_id, label, bbox_x1, bbox_y1, bbox_x2, bbox_y2,
	latitude, longitude, confidence, recorded_at`

// InsertDetections stores dets for projectID. A detection whose
// (project, label, bbox) already exists is not stored again; its result
// carries the existing row and Duplicate set.
func (db *DB) InsertDetections(ctx context.Context, projectID string, dets []models.Detection) (_ []models.IngestResult, err error) {
	defer func(start time.Time) { observe("INSERT", "detections", start, err) }(time.Now())

	results := make([]models.IngestResult, 0, len(dets))
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, `INSERT INTO detections (`+detectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer closeWithLog(insert, "statement")

		recordedAt := now()
		for i := range dets {
			d := dets[i]
			d.ID = uuid.NewString()
			d.ProjectID = projectID
			if d.RecordedAt.IsZero() {
				d.RecordedAt = recordedAt
			}

			lat, lon := sql.NullFloat64{}, sql.NullFloat64{}
			if d.GeoPosition != nil {
				lat = sql.NullFloat64{Float64: d.GeoPosition.Lat, Valid: true}
				lon = sql.NullFloat64{Float64: d.GeoPosition.Lon, Valid: true}
			}

			res, err := insert.ExecContext(ctx, d.ID, d.ProjectID, d.Label,
				d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2, lat, lon, d.Confidence, d.RecordedAt)
			if err != nil {
				return fmt.Errorf("insert detection: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 1 {
				results = append(results, models.IngestResult{Detection: d})
				continue
			}

			existing, err := findByKey(ctx, tx, projectID, d.Label, d.BBox)
			if err != nil {
				return err
			}
			results = append(results, models.IngestResult{Detection: *existing, Duplicate: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func findByKey(ctx context.Context, tx *sql.Tx, projectID, label string, b models.BBox) (*models.Detection, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+detectionColumns+` FROM detections
		WHERE project_id = ? AND label = ? AND bbox_x1 = ? AND bbox_y1 = ? AND bbox_x2 = ? AND bbox_y2 = ?`,
		projectID, label, b.X1, b.Y1, b.X2, b.Y2)
	d, err := scanDetection(row)
	if err != nil {
		return nil, fmt.Errorf("load existing detection: %w", err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(s rowScanner) (*models.Detection, error) {
	var (
		d        models.Detection
		lat, lon sql.NullFloat64
	)
	if err := s.Scan(&d.ID, &d.ProjectID, &d.Label, &d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2,
		&lat, &lon, &d.Confidence, &d.RecordedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.GeoPosition = &models.GeoPosition{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &d, nil
}

// FindDetections returns the positioned detections of a project with
// confidence at or above q.MinConfidence. When q.LabelsSet is true only the
// listed labels match, so an empty list matches nothing.
func (db *DB) FindDetections(ctx context.Context, q models.DetectionQuery) (_ []models.Detection, err error) {
	if q.LabelsSet && len(q.Labels) == 0 {
		return []models.Detection{}, nil
	}

	defer func(start time.Time) { observe("SELECT", "detections", start, err) }(time.Now())

	var sb strings.Builder
	sb.WriteString(`SELECT ` + detectionColumns + ` FROM detections
		WHERE project_id = ? AND confidence >= ? AND latitude IS NOT NULL AND longitude IS NOT NULL`)
	args := []any{q.ProjectID, q.MinConfidence}
	if q.LabelsSet {
		sb.WriteString(` AND label IN (`)
		for i, label := range q.Labels {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, label)
		}
		sb.WriteString(")")
	}
	sb.WriteString(` ORDER BY recorded_at, id`)

	rows, err := db.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find detections: %w", err)
	}
	defer closeWithLog(rows, "rows")

	dets := make([]models.Detection, 0)
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		dets = append(dets, *d)
	}
	return dets, rows.Err()
}

// DistinctLabels returns the sorted set of labels detected in a project.
func (db *DB) DistinctLabels(ctx context.Context, projectID string) (_ []string, err error) {
	defer func(start time.Time) { observe("SELECT", "detections", start, err) }(time.Now())

	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT label FROM detections WHERE project_id = ? ORDER BY label`, projectID)
	if err != nil {
		return nil, fmt.Errorf("distinct labels: %w", err)
	}
	defer closeWithLog(rows, "rows")

	labels := make([]string, 0)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// CountDetectionsByLabel counts every detection in a project per label,
// with or without a geo position.
func (db *DB) CountDetectionsByLabel(ctx context.Context, projectID string) (_ map[string]int, err error) {
	defer func(start time.Time) { observe("SELECT", "detections", start, err) }(time.Now())

	rows, err := db.conn.QueryContext(ctx,
		`SELECT label, count(*) FROM detections WHERE project_id = ? GROUP BY label`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count detections by label: %w", err)
	}
	defer closeWithLog(rows, "rows")

	counts := make(map[string]int)
	for rows.Next() {
		var (
			label string
			n     int64
		)
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan label count: %w", err)
		}
		counts[label] = int(n)
	}
	return counts, rows.Err()
}
