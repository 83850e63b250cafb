// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
)

// SaveSummary overwrites the project's summary. Land covers are stored in
// the order given. The last writer wins.
func (db *DB) SaveSummary(ctx context.Context, s *models.Summary) (err error) {
	defer func(start time.Time) { observe("UPSERT", "summaries", start, err) }(time.Now())

	if s.RecordedAt.IsZero() {
		s.RecordedAt = now()
	}
	filters := s.ActiveFilters
	if filters == nil {
		filters = []string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("encode active filters: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO summaries (project_id, active_filters, recorded_at)
			VALUES (?, ?, ?)
			ON CONFLICT (project_id) DO UPDATE SET
				active_filters = EXCLUDED.active_filters,
				recorded_at = EXCLUDED.recorded_at`,
			s.ProjectID, string(filtersJSON), s.RecordedAt); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM summary_land_covers WHERE project_id = ?`, s.ProjectID); err != nil {
			return fmt.Errorf("clear summary land covers: %w", err)
		}

		for i, lc := range s.LandCovers {
			counts := lc.Counts
			if counts == nil {
				counts = map[string]int{}
			}
			countsJSON, err := json.Marshal(counts)
			if err != nil {
				return fmt.Errorf("encode counts for %s: %w", lc.Name, err)
			}
			var regionID sql.NullString
			if lc.RegionID != nil {
				regionID = sql.NullString{String: *lc.RegionID, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO summary_land_covers
				(project_id, position, name, region_id, counts) VALUES (?, ?, ?, ?, ?)`,
				s.ProjectID, i, lc.Name, regionID, string(countsJSON)); err != nil {
				return fmt.Errorf("insert summary land cover: %w", err)
			}
		}
		return nil
	})
}

// GetSummary returns ErrNotFound when the project has never been summarized.
func (db *DB) GetSummary(ctx context.Context, projectID string) (_ *models.Summary, err error) {
	defer func(start time.Time) { observe("SELECT", "summaries", start, err) }(time.Now())

	s := models.Summary{ProjectID: projectID}
	var filtersJSON string
	err = db.conn.QueryRowContext(ctx,
		`SELECT active_filters, recorded_at FROM summaries WHERE project_id = ?`, projectID).
		Scan(&filtersJSON, &s.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	if err := json.Unmarshal([]byte(filtersJSON), &s.ActiveFilters); err != nil {
		return nil, fmt.Errorf("decode active filters: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT name, region_id, counts FROM summary_land_covers
		WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get summary land covers: %w", err)
	}
	defer closeWithLog(rows, "rows")

	s.LandCovers = make([]models.LandCoverCount, 0)
	for rows.Next() {
		var (
			lc         models.LandCoverCount
			regionID   sql.NullString
			countsJSON string
		)
		if err := rows.Scan(&lc.Name, &regionID, &countsJSON); err != nil {
			return nil, fmt.Errorf("scan summary land cover: %w", err)
		}
		if regionID.Valid {
			id := regionID.String
			lc.RegionID = &id
		}
		if err := json.Unmarshal([]byte(countsJSON), &lc.Counts); err != nil {
			return nil, fmt.Errorf("decode counts for %s: %w", lc.Name, err)
		}
		s.LandCovers = append(s.LandCovers, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// renameSummaryLandCovers rewrites every summary entry of a region to its
// new name. Entries are matched by region id, or by the old name for
// entries written without one.
func renameSummaryLandCovers(ctx context.Context, tx *sql.Tx, regionID, oldName, newName string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE summary_land_covers SET name = ?
		WHERE region_id = ? OR (region_id IS NULL AND name = ?)`, newName, regionID, oldName)
	if err != nil {
		return 0, fmt.Errorf("rename summary land covers: %w", err)
	}
	return res.RowsAffected()
}

// pullSummaryLandCovers removes every summary entry of a deleted region.
func pullSummaryLandCovers(ctx context.Context, tx *sql.Tx, regionID, name string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM summary_land_covers
		WHERE region_id = ? OR (region_id IS NULL AND name = ?)`, regionID, name)
	if err != nil {
		return 0, fmt.Errorf("pull summary land covers: %w", err)
	}
	return res.RowsAffected()
}
