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
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/canopy/internal/events"
	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

// RegionLimits bounds land cover administration.
type RegionLimits struct {
	MaxRegions int
	MaxNameLen int
}

// DefaultRegionLimits allows 8 regions with names of at most 30 characters.
func DefaultRegionLimits() RegionLimits {
	return RegionLimits{MaxRegions: 8, MaxNameLen: 30}
}

// GeometryInvalidator drops cached parses of a region's geometry.
type GeometryInvalidator interface {
	Invalidate(regionID string) bool
}

// RegionStore manages land cover regions and keeps persisted summaries in
// step with renames and deletions. Every change is announced on the event
// publisher after it commits.
type RegionStore struct {
	db     *DB
	pub    events.Publisher
	limits RegionLimits
	geoms  GeometryInvalidator

	// mu serializes writes so the name and count checks hold at commit.
	mu sync.Mutex
}

// NewRegionStore creates a region store. pub may be nil.
func NewRegionStore(db *DB, pub events.Publisher, limits RegionLimits) *RegionStore {
	if limits.MaxRegions <= 0 {
		limits.MaxRegions = DefaultRegionLimits().MaxRegions
	}
	if limits.MaxNameLen <= 0 {
		limits.MaxNameLen = DefaultRegionLimits().MaxNameLen
	}
	return &RegionStore{db: db, pub: pub, limits: limits}
}

// SetGeometryCache registers the shared geometry cache. Replacing or
// deleting a region invalidates its entry right after commit, whether or
// not any map session is listening for the event.
func (s *RegionStore) SetGeometryCache(c GeometryInvalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geoms = c
}

func (s *RegionStore) invalidateLocked(id string) {
	if s.geoms != nil {
		s.geoms.Invalidate(id)
	}
}

const regionColumns = `id, name, land_type, geometry, added_at, updated_at`

func (s *RegionStore) normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidRegion)
	}
	if len([]rune(name)) > s.limits.MaxNameLen {
		return "", fmt.Errorf("%w: name must be at most %d characters", ErrInvalidRegion, s.limits.MaxNameLen)
	}
	if strings.EqualFold(name, models.NotSpecifiedLandCover) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidRegion, models.NotSpecifiedLandCover)
	}
	return name, nil
}

// validateGeometry rejects payloads the map could not draw.
func validateGeometry(raw json.RawMessage) error {
	if _, err := geometry.Parse(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRegion, err)
	}
	return nil
}

// CreateRegion stores a new land cover and publishes region:added.
func (s *RegionStore) CreateRegion(ctx context.Context, name, landType string, geom json.RawMessage) (_ *models.LandCoverRegion, err error) {
	defer func(start time.Time) { observe("INSERT", "land_cover_regions", start, err) }(time.Now())

	name, err = s.normalizeName(name)
	if err != nil {
		return nil, err
	}
	landType = strings.ToLower(strings.TrimSpace(landType))
	if !models.IsValidLandType(landType) {
		return nil, fmt.Errorf("%w: land_type must be %s or %s", ErrInvalidRegion, models.LandTypeTrees, models.LandTypeCrops)
	}
	if err := validateGeometry(geom); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	r := &models.LandCoverRegion{
		ID:        uuid.NewString(),
		Name:      name,
		LandType:  landType,
		Geometry:  geom,
		AddedAt:   ts,
		UpdatedAt: ts,
	}

	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM land_cover_regions`).Scan(&count); err != nil {
			return fmt.Errorf("count regions: %w", err)
		}
		if count >= s.limits.MaxRegions {
			return fmt.Errorf("%w: at most %d land covers", ErrRegionLimit, s.limits.MaxRegions)
		}
		if err := checkNameFree(ctx, tx, name, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO land_cover_regions (`+regionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.LandType, string(r.Geometry), r.AddedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert region: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.RegionEvent{Type: events.RegionAdded, RegionID: r.ID, Name: r.Name})
	return r, nil
}

func checkNameFree(ctx context.Context, tx *sql.Tx, name, exceptID string) error {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM land_cover_regions WHERE lower(name) = lower(?) AND id <> ? LIMIT 1`,
		name, exceptID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check region name: %w", err)
	}
	return fmt.Errorf("%w: %q", ErrDuplicateName, name)
}

// RenameRegion renames a land cover and cascades the new name into every
// persisted summary in the same transaction. Publishes region:renamed.
func (s *RegionStore) RenameRegion(ctx context.Context, id, name string) (_ *models.LandCoverRegion, err error) {
	defer func(start time.Time) { observe("UPDATE", "land_cover_regions", start, err) }(time.Now())

	name, err = s.normalizeName(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		r       *models.LandCoverRegion
		oldName string
	)
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRegion(ctx, tx, id)
		if err != nil {
			return err
		}
		oldName = current.Name
		if err := checkNameFree(ctx, tx, name, id); err != nil {
			return err
		}

		current.Name = name
		current.UpdatedAt = now()
		if _, err := tx.ExecContext(ctx, `UPDATE land_cover_regions SET name = ?, updated_at = ? WHERE id = ?`,
			current.Name, current.UpdatedAt, id); err != nil {
			return fmt.Errorf("rename region: %w", err)
		}
		n, err := renameSummaryLandCovers(ctx, tx, id, oldName, name)
		if err != nil {
			return err
		}
		logging.Ctx(ctx).Debug().Str("region_id", id).Int64("summary_rows", n).Msg("Cascaded region rename")
		r = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldName != r.Name {
		s.publish(ctx, events.RegionEvent{Type: events.RegionRenamed, RegionID: id, Name: r.Name, PreviousName: oldName})
	}
	return r, nil
}

// ReplaceRegionGeometry swaps a land cover's geometry. Publishes
// region:replaced so cached parses of the old geometry are dropped.
func (s *RegionStore) ReplaceRegionGeometry(ctx context.Context, id string, geom json.RawMessage) (_ *models.LandCoverRegion, err error) {
	defer func(start time.Time) { observe("UPDATE", "land_cover_regions", start, err) }(time.Now())

	if err := validateGeometry(geom); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var r *models.LandCoverRegion
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRegion(ctx, tx, id)
		if err != nil {
			return err
		}
		current.Geometry = geom
		current.UpdatedAt = now()
		if _, err := tx.ExecContext(ctx, `UPDATE land_cover_regions SET geometry = ?, updated_at = ? WHERE id = ?`,
			string(current.Geometry), current.UpdatedAt, id); err != nil {
			return fmt.Errorf("replace region geometry: %w", err)
		}
		r = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateLocked(id)
	s.publish(ctx, events.RegionEvent{Type: events.RegionReplaced, RegionID: id, Name: r.Name})
	return r, nil
}

// DeleteRegion removes a land cover and pulls its entries from every
// persisted summary. Publishes region:deleted.
func (s *RegionStore) DeleteRegion(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("DELETE", "land_cover_regions", start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRegion(ctx, tx, id)
		if err != nil {
			return err
		}
		name = current.Name
		if _, err := tx.ExecContext(ctx, `DELETE FROM land_cover_regions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete region: %w", err)
		}
		_, err = pullSummaryLandCovers(ctx, tx, id, name)
		return err
	})
	if err != nil {
		return err
	}

	s.invalidateLocked(id)
	s.publish(ctx, events.RegionEvent{Type: events.RegionDeleted, RegionID: id, Name: name})
	return nil
}

// GetRegion returns ErrNotFound when id is unknown.
func (s *RegionStore) GetRegion(ctx context.Context, id string) (_ *models.LandCoverRegion, err error) {
	defer func(start time.Time) { observe("SELECT", "land_cover_regions", start, err) }(time.Now())
	return getRegion(ctx, s.db.conn, id)
}

// ListRegions returns all land covers in creation order.
func (s *RegionStore) ListRegions(ctx context.Context) (_ []models.LandCoverRegion, err error) {
	defer func(start time.Time) { observe("SELECT", "land_cover_regions", start, err) }(time.Now())

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+regionColumns+` FROM land_cover_regions ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer closeWithLog(rows, "rows")

	regions := make([]models.LandCoverRegion, 0)
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		regions = append(regions, *r)
	}
	return regions, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRegion(ctx context.Context, q queryRower, id string) (*models.LandCoverRegion, error) {
	r, err := scanRegion(q.QueryRowContext(ctx,
		`SELECT `+regionColumns+` FROM land_cover_regions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("land cover %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get region: %w", err)
	}
	return r, nil
}

func scanRegion(s rowScanner) (*models.LandCoverRegion, error) {
	var (
		r    models.LandCoverRegion
		geom string
	)
	if err := s.Scan(&r.ID, &r.Name, &r.LandType, &geom, &r.AddedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Geometry = json.RawMessage(geom)
	return &r, nil
}

func (s *RegionStore) publish(ctx context.Context, ev events.RegionEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("type", string(ev.Type)).
			Str("region_id", ev.RegionID).
			Msg("Failed to publish region event")
	}
}
