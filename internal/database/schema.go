// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package database

import (
	"context"
	"fmt"
)

// Region name uniqueness and the region cap are enforced in RegionStore
// under a lock, not with constraints, because DuckDB checks unique indexes
// eagerly inside a transaction that updates the indexed column.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id VARCHAR PRIMARY KEY,
		name VARCHAR NOT NULL,
		description VARCHAR NOT NULL DEFAULT '',
		location VARCHAR NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS detections (
		id VARCHAR PRIMARY KEY,
		project_id VARCHAR NOT NULL,
		label VARCHAR NOT NULL,
		bbox_x1 DOUBLE NOT NULL,
		bbox_y1 DOUBLE NOT NULL,
		bbox_x2 DOUBLE NOT NULL,
		bbox_y2 DOUBLE NOT NULL,
		latitude DOUBLE,
		longitude DOUBLE,
		confidence DOUBLE NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		UNIQUE (project_id, label, bbox_x1, bbox_y1, bbox_x2, bbox_y2)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_project ON detections (project_id)`,
	`CREATE TABLE IF NOT EXISTS land_cover_regions (
		id VARCHAR PRIMARY KEY,
		name VARCHAR NOT NULL,
		land_type VARCHAR NOT NULL,
		geometry VARCHAR NOT NULL,
		added_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		project_id VARCHAR PRIMARY KEY,
		active_filters VARCHAR NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS summary_land_covers (
		project_id VARCHAR NOT NULL,
		position INTEGER NOT NULL,
		name VARCHAR NOT NULL,
		region_id VARCHAR,
		counts VARCHAR NOT NULL
	)`,
}

func (db *DB) createTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
