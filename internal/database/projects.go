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
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/canopy/internal/models"
)

// CreateProject stores a new project, assigning its id and creation time.
func (db *DB) CreateProject(ctx context.Context, p *models.Project) (err error) {
	defer func(start time.Time) { observe("INSERT", "projects", start, err) }(time.Now())

	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now()

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, location, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Location, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns ErrNotFound when id is unknown.
func (db *DB) GetProject(ctx context.Context, id string) (_ *models.Project, err error) {
	defer func(start time.Time) { observe("SELECT", "projects", start, err) }(time.Now())

	var p models.Project
	err = db.conn.QueryRowContext(ctx,
		`SELECT id, name, description, location, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Location, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (db *DB) ListProjects(ctx context.Context) (_ []models.Project, err error) {
	defer func(start time.Time) { observe("SELECT", "projects", start, err) }(time.Now())

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, description, location, created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer closeWithLog(rows, "rows")

	projects := make([]models.Project, 0)
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Location, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
