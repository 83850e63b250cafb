// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package api serves the Canopy REST and websocket endpoints.
package api

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/detector"
	"github.com/tomtom215/canopy/internal/mapctl"
	"github.com/tomtom215/canopy/internal/models"
	ws "github.com/tomtom215/canopy/internal/websocket"
)

// ProjectStore reads and creates projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
}

// DetectionReader reads stored detections.
type DetectionReader interface {
	FindDetections(ctx context.Context, q models.DetectionQuery) ([]models.Detection, error)
	DistinctLabels(ctx context.Context, projectID string) ([]string, error)
}

// SummaryStore reads and overwrites project summaries.
type SummaryStore interface {
	GetSummary(ctx context.Context, projectID string) (*models.Summary, error)
	SaveSummary(ctx context.Context, s *models.Summary) error
}

// RegionAdmin manages land cover regions.
type RegionAdmin interface {
	CreateRegion(ctx context.Context, name, landType string, geom json.RawMessage) (*models.LandCoverRegion, error)
	RenameRegion(ctx context.Context, id, name string) (*models.LandCoverRegion, error)
	ReplaceRegionGeometry(ctx context.Context, id string, geom json.RawMessage) (*models.LandCoverRegion, error)
	DeleteRegion(ctx context.Context, id string) error
	GetRegion(ctx context.Context, id string) (*models.LandCoverRegion, error)
	ListRegions(ctx context.Context) ([]models.LandCoverRegion, error)
}

// Analyzer runs images through the detector.
type Analyzer interface {
	Analyze(ctx context.Context, projectID string, req detector.PredictRequest) (*detector.Analysis, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of every endpoint. Nil optional
// dependencies (Analyzer, Hub) make their endpoints answer 503.
type Handler struct {
	projects   ProjectStore
	detections DetectionReader
	summaries  SummaryStore
	regions    RegionAdmin
	sessions   *mapctl.Manager
	analyzer   Analyzer
	hub        *ws.Hub
	db         Pinger
	config     *config.Config
	startTime  time.Time
}

// Deps bundles the Handler dependencies.
type Deps struct {
	Projects   ProjectStore
	Detections DetectionReader
	Summaries  SummaryStore
	Regions    RegionAdmin
	Sessions   *mapctl.Manager
	Analyzer   Analyzer
	Hub        *ws.Hub
	DB         Pinger
}

// NewHandler creates a handler.
func NewHandler(deps Deps, cfg *config.Config) *Handler {
	return &Handler{
		projects:   deps.Projects,
		detections: deps.Detections,
		summaries:  deps.Summaries,
		regions:    deps.Regions,
		sessions:   deps.Sessions,
		analyzer:   deps.Analyzer,
		hub:        deps.Hub,
		db:         deps.DB,
		config:     cfg,
		startTime:  time.Now(),
	}
}
