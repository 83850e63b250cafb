// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package main is the entry point for the Canopy server.
//
// Canopy stores drone imagery detections per project, lets operators draw
// land cover regions (trees, crops) and counts detections inside the visible
// regions as the map changes.
//
// # Startup
//
//  1. Configuration: defaults, config.yaml and environment (Koanf v2)
//  2. Database: DuckDB with the canopy schema
//  3. Region event bus and region store
//  4. Aggregation engine, geometry cache and map session manager
//  5. Detector client behind a circuit breaker (when DETECTOR_URL is set)
//  6. Supervisor tree: websocket hub, event bridge, session reaper, HTTP
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the tree. In-flight requests get the configured
// shutdown timeout, map sessions are closed, and the database is
// checkpointed before exit.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/canopy/internal/aggregation"
	"github.com/tomtom215/canopy/internal/api"
	"github.com/tomtom215/canopy/internal/cache"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/database"
	"github.com/tomtom215/canopy/internal/detector"
	"github.com/tomtom215/canopy/internal/events"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/mapctl"
	"github.com/tomtom215/canopy/internal/supervisor"
	ws "github.com/tomtom215/canopy/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("addr", cfg.Server.Addr()).
		Bool("detector_enabled", cfg.Detector.URL != "").
		Msg("Starting Canopy")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Checkpoint(context.Background()); err != nil {
			logging.Warn().Err(err).Msg("Database checkpoint failed")
		}
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	bus := events.NewBus(64)
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing event bus")
		}
	}()

	regions := database.NewRegionStore(db, bus, database.RegionLimits{
		MaxRegions: cfg.Aggregation.MaxRegions,
		MaxNameLen: cfg.Aggregation.MaxRegionName,
	})
	geoms := cache.NewGeometryCache(cfg.Aggregation.GeometryCacheSize)
	regions.SetGeometryCache(geoms)

	hub := ws.NewHub()
	engine := aggregation.NewEngine(db, aggregation.Config{YieldEvery: cfg.Aggregation.YieldEvery})
	sessions := mapctl.NewManager(mapctl.Deps{
		Detections: db,
		Regions:    regions,
		Engine:     engine,
		Cache:      geoms,
		Events:     bus,
		OnLegend: func(legend mapctl.Legend) {
			hub.BroadcastLegend(legend.SessionID, legend)
		},
	}, db, mapctl.ManagerConfig{
		Debounce:          cfg.Aggregation.Debounce,
		YieldEvery:        cfg.Aggregation.YieldEvery,
		IdleTimeout:       cfg.Sessions.IdleTimeout,
		ReapInterval:      cfg.Sessions.ReapInterval,
		DefaultConfidence: cfg.Detector.DefaultConfidence,
	})

	var analyzer api.Analyzer
	if cfg.Detector.URL != "" {
		client := detector.NewCircuitBreakerClient(detector.NewClient(&cfg.Detector), detector.DefaultBreakerSettings())
		analyzer = detector.NewIngestor(client, db, db, db, detector.IngestorConfig{
			RequestsPerMinute: cfg.Detector.RequestsPerMinute,
			DefaultConfidence: cfg.Detector.DefaultConfidence,
			DefaultIoU:        cfg.Detector.DefaultIOU,
		})
	} else {
		logging.Info().Msg("MODEL_API_URL not set; image analysis disabled")
	}

	handler := api.NewHandler(api.Deps{
		Projects:   db,
		Detections: db,
		Summaries:  db,
		Regions:    regions,
		Sessions:   sessions,
		Analyzer:   analyzer,
		Hub:        hub,
		DB:         db,
	}, cfg)
	router := api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(cfg.Security)))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddRealtimeService(hub)
	tree.AddRealtimeService(ws.NewEventBridge(bus, hub))
	tree.AddSessionService(sessions)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Canopy listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree stopped with error")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within the shutdown timeout")
		}
	}
	logging.Info().Msg("Canopy stopped")
}
