// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/canopy/internal/middleware"
)

// Router wires handlers to routes.
type Router struct {
	handler *Handler
	mw      *ChiMiddleware
}

// NewRouter creates a router.
func NewRouter(handler *Handler, mw *ChiMiddleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// Setup builds the HTTP handler tree.
func (router *Router) Setup() http.Handler {
	h := router.handler
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.mw.CORS())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.Get("/", h.Health)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.mw.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(middleware.Compression)

		r.Get("/ws", h.WebSocket)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Get("/detections", h.ProjectDetections)
				r.Get("/labels", h.ProjectLabels)
				r.Post("/analyze", h.AnalyzeImage)
				r.Get("/summary", h.GetSummary)
				r.Put("/summary", h.PutSummary)
				r.Post("/map/sessions", h.CreateMapSession)
			})
		})

		r.Route("/regions", func(r chi.Router) {
			r.Get("/", h.ListRegions)
			r.Post("/", h.CreateRegion)
			r.Get("/{regionID}", h.GetRegion)
			r.Patch("/{regionID}", h.UpdateRegion)
			r.Delete("/{regionID}", h.DeleteRegion)
		})

		r.Route("/map/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/legend", h.MapLegend)
			r.Get("/mask", h.MapMask)
			r.Put("/filter", h.SetMapFilter)
			r.Put("/layers/{regionID}", h.SetMapLayer)
			r.Post("/flush", h.FlushMapSession)
			r.Delete("/", h.CloseMapSession)
		})
	})

	return r
}
