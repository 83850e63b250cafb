// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus is the payload of GET /health.
type HealthStatus struct {
	Status            string  `json:"status"`
	DatabaseConnected bool    `json:"database_connected"`
	MapSessions       int     `json:"map_sessions"`
	WebSocketClients  int     `json:"websocket_clients"`
	Uptime            float64 `json:"uptime_seconds"`
}

func (h *Handler) databaseConnected(ctx context.Context) bool {
	if h.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.db.Ping(ctx) == nil
}

// Health reports liveness with a component breakdown. It always answers
// 200; status is "degraded" when the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: h.databaseConnected(r.Context()),
		Uptime:            time.Since(h.startTime).Seconds(),
	}
	if !status.DatabaseConnected {
		status.Status = "degraded"
	}
	if h.sessions != nil {
		status.MapSessions = h.sessions.Len()
	}
	if h.hub != nil {
		status.WebSocketClients = h.hub.ClientCount()
	}
	respondData(w, http.StatusOK, status)
}

// HealthReady answers 503 until the database responds.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if !h.databaseConnected(r.Context()) {
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Database not ready", nil)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"ready": true})
}
