// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/mapctl"
)

// CreateMapSessionRequest is the optional body of POST .../map/sessions.
// Omitting classes selects every class in the project at the default
// confidence.
type CreateMapSessionRequest struct {
	Classes       *[]string `json:"classes,omitempty"`
	MinConfidence float64   `json:"min_confidence" validate:"gte=0,lte=1"`
	VisibleLayers []string  `json:"visible_layers" validate:"max=64,dive,required"`
}

// SetFilterRequest replaces the class and confidence filter of a session.
// An empty classes list selects nothing.
type SetFilterRequest struct {
	Classes       []string `json:"classes" validate:"max=256,dive,required"`
	MinConfidence float64  `json:"min_confidence" validate:"gte=0,lte=1"`
}

// SetLayerRequest toggles one land cover in a session.
type SetLayerRequest struct {
	Visible bool `json:"visible"`
}

// MapSessionResponse is returned when a session opens.
type MapSessionResponse struct {
	SessionID string        `json:"session_id"`
	Legend    mapctl.Legend `json:"legend"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*mapctl.Controller, bool) {
	if h.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Map sessions unavailable", nil)
		return nil, false
	}
	c, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, r, err)
		return nil, false
	}
	return c, true
}

// CreateMapSession opens a server-side map session for a project.
func (h *Handler) CreateMapSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Map sessions unavailable", nil)
		return
	}

	var req CreateMapSessionRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	opts := mapctl.OpenOptions{VisibleLayers: req.VisibleLayers}
	if req.Classes != nil {
		opts.Filter = &mapctl.Filter{Classes: *req.Classes, MinConfidence: req.MinConfidence}
	}

	c, err := h.sessions.Open(r.Context(), chi.URLParam(r, "projectID"), opts)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, MapSessionResponse{SessionID: c.ID(), Legend: c.Legend()})
}

// MapLegend returns the latest aggregation of a session.
func (h *Handler) MapLegend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	respondData(w, http.StatusOK, c.Legend())
}

// MapMask returns the dimming mask as a GeoJSON Feature in WGS84, or 204
// when no land cover is visible. crs=3857 returns Web Mercator meters.
func (h *Handler) MapMask(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	mask, ok := c.Mask()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.URL.Query().Get("crs") != "3857" {
		mask = geometry.ToWGS84(mask)
	}
	respondGeoJSON(w, geometry.MaskFeature(mask))
}

// SetMapFilter changes the class filter. The recompute is debounced; the
// returned legend is pending until it completes.
func (h *Handler) SetMapFilter(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SetFilterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := c.SetFilter(r.Context(), mapctl.Filter{Classes: req.Classes, MinConfidence: req.MinConfidence})
	if errors.Is(err, mapctl.ErrStaleFetch) {
		respondError(w, http.StatusConflict, CodeConflict, "Superseded by a newer filter", nil)
		return
	}
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, c.Legend())
}

// SetMapLayer shows or hides a land cover. A region whose geometry cannot
// be parsed stays hidden and is reported with 422.
func (h *Handler) SetMapLayer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SetLayerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := c.SetLayerVisible(r.Context(), chi.URLParam(r, "regionID"), req.Visible)
	var perr *geometry.ParseError
	if errors.As(err, &perr) {
		respondError(w, http.StatusUnprocessableEntity, CodeValidation, perr.Error(), nil)
		return
	}
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, c.Legend())
}

// FlushMapSession runs a pending recompute immediately.
func (h *Handler) FlushMapSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.session(w, r)
	if !ok {
		return
	}
	c.Flush()
	respondData(w, http.StatusOK, c.Legend())
}

// CloseMapSession ends a session.
func (h *Handler) CloseMapSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Map sessions unavailable", nil)
		return
	}
	if err := h.sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
