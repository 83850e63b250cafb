// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/models"
)

// CreateRegionRequest is the body of POST /regions.
type CreateRegionRequest struct {
	Name     string          `json:"name" validate:"required"`
	LandType string          `json:"land_type" validate:"required,landtype"`
	Geometry json.RawMessage `json:"geometry" validate:"required"`
}

// UpdateRegionRequest renames a region, replaces its geometry, or both.
type UpdateRegionRequest struct {
	Name     *string         `json:"name,omitempty" validate:"omitempty,min=1"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

// ListRegions returns every land cover region.
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	regions, err := h.regions.ListRegions(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondList(w, regions, start)
}

// CreateRegion adds a land cover region.
func (h *Handler) CreateRegion(w http.ResponseWriter, r *http.Request) {
	var req CreateRegionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	region, err := h.regions.CreateRegion(r.Context(), req.Name, req.LandType, req.Geometry)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, region)
}

// GetRegion returns one region.
func (h *Handler) GetRegion(w http.ResponseWriter, r *http.Request) {
	region, err := h.regions.GetRegion(r.Context(), chi.URLParam(r, "regionID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, region)
}

// UpdateRegion applies a rename and then a geometry replacement.
func (h *Handler) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	var req UpdateRegionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil && len(req.Geometry) == 0 {
		respondError(w, http.StatusBadRequest, CodeValidation, "name or geometry is required", nil)
		return
	}

	id := chi.URLParam(r, "regionID")
	var region *models.LandCoverRegion
	var err error
	if req.Name != nil {
		if region, err = h.regions.RenameRegion(r.Context(), id, *req.Name); err != nil {
			respondStoreError(w, r, err)
			return
		}
	}
	if len(req.Geometry) > 0 {
		if region, err = h.regions.ReplaceRegionGeometry(r.Context(), id, req.Geometry); err != nil {
			respondStoreError(w, r, err)
			return
		}
	}
	respondData(w, http.StatusOK, region)
}

// DeleteRegion removes a region and its entries from every summary.
func (h *Handler) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	if err := h.regions.DeleteRegion(r.Context(), chi.URLParam(r, "regionID")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
