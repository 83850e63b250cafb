// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/canopy/internal/models"
)

// PutSummaryRequest overwrites a project summary.
type PutSummaryRequest struct {
	LandCovers    []models.LandCoverCount `json:"land_covers" validate:"required,max=65,dive"`
	ActiveFilters []string                `json:"active_filters" validate:"max=256,dive,required"`
}

// GetSummary returns the persisted summary of a project.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.summaries.GetSummary(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, s)
}

// PutSummary replaces a project summary in full.
func (h *Handler) PutSummary(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req PutSummaryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, lc := range req.LandCovers {
		for label, n := range lc.Counts {
			if n < 0 {
				respondError(w, http.StatusBadRequest, CodeValidation, "count for "+label+" must not be negative", nil)
				return
			}
		}
	}
	if _, err := h.projects.GetProject(r.Context(), projectID); err != nil {
		respondStoreError(w, r, err)
		return
	}

	filters := req.ActiveFilters
	if filters == nil {
		filters = []string{}
	}
	s := &models.Summary{
		ProjectID:     projectID,
		LandCovers:    req.LandCovers,
		ActiveFilters: filters,
		RecordedAt:    time.Now().UTC(),
	}
	if err := h.summaries.SaveSummary(r.Context(), s); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, s)
}
