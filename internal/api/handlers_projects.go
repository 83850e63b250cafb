// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tomtom215/canopy/internal/detector"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=1000"`
	Location    string `json:"location" validate:"max=200"`
}

// ListProjects returns every project.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	projects, err := h.projects.ListProjects(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondList(w, projects, start)
}

// CreateProject stores a project.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := &models.Project{Name: req.Name, Description: req.Description, Location: req.Location}
	if err := h.projects.CreateProject(r.Context(), p); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, p)
}

// GetProject returns one project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, p)
}

// ProjectLabels returns the detection classes present in a project.
func (h *Handler) ProjectLabels(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.projects.GetProject(r.Context(), projectID); err != nil {
		respondStoreError(w, r, err)
		return
	}
	labels, err := h.detections.DistinctLabels(r.Context(), projectID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondList(w, labels, start)
}

// ProjectDetections returns the positioned detections of a project as a
// GeoJSON FeatureCollection of points.
//
// Query parameters: classes (comma separated; present but empty selects
// nothing) and min_confidence.
func (h *Handler) ProjectDetections(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.projects.GetProject(r.Context(), projectID); err != nil {
		respondStoreError(w, r, err)
		return
	}

	q := models.DetectionQuery{ProjectID: projectID}
	values := r.URL.Query()
	if raw, ok := values["classes"]; ok {
		q.LabelsSet = true
		q.Labels = parseCommaSeparated(strings.Join(raw, ","))
	}
	if raw := values.Get("min_confidence"); raw != "" {
		conf, err := strconv.ParseFloat(raw, 64)
		if err != nil || conf < 0 || conf > 1 {
			respondError(w, http.StatusBadRequest, CodeValidation, "min_confidence must be a number between 0 and 1", nil)
			return
		}
		q.MinConfidence = conf
	}

	dets, err := h.detections.FindDetections(r.Context(), q)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondGeoJSON(w, detectionsFeatureCollection(dets))
}

func detectionsFeatureCollection(dets []models.Detection) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range dets {
		if d.GeoPosition == nil {
			continue
		}
		f := geojson.NewFeature(orb.Point{d.GeoPosition.Lon, d.GeoPosition.Lat})
		f.ID = d.ID
		f.Properties["label"] = d.Label
		f.Properties["confidence"] = d.Confidence
		f.Properties["date"] = d.RecordedAt.UTC().Format(time.RFC3339)
		f.Properties["project_id"] = d.ProjectID
		fc.Append(f)
	}
	return fc
}

// AnalyzeImage uploads a georeferenced image to the detector and stores the
// detections. Multipart fields: file, model, confidence, iou.
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Detection service not configured", nil)
		return
	}
	projectID := chi.URLParam(r, "projectID")

	if h.config != nil && h.config.Detector.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.Detector.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "Expected multipart/form-data", nil)
		return
	}

	req := detector.PredictRequest{}
	// Form fields must precede the file part so the image can be streamed.
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondUploadError(w, err)
			return
		}

		switch part.FormName() {
		case "file":
			req.Image = part
			req.Filename = part.FileName()
		case "model", "confidence", "iou":
			value, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				respondUploadError(w, err)
				return
			}
			if !applyAnalyzeField(&req, part.FormName(), strings.TrimSpace(string(value))) {
				respondError(w, http.StatusBadRequest, CodeValidation, part.FormName()+" must be a number between 0 and 1", nil)
				return
			}
			continue
		default:
			continue
		}
		break
	}

	if req.Image == nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "file is required", nil)
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, CodeValidation, "model is required (send it before the file part)", nil)
		return
	}

	analysis, err := h.analyzer.Analyze(r.Context(), projectID, req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondUploadError(w, err)
			return
		}
		respondStoreError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("project_id", projectID).Int("inserted", analysis.Inserted).Msg("Image analysis stored")
	if analysis.Inserted > 0 && h.sessions != nil {
		h.sessions.RefreshProject(r.Context(), projectID)
	}
	respondData(w, http.StatusOK, analysis)
}

func applyAnalyzeField(req *detector.PredictRequest, name, value string) bool {
	if name == "model" {
		req.Model = value
		return true
	}
	if value == "" {
		return true
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > 1 {
		return false
	}
	if name == "confidence" {
		req.Confidence = f
	} else {
		req.IoU = f
	}
	return true
}

func respondUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge, CodeValidation, "Upload exceeds the size limit", nil)
		return
	}
	respondError(w, http.StatusBadRequest, CodeValidation, "Malformed multipart upload", err)
}

// parseCommaSeparated splits a comma separated list, dropping blanks.
func parseCommaSeparated(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
