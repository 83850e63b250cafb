// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/database"
	"github.com/tomtom215/canopy/internal/detector"
	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/mapctl"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/validation"
)

// Error codes used in the response envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeBadGateway         = "BAD_GATEWAY"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

const maxJSONBody = 4 << 20

// sanitizeLogValue escapes control characters so client input cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&b, "\\x%02x", r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// respondJSON writes response with the given status.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	})
}

func respondList[T any](w http.ResponseWriter, items []T, start time.Time) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status: "success",
		Data:   items,
		Metadata: models.Metadata{
			Timestamp:   time.Now().UTC(),
			QueryTimeMS: time.Since(start).Milliseconds(),
			Count:       &n,
		},
	})
}

// respondError writes an error envelope. err, when set, is logged and never
// sent to the client.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		ev := logging.Warn()
		if status >= http.StatusInternalServerError {
			ev = logging.Error()
		}
		ev.Str("code", code).Str("error", sanitizeLogValue(err.Error())).Msg("API error")
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	})
}

func respondValidationError(w http.ResponseWriter, verr *validation.RequestValidationError) {
	respondJSON(w, http.StatusBadRequest, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error: &models.APIError{
			Code:    CodeValidation,
			Message: verr.Error(),
			Details: map[string]interface{}{"fields": verr.Errors()},
		},
	})
}

// respondStoreError maps domain errors to HTTP statuses.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *geometry.ParseError
	var serr *detector.StatusError
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, mapctl.ErrSessionNotFound), errors.Is(err, mapctl.ErrRegionDeleted):
		respondError(w, http.StatusNotFound, CodeNotFound, clientMessage(err), nil)
	case errors.Is(err, database.ErrDuplicateName), errors.Is(err, database.ErrRegionLimit):
		respondError(w, http.StatusConflict, CodeConflict, clientMessage(err), nil)
	case errors.Is(err, database.ErrInvalidRegion), errors.As(err, &perr):
		respondError(w, http.StatusBadRequest, CodeValidation, clientMessage(err), nil)
	case errors.Is(err, mapctl.ErrSessionClosed):
		respondError(w, http.StatusGone, CodeNotFound, "Map session closed", nil)
	case errors.Is(err, detector.ErrCircuitOpen):
		respondError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Detection service temporarily unavailable", err)
	case errors.As(err, &serr), errors.Is(err, detector.ErrInvalidResponse):
		respondError(w, http.StatusBadGateway, CodeBadGateway, "Detection service failed", err)
	case errors.Is(err, context.Canceled):
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Request cancelled by client")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
	}
}

// clientMessage is the error text safe to show a client.
func clientMessage(err error) string {
	msg := err.Error()
	if msg == "" {
		return "request failed"
	}
	return msg
}

// decodeJSON reads a JSON body into dst and validates it. It writes the
// error response itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			respondError(w, http.StatusRequestEntityTooLarge, CodeValidation, "Request body too large", nil)
		case errors.Is(err, io.EOF):
			respondError(w, http.StatusBadRequest, CodeValidation, "Request body is required", nil)
		default:
			respondError(w, http.StatusBadRequest, CodeValidation, "Invalid JSON body", err)
		}
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		respondValidationError(w, verr)
		return false
	}
	return true
}

// respondGeoJSON writes a bare GeoJSON object for map clients.
func respondGeoJSON(w http.ResponseWriter, obj json.Marshaler) {
	data, err := obj.MarshalJSON()
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternal, "Failed to encode GeoJSON", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write GeoJSON response")
	}
}
