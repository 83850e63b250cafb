// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package models defines the Canopy domain types shared by storage, the
// aggregation engine and the HTTP API.
package models

import "time"

// BBox is a detection bounding box in source image pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// GeoPosition is a WGS84 coordinate.
type GeoPosition struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Detection is a single labeled object produced by the external detector.
// Detections are immutable once stored. GeoPosition is nil when the source
// image carried no georeference; such detections never take part in spatial
// aggregation.
type Detection struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Label       string       `json:"label"`
	BBox        BBox         `json:"bbox"`
	GeoPosition *GeoPosition `json:"geo_position,omitempty"`
	Confidence  float64      `json:"confidence"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// HasPosition reports whether the detection can be placed on the map.
func (d *Detection) HasPosition() bool {
	return d.GeoPosition != nil
}

// DetectionQuery filters detections for a project.
//
// LabelsSet distinguishes "no label filter" (LabelsSet false) from an explicit
// empty selection (LabelsSet true, Labels empty) which matches nothing.
type DetectionQuery struct {
	ProjectID     string
	MinConfidence float64
	Labels        []string
	LabelsSet     bool
}

// IngestResult reports the outcome of storing one detector output.
type IngestResult struct {
	Detection Detection `json:"detection"`
	Duplicate bool      `json:"duplicate"`
}
