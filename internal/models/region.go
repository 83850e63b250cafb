// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Land cover types accepted for regions.
const (
	LandTypeTrees = "trees"
	LandTypeCrops = "crops"
)

// NotSpecifiedLandCover is the bucket used when no region is visible.
const NotSpecifiedLandCover = "Not Specified"

// LandCoverRegion is an admin-defined polygonal area of interest.
// Geometry holds a GeoJSON Polygon or MultiPolygon in WGS84 coordinates.
type LandCoverRegion struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	LandType  string          `json:"land_type"`
	Geometry  json.RawMessage `json:"geometry"`
	AddedAt   time.Time       `json:"added_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsValidLandType reports whether t is a supported land cover type.
func IsValidLandType(t string) bool {
	return t == LandTypeTrees || t == LandTypeCrops
}
