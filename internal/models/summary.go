// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import "time"

// LandCoverCount holds per-class counts for one land cover bucket.
// RegionID is nil for buckets without a backing region ("Not Specified").
type LandCoverCount struct {
	Name     string         `json:"name" validate:"required,max=30"`
	RegionID *string        `json:"region_id"`
	Counts   map[string]int `json:"counts"`
}

// Summary is the last aggregation snapshot persisted for a project.
// It is overwritten in full on every recompute.
type Summary struct {
	ProjectID     string           `json:"project_id"`
	LandCovers    []LandCoverCount `json:"land_covers"`
	ActiveFilters []string         `json:"active_filters"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// Total returns the per-class sum across all land covers.
func (s *Summary) Total() map[string]int {
	total := make(map[string]int)
	for _, lc := range s.LandCovers {
		for label, n := range lc.Counts {
			total[label] += n
		}
	}
	return total
}
