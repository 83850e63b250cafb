// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package models

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestIsValidLandType(t *testing.T) {
	tests := map[string]bool{
		"trees": true,
		"crops": true,
		"Trees": false,
		"water": false,
		"":      false,
	}
	for in, want := range tests {
		if got := IsValidLandType(in); got != want {
			t.Errorf("IsValidLandType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSummaryTotal(t *testing.T) {
	id := "r1"
	s := Summary{LandCovers: []LandCoverCount{
		{Name: "North", RegionID: &id, Counts: map[string]int{"Tree": 2, "Crop": 1}},
		{Name: "South", Counts: map[string]int{"Tree": 3}},
		{Name: NotSpecifiedLandCover},
	}}
	total := s.Total()
	if total["Tree"] != 5 || total["Crop"] != 1 || len(total) != 2 {
		t.Errorf("Total() = %v", total)
	}
}

func TestLandCoverCount_NullRegionID(t *testing.T) {
	data, err := json.Marshal(LandCoverCount{Name: NotSpecifiedLandCover, Counts: map[string]int{}})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if v, ok := raw["region_id"]; !ok || v != nil {
		t.Errorf("region_id = %v (present %v), want explicit null", v, ok)
	}
}

func TestDetectionHasPosition(t *testing.T) {
	d := Detection{}
	if d.HasPosition() {
		t.Error("detection without GPS reported a position")
	}
	d.GeoPosition = &GeoPosition{Lat: 1, Lon: 2}
	if !d.HasPosition() {
		t.Error("positioned detection reported none")
	}
}
