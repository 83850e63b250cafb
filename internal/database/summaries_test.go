// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package database

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tomtom215/canopy/internal/models"
)

func strPtr(s string) *string { return &s }

func TestSummary_SaveAndOverwrite(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.GetSummary(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSummary() before save error = %v, want ErrNotFound", err)
	}

	first := &models.Summary{
		ProjectID: "p1",
		LandCovers: []models.LandCoverCount{
			{Name: "North", RegionID: strPtr("r1"), Counts: map[string]int{"Tree": 3}},
			{Name: "South", RegionID: strPtr("r2"), Counts: map[string]int{"Tree": 1, "Crop": 2}},
		},
		ActiveFilters: []string{"Tree", "Crop"},
	}
	if err := db.SaveSummary(ctx, first); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}

	got, err := db.GetSummary(ctx, "p1")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if !reflect.DeepEqual(got.LandCovers, first.LandCovers) {
		t.Errorf("LandCovers = %+v, want %+v", got.LandCovers, first.LandCovers)
	}
	if !reflect.DeepEqual(got.ActiveFilters, first.ActiveFilters) {
		t.Errorf("ActiveFilters = %v, want %v", got.ActiveFilters, first.ActiveFilters)
	}

	// Full overwrite: the second save replaces every entry.
	second := &models.Summary{
		ProjectID: "p1",
		LandCovers: []models.LandCoverCount{
			{Name: models.NotSpecifiedLandCover, Counts: map[string]int{"Tree": 4}},
		},
	}
	if err := db.SaveSummary(ctx, second); err != nil {
		t.Fatalf("SaveSummary() overwrite error = %v", err)
	}
	got, err = db.GetSummary(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.LandCovers) != 1 || got.LandCovers[0].Name != models.NotSpecifiedLandCover || got.LandCovers[0].RegionID != nil {
		t.Errorf("after overwrite LandCovers = %+v", got.LandCovers)
	}
	if len(got.ActiveFilters) != 0 {
		t.Errorf("after overwrite ActiveFilters = %v, want empty", got.ActiveFilters)
	}
}

func TestSummary_EmptyClearsState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.SaveSummary(ctx, &models.Summary{
		ProjectID:  "p1",
		LandCovers: []models.LandCoverCount{{Name: "A", Counts: map[string]int{"Tree": 1}}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSummary(ctx, &models.Summary{ProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSummary(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.LandCovers) != 0 {
		t.Errorf("LandCovers = %+v, want none", got.LandCovers)
	}
}
