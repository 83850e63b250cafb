// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package database

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRegionLimit is returned when creating a region past the configured cap.
	ErrRegionLimit = errors.New("land cover limit reached")

	// ErrDuplicateName is returned when a region name is already taken,
	// compared case-insensitively.
	ErrDuplicateName = errors.New("land cover name already exists")

	// ErrInvalidRegion wraps name and land type validation failures.
	ErrInvalidRegion = errors.New("invalid land cover")
)
