// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks that configuration values are present and in range.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateAggregation(); err != nil {
		return err
	}
	if err := c.validateSessions(); err != nil {
		return err
	}
	if err := c.validateDetector(); err != nil {
		return err
	}
	if err := c.validateRateLimits(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("DUCKDB_PATH is required")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("DUCKDB_THREADS must not be negative")
	}
	return nil
}

const (
	maxLandCoverLimit = 64
	maxDebounce       = 10 * time.Second
)

func (c *Config) validateAggregation() error {
	a := c.Aggregation
	if a.Debounce < 0 || a.Debounce > maxDebounce {
		return fmt.Errorf("RECOMPUTE_DEBOUNCE must be between 0 and %v", maxDebounce)
	}
	if a.YieldEvery < 1 {
		return fmt.Errorf("aggregation.yield_every must be at least 1")
	}
	if a.MaxRegions < 1 || a.MaxRegions > maxLandCoverLimit {
		return fmt.Errorf("MAX_LAND_COVERS must be between 1 and %d", maxLandCoverLimit)
	}
	if a.MaxRegionName < 1 {
		return fmt.Errorf("aggregation.max_region_name must be at least 1")
	}
	if a.GeometryCacheSize < 1 {
		return fmt.Errorf("GEOMETRY_CACHE_SIZE must be at least 1")
	}
	return nil
}

func (c *Config) validateSessions() error {
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.reap_interval must be positive")
	}
	return nil
}

func (c *Config) validateDetector() error {
	d := c.Detector
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("MODEL_API_URL must be an absolute http(s) URL, got %q", d.URL)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("MODEL_API_TIMEOUT must be positive")
	}
	if d.DefaultConfidence < 0 || d.DefaultConfidence > 1 {
		return fmt.Errorf("detector.default_confidence must be between 0 and 1")
	}
	if d.DefaultIOU < 0 || d.DefaultIOU > 1 {
		return fmt.Errorf("detector.default_iou must be between 0 and 1")
	}
	if d.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if d.RequestsPerMinute < 0 {
		return fmt.Errorf("MODEL_API_RATE_PER_MINUTE must not be negative")
	}
	return nil
}

const (
	minRateLimitRequests = 1
	maxRateLimitRequests = 100000
	minRateLimitWindow   = time.Second
	maxRateLimitWindow   = time.Hour
)

func (c *Config) validateRateLimits() error {
	if c.Security.RateLimitDisabled {
		return nil
	}
	if c.Security.RateLimitRequests < minRateLimitRequests || c.Security.RateLimitRequests > maxRateLimitRequests {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be between %d and %d", minRateLimitRequests, maxRateLimitRequests)
	}
	if c.Security.RateLimitWindow < minRateLimitWindow || c.Security.RateLimitWindow > maxRateLimitWindow {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be between %v and %v", minRateLimitWindow, maxRateLimitWindow)
	}
	return nil
}

var (
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
)

func (c *Config) validateLogging() error {
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("LOG_FORMAT must be json or console; got %q", c.Logging.Format)
	}
	return nil
}
