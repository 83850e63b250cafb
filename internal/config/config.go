// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package config loads Canopy configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Sessions    SessionsConfig    `koanf:"sessions"`
	Detector    DetectorConfig    `koanf:"detector"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = DuckDB default
}

// AggregationConfig tunes land-cover recomputation.
type AggregationConfig struct {
	// Debounce is the quiet period after the last map change before a
	// recompute runs.
	Debounce time.Duration `koanf:"debounce"`

	// YieldEvery is how many containment tests run between scheduler yields.
	YieldEvery int `koanf:"yield_every"`

	MaxRegions        int `koanf:"max_regions"`
	MaxRegionName     int `koanf:"max_region_name"`
	GeometryCacheSize int `koanf:"geometry_cache_size"`
}

type SessionsConfig struct {
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	ReapInterval time.Duration `koanf:"reap_interval"`
}

// DetectorConfig points at the external object-detection model service.
type DetectorConfig struct {
	URL               string        `koanf:"url"`
	Timeout           time.Duration `koanf:"timeout"`
	DefaultConfidence float64       `koanf:"default_confidence"`
	DefaultIOU        float64       `koanf:"default_iou"`
	MaxUploadBytes    int64         `koanf:"max_upload_bytes"`
	// RequestsPerMinute caps outbound analysis calls; 0 disables the limit.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
