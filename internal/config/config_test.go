// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Server.Port != 3857 {
		t.Errorf("Server.Port = %d, want 3857", cfg.Server.Port)
	}
	if cfg.Aggregation.Debounce != 400*time.Millisecond {
		t.Errorf("Aggregation.Debounce = %v, want 400ms", cfg.Aggregation.Debounce)
	}
	if cfg.Aggregation.MaxRegions != 8 {
		t.Errorf("Aggregation.MaxRegions = %d, want 8", cfg.Aggregation.MaxRegions)
	}
	if cfg.Aggregation.MaxRegionName != 30 {
		t.Errorf("Aggregation.MaxRegionName = %d, want 30", cfg.Aggregation.MaxRegionName)
	}
	if cfg.Detector.URL != "http://localhost:5001/predict" {
		t.Errorf("Detector.URL = %q", cfg.Detector.URL)
	}
	if cfg.Server.Addr() != "0.0.0.0:3857" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := strings.Join([]string{
		"server:",
		"  port: 9000",
		"aggregation:",
		"  debounce: 250ms",
		"  max_regions: 4",
		"database:",
		"  path: /tmp/from-file.duckdb",
	}, "\n")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MODEL_API_TIMEOUT", "90s")
	t.Setenv("SOME_UNRELATED_VAR", "ignored")

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env value 9100", cfg.Server.Port)
	}
	if cfg.Aggregation.Debounce != 250*time.Millisecond {
		t.Errorf("Aggregation.Debounce = %v, want file value 250ms", cfg.Aggregation.Debounce)
	}
	if cfg.Aggregation.MaxRegions != 4 {
		t.Errorf("Aggregation.MaxRegions = %d, want 4", cfg.Aggregation.MaxRegions)
	}
	if cfg.Database.Path != "/tmp/from-file.duckdb" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Detector.Timeout != 90*time.Second {
		t.Errorf("Detector.Timeout = %v, want 90s", cfg.Detector.Timeout)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.Security.CORSOrigins, want) {
		t.Errorf("CORSOrigins = %v, want %v", cfg.Security.CORSOrigins, want)
	}
}

func TestLoad_InvalidFails(t *testing.T) {
	t.Setenv("HTTP_PORT", "70000")
	if _, err := load(""); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty db path", func(c *Config) { c.Database.Path = " " }, "DUCKDB_PATH"},
		{"negative debounce", func(c *Config) { c.Aggregation.Debounce = -time.Millisecond }, "RECOMPUTE_DEBOUNCE"},
		{"zero debounce allowed", func(c *Config) { c.Aggregation.Debounce = 0 }, ""},
		{"zero regions", func(c *Config) { c.Aggregation.MaxRegions = 0 }, "MAX_LAND_COVERS"},
		{"zero cache", func(c *Config) { c.Aggregation.GeometryCacheSize = 0 }, "GEOMETRY_CACHE_SIZE"},
		{"zero idle timeout", func(c *Config) { c.Sessions.IdleTimeout = 0 }, "SESSION_IDLE_TIMEOUT"},
		{"relative model url", func(c *Config) { c.Detector.URL = "/predict" }, "MODEL_API_URL"},
		{"confidence above one", func(c *Config) { c.Detector.DefaultConfidence = 1.5 }, "default_confidence"},
		{"rate limit zero", func(c *Config) { c.Security.RateLimitRequests = 0 }, "RATE_LIMIT_REQUESTS"},
		{"rate limit disabled skips bounds", func(c *Config) {
			c.Security.RateLimitDisabled = true
			c.Security.RateLimitRequests = 0
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	if got := envTransformFunc("DUCKDB_PATH"); got != "database.path" {
		t.Errorf("DUCKDB_PATH -> %q", got)
	}
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("PATH -> %q, want ignored", got)
	}
}
