// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

/*
Package middleware provides the HTTP middleware shared by every route.

  - RequestID: request and correlation ids in the context and X-Request-ID
  - PrometheusMetrics: request counts, latency and in-flight gauges
  - Compression: gzip for JSON and GeoJSON bodies

Typical chi stack:

	r.Use(middleware.RequestID)
	r.Use(cors)
	r.Use(rateLimit)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.Compression)
*/
package middleware
