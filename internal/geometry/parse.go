// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package geometry converts land cover GeoJSON into projected planar
// geometries and composes the dimming mask drawn outside visible regions.
//
// All output coordinates are Web Mercator (EPSG:3857) meters, the same planar
// system detections are projected into before indexing.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// ErrUnsupportedGeometry is returned for geometry types other than
// Polygon and MultiPolygon.
var ErrUnsupportedGeometry = errors.New("unsupported geometry type")

// ParseError reports a land cover payload that could not be parsed.
// Callers skip the layer and keep going.
type ParseError struct {
	LayerID string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	msg := "geometry parse error"
	if e.LayerID != "" {
		msg += " for layer " + e.LayerID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// WithLayer returns a copy of err tagged with layerID when err is a
// *ParseError, and err unchanged otherwise.
func WithLayer(err error, layerID string) error {
	var pe *ParseError
	if !errors.As(err, &pe) {
		return err
	}
	tagged := *pe
	tagged.LayerID = layerID
	return &tagged
}

// Parse decodes a GeoJSON Polygon or MultiPolygon in WGS84 and returns it
// projected to Web Mercator. A Feature or FeatureCollection is accepted as
// well; its polygonal members are merged into one MultiPolygon.
func Parse(raw []byte) (orb.Geometry, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Reason: "empty payload"}
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}

	var g orb.Geometry
	switch head.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, &ParseError{Reason: "invalid feature", Err: err}
		}
		g = f.Geometry
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, &ParseError{Reason: "invalid feature collection", Err: err}
		}
		g = mergeFeatures(fc.Features)
	default:
		gj, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, &ParseError{Reason: "invalid geometry", Err: err}
		}
		g = gj.Coordinates
	}

	switch v := g.(type) {
	case orb.Polygon:
		if err := validatePolygon(v); err != nil {
			return nil, err
		}
		return checkProjected(project.Polygon(v.Clone(), project.WGS84.ToMercator))
	case orb.MultiPolygon:
		if len(v) == 0 {
			return nil, &ParseError{Reason: "multipolygon has no polygons"}
		}
		for i, p := range v {
			if err := validatePolygon(p); err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					pe.Reason = fmt.Sprintf("polygon %d: %s", i, pe.Reason)
				}
				return nil, err
			}
		}
		return checkProjected(project.MultiPolygon(v.Clone(), project.WGS84.ToMercator))
	case nil:
		return nil, &ParseError{Reason: "missing geometry"}
	default:
		return nil, &ParseError{Reason: g.GeoJSONType(), Err: ErrUnsupportedGeometry}
	}
}

// mergeFeatures collects the polygonal geometries of a feature collection.
// Non-polygonal features are ignored.
func mergeFeatures(features []*geojson.Feature) orb.Geometry {
	var mp orb.MultiPolygon
	for _, f := range features {
		if f == nil {
			continue
		}
		switch v := f.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, v)
		case orb.MultiPolygon:
			mp = append(mp, v...)
		}
	}
	if len(mp) == 1 {
		return mp[0]
	}
	if len(mp) == 0 {
		return nil
	}
	return mp
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return &ParseError{Reason: "polygon has no rings"}
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return &ParseError{Reason: fmt.Sprintf("ring %d has %d positions, need at least 4", i, len(ring))}
		}
		for _, pt := range ring {
			if pt[1] < -90 || pt[1] > 90 || pt[0] < -180 || pt[0] > 180 {
				return &ParseError{Reason: fmt.Sprintf("ring %d: coordinate %v outside WGS84 range", i, pt)}
			}
		}
	}
	return nil
}

// checkProjected rejects geometries whose projection produced non-finite
// coordinates, which happens at the poles.
func checkProjected(g orb.Geometry) (orb.Geometry, error) {
	b := g.Bound()
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, &ParseError{Reason: "coordinates cannot be projected to web mercator"}
		}
	}
	return g, nil
}

// ProjectPosition converts a WGS84 lon/lat pair to Web Mercator.
func ProjectPosition(lat, lon float64) orb.Point {
	return project.Point(orb.Point{lon, lat}, project.WGS84.ToMercator)
}
