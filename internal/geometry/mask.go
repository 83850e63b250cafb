// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// WebMercatorExtent is the half-width of the Web Mercator world square in meters.
const WebMercatorExtent = 20037508.34

// WorldRing returns the closed outer ring covering the Web Mercator world.
func WorldRing() orb.Ring {
	return orb.Ring{
		{-WebMercatorExtent, -WebMercatorExtent},
		{WebMercatorExtent, -WebMercatorExtent},
		{WebMercatorExtent, WebMercatorExtent},
		{-WebMercatorExtent, WebMercatorExtent},
		{-WebMercatorExtent, -WebMercatorExtent},
	}
}

// BuildMask returns the world polygon with every visible region cut out as a
// hole. A Polygon contributes all of its rings. A MultiPolygon contributes
// only the first ring of each member polygon, so holes nested inside a
// multipolygon part are not preserved.
//
// The second return value is false when there is nothing to cut out; callers
// must then draw no mask at all rather than dimming the whole world.
//
// BuildMask does not retain or modify its input.
func BuildMask(geoms []orb.Geometry) (orb.Polygon, bool) {
	var holes []orb.Ring
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			for _, ring := range v {
				holes = append(holes, ring.Clone())
			}
		case orb.MultiPolygon:
			for _, p := range v {
				if len(p) > 0 {
					holes = append(holes, p[0].Clone())
				}
			}
		}
	}
	if len(holes) == 0 {
		return nil, false
	}

	mask := make(orb.Polygon, 0, len(holes)+1)
	mask = append(mask, WorldRing())
	mask = append(mask, holes...)
	return mask, true
}

// MaskFeature wraps a mask polygon as a GeoJSON feature for map clients.
func MaskFeature(mask orb.Polygon) *geojson.Feature {
	f := geojson.NewFeature(mask)
	f.Properties["name"] = "mask"
	return f
}

// ToWGS84 returns a copy of a Web Mercator polygon in WGS84 lon/lat, the
// coordinate system GeoJSON clients expect.
func ToWGS84(p orb.Polygon) orb.Polygon {
	return project.Polygon(p.Clone(), project.Mercator.ToWGS84)
}
