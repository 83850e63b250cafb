// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package spatial provides the detection index used to find candidate
// detections inside a land cover region's extent.
package spatial

import (
	"context"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/models"
)

// DefaultYieldEvery is the number of inserts between scheduler yields while
// building an index.
const DefaultYieldEvery = 1024

// Item is one indexed detection with its projected position.
type Item struct {
	Pos       orb.Point
	Detection *models.Detection
}

// Point implements orb.Pointer.
func (i *Item) Point() orb.Point {
	return i.Pos
}

// Index is an immutable point index over projected detections.
// It is rebuilt in full whenever the detection set changes and is safe for
// concurrent queries once built.
//
// Time Complexity:
//   - Build: O(n log n)
//   - Query: O(log n + k) where k is the number of results
type Index struct {
	tree  *quadtree.Quadtree
	items []*Item
	bound orb.Bound
}

// Empty returns an index with no entries.
func Empty() *Index {
	return &Index{}
}

// Build projects dets to Web Mercator and loads them into a new index.
// Detections without a geo position are skipped. The loop yields to the
// scheduler every yieldEvery inserts (DefaultYieldEvery when <= 0) and stops
// with ctx.Err() if the context is cancelled.
func Build(ctx context.Context, dets []models.Detection, yieldEvery int) (*Index, error) {
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}

	items := make([]*Item, 0, len(dets))
	for i := range dets {
		d := &dets[i]
		if !d.HasPosition() {
			continue
		}
		items = append(items, &Item{
			Pos:       geometry.ProjectPosition(d.GeoPosition.Lat, d.GeoPosition.Lon),
			Detection: d,
		})
	}
	return BuildItems(ctx, items, yieldEvery)
}

// BuildItems loads already projected items into a new index.
func BuildItems(ctx context.Context, items []*Item, yieldEvery int) (*Index, error) {
	if len(items) == 0 {
		return Empty(), nil
	}
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}

	bound := items[0].Pos.Bound()
	for _, it := range items[1:] {
		bound = bound.Extend(it.Pos)
	}

	tree := quadtree.New(bound)
	for i, it := range items {
		if i > 0 && i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}
		// The bound covers every item, so Add cannot fail here.
		_ = tree.Add(it)
	}

	return &Index{tree: tree, items: items, bound: bound}, nil
}

// Query returns every item whose position lies within extent, edges
// included. Results are a superset of the items inside any geometry whose
// bound is extent; callers apply an exact containment test afterwards.
func (x *Index) Query(extent orb.Bound) []*Item {
	if x == nil || x.tree == nil || !x.bound.Intersects(extent) {
		return nil
	}

	found := x.tree.InBound(nil, extent)
	out := make([]*Item, 0, len(found))
	for _, p := range found {
		out = append(out, p.(*Item))
	}
	return out
}

// All returns every indexed item in build order.
func (x *Index) All() []*Item {
	if x == nil {
		return nil
	}
	return x.items
}

// Len returns the number of indexed items.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.items)
}

// Bound returns the extent covering all items. It is empty for an empty index.
func (x *Index) Bound() orb.Bound {
	if x == nil {
		return orb.Bound{}
	}
	return x.bound
}
