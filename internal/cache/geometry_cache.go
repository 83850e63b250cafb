// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package cache

import (
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/metrics"
)

// ParseFunc turns a raw land cover payload into a projected geometry.
type ParseFunc func(raw []byte) (orb.Geometry, error)

// GeometryCache memoizes parsed land cover geometries by layer id.
//
// A layer is parsed once; later lookups return the cached geometry without
// looking at raw again. Renaming a layer does not touch the cache. Deleting
// a layer or replacing its content must call Invalidate.
//
// Concurrent first lookups of the same layer share a single parse.
type GeometryCache struct {
	lru   *LRU[orb.Geometry]
	group singleflight.Group
	parse ParseFunc

	// generation is bumped by Invalidate so a parse that started before the
	// invalidation does not repopulate the entry with old content.
	mu         sync.Mutex
	generation map[string]uint64
	epoch      uint64
}

// NewGeometryCache creates a cache holding up to capacity layers, parsing
// with geometry.Parse.
func NewGeometryCache(capacity int) *GeometryCache {
	return NewGeometryCacheWithParser(capacity, geometry.Parse)
}

// NewGeometryCacheWithParser is NewGeometryCache with a custom parser.
func NewGeometryCacheWithParser(capacity int, parse ParseFunc) *GeometryCache {
	return &GeometryCache{
		lru:        NewLRU[orb.Geometry](capacity),
		parse:      parse,
		generation: make(map[string]uint64),
	}
}

// GetOrParse returns the cached geometry for layerID, parsing raw on the
// first request. Parse failures are returned as *geometry.ParseError tagged
// with layerID and are not cached.
func (c *GeometryCache) GetOrParse(layerID string, raw []byte) (orb.Geometry, error) {
	return c.GetOrParseSince(layerID, c.Generation(layerID), raw)
}

// GetOrParseSince is GetOrParse for a payload read after the caller observed
// Generation(layerID) == gen. The parse is cached only if layerID was not
// invalidated since, so content read before a replace cannot repopulate
// the cache after its invalidation.
func (c *GeometryCache) GetOrParseSince(layerID string, gen uint64, raw []byte) (orb.Geometry, error) {
	if g, ok := c.lru.Get(layerID); ok {
		metrics.GeometryCacheRequests.WithLabelValues("hit").Inc()
		return g, nil
	}
	metrics.GeometryCacheRequests.WithLabelValues("miss").Inc()

	// Lookups at different generations never share a parse.
	key := layerID + "#" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		g, err := c.parse(raw)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.epoch+c.generation[layerID] == gen {
			c.lru.Add(layerID, g)
		}
		c.mu.Unlock()
		return g, nil
	})
	if err != nil {
		metrics.GeometryParseErrors.Inc()
		return nil, geometry.WithLayer(err, layerID)
	}
	return v.(orb.Geometry), nil
}

// Generation returns a counter that changes whenever layerID is
// invalidated or the cache is cleared.
func (c *GeometryCache) Generation(layerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch + c.generation[layerID]
}

// Invalidate drops the cached geometry for layerID and reports whether one
// was present.
func (c *GeometryCache) Invalidate(layerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[layerID]++
	return c.lru.Remove(layerID)
}

// Clear drops every cached geometry.
func (c *GeometryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Clear()
}

// Len returns the number of cached layers.
func (c *GeometryCache) Len() int {
	return c.lru.Len()
}

// Stats returns the underlying LRU counters.
func (c *GeometryCache) Stats() Stats {
	return c.lru.Stats()
}
