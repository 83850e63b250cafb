// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package mapctl runs one server-side map session per open map. A
// Controller owns the session's detection index, visible land covers and
// mask, reacts to filter changes, layer toggles and region events, and
// funnels every recompute through a single debounced entry point.
package mapctl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/tomtom215/canopy/internal/aggregation"
	"github.com/tomtom215/canopy/internal/events"
	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/spatial"
)

var (
	// ErrStaleFetch reports that a detection fetch finished after a newer
	// one was issued. Its result was dropped.
	ErrStaleFetch = errors.New("detection fetch superseded by a newer request")

	// ErrSessionClosed is returned by operations on a closed controller.
	ErrSessionClosed = errors.New("map session closed")

	// ErrRegionDeleted is returned when showing a land cover that was
	// deleted while it was loading.
	ErrRegionDeleted = errors.New("land cover deleted")
)

// DetectionSource fetches pre-filtered detections for a project.
type DetectionSource interface {
	FindDetections(ctx context.Context, q models.DetectionQuery) ([]models.Detection, error)
	DistinctLabels(ctx context.Context, projectID string) ([]string, error)
}

// RegionSource looks up land cover regions.
type RegionSource interface {
	GetRegion(ctx context.Context, id string) (*models.LandCoverRegion, error)
}

// Recomputer runs one aggregation pass.
type Recomputer interface {
	Recompute(ctx context.Context, in aggregation.Input) (*aggregation.Result, error)
}

// GeometryCache returns parsed geometries by layer id.
type GeometryCache interface {
	Generation(layerID string) uint64
	GetOrParseSince(layerID string, gen uint64, raw []byte) (orb.Geometry, error)
	Invalidate(layerID string) bool
}

// LegendListener is told about every completed recompute.
type LegendListener func(legend Legend)

// Filter is the detection filter of a session.
type Filter struct {
	Classes       []string `json:"classes"`
	MinConfidence float64  `json:"min_confidence"`
}

// Layer is a visible land cover.
type Layer struct {
	RegionID string `json:"region_id"`
	Name     string `json:"name"`
}

// Legend is a snapshot of a session's aggregation state.
type Legend struct {
	SessionID string              `json:"session_id"`
	ProjectID string              `json:"project_id"`
	Filter    Filter              `json:"filter"`
	Layers    []Layer             `json:"layers"`
	Result    *aggregation.Result `json:"result,omitempty"`
	// Pending is true while a recompute is scheduled or waiting for the
	// detection index.
	Pending  bool              `json:"pending"`
	Warnings map[string]string `json:"warnings,omitempty"`
	// PersistError is set when the last summary write failed.
	PersistError string `json:"persist_error,omitempty"`
}

type visibleLayer struct {
	name string
	geom orb.Geometry
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	Detections DetectionSource
	Regions    RegionSource
	Engine     Recomputer
	Cache      GeometryCache
	Events     events.Subscriber
	OnLegend   LegendListener
}

// Options tune a Controller.
type Options struct {
	Debounce   time.Duration
	YieldEvery int
}

// Controller is one map session. All methods are safe for concurrent use.
type Controller struct {
	id        string
	projectID string
	deps      Deps
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	debouncer *Debouncer

	mu         sync.Mutex
	closed     bool
	filter     Filter
	index      *spatial.Index
	lastFetch  uint64
	visible    map[string]*visibleLayer
	order      []string
	mask       orb.Polygon
	hasMask    bool
	result     *aggregation.Result
	pending    bool
	warnings   map[string]string
	lastActive time.Time

	// changes counts replace and delete events per region so a layer
	// loaded before one of them is not shown. Region ids are never reused,
	// so deleted entries are kept for the session lifetime.
	changes map[string]uint64
	deleted map[string]struct{}
}

func newController(id, projectID string, deps Deps, opts Options) *Controller {
	ctx, cancel := context.WithCancel(logging.ContextWithSessionID(context.Background(), id))
	c := &Controller{
		id:         id,
		projectID:  projectID,
		deps:       deps,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		visible:    make(map[string]*visibleLayer),
		warnings:   make(map[string]string),
		lastActive: time.Now(),
		changes:    make(map[string]uint64),
		deleted:    make(map[string]struct{}),
	}
	c.debouncer = NewDebouncer(opts.Debounce, c.recompute)
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// ProjectID returns the project this session maps.
func (c *Controller) ProjectID() string { return c.projectID }

// start subscribes to region events for the lifetime of the controller.
func (c *Controller) start() error {
	if c.deps.Events == nil {
		return nil
	}
	stream, err := c.deps.Events.Subscribe(c.ctx)
	if err != nil {
		return fmt.Errorf("subscribe to region events: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range stream {
			c.HandleEvent(c.ctx, ev)
		}
	}()
	return nil
}

// Close unsubscribes from events and drops any pending recompute.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.debouncer.Stop()
	c.wg.Wait()
}

func (c *Controller) touch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.lastActive = time.Now()
	return nil
}

// idleSince returns the time of the last client interaction.
func (c *Controller) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// SetFilter fetches the detections matching f, rebuilds the spatial index
// from them and schedules a recompute. A fetch overtaken by a later
// SetFilter returns ErrStaleFetch and changes nothing.
func (c *Controller) SetFilter(ctx context.Context, f Filter) error {
	if err := c.touch(); err != nil {
		return err
	}
	return c.applyFilter(ctx, f)
}

// Refresh refetches detections with the current filter, picking up
// detections stored since the last fetch. It does not count as client
// activity for idle reaping.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	f := Filter{Classes: append([]string(nil), c.filter.Classes...), MinConfidence: c.filter.MinConfidence}
	c.mu.Unlock()
	return c.applyFilter(ctx, f)
}

func (c *Controller) applyFilter(ctx context.Context, f Filter) error {
	f.Classes = normalizeClasses(f.Classes)

	c.mu.Lock()
	c.lastFetch++
	seq := c.lastFetch
	c.mu.Unlock()

	log := logging.Ctx(logging.ContextWithSessionID(ctx, c.id))

	dets, err := c.deps.Detections.FindDetections(ctx, models.DetectionQuery{
		ProjectID:     c.projectID,
		MinConfidence: f.MinConfidence,
		Labels:        f.Classes,
		LabelsSet:     true,
	})
	if err != nil {
		if c.isStale(seq) {
			return c.discard(seq)
		}
		return fmt.Errorf("fetch detections: %w", err)
	}

	if c.isStale(seq) {
		return c.discard(seq)
	}

	idx, err := spatial.Build(ctx, dets, c.opts.YieldEvery)
	if err != nil {
		return fmt.Errorf("build detection index: %w", err)
	}

	c.mu.Lock()
	if seq != c.lastFetch {
		c.mu.Unlock()
		return c.discard(seq)
	}
	c.filter = f
	c.index = idx
	c.pending = true
	c.mu.Unlock()

	log.Debug().Uint64("seq", seq).Int("detections", idx.Len()).Msg("Detection index rebuilt")
	c.debouncer.Trigger()
	return nil
}

func (c *Controller) isStale(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq != c.lastFetch
}

func (c *Controller) discard(seq uint64) error {
	metrics.StaleFetchDiscarded.Inc()
	logging.Ctx(c.ctx).Debug().Uint64("seq", seq).Msg("Discarding stale detection fetch")
	return ErrStaleFetch
}

// SetLayerVisible shows or hides a land cover. Showing parses the region
// geometry through the cache; a geometry that fails to parse is recorded as
// a warning, the layer stays hidden and the *geometry.ParseError is returned.
func (c *Controller) SetLayerVisible(ctx context.Context, regionID string, visible bool) error {
	if err := c.touch(); err != nil {
		return err
	}

	if !visible {
		c.mu.Lock()
		_, was := c.visible[regionID]
		c.removeLayerLocked(regionID)
		delete(c.warnings, regionID)
		if was {
			c.pending = true
		}
		c.mu.Unlock()
		if was {
			c.debouncer.Trigger()
		}
		return nil
	}

	for {
		layer, gen, err := c.loadVersioned(ctx, regionID)
		if err != nil {
			return err
		}

		c.mu.Lock()
		added, err := c.addIfCurrentLocked(regionID, layer, gen)
		if added {
			c.pending = true
		}
		c.mu.Unlock()

		if err != nil {
			return err
		}
		if added {
			c.debouncer.Trigger()
			return nil
		}
		// Replaced while loading; load the new content.
	}
}

// loadVersioned loads a region together with the change count it was read
// at.
func (c *Controller) loadVersioned(ctx context.Context, regionID string) (*visibleLayer, uint64, error) {
	c.mu.Lock()
	gen := c.changes[regionID]
	c.mu.Unlock()

	layer, err := c.loadLayer(ctx, regionID)
	return layer, gen, err
}

// addIfCurrentLocked shows layer unless its region changed since gen. It
// returns ErrRegionDeleted for a deleted region and false with no error
// for a replaced one.
func (c *Controller) addIfCurrentLocked(regionID string, layer *visibleLayer, gen uint64) (bool, error) {
	if _, gone := c.deleted[regionID]; gone {
		return false, fmt.Errorf("land cover %s: %w", regionID, ErrRegionDeleted)
	}
	if c.changes[regionID] != gen {
		return false, nil
	}
	c.addLayerLocked(regionID, layer)
	return true, nil
}

// loadLayer fetches and parses one region. Parse failures are recorded as
// warnings for the legend.
func (c *Controller) loadLayer(ctx context.Context, regionID string) (*visibleLayer, error) {
	cacheGen := c.deps.Cache.Generation(regionID)
	region, err := c.deps.Regions.GetRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}

	geom, err := c.deps.Cache.GetOrParseSince(regionID, cacheGen, region.Geometry)
	if err != nil {
		c.mu.Lock()
		c.warnings[regionID] = err.Error()
		c.mu.Unlock()
		logging.Ctx(logging.ContextWithSessionID(ctx, c.id)).Warn().Err(err).
			Str("region_id", regionID).
			Msg("Skipping land cover with unparseable geometry")
		return nil, err
	}

	c.mu.Lock()
	delete(c.warnings, regionID)
	c.mu.Unlock()
	return &visibleLayer{name: region.Name, geom: geom}, nil
}

func (c *Controller) addLayerLocked(regionID string, layer *visibleLayer) {
	if _, ok := c.visible[regionID]; !ok {
		c.order = append(c.order, regionID)
	}
	c.visible[regionID] = layer
	c.rebuildMaskLocked()
}

func (c *Controller) removeLayerLocked(regionID string) {
	if _, ok := c.visible[regionID]; !ok {
		return
	}
	delete(c.visible, regionID)
	for i, id := range c.order {
		if id == regionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.rebuildMaskLocked()
}

func (c *Controller) rebuildMaskLocked() {
	geoms := make([]orb.Geometry, 0, len(c.order))
	for _, id := range c.order {
		geoms = append(geoms, c.visible[id].geom)
	}
	c.mask, c.hasMask = geometry.BuildMask(geoms)
}

// HandleEvent applies a region change to the session.
func (c *Controller) HandleEvent(ctx context.Context, ev events.RegionEvent) {
	log := logging.Ctx(c.ctx).With().Str("type", string(ev.Type)).Str("region_id", ev.RegionID).Logger()

	switch ev.Type {
	case events.RegionRenamed:
		c.mu.Lock()
		layer, ok := c.visible[ev.RegionID]
		if ok {
			layer.name = ev.Name
			c.pending = true
		}
		c.mu.Unlock()
		if ok {
			c.debouncer.Trigger()
		}

	case events.RegionReplaced:
		c.deps.Cache.Invalidate(ev.RegionID)
		c.mu.Lock()
		c.changes[ev.RegionID]++
		_, ok := c.visible[ev.RegionID]
		c.mu.Unlock()
		if !ok {
			return
		}
		layer, err := c.loadLayer(ctx, ev.RegionID)
		c.mu.Lock()
		if err != nil {
			c.removeLayerLocked(ev.RegionID)
		} else if _, still := c.visible[ev.RegionID]; still {
			c.addLayerLocked(ev.RegionID, layer)
		}
		c.pending = true
		c.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Dropped land cover after geometry replace")
		}
		c.debouncer.Trigger()

	case events.RegionDeleted:
		c.deps.Cache.Invalidate(ev.RegionID)
		c.mu.Lock()
		c.changes[ev.RegionID]++
		c.deleted[ev.RegionID] = struct{}{}
		_, ok := c.visible[ev.RegionID]
		c.removeLayerLocked(ev.RegionID)
		delete(c.warnings, ev.RegionID)
		if ok {
			c.pending = true
		}
		c.mu.Unlock()
		if ok {
			c.debouncer.Trigger()
		}

	case events.RegionAdded:
		// New regions start hidden.
	default:
		log.Debug().Msg("Ignoring unknown region event")
	}
}

// recompute is the single debounced entry point for aggregation.
func (c *Controller) recompute() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	in := aggregation.Input{
		ProjectID:       c.projectID,
		Index:           c.index,
		Regions:         make([]aggregation.Region, 0, len(c.order)),
		SelectedClasses: append([]string(nil), c.filter.Classes...),
		MinConfidence:   c.filter.MinConfidence,
	}
	for _, id := range c.order {
		l := c.visible[id]
		in.Regions = append(in.Regions, aggregation.Region{ID: id, Name: l.name, Geometry: l.geom})
	}
	c.mu.Unlock()

	res, err := c.deps.Engine.Recompute(c.ctx, in)
	if err != nil {
		if errors.Is(err, aggregation.ErrIndexUnavailable) {
			// SetFilter triggers again once the index is built.
			logging.Ctx(c.ctx).Debug().Msg("Recompute deferred until detection index is ready")
			return
		}
		if c.ctx.Err() == nil {
			logging.Ctx(c.ctx).Error().Err(err).Msg("Recompute failed")
		}
		return
	}

	c.mu.Lock()
	c.result = res
	c.pending = false
	legend := c.legendLocked()
	c.mu.Unlock()

	if c.deps.OnLegend != nil {
		c.deps.OnLegend(legend)
	}
}

// Flush runs a scheduled recompute immediately and waits for it.
func (c *Controller) Flush() {
	c.debouncer.Flush()
}

// Legend returns the current aggregation snapshot.
func (c *Controller) Legend() Legend {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	return c.legendLocked()
}

func (c *Controller) legendLocked() Legend {
	l := Legend{
		SessionID: c.id,
		ProjectID: c.projectID,
		Filter:    Filter{Classes: append([]string{}, c.filter.Classes...), MinConfidence: c.filter.MinConfidence},
		Layers:    make([]Layer, 0, len(c.order)),
		Result:    c.result,
		Pending:   c.pending,
	}
	for _, id := range c.order {
		l.Layers = append(l.Layers, Layer{RegionID: id, Name: c.visible[id].name})
	}
	if len(c.warnings) > 0 {
		l.Warnings = make(map[string]string, len(c.warnings))
		for k, v := range c.warnings {
			l.Warnings[k] = v
		}
	}
	if c.result != nil && c.result.PersistErr != nil {
		l.PersistError = c.result.PersistErr.Error()
	}
	return l
}

// Mask returns the current mask polygon. ok is false when no land cover is
// visible, in which case no mask should be drawn.
func (c *Controller) Mask() (orb.Polygon, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	if !c.hasMask {
		return nil, false
	}
	return c.mask.Clone(), true
}

// normalizeClasses drops blanks and duplicates and sorts the rest.
func normalizeClasses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, cls := range in {
		if cls == "" {
			continue
		}
		if _, dup := seen[cls]; dup {
			continue
		}
		seen[cls] = struct{}{}
		out = append(out, cls)
	}
	sort.Strings(out)
	return out
}
