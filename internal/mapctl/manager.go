// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package mapctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// ErrSessionNotFound is returned for unknown or reaped session ids.
var ErrSessionNotFound = errors.New("map session not found")

// ProjectSource checks that a project exists.
type ProjectSource interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// ManagerConfig tunes session handling.
type ManagerConfig struct {
	Debounce          time.Duration
	YieldEvery        int
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	DefaultConfidence float64
	// PreloadConcurrency bounds parallel region loads when a session opens
	// with visible layers.
	PreloadConcurrency int
}

// DefaultManagerConfig returns the session defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Debounce:           400 * time.Millisecond,
		YieldEvery:         256,
		IdleTimeout:        30 * time.Minute,
		ReapInterval:       time.Minute,
		DefaultConfidence:  0.5,
		PreloadConcurrency: 4,
	}
}

// OpenOptions describe the initial state of a new session. A nil Filter
// selects every class detected in the project at the default confidence.
type OpenOptions struct {
	Filter        *Filter
	VisibleLayers []string
}

// Manager owns the open map sessions.
type Manager struct {
	deps     Deps
	projects ProjectSource
	cfg      ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

// NewManager creates a session manager.
func NewManager(deps Deps, projects ProjectSource, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.PreloadConcurrency <= 0 {
		cfg.PreloadConcurrency = def.PreloadConcurrency
	}
	return &Manager{
		deps:     deps,
		projects: projects,
		cfg:      cfg,
		sessions: make(map[string]*Controller),
	}
}

// Open starts a session for projectID, loads its initial filter and layers,
// and returns it once the first detection index is built. Layers whose
// geometry fails to parse are left hidden and reported in the legend.
func (m *Manager) Open(ctx context.Context, projectID string, opts OpenOptions) (*Controller, error) {
	if m.projects != nil {
		if _, err := m.projects.GetProject(ctx, projectID); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	c := newController(id, projectID, m.deps, Options{Debounce: m.cfg.Debounce, YieldEvery: m.cfg.YieldEvery})
	if err := c.start(); err != nil {
		c.Close()
		return nil, err
	}

	if err := m.initialize(ctx, c, opts); err != nil {
		c.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return nil, ErrSessionClosed
	}
	m.sessions[id] = c
	metrics.MapSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	logging.Ctx(c.ctx).Info().Str("project_id", projectID).Msg("Map session opened")
	return c, nil
}

func (m *Manager) initialize(ctx context.Context, c *Controller, opts OpenOptions) error {
	filter := opts.Filter
	if filter == nil {
		labels, err := m.deps.Detections.DistinctLabels(ctx, c.projectID)
		if err != nil {
			return fmt.Errorf("load detection classes: %w", err)
		}
		filter = &Filter{Classes: labels, MinConfidence: m.cfg.DefaultConfidence}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.SetFilter(gctx, *filter)
	})

	layers := make([]*visibleLayer, len(opts.VisibleLayers))
	gens := make([]uint64, len(opts.VisibleLayers))
	sem := make(chan struct{}, m.cfg.PreloadConcurrency)
	for i, regionID := range opts.VisibleLayers {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			layer, gen, err := c.loadVersioned(gctx, regionID)
			var perr *geometry.ParseError
			if errors.As(err, &perr) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load land cover %s: %w", regionID, err)
			}
			layers[i], gens[i] = layer, gen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var retry []string
	c.mu.Lock()
	added := false
	for i, layer := range layers {
		if layer == nil {
			continue
		}
		ok, err := c.addIfCurrentLocked(opts.VisibleLayers[i], layer, gens[i])
		switch {
		case ok:
			added = true
		case err == nil:
			retry = append(retry, opts.VisibleLayers[i])
		}
	}
	if added {
		c.pending = true
	}
	c.mu.Unlock()
	if added {
		c.debouncer.Trigger()
	}

	// Layers replaced during the preload are loaded again with their new
	// content. Deleted ones stay hidden.
	for _, regionID := range retry {
		err := c.SetLayerVisible(ctx, regionID, true)
		var perr *geometry.ParseError
		if err != nil && !errors.As(err, &perr) && !errors.Is(err, ErrRegionDeleted) {
			return fmt.Errorf("load land cover %s: %w", regionID, err)
		}
	}
	return nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return c, nil
}

// Close ends one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.MapSessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	c.Close()
	logging.Ctx(c.ctx).Info().Msg("Map session closed")
	return nil
}

// RefreshProject refetches detections in every open session of projectID
// and returns how many sessions were refreshed. A session whose filter
// changed meanwhile keeps the newer fetch.
func (m *Manager) RefreshProject(ctx context.Context, projectID string) int {
	m.mu.Lock()
	var targets []*Controller
	for _, c := range m.sessions {
		if c.projectID == projectID {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	refreshed := 0
	for _, c := range targets {
		err := c.Refresh(ctx)
		switch {
		case err == nil:
			refreshed++
		case errors.Is(err, ErrStaleFetch), errors.Is(err, ErrSessionClosed):
		default:
			logging.Ctx(c.ctx).Warn().Err(err).Str("project_id", projectID).Msg("Map session refresh failed")
		}
	}
	return refreshed
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle closes sessions idle since before now minus the idle timeout and
// returns how many were closed.
func (m *Manager) ReapIdle(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Controller
	for id, c := range m.sessions {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
			delete(m.sessions, id)
		}
	}
	metrics.MapSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, c := range idle {
		c.Close()
		logging.Ctx(c.ctx).Info().Msg("Reaped idle map session")
	}
	return len(idle)
}

// Serve reaps idle sessions until ctx is done, then closes every session.
// It implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			if n := m.ReapIdle(now); n > 0 {
				logging.Debug().Int("sessions", n).Msg("Idle map sessions reaped")
			}
		}
	}
}

// Shutdown closes every session and rejects new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	metrics.MapSessionsActive.Set(0)
	m.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
}

// String implements fmt.Stringer for suture logging.
func (m *Manager) String() string {
	return "map-session-manager"
}
