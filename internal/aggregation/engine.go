// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package aggregation counts detections per land cover region and class and
// persists the result as the project summary.
package aggregation

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/spatial"
)

// ErrIndexUnavailable is returned when a recompute is requested before the
// detection index for the current filter has been built. Callers wait for
// the index and retry; they never compute against a partial index.
var ErrIndexUnavailable = errors.New("aggregation: detection index unavailable")

// SummaryStore persists project summaries with full overwrite semantics.
type SummaryStore interface {
	SaveSummary(ctx context.Context, s *models.Summary) error
}

// Region is a visible land cover region with its projected geometry.
type Region struct {
	ID       string
	Name     string
	Geometry orb.Geometry
}

// Input is everything a recompute reads.
type Input struct {
	ProjectID       string
	Index           *spatial.Index
	Regions         []Region
	SelectedClasses []string
	MinConfidence   float64
}

// Result is the outcome of one recompute.
//
// Totals sums PerRegion across regions. A detection inside two overlapping
// regions is counted in both, so it contributes twice to Totals.
type Result struct {
	ProjectID  string                    `json:"project_id"`
	PerRegion  map[string]map[string]int `json:"per_region"`
	Totals     map[string]int            `json:"totals"`
	Summary    *models.Summary           `json:"summary"`
	ComputedAt time.Time                 `json:"computed_at"`

	// PersistErr is set when the summary could not be saved. The counts
	// above are still valid.
	PersistErr error `json:"-"`
}

// Config tunes the engine.
type Config struct {
	// YieldEvery is the number of containment tests between scheduler yields.
	YieldEvery int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{YieldEvery: 256}
}

// Engine computes land cover breakdowns. It is stateless between calls and
// safe for concurrent use.
type Engine struct {
	store SummaryStore
	cfg   Config
	now   func() time.Time
}

// NewEngine creates an engine persisting through store. A nil store
// disables persistence.
func NewEngine(store SummaryStore, cfg Config) *Engine {
	if cfg.YieldEvery <= 0 {
		cfg.YieldEvery = DefaultConfig().YieldEvery
	}
	return &Engine{store: store, cfg: cfg, now: time.Now}
}

// Recompute counts detections for the given regions and filters and saves
// the result as the project summary.
//
//   - No selected classes: empty counts, and an empty summary is still saved.
//   - No regions: every matching detection goes to the "Not Specified" bucket
//     without any spatial test.
//   - Otherwise each region queries the index with its extent and counts the
//     candidates that pass an exact point-in-polygon test.
//
// Returns ErrIndexUnavailable when in.Index is nil and classes are selected,
// and ctx.Err() if the context is cancelled mid-way. A failed save is
// reported in Result.PersistErr, not as an error.
func (e *Engine) Recompute(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()

	res := &Result{
		ProjectID: in.ProjectID,
		PerRegion: make(map[string]map[string]int),
		Totals:    make(map[string]int),
	}

	if len(in.SelectedClasses) > 0 {
		if in.Index == nil {
			metrics.RecordRecompute("index_unavailable", time.Since(start))
			return nil, ErrIndexUnavailable
		}
		if err := e.count(ctx, in, res); err != nil {
			metrics.RecordRecompute("cancelled", time.Since(start))
			return nil, err
		}
	}

	for _, counts := range res.PerRegion {
		for label, n := range counts {
			res.Totals[label] += n
		}
	}

	res.ComputedAt = e.now()
	res.Summary = buildSummary(in, res)

	outcome := "ok"
	if e.store != nil {
		if err := e.store.SaveSummary(ctx, res.Summary); err != nil {
			res.PersistErr = err
			outcome = "persist_failed"
			metrics.SummaryPersistFailures.Inc()
			logging.Ctx(ctx).Error().Err(err).
				Str("project_id", in.ProjectID).
				Msg("Failed to persist summary; keeping computed counts")
		}
	}

	metrics.RecordRecompute(outcome, time.Since(start))
	logging.Ctx(ctx).Debug().
		Str("project_id", in.ProjectID).
		Int("regions", len(in.Regions)).
		Int("classes", len(in.SelectedClasses)).
		Dur("duration", time.Since(start)).
		Msg("Recomputed land cover counts")

	return res, nil
}

func (e *Engine) count(ctx context.Context, in Input, res *Result) error {
	selected := make(map[string]struct{}, len(in.SelectedClasses))
	for _, c := range in.SelectedClasses {
		selected[c] = struct{}{}
	}
	matches := func(d *models.Detection) bool {
		if d == nil || d.Label == "" || d.Confidence < in.MinConfidence {
			return false
		}
		_, ok := selected[d.Label]
		return ok
	}

	if len(in.Regions) == 0 {
		for _, it := range in.Index.All() {
			if !matches(it.Detection) {
				continue
			}
			bucket := res.PerRegion[models.NotSpecifiedLandCover]
			if bucket == nil {
				bucket = make(map[string]int)
				res.PerRegion[models.NotSpecifiedLandCover] = bucket
			}
			bucket[it.Detection.Label]++
		}
		return nil
	}

	for _, r := range in.Regions {
		res.PerRegion[r.Name] = make(map[string]int)
	}

	tests := 0
	for _, r := range in.Regions {
		contains, ok := containsFunc(r.Geometry)
		if !ok {
			logging.Ctx(ctx).Warn().
				Str("region_id", r.ID).
				Str("region", r.Name).
				Msg("Skipping region with non-polygonal geometry")
			continue
		}

		bucket := res.PerRegion[r.Name]
		for _, it := range in.Index.Query(r.Geometry.Bound()) {
			tests++
			if tests%e.cfg.YieldEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				runtime.Gosched()
			}
			if matches(it.Detection) && contains(it.Pos) {
				bucket[it.Detection.Label]++
			}
		}
	}
	return nil
}

func containsFunc(g orb.Geometry) (func(orb.Point) bool, bool) {
	switch v := g.(type) {
	case orb.Polygon:
		return func(p orb.Point) bool { return planar.PolygonContains(v, p) }, true
	case orb.MultiPolygon:
		return func(p orb.Point) bool { return planar.MultiPolygonContains(v, p) }, true
	default:
		return nil, false
	}
}

// buildSummary lays out land covers in region order, followed by the
// "Not Specified" bucket when present.
func buildSummary(in Input, res *Result) *models.Summary {
	s := &models.Summary{
		ProjectID:     in.ProjectID,
		LandCovers:    []models.LandCoverCount{},
		ActiveFilters: append([]string{}, in.SelectedClasses...),
		RecordedAt:    res.ComputedAt,
	}

	seen := make(map[string]bool, len(in.Regions))
	for _, r := range in.Regions {
		counts, ok := res.PerRegion[r.Name]
		if !ok || seen[r.Name] {
			continue
		}
		seen[r.Name] = true

		lc := models.LandCoverCount{Name: r.Name, Counts: copyCounts(counts)}
		if r.ID != "" {
			id := r.ID
			lc.RegionID = &id
		}
		s.LandCovers = append(s.LandCovers, lc)
	}

	if counts, ok := res.PerRegion[models.NotSpecifiedLandCover]; ok && !seen[models.NotSpecifiedLandCover] {
		s.LandCovers = append(s.LandCovers, models.LandCoverCount{
			Name:   models.NotSpecifiedLandCover,
			Counts: copyCounts(counts),
		})
	}
	return s
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
