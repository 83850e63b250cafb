// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package mapctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/canopy/internal/events"
	"github.com/tomtom215/canopy/internal/geometry"
	"github.com/tomtom215/canopy/internal/models"
)

func TestController_ZeroRegionsUsesNotSpecified(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}, MinConfidence: 0.5}); err != nil {
		t.Fatalf("SetFilter() error = %v", err)
	}
	if !c.Legend().Pending {
		t.Error("legend should be pending before the debounced recompute")
	}
	c.Flush()

	l := c.Legend()
	if l.Pending {
		t.Error("legend still pending after flush")
	}
	if l.Result == nil {
		t.Fatal("no result after flush")
	}
	if got := l.Result.Totals["Tree"]; got != 2 {
		t.Errorf("Totals[Tree] = %d, want 2", got)
	}
	if got := l.Result.PerRegion[models.NotSpecifiedLandCover]["Tree"]; got != 2 {
		t.Errorf("Not Specified Tree = %d, want 2", got)
	}
}

func TestController_ToggleBuildsMaskAndCounts(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if _, ok := c.Mask(); ok {
		t.Fatal("mask present with no visible layers")
	}

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree", "Crop"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLayerVisible(ctx, "A", true); err != nil {
		t.Fatalf("SetLayerVisible() error = %v", err)
	}

	mask, ok := c.Mask()
	if !ok {
		t.Fatal("no mask with a visible layer")
	}
	if len(mask) != 2 {
		t.Errorf("mask rings = %d, want world ring plus one hole", len(mask))
	}

	c.Flush()
	l := c.Legend()
	if got := l.Result.PerRegion["A"]; got["Tree"] != 1 || got["Crop"] != 1 {
		t.Errorf("PerRegion[A] = %v, want Tree=1 Crop=1", got)
	}
	if len(l.Layers) != 1 || l.Layers[0].RegionID != "A" {
		t.Errorf("Layers = %+v", l.Layers)
	}

	select {
	case pushed := <-f.legends:
		if pushed.SessionID != "s1" || pushed.Result == nil {
			t.Errorf("pushed legend = %+v", pushed)
		}
	case <-time.After(time.Second):
		t.Error("legend listener not called")
	}

	if err := c.SetLayerVisible(ctx, "A", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Mask(); ok {
		t.Error("mask still present after hiding the only layer")
	}
}

func TestController_RapidTogglesCollapse(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := c.SetLayerVisible(ctx, "A", i%2 == 0); err != nil {
			t.Fatal(err)
		}
		if err := c.SetLayerVisible(ctx, "B", i%2 == 1); err != nil {
			t.Fatal(err)
		}
	}
	c.Flush()

	if got := f.engine.runs.Load(); got != 1 {
		t.Errorf("recompute runs = %d, want 1", got)
	}
	// Last iteration (i=4) leaves A visible and B hidden.
	l := c.Legend()
	if len(l.Layers) != 1 || l.Layers[0].RegionID != "A" {
		t.Errorf("Layers = %+v, want only A", l.Layers)
	}
}

func TestController_OverlappingRegionsDoubleCount(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Crop"}}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B"} {
		if err := c.SetLayerVisible(ctx, id, true); err != nil {
			t.Fatal(err)
		}
	}
	c.Flush()

	res := c.Legend().Result
	if res.PerRegion["A"]["Crop"] != 1 || res.PerRegion["B"]["Crop"] != 1 {
		t.Errorf("PerRegion = %v, want the overlap detection in both", res.PerRegion)
	}
	if res.Totals["Crop"] != 2 {
		t.Errorf("Totals[Crop] = %d, want 2", res.Totals["Crop"])
	}
}

func TestController_StaleFetchDiscarded(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dets.gates = map[string]chan struct{}{"Slow": gate}
	c := f.controller(t)
	ctx := context.Background()

	slowErr := make(chan error, 1)
	go func() {
		slowErr <- c.SetFilter(ctx, Filter{Classes: []string{"Slow"}})
	}()

	// Wait until the slow fetch is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.dets.mu.Lock()
		calls := f.dets.calls
		f.dets.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slow fetch never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatalf("newer SetFilter() error = %v", err)
	}
	close(gate)

	select {
	case err := <-slowErr:
		if !errors.Is(err, ErrStaleFetch) {
			t.Errorf("older SetFilter() error = %v, want ErrStaleFetch", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow SetFilter never returned")
	}

	if got := c.Legend().Filter.Classes; len(got) != 1 || got[0] != "Tree" {
		t.Errorf("filter classes = %v, want [Tree] from the newer fetch", got)
	}
}

func TestController_EmptyFilterClearsCounts(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatal(err)
	}
	c.Flush()
	if err := c.SetFilter(ctx, Filter{Classes: nil}); err != nil {
		t.Fatal(err)
	}
	c.Flush()

	l := c.Legend()
	if len(l.Result.Totals) != 0 {
		t.Errorf("Totals = %v, want empty", l.Result.Totals)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.last == nil || len(f.store.last.LandCovers) != 0 {
		t.Errorf("persisted summary = %+v, want empty", f.store.last)
	}
}

func TestController_ParseErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.regions.put("bad", "Broken", []byte(`{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}`))
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLayerVisible(ctx, "A", true); err != nil {
		t.Fatal(err)
	}

	err := c.SetLayerVisible(ctx, "bad", true)
	var perr *geometry.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("SetLayerVisible(bad) error = %v, want *geometry.ParseError", err)
	}
	if perr.LayerID != "bad" {
		t.Errorf("ParseError.LayerID = %q, want bad", perr.LayerID)
	}

	c.Flush()
	l := c.Legend()
	if _, ok := l.Warnings["bad"]; !ok {
		t.Errorf("Warnings = %v, want entry for bad", l.Warnings)
	}
	if len(l.Layers) != 1 || l.Layers[0].RegionID != "A" {
		t.Errorf("Layers = %+v, want only A", l.Layers)
	}
	if l.Result.PerRegion["A"]["Tree"] != 1 {
		t.Errorf("A still counted: %v", l.Result.PerRegion)
	}
}

func TestController_RegionEvents(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLayerVisible(ctx, "A", true); err != nil {
		t.Fatal(err)
	}
	c.Flush()

	t.Run("renamed", func(t *testing.T) {
		c.HandleEvent(ctx, events.RegionEvent{Type: events.RegionRenamed, RegionID: "A", Name: "Alpha", PreviousName: "A"})
		c.Flush()
		res := c.Legend().Result
		if res.PerRegion["Alpha"]["Tree"] != 1 {
			t.Errorf("PerRegion = %v, want counts under Alpha", res.PerRegion)
		}
		if _, stale := res.PerRegion["A"]; stale {
			t.Error("old name still present")
		}
	})

	t.Run("replaced", func(t *testing.T) {
		// Move A away from every detection.
		f.regions.put("A", "Alpha", squareGeom(100, 10, 1))
		c.HandleEvent(ctx, events.RegionEvent{Type: events.RegionReplaced, RegionID: "A", Name: "Alpha"})
		c.Flush()
		if got := c.Legend().Result.PerRegion["Alpha"]["Tree"]; got != 0 {
			t.Errorf("Alpha Tree = %d after replace, want 0", got)
		}
	})

	t.Run("deleted", func(t *testing.T) {
		c.HandleEvent(ctx, events.RegionEvent{Type: events.RegionDeleted, RegionID: "A", Name: "Alpha"})
		c.Flush()
		l := c.Legend()
		if len(l.Layers) != 0 {
			t.Errorf("Layers = %+v, want none", l.Layers)
		}
		if _, ok := c.Mask(); ok {
			t.Error("mask present after deleting the only visible layer")
		}
		if f.cache.Len() != 0 {
			t.Errorf("cache still holds %d entries", f.cache.Len())
		}
		if l.Result.Totals["Tree"] != 2 {
			t.Errorf("Totals = %v, want fallback to Not Specified", l.Result.Totals)
		}
	})
}

func TestController_LayerDeletedWhileLoading(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	var once sync.Once
	f.regions.afterGet = func(id string) {
		once.Do(func() {
			c.HandleEvent(ctx, events.RegionEvent{Type: events.RegionDeleted, RegionID: id, Name: id})
		})
	}

	err := c.SetLayerVisible(ctx, "A", true)
	if !errors.Is(err, ErrRegionDeleted) {
		t.Fatalf("SetLayerVisible() error = %v, want ErrRegionDeleted", err)
	}
	if l := c.Legend(); len(l.Layers) != 0 {
		t.Errorf("Layers = %+v, want none", l.Layers)
	}
	if _, ok := c.Mask(); ok {
		t.Error("mask built from a deleted land cover")
	}
}

func TestController_LayerReplacedWhileLoading(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	ctx := context.Background()

	if err := c.SetFilter(ctx, Filter{Classes: []string{"Tree"}}); err != nil {
		t.Fatal(err)
	}

	// The first lookup returns the original square around d1; the region is
	// then moved onto d2 and the replace is handled before the layer is
	// added.
	var once sync.Once
	f.regions.afterGet = func(id string) {
		once.Do(func() {
			f.regions.put(id, "A", squareGeom(45, 45, 10))
			c.HandleEvent(ctx, events.RegionEvent{Type: events.RegionReplaced, RegionID: id, Name: "A"})
		})
	}

	if err := c.SetLayerVisible(ctx, "A", true); err != nil {
		t.Fatalf("SetLayerVisible() error = %v", err)
	}
	c.Flush()

	res := c.Legend().Result
	if res == nil || res.PerRegion["A"]["Tree"] != 1 {
		t.Fatalf("result = %+v, want one Tree in A", res)
	}
	// Counting against the replaced square means d2 at (50,50), not d1.
	want, err := geometry.Parse(squareGeom(45, 45, 10))
	if err != nil {
		t.Fatal(err)
	}
	mask, ok := c.Mask()
	if !ok || len(mask) != 2 || mask[1].Bound() != want.Bound() {
		t.Errorf("mask hole = %v, want replaced bound %v", mask, want.Bound())
	}
}

func TestController_SubscribesToBus(t *testing.T) {
	f := newFixture(t)
	bus := events.NewBus(4)
	defer bus.Close()
	f.deps.Events = bus

	c := f.controller(t)
	ctx := context.Background()
	if err := c.SetLayerVisible(ctx, "A", true); err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(ctx, events.RegionEvent{Type: events.RegionDeleted, RegionID: "A"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Legend().Layers) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("deleted event never reached the controller")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()
	if err := c.SetLayerVisible(ctx, "B", true); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SetLayerVisible() after close error = %v, want ErrSessionClosed", err)
	}
}
