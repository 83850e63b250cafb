// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package mapctl

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into one run of fn, delay
// after the last trigger. At most one run is pending at a time and fn reads
// whatever state is current when it fires. Runs never overlap.
type Debouncer struct {
	delay   time.Duration
	fn      func()
	trigger chan struct{}
	flush   chan chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDebouncer starts a debouncer goroutine. Call Stop to release it.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	d := &Debouncer{
		delay:   delay,
		fn:      fn,
		trigger: make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// Trigger schedules a run, restarting the quiet period. It never blocks.
func (d *Debouncer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Flush runs a pending execution now and waits for it. It is a no-op when
// nothing is pending or the debouncer is stopped.
func (d *Debouncer) Flush() {
	ack := make(chan struct{})
	select {
	case d.flush <- ack:
		<-ack
	case <-d.stopped:
	}
}

// Stop discards any pending run and waits for an in-progress run to finish.
func (d *Debouncer) Stop() {
	d.once.Do(func() { close(d.done) })
	<-d.stopped
}

func (d *Debouncer) run() {
	defer close(d.stopped)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	pending := false

	for {
		select {
		case <-d.done:
			stopTimer(timer)
			return
		case <-d.trigger:
			pending = true
			stopTimer(timer)
			timer.Reset(d.delay)
		case <-timer.C:
			pending = false
			d.fn()
		case ack := <-d.flush:
			// Collect a trigger that raced the flush.
			select {
			case <-d.trigger:
				pending = true
			default:
			}
			if pending {
				pending = false
				stopTimer(timer)
				d.fn()
			}
			close(ack)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
