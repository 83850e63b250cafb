// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/canopy/internal/events"
	"github.com/tomtom215/canopy/internal/logging"
)

// errStreamClosed makes the supervisor restart the bridge when the bus
// drops its subscription.
var errStreamClosed = errors.New("region event stream closed")

// EventBridge forwards every region event from the bus to the hub.
type EventBridge struct {
	sub events.Subscriber
	hub *Hub
}

// NewEventBridge creates a bridge. Run it with Serve.
func NewEventBridge(sub events.Subscriber, hub *Hub) *EventBridge {
	return &EventBridge{sub: sub, hub: hub}
}

// Serve forwards events until ctx is done.
func (b *EventBridge) Serve(ctx context.Context) error {
	stream, err := b.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to region events: %w", err)
	}
	logging.Debug().Msg("Region event bridge started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errStreamClosed
			}
			b.hub.BroadcastRegionEvent(ev)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (b *EventBridge) String() string {
	return "region-event-bridge"
}
