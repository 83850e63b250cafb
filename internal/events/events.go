// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package events carries real-time land cover change notifications between
// the region administration path, open map sessions and websocket clients.
//
// The bus is an in-process watermill gochannel pub/sub. Subscribers own their
// subscription lifetime through the context they pass to Subscribe.
//
// Publish returns once every subscriber has queued the event, so events from
// one publisher reach each subscriber in publish order. A subscriber whose
// queue is full holds up publishers until it catches up.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
)

// TopicRegions is the watermill topic region events are published on.
const TopicRegions = "regions"

// Type identifies a region event.
type Type string

const (
	RegionAdded    Type = "region:added"
	RegionRenamed  Type = "region:renamed"
	RegionReplaced Type = "region:replaced"
	RegionDeleted  Type = "region:deleted"
)

// RegionEvent describes a change to one land cover region.
type RegionEvent struct {
	Type         Type      `json:"type"`
	RegionID     string    `json:"region_id"`
	Name         string    `json:"name"`
	PreviousName string    `json:"previous_name,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher publishes region events. The database region store depends on
// this rather than on Bus so tests can record events.
type Publisher interface {
	Publish(ctx context.Context, ev RegionEvent) error
}

// Subscriber hands out region event streams.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan RegionEvent, error)
}

// ErrBusClosed is returned when publishing or subscribing after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus is the in-process region event bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	buffer int
	closed atomic.Bool
}

// NewBus creates a bus whose subscriber streams each queue up to buffer
// events before Publish blocks.
func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			// gochannel hands each message to subscribers from its own
			// goroutine; waiting for the ack keeps messages in order.
			BlockPublishUntilSubscriberAck: true,
		}, logger),
		buffer: buffer,
	}
}

// Publish encodes ev and delivers it to every current subscriber. It
// returns after each subscriber has queued ev. Events published with no
// subscribers are dropped.
func (b *Bus) Publish(ctx context.Context, ev RegionEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode region event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("region_id", ev.RegionID)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(TopicRegions, msg); err != nil {
		return fmt.Errorf("publish region event: %w", err)
	}

	metrics.RegionEventsPublished.WithLabelValues(string(ev.Type)).Inc()
	logging.Ctx(ctx).Debug().
		Str("type", string(ev.Type)).
		Str("region_id", ev.RegionID).
		Msg("Region event published")
	return nil
}

// Subscribe returns a stream of decoded region events in publish order. The
// stream closes when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan RegionEvent, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	msgs, err := b.pubsub.Subscribe(ctx, TopicRegions)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", TopicRegions, err)
	}

	// The message is acked once queued on out, which releases Publish.
	out := make(chan RegionEvent, b.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev RegionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("Dropping undecodable region event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				// Ack so the pub/sub does not redeliver; it closes msgs
				// once ctx is done.
				msg.Ack()
				for m := range msgs {
					m.Ack()
				}
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down every subscription. Further calls are no-ops.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.pubsub.Close()
}
