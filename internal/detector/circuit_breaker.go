// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("detector: circuit breaker open")

const breakerName = "detector-api"

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	MaxRequests uint32        // calls allowed while half-open
	Interval    time.Duration // closed-state count reset period
	Timeout     time.Duration // open duration before half-open
	MinRequests uint32
	FailureRate float64
}

// DefaultBreakerSettings opens after 60% failures over at least 10 calls.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		MinRequests: 10,
		FailureRate: 0.6,
	}
}

// CircuitBreakerClient protects a Predictor with a circuit breaker.
type CircuitBreakerClient struct {
	next Predictor
	cb   *gobreaker.CircuitBreaker[*PredictResponse]
	name string
}

var _ Predictor = (*CircuitBreakerClient)(nil)

// NewCircuitBreakerClient wraps next.
func NewCircuitBreakerClient(next Predictor, s BreakerSettings) *CircuitBreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*PredictResponse](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= s.FailureRate {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("Opening detector circuit")
				return true
			}
			return false
		},
		// Client errors are the caller's fault, not a sign of an unhealthy service.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &CircuitBreakerClient{next: next, cb: cb, name: breakerName}
}

// Predict forwards to the wrapped client unless the breaker is open.
func (c *CircuitBreakerClient) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	resp, err := c.cb.Execute(func() (*PredictResponse, error) {
		return c.next.Predict(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(c.name, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "failure").Inc()
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(c.name, "success").Inc()
	return resp, nil
}

// State returns the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.cb.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
