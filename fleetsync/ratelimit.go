// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRateLimitExceeded reports that an external service's call budget is spent
// for at least one active window. Callers abort the current service interaction
// for this user and retry on a later scheduled run; blocking here could stall a
// worker for up to the longest window and trip the watchdog instead.
var ErrRateLimitExceeded = errors.New("fleetsync: rate limit exceeded")

type rateLimitStore interface {
	PurgeExpiredWindows(ctx context.Context, key string, now time.Time) error
	CurrentWindows(ctx context.Context, key string, now time.Time) ([]RateWindowEntity, error)
	InsertWindow(ctx context.Context, w RateWindowEntity) error
	IncrementWindows(ctx context.Context, key string, now time.Time) error
}

// RateLimiter enforces shared, multi-window call budgets per external service
// across the whole fleet, with no coordination beyond the shared store. Window
// instances are deterministic functions of wall-clock time, so every process
// agrees on window identity without communication.
type RateLimiter struct {
	store  rateLimitStore
	config *RateLimiterConfig
	logger *slog.Logger

	now func() time.Time
}

func NewRateLimiter(store rateLimitStore, config *RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if config.FleetSize <= 0 {
		config.FleetSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// windowBounds anchors a window instance to UTC midnight:
// start = midnight + floor(since_midnight/duration)*duration. Every process
// computes identical boundaries from wall-clock time alone.
func windowBounds(now time.Time, duration time.Duration) (start, end time.Time) {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	sinceMidnight := utc.Sub(midnight)
	start = midnight.Add(sinceMidnight / duration * duration)
	return start, start.Add(duration)
}

// Refresh is idempotent and runs outside the hot path: it purges expired window
// instances for the key and creates a current instance for every declared
// duration not already represented.
func (r *RateLimiter) Refresh(ctx context.Context, key string, limits []RateLimitSpec) error {
	now := r.now()

	if err := r.store.PurgeExpiredWindows(ctx, key, now); err != nil {
		return err
	}

	current, err := r.store.CurrentWindows(ctx, key, now)
	if err != nil {
		return err
	}
	present := make(map[int64]bool, len(current))
	for _, w := range current {
		present[w.Duration] = true
	}

	for _, spec := range limits {
		durationSecs := int64(spec.Window / time.Second)
		if present[durationSecs] {
			continue
		}
		_, end := windowBounds(now, spec.Window)
		err := r.store.InsertWindow(ctx, RateWindowEntity{
			Key:      key,
			Duration: durationSecs,
			Count:    0,
			Max:      spec.Max,
			Expires:  end,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RefreshAll refreshes the declared limits of every registered service.
func (r *RateLimiter) RefreshAll(ctx context.Context, services *ServiceRegistry) error {
	var firstErr error
	for _, svc := range services.List() {
		if err := r.Refresh(ctx, svc.ID(), svc.GlobalRateLimits()); err != nil {
			r.logger.Error("Rate limit refresh failed", "service", svc.ID(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s: %w", svc.ID(), err)
			}
		}
	}
	return firstErr
}

// Consume gates one outbound call against every active window of the key.
// It first applies the preemptive throttle, then fails fast if any window is
// exhausted, and otherwise consumes budget from all windows at once.
func (r *RateLimiter) Consume(ctx context.Context, key string) error {
	if err := sleepWithContext(ctx, r.preemptiveDelay(key)); err != nil {
		return err
	}

	now := r.now()
	windows, err := r.store.CurrentWindows(ctx, key, now)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if w.Count >= w.Max {
			return fmt.Errorf("%w: %s window %ds at %d/%d",
				ErrRateLimitExceeded, key, w.Duration, w.Count, w.Max)
		}
	}

	return r.store.IncrementWindows(ctx, key, now)
}

// preemptiveDelay spreads a target aggregate rate evenly across the configured
// worker fleet before the budget is even consulted, reducing burstiness:
// max over each (timespan, count) pair of timespan / (count / fleet_size).
func (r *RateLimiter) preemptiveDelay(key string) time.Duration {
	var delay time.Duration
	for _, spec := range r.config.PreemptiveLimits[key] {
		if spec.Max <= 0 {
			continue
		}
		d := time.Duration(float64(spec.Window) * float64(r.config.FleetSize) / float64(spec.Max))
		if d > delay {
			delay = d
		}
	}
	return delay
}
