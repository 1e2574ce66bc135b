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

type schedulerStore interface {
	NextGeneration(ctx context.Context) (int64, error)
	DueUsers(ctx context.Context, now time.Time, limit int) ([]DueUser, error)
	MarkQueued(ctx context.Context, userIDs []string, queuedAt time.Time) error
}

type workPublisher interface {
	PublishWork(ctx context.Context, baseTopic, hostRestriction string, msg WorkMessage) error
}

// Scheduler continuously publishes users whose due time has arrived. It is the
// only writer of queued_at, and it never drops a message silently: a publish
// failure aborts the pass and the affected users are retried on the next one.
type Scheduler struct {
	store     schedulerStore
	publisher workPublisher
	topic     string
	config    *SchedulerConfig
	logger    *slog.Logger
	metrics   PassMetricsRecorder

	now func() time.Time
}

func NewScheduler(store schedulerStore, publisher workPublisher, topic string, config *SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = DefaultWorkTopic
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		topic:     topic,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics installs an optional pass-timing recorder.
func (s *Scheduler) SetMetrics(rec PassMetricsRecorder) { s.metrics = rec }

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if _, err := s.RunPass(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error("Scheduler pass failed", "error", err)
		}
		if err := sleepWithContext(ctx, s.config.Interval); err != nil {
			return err
		}
	}
}

// RunPass publishes every currently due user once and stamps queued_at on the
// published set in one bulk update. Returns the number of users published.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	start := s.now()
	queueingAt := start

	generation, err := s.store.NextGeneration(ctx)
	if err != nil {
		observePass(ctx, s.metrics, MetricsPassSchedule, start, 0, true)
		return 0, err
	}

	due, err := s.store.DueUsers(ctx, queueingAt, s.config.BatchSize)
	if err != nil {
		observePass(ctx, s.metrics, MetricsPassSchedule, start, 0, true)
		return 0, err
	}

	published := make([]string, 0, len(due))
	var publishErr error
	for _, user := range due {
		restriction := ""
		if user.HostRestriction != nil {
			restriction = *user.HostRestriction
		}
		msg := WorkMessage{UserID: user.ID, QueuedAt: queueingAt}
		if err := s.publisher.PublishWork(ctx, s.topic, restriction, msg); err != nil {
			// Fatal to this iteration; the unpublished remainder stays due and
			// is picked up by the next pass.
			publishErr = fmt.Errorf("publish user %s: %w", user.ID, err)
			break
		}
		published = append(published, user.ID)
	}

	// Mark whatever actually reached the broker, even on a partial pass.
	// Publishing without the mark is safe (claims absorb duplicates); marking
	// without publishing is not, so marking strictly follows confirmation.
	if err := s.store.MarkQueued(ctx, published, queueingAt); err != nil {
		observePass(ctx, s.metrics, MetricsPassSchedule, start, len(published), true)
		return len(published), err
	}

	if len(published) > 0 || publishErr != nil {
		s.logger.Info("Scheduled users",
			"count", len(published),
			"generation", generation,
			"queueing_at", queueingAt,
		)
	}

	observePass(ctx, s.metrics, MetricsPassSchedule, start, len(published), publishErr != nil)
	return len(published), publishErr
}
