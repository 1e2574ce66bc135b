// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

type triggerStore interface {
	PollSchedules(ctx context.Context) ([]PollScheduleEntity, error)
	UpsertPollSchedule(ctx context.Context, service string, index int, at time.Time) error
	TriggerConnectionsByExternalID(ctx context.Context, service string, externalIDs []string, payloads map[string]json.RawMessage, at time.Time, payloadCap int) ([]string, error)
	AccelerateUsersForConnections(ctx context.Context, connectionIDs []string, now time.Time) (int64, error)
}

type pollPublisher interface {
	PublishPollTask(ctx context.Context, topic string, msg PollTaskMessage) error
}

// PollScheduler periodically dispatches asynchronous poll tasks for every
// (service, shard) pair whose poll interval has elapsed.
type PollScheduler struct {
	store     triggerStore
	publisher pollPublisher
	registry  *ServiceRegistry
	topic     string
	logger    *slog.Logger
	metrics   PassMetricsRecorder

	now func() time.Time
}

func NewPollScheduler(store triggerStore, publisher pollPublisher, registry *ServiceRegistry, topic string, logger *slog.Logger) *PollScheduler {
	if topic == "" {
		topic = DefaultPollTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollScheduler{
		store:     store,
		publisher: publisher,
		registry:  registry,
		topic:     topic,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics installs an optional pass-timing recorder.
func (p *PollScheduler) SetMetrics(rec PassMetricsRecorder) { p.metrics = rec }

// RunPass dispatches a poll task for every shard that is overdue and records
// the dispatch time so concurrent or repeated passes don't double-dispatch
// within one interval.
func (p *PollScheduler) RunPass(ctx context.Context) (int, error) {
	start := p.now()

	schedules, err := p.store.PollSchedules(ctx)
	if err != nil {
		observePass(ctx, p.metrics, MetricsPassPollSchedule, start, 0, true)
		return 0, err
	}
	lastScheduled := make(map[string]map[int]time.Time, len(schedules))
	for _, sched := range schedules {
		if lastScheduled[sched.Service] == nil {
			lastScheduled[sched.Service] = make(map[int]time.Time)
		}
		lastScheduled[sched.Service][sched.Index] = sched.LastScheduled
	}

	dispatched := 0
	for _, svc := range p.registry.List() {
		if !svc.RequiresPolling() {
			continue
		}
		for index := 0; index < svc.PollIndexCount(); index++ {
			last := lastScheduled[svc.ID()][index]
			if p.now().Sub(last) <= svc.PollInterval() {
				continue
			}
			msg := PollTaskMessage{Service: svc.ID(), Index: index}
			if err := p.publisher.PublishPollTask(ctx, p.topic, msg); err != nil {
				p.logger.Error("Poll task dispatch failed",
					"service", svc.ID(), "index", index, "error", err)
				continue
			}
			if err := p.store.UpsertPollSchedule(ctx, svc.ID(), index, p.now()); err != nil {
				p.logger.Error("Poll schedule update failed",
					"service", svc.ID(), "index", index, "error", err)
				continue
			}
			dispatched++
		}
	}

	observePass(ctx, p.metrics, MetricsPassPollSchedule, start, dispatched, false)
	return dispatched, nil
}

// TriggerIngestor converts external change signals into accelerated scheduling:
// both the poll path and the push path end in the same commutative, idempotent
// "paying, non-suppressed owner → next_sync = now" bulk update, so they are
// safe to run concurrently with the scheduler and with each other.
type TriggerIngestor struct {
	store    triggerStore
	registry *ServiceRegistry
	config   *TriggerConfig
	logger   *slog.Logger
	metrics  PassMetricsRecorder

	now func() time.Time
}

func NewTriggerIngestor(store triggerStore, registry *ServiceRegistry, config *TriggerConfig, logger *slog.Logger) *TriggerIngestor {
	if config == nil {
		config = DefaultTriggerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerIngestor{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetMetrics installs an optional pass-timing recorder.
func (t *TriggerIngestor) SetMetrics(rec PassMetricsRecorder) { t.metrics = rec }

// HandlePollTask runs one (service, shard) poll: ask the adapter which external
// accounts changed, flag the matching connections, and accelerate their owners.
// Returns the number of connections triggered.
func (t *TriggerIngestor) HandlePollTask(ctx context.Context, msg PollTaskMessage) (int, error) {
	start := t.now()

	svc, err := t.registry.FromID(msg.Service)
	if err != nil {
		observePass(ctx, t.metrics, MetricsPassPollTrigger, start, 0, true)
		return 0, err
	}
	externalIDs, err := svc.PollPartialSyncTrigger(ctx, msg.Index)
	if err != nil {
		observePass(ctx, t.metrics, MetricsPassPollTrigger, start, 0, true)
		return 0, err
	}

	triggered, err := t.applyTrigger(ctx, msg.Service, externalIDs, nil)
	if err != nil {
		observePass(ctx, t.metrics, MetricsPassPollTrigger, start, triggered, true)
		return triggered, err
	}

	t.logger.Info("Poll trigger applied",
		"service", msg.Service, "index", msg.Index,
		"polled", len(externalIDs), "triggered", triggered)
	observePass(ctx, t.metrics, MetricsPassPollTrigger, start, triggered, false)
	return triggered, nil
}

// HandleRemoteTrigger applies one push notification: flag the matching
// connections (appending payloads to the capped ring buffer) and accelerate
// their owners. Returns the number of connections triggered.
func (t *TriggerIngestor) HandleRemoteTrigger(ctx context.Context, msg RemoteTriggerMessage) (int, error) {
	start := t.now()

	triggered, err := t.applyTrigger(ctx, msg.Service, msg.ExternalIDs, msg.Payloads)
	if err != nil {
		observePass(ctx, t.metrics, MetricsPassRemoteTrigger, start, triggered, true)
		return triggered, err
	}

	t.logger.Info("Remote trigger applied",
		"service", msg.Service, "notified", len(msg.ExternalIDs), "triggered", triggered)
	observePass(ctx, t.metrics, MetricsPassRemoteTrigger, start, triggered, false)
	return triggered, nil
}

func (t *TriggerIngestor) applyTrigger(ctx context.Context, service string, externalIDs []string, payloads map[string]json.RawMessage) (int, error) {
	now := t.now()
	matched, err := t.store.TriggerConnectionsByExternalID(ctx, service, externalIDs, payloads, now, t.config.PayloadCap)
	if err != nil {
		return 0, err
	}
	if _, err := t.store.AccelerateUsersForConnections(ctx, matched, now); err != nil {
		return len(matched), err
	}
	return len(matched), nil
}

// RunPollConsumer consumes poll tasks until the context is cancelled.
func (t *TriggerIngestor) RunPollConsumer(ctx context.Context, source workSource) error {
	return t.consume(ctx, source, func(ctx context.Context, raw json.RawMessage) error {
		var msg PollTaskMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		_, err := t.HandlePollTask(ctx, msg)
		return err
	})
}

// RunTriggerConsumer consumes remote triggers until the context is cancelled.
func (t *TriggerIngestor) RunTriggerConsumer(ctx context.Context, source workSource) error {
	return t.consume(ctx, source, func(ctx context.Context, raw json.RawMessage) error {
		var msg RemoteTriggerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		_, err := t.HandleRemoteTrigger(ctx, msg)
		return err
	})
}

func (t *TriggerIngestor) consume(ctx context.Context, source workSource, handle func(context.Context, json.RawMessage) error) error {
	for {
		var raw json.RawMessage
		commit, err := source.Fetch(ctx, &raw)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			t.logger.Error("Trigger fetch failed", "error", err)
			if serr := sleepWithContext(ctx, 500*time.Millisecond); serr != nil {
				return nil
			}
			continue
		}
		if err := handle(ctx, raw); err != nil {
			// Leave the offset uncommitted; the broker redelivers and the
			// trigger updates are idempotent.
			t.logger.Error("Trigger handling failed", "error", err)
			continue
		}
		if err := commit(ctx); err != nil {
			t.logger.Error("Trigger commit failed", "error", err)
		}
	}
}
