// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// ProcessProbe abstracts host-local process liveness so the watchdog logic
// stays independent of OS signalling details.
type ProcessProbe interface {
	IsAlive(pid int) bool
	Terminate(pid int) error
}

type watchdogStore interface {
	WorkersOnHost(ctx context.Context, host string) ([]WorkerEntity, error)
	DeleteWorker(ctx context.Context, workerID uuid.UUID) error
	ReleaseClaims(ctx context.Context, tokens []uuid.UUID) (int64, error)
	CheckIn(ctx context.Context, host string, at time.Time) error
}

// LocalWatchdog runs once per pass on every host. It reaps workers whose
// process has died or whose heartbeat has stalled beyond a phase-specific
// timeout, releases the user claims those workers held, and checks in its own
// presence so the global watchdog can tell this host's recovery mechanism is
// itself alive.
type LocalWatchdog struct {
	store   watchdogStore
	probe   ProcessProbe
	config  *WatchdogConfig
	logger  *slog.Logger
	metrics PassMetricsRecorder

	now func() time.Time
}

func NewLocalWatchdog(store watchdogStore, probe ProcessProbe, config *WatchdogConfig, logger *slog.Logger) *LocalWatchdog {
	if config == nil {
		config = DefaultWatchdogConfig()
	}
	if config.Host == "" {
		host, _ := os.Hostname()
		config.Host = host
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalWatchdog{
		store:  store,
		probe:  probe,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetMetrics installs an optional pass-timing recorder.
func (d *LocalWatchdog) SetMetrics(rec PassMetricsRecorder) { d.metrics = rec }

// RunPass examines every worker record tagged with this host. A dead worker
// record never survives a pass: the record is deleted and the claims it held
// are released in the same pass, so a single crashed worker on a healthy host
// does not strand its user until the host itself is presumed dead.
func (d *LocalWatchdog) RunPass(ctx context.Context) (int, error) {
	start := d.now()

	workers, err := d.store.WorkersOnHost(ctx, d.config.Host)
	if err != nil {
		observePass(ctx, d.metrics, MetricsPassLocalWatchdog, start, 0, true)
		return 0, err
	}

	var deadTokens []uuid.UUID
	for _, worker := range workers {
		alive := d.probe.IsAlive(worker.PID)

		if alive && start.Sub(worker.Heartbeat) > d.timeoutFor(worker.State) {
			d.logger.Warn("Killing stalled worker",
				"worker", worker.ID, "pid", worker.PID,
				"state", worker.State, "heartbeat", worker.Heartbeat)
			if err := d.probe.Terminate(worker.PID); err != nil {
				d.logger.Error("Worker kill failed", "worker", worker.ID, "pid", worker.PID, "error", err)
			}
			alive = false
		}

		if !alive {
			if err := d.store.DeleteWorker(ctx, worker.ID); err != nil {
				d.logger.Error("Worker record delete failed", "worker", worker.ID, "error", err)
				continue
			}
			deadTokens = append(deadTokens, worker.ID)
			d.logger.Info("Reaped dead worker",
				"worker", worker.ID, "pid", worker.PID, "state", worker.State)
		}
	}

	if released, err := d.store.ReleaseClaims(ctx, deadTokens); err != nil {
		d.logger.Error("Claim release failed", "host", d.config.Host, "error", err)
	} else if released > 0 {
		d.logger.Info("Released claims of dead workers", "host", d.config.Host, "count", released)
	}

	if err := d.store.CheckIn(ctx, d.config.Host, d.now()); err != nil {
		observePass(ctx, d.metrics, MetricsPassLocalWatchdog, start, len(deadTokens), true)
		return len(deadTokens), err
	}

	observePass(ctx, d.metrics, MetricsPassLocalWatchdog, start, len(deadTokens), false)
	return len(deadTokens), nil
}

// timeoutFor picks the staleness timeout for a worker phase. Bulk phases get a
// long leash to avoid false-positive kills during legitimately slow listings;
// everything else is bounded tightly.
func (d *LocalWatchdog) timeoutFor(state string) time.Duration {
	for _, phase := range d.config.LongPhases {
		if state == phase {
			return d.config.LongPhaseTimeout
		}
	}
	return d.config.ShortPhaseTimeout
}
