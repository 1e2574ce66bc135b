// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"log/slog"
	"time"
)

type globalWatchdogStore interface {
	StaleWatchdogs(ctx context.Context, cutoff time.Time) ([]WatchdogPresenceEntity, error)
	ReleaseHostClaims(ctx context.Context, host string) (int64, error)
	DeleteHostWorkers(ctx context.Context, host string) (int64, error)
	DeleteWatchdogPresence(ctx context.Context, host string) error
}

// GlobalWatchdog is the watchdog for the watchdogs. A local watchdog recovers
// crashed workers on its own host, but when the whole host goes down the local
// mechanism disappears with it and its users would stay claimed forever. This
// pass detects hosts whose watchdog stopped checking in and releases every
// claim attributed to them.
type GlobalWatchdog struct {
	store   globalWatchdogStore
	config  *GlobalWatchdogConfig
	logger  *slog.Logger
	metrics PassMetricsRecorder

	now func() time.Time
}

func NewGlobalWatchdog(store globalWatchdogStore, config *GlobalWatchdogConfig, logger *slog.Logger) *GlobalWatchdog {
	if config == nil {
		config = DefaultGlobalWatchdogConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalWatchdog{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetMetrics installs an optional pass-timing recorder.
func (g *GlobalWatchdog) SetMetrics(rec PassMetricsRecorder) { g.metrics = rec }

// RunPass presumes dead every host whose presence record is older than the
// configured timeout, then releases its claims, removes its worker records and
// drops the stale presence record. Returns the number of hosts recovered.
func (g *GlobalWatchdog) RunPass(ctx context.Context) (int, error) {
	start := g.now()
	cutoff := start.Add(-g.config.HostTimeout)

	stale, err := g.store.StaleWatchdogs(ctx, cutoff)
	if err != nil {
		observePass(ctx, g.metrics, MetricsPassGlobalWatchdog, start, 0, true)
		return 0, err
	}

	recovered := 0
	for _, presence := range stale {
		g.logger.Warn("Releasing users held by dead host",
			"host", presence.Host, "last_checkin", presence.Timestamp)

		released, err := g.store.ReleaseHostClaims(ctx, presence.Host)
		if err != nil {
			g.logger.Error("Host claim release failed", "host", presence.Host, "error", err)
			continue
		}
		removed, err := g.store.DeleteHostWorkers(ctx, presence.Host)
		if err != nil {
			g.logger.Error("Host worker cleanup failed", "host", presence.Host, "error", err)
			continue
		}
		if err := g.store.DeleteWatchdogPresence(ctx, presence.Host); err != nil {
			g.logger.Error("Presence record delete failed", "host", presence.Host, "error", err)
			continue
		}

		g.logger.Info("Recovered dead host",
			"host", presence.Host, "claims_released", released, "workers_removed", removed)
		recovered++
	}

	observePass(ctx, g.metrics, MetricsPassGlobalWatchdog, start, recovered, false)
	return recovered, nil
}
