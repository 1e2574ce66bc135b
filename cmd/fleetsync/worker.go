// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued users and run their synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			// SIGINT is the graceful stop: the in-flight user finishes, no new
			// work is picked up.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			host, _ := os.Hostname()
			config := fleetsync.DefaultWorkerConfig()
			config.Host = getenv("FLEETSYNC_HOST", host)
			config.Version = getenv("FLEETSYNC_VERSION", "dev")
			if v := getenv("FLEETSYNC_RECYCLE_INTERVAL", ""); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					config.RecycleInterval = n
				}
			}

			topic := getenv("FLEETSYNC_WORK_TOPIC", fleetsync.DefaultWorkTopic)
			group := getenv("FLEETSYNC_WORK_GROUP", fleetsync.DefaultWorkGroup)
			consumer := fleetsync.NewWorkConsumer(brokers(), topic, config.Host, group)
			defer consumer.Close()

			store := fleetsync.NewStore(pool, logger)
			worker := fleetsync.NewWorker(store, consumer, newSyncer(logger), config, logger)
			return worker.Run(ctx)
		},
	}
}

// stubSyncer stands in for the external per-user synchronization algorithm.
// Deployments replace this at the integration point with the real algorithm;
// the fleet machinery only depends on the UserSyncer contract.
type stubSyncer struct {
	logger   *slog.Logger
	interval time.Duration
}

func newSyncer(logger *slog.Logger) fleetsync.UserSyncer {
	interval := time.Hour
	if v := getenv("FLEETSYNC_SYNC_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	return &stubSyncer{logger: logger, interval: interval}
}

func (s *stubSyncer) SyncUser(ctx context.Context, userID string, heartbeat func(state string)) (fleetsync.SyncResult, error) {
	heartbeat("noop")
	s.logger.Info("No sync algorithm wired, skipping user", "user", userID)
	return fleetsync.SyncResult{Processed: 1, NextInterval: s.interval}, nil
}
