// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

// The cron command hosts the periodic fleet passes in one supervised process:
// local watchdog, global watchdog, rate-limit refresh and poll-trigger
// scheduling. Each pass is a discrete short-lived run, not a continuous loop.
func newCronCmd() *cobra.Command {
	var withGlobal bool

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the periodic fleet passes (watchdogs, rate refresh, poll scheduling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			publisher := fleetsync.NewPublisher(brokers())
			defer publisher.Close()

			host, _ := os.Hostname()
			watchdogConfig := fleetsync.DefaultWatchdogConfig()
			watchdogConfig.Host = getenv("FLEETSYNC_HOST", host)

			store := fleetsync.NewStore(pool, logger)
			registry := serviceRegistry()
			watchdog := fleetsync.NewLocalWatchdog(store, fleetsync.OSProcessProbe{}, watchdogConfig, logger)
			globalWatchdog := fleetsync.NewGlobalWatchdog(store, nil, logger)
			limiter := fleetsync.NewRateLimiter(store, rateLimiterConfig(), logger)
			pollTopic := getenv("FLEETSYNC_POLL_TOPIC", fleetsync.DefaultPollTopic)
			pollScheduler := fleetsync.NewPollScheduler(store, publisher, registry, pollTopic, logger)

			c := cron.New()
			mustSchedule(c, "@every 1m", func() {
				if _, err := watchdog.RunPass(ctx); err != nil {
					logger.Error("Watchdog pass failed", "error", err)
				}
			})
			if withGlobal {
				mustSchedule(c, "@every 1m", func() {
					if _, err := globalWatchdog.RunPass(ctx); err != nil {
						logger.Error("Global watchdog pass failed", "error", err)
					}
				})
			}
			mustSchedule(c, "@every 1m", func() {
				if err := limiter.RefreshAll(ctx, registry); err != nil {
					logger.Error("Rate limit refresh failed", "error", err)
				}
			})
			mustSchedule(c, "@every 30s", func() {
				if _, err := pollScheduler.RunPass(ctx); err != nil {
					logger.Error("Poll scheduling pass failed", "error", err)
				}
			})

			logger.Info("Cron passes starting", "host", watchdogConfig.Host, "global_watchdog", withGlobal)
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&withGlobal, "global", false,
		"also run the global watchdog pass (run on exactly one host)")
	return cmd
}

func mustSchedule(c *cron.Cron, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		panic(err)
	}
}

// serviceRegistry is the integration point where deployments register their
// real service adapters. The fleet passes run correctly over an empty registry.
func serviceRegistry() *fleetsync.ServiceRegistry {
	return fleetsync.NewServiceRegistry()
}

func rateLimiterConfig() *fleetsync.RateLimiterConfig {
	config := fleetsync.DefaultRateLimiterConfig()
	if v := getenv("FLEETSYNC_FLEET_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.FleetSize = n
		}
	}
	return config
}
