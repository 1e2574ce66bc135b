// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newWatchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run one local watchdog pass on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			host, _ := os.Hostname()
			config := fleetsync.DefaultWatchdogConfig()
			config.Host = getenv("FLEETSYNC_HOST", host)

			store := fleetsync.NewStore(pool, logger)
			watchdog := fleetsync.NewLocalWatchdog(store, fleetsync.OSProcessProbe{}, config, logger)
			reaped, err := watchdog.RunPass(ctx)
			if err != nil {
				return err
			}
			logger.Info("Watchdog pass complete", "host", config.Host, "reaped", reaped)
			return nil
		},
	}
}

func newGlobalWatchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "global-watchdog",
		Short: "Run one global watchdog pass over host presence records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := fleetsync.NewStore(pool, logger)
			watchdog := fleetsync.NewGlobalWatchdog(store, nil, logger)
			recovered, err := watchdog.RunPass(ctx)
			if err != nil {
				return err
			}
			logger.Info("Global watchdog pass complete", "hosts_recovered", recovered)
			return nil
		},
	}
}
