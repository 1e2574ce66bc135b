// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Continuously publish due users onto the work queue",
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

			store := fleetsync.NewStore(pool, logger)
			topic := getenv("FLEETSYNC_WORK_TOPIC", fleetsync.DefaultWorkTopic)
			scheduler := fleetsync.NewScheduler(store, publisher, topic, nil, logger)

			logger.Info("Scheduler starting", "topic", topic)
			err = scheduler.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
