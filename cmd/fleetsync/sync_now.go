// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-now <user-id>",
		Short: "Move a user's next sync to now; the scheduler picks it up on its next pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := fleetsync.NewStore(pool, logger)
			if err := store.ScheduleImmediateSync(ctx, args[0], time.Now()); err != nil {
				return err
			}
			logger.Info("User scheduled for immediate sync", "user", args[0])
			return nil
		},
	}
}
