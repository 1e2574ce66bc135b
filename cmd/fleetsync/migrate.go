// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the fleet coordination tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := fleetsync.NewStore(pool, logger)
			if err := store.InitializeSchema(ctx); err != nil {
				return err
			}
			logger.Info("Schema initialized")
			return nil
		},
	}
}
