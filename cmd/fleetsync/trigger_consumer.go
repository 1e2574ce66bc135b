// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syncwell/fleetsync/fleetsync"
)

func newTriggerConsumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-consumer",
		Short: "Consume poll tasks and remote triggers, accelerating affected users",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			pool, err := newPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			pollTopic := getenv("FLEETSYNC_POLL_TOPIC", fleetsync.DefaultPollTopic)
			triggerTopic := getenv("FLEETSYNC_TRIGGER_TOPIC", fleetsync.DefaultTriggerTopic)
			pollConsumer := fleetsync.NewTopicConsumer(brokers(), pollTopic, fleetsync.DefaultPollGroup)
			defer pollConsumer.Close()
			triggerConsumer := fleetsync.NewTopicConsumer(brokers(), triggerTopic, fleetsync.DefaultTriggerGroup)
			defer triggerConsumer.Close()

			store := fleetsync.NewStore(pool, logger)
			ingestor := fleetsync.NewTriggerIngestor(store, serviceRegistry(), nil, logger)

			logger.Info("Trigger consumers starting",
				"poll_topic", pollTopic, "trigger_topic", triggerTopic)

			errCh := make(chan error, 2)
			go func() { errCh <- ingestor.RunPollConsumer(ctx, pollConsumer) }()
			go func() { errCh <- ingestor.RunTriggerConsumer(ctx, triggerConsumer) }()

			err = <-errCh
			stop()
			<-errCh
			return err
		},
	}
}
