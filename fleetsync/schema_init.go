// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InitializeSchema creates the fleet coordination tables if they don't exist.
func (s *Store) InitializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS fleet`,

		// Scheduling-relevant view of user accounts. Claim fields are the single
		// point of mutual exclusion; they are only written by the conditional
		// claim update and the release paths.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.users (
			id                 TEXT PRIMARY KEY,
			next_sync          TIMESTAMPTZ,
			queued_at          TIMESTAMPTZ,
			sync_worker        UUID,
			sync_host          TEXT,
			host_restriction   TEXT,
			paid               BOOLEAN NOT NULL DEFAULT FALSE,
			suppress_auto_sync BOOLEAN NOT NULL DEFAULT FALSE,
			soft_error_count   BIGINT  NOT NULL DEFAULT 0
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS users_next_sync_idx
			ON fleet.users (next_sync) WHERE next_sync IS NOT NULL`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS users_sync_host_idx
			ON fleet.users (sync_host) WHERE sync_host IS NOT NULL`,

		// One row per live worker process. The id doubles as the claim token
		// written into fleet.users.sync_worker.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.sync_workers (
			id        UUID PRIMARY KEY,
			pid       BIGINT      NOT NULL,
			host      TEXT        NOT NULL,
			heartbeat TIMESTAMPTZ NOT NULL,
			state     TEXT        NOT NULL,
			startup   TIMESTAMPTZ NOT NULL,
			version   TEXT        NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sync_workers_host_idx
			ON fleet.sync_workers (host)`,

		// Per-host watchdog check-ins, read by the global watchdog.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.sync_watchdogs (
			host TEXT PRIMARY KEY,
			ts   TIMESTAMPTZ NOT NULL
		)`,

		// One row per (service, window duration) rate-limit instance. Window
		// boundaries are a pure function of wall-clock time, so every process
		// computes the same instance without coordination.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.rate_limits (
			key           TEXT        NOT NULL,
			duration_secs BIGINT      NOT NULL,
			count         BIGINT      NOT NULL DEFAULT 0,
			max_count     BIGINT      NOT NULL,
			expires       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (key, duration_secs)
		)`,

		// Partial view of service connections used by trigger ingestion.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.connections (
			id                   TEXT PRIMARY KEY,
			service              TEXT NOT NULL,
			external_id          TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			trigger_partial_sync BOOLEAN NOT NULL DEFAULT FALSE,
			trigger_ts           TIMESTAMPTZ,
			trigger_payloads     JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS connections_service_external_idx
			ON fleet.connections (service, external_id)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS connections_user_idx
			ON fleet.connections (user_id)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.trigger_poll_schedule (
			service        TEXT NOT NULL,
			poll_index     INT  NOT NULL,
			last_scheduled TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (service, poll_index)
		)`,

		// Singleton row carrying the scheduler's monotonic pass marker.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fleet.scheduler_state (
			id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			generation BIGINT NOT NULL DEFAULT 0
		)`,
		/*language=postgresql*/ `INSERT INTO fleet.scheduler_state (id, generation)
			VALUES (TRUE, 0) ON CONFLICT (id) DO NOTHING`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
