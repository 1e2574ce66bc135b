// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClaimLost is returned by release operations when the caller no longer holds
// the claim it is trying to release (a watchdog got there first).
var ErrClaimLost = errors.New("fleetsync: claim no longer held")

// Store provides every shared-state operation the fleet coordinates through.
// All mutual exclusion reduces to the conditional update in ClaimUser and the
// atomic increments in IncrementWindows; no long-lived locks are ever taken.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// DueUser is the scheduler's projection of a user eligible for publication.
type DueUser struct {
	ID              string
	HostRestriction *string
}

// DueUsers returns users whose due time has arrived and who have not been queued
// for the current due window, earliest deadline first. A user already queued for
// this window (queued_at >= next_sync) is skipped so repeated passes between the
// due time and the next legitimate due time publish exactly once.
func (s *Store) DueUsers(ctx context.Context, now time.Time, limit int) ([]DueUser, error) {
	q := `SELECT id, host_restriction
		FROM fleet.users
		WHERE next_sync <= $1
		  AND (queued_at IS NULL OR queued_at < next_sync)
		ORDER BY next_sync ASC`
	args := []any{now}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query due users: %w", err)
	}
	defer rows.Close()

	var due []DueUser
	for rows.Next() {
		var u DueUser
		if err := rows.Scan(&u.ID, &u.HostRestriction); err != nil {
			return nil, err
		}
		due = append(due, u)
	}
	return due, rows.Err()
}

// MarkQueued stamps queued_at on every published user in one bulk update,
// closing the window against re-publication on the next pass.
func (s *Store) MarkQueued(ctx context.Context, userIDs []string, queuedAt time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET queued_at = $2 WHERE id = ANY($1)`,
		userIDs, queuedAt)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return nil
}

// NextGeneration increments and returns the persisted scheduler pass marker.
func (s *Store) NextGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx,
		`UPDATE fleet.scheduler_state SET generation = generation + 1 RETURNING generation`,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("advance scheduler generation: %w", err)
	}
	return gen, nil
}

// ClaimUser attempts the atomic conditional claim: the update succeeds only if
// no claim token is currently set. Returns false on a lost race (duplicate
// delivery, or another worker won), which callers drop silently.
func (s *Store) ClaimUser(ctx context.Context, userID string, token uuid.UUID, host string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET sync_worker = $2, sync_host = $3
		 WHERE id = $1 AND sync_worker IS NULL`,
		userID, token, host)
	if err != nil {
		return false, fmt.Errorf("claim user %s: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseUser clears the claim and queue mark and advances the due time, but
// only if the caller still holds the claim.
func (s *Store) ReleaseUser(ctx context.Context, userID string, token uuid.UUID, nextSync time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users
		 SET sync_worker = NULL, sync_host = NULL, queued_at = NULL, next_sync = $3
		 WHERE id = $1 AND sync_worker = $2`,
		userID, token, nextSync)
	if err != nil {
		return fmt.Errorf("release user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ClearClaim releases a claim without advancing next_sync, used when the sync
// algorithm fails unrecoverably: clearing queued_at as well leaves the user due,
// so the next scheduler pass republishes it.
func (s *Store) ClearClaim(ctx context.Context, userID string, token uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET sync_worker = NULL, sync_host = NULL, queued_at = NULL
		 WHERE id = $1 AND sync_worker = $2`,
		userID, token)
	if err != nil {
		return fmt.Errorf("clear claim on user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ScheduleImmediateSync accelerates one user's next run to now.
func (s *Store) ScheduleImmediateSync(ctx context.Context, userID string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET next_sync = $2 WHERE id = $1`,
		userID, now)
	if err != nil {
		return fmt.Errorf("schedule immediate sync for %s: %w", userID, err)
	}
	return nil
}

// IncrementSoftErrors bumps the non-blocking error counter; observability only.
func (s *Store) IncrementSoftErrors(ctx context.Context, userID string, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET soft_error_count = soft_error_count + $2 WHERE id = $1`,
		userID, n)
	if err != nil {
		return fmt.Errorf("increment soft errors for %s: %w", userID, err)
	}
	return nil
}

// RegisterWorker upserts the worker record at process start.
func (s *Store) RegisterWorker(ctx context.Context, w WorkerEntity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fleet.sync_workers (id, pid, host, heartbeat, state, startup, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET pid = EXCLUDED.pid, heartbeat = EXCLUDED.heartbeat,
		     state = EXCLUDED.state, startup = EXCLUDED.startup,
		     version = EXCLUDED.version`,
		w.ID, w.PID, w.Host, w.Heartbeat, w.State, w.Startup, w.Version)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	return nil
}

// Heartbeat records the worker's current phase and liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, workerID uuid.UUID, state string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE fleet.sync_workers SET heartbeat = $2, state = $3 WHERE id = $1`,
		workerID, at, state)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", workerID, err)
	}
	return nil
}

// DeregisterWorker removes the worker record on clean shutdown.
func (s *Store) DeregisterWorker(ctx context.Context, workerID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fleet.sync_workers WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

// WorkersOnHost lists every worker record tagged with the given host.
func (s *Store) WorkersOnHost(ctx context.Context, host string) ([]WorkerEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pid, host, heartbeat, state, startup, version
		 FROM fleet.sync_workers WHERE host = $1`, host)
	if err != nil {
		return nil, fmt.Errorf("list workers on %s: %w", host, err)
	}
	defer rows.Close()

	var workers []WorkerEntity
	for rows.Next() {
		var w WorkerEntity
		if err := rows.Scan(&w.ID, &w.PID, &w.Host, &w.Heartbeat, &w.State, &w.Startup, &w.Version); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ReleaseClaims clears the claims held by the given worker tokens. Used by the
// local watchdog when reaping dead workers so their users are not stranded
// until the host itself is presumed dead. Clearing queued_at alongside makes a
// still-due user eligible for republication on the next scheduler pass.
func (s *Store) ReleaseClaims(ctx context.Context, tokens []uuid.UUID) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET sync_worker = NULL, sync_host = NULL, queued_at = NULL
		 WHERE sync_worker = ANY($1)`,
		tokens)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteWorker removes one worker record (watchdog reap path).
func (s *Store) DeleteWorker(ctx context.Context, workerID uuid.UUID) error {
	return s.DeregisterWorker(ctx, workerID)
}

// CheckIn upserts this host's watchdog presence record.
func (s *Store) CheckIn(ctx context.Context, host string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fleet.sync_watchdogs (host, ts) VALUES ($1, $2)
		 ON CONFLICT (host) DO UPDATE SET ts = EXCLUDED.ts`,
		host, at)
	if err != nil {
		return fmt.Errorf("watchdog check-in for %s: %w", host, err)
	}
	return nil
}

// StaleWatchdogs returns presence records older than the cutoff.
func (s *Store) StaleWatchdogs(ctx context.Context, cutoff time.Time) ([]WatchdogPresenceEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT host, ts FROM fleet.sync_watchdogs WHERE ts < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale watchdogs: %w", err)
	}
	defer rows.Close()

	var stale []WatchdogPresenceEntity
	for rows.Next() {
		var p WatchdogPresenceEntity
		if err := rows.Scan(&p.Host, &p.Timestamp); err != nil {
			return nil, err
		}
		stale = append(stale, p)
	}
	return stale, rows.Err()
}

// ReleaseHostClaims clears every claim attributed to a host presumed dead.
func (s *Store) ReleaseHostClaims(ctx context.Context, host string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET sync_worker = NULL, sync_host = NULL, queued_at = NULL
		 WHERE sync_host = $1`,
		host)
	if err != nil {
		return 0, fmt.Errorf("release claims for host %s: %w", host, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteHostWorkers removes every worker record tagged to a dead host.
func (s *Store) DeleteHostWorkers(ctx context.Context, host string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fleet.sync_workers WHERE host = $1`, host)
	if err != nil {
		return 0, fmt.Errorf("delete workers for host %s: %w", host, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteWatchdogPresence removes a stale presence record.
func (s *Store) DeleteWatchdogPresence(ctx context.Context, host string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fleet.sync_watchdogs WHERE host = $1`, host)
	if err != nil {
		return fmt.Errorf("delete watchdog presence for %s: %w", host, err)
	}
	return nil
}

// PurgeExpiredWindows removes rate windows whose instance has ended.
func (s *Store) PurgeExpiredWindows(ctx context.Context, key string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fleet.rate_limits WHERE key = $1 AND expires < $2`,
		key, now)
	if err != nil {
		return fmt.Errorf("purge rate windows for %s: %w", key, err)
	}
	return nil
}

// CurrentWindows returns every non-expired window instance for the key.
func (s *Store) CurrentWindows(ctx context.Context, key string, now time.Time) ([]RateWindowEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, duration_secs, count, max_count, expires
		 FROM fleet.rate_limits WHERE key = $1 AND expires >= $2`,
		key, now)
	if err != nil {
		return nil, fmt.Errorf("list rate windows for %s: %w", key, err)
	}
	defer rows.Close()

	var windows []RateWindowEntity
	for rows.Next() {
		var w RateWindowEntity
		if err := rows.Scan(&w.Key, &w.Duration, &w.Count, &w.Max, &w.Expires); err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// InsertWindow creates a window instance if one for (key, duration) doesn't
// already exist. Concurrent Refresh calls computing the same anchored window
// collapse onto a single row.
func (s *Store) InsertWindow(ctx context.Context, w RateWindowEntity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fleet.rate_limits (key, duration_secs, count, max_count, expires)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key, duration_secs) DO NOTHING`,
		w.Key, w.Duration, w.Count, w.Max, w.Expires)
	if err != nil {
		return fmt.Errorf("insert rate window %s/%ds: %w", w.Key, w.Duration, err)
	}
	return nil
}

// IncrementWindows consumes one call from every current window of the key in a
// single atomic statement.
func (s *Store) IncrementWindows(ctx context.Context, key string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE fleet.rate_limits SET count = count + 1
		 WHERE key = $1 AND expires >= $2`,
		key, now)
	if err != nil {
		return fmt.Errorf("increment rate windows for %s: %w", key, err)
	}
	return nil
}

// isRetryableTxError reports whether a failed transaction is safe to rerun:
// serialization failures, deadlocks and lock timeouts.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// TriggerConnectionsByExternalID flags the connections matching the given
// external account ids, appending any payload to the connection's capped ring
// buffer (oldest dropped first), and returns the internal ids actually matched.
// The update commits before the caller's follow-up reads, so a trigger flag is
// never observed missing by the acceleration query that follows it.
func (s *Store) TriggerConnectionsByExternalID(ctx context.Context, service string, externalIDs []string, payloads map[string]json.RawMessage, at time.Time, payloadCap int) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	if payloadCap <= 0 {
		payloadCap = DefaultTriggerPayloadCap
	}

	var matched []string
	run := func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			matched = matched[:0]
			for _, extID := range externalIDs {
				payload, hasPayload := payloads[extID]
				var (
					id  string
					row pgx.Row
				)
				if hasPayload && len(payload) > 0 {
					// jsonb_build_array keeps an array-valued payload as one
					// buffer entry; bare || would splice its elements in.
					row = tx.QueryRow(ctx,
						`UPDATE fleet.connections
						 SET trigger_partial_sync = TRUE, trigger_ts = $3,
						     trigger_payloads = CASE
						       WHEN jsonb_array_length(trigger_payloads || jsonb_build_array($4::jsonb)) > $5
						       THEN (trigger_payloads || jsonb_build_array($4::jsonb)) - 0
						       ELSE trigger_payloads || jsonb_build_array($4::jsonb)
						     END
						 WHERE service = $1 AND external_id = $2
						 RETURNING id`,
						service, extID, at, payload, payloadCap)
				} else {
					row = tx.QueryRow(ctx,
						`UPDATE fleet.connections
						 SET trigger_partial_sync = TRUE, trigger_ts = $3
						 WHERE service = $1 AND external_id = $2
						 RETURNING id`,
						service, extID, at)
				}
				if err := row.Scan(&id); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						continue
					}
					return err
				}
				matched = append(matched, id)
			}
			return nil
		})
	}

	// Concurrent trigger batches touching overlapping connection rows can
	// deadlock; those transactions are safe to rerun.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = run(); err == nil || !isRetryableTxError(err) {
			break
		}
		s.logger.Warn("Retrying trigger transaction", "service", service, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt+1)*50*time.Millisecond); serr != nil {
			return nil, serr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("trigger connections for %s: %w", service, err)
	}
	return matched, nil
}

// AccelerateUsersForConnections sets next_sync = now for every paying,
// non-suppressed user owning any of the given connections. Commutative and
// idempotent, so it may freely race with the scheduler and with other triggers.
func (s *Store) AccelerateUsersForConnections(ctx context.Context, connectionIDs []string, now time.Time) (int64, error) {
	if len(connectionIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE fleet.users SET next_sync = $2
		 WHERE paid AND NOT suppress_auto_sync
		   AND id IN (SELECT user_id FROM fleet.connections WHERE id = ANY($1))`,
		connectionIDs, now)
	if err != nil {
		return 0, fmt.Errorf("accelerate users: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PollSchedules returns every poll-schedule row.
func (s *Store) PollSchedules(ctx context.Context) ([]PollScheduleEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service, poll_index, last_scheduled FROM fleet.trigger_poll_schedule`)
	if err != nil {
		return nil, fmt.Errorf("list poll schedules: %w", err)
	}
	defer rows.Close()

	var schedules []PollScheduleEntity
	for rows.Next() {
		var p PollScheduleEntity
		if err := rows.Scan(&p.Service, &p.Index, &p.LastScheduled); err != nil {
			return nil, err
		}
		schedules = append(schedules, p)
	}
	return schedules, rows.Err()
}

// UpsertPollSchedule records when a (service, index) shard was last dispatched.
func (s *Store) UpsertPollSchedule(ctx context.Context, service string, index int, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fleet.trigger_poll_schedule (service, poll_index, last_scheduled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (service, poll_index) DO UPDATE SET last_scheduled = EXCLUDED.last_scheduled`,
		service, index, at)
	if err != nil {
		return fmt.Errorf("upsert poll schedule %s/%d: %w", service, index, err)
	}
	return nil
}
