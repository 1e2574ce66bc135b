// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncResult reports what one invocation of the external sync algorithm did.
type SyncResult struct {
	Processed    int           // Users actually processed; decrements the recycle budget
	NextInterval time.Duration // How far to advance the user's next due time
	SoftErrors   int           // Recoverable per-service failures, counted not fatal
}

// UserSyncer is the external per-user synchronization algorithm. The fleet core
// treats it as opaque: possibly long-running, possibly failing. It reports its
// phase transitions through the heartbeat callback so the watchdog can pick the
// right staleness timeout.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string, heartbeat func(state string)) (SyncResult, error)
}

type workerStore interface {
	ClaimUser(ctx context.Context, userID string, token uuid.UUID, host string) (bool, error)
	ReleaseUser(ctx context.Context, userID string, token uuid.UUID, nextSync time.Time) error
	ClearClaim(ctx context.Context, userID string, token uuid.UUID) error
	IncrementSoftErrors(ctx context.Context, userID string, n int64) error
	RegisterWorker(ctx context.Context, w WorkerEntity) error
	Heartbeat(ctx context.Context, workerID uuid.UUID, state string, at time.Time) error
	DeregisterWorker(ctx context.Context, workerID uuid.UUID) error
}

type workSource interface {
	Fetch(ctx context.Context, v any) (func(context.Context) error, error)
}

// Worker claims and executes one user's synchronization at a time, heartbeating
// throughout, and recycles itself after a bounded number of completed users.
//
// Claim policy on unrecoverable sync errors: the worker clears the user's claim
// itself before surfacing the error, so recovery is immediate rather than
// watchdog-timeout-bounded.
type Worker struct {
	store  workerStore
	source workSource
	syncer UserSyncer
	config *WorkerConfig
	logger *slog.Logger

	id  uuid.UUID
	pid int
	now func() time.Time

	mu    sync.Mutex
	state string
}

func NewWorker(store workerStore, source workSource, syncer UserSyncer, config *WorkerConfig, logger *slog.Logger) *Worker {
	if config == nil {
		config = DefaultWorkerConfig()
	}
	if config.Host == "" {
		host, _ := os.Hostname()
		config.Host = host
	}
	if config.RecycleInterval <= 0 {
		config.RecycleInterval = DefaultRecycleInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		source: source,
		syncer: syncer,
		config: config,
		logger: logger,
		id:     uuid.New(),
		pid:    os.Getpid(),
		now:    time.Now,
		state:  StateStartup,
	}
}

// ID returns the worker's claim token.
func (w *Worker) ID() uuid.UUID { return w.id }

// Run registers the worker, consumes work until the context is cancelled or the
// recycle budget is spent, then deregisters. Context cancellation is the
// graceful stop: the in-flight user runs to completion, no new work is fetched.
func (w *Worker) Run(ctx context.Context) error {
	// Store and sync operations for in-flight work must outlive a graceful
	// stop; only the fetch loop observes cancellation directly.
	opCtx := context.WithoutCancel(ctx)

	startup := w.now()
	err := w.store.RegisterWorker(opCtx, WorkerEntity{
		ID:        w.id,
		PID:       w.pid,
		Host:      w.config.Host,
		Heartbeat: startup,
		State:     StateStartup,
		Startup:   startup,
		Version:   w.config.Version,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.logger.Info("Worker started",
		"worker", w.id, "pid", w.pid, "host", w.config.Host, "version", w.config.Version)

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(opCtx, heartbeatDone)
	defer close(heartbeatDone)

	defer func() {
		if derr := w.store.DeregisterWorker(opCtx, w.id); derr != nil {
			w.logger.Error("Worker deregistration failed", "worker", w.id, "error", derr)
		} else {
			w.logger.Info("Worker shut down cleanly", "worker", w.id)
		}
	}()

	w.setState(opCtx, StateReady)

	remaining := w.config.RecycleInterval
	for remaining > 0 {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping on signal", "worker", w.id)
			return nil
		}
		w.setState(opCtx, StateIdle)

		var msg WorkMessage
		commit, err := w.source.Fetch(ctx, &msg)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("Worker stopping on signal", "worker", w.id)
				return nil
			}
			w.logger.Error("Work fetch failed", "worker", w.id, "error", err)
			if serr := sleepWithContext(ctx, 500*time.Millisecond); serr != nil {
				return nil
			}
			continue
		}

		processed, resolved := w.processOne(opCtx, msg.UserID)
		remaining -= processed

		// Offset commit strictly follows claim resolution. An errored claim
		// attempt stays uncommitted so the broker redelivers the user; a
		// resolved delivery commits, the claim CAS absorbing any duplicates.
		if !resolved {
			continue
		}
		if err := commit(opCtx); err != nil {
			w.logger.Error("Offset commit failed", "worker", w.id, "error", err)
		}
	}

	w.logger.Info("Worker recycling", "worker", w.id, "completed", w.config.RecycleInterval)
	return nil
}

// processOne runs the claim → sync → release cycle for one delivered user. It
// returns how many users to count against the recycle budget and whether the
// claim was resolved (won or cleanly lost); an errored claim attempt is
// unresolved and the delivery must not be consumed.
func (w *Worker) processOne(ctx context.Context, userID string) (int, bool) {
	w.setState(ctx, StateClaim)

	won, err := w.store.ClaimUser(ctx, userID, w.id, w.config.Host)
	if err != nil {
		w.logger.Error("Claim attempt failed", "worker", w.id, "user", userID, "error", err)
		return 0, false
	}
	if !won {
		// Duplicate delivery or lost race; expected under at-least-once.
		return 0, true
	}

	result, syncErr := w.syncer.SyncUser(ctx, userID, func(state string) {
		w.setState(ctx, state)
	})

	if result.SoftErrors > 0 {
		if err := w.store.IncrementSoftErrors(ctx, userID, int64(result.SoftErrors)); err != nil {
			w.logger.Error("Soft error count update failed", "worker", w.id, "user", userID, "error", err)
		}
	}

	if syncErr != nil {
		w.logger.Error("Sync failed", "worker", w.id, "user", userID, "error", syncErr)
		if err := w.store.ClearClaim(ctx, userID, w.id); err != nil && !errors.Is(err, ErrClaimLost) {
			w.logger.Error("Claim clear failed", "worker", w.id, "user", userID, "error", err)
		}
		return 1, true
	}

	nextSync := w.now().Add(result.NextInterval)
	if err := w.store.ReleaseUser(ctx, userID, w.id, nextSync); err != nil {
		if errors.Is(err, ErrClaimLost) {
			// A watchdog presumed us dead mid-flight and released the claim.
			w.logger.Warn("Claim was released externally", "worker", w.id, "user", userID)
		} else {
			w.logger.Error("Release failed", "worker", w.id, "user", userID, "error", err)
		}
	}

	if result.Processed > 0 {
		return result.Processed, true
	}
	return 1, true
}

// setState records a phase transition and heartbeats it immediately.
func (w *Worker) setState(ctx context.Context, state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	if err := w.store.Heartbeat(ctx, w.id, state, w.now()); err != nil {
		w.logger.Error("Heartbeat failed", "worker", w.id, "state", state, "error", err)
	}
}

// heartbeatLoop re-heartbeats the current state at least once per interval so
// an idle worker never looks stalled.
func (w *Worker) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			state := w.state
			w.mu.Unlock()
			if err := w.store.Heartbeat(ctx, w.id, state, w.now()); err != nil {
				w.logger.Error("Heartbeat failed", "worker", w.id, "state", state, "error", err)
			}
		}
	}
}
