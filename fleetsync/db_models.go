// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Database entity models for the fleet schema.
// All shared coordination state lives in these tables; invariants are maintained
// by the explicit queries in store.go, not by constraints.

// UserSyncEntity represents a row in fleet.users (the scheduling-relevant view).
type UserSyncEntity struct {
	ID               string     `db:"id"`                // Account identifier
	NextSync         *time.Time `db:"next_sync"`         // Due time for the next run (nil = never scheduled)
	QueuedAt         *time.Time `db:"queued_at"`         // Set when published, guards re-publication
	SyncWorker       *uuid.UUID `db:"sync_worker"`       // Claim token (present = a live worker owns this user)
	SyncHost         *string    `db:"sync_host"`         // Host of the claiming worker
	HostRestriction  *string    `db:"host_restriction"`  // Pins this user to one host's queue
	Paid             bool       `db:"paid"`              // Only paying users are trigger-accelerated
	SuppressAutoSync bool       `db:"suppress_auto_sync"`
	SoftErrorCount   int64      `db:"soft_error_count"` // Running count of non-blocking sync errors
}

// WorkerEntity represents a row in fleet.sync_workers, one per live worker process.
type WorkerEntity struct {
	ID        uuid.UUID `db:"id"`        // Claim token, doubles as the record key
	PID       int       `db:"pid"`       // OS process id, probed by the local watchdog
	Host      string    `db:"host"`      // Host the process runs on
	Heartbeat time.Time `db:"heartbeat"` // Updated on every phase transition
	State     string    `db:"state"`     // Current phase, selects the watchdog timeout
	Startup   time.Time `db:"startup"`   // Process start time
	Version   string    `db:"version"`   // Code version, for heterogeneous-fleet observability
}

// WatchdogPresenceEntity represents a row in fleet.sync_watchdogs, one per host
// whose local watchdog is checking in.
type WatchdogPresenceEntity struct {
	Host      string    `db:"host"`
	Timestamp time.Time `db:"ts"` // Last check-in
}

// RateWindowEntity represents a row in fleet.rate_limits: one concrete window
// instance of a recurring per-service call budget.
type RateWindowEntity struct {
	Key      string    `db:"key"`           // Service identifier
	Duration int64     `db:"duration_secs"` // Window length; stable identity of the recurring window
	Count    int64     `db:"count"`         // Calls consumed in this instance
	Max      int64     `db:"max_count"`     // Budget for this window
	Expires  time.Time `db:"expires"`       // Instance end, eligible for purge afterwards
}

// ConnectionEntity is the partial view of fleet.connections that trigger
// ingestion operates on.
type ConnectionEntity struct {
	ID                 string          `db:"id"`
	Service            string          `db:"service"`
	ExternalID         string          `db:"external_id"`
	UserID             string          `db:"user_id"`
	TriggerPartialSync bool            `db:"trigger_partial_sync"`
	TriggerTimestamp   *time.Time      `db:"trigger_ts"`
	TriggerPayloads    json.RawMessage `db:"trigger_payloads"` // Capped ring buffer, most-recent-last
}

// PollScheduleEntity represents a row in fleet.trigger_poll_schedule. A service
// may shard its polling across several independent indices.
type PollScheduleEntity struct {
	Service       string    `db:"service"`
	Index         int       `db:"poll_index"`
	LastScheduled time.Time `db:"last_scheduled"`
}
