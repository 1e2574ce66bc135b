// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import "time"

// Worker state constants. The sync algorithm reports its own phase names through
// the heartbeat callback; these are the states the fleet machinery itself sets.
const (
	StateStartup = "startup"
	StateReady   = "ready"
	StateIdle    = "idle"
	StateClaim   = "claiming"

	// Phases reported by sync algorithms that warrant the long watchdog timeout.
	StateList = "list"
)

// Queue defaults shared by the scheduler and workers.
const (
	DefaultWorkTopic    = "fleetsync-work"
	DefaultPollTopic    = "fleetsync-poll"
	DefaultTriggerTopic = "fleetsync-remote-trigger"
	DefaultWorkGroup    = "fleetsync-workers"
	DefaultPollGroup    = "fleetsync-pollers"
	DefaultTriggerGroup = "fleetsync-trigger-consumers"
)

const (
	// DefaultRecycleInterval is how many users a worker processes before it
	// exits and lets supervision restart it on fresh code.
	DefaultRecycleInterval = 10

	// DefaultHeartbeatInterval bounds how stale an idle worker's heartbeat gets.
	DefaultHeartbeatInterval = time.Second

	// DefaultSchedulerInterval is the sleep between scheduler passes.
	DefaultSchedulerInterval = time.Second

	// DefaultLongPhaseTimeout applies to bulk phases like activity listing,
	// which can legitimately run for a long time against slow remotes.
	DefaultLongPhaseTimeout = 45 * time.Minute

	// DefaultShortPhaseTimeout applies to every other phase.
	DefaultShortPhaseTimeout = 5 * time.Minute

	// DefaultHostTimeout is how long a host's watchdog presence record may go
	// without a check-in before the global watchdog presumes the host dead.
	DefaultHostTimeout = 5 * time.Minute

	// DefaultTriggerPayloadCap bounds the per-connection ring buffer of recent
	// push-trigger payloads. Oldest entries are dropped first.
	DefaultTriggerPayloadCap = 8
)
