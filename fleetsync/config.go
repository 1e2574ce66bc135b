// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import "time"

// SchedulerConfig holds configuration for the scheduling loop.
type SchedulerConfig struct {
	Interval  time.Duration // Sleep between passes
	BatchSize int           // Max users published per pass (0 = unlimited)
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval: DefaultSchedulerInterval,
	}
}

// WorkerConfig holds configuration for a worker process.
type WorkerConfig struct {
	Host              string        // Host name reported in worker records and claims
	Version           string        // Code version identifier reported at registration
	RecycleInterval   int           // Completed users before clean self-termination
	HeartbeatInterval time.Duration // Max idle time between heartbeats
}

func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		RecycleInterval:   DefaultRecycleInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// WatchdogConfig holds configuration for the per-host local watchdog.
type WatchdogConfig struct {
	Host string
	// LongPhases names worker states that get LongPhaseTimeout instead of
	// ShortPhaseTimeout before a stalled heartbeat is acted on.
	LongPhases        []string
	LongPhaseTimeout  time.Duration
	ShortPhaseTimeout time.Duration
}

func DefaultWatchdogConfig() *WatchdogConfig {
	return &WatchdogConfig{
		LongPhases:        []string{StateList},
		LongPhaseTimeout:  DefaultLongPhaseTimeout,
		ShortPhaseTimeout: DefaultShortPhaseTimeout,
	}
}

// GlobalWatchdogConfig holds configuration for the fleet-wide watchdog.
type GlobalWatchdogConfig struct {
	// HostTimeout is how stale a host's presence record may be before every
	// claim attributed to that host is released.
	HostTimeout time.Duration
}

func DefaultGlobalWatchdogConfig() *GlobalWatchdogConfig {
	return &GlobalWatchdogConfig{
		HostTimeout: DefaultHostTimeout,
	}
}

// RateLimiterConfig holds configuration for the shared rate limiter.
type RateLimiterConfig struct {
	// FleetSize is the configured number of workers the preemptive throttle
	// divides the target aggregate rate across. Explicit configuration, not
	// runtime discovery, so the limiter stays free of fleet-membership logic.
	FleetSize int
	// PreemptiveLimits spread a target rate evenly across the fleet before the
	// budget is even consulted. Keyed by service; empty means no throttle.
	PreemptiveLimits map[string][]RateLimitSpec
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		FleetSize: 1,
	}
}

// RateLimitSpec is one (window duration, call budget) pair of a service's
// declared rate limits.
type RateLimitSpec struct {
	Window time.Duration
	Max    int64
}

// TriggerConfig holds configuration for trigger ingestion.
type TriggerConfig struct {
	// PayloadCap bounds the per-connection ring buffer of push payloads.
	PayloadCap int
}

func DefaultTriggerConfig() *TriggerConfig {
	return &TriggerConfig{
		PayloadCap: DefaultTriggerPayloadCap,
	}
}

// QueueConfig holds broker connection settings shared by publishers and consumers.
type QueueConfig struct {
	Brokers      []string
	WorkTopic    string
	PollTopic    string
	TriggerTopic string
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Brokers:      []string{"localhost:9092"},
		WorkTopic:    DefaultWorkTopic,
		PollTopic:    DefaultPollTopic,
		TriggerTopic: DefaultTriggerTopic,
	}
}
