// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"time"
)

const (
	MetricsPassSchedule       = "schedule"
	MetricsPassLocalWatchdog  = "watchdog_local"
	MetricsPassGlobalWatchdog = "watchdog_global"
	MetricsPassPollSchedule   = "poll_schedule"
	MetricsPassPollTrigger    = "poll_trigger"
	MetricsPassRemoteTrigger  = "remote_trigger"
	MetricsPassRateRefresh    = "rate_refresh"
)

// PassTiming describes one completed pass of a fleet component: how long it ran,
// how many records it touched, and whether it failed.
type PassTiming struct {
	Pass     string
	Duration time.Duration
	Count    int
	Error    bool
}

type PassMetricsRecorder interface {
	ObservePass(ctx context.Context, timing PassTiming)
}

type PassMetricsRecorderFunc func(ctx context.Context, timing PassTiming)

func (f PassMetricsRecorderFunc) ObservePass(ctx context.Context, timing PassTiming) {
	f(ctx, timing)
}

func observePass(ctx context.Context, rec PassMetricsRecorder, pass string, start time.Time, count int, hadError bool) {
	if rec == nil {
		return
	}
	rec.ObservePass(ctx, PassTiming{
		Pass:     pass,
		Duration: time.Since(start),
		Count:    count,
		Error:    hadError,
	})
}
