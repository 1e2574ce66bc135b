// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"time"
)

// sleepWithContext pauses for d or until ctx is cancelled, whichever comes
// first. Pass loops and the preemptive rate throttle use it so a stop signal
// is never delayed by a pending sleep.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
