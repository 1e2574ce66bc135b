// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package fleetsync

import "syscall"

// OSProcessProbe checks process liveness with signal 0 and terminates with
// SIGKILL. A forced kill is deliberately non-graceful: partial progress is
// abandoned and the user's claim is released by the watchdog pass instead.
type OSProcessProbe struct{}

func (OSProcessProbe) IsAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func (OSProcessProbe) Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
