// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestWatchdog(store *fakeStore, probe ProcessProbe) *LocalWatchdog {
	config := DefaultWatchdogConfig()
	config.Host = "host-a"
	return NewLocalWatchdog(store, probe, config, testLogger())
}

func addWorkerWithClaim(store *fakeStore, host string, pid int, state string, heartbeat time.Time) uuid.UUID {
	token := uuid.New()
	store.RegisterWorker(context.Background(), WorkerEntity{
		ID:        token,
		PID:       pid,
		Host:      host,
		Heartbeat: heartbeat,
		State:     state,
		Startup:   heartbeat,
	})
	store.addUser(UserSyncEntity{
		ID:         "user-" + token.String()[:8],
		NextSync:   ptrTime(heartbeat),
		QueuedAt:   ptrTime(heartbeat),
		SyncWorker: &token,
		SyncHost:   &host,
	})
	return token
}

func TestWatchdogReapsDeadProcessAndReleasesClaim(t *testing.T) {
	store := newFakeStore()
	probe := newFakeProbe()
	token := addWorkerWithClaim(store, "host-a", 4242, StateIdle, time.Now())
	// pid 4242 is not alive in the probe.

	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	require.Empty(t, store.workers)
	require.Empty(t, probe.terminated) // nothing to kill, it was already gone

	u := store.user("user-" + token.String()[:8])
	require.Nil(t, u.SyncWorker)
	require.Nil(t, u.QueuedAt)
}

func TestWatchdogKillsStalledWorker(t *testing.T) {
	store := newFakeStore()
	probe := newFakeProbe()
	probe.alive[4242] = true
	addWorkerWithClaim(store, "host-a", 4242, StateIdle, time.Now().Add(-10*time.Minute))

	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
	require.Equal(t, []int{4242}, probe.terminated)
	require.Empty(t, store.workers)
}

func TestWatchdogGivesLongPhasesALongerLeash(t *testing.T) {
	store := newFakeStore()
	probe := newFakeProbe()
	probe.alive[1000] = true
	probe.alive[2000] = true
	// Ten minutes without a heartbeat: fatal for a short phase, fine for a
	// bulk listing.
	stale := time.Now().Add(-10 * time.Minute)
	addWorkerWithClaim(store, "host-a", 1000, StateList, stale)
	addWorkerWithClaim(store, "host-a", 2000, "download", stale)

	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
	require.Equal(t, []int{2000}, probe.terminated)
	require.True(t, probe.IsAlive(1000))
	require.Len(t, store.workers, 1)
}

func TestWatchdogIgnoresHealthyWorkers(t *testing.T) {
	store := newFakeStore()
	probe := newFakeProbe()
	probe.alive[4242] = true
	token := addWorkerWithClaim(store, "host-a", 4242, "upload", time.Now())

	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, reaped)

	require.Len(t, store.workers, 1)
	require.NotNil(t, store.user("user-"+token.String()[:8]).SyncWorker)
}

func TestWatchdogIgnoresOtherHosts(t *testing.T) {
	store := newFakeStore()
	probe := newFakeProbe()
	addWorkerWithClaim(store, "host-b", 4242, StateIdle, time.Now())

	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, reaped)
	require.Len(t, store.workers, 1)
}

func TestWatchdogChecksInPresence(t *testing.T) {
	store := newFakeStore()
	watchdog := newTestWatchdog(store, newFakeProbe())

	before := time.Now()
	_, err := watchdog.RunPass(context.Background())
	require.NoError(t, err)

	checkin, ok := store.watchdogs["host-a"]
	require.True(t, ok)
	require.False(t, checkin.Before(before))
}
