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

// Full fleet lifecycle against the in-memory store: schedule, claim, crash,
// reap, reschedule, complete. Exercises the interplay the components are built
// around rather than any one of them in isolation.
func TestUserSurvivesWorkerCrash(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	pub := newFakePublisher()

	store.addUser(UserSyncEntity{ID: "a", NextSync: ptrTime(time.Now().Add(-time.Minute))})
	scheduler := NewScheduler(store, pub, "work", nil, testLogger())

	// Pass 1: the due user is published and stamped.
	count, err := scheduler.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, pub.published(), 1)

	// Pass 2: already queued, nothing new goes out.
	count, err = scheduler.RunPass(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// Worker w1 claims the user and then its process is hard-killed mid-sync.
	// A killed process gets no chance to clean up, so we stage exactly what it
	// leaves behind: the claim and its fleet record, with the probe reporting
	// the pid gone.
	probe := newFakeProbe()
	token := uuid.New()
	won, err := store.ClaimUser(ctx, "a", token, "host-a")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.RegisterWorker(ctx, WorkerEntity{
		ID: token, PID: 4242, Host: "host-a", Heartbeat: time.Now(), State: "download",
	}))

	// A duplicate delivery to another worker is dropped by the claim CAS. The
	// drop doesn't count against the recycle budget, so the worker goes back to
	// waiting for work; the deadline stands in for its eventual shutdown.
	source2 := newFakeSource(1)
	source2.push(WorkMessage{UserID: "a", QueuedAt: time.Now()})
	bystander := &fakeSyncer{result: SyncResult{Processed: 1, NextInterval: time.Hour}}
	w2 := newTestWorker(store, source2, bystander, 1)
	w2Ctx, w2Cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	require.NoError(t, w2.Run(w2Ctx))
	w2Cancel()
	require.Empty(t, bystander.syncedUsers())

	// The local watchdog notices the dead process, reaps the record, and frees
	// the claim so the user becomes schedulable again.
	watchdog := newTestWatchdog(store, probe)
	reaped, err := watchdog.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	freed := store.user("a")
	require.Nil(t, freed.SyncWorker)
	require.Nil(t, freed.QueuedAt)

	// The next scheduler pass republishes the user exactly once.
	count, err = scheduler.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, pub.published(), 2)

	// This time the sync completes and the user moves to its next window.
	source3 := newFakeSource(1)
	source3.push(WorkMessage{UserID: "a", QueuedAt: time.Now()})
	healthy := &fakeSyncer{result: SyncResult{Processed: 1, NextInterval: time.Hour}}
	w3 := newTestWorker(store, source3, healthy, 1)
	require.NoError(t, w3.Run(ctx))
	require.Equal(t, []string{"a"}, healthy.syncedUsers())

	done := store.user("a")
	require.Nil(t, done.SyncWorker)
	require.True(t, done.NextSync.After(time.Now().Add(30*time.Minute)))
	require.Empty(t, store.workers)

	// No republish while the user waits out its next interval.
	count, err = scheduler.RunPass(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
