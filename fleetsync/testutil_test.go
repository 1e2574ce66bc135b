// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory stand-in for Store that mirrors the semantics of
// the SQL operations, including the atomicity of the claim CAS.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]*UserSyncEntity
	workers     map[uuid.UUID]*WorkerEntity
	watchdogs   map[string]time.Time
	windows     map[string]map[int64]*RateWindowEntity
	connections map[string]*ConnectionEntity
	payloads    map[string][]json.RawMessage
	polls       map[string]map[int]time.Time
	generation  int64

	heartbeats []string // state transitions, in order

	markQueuedErr error
	claimErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]*UserSyncEntity),
		workers:     make(map[uuid.UUID]*WorkerEntity),
		watchdogs:   make(map[string]time.Time),
		windows:     make(map[string]map[int64]*RateWindowEntity),
		connections: make(map[string]*ConnectionEntity),
		payloads:    make(map[string][]json.RawMessage),
		polls:       make(map[string]map[int]time.Time),
	}
}

func (f *fakeStore) addUser(u UserSyncEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := u
	f.users[u.ID] = &copied
}

func (f *fakeStore) user(id string) UserSyncEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

func (f *fakeStore) NextGeneration(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	return f.generation, nil
}

func (f *fakeStore) DueUsers(ctx context.Context, now time.Time, limit int) ([]DueUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type dated struct {
		due  DueUser
		when time.Time
	}
	var all []dated
	for _, u := range f.users {
		if u.NextSync == nil || u.NextSync.After(now) {
			continue
		}
		if u.QueuedAt != nil && !u.QueuedAt.Before(*u.NextSync) {
			continue
		}
		all = append(all, dated{DueUser{ID: u.ID, HostRestriction: u.HostRestriction}, *u.NextSync})
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[j].when.Before(all[i].when) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	var due []DueUser
	for _, d := range all {
		if limit > 0 && len(due) == limit {
			break
		}
		due = append(due, d.due)
	}
	return due, nil
}

func (f *fakeStore) MarkQueued(ctx context.Context, userIDs []string, queuedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markQueuedErr != nil {
		return f.markQueuedErr
	}
	for _, id := range userIDs {
		if u, ok := f.users[id]; ok {
			at := queuedAt
			u.QueuedAt = &at
		}
	}
	return nil
}

func (f *fakeStore) ClaimUser(ctx context.Context, userID string, token uuid.UUID, host string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	u, ok := f.users[userID]
	if !ok || u.SyncWorker != nil {
		return false, nil
	}
	t, h := token, host
	u.SyncWorker = &t
	u.SyncHost = &h
	return true, nil
}

func (f *fakeStore) ReleaseUser(ctx context.Context, userID string, token uuid.UUID, nextSync time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.SyncWorker == nil || *u.SyncWorker != token {
		return ErrClaimLost
	}
	u.SyncWorker = nil
	u.SyncHost = nil
	u.QueuedAt = nil
	next := nextSync
	u.NextSync = &next
	return nil
}

func (f *fakeStore) ClearClaim(ctx context.Context, userID string, token uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.SyncWorker == nil || *u.SyncWorker != token {
		return ErrClaimLost
	}
	u.SyncWorker = nil
	u.SyncHost = nil
	u.QueuedAt = nil
	return nil
}

func (f *fakeStore) IncrementSoftErrors(ctx context.Context, userID string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.SoftErrorCount += n
	}
	return nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, w WorkerEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := w
	f.workers[w.ID] = &copied
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, workerID uuid.UUID, state string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, state)
	if w, ok := f.workers[workerID]; ok {
		w.Heartbeat = at
		w.State = state
	}
	return nil
}

func (f *fakeStore) DeregisterWorker(ctx context.Context, workerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, workerID)
	return nil
}

func (f *fakeStore) DeleteWorker(ctx context.Context, workerID uuid.UUID) error {
	return f.DeregisterWorker(ctx, workerID)
}

func (f *fakeStore) WorkersOnHost(ctx context.Context, host string) ([]WorkerEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []WorkerEntity
	for _, w := range f.workers {
		if w.Host == host {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (f *fakeStore) ReleaseClaims(ctx context.Context, tokens []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, u := range f.users {
		if u.SyncWorker == nil {
			continue
		}
		for _, token := range tokens {
			if *u.SyncWorker == token {
				u.SyncWorker = nil
				u.SyncHost = nil
				u.QueuedAt = nil
				released++
				break
			}
		}
	}
	return released, nil
}

func (f *fakeStore) CheckIn(ctx context.Context, host string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchdogs[host] = at
	return nil
}

func (f *fakeStore) StaleWatchdogs(ctx context.Context, cutoff time.Time) ([]WatchdogPresenceEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []WatchdogPresenceEntity
	for host, ts := range f.watchdogs {
		if ts.Before(cutoff) {
			stale = append(stale, WatchdogPresenceEntity{Host: host, Timestamp: ts})
		}
	}
	return stale, nil
}

func (f *fakeStore) ReleaseHostClaims(ctx context.Context, host string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, u := range f.users {
		if u.SyncHost != nil && *u.SyncHost == host {
			u.SyncWorker = nil
			u.SyncHost = nil
			u.QueuedAt = nil
			released++
		}
	}
	return released, nil
}

func (f *fakeStore) DeleteHostWorkers(ctx context.Context, host string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, w := range f.workers {
		if w.Host == host {
			delete(f.workers, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) DeleteWatchdogPresence(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchdogs, host)
	return nil
}

func (f *fakeStore) PurgeExpiredWindows(ctx context.Context, key string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for duration, w := range f.windows[key] {
		if w.Expires.Before(now) {
			delete(f.windows[key], duration)
		}
	}
	return nil
}

func (f *fakeStore) CurrentWindows(ctx context.Context, key string, now time.Time) ([]RateWindowEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RateWindowEntity
	for _, w := range f.windows[key] {
		if !w.Expires.Before(now) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertWindow(ctx context.Context, w RateWindowEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.windows[w.Key] == nil {
		f.windows[w.Key] = make(map[int64]*RateWindowEntity)
	}
	if _, exists := f.windows[w.Key][w.Duration]; exists {
		return nil
	}
	copied := w
	f.windows[w.Key][w.Duration] = &copied
	return nil
}

func (f *fakeStore) IncrementWindows(ctx context.Context, key string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows[key] {
		if !w.Expires.Before(now) {
			w.Count++
		}
	}
	return nil
}

func (f *fakeStore) addConnection(c ConnectionEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := c
	f.connections[c.ID] = &copied
}

func (f *fakeStore) connection(id string) ConnectionEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.connections[id]
}

func (f *fakeStore) TriggerConnectionsByExternalID(ctx context.Context, service string, externalIDs []string, payloads map[string]json.RawMessage, at time.Time, payloadCap int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []string
	for _, extID := range externalIDs {
		for _, c := range f.connections {
			if c.Service != service || c.ExternalID != extID {
				continue
			}
			c.TriggerPartialSync = true
			ts := at
			c.TriggerTimestamp = &ts
			if payload, ok := payloads[extID]; ok && len(payload) > 0 {
				buf := append(f.payloads[c.ID], payload)
				if len(buf) > payloadCap {
					buf = buf[len(buf)-payloadCap:]
				}
				f.payloads[c.ID] = buf
			}
			matched = append(matched, c.ID)
		}
	}
	return matched, nil
}

func (f *fakeStore) AccelerateUsersForConnections(ctx context.Context, connectionIDs []string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var accelerated int64
	for _, connID := range connectionIDs {
		c, ok := f.connections[connID]
		if !ok {
			continue
		}
		u, ok := f.users[c.UserID]
		if !ok || !u.Paid || u.SuppressAutoSync {
			continue
		}
		at := now
		u.NextSync = &at
		accelerated++
	}
	return accelerated, nil
}

func (f *fakeStore) PollSchedules(ctx context.Context) ([]PollScheduleEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PollScheduleEntity
	for service, byIndex := range f.polls {
		for index, last := range byIndex {
			out = append(out, PollScheduleEntity{Service: service, Index: index, LastScheduled: last})
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertPollSchedule(ctx context.Context, service string, index int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls[service] == nil {
		f.polls[service] = make(map[int]time.Time)
	}
	f.polls[service][index] = at
	return nil
}

// publishedWork records one message handed to the fake publisher.
type publishedWork struct {
	topic       string
	restriction string
	msg         WorkMessage
}

type fakePublisher struct {
	mu        sync.Mutex
	work      []publishedWork
	pollTasks []PollTaskMessage
	failAfter int // fail publishes once this many succeeded; -1 = never
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failAfter: -1}
}

func (p *fakePublisher) PublishWork(ctx context.Context, baseTopic, hostRestriction string, msg WorkMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.work) >= p.failAfter {
		return fmt.Errorf("broker unavailable")
	}
	p.work = append(p.work, publishedWork{topic: baseTopic, restriction: hostRestriction, msg: msg})
	return nil
}

func (p *fakePublisher) PublishPollTask(ctx context.Context, topic string, msg PollTaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollTasks = append(p.pollTasks, msg)
	return nil
}

func (p *fakePublisher) published() []publishedWork {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedWork(nil), p.work...)
}

// fakeSource feeds pre-loaded messages to a worker and counts commits.
type fakeSource struct {
	ch      chan []byte
	mu      sync.Mutex
	commits int
}

func newFakeSource(capacity int) *fakeSource {
	return &fakeSource{ch: make(chan []byte, capacity)}
}

func (s *fakeSource) push(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.ch <- b
}

func (s *fakeSource) Fetch(ctx context.Context, v any) (func(context.Context) error, error) {
	select {
	case b := <-s.ch:
		if err := json.Unmarshal(b, v); err != nil {
			return nil, err
		}
		return func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.commits++
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// fakeSyncer scripts the external sync algorithm.
type fakeSyncer struct {
	mu     sync.Mutex
	synced []string
	result SyncResult
	err    error
	fn     func(userID string, heartbeat func(string)) (SyncResult, error)
}

func (s *fakeSyncer) SyncUser(ctx context.Context, userID string, heartbeat func(string)) (SyncResult, error) {
	s.mu.Lock()
	s.synced = append(s.synced, userID)
	fn, result, err := s.fn, s.result, s.err
	s.mu.Unlock()
	if fn != nil {
		return fn(userID, heartbeat)
	}
	if result.Processed == 0 {
		result.Processed = 1
	}
	return result, err
}

func (s *fakeSyncer) syncedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.synced...)
}

// fakeProbe scripts process liveness for watchdog tests.
type fakeProbe struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{alive: make(map[int]bool)}
}

func (p *fakeProbe) IsAlive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProbe) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = false
	p.terminated = append(p.terminated, pid)
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrStr(s string) *string        { return &s }
