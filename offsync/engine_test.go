// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type engineFixture struct {
	engine  *Engine
	queue   *Queue
	store   *fakeStore
	monitor *Monitor
}

func newTestEngine(t *testing.T, config Config) *engineFixture {
	t.Helper()
	store := newFakeStore()
	queue := newTestQueue(t)
	monitor := NewMonitor(store, DefaultMonitorConfig(), nil)
	engine, err := NewEngine(EngineConfig{
		Queue:     queue,
		Monitor:   monitor,
		Validator: newTestValidator(t, ValidatorConfig{}),
		Resolver:  NewResolver(0, nil),
		Store:     store,
		Config:    config,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &engineFixture{engine: engine, queue: queue, store: store, monitor: monitor}
}

func (f *engineFixture) goOnline(t *testing.T) {
	t.Helper()
	f.monitor.CheckNow(context.Background())
	if !f.monitor.CanAttemptOperations() {
		t.Fatal("monitor did not come online")
	}
}

func pendingCount(t *testing.T, q *Queue) int {
	t.Helper()
	ops, err := q.GetPending(context.Background())
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	return len(ops)
}

func TestEngineQueuesOfflineAndDrainsOnReconnect(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	mustAdd := func(op *Operation) {
		if err := f.queue.Add(ctx, op); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	mustAdd(NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 30.0, "date": "2026-08-29T10:00:00Z"}, nil))
	mustAdd(NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t2", "amount": 12.5, "date": "2026-08-29T10:05:00Z"}, nil))
	mustAdd(NewOperation(OpUpdate, "transactions",
		map[string]any{"id": "t1", "amount": 45.0},
		map[string]any{"id": "t1", "amount": 30.0, "date": "2026-08-29T10:00:00Z"}))

	// The update folds into t1's queued insert.
	if got := pendingCount(t, f.queue); got != 2 {
		t.Fatalf("pending = %d, want 2 after coalescing", got)
	}

	// Unreachable: a cycle must not touch the queue or the store.
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("offline cycle: %v", err)
	}
	if got := len(f.store.calls); got != 0 {
		t.Fatalf("store touched while unreachable: %v", f.store.calls)
	}
	if got := pendingCount(t, f.queue); got != 2 {
		t.Fatalf("pending = %d, offline cycle must leave the queue alone", got)
	}

	f.goOnline(t)
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("online cycle: %v", err)
	}
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d, want a drained queue", got)
	}
	if row := f.store.get("transactions", "t1"); row == nil || row["amount"] != 45.0 {
		t.Fatalf("t1 = %v, want the coalesced amount 45", row)
	}
	if row := f.store.get("transactions", "t2"); row == nil {
		t.Fatal("t2 never transmitted")
	}

	status := f.engine.GetStatus(ctx)
	if status.LastSuccessfulSync.IsZero() {
		t.Fatal("successful drain must stamp LastSuccessfulSync")
	}
	if status.PendingOperations != 0 || status.FailedOperations != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestEngineRetryCeilingDropsOperation(t *testing.T) {
	f := newTestEngine(t, Config{
		Enabled:    true,
		MaxRetries: 3,
		BackoffMin: 0, // retries due immediately
	})
	ctx := context.Background()
	f.store.insertErr = errors.New("boom")
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := f.engine.ForceSync(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	// Exactly the ceiling's worth of attempts, then a permanent drop.
	if got := f.store.callCount("insert:"); got != 3 {
		t.Fatalf("insert attempts = %d, want 3", got)
	}
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d, failed op must leave the queue", got)
	}
	if status := f.engine.GetStatus(ctx); status.FailedOperations != 1 {
		t.Fatalf("failed = %d, want 1", status.FailedOperations)
	}
}

func TestEngineRetrySucceedsBeforeCeiling(t *testing.T) {
	f := newTestEngine(t, Config{
		Enabled:    true,
		MaxRetries: 3,
		BackoffMin: 0,
	})
	ctx := context.Background()
	f.store.insertErr = errors.New("transient")
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	f.engine.ForceSync(ctx)
	f.engine.ForceSync(ctx)
	f.store.insertErr = nil
	f.engine.ForceSync(ctx)

	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d, want drained after recovery", got)
	}
	if status := f.engine.GetStatus(ctx); status.FailedOperations != 0 {
		t.Fatalf("failed = %d, recovered op must not count", status.FailedOperations)
	}
	if f.store.get("transactions", "t1") == nil {
		t.Fatal("recovered op never transmitted")
	}
}

func TestEngineBackoffHoldsRetries(t *testing.T) {
	f := newTestEngine(t, Config{
		Enabled:    true,
		MaxRetries: 5,
		BackoffMin: time.Hour, // retries never due within the test
	})
	ctx := context.Background()
	f.store.insertErr = errors.New("boom")
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	f.engine.ForceSync(ctx) // first attempt, fails
	f.engine.ForceSync(ctx) // backoff window still open
	f.engine.ForceSync(ctx)

	if got := f.store.callCount("insert:"); got != 1 {
		t.Fatalf("insert attempts = %d, backoff must hold retries", got)
	}
	if got := pendingCount(t, f.queue); got != 1 {
		t.Fatalf("pending = %d, op must stay queued", got)
	}
}

func TestEngineUpdateWithoutRemoteChangeWritesDirectly(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	base := map[string]any{"id": "t1", "amount": 30.0, "updatedAt": "2026-08-29T10:00:00Z"}
	f.store.put("transactions", base)
	f.goOnline(t)

	local := map[string]any{"id": "t1", "amount": 45.0, "updatedAt": "2026-08-29T11:00:00Z"}
	if err := f.queue.Add(ctx, NewOperation(OpUpdate, "transactions", local, base)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if row := f.store.get("transactions", "t1"); row["amount"] != 45.0 {
		t.Fatalf("t1 = %v", row)
	}
	if resolver := f.engine.resolver; resolver.GetConflictStats().Total != 0 {
		t.Fatal("unchanged remote must not count as a conflict")
	}
}

func TestEngineUpdateConflictMergesDisjointEdits(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	base := map[string]any{"id": "t1", "amount": 30.0, "description": "A", "updatedAt": "2026-08-29T10:00:00Z"}

	// Remote changed the description after our snapshot.
	f.store.put("transactions", map[string]any{
		"id": "t1", "amount": 30.0, "description": "B", "updatedAt": "2026-08-29T10:30:00Z",
	})
	f.goOnline(t)

	local := map[string]any{"id": "t1", "amount": 45.0, "description": "A", "updatedAt": "2026-08-29T11:00:00Z"}
	if err := f.queue.Add(ctx, NewOperation(OpUpdate, "transactions", local, base)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	row := f.store.get("transactions", "t1")
	if row["amount"] != 45.0 || row["description"] != "B" {
		t.Fatalf("resolved row = %v, want both edits", row)
	}
	stats := f.engine.resolver.GetConflictStats()
	if stats.ByType[ConflictDisjointFields] != 1 {
		t.Fatalf("conflict stats = %+v", stats)
	}
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d after resolution", got)
	}
}

func TestEngineUpdateUpsertsMissingRemoteRow(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	f.goOnline(t)

	base := map[string]any{"id": "t9", "amount": 30.0, "updatedAt": "2026-08-29T10:00:00Z"}
	local := map[string]any{"id": "t9", "amount": 45.0}
	if err := f.queue.Add(ctx, NewOperation(OpUpdate, "transactions", local, base)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if got := f.store.callCount("insert:"); got != 1 {
		t.Fatalf("insert calls = %d, want upsert of the vanished row", got)
	}
	if row := f.store.get("transactions", "t9"); row == nil || row["amount"] != 45.0 {
		t.Fatalf("t9 = %v", row)
	}
}

func TestEngineDeleteTransmits(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	record := map[string]any{"id": "t1", "amount": 30.0, "date": "2026-08-29T10:00:00Z"}
	f.store.put("transactions", record)
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpDelete, "transactions", nil, record)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.engine.ForceSync(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if f.store.get("transactions", "t1") != nil {
		t.Fatal("remote row must be gone")
	}
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d", got)
	}
}

func TestEngineDisabledDoesNotDrain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := newTestEngine(t, cfg)
	ctx := context.Background()
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	f.engine.ForceSync(ctx)
	if got := pendingCount(t, f.queue); got != 1 {
		t.Fatalf("disabled engine drained the queue, pending = %d", got)
	}

	// Re-enabling resumes from the preserved backlog.
	enabled := true
	f.engine.UpdateConfig(ConfigUpdate{Enabled: &enabled})
	f.engine.ForceSync(ctx)
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d after re-enable", got)
	}
}

func TestEngineBatchSizeCapsCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	f := newTestEngine(t, cfg)
	ctx := context.Background()
	f.goOnline(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		op := NewOperation(OpInsert, "transactions",
			map[string]any{"id": id, "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)
		if err := f.queue.Add(ctx, op); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	f.engine.ForceSync(ctx)
	if got := pendingCount(t, f.queue); got != 1 {
		t.Fatalf("pending = %d after capped cycle, want 1", got)
	}
	f.engine.ForceSync(ctx)
	if got := pendingCount(t, f.queue); got != 0 {
		t.Fatalf("pending = %d after second cycle", got)
	}
}

func TestEngineSkipsCycleWhileProcessing(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	f.goOnline(t)

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	f.queue.SetProcessing(true)
	f.engine.ForceSync(ctx)
	if got := f.store.callCount("insert:"); got != 0 {
		t.Fatal("overlapping cycle must be skipped, not run")
	}
	f.queue.SetProcessing(false)
}

func TestEngineReconnectTriggersDrain(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.engine.Stop(ctx)

	// Connectivity restoration must drain without waiting out the interval.
	f.monitor.CheckNow(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for pendingCount(t, f.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reconnect did not trigger a drain")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if f.store.get("transactions", "t1") == nil {
		t.Fatal("op never transmitted")
	}
}

func TestEngineStatusBroadcast(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	f.goOnline(t)

	var got []SyncStatus
	unsubscribe := f.engine.OnStatusChange(func(s SyncStatus) { got = append(got, s) })
	defer unsubscribe()

	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.engine.ForceSync(ctx)

	if len(got) == 0 {
		t.Fatal("cycle completion must broadcast a status snapshot")
	}
	last := got[len(got)-1]
	if last.PendingOperations != 0 || !last.IsEnabled {
		t.Fatalf("last snapshot = %+v", last)
	}
}

func TestEngineDebugInfoSnapshot(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	info := f.engine.GetDebugInfo(context.Background())
	for _, key := range []string{"config", "loop_running", "queue", "connectivity", "conflicts", "status"} {
		if _, ok := info[key]; !ok {
			t.Fatalf("debug info missing %q: %v", key, info)
		}
	}
	if info["loop_running"] != false {
		t.Fatal("loop must not be marked running before Start")
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	min, max := time.Second, 60*time.Second
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.n, min, max); got != tc.want {
			t.Fatalf("backoffFor(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

// slowInsertStore widens the drain window so an overlapping cycle would be
// visible as duplicate transmissions.
type slowInsertStore struct {
	*fakeStore
	delay time.Duration
}

func (s *slowInsertStore) Insert(ctx context.Context, table string, record map[string]any) error {
	time.Sleep(s.delay)
	return s.fakeStore.Insert(ctx, table, record)
}

func TestEngineConcurrentForceSyncsDrainOnce(t *testing.T) {
	store := &slowInsertStore{fakeStore: newFakeStore(), delay: 30 * time.Millisecond}
	queue := newTestQueue(t)
	monitor := NewMonitor(store, DefaultMonitorConfig(), nil)
	engine, err := NewEngine(EngineConfig{
		Queue:     queue,
		Monitor:   monitor,
		Validator: newTestValidator(t, ValidatorConfig{}),
		Resolver:  NewResolver(0, nil),
		Store:     store,
		Config:    DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ctx := context.Background()
	monitor.CheckNow(ctx)
	if err := queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.ForceSync(ctx); err != nil {
				t.Errorf("force sync: %v", err)
			}
		}()
	}
	wg.Wait()

	// Racing cycles must collapse to one drain, one transmission.
	if got := store.callCount("insert:"); got != 1 {
		t.Fatalf("insert calls = %d, want exactly 1 across concurrent cycles", got)
	}
	if got := pendingCount(t, queue); got != 0 {
		t.Fatalf("pending = %d", got)
	}
}

func TestEngineStartStopRepeated(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		if err := f.engine.Start(ctx); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := f.engine.Stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
}

func TestEngineBroadcastsOnQueueChange(t *testing.T) {
	f := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.engine.Stop(ctx)

	var mu sync.Mutex
	var got []SyncStatus
	unsubscribe := f.engine.OnStatusChange(func(s SyncStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	defer unsubscribe()

	// Still offline: nothing drains, only the enqueue drives the snapshot.
	if err := f.queue.Add(ctx, NewOperation(OpInsert, "transactions",
		map[string]any{"id": "t1", "amount": 5.0, "date": "2026-08-29T10:00:00Z"}, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range got {
		if s.PendingOperations == 1 {
			return
		}
	}
	t.Fatalf("no snapshot with the new pending count, got %d broadcasts", len(got))
}
