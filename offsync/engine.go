// Package offsync is the offline-first synchronization engine for the
// expense tracker: a durable mutation queue, connectivity probing, schema
// validation with auto-repair, field-level conflict resolution, and the
// background reconciliation loop that ties them together.
//
// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Config holds the orchestrator's runtime-tunable settings.
type Config struct {
	Enabled      bool
	SyncInterval time.Duration // drain cadence, default 10s
	BatchSize    int           // max operations per cycle, default 50
	MaxRetries   int           // retry ceiling before permanent drop, default 3
	BackoffMin   time.Duration // 1s
	BackoffMax   time.Duration // 60s
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		SyncInterval: 10 * time.Second,
		BatchSize:    50,
		MaxRetries:   3,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
	}
}

// ConfigUpdate mutates a subset of the configuration at runtime; nil fields
// are left unchanged.
type ConfigUpdate struct {
	Enabled      *bool
	SyncInterval *time.Duration
	BatchSize    *int
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Queue     *Queue
	Monitor   *Monitor
	Validator *Validator
	Resolver  *Resolver
	Store     RemoteStore
	Config    Config
	Logger    *slog.Logger
}

// Engine is the background reconciliation loop: it periodically drains the
// mutation queue, gated by the connectivity monitor, validating and
// conflict-resolving each pending operation before applying it remotely.
type Engine struct {
	queue     *Queue
	monitor   *Monitor
	validator *Validator
	resolver  *Resolver
	store     RemoteStore
	logger    *slog.Logger

	mu          sync.Mutex
	config      Config
	failed      int
	lastAttempt time.Time
	lastSuccess time.Time
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	queueUnsub  func()

	trigger     chan struct{}
	reconfigure chan struct{}

	listeners *listenerSet[SyncStatus]
}

// NewEngine creates the orchestrator. All collaborators are required except
// the logger.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Queue == nil || cfg.Monitor == nil || cfg.Validator == nil ||
		cfg.Resolver == nil || cfg.Store == nil {
		return nil, fmt.Errorf("queue, monitor, validator, resolver and store are all required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config.SyncInterval <= 0 {
		cfg.Config.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.Config.BatchSize <= 0 {
		cfg.Config.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Config.MaxRetries <= 0 {
		cfg.Config.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Config.BackoffMax <= 0 {
		cfg.Config.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Engine{
		queue:       cfg.Queue,
		monitor:     cfg.Monitor,
		validator:   cfg.Validator,
		resolver:    cfg.Resolver,
		store:       cfg.Store,
		logger:      cfg.Logger,
		config:      cfg.Config,
		trigger:     make(chan struct{}, 1),
		reconfigure: make(chan struct{}, 1),
		listeners:   newListenerSet[SyncStatus](cfg.Logger),
	}, nil
}

// Start launches the background loop. Connectivity restoration triggers an
// immediate drain instead of waiting out the interval.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.running = true
	e.mu.Unlock()

	e.unsubscribe = e.monitor.OnStatusChange(func(c Connectivity) {
		if c.IsOnline && c.IsDatabaseReachable {
			e.TriggerSync()
		}
		e.broadcast(context.Background())
	})
	e.queueUnsub = e.queue.OnStatusChange(func(QueueStatus) {
		e.broadcast(context.Background())
	})

	go e.loop(loopCtx, done)
	return nil
}

// Stop halts the loop. In-flight network calls complete or time out; the
// queue stays durable and resumable.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	done := e.done
	unsubscribe := e.unsubscribe
	queueUnsub := e.queueUnsub
	e.running = false
	e.cancel = nil
	e.done = nil
	e.unsubscribe = nil
	e.queueUnsub = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if queueUnsub != nil {
		queueUnsub()
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop receives its done channel as a parameter; Stop nils the struct field
// while the goroutine is still running.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		e.mu.Lock()
		interval := e.config.SyncInterval
		e.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-e.trigger:
			timer.Stop()
		case <-e.reconfigure:
			timer.Stop()
			continue
		}

		if err := e.runCycle(ctx); err != nil {
			e.logger.Warn("Sync cycle failed", "error", err)
		}
	}
}

// TriggerSync requests a drain without waiting for the next tick.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// ForceSync runs one drain cycle synchronously (manual "sync now").
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.runCycle(ctx)
}

// runCycle is the per-cycle state machine: gate, dedup, drain, broadcast.
func (e *Engine) runCycle(ctx context.Context) error {
	e.mu.Lock()
	enabled := e.config.Enabled
	batchSize := e.config.BatchSize
	e.lastAttempt = time.Now().UTC()
	e.mu.Unlock()

	if !enabled {
		return nil
	}

	// Gate: a cycle never touches the queue while the remote is unreachable.
	if !e.monitor.CanAttemptOperations() {
		e.broadcast(ctx)
		return nil
	}

	// Atomically claim the drain flag; a cycle already running means this
	// one is skipped, not queued.
	if !e.queue.TryBeginProcessing() {
		return nil
	}
	defer func() {
		e.queue.SetProcessing(false)
		e.broadcast(ctx)
	}()

	if err := e.queue.DeduplicateOperations(ctx); err != nil {
		return fmt.Errorf("dedup failed: %w", err)
	}

	ops, err := e.queue.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read backlog: %w", err)
	}
	if len(ops) > batchSize {
		ops = ops[:batchSize]
	}

	succeeded := 0
	for _, op := range ops {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !e.retryDue(op) {
			continue
		}
		// Losing connectivity mid-cycle ends the drain; queued state is
		// untouched for the remaining operations.
		if !e.monitor.CanAttemptOperations() {
			break
		}

		op.State = StateInFlight
		op.LastAttempt = time.Now().UTC()
		if err := e.processOperation(ctx, op); err != nil {
			e.recordFailure(ctx, op, err)
			continue
		}
		op.State = StateSucceeded
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			return fmt.Errorf("failed to remove completed operation: %w", err)
		}
		succeeded++
	}

	if succeeded > 0 {
		e.mu.Lock()
		e.lastSuccess = time.Now().UTC()
		e.mu.Unlock()
	}
	return nil
}

// processOperation validates, conflict-resolves and transmits one operation.
func (e *Engine) processOperation(ctx context.Context, op *Operation) error {
	payload := op.Data
	if op.Type == OpDelete {
		payload = op.OriginalData
	}
	vr := e.validator.ValidateData(ctx, op.Table, payload, op.Type)
	if !vr.IsValid {
		return fmt.Errorf("validation failed: %s", joinErrors(vr.Errors))
	}
	data := vr.RepairedData

	switch op.Type {
	case OpInsert:
		return e.store.Insert(ctx, op.Table, data)

	case OpDelete:
		return e.store.Delete(ctx, op.Table, op.RecordID)

	case OpUpdate:
		remote, err := e.store.Select(ctx, op.Table, op.RecordID)
		if errors.Is(err, ErrRowNotFound) {
			// Remote row disappeared since the snapshot; upsert our state.
			return e.store.Insert(ctx, op.Table, data)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch remote record: %w", err)
		}

		baseTS := recordTimestamp(op.OriginalData)
		remoteTS := recordTimestamp(remote)
		if remoteTS.Equal(baseTS) {
			return e.store.Update(ctx, op.Table, op.RecordID, data)
		}

		// Remote changed after our snapshot was taken.
		resolution := e.resolver.ResolveConflict(&ConflictContext{
			Table:           op.Table,
			RecordID:        op.RecordID,
			LocalData:       data,
			RemoteData:      remote,
			BaseData:        op.OriginalData,
			LocalTimestamp:  recordTimestamp(data),
			RemoteTimestamp: remoteTS,
		})
		return e.store.Update(ctx, op.Table, op.RecordID, resolution.Resolved)

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// recordFailure applies the retry ceiling: re-queue below it, permanently
// drop at it with the failure surfaced through SyncStatus.
func (e *Engine) recordFailure(ctx context.Context, op *Operation, cause error) {
	op.RetryCount++
	op.LastError = cause.Error()

	e.mu.Lock()
	ceiling := e.config.MaxRetries
	e.mu.Unlock()

	if op.RetryCount >= ceiling {
		op.State = StatePermanentlyFailed
		e.logger.Error("Operation permanently failed",
			"op", op.ID, "table", op.Table, "pk", op.RecordID,
			"attempts", op.RetryCount, "error", cause)
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			e.logger.Error("Failed to drop failed operation", "op", op.ID, "error", err)
			return
		}
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		return
	}

	op.State = StateRetrying
	e.logger.Warn("Operation will be retried",
		"op", op.ID, "table", op.Table, "pk", op.RecordID,
		"attempt", op.RetryCount, "error", cause)
	if err := e.queue.Update(ctx, op); err != nil {
		e.logger.Error("Failed to persist retry state", "op", op.ID, "error", err)
	}
}

// retryDue reports whether an operation's backoff window has elapsed.
func (e *Engine) retryDue(op *Operation) bool {
	if op.RetryCount == 0 || op.LastAttempt.IsZero() {
		return true
	}
	e.mu.Lock()
	min, max := e.config.BackoffMin, e.config.BackoffMax
	e.mu.Unlock()
	return time.Since(op.LastAttempt) >= backoffFor(op.RetryCount, min, max)
}

// UpdateConfig mutates configuration at runtime. Disabling stops draining
// without discarding the queue; re-enabling resumes from the current
// backlog. Interval changes take effect immediately.
func (e *Engine) UpdateConfig(update ConfigUpdate) {
	e.mu.Lock()
	if update.Enabled != nil {
		e.config.Enabled = *update.Enabled
	}
	if update.SyncInterval != nil && *update.SyncInterval > 0 {
		e.config.SyncInterval = *update.SyncInterval
	}
	if update.BatchSize != nil && *update.BatchSize > 0 {
		e.config.BatchSize = *update.BatchSize
	}
	e.mu.Unlock()

	select {
	case e.reconfigure <- struct{}{}:
	default:
	}
	e.broadcast(context.Background())
}

// GetStatus returns a read-only snapshot of the derived sync state.
func (e *Engine) GetStatus(ctx context.Context) SyncStatus {
	queueStatus := e.queue.Status(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		IsEnabled:          e.config.Enabled,
		IsRunning:          queueStatus.IsProcessing,
		Connectivity:       e.monitor.GetStatus(),
		PendingOperations:  queueStatus.TotalPending,
		FailedOperations:   e.failed,
		LastSyncAttempt:    e.lastAttempt,
		LastSuccessfulSync: e.lastSuccess,
		SyncInterval:       e.config.SyncInterval,
	}
}

// OnStatusChange registers a sync status listener and returns an
// unsubscribe func.
func (e *Engine) OnStatusChange(cb func(SyncStatus)) func() {
	return e.listeners.Subscribe(cb)
}

// GetDebugInfo reports engine internals in one snapshot for diagnostics
// surfaces.
func (e *Engine) GetDebugInfo(ctx context.Context) map[string]any {
	e.mu.Lock()
	config := e.config
	running := e.running
	e.mu.Unlock()
	return map[string]any{
		"config": map[string]any{
			"enabled":       config.Enabled,
			"sync_interval": config.SyncInterval.String(),
			"batch_size":    config.BatchSize,
			"max_retries":   config.MaxRetries,
		},
		"loop_running":       running,
		"queue":              e.queue.Status(ctx),
		"connectivity":       e.monitor.GetStatus(),
		"conflicts":          e.resolver.GetConflictStats(),
		"validation_history": len(e.validator.GetValidationHistory()),
		"status":             e.GetStatus(ctx),
	}
}

func (e *Engine) broadcast(ctx context.Context) {
	e.listeners.Notify(e.GetStatus(ctx))
}

func joinErrors(errs []ValidationError) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err.Field != "" {
			msgs = append(msgs, err.Field+": "+err.Message)
		} else {
			msgs = append(msgs, err.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// recordTimestamp reads a record's last-modified timestamp, tolerating both
// the local camelCase and the remote snake_case key.
func recordTimestamp(record map[string]any) time.Time {
	if record == nil {
		return time.Time{}
	}
	if ts := parseTimestamp(record["updatedAt"]); !ts.IsZero() {
		return ts
	}
	return parseTimestamp(record["updated_at"])
}
