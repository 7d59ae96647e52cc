// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"log/slog"
	"sync"
	"time"
)

// Connectivity is the last-known reachability state.
type Connectivity struct {
	IsOnline              bool      `json:"is_online"`
	IsDatabaseReachable   bool      `json:"is_database_reachable"`
	LastConnectivityCheck time.Time `json:"last_connectivity_check"`
}

// SyncStatus is the process-wide derived sync state. Consumers receive
// read-only snapshots; only the engine recomputes it.
type SyncStatus struct {
	IsEnabled          bool          `json:"is_enabled"`
	IsRunning          bool          `json:"is_running"`
	Connectivity       Connectivity  `json:"connectivity"`
	PendingOperations  int           `json:"pending_operations"`
	FailedOperations   int           `json:"failed_operations"`
	LastSyncAttempt    time.Time     `json:"last_sync_attempt"`
	LastSuccessfulSync time.Time     `json:"last_successful_sync"`
	SyncInterval       time.Duration `json:"sync_interval"`
}

// listenerSet is a panic-safe subscriber registry. Subscribe returns an
// unsubscribe func; Notify delivers the same value to every listener, and a
// panicking listener is logged without breaking delivery to the others.
type listenerSet[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(T)
	logger    *slog.Logger
}

func newListenerSet[T any](logger *slog.Logger) *listenerSet[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &listenerSet[T]{
		listeners: make(map[int]func(T)),
		logger:    logger,
	}
}

func (ls *listenerSet[T]) Subscribe(cb func(T)) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	id := ls.nextID
	ls.nextID++
	ls.listeners[id] = cb
	return func() {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		delete(ls.listeners, id)
	}
}

func (ls *listenerSet[T]) Notify(value T) {
	ls.mu.Lock()
	cbs := make([]func(T), 0, len(ls.listeners))
	for _, cb := range ls.listeners {
		cbs = append(cbs, cb)
	}
	ls.mu.Unlock()

	for _, cb := range cbs {
		ls.deliver(cb, value)
	}
}

func (ls *listenerSet[T]) deliver(cb func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error("Status listener panicked", "panic", r)
		}
	}()
	cb(value)
}

func (ls *listenerSet[T]) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.listeners)
}
