// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MonitorConfig holds configuration for the connectivity monitor.
type MonitorConfig struct {
	ProbeInterval time.Duration // active probe cadence, default 30s
	ProbeTimeout  time.Duration // per-probe bound, default 5s
}

// DefaultMonitorConfig returns the default probe cadence and timeout.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor determines whether the remote store is actually reachable, not
// just whether the transport reports being online. A transport "online"
// signal alone never flips reachability; it must be confirmed by a
// successful probe against the store.
type Monitor struct {
	store  RemoteStore
	config MonitorConfig
	logger *slog.Logger

	mu              sync.Mutex
	transportOnline bool
	dbReachable     bool
	lastCheck       time.Time
	initialized     bool
	cancel          context.CancelFunc
	done            chan struct{}

	listeners *listenerSet[Connectivity]
}

// NewMonitor creates a connectivity monitor probing the given store.
func NewMonitor(store RemoteStore, config MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultMonitorConfig().ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultMonitorConfig().ProbeTimeout
	}
	return &Monitor{
		store:           store,
		config:          config,
		logger:          logger,
		transportOnline: true, // assume online until the transport says otherwise
		listeners:       newListenerSet[Connectivity](logger),
	}
}

// Initialize starts periodic active probing. Idempotent while running;
// initializing again after Cleanup resets state and is valid.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.initialized = true
	m.mu.Unlock()

	go m.probeLoop(loopCtx, done)
	return nil
}

// probeLoop receives its done channel as a parameter; Cleanup nils the
// struct field while the goroutine is still running.
func (m *Monitor) probeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Initial probe so CanAttemptOperations settles without waiting a tick.
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs one reachability probe synchronously. Probe failures of
// any kind (timeout, error, nil store) resolve to unreachable and never
// propagate to the caller.
func (m *Monitor) CheckNow(ctx context.Context) Connectivity {
	reachable := false
	if m.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		if err := m.store.Ping(probeCtx); err == nil {
			reachable = true
		} else {
			m.logger.Debug("Reachability probe failed", "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	changed := m.dbReachable != reachable
	m.dbReachable = reachable
	m.lastCheck = time.Now().UTC()
	status := m.statusLocked()
	m.mu.Unlock()

	if changed {
		m.listeners.Notify(status)
	}
	return status
}

// SetTransportOnline feeds the transport-level online/offline signal. Going
// offline drops reachability immediately; going online only marks the
// transport up, and reachability waits for probe confirmation.
func (m *Monitor) SetTransportOnline(online bool) {
	m.mu.Lock()
	changed := m.transportOnline != online
	m.transportOnline = online
	if !online {
		m.dbReachable = false
	}
	status := m.statusLocked()
	m.mu.Unlock()

	if changed {
		m.listeners.Notify(status)
	}
}

// GetStatus returns the last-known connectivity snapshot synchronously.
func (m *Monitor) GetStatus() Connectivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// CanAttemptOperations is true only when the transport signal and the active
// probe agree the remote store is reachable.
func (m *Monitor) CanAttemptOperations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportOnline && m.dbReachable
}

// OnStatusChange registers a connectivity listener and returns an
// unsubscribe func. All subscribers receive identical snapshots.
func (m *Monitor) OnStatusChange(cb func(Connectivity)) func() {
	return m.listeners.Subscribe(cb)
}

// Cleanup stops probing. Idempotent; Initialize may be called again after.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	changed := m.dbReachable
	m.initialized = false
	m.cancel = nil
	m.done = nil
	m.dbReachable = false
	status := m.statusLocked()
	m.mu.Unlock()

	cancel()
	<-done

	// Subscribers would otherwise keep rendering "reachable" after the
	// probing stopped.
	if changed {
		m.listeners.Notify(status)
	}
}

func (m *Monitor) statusLocked() Connectivity {
	return Connectivity{
		IsOnline:              m.transportOnline,
		IsDatabaseReachable:   m.dbReachable,
		LastConnectivityCheck: m.lastCheck,
	}
}
