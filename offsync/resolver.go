// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// ConflictType classifies how local and remote edits collided.
type ConflictType string

const (
	ConflictDisjointFields    ConflictType = "disjoint_fields"
	ConflictOverlappingFields ConflictType = "overlapping_fields"
	ConflictMissingTimestamp  ConflictType = "missing_timestamp"
	ConflictOneSided          ConflictType = "one_sided"
	ConflictResolverError     ConflictType = "resolver_error"
)

// Resolution strategy tags.
const (
	StrategyFieldMerge = "field_merge"
	StrategyLatestWins = "latest_wins"
	StrategyLocalWins  = "local_wins"
	StrategyRemoteWins = "remote_wins"
)

// ConflictContext carries everything needed to resolve one UPDATE conflict.
// It is constructed when the remote record's timestamp differs from the
// operation's original snapshot timestamp.
type ConflictContext struct {
	Table           string
	RecordID        string
	LocalData       map[string]any
	RemoteData      map[string]any
	BaseData        map[string]any // originalData snapshot, the conflict base
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
}

// ConflictResolution is the resolver's outcome plus metadata describing how
// it was reached.
type ConflictResolution struct {
	Table        string         `json:"table"`
	RecordID     string         `json:"record_id"`
	Resolved     map[string]any `json:"resolved"`
	Strategy     string         `json:"strategy"`
	ConflictType ConflictType   `json:"conflict_type"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// ConflictStats aggregates resolver activity.
type ConflictStats struct {
	Total    int                  `json:"total"`
	Resolved int                  `json:"resolved"`
	Recent   int                  `json:"recent"`
	ByType   map[ConflictType]int `json:"by_type"`
}

// Resolver reconciles a local and a remote version of the same record into
// one resolved version. It never fails: malformed input degrades to the
// local-wins fallback rather than blocking the sync cycle.
type Resolver struct {
	logger       *slog.Logger
	historyLimit int
	recentWindow time.Duration

	mu      sync.Mutex
	history []ConflictResolution
	byType  map[ConflictType]int
	total   int
}

// NewResolver creates a conflict resolver with a bounded rolling history.
func NewResolver(historyLimit int, logger *slog.Logger) *Resolver {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger:       logger,
		historyLimit: historyLimit,
		recentWindow: time.Hour,
		byType:       make(map[ConflictType]int),
	}
}

// ResolveConflict produces one resolved record. A nil side contributes no
// data and the other side wins outright; missing or invalid timestamps fall
// back to local-wins (the side actually attempting to sync). A resolver
// panic also degrades to local-wins, recorded under a distinct conflict
// type so the policy stays revisitable.
func (r *Resolver) ResolveConflict(cctx *ConflictContext) (resolution *ConflictResolution) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Conflict resolution panicked, keeping local data",
				"table", cctx.Table, "pk", cctx.RecordID, "panic", rec)
			resolution = r.finish(&ConflictResolution{
				Table:        cctx.Table,
				RecordID:     cctx.RecordID,
				Resolved:     cloneRecord(cctx.LocalData),
				Strategy:     StrategyLocalWins,
				ConflictType: ConflictResolverError,
			})
		}
	}()
	return r.finish(r.resolve(cctx))
}

func (r *Resolver) resolve(cctx *ConflictContext) *ConflictResolution {
	out := &ConflictResolution{Table: cctx.Table, RecordID: cctx.RecordID}

	switch {
	case cctx.LocalData == nil && cctx.RemoteData == nil:
		out.Strategy = StrategyLocalWins
		out.ConflictType = ConflictOneSided
		return out
	case cctx.LocalData == nil:
		out.Resolved = cloneRecord(cctx.RemoteData)
		out.Strategy = StrategyRemoteWins
		out.ConflictType = ConflictOneSided
		return out
	case cctx.RemoteData == nil:
		out.Resolved = cloneRecord(cctx.LocalData)
		out.Strategy = StrategyLocalWins
		out.ConflictType = ConflictOneSided
		return out
	}

	localChanges := changedFields(cctx.BaseData, cctx.LocalData)
	remoteChanges := changedFields(cctx.BaseData, cctx.RemoteData)
	overlap := intersect(localChanges, remoteChanges)

	// Merge starts from the base so fields neither side touched survive.
	merged := cloneRecord(cctx.BaseData)
	if merged == nil {
		merged = cloneRecord(cctx.RemoteData)
	}
	for _, f := range remoteChanges {
		merged[f] = cloneValue(cctx.RemoteData[f])
	}
	for _, f := range localChanges {
		merged[f] = cloneValue(cctx.LocalData[f])
	}

	if len(overlap) == 0 {
		out.Resolved = merged
		out.Strategy = StrategyFieldMerge
		out.ConflictType = ConflictDisjointFields
		return out
	}

	if cctx.LocalTimestamp.IsZero() || cctx.RemoteTimestamp.IsZero() {
		// No usable ordering; the syncing side keeps its overlapping edits
		// (they are already in merged).
		out.Resolved = merged
		out.Strategy = StrategyLocalWins
		out.ConflictType = ConflictMissingTimestamp
		return out
	}

	// Overlapping fields go to the strictly later writer.
	if cctx.RemoteTimestamp.After(cctx.LocalTimestamp) {
		for _, f := range overlap {
			merged[f] = cloneValue(cctx.RemoteData[f])
		}
	}
	out.Resolved = merged
	out.Strategy = StrategyLatestWins
	out.ConflictType = ConflictOverlappingFields
	return out
}

func (r *Resolver) finish(resolution *ConflictResolution) *ConflictResolution {
	resolution.ResolvedAt = time.Now().UTC()

	r.mu.Lock()
	r.total++
	r.byType[resolution.ConflictType]++
	r.history = append(r.history, *resolution)
	if len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
	r.mu.Unlock()

	r.logger.Debug("Conflict resolved",
		"table", resolution.Table, "pk", resolution.RecordID,
		"strategy", resolution.Strategy, "type", resolution.ConflictType)
	return resolution
}

// GetConflictStats returns aggregate resolution counts.
func (r *Resolver) GetConflictStats() ConflictStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := ConflictStats{
		Total:    r.total,
		Resolved: r.total,
		ByType:   make(map[ConflictType]int, len(r.byType)),
	}
	for k, n := range r.byType {
		stats.ByType[k] = n
	}
	cutoff := time.Now().UTC().Add(-r.recentWindow)
	for _, res := range r.history {
		if res.ResolvedAt.After(cutoff) {
			stats.Recent++
		}
	}
	return stats
}

// GetConflictHistory returns a copy of the bounded rolling history.
func (r *Resolver) GetConflictHistory() []ConflictResolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConflictResolution, len(r.history))
	copy(out, r.history)
	return out
}

// ClearHistory resets both the history and the aggregate statistics.
func (r *Resolver) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
	r.byType = make(map[ConflictType]int)
	r.total = 0
}

// changedFields lists fields that differ between base and side, including
// fields only present on one of them. The updatedAt bookkeeping field is
// excluded; it moves on every write and would make all edits overlap.
func changedFields(base, side map[string]any) []string {
	var fields []string
	for k, v := range side {
		if k == "updatedAt" || k == "id" {
			continue
		}
		if base == nil || !reflect.DeepEqual(base[k], v) {
			fields = append(fields, k)
		}
	}
	for k := range base {
		if k == "updatedAt" || k == "id" {
			continue
		}
		if _, ok := side[k]; !ok {
			fields = append(fields, k)
		}
	}
	return fields
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
