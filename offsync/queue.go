// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Queue is the durable, ordered log of pending local mutations. It is backed
// by a local SQLite database so the backlog survives process restarts.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger

	mu            sync.Mutex
	initialized   bool
	processing    bool
	lastProcessed time.Time

	listeners *listenerSet[QueueStatus]
}

// QueueStatus reports the queue's current shape.
type QueueStatus struct {
	TotalPending  int       `json:"total_pending"`
	IsProcessing  bool      `json:"is_processing"`
	LastProcessed time.Time `json:"last_processed"`
}

// NewQueue creates a queue over the given local database. Call Initialize
// before use.
func NewQueue(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:        db,
		logger:    logger,
		listeners: newListenerSet[QueueStatus](logger),
	}
}

// Initialize opens/creates the durable queue storage. Idempotent; the
// existing backlog is preserved across restarts.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return nil
	}

	if _, err := q.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _sync_pending_ops (
			op_id        TEXT PRIMARY KEY,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload      TEXT,
			original     TEXT,
			created_at   TEXT NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			last_attempt TEXT
		)`)
	if err != nil {
		return fmt.Errorf("failed to create pending ops table: %w", err)
	}
	q.initialized = true
	return nil
}

// Add persists one operation, coalescing it with any queued operation for
// the same (table, record id):
//   - queued INSERT + new UPDATE merges fields into the INSERT;
//   - queued INSERT + new DELETE removes the entry outright (the insert
//     never left the device);
//   - queued UPDATE/DELETE + new DELETE collapses to a single DELETE;
//   - queued DELETE + new INSERT or UPDATE becomes an UPDATE against the
//     original base;
//   - queued UPDATE + new UPDATE merges fields, keeping the earliest base.
func (q *Queue) Add(ctx context.Context, op *Operation) error {
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}
	if op.Table == "" || op.RecordID == "" {
		return fmt.Errorf("operation missing table or record id")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := q.loadForRecordInTx(ctx, tx, op.Table, op.RecordID)
	if err != nil {
		return err
	}

	if existing == nil {
		if err := q.insertInTx(ctx, tx, op); err != nil {
			return err
		}
	} else {
		merged, drop := coalesce(existing, op)
		if drop {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM _sync_pending_ops WHERE op_id = ?`, existing.ID); err != nil {
				return fmt.Errorf("failed to drop coalesced operation: %w", err)
			}
		} else {
			if err := q.rewriteInTx(ctx, tx, existing.ID, merged); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue add: %w", err)
	}
	q.notify(ctx)
	return nil
}

// coalesce merges a new operation into an existing queued entry for the same
// record. Returns the replacement entry, or drop=true when the pair cancels
// out entirely.
func coalesce(existing, incoming *Operation) (merged *Operation, drop bool) {
	switch {
	case incoming.Type == OpDelete && existing.Type == OpInsert:
		// Local-only insert followed by delete: nothing to transmit.
		return nil, true

	case incoming.Type == OpDelete:
		out := *existing
		out.Type = OpDelete
		out.Data = nil
		out.LastError = ""
		out.RetryCount = 0
		out.State = StatePending
		return &out, false

	case existing.Type == OpDelete:
		// Delete then re-add (or edit): the remote row still exists, so
		// this becomes an update against the pre-delete base. Folding the
		// new fields into the DELETE would silently discard them.
		out := *existing
		out.Type = OpUpdate
		out.Data = cloneRecord(incoming.Data)
		out.LastError = ""
		out.RetryCount = 0
		out.State = StatePending
		return &out, false

	default:
		// INSERT+UPDATE or UPDATE+UPDATE: newer fields win, entry keeps its
		// original type, base snapshot and queue position.
		out := *existing
		data := cloneRecord(existing.Data)
		if data == nil {
			data = make(map[string]any)
		}
		for k, v := range incoming.Data {
			data[k] = cloneValue(v)
		}
		out.Data = data
		out.LastError = ""
		out.RetryCount = 0
		out.State = StatePending
		return &out, false
	}
}

// GetPending returns the ordered backlog, oldest first, without removing it.
// Rows with unparsable payloads are skipped and logged, never fatal.
func (q *Queue) GetPending(ctx context.Context) ([]*Operation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT op_id, table_name, record_id, op, payload, original,
		       created_at, retry_count, last_error, last_attempt
		FROM _sync_pending_ops
		ORDER BY created_at, op_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := q.scanOperation(rows)
		if err != nil {
			q.logger.Warn("Skipping corrupted pending operation", "error", err)
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}

// DeduplicateOperations collapses redundant entries across the whole backlog
// so at most one entry remains per (table, record id). Add already coalesces
// on write; this pass repairs backlogs written by older versions or merged
// from another device, and runs before each drain cycle.
func (q *Queue) DeduplicateOperations(ctx context.Context) error {
	ops, err := q.GetPending(ctx)
	if err != nil {
		return err
	}

	type key struct{ table, record string }
	kept := make(map[key]*Operation)
	order := make([]key, 0, len(ops))
	var dropped []string

	for _, op := range ops {
		k := key{op.Table, op.RecordID}
		existing, ok := kept[k]
		if !ok {
			kept[k] = op
			order = append(order, k)
			continue
		}
		dropped = append(dropped, op.ID)
		merged, drop := coalesce(existing, op)
		if drop {
			dropped = append(dropped, existing.ID)
			delete(kept, k)
			continue
		}
		kept[k] = merged
	}

	if len(dropped) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dedup transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range dropped {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending_ops WHERE op_id = ?`, id); err != nil {
			return fmt.Errorf("failed to drop duplicate operation: %w", err)
		}
	}
	for _, k := range order {
		op, ok := kept[k]
		if !ok {
			continue
		}
		if err := q.rewriteInTx(ctx, tx, op.ID, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup: %w", err)
	}
	q.notify(ctx)
	return nil
}

// Update rewrites the retry bookkeeping for an existing entry.
func (q *Queue) Update(ctx context.Context, op *Operation) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE _sync_pending_ops
		SET retry_count = ?, last_error = ?, last_attempt = ?
		WHERE op_id = ?`,
		op.RetryCount, op.LastError, formatTime(op.LastAttempt), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("operation %s not found", op.ID)
	}
	return nil
}

// Remove deletes an entry by its operation id (not the record id).
func (q *Queue) Remove(ctx context.Context, opID string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM _sync_pending_ops WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}
	q.notify(ctx)
	return nil
}

// TryBeginProcessing atomically claims the drain flag. It returns false when
// a drain already holds the queue, so two cycles can never drain the same
// backlog concurrently.
func (q *Queue) TryBeginProcessing() bool {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return false
	}
	q.processing = true
	q.mu.Unlock()
	q.notify(context.Background())
	return true
}

// SetProcessing marks the mutual-exclusion flag gating drain cycles. Only
// one drain cycle may run at a time.
func (q *Queue) SetProcessing(processing bool) {
	q.mu.Lock()
	q.processing = processing
	if !processing {
		q.lastProcessed = time.Now().UTC()
	}
	q.mu.Unlock()
	q.notify(context.Background())
}

// IsProcessing reports whether a drain cycle currently holds the queue.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Status reports the queue's current shape.
func (q *Queue) Status(ctx context.Context) QueueStatus {
	var total int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_pending_ops`).Scan(&total); err != nil {
		q.logger.Warn("Failed to count pending operations", "error", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		TotalPending:  total,
		IsProcessing:  q.processing,
		LastProcessed: q.lastProcessed,
	}
}

// OnStatusChange registers a listener for queue status updates and returns
// an unsubscribe func.
func (q *Queue) OnStatusChange(cb func(QueueStatus)) func() {
	return q.listeners.Subscribe(cb)
}

func (q *Queue) notify(ctx context.Context) {
	q.listeners.Notify(q.Status(ctx))
}

func (q *Queue) loadForRecordInTx(ctx context.Context, tx *sql.Tx, table, recordID string) (*Operation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT op_id, table_name, record_id, op, payload, original,
		       created_at, retry_count, last_error, last_attempt
		FROM _sync_pending_ops
		WHERE table_name = ? AND record_id = ?
		ORDER BY created_at LIMIT 1`, table, recordID)
	op, err := q.scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queued operation: %w", err)
	}
	return op, nil
}

func (q *Queue) insertInTx(ctx context.Context, tx *sql.Tx, op *Operation) error {
	payload, original, err := encodePayloads(op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending_ops
			(op_id, table_name, record_id, op, payload, original, created_at, retry_count, last_error, last_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Table, op.RecordID, string(op.Type), payload, original,
		formatTime(op.Timestamp), op.RetryCount, op.LastError, formatTime(op.LastAttempt))
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (q *Queue) rewriteInTx(ctx context.Context, tx *sql.Tx, opID string, op *Operation) error {
	payload, original, err := encodePayloads(op)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_pending_ops
		SET op = ?, payload = ?, original = ?, retry_count = ?, last_error = ?, last_attempt = ?
		WHERE op_id = ?`,
		string(op.Type), payload, original, op.RetryCount, op.LastError,
		formatTime(op.LastAttempt), opID)
	if err != nil {
		return fmt.Errorf("failed to rewrite operation: %w", err)
	}
	return nil
}

func encodePayloads(op *Operation) (payload, original sql.NullString, err error) {
	if op.Data != nil {
		b, err := json.Marshal(op.Data)
		if err != nil {
			return payload, original, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	if op.OriginalData != nil {
		b, err := json.Marshal(op.OriginalData)
		if err != nil {
			return payload, original, fmt.Errorf("failed to marshal original snapshot: %w", err)
		}
		original = sql.NullString{String: string(b), Valid: true}
	}
	return payload, original, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (q *Queue) scanOperation(row rowScanner) (*Operation, error) {
	var (
		op          Operation
		opType      string
		payload     sql.NullString
		original    sql.NullString
		lastErr     sql.NullString
		createdAt   sql.NullString
		lastAttempt sql.NullString
	)
	if err := row.Scan(&op.ID, &op.Table, &op.RecordID, &opType, &payload,
		&original, &createdAt, &op.RetryCount, &lastErr, &lastAttempt); err != nil {
		return nil, err
	}
	op.Type = OpType(opType)
	op.LastError = lastErr.String
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &op.Data); err != nil {
			return nil, fmt.Errorf("corrupted payload for %s: %w", op.ID, err)
		}
	}
	if original.Valid {
		if err := json.Unmarshal([]byte(original.String), &op.OriginalData); err != nil {
			return nil, fmt.Errorf("corrupted original snapshot for %s: %w", op.ID, err)
		}
	}
	op.Timestamp = parseStoredTime(createdAt.String)
	op.LastAttempt = parseStoredTime(lastAttempt.String)
	if op.RetryCount > 0 {
		op.State = StateRetrying
	}
	return &op, nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
