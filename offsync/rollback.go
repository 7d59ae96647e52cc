// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RollbackEntry records one reversible change applied to a record.
type RollbackEntry struct {
	Table      string         `json:"table"`
	Operation  string         `json:"operation"`
	BeforeData map[string]any `json:"before_data"`
	AfterData  map[string]any `json:"after_data"`
}

// RollbackPoint is a durable, short-lived snapshot taken before an
// auto-repair or conflict resolution mutates a record.
type RollbackPoint struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Entries     []RollbackEntry `json:"entries"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RollbackStore keeps a bounded number of rollback points in the local
// database, evicting oldest first.
type RollbackStore struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
}

// NewRollbackStore creates a rollback store retaining at most limit points.
func NewRollbackStore(db *sql.DB, limit int, logger *slog.Logger) *RollbackStore {
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackStore{db: db, limit: limit, logger: logger}
}

// Initialize creates the durable rollback table. Idempotent.
func (rs *RollbackStore) Initialize(ctx context.Context) error {
	_, err := rs.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _sync_rollback_points (
			rollback_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			entries     TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create rollback table: %w", err)
	}
	return nil
}

// Create persists a new rollback point and prunes beyond the retention
// limit. Returns the rollback id.
func (rs *RollbackStore) Create(ctx context.Context, description string, entries []RollbackEntry) (string, error) {
	id := uuid.New().String()
	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal rollback entries: %w", err)
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin rollback transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_rollback_points (rollback_id, description, entries, created_at)
		VALUES (?, ?, ?, ?)`,
		id, description, string(encoded), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to insert rollback point: %w", err)
	}

	// Oldest evicted first once over the retention limit.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM _sync_rollback_points
		WHERE rollback_id NOT IN (
			SELECT rollback_id FROM _sync_rollback_points
			ORDER BY created_at DESC, rollback_id DESC
			LIMIT ?
		)`, rs.limit)
	if err != nil {
		return "", fmt.Errorf("failed to prune rollback points: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit rollback point: %w", err)
	}
	return id, nil
}

// Get loads a rollback point by id; unknown ids are a clear error.
func (rs *RollbackStore) Get(ctx context.Context, id string) (*RollbackPoint, error) {
	var (
		point     RollbackPoint
		entries   string
		createdAt string
	)
	err := rs.db.QueryRowContext(ctx, `
		SELECT rollback_id, description, entries, created_at
		FROM _sync_rollback_points WHERE rollback_id = ?`, id).
		Scan(&point.ID, &point.Description, &entries, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown rollback id %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rollback point: %w", err)
	}
	if err := json.Unmarshal([]byte(entries), &point.Entries); err != nil {
		return nil, fmt.Errorf("corrupted rollback point %s: %w", id, err)
	}
	point.Timestamp = parseStoredTime(createdAt)
	return &point, nil
}

// Delete removes a rollback point once consumed.
func (rs *RollbackStore) Delete(ctx context.Context, id string) error {
	if _, err := rs.db.ExecContext(ctx,
		`DELETE FROM _sync_rollback_points WHERE rollback_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rollback point: %w", err)
	}
	return nil
}

// List returns all retained rollback points, newest first.
func (rs *RollbackStore) List(ctx context.Context) ([]RollbackPoint, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT rollback_id, description, entries, created_at
		FROM _sync_rollback_points
		ORDER BY created_at DESC, rollback_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback points: %w", err)
	}
	defer rows.Close()

	var points []RollbackPoint
	for rows.Next() {
		var (
			point     RollbackPoint
			entries   string
			createdAt string
		)
		if err := rows.Scan(&point.ID, &point.Description, &entries, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollback point: %w", err)
		}
		if err := json.Unmarshal([]byte(entries), &point.Entries); err != nil {
			rs.logger.Warn("Skipping corrupted rollback point", "id", point.ID, "error", err)
			continue
		}
		point.Timestamp = parseStoredTime(createdAt)
		points = append(points, point)
	}
	return points, rows.Err()
}
