// Package pgstore implements the engine's RemoteStore against PostgreSQL.
// Records live one row per id as a JSONB payload, written with idempotent
// upserts so at-least-once retries stay safe.
//
// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/faheemho18/expense-tracker-sub001/offsync"
)

var tableNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Store is a Postgres-backed remote store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Connect opens a pool for the DSN and wraps it in a store.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return New(pool, logger)
}

// EnsureTables creates the payload tables for the given table names.
// Idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []string) error {
	for _, table := range tables {
		if err := validTableName(table); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q (
				id         TEXT PRIMARY KEY,
				payload    JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, table))
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	return nil
}

// Insert upserts a record keyed by its payload id.
func (s *Store) Insert(ctx context.Context, table string, record map[string]any) error {
	return s.upsert(ctx, table, record)
}

// Update upserts the record under the given id. An update for a row that
// vanished re-creates it, matching the idempotent upsert contract.
func (s *Store) Update(ctx context.Context, table, id string, record map[string]any) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	return s.upsert(ctx, table, record)
}

func (s *Store) upsert(ctx context.Context, table string, record map[string]any) error {
	if err := validTableName(table); err != nil {
		return err
	}
	id, _ := record["id"].(string)
	if id == "" {
		return fmt.Errorf("record missing id")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = now()`, table),
		id, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes a record; deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := validTableName(table); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Select fetches one record by id.
func (s *Store) Select(ctx context.Context, table, id string) (map[string]any, error) {
	if err := validTableName(table); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT payload FROM %q WHERE id = $1`, table), id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, offsync.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select %s/%s: %w", table, id, err)
	}
	var record map[string]any
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("corrupted payload for %s/%s: %w", table, id, err)
	}
	return record, nil
}

// SelectAll fetches every record of a table.
func (s *Store) SelectAll(ctx context.Context, table string) ([]map[string]any, error) {
	if err := validTableName(table); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT payload FROM %q ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", table, err)
	}
	defer rows.Close()

	var records []map[string]any
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan payload: %w", err)
		}
		var record map[string]any
		if err := json.Unmarshal(payload, &record); err != nil {
			s.logger.Warn("Skipping corrupted row", "table", table, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Ping is the lightweight reachability probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// IsRetryable reports whether a Postgres error is transient and worth a
// retry (serialization failures, deadlocks, lock timeouts).
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func validTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}
