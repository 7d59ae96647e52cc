// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
)

// ErrRowNotFound is returned by RemoteStore.Select when no record exists for
// the requested id.
var ErrRowNotFound = errors.New("row not found")

// RemoteStore is the backing store the engine reconciles against. Writes are
// expected to be idempotent upserts since the orchestrator retries with
// at-least-once semantics.
type RemoteStore interface {
	// Insert creates a record; repeated inserts for the same id must upsert.
	Insert(ctx context.Context, table string, record map[string]any) error

	// Update replaces the record with the given id.
	Update(ctx context.Context, table, id string, record map[string]any) error

	// Delete removes the record with the given id; deleting an absent row is
	// not an error.
	Delete(ctx context.Context, table, id string) error

	// Select fetches a single record by id, or ErrRowNotFound.
	Select(ctx context.Context, table, id string) (map[string]any, error)

	// SelectAll fetches every record in a table (diagnostics and
	// consistency checks).
	SelectAll(ctx context.Context, table string) ([]map[string]any, error)

	// Ping performs a lightweight read used as the reachability probe.
	Ping(ctx context.Context) error
}
