// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpType identifies the kind of mutation an operation carries.
type OpType string

const (
	OpInsert OpType = "INSERT"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// OpState tracks where an operation is in its delivery lifecycle.
// Transitions: Pending -> InFlight -> Succeeded, Retrying (back to
// InFlight on the next due cycle), or PermanentlyFailed at the retry
// ceiling.
type OpState int

const (
	StatePending OpState = iota
	StateInFlight
	StateRetrying
	StateSucceeded
	StatePermanentlyFailed
)

func (s OpState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Operation is a single queued local mutation awaiting transmission to the
// remote store. It is owned by the Queue from creation until removal.
type Operation struct {
	ID           string         // operation id, stable across retries for idempotency
	Type         OpType         // INSERT, UPDATE or DELETE
	Table        string         // target table name
	RecordID     string         // canonical record identity (payload "id")
	Data         map[string]any // target record payload (nil for DELETE)
	OriginalData map[string]any // snapshot at mutation time (UPDATE/DELETE), conflict base
	Timestamp    time.Time      // creation time
	RetryCount   int
	LastError    string
	LastAttempt  time.Time // zero until first transmission attempt
	State        OpState
}

// NewOperation builds an operation for the given mutation. The record id is
// taken from the payload for INSERT/UPDATE, or from the original snapshot
// for DELETE.
func NewOperation(opType OpType, table string, data, original map[string]any) *Operation {
	recordID := recordIDOf(data)
	if recordID == "" {
		recordID = recordIDOf(original)
	}
	return &Operation{
		ID:           uuid.New().String(),
		Type:         opType,
		Table:        table,
		RecordID:     recordID,
		Data:         cloneRecord(data),
		OriginalData: cloneRecord(original),
		Timestamp:    time.Now().UTC(),
		State:        StatePending,
	}
}

// recordIDOf extracts the canonical "id" field from a payload.
func recordIDOf(record map[string]any) string {
	if record == nil {
		return ""
	}
	if id, ok := record["id"].(string); ok {
		return id
	}
	return ""
}

// backoffFor returns the delay before retry attempt n as a pure function of
// the attempt count: min doubled per attempt, capped at max.
func backoffFor(n int, min, max time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := min
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// cloneRecord returns a copy of a record payload so callers never share a
// live reference with queue or subscriber state. Nested objects and arrays
// are copied recursively (payloads are JSON-shaped).
func cloneRecord(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneRecord(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
