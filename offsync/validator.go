// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Validation error sentinels for classification.
var (
	ErrNilRecord        = errors.New("nil_record")
	ErrCircularPayload  = errors.New("circular_payload")
	ErrOversizedPayload = errors.New("oversized_payload")
	ErrUnknownTable     = errors.New("unknown_table")
)

var colorPattern = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// ValidationError is a blocking problem; the record cannot be persisted or
// transmitted as-is.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationWarning describes an auto-repaired, non-blocking problem.
type ValidationWarning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RepairChange enumerates one field altered by auto-repair.
type RepairChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
	Reason string `json:"reason"`
}

// RepairReport enumerates every field change an auto-repair applied.
type RepairReport struct {
	Changes []RepairChange `json:"changes"`
}

// ValidationResult is the outcome of validating one record.
type ValidationResult struct {
	IsValid       bool                `json:"is_valid"`
	Errors        []ValidationError   `json:"errors"`
	Warnings      []ValidationWarning `json:"warnings"`
	RepairedData  map[string]any      `json:"repaired_data,omitempty"`
	CanAutoRepair bool                `json:"can_auto_repair"`
	RepairReport  *RepairReport       `json:"repair_report,omitempty"`
}

// RepairOutcome is the result of committing an auto-repair.
type RepairOutcome struct {
	Success        bool           `json:"success"`
	RepairsApplied []string       `json:"repairs_applied"`
	RepairedData   map[string]any `json:"repaired_data,omitempty"`
	RollbackID     string         `json:"rollback_id,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ReferenceChecker answers whether a foreign-key target exists.
type ReferenceChecker interface {
	Exists(ctx context.Context, table, id string) (bool, error)
}

// ValidationRecord is one bounded-history entry for diagnostics.
type ValidationRecord struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	Operation OpType    `json:"operation"`
	IsValid   bool      `json:"is_valid"`
	Errors    int       `json:"errors"`
	Warnings  int       `json:"warnings"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidatorConfig holds configuration for the data validator.
type ValidatorConfig struct {
	Schemas           map[string]TableSchema
	References        ReferenceChecker  // nil skips referential checks
	ReferenceDefaults map[string]string // table → substitute id for broken FKs
	MaxPayloadBytes   int               // default 256 KiB
	HistoryLimit      int               // default 50
}

// Validator validates and, where possible, auto-repairs records against the
// table schemas before they are persisted or transmitted.
type Validator struct {
	config    ValidatorConfig
	rollbacks *RollbackStore
	logger    *slog.Logger

	mu      sync.Mutex
	history []ValidationRecord
}

// NewValidator creates a validator. The rollback store may be nil when
// repairs never need to be committed (validation-only use).
func NewValidator(config ValidatorConfig, rollbacks *RollbackStore, logger *slog.Logger) *Validator {
	if config.Schemas == nil {
		config.Schemas = DefaultSchemas()
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = 256 * 1024
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{config: config, rollbacks: rollbacks, logger: logger}
}

// ValidateData validates one record for the given operation. Repairable
// problems leave IsValid true with warnings and RepairedData populated;
// fatal problems set IsValid false.
func (v *Validator) ValidateData(ctx context.Context, table string, record map[string]any, op OpType) *ValidationResult {
	result := &ValidationResult{IsValid: true}
	defer v.record(table, record, op, result)

	schema, ok := v.config.Schemas[table]
	if !ok {
		result.fail("", fmt.Sprintf("%v: %s", ErrUnknownTable, table))
		return result
	}
	if record == nil {
		result.fail("", ErrNilRecord.Error())
		return result
	}
	if hasCycle(record) {
		result.fail("", ErrCircularPayload.Error())
		return result
	}
	if size, err := payloadSize(record); err != nil {
		result.fail("", fmt.Sprintf("payload not serializable: %v", err))
		return result
	} else if size > v.config.MaxPayloadBytes {
		result.fail("", fmt.Sprintf("%v: %d > %d bytes", ErrOversizedPayload, size, v.config.MaxPayloadBytes))
		return result
	}

	repaired, report := v.normalizeKeys(&schema, record, result)

	v.checkIdentity(ctx, table, repaired, op, result)
	if op == OpDelete {
		// DELETE carries no payload beyond identity.
		v.finish(result, repaired, report)
		return result
	}

	for i := range schema.Fields {
		v.checkField(&schema.Fields[i], repaired, op, report, result)
	}
	v.checkReferences(ctx, &schema, repaired, report, result)

	v.finish(result, repaired, report)
	return result
}

// normalizeKeys folds snake_case payload keys to the schema's canonical
// names, warning on each translation.
func (v *Validator) normalizeKeys(schema *TableSchema, record map[string]any, result *ValidationResult) (map[string]any, *RepairReport) {
	report := &RepairReport{}
	out := make(map[string]any, len(record))
	for k, val := range record {
		canonical := canonicalKey(schema, k)
		if canonical != k {
			result.warn(canonical, fmt.Sprintf("renamed field %q to %q", k, canonical))
			report.Changes = append(report.Changes, RepairChange{
				Field: canonical, Before: k, After: canonical, Reason: "key normalization",
			})
		}
		out[canonical] = cloneValue(val)
	}
	return out, report
}

func (v *Validator) checkIdentity(ctx context.Context, table string, record map[string]any, op OpType, result *ValidationResult) {
	id := recordIDOf(record)
	if id == "" {
		switch op {
		case OpUpdate, OpDelete:
			result.fail("id", fmt.Sprintf("missing id on %s", op))
		default:
			result.fail("id", "missing id on INSERT")
		}
		return
	}
	if op == OpInsert && v.config.References != nil {
		exists, err := v.config.References.Exists(ctx, table, id)
		if err != nil {
			v.logger.Warn("Uniqueness check failed", "table", table, "id", id, "error", err)
			return
		}
		if exists {
			result.fail("id", fmt.Sprintf("duplicate id %s on INSERT", id))
		}
	}
}

func (v *Validator) checkField(field *FieldSchema, record map[string]any, op OpType, report *RepairReport, result *ValidationResult) {
	raw, present := record[field.Name]
	if !present || raw == nil {
		// UPDATE payloads are partial; presence is only enforced for INSERT.
		if field.Required && op == OpInsert {
			result.fail(field.Name, "required field missing")
		}
		return
	}

	switch field.Kind {
	case KindNumber:
		num, repaired, ok := coerceNumber(raw)
		if !ok {
			result.fail(field.Name, fmt.Sprintf("not a number: %v", raw))
			return
		}
		if repaired {
			result.warn(field.Name, "coerced numeric string to number")
			report.Changes = append(report.Changes, RepairChange{
				Field: field.Name, Before: raw, After: num, Reason: "numeric coercion",
			})
			record[field.Name] = num
		}
		if math.IsNaN(num) || math.IsInf(num, 0) {
			result.fail(field.Name, "must be finite")
			return
		}
		if field.Positive && num <= 0 {
			result.fail(field.Name, "must be positive")
		}

	case KindString:
		s, ok := raw.(string)
		if !ok {
			result.fail(field.Name, fmt.Sprintf("not a string: %T", raw))
			return
		}
		if trimmed := strings.TrimSpace(s); trimmed != s {
			result.warn(field.Name, "trimmed surrounding whitespace")
			report.Changes = append(report.Changes, RepairChange{
				Field: field.Name, Before: s, After: trimmed, Reason: "trim",
			})
			record[field.Name] = trimmed
			s = trimmed
		}
		if field.MaxLen > 0 && len(s) > field.MaxLen {
			// Deliberately not auto-truncated: silently dropping user text
			// would lose intent.
			result.fail(field.Name, fmt.Sprintf("exceeds %d characters", field.MaxLen))
			return
		}
		if field.Required && s == "" {
			result.fail(field.Name, "required field empty")
			return
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			result.fail(field.Name, fmt.Sprintf("must be one of %v", field.Enum))
		}

	case KindTimestamp:
		s, ok := raw.(string)
		if !ok {
			result.fail(field.Name, fmt.Sprintf("not a timestamp string: %T", raw))
			return
		}
		normalized, repaired, ok := normalizeTimestamp(s)
		if !ok {
			result.fail(field.Name, fmt.Sprintf("unparsable date %q", s))
			return
		}
		if repaired {
			result.warn(field.Name, "completed date-only value to a full timestamp")
			report.Changes = append(report.Changes, RepairChange{
				Field: field.Name, Before: s, After: normalized, Reason: "date completion",
			})
			record[field.Name] = normalized
		}

	case KindColor:
		s, ok := raw.(string)
		if !ok {
			result.fail(field.Name, fmt.Sprintf("not a color string: %T", raw))
			return
		}
		normalized := strings.ToLower(strings.TrimSpace(s))
		if normalized != "" && !strings.HasPrefix(normalized, "#") {
			normalized = "#" + normalized
		}
		if normalized != s {
			result.warn(field.Name, "normalized color format")
			report.Changes = append(report.Changes, RepairChange{
				Field: field.Name, Before: s, After: normalized, Reason: "color normalization",
			})
			record[field.Name] = normalized
		}
		if normalized != "" && !colorPattern.MatchString(normalized) {
			result.fail(field.Name, fmt.Sprintf("invalid color %q, want #rrggbb", s))
		}

	case KindID:
		if _, ok := raw.(string); !ok {
			result.fail(field.Name, fmt.Sprintf("not an id string: %T", raw))
		}
	}
}

func (v *Validator) checkReferences(ctx context.Context, schema *TableSchema, record map[string]any, report *RepairReport, result *ValidationResult) {
	if v.config.References == nil {
		return
	}
	for i := range schema.Fields {
		field := &schema.Fields[i]
		if field.Refs == "" {
			continue
		}
		id, ok := record[field.Name].(string)
		if !ok || id == "" {
			continue
		}
		exists, err := v.config.References.Exists(ctx, field.Refs, id)
		if err != nil {
			v.logger.Warn("Referential check failed", "table", field.Refs, "id", id, "error", err)
			continue
		}
		if exists {
			continue
		}
		if fallback, ok := v.config.ReferenceDefaults[field.Refs]; ok && fallback != "" {
			result.warn(field.Name, fmt.Sprintf("unknown %s id %q replaced with default", field.Refs, id))
			report.Changes = append(report.Changes, RepairChange{
				Field: field.Name, Before: id, After: fallback, Reason: "default reference substitution",
			})
			record[field.Name] = fallback
		} else {
			result.fail(field.Name, fmt.Sprintf("references missing %s id %q", field.Refs, id))
		}
	}
}

// AutoRepairData applies the validator's repairs and commits them, creating
// a rollback point first so the change can be reversed.
func (v *Validator) AutoRepairData(ctx context.Context, table string, record map[string]any) (*RepairOutcome, error) {
	result := v.ValidateData(ctx, table, record, OpUpdate)
	if !result.IsValid {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return &RepairOutcome{Success: false, Error: strings.Join(msgs, "; ")}, nil
	}
	if len(result.Warnings) == 0 {
		return &RepairOutcome{Success: true, RepairedData: result.RepairedData}, nil
	}
	if v.rollbacks == nil {
		return nil, fmt.Errorf("no rollback store configured")
	}

	rollbackID, err := v.rollbacks.Create(ctx,
		fmt.Sprintf("auto-repair %s/%s", table, recordIDOf(record)),
		[]RollbackEntry{{
			Table:      table,
			Operation:  "auto-repair",
			BeforeData: cloneRecord(record),
			AfterData:  cloneRecord(result.RepairedData),
		}})
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback point: %w", err)
	}

	applied := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		applied = append(applied, w.Message)
	}
	return &RepairOutcome{
		Success:        true,
		RepairsApplied: applied,
		RepairedData:   result.RepairedData,
		RollbackID:     rollbackID,
	}, nil
}

// RollbackRepair restores the pre-repair snapshot for a rollback id and
// fails with a clear error when the id is unknown.
func (v *Validator) RollbackRepair(ctx context.Context, rollbackID string) (map[string]any, error) {
	if v.rollbacks == nil {
		return nil, fmt.Errorf("no rollback store configured")
	}
	point, err := v.rollbacks.Get(ctx, rollbackID)
	if err != nil {
		return nil, err
	}
	if len(point.Entries) == 0 {
		return nil, fmt.Errorf("rollback point %s has no entries", rollbackID)
	}
	before := cloneRecord(point.Entries[0].BeforeData)
	if err := v.rollbacks.Delete(ctx, rollbackID); err != nil {
		return nil, err
	}
	return before, nil
}

// ExecuteRollback is RollbackRepair under its diagnostics-surface name.
func (v *Validator) ExecuteRollback(ctx context.Context, rollbackID string) (map[string]any, error) {
	return v.RollbackRepair(ctx, rollbackID)
}

// GetValidationHistory returns the bounded validation history, newest last.
func (v *Validator) GetValidationHistory() []ValidationRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ValidationRecord, len(v.history))
	copy(out, v.history)
	return out
}

func (v *Validator) finish(result *ValidationResult, repaired map[string]any, report *RepairReport) {
	if !result.IsValid {
		return
	}
	result.RepairedData = repaired
	if len(result.Warnings) > 0 {
		result.CanAutoRepair = true
		result.RepairReport = report
	}
}

func (v *Validator) record(table string, record map[string]any, op OpType, result *ValidationResult) {
	entry := ValidationRecord{
		Table:     table,
		RecordID:  recordIDOf(record),
		Operation: op,
		IsValid:   result.IsValid,
		Errors:    len(result.Errors),
		Warnings:  len(result.Warnings),
		Timestamp: time.Now().UTC(),
	}
	v.mu.Lock()
	v.history = append(v.history, entry)
	if len(v.history) > v.config.HistoryLimit {
		v.history = v.history[len(v.history)-v.config.HistoryLimit:]
	}
	v.mu.Unlock()
}

func (r *ValidationResult) fail(field, message string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

func (r *ValidationResult) warn(field, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message})
}

// coerceNumber accepts native numbers and numeric strings; repaired reports
// whether a string was converted.
func coerceNumber(raw any) (num float64, repaired, ok bool) {
	switch t := raw.(type) {
	case float64:
		return t, false, true
	case float32:
		return float64(t), false, true
	case int:
		return float64(t), false, true
	case int64:
		return float64(t), false, true
	case json.Number:
		f, err := t.Float64()
		return f, false, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false, false
		}
		return f, true, true
	default:
		return 0, false, false
	}
}

// normalizeTimestamp parses an RFC 3339 timestamp, auto-completing date-only
// strings to midnight UTC.
func normalizeTimestamp(s string) (normalized string, repaired, ok bool) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return s, false, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC().Format(time.RFC3339), true, true
	}
	return "", false, false
}

func parseTimestamp(raw any) time.Time {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func payloadSize(record map[string]any) (int, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// hasCycle detects self-referencing payloads, which would otherwise hang
// JSON serialization.
func hasCycle(record map[string]any) bool {
	seen := make(map[any]bool)
	var walk func(v any) bool
	walk = func(v any) bool {
		switch t := v.(type) {
		case map[string]any:
			// Maps are not comparable; key by pointer identity via fmt.
			key := fmt.Sprintf("%p", t)
			if seen[key] {
				return true
			}
			seen[key] = true
			for _, e := range t {
				if walk(e) {
					return true
				}
			}
			delete(seen, key)
		case []any:
			for _, e := range t {
				if walk(e) {
					return true
				}
			}
		}
		return false
	}
	return walk(record)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
