// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Dataset is a whole-dataset view keyed by table name, used for
// cross-record consistency checks.
type Dataset map[string][]map[string]any

// IssueSeverity classifies a consistency finding.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// ConsistencyIssue is one finding from a consistency check.
type ConsistencyIssue struct {
	Severity   IssueSeverity `json:"severity"`
	Table      string        `json:"table"`
	RecordID   string        `json:"record_id"`
	Kind       string        `json:"kind"`
	Message    string        `json:"message"`
	References int           `json:"references,omitempty"`
}

// Consistency issue kinds.
const (
	IssueOrphanedReference = "orphaned_reference"
	IssueDuplicateID       = "duplicate_id"
	IssueFutureTimestamp   = "future_timestamp"
	IssueBalanceMismatch   = "balance_mismatch"
	IssueStillReferenced   = "still_referenced"
)

// CheckDataConsistency runs whole-dataset checks for one table against the
// provided dataset: orphaned references, duplicate ids, timestamps in the
// future, and account balance vs transaction sum mismatches.
func (v *Validator) CheckDataConsistency(ctx context.Context, table string, records []map[string]any, ds Dataset) []ConsistencyIssue {
	var issues []ConsistencyIssue
	schema, ok := v.config.Schemas[table]
	if !ok {
		return []ConsistencyIssue{{
			Severity: SeverityError, Table: table, Kind: IssueOrphanedReference,
			Message: fmt.Sprintf("no schema for table %s", table),
		}}
	}

	ids := make(map[string]bool, len(records))
	now := time.Now().UTC().Add(time.Minute) // small skew allowance
	for _, record := range records {
		id := recordIDOf(record)
		if id != "" {
			if ids[id] {
				issues = append(issues, ConsistencyIssue{
					Severity: SeverityError, Table: table, RecordID: id,
					Kind: IssueDuplicateID, Message: fmt.Sprintf("duplicate id %s", id),
				})
			}
			ids[id] = true
		}

		for i := range schema.Fields {
			field := &schema.Fields[i]
			switch {
			case field.Refs != "":
				ref, ok := record[field.Name].(string)
				if !ok || ref == "" {
					continue
				}
				if !datasetHasID(ds, field.Refs, ref) {
					issues = append(issues, ConsistencyIssue{
						Severity: SeverityError, Table: table, RecordID: id,
						Kind:    IssueOrphanedReference,
						Message: fmt.Sprintf("%s references missing %s id %q", field.Name, field.Refs, ref),
					})
				}
			case field.Kind == KindTimestamp:
				ts := parseTimestamp(record[field.Name])
				if !ts.IsZero() && ts.After(now) {
					issues = append(issues, ConsistencyIssue{
						Severity: SeverityWarning, Table: table, RecordID: id,
						Kind:    IssueFutureTimestamp,
						Message: fmt.Sprintf("%s is in the future (%s)", field.Name, ts.Format(time.RFC3339)),
					})
				}
			}
		}
	}

	if table == "accounts" {
		issues = append(issues, checkBalances(records, ds["transactions"])...)
	}
	return issues
}

// CheckDeleteImpact reports how many records still reference the entity
// being deleted. The finding is a warning surfaced to the caller, never a
// block on the delete itself.
func (v *Validator) CheckDeleteImpact(table, id string, ds Dataset) *ConsistencyIssue {
	count := 0
	for refTable, schema := range v.config.Schemas {
		for i := range schema.Fields {
			field := &schema.Fields[i]
			if field.Refs != table {
				continue
			}
			for _, record := range ds[refTable] {
				if ref, ok := record[field.Name].(string); ok && ref == id {
					count++
				}
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &ConsistencyIssue{
		Severity: SeverityWarning, Table: table, RecordID: id,
		Kind:       IssueStillReferenced,
		Message:    fmt.Sprintf("still referenced by %d records", count),
		References: count,
	}
}

// BatchConsistencyReport aggregates findings across a dataset.
type BatchConsistencyReport struct {
	TablesChecked  int                `json:"tables_checked"`
	RecordsChecked int                `json:"records_checked"`
	Errors         int                `json:"errors"`
	Warnings       int                `json:"warnings"`
	Issues         []ConsistencyIssue `json:"issues"`
}

// CheckBatchConsistency runs CheckDataConsistency across every table of the
// dataset and aggregates counts.
func (v *Validator) CheckBatchConsistency(ctx context.Context, ds Dataset) *BatchConsistencyReport {
	report := &BatchConsistencyReport{}
	for table, records := range ds {
		if _, ok := v.config.Schemas[table]; !ok {
			continue
		}
		report.TablesChecked++
		report.RecordsChecked += len(records)
		for _, issue := range v.CheckDataConsistency(ctx, table, records, ds) {
			report.Issues = append(report.Issues, issue)
			if issue.Severity == SeverityError {
				report.Errors++
			} else {
				report.Warnings++
			}
		}
	}
	return report
}

// BatchRepairReport aggregates per-record repair outcomes. Partial failure
// stays per-record, never all-or-nothing.
type BatchRepairReport struct {
	Repaired int             `json:"repaired"`
	Clean    int             `json:"clean"`
	Failed   int             `json:"failed"`
	Outcomes []RepairOutcome `json:"outcomes"`
}

// RepairBatchData auto-repairs every record of one table, aggregating
// per-record outcomes.
func (v *Validator) RepairBatchData(ctx context.Context, table string, records []map[string]any) (*BatchRepairReport, error) {
	report := &BatchRepairReport{}
	for _, record := range records {
		outcome, err := v.AutoRepairData(ctx, table, record)
		if err != nil {
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, *outcome)
		switch {
		case !outcome.Success:
			report.Failed++
		case len(outcome.RepairsApplied) > 0:
			report.Repaired++
		default:
			report.Clean++
		}
	}
	return report, nil
}

func checkBalances(accounts, transactions []map[string]any) []ConsistencyIssue {
	var issues []ConsistencyIssue
	sums := make(map[string]float64)
	for _, txn := range transactions {
		accountID, _ := txn["accountId"].(string)
		if accountID == "" {
			continue
		}
		if amount, _, ok := coerceNumber(txn["amount"]); ok {
			sums[accountID] += amount
		}
	}
	for _, account := range accounts {
		id := recordIDOf(account)
		balance, _, ok := coerceNumber(account["balance"])
		if !ok {
			continue
		}
		sum, tracked := sums[id]
		if !tracked {
			continue
		}
		if math.Abs(balance-sum) > 0.005 {
			issues = append(issues, ConsistencyIssue{
				Severity: SeverityWarning, Table: "accounts", RecordID: id,
				Kind:    IssueBalanceMismatch,
				Message: fmt.Sprintf("balance %.2f does not match transaction sum %.2f", balance, sum),
			})
		}
	}
	return issues
}

func datasetHasID(ds Dataset, table, id string) bool {
	for _, record := range ds[table] {
		if recordIDOf(record) == id {
			return true
		}
	}
	return false
}
