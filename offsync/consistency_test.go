// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"testing"
	"time"
)

func issuesOfKind(issues []ConsistencyIssue, kind string) []ConsistencyIssue {
	var out []ConsistencyIssue
	for _, issue := range issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

func TestConsistencyFindsOrphanedReference(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	ds := Dataset{
		"transactions": {
			{"id": "t1", "amount": 10.0, "categoryId": "cat-gone"},
			{"id": "t2", "amount": 10.0, "categoryId": "cat-1"},
		},
		"categories": {{"id": "cat-1", "name": "Food"}},
	}

	issues := v.CheckDataConsistency(context.Background(), "transactions", ds["transactions"], ds)
	orphans := issuesOfKind(issues, IssueOrphanedReference)
	if len(orphans) != 1 {
		t.Fatalf("expected one orphan, got %v", issues)
	}
	if orphans[0].RecordID != "t1" || orphans[0].Severity != SeverityError {
		t.Fatalf("unexpected orphan finding %+v", orphans[0])
	}
}

func TestConsistencyFindsDuplicateIDs(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	records := []map[string]any{
		{"id": "t1", "amount": 1.0},
		{"id": "t1", "amount": 2.0},
		{"id": "t2", "amount": 3.0},
	}

	issues := v.CheckDataConsistency(context.Background(), "transactions", records, Dataset{})
	if got := issuesOfKind(issues, IssueDuplicateID); len(got) != 1 {
		t.Fatalf("expected one duplicate finding, got %v", issues)
	}
}

func TestConsistencyFlagsFutureTimestamps(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	farFuture := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	nearNow := time.Now().UTC().Add(10 * time.Second).Format(time.RFC3339)
	records := []map[string]any{
		{"id": "t1", "date": farFuture},
		{"id": "t2", "date": nearNow}, // within the skew allowance
	}

	issues := v.CheckDataConsistency(context.Background(), "transactions", records, Dataset{})
	future := issuesOfKind(issues, IssueFutureTimestamp)
	if len(future) != 1 || future[0].RecordID != "t1" {
		t.Fatalf("expected one future-timestamp warning for t1, got %v", issues)
	}
	if future[0].Severity != SeverityWarning {
		t.Fatalf("future timestamps are warnings, got %s", future[0].Severity)
	}
}

func TestConsistencyBalanceMismatch(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	ds := Dataset{
		"accounts": {
			{"id": "a1", "name": "Checking", "balance": 100.0},
			{"id": "a2", "name": "Savings", "balance": 30.0},
			{"id": "a3", "name": "Untracked", "balance": 999.0}, // no transactions
		},
		"transactions": {
			{"id": "t1", "amount": 60.0, "accountId": "a1"},
			{"id": "t2", "amount": 15.0, "accountId": "a1"}, // a1 sums to 75, not 100
			{"id": "t3", "amount": 30.0, "accountId": "a2"},
		},
	}

	issues := v.CheckDataConsistency(context.Background(), "accounts", ds["accounts"], ds)
	mismatches := issuesOfKind(issues, IssueBalanceMismatch)
	if len(mismatches) != 1 || mismatches[0].RecordID != "a1" {
		t.Fatalf("expected one mismatch on a1, got %v", issues)
	}
}

func TestConsistencyBalanceTolerance(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	ds := Dataset{
		"accounts":     {{"id": "a1", "name": "Checking", "balance": 0.30000000000000004}},
		"transactions": {{"id": "t1", "amount": 0.1, "accountId": "a1"}, {"id": "t2", "amount": 0.2, "accountId": "a1"}},
	}

	issues := v.CheckDataConsistency(context.Background(), "accounts", ds["accounts"], ds)
	if got := issuesOfKind(issues, IssueBalanceMismatch); len(got) != 0 {
		t.Fatalf("sub-cent drift must be tolerated, got %v", got)
	}
}

func TestCheckDeleteImpact(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	ds := Dataset{
		"transactions": {
			{"id": "t1", "categoryId": "cat-1"},
			{"id": "t2", "categoryId": "cat-1"},
			{"id": "t3", "categoryId": "cat-2"},
		},
	}

	issue := v.CheckDeleteImpact("categories", "cat-1", ds)
	if issue == nil {
		t.Fatal("expected a still-referenced warning")
	}
	if issue.References != 2 || issue.Severity != SeverityWarning {
		t.Fatalf("unexpected impact finding %+v", issue)
	}

	if v.CheckDeleteImpact("categories", "cat-2", Dataset{}) != nil {
		t.Fatal("unreferenced entity must report no impact")
	}
}

func TestCheckBatchConsistencyAggregates(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	ds := Dataset{
		"transactions": {
			{"id": "t1", "amount": 10.0, "categoryId": "cat-gone"}, // error
		},
		"categories": {{"id": "c1", "name": "Food"}},
		"receipts":   {{"id": "r1"}}, // no schema, skipped
	}

	report := v.CheckBatchConsistency(context.Background(), ds)
	if report.TablesChecked != 2 {
		t.Fatalf("tables checked = %d, want 2", report.TablesChecked)
	}
	if report.RecordsChecked != 2 {
		t.Fatalf("records checked = %d, want 2", report.RecordsChecked)
	}
	if report.Errors != 1 || report.Warnings != 0 {
		t.Fatalf("errors=%d warnings=%d, want 1/0", report.Errors, report.Warnings)
	}
}

func TestRepairBatchDataPerRecordOutcomes(t *testing.T) {
	v := newTestValidator(t, ValidatorConfig{})
	records := []map[string]any{
		{"id": "t1", "amount": "12.00"},     // repairable
		{"id": "t2", "amount": 5.0},         // clean
		{"id": "t3", "amount": "not money"}, // fails, must not stop the batch
		{"id": "t4", "amount": "3.50"},      // repairable, after the failure
	}

	report, err := v.RepairBatchData(context.Background(), "transactions", records)
	if err != nil {
		t.Fatalf("batch repair: %v", err)
	}
	if report.Repaired != 2 || report.Clean != 1 || report.Failed != 1 {
		t.Fatalf("repaired=%d clean=%d failed=%d, want 2/1/1", report.Repaired, report.Clean, report.Failed)
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(report.Outcomes))
	}
	if report.Outcomes[2].Success {
		t.Fatal("t3 outcome must be a failure")
	}
}
