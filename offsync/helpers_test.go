// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func openFileDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "queue.db")
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(openTestDB(t), nil)
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize queue: %v", err)
	}
	return q
}

// fakeStore is a scriptable in-memory RemoteStore.
type fakeStore struct {
	lock      sync.Mutex
	rows      map[string]map[string]map[string]any // table -> id -> record
	pingErr   error
	insertErr error
	updateErr error
	deleteErr error
	selectErr error
	calls     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]map[string]map[string]any)}
}

func (f *fakeStore) record(call string) {
	f.lock.Lock()
	f.calls = append(f.calls, call)
	f.lock.Unlock()
}

func (f *fakeStore) callCount(prefix string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeStore) put(table string, record map[string]any) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]map[string]any)
	}
	f.rows[table][record["id"].(string)] = cloneRecord(record)
}

func (f *fakeStore) get(table, id string) map[string]any {
	f.lock.Lock()
	defer f.lock.Unlock()
	return cloneRecord(f.rows[table][id])
}

func (f *fakeStore) Insert(ctx context.Context, table string, record map[string]any) error {
	f.record("insert:" + table)
	if f.insertErr != nil {
		return f.insertErr
	}
	f.put(table, record)
	return nil
}

func (f *fakeStore) Update(ctx context.Context, table, id string, record map[string]any) error {
	f.record("update:" + table)
	if f.updateErr != nil {
		return f.updateErr
	}
	f.put(table, record)
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, table, id string) error {
	f.record("delete:" + table)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.lock.Lock()
	delete(f.rows[table], id)
	f.lock.Unlock()
	return nil
}

func (f *fakeStore) Select(ctx context.Context, table, id string) (map[string]any, error) {
	f.record("select:" + table)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	f.lock.Lock()
	record, ok := f.rows[table][id]
	f.lock.Unlock()
	if !ok {
		return nil, ErrRowNotFound
	}
	return cloneRecord(record), nil
}

func (f *fakeStore) SelectAll(ctx context.Context, table string) ([]map[string]any, error) {
	f.record("selectall:" + table)
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []map[string]any
	for _, record := range f.rows[table] {
		out = append(out, cloneRecord(record))
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pingErr
}

func (f *fakeStore) setPingErr(err error) {
	f.lock.Lock()
	f.pingErr = err
	f.lock.Unlock()
}
