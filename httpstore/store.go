// Package httpstore implements the engine's RemoteStore over an HTTP+JSON
// API with JWT bearer authentication. Every response is a {data, error}
// envelope; a populated error field is surfaced as a Go error.
//
// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/faheemho18/expense-tracker-sub001/offsync"
)

// TokenFunc supplies the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Store is an HTTP-backed remote store.
type Store struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// envelope is the wire format every endpoint returns.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// New creates an HTTP remote store.
func New(baseURL string, token TokenFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Insert creates (or idempotently re-creates) a record.
func (s *Store) Insert(ctx context.Context, table string, record map[string]any) error {
	_, err := s.do(ctx, http.MethodPost, s.recordsURL(table), record)
	return err
}

// Update replaces the record with the given id.
func (s *Store) Update(ctx context.Context, table, id string, record map[string]any) error {
	_, err := s.do(ctx, http.MethodPut, s.recordURL(table, id), record)
	return err
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	_, err := s.do(ctx, http.MethodDelete, s.recordURL(table, id), nil)
	return err
}

// Select fetches a single record by id, or offsync.ErrRowNotFound.
func (s *Store) Select(ctx context.Context, table, id string) (map[string]any, error) {
	data, err := s.do(ctx, http.MethodGet, s.recordURL(table, id), nil)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return record, nil
}

// SelectAll fetches every record in a table.
func (s *Store) SelectAll(ctx context.Context, table string) ([]map[string]any, error) {
	data, err := s.do(ctx, http.MethodGet, s.recordsURL(table), nil)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// Ping performs a lightweight health read used as the reachability probe.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, s.BaseURL+"/health", nil)
	return err
}

func (s *Store) recordsURL(table string) string {
	return fmt.Sprintf("%s/tables/%s/records", s.BaseURL, url.PathEscape(table))
}

func (s *Store) recordURL(table, id string) string {
	return fmt.Sprintf("%s/tables/%s/records/%s", s.BaseURL,
		url.PathEscape(table), url.PathEscape(id))
}

func (s *Store) do(ctx context.Context, method, requestURL string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, offsync.ErrRowNotFound
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
		}
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("server error: %s", env.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return env.Data, nil
}
