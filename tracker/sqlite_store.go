// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

// DefaultQuotaBytes mirrors the per-origin quota of browser local storage
const DefaultQuotaBytes = 5 << 20

// SQLiteStore is a Store backed by a single SQLite table
type SQLiteStore struct {
	db         *sql.DB
	quotaBytes int64
	writeMu    sync.Mutex // serialize writes so the quota check and the write see the same total
	closed     atomic.Bool
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the store at path (":memory:" for tests).
// quotaBytes <= 0 selects DefaultQuotaBytes.
func OpenSQLiteStore(path string, quotaBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLiteStore(db, quotaBytes)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle and creates the key-value table
func NewSQLiteStore(db *sql.DB, quotaBytes int64) (*SQLiteStore, error) {
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return &SQLiteStore{db: db, quotaBytes: quotaBytes}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS _funnel_kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return fmt.Errorf("failed to create key-value table: %w", err)
	}
	return nil
}

// Close marks the store unavailable and closes the database
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Get returns the value stored under key
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStorageUnavailable
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _funnel_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapSQLiteError(err)
	}
	return value, true, nil
}

// Set replaces the value under key, failing with ErrQuotaExceeded when the
// store would grow past its quota
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrStorageUnavailable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer tx.Rollback()

	var used int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM _funnel_kv WHERE key <> ?`, key).Scan(&used)
	if err != nil {
		return mapSQLiteError(err)
	}
	if used+int64(len(key)+len(value)) > s.quotaBytes {
		return fmt.Errorf("write of %d bytes to %q: %w", len(value), key, ErrQuotaExceeded)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _funnel_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`, key, value)
	if err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(err)
	}
	return nil
}

// Delete removes key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrStorageUnavailable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _funnel_kv WHERE key = ?`, key); err != nil {
		return mapSQLiteError(err)
	}
	return nil
}

// mapSQLiteError converts driver failures into the store's sentinel errors
func mapSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%v: %w", err, ErrQuotaExceeded)
		case sqlite3.ErrCantOpen, sqlite3.ErrReadonly, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("%v: %w", err, ErrStorageUnavailable)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%v: %w", err, ErrStorageUnavailable)
	}
	return err
}

// unavailableStore stands in when no local store could be opened
type unavailableStore struct{}

func (unavailableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, ErrStorageUnavailable
}
func (unavailableStore) Set(context.Context, string, []byte) error { return ErrStorageUnavailable }
func (unavailableStore) Delete(context.Context, string) error { return ErrStorageUnavailable }
