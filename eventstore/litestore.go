// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLiteStore is a file-backed Sink for local development and single-node
// deployments where running Postgres is not worth it.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Sink.
var _ Sink = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path; ":memory:" works for tests
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty: %w", ErrMissingDestination)
	}
	dsn := path
	if path != ":memory:" {
		// WAL + busy timeout to avoid "database is locked"
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := createEventTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func createEventTables(db *sql.DB) error {
	quoted := make([]string, len(AllEventTypes))
	for i, t := range AllEventTypes {
		quoted[i] = "'" + string(t) + "'"
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS form_events(
	  id          INTEGER PRIMARY KEY,
	  event_id    TEXT    NOT NULL,
	  session_id  TEXT    NOT NULL,
	  form_type   TEXT    NOT NULL DEFAULT '',
	  event_type  TEXT    NOT NULL CHECK (event_type IN (` + strings.Join(quoted, ",") + `)),
	  event_data  TEXT    NOT NULL CHECK (json_valid(event_data)),
	  ts          TEXT    NOT NULL,
	  received_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	CREATE INDEX IF NOT EXISTS idx_form_events_session ON form_events(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_form_events_event_id ON form_events(event_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append stores a single record
func (s *SQLiteStore) Append(ctx context.Context, rec EventRecord) error {
	return s.AppendBatch(ctx, []EventRecord{rec})
}

// AppendBatch stores all records in one transaction
func (s *SQLiteStore) AppendBatch(ctx context.Context, recs []EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer transaction.Rollback()

	statement, err := transaction.PrepareContext(ctx,
		`INSERT INTO form_events(event_id, session_id, form_type, event_type, event_data, ts) VALUES(?,?,?,?,json(?),?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for i, rec := range recs {
		rec, err := normalizeRecord(rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if _, err := statement.ExecContext(ctx, rec.EventID, rec.SessionID, rec.FormType,
			string(rec.EventType), string(rec.EventData), rec.Timestamp.Format(timestampLayout)); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"
