// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore appends funnel events to Postgres through a pgx pool.
// The pool lifecycle belongs to the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Compile-time check that PostgresStore implements Sink.
var _ Sink = (*PostgresStore)(nil)

// NewPostgresStore creates the store and makes sure the funnel schema exists
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil: %w", ErrMissingDestination)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event store schema: %w", classifyPGError(err))
	}
	logger.Debug("Event store schema initialized")
	return s, nil
}

func (s *PostgresStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	quoted := make([]string, len(AllEventTypes))
	for i, t := range AllEventTypes {
		quoted[i] = "'" + string(t) + "'"
	}
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS funnel`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS funnel.form_events (
			id           BIGSERIAL   PRIMARY KEY,
			event_id     UUID        NOT NULL,
			session_id   TEXT        NOT NULL,
			form_type    TEXT        NOT NULL DEFAULT '',
			event_type   TEXT        NOT NULL CHECK (event_type IN (` + strings.Join(quoted, ",") + `)),
			event_data   JSONB       NOT NULL DEFAULT '{}'::jsonb,
			ts           TIMESTAMPTZ NOT NULL,
			received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// event_id is not unique: duplicates from retried flushes are kept and
		// resolved by consumers.
		`CREATE INDEX IF NOT EXISTS form_events_session_ts_idx ON funnel.form_events(session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS form_events_event_id_idx ON funnel.form_events(event_id)`,
		`CREATE INDEX IF NOT EXISTS form_events_type_idx ON funnel.form_events(form_type, event_type)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

const insertEventSQL = `INSERT INTO funnel.form_events (event_id, session_id, form_type, event_type, event_data, ts)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6)`

// Append stores a single record
func (s *PostgresStore) Append(ctx context.Context, rec EventRecord) error {
	rec, err := normalizeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertEventSQL, rec.EventID, rec.SessionID, rec.FormType,
		string(rec.EventType), string(rec.EventData), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", classifyPGError(err))
	}
	return nil
}

// AppendBatch stores all records in one transaction
func (s *PostgresStore) AppendBatch(ctx context.Context, recs []EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	normalized := make([]EventRecord, len(recs))
	for i, rec := range recs {
		n, err := normalizeRecord(rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		normalized[i] = n
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range normalized {
			batch.Queue(insertEventSQL, rec.EventID, rec.SessionID, rec.FormType,
				string(rec.EventType), string(rec.EventData), rec.Timestamp)
		}
		results := tx.SendBatch(ctx, batch)
		for range normalized {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(recs), classifyPGError(err))
	}
	s.logger.Debug("Appended event batch", "count", len(recs))
	return nil
}
