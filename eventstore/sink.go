// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sink is the append-only remote event store. Implementations never update,
// delete or read back rows.
type Sink interface {
	// Append stores a single record
	Append(ctx context.Context, rec EventRecord) error

	// AppendBatch stores all records or none of them
	AppendBatch(ctx context.Context, recs []EventRecord) error
}

var (
	// ErrMissingDestination means the sink has nowhere to write (no URL, missing table)
	ErrMissingDestination = errors.New("eventstore: missing destination")

	// ErrPermissionDenied means credentials were rejected
	ErrPermissionDenied = errors.New("eventstore: permission denied")

	// ErrRejected means the store refused the payload itself
	ErrRejected = errors.New("eventstore: records rejected")
)

// ErrorClass tells configuration problems apart from transient ones so logs
// show whether retrying by hand could ever help.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrMissingDestination) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrRejected) {
		return ClassConfig
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isConfigPGError(pgErr) {
		return ClassConfig
	}
	return ClassTransient
}

// classifyPGError maps Postgres failures onto the sentinel errors
func classifyPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if sentinel := pgSentinel(pgErr.SQLState()); sentinel != nil {
		return errors.Join(sentinel, err)
	}
	return err
}

func isConfigPGError(pgErr *pgconn.PgError) bool {
	return pgSentinel(pgErr.SQLState()) != nil
}

func pgSentinel(state string) error {
	switch state {
	case "42P01", // undefined_table
		"3F000": // invalid_schema_name
		return ErrMissingDestination
	case "42501", // insufficient_privilege
		"28000", // invalid_authorization_specification
		"28P01": // invalid_password
		return ErrPermissionDenied
	case "22P02", // invalid_text_representation
		"23502", // not_null_violation
		"23514": // check_violation
		return ErrRejected
	default:
		return nil
	}
}
