package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClass(t *testing.T) {
	require.Equal(t, "", ErrorClass(nil))
	require.Equal(t, ClassConfig, ErrorClass(fmt.Errorf("post: %w", ErrMissingDestination)))
	require.Equal(t, ClassConfig, ErrorClass(fmt.Errorf("post: %w", ErrPermissionDenied)))
	require.Equal(t, ClassConfig, ErrorClass(errors.Join(ErrRejected, errors.New("bad"))))
	require.Equal(t, ClassTransient, ErrorClass(errors.New("connection reset by peer")))

	require.Equal(t, ClassConfig, ErrorClass(&pgconn.PgError{Code: "42P01"}))
	require.Equal(t, ClassTransient, ErrorClass(&pgconn.PgError{Code: "40001"}))
}

func TestClassifyPGError(t *testing.T) {
	cases := []struct {
		code     string
		sentinel error
	}{
		{"42P01", ErrMissingDestination},
		{"3F000", ErrMissingDestination},
		{"42501", ErrPermissionDenied},
		{"28P01", ErrPermissionDenied},
		{"23514", ErrRejected},
		{"22P02", ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := classifyPGError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: tc.code}))
			require.ErrorIs(t, err, tc.sentinel)

			var pgErr *pgconn.PgError
			require.ErrorAs(t, err, &pgErr, "original error stays reachable")
		})
	}

	plain := errors.New("boom")
	require.Equal(t, plain, classifyPGError(plain))
	deadlock := &pgconn.PgError{Code: "40P01"}
	require.Equal(t, error(deadlock), classifyPGError(deadlock))
}

func TestEventRecord_Validate(t *testing.T) {
	valid := EventRecord{
		SessionID: "s1",
		EventType: EventStepChange,
		EventData: json.RawMessage(`{"fromStep":1,"toStep":2}`),
		Timestamp: time.Now(),
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(r *EventRecord){
		"no session":     func(r *EventRecord) { r.SessionID = "" },
		"unknown type":   func(r *EventRecord) { r.EventType = "scroll" },
		"zero timestamp": func(r *EventRecord) { r.Timestamp = time.Time{} },
		"bad json":       func(r *EventRecord) { r.EventData = json.RawMessage(`{`) },
		"bad event id":   func(r *EventRecord) { r.EventID = "not-a-uuid" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := valid
			mutate(&rec)
			require.Error(t, rec.Validate())
		})
	}
}

func TestNormalizeRecord(t *testing.T) {
	local := time.FixedZone("UTC+2", 2*60*60)
	rec, err := normalizeRecord(EventRecord{
		SessionID: "s1",
		EventType: EventButtonClick,
		Timestamp: time.Date(2025, 5, 1, 10, 0, 0, 0, local),
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.EventID)
	require.JSONEq(t, `{}`, string(rec.EventData))
	require.Equal(t, time.UTC, rec.Timestamp.Location())
	require.Equal(t, 8, rec.Timestamp.Hour())

	_, err = normalizeRecord(EventRecord{EventType: EventButtonClick})
	require.ErrorIs(t, err, ErrRejected)
}
