package eventstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_AppendBatch(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	id := uuid.NewString()
	ts := time.Date(2025, 4, 2, 8, 15, 0, 0, time.UTC)
	require.NoError(t, store.AppendBatch(ctx, []EventRecord{
		{EventID: id, SessionID: "s1", FormType: "signup", EventType: EventStepChange,
			EventData: json.RawMessage(`{"fromStep":1, "toStep":2}`), Timestamp: ts},
		{SessionID: "s1", FormType: "signup", EventType: EventFieldChange, Timestamp: ts},
	}))

	var (
		eventID, data, stored string
	)
	require.NoError(t, store.db.QueryRow(
		`SELECT event_id, event_data, ts FROM form_events WHERE event_type = 'step_change'`).Scan(&eventID, &data, &stored))
	require.Equal(t, id, eventID)
	require.JSONEq(t, `{"fromStep":1,"toStep":2}`, data)
	require.Equal(t, "2025-04-02T08:15:00.000Z", stored)

	require.NoError(t, store.db.QueryRow(
		`SELECT event_id, event_data FROM form_events WHERE event_type = 'field_change'`).Scan(&eventID, &data))
	_, err = uuid.Parse(eventID)
	require.NoError(t, err, "missing event id is generated")
	require.Equal(t, "{}", data)
}

func TestSQLiteStore_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	err = store.AppendBatch(ctx, []EventRecord{
		{SessionID: "s1", EventType: EventFieldChange, Timestamp: time.Now()},
		{SessionID: "", EventType: EventFieldChange, Timestamp: time.Now()},
	})
	require.ErrorIs(t, err, ErrRejected)

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM form_events`).Scan(&count))
	require.Zero(t, count)
}

func TestSQLiteStore_DuplicatesAreKept(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	rec := EventRecord{EventID: uuid.NewString(), SessionID: "s1", EventType: EventFormSubmit, Timestamp: time.Now()}
	require.NoError(t, store.Append(ctx, rec))
	require.NoError(t, store.Append(ctx, rec))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM form_events WHERE event_id = ?`, rec.EventID).Scan(&count))
	require.Equal(t, 2, count)
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.ErrorIs(t, err, ErrMissingDestination)
}
