package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestPool starts a PostgreSQL container, skipping when Docker is not available
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("funnel_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStore_Append(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := NewPostgresStore(ctx, pool, logger)
	require.NoError(t, err)

	// Schema creation is idempotent
	_, err = NewPostgresStore(ctx, pool, logger)
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	require.NoError(t, store.Append(ctx, EventRecord{
		EventID: id, SessionID: "s1", FormType: "signup", EventType: EventStepChange,
		EventData: json.RawMessage(`{"fromStep":1,"toStep":2}`), Timestamp: ts,
	}))

	batch := make([]EventRecord, 10)
	for i := range batch {
		batch[i] = EventRecord{SessionID: "s1", FormType: "signup", EventType: EventFieldChange, Timestamp: ts}
	}
	require.NoError(t, store.AppendBatch(ctx, batch))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM funnel.form_events WHERE session_id = 's1'`).Scan(&count))
	require.Equal(t, 11, count)

	var (
		data   []byte
		stored time.Time
	)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT event_data, ts FROM funnel.form_events WHERE event_id = $1`, id).Scan(&data, &stored))
	require.JSONEq(t, `{"fromStep":1,"toStep":2}`, string(data))
	require.True(t, ts.Equal(stored))
}

func TestPostgresStore_RejectsInvalidBatch(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, pool, nil)
	require.NoError(t, err)

	err = store.AppendBatch(ctx, []EventRecord{
		{SessionID: "s2", EventType: EventFieldChange, Timestamp: time.Now()},
		{SessionID: "s2", EventType: "scroll", Timestamp: time.Now()},
	})
	require.ErrorIs(t, err, ErrRejected)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM funnel.form_events WHERE session_id = 's2'`).Scan(&count))
	require.Zero(t, count)
}

func TestPostgresStore_MissingTableIsConfigError(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, pool, nil)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DROP TABLE funnel.form_events`)
	require.NoError(t, err)

	err = store.Append(ctx, EventRecord{SessionID: "s3", EventType: EventFormSubmit, Timestamp: time.Now()})
	require.ErrorIs(t, err, ErrMissingDestination)
	require.Equal(t, ClassConfig, ErrorClass(err))
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrMissingDestination)
}
