package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProgress_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ps := NewProgressStore(newMemStore(), DefaultKeyPrefix, 0, nil, clock.Now, nil)

	err := ps.Save(ctx, "s1", ProgressUpdate{
		Step:            2,
		Status:          StatusInProgress,
		FormData:        map[string]any{"teamName": "rockets"},
		FieldCompletion: map[string]bool{"teamName": true},
	})
	require.NoError(t, err)

	snap, ok := ps.Load(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, 2, snap.CurrentStep)
	require.Equal(t, StatusInProgress, snap.Status)
	require.Equal(t, "rockets", snap.FormData["teamName"])
	require.True(t, snap.FieldCompletion["teamName"])
	require.True(t, snap.LastUpdated.Equal(clock.Now()))
}

func TestProgress_OverwriteKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ps := NewProgressStore(newMemStore(), DefaultKeyPrefix, 0, nil, clock.Now, nil)
	created := clock.Now()

	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{Step: 1, Status: StatusInProgress, FormData: map[string]any{"a": "1"}}))
	clock.Advance(time.Hour)
	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{Step: 3, Status: StatusCompleted}))

	snap, ok := ps.Load(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, 3, snap.CurrentStep)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Empty(t, snap.FormData, "save replaces the record instead of merging")
	require.True(t, snap.CreatedAt.Equal(created))
	require.True(t, snap.LastUpdated.Equal(created.Add(time.Hour)))
	require.True(t, snap.LastActive.Equal(created.Add(time.Hour)))
}

func TestProgress_ExpiredSnapshotIsDeleted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newMemStore()
	ps := NewProgressStore(store, DefaultKeyPrefix, 0, nil, clock.Now, nil)

	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{Step: 1, Status: StatusInProgress}))

	clock.Advance(DefaultDataExpiry - time.Second)
	_, ok := ps.Load(ctx, "s1")
	require.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = ps.Load(ctx, "s1")
	require.False(t, ok)
	require.False(t, store.has("funnel_progress_s1"))
}

func TestProgress_MalformedSnapshotIsDeleted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.put("funnel_progress_s1", []byte("[1,2"))
	ps := NewProgressStore(store, DefaultKeyPrefix, 0, nil, nil, nil)

	_, ok := ps.Load(ctx, "s1")
	require.False(t, ok)
	require.False(t, store.has("funnel_progress_s1"))
}

func TestProgress_InvalidStatus(t *testing.T) {
	ps := NewProgressStore(newMemStore(), DefaultKeyPrefix, 0, nil, nil, nil)
	err := ps.Save(context.Background(), "s1", ProgressUpdate{Step: 1, Status: "paused"})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestProgress_AllowListFiltersFormData(t *testing.T) {
	ctx := context.Background()
	ps := NewProgressStore(newMemStore(), DefaultKeyPrefix, 0, []string{"teamName", "teamSize"}, nil, nil)

	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{
		Step:   1,
		Status: StatusInProgress,
		FormData: map[string]any{
			"teamName": "rockets",
			"teamSize": float64(4),
			"password": "hunter2",
		},
	}))

	snap, ok := ps.Load(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, map[string]any{"teamName": "rockets", "teamSize": float64(4)}, snap.FormData)
}

func TestProgress_Clear(t *testing.T) {
	ctx := context.Background()
	ps := NewProgressStore(newMemStore(), DefaultKeyPrefix, 0, nil, nil, nil)

	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{Step: 1, Status: StatusInProgress}))
	ps.Clear(ctx, "s1")
	_, ok := ps.Load(ctx, "s1")
	require.False(t, ok)
}

func TestProgress_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.setUnavailable(true)
	ps := NewProgressStore(store, DefaultKeyPrefix, 0, nil, nil, nil)

	require.NoError(t, ps.Save(ctx, "s1", ProgressUpdate{Step: 1, Status: StatusInProgress}))
	_, ok := ps.Load(ctx, "s1")
	require.False(t, ok)
}
