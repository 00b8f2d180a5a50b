// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDataExpiry is how long a snapshot stays readable after its last save
const DefaultDataExpiry = 7 * 24 * time.Hour

// ProgressStatus is the funnel state of a session
type ProgressStatus string

const (
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
	StatusAbandoned  ProgressStatus = "abandoned"
)

// Valid reports whether s is one of the known statuses
func (s ProgressStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// ErrInvalidStatus is returned by Save for a status outside the known set
var ErrInvalidStatus = errors.New("invalid progress status")

// ProgressSnapshot is the single latest funnel state of a session
type ProgressSnapshot struct {
	CurrentStep     int             `json:"currentStep"`
	Status          ProgressStatus  `json:"status"`
	FormData        map[string]any  `json:"formData,omitempty"`
	FieldCompletion map[string]bool `json:"fieldCompletion,omitempty"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastActive      time.Time       `json:"lastActive"`
}

// ProgressUpdate is what a caller supplies on each save
type ProgressUpdate struct {
	Step            int
	Status          ProgressStatus
	FormData        map[string]any
	FieldCompletion map[string]bool
}

// ProgressStore keeps one overwritten-in-place snapshot per session
type ProgressStore struct {
	store   Store
	keys    keySpace
	expiry  time.Duration
	allowed map[string]struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// NewProgressStore creates a snapshot store. Only form fields named in
// allowFields are persisted; an empty list keeps every field.
func NewProgressStore(store Store, keyPrefix string, expiry time.Duration, allowFields []string, now func() time.Time, logger *slog.Logger) *ProgressStore {
	if store == nil {
		store = unavailableStore{}
	}
	if expiry <= 0 {
		expiry = DefaultDataExpiry
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[string]struct{}
	if len(allowFields) > 0 {
		allowed = make(map[string]struct{}, len(allowFields))
		for _, f := range allowFields {
			allowed[f] = struct{}{}
		}
	}
	return &ProgressStore{
		store:   store,
		keys:    keySpace{prefix: keyPrefix},
		expiry:  expiry,
		allowed: allowed,
		now:     now,
		logger:  logger,
	}
}

// Save replaces the snapshot of sessionID, keeping CreatedAt from an existing
// live snapshot. Storage failures are logged; only an unknown status is
// returned as an error.
func (p *ProgressStore) Save(ctx context.Context, sessionID string, update ProgressUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}

	now := p.now().UTC()
	createdAt := now
	if prev, ok := p.Load(ctx, sessionID); ok {
		createdAt = prev.CreatedAt
	}

	snap := ProgressSnapshot{
		CurrentStep:     update.Step,
		Status:          update.Status,
		FormData:        p.filter(update.FormData),
		FieldCompletion: update.FieldCompletion,
		LastUpdated:     now,
		CreatedAt:       createdAt,
		LastActive:      now,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("Failed to encode progress snapshot", "error", err, "session_id", sessionID)
		return nil
	}
	if err := p.store.Set(ctx, p.keys.progress(sessionID), raw); err != nil {
		p.logger.Warn("Failed to save progress snapshot",
			"error", err, "session_id", sessionID, "step", update.Step)
	}
	return nil
}

// Load returns the live snapshot of sessionID. Expired and malformed records
// are deleted and reported as absent.
func (p *ProgressStore) Load(ctx context.Context, sessionID string) (*ProgressSnapshot, bool) {
	key := p.keys.progress(sessionID)
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.logger.Warn("Failed to read progress snapshot", "error", err, "session_id", sessionID)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var snap ProgressSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.logger.Warn("Discarding malformed progress snapshot", "error", err, "session_id", sessionID)
		p.delete(ctx, key)
		return nil, false
	}
	if p.now().Sub(snap.LastUpdated) > p.expiry {
		p.logger.Debug("Progress snapshot expired", "session_id", sessionID, "last_updated", snap.LastUpdated)
		p.delete(ctx, key)
		return nil, false
	}
	return &snap, true
}

// Clear removes the snapshot of sessionID
func (p *ProgressStore) Clear(ctx context.Context, sessionID string) {
	p.delete(ctx, p.keys.progress(sessionID))
}

func (p *ProgressStore) delete(ctx context.Context, key string) {
	if err := p.store.Delete(ctx, key); err != nil {
		p.logger.Warn("Failed to delete progress snapshot", "error", err, "key", key)
	}
}

func (p *ProgressStore) filter(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if p.allowed != nil {
			if _, ok := p.allowed[k]; !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}
