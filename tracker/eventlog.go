// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

const (
	// DefaultMaxEvents bounds the local log of one session
	DefaultMaxEvents = 500

	// quotaTrim is how many of the oldest entries are dropped before the single
	// retry that follows a quota failure
	quotaTrim = 100
)

// EventLog is the per-session ring buffer of recorded events kept in the
// local store. It survives restarts; entries leave it only through eviction.
type EventLog struct {
	store     Store
	keys      keySpace
	maxEvents int
	logger    *slog.Logger

	mu sync.Mutex // read-modify-write of one stored log must not interleave
}

// NewEventLog creates an event log; maxEvents <= 0 selects DefaultMaxEvents
func NewEventLog(store Store, keyPrefix string, maxEvents int, logger *slog.Logger) *EventLog {
	if store == nil {
		store = unavailableStore{}
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: store, keys: keySpace{prefix: keyPrefix}, maxEvents: maxEvents, logger: logger}
}

// Append records ev for sessionID, evicting the oldest entry when the log is
// full. Failures are logged, never returned.
func (l *EventLog) Append(ctx context.Context, sessionID string, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.keys.events(sessionID)
	events, err := l.load(ctx, key)
	if err != nil {
		l.logger.Warn("Event log unavailable, event not cached locally",
			"error", err, "session_id", sessionID, "event_type", ev.Type)
		return
	}

	if len(events) >= l.maxEvents {
		events = events[len(events)-l.maxEvents+1:]
	}
	events = append(events, ev)

	err = l.save(ctx, key, events)
	if errors.Is(err, ErrQuotaExceeded) {
		// Trim a larger block of the oldest entries, never the new event
		trim := min(quotaTrim, len(events)-1)
		events = events[trim:]
		l.logger.Warn("Local storage quota exceeded, trimming event log",
			"session_id", sessionID, "trimmed", trim, "remaining", len(events))
		err = l.save(ctx, key, events)
	}
	if err != nil {
		l.logger.Error("Event dropped from local log",
			"error", err, "session_id", sessionID, "event_type", ev.Type, "event_id", ev.ID)
	}
}

// Events returns the cached log of sessionID, oldest first
func (l *EventLog) Events(ctx context.Context, sessionID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx, l.keys.events(sessionID))
	if err != nil {
		l.logger.Warn("Event log unavailable", "error", err, "session_id", sessionID)
		return nil
	}
	return events
}

// load reads the stored log. A corrupt record is deleted and treated as empty;
// only an unusable store is reported.
func (l *EventLog) load(ctx context.Context, key string) ([]Event, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		l.logger.Warn("Discarding malformed event log", "error", err, "key", key)
		if err := l.store.Delete(ctx, key); err != nil {
			l.logger.Warn("Failed to delete malformed event log", "error", err, "key", key)
		}
		return nil, nil
	}
	return events, nil
}

func (l *EventLog) save(ctx context.Context, key string, events []Event) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, raw)
}
