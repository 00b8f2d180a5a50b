// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-funneltrack/eventstore"
)

// Config holds configuration for the tracking pipeline
type Config struct {
	KeyPrefix   string        // namespace of every local key, e.g. "funnel_"
	MaxEvents   int           // local log capacity per session, e.g. 500
	DataExpiry  time.Duration // snapshot lifetime after its last save, e.g. 7 days
	BurstSize   int           // queued events that force a flush, e.g. 10
	FlushDelay  time.Duration // debounce window of batched events, e.g. 5s
	AllowFields []string      // form fields kept in snapshots (empty = all)
	ForwardURL  string        // forwarding endpoint used by the unload beacon
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:  DefaultKeyPrefix,
		MaxEvents:  DefaultMaxEvents,
		DataExpiry: DefaultDataExpiry,
		BurstSize:  DefaultBurstSize,
		FlushDelay: DefaultFlushDelay,
	}
}

// Option customizes a Tracker
type Option func(*Tracker)

// WithLogger sets the logger (slog.Default() otherwise)
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock replaces the wall clock and timers
func WithClock(clock Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// Tracker records funnel events locally and delivers them to the remote
// sink without ever blocking or failing the caller.
type Tracker struct {
	identity *Identity
	events   *EventLog
	progress *ProgressStore
	disp     *dispatcher
	unload   []UnloadStrategy
	clock    Clock
	logger   *slog.Logger
}

// New creates a tracker over the local store and the remote sink. beacon may
// be nil, in which case page closes are written directly to the sink.
func New(store Store, sink eventstore.Sink, beacon Beacon, config *Config, opts ...Option) (*Tracker, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BurstSize <= 0 {
		return nil, fmt.Errorf("config.BurstSize must be positive")
	}
	if config.FlushDelay <= 0 {
		return nil, fmt.Errorf("config.FlushDelay must be positive")
	}

	t := &Tracker{
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.identity = NewIdentity(store, config.KeyPrefix, t.logger)
	t.events = NewEventLog(store, config.KeyPrefix, config.MaxEvents, t.logger)
	t.progress = NewProgressStore(store, config.KeyPrefix, config.DataExpiry, config.AllowFields, t.clock.Now, t.logger)
	t.disp = newDispatcher(sink, t.clock, config.BurstSize, config.FlushDelay, t.logger)
	t.unload = []UnloadStrategy{
		beaconStrategy{beacon: beacon, forwardURL: config.ForwardURL},
		immediateStrategy{d: t.disp},
	}
	return t, nil
}

type trackOptions struct {
	immediate *bool
}

// TrackOption adjusts a single Track call
type TrackOption func(*trackOptions)

// WithImmediate overrides the delivery discipline of the event type
func WithImmediate(immediate bool) TrackOption {
	return func(o *trackOptions) {
		o.immediate = &immediate
	}
}

// SessionID returns the persisted session id of this profile
func (t *Tracker) SessionID(ctx context.Context) string {
	return t.identity.SessionID(ctx)
}

// ResetSession forgets the session id; the next one is unlinked from it
func (t *Tracker) ResetSession(ctx context.Context) {
	t.identity.Reset(ctx)
}

// Track records an event and schedules its delivery. An empty sessionID uses
// the persisted session. A page_leave whose payload is a PageLeave closing the
// page takes the unload path of TrackPageLeave. Failures are logged and never
// reach the caller.
func (t *Tracker) Track(ctx context.Context, sessionID string, eventType eventstore.EventType, data any, formType string, opts ...TrackOption) {
	if eventType == eventstore.EventPageLeave {
		if leave, ok := closingLeave(data); ok {
			t.trackClose(ctx, sessionID, leave, formType)
			return
		}
	}

	var o trackOptions
	for _, opt := range opts {
		opt(&o)
	}

	sessionID, rec, ok := t.record(ctx, sessionID, eventType, data, formType)
	if !ok {
		return
	}

	mode := ClassifySync(eventType)
	if o.immediate != nil {
		mode = SyncBatched
		if *o.immediate {
			mode = SyncImmediate
		}
	}

	var accepted bool
	if mode == SyncImmediate {
		accepted = t.disp.sendNow(ctx, rec)
	} else {
		accepted = t.disp.enqueue(rec)
	}
	if !accepted {
		t.logger.Warn("Tracker closed, event kept only in the local log",
			"session_id", sessionID, "event_type", eventType)
	}
}

// TrackPageLeave records the page_leave event. A close is delivered through
// the unload strategies and marks an unfinished funnel as abandoned; any other
// reason is tracked like an ordinary immediate event.
func (t *Tracker) TrackPageLeave(ctx context.Context, sessionID string, leave PageLeave, formType string) {
	if leave.Reason != LeaveClose {
		t.Track(ctx, sessionID, eventstore.EventPageLeave, leave, formType)
		return
	}
	t.trackClose(ctx, sessionID, leave, formType)
}

func (t *Tracker) trackClose(ctx context.Context, sessionID string, leave PageLeave, formType string) {
	sessionID, rec, ok := t.record(ctx, sessionID, eventstore.EventPageLeave, leave, formType)
	if !ok {
		return
	}
	if !leave.Completed {
		t.markAbandoned(ctx, sessionID)
	}
	if t.disp.closed.Load() {
		t.logger.Warn("Tracker closed, event kept only in the local log",
			"session_id", sessionID, "event_type", rec.EventType)
		return
	}
	t.deliverUnload(ctx, rec)
}

// closingLeave extracts a page close from a page_leave payload
func closingLeave(data any) (PageLeave, bool) {
	switch v := data.(type) {
	case PageLeave:
		return v, v.Reason == LeaveClose
	case *PageLeave:
		if v != nil {
			return *v, v.Reason == LeaveClose
		}
	}
	return PageLeave{}, false
}

// record builds the event and appends it to the local log
func (t *Tracker) record(ctx context.Context, sessionID string, eventType eventstore.EventType, data any, formType string) (string, eventstore.EventRecord, bool) {
	if !eventType.Valid() {
		t.logger.Warn("Ignoring unknown event type", "event_type", eventType)
		return "", eventstore.EventRecord{}, false
	}
	if sessionID == "" {
		sessionID = t.identity.SessionID(ctx)
	}
	ev, err := NewEvent(eventType, data, t.clock.Now())
	if err != nil {
		t.logger.Warn("Failed to build event", "error", err, "session_id", sessionID)
		return "", eventstore.EventRecord{}, false
	}
	t.events.Append(ctx, sessionID, ev)
	return sessionID, ev.Record(sessionID, formType), true
}

func (t *Tracker) markAbandoned(ctx context.Context, sessionID string) {
	snap, ok := t.progress.Load(ctx, sessionID)
	if !ok || snap.Status != StatusInProgress {
		return
	}
	_ = t.progress.Save(ctx, sessionID, ProgressUpdate{
		Step:            snap.CurrentStep,
		Status:          StatusAbandoned,
		FormData:        snap.FormData,
		FieldCompletion: snap.FieldCompletion,
	})
}

// Flush writes the pending queue of sessionID now instead of after the
// debounce. It returns without waiting for the write.
func (t *Tracker) Flush(sessionID string) {
	t.disp.flush(sessionID)
}

// Pending reports how many batched events of sessionID await a successful flush
func (t *Tracker) Pending(sessionID string) int {
	return t.disp.pendingCount(sessionID)
}

// Events returns the local event log of sessionID, oldest first
func (t *Tracker) Events(ctx context.Context, sessionID string) []Event {
	return t.events.Events(ctx, sessionID)
}

// SaveProgress replaces the progress snapshot of sessionID
func (t *Tracker) SaveProgress(ctx context.Context, sessionID string, update ProgressUpdate) error {
	return t.progress.Save(ctx, sessionID, update)
}

// LoadProgress returns the live progress snapshot of sessionID
func (t *Tracker) LoadProgress(ctx context.Context, sessionID string) (*ProgressSnapshot, bool) {
	return t.progress.Load(ctx, sessionID)
}

// ClearProgress removes the progress snapshot of sessionID
func (t *Tracker) ClearProgress(ctx context.Context, sessionID string) {
	t.progress.Clear(ctx, sessionID)
}

// Wait blocks until every write issued so far has completed
func (t *Tracker) Wait() {
	t.disp.wait()
}

// Close flushes every pending queue and waits for outstanding writes until
// ctx ends. Events tracked afterwards are kept only in the local log.
func (t *Tracker) Close(ctx context.Context) error {
	t.disp.close()

	done := make(chan struct{})
	go func() {
		t.disp.drain()
		close(done)
	}()
	defer t.disp.stopTimers()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pending writes: %w", ctx.Err())
	}
}
