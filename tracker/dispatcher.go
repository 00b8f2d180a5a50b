// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-funneltrack/eventstore"
)

const (
	// DefaultBurstSize is the queue length that triggers a flush from inside Track
	DefaultBurstSize = 10

	// DefaultFlushDelay is the debounce window of batched events
	DefaultFlushDelay = 5 * time.Second
)

// dispatcher routes recorded events to the remote sink: immediately, or
// through a per-session pending queue flushed on burst or after the debounce.
type dispatcher struct {
	sink   eventstore.Sink
	clock  Clock
	burst  int
	delay  time.Duration
	logger *slog.Logger

	wg     sync.WaitGroup // every network write in flight
	closed atomic.Bool    // no new writes are accepted

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

// sessionQueue owns the pending events and the debounce timer of one session.
// Everything that mutates it holds mu, so lookup and update happen as a unit.
type sessionQueue struct {
	d         *dispatcher
	sessionID string

	mu       sync.Mutex
	pending  []eventstore.EventRecord
	timer    Timer
	timerGen uint64 // identifies the armed timer; stale callbacks see a different value
	inFlight bool
	retired  bool // removed from the registry; callers must look up again
}

func newDispatcher(sink eventstore.Sink, clock Clock, burst int, delay time.Duration, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		sink:   sink,
		clock:  clock,
		burst:  burst,
		delay:  delay,
		logger: logger,
		queues: make(map[string]*sessionQueue),
	}
}

// lockQueue returns the live queue of sessionID with its lock held
func (d *dispatcher) lockQueue(sessionID string) *sessionQueue {
	for {
		d.mu.Lock()
		q, ok := d.queues[sessionID]
		if !ok {
			q = &sessionQueue{d: d, sessionID: sessionID}
			d.queues[sessionID] = q
		}
		d.mu.Unlock()

		q.mu.Lock()
		if !q.retired {
			return q
		}
		q.mu.Unlock()
	}
}

// lookup returns the queue of sessionID without creating one
func (d *dispatcher) lookup(sessionID string) (*sessionQueue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[sessionID]
	return q, ok
}

// release drops an idle queue from the registry
func (d *dispatcher) release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[sessionID]
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 && !q.inFlight && q.timer == nil {
		q.retired = true
		delete(d.queues, sessionID)
	}
}

// enqueue adds rec to its session queue and either flushes the burst or
// restarts the debounce timer. It reports false once the dispatcher is closed.
func (d *dispatcher) enqueue(rec eventstore.EventRecord) bool {
	q := d.lockQueue(rec.SessionID)
	defer q.mu.Unlock()

	// Checked under the queue lock so a drain that follows close sees the event
	if d.closed.Load() {
		return false
	}
	q.pending = append(q.pending, rec)
	if len(q.pending) >= d.burst && !q.inFlight {
		q.flushLocked()
		return true
	}
	q.armLocked()
	return true
}

// close stops accepting new writes; queued events can still be drained
func (d *dispatcher) close() {
	d.closed.Store(true)
}

// flush writes the pending queue of sessionID, if any
func (d *dispatcher) flush(sessionID string) {
	q, ok := d.lookup(sessionID)
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

// flushAll flushes every session queue
func (d *dispatcher) flushAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.flush(id)
	}
}

// drain flushes and waits until every queue is empty or a round of writes
// makes no progress. Events arriving behind an in-flight batch go out in the
// next round instead of waiting for their debounce timer.
func (d *dispatcher) drain() {
	for {
		before := d.pendingTotal()
		d.flushAll()
		d.wait()
		after := d.pendingTotal()
		if after == 0 || after >= before {
			return
		}
	}
}

func (d *dispatcher) pendingTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		q.mu.Lock()
		n += len(q.pending)
		q.mu.Unlock()
	}
	return n
}

// stopTimers disarms every debounce timer
func (d *dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.mu.Lock()
		q.disarmLocked()
		q.mu.Unlock()
	}
}

// pendingCount reports how many events wait in the queue of sessionID
func (d *dispatcher) pendingCount(sessionID string) int {
	q, ok := d.lookup(sessionID)
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// sendNow issues one fire-and-forget write of rec. The write outlives ctx.
// It reports false once the dispatcher is closed.
func (d *dispatcher) sendNow(ctx context.Context, rec eventstore.EventRecord) bool {
	if d.closed.Load() {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sink.Append(ctx, rec); err != nil {
			d.logger.Warn("Immediate event write failed",
				"error", err,
				"class", eventstore.ErrorClass(err),
				"session_id", rec.SessionID,
				"event_type", rec.EventType,
				"event_id", rec.EventID)
			return
		}
		d.logger.Debug("Event written",
			"session_id", rec.SessionID, "event_type", rec.EventType, "event_id", rec.EventID)
	}()
	return true
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}

// armLocked cancels the current timer and schedules a flush after the delay
func (q *sessionQueue) armLocked() {
	q.disarmLocked()
	q.timerGen++
	gen := q.timerGen
	q.timer = q.d.clock.AfterFunc(q.d.delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.timerGen != gen || q.timer == nil {
			return
		}
		q.timer = nil
		q.flushLocked()
	})
}

func (q *sessionQueue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// flushLocked starts one bulk write of a snapshot of the queue
func (q *sessionQueue) flushLocked() {
	if len(q.pending) == 0 || q.inFlight {
		return
	}
	q.disarmLocked()

	batch := make([]eventstore.EventRecord, len(q.pending))
	copy(batch, q.pending)
	q.inFlight = true

	q.d.wg.Add(1)
	go q.write(batch)
}

func (q *sessionQueue) write(batch []eventstore.EventRecord) {
	defer q.d.wg.Done()

	err := q.d.sink.AppendBatch(context.Background(), batch)

	q.mu.Lock()
	q.inFlight = false
	arrived := len(q.pending) - len(batch)
	if err != nil {
		// The queue stays intact; it goes out again with the next flush
		q.d.logger.Warn("Batch flush failed",
			"error", err,
			"class", eventstore.ErrorClass(err),
			"session_id", q.sessionID,
			"events", len(batch))
	} else {
		q.pending = append([]eventstore.EventRecord(nil), q.pending[len(batch):]...)
		q.d.logger.Debug("Batch flushed", "session_id", q.sessionID, "events", len(batch))
	}
	switch {
	case err == nil && len(q.pending) >= q.d.burst:
		// a burst collected behind this write goes out without waiting for the debounce
		q.flushLocked()
	case arrived > 0 && q.timer == nil:
		q.armLocked()
	}
	idle := len(q.pending) == 0 && q.timer == nil && !q.inFlight
	q.mu.Unlock()

	if idle {
		q.d.release(q.sessionID)
	}
}
