package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/mobiletoly/go-funneltrack/eventstore"
)

// memStore is an in-memory Store with failure hooks
type memStore struct {
	mu          sync.Mutex
	data        map[string][]byte
	unavailable bool
	setHook     func(key string, value []byte) error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, false, ErrStorageUnavailable
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrStorageUnavailable
	}
	if m.setHook != nil {
		if err := m.setHook(key, value); err != nil {
			return err
		}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrStorageUnavailable
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) setUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memStore) put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// fakeClock fires timers only when advanced
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs the callbacks that became due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

// Armed counts timers that are scheduled and not yet fired or stopped
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeSink records every write attempt
type fakeSink struct {
	mu        sync.Mutex
	appends   []eventstore.EventRecord
	batches   [][]eventstore.EventRecord
	appendErr error
	batchErr  error
	gate      chan struct{} // when set, AppendBatch waits for it to close
}

func (s *fakeSink) Append(_ context.Context, rec eventstore.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, rec)
	return s.appendErr
}

func (s *fakeSink) AppendBatch(_ context.Context, recs []eventstore.EventRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, append([]eventstore.EventRecord(nil), recs...))
	gate := s.gate
	err := s.batchErr
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (s *fakeSink) setBatchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchErr = err
}

func (s *fakeSink) Appends() []eventstore.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventstore.EventRecord(nil), s.appends...)
}

func (s *fakeSink) Batches() [][]eventstore.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]eventstore.EventRecord(nil), s.batches...)
}

// fakeBeacon accepts or refuses every Send
type fakeBeacon struct {
	mu     sync.Mutex
	accept bool
	sent   [][]byte
	urls   []string
}

func (b *fakeBeacon) Send(url string, body []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.accept {
		return false
	}
	b.urls = append(b.urls, url)
	b.sent = append(b.sent, body)
	return true
}

func (b *fakeBeacon) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}
