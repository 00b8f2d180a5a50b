// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// MaxBeaconBytes is the largest body a beacon accepts
const MaxBeaconBytes = 64 << 10

// Beacon schedules a small POST that must survive the caller going away.
// Send reports only whether the request was scheduled, never whether it was
// delivered.
type Beacon interface {
	Send(url string, body []byte) bool
}

// HTTPBeaconConfig configures an HTTPBeacon
type HTTPBeaconConfig struct {
	QueueSize int           // scheduled requests held at once (0 = 64)
	Timeout   time.Duration // per request timeout (0 = 10s)
	HTTP      *http.Client  // optional custom client
	Logger    *slog.Logger
}

// HTTPBeacon sends scheduled POSTs from a background worker whose lifetime is
// independent of any caller context.
type HTTPBeacon struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	queue   chan beaconRequest

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type beaconRequest struct {
	url  string
	body []byte
}

// Compile-time check that HTTPBeacon implements Beacon.
var _ Beacon = (*HTTPBeacon)(nil)

// NewHTTPBeacon creates a beacon and starts its worker
func NewHTTPBeacon(cfg HTTPBeaconConfig) *HTTPBeacon {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &HTTPBeacon{
		http:    client,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan beaconRequest, size),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Send schedules a POST of body to url. It never blocks and returns false when
// the body is too large, the queue is full or the beacon is closed.
func (b *HTTPBeacon) Send(url string, body []byte) bool {
	if url == "" || len(body) > MaxBeaconBytes {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- beaconRequest{url: url, body: bytes.Clone(body)}:
		return true
	default:
		return false
	}
}

// Close stops accepting requests and waits for the scheduled ones to be sent
// until ctx ends.
func (b *HTTPBeacon) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("beacon drain interrupted: %w", ctx.Err())
	}
}

func (b *HTTPBeacon) run() {
	defer close(b.done)
	for req := range b.queue {
		if err := b.post(req); err != nil {
			b.logger.Warn("Beacon delivery failed", "error", err, "url", req.url)
		}
	}
}

func (b *HTTPBeacon) post(req beaconRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, bytes.NewReader(req.body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
