// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPSinkConfig configures an HTTPSink
type HTTPSinkConfig struct {
	BaseURL string                                    // e.g. "http://localhost:8080"; empty fails every write with ErrMissingDestination
	Token   func(ctx context.Context) (string, error) // returns ingest JWT; nil sends no Authorization header
	MaxRPS  float64                                   // request rate cap (0 = unlimited)
	Timeout time.Duration                             // per request timeout (0 = 30s)
	HTTP    *http.Client                              // optional custom client
}

// HTTPSink writes records to an ingest server's POST /events endpoint
type HTTPSink struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	http    *http.Client
	limiter *rate.Limiter
}

// Compile-time check that HTTPSink implements Sink.
var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates a sink client
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	client := cfg.HTTP
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	s := &HTTPSink{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    client,
	}
	if cfg.MaxRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	return s
}

// Append stores a single record
func (s *HTTPSink) Append(ctx context.Context, rec EventRecord) error {
	return s.AppendBatch(ctx, []EventRecord{rec})
}

// AppendBatch posts all records in one request
func (s *HTTPSink) AppendBatch(ctx context.Context, recs []EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if s.baseURL == "" {
		return fmt.Errorf("no ingest URL configured: %w", ErrMissingDestination)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	jsonData, err := json.Marshal(&BatchRequest{Events: recs})
	if err != nil {
		return fmt.Errorf("failed to marshal batch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/events", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != nil {
		token, err := s.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError(resp.StatusCode, body)
}

// statusError turns a non-2xx ingest response into an error carrying the sentinel class
func statusError(code int, body []byte) error {
	msg := fmt.Sprintf("server returned status %d: %s", code, strings.TrimSpace(string(body)))
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, ErrPermissionDenied)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, ErrMissingDestination)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", msg, ErrRejected)
	default:
		return fmt.Errorf("%s", msg)
	}
}
