// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/go-funneltrack/internal/auth"
)

const (
	// forwardBodyLimit matches the payload ceiling browsers apply to beacons
	forwardBodyLimit = 64 << 10
	batchBodyLimit   = 4 << 20
)

// HandlersConfig wires the collaborators of HTTPHandlers
type HandlersConfig struct {
	Sink    Sink         // destination for every accepted record (required)
	Auth    *JWTAuth     // protects POST /events (required for that route)
	Limiter *RateLimiter // per-address limit for POST /api/track (nil = unlimited)
	Metrics *Metrics     // optional
	Logger  *slog.Logger // optional, defaults to slog.Default()
	Now     func() time.Time
}

// HTTPHandlers exposes the forwarding endpoint and the bulk ingest endpoint
type HTTPHandlers struct {
	sink    Sink
	auth    *JWTAuth
	limiter *RateLimiter
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewHTTPHandlers creates a new instance of ingest handlers
func NewHTTPHandlers(cfg HandlersConfig) *HTTPHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &HTTPHandlers{
		sink:    cfg.Sink,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     now,
	}
}

// Routes returns a mux with every endpoint registered
func (h *HTTPHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/track", h.HandleForward)
	if h.auth != nil {
		mux.Handle("/events", h.auth.Middleware(http.HandlerFunc(h.HandleEvents)))
	} else {
		mux.HandleFunc("/events", h.HandleEvents)
	}
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", h.metrics.Handler())
	return mux
}

// HandleHealth reports liveness
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// HandleForward relays a single event sent while a page was being torn down.
// It has no other responsibility than appending the record to the sink.
func (h *HTTPHandlers) HandleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}
	if !h.limiter.Allow(remoteHost(r)) {
		h.metrics.observeRateLimited()
		h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
		return
	}

	// Beacons arrive as text/plain, so the content type is not checked.
	var req ForwardRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, forwardBodyLimit)).Decode(&req); err != nil {
		h.metrics.observeRejected(MetricsEndpointForward, "decode")
		h.writeForward(w, http.StatusBadRequest, fmt.Errorf("failed to parse request: %w", err))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = h.now()
	}
	rec := req.Record()
	if err := rec.Validate(); err != nil {
		h.metrics.observeRejected(MetricsEndpointForward, "validation")
		h.writeForward(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	err := h.sink.Append(r.Context(), rec)
	h.metrics.observeAppend(MetricsEndpointForward, start, 1, err)
	if err != nil {
		h.logger.Error("Failed to forward event", "error", err, "class", ErrorClass(err),
			"session_id", rec.SessionID, "event_type", rec.EventType)
		h.writeForward(w, http.StatusBadGateway, errors.New("failed to store event"))
		return
	}
	h.writeForward(w, http.StatusOK, nil)
}

// HandleEvents appends a batch of records for an authenticated client
func (h *HTTPHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}
	clientID, ok := auth.GetClientID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, "authentication required")
		return
	}

	var batch BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, batchBodyLimit)).Decode(&batch); err != nil {
		h.metrics.observeRejected(MetricsEndpointBatch, "decode")
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse batch request")
		return
	}
	if len(batch.Events) == 0 {
		h.writeJSON(w, http.StatusOK, BatchResponse{Accepted: 0})
		return
	}
	if len(batch.Events) > MaxBatchSize {
		h.metrics.observeRejected(MetricsEndpointBatch, "too_large")
		h.writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest,
			fmt.Sprintf("batch too large: events=%d limit=%d", len(batch.Events), MaxBatchSize))
		return
	}

	claims, _ := claimsFrom(r.Context())
	for i := range batch.Events {
		rec := &batch.Events[i]
		if err := rec.Validate(); err != nil {
			h.metrics.observeRejected(MetricsEndpointBatch, "validation")
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
		if claims != nil && !claims.AllowsForm(rec.FormType) {
			h.metrics.observeRejected(MetricsEndpointBatch, "forbidden_form")
			h.writeError(w, http.StatusForbidden, CodeAuthFailed, fmt.Sprintf("form type %q not allowed", rec.FormType))
			return
		}
	}

	start := time.Now()
	err := h.sink.AppendBatch(r.Context(), batch.Events)
	h.metrics.observeAppend(MetricsEndpointBatch, start, len(batch.Events), err)
	if err != nil {
		h.logger.Error("Failed to append batch", "error", err, "class", ErrorClass(err),
			"client_id", clientID, "count", len(batch.Events))
		h.writeError(w, http.StatusInternalServerError, CodeAppendFailed, "Failed to store events")
		return
	}

	h.logger.Debug("Appended batch", "client_id", clientID, "count", len(batch.Events))
	h.writeJSON(w, http.StatusOK, BatchResponse{Accepted: len(batch.Events)})
}

func (h *HTTPHandlers) writeForward(w http.ResponseWriter, statusCode int, err error) {
	resp := ForwardResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	h.writeJSON(w, statusCode, resp)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
