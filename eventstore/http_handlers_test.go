package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// memorySink keeps appended records in memory
type memorySink struct {
	mu      sync.Mutex
	records []EventRecord
	err     error
}

func (s *memorySink) Append(ctx context.Context, rec EventRecord) error {
	return s.AppendBatch(ctx, []EventRecord{rec})
}

func (s *memorySink) AppendBatch(_ context.Context, recs []EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, recs...)
	return nil
}

func (s *memorySink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memorySink) Records() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventRecord(nil), s.records...)
}

type handlersHarness struct {
	sink    *memorySink
	auth    *JWTAuth
	metrics *Metrics
	server  *httptest.Server
	now     time.Time
}

func newHandlersHarness(t *testing.T, limiter *RateLimiter) *handlersHarness {
	t.Helper()
	h := &handlersHarness{
		sink:    &memorySink{},
		auth:    NewJWTAuth("test-secret"),
		metrics: NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
	handlers := NewHTTPHandlers(HandlersConfig{
		Sink:    h.sink,
		Auth:    h.auth,
		Limiter: limiter,
		Metrics: h.metrics,
		Now:     func() time.Time { return h.now },
	})
	h.server = httptest.NewServer(handlers.Routes())
	t.Cleanup(h.server.Close)
	return h
}

func (h *handlersHarness) post(t *testing.T, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (h *handlersHarness) token(t *testing.T, forms ...string) string {
	t.Helper()
	token, err := h.auth.GenerateToken("signup-web", forms, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHandleForward_AppendsRecord(t *testing.T) {
	h := newHandlersHarness(t, nil)

	resp, body := h.post(t, "/api/track", "", ForwardRequest{
		SessionID: "s1",
		EventType: EventPageLeave,
		EventData: json.RawMessage(`{"reason":"close","step":2}`),
		FormType:  "signup",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fr ForwardResponse
	require.NoError(t, json.Unmarshal(body, &fr))
	require.True(t, fr.Success)

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "s1", recs[0].SessionID)
	require.Equal(t, EventPageLeave, recs[0].EventType)
	require.True(t, recs[0].Timestamp.Equal(h.now), "missing timestamp is stamped on arrival")
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.appended.WithLabelValues(MetricsEndpointForward)))
}

func TestHandleForward_Rejects(t *testing.T) {
	h := newHandlersHarness(t, nil)

	resp, _ := h.post(t, "/api/track", "", "{broken")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.post(t, "/api/track", "", ForwardRequest{SessionID: "s1", EventType: "scroll"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fr ForwardResponse
	require.NoError(t, json.Unmarshal(body, &fr))
	require.False(t, fr.Success)
	require.Contains(t, fr.Error, "invalid event type")

	big := ForwardRequest{
		SessionID: "s1",
		EventType: EventFieldChange,
		EventData: json.RawMessage(`"` + strings.Repeat("x", forwardBodyLimit) + `"`),
	}
	resp, _ = h.post(t, "/api/track", "", big)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(h.server.URL + "/api/track")
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)

	require.Empty(t, h.sink.Records())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.rejected.WithLabelValues(MetricsEndpointForward, "validation")))
}

func TestHandleForward_SinkFailure(t *testing.T) {
	h := newHandlersHarness(t, nil)
	h.sink.setErr(fmt.Errorf("insert: %w", ErrPermissionDenied))

	resp, body := h.post(t, "/api/track", "", ForwardRequest{SessionID: "s1", EventType: EventFormSubmit})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var fr ForwardResponse
	require.NoError(t, json.Unmarshal(body, &fr))
	require.False(t, fr.Success)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failed.WithLabelValues(MetricsEndpointForward, ClassConfig)))
}

func TestHandleForward_RateLimited(t *testing.T) {
	h := newHandlersHarness(t, NewRateLimiter(0.001, 1))
	req := ForwardRequest{SessionID: "s1", EventType: EventFormSubmit}

	resp, _ := h.post(t, "/api/track", "", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.post(t, "/api/track", "", req)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, CodeRateLimited, er.Error)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.rateLimited))
}

func TestHandleEvents_AppendsBatch(t *testing.T) {
	h := newHandlersHarness(t, nil)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	batch := BatchRequest{Events: []EventRecord{
		{SessionID: "s1", FormType: "signup", EventType: EventFieldChange, Timestamp: ts},
		{SessionID: "s1", FormType: "signup", EventType: EventValidationResult, Timestamp: ts.Add(time.Second)},
	}}
	resp, body := h.post(t, "/events", h.token(t, "signup"), batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var br BatchResponse
	require.NoError(t, json.Unmarshal(body, &br))
	require.Equal(t, 2, br.Accepted)
	require.Len(t, h.sink.Records(), 2)
}

func TestHandleEvents_Rejects(t *testing.T) {
	h := newHandlersHarness(t, nil)
	ts := time.Now()
	one := BatchRequest{Events: []EventRecord{{SessionID: "s1", FormType: "team", EventType: EventButtonClick, Timestamp: ts}}}

	resp, _ := h.post(t, "/events", "", one)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := h.post(t, "/events", h.token(t, "signup"), one)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, CodeAuthFailed, er.Error)

	invalid := BatchRequest{Events: []EventRecord{{SessionID: "", EventType: EventButtonClick, Timestamp: ts}}}
	resp, _ = h.post(t, "/events", h.token(t), invalid)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tooMany := BatchRequest{Events: make([]EventRecord, MaxBatchSize+1)}
	for i := range tooMany.Events {
		tooMany.Events[i] = EventRecord{SessionID: "s1", EventType: EventFieldChange, Timestamp: ts}
	}
	resp, _ = h.post(t, "/events", h.token(t), tooMany)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, body = h.post(t, "/events", h.token(t), BatchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var br BatchResponse
	require.NoError(t, json.Unmarshal(body, &br))
	require.Zero(t, br.Accepted)

	require.Empty(t, h.sink.Records())
}

func TestHandleEvents_SinkFailure(t *testing.T) {
	h := newHandlersHarness(t, nil)
	h.sink.setErr(fmt.Errorf("insert: %w", ErrMissingDestination))

	batch := BatchRequest{Events: []EventRecord{{SessionID: "s1", EventType: EventFieldChange, Timestamp: time.Now()}}}
	resp, body := h.post(t, "/events", h.token(t), batch)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, CodeAppendFailed, er.Error)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHandlersHarness(t, nil)

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.post(t, "/api/track", "", ForwardRequest{SessionID: "s1", EventType: EventSessionStart})

	resp, err = http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "funnel_events_appended_total")
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.observeAppend(MetricsEndpointBatch, time.Now(), 3, nil)
		m.observeRejected(MetricsEndpointBatch, "decode")
		m.observeRateLimited()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
