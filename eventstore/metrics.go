// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpointForward = "forward"
	MetricsEndpointBatch   = "batch"
)

// Metrics records ingest counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	appended    *prometheus.CounterVec
	failed      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	rateLimited prometheus.Counter
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the ingest collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to keep them isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		appended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_events_appended_total",
			Help: "Events appended to the event store",
		}, []string{"endpoint"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_append_failures_total",
			Help: "Append calls that failed, by error class",
		}, []string{"endpoint", "class"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_requests_rejected_total",
			Help: "Requests rejected before reaching the store",
		}, []string{"endpoint", "reason"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnel_forward_rate_limited_total",
			Help: "Forwarding requests refused by the rate limiter",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funnel_append_duration_seconds",
			Help:    "Duration of store appends",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeAppend(endpoint string, start time.Time, count int, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failed.WithLabelValues(endpoint, ErrorClass(err)).Inc()
		return
	}
	m.appended.WithLabelValues(endpoint).Add(float64(count))
}

func (m *Metrics) observeRejected(endpoint, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(endpoint, reason).Inc()
}

func (m *Metrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
