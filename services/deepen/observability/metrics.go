// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for Deepen streaming.
//
// # Description
//
// Two metric sets live here:
//   - SessionMetrics, recorded by the client-side stream session engine
//     (sessions by policy and outcome, frames, parse errors, latency)
//   - ServerMetrics, recorded by the dev server's streaming handlers
//     (requests, keepalives, client disconnects)
//
// Both register on an injected prometheus.Registerer, so tests use a
// private registry and binaries decide whether to expose /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "deepen"
	sessionSubsystem = "session"
	serverSubsystem  = "devserver"
)

// =============================================================================
// Session Metrics
// =============================================================================

// SessionMetrics holds the client-side stream session metrics.
//
// # Fields
//
//   - SessionsTotal: sessions by policy and outcome (done, failed, cancelled)
//   - ModeTotal: sessions by policy and response mode (json, stream)
//   - FramesTotal: frames decoded, by policy
//   - ParseErrorsTotal: recoverable parse failures, by policy
//   - TimeToFirstChunkSeconds: request start to first content chunk
//   - SessionDurationSeconds: request start to terminal state
//   - ActiveSessions: sessions currently open
type SessionMetrics struct {
	SessionsTotal           *prometheus.CounterVec
	ModeTotal               *prometheus.CounterVec
	FramesTotal             *prometheus.CounterVec
	ParseErrorsTotal        *prometheus.CounterVec
	TimeToFirstChunkSeconds *prometheus.HistogramVec
	SessionDurationSeconds  *prometheus.HistogramVec
	ActiveSessions          *prometheus.GaugeVec
}

// NewSessionMetrics creates and registers session metrics on reg.
//
// Panics if the metrics are already registered on reg, like promauto.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	factory := promauto.With(reg)
	return &SessionMetrics{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "sessions_total",
				Help:      "Stream sessions by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),

		ModeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "response_mode_total",
				Help:      "Stream sessions by policy and response mode",
			},
			[]string{"policy", "mode"},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "frames_total",
				Help:      "Frames decoded from streaming responses",
			},
			[]string{"policy"},
		),

		ParseErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "parse_errors_total",
				Help:      "Frames that failed to parse and were skipped",
			},
			[]string{"policy"},
		),

		TimeToFirstChunkSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request start to first message chunk",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"policy"},
		),

		SessionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "duration_seconds",
				Help:      "Total stream session duration",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"policy", "outcome"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "active",
				Help:      "Stream sessions currently open",
			},
			[]string{"policy"},
		),
	}
}

// SessionStarted increments the active gauge for policy.
func (m *SessionMetrics) SessionStarted(policy string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(policy).Inc()
}

// SessionEnded decrements the active gauge and records the outcome and
// duration.
func (m *SessionMetrics) SessionEnded(policy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(policy).Dec()
	m.SessionsTotal.WithLabelValues(policy, outcome).Inc()
	m.SessionDurationSeconds.WithLabelValues(policy, outcome).Observe(elapsed.Seconds())
}

// RecordMode records which response path a session took.
func (m *SessionMetrics) RecordMode(policy, mode string) {
	if m == nil {
		return
	}
	m.ModeTotal.WithLabelValues(policy, mode).Inc()
}

// RecordFrame counts one decoded frame.
func (m *SessionMetrics) RecordFrame(policy string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(policy).Inc()
}

// RecordParseError counts one recoverable parse failure.
func (m *SessionMetrics) RecordParseError(policy string) {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.WithLabelValues(policy).Inc()
}

// RecordFirstChunk records time to the first content chunk.
func (m *SessionMetrics) RecordFirstChunk(policy string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.WithLabelValues(policy).Observe(elapsed.Seconds())
}

// =============================================================================
// Server Metrics
// =============================================================================

// Route labels a dev server endpoint.
type Route string

const (
	RouteChat       Route = "chat"
	RouteBrainStart Route = "brain_start"
	RouteBrainSend  Route = "brain_send"
	RouteBrainList  Route = "brain_list"
	RouteBrainGet   Route = "brain_get"
)

// ServerMetrics holds the dev server's streaming metrics.
type ServerMetrics struct {
	// RequestsTotal counts requests by route and status (success, error).
	RequestsTotal *prometheus.CounterVec

	// ActiveStreams tracks open SSE responses by route.
	ActiveStreams *prometheus.GaugeVec

	// KeepAlivesTotal counts keepalive comments sent.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal prometheus.Counter
}

// NewServerMetrics creates and registers server metrics on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	factory := promauto.With(reg)
	return &ServerMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "requests_total",
				Help:      "Dev server requests by route and status",
			},
			[]string{"route", "status"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "active_streams",
				Help:      "Open streaming responses",
			},
			[]string{"route"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "keepalives_total",
				Help:      "Keepalive comments sent",
			},
			[]string{"route"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that disconnected mid-stream",
			},
			[]string{"route"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}
}

// RecordRequest records a completed request.
func (m *ServerMetrics) RecordRequest(route Route, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(route), status).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ServerMetrics) StreamStarted(route Route) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(route)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ServerMetrics) StreamEnded(route Route) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(route)).Dec()
}

// RecordKeepAlive increments the keepalive counter.
func (m *ServerMetrics) RecordKeepAlive(route Route) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(route)).Inc()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *ServerMetrics) RecordClientDisconnect(route Route) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(route)).Inc()
}

// RecordRateLimited increments the rate-limited counter.
func (m *ServerMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
