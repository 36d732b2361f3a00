// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Session Metrics
// =============================================================================

func TestNewSessionMetrics_RegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)

	m.SessionStarted("chat")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["deepen_session_active"])
}

func TestNewSessionMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewSessionMetrics(reg)

	assert.Panics(t, func() { NewSessionMetrics(reg) })
}

func TestSessionMetrics_Lifecycle(t *testing.T) {
	m := NewSessionMetrics(prometheus.NewRegistry())

	m.SessionStarted("brain_send")
	m.SessionStarted("brain_send")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("brain_send")))

	m.SessionEnded("brain_send", "done", 2*time.Second)
	m.SessionEnded("brain_send", "cancelled", time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("brain_send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("brain_send", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("brain_send", "cancelled")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.SessionDurationSeconds))
}

func TestSessionMetrics_Counters(t *testing.T) {
	m := NewSessionMetrics(prometheus.NewRegistry())

	m.RecordMode("chat", "stream")
	m.RecordFrame("chat")
	m.RecordFrame("chat")
	m.RecordParseError("chat")
	m.RecordFirstChunk("chat", 300*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModeTotal.WithLabelValues("chat", "stream")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrorsTotal.WithLabelValues("chat")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TimeToFirstChunkSeconds))
}

func TestSessionMetrics_NilIsNoop(t *testing.T) {
	var m *SessionMetrics

	assert.NotPanics(t, func() {
		m.SessionStarted("chat")
		m.SessionEnded("chat", "done", time.Second)
		m.RecordMode("chat", "json")
		m.RecordFrame("chat")
		m.RecordParseError("chat")
		m.RecordFirstChunk("chat", time.Second)
	})
}

// =============================================================================
// Server Metrics
// =============================================================================

func TestServerMetrics_RecordRequest(t *testing.T) {
	m := NewServerMetrics(prometheus.NewRegistry())

	m.RecordRequest(RouteBrainStart, true)
	m.RecordRequest(RouteBrainStart, false)
	m.RecordRequest(RouteBrainStart, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("brain_start", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("brain_start", "error")))
}

func TestServerMetrics_Streams(t *testing.T) {
	m := NewServerMetrics(prometheus.NewRegistry())

	m.StreamStarted(RouteChat)
	m.RecordKeepAlive(RouteChat)
	m.RecordClientDisconnect(RouteChat)
	m.StreamEnded(RouteChat)
	m.RecordRateLimited()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))
}

func TestServerMetrics_BothSetsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	assert.NotPanics(t, func() {
		NewSessionMetrics(reg)
		NewServerMetrics(reg)
	})
}
