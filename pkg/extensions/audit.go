// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit event types.
const (
	EventConversationCreated = "conversation.created"
	EventMessageSent         = "conversation.message"
	EventChatCompleted       = "chat.completed"
	EventMessageBlocked      = "chat.blocked"
)

// Audit outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeBlocked      = "blocked"
	OutcomeDisconnected = "disconnected"
)

// AuditEvent is one recorded conversation event.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:      EventConversationCreated,
//	    RequestID:      req.RequestID,
//	    ConversationID: conv.ID,
//	    Outcome:        OutcomeSuccess,
//	    Metadata:       map[string]any{"route": "brain_start"},
//	}
type AuditEvent struct {
	// EventType is one of the Event constants.
	EventType string

	// Timestamp is when the event occurred. If zero, implementations set
	// it to time.Now().UTC().
	Timestamp time.Time

	// RequestID is the client's request id.
	RequestID string

	// ConversationID is empty for generic chat.
	ConversationID string

	// Outcome is one of the Outcome constants.
	Outcome string

	// Metadata holds event-specific details such as "route", "error",
	// "reply_bytes" and "duration_ms".
	Metadata map[string]any
}

// AuditLogger records audit events.
type AuditLogger interface {
	// Log records an event. Errors are reported but never fail the request.
	Log(ctx context.Context, event AuditEvent) error

	// Flush writes buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Flush does nothing.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes each event as an info record.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates a SlogAuditLogger. A nil logger means
// slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("component", "audit")}
}

// Log writes the event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"event_type", event.EventType,
		"timestamp", event.Timestamp,
		"request_id", event.RequestID,
		"outcome", event.Outcome,
	}
	if event.ConversationID != "" {
		attrs = append(attrs, "conversation_id", event.ConversationID)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Flush does nothing; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// MemoryAuditLogger keeps events in memory.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Log appends the event.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Flush does nothing.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
