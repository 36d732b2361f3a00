// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the Deepen
// streaming client, the conversation reconciler and the dev server.
//
// This file contains Message and its wire decoding. For conversations and
// context snapshots, see conversation.go. For request bodies, see request.go.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
)

// =============================================================================
// Roles and Statuses
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	// StatusSending marks an assistant message that is still streaming.
	StatusSending MessageStatus = "sending"

	// StatusSent marks a message that is complete.
	StatusSent MessageStatus = "sent"

	// StatusError marks an assistant message whose stream failed after
	// some content had already arrived.
	StatusError MessageStatus = "error"
)

// CancellationNotice is the fixed content shown in place of an assistant
// reply the user cancelled.
const CancellationNotice = "Response cancelled."

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a conversation.
//
// # Description
//
// Content is appended to only while an assistant message is streaming.
// Once Status leaves StatusSending the message is treated as final.
//
// # Wire Format
//
// Outbound, Message encodes with "id" and "createdAt". Inbound, the
// decoder also accepts "_id" for the id and "timestamp" for the creation
// time, and the time may be an RFC 3339 string or Unix milliseconds:
//
//	{"_id":"m1","role":"assistant","content":"Hi","timestamp":1735817400000}
//
// A server message without a status is taken to be StatusSent.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role" validate:"required,oneof=user assistant system"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    MessageStatus `json:"status,omitempty" validate:"omitempty,oneof=sending sent error"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(role Role, content string, status MessageStatus) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Status:    status,
	}
}

// IsPendingAssistant reports whether m is an assistant message still
// receiving stream content.
func (m Message) IsPendingAssistant() bool {
	return m.Role == RoleAssistant && m.Status == StatusSending
}

// UnmarshalJSON decodes the lenient server shape described on Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var wire struct {
		plain
		AltID     string          `json:"_id"`
		CreatedAt json.RawMessage `json:"createdAt"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	msg := Message(wire.plain)
	if msg.ID == "" {
		msg.ID = wire.AltID
	}

	raw := wire.CreatedAt
	if isAbsent(raw) {
		raw = wire.Timestamp
	}
	created, err := ParseWireTime(raw)
	if err != nil {
		return fmt.Errorf("message %q createdAt: %w", msg.ID, err)
	}
	msg.CreatedAt = created

	if msg.Status == "" {
		msg.Status = StatusSent
	}
	*m = msg
	return nil
}

// =============================================================================
// Wire Time
// =============================================================================

// ParseWireTime decodes a JSON timestamp that may be an RFC 3339 (or other
// strfmt-accepted) date-time string or a number of Unix milliseconds.
// An absent or null value yields the zero time.
func ParseWireTime(raw json.RawMessage) (time.Time, error) {
	if isAbsent(raw) {
		return time.Time{}, nil
	}

	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		dt, err := strfmt.ParseDateTime(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Time(dt).UTC(), nil
	}

	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
