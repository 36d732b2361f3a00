// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidContext is returned when a ContextSnapshot mixes the full
// knowledge base with an explicit source selection.
var ErrInvalidContext = errors.New("context snapshot: full knowledge base excludes explicit sources")

// maxTitleRunes bounds titles derived from a first message.
const maxTitleRunes = 60

// =============================================================================
// Context Snapshot
// =============================================================================

// ContextSnapshot records which knowledge sources a conversation is grounded
// in, taken once when the conversation starts.
//
// FullKnowledgeBase and the explicit id sets are mutually exclusive. A
// snapshot with neither is valid and means "no grounding".
//
// Treat snapshots as immutable: NewContextSnapshot and Clone copy the id
// slices, so a snapshot never aliases the draft it was taken from.
type ContextSnapshot struct {
	FullKnowledgeBase bool     `json:"fullKnowledgeBase"`
	CollectionIDs     []string `json:"collectionIds,omitempty"`
	CaptureIDs        []string `json:"captureIds,omitempty"`
	BookmarkIDs       []string `json:"bookmarkIds,omitempty"`
}

// NewContextSnapshot builds a validated snapshot.
func NewContextSnapshot(fullKB bool, collections, captures, bookmarks []string) (ContextSnapshot, error) {
	snap := ContextSnapshot{
		FullKnowledgeBase: fullKB,
		CollectionIDs:     slices.Clone(collections),
		CaptureIDs:        slices.Clone(captures),
		BookmarkIDs:       slices.Clone(bookmarks),
	}
	if err := snap.Validate(); err != nil {
		return ContextSnapshot{}, err
	}
	return snap, nil
}

// Validate enforces the mutual exclusion between FullKnowledgeBase and the
// explicit id sets.
func (c ContextSnapshot) Validate() error {
	if c.FullKnowledgeBase && c.HasExplicitSources() {
		return ErrInvalidContext
	}
	return nil
}

// HasExplicitSources reports whether any collection, capture or bookmark
// id is set.
func (c ContextSnapshot) HasExplicitSources() bool {
	return len(c.CollectionIDs) > 0 || len(c.CaptureIDs) > 0 || len(c.BookmarkIDs) > 0
}

// Clone returns a deep copy.
func (c ContextSnapshot) Clone() ContextSnapshot {
	return ContextSnapshot{
		FullKnowledgeBase: c.FullKnowledgeBase,
		CollectionIDs:     slices.Clone(c.CollectionIDs),
		CaptureIDs:        slices.Clone(c.CaptureIDs),
		BookmarkIDs:       slices.Clone(c.BookmarkIDs),
	}
}

// Describe renders the snapshot for terminal output.
func (c ContextSnapshot) Describe() string {
	if c.FullKnowledgeBase {
		return "full knowledge base"
	}
	var parts []string
	if n := len(c.CollectionIDs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d collection(s)", n))
	}
	if n := len(c.CaptureIDs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d capture(s)", n))
	}
	if n := len(c.BookmarkIDs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d bookmark(s)", n))
	}
	if len(parts) == 0 {
		return "no sources"
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is a titled, ordered sequence of messages.
//
// # Description
//
// ID is either a client-generated temporary id or the id the server
// assigned. The reconciler swaps one for the other atomically, so callers
// never see both for the same logical conversation.
//
// # Wire Format
//
// Servers may send "_id" instead of "id", and timestamps as RFC 3339
// strings or Unix milliseconds. Responses arrive wrapped in an Envelope:
//
//	{"data":{"_id":"c1","title":"…","createdAt":"2025-01-02T10:00:00Z","messages":[…]}}
type Conversation struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	CreatedAt    time.Time        `json:"createdAt"`
	Context      *ContextSnapshot `json:"context,omitempty"`
	ModelID      string           `json:"modelId,omitempty"`
	Messages     []Message        `json:"messages"`
	LastActivity *time.Time       `json:"lastActivity,omitempty"`
	IsActive     *bool            `json:"isActive,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate stored state behind the store's back.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = slices.Clone(c.Messages)
	if c.Context != nil {
		ctx := c.Context.Clone()
		out.Context = &ctx
	}
	if c.LastActivity != nil {
		t := *c.LastActivity
		out.LastActivity = &t
	}
	if c.IsActive != nil {
		b := *c.IsActive
		out.IsActive = &b
	}
	return &out
}

// Touch sets LastActivity to now.
func (c *Conversation) Touch() {
	now := time.Now().UTC()
	c.LastActivity = &now
}

// LastMessage returns a pointer to the final message, or nil.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// FindMessage returns the index of the message with the given id, or -1.
func (c *Conversation) FindMessage(id string) int {
	return slices.IndexFunc(c.Messages, func(m Message) bool { return m.ID == id })
}

// History returns the messages to send upstream: everything except
// assistant messages that are still streaming or carry no content.
func (c *Conversation) History() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleAssistant && (m.Status == StatusSending || m.Content == "") {
			continue
		}
		out = append(out, m)
	}
	return out
}

// UnmarshalJSON decodes the lenient server shape described on Conversation.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var wire struct {
		plain
		AltID        string          `json:"_id"`
		CreatedAt    json.RawMessage `json:"createdAt"`
		LastActivity json.RawMessage `json:"lastActivity"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	conv := Conversation(wire.plain)
	if conv.ID == "" {
		conv.ID = wire.AltID
	}

	created, err := ParseWireTime(wire.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation %q createdAt: %w", conv.ID, err)
	}
	conv.CreatedAt = created

	if !isAbsent(wire.LastActivity) {
		last, err := ParseWireTime(wire.LastActivity)
		if err != nil {
			return fmt.Errorf("conversation %q lastActivity: %w", conv.ID, err)
		}
		conv.LastActivity = &last
	}

	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	*c = conv
	return nil
}

// TitleFromMessage derives a conversation title from its first message:
// whitespace collapsed, cut at maxTitleRunes with an ellipsis.
func TitleFromMessage(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the {"data": …} wrapper every REST response uses.
type Envelope[T any] struct {
	Data T `json:"data"`
}

// ConversationSummary is the list-endpoint projection of a conversation.
type ConversationSummary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	MessageCount int        `json:"messageCount"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// Summarize projects c for the list endpoint.
func (c *Conversation) Summarize() ConversationSummary {
	last := c.LastActivity
	if last == nil && !c.CreatedAt.IsZero() {
		t := c.CreatedAt
		last = &t
	}
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		LastActivity: last,
	}
}
