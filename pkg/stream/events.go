// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import "encoding/json"

// EventKind identifies the variant carried by a StreamEvent.
type EventKind string

const (
	// EventText is an incremental fragment of assistant text.
	EventText EventKind = "text"

	// EventReferences carries the knowledge sources the answer is grounded in.
	EventReferences EventKind = "references"

	// EventDone marks successful completion of the stream. It may carry the
	// authoritative conversation as persisted by the server.
	EventDone EventKind = "done"

	// EventError is a server-reported or parser-reported failure.
	EventError EventKind = "error"

	// EventRawText is a payload that was not JSON. Older servers stream plain
	// text chunks, which are treated as literal assistant content.
	EventRawText EventKind = "raw_text"
)

const (
	// UnknownErrorMessage is used when an error event carries no message.
	UnknownErrorMessage = "Unknown error occurred"

	// ParseFailureMessage is reported for a frame the parser could not handle.
	ParseFailureMessage = "Failed to parse server response"
)

// Reference is a knowledge source cited by the assistant.
type Reference struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt,omitempty"`
}

// StreamEvent is a single typed event decoded from one data line.
//
// Events are transient: they are produced by the Parser and handed straight
// to session callbacks, never stored.
type StreamEvent struct {
	Kind EventKind

	// Text is set for EventText and EventRawText.
	Text string

	// References is set for EventReferences.
	References []Reference

	// Conversation is the raw final conversation payload of an EventDone,
	// nil when the server did not embed one.
	Conversation json.RawMessage

	// Message is set for EventError.
	Message string

	// Recoverable marks an EventError produced by the parser itself rather
	// than sent by the server. The session keeps reading after it.
	Recoverable bool
}

// IsTerminal reports whether the event ends the session.
func (e StreamEvent) IsTerminal() bool {
	switch e.Kind {
	case EventDone:
		return true
	case EventError:
		return !e.Recoverable
	default:
		return false
	}
}

// HasConversation reports whether a done event embeds a final conversation.
func (e StreamEvent) HasConversation() bool {
	return len(e.Conversation) > 0 && string(e.Conversation) != "null"
}
