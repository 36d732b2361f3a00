// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the Deepen stream protocol to an HTTP response.
//
// # Description
//
// Every event is one frame of a single data line:
//
//	data: {"type":"text","text":"Hel"}
//
// In legacy mode the type discriminator is dropped and the payload carries
// the untyped fields older servers sent:
//
//	data: {"text":"Hel"}
//	data: {"done":true}
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keepalive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteText writes one text delta.
	WriteText(text string) error

	// WriteReferences writes the references for the reply.
	WriteReferences(refs []stream.Reference) error

	// WriteDone writes the terminal done event. conv may be nil.
	WriteDone(conv *datatypes.Conversation) error

	// WriteError writes a terminal error event. The message must not
	// expose internal details.
	WriteError(message string) error

	// WriteKeepAlive writes an SSE comment, which clients ignore.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	legacy  bool
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter. Call SetSSEHeaders first.
//
// w must implement http.Flusher; gin's ResponseWriter does.
func NewSSEWriter(w http.ResponseWriter, legacy bool) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &sseWriter{writer: w, flusher: flusher, legacy: legacy}, nil
}

// typedFrame is the modern payload shape.
type typedFrame struct {
	Type         string                  `json:"type"`
	Text         string                  `json:"text,omitempty"`
	References   []stream.Reference      `json:"references,omitempty"`
	Conversation *datatypes.Conversation `json:"conversation,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// legacyFrame is the untyped payload shape.
type legacyFrame struct {
	Text         *string                 `json:"text,omitempty"`
	References   []stream.Reference      `json:"references,omitempty"`
	Done         bool                    `json:"done,omitempty"`
	Conversation *datatypes.Conversation `json:"conversation,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

func (w *sseWriter) WriteText(text string) error {
	if w.legacy {
		return w.write(legacyFrame{Text: &text})
	}
	return w.write(typedFrame{Type: string(stream.EventText), Text: text})
}

func (w *sseWriter) WriteReferences(refs []stream.Reference) error {
	if refs == nil {
		refs = []stream.Reference{}
	}
	if w.legacy {
		return w.write(legacyFrame{References: refs})
	}
	return w.write(typedFrame{Type: string(stream.EventReferences), References: refs})
}

func (w *sseWriter) WriteDone(conv *datatypes.Conversation) error {
	if w.legacy {
		return w.write(legacyFrame{Done: true, Conversation: conv})
	}
	return w.write(typedFrame{Type: string(stream.EventDone), Conversation: conv})
}

func (w *sseWriter) WriteError(message string) error {
	if w.legacy {
		return w.write(legacyFrame{Error: message})
	}
	return w.write(typedFrame{Type: string(stream.EventError), Error: message})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) write(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the event-stream headers. Call before writing the body.
//
// X-Accel-Buffering disables proxy buffering in nginx.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
