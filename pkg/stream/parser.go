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

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// =============================================================================
// Parser
// =============================================================================

// Parser turns frames into typed StreamEvents.
//
// Wire format:
//
//	data: {"type":"text","text":"Hel"}
//
//	data: {"type":"references","references":[{"id":"c1","title":"Doc","url":"https://…"}]}
//
//	data: {"type":"done","conversation":{...}}
//
// Servers that predate the typed protocol send objects without "type"
// ({"text":"hi","done":true}) or plain text that is not JSON at all. Both
// shapes are still accepted.
//
// Thread Safety:
//
//	Parser is stateless and safe for concurrent use.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser. A nil logger falls back to slog.Default().
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// ParseFrame parses every data line of one frame, in textual order.
//
// Lines without a "data:" prefix (comments, id, event, retry) are skipped.
// A failure on one line never affects the others.
func (p *Parser) ParseFrame(frame string) []StreamEvent {
	var events []StreamEvent
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		events = append(events, p.ParsePayload(payload)...)
	}
	return events
}

// ParsePayload parses the content of a single data line.
//
// Any panic raised while interpreting the payload is contained here and
// reported as one recoverable error event.
func (p *Parser) ParsePayload(payload string) (events []StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stream payload handler panicked",
				"panic", fmt.Sprint(r),
				"payload_length", len(payload),
			)
			events = []StreamEvent{parseFailure()}
		}
	}()

	data := []byte(payload)
	if !json.Valid(data) {
		return []StreamEvent{{Kind: EventRawText, Text: payload}}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		p.logger.Warn("unhandled stream payload shape",
			"payload_length", len(payload),
			"first_byte", string(trimmed[:1]),
		)
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		p.logger.Error("failed to decode stream payload", "error", err)
		return []StreamEvent{parseFailure()}
	}

	var (
		evs []StreamEvent
		err error
	)
	if rawType, ok := fields["type"]; ok {
		evs, err = p.parseTyped(rawType, fields)
	} else {
		evs, err = p.parseLegacy(fields)
	}
	if err != nil {
		p.logger.Error("malformed stream payload", "error", err)
		return []StreamEvent{parseFailure()}
	}
	return evs
}

// parseTyped dispatches on the "type" discriminator.
func (p *Parser) parseTyped(rawType json.RawMessage, fields map[string]json.RawMessage) ([]StreamEvent, error) {
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return nil, fmt.Errorf("type discriminator: %w", err)
	}

	switch EventKind(kind) {
	case EventText:
		text, ok, err := stringField(fields, "text")
		if err != nil {
			return nil, err
		}
		if !ok {
			p.logger.Debug("text event without text field")
			return nil, nil
		}
		return []StreamEvent{{Kind: EventText, Text: text}}, nil

	case EventReferences:
		raw, ok := fields["references"]
		if !ok {
			p.logger.Debug("references event without references field")
			return nil, nil
		}
		refs, err := decodeReferences(raw)
		if err != nil {
			return nil, err
		}
		return []StreamEvent{{Kind: EventReferences, References: refs}}, nil

	case EventDone:
		return []StreamEvent{doneEvent(fields)}, nil

	case EventError:
		return []StreamEvent{errorEvent(fields)}, nil

	default:
		p.logger.Debug("ignoring unknown stream event type", "type", kind)
		return nil, nil
	}
}

// parseLegacy inspects an untyped object field by field.
//
// A single legacy frame may legitimately yield several events, always in
// the order text, references, done, error.
func (p *Parser) parseLegacy(fields map[string]json.RawMessage) ([]StreamEvent, error) {
	var events []StreamEvent

	if raw, ok := fields["text"]; ok {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			events = append(events, StreamEvent{Kind: EventText, Text: text})
		}
	}

	if raw, ok := fields["references"]; ok {
		refs, err := decodeReferences(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, StreamEvent{Kind: EventReferences, References: refs})
	}

	if raw, ok := fields["done"]; ok {
		var done bool
		if json.Unmarshal(raw, &done) == nil && done {
			events = append(events, doneEvent(fields))
		}
	}

	if _, ok := fields["error"]; ok {
		events = append(events, errorEvent(fields))
	}

	if len(events) == 0 {
		p.logger.Debug("legacy stream payload carried no known fields", "field_count", len(fields))
	}
	return events, nil
}

// =============================================================================
// Helpers
// =============================================================================

func stringField(fields map[string]json.RawMessage, name string) (string, bool, error) {
	raw, ok := fields[name]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("field %q: %w", name, err)
	}
	return s, true, nil
}

func decodeReferences(raw json.RawMessage) ([]Reference, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var refs []Reference
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	return refs, nil
}

func doneEvent(fields map[string]json.RawMessage) StreamEvent {
	ev := StreamEvent{Kind: EventDone}
	if raw, ok := fields["conversation"]; ok && string(raw) != "null" {
		ev.Conversation = raw
	}
	return ev
}

func errorEvent(fields map[string]json.RawMessage) StreamEvent {
	msg := UnknownErrorMessage
	if raw, ok := fields["error"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			msg = s
		}
	}
	return StreamEvent{Kind: EventError, Message: msg}
}

func parseFailure() StreamEvent {
	return StreamEvent{Kind: EventError, Message: ParseFailureMessage, Recoverable: true}
}
