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
	"log/slog"
	"strings"
	"testing"
)

func newTestParser() *Parser {
	return NewParser(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestNewParser_NilLogger(t *testing.T) {
	if NewParser(nil) == nil {
		t.Fatal("NewParser(nil) returned nil")
	}
}

// -----------------------------------------------------------------------------
// Typed events
// -----------------------------------------------------------------------------

func TestParser_TextEvent(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"text","text":"Hello"}`)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != EventText || events[0].Text != "Hello" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[0].IsTerminal() {
		t.Error("text event must not be terminal")
	}
}

func TestParser_TextEventWithoutText(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"text"}`)

	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestParser_ReferencesEvent(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"references","references":[{"id":"c1","title":"Doc","url":"https://example.com","excerpt":"…"}]}`)

	if len(events) != 1 || events[0].Kind != EventReferences {
		t.Fatalf("unexpected events %+v", events)
	}
	refs := events[0].References
	if len(refs) != 1 || refs[0].ID != "c1" || refs[0].Title != "Doc" || refs[0].URL != "https://example.com" {
		t.Errorf("unexpected references %+v", refs)
	}
}

func TestParser_DoneEvent(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"done"}`)

	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].HasConversation() {
		t.Error("done without conversation should not report one")
	}
	if !events[0].IsTerminal() {
		t.Error("done event must be terminal")
	}
}

func TestParser_DoneEventWithConversation(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"done","conversation":{"id":"srv-1","messages":[]}}`)

	if len(events) != 1 || !events[0].HasConversation() {
		t.Fatalf("expected done with conversation, got %+v", events)
	}
	if !strings.Contains(string(events[0].Conversation), `"srv-1"`) {
		t.Errorf("conversation payload not preserved: %s", events[0].Conversation)
	}
}

func TestParser_ErrorEvent(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"error","error":"Server overloaded"}`)

	if len(events) != 1 || events[0].Kind != EventError || events[0].Message != "Server overloaded" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Recoverable || !events[0].IsTerminal() {
		t.Error("server error event must be terminal")
	}
}

func TestParser_ErrorEventWithoutMessage(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"error"}`)

	if len(events) != 1 || events[0].Message != UnknownErrorMessage {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParser_UnknownType(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"heartbeat"}`)

	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

// -----------------------------------------------------------------------------
// Legacy shapes
// -----------------------------------------------------------------------------

func TestParser_LegacyTextAndDone(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"text":"hi","done":true}`)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Kind != EventText || events[0].Text != "hi" {
		t.Errorf("first event = %+v, want text 'hi'", events[0])
	}
	if events[1].Kind != EventDone {
		t.Errorf("second event = %+v, want done", events[1])
	}
}

func TestParser_LegacyAllFieldsInOrder(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"error":"late","done":true,"references":[],"text":"x"}`)

	want := []EventKind{EventText, EventReferences, EventDone, EventError}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d kind = %v, want %v", i, events[i].Kind, kind)
		}
	}
}

func TestParser_LegacyDoneFalse(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"text":"a","done":false}`)

	if len(events) != 1 || events[0].Kind != EventText {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParser_LegacyNonStringText(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"text":42}`)

	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

// -----------------------------------------------------------------------------
// Raw text, unhandled shapes, failures
// -----------------------------------------------------------------------------

func TestParser_NotJSONBecomesRawText(t *testing.T) {
	p := newTestParser()

	first := p.ParseFrame("data: not-json")
	second := p.ParseFrame(`data: {"type":"text","text":"ok"}`)

	if len(first) != 1 || first[0].Kind != EventRawText || first[0].Text != "not-json" {
		t.Fatalf("first frame events = %+v", first)
	}
	if len(second) != 1 || second[0].Text != "ok" {
		t.Fatalf("second frame events = %+v", second)
	}
}

func TestParser_ArrayAndPrimitivePayloads(t *testing.T) {
	p := newTestParser()

	for _, frame := range []string{`data: [1,2]`, `data: "hello"`, `data: 42`, `data: null`, `data: true`} {
		if events := p.ParseFrame(frame); len(events) != 0 {
			t.Errorf("ParseFrame(%q) = %+v, want nothing", frame, events)
		}
	}
}

func TestParser_MalformedReferencesIsRecoverable(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":"references","references":"nope"}`)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
	if events[0].Kind != EventError || events[0].Message != ParseFailureMessage || !events[0].Recoverable {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[0].IsTerminal() {
		t.Error("parse failure must not be terminal")
	}
}

func TestParser_NonStringTypeIsRecoverable(t *testing.T) {
	events := newTestParser().ParseFrame(`data: {"type":7}`)

	if len(events) != 1 || events[0].Message != ParseFailureMessage {
		t.Fatalf("unexpected events %+v", events)
	}
}

// -----------------------------------------------------------------------------
// Frame structure
// -----------------------------------------------------------------------------

func TestParser_MultipleDataLines(t *testing.T) {
	frame := "data: {\"type\":\"text\",\"text\":\"a\"}\ndata: {\"type\":\"text\",\"text\":\"b\"}"

	events := newTestParser().ParseFrame(frame)

	if len(events) != 2 || events[0].Text != "a" || events[1].Text != "b" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParser_IgnoresNonDataLines(t *testing.T) {
	frame := ": keep-alive\nid: 7\nevent: message\nretry: 1000\ndata: {\"type\":\"done\"}"

	events := newTestParser().ParseFrame(frame)

	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParser_DataWithoutSpace(t *testing.T) {
	events := newTestParser().ParseFrame(`data:{"type":"text","text":"tight"}`)

	if len(events) != 1 || events[0].Text != "tight" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParser_EmptyAndWhitespaceFrames(t *testing.T) {
	p := newTestParser()

	for _, frame := range []string{"", "   ", "data:", "data:    ", "\n\n"} {
		if events := p.ParseFrame(frame); len(events) != 0 {
			t.Errorf("ParseFrame(%q) = %+v, want nothing", frame, events)
		}
	}
}
