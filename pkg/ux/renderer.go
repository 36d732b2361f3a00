// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/deepen/pkg/stream"
)

// =============================================================================
// Stream Renderer Interface
// =============================================================================

// StreamRenderer renders one assistant reply as it streams in.
//
// Renderers only render. They do not parse, read, or manage HTTP; the
// caller forwards stream callbacks to the matching On* method.
//
// Lifecycle:
//
//  1. Create a renderer with NewTerminalStreamRenderer or
//     NewBufferStreamRenderer.
//  2. Call OnStatus while waiting, then On* methods as events arrive.
//  3. Call exactly one of OnDone, OnError, or OnCancelled.
//  4. Call Finalize (always, even on error), then Result.
//
// Thread Safety:
//
//	Implementations are safe for concurrent calls.
type StreamRenderer interface {
	// OnStatus shows a waiting message until the first delta arrives.
	OnStatus(message string)

	// OnDelta renders a fragment of the reply.
	OnDelta(text string)

	// OnReferences renders the sources cited by the reply.
	OnReferences(refs []stream.Reference)

	// OnDone marks the reply complete. conversationID may be empty.
	OnDone(conversationID string)

	// OnError renders a failure. After OnError only Finalize is called.
	OnError(err error)

	// OnCancelled marks the reply as stopped by the user.
	OnCancelled()

	// Finalize stops any spinner. Safe to call more than once.
	Finalize()

	// Result returns what was rendered so far.
	Result() *StreamResult
}

// StreamResult accumulates one rendered reply.
type StreamResult struct {
	Answer         string
	References     []stream.Reference
	ConversationID string
	Error          string
	Cancelled      bool
	Deltas         int
	StartedAt      time.Time
	FirstDeltaAt   time.Time
	CompletedAt    time.Time
}

// TimeToFirstDelta is zero until a delta arrived.
func (r *StreamResult) TimeToFirstDelta() time.Duration {
	if r.FirstDeltaAt.IsZero() {
		return 0
	}
	return r.FirstDeltaAt.Sub(r.StartedAt)
}

// =============================================================================
// Terminal Stream Renderer
// =============================================================================

const cancelledLabel = "(cancelled)"

// terminalStreamRenderer writes a reply to an interactive terminal.
//
// Personality Modes:
//
//   - PersonalityFull: spinner while waiting, streamed deltas, boxed sources
//   - PersonalityMinimal: streamed deltas and a plain source list
//   - PersonalityMachine: buffered ANSWER/REFERENCE/CONVERSATION/DONE lines
type terminalStreamRenderer struct {
	writer      io.Writer
	personality PersonalityLevel
	spinner     *Spinner
	result      *StreamResult
	answer      strings.Builder
	mu          sync.Mutex

	wroteDelta bool
	finalized  bool
}

// NewTerminalStreamRenderer creates a renderer for terminal output. A nil
// writer defaults to os.Stdout.
func NewTerminalStreamRenderer(w io.Writer, personality PersonalityLevel) StreamRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalStreamRenderer{
		writer:      w,
		personality: personality,
		result:      &StreamResult{StartedAt: time.Now()},
	}
}

func (r *terminalStreamRenderer) OnStatus(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized || r.wroteDelta {
		return
	}
	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "STATUS: %s\n", message)
		return
	}
	if r.personality != PersonalityFull {
		return
	}
	if r.spinner == nil {
		r.spinner = NewSpinner(r.writer, message)
		r.spinner.Start()
		return
	}
	r.spinner.UpdateMessage(message)
}

func (r *terminalStreamRenderer) OnDelta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	if !r.wroteDelta {
		r.wroteDelta = true
		r.result.FirstDeltaAt = time.Now()
		r.stopSpinner()
	}
	r.answer.WriteString(text)
	r.result.Deltas++

	if r.personality == PersonalityMachine {
		return
	}
	fmt.Fprint(r.writer, text)
}

func (r *terminalStreamRenderer) OnReferences(refs []stream.Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized || len(refs) == 0 {
		return
	}
	r.result.References = append(r.result.References, refs...)

	if r.personality == PersonalityMachine {
		for _, ref := range refs {
			fmt.Fprintf(r.writer, "REFERENCE: %s\t%s\n", ref.Title, ref.URL)
		}
		return
	}

	r.stopSpinner()
	if r.wroteDelta {
		fmt.Fprintln(r.writer)
	}
	if r.personality == PersonalityMinimal {
		fmt.Fprintln(r.writer, "Sources:")
		for i, ref := range refs {
			fmt.Fprintf(r.writer, "  %d. %s\n", i+1, referenceLabel(ref))
		}
		fmt.Fprintln(r.writer)
		return
	}

	var content strings.Builder
	for i, ref := range refs {
		content.WriteString(fmt.Sprintf("%d. %s", i+1, referenceLabel(ref)))
		if ref.URL != "" {
			content.WriteString(Styles.Muted.Render(" " + ref.URL))
		}
		if i < len(refs)-1 {
			content.WriteString("\n")
		}
	}
	titleLine := Styles.Subtitle.Render("Sources")
	fmt.Fprintln(r.writer, Styles.InfoBox.Width(boxWidth).Render(titleLine+"\n"+content.String()))
	fmt.Fprintln(r.writer)
}

func (r *terminalStreamRenderer) OnDone(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.result.ConversationID = conversationID
	r.result.CompletedAt = time.Now()
	r.stopSpinner()

	if r.personality == PersonalityMachine {
		if answer := r.answer.String(); answer != "" {
			fmt.Fprintf(r.writer, "ANSWER: %s\n", answer)
		}
		if conversationID != "" {
			fmt.Fprintf(r.writer, "CONVERSATION: %s\n", conversationID)
		}
		fmt.Fprintln(r.writer, "DONE")
		return
	}
	r.endLine()
}

func (r *terminalStreamRenderer) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.result.Error = err.Error()
	r.result.CompletedAt = time.Now()
	r.stopSpinner()

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "ERROR: %v\n", err)
		return
	}
	r.endLine()
	if r.personality == PersonalityMinimal {
		fmt.Fprintf(r.writer, "%s %v\n", IconError, err)
		return
	}
	fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

func (r *terminalStreamRenderer) OnCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.result.Cancelled = true
	r.result.CompletedAt = time.Now()
	r.stopSpinner()

	if r.personality == PersonalityMachine {
		if answer := r.answer.String(); answer != "" {
			fmt.Fprintf(r.writer, "ANSWER: %s\n", answer)
		}
		fmt.Fprintln(r.writer, "CANCELLED")
		return
	}
	r.endLine()
	if r.personality == PersonalityMinimal {
		fmt.Fprintln(r.writer, cancelledLabel)
		return
	}
	fmt.Fprintln(r.writer, Styles.Muted.Render(cancelledLabel))
}

func (r *terminalStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true
	r.stopSpinner()
	if r.result.CompletedAt.IsZero() {
		r.result.CompletedAt = time.Now()
	}
}

func (r *terminalStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := *r.result
	result.Answer = r.answer.String()
	return &result
}

// stopSpinner must be called with mu held.
func (r *terminalStreamRenderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

// endLine terminates a partially written reply. Must be called with mu held.
func (r *terminalStreamRenderer) endLine() {
	if answer := r.answer.String(); answer != "" && !strings.HasSuffix(answer, "\n") {
		fmt.Fprintln(r.writer)
	}
}

func referenceLabel(ref stream.Reference) string {
	switch {
	case ref.Title != "":
		return ref.Title
	case ref.URL != "":
		return ref.URL
	default:
		return ref.ID
	}
}

// =============================================================================
// Buffer Stream Renderer
// =============================================================================

// bufferStreamRenderer records a reply without writing anything.
// Used by scripts and tests that only need the Result.
type bufferStreamRenderer struct {
	mu        sync.Mutex
	result    *StreamResult
	answer    strings.Builder
	finalized bool
}

// NewBufferStreamRenderer creates a renderer that only accumulates.
func NewBufferStreamRenderer() StreamRenderer {
	return &bufferStreamRenderer{result: &StreamResult{StartedAt: time.Now()}}
}

func (r *bufferStreamRenderer) OnStatus(string) {}

func (r *bufferStreamRenderer) OnDelta(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if r.result.Deltas == 0 {
		r.result.FirstDeltaAt = time.Now()
	}
	r.result.Deltas++
	r.answer.WriteString(text)
}

func (r *bufferStreamRenderer) OnReferences(refs []stream.Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.result.References = append(r.result.References, refs...)
	}
}

func (r *bufferStreamRenderer) OnDone(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.result.ConversationID = conversationID
		r.result.CompletedAt = time.Now()
	}
}

func (r *bufferStreamRenderer) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.result.Error = err.Error()
		r.result.CompletedAt = time.Now()
	}
}

func (r *bufferStreamRenderer) OnCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.result.Cancelled = true
		r.result.CompletedAt = time.Now()
	}
}

func (r *bufferStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
}

func (r *bufferStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := *r.result
	result.Answer = r.answer.String()
	return &result
}
