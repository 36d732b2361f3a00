// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deepen/pkg/ux"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func machineOutput(t *testing.T) {
	t.Helper()
	prev := ux.GetPersonality()
	ux.SetPersonality(ux.PersonalityMachine)
	t.Cleanup(func() { ux.SetPersonality(prev) })
}

// recordingTurns records every line it is given.
type recordingTurns struct {
	mu    sync.Mutex
	lines []string
	err   map[string]error
}

func (r *recordingTurns) turn(_ context.Context, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return r.err[line]
}

func (r *recordingTurns) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// blockingReader blocks until release is closed.
type blockingReader struct {
	release chan struct{}
}

func (b *blockingReader) ReadLine() (string, error) {
	<-b.release
	return "", io.EOF
}

// =============================================================================
// Input Reader Tests
// =============================================================================

func TestMockInputReader(t *testing.T) {
	mock := NewMockInputReader([]string{"hello", "exit"})

	line, err := mock.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	line, err = mock.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "exit", line)

	_, err = mock.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdinReader(t *testing.T) {
	r := NewStdinReader(strings.NewReader("  first  \nsecond\nlast"))

	for _, want := range []string{"first", "second", "last"} {
		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewInteractiveInputReader_FallsBackWithoutTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()

	_, ok := NewInteractiveInputReader(f, io.Discard, defaultHistorySize).(*StdinReader)
	assert.True(t, ok)
}

func TestInteractiveInputReader_History(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2}

	r.addToHistory("a")
	r.addToHistory("a")
	r.addToHistory("b")
	r.addToHistory("c")

	assert.Equal(t, []string{"b", "c"}, r.history)
}

func TestIsExitCommand(t *testing.T) {
	for _, in := range []string{"exit", "quit", "/exit", "/quit"} {
		assert.True(t, isExitCommand(in), in)
	}
	for _, in := range []string{"EXIT", "hello", "", "exit now"} {
		assert.False(t, isExitCommand(in), in)
	}
}

// =============================================================================
// Chat Loop Tests
// =============================================================================

func TestChatLoop_RunsTurnsUntilExit(t *testing.T) {
	machineOutput(t)
	turns := &recordingTurns{}
	loop := &chatLoop{
		input:  NewMockInputReader([]string{"one", "", "two", "exit", "never"}),
		out:    io.Discard,
		turn:   turns.turn,
		logger: quietLogger(),
	}

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"one", "two"}, turns.seen())
}

func TestChatLoop_EndOfInputIsNormalExit(t *testing.T) {
	machineOutput(t)
	turns := &recordingTurns{}
	loop := &chatLoop{
		input:  NewMockInputReader([]string{"only"}),
		out:    io.Discard,
		turn:   turns.turn,
		logger: quietLogger(),
	}

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"only"}, turns.seen())
}

func TestChatLoop_FailedTurnIsShownAndLoopContinues(t *testing.T) {
	machineOutput(t)
	var out bytes.Buffer
	turns := &recordingTurns{err: map[string]error{
		"bad":   errors.New("backend unavailable"),
		"shown": &reportedError{err: errors.New("already printed")},
	}}
	loop := &chatLoop{
		input:  NewMockInputReader([]string{"bad", "shown", "good"}),
		out:    &out,
		turn:   turns.turn,
		logger: quietLogger(),
	}

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"bad", "shown", "good"}, turns.seen())
	assert.Equal(t, "ERROR: backend unavailable\n", out.String())
}

func TestChatLoop_InterruptCancelsOnlyTheTurn(t *testing.T) {
	machineOutput(t)
	interrupts := make(chan os.Signal, 1)
	started := make(chan struct{})

	var mu sync.Mutex
	var results []string
	turn := func(ctx context.Context, line string) error {
		if line == "slow" {
			close(started)
			<-ctx.Done()
			mu.Lock()
			results = append(results, "slow cancelled")
			mu.Unlock()
			return ctx.Err()
		}
		mu.Lock()
		results = append(results, line)
		mu.Unlock()
		return nil
	}

	loop := &chatLoop{
		input:      NewMockInputReader([]string{"slow", "after"}),
		out:        io.Discard,
		interrupts: interrupts,
		turn:       turn,
		logger:     quietLogger(),
	}

	go func() {
		<-started
		interrupts <- os.Interrupt
	}()

	require.NoError(t, loop.Run(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"slow cancelled", "after"}, results)
}

func TestChatLoop_InterruptAtPromptExits(t *testing.T) {
	machineOutput(t)
	interrupts := make(chan os.Signal, 1)
	reader := &blockingReader{release: make(chan struct{})}
	defer close(reader.release)

	loop := &chatLoop{
		input:      reader,
		out:        io.Discard,
		interrupts: interrupts,
		turn:       (&recordingTurns{}).turn,
		logger:     quietLogger(),
	}

	interrupts <- os.Interrupt
	assert.NoError(t, loop.Run(context.Background()))
}

func TestChatLoop_ContextCancellation(t *testing.T) {
	machineOutput(t)
	reader := &blockingReader{release: make(chan struct{})}
	defer close(reader.release)

	ctx, cancel := context.WithCancel(context.Background())
	loop := &chatLoop{
		input:  reader,
		out:    io.Discard,
		turn:   (&recordingTurns{}).turn,
		logger: quietLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
