// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Interactive chat loop shared by `deepen chat` and `deepen brain chat`.
//
// Architecture:
//
//	chatLoop ── InputReader (stdin, bubbletea or mock)
//	    │
//	    └── turnFunc ── api.Client.Chat / conversation.Reconciler
//	                        │
//	                        └── ux.StreamRenderer
//
// SIGINT while a reply streams cancels only that turn's context. SIGINT at
// the prompt ends the loop.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/deepen/pkg/ux"
)

const defaultHistorySize = 50

// errInterrupted ends the loop when SIGINT arrives at the prompt.
var errInterrupted = errors.New("interrupted at prompt")

// =============================================================================
// InputReader Interface
// =============================================================================

// InputReader abstracts user input reading for testability.
//
// # Outputs
//
// ReadLine returns the line read (trimmed) and any error. It returns io.EOF
// when input is exhausted.
//
// # Limitations
//
//   - Does not support multi-line input
type InputReader interface {
	ReadLine() (string, error)
}

// PromptingInputReader is implemented by readers that draw their own
// prompt. The loop checks for it to avoid double-prompting.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// =============================================================================
// StdinReader Implementation
// =============================================================================

// StdinReader reads lines from a plain reader such as piped stdin.
//
// # Thread Safety
//
// Not thread-safe. Do not share across goroutines.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader wraps r.
func NewStdinReader(r io.Reader) *StdinReader {
	return &StdinReader{reader: bufio.NewReader(r)}
}

// ReadLine reads until newline and returns the trimmed line. A final line
// without a newline is returned before io.EOF.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// InteractiveInputReader Implementation (with history)
// =============================================================================

// InteractiveInputReader reads lines with a bubbletea text input.
//
// # Description
//
// Provides up/down history navigation and line editing. Ctrl-C clears the
// line, Ctrl-D on an empty line returns io.EOF. The terminal is in raw
// mode only while a line is being read, so SIGINT still reaches the loop
// while a reply streams.
//
// # Limitations
//
//   - History is in memory only
//
// # Thread Safety
//
// Not thread-safe. Single reader per terminal.
type InteractiveInputReader struct {
	in         *os.File
	out        io.Writer
	history    []string
	maxHistory int
	prompt     string
}

// inputModel is the bubbletea model for one line of input.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string
	done         bool
	eof          bool
}

// NewInteractiveInputReader returns an InteractiveInputReader on in, or a
// StdinReader when in is not a terminal (piped input, CI).
func NewInteractiveInputReader(in *os.File, out io.Writer, maxHistory int) InputReader {
	if !ux.IsTerminal(in) {
		return NewStdinReader(in)
	}
	return &InteractiveInputReader{
		in:         in,
		out:        out,
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
}

// SetPrompt implements PromptingInputReader.
func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine reads one line. Non-empty lines are added to the history.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 8192
	ti.Width = 80

	m := inputModel{
		textInput:    ti,
		history:      r.history,
		historyIndex: -1,
	}

	p := tea.NewProgram(m, tea.WithInput(r.in), tea.WithOutput(r.out))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}
	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		// Echo the submitted line; the model clears itself on exit.
		fmt.Fprintln(r.out, r.prompt+input)
		r.addToHistory(input)
	}
	return input, nil
}

func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			if m.textInput.Value() == "" {
				m.eof = true
				m.done = true
				return m, tea.Quit
			}

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// MockInputReader Implementation (for testing)
// =============================================================================

// MockInputReader returns predetermined lines, then io.EOF.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a MockInputReader.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next line or io.EOF.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// =============================================================================
// Chat Loop
// =============================================================================

// turnFunc sends one user line and renders the reply. It returns when the
// reply has ended. A cancelled turn returns context.Canceled.
type turnFunc func(ctx context.Context, line string) error

// chatLoop reads lines and runs a turn for each.
type chatLoop struct {
	input      InputReader
	out        io.Writer
	interrupts <-chan os.Signal
	turn       turnFunc
	logger     *slog.Logger
}

// Run executes the loop until exit, end of input, SIGINT at the prompt or
// cancellation of ctx.
//
// # Outputs
//
// nil on a normal exit, ctx.Err() when ctx is cancelled, or a read error.
// Failed turns are shown and the loop continues.
func (l *chatLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := l.readLine(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, errInterrupted):
			return nil
		case err != nil:
			return err
		}

		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if err := l.runTurn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var reported *reportedError
			if !errors.As(err, &reported) {
				ux.Error(l.out, err.Error())
			}
			l.logger.Debug("turn failed", "error", err)
		}
	}
}

// readLine prompts and reads one line. The read runs on its own goroutine
// so SIGINT and ctx can end the wait.
func (l *chatLoop) readLine(ctx context.Context) (string, error) {
	if p, ok := l.input.(PromptingInputReader); ok {
		p.SetPrompt(ux.Prompt())
	} else {
		fmt.Fprint(l.out, ux.Prompt())
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := l.input.ReadLine()
		ch <- result{line, err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-l.interrupts:
		fmt.Fprintln(l.out)
		return "", errInterrupted
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runTurn runs one turn. SIGINT cancels the turn and is not an error.
func (l *chatLoop) runTurn(ctx context.Context, line string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.turn(turnCtx, line) }()

	select {
	case err := <-done:
		return err
	case <-l.interrupts:
		l.logger.Debug("reply cancelled by interrupt")
		cancel()
		return quietCancel(<-done)
	}
}

// isExitCommand reports whether input ends the chat.
func isExitCommand(input string) bool {
	switch input {
	case "exit", "quit", "/exit", "/quit":
		return true
	}
	return false
}
