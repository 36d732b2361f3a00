// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_SlogRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := fromSlogLevel(level.toSlogLevel()); got != level {
			t.Errorf("fromSlogLevel(%v.toSlogLevel()) = %v", level, got)
		}
	}
	if Level(99).toSlogLevel() != slog.LevelInfo {
		t.Error("unknown level should map to Info")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "cli", Output: &buf})
	defer logger.Close()

	logger.Info("stream opened", "policy", "chat")

	out := buf.String()
	for _, want := range []string{"stream opened", "policy=chat", "service=cli"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, JSON: true, Output: &buf})
	defer logger.Close()

	logger.Info("hello", "count", 3)

	if !strings.Contains(buf.String(), `"msg":"hello"`) || !strings.Contains(buf.String(), `"count":3`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Error("should not appear")

	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "devserver", Quiet: true})

	logger.Info("to file", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "devserver_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("file content = %q", data)
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("x")
	logger.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "deepen_*.log"))
	if len(matches) != 1 {
		t.Errorf("expected one deepen_*.log file, got %v", matches)
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected warning about file logging, got %q", buf.String())
	}
	logger.Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("logger should keep writing to console")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()

	if logger.config.Service != "deepen" || logger.config.Level != LevelInfo {
		t.Errorf("unexpected default config %+v", logger.config)
	}
}

// =============================================================================
// Logging Tests
// =============================================================================

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	defer logger.Close()

	logger.Debug("debug-msg")
	logger.Info("info-msg")
	logger.Warn("warn-msg")
	logger.Error("error-msg")

	out := buf.String()
	if strings.Contains(out, "debug-msg") || strings.Contains(out, "info-msg") {
		t.Errorf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "warn-msg") || !strings.Contains(out, "error-msg") {
		t.Errorf("missing expected levels: %q", out)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})
	defer logger.Close()

	child := logger.With("conversation_id", "c-1")
	child.Info("rekeyed")

	if !strings.Contains(buf.String(), "conversation_id=c-1") {
		t.Errorf("child attrs missing: %q", buf.String())
	}
	if child.exporter != logger.exporter || child.file != logger.file {
		t.Error("child should share parent resources")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("tick", "worker", n)
			}
		}(i)
	}
	wg.Wait()

	if got := len(exporter.Entries()); got != 1000 {
		t.Errorf("exported %d entries, want 1000", got)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestExporter_ReceivesSlogRecords(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "cli", Quiet: true, Exporter: exporter})
	defer logger.Close()

	// Library packages log through the injected *slog.Logger.
	lib := logger.Slog().With("component", "session")
	lib.Warn("frame skipped", "reason", "malformed")
	lib.Debug("filtered")

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %+v", entries)
	}
	entry := entries[0]
	if entry.Message != "frame skipped" || entry.Level != LevelWarn || entry.Service != "cli" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Attrs["component"] != "session" || entry.Attrs["reason"] != "malformed" {
		t.Errorf("unexpected attrs %+v", entry.Attrs)
	}
	if _, ok := entry.Attrs["service"]; ok {
		t.Error("service should be carried on the entry, not in attrs")
	}
}

func TestExporter_GroupsFlattenKeys(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.Slog().WithGroup("http").Info("request", "status", 200)

	entries := exporter.Entries()
	if len(entries) != 1 || entries[0].Attrs["http.status"] != int64(200) {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestBufferedExporter_Messages(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelDebug, Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.Debug("a")
	logger.Warn("b")
	logger.Error("c")

	got := exporter.Messages(LevelWarn)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Messages(Warn) = %v", got)
	}
}

func TestBufferedExporter_Entries_ReturnsCopy(t *testing.T) {
	exporter := NewBufferedExporter()
	_ = exporter.Export(context.Background(), LogEntry{Message: "original"})

	entries := exporter.Entries()
	entries[0].Message = "mutated"

	if exporter.Entries()[0].Message != "original" {
		t.Error("Entries() should return a copy")
	}
}

type failingExporter struct {
	BufferedExporter
}

func (f *failingExporter) Flush(context.Context) error { return errors.New("flush failed") }

func TestLogger_Close_ExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{}})

	err := logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Close() error = %v, want flush failure", err)
	}
	if logger.Close() != nil {
		t.Error("second Close() should be a no-op")
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestMultiHandler_Enabled(t *testing.T) {
	debug := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	errOnly := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})

	h := &multiHandler{handlers: []slog.Handler{errOnly, debug}}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("should be enabled when any handler is")
	}

	h = &multiHandler{handlers: []slog.Handler{errOnly}}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("should be disabled when no handler is")
	}
}

func TestMultiHandler_Handle_LevelFiltering(t *testing.T) {
	var debugBuf, errBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	slog.New(h).Info("info only")

	if !strings.Contains(debugBuf.String(), "info only") {
		t.Error("debug handler should receive info")
	}
	if errBuf.Len() != 0 {
		t.Errorf("error handler received %q", errBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/.deepen/logs"); got != filepath.Join(home, ".deepen/logs") {
		t.Errorf("expandPath(~) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
