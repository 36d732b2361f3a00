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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deepen/cmd/deepen/config"
	"github.com/AleutianAI/deepen/pkg/logging"
	"github.com/AleutianAI/deepen/pkg/ux"
	"github.com/AleutianAI/deepen/services/deepen/api"
	"github.com/AleutianAI/deepen/services/deepen/conversation"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/session"
	storage "github.com/AleutianAI/deepen/services/deepen/storage/badger"
	"github.com/AleutianAI/deepen/services/deepen/telemetry"
)

const tracingShutdownTimeout = 5 * time.Second

// app holds what every command shares.
//
// # Description
//
// The root command's PersistentPreRunE loads configuration, builds the
// logger, picks the output personality and installs the tracer provider.
// Subcommands then build clients and stores from a.cfg on demand.
//
// # Thread Safety
//
// Not safe for concurrent use. One app runs one command.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// Persistent flags.
	configPath    string
	baseURL       string
	logLevel      string
	traceExporter string

	cfg             *config.Config
	logger          *logging.Logger
	shutdownTracing func(context.Context) error

	// input and interrupts replace the terminal and SIGINT in tests.
	input      InputReader
	interrupts <-chan os.Signal
}

// reportedError is an error the command already showed to the user.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut}
}

// execute runs the command line in args and releases everything setup
// acquired. Errors not already shown are printed to errOut.
func (a *app) execute(ctx context.Context, args []string) error {
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			ux.Error(a.errOut, err.Error())
		}
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deepen",
		Short: "Chat with your Deepen knowledge base",
		Long: `deepen talks to a Deepen backend over its streaming conversation API.

Replies stream into the terminal as they are generated. Press Ctrl-C during
a reply to cancel just that reply.

Configuration is read from ~/.deepen/deepen.yaml (created on first run) and
can be overridden with DEEPEN_BASE_URL, DEEPEN_SESSION_COOKIE and
DEEPEN_MODEL.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.deepen/deepen.yaml)")
	flags.StringVar(&a.baseURL, "base-url", "", "Deepen backend URL")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.traceExporter, "trace", "", "span exporter: none, stdout, otlp")

	root.AddCommand(a.chatCmd(), a.brainCmd(), a.devServerCmd())
	return root
}

// setup loads configuration and initializes logging, output and tracing.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = a.baseURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("trace") {
		cfg.Tracing.Exporter = a.traceExporter
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "deepen",
		Output:  a.errOut,
	})

	out, _ := a.out.(*os.File)
	ux.InitPersonality(cfg.Personality, out)

	shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    "deepen",
		ServiceVersion: version,
		TraceExporter:  cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		OTLPInsecure:   cfg.Tracing.Insecure,
		Output:         a.errOut,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdownTracing = shutdown

	a.logger.Debug("configuration loaded",
		"base_url", cfg.BaseURL,
		"data_dir", cfg.DataDir,
		"personality", ux.GetPersonality(),
		"trace_exporter", cfg.Tracing.Exporter)
	return nil
}

// close flushes spans and closes the logger.
func (a *app) close() {
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		if err := a.shutdownTracing(ctx); err != nil && a.logger != nil {
			a.logger.Warn("failed to flush spans", "error", err)
		}
		cancel()
		a.shutdownTracing = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// apiClient builds a backend client carrying the session cookie.
func (a *app) apiClient() (*api.Client, error) {
	httpClient, err := session.NewHTTPClient(session.ClientConfig{
		BaseURL:       a.cfg.BaseURL,
		SessionCookie: a.cfg.SessionCookie,
		HeaderTimeout: a.cfg.HeaderTimeout,
	})
	if err != nil {
		return nil, err
	}
	return api.NewClient(api.Config{
		BaseURL:    a.cfg.BaseURL,
		HTTPClient: httpClient,
		Logger:     a.slog(),
	}), nil
}

// openStore opens the local conversation store under the data directory.
// The returned func closes it.
func (a *app) openStore() (*conversation.BadgerStore, func(), error) {
	cfg := storage.DefaultConfig(a.cfg.DataDir)
	cfg.Logger = a.slog()
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store %s: %w", a.cfg.DataDir, err)
	}
	closeStore := func() {
		if err := db.Close(); err != nil {
			a.slog().Warn("failed to close local store", "path", a.cfg.DataDir, "error", err)
		}
	}
	return conversation.NewBadgerStore(db), closeStore, nil
}

func (a *app) generationOptions() *datatypes.GenerationOptions {
	if a.cfg.Temperature == nil && a.cfg.MaxTokens == 0 {
		return nil
	}
	return &datatypes.GenerationOptions{
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
}

// interruptChannel delivers SIGINT. The returned func stops delivery.
func (a *app) interruptChannel() (<-chan os.Signal, func()) {
	if a.interrupts != nil {
		return a.interrupts, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

// interruptible returns a context cancelled by the first SIGINT.
func (a *app) interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	interrupts, stop := a.interruptChannel()
	go func() {
		select {
		case <-interrupts:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		cancel()
		stop()
	}
}

// inputReader returns the line reader for interactive commands.
func (a *app) inputReader() InputReader {
	if a.input != nil {
		return a.input
	}
	in, _ := a.in.(*os.File)
	prompt, _ := a.errOut.(*os.File)
	if ux.IsInteractive(in, prompt) {
		return NewInteractiveInputReader(in, a.errOut, defaultHistorySize)
	}
	return NewStdinReader(a.in)
}

// quietCancel drops cancellation, which is never an error for the user.
func quietCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
