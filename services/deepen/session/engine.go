// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session runs one streaming request/response exchange against a
// Deepen backend and drives caller callbacks to completion exactly once.
//
// One Engine serves every call site. What differs between generic chat,
// starting a brain conversation and sending into one is captured in a
// Policy (see policy.go).
//
// Response handling:
//
//	non-2xx status           → OnError(*StatusError)
//	application/json         → Extract → OnMessageChunk (once) → OnDone
//	anything else            → FrameDecoder → Parser → callbacks per event
//	context cancelled        → no terminal callback
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/observability"
)

const (
	// maxJSONBody bounds a complete-JSON response.
	maxJSONBody = 8 << 20

	// HeaderRequestID carries the per-session request id.
	HeaderRequestID = "X-Request-Id"

	// SpanName is the name of the span recorded for each session.
	SpanName = "deepen.stream.session"
)

// =============================================================================
// Interfaces and Types
// =============================================================================

// HTTPClient abstracts HTTP request execution for testing.
//
// *http.Client satisfies it; see NewHTTPClient for one carrying the
// session cookie.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes the exchange to perform.
type Request struct {
	// URL is the absolute endpoint URL.
	URL string

	// Body is encoded as JSON.
	Body any

	// Header holds extra headers. Content-Type and Accept are set by the
	// engine.
	Header http.Header
}

// Callbacks receive session events on the goroutine that called Run.
//
// OnMessageChunk and OnDone are required. Exactly one of OnDone and
// OnError fires per session unless the context is cancelled, in which case
// neither does.
type Callbacks struct {
	// OnMessageChunk receives each text delta, in arrival order.
	OnMessageChunk func(text string)

	// OnReferences receives citation lists. Optional.
	OnReferences func(refs []stream.Reference)

	// OnDone fires once on success. final is the server's conversation
	// when the response carried one, nil otherwise.
	OnDone func(final *datatypes.Conversation)

	// OnError fires once on failure.
	OnError func(err error)

	// OnParseError receives frames that could not be parsed. The session
	// continues. Optional.
	OnParseError func(message string)
}

// Outcome is how a session ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// String returns "done", "failed" or "cancelled".
func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs stream sessions.
//
// # Thread Safety
//
// Engine is safe for concurrent use; each Run call is independent.
type Engine struct {
	client  HTTPClient
	parser  *stream.Parser
	logger  *slog.Logger
	metrics *observability.SessionMetrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records session metrics. Default: none.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer. Default: otel.Tracer("deepen.session").
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine creates an Engine that sends requests through client.
func NewEngine(client HTTPClient, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		logger: slog.Default(),
		tracer: otel.Tracer("deepen.session"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.parser = stream.NewParser(e.logger)
	return e
}

// Run performs one exchange and blocks until it ends.
//
// # Description
//
// POSTs req.Body as JSON, then follows the response-handling table in the
// package documentation. Every error is delivered through OnError; Run
// never panics on malformed input and never returns an error itself.
//
// # Inputs
//
//   - ctx: cancellation. Cancelling ends the session with
//     OutcomeCancelled and no terminal callback; chunks already delivered
//     stay delivered.
//   - req: endpoint and body
//   - policy: per-call-site behavior
//   - cb: callbacks, invoked on this goroutine
//
// # Outputs
//
//   - Outcome: how the session ended
func (e *Engine) Run(ctx context.Context, req Request, policy Policy, cb Callbacks) Outcome {
	requestID := headerValue(req.Header, HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := e.tracer.Start(ctx, SpanName, trace.WithAttributes(
		attribute.String("deepen.policy", policy.Name),
		attribute.String("deepen.request_id", requestID),
		attribute.String("http.url", req.URL),
	))
	defer span.End()

	s := &run{
		engine:    e,
		ctx:       ctx,
		span:      span,
		policy:    policy,
		cb:        cb,
		started:   time.Now(),
		logger:    e.logger.With("policy", policy.Name, "request_id", requestID),
		requestID: requestID,
	}

	e.metrics.SessionStarted(policy.Name)
	outcome := s.execute(req)
	e.metrics.SessionEnded(policy.Name, outcome.String(), time.Since(s.started))

	span.SetAttributes(
		attribute.String("deepen.outcome", outcome.String()),
		attribute.Int("deepen.chunks", s.chunks),
	)
	s.logger.Debug("stream session ended",
		"outcome", outcome.String(),
		"chunks", s.chunks,
		"duration_ms", time.Since(s.started).Milliseconds(),
	)
	return outcome
}

// =============================================================================
// Session Run (Internal)
// =============================================================================

// run is the state of one Run call.
type run struct {
	engine    *Engine
	ctx       context.Context
	span      trace.Span
	policy    Policy
	cb        Callbacks
	started   time.Time
	logger    *slog.Logger
	requestID string

	chunks   int
	finished bool
	outcome  Outcome
}

func (s *run) execute(req Request) Outcome {
	httpReq, err := s.buildRequest(req)
	if err != nil {
		return s.fail(err)
	}

	resp, err := s.engine.client.Do(httpReq)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.cancel()
		}
		return s.fail(fmt.Errorf("send request: %w", err))
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.fail(NewStatusError(resp))
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		s.engine.metrics.RecordMode(s.policy.Name, "json")
		s.span.SetAttributes(attribute.String("deepen.mode", "json"))
		return s.completeJSON(resp)
	}

	s.engine.metrics.RecordMode(s.policy.Name, "stream")
	s.span.SetAttributes(attribute.String("deepen.mode", "stream"))
	return s.streamBody(resp)
}

// headerValue is h.Get(key) that also finds keys stored in non-canonical
// form, as composite literals like http.Header{"X-Request-ID": ...} do.
func headerValue(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	for k, values := range h {
		if len(values) > 0 && strings.EqualFold(k, key) {
			return values[0]
		}
	}
	return ""
}

func (s *run) buildRequest(req Request) (*http.Request, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(s.ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range req.Header {
		if strings.EqualFold(key, HeaderRequestID) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderRequestID, s.requestID)
	if s.policy.Accept != "" {
		httpReq.Header.Set("Accept", s.policy.Accept)
	}
	return httpReq, nil
}

// completeJSON handles an application/json response: read once, extract,
// deliver. The frame decoder and parser are not involved.
func (s *run) completeJSON(resp *http.Response) Outcome {
	if resp.Body == nil {
		return s.fail(ErrMissingBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		if s.ctx.Err() != nil {
			return s.cancel()
		}
		return s.fail(fmt.Errorf("read response: %w", err))
	}

	result, err := s.policy.Extract(body)
	if err != nil {
		return s.fail(err)
	}

	// The reply is delivered as one chunk even when it is empty.
	if result.Content == "" && s.ctx.Err() == nil {
		s.cb.OnMessageChunk("")
	}
	s.chunk(result.Content)
	return s.done(result.Conversation)
}

// streamBody feeds the body through the decoder and parser.
func (s *run) streamBody(resp *http.Response) Outcome {
	if resp.Body == nil || resp.Body == http.NoBody {
		return s.fail(ErrMissingBody)
	}

	readErr := stream.ReadFrames(s.ctx, resp.Body, s.policy.Framing, func(frame string) error {
		s.engine.metrics.RecordFrame(s.policy.Name)
		for _, ev := range s.engine.parser.ParseFrame(frame) {
			if s.dispatch(ev) {
				return stream.ErrStopReading
			}
		}
		return nil
	})

	if s.finished {
		return s.outcome
	}
	if s.ctx.Err() != nil {
		return s.cancel()
	}
	if readErr != nil {
		return s.fail(fmt.Errorf("read stream: %w", readErr))
	}

	if s.policy.AllowSilentEnd {
		s.logger.Warn("stream ended without done event, keeping local state")
		return s.done(nil)
	}
	return s.fail(ErrStreamEndedWithoutDone)
}

// dispatch routes one event and reports whether the session is over.
func (s *run) dispatch(ev stream.StreamEvent) bool {
	switch ev.Kind {
	case stream.EventText, stream.EventRawText:
		s.chunk(ev.Text)
		return false

	case stream.EventReferences:
		if s.cb.OnReferences != nil && s.ctx.Err() == nil {
			s.cb.OnReferences(ev.References)
		}
		return false

	case stream.EventDone:
		s.done(s.decodeFinal(ev))
		return true

	case stream.EventError:
		if ev.Recoverable {
			s.engine.metrics.RecordParseError(s.policy.Name)
			s.span.AddEvent("parse_error")
			if s.cb.OnParseError != nil {
				s.cb.OnParseError(ev.Message)
			}
			return false
		}
		s.fail(&ServerError{Message: ev.Message})
		return true

	default:
		return false
	}
}

func (s *run) decodeFinal(ev stream.StreamEvent) *datatypes.Conversation {
	if !ev.HasConversation() {
		return nil
	}
	var conv datatypes.Conversation
	if err := json.Unmarshal(ev.Conversation, &conv); err != nil {
		s.logger.Warn("done event carried an unreadable conversation", "error", err)
		return nil
	}
	return &conv
}

// =============================================================================
// Callback Delivery (Internal)
// =============================================================================

func (s *run) chunk(text string) {
	if text == "" || s.ctx.Err() != nil {
		return
	}
	if s.chunks == 0 {
		s.engine.metrics.RecordFirstChunk(s.policy.Name, time.Since(s.started))
	}
	s.chunks++
	s.cb.OnMessageChunk(text)
}

// done, fail and cancel are the only ways a session ends. Each checks the
// context first so a late cancellation suppresses the terminal callback.

func (s *run) done(final *datatypes.Conversation) Outcome {
	if s.ctx.Err() != nil {
		return s.cancel()
	}
	s.finish(OutcomeDone)
	s.cb.OnDone(final)
	return OutcomeDone
}

func (s *run) fail(err error) Outcome {
	if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return s.cancel()
	}
	s.finish(OutcomeFailed)
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.logger.Error("stream session failed", "error", err)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	return OutcomeFailed
}

func (s *run) cancel() Outcome {
	s.finish(OutcomeCancelled)
	s.logger.Info("stream session cancelled", "chunks", s.chunks)
	return OutcomeCancelled
}

func (s *run) finish(o Outcome) {
	s.finished = true
	s.outcome = o
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
