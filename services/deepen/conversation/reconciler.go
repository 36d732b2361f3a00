// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

// TempIDPrefix prefixes ids the Reconciler allocates for conversations the
// server has not confirmed yet.
const TempIDPrefix = "tmp-"

var (
	// ErrStreamInFlight is returned when a conversation already has a reply
	// streaming.
	ErrStreamInFlight = errors.New("a reply is already streaming for this conversation")

	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message text is empty")
)

// =============================================================================
// Collaborators
// =============================================================================

// Streamer opens the brain streaming sessions. *api.Client satisfies it.
type Streamer interface {
	StartConversation(ctx context.Context, req *datatypes.ConversationRequest, cb session.Callbacks) session.Outcome
	SendMessage(ctx context.Context, conversationID string, req *datatypes.ConversationRequest, cb session.Callbacks) session.Outcome
}

// Observer is told about changes a view renders incrementally. Methods run
// on the goroutine driving the stream and must not call CancelStream.
type Observer interface {
	// MessageDelta reports text appended to an assistant message.
	MessageDelta(conversationID, messageID, delta string)

	// ReferencesReceived reports citations for the reply in progress.
	ReferencesReceived(conversationID string, refs []stream.Reference)

	// ConversationRekeyed reports a temporary id replaced by the server id.
	// Views showing oldID (a route, a title bar) should switch to newID.
	ConversationRekeyed(oldID, newID string)

	// StreamFinished reports how the stream for conversationID ended.
	StreamFinished(conversationID string, outcome session.Outcome)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnDelta      func(conversationID, messageID, delta string)
	OnReferences func(conversationID string, refs []stream.Reference)
	OnRekey      func(oldID, newID string)
	OnFinished   func(conversationID string, outcome session.Outcome)
}

func (f ObserverFuncs) MessageDelta(conversationID, messageID, delta string) {
	if f.OnDelta != nil {
		f.OnDelta(conversationID, messageID, delta)
	}
}

func (f ObserverFuncs) ReferencesReceived(conversationID string, refs []stream.Reference) {
	if f.OnReferences != nil {
		f.OnReferences(conversationID, refs)
	}
}

func (f ObserverFuncs) ConversationRekeyed(oldID, newID string) {
	if f.OnRekey != nil {
		f.OnRekey(oldID, newID)
	}
}

func (f ObserverFuncs) StreamFinished(conversationID string, outcome session.Outcome) {
	if f.OnFinished != nil {
		f.OnFinished(conversationID, outcome)
	}
}

// =============================================================================
// Reconciler
// =============================================================================

// Config configures a Reconciler.
type Config struct {
	// Store holds the conversations. Required.
	Store Store

	// Streamer runs the sessions. Required.
	Streamer Streamer

	// Draft is the pending context selection. Defaults to an empty draft.
	Draft *ContextDraft

	// Observer defaults to a no-op.
	Observer Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ModelID is sent for new conversations when set.
	ModelID string

	// Options are sent with every request when set.
	Options *datatypes.GenerationOptions
}

// Reconciler keeps one consistent Conversation per id in the Store while
// replies stream in.
//
// # Description
//
// StartConversation and SendMessage write the user's message to the store
// before the request is sent, followed by an empty assistant placeholder
// with StatusSending that collects deltas. When the stream ends:
//
//   - done: the placeholder becomes StatusSent (or is dropped if nothing
//     arrived); a started conversation confirmed by the server is re-keyed
//     from its temporary id to the server id in one Store.Rename
//   - error: an empty placeholder is dropped, a partial one is marked
//     StatusError; the user's message stays so it can be retried
//   - cancel: an empty placeholder gets datatypes.CancellationNotice,
//     otherwise a notice message is appended after the partial reply
//
// # Thread Safety
//
// Safe for concurrent use. At most one stream runs per conversation;
// a second StartConversation or SendMessage for the same id returns
// ErrStreamInFlight.
type Reconciler struct {
	store    Store
	streamer Streamer
	draft    *ContextDraft
	observer Observer
	logger   *slog.Logger
	modelID  string
	options  *datatypes.GenerationOptions

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one in-progress stream.
type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	if cfg.Draft == nil {
		cfg.Draft = NewContextDraft()
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFuncs{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:    cfg.Store,
		streamer: cfg.Streamer,
		draft:    cfg.Draft,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		modelID:  cfg.ModelID,
		options:  cfg.Options,
		flights:  make(map[string]*flight),
	}, nil
}

// Draft returns the context selection the next StartConversation uses.
func (r *Reconciler) Draft() *ContextDraft {
	return r.draft
}

// Store returns the backing store.
func (r *Reconciler) Store() Store {
	return r.store
}

// StartConversation creates a conversation from text and streams the
// first reply.
//
// # Description
//
// The draft context is snapshotted into the conversation and then cleared.
// The conversation is stored under tempID (or a fresh TempIDPrefix id),
// marked active, and kept there if the stream fails. If the server
// confirms it with an id, it is re-keyed and the returned conversation
// carries the server id.
//
// # Outputs
//
// The stored conversation after the stream ends. The error is the
// session's failure, or the context error if the stream was cancelled.
// The conversation is returned alongside either error when it exists.
func (r *Reconciler) StartConversation(ctx context.Context, text, tempID string) (*datatypes.Conversation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	snapshot, err := r.draft.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}

	id := tempID
	if id == "" {
		id = TempIDPrefix + uuid.NewString()
	}

	f, flightCtx, err := r.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.end(id, f)

	if _, err := r.store.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("conversation %s already exists", id)
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	user := datatypes.NewMessage(datatypes.RoleUser, text, datatypes.StatusSent)
	placeholder := datatypes.NewMessage(datatypes.RoleAssistant, "", datatypes.StatusSending)
	conv := &datatypes.Conversation{
		ID:        id,
		Title:     datatypes.TitleFromMessage(text),
		CreatedAt: user.CreatedAt,
		Context:   &snapshot,
		ModelID:   r.modelID,
		Messages:  []datatypes.Message{user, placeholder},
	}
	conv.Touch()

	if err := r.store.Set(ctx, conv); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	if err := r.store.SetActive(ctx, id); err != nil {
		return nil, fmt.Errorf("activate conversation: %w", err)
	}
	r.draft.Clear()

	r.logger.Info("starting conversation",
		"conversation_id", id,
		"context", snapshot.Describe())

	t := r.newTurn(ctx, id, placeholder.ID)
	outcome := r.streamer.StartConversation(flightCtx, r.request(conv), t.callbacks(true))
	return t.finish(flightCtx, outcome)
}

// SendMessage appends text to an existing conversation and streams the
// reply. The conversation keeps its id.
func (r *Reconciler) SendMessage(ctx context.Context, conversationID, text string) (*datatypes.Conversation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	f, flightCtx, err := r.begin(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer r.end(conversationID, f)

	user := datatypes.NewMessage(datatypes.RoleUser, text, datatypes.StatusSent)
	placeholder := datatypes.NewMessage(datatypes.RoleAssistant, "", datatypes.StatusSending)
	conv, err := r.store.Update(ctx, conversationID, func(c *datatypes.Conversation) error {
		c.Messages = append(c.Messages, user, placeholder)
		c.Touch()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := r.store.SetActive(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("activate conversation: %w", err)
	}

	t := r.newTurn(ctx, conversationID, placeholder.ID)
	outcome := r.streamer.SendMessage(flightCtx, conversationID, r.request(conv), t.callbacks(false))
	return t.finish(flightCtx, outcome)
}

// CancelStream cancels the stream for conversationID and waits until the
// conversation has been annotated. It reports whether a stream was
// running.
func (r *Reconciler) CancelStream(conversationID string) bool {
	r.mu.Lock()
	f, ok := r.flights[conversationID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	f.cancel()
	<-f.done
	return true
}

// IsStreaming reports whether conversationID has a reply in flight.
func (r *Reconciler) IsStreaming(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[conversationID]
	return ok
}

func (r *Reconciler) begin(ctx context.Context, id string) (*flight, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.flights[id]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrStreamInFlight, id)
	}
	flightCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel, done: make(chan struct{})}
	r.flights[id] = f
	return f, flightCtx, nil
}

func (r *Reconciler) end(id string, f *flight) {
	r.mu.Lock()
	delete(r.flights, id)
	r.mu.Unlock()

	f.cancel()
	close(f.done)
}

// request builds the upstream request from the conversation history.
func (r *Reconciler) request(conv *datatypes.Conversation) *datatypes.ConversationRequest {
	history := conv.History()
	if n := len(history); n > datatypes.MaxMessagesPerRequest {
		history = history[n-datatypes.MaxMessagesPerRequest:]
	}
	modelID := conv.ModelID
	if modelID == "" {
		modelID = r.modelID
	}
	return &datatypes.ConversationRequest{
		ConversationID: conv.ID,
		Messages:       history,
		ModelID:        modelID,
		Context:        conv.Context,
		Options:        r.options,
	}
}

// =============================================================================
// Turn
// =============================================================================

// turn applies one session's callbacks to the store.
type turn struct {
	r           *Reconciler
	storeCtx    context.Context
	convID      string
	assistantID string
	err         error
	logger      *slog.Logger
}

func (r *Reconciler) newTurn(ctx context.Context, convID, assistantID string) *turn {
	return &turn{
		r: r,
		// Store writes must land after the stream is cancelled.
		storeCtx:    context.WithoutCancel(ctx),
		convID:      convID,
		assistantID: assistantID,
		logger:      r.logger.With("conversation_id", convID),
	}
}

func (t *turn) callbacks(start bool) session.Callbacks {
	return session.Callbacks{
		OnMessageChunk: t.appendDelta,
		OnReferences: func(refs []stream.Reference) {
			t.r.observer.ReferencesReceived(t.convID, refs)
		},
		OnDone: func(final *datatypes.Conversation) {
			if start && final != nil && final.ID != "" {
				t.rekey(final)
				return
			}
			t.update(settlePlaceholder(t.assistantID))
		},
		OnError: t.fail,
		OnParseError: func(message string) {
			t.logger.Warn("skipped unparseable frame", "message", message)
		},
	}
}

func (t *turn) appendDelta(delta string) {
	t.update(func(c *datatypes.Conversation) error {
		idx := c.FindMessage(t.assistantID)
		if idx < 0 {
			msg := datatypes.NewMessage(datatypes.RoleAssistant, "", datatypes.StatusSending)
			msg.ID = t.assistantID
			c.Messages = append(c.Messages, msg)
			idx = len(c.Messages) - 1
		}
		c.Messages[idx].Content += delta
		return nil
	})
	t.r.observer.MessageDelta(t.convID, t.assistantID, delta)
}

// rekey replaces the optimistic conversation with the server's.
func (t *turn) rekey(final *datatypes.Conversation) {
	local, err := t.r.store.Update(t.storeCtx, t.convID, settlePlaceholder(t.assistantID))
	if err != nil {
		t.logger.Error("finalize before re-key failed", "error", err)
		return
	}

	merged := mergeConfirmed(local, final)
	if err := t.r.store.Rename(t.storeCtx, t.convID, merged); err != nil {
		t.logger.Error("re-key failed; keeping optimistic conversation",
			"server_id", merged.ID, "error", err)
		return
	}

	oldID := t.convID
	t.convID = merged.ID
	t.logger = t.r.logger.With("conversation_id", merged.ID)
	if oldID != merged.ID {
		t.logger.Info("conversation confirmed", "temp_id", oldID)
		t.r.observer.ConversationRekeyed(oldID, merged.ID)
	}
}

func (t *turn) fail(err error) {
	t.err = err
	t.logger.Warn("stream failed; keeping optimistic conversation", "error", err)
	t.update(func(c *datatypes.Conversation) error {
		idx := c.FindMessage(t.assistantID)
		if idx < 0 {
			return nil
		}
		if c.Messages[idx].Content == "" {
			c.Messages = append(c.Messages[:idx], c.Messages[idx+1:]...)
			return nil
		}
		c.Messages[idx].Status = datatypes.StatusError
		return nil
	})
}

func (t *turn) annotateCancelled() {
	t.update(func(c *datatypes.Conversation) error {
		idx := c.FindMessage(t.assistantID)
		if idx >= 0 && c.Messages[idx].Content == "" {
			c.Messages[idx].Content = datatypes.CancellationNotice
			c.Messages[idx].Status = datatypes.StatusSent
			return nil
		}
		if idx >= 0 {
			c.Messages[idx].Status = datatypes.StatusSent
		}
		c.Messages = append(c.Messages, datatypes.NewMessage(
			datatypes.RoleAssistant, datatypes.CancellationNotice, datatypes.StatusSent))
		return nil
	})
}

// finish applies the outcome and returns the stored conversation.
func (t *turn) finish(flightCtx context.Context, outcome session.Outcome) (*datatypes.Conversation, error) {
	var err error
	switch outcome {
	case session.OutcomeCancelled:
		t.annotateCancelled()
		t.logger.Info("stream cancelled")
		err = flightCtx.Err()
		if err == nil {
			err = context.Canceled
		}
	case session.OutcomeFailed:
		err = t.err
		if err == nil {
			err = errors.New("stream failed")
		}
	}
	t.r.observer.StreamFinished(t.convID, outcome)

	conv, getErr := t.r.store.Get(t.storeCtx, t.convID)
	if getErr != nil {
		return nil, errors.Join(err, getErr)
	}
	return conv, err
}

func (t *turn) update(fn func(*datatypes.Conversation) error) {
	if _, err := t.r.store.Update(t.storeCtx, t.convID, func(c *datatypes.Conversation) error {
		if err := fn(c); err != nil {
			return err
		}
		c.Touch()
		return nil
	}); err != nil {
		t.logger.Error("conversation update failed", "error", err)
	}
}

// settlePlaceholder marks the streamed reply complete, dropping it if no
// text arrived.
func settlePlaceholder(assistantID string) func(*datatypes.Conversation) error {
	return func(c *datatypes.Conversation) error {
		idx := c.FindMessage(assistantID)
		if idx < 0 {
			return nil
		}
		if c.Messages[idx].Content == "" {
			c.Messages = append(c.Messages[:idx], c.Messages[idx+1:]...)
			return nil
		}
		c.Messages[idx].Status = datatypes.StatusSent
		return nil
	}
}

// mergeConfirmed takes the server's conversation as authoritative and
// fills what it left out from the local one.
func mergeConfirmed(local, final *datatypes.Conversation) *datatypes.Conversation {
	merged := final.Clone()
	if len(merged.Messages) == 0 {
		merged.Messages = local.Clone().Messages
	}
	if merged.Title == "" {
		merged.Title = local.Title
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	if merged.Context == nil && local.Context != nil {
		snapshot := local.Context.Clone()
		merged.Context = &snapshot
	}
	if merged.ModelID == "" {
		merged.ModelID = local.ModelID
	}
	merged.Touch()
	return merged
}
