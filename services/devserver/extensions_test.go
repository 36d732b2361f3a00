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
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deepen/pkg/extensions"
	"github.com/AleutianAI/deepen/services/deepen/api"
	"github.com/AleutianAI/deepen/services/deepen/observability"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

func auditedServer(t *testing.T, filter extensions.MessageFilter) (*extensions.MemoryAuditLogger, string) {
	t.Helper()
	audit := &extensions.MemoryAuditLogger{}
	opts := extensions.DefaultOptions().WithAudit(audit)
	if filter != nil {
		opts = opts.WithFilter(filter)
	}
	_, ts := newTestServer(t, Config{Extensions: opts}, nil)
	return audit, ts.URL
}

func eventTypes(events []extensions.AuditEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func TestExtensions_RedactsInputAndReply(t *testing.T) {
	_, url := auditedServer(t, extensions.NewRedactingFilter())
	client := api.NewClient(api.Config{BaseURL: url, HTTPClient: http.DefaultClient, Logger: quietLogger()})

	var tr transcript
	outcome := client.Chat(context.Background(), userRequest("mail me@example.com please"), false, tr.callbacks())

	require.Equal(t, session.OutcomeDone, outcome)
	assert.Equal(t, "You said: mail [REDACTED:email] please", tr.text.String())
}

func TestExtensions_RedactsStreamedDeltasAndStoredMessages(t *testing.T) {
	// Output-only filter so the echoed address reaches the reply path.
	_, url := auditedServer(t, outputOnly{extensions.NewRedactingFilter()})
	client := api.NewClient(api.Config{BaseURL: url, HTTPClient: http.DefaultClient, Logger: quietLogger()})
	ctx := context.Background()

	var tr transcript
	outcome := client.StartConversation(ctx, userRequest("ping me@example.com"), tr.callbacks())

	require.Equal(t, session.OutcomeDone, outcome)
	assert.Equal(t, "You said: ping [REDACTED:email]", tr.text.String())
	require.NotNil(t, tr.final)

	conv, err := client.GetConversation(ctx, tr.final.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "ping me@example.com", conv.Messages[0].Content)
	assert.Equal(t, "You said: ping [REDACTED:email]", conv.Messages[1].Content)
}

func TestExtensions_BlockedTermIsRejected(t *testing.T) {
	audit, url := auditedServer(t, extensions.NewRedactingFilter().WithBlockedTerms("Project Falcon"))
	client := api.NewClient(api.Config{BaseURL: url, HTTPClient: http.DefaultClient, Logger: quietLogger()})

	var tr transcript
	outcome := client.Chat(context.Background(), userRequest("tell me about project falcon"), true, tr.callbacks())

	assert.Equal(t, session.OutcomeFailed, outcome)
	assert.Empty(t, tr.text.String())
	var statusErr *session.StatusError
	require.ErrorAs(t, tr.err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Message, "message blocked by filter")

	events := audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.EventMessageBlocked, events[0].EventType)
	assert.Equal(t, extensions.OutcomeBlocked, events[0].Outcome)
	assert.Equal(t, string(observability.RouteChat), events[0].Metadata["route"])
}

func TestExtensions_AuditsConversationLifecycle(t *testing.T) {
	audit, url := auditedServer(t, nil)
	client := api.NewClient(api.Config{BaseURL: url, HTTPClient: http.DefaultClient, Logger: quietLogger()})
	ctx := context.Background()

	var start transcript
	require.Equal(t, session.OutcomeDone, client.StartConversation(ctx, userRequest("first"), start.callbacks()))
	require.NotNil(t, start.final)

	var send transcript
	require.Equal(t, session.OutcomeDone, client.SendMessage(ctx, start.final.ID, userRequest("second"), send.callbacks()))

	var chat transcript
	require.Equal(t, session.OutcomeDone, client.Chat(ctx, userRequest("third"), false, chat.callbacks()))

	// Streamed replies are audited after the done event is flushed.
	require.Eventually(t, func() bool { return len(audit.Events()) == 3 }, time.Second, 5*time.Millisecond)

	events := audit.Events()
	assert.ElementsMatch(t, []string{
		extensions.EventConversationCreated,
		extensions.EventMessageSent,
		extensions.EventChatCompleted,
	}, eventTypes(events))
	for _, e := range events {
		assert.Equal(t, extensions.OutcomeSuccess, e.Outcome, e.EventType)
		if e.EventType != extensions.EventChatCompleted {
			assert.Equal(t, start.final.ID, e.ConversationID, e.EventType)
		}
	}
}

func TestExtensions_AuditsResponderFailure(t *testing.T) {
	audit := &extensions.MemoryAuditLogger{}
	_, ts := newTestServer(t, Config{Extensions: extensions.DefaultOptions().WithAudit(audit)}, failingResponder{})
	client := newAPIClient(ts, nil)

	var tr transcript
	assert.Equal(t, session.OutcomeFailed, client.Chat(context.Background(), userRequest("hi"), false, tr.callbacks()))

	events := audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, extensions.OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "model backend unavailable", events[0].Metadata["error"])
}

// outputOnly passes user messages through unchanged.
type outputOnly struct {
	extensions.MessageFilter
}

func (outputOnly) FilterInput(_ context.Context, message string) (*extensions.FilterResult, error) {
	return &extensions.FilterResult{Original: message, Filtered: message}, nil
}
