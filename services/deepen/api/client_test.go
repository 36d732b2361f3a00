// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:    server.URL + "/",
		HTTPClient: server.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func userRequest(text string) *datatypes.ConversationRequest {
	return &datatypes.ConversationRequest{
		Messages: []datatypes.Message{datatypes.NewMessage(datatypes.RoleUser, text, datatypes.StatusSent)},
	}
}

func TestBrainSendPath(t *testing.T) {
	assert.Equal(t, "/api/brain/conversations/c-1/messages/stream", BrainSendPath("c-1"))
	assert.Equal(t, "/api/brain/conversations/a%2Fb/messages/stream", BrainSendPath("a/b"))
}

func TestClient_SendMessage_Streams(t *testing.T) {
	var got datatypes.ConversationRequest
	var path, accept string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		accept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"text\",\"text\":\"Hi\"}\n\ndata: {\"type\":\"done\"}\n\n")
	}))

	var chunks []string
	done := false
	outcome := client.SendMessage(context.Background(), "c-1", userRequest("hello"), session.Callbacks{
		OnMessageChunk: func(s string) { chunks = append(chunks, s) },
		OnDone:         func(*datatypes.Conversation) { done = true },
	})

	assert.Equal(t, session.OutcomeDone, outcome)
	assert.Equal(t, []string{"Hi"}, chunks)
	assert.True(t, done)
	assert.Equal(t, "/api/brain/conversations/c-1/messages/stream", path)
	assert.Equal(t, session.AcceptEventStream, accept)
	assert.Equal(t, "c-1", got.ConversationID)
	assert.NotEmpty(t, got.RequestID)
	assert.Equal(t, "hello", got.LastUserMessage())
}

func TestClient_RequestIDHeaderMatchesBody(t *testing.T) {
	var got datatypes.ConversationRequest
	var header []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Values(session.HeaderRequestID)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"content":"ok"}}`)
	}))

	req := userRequest("q")
	req.RequestID = "0b8f6a52-4c1e-4d3b-9f7a-2e6c5d4b3a21"
	outcome := client.Chat(context.Background(), req, false, session.Callbacks{
		OnMessageChunk: func(string) {},
		OnDone:         func(*datatypes.Conversation) {},
	})

	assert.Equal(t, session.OutcomeDone, outcome)
	assert.Equal(t, []string{req.RequestID}, header)
	assert.Equal(t, req.RequestID, got.RequestID)
}

func TestClient_SendMessage_LongAssistantHistory(t *testing.T) {
	var got datatypes.ConversationRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"done\"}\n\n")
	}))

	long := strings.Repeat("a", 40*1024)
	req := &datatypes.ConversationRequest{Messages: []datatypes.Message{
		datatypes.NewMessage(datatypes.RoleUser, "first", datatypes.StatusSent),
		datatypes.NewMessage(datatypes.RoleAssistant, long, datatypes.StatusSent),
		datatypes.NewMessage(datatypes.RoleUser, "second", datatypes.StatusSent),
	}}
	outcome := client.SendMessage(context.Background(), "c-1", req, session.Callbacks{
		OnMessageChunk: func(string) {},
		OnDone:         func(*datatypes.Conversation) {},
		OnError:        func(err error) { t.Errorf("unexpected error: %v", err) },
	})

	assert.Equal(t, session.OutcomeDone, outcome)
	require.Len(t, got.Messages, 3)
	assert.Len(t, got.Messages[1].Content, len(long))
}

func TestClient_StartConversation_JSON(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathBrainStart, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"_id":"srv-1","messages":[{"role":"user","content":"q"},{"role":"assistant","content":"A"}]}}`)
	}))

	var final *datatypes.Conversation
	outcome := client.StartConversation(context.Background(), userRequest("q"), session.Callbacks{
		OnMessageChunk: func(string) {},
		OnDone:         func(c *datatypes.Conversation) { final = c },
	})

	assert.Equal(t, session.OutcomeDone, outcome)
	require.NotNil(t, final)
	assert.Equal(t, "srv-1", final.ID)
}

func TestClient_Chat_SyncOmitsAccept(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"content":"sync reply"}}`)
	}))

	var text string
	outcome := client.Chat(context.Background(), userRequest("q"), false, session.Callbacks{
		OnMessageChunk: func(s string) { text += s },
		OnDone:         func(*datatypes.Conversation) {},
	})

	assert.Equal(t, session.OutcomeDone, outcome)
	assert.Equal(t, "sync reply", text)
}

func TestClient_InvalidRequestNeverSent(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))

	var gotErr error
	outcome := client.Chat(context.Background(), &datatypes.ConversationRequest{}, true, session.Callbacks{
		OnMessageChunk: func(string) {},
		OnDone:         func(*datatypes.Conversation) {},
		OnError:        func(err error) { gotErr = err },
	})

	assert.Equal(t, session.OutcomeFailed, outcome)
	assert.Error(t, gotErr)
	assert.Zero(t, hits.Load())
}

func TestClient_ListConversations(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, PathBrainConversations, r.URL.Path)
		_, _ = io.WriteString(w, `{"data":[{"id":"a","title":"A","messageCount":2},{"id":"b","title":"B","messageCount":0}]}`)
	}))

	list, err := client.ListConversations(context.Background())

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Title)
	assert.Equal(t, 2, list[0].MessageCount)
}

func TestClient_GetConversation_NotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"conversation not found"}`)
	}))

	_, err := client.GetConversation(context.Background(), "missing")

	var statusErr *session.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "conversation not found", statusErr.Message)
}

func TestClient_GetConversation_Coalesces(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, `{"data":{"_id":"c1","title":"T","messages":[]}}`)
	}))

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*datatypes.Conversation, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := client.GetConversation(context.Background(), "c1")
			assert.NoError(t, err)
			results[i] = conv
		}(i)
	}

	// Give every caller time to join the in-flight fetch.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, conv := range results {
		require.NotNil(t, conv)
		assert.Equal(t, "c1", conv.ID)
	}
	assert.NotSame(t, results[0], results[1])
}
