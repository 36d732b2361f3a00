// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicies(t *testing.T) {
	assert.True(t, BrainStartPolicy().AllowSilentEnd)
	assert.False(t, BrainSendPolicy().AllowSilentEnd)
	assert.False(t, ChatPolicy(true).AllowSilentEnd)

	assert.Equal(t, AcceptEventStream, ChatPolicy(true).Accept)
	assert.Empty(t, ChatPolicy(false).Accept)

	names := map[string]bool{}
	for _, p := range []Policy{ChatPolicy(true), BrainStartPolicy(), BrainSendPolicy()} {
		names[p.Name] = true
		assert.NotNil(t, p.Extract)
	}
	assert.Len(t, names, 3)
}

func TestExtractConversation_LastAssistantWins(t *testing.T) {
	res, err := ExtractConversation([]byte(`{"data":{"_id":"c","messages":[
		{"role":"assistant","content":"first"},
		{"role":"user","content":"q"},
		{"role":"assistant","content":"second"},
		{"role":"user","content":"trailing"}]}}`))

	require.NoError(t, err)
	assert.Equal(t, "second", res.Content)
	assert.Equal(t, "c", res.Conversation.ID)
}

func TestExtractConversation_NoAssistantMessage(t *testing.T) {
	res, err := ExtractConversation([]byte(`{"data":{"_id":"srv","messages":[{"role":"user","content":"q"}]}}`))

	require.NoError(t, err)
	assert.Empty(t, res.Content)
	require.NotNil(t, res.Conversation)
	assert.Equal(t, "srv", res.Conversation.ID)
	assert.Len(t, res.Conversation.Messages, 1)
}

func TestExtractConversation_MissingData(t *testing.T) {
	_, err := ExtractConversation([]byte(`{"result":{}}`))
	assert.Error(t, err)
}

func TestExtractChatReply_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"conversation", `{"data":{"messages":[{"role":"assistant","content":"A"}]}}`, "A"},
		{"flat content", `{"data":{"content":"B"}}`, "B"},
		{"message object", `{"data":{"message":{"role":"assistant","content":"C"}}}`, "C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ExtractChatReply([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Content)
		})
	}

	_, err := ExtractChatReply([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrNoAssistantContent)

	_, err = ExtractChatReply([]byte(`{"data":{"messages":[{"role":"user","content":"q"}]}}`))
	assert.ErrorIs(t, err, ErrNoAssistantContent)
}

func TestNewHTTPClient_SendsSessionCookie(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(SessionCookieName); err == nil {
			got = c.Value
		}
	}))
	defer server.Close()

	client, err := NewHTTPClient(ClientConfig{BaseURL: server.URL, SessionCookie: "s3cret"})
	require.NoError(t, err)

	resp, err := client.Get(server.URL + "/api/brain/conversations")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "s3cret", got)
}

func TestNewHTTPClient_InvalidBaseURL(t *testing.T) {
	_, err := NewHTTPClient(ClientConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}
