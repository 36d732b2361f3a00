// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api binds the Deepen HTTP endpoints to the stream session engine.
//
// Endpoints:
//
//	POST /api/chat                                    generic chat
//	POST /api/brain/conversations/stream              start a conversation
//	POST /api/brain/conversations/{id}/messages/stream send a message
//	GET  /api/brain/conversations                     list conversations
//	GET  /api/brain/conversations/{id}                fetch one conversation
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/observability"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

// Endpoint paths, relative to the base URL.
const (
	PathChat               = "/api/chat"
	PathBrainConversations = "/api/brain/conversations"
	PathBrainStart         = PathBrainConversations + "/stream"
)

// maxResponseBody bounds REST response bodies.
const maxResponseBody = 8 << 20

// BrainSendPath returns the send-message path for conversationID.
func BrainSendPath(conversationID string) string {
	return PathBrainConversations + "/" + url.PathEscape(conversationID) + "/messages/stream"
}

// =============================================================================
// Client
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://app.deepen.ai".
	BaseURL string

	// HTTPClient executes requests. Use session.NewHTTPClient to carry the
	// session cookie.
	HTTPClient session.HTTPClient

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.SessionMetrics
}

// Client talks to one Deepen backend.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    session.HTTPClient
	engine  *session.Engine
	logger  *slog.Logger
	fetches singleflight.Group
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		engine: session.NewEngine(cfg.HTTPClient,
			session.WithLogger(logger),
			session.WithMetrics(cfg.Metrics),
		),
		logger: logger,
	}
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Streaming Endpoints
// =============================================================================

// Chat runs generic chat. With streaming false the server is asked for a
// complete JSON reply.
func (c *Client) Chat(ctx context.Context, req *datatypes.ConversationRequest, streaming bool, cb session.Callbacks) session.Outcome {
	return c.stream(ctx, PathChat, req, session.ChatPolicy(streaming), cb)
}

// StartConversation starts a brain conversation. req.ConversationID should
// carry the client's temporary id.
func (c *Client) StartConversation(ctx context.Context, req *datatypes.ConversationRequest, cb session.Callbacks) session.Outcome {
	return c.stream(ctx, PathBrainStart, req, session.BrainStartPolicy(), cb)
}

// SendMessage sends into an existing brain conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req *datatypes.ConversationRequest, cb session.Callbacks) session.Outcome {
	req.ConversationID = conversationID
	return c.stream(ctx, BrainSendPath(conversationID), req, session.BrainSendPolicy(), cb)
}

func (c *Client) stream(ctx context.Context, path string, req *datatypes.ConversationRequest, policy session.Policy, cb session.Callbacks) session.Outcome {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		err = fmt.Errorf("invalid %s request: %w", policy.Name, err)
		c.logger.Warn("request rejected before sending", "policy", policy.Name, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return session.OutcomeFailed
	}

	header := http.Header{}
	header.Set(session.HeaderRequestID, req.RequestID)
	return c.engine.Run(ctx, session.Request{
		URL:    c.baseURL + path,
		Body:   req,
		Header: header,
	}, policy, cb)
}

// =============================================================================
// REST Endpoints
// =============================================================================

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]datatypes.ConversationSummary, error) {
	var env datatypes.Envelope[[]datatypes.ConversationSummary]
	if err := c.getJSON(ctx, PathBrainConversations, &env); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return env.Data, nil
}

// GetConversation fetches one conversation. Concurrent calls for the same
// id share one request; each caller gets its own copy.
func (c *Client) GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	v, err, shared := c.fetches.Do(id, func() (any, error) {
		var env datatypes.Envelope[*datatypes.Conversation]
		if err := c.getJSON(ctx, PathBrainConversations+"/"+url.PathEscape(id), &env); err != nil {
			return nil, err
		}
		if env.Data == nil {
			return nil, fmt.Errorf("empty response")
		}
		return env.Data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if shared {
		c.logger.Debug("conversation fetch coalesced", "conversation_id", id)
	}
	return v.(*datatypes.Conversation).Clone(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return session.NewStatusError(resp)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
