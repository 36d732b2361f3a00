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
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/deepen/pkg/extensions"
	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/conversation"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/observability"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

// generationFailedMessage is what clients see when the responder fails.
const generationFailedMessage = "Failed to generate a response"

// finishFunc persists the reply and returns the conversation to send in
// the done event, or nil.
type finishFunc func(ctx context.Context, reply string) (*datatypes.Conversation, error)

// chatReply is the complete-JSON body of /api/chat.
type chatReply struct {
	Content    string             `json:"content"`
	References []stream.Reference `json:"references,omitempty"`
}

// =============================================================================
// Streaming Routes
// =============================================================================

func (s *Server) handleChat(c *gin.Context) {
	req, ok := s.bindRequest(c, observability.RouteChat)
	if !ok {
		return
	}

	s.respond(c, observability.RouteChat, req, nil, func(reply string, refs []stream.Reference, _ *datatypes.Conversation) any {
		return datatypes.Envelope[chatReply]{Data: chatReply{Content: reply, References: refs}}
	})
}

func (s *Server) handleStart(c *gin.Context) {
	req, ok := s.bindRequest(c, observability.RouteBrainStart)
	if !ok {
		return
	}

	now := time.Now().UTC()
	conv := &datatypes.Conversation{
		ID:        "conv_" + uuid.NewString(),
		Title:     datatypes.TitleFromMessage(req.LastUserMessage()),
		CreatedAt: now,
		Context:   req.Context,
		ModelID:   req.ModelID,
		Messages:  settled(req.Messages),
	}

	finish := func(ctx context.Context, reply string) (*datatypes.Conversation, error) {
		conv.Messages = append(conv.Messages, datatypes.NewMessage(datatypes.RoleAssistant, reply, datatypes.StatusSent))
		conv.Touch()
		if err := s.store.Set(ctx, conv); err != nil {
			return nil, err
		}
		s.logger.Info("conversation created", "conversation_id", conv.ID, "client_id", req.ConversationID)
		return conv, nil
	}
	s.respond(c, observability.RouteBrainStart, req, finish, conversationBody)
}

func (s *Server) handleSend(c *gin.Context) {
	id := c.Param("id")
	stored, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, conversation.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	req, ok := s.bindRequest(c, observability.RouteBrainSend)
	if !ok {
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != datatypes.RoleUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "last message must be from the user"})
		return
	}
	last.Status = datatypes.StatusSent

	// The stored history is authoritative; the client's copy may lag.
	upstream := *req
	upstream.ConversationID = id
	upstream.Messages = append(stored.History(), last)
	if n := len(upstream.Messages); n > datatypes.MaxMessagesPerRequest {
		upstream.Messages = upstream.Messages[n-datatypes.MaxMessagesPerRequest:]
	}

	finish := func(ctx context.Context, reply string) (*datatypes.Conversation, error) {
		return s.store.Update(ctx, id, func(conv *datatypes.Conversation) error {
			conv.Messages = append(conv.Messages, last,
				datatypes.NewMessage(datatypes.RoleAssistant, reply, datatypes.StatusSent))
			conv.Touch()
			return nil
		})
	}
	s.respond(c, observability.RouteBrainSend, &upstream, finish, conversationBody)
}

// respond generates a reply and writes it as SSE or as one JSON document,
// depending on the request's Accept header.
func (s *Server) respond(
	c *gin.Context,
	route observability.Route,
	req *datatypes.ConversationRequest,
	finish finishFunc,
	jsonBody func(reply string, refs []stream.Reference, conv *datatypes.Conversation) any,
) {
	if strings.Contains(c.GetHeader("Accept"), session.AcceptEventStream) {
		s.streamReply(c, route, req, finish)
		return
	}

	ctx := c.Request.Context()
	refs := s.responder.References(req)
	var raw strings.Builder
	if err := s.responder.Stream(ctx, req, func(delta string) error {
		raw.WriteString(delta)
		return nil
	}); err != nil {
		_ = c.Error(err)
		s.auditReply(ctx, route, req, nil, extensions.OutcomeFailure, raw.String(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": generationFailedMessage})
		return
	}
	reply, err := s.filterOutput(ctx, raw.String())
	if err != nil {
		_ = c.Error(err)
		s.auditReply(ctx, route, req, nil, extensions.OutcomeFailure, "", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": generationFailedMessage})
		return
	}

	var conv *datatypes.Conversation
	if finish != nil {
		if conv, err = finish(ctx, reply); err != nil {
			_ = c.Error(err)
			s.auditReply(ctx, route, req, nil, extensions.OutcomeFailure, reply, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save conversation"})
			return
		}
	}
	s.auditReply(ctx, route, req, conv, extensions.OutcomeSuccess, reply, nil)
	c.JSON(http.StatusOK, jsonBody(reply, refs, conv))
}

func (s *Server) streamReply(c *gin.Context, route observability.Route, req *datatypes.ConversationRequest, finish finishFunc) {
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer, s.cfg.Legacy)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.Flush()

	s.metrics.StreamStarted(route)
	defer s.metrics.StreamEnded(route)

	ctx := c.Request.Context()
	stopKeepAlive := s.keepAlive(ctx, route, writer)
	defer stopKeepAlive()

	if refs := s.responder.References(req); len(refs) > 0 {
		if err := writer.WriteReferences(refs); err != nil {
			s.clientGone(c, route, req, "", err)
			return
		}
	}

	var reply strings.Builder
	err = s.responder.Stream(ctx, req, func(delta string) error {
		filtered, err := s.filterOutput(ctx, delta)
		if err != nil {
			return err
		}
		reply.WriteString(filtered)
		return writer.WriteText(filtered)
	})
	if ctx.Err() != nil {
		s.clientGone(c, route, req, reply.String(), ctx.Err())
		return
	}
	if err != nil {
		_ = c.Error(err)
		s.auditReply(ctx, route, req, nil, extensions.OutcomeFailure, reply.String(), err)
		_ = writer.WriteError(generationFailedMessage)
		return
	}

	var conv *datatypes.Conversation
	if finish != nil {
		if conv, err = finish(ctx, reply.String()); err != nil {
			_ = c.Error(err)
			s.auditReply(ctx, route, req, nil, extensions.OutcomeFailure, reply.String(), err)
			_ = writer.WriteError("Failed to save conversation")
			return
		}
	}
	if err := writer.WriteDone(conv); err != nil {
		s.clientGone(c, route, req, reply.String(), err)
		return
	}
	s.auditReply(ctx, route, req, conv, extensions.OutcomeSuccess, reply.String(), nil)
}

// keepAlive writes SSE comments until the returned stop is called.
func (s *Server) keepAlive(ctx context.Context, route observability.Route, writer SSEWriter) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
				s.metrics.RecordKeepAlive(route)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Server) clientGone(c *gin.Context, route observability.Route, req *datatypes.ConversationRequest, reply string, err error) {
	s.metrics.RecordClientDisconnect(route)
	s.auditReply(c.Request.Context(), route, req, nil, extensions.OutcomeDisconnected, reply, err)
	s.logger.Info("client disconnected mid-stream", "route", string(route), "error", err)
	_ = c.Error(err)
}

// =============================================================================
// REST Routes
// =============================================================================

func (s *Server) handleList(c *gin.Context) {
	convs, err := s.store.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	summaries := make([]datatypes.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summaries = append(summaries, conv.Summarize())
	}
	c.JSON(http.StatusOK, datatypes.Envelope[[]datatypes.ConversationSummary]{Data: summaries})
}

func (s *Server) handleGet(c *gin.Context) {
	conv, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conversation.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, datatypes.Envelope[*datatypes.Conversation]{Data: conv})
}

// =============================================================================
// Helpers
// =============================================================================

// bindRequest decodes and validates the body, answering 400 on failure,
// then runs the input filter over the last user message.
func (s *Server) bindRequest(c *gin.Context, route observability.Route) (*datatypes.ConversationRequest, bool) {
	var req datatypes.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, false
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return s.filterInput(c, route, &req)
}

// filterInput applies the message filter to the last user message. A
// blocked message is audited and answered with 422.
func (s *Server) filterInput(c *gin.Context, route observability.Route, req *datatypes.ConversationRequest) (*datatypes.ConversationRequest, bool) {
	i := len(req.Messages) - 1
	for i >= 0 && req.Messages[i].Role != datatypes.RoleUser {
		i--
	}
	if i < 0 {
		return req, true
	}

	ctx := c.Request.Context()
	result, err := s.ext.MessageFilter.FilterInput(ctx, req.Messages[i].Content)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to filter message"})
		return nil, false
	}
	if result.WasBlocked {
		s.audit(ctx, extensions.EventMessageBlocked, route, req, "", extensions.OutcomeBlocked,
			map[string]any{"reason": result.BlockReason})
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": fmt.Sprintf("%v: %s", extensions.ErrMessageBlocked, result.BlockReason),
		})
		return nil, false
	}
	if !result.WasModified {
		return req, true
	}

	s.logger.Info("user message redacted",
		"route", string(route),
		"request_id", req.RequestID,
		"detections", len(result.Detections))
	filtered := *req
	filtered.Messages = slices.Clone(req.Messages)
	filtered.Messages[i].Content = result.Filtered
	return &filtered, true
}

// filterOutput applies the message filter to one piece of a reply.
func (s *Server) filterOutput(ctx context.Context, text string) (string, error) {
	result, err := s.ext.MessageFilter.FilterOutput(ctx, text)
	if err != nil {
		return "", fmt.Errorf("filter reply: %w", err)
	}
	return result.Filtered, nil
}

// audit records one event. Failures are logged, never returned.
func (s *Server) audit(
	ctx context.Context,
	eventType string,
	route observability.Route,
	req *datatypes.ConversationRequest,
	conversationID, outcome string,
	metadata map[string]any,
) {
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata["route"] = string(route)
	event := extensions.AuditEvent{
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		RequestID:      req.RequestID,
		ConversationID: conversationID,
		Outcome:        outcome,
		Metadata:       metadata,
	}
	if err := s.ext.AuditLogger.Log(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", eventType, "error", err)
	}
}

// replyEvent is the audit event type for a reply on route.
func replyEvent(route observability.Route) string {
	switch route {
	case observability.RouteBrainStart:
		return extensions.EventConversationCreated
	case observability.RouteBrainSend:
		return extensions.EventMessageSent
	default:
		return extensions.EventChatCompleted
	}
}

// auditReply records how a reply ended.
func (s *Server) auditReply(ctx context.Context, route observability.Route, req *datatypes.ConversationRequest, conv *datatypes.Conversation, outcome string, reply string, err error) {
	conversationID := req.ConversationID
	if conv != nil {
		conversationID = conv.ID
	}
	metadata := map[string]any{"reply_bytes": len(reply)}
	if err != nil {
		metadata["error"] = err.Error()
	}
	s.audit(ctx, replyEvent(route), route, req, conversationID, outcome, metadata)
}

func conversationBody(_ string, _ []stream.Reference, conv *datatypes.Conversation) any {
	return datatypes.Envelope[*datatypes.Conversation]{Data: conv}
}

// settled copies msgs with every status set to sent.
func settled(msgs []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs))
	for i, m := range msgs {
		m.Status = datatypes.StatusSent
		out[i] = m
	}
	return out
}
