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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
)

// AcceptEventStream is the Accept header sent by streaming policies.
const AcceptEventStream = "text/event-stream"

// =============================================================================
// Policy
// =============================================================================

// Result is what a complete-JSON response resolves to.
type Result struct {
	// Content is the assistant reply delivered through OnMessageChunk.
	Content string

	// Conversation is the authoritative conversation, when the response
	// carried one. Passed to OnDone.
	Conversation *datatypes.Conversation
}

// ExtractFunc turns a complete-JSON response body into a Result.
type ExtractFunc func(body []byte) (Result, error)

// Policy carries everything that differs between call sites of the engine.
//
// # Fields
//
//   - Name: label for logs, spans and metrics
//   - Accept: Accept header value; empty omits the header
//   - Framing: frame boundary rule for streamed bodies
//   - Extract: complete-JSON extractor
//   - AllowSilentEnd: a stream that closes without a done event counts as
//     success with no final conversation, instead of failing with
//     ErrStreamEndedWithoutDone
type Policy struct {
	Name           string
	Accept         string
	Framing        stream.FrameMode
	Extract        ExtractFunc
	AllowSilentEnd bool
}

// ChatPolicy is used by generic chat over captured content. Generic chat
// also has a synchronous variant, which omits the Accept header.
func ChatPolicy(streaming bool) Policy {
	p := Policy{
		Name:    "chat",
		Framing: stream.FrameModeEvent,
		Extract: ExtractChatReply,
	}
	if streaming {
		p.Accept = AcceptEventStream
	}
	return p
}

// BrainStartPolicy is used to start a brain conversation.
//
// A start stream that closes without a done event is treated as success;
// the caller keeps its optimistic conversation.
func BrainStartPolicy() Policy {
	return Policy{
		Name:           "brain_start",
		Accept:         AcceptEventStream,
		Framing:        stream.FrameModeEvent,
		Extract:        ExtractConversation,
		AllowSilentEnd: true,
	}
}

// BrainSendPolicy is used to send into an existing brain conversation.
func BrainSendPolicy() Policy {
	return Policy{
		Name:    "brain_send",
		Accept:  AcceptEventStream,
		Framing: stream.FrameModeEvent,
		Extract: ExtractConversation,
	}
}

// =============================================================================
// Extractors
// =============================================================================

// ExtractConversation decodes {"data": Conversation} and takes the content
// of the last assistant message as the reply. A conversation without an
// assistant message yields empty content.
func ExtractConversation(body []byte) (Result, error) {
	conv, err := decodeConversation(body)
	if err != nil {
		return Result{}, err
	}
	content, _ := lastAssistantContent(conv)
	return Result{Content: content, Conversation: conv}, nil
}

// ExtractChatReply accepts the conversation shape and the flatter reply
// shapes generic chat servers use: {"data":{"content":"…"}} and
// {"data":{"message":{"content":"…"}}}.
func ExtractChatReply(body []byte) (Result, error) {
	if conv, err := decodeConversation(body); err == nil {
		if content, ok := lastAssistantContent(conv); ok {
			return Result{Content: content, Conversation: conv}, nil
		}
	}

	var flat datatypes.Envelope[struct {
		Content string `json:"content"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	}]
	if err := json.Unmarshal(body, &flat); err != nil {
		return Result{}, fmt.Errorf("decode chat response: %w", err)
	}
	switch {
	case flat.Data.Content != "":
		return Result{Content: flat.Data.Content}, nil
	case flat.Data.Message != nil && flat.Data.Message.Content != "":
		return Result{Content: flat.Data.Message.Content}, nil
	default:
		return Result{}, ErrNoAssistantContent
	}
}

func decodeConversation(body []byte) (*datatypes.Conversation, error) {
	var env datatypes.Envelope[*datatypes.Conversation]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode conversation response: %w", err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("decode conversation response: missing data")
	}
	return env.Data, nil
}

func lastAssistantContent(conv *datatypes.Conversation) (string, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == datatypes.RoleAssistant {
			return conv.Messages[i].Content, true
		}
	}
	return "", false
}
