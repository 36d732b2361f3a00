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
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
)

// Responder produces assistant replies for the dev server.
type Responder interface {
	// References returns the sources the reply will cite, sent before the
	// first delta. May be nil.
	References(req *datatypes.ConversationRequest) []stream.Reference

	// Stream generates the reply, calling onDelta for each fragment in
	// order. It stops early if onDelta returns an error or ctx ends.
	Stream(ctx context.Context, req *datatypes.ConversationRequest, onDelta func(string) error) error
}

// contextReferences cites each explicit source in the request's context.
func contextReferences(req *datatypes.ConversationRequest) []stream.Reference {
	if req.Context == nil {
		return nil
	}
	var refs []stream.Reference
	add := func(kind string, ids []string) {
		for _, id := range ids {
			refs = append(refs, stream.Reference{
				ID:    id,
				Title: fmt.Sprintf("%s %s", kind, id),
				URL:   fmt.Sprintf("deepen://%ss/%s", kind, id),
			})
		}
	}
	add("collection", req.Context.CollectionIDs)
	add("capture", req.Context.CaptureIDs)
	add("bookmark", req.Context.BookmarkIDs)
	return refs
}

// =============================================================================
// EchoResponder
// =============================================================================

// EchoResponder replies deterministically by echoing the last user message
// word by word. Used by tests and offline development.
type EchoResponder struct {
	// Delay is slept between words.
	Delay time.Duration
}

// References implements Responder.
func (e EchoResponder) References(req *datatypes.ConversationRequest) []stream.Reference {
	return contextReferences(req)
}

// Stream implements Responder.
func (e EchoResponder) Stream(ctx context.Context, req *datatypes.ConversationRequest, onDelta func(string) error) error {
	reply := EchoReply(req.LastUserMessage())
	words := strings.SplitAfter(reply, " ")
	for _, word := range words {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onDelta(word); err != nil {
			return err
		}
	}
	return nil
}

// EchoReply is the full reply EchoResponder streams for text.
func EchoReply(text string) string {
	return "You said: " + strings.Join(strings.Fields(text), " ")
}

// =============================================================================
// OpenAIResponder
// =============================================================================

const defaultOpenAIModel = "gpt-4o-mini"

const defaultSystemPrompt = "You are Deepen, an assistant that answers questions about the user's saved knowledge."

// OpenAIResponderConfig configures an OpenAIResponder.
type OpenAIResponderConfig struct {
	APIKey string

	// Model defaults to gpt-4o-mini. A request's ModelID overrides it.
	Model string

	// BaseURL overrides the API endpoint (for compatible servers).
	BaseURL string

	// SystemPrompt defaults to a short Deepen persona.
	SystemPrompt string

	Logger *slog.Logger
}

// OpenAIResponder streams replies from the OpenAI chat completions API.
type OpenAIResponder struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

// NewOpenAIResponder creates an OpenAIResponder.
func NewOpenAIResponder(cfg OpenAIResponderConfig) (*OpenAIResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger.Info("initializing OpenAI responder", "model", cfg.Model)
	return &OpenAIResponder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		system: cfg.SystemPrompt,
		logger: cfg.Logger,
	}, nil
}

// References implements Responder.
func (o *OpenAIResponder) References(req *datatypes.ConversationRequest) []stream.Reference {
	return contextReferences(req)
}

// Stream implements Responder.
func (o *OpenAIResponder) Stream(ctx context.Context, req *datatypes.ConversationRequest, onDelta func(string) error) error {
	creq := o.completionRequest(req)
	o.logger.Debug("requesting OpenAI completion", "model", creq.Model, "messages", len(creq.Messages))

	resp, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return fmt.Errorf("OpenAI stream: %w", err)
	}
	defer resp.Close()

	for {
		chunk, err := resp.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("OpenAI stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
}

func (o *OpenAIResponder) completionRequest(req *datatypes.ConversationRequest) openai.ChatCompletionRequest {
	model := o.model
	if req.ModelID != "" {
		model = req.ModelID
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.system})
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	creq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if opts := req.Options; opts != nil {
		if opts.Temperature != nil {
			creq.Temperature = float32(*opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			creq.MaxCompletionTokens = opts.MaxTokens
		}
	}
	return creq
}
