// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of one user message.
	// Assistant replies in the history are not limited.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest is the maximum history length sent upstream.
	MaxMessagesPerRequest = 100

	// MaxTokensLimit bounds GenerationOptions.MaxTokens.
	MaxTokensLimit = 32768
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateMessage, Message{})
	validate.RegisterStructValidation(validateContextSnapshot, ContextSnapshot{})
}

// validateMessage limits user content by byte length, not rune count.
func validateMessage(sl validator.StructLevel) {
	m := sl.Current().Interface().(Message)
	if m.Role == RoleUser && len(m.Content) > MaxMessageContentBytes {
		sl.ReportError(m.Content, "Content", "content", "maxbytes", "")
	}
}

func validateContextSnapshot(sl validator.StructLevel) {
	snap := sl.Current().Interface().(ContextSnapshot)
	if snap.Validate() != nil {
		sl.ReportError(snap.FullKnowledgeBase, "FullKnowledgeBase", "fullKnowledgeBase", "exclusive", "")
	}
}

// Validator returns the package validator so other packages (config, the
// dev server) validate with the same custom rules.
func Validator() *validator.Validate {
	return validate
}

// =============================================================================
// Conversation Request
// =============================================================================

// GenerationOptions tune the model's reply. Zero values mean "server
// default".
type GenerationOptions struct {
	Temperature       *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens         int      `json:"maxTokens,omitempty" validate:"gte=0,lte=32768"`
	IncludeReferences bool     `json:"includeReferences,omitempty"`
}

// ConversationRequest is the body POSTed to every streaming endpoint.
//
// # Description
//
// The same shape serves generic chat, starting a brain conversation and
// sending into an existing one. ConversationID is the temporary id when
// starting, the confirmed id when sending, and optional for generic chat.
//
// # Validation
//
//   - RequestID: required UUID v4 (EnsureDefaults fills it)
//   - Messages: 1-100 entries, each with a valid role; user content at
//     most 32KB
//   - Context: FullKnowledgeBase excludes explicit ids
//   - Options: temperature 0-2, max tokens 0-32768
//
// # Example
//
//	req := &ConversationRequest{
//	    ConversationID: "tmp-42",
//	    Messages:       []Message{NewMessage(RoleUser, "What did I save about Go?", StatusSent)},
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
type ConversationRequest struct {
	RequestID      string             `json:"requestId" validate:"required,uuid4"`
	Timestamp      int64              `json:"timestamp" validate:"required,gt=0"`
	ConversationID string             `json:"conversationId,omitempty"`
	Messages       []Message          `json:"messages" validate:"required,min=1,max=100,dive"`
	ModelID        string             `json:"modelId,omitempty"`
	Context        *ContextSnapshot   `json:"context,omitempty"`
	Options        *GenerationOptions `json:"options,omitempty"`
}

// Validate checks the request against its validate tags.
func (r *ConversationRequest) Validate() error {
	return validate.Struct(r)
}

// EnsureDefaults fills RequestID and Timestamp when unset.
func (r *ConversationRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// LastUserMessage returns the content of the final user message, or "".
func (r *ConversationRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}
