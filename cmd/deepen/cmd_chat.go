// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deepen/pkg/ux"
	"github.com/AleutianAI/deepen/services/deepen/api"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

func (a *app) chatCmd() *cobra.Command {
	var (
		noStream bool
		message  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat about your captured content",
		Long: `Start an interactive chat over everything you have captured.

History is kept in memory for the session and sent with each message.
Ctrl-C during a reply cancels that reply; Ctrl-C or /exit at the prompt
quits. With --message a single message is sent and the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.apiClient()
			if err != nil {
				return err
			}
			chat := &genericChat{
				client:    client,
				streaming: !noStream,
				out:       a.out,
				logger:    a.slog(),
				modelID:   a.cfg.ModelID,
				options:   a.generationOptions(),
			}

			if message != "" {
				ctx, stop := a.interruptible(cmd.Context())
				defer stop()
				return quietCancel(chat.turn(ctx, message))
			}

			ux.ChatHeader(a.out, "chat", client.BaseURL(), "")
			interrupts, stop := a.interruptChannel()
			defer stop()
			loop := &chatLoop{
				input:      a.inputReader(),
				out:        a.out,
				interrupts: interrupts,
				turn:       chat.turn,
				logger:     a.slog(),
			}
			return quietCancel(loop.Run(cmd.Context()))
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the complete reply instead of streaming")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

// genericChat is a chat whose history lives only in memory.
type genericChat struct {
	client    *api.Client
	streaming bool
	out       io.Writer
	logger    *slog.Logger
	modelID   string
	options   *datatypes.GenerationOptions

	history []datatypes.Message
}

// turn sends text with the history and renders the reply. Completed
// exchanges are added to the history. A cancelled reply keeps whatever
// arrived so the next message has the same context the user saw.
func (c *genericChat) turn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message is empty")
	}
	user := datatypes.NewMessage(datatypes.RoleUser, text, datatypes.StatusSent)
	messages := append(slices.Clone(c.history), user)
	if n := len(messages); n > datatypes.MaxMessagesPerRequest {
		messages = messages[n-datatypes.MaxMessagesPerRequest:]
	}
	req := &datatypes.ConversationRequest{
		Messages: messages,
		ModelID:  c.modelID,
		Options:  c.options,
	}

	renderer := ux.NewTerminalStreamRenderer(c.out, ux.GetPersonality())
	renderer.OnStatus("Thinking...")
	outcome := c.client.Chat(ctx, req, c.streaming, rendererCallbacks(renderer, c.logger))
	if outcome == session.OutcomeCancelled {
		renderer.OnCancelled()
	}
	renderer.Finalize()
	result := renderer.Result()
	c.logger.Debug("chat turn finished",
		"outcome", outcome,
		"deltas", result.Deltas,
		"time_to_first_delta", result.TimeToFirstDelta())

	switch outcome {
	case session.OutcomeDone:
		c.remember(user, result.Answer)
		return nil
	case session.OutcomeCancelled:
		c.remember(user, result.Answer)
		return context.Canceled
	default:
		if result.Error == "" {
			result.Error = "chat failed"
		}
		return &reportedError{err: errors.New(result.Error)}
	}
}

func (c *genericChat) remember(user datatypes.Message, answer string) {
	c.history = append(c.history, user)
	if answer != "" {
		c.history = append(c.history, datatypes.NewMessage(datatypes.RoleAssistant, answer, datatypes.StatusSent))
	}
}

// rendererCallbacks forwards session events to r.
func rendererCallbacks(r ux.StreamRenderer, logger *slog.Logger) session.Callbacks {
	return session.Callbacks{
		OnMessageChunk: r.OnDelta,
		OnReferences:   r.OnReferences,
		OnDone: func(final *datatypes.Conversation) {
			id := ""
			if final != nil {
				id = final.ID
			}
			r.OnDone(id)
		},
		OnError: r.OnError,
		OnParseError: func(message string) {
			logger.Warn("skipped unparseable stream frame", "detail", message)
		},
	}
}
