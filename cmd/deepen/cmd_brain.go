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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deepen/pkg/stream"
	"github.com/AleutianAI/deepen/pkg/ux"
	"github.com/AleutianAI/deepen/pkg/validation"
	"github.com/AleutianAI/deepen/services/deepen/api"
	"github.com/AleutianAI/deepen/services/deepen/conversation"
	"github.com/AleutianAI/deepen/services/deepen/datatypes"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

func (a *app) brainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brain",
		Short: "Conversations grounded in your knowledge base",
		Long: `Brain conversations answer from a chosen part of your knowledge base and
are kept on the server. A local copy of every conversation is stored under
data_dir so it can be listed and reviewed offline.`,
	}
	cmd.AddCommand(
		a.brainStartCmd(),
		a.brainSendCmd(),
		a.brainChatCmd(),
		a.brainListCmd(),
		a.brainShowCmd(),
		a.brainDeleteCmd(),
	)
	return cmd
}

// contextFlags selects the knowledge sources for a new conversation.
type contextFlags struct {
	fullKB      bool
	collections []string
	captures    []string
	bookmarks   []string
}

func (f *contextFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.fullKB, "full-kb", false, "answer from the whole knowledge base")
	flags.StringSliceVar(&f.collections, "collection", nil, "collection id to answer from (repeatable)")
	flags.StringSliceVar(&f.captures, "capture", nil, "capture id to answer from (repeatable)")
	flags.StringSliceVar(&f.bookmarks, "bookmark", nil, "bookmark id to answer from (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("full-kb", "collection")
	cmd.MarkFlagsMutuallyExclusive("full-kb", "capture")
	cmd.MarkFlagsMutuallyExclusive("full-kb", "bookmark")
}

func (f *contextFlags) apply(draft *conversation.ContextDraft) error {
	for _, ids := range [][]string{f.collections, f.captures, f.bookmarks} {
		if err := validation.ValidateIDs(ids); err != nil {
			return fmt.Errorf("invalid knowledge source: %w", err)
		}
	}
	if f.fullKB {
		draft.UseFullKnowledgeBase()
	}
	draft.AddCollections(f.collections...)
	draft.AddCaptures(f.captures...)
	draft.AddBookmarks(f.bookmarks...)
	return nil
}

// conversationIDArg validates the conversation id in the first positional
// argument, when present.
func conversationIDArg(_ *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if err := validation.ValidateID(args[0]); err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	return nil
}

// =============================================================================
// brainSession
// =============================================================================

// brainSession runs brain turns through a Reconciler over the local store
// and renders each reply as it streams.
type brainSession struct {
	rec        *conversation.Reconciler
	client     *api.Client
	out        io.Writer
	logger     *slog.Logger
	closeStore func()

	// renderer belongs to the turn in progress. Observer callbacks run on
	// the turn's goroutine.
	renderer ux.StreamRenderer
}

func (a *app) openBrain() (*brainSession, error) {
	client, err := a.apiClient()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := a.openStore()
	if err != nil {
		return nil, err
	}

	b := &brainSession{
		client:     client,
		out:        a.out,
		logger:     a.slog(),
		closeStore: closeStore,
	}
	rec, err := conversation.NewReconciler(conversation.Config{
		Store:    store,
		Streamer: client,
		Observer: conversation.ObserverFuncs{
			OnDelta: func(_, _, delta string) {
				b.renderer.OnDelta(delta)
			},
			OnReferences: func(_ string, refs []stream.Reference) {
				b.renderer.OnReferences(refs)
			},
			OnRekey: func(oldID, newID string) {
				b.logger.Debug("conversation confirmed by server",
					"temp_id", oldID,
					"conversation_id", newID)
			},
			OnFinished: func(id string, outcome session.Outcome) {
				b.logger.Debug("reply finished", "conversation_id", id, "outcome", outcome.String())
			},
		},
		Logger:  a.slog(),
		ModelID: a.cfg.ModelID,
		Options: a.generationOptions(),
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	b.rec = rec
	return b, nil
}

func (b *brainSession) close() {
	b.closeStore()
}

// start creates a conversation from text and renders the first reply.
func (b *brainSession) start(ctx context.Context, text, tempID string) (*datatypes.Conversation, error) {
	b.begin("Searching your knowledge base...")
	conv, err := b.rec.StartConversation(ctx, text, tempID)
	return conv, b.settle(conv, err)
}

// send appends text to conversationID and renders the reply. A
// conversation known only to the server is copied into the local store
// first.
func (b *brainSession) send(ctx context.Context, conversationID, text string) (*datatypes.Conversation, error) {
	if err := b.ensureLocal(ctx, conversationID); err != nil {
		return nil, err
	}
	b.begin("Thinking...")
	conv, err := b.rec.SendMessage(ctx, conversationID, text)
	return conv, b.settle(conv, err)
}

func (b *brainSession) begin(status string) {
	b.renderer = ux.NewTerminalStreamRenderer(b.out, ux.GetPersonality())
	b.renderer.OnStatus(status)
}

// settle renders how the turn ended. Errors come back as reportedError
// since the renderer already showed them; cancellation stays
// context.Canceled.
func (b *brainSession) settle(conv *datatypes.Conversation, err error) error {
	defer b.renderer.Finalize()

	switch {
	case err == nil:
		b.renderer.OnDone(conv.ID)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		b.renderer.OnCancelled()
		return context.Canceled
	default:
		b.renderer.OnError(err)
		return &reportedError{err: err}
	}
}

func (b *brainSession) ensureLocal(ctx context.Context, id string) error {
	store := b.rec.Store()
	_, err := store.Get(ctx, id)
	if err == nil || !errors.Is(err, conversation.ErrConversationNotFound) {
		return err
	}
	if strings.HasPrefix(id, conversation.TempIDPrefix) {
		return fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, id)
	}

	remote, err := b.client.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch conversation %s: %w", id, err)
	}
	for i := range remote.Messages {
		if remote.Messages[i].Status == "" {
			remote.Messages[i].Status = datatypes.StatusSent
		}
	}
	b.logger.Info("imported conversation from server",
		"conversation_id", id,
		"messages", len(remote.Messages))
	return store.Set(ctx, remote)
}

// =============================================================================
// Commands
// =============================================================================

func (a *app) brainStartCmd() *cobra.Command {
	var (
		sources contextFlags
		tempID  string
	)
	cmd := &cobra.Command{
		Use:   "start <message>",
		Short: "Start a conversation",
		Example: `  deepen brain start --full-kb "What did I save about Go generics?"
  deepen brain start --collection c1 --collection c2 "Summarize these"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBrain()
			if err != nil {
				return err
			}
			defer b.close()

			if tempID != "" {
				if err := validation.ValidateID(tempID); err != nil {
					return fmt.Errorf("invalid --temp-id: %w", err)
				}
			}
			if err := sources.apply(b.rec.Draft()); err != nil {
				return err
			}
			ctx, stop := a.interruptible(cmd.Context())
			defer stop()
			_, err = b.start(ctx, strings.Join(args, " "), tempID)
			return quietCancel(err)
		},
	}
	sources.bind(cmd)
	cmd.Flags().StringVar(&tempID, "temp-id", "", "local id to use until the server assigns one")
	return cmd
}

func (a *app) brainSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <message>",
		Short: "Send a message to a conversation",
		Args:  cobra.MatchAll(cobra.MinimumNArgs(2), conversationIDArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBrain()
			if err != nil {
				return err
			}
			defer b.close()

			ctx, stop := a.interruptible(cmd.Context())
			defer stop()
			_, err = b.send(ctx, args[0], strings.Join(args[1:], " "))
			return quietCancel(err)
		},
	}
}

func (a *app) brainChatCmd() *cobra.Command {
	var sources contextFlags
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat interactively, starting or resuming a conversation",
		Args:  cobra.MatchAll(cobra.MaximumNArgs(1), conversationIDArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBrain()
			if err != nil {
				return err
			}
			defer b.close()

			current := ""
			if len(args) == 1 {
				current = args[0]
				if err := b.ensureLocal(cmd.Context(), current); err != nil {
					return err
				}
			}
			if err := sources.apply(b.rec.Draft()); err != nil {
				return err
			}
			ux.ChatHeader(a.out, "brain", b.client.BaseURL(), current)

			turn := func(ctx context.Context, line string) error {
				if current != "" {
					_, err := b.send(ctx, current, line)
					return err
				}
				conv, err := b.start(ctx, line, "")
				// A conversation the server never confirmed cannot be
				// continued; the next line starts a new one.
				if conv != nil && !strings.HasPrefix(conv.ID, conversation.TempIDPrefix) {
					current = conv.ID
				}
				return err
			}

			interrupts, stop := a.interruptChannel()
			defer stop()
			loop := &chatLoop{
				input:      a.inputReader(),
				out:        a.out,
				interrupts: interrupts,
				turn:       turn,
				logger:     a.slog(),
			}
			return quietCancel(loop.Run(cmd.Context()))
		},
	}
	sources.bind(cmd)
	return cmd
}

func (a *app) brainListCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				rows []ux.ConversationRow
				err  error
			)
			if remote {
				rows, err = a.remoteRows(cmd.Context())
			} else {
				rows, err = a.localRows(cmd.Context())
			}
			if err != nil {
				return err
			}
			ux.ConversationList(a.out, rows, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list conversations on the server")
	return cmd
}

func (a *app) localRows(ctx context.Context) ([]ux.ConversationRow, error) {
	store, closeStore, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer closeStore()

	convs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	active, err := store.ActiveID(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]ux.ConversationRow, 0, len(convs))
	for _, c := range convs {
		row := ux.ConversationRow{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			Active:       c.ID == active,
		}
		if c.LastActivity != nil {
			row.LastActivity = *c.LastActivity
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (a *app) remoteRows(ctx context.Context) ([]ux.ConversationRow, error) {
	client, err := a.apiClient()
	if err != nil {
		return nil, err
	}
	summaries, err := client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]ux.ConversationRow, 0, len(summaries))
	for _, s := range summaries {
		row := ux.ConversationRow{
			ID:           s.ID,
			Title:        s.Title,
			MessageCount: s.MessageCount,
		}
		if s.LastActivity != nil {
			row.LastActivity = *s.LastActivity
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (a *app) brainShowCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), conversationIDArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := a.loadConversation(cmd.Context(), args[0], remote)
			if err != nil {
				return err
			}
			msgs := make([]ux.TranscriptMessage, 0, len(conv.Messages))
			for _, m := range conv.Messages {
				msgs = append(msgs, ux.TranscriptMessage{
					Role:    string(m.Role),
					Content: m.Content,
					Status:  string(m.Status),
				})
			}
			ux.Transcript(a.out, conv.ID, conv.Title, msgs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "read the conversation from the server")
	return cmd
}

func (a *app) loadConversation(ctx context.Context, id string, remote bool) (*datatypes.Conversation, error) {
	if remote {
		client, err := a.apiClient()
		if err != nil {
			return nil, err
		}
		return client.GetConversation(ctx, id)
	}

	store, closeStore, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer closeStore()
	return store.Get(ctx, id)
}

func (a *app) brainDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete the local copy of a conversation",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), conversationIDArg),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			ux.Success(a.out, "Deleted "+args[0])
			return nil
		},
	}
}
