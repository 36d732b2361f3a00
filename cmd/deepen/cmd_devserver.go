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
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/deepen/cmd/deepen/config"
	"github.com/AleutianAI/deepen/pkg/extensions"
	"github.com/AleutianAI/deepen/pkg/ux"
	"github.com/AleutianAI/deepen/services/devserver"
)

// echoDelay paces the echo responder so streaming is visible.
const echoDelay = 40 * time.Millisecond

func (a *app) devServerCmd() *cobra.Command {
	var (
		addr         string
		sessionToken string
		useOpenAI    bool
		legacy       bool
		audit        bool
		redact       bool
		blocked      []string
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local backend that speaks the Deepen streaming API",
		Long: `Run a development backend implementing the chat and brain endpoints.

By default replies echo the last user message word by word. With --openai
replies come from the OpenAI chat completions API using OPENAI_API_KEY.
--legacy streams the older untyped frames instead of typed events.

--audit logs one audit record per reply. --redact masks e-mail addresses
and API keys in messages and replies; --block rejects user messages that
contain the given term.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc := a.cfg.DevServer
			flags := cmd.Flags()
			if flags.Changed("addr") {
				dc.Addr = addr
			}
			if flags.Changed("session-token") {
				dc.SessionToken = sessionToken
			}
			if flags.Changed("legacy") {
				dc.Legacy = legacy
			}

			var responder devserver.Responder = devserver.EchoResponder{Delay: echoDelay}
			if useOpenAI {
				r, err := devserver.NewOpenAIResponder(devserver.OpenAIResponderConfig{
					APIKey: dc.OpenAIKey,
					Model:  dc.OpenAIModel,
					Logger: a.slog(),
				})
				if err != nil {
					return fmt.Errorf("--openai needs %s: %w", config.EnvOpenAIKey, err)
				}
				responder = r
			}

			ext := extensions.DefaultOptions()
			if audit {
				ext = ext.WithAudit(extensions.NewSlogAuditLogger(a.slog()))
			}
			if redact || len(blocked) > 0 {
				ext = ext.WithFilter(extensions.NewRedactingFilter().WithBlockedTerms(blocked...))
			}

			if a.cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv, err := devserver.New(devserver.Config{
				Addr:         dc.Addr,
				SessionToken: dc.SessionToken,
				Legacy:       dc.Legacy,
				Extensions:   ext,
				Logger:       a.slog(),
			}, responder)
			if err != nil {
				return err
			}

			ctx, stop := a.interruptible(cmd.Context())
			defer stop()
			ux.Info(a.out, fmt.Sprintf("Deepen dev server on http://%s (Ctrl-C to stop)", dc.Addr))
			return srv.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8787)")
	flags.StringVar(&sessionToken, "session-token", "", "require this deepen_session cookie")
	flags.BoolVar(&useOpenAI, "openai", false, "answer with the OpenAI API")
	flags.BoolVar(&legacy, "legacy", false, "stream legacy untyped frames")
	flags.BoolVar(&audit, "audit", false, "log an audit record for every reply")
	flags.BoolVar(&redact, "redact", false, "redact e-mail addresses and API keys")
	flags.StringSliceVar(&blocked, "block", nil, "reject user messages containing this term (repeatable)")
	return cmd
}
