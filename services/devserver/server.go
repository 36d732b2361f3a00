// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devserver is a local backend speaking the Deepen wire protocol,
// so the client can be exercised end to end without the production
// service.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	POST /api/chat
//	POST /api/brain/conversations/stream
//	POST /api/brain/conversations/:id/messages/stream
//	GET  /api/brain/conversations
//	GET  /api/brain/conversations/:id
//
// Streaming routes answer with SSE when the request accepts
// text/event-stream and with a single JSON document otherwise.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/deepen/pkg/extensions"
	"github.com/AleutianAI/deepen/services/deepen/conversation"
	"github.com/AleutianAI/deepen/services/deepen/observability"
)

// ServiceName labels the server's spans.
const ServiceName = "deepen-devserver"

const (
	defaultAddr              = "127.0.0.1:8787"
	defaultKeepAliveInterval = 15 * time.Second
	defaultRateLimit         = rate.Limit(20)
	defaultRateBurst         = 40
	shutdownTimeout          = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Defaults to 127.0.0.1:8787.
	Addr string

	// SessionToken is the deepen_session cookie value clients must send.
	// Empty disables the check.
	SessionToken string

	// Legacy streams untyped frames instead of typed events.
	Legacy bool

	// KeepAliveInterval is the gap between SSE comments. Defaults to 15s.
	KeepAliveInterval time.Duration

	// RateLimit and RateBurst bound API requests across all clients.
	RateLimit rate.Limit
	RateBurst int

	// Registry receives server metrics and backs /metrics. Defaults to a
	// fresh registry.
	Registry *prometheus.Registry

	// Store holds server-side conversations. Defaults to a MemoryStore.
	Store conversation.Store

	// Extensions audit conversations and filter messages. Nil fields
	// default to no-ops.
	Extensions extensions.Options

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the development backend.
type Server struct {
	cfg       Config
	responder Responder
	store     conversation.Store
	metrics   *observability.ServerMetrics
	ext       extensions.Options
	limiter   *rate.Limiter
	logger    *slog.Logger
	router    *gin.Engine
}

// New creates a Server answering with responder.
func New(cfg Config, responder Responder) (*Server, error) {
	if responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Store == nil {
		cfg.Store = conversation.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		responder: responder,
		store:     cfg.Store,
		metrics:   observability.NewServerMetrics(cfg.Registry),
		ext:       cfg.Extensions.Normalize(),
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:    cfg.Logger.With("component", "devserver"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dev server listening",
			"addr", ln.Addr().String(),
			"legacy_frames", s.cfg.Legacy,
			"session_required", s.cfg.SessionToken != "")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("dev server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if flushErr := s.ext.AuditLogger.Flush(flushCtx); flushErr != nil {
		s.logger.Warn("failed to flush audit log", "error", flushErr)
	}
	return err
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})))

	apiGroup := router.Group("/api")
	apiGroup.Use(s.sessionGate(), s.rateLimit())
	{
		apiGroup.POST("/chat", s.track(observability.RouteChat), s.handleChat)

		brain := apiGroup.Group("/brain/conversations")
		{
			brain.GET("", s.track(observability.RouteBrainList), s.handleList)
			brain.POST("/stream", s.track(observability.RouteBrainStart), s.handleStart)
			brain.GET("/:id", s.track(observability.RouteBrainGet), s.handleGet)
			brain.POST("/:id/messages/stream", s.track(observability.RouteBrainSend), s.handleSend)
		}
	}
	return router
}
