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
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/deepen/services/deepen/observability"
	"github.com/AleutianAI/deepen/services/deepen/session"
)

// sessionGate rejects API requests without the configured session cookie.
func (s *Server) sessionGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.SessionToken == "" {
			c.Next()
			return
		}
		cookie, err := c.Cookie(session.SessionCookieName)
		if err != nil || subtle.ConstantTimeCompare([]byte(cookie), []byte(s.cfg.SessionToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid session"})
			return
		}
		c.Next()
	}
}

// rateLimit rejects requests beyond the configured rate with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.metrics.RecordRateLimited()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// track records the request outcome for route. A streamed response that
// failed after its 200 header registers the failure with c.Error.
func (s *Server) track(route observability.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		success := c.Writer.Status() < http.StatusBadRequest && len(c.Errors) == 0
		s.metrics.RecordRequest(route, success)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
			s.logger.Warn("request failed", attrs...)
			return
		}
		s.logger.Debug("request", attrs...)
	}
}
