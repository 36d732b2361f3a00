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
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SessionCookieName is the cookie the backend authenticates with.
const SessionCookieName = "deepen_session"

// ClientConfig configures NewHTTPClient.
type ClientConfig struct {
	// BaseURL is the backend origin the session cookie is scoped to.
	BaseURL string

	// SessionCookie is the value of SessionCookieName. Empty sends none.
	SessionCookie string

	// HeaderTimeout bounds the wait for response headers. Bodies are not
	// bounded, since a stream may legitimately stay open for minutes.
	// Default: 30s.
	HeaderTimeout time.Duration
}

// NewHTTPClient returns an *http.Client that carries the session cookie on
// every request to BaseURL and propagates trace context.
func NewHTTPClient(cfg ClientConfig) (*http.Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if cfg.SessionCookie != "" {
		jar.SetCookies(base, []*http.Cookie{{
			Name:  SessionCookieName,
			Value: cfg.SessionCookie,
			Path:  "/",
		}})
	}

	timeout := cfg.HeaderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &http.Client{
		Jar:       jar,
		Transport: otelhttp.NewTransport(transport),
	}, nil
}
