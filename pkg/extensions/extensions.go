// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines hooks the dev server calls around every reply.
//
// The defaults do nothing. Deployments that need an audit trail or content
// filtering inject their own implementations:
//
//	opts := extensions.DefaultOptions().
//	    WithAudit(extensions.NewSlogAuditLogger(logger)).
//	    WithFilter(extensions.NewRedactingFilter())
//	srv, err := devserver.New(devserver.Config{Extensions: opts}, responder)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. Every request
// calls them from its own goroutine.
package extensions

// Options groups the extension points.
//
// Nil fields are replaced with no-op defaults by Normalize.
type Options struct {
	// AuditLogger records conversation events.
	// Default: NopAuditLogger
	AuditLogger AuditLogger

	// MessageFilter transforms user messages and replies.
	// Default: NopMessageFilter
	MessageFilter MessageFilter
}

// DefaultOptions returns Options with no-op defaults.
func DefaultOptions() Options {
	return Options{
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// Normalize returns opts with nil fields set to the no-op defaults.
func (opts Options) Normalize() Options {
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	if opts.MessageFilter == nil {
		opts.MessageFilter = &NopMessageFilter{}
	}
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts Options) WithAudit(logger AuditLogger) Options {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts Options) WithFilter(filter MessageFilter) Options {
	opts.MessageFilter = filter
	return opts
}
