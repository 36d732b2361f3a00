// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMessageBlocked is returned when a message is rejected by the filter.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is the outcome of a filter operation.
//
// Example:
//
//	result := FilterResult{
//	    Original:    "mail me at ada@example.com",
//	    Filtered:    "mail me at [REDACTED:email]",
//	    WasModified: true,
//	    Detections:  []Detection{{Type: "email", Location: "characters 11-26", Action: "redacted"}},
//	}
type FilterResult struct {
	// Original is the input before filtering.
	Original string

	// Filtered is the message after filtering. Equals Original when
	// WasModified is false.
	Filtered string

	WasModified bool

	// WasBlocked means the message must not be processed. Filtered should
	// not be used.
	WasBlocked bool

	// BlockReason explains WasBlocked.
	BlockReason string

	// Detections lists what the filter found.
	Detections []Detection
}

// Detection is one item found by a filter.
type Detection struct {
	// Type categorizes what was detected, e.g. "email" or "api_key".
	Type string

	// Location is where the item was found, e.g. "characters 10-20".
	Location string

	// Action is "redacted" or "blocked".
	Action string
}

// MessageFilter transforms messages around reply generation.
//
// # Blocking vs Transforming
//
// A filter either transforms content and lets it through, or blocks the
// whole message by returning WasBlocked with a BlockReason. Errors are for
// filter failures only, never for blocks.
type MessageFilter interface {
	// FilterInput processes the user's message before a reply is
	// generated. A blocked input is answered with ErrMessageBlocked and
	// never reaches the responder.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes each piece of a reply before it is sent.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter passes every message through unchanged.
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

// =============================================================================
// RedactingFilter
// =============================================================================

// RedactionRule replaces every match of Pattern.
type RedactionRule struct {
	// Type names the detection, e.g. "email".
	Type string

	Pattern *regexp.Regexp
}

// DefaultRedactionRules redacts email addresses and API keys.
func DefaultRedactionRules() []RedactionRule {
	return []RedactionRule{
		{Type: "email", Pattern: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{Type: "api_key", Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`)},
	}
}

// RedactingFilter redacts rule matches in both directions and blocks user
// messages containing a blocked term.
//
// Thread-safe: immutable after construction.
type RedactingFilter struct {
	rules   []RedactionRule
	blocked []string
}

// NewRedactingFilter creates a RedactingFilter. No rules means
// DefaultRedactionRules.
func NewRedactingFilter(rules ...RedactionRule) *RedactingFilter {
	if len(rules) == 0 {
		rules = DefaultRedactionRules()
	}
	return &RedactingFilter{rules: rules}
}

// WithBlockedTerms returns a copy that blocks user messages containing any
// of terms, compared case-insensitively.
func (f *RedactingFilter) WithBlockedTerms(terms ...string) *RedactingFilter {
	out := &RedactingFilter{rules: f.rules, blocked: append([]string(nil), f.blocked...)}
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out.blocked = append(out.blocked, t)
		}
	}
	return out
}

// FilterInput blocks on a blocked term, otherwise redacts.
func (f *RedactingFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	lower := strings.ToLower(message)
	for _, term := range f.blocked {
		if i := strings.Index(lower, term); i >= 0 {
			return &FilterResult{
				Original:    message,
				WasBlocked:  true,
				BlockReason: fmt.Sprintf("contains blocked term %q", term),
				Detections: []Detection{{
					Type:     "blocked_term",
					Location: fmt.Sprintf("characters %d-%d", i, i+len(term)),
					Action:   "blocked",
				}},
			}, nil
		}
	}
	return f.redact(message), nil
}

// FilterOutput redacts.
func (f *RedactingFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return f.redact(message), nil
}

func (f *RedactingFilter) redact(message string) *FilterResult {
	result := &FilterResult{Original: message, Filtered: message}
	for _, rule := range f.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(result.Filtered, -1) {
			result.Detections = append(result.Detections, Detection{
				Type:     rule.Type,
				Location: fmt.Sprintf("characters %d-%d", loc[0], loc[1]),
				Action:   "redacted",
			})
		}
		result.Filtered = rule.Pattern.ReplaceAllLiteralString(result.Filtered, "[REDACTED:"+rule.Type+"]")
	}
	result.WasModified = result.Filtered != message
	return result
}

var (
	_ MessageFilter = (*NopMessageFilter)(nil)
	_ MessageFilter = (*RedactingFilter)(nil)
)
