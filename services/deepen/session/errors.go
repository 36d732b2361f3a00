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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// StreamEndedMessage is reported when a stream closes without a done event.
const StreamEndedMessage = "Stream ended without done event"

var (
	// ErrStreamEndedWithoutDone is passed to OnError when the body ends
	// before a done event and the policy does not allow a silent end.
	ErrStreamEndedWithoutDone = errors.New(StreamEndedMessage)

	// ErrMissingBody is passed to OnError when a response has no body.
	ErrMissingBody = errors.New("response has no body")

	// ErrNoAssistantContent is returned by ExtractChatReply when a
	// complete-JSON response carries no reply in any known shape.
	ErrNoAssistantContent = errors.New("response contains no assistant message")
)

// StatusError is passed to OnError for a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// NewStatusError builds a StatusError from a non-2xx response, reading at
// most a few KB of its body for the message. It does not close the body.
func NewStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr.Message = errorMessageFromBody(body)
	}
	return statusErr
}

// ServerError is passed to OnError for an explicit error event in the
// stream. Its Error text is the server's message, unchanged.
type ServerError struct {
	Message string
}

// Error implements error.
func (e *ServerError) Error() string {
	return e.Message
}

// errorMessageFromBody pulls a human-readable message out of an error
// response body. JSON bodies of the form {"error":"…"} or {"message":"…"}
// (optionally inside "data") are unwrapped; anything else is returned
// trimmed.
func errorMessageFromBody(body []byte) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Data    struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		var s string
		if json.Unmarshal(shaped.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		for _, candidate := range []string{shaped.Message, shaped.Data.Error, shaped.Data.Message} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return strings.TrimSpace(string(body))
}
