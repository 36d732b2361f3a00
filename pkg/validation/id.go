// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package validation checks user-supplied identifiers before they reach
// URL paths or storage keys.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds conversation, collection, capture, and bookmark ids.
const MaxIDLength = 128

// idPattern matches server ids (conv_<uuid>), client temp ids (tmp-...),
// and knowledge-source ids. Slashes, whitespace, and control characters
// are rejected.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// ValidateID validates a resource id.
//
// Valid ids:
//   - 1-128 characters
//   - start with a letter or digit
//   - contain only letters, digits, '.', '_', ':' and '-'
//
// Example:
//
//	if err := validation.ValidateID(id); err != nil {
//	    return fmt.Errorf("invalid conversation id: %w", err)
//	}
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id too long: %d characters (max %d)", len(id), MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id format: %q (letters, digits, '.', '_', ':' or '-')", id)
	}
	return nil
}

// ValidateIDs validates every id and lists all invalid ones.
func ValidateIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid ids: %q", invalid)
	}
	return nil
}

// SanitizeID trims surrounding whitespace and validates the result.
func SanitizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
