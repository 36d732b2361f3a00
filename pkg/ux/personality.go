// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output
type PersonalityLevel string

const (
	// PersonalityFull enables colors, boxes, and spinners
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses plain formatting with simple labels
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs KEY: value lines suitable for scripting
	PersonalityMachine PersonalityLevel = "machine"
)

// PersonalityEnv overrides the detected personality level.
const PersonalityEnv = "DEEPEN_PERSONALITY"

var (
	currentLevel  = PersonalityFull
	personalityMu sync.RWMutex
)

// GetPersonality returns the current personality level
func GetPersonality() PersonalityLevel {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentLevel
}

// SetPersonality updates the current personality level
func SetPersonality(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentLevel = level
}

// ParsePersonalityLevel converts a string to PersonalityLevel. Unknown
// values map to PersonalityFull.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// InitPersonality sets the level from DEEPEN_PERSONALITY, then configured,
// then whether out is a terminal, and returns it. A nil out is not a
// terminal.
func InitPersonality(configured string, out *os.File) PersonalityLevel {
	explicit := os.Getenv(PersonalityEnv)
	if explicit == "" {
		explicit = configured
	}
	level := DetectPersonality(explicit, IsTerminal(out))
	SetPersonality(level)
	return level
}

// DetectPersonality resolves the level from an explicit setting and whether
// output goes to a terminal.
func DetectPersonality(explicit string, terminal bool) PersonalityLevel {
	if explicit != "" {
		return ParsePersonalityLevel(explicit)
	}
	if !terminal {
		return PersonalityMachine
	}
	return PersonalityFull
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether in and out are terminals and output is
// not for machines, i.e. whether line editing and history make sense.
func IsInteractive(in, out *os.File) bool {
	return GetPersonality() != PersonalityMachine && IsTerminal(in) && IsTerminal(out)
}
