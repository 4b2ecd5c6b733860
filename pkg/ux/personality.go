// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel sets how rich terminal output is.
type PersonalityLevel string

const (
	// PersonalityFull renders colors, boxes, progress bars and tables.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityStandard renders colors and icons without boxes.
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal renders icons only.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine renders plain tab-separated text for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// PersonalityEnv overrides terminal detection.
const PersonalityEnv = "AUTOPROMPTIX_PERSONALITY"

// ParsePersonalityLevel converts a flag or config value. Unknown values map
// to PersonalityStandard.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "standard", "std", "s":
		return PersonalityStandard
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q", "plain":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// ResolvePersonality picks the level for output written to f.
//
// # Description
//
// An explicit value wins, then AUTOPROMPTIX_PERSONALITY. Otherwise a
// terminal gets PersonalityFull and anything else (pipes, files, CI logs)
// gets PersonalityMachine.
//
// # Inputs
//
//   - explicit: A flag or config value. Empty means unset.
//   - f: The output file. nil counts as not a terminal.
func ResolvePersonality(explicit string, f *os.File) PersonalityLevel {
	if explicit != "" {
		return ParsePersonalityLevel(explicit)
	}
	if env := os.Getenv(PersonalityEnv); env != "" {
		return ParsePersonalityLevel(env)
	}
	if !IsTerminal(f) {
		return PersonalityMachine
	}
	return PersonalityFull
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
