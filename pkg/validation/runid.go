// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation checks identifiers that arrive in URL paths before they
// reach logs or lookups.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// runIDPattern matches opt_<unix-millis>_<8 lowercase hex chars>.
var runIDPattern = regexp.MustCompile(`^opt_[0-9]{1,19}_[0-9a-f]{8}$`)

// ValidateRunID checks an optimization run identifier.
//
// Valid ids:
//   - the literal prefix "opt_"
//   - 1-19 decimal digits of unix milliseconds
//   - an underscore and 8 lowercase hex characters
//
// Example:
//
//	if err := validation.ValidateRunID(c.Param("session_id")); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run id format: %q (want opt_<millis>_<8 hex>)", id)
	}
	return nil
}

// SanitizeRunID trims and lowercases id, then validates it.
func SanitizeRunID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateRunID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
