// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxFieldBytes bounds every free-text field of an outbound request.
	MaxFieldBytes = 32 * 1024 // 32KB

	// MaxListEntries bounds the keyword and mutator lists.
	MaxListEntries = 64
)

// Outbound message types.
const (
	TypeOptimizationRequest = "optimization_request"
	TypeStopOptimization    = "stop_optimization"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for outbound messages.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks the byte length (not rune count) of a string field
// against MaxFieldBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxFieldBytes
}

// =============================================================================
// Optimization Request
// =============================================================================

// OptimizationRequest is sent once, immediately after the channel is ready.
//
// # Fields
//
//   - UserInput: What the user asked for. Required.
//   - ExpectedOutput: What a good answer looks like. Required.
//   - ProductName: The product the answer must mention. Required.
//   - ExcludeKeywords: Words the answer must avoid.
//   - CustomMutators: Extra instructions that seed a custom variant.
//
// Use NewOptimizationRequest to build one from free text.
type OptimizationRequest struct {
	Type            string   `json:"type" validate:"required,eq=optimization_request"`
	UserInput       string   `json:"user_input" validate:"required,maxbytes"`
	ExpectedOutput  string   `json:"expected_output" validate:"required,maxbytes"`
	ProductName     string   `json:"product_name" validate:"required,maxbytes"`
	ExcludeKeywords []string `json:"exclude_keywords" validate:"max=64,dive,required,maxbytes"`
	CustomMutators  []string `json:"custom_mutators" validate:"max=64,dive,required,maxbytes"`
}

// Validate checks the request against its struct tags.
//
// # Examples
//
//	if err := req.Validate(); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
func (r *OptimizationRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Form is the free-text input a user fills in before starting a run.
type Form struct {
	UserInput      string
	ExpectedOutput string
	ProductName    string

	// ExcludeKeywords is comma-separated.
	ExcludeKeywords string

	// CustomMutators is newline-separated.
	CustomMutators string
}

// NewOptimizationRequest normalizes a Form into a request.
//
// # Description
//
// Required fields are trimmed. ExcludeKeywords is split on ",", CustomMutators
// on newlines; each entry is trimmed and empty entries are dropped. The
// lists are never nil so they encode as [] rather than null.
//
// # Examples
//
//	req := protocol.NewOptimizationRequest(protocol.Form{
//	    UserInput:       "write a launch email",
//	    ExpectedOutput:  "short, friendly",
//	    ProductName:     "Acme",
//	    ExcludeKeywords: "cheap, , free",
//	})
//	// req.ExcludeKeywords == []string{"cheap", "free"}
func NewOptimizationRequest(f Form) OptimizationRequest {
	return OptimizationRequest{
		Type:            TypeOptimizationRequest,
		UserInput:       strings.TrimSpace(f.UserInput),
		ExpectedOutput:  strings.TrimSpace(f.ExpectedOutput),
		ProductName:     strings.TrimSpace(f.ProductName),
		ExcludeKeywords: SplitList(f.ExcludeKeywords, ","),
		CustomMutators:  SplitList(f.CustomMutators, "\n"),
	}
}

// SplitList splits s on sep, trims each entry and drops empties.
func SplitList(s, sep string) []string {
	out := []string{}
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// Stop Message
// =============================================================================

// StopMessage asks the service to cancel the run.
type StopMessage struct {
	Type string `json:"type"`
}

// NewStopMessage returns the cancellation message.
func NewStopMessage() StopMessage {
	return StopMessage{Type: TypeStopOptimization}
}

// =============================================================================
// Session Identifiers
// =============================================================================

// lastSessionMillis guards against two ids sharing a millisecond prefix and
// random suffix within one process.
var lastSessionMillis atomic.Int64

// NewSessionID returns a fresh run identifier of the form
// opt_<unix-millis>_<8 hex chars>.
//
// The millisecond component is strictly increasing within the process, so
// ids never repeat even when the random suffix collides.
func NewSessionID(now time.Time) string {
	ms := now.UnixMilli()
	for {
		last := lastSessionMillis.Load()
		if ms <= last {
			ms = last + 1
		}
		if lastSessionMillis.CompareAndSwap(last, ms) {
			break
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("opt_%d_%s", ms, suffix)
}
