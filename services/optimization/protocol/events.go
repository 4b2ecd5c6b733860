// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire format spoken with the remote prompt
// optimization service.
//
// # Description
//
// Inbound traffic is a sequence of JSON text frames. Every frame is an
// envelope of the form:
//
//	{"type": "<kind>", "data": {...}}
//
// except error frames, which carry their message at the top level:
//
//	{"type": "error", "message": "..."}
//
// Decode turns one frame into a typed Event. Outbound traffic is limited to
// two control messages, OptimizationRequest and StopMessage.
//
// # Single Responsibility
//
// This package ONLY translates bytes to values and back. It holds no state,
// performs no I/O and is safe for concurrent use.
package protocol

import "github.com/AleutianAI/AutoPromptix/services/optimization/ledger"

// =============================================================================
// Event Kinds
// =============================================================================

// Kind is the wire value of an envelope's "type" field.
type Kind string

const (
	KindStatus           Kind = "status"
	KindAnalysis         Kind = "analysis"
	KindMutations        Kind = "mutations"
	KindEvaluationStart  Kind = "evaluation_start"
	KindLLMResponse      Kind = "llm_response"
	KindEvaluationResult Kind = "evaluation_result"
	KindFinalResults     Kind = "final_results"
	KindStopped          Kind = "optimization_stopped"
	KindError            Kind = "error"

	// KindComplete marks the end of the stream. It has no payload.
	KindComplete Kind = "complete"
)

// Kinds lists every kind the codec understands, in protocol order.
var Kinds = []Kind{
	KindStatus,
	KindAnalysis,
	KindMutations,
	KindEvaluationStart,
	KindLLMResponse,
	KindEvaluationResult,
	KindFinalResults,
	KindStopped,
	KindError,
	KindComplete,
}

// Known reports whether k is a kind the codec decodes.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// =============================================================================
// Event Interface
// =============================================================================

// Event is one decoded inbound message.
//
// The set of implementations is closed; callers type-switch on the concrete
// types below.
type Event interface {
	// Kind returns the wire kind the event was decoded from.
	Kind() Kind

	event()
}

// =============================================================================
// Event Types
// =============================================================================

// StatusEvent is a human-readable progress note.
type StatusEvent struct {
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
}

// Analysis is the service's classification of the user input.
//
// Direction and Instructions are the two fields the service is known to send.
// Fields keeps the full object, including anything unrecognized.
type Analysis struct {
	Direction    string         `json:"direction,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// AnalysisEvent carries the input analysis. Observability only.
type AnalysisEvent struct {
	Message  string   `json:"message,omitempty"`
	Analysis Analysis `json:"analysis"`
}

// Mutation is one planned variant.
type Mutation struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
}

// MutationsEvent announces the planned variants.
type MutationsEvent struct {
	Message   string     `json:"message,omitempty"`
	Mutations []Mutation `json:"mutations"`
}

// Names returns the planned variant names in plan order.
func (e MutationsEvent) Names() []string {
	names := make([]string, len(e.Mutations))
	for i, m := range e.Mutations {
		names[i] = m.Name
	}
	return names
}

// EvaluationStartEvent marks the evaluation of one variant as in flight.
type EvaluationStartEvent struct {
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// LLMResponseEvent reports a generated candidate and its output.
type LLMResponseEvent struct {
	Update ledger.TrialUpdate
}

// EvaluationResultEvent reports a scored candidate.
type EvaluationResultEvent struct {
	Update ledger.TrialUpdate
}

// FinalResultsEvent is the service's terminal summary.
type FinalResultsEvent struct {
	Final ledger.Final
}

// StoppedEvent acknowledges a stop_optimization request.
type StoppedEvent struct{}

// ErrorEvent is a protocol error raised by the service.
type ErrorEvent struct {
	Message string
}

// CompleteEvent ends the stream.
type CompleteEvent struct{}

func (StatusEvent) Kind() Kind           { return KindStatus }
func (AnalysisEvent) Kind() Kind         { return KindAnalysis }
func (MutationsEvent) Kind() Kind        { return KindMutations }
func (EvaluationStartEvent) Kind() Kind  { return KindEvaluationStart }
func (LLMResponseEvent) Kind() Kind      { return KindLLMResponse }
func (EvaluationResultEvent) Kind() Kind { return KindEvaluationResult }
func (FinalResultsEvent) Kind() Kind     { return KindFinalResults }
func (StoppedEvent) Kind() Kind          { return KindStopped }
func (ErrorEvent) Kind() Kind            { return KindError }
func (CompleteEvent) Kind() Kind         { return KindComplete }

func (StatusEvent) event()           {}
func (AnalysisEvent) event()         {}
func (MutationsEvent) event()        {}
func (EvaluationStartEvent) event()  {}
func (LLMResponseEvent) event()      {}
func (EvaluationResultEvent) event() {}
func (FinalResultsEvent) event()     {}
func (StoppedEvent) event()          {}
func (ErrorEvent) event()            {}
func (CompleteEvent) event()         {}

var (
	_ Event = StatusEvent{}
	_ Event = AnalysisEvent{}
	_ Event = MutationsEvent{}
	_ Event = EvaluationStartEvent{}
	_ Event = LLMResponseEvent{}
	_ Event = EvaluationResultEvent{}
	_ Event = FinalResultsEvent{}
	_ Event = StoppedEvent{}
	_ Event = ErrorEvent{}
	_ Event = CompleteEvent{}
)
