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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AutoPromptix/services/optimization/ledger"
)

// =============================================================================
// Errors
// =============================================================================

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("malformed event")

// DecodeError describes a frame that could not be decoded.
//
// errors.Is(err, ErrMalformed) holds for every DecodeError. When the failure
// came from encoding/json, the underlying error is also reachable.
type DecodeError struct {
	// Kind is the envelope kind, empty when the envelope itself was unreadable.
	Kind Kind

	// Reason is a short description of what was wrong.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	kind := string(e.Kind)
	if kind == "" {
		kind = "unknown"
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed %s event: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: malformed %s event: %s", kind, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

func malformed(kind Kind, reason string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Reason: reason, Err: err}
}

// =============================================================================
// Wire Shapes
// =============================================================================

type envelope struct {
	Type    *string         `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message *string         `json:"message"`
}

type wireTrial struct {
	Name   string   `json:"name"`
	Prompt string   `json:"prompt"`
	Output string   `json:"output"`
	Score  *float64 `json:"score"`
}

// update converts the wire trial into a ledger patch. Empty strings become
// "not supplied".
func (w wireTrial) update() ledger.TrialUpdate {
	u := ledger.TrialUpdate{Name: w.Name}
	if w.Prompt != "" {
		p := w.Prompt
		u.Prompt = &p
	}
	if w.Output != "" {
		o := w.Output
		u.Output = &o
	}
	if w.Score != nil {
		s := *w.Score
		u.Score = &s
	}
	return u
}

type wireAnalysis struct {
	Message  string         `json:"message"`
	Analysis map[string]any `json:"analysis"`
}

type wireEvaluationResult struct {
	Trial *wireTrial `json:"trial"`
}

type wireFinal struct {
	BestScore            *float64    `json:"best_score"`
	BestPrompt           string      `json:"best_prompt"`
	BestOutput           string      `json:"best_output"`
	BestVariant          string      `json:"best_variant"`
	InitialScore         *float64    `json:"initial_score"`
	ScoreImprovement     *float64    `json:"score_improvement"`
	AllTrials            []wireTrial `json:"all_trials"`
	TotalEvaluations     *int        `json:"total_evaluations"`
	GenerationsCompleted *int        `json:"generations_completed"`
	ImprovementAchieved  *bool       `json:"improvement_achieved"`
}

type wireError struct {
	Message string `json:"message"`
}

// =============================================================================
// Decode
// =============================================================================

// Decode parses one inbound frame.
//
// # Description
//
// Reads the envelope, dispatches on its kind and validates the payload shape.
// Optional payload fields that are missing stay unset.
//
// # Inputs
//
//   - raw: One complete text frame.
//
// # Outputs
//
//   - Event: The decoded event, or nil for an unknown kind.
//   - error: A *DecodeError (matching ErrMalformed) when the frame is not
//     JSON, has no type, or carries a payload of the wrong shape. A score
//     outside [0,1] counts as the wrong shape.
//
// # Limitations
//
//   - Unknown kinds return (nil, nil) so that a newer service can add event
//     types without breaking older clients.
//   - final_results entries without a name are skipped rather than failing
//     the whole terminal event.
//
// # Examples
//
//	ev, err := protocol.Decode([]byte(`{"type":"status","data":{"message":"hi"}}`))
//	if err != nil {
//	    return err
//	}
//	if ev == nil {
//	    return nil // ignorable
//	}
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("", "invalid json", err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, malformed("", "missing type", nil)
	}

	kind := Kind(*env.Type)
	switch kind {
	case KindStatus:
		var ev StatusEvent
		if err := decodeData(kind, env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case KindAnalysis:
		var w wireAnalysis
		if err := decodeData(kind, env.Data, &w); err != nil {
			return nil, err
		}
		return AnalysisEvent{Message: w.Message, Analysis: newAnalysis(w.Analysis)}, nil

	case KindMutations:
		var ev MutationsEvent
		if err := decodeData(kind, env.Data, &ev); err != nil {
			return nil, err
		}
		for i, m := range ev.Mutations {
			if m.Name == "" {
				return nil, malformed(kind, fmt.Sprintf("mutation %d has no name", i), nil)
			}
		}
		return ev, nil

	case KindEvaluationStart:
		var ev EvaluationStartEvent
		if err := decodeData(kind, env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case KindLLMResponse:
		var w wireTrial
		if err := decodeData(kind, env.Data, &w); err != nil {
			return nil, err
		}
		if w.Name == "" {
			return nil, malformed(kind, "missing name", nil)
		}
		// Generation events never carry a score.
		w.Score = nil
		return LLMResponseEvent{Update: w.update()}, nil

	case KindEvaluationResult:
		var w wireEvaluationResult
		if err := decodeData(kind, env.Data, &w); err != nil {
			return nil, err
		}
		if w.Trial == nil {
			return nil, malformed(kind, "missing trial", nil)
		}
		if w.Trial.Name == "" {
			return nil, malformed(kind, "missing trial name", nil)
		}
		if !scoreInRange(w.Trial.Score) {
			return nil, malformed(kind, fmt.Sprintf("trial %q score %v outside [0,1]", w.Trial.Name, *w.Trial.Score), nil)
		}
		return EvaluationResultEvent{Update: w.Trial.update()}, nil

	case KindFinalResults:
		var w wireFinal
		if err := decodeData(kind, env.Data, &w); err != nil {
			return nil, err
		}
		final, err := w.final()
		if err != nil {
			return nil, err
		}
		return FinalResultsEvent{Final: final}, nil

	case KindStopped:
		return StoppedEvent{}, nil

	case KindError:
		return decodeError(env)

	case KindComplete:
		return CompleteEvent{}, nil

	default:
		return nil, nil
	}
}

// decodeData unmarshals an envelope payload. An absent or null payload
// leaves v at its zero value.
func decodeData(kind Kind, data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return malformed(kind, "invalid payload", err)
	}
	return nil
}

func decodeError(env envelope) (Event, error) {
	if env.Message != nil && *env.Message != "" {
		return ErrorEvent{Message: *env.Message}, nil
	}
	var w wireError
	if err := decodeData(KindError, env.Data, &w); err != nil {
		return nil, err
	}
	return ErrorEvent{Message: w.Message}, nil
}

func newAnalysis(fields map[string]any) Analysis {
	a := Analysis{Fields: fields}
	if s, ok := fields["direction"].(string); ok {
		a.Direction = s
	}
	if s, ok := fields["instructions"].(string); ok {
		a.Instructions = s
	}
	return a
}

// scoreInRange reports whether an optional score is unset or within [0,1].
func scoreInRange(score *float64) bool {
	return score == nil || (*score >= 0 && *score <= 1)
}

func (w wireFinal) final() (ledger.Final, error) {
	if !scoreInRange(w.BestScore) {
		return ledger.Final{}, malformed(KindFinalResults, fmt.Sprintf("best_score %v outside [0,1]", *w.BestScore), nil)
	}
	f := ledger.Final{
		BestScore:            w.BestScore,
		BestPrompt:           w.BestPrompt,
		BestOutput:           w.BestOutput,
		BestVariant:          w.BestVariant,
		InitialScore:         w.InitialScore,
		ScoreImprovement:     w.ScoreImprovement,
		TotalEvaluations:     w.TotalEvaluations,
		GenerationsCompleted: w.GenerationsCompleted,
		ImprovementAchieved:  w.ImprovementAchieved,
	}
	for _, t := range w.AllTrials {
		if t.Name == "" {
			continue
		}
		if !scoreInRange(t.Score) {
			return ledger.Final{}, malformed(KindFinalResults, fmt.Sprintf("trial %q score %v outside [0,1]", t.Name, *t.Score), nil)
		}
		f.AllTrials = append(f.AllTrials, t.update())
	}
	return f, nil
}
