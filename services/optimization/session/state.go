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
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/AutoPromptix/services/optimization/ledger"
	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotRunning is returned by Stop outside the running phase.
	ErrNotRunning = errors.New("session: not running")

	// ErrNoRun is returned by Wait before any run was started.
	ErrNoRun = errors.New("session: no run started")
)

// ServiceError is a protocol error reported by the optimization service.
// Message is surfaced to the user verbatim.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// defaultServiceMessage stands in when an error event carries no text.
const defaultServiceMessage = "optimization service reported an error"

// =============================================================================
// Phase
// =============================================================================

// Phase is the run-level state machine value.
//
//	idle -> connecting -> running -> completed | stopped | errored
//
// connecting may also go straight to errored.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseRunning    Phase = "running"
	PhaseStopped    Phase = "stopped"
	PhaseCompleted  Phase = "completed"
	PhaseErrored    Phase = "errored"
)

// Terminal reports whether no further phase transition is possible.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseStopped, PhaseCompleted, PhaseErrored:
		return true
	default:
		return false
	}
}

// =============================================================================
// State
// =============================================================================

// Status is the last progress note from the service.
type Status struct {
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
}

// Progress marks the evaluation currently in flight.
type Progress struct {
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// state is the mutable per-run record. The controller's mutex guards it.
type state struct {
	runID             string
	phase             Phase
	status            Status
	analysis          *protocol.Analysis
	mutationPlan      []protocol.Mutation
	currentEvaluation *Progress
	evaluations       []ledger.Trial
	ledger            *ledger.Ledger
	final             *ledger.Result
	errorMessage      string
	stopRequested     bool
	startedAt         time.Time
	endedAt           time.Time
	decodeErrors      int
	eventsApplied     int
}

func newState(runID string) *state {
	return &state{
		runID:  runID,
		phase:  PhaseIdle,
		ledger: ledger.New(),
	}
}

// Snapshot is a deep copy of a run's state at one instant. It shares
// nothing with the controller and is safe to read from any goroutine.
type Snapshot struct {
	RunID  string `json:"run_id"`
	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	// Analysis and MutationPlan are observability only.
	Analysis     *protocol.Analysis  `json:"analysis,omitempty"`
	MutationPlan []protocol.Mutation `json:"mutation_plan,omitempty"`

	// Expected is the size of the announced variant set; Pending lists the
	// announced names not yet scored.
	Expected int      `json:"expected"`
	Pending  []string `json:"pending,omitempty"`

	CurrentEvaluation *Progress `json:"current_evaluation,omitempty"`

	// Evaluations holds one entry per scored trial, in the order each name
	// was first evaluated. A repeated evaluation_result for a name replaces
	// that entry in place.
	Evaluations []ledger.Trial `json:"evaluations"`

	// Result is the live view derived from the ledger.
	Result ledger.Result `json:"result"`

	// Final is set only when the run completed.
	Final *ledger.Result `json:"final,omitempty"`

	ErrorMessage  string    `json:"error_message,omitempty"`
	StopRequested bool      `json:"stop_requested"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DecodeErrors  int       `json:"decode_errors"`
	EventsApplied int       `json:"events_applied"`
}

// Outcome returns the result a user should see: Final when the run
// completed, otherwise the live ledger view.
func (s Snapshot) Outcome() ledger.Result {
	if s.Final != nil {
		return *s.Final
	}
	return s.Result
}

// recordEvaluation adds t to the completed-evaluations view, replacing an
// earlier entry with the same name.
func (st *state) recordEvaluation(t ledger.Trial) {
	for i := range st.evaluations {
		if st.evaluations[i].Name == t.Name {
			st.evaluations[i] = t
			return
		}
	}
	st.evaluations = append(st.evaluations, t)
}

func (st *state) snapshot() Snapshot {
	s := Snapshot{
		RunID:         st.runID,
		Phase:         st.phase,
		Status:        st.status,
		MutationPlan:  slices.Clone(st.mutationPlan),
		Expected:      st.ledger.Expected(),
		Pending:       st.ledger.Pending(),
		Evaluations:   cloneTrials(st.evaluations),
		Result:        st.ledger.Result(),
		ErrorMessage:  st.errorMessage,
		StopRequested: st.stopRequested,
		StartedAt:     st.startedAt,
		EndedAt:       st.endedAt,
		DecodeErrors:  st.decodeErrors,
		EventsApplied: st.eventsApplied,
	}
	if st.analysis != nil {
		a := *st.analysis
		a.Fields = maps.Clone(a.Fields)
		s.Analysis = &a
	}
	if st.currentEvaluation != nil {
		p := *st.currentEvaluation
		s.CurrentEvaluation = &p
	}
	if st.final != nil {
		f := cloneResult(*st.final)
		s.Final = &f
	}
	return s
}

func cloneTrials(trials []ledger.Trial) []ledger.Trial {
	out := make([]ledger.Trial, len(trials))
	for i, t := range trials {
		if t.Score != nil {
			s := *t.Score
			t.Score = &s
		}
		out[i] = t
	}
	return out
}

func cloneResult(r ledger.Result) ledger.Result {
	r.AllTrials = cloneTrials(r.AllTrials)
	if r.BestScore != nil {
		s := *r.BestScore
		r.BestScore = &s
	}
	if r.ScoreImprovement != nil {
		s := *r.ScoreImprovement
		r.ScoreImprovement = &s
	}
	return r
}
