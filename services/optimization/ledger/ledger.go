// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger reconciles streamed trial events into one consistent view.
//
// # Description
//
// A Ledger is the keyed collection of Trial records for a single optimization
// run. Progress events arrive in a partial order: the generation event for a
// variant may precede its evaluation by a long gap, may follow it, or may be
// repeated. The Ledger folds every such event into at most one record per
// variant name and derives the current best trial after each update.
//
// # Merge Rules
//
//   - Upsert is field-level. A supplied field overwrites, an absent field
//     is left untouched. No event can clear a field that is already set.
//   - Trials keep their first-seen position. AllTrials is insertion order,
//     never score order.
//   - Best is recomputed from scratch over scored trials after every upsert.
//     Ties resolve to the earliest-seen trial.
//
// # Thread Safety
//
// Ledger is NOT safe for concurrent use. It is a pure reducer with no I/O;
// the session controller serializes every call.
package ledger

// =============================================================================
// Types
// =============================================================================

// Trial is one candidate prompt variant under evaluation.
//
// Prompt and Output use the empty string for "unset". Score is nil until an
// evaluation result has been merged.
type Trial struct {
	// Name identifies the variant. Unique within a run, assigned by the service.
	Name string `json:"name"`

	// Prompt is the generated candidate text.
	Prompt string `json:"prompt,omitempty"`

	// Output is the text produced by running the candidate.
	Output string `json:"output,omitempty"`

	// Score is in [0,1] once evaluated, nil while unscored.
	Score *float64 `json:"score"`

	// Seq is the 0-based first-seen position.
	Seq int `json:"seq"`
}

// Scored reports whether the trial has a score.
func (t Trial) Scored() bool {
	return t.Score != nil
}

// clone returns a copy that shares no pointers with t.
func (t Trial) clone() Trial {
	if t.Score != nil {
		s := *t.Score
		t.Score = &s
	}
	return t
}

// TrialUpdate is a field-level patch for one trial.
//
// A nil field means the event did not supply it.
type TrialUpdate struct {
	Name   string
	Prompt *string
	Output *string
	Score  *float64
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger holds the trials of one run in first-seen order.
type Ledger struct {
	trials   []Trial
	index    map[string]int
	best     int // index into trials, -1 when nothing is scored
	expected []string
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		index: make(map[string]int),
		best:  -1,
	}
}

// Upsert merges u into the trial named u.Name, creating it if absent.
//
// # Description
//
// Locates the trial by name or appends a new record. Only the fields supplied
// in u are written. Afterwards the best trial is recomputed over every scored
// record. Applying the same update twice leaves the ledger unchanged.
//
// # Inputs
//
//   - u: The patch. An empty Name is ignored (the codec rejects such events
//     before they reach the ledger, so this only guards direct callers).
//
// # Outputs
//
//   - Trial: A copy of the merged record.
func (l *Ledger) Upsert(u TrialUpdate) Trial {
	if u.Name == "" {
		return Trial{}
	}

	i, ok := l.index[u.Name]
	if !ok {
		i = len(l.trials)
		l.trials = append(l.trials, Trial{Name: u.Name, Seq: i})
		l.index[u.Name] = i
	}

	t := &l.trials[i]
	if u.Prompt != nil && *u.Prompt != "" {
		t.Prompt = *u.Prompt
	}
	if u.Output != nil && *u.Output != "" {
		t.Output = *u.Output
	}
	if u.Score != nil {
		s := *u.Score
		t.Score = &s
	}

	l.recomputeBest()
	return t.clone()
}

// recomputeBest scans all trials in insertion order and keeps the first one
// holding the maximum score.
func (l *Ledger) recomputeBest() {
	best := -1
	for i := range l.trials {
		s := l.trials[i].Score
		if s == nil {
			continue
		}
		if best == -1 || *s > *l.trials[best].Score {
			best = i
		}
	}
	l.best = best
}

// Expect records the variant names announced by a mutation plan.
//
// The plan does not create trial records; it only establishes the expected
// set and its size. A later plan replaces the earlier one.
func (l *Ledger) Expect(names []string) {
	l.expected = append(l.expected[:0:0], names...)
}

// Expected returns the size of the announced variant set.
func (l *Ledger) Expected() int {
	return len(l.expected)
}

// Pending returns announced names that are not yet scored, in plan order.
func (l *Ledger) Pending() []string {
	var pending []string
	for _, name := range l.expected {
		i, ok := l.index[name]
		if !ok || l.trials[i].Score == nil {
			pending = append(pending, name)
		}
	}
	return pending
}

// Trial returns a copy of the named trial.
func (l *Ledger) Trial(name string) (Trial, bool) {
	i, ok := l.index[name]
	if !ok {
		return Trial{}, false
	}
	return l.trials[i].clone(), true
}

// Trials returns copies of all trials in first-seen order.
func (l *Ledger) Trials() []Trial {
	out := make([]Trial, len(l.trials))
	for i := range l.trials {
		out[i] = l.trials[i].clone()
	}
	return out
}

// Len returns the number of distinct trials.
func (l *Ledger) Len() int {
	return len(l.trials)
}

// Scored returns how many trials carry a score.
func (l *Ledger) Scored() int {
	n := 0
	for i := range l.trials {
		if l.trials[i].Score != nil {
			n++
		}
	}
	return n
}

// Best returns the current best trial. ok is false when nothing is scored.
func (l *Ledger) Best() (Trial, bool) {
	if l.best < 0 {
		return Trial{}, false
	}
	return l.trials[l.best].clone(), true
}

// Result derives the live session result from the ledger alone.
//
// InitialScore is 0 for a live result, so ScoreImprovement equals the best
// score once one exists.
func (l *Ledger) Result() Result {
	r := Result{AllTrials: l.Trials()}
	if best, ok := l.Best(); ok {
		imp := *best.Score - r.InitialScore
		r.ScoreImprovement = &imp
		r.applyBest(best)
	}
	r.TotalEvaluations = l.Scored()
	return r
}
