// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import "fmt"

// PendingLabel is how an unset best score renders.
const PendingLabel = "pending"

// Result is the derived summary of a run.
//
// # Fields
//
//   - BestScore: nil until at least one trial is scored. Never read a nil
//     BestScore as zero; use BestScoreLabel for display.
//   - BestPrompt, BestOutput, BestVariant: projections of the best trial, or
//     the server's declared values after Finalize.
//   - AllTrials: first-seen order.
//   - InitialScore: 0 unless the terminal event supplies one.
//   - ScoreImprovement: BestScore - InitialScore, or the server's value.
//   - Authoritative: true when built from the service's terminal event.
type Result struct {
	BestScore            *float64 `json:"best_score"`
	BestPrompt           string   `json:"best_prompt,omitempty"`
	BestOutput           string   `json:"best_output,omitempty"`
	BestVariant          string   `json:"best_variant,omitempty"`
	AllTrials            []Trial  `json:"all_trials"`
	InitialScore         float64  `json:"initial_score"`
	ScoreImprovement     *float64 `json:"score_improvement"`
	TotalEvaluations     int      `json:"total_evaluations"`
	GenerationsCompleted int      `json:"generations_completed,omitempty"`
	ImprovementAchieved  bool     `json:"improvement_achieved"`
	Authoritative        bool     `json:"authoritative"`
}

// BestScoreLabel renders the best score as a percentage, or "pending".
func (r Result) BestScoreLabel() string {
	if r.BestScore == nil {
		return PendingLabel
	}
	return fmt.Sprintf("%.1f%%", *r.BestScore*100)
}

// applyBest copies the best trial's fields into the result.
func (r *Result) applyBest(best Trial) {
	s := *best.Score
	r.BestScore = &s
	r.BestPrompt = best.Prompt
	r.BestOutput = best.Output
	r.BestVariant = best.Name
	if r.ScoreImprovement != nil {
		r.ImprovementAchieved = *r.ScoreImprovement > 0
	}
}

// Final is the service's terminal summary, as decoded from final_results.
//
// Pointer and empty-string fields mean "not supplied".
type Final struct {
	BestScore            *float64
	BestPrompt           string
	BestOutput           string
	BestVariant          string
	InitialScore         *float64
	ScoreImprovement     *float64
	AllTrials            []TrialUpdate
	TotalEvaluations     *int
	GenerationsCompleted *int
	ImprovementAchieved  *bool
}

// Finalize merges the service's terminal summary into the ledger.
//
// # Description
//
// Trials: when the ledger is still empty, the server's all_trials are upserted
// in server order. When the ledger already holds trials, that local sequence
// is kept as is and the server's list is ignored; the server's list may have
// been computed before late client-visible updates arrived.
//
// Summary values: every best-score field the server supplies wins over the
// ledger's own best. Fields the server omits fall back to the ledger.
//
// # Outputs
//
//   - Result: The authoritative summary. The ledger itself stays usable;
//     Finalize may be called again and is idempotent for the same input.
func (l *Ledger) Finalize(f Final) Result {
	if l.Len() == 0 {
		for _, u := range f.AllTrials {
			l.Upsert(u)
		}
	}

	r := Result{
		AllTrials:        l.Trials(),
		TotalEvaluations: l.Scored(),
		Authoritative:    true,
	}
	if f.InitialScore != nil {
		r.InitialScore = *f.InitialScore
	}
	if best, ok := l.Best(); ok {
		r.applyBest(best)
	}

	if f.BestScore != nil {
		s := *f.BestScore
		r.BestScore = &s
	}
	if f.BestPrompt != "" {
		r.BestPrompt = f.BestPrompt
	}
	if f.BestOutput != "" {
		r.BestOutput = f.BestOutput
	}
	if f.BestVariant != "" {
		r.BestVariant = f.BestVariant
	}

	switch {
	case f.ScoreImprovement != nil:
		imp := *f.ScoreImprovement
		r.ScoreImprovement = &imp
	case r.BestScore != nil:
		imp := *r.BestScore - r.InitialScore
		r.ScoreImprovement = &imp
	}

	if f.TotalEvaluations != nil {
		r.TotalEvaluations = *f.TotalEvaluations
	}
	if f.GenerationsCompleted != nil {
		r.GenerationsCompleted = *f.GenerationsCompleted
	}
	switch {
	case f.ImprovementAchieved != nil:
		r.ImprovementAchieved = *f.ImprovementAchieved
	case r.ScoreImprovement != nil:
		r.ImprovementAchieved = *r.ScoreImprovement > 0
	default:
		r.ImprovementAchieved = false
	}

	return r
}
