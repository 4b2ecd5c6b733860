// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/AutoPromptix/pkg/ux"
	"github.com/AleutianAI/AutoPromptix/services/optimization/ledger"
	"github.com/AleutianAI/AutoPromptix/services/optimization/session"
)

// progressReporter prints what changed between successive snapshots.
// Errors are left to the final report.
type progressReporter struct {
	mu sync.Mutex
	p  *ux.Printer

	runID        string
	phase        session.Phase
	status       session.Status
	analysisSeen bool
	planSeen     bool
	evaluations  int
}

func newProgressReporter(p *ux.Printer) *progressReporter {
	return &progressReporter{p: p, phase: session.PhaseIdle}
}

// Update is a session.Config.OnUpdate callback.
func (r *progressReporter) Update(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.RunID != r.runID {
		r.runID, r.phase, r.status = s.RunID, session.PhaseIdle, session.Status{}
		r.analysisSeen, r.planSeen, r.evaluations = false, false, 0
	}

	if s.Phase != r.phase {
		r.phase = s.Phase
		switch s.Phase {
		case session.PhaseConnecting:
			r.p.Muted("Connecting to the optimization service")
		case session.PhaseRunning:
			r.p.Info(fmt.Sprintf("Optimization %s started", s.RunID))
		case session.PhaseStopped:
			r.p.Warning("Optimization stopped")
		case session.PhaseCompleted:
			r.p.Success("Optimization complete")
		}
	}

	if s.Status.Message != "" && s.Status != r.status {
		r.status = s.Status
		r.p.Info(s.Status.Message)
	}

	if s.Analysis != nil && !r.analysisSeen {
		r.analysisSeen = true
		if s.Analysis.Direction != "" {
			r.p.KeyValue("Direction", s.Analysis.Direction)
		}
	}

	if len(s.MutationPlan) > 0 && !r.planSeen {
		r.planSeen = true
		names := make([]string, len(s.MutationPlan))
		for i, m := range s.MutationPlan {
			names[i] = m.Name
		}
		r.p.KeyValue("Variants", strings.Join(names, ", "))
	}

	for _, t := range s.Evaluations[min(r.evaluations, len(s.Evaluations)):] {
		line := fmt.Sprintf("%s scored %s", t.Name, formatScore(t.Score))
		if s.Expected > 0 {
			line += "  " + r.p.ProgressBar(s.Expected-len(s.Pending), s.Expected, 20)
		}
		r.p.Info(line)
	}
	r.evaluations = len(s.Evaluations)
}

// renderResult prints the outcome of a run: a summary, the trial table and
// the best prompt.
func renderResult(p *ux.Printer, s session.Snapshot) {
	res := s.Outcome()

	p.Title("Results")
	p.KeyValue("Run", s.RunID)
	p.KeyValue("Phase", string(s.Phase))
	p.KeyValue("Best score", res.BestScoreLabel())
	if res.BestVariant != "" {
		p.KeyValue("Best variant", res.BestVariant)
	}
	if res.ScoreImprovement != nil {
		p.KeyValue("Improvement", fmt.Sprintf("%+.3f", *res.ScoreImprovement))
	}
	p.KeyValue("Evaluations", fmt.Sprint(res.TotalEvaluations))
	if s.DecodeErrors > 0 {
		p.Warning(fmt.Sprintf("%d malformed events were dropped", s.DecodeErrors))
	}

	if len(res.AllTrials) > 0 {
		rows := make([][]string, len(res.AllTrials))
		for i, t := range res.AllTrials {
			mark := ""
			if t.Name == res.BestVariant {
				mark = string(ux.IconStar)
			}
			rows[i] = []string{t.Name, formatScore(t.Score), mark}
		}
		p.Table([]string{"Variant", "Score", "Best"}, rows)
	}

	if len(s.Pending) > 0 {
		p.Muted("Not scored: " + strings.Join(s.Pending, ", "))
	}
	if res.BestPrompt != "" {
		p.Box("Best prompt", res.BestPrompt)
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return ledger.PendingLabel
	}
	return fmt.Sprintf("%.3f", *score)
}
