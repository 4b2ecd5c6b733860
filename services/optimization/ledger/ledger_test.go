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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func str(s string) *string    { return &s }
func num(f float64) *float64  { return &f }
func integer(i int) *int      { return &i }
func boolean(b bool) *bool    { return &b }

func generated(name, prompt, output string) TrialUpdate {
	return TrialUpdate{Name: name, Prompt: str(prompt), Output: str(output)}
}

func evaluated(name string, score float64) TrialUpdate {
	return TrialUpdate{Name: name, Score: num(score)}
}

// =============================================================================
// Upsert Tests
// =============================================================================

func TestUpsert_CreatesWithSuppliedFieldsOnly(t *testing.T) {
	l := New()

	got := l.Upsert(generated("v1", "P1", "O1"))

	assert.Equal(t, "v1", got.Name)
	assert.Equal(t, "P1", got.Prompt)
	assert.Equal(t, "O1", got.Output)
	assert.Nil(t, got.Score, "score must stay unset for a new generated trial")
	assert.Equal(t, 0, got.Seq)
}

func TestUpsert_EvaluationWithoutPriorGeneration(t *testing.T) {
	l := New()

	got := l.Upsert(evaluated("x", 0.42))

	require.NotNil(t, got.Score)
	assert.Equal(t, 0.42, *got.Score)
	assert.Empty(t, got.Prompt)
	assert.Empty(t, got.Output)
	assert.Equal(t, 1, l.Len())
}

func TestUpsert_EvaluationDoesNotEraseGeneratedText(t *testing.T) {
	l := New()
	l.Upsert(generated("v1", "P1", "O1"))

	got := l.Upsert(evaluated("v1", 0.8))

	assert.Equal(t, "P1", got.Prompt)
	assert.Equal(t, "O1", got.Output)
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.8, *got.Score)
}

func TestUpsert_RegenerationKeepsScore(t *testing.T) {
	l := New()
	l.Upsert(generated("v1", "P1", "O1"))
	l.Upsert(evaluated("v1", 0.7))

	got := l.Upsert(generated("v1", "P1b", "O1b"))

	assert.Equal(t, "P1b", got.Prompt)
	assert.Equal(t, "O1b", got.Output)
	require.NotNil(t, got.Score, "a retried generation must not clear the score")
	assert.Equal(t, 0.7, *got.Score)
}

func TestUpsert_EmptyStringsDoNotClear(t *testing.T) {
	l := New()
	l.Upsert(generated("v1", "P1", "O1"))

	got := l.Upsert(TrialUpdate{Name: "v1", Prompt: str(""), Output: str("")})

	assert.Equal(t, "P1", got.Prompt)
	assert.Equal(t, "O1", got.Output)
}

func TestUpsert_IgnoresEmptyName(t *testing.T) {
	l := New()

	l.Upsert(TrialUpdate{Score: num(1)})

	assert.Equal(t, 0, l.Len())
	_, ok := l.Best()
	assert.False(t, ok)
}

func TestUpsert_IsIdempotent(t *testing.T) {
	once := New()
	twice := New()
	u := TrialUpdate{Name: "v1", Prompt: str("P1"), Output: str("O1"), Score: num(0.8)}

	once.Upsert(u)
	twice.Upsert(u)
	twice.Upsert(u)

	assert.Equal(t, once.Trials(), twice.Trials())
	assert.Equal(t, once.Result(), twice.Result())
}

func TestUpsert_DisjointFieldsAreOrderIndependent(t *testing.T) {
	forward := New()
	forward.Upsert(generated("A", "PA", "OA"))
	forward.Upsert(evaluated("A", 0.5))

	reverse := New()
	reverse.Upsert(evaluated("A", 0.5))
	reverse.Upsert(generated("A", "PA", "OA"))

	f, _ := forward.Trial("A")
	r, _ := reverse.Trial("A")
	assert.Equal(t, f, r)
}

func TestUpsert_OneRecordPerName(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Upsert(generated("v1", "P", "O"))
		l.Upsert(evaluated("v1", 0.1*float64(i)))
	}

	assert.Equal(t, 1, l.Len())
}

// =============================================================================
// Best Tracking Tests
// =============================================================================

func TestBest_MaximumScore(t *testing.T) {
	tests := []struct {
		name     string
		updates  []TrialUpdate
		wantName string
		wantBest float64
	}{
		{
			name:     "single",
			updates:  []TrialUpdate{evaluated("a", 0.3)},
			wantName: "a",
			wantBest: 0.3,
		},
		{
			name:     "later higher wins",
			updates:  []TrialUpdate{evaluated("a", 0.3), evaluated("b", 0.9), evaluated("c", 0.5)},
			wantName: "b",
			wantBest: 0.9,
		},
		{
			name:     "tie keeps earliest",
			updates:  []TrialUpdate{evaluated("a", 0.6), evaluated("b", 0.6)},
			wantName: "a",
			wantBest: 0.6,
		},
		{
			name:     "tie keeps earliest seen even when scored later",
			updates:  []TrialUpdate{generated("a", "P", "O"), evaluated("b", 0.7), evaluated("a", 0.7)},
			wantName: "a",
			wantBest: 0.7,
		},
		{
			name:     "rescore lowers previous best",
			updates:  []TrialUpdate{evaluated("a", 0.9), evaluated("b", 0.5), evaluated("a", 0.1)},
			wantName: "b",
			wantBest: 0.5,
		},
		{
			name:     "zero is a real score",
			updates:  []TrialUpdate{generated("a", "P", "O"), evaluated("b", 0)},
			wantName: "b",
			wantBest: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			for _, u := range tt.updates {
				l.Upsert(u)
			}

			best, ok := l.Best()
			require.True(t, ok)
			assert.Equal(t, tt.wantName, best.Name)
			require.NotNil(t, best.Score)
			assert.Equal(t, tt.wantBest, *best.Score)

			r := l.Result()
			require.NotNil(t, r.BestScore)
			assert.Equal(t, tt.wantBest, *r.BestScore)
			assert.Equal(t, tt.wantName, r.BestVariant)
		})
	}
}

func TestBest_UnscoredIsPending(t *testing.T) {
	l := New()
	l.Upsert(generated("v1", "P1", "O1"))
	l.Upsert(generated("v2", "P2", "O2"))

	_, ok := l.Best()
	r := l.Result()

	assert.False(t, ok)
	assert.Nil(t, r.BestScore)
	assert.Nil(t, r.ScoreImprovement)
	assert.Equal(t, PendingLabel, r.BestScoreLabel())
	assert.Empty(t, r.BestVariant)
	assert.Len(t, r.AllTrials, 2)
}

func TestResult_BestScoreLabel(t *testing.T) {
	assert.Equal(t, "80.0%", Result{BestScore: num(0.8)}.BestScoreLabel())
	assert.Equal(t, "0.0%", Result{BestScore: num(0)}.BestScoreLabel())
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestScenario_TwoVariants(t *testing.T) {
	l := New()
	l.Expect([]string{"v1", "v2"})
	l.Upsert(generated("v1", "P1", "O1"))
	l.Upsert(TrialUpdate{Name: "v1", Score: num(0.8), Prompt: str("P1"), Output: str("O1")})
	l.Upsert(generated("v2", "P2", "O2"))
	l.Upsert(evaluated("v2", 0.6))

	r := l.Result()

	assert.Len(t, r.AllTrials, 2)
	assert.Equal(t, "v1", r.BestVariant)
	require.NotNil(t, r.BestScore)
	assert.Equal(t, 0.8, *r.BestScore)
	assert.Equal(t, "P1", r.BestPrompt)
	assert.Equal(t, "O1", r.BestOutput)
	assert.Equal(t, []string{"v1", "v2"}, []string{r.AllTrials[0].Name, r.AllTrials[1].Name})
	assert.Empty(t, l.Pending())
}

// =============================================================================
// Expectation Tests
// =============================================================================

func TestExpect_PendingTracksUnscored(t *testing.T) {
	l := New()
	l.Expect([]string{"base", "custom", "format"})
	l.Upsert(generated("base", "P", "O"))
	l.Upsert(evaluated("custom", 0.4))

	assert.Equal(t, 3, l.Expected())
	assert.Equal(t, []string{"base", "format"}, l.Pending())
	assert.Equal(t, 2, l.Len(), "a plan alone must not create trial records")
}

func TestExpect_ReplacesPreviousPlan(t *testing.T) {
	l := New()
	names := []string{"a", "b"}
	l.Expect(names)
	l.Expect([]string{"c"})
	names[0] = "mutated"

	assert.Equal(t, 1, l.Expected())
	assert.Equal(t, []string{"c"}, l.Pending())
}

// =============================================================================
// Copy Semantics Tests
// =============================================================================

func TestTrials_ReturnsCopies(t *testing.T) {
	l := New()
	l.Upsert(evaluated("a", 0.5))

	trials := l.Trials()
	*trials[0].Score = 0.99
	trials[0].Prompt = "changed"

	got, ok := l.Trial("a")
	require.True(t, ok)
	assert.Equal(t, 0.5, *got.Score)
	assert.Empty(t, got.Prompt)
}

// =============================================================================
// Finalize Tests
// =============================================================================

func TestFinalize_EmptyLedgerAdoptsServerTrials(t *testing.T) {
	l := New()

	r := l.Finalize(Final{
		AllTrials: []TrialUpdate{
			{Name: "base", Prompt: str("PB"), Output: str("OB"), Score: num(0.5)},
			{Name: "custom", Prompt: str("PC"), Output: str("OC"), Score: num(0.9)},
		},
	})

	require.Len(t, r.AllTrials, 2)
	assert.Equal(t, "base", r.AllTrials[0].Name)
	assert.Equal(t, "custom", r.BestVariant)
	require.NotNil(t, r.BestScore)
	assert.Equal(t, 0.9, *r.BestScore)
	assert.True(t, r.Authoritative)
	assert.Equal(t, 2, l.Len())
}

func TestFinalize_KeepsLocalSequence(t *testing.T) {
	l := New()
	l.Upsert(TrialUpdate{Name: "v1", Prompt: str("P1"), Output: str("O1"), Score: num(0.8)})
	l.Upsert(generated("late", "PL", "OL"))

	r := l.Finalize(Final{
		BestScore:   num(0.85),
		BestPrompt:  "server prompt",
		BestOutput:  "server output",
		BestVariant: "fast_optimization",
		AllTrials: []TrialUpdate{
			{Name: "v1", Score: num(0.8)},
			{Name: "server-only", Score: num(0.85)},
		},
	})

	require.Len(t, r.AllTrials, 2)
	assert.Equal(t, "v1", r.AllTrials[0].Name)
	assert.Equal(t, "late", r.AllTrials[1].Name)
	_, ok := l.Trial("server-only")
	assert.False(t, ok, "server trials must be ignored when the ledger is non-empty")

	require.NotNil(t, r.BestScore)
	assert.Equal(t, 0.85, *r.BestScore)
	assert.Equal(t, "server prompt", r.BestPrompt)
	assert.Equal(t, "server output", r.BestOutput)
	assert.Equal(t, "fast_optimization", r.BestVariant)
}

func TestFinalize_FallsBackToLedgerForOmittedFields(t *testing.T) {
	l := New()
	l.Upsert(TrialUpdate{Name: "v1", Prompt: str("P1"), Output: str("O1"), Score: num(0.7)})

	r := l.Finalize(Final{BestVariant: "declared"})

	require.NotNil(t, r.BestScore)
	assert.Equal(t, 0.7, *r.BestScore)
	assert.Equal(t, "P1", r.BestPrompt)
	assert.Equal(t, "O1", r.BestOutput)
	assert.Equal(t, "declared", r.BestVariant)
}

func TestFinalize_ScoreImprovement(t *testing.T) {
	tests := []struct {
		name      string
		final     Final
		wantImp   float64
		wantAchvd bool
	}{
		{
			name:      "defaults initial score to zero",
			final:     Final{BestScore: num(0.6)},
			wantImp:   0.6,
			wantAchvd: true,
		},
		{
			name:      "uses supplied initial score",
			final:     Final{BestScore: num(0.6), InitialScore: num(0.6)},
			wantImp:   0,
			wantAchvd: false,
		},
		{
			name:      "server improvement wins",
			final:     Final{BestScore: num(0.6), ScoreImprovement: num(0.25)},
			wantImp:   0.25,
			wantAchvd: true,
		},
		{
			name:      "server improvement flag wins",
			final:     Final{BestScore: num(0.6), ScoreImprovement: num(0.25), ImprovementAchieved: boolean(false)},
			wantImp:   0.25,
			wantAchvd: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New().Finalize(tt.final)

			require.NotNil(t, r.ScoreImprovement)
			assert.InDelta(t, tt.wantImp, *r.ScoreImprovement, 1e-9)
			assert.Equal(t, tt.wantAchvd, r.ImprovementAchieved)
		})
	}
}

func TestFinalize_NothingScored(t *testing.T) {
	l := New()
	l.Upsert(generated("v1", "P1", "O1"))

	r := l.Finalize(Final{})

	assert.Nil(t, r.BestScore)
	assert.Nil(t, r.ScoreImprovement)
	assert.Equal(t, PendingLabel, r.BestScoreLabel())
	assert.False(t, r.ImprovementAchieved)
}

func TestFinalize_Counters(t *testing.T) {
	l := New()
	l.Upsert(evaluated("a", 0.1))
	l.Upsert(evaluated("b", 0.2))

	local := l.Finalize(Final{})
	declared := l.Finalize(Final{TotalEvaluations: integer(7), GenerationsCompleted: integer(1)})

	assert.Equal(t, 2, local.TotalEvaluations)
	assert.Equal(t, 7, declared.TotalEvaluations)
	assert.Equal(t, 1, declared.GenerationsCompleted)
}

func TestFinalize_IsIdempotent(t *testing.T) {
	l := New()
	f := Final{
		BestScore: num(0.9),
		AllTrials: []TrialUpdate{{Name: "a", Score: num(0.9)}},
	}

	first := l.Finalize(f)
	second := l.Finalize(f)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, l.Len())
}
