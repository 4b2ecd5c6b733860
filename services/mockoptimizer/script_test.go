// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockoptimizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AutoPromptix/services/optimization/ledger"
	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
)

func request(input string, mutators ...string) protocol.OptimizationRequest {
	return protocol.NewOptimizationRequest(protocol.Form{
		UserInput:      input,
		ExpectedOutput: "a clear answer",
		ProductName:    "Acme",
		CustomMutators: joinLines(mutators),
	})
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

// replay decodes every step of a script into a ledger.
func replay(t *testing.T, s *Script) (*ledger.Ledger, *ledger.Result, []protocol.Kind) {
	t.Helper()
	l := ledger.New()
	var final *ledger.Result
	var kinds []protocol.Kind

	for _, step := range s.Steps {
		frame, err := step.Frame()
		require.NoError(t, err)
		ev, err := protocol.Decode(frame)
		require.NoError(t, err, "step %s must decode", step.Type)
		require.NotNil(t, ev)
		kinds = append(kinds, ev.Kind())

		switch e := ev.(type) {
		case protocol.MutationsEvent:
			l.Expect(e.Names())
		case protocol.LLMResponseEvent:
			l.Upsert(e.Update)
		case protocol.EvaluationResultEvent:
			l.Upsert(e.Update)
		case protocol.FinalResultsEvent:
			r := l.Finalize(e.Final)
			final = &r
		}
	}
	return l, final, kinds
}

// =============================================================================
// Default Script Tests
// =============================================================================

func TestDefaultScript_VariantSelection(t *testing.T) {
	tests := []struct {
		name     string
		req      protocol.OptimizationRequest
		wantPlan []string
	}{
		{
			name:     "direction variant",
			req:      request("Draft a business plan"),
			wantPlan: []string{"base", "structure"},
		},
		{
			name:     "custom and direction",
			req:      request("Pitch to an investor", "mention pricing"),
			wantPlan: []string{"base", "custom", "persuasive"},
		},
		{
			name:     "custom only",
			req:      request("hello", "be brief"),
			wantPlan: []string{"base", "custom"},
		},
		{
			name:     "fallback",
			req:      request("hello"),
			wantPlan: []string{"base", "tone", "format"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := replay(t, DefaultScript(tt.req))

			names := make([]string, 0, l.Len())
			for _, tr := range l.Trials() {
				names = append(names, tr.Name)
			}
			assert.Equal(t, tt.wantPlan, names)
			assert.Empty(t, l.Pending())
		})
	}
}

func TestDefaultScript_ScoresAndFinal(t *testing.T) {
	req := request("hello")
	l, final, kinds := replay(t, DefaultScript(req))

	base, ok := l.Trial("base")
	require.True(t, ok)
	format, ok := l.Trial("format")
	require.True(t, ok)
	assert.InDelta(t, *base.Score+0.35, *format.Score, 1e-9)

	require.NotNil(t, final)
	assert.Equal(t, "format", final.BestVariant)
	assert.InDelta(t, 0.35, *final.ScoreImprovement, 1e-9)
	assert.True(t, final.ImprovementAchieved)
	assert.Equal(t, 3, final.TotalEvaluations)
	assert.Equal(t, 1, final.GenerationsCompleted)

	assert.Equal(t, protocol.KindStatus, kinds[0])
	assert.Equal(t, protocol.KindComplete, kinds[len(kinds)-1])
	assert.Equal(t, protocol.KindFinalResults, kinds[len(kinds)-2])
}

func TestDefaultScript_ScoreIsCapped(t *testing.T) {
	req := request("hello", "x")
	req.ExpectedOutput = "a long and very detailed description of the desired answer"
	req.ExcludeKeywords = []string{"cheap"}

	l, _, _ := replay(t, DefaultScript(req))

	for _, tr := range l.Trials() {
		require.NotNil(t, tr.Score)
		assert.LessOrEqual(t, *tr.Score, 1.0)
	}
}

// =============================================================================
// Script Parsing Tests
// =============================================================================

func TestParseScript(t *testing.T) {
	raw := []byte(`
name: stop-demo
events_per_second: 20
hold: true
steps:
  - type: mutations
    data:
      mutations:
        - name: v1
  - raw: "{not json"
after_stop:
  - type: evaluation_result
    data:
      trial: {name: v1, score: 0.5}
  - type: optimization_stopped
`)

	s, err := ParseScript(raw)
	require.NoError(t, err)
	assert.Equal(t, "stop-demo", s.Name)
	assert.Equal(t, 20.0, s.EventsPerSecond)
	assert.True(t, s.Hold)
	require.Len(t, s.Steps, 2)
	require.Len(t, s.stopReply(), 2)

	frame, err := s.Steps[0].Frame()
	require.NoError(t, err)
	ev, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ev.(protocol.MutationsEvent).Names())

	frame, err = s.Steps[1].Frame()
	require.NoError(t, err)
	_, err = protocol.Decode(frame)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestParseScript_Errors(t *testing.T) {
	_, err := ParseScript([]byte("steps:\n  - data: {}\n"))
	assert.Error(t, err)

	_, err = ParseScript([]byte("events_per_second: -1\n"))
	assert.Error(t, err)

	_, err = ParseScript([]byte("steps: [unterminated"))
	assert.Error(t, err)
}

func TestScript_StopReplyDefaults(t *testing.T) {
	s := &Script{}
	reply := s.stopReply()
	require.Len(t, reply, 1)
	assert.Equal(t, string(protocol.KindStopped), reply[0].Type)

	silent := &Script{AfterStop: []Step{}}
	assert.Empty(t, silent.stopReply())
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\nsteps:\n  - type: complete\n"), 0o600))

	s, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "file", s.Name)

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
