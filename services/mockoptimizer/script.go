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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
)

// =============================================================================
// Script Types
// =============================================================================

// Step is one frame the server sends.
//
// Type and Data form the usual envelope. Message is written at the top level
// (used by error frames). Raw, when set, is sent verbatim instead, which lets
// a script emit malformed frames.
type Step struct {
	Type    string         `yaml:"type,omitempty" json:"type,omitempty"`
	Data    map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
	Message string         `yaml:"message,omitempty" json:"message,omitempty"`
	Raw     string         `yaml:"raw,omitempty" json:"-"`
}

// Frame encodes the step as a text frame.
func (s Step) Frame() ([]byte, error) {
	if s.Raw != "" {
		return []byte(s.Raw), nil
	}
	return json.Marshal(s)
}

// Script is what the server plays on one optimization connection.
//
// # Fields
//
//   - Steps: Played in order, paced by EventsPerSecond.
//   - Hold: After the last step, keep the connection open until the client
//     stops or disconnects.
//   - AfterStop: Played once a stop_optimization arrives. nil means a single
//     optimization_stopped acknowledgement; an empty list sends nothing.
//   - EventsPerSecond: Pacing; 0 means unpaced.
type Script struct {
	Name            string  `yaml:"name"`
	EventsPerSecond float64 `yaml:"events_per_second"`
	Steps           []Step  `yaml:"steps"`
	Hold            bool    `yaml:"hold"`
	AfterStop       []Step  `yaml:"after_stop"`
}

// stopReply returns the frames to send after a stop.
func (s *Script) stopReply() []Step {
	if s.AfterStop == nil {
		return []Step{{Type: string(protocol.KindStopped), Data: map[string]any{}}}
	}
	return s.AfterStop
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(raw)
}

// ParseScript decodes a YAML script and checks every step has a type or a
// raw frame.
func ParseScript(raw []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, step := range append(append([]Step(nil), s.Steps...), s.AfterStop...) {
		if step.Type == "" && step.Raw == "" {
			return nil, fmt.Errorf("parse script: step %d has neither type nor raw", i)
		}
	}
	if s.EventsPerSecond < 0 {
		return nil, fmt.Errorf("parse script: events_per_second must not be negative")
	}
	return &s, nil
}

// =============================================================================
// Default Script
// =============================================================================

// variantBonus is added to the base score of each variant.
var variantBonus = map[string]float64{
	"custom":       0.4,
	"structure":    0.3,
	"professional": 0.25,
	"specific":     0.2,
	"persuasive":   0.35,
	"actionable":   0.3,
	"tone":         0.25,
	"format":       0.35,
}

// directions maps an analysis direction to the keywords that select it and
// the instruction appended to the variant prompt. Order matters: the first
// match wins.
var directions = []struct {
	name         string
	keywords     []string
	instructions string
}{
	{"structure", []string{"plan", "report", "document", "outline"}, "Organize the answer under clear headings."},
	{"professional", []string{"analysis", "analyze", "data", "technical"}, "Use precise terminology and cite figures."},
	{"specific", []string{"example", "number", "specific", "detail"}, "Include concrete numbers and examples."},
	{"persuasive", []string{"investor", "customer", "pitch", "sell"}, "Write from the reader's point of view and make the case."},
	{"actionable", []string{"action", "steps", "execute", "todo"}, "End with an executable list of next steps."},
}

// analyze picks a direction from the user input. An empty direction means
// no specialised variant applies.
func analyze(userInput string) (direction, instructions string) {
	lower := strings.ToLower(userInput)
	for _, d := range directions {
		for _, kw := range d.keywords {
			if strings.Contains(lower, kw) {
				return d.name, d.instructions
			}
		}
	}
	return "", ""
}

type variant struct {
	name   string
	prompt string
}

// mutate builds the planned variants: base, custom when mutators are given,
// one direction variant, or the tone and format fallbacks.
func mutate(req protocol.OptimizationRequest, direction, instructions string) []variant {
	base := fmt.Sprintf("User request: %s\n\nExpected result: %s\n\nWrite a concrete, practical answer.",
		req.UserInput, req.ExpectedOutput)

	variants := []variant{{name: "base", prompt: base}}
	if len(req.CustomMutators) > 0 {
		lines := make([]string, len(req.CustomMutators))
		for i, m := range req.CustomMutators {
			lines[i] = "- " + m
		}
		variants = append(variants, variant{
			name:   "custom",
			prompt: base + "\n\nUser requirements:\n" + strings.Join(lines, "\n"),
		})
	}
	if direction != "" {
		variants = append(variants, variant{name: direction, prompt: base + "\n\n" + instructions})
	}
	if len(variants) == 1 {
		variants = append(variants,
			variant{name: "tone", prompt: base + "\n\nUse a confident, professional tone with supporting data."},
			variant{name: "format", prompt: base + "\n\nFormat as title, summary, details, conclusion."},
		)
	}
	return variants
}

// baseScore is the deterministic score of the unmodified prompt. It rises
// slightly with the amount of guidance the user gave.
func baseScore(req protocol.OptimizationRequest) float64 {
	score := 0.45
	if len(req.ExpectedOutput) > 40 {
		score += 0.05
	}
	if len(req.ExcludeKeywords) > 0 {
		score += 0.02
	}
	return score
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// DefaultScript reproduces the reference optimization flow for req:
// analysis, smart mutations, per-variant generation and evaluation, final
// results and the complete trailer.
func DefaultScript(req protocol.OptimizationRequest) *Script {
	direction, instructions := analyze(req.UserInput)
	variants := mutate(req, direction, instructions)
	initial := round3(baseScore(req))

	steps := []Step{
		{Type: string(protocol.KindStatus), Data: map[string]any{"message": "Analyzing input", "step": "analysis"}},
		{Type: string(protocol.KindAnalysis), Data: map[string]any{
			"message":  "Input analyzed",
			"analysis": map[string]any{"direction": direction, "instructions": instructions},
		}},
	}

	plan := make([]any, len(variants))
	for i, v := range variants {
		plan[i] = map[string]any{"name": v.name, "prompt": v.prompt}
	}
	steps = append(steps,
		Step{Type: string(protocol.KindMutations), Data: map[string]any{"message": "Variants planned", "mutations": plan}},
		Step{Type: string(protocol.KindStatus), Data: map[string]any{"message": "Evaluating variants", "step": "evaluation"}},
	)

	trials := make([]any, 0, len(variants))
	bestName, bestScore, bestPrompt, bestOutput := "", -1.0, "", ""
	for i, v := range variants {
		output := fmt.Sprintf("[%s] %s answer about %s.", v.name, strings.ToUpper(v.name[:1])+v.name[1:], req.ProductName)
		score := round3(math.Min(1.0, initial+variantBonus[v.name]))

		steps = append(steps,
			Step{Type: string(protocol.KindEvaluationStart), Data: map[string]any{
				"index": i + 1, "total": len(variants), "message": "Evaluating " + v.name,
			}},
			Step{Type: string(protocol.KindLLMResponse), Data: map[string]any{
				"name": v.name, "prompt": v.prompt, "output": output,
			}},
			Step{Type: string(protocol.KindEvaluationResult), Data: map[string]any{
				"trial": map[string]any{"name": v.name, "score": score, "prompt": v.prompt, "output": output},
			}},
		)
		trials = append(trials, map[string]any{"name": v.name, "score": score, "prompt": v.prompt, "output": output})

		if score > bestScore {
			bestName, bestScore, bestPrompt, bestOutput = v.name, score, v.prompt, output
		}
	}

	improvement := round3(bestScore - initial)
	steps = append(steps,
		Step{Type: string(protocol.KindFinalResults), Data: map[string]any{
			"best_score":            bestScore,
			"best_prompt":           bestPrompt,
			"best_output":           bestOutput,
			"best_variant":          bestName,
			"initial_score":         initial,
			"score_improvement":     improvement,
			"all_trials":            trials,
			"total_evaluations":     len(variants),
			"generations_completed": 1,
			"improvement_achieved":  improvement > 0,
		}},
		Step{Type: string(protocol.KindComplete)},
	)

	return &Script{Name: "default", Steps: steps}
}
