// Package eval coordinates recall evaluations: it scores the learner's
// attempt at the current recall point and hands the outcome to the scheduler.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kweiss/viva/internal/llm"
	"github.com/kweiss/viva/internal/store"
)

const judgeSystemPrompt = `You are grading a spaced-repetition recall attempt. You are given the recall point and the conversation in which the learner tried to retrieve it. Judge only whether the learner demonstrated recall of the point itself; ignore digressions and tutor hints.

Return ONLY valid JSON:
{"outcome": "pass" | "partial" | "fail", "confidence": 0.0-1.0, "reasoning": "..."}`

// Judgment is the parsed JSON output from the judge.
type Judgment struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Scorer judges one recall attempt.
type Scorer interface {
	Score(ctx context.Context, point string, turns []store.Turn) (*Judgment, error)
}

// LLMScorer implements Scorer with an LLM-as-judge call.
type LLMScorer struct {
	gen llm.Generator
}

// NewLLMScorer builds a scorer over the given generator.
func NewLLMScorer(gen llm.Generator) *LLMScorer {
	return &LLMScorer{gen: gen}
}

func (s *LLMScorer) Score(ctx context.Context, point string, turns []store.Turn) (*Judgment, error) {
	raw, err := s.gen.Generate(ctx, judgeSystemPrompt, buildJudgePrompt(point, turns))
	if err != nil {
		return nil, fmt.Errorf("judge call: %w", err)
	}
	j, err := parseJudgment(raw)
	if err != nil {
		return nil, err
	}
	if j.Outcome == "" {
		return nil, fmt.Errorf("judge returned no outcome")
	}
	return j, nil
}

func buildJudgePrompt(point string, turns []store.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recall point: %q\n\nConversation:\n", point)
	for _, t := range turns {
		label := "LEARNER"
		if t.Role == store.RoleTutor {
			label = "TUTOR"
		}
		fmt.Fprintf(&b, "[%s] %s\n", label, t.Text)
	}
	return b.String()
}

// parseJudgment extracts JSON from the judge response, handling markdown code
// fences.
func parseJudgment(text string) (*Judgment, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		}
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var j Judgment
	if err := json.Unmarshal([]byte(cleaned), &j); err != nil {
		return nil, fmt.Errorf("parse judge JSON: %w (raw: %s)", err, text)
	}
	return &j, nil
}
