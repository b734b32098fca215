package transcribe

import (
	"context"
	"fmt"
	"strings"

	"github.com/kweiss/viva/internal/llm"
)

// Merger reconciles a correction utterance with the draft it amends. After
// reviewing a transcription, the learner can speak a correction ("no, I meant
// the inner membrane") and the merged text replaces the draft.
type Merger interface {
	Merge(ctx context.Context, draft, correction string) (string, error)
}

// ReplaceMerger discards the draft and uses the correction verbatim. It is
// the fallback when no LLM is available.
type ReplaceMerger struct{}

func (ReplaceMerger) Merge(_ context.Context, _, correction string) (string, error) {
	c := strings.TrimSpace(correction)
	if c == "" {
		return "", fmt.Errorf("transcribe: empty correction")
	}
	return c, nil
}

const mergeSystemPrompt = `You edit transcribed speech. Given a draft utterance and a spoken correction, produce the utterance the speaker intended. Apply the correction to the draft; if the correction replaces the draft entirely, return just the correction. Return only the corrected utterance, nothing else.`

// LLMMerger applies the correction to the draft with an LLM.
type LLMMerger struct {
	gen llm.Generator
}

// NewLLMMerger builds a merger over the given generator.
func NewLLMMerger(gen llm.Generator) *LLMMerger {
	return &LLMMerger{gen: gen}
}

func (m *LLMMerger) Merge(ctx context.Context, draft, correction string) (string, error) {
	c := strings.TrimSpace(correction)
	if c == "" {
		return "", fmt.Errorf("transcribe: empty correction")
	}
	d := strings.TrimSpace(draft)
	if d == "" {
		return c, nil
	}
	user := fmt.Sprintf("Draft: %s\nCorrection: %s", d, c)
	merged, err := m.gen.Generate(ctx, mergeSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("transcribe: merge correction: %w", err)
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		// An empty merge is useless; fall back to the correction itself.
		return c, nil
	}
	return merged, nil
}
