package eval

import (
	"context"
	"strings"
	"testing"

	"github.com/kweiss/viva/internal/store"
)

type fakeGen struct {
	reply string
	user  string
}

func (f *fakeGen) Generate(_ context.Context, _, user string) (string, error) {
	f.user = user
	return f.reply, nil
}

func TestLLMScorerParsesJudgment(t *testing.T) {
	gen := &fakeGen{reply: `{"outcome": "partial", "confidence": 0.6, "reasoning": "half right"}`}
	s := NewLLMScorer(gen)

	j, err := s.Score(context.Background(), "the capital of France", []store.Turn{
		{Role: store.RoleLearner, Text: "Lyon? no, Paris"},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if j.Outcome != "partial" || j.Confidence != 0.6 {
		t.Fatalf("unexpected judgment: %+v", j)
	}
	if !strings.Contains(gen.user, "the capital of France") || !strings.Contains(gen.user, "[LEARNER] Lyon? no, Paris") {
		t.Fatalf("prompt missing material:\n%s", gen.user)
	}
}

func TestLLMScorerStripsCodeFence(t *testing.T) {
	gen := &fakeGen{reply: "```json\n{\"outcome\": \"pass\", \"confidence\": 1.0}\n```"}
	s := NewLLMScorer(gen)

	j, err := s.Score(context.Background(), "p", []store.Turn{{Role: store.RoleLearner, Text: "a"}})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if j.Outcome != "pass" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
}

func TestLLMScorerRejectsGarbage(t *testing.T) {
	s := NewLLMScorer(&fakeGen{reply: "not json at all"})
	if _, err := s.Score(context.Background(), "p", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLLMScorerRejectsEmptyOutcome(t *testing.T) {
	s := NewLLMScorer(&fakeGen{reply: `{"confidence": 0.5}`})
	if _, err := s.Score(context.Background(), "p", nil); err == nil {
		t.Fatal("expected error on missing outcome")
	}
}
