package tutor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kweiss/viva/internal/store"
)

type fakeGenerator struct {
	reply string
	err   error
	// captured prompts
	system string
	user   string
}

func (f *fakeGenerator) Generate(_ context.Context, system, user string) (string, error) {
	f.system = system
	f.user = user
	return f.reply, f.err
}

func TestRespondStripsControlTags(t *testing.T) {
	gen := &fakeGenerator{reply: "[[rabbithole: etymology]] Interesting tangent. What root does it share?"}
	e := NewEngine(gen)

	r, err := e.Respond(context.Background(), "the word 'salary' comes from salt", []store.Turn{
		{Role: store.RoleLearner, Text: "where does salary come from?"},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if strings.Contains(r.Text, "[[") {
		t.Fatalf("tag leaked into text: %q", r.Text)
	}
	if len(r.Events) != 1 || r.Events[0].Kind != EventRabbitholeOpen || r.Events[0].Topic != "etymology" {
		t.Fatalf("unexpected events: %+v", r.Events)
	}
}

func TestRespondReturnTag(t *testing.T) {
	gen := &fakeGenerator{reply: "[[return]] Back to the point: what was the Roman connection?"}
	e := NewEngine(gen)

	r, err := e.Respond(context.Background(), "p", []store.Turn{{Role: store.RoleLearner, Text: "ok"}})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(r.Events) != 1 || r.Events[0].Kind != EventRabbitholeReturn {
		t.Fatalf("unexpected events: %+v", r.Events)
	}
	if !strings.HasPrefix(r.Text, "Back to the point") {
		t.Fatalf("unexpected text: %q", r.Text)
	}
}

func TestRespondUnknownTagKept(t *testing.T) {
	gen := &fakeGenerator{reply: "The answer involves [[citation needed]] salt."}
	e := NewEngine(gen)

	r, err := e.Respond(context.Background(), "p", []store.Turn{{Role: store.RoleLearner, Text: "hm"}})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(r.Events) != 0 {
		t.Fatalf("unexpected events: %+v", r.Events)
	}
	if !strings.Contains(r.Text, "[[citation needed]]") {
		t.Fatalf("unknown tag should survive: %q", r.Text)
	}
}

func TestRespondEmptyReply(t *testing.T) {
	gen := &fakeGenerator{reply: "  [[return]]  "}
	e := NewEngine(gen)
	if _, err := e.Respond(context.Background(), "p", nil); err == nil {
		t.Fatal("expected error on empty reply")
	}
}

func TestRespondGeneratorError(t *testing.T) {
	want := errors.New("boom")
	e := NewEngine(&fakeGenerator{err: want})
	if _, err := e.Respond(context.Background(), "p", nil); !errors.Is(err, want) {
		t.Fatalf("expected wrapped generator error, got %v", err)
	}
}

func TestConversationPromptLabels(t *testing.T) {
	gen := &fakeGenerator{reply: "ok?"}
	e := NewEngine(gen)

	_, err := e.Respond(context.Background(), "photosynthesis inputs", []store.Turn{
		{Role: store.RoleTutor, Text: "What goes in?"},
		{Role: store.RoleLearner, Text: "light and water"},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !strings.Contains(gen.user, "[TUTOR] What goes in?") || !strings.Contains(gen.user, "[LEARNER] light and water") {
		t.Fatalf("prompt missing labeled turns:\n%s", gen.user)
	}
	if !strings.Contains(gen.user, "photosynthesis inputs") {
		t.Fatalf("prompt missing recall point:\n%s", gen.user)
	}
}

func TestChunkReply(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"One. Two? Three!", []string{"One.", "Two?", "Three!"}},
		{"No terminal punctuation", []string{"No terminal punctuation"}},
		{"Line one\nLine two.", []string{"Line one", "Line two."}},
		{"   ", nil},
	}
	for _, c := range cases {
		got := ChunkReply(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("ChunkReply(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("ChunkReply(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
