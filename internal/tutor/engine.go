// Package tutor generates the assistant side of a Socratic recall dialog.
// The engine asks probing questions about the current recall point and marks
// digressions with inline control tags that are stripped before delivery.
package tutor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kweiss/viva/internal/llm"
	"github.com/kweiss/viva/internal/store"
)

const systemPrompt = `You are a Socratic study tutor. The learner is trying to recall a specific fact or concept. Never state the answer outright; ask short probing questions that lead the learner to retrieve it themselves. Keep replies to one or two sentences.

When the conversation drifts onto a genuine side topic, begin that reply with [[rabbithole: <short topic>]]. When a side topic resolves and you steer back to the recall point, begin that reply with [[return]]. Use the tags only at drift boundaries, never mid-sentence.`

// EventKind discriminates control events the tutor embedded in a reply.
type EventKind int

const (
	EventRabbitholeOpen EventKind = iota
	EventRabbitholeReturn
)

// Event is one control event parsed out of a reply, in order of appearance.
type Event struct {
	Kind  EventKind
	Topic string
}

// Reply is a generated tutor turn: clean text plus the control events that
// were embedded in it.
type Reply struct {
	Text   string
	Events []Event
}

// Engine produces tutor replies over a session's turn history.
type Engine struct {
	gen llm.Generator
}

// NewEngine constructs an Engine backed by the given generator.
func NewEngine(gen llm.Generator) *Engine {
	return &Engine{gen: gen}
}

// Respond generates the tutor's next turn. point is the recall point currently
// under review; history is the full turn list ending with the learner's latest
// turn.
func (e *Engine) Respond(ctx context.Context, point string, history []store.Turn) (*Reply, error) {
	raw, err := e.gen.Generate(ctx, systemPrompt, buildConversationPrompt(point, history))
	if err != nil {
		return nil, err
	}
	text, events := parseControlTags(raw)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("tutor: empty reply")
	}
	return &Reply{Text: text, Events: events}, nil
}

// Greeting generates the tutor's opening turn for a recall point.
func (e *Engine) Greeting(ctx context.Context, point string) (*Reply, error) {
	return e.Respond(ctx, point, nil)
}

// buildConversationPrompt formats the recall point plus all prior turns with
// [LEARNER]/[TUTOR] labels; the last message must be the learner's.
func buildConversationPrompt(point string, history []store.Turn) string {
	var b strings.Builder
	b.WriteString("Recall point under review: ")
	b.WriteString(point)
	b.WriteString("\n\n")
	if len(history) == 0 {
		b.WriteString("The session is starting; open with a probing question about the recall point.")
		return b.String()
	}
	for _, t := range history {
		label := "LEARNER"
		if t.Role == store.RoleTutor {
			label = "TUTOR"
		}
		b.WriteString("[")
		b.WriteString(label)
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// parseControlTags strips [[rabbithole: topic]] and [[return]] tags from raw,
// returning the clean text and the events in order of appearance.
func parseControlTags(raw string) (string, []Event) {
	var events []Event
	var b strings.Builder
	rest := raw
	for {
		start := strings.Index(rest, "[[")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "]]")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		tag := rest[start+2 : start+end]
		rest = rest[start+end+2:]

		switch {
		case strings.EqualFold(strings.TrimSpace(tag), "return"):
			events = append(events, Event{Kind: EventRabbitholeReturn})
		case strings.HasPrefix(strings.ToLower(strings.TrimSpace(tag)), "rabbithole"):
			topic := ""
			if idx := strings.Index(tag, ":"); idx >= 0 {
				topic = strings.TrimSpace(tag[idx+1:])
			}
			events = append(events, Event{Kind: EventRabbitholeOpen, Topic: topic})
		default:
			// Unknown tag: keep the text, it was probably not a control tag.
			b.WriteString("[[")
			b.WriteString(tag)
			b.WriteString("]]")
		}
	}
	return b.String(), events
}

// ChunkReply splits a tutor reply into sentence-like fragments so delivery can
// stream them as typing increments. Heuristic: split on '.', '?', '!' and
// newlines, retaining punctuation.
func ChunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}
