// Package replay reconstructs a session timeline from the persisted flat
// record: the ordered turn list plus evaluation and rabbithole markers. The
// produced sequence is exactly what a live observer saw; no live-only
// information is needed.
package replay

import (
	"sort"

	"github.com/kweiss/viva/internal/store"
)

// NodeKind discriminates timeline nodes.
type NodeKind string

const (
	NodeTurn             NodeKind = "turn"
	NodeEvaluation       NodeKind = "evaluation"
	NodeRabbitholeOpen   NodeKind = "rabbithole.open"
	NodeRabbitholeReturn NodeKind = "rabbithole.return"
)

// Node is one entry in the reconstructed timeline. Exactly one of Turn,
// Evaluation, Rabbithole is set, per Kind.
type Node struct {
	Kind       NodeKind
	Turn       *store.Turn
	Evaluation *store.EvaluationMarker
	Rabbithole *store.RabbitholeMarker
}

// Timeline is the navigable view of a session.
type Timeline struct {
	Session *store.Session
	Nodes   []Node
	// OpenDigressions holds digressions never closed before the session ended,
	// innermost last. An open digression at session end is a valid state.
	OpenDigressions []store.RabbitholeMarker
}

// markerEvent is an internal splice point: a marker occurrence at (Ordinal, Seq).
type markerEvent struct {
	ordinal int
	seq     int
	node    Node
}

// Reconstruct builds the timeline. Turns are walked in ordinal order; each
// marker is spliced immediately after the turn it is attached to, and markers
// sharing an ordinal keep their live emission order via their sequence numbers.
func Reconstruct(tr *store.Transcript) *Timeline {
	var events []markerEvent

	for i := range tr.Evaluations {
		m := &tr.Evaluations[i]
		events = append(events, markerEvent{
			ordinal: m.Ordinal,
			seq:     m.Seq,
			node:    Node{Kind: NodeEvaluation, Evaluation: m},
		})
	}
	for i := range tr.Rabbitholes {
		m := &tr.Rabbitholes[i]
		events = append(events, markerEvent{
			ordinal: m.TriggerOrdinal,
			seq:     m.Seq,
			node:    Node{Kind: NodeRabbitholeOpen, Rabbithole: m},
		})
		if m.ReturnOrdinal != nil {
			seq := m.Seq
			if m.ReturnSeq != nil {
				seq = *m.ReturnSeq
			}
			events = append(events, markerEvent{
				ordinal: *m.ReturnOrdinal,
				seq:     seq,
				node:    Node{Kind: NodeRabbitholeReturn, Rabbithole: m},
			})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ordinal != events[j].ordinal {
			return events[i].ordinal < events[j].ordinal
		}
		return events[i].seq < events[j].seq
	})

	tl := &Timeline{Session: tr.Session}
	next := 0
	for i := range tr.Turns {
		turn := &tr.Turns[i]
		// Markers attached before the first turn ordinal would be anomalies;
		// emit them ahead of the turn walk rather than dropping them.
		for next < len(events) && events[next].ordinal < turn.Ordinal {
			tl.Nodes = append(tl.Nodes, events[next].node)
			next++
		}
		tl.Nodes = append(tl.Nodes, Node{Kind: NodeTurn, Turn: turn})
		for next < len(events) && events[next].ordinal == turn.Ordinal {
			tl.Nodes = append(tl.Nodes, events[next].node)
			next++
		}
	}
	for next < len(events) {
		tl.Nodes = append(tl.Nodes, events[next].node)
		next++
	}

	// Compute digressions still open as of the last turn, without mutating the
	// stored markers. Trigger order is Seq order; open ones remain in trigger
	// order, so the last element is the innermost.
	for i := range tr.Rabbitholes {
		if tr.Rabbitholes[i].ReturnOrdinal == nil {
			tl.OpenDigressions = append(tl.OpenDigressions, tr.Rabbitholes[i])
		}
	}

	return tl
}

// ActiveDigression returns the digression a live observer would currently see
// (the innermost still-open one), or nil.
func (tl *Timeline) ActiveDigression() *store.RabbitholeMarker {
	if len(tl.OpenDigressions) == 0 {
		return nil
	}
	return &tl.OpenDigressions[len(tl.OpenDigressions)-1]
}
