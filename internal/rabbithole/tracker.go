// Package rabbithole tracks digressions that branch away from the current
// recall point. Digressions nest; a return always closes the most recently
// opened one still open, and a return with nothing open is tolerated.
package rabbithole

import "sync"

// Digression is one tracked tangent.
type Digression struct {
	TriggerOrdinal int
	Topic          string
	Depth          int
	ReturnOrdinal  *int
}

// Tracker maintains the open-digression stack for one session.
type Tracker struct {
	mu     sync.Mutex
	open   []*Digression
	closed []*Digression
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Trigger opens a digression at the given turn ordinal and returns it with its
// nesting depth assigned (1 for a top-level tangent).
func (t *Tracker) Trigger(ordinal int, topic string) *Digression {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := &Digression{
		TriggerOrdinal: ordinal,
		Topic:          topic,
		Depth:          len(t.open) + 1,
	}
	t.open = append(t.open, d)
	return d
}

// Return closes the most recently opened digression still open and returns it.
// A return with no open digression is a protocol anomaly: it returns nil and
// leaves the tracker untouched.
func (t *Tracker) Return(ordinal int) *Digression {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) == 0 {
		return nil
	}
	d := t.open[len(t.open)-1]
	t.open = t.open[:len(t.open)-1]
	ret := ordinal
	d.ReturnOrdinal = &ret
	t.closed = append(t.closed, d)
	return d
}

// Active returns the digression currently shown to the user: the most recent
// open one, or nil when the conversation is on the main line.
func (t *Tracker) Active() *Digression {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) == 0 {
		return nil
	}
	return t.open[len(t.open)-1]
}

// OpenCount reports how many digressions are currently open.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Open returns the open digressions outermost-first. A session may end with
// these still open; they are persisted with a nil return ordinal.
func (t *Tracker) Open() []*Digression {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Digression, len(t.open))
	copy(out, t.open)
	return out
}
