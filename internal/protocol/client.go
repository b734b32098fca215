// Package protocol is the client side of the live session channel. It owns
// one connection per session, reconnects with backoff, and exposes every
// inbound event on a single ordered stream; the UI never touches the socket.
package protocol

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kweiss/viva/internal/wire"
)

// ConnState is the channel's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

var (
	// ErrNotConnected fails a send while the channel is down. Outbound turns
	// are not buffered offline; the caller resends.
	ErrNotConnected = errors.New("protocol: not connected")
	// ErrTerminalSession rejects mutation of a completed or abandoned session.
	ErrTerminalSession = errors.New("protocol: session is terminal")
	// ErrEmptyTurn rejects whitespace-only text.
	ErrEmptyTurn = errors.New("protocol: empty turn")
	// ErrNothingToEvaluate rejects an evaluation request before any learner
	// turn has been sent since the last resolved evaluation.
	ErrNothingToEvaluate = errors.New("protocol: no learner turn to evaluate")
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 10 * time.Second
)

// pendingTurn tracks the one turn that may need resubmission after a
// reconnect. Resubmission happens at most once.
type pendingTurn struct {
	text        string
	seenOrdinal int // last committed ordinal when the send left
	resent      bool
}

// Client maintains the channel for one session.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	status      string // last session.status payload
	ordinal     int    // last committed ordinal observed
	typing      string // concatenated streaming fragments, not yet a turn
	replayFloor int    // committed ordinal before the current attach; replays at or below are dupes
	pending     *pendingTurn
	sentSince   bool // a learner turn committed since the last evaluation result
	closed      bool

	events chan wire.Message
	done   chan struct{}
}

// NewClient builds a client for a session's live endpoint URL
// (ws://host/sessions/{id}/live).
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
		events: make(chan wire.Message, 64),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered inbound event stream. Streaming fragments are
// folded into Typing and never appear here; every delivered turn.append is a
// committed turn.
func (c *Client) Events() <-chan wire.Message { return c.events }

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the last session status reported by the server.
func (c *Client) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Typing returns the in-flight assistant text, a display affordance only.
func (c *Client) Typing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Connect dials the channel and starts the read loop. The read loop owns
// reconnection from then on.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("protocol: client closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

// Close tears the channel down and closes the event stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	close(c.done)
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SendTurn submits learner text. It fails fast when disconnected and refuses
// terminal sessions and empty text.
func (c *Client) SendTurn(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTurn
	}

	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return ErrTerminalSession
	}
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending = &pendingTurn{text: text, seenOrdinal: c.ordinal}
	c.mu.Unlock()

	return conn.WriteJSON(wire.Message{Type: wire.TypeTurnSend, Text: text})
}

// RequestEvaluation asks the server to judge the current recall point. Valid
// only after a learner turn since the last resolved evaluation.
func (c *Client) RequestEvaluation() error {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return ErrTerminalSession
	}
	if !c.sentSince {
		c.mu.Unlock()
		return ErrNothingToEvaluate
	}
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()
	return conn.WriteJSON(wire.Message{Type: wire.TypeEvaluationRequest})
}

// EndSession completes the session through the channel so termination is
// itself an ordered event.
func (c *Client) EndSession() error {
	return c.sendControl(wire.TypeSessionEnd)
}

// AbandonSession ends the session without covering remaining points.
func (c *Client) AbandonSession() error {
	return c.sendControl(wire.TypeSessionAbandon)
}

func (c *Client) sendControl(msgType string) error {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return ErrTerminalSession
	}
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()
	return conn.WriteJSON(wire.Message{Type: msgType})
}

func (c *Client) terminalLocked() bool {
	return c.status == "completed" || c.status == "abandoned"
}

// readLoop delivers inbound frames in arrival order and reconnects on drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			terminal := c.terminalLocked()
			c.mu.Unlock()
			if closed || terminal {
				c.finish()
				return
			}
			log.Printf("protocol: channel dropped: %v", err)
			next, ok := c.reconnect(ctx)
			if !ok {
				c.finish()
				return
			}
			conn = next
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch folds one frame into client state and forwards it on the event
// stream. It runs on the single read goroutine, preserving arrival order.
func (c *Client) dispatch(msg wire.Message) {
	c.mu.Lock()
	if msg.Replay && msg.Ordinal <= c.replayFloor {
		// Backlog frame for a turn or marker already delivered live.
		c.mu.Unlock()
		return
	}
	switch msg.Type {
	case wire.TypeTurnAppend:
		if msg.Streaming {
			// Typing affordance only; not a committed turn.
			if c.typing != "" {
				c.typing += " "
			}
			c.typing += msg.Text
			c.mu.Unlock()
			return
		}
		c.typing = ""
		if msg.Ordinal > c.ordinal {
			c.ordinal = msg.Ordinal
		}
		if msg.Role == "learner" {
			c.sentSince = true
			if c.pending != nil && c.pending.text == msg.Text {
				c.pending = nil
			}
		}
	case wire.TypeEvaluationResult:
		c.sentSince = false
	case wire.TypeSessionStatus:
		c.status = msg.Status
		// The snapshot starts a fresh attach: any streaming fragment from the
		// dropped connection is stale, and replayed frames past the floor are
		// news to us.
		c.typing = ""
		c.replayFloor = c.ordinal
		if msg.Ordinal > c.ordinal {
			c.ordinal = msg.Ordinal
		}
	}
	c.mu.Unlock()

	select {
	case c.events <- msg:
	case <-c.done:
	}
}

// reconnect redials with exponential backoff. After reattaching, the server's
// status snapshot arrives first; resubmitPending then decides whether the
// in-flight turn was recorded.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	c.mu.Lock()
	c.state = StateReconnecting
	c.conn = nil
	c.mu.Unlock()

	delay := backoffInitial
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Printf("protocol: reconnect failed: %v", err)
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
			continue
		}

		// Re-resolve session status before re-enabling send: the snapshot is
		// the first frame the server emits.
		var snapshot wire.Message
		if err := conn.ReadJSON(&snapshot); err != nil || snapshot.Type != wire.TypeSessionStatus {
			_ = conn.Close()
			delay *= 2
			if delay > backoffMax {
				delay = backoffMax
			}
			continue
		}
		c.dispatch(snapshot)

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		c.resubmitPending(conn, snapshot)
		return conn, true
	}
}

// resubmitPending resends the in-flight turn exactly once if the server's
// snapshot shows it was never recorded. If the committed ordinal advanced, the
// server has it and resending would duplicate.
func (c *Client) resubmitPending(conn *websocket.Conn, snapshot wire.Message) {
	c.mu.Lock()
	p := c.pending
	if p == nil || c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	if snapshot.Ordinal > p.seenOrdinal || p.resent {
		c.pending = nil
		c.mu.Unlock()
		return
	}
	p.resent = true
	text := p.text
	c.mu.Unlock()

	if err := conn.WriteJSON(wire.Message{Type: wire.TypeTurnSend, Text: text}); err != nil {
		log.Printf("protocol: resubmit failed: %v", err)
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	c.state = StateDisconnected
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.done)
	}
	close(c.events)
}
