// Package live runs the real-time session channel. One runtime exists per
// active session; it owns ordinal assignment and is the only writer on the
// session's WebSocket, so clients observe every event in a single authoritative
// order.
package live

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kweiss/viva/internal/eval"
	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/session"
	"github.com/kweiss/viva/internal/store"
	"github.com/kweiss/viva/internal/tutor"
)

// Speech synthesizes tutor text to PCM audio for delivery as binary frames.
type Speech interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Hub hands connections to per-session runtimes. A session has at most one
// active connection; a second attach is refused while the first is open.
type Hub struct {
	ctrl   *session.Controller
	coord  *eval.Coordinator
	engine *tutor.Engine
	store  store.Store
	sch    sched.Scheduler
	speech Speech // nil disables audio

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// NewHub wires the hub to the session services. speech may be nil.
func NewHub(ctrl *session.Controller, coord *eval.Coordinator, engine *tutor.Engine, st store.Store, sch sched.Scheduler, speech Speech) *Hub {
	return &Hub{
		ctrl:     ctrl,
		coord:    coord,
		engine:   engine,
		store:    st,
		sch:      sch,
		speech:   speech,
		runtimes: make(map[string]*runtime),
	}
}

// Attach serves a WebSocket connection for the given session until the client
// disconnects or the session reaches a terminal status. It blocks.
func (h *Hub) Attach(ctx context.Context, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	rt, ok := h.runtimes[sessionID]
	if !ok {
		rt = newRuntime(h, sessionID)
		h.runtimes[sessionID] = rt
	}
	h.mu.Unlock()

	rt.serve(ctx, conn)

	h.mu.Lock()
	if rt.idle() {
		delete(h.runtimes, sessionID)
	}
	h.mu.Unlock()
}

func (h *Hub) logf(format string, args ...any) {
	log.Printf(format, args...)
}
