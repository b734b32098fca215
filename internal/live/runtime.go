package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kweiss/viva/internal/eval"
	"github.com/kweiss/viva/internal/rabbithole"
	"github.com/kweiss/viva/internal/replay"
	"github.com/kweiss/viva/internal/session"
	"github.com/kweiss/viva/internal/store"
	"github.com/kweiss/viva/internal/tutor"
	"github.com/kweiss/viva/internal/wire"
)

const tutorTimeout = 20 * time.Second

// runtime serves one session. Commands are processed sequentially by the
// single serve goroutine, which is also the sole writer on the connection, so
// ordinals and event order need no further coordination.
type runtime struct {
	hub       *Hub
	sessionID string

	muActive sync.Mutex
	active   bool // a connection is currently being served

	nextOrdinal int
	tracker     *rabbithole.Tracker
	points      map[string]string // point id -> content
	loaded      bool
}

func newRuntime(h *Hub, sessionID string) *runtime {
	return &runtime{hub: h, sessionID: sessionID, tracker: rabbithole.NewTracker()}
}

func (rt *runtime) idle() bool {
	rt.muActive.Lock()
	defer rt.muActive.Unlock()
	return !rt.active
}

func (rt *runtime) serve(ctx context.Context, conn *websocket.Conn) {
	rt.muActive.Lock()
	if rt.active {
		rt.muActive.Unlock()
		_ = conn.WriteJSON(wire.Message{Type: wire.TypeError, Code: wire.CodeSessionBusy, Message: "session already has an active connection"})
		_ = conn.Close()
		return
	}
	rt.active = true
	rt.muActive.Unlock()
	defer func() {
		rt.muActive.Lock()
		rt.active = false
		rt.muActive.Unlock()
		_ = conn.Close()
	}()

	sess, err := rt.hub.ctrl.Get(ctx, rt.sessionID)
	if err != nil {
		rt.writeError(conn, wire.CodeInternal, err.Error())
		return
	}
	if !rt.loaded {
		if err := rt.load(ctx, sess); err != nil {
			rt.writeError(conn, wire.CodeInternal, err.Error())
			return
		}
	}

	// Status snapshot first so a reconnecting client can reconcile.
	if err := conn.WriteJSON(wire.Message{Type: wire.TypeSessionStatus, Status: string(sess.Status), Ordinal: rt.nextOrdinal - 1}); err != nil {
		return
	}

	// Committed history follows the snapshot so an attaching client can
	// rebuild its transcript; clients drop the replay frames they already saw.
	if rt.nextOrdinal > 1 {
		if err := rt.sendBacklog(ctx, conn); err != nil {
			rt.hub.logf("live: session %s backlog: %v", rt.sessionID, err)
			return
		}
	}

	// A fresh session opens with a tutor turn.
	if sess.Status == store.StatusInProgress && rt.nextOrdinal == 1 {
		rt.tutorTurn(ctx, conn, sess, nil)
	}

	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rt.hub.logf("live: session %s read: %v", rt.sessionID, err)
			}
			return
		}

		switch msg.Type {
		case wire.TypeTurnSend:
			rt.handleTurn(ctx, conn, msg)
		case wire.TypeEvaluationRequest:
			rt.handleEvaluate(ctx, conn)
		case wire.TypeSessionEnd:
			rt.handleEnd(ctx, conn, store.StatusCompleted)
			return
		case wire.TypeSessionAbandon:
			rt.handleEnd(ctx, conn, store.StatusAbandoned)
			return
		default:
			rt.writeError(conn, wire.CodeBadMessage, "unknown message type: "+msg.Type)
		}
	}
}

// sendBacklog re-delivers the committed timeline in live emission order. The
// depth on a rabbithole.return frame is the depth the digression had while
// open, matching what the original live frame carried.
func (rt *runtime) sendBacklog(ctx context.Context, conn *websocket.Conn) error {
	tr, err := rt.hub.store.GetTranscript(ctx, rt.sessionID)
	if err != nil {
		return err
	}
	for _, n := range replay.Reconstruct(tr).Nodes {
		var msg wire.Message
		switch n.Kind {
		case replay.NodeTurn:
			msg = wire.Message{Type: wire.TypeTurnAppend, Role: string(n.Turn.Role), Ordinal: n.Turn.Ordinal, Text: n.Turn.Text}
		case replay.NodeEvaluation:
			msg = wire.Message{Type: wire.TypeEvaluationResult, PointID: n.Evaluation.PointID, Outcome: n.Evaluation.Outcome, Confidence: n.Evaluation.Confidence, Ordinal: n.Evaluation.Ordinal}
		case replay.NodeRabbitholeOpen:
			msg = wire.Message{Type: wire.TypeRabbitholeTrig, Ordinal: n.Rabbithole.TriggerOrdinal, Topic: n.Rabbithole.Topic, Depth: n.Rabbithole.Depth}
		case replay.NodeRabbitholeReturn:
			msg = wire.Message{Type: wire.TypeRabbitholeReturn, Ordinal: *n.Rabbithole.ReturnOrdinal, Topic: n.Rabbithole.Topic, Depth: n.Rabbithole.Depth}
		}
		msg.Replay = true
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// load rebuilds in-memory state from the persisted record so a resumed session
// continues exactly where it stopped.
func (rt *runtime) load(ctx context.Context, sess *store.Session) error {
	tr, err := rt.hub.store.GetTranscript(ctx, rt.sessionID)
	if err != nil {
		return err
	}
	rt.nextOrdinal = len(tr.Turns) + 1
	for _, m := range tr.Rabbitholes {
		if m.ReturnOrdinal == nil {
			rt.tracker.Trigger(m.TriggerOrdinal, m.Topic)
		}
	}

	rt.points = make(map[string]string)
	if pts, err := rt.hub.sch.DuePoints(ctx, sess.RecallSetID); err == nil {
		for _, p := range pts {
			rt.points[p.ID] = p.Content
		}
	}
	rt.loaded = true
	return nil
}

func (rt *runtime) pointContent(id string) string {
	if c, ok := rt.points[id]; ok && c != "" {
		return c
	}
	return id
}

func (rt *runtime) handleTurn(ctx context.Context, conn *websocket.Conn, msg wire.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		rt.writeError(conn, wire.CodeEmptyTurn, "turn text is empty")
		return
	}
	sess, err := rt.hub.ctrl.Get(ctx, rt.sessionID)
	if err != nil {
		rt.writeError(conn, wire.CodeInternal, err.Error())
		return
	}
	if sess.Status.Terminal() {
		rt.writeError(conn, wire.CodeTerminalSession, "session is "+string(sess.Status))
		return
	}

	turn, err := rt.commit(ctx, store.RoleLearner, text)
	if err != nil {
		rt.writeError(conn, wire.CodeInternal, err.Error())
		return
	}
	if err := conn.WriteJSON(wire.Message{Type: wire.TypeTurnAppend, Role: string(store.RoleLearner), Ordinal: turn.Ordinal, Text: turn.Text}); err != nil {
		return
	}

	history, err := rt.hub.store.Turns(ctx, rt.sessionID)
	if err != nil {
		rt.writeError(conn, wire.CodeInternal, err.Error())
		return
	}
	rt.tutorTurn(ctx, conn, sess, history)
}

// tutorTurn generates and delivers the tutor's reply: streaming fragments
// first, then the committed turn, then any digression markers it carried.
func (rt *runtime) tutorTurn(ctx context.Context, conn *websocket.Conn, sess *store.Session, history []store.Turn) {
	genCtx, cancel := context.WithTimeout(ctx, tutorTimeout)
	reply, err := rt.hub.engine.Respond(genCtx, rt.pointContent(sess.CurrentPoint()), history)
	cancel()
	if err != nil {
		rt.hub.logf("live: session %s tutor: %v", rt.sessionID, err)
		rt.writeError(conn, wire.CodeInternal, "tutor reply failed")
		return
	}

	for _, chunk := range tutor.ChunkReply(reply.Text) {
		if err := conn.WriteJSON(wire.Message{Type: wire.TypeTurnAppend, Role: string(store.RoleTutor), Text: chunk, Streaming: true}); err != nil {
			return
		}
	}

	turn, err := rt.commit(ctx, store.RoleTutor, reply.Text)
	if err != nil {
		rt.writeError(conn, wire.CodeInternal, err.Error())
		return
	}
	if err := conn.WriteJSON(wire.Message{Type: wire.TypeTurnAppend, Role: string(store.RoleTutor), Ordinal: turn.Ordinal, Text: turn.Text}); err != nil {
		return
	}

	rt.applyEvents(ctx, conn, turn.Ordinal, reply.Events)
	rt.speak(ctx, conn, reply.Text)
}

func (rt *runtime) applyEvents(ctx context.Context, conn *websocket.Conn, ordinal int, events []tutor.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case tutor.EventRabbitholeOpen:
			d := rt.tracker.Trigger(ordinal, ev.Topic)
			err := rt.hub.store.AddRabbithole(ctx, &store.RabbitholeMarker{
				SessionID:      rt.sessionID,
				TriggerOrdinal: ordinal,
				Topic:          ev.Topic,
				Depth:          d.Depth,
				CreatedAt:      time.Now().UTC(),
			})
			if err != nil {
				rt.hub.logf("live: session %s record rabbithole: %v", rt.sessionID, err)
				continue
			}
			_ = conn.WriteJSON(wire.Message{Type: wire.TypeRabbitholeTrig, Ordinal: ordinal, Topic: ev.Topic, Depth: d.Depth})

		case tutor.EventRabbitholeReturn:
			d := rt.tracker.Return(ordinal)
			if d == nil {
				// Return with nothing open; tolerated, nothing recorded.
				rt.hub.logf("live: session %s orphan rabbithole return at ordinal %d", rt.sessionID, ordinal)
				continue
			}
			if err := rt.hub.store.CloseRabbithole(ctx, rt.sessionID, d.TriggerOrdinal, ordinal); err != nil {
				rt.hub.logf("live: session %s close rabbithole: %v", rt.sessionID, err)
			}
			_ = conn.WriteJSON(wire.Message{Type: wire.TypeRabbitholeReturn, Ordinal: ordinal, Topic: d.Topic, Depth: d.Depth})
		}
	}
}

func (rt *runtime) handleEvaluate(ctx context.Context, conn *websocket.Conn) {
	marker, err := rt.hub.coord.Evaluate(ctx, rt.sessionID)
	if err != nil {
		switch {
		case errors.Is(err, eval.ErrPending):
			rt.writeError(conn, wire.CodeEvaluationPending, "evaluation already in flight")
		case errors.Is(err, eval.ErrNothingToEvaluate):
			rt.writeError(conn, wire.CodeNothingToEvaluate, "nothing to evaluate")
		case errors.Is(err, eval.ErrSessionTerminal):
			rt.writeError(conn, wire.CodeTerminalSession, "session is terminal")
		default:
			rt.hub.logf("live: session %s evaluate: %v", rt.sessionID, err)
			rt.writeError(conn, wire.CodeEvaluationFailed, "evaluation failed")
		}
		return
	}

	_ = conn.WriteJSON(wire.Message{
		Type:       wire.TypeEvaluationResult,
		PointID:    marker.PointID,
		Outcome:    marker.Outcome,
		Confidence: marker.Confidence,
		Ordinal:    marker.Ordinal,
	})

	// Covering the last point completed the session.
	if sess, err := rt.hub.ctrl.Get(ctx, rt.sessionID); err == nil && sess.Status.Terminal() {
		_ = conn.WriteJSON(wire.Message{Type: wire.TypeSessionStatus, Status: string(sess.Status), Ordinal: rt.nextOrdinal - 1})
	}
}

func (rt *runtime) handleEnd(ctx context.Context, conn *websocket.Conn, target store.SessionStatus) {
	var (
		sess *store.Session
		err  error
	)
	if target == store.StatusAbandoned {
		sess, err = rt.hub.ctrl.Abandon(ctx, rt.sessionID)
	} else {
		sess, err = rt.hub.ctrl.Complete(ctx, rt.sessionID)
	}
	if err != nil {
		if errors.Is(err, session.ErrTerminal) {
			rt.writeError(conn, wire.CodeTerminalSession, "session is already terminal")
		} else {
			rt.writeError(conn, wire.CodeInternal, err.Error())
		}
		return
	}
	_ = conn.WriteJSON(wire.Message{Type: wire.TypeSessionStatus, Status: string(sess.Status), Ordinal: rt.nextOrdinal - 1})
}

// commit persists a turn at the next ordinal. The serve goroutine is the only
// caller, so the ordinal counter needs no lock.
func (rt *runtime) commit(ctx context.Context, role store.Role, text string) (*store.Turn, error) {
	turn := &store.Turn{
		ID:        uuid.NewString(),
		SessionID: rt.sessionID,
		Role:      role,
		Ordinal:   rt.nextOrdinal,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := rt.hub.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	rt.nextOrdinal++
	return turn, nil
}

// speak synthesizes the tutor turn to binary frames when audio is enabled.
func (rt *runtime) speak(ctx context.Context, conn *websocket.Conn, text string) {
	if rt.hub.speech == nil {
		return
	}
	speakCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pcmCh, errCh := rt.hub.speech.StreamPCM48k(speakCtx, text)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					return
				}
			}
		case e, ok := <-errCh:
			if ok && e != nil {
				rt.hub.logf("live: session %s tts: %v", rt.sessionID, e)
			}
			openErr = false
		case <-speakCtx.Done():
			return
		}
	}
}

func (rt *runtime) writeError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(wire.Message{Type: wire.TypeError, Code: code, Message: message})
}
