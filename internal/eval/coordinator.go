package eval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/store"
)

var (
	// ErrPending rejects an evaluation request while one is already running
	// for the session.
	ErrPending = errors.New("eval: evaluation already in flight")
	// ErrNothingToEvaluate is returned when the learner has not spoken since
	// the last evaluation, or coverage is already exhausted.
	ErrNothingToEvaluate = errors.New("eval: nothing to evaluate")
	// ErrSessionTerminal rejects evaluation of a completed or abandoned
	// session; it also discards results that finished after the session
	// ended.
	ErrSessionTerminal = errors.New("eval: session is terminal")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("eval: session not found")
)

// Coordinator runs at most one evaluation per session at a time. A successful
// evaluation submits the outcome to the scheduler, records a marker, and
// advances the session cursor; covering the last point completes the session.
type Coordinator struct {
	store  store.Store
	scorer Scorer
	sch    sched.Scheduler

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCoordinator wires the coordinator to its store, scorer and scheduler.
func NewCoordinator(st store.Store, scorer Scorer, sch sched.Scheduler) *Coordinator {
	return &Coordinator{
		store:    st,
		scorer:   scorer,
		sch:      sch,
		inFlight: make(map[string]bool),
	}
}

// Evaluate judges the learner's attempt at the session's current recall point
// and returns the recorded marker. Concurrent calls for the same session get
// ErrPending rather than a second judge call.
func (c *Coordinator) Evaluate(ctx context.Context, sessionID string) (*store.EvaluationMarker, error) {
	c.mu.Lock()
	if c.inFlight[sessionID] {
		c.mu.Unlock()
		return nil, ErrPending
	}
	c.inFlight[sessionID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, sessionID)
		c.mu.Unlock()
	}()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eval: load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionTerminal
	}
	pointID := sess.CurrentPoint()
	if pointID == "" {
		return nil, ErrNothingToEvaluate
	}

	turns, err := c.store.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eval: load turns: %w", err)
	}
	attempt := c.attemptWindow(ctx, sessionID, turns)
	if !hasLearnerTurn(attempt) {
		return nil, ErrNothingToEvaluate
	}
	lastOrdinal := turns[len(turns)-1].Ordinal

	judgment, err := c.scorer.Score(ctx, c.pointContent(ctx, sess.RecallSetID, pointID), attempt)
	if err != nil {
		return nil, fmt.Errorf("eval: score point %s: %w", pointID, err)
	}

	// The judge call can take seconds; the session may have ended underneath
	// it. A terminal session takes no late results.
	sess, err = c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eval: reload session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		log.Printf("eval: discarding late result for terminal session %s (point %s)", sessionID, pointID)
		return nil, ErrSessionTerminal
	}

	now := time.Now().UTC()
	confidence := judgment.Confidence
	if err := c.sch.SubmitReview(ctx, sched.Review{
		PointID:    pointID,
		SessionID:  sessionID,
		Outcome:    judgment.Outcome,
		Confidence: &confidence,
		ReviewedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("eval: submit review: %w", err)
	}

	marker := &store.EvaluationMarker{
		SessionID:  sessionID,
		PointID:    pointID,
		Outcome:    judgment.Outcome,
		Confidence: &confidence,
		Ordinal:    lastOrdinal,
		CreatedAt:  now,
	}
	if err := c.store.AddEvaluation(ctx, marker); err != nil {
		return nil, fmt.Errorf("eval: record marker: %w", err)
	}

	if err := c.advance(ctx, sessionID); err != nil {
		return nil, err
	}
	return marker, nil
}

// pointContent resolves a point id to its content for the judge prompt. The
// id itself is the fallback when the scheduler no longer reports the point.
func (c *Coordinator) pointContent(ctx context.Context, recallSetID, pointID string) string {
	pts, err := c.sch.DuePoints(ctx, recallSetID)
	if err != nil {
		return pointID
	}
	for _, p := range pts {
		if p.ID == pointID && p.Content != "" {
			return p.Content
		}
	}
	return pointID
}

// attemptWindow returns the turns produced since the previous evaluation; they
// are the material the judge sees.
func (c *Coordinator) attemptWindow(ctx context.Context, sessionID string, turns []store.Turn) []store.Turn {
	tr, err := c.store.GetTranscript(ctx, sessionID)
	if err != nil || tr == nil {
		return turns
	}
	lastEval := 0
	for _, m := range tr.Evaluations {
		if m.Ordinal > lastEval {
			lastEval = m.Ordinal
		}
	}
	var window []store.Turn
	for _, t := range turns {
		if t.Ordinal > lastEval {
			window = append(window, t)
		}
	}
	return window
}

// advance moves the cursor past the just-covered point, completing the session
// when coverage is exhausted. Version conflicts are retried against a fresh
// read since cursor advancement is the only writer racing here.
func (c *Coordinator) advance(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("eval: reload for advance: %w", err)
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		if sess.Status.Terminal() {
			return nil
		}
		sess.Cursor++
		if sess.Cursor >= len(sess.Points) {
			sess.Status = store.StatusCompleted
			now := time.Now().UTC()
			sess.EndedAt = &now
		}
		err = c.store.UpdateSession(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("eval: advance cursor: %w", err)
		}
	}
	return fmt.Errorf("eval: advance cursor: %w", store.ErrVersionConflict)
}

func hasLearnerTurn(turns []store.Turn) bool {
	for _, t := range turns {
		if t.Role == store.RoleLearner {
			return true
		}
	}
	return false
}
