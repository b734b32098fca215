// Package session owns the study-session lifecycle: starting (or resuming)
// against a recall set, ending, and serving the persisted record. Sessions in
// a terminal status never mutate again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/store"
)

var (
	// ErrTerminal rejects mutation of a completed or abandoned session.
	ErrTerminal = errors.New("session: session is terminal")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")
	// ErrNothingDue is returned when a recall set has no points due.
	ErrNothingDue = errors.New("session: no points due for review")
)

// Controller drives session lifecycle transitions against the store.
type Controller struct {
	store store.Store
	sch   sched.Scheduler
}

// NewController wires a controller to its store and scheduler.
func NewController(st store.Store, sch sched.Scheduler) *Controller {
	return &Controller{store: st, sch: sch}
}

// Start begins a session for a recall set, or resumes the one already in
// progress. Starting is idempotent: at most one in_progress session exists per
// recall set, and repeated calls return it with resumed=true.
func (c *Controller) Start(ctx context.Context, recallSetID string) (sess *store.Session, resumed bool, err error) {
	existing, err := c.store.FindInProgress(ctx, recallSetID)
	if err != nil {
		return nil, false, fmt.Errorf("session: find in progress: %w", err)
	}
	if existing != nil {
		return existing, true, nil
	}

	due, err := c.sch.DuePoints(ctx, recallSetID)
	if err != nil {
		return nil, false, fmt.Errorf("session: fetch due points: %w", err)
	}
	if len(due) == 0 {
		return nil, false, ErrNothingDue
	}
	points := make([]string, len(due))
	for i, p := range due {
		points[i] = p.ID
	}

	sess = &store.Session{
		ID:          uuid.NewString(),
		RecallSetID: recallSetID,
		Status:      store.StatusInProgress,
		StartedAt:   time.Now().UTC(),
		Points:      points,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			// Lost a start race; the winner's session is the session.
			if existing, ferr := c.store.FindInProgress(ctx, recallSetID); ferr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("session: create: %w", err)
	}
	log.Printf("session %s started for recall set %s (%d points due)", sess.ID, recallSetID, len(points))
	return sess, false, nil
}

// Get returns a session by id.
func (c *Controller) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Abandon ends a session without covering its remaining points. Abandoning an
// already-abandoned session is a no-op; a completed session is immutable.
func (c *Controller) Abandon(ctx context.Context, id string) (*store.Session, error) {
	return c.end(ctx, id, store.StatusAbandoned)
}

// Complete marks a session finished. Completing an already-completed session
// is a no-op; an abandoned session is immutable.
func (c *Controller) Complete(ctx context.Context, id string) (*store.Session, error) {
	return c.end(ctx, id, store.StatusCompleted)
}

func (c *Controller) end(ctx context.Context, id string, target store.SessionStatus) (*store.Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Status == target {
			return sess, nil
		}
		if sess.Status.Terminal() {
			return nil, ErrTerminal
		}
		sess.Status = target
		now := time.Now().UTC()
		sess.EndedAt = &now
		err = c.store.UpdateSession(ctx, sess)
		if err == nil {
			log.Printf("session %s -> %s", id, target)
			return sess, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("session: end: %w", err)
		}
	}
	return nil, fmt.Errorf("session: end: %w", store.ErrVersionConflict)
}

// Transcript returns the full persisted record of a session.
func (c *Controller) Transcript(ctx context.Context, id string) (*store.Transcript, error) {
	tr, err := c.store.GetTranscript(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: transcript: %w", err)
	}
	return tr, nil
}
