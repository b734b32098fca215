package eval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/store"
)

type blockingScorer struct {
	judgment *Judgment
	err      error
	release  chan struct{} // if non-nil, Score blocks until closed
	calls    int
	mu       sync.Mutex
}

func (s *blockingScorer) Score(ctx context.Context, point string, turns []store.Turn) (*Judgment, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.judgment, s.err
}

func newFixture(t *testing.T, points []string) (store.Store, *sched.Static) {
	t.Helper()
	st, err := store.New(store.DriverMemory)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var pts []sched.Point
	for _, p := range points {
		pts = append(pts, sched.Point{ID: p, RecallSetID: "set-1", Content: "content of " + p})
	}
	return st, sched.NewStatic(map[string][]sched.Point{"set-1": pts})
}

func seedSession(t *testing.T, st store.Store, points []string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:          "sess-1",
		RecallSetID: "set-1",
		Status:      store.StatusInProgress,
		StartedAt:   time.Now().UTC(),
		Points:      points,
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func appendTurn(t *testing.T, st store.Store, sessID string, ordinal int, role store.Role, text string) {
	t.Helper()
	err := st.AppendTurn(context.Background(), &store.Turn{
		ID: "t", SessionID: sessID, Role: role, Ordinal: ordinal, Text: text, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append turn %d: %v", ordinal, err)
	}
}

func TestEvaluateRecordsMarkerAndAdvances(t *testing.T) {
	st, sch := newFixture(t, []string{"p1", "p2"})
	seedSession(t, st, []string{"p1", "p2"})
	appendTurn(t, st, "sess-1", 1, store.RoleTutor, "What is p1?")
	appendTurn(t, st, "sess-1", 2, store.RoleLearner, "it is X")

	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "pass", Confidence: 0.9}}, sch)

	m, err := c.Evaluate(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if m.PointID != "p1" || m.Outcome != "pass" || m.Ordinal != 2 {
		t.Fatalf("unexpected marker: %+v", m)
	}

	sess, _ := st.GetSession(context.Background(), "sess-1")
	if sess.Cursor != 1 || sess.Status != store.StatusInProgress {
		t.Fatalf("cursor not advanced: %+v", sess)
	}
	if got := sch.Reviews(); len(got) != 1 || got[0].Outcome != "pass" {
		t.Fatalf("review not submitted: %+v", got)
	}
}

func TestEvaluateCompletesOnLastPoint(t *testing.T) {
	st, sch := newFixture(t, []string{"p1"})
	seedSession(t, st, []string{"p1"})
	appendTurn(t, st, "sess-1", 1, store.RoleLearner, "answer")

	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "fail"}}, sch)
	if _, err := c.Evaluate(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	sess, _ := st.GetSession(context.Background(), "sess-1")
	if sess.Status != store.StatusCompleted || sess.EndedAt == nil {
		t.Fatalf("session not completed: %+v", sess)
	}
}

func TestEvaluateSingleFlight(t *testing.T) {
	st, sch := newFixture(t, []string{"p1"})
	seedSession(t, st, []string{"p1"})
	appendTurn(t, st, "sess-1", 1, store.RoleLearner, "answer")

	release := make(chan struct{})
	scorer := &blockingScorer{judgment: &Judgment{Outcome: "pass"}, release: release}
	c := NewCoordinator(st, scorer, sch)

	done := make(chan error, 1)
	go func() {
		_, err := c.Evaluate(context.Background(), "sess-1")
		done <- err
	}()

	// Wait until the first call is inside the scorer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		scorer.mu.Lock()
		started := scorer.calls > 0
		scorer.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first evaluation never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Evaluate(context.Background(), "sess-1"); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	if scorer.calls != 1 {
		t.Fatalf("judge called %d times, want 1", scorer.calls)
	}
}

func TestEvaluateNothingToEvaluate(t *testing.T) {
	st, sch := newFixture(t, []string{"p1"})
	seedSession(t, st, []string{"p1"})
	appendTurn(t, st, "sess-1", 1, store.RoleTutor, "only the tutor spoke")

	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "pass"}}, sch)
	if _, err := c.Evaluate(context.Background(), "sess-1"); !errors.Is(err, ErrNothingToEvaluate) {
		t.Fatalf("expected ErrNothingToEvaluate, got %v", err)
	}
}

func TestEvaluateWindowExcludesPriorAttempt(t *testing.T) {
	st, sch := newFixture(t, []string{"p1", "p2"})
	seedSession(t, st, []string{"p1", "p2"})
	appendTurn(t, st, "sess-1", 1, store.RoleLearner, "first answer")

	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "pass"}}, sch)
	if _, err := c.Evaluate(context.Background(), "sess-1"); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}

	// No new learner turn since the marker at ordinal 1.
	appendTurn(t, st, "sess-1", 2, store.RoleTutor, "next point")
	if _, err := c.Evaluate(context.Background(), "sess-1"); !errors.Is(err, ErrNothingToEvaluate) {
		t.Fatalf("expected ErrNothingToEvaluate, got %v", err)
	}
}

func TestEvaluateTerminalSession(t *testing.T) {
	st, sch := newFixture(t, []string{"p1"})
	sess := seedSession(t, st, []string{"p1"})
	now := time.Now().UTC()
	sess.Status = store.StatusAbandoned
	sess.EndedAt = &now
	if err := st.UpdateSession(context.Background(), sess); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "pass"}}, sch)
	if _, err := c.Evaluate(context.Background(), "sess-1"); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestEvaluateDiscardsLateResult(t *testing.T) {
	st, sch := newFixture(t, []string{"p1"})
	seedSession(t, st, []string{"p1"})
	appendTurn(t, st, "sess-1", 1, store.RoleLearner, "answer")

	release := make(chan struct{})
	c := NewCoordinator(st, &blockingScorer{judgment: &Judgment{Outcome: "pass"}, release: release}, sch)

	done := make(chan error, 1)
	go func() {
		_, err := c.Evaluate(context.Background(), "sess-1")
		done <- err
	}()

	// Abandon the session while the judge is running.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, _ := st.GetSession(context.Background(), "sess-1")
		if sess != nil {
			now := time.Now().UTC()
			sess.Status = store.StatusAbandoned
			sess.EndedAt = &now
			if err := st.UpdateSession(context.Background(), sess); err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("could not abandon session")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal for late result, got %v", err)
	}
	if got := sch.Reviews(); len(got) != 0 {
		t.Fatalf("late review should be discarded: %+v", got)
	}
	tr, _ := st.GetTranscript(context.Background(), "sess-1")
	if len(tr.Evaluations) != 0 {
		t.Fatalf("late marker should be discarded: %+v", tr.Evaluations)
	}
}

func TestEvaluateUnknownSession(t *testing.T) {
	st, sch := newFixture(t, nil)
	c := NewCoordinator(st, &blockingScorer{}, sch)
	if _, err := c.Evaluate(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
