package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/kweiss/viva/internal/eval"
	"github.com/kweiss/viva/internal/live"
	"github.com/kweiss/viva/internal/replay"
	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/session"
	"github.com/kweiss/viva/internal/store"
	"github.com/kweiss/viva/internal/tutor"
)

type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, point string, turns []store.Turn) (*eval.Judgment, error) {
	return &eval.Judgment{Outcome: "pass", Confidence: 1}, nil
}

type stubGen struct{}

func (stubGen) Generate(ctx context.Context, system, user string) (string, error) {
	return "What do you remember?", nil
}

func newTestServer(t *testing.T) (*echo.Echo, *session.Controller) {
	t.Helper()
	st, err := store.New(store.DriverMemory)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sch := sched.NewStatic(map[string][]sched.Point{
		"set-1": {{ID: "p1", RecallSetID: "set-1", Content: "a fact"}},
	})
	ctrl := session.NewController(st, sch)
	coord := eval.NewCoordinator(st, stubScorer{}, sch)
	hub := live.NewHub(ctrl, coord, tutor.NewEngine(stubGen{}), st, sch, nil)

	e := New()
	NewServer(ctrl, hub).Register(e)
	return e, ctrl
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	return w
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t)
	w := doJSON(e, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartSession(t *testing.T) {
	e, _ := newTestServer(t)

	w := doJSON(e, http.MethodPost, "/sessions", `{"recall_set_id":"set-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var first store.Session
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Starting again resumes.
	w2 := doJSON(e, http.MethodPost, "/sessions", `{"recall_set_id":"set-1"}`)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 on resume, got %d", w2.Code)
	}
	var second store.Session
	if err := json.Unmarshal(w2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("resume returned different session: %s vs %s", second.ID, first.ID)
	}
}

func TestStartSessionBadRequest(t *testing.T) {
	e, _ := newTestServer(t)
	if w := doJSON(e, http.MethodPost, "/sessions", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := doJSON(e, http.MethodPost, "/sessions", `not-json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
}

func TestStartSessionNothingDue(t *testing.T) {
	e, _ := newTestServer(t)
	if w := doJSON(e, http.MethodPost, "/sessions", `{"recall_set_id":"unknown-set"}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e, _ := newTestServer(t)
	if w := doJSON(e, http.MethodGet, "/sessions/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAbandonSession(t *testing.T) {
	e, ctrl := newTestServer(t)
	sess, _, err := ctrl.Start(context.Background(), "set-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	w := doJSON(e, http.MethodPost, "/sessions/"+sess.ID+"/abandon", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Abandoning again is a no-op, still 200.
	if w := doJSON(e, http.MethodPost, "/sessions/"+sess.ID+"/abandon", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat abandon, got %d", w.Code)
	}

	// A completed session cannot be abandoned.
	sess2, _, err := ctrl.Start(context.Background(), "set-1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if _, err := ctrl.Complete(context.Background(), sess2.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if w := doJSON(e, http.MethodPost, "/sessions/"+sess2.ID+"/abandon", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestTranscriptAndReplay(t *testing.T) {
	e, ctrl := newTestServer(t)
	sess, _, err := ctrl.Start(context.Background(), "set-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	w := doJSON(e, http.MethodGet, "/sessions/"+sess.ID+"/transcript", "")
	if w.Code != http.StatusOK {
		t.Fatalf("transcript: expected 200, got %d", w.Code)
	}
	var tr store.Transcript
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.Session == nil || tr.Session.ID != sess.ID {
		t.Fatalf("unexpected transcript: %+v", tr)
	}

	w2 := doJSON(e, http.MethodGet, "/sessions/"+sess.ID+"/replay", "")
	if w2.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w2.Code)
	}
	var tl replay.Timeline
	if err := json.Unmarshal(w2.Body.Bytes(), &tl); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}

	if w := doJSON(e, http.MethodGet, "/sessions/missing/replay", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
