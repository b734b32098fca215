package app

import (
	"context"
	"testing"
	"time"

	"github.com/kweiss/viva/internal/protocol"
	"github.com/kweiss/viva/internal/voice"
	"github.com/kweiss/viva/internal/wire"

	tea "github.com/charmbracelet/bubbletea"
)

type stubCapture struct{}

func (stubCapture) Start() error                         { return nil }
func (stubCapture) Interim() <-chan string               { return nil }
func (stubCapture) Amplitude() <-chan float64            { return nil }
func (stubCapture) Stop(context.Context) (string, error) { return "a stub answer", nil }
func (stubCapture) Abort()                               {}

func newTestModel() Model {
	client := protocol.NewClient("ws://localhost/live/none")
	machine := voice.NewMachine(stubCapture{}, nil)
	m := New(client, machine)
	m.width = 80
	m.height = 24
	return m
}

func TestNewModel(t *testing.T) {
	m := newTestModel()
	if m.connected {
		t.Error("new model should not be connected")
	}
	if m.mode != voice.ModeVoice {
		t.Error("new model should start in voice mode")
	}
	if !m.liveScroll {
		t.Error("new model should follow the transcript live")
	}
	if _, ok := m.voiceState.(voice.Idle); !ok {
		t.Errorf("voice state = %T, want Idle", m.voiceState)
	}
}

func TestTurnAppendEvent(t *testing.T) {
	m := newTestModel()
	m.connected = true

	m.handleEvent(wire.Message{Type: wire.TypeTurnAppend, Role: "tutor", Text: "What is a monad?", Ordinal: 1})
	m.handleEvent(wire.Message{Type: wire.TypeTurnAppend, Role: "learner", Text: "A monoid in disguise", Ordinal: 2})

	if len(m.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.entries))
	}
	if m.entries[0].Role != "tutor" || m.entries[0].Ordinal != 1 {
		t.Errorf("entries[0] = %+v", m.entries[0])
	}
	if m.entries[1].Role != "learner" {
		t.Errorf("entries[1].Role = %q", m.entries[1].Role)
	}
}

func TestRabbitholeBreadcrumb(t *testing.T) {
	m := newTestModel()

	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeTrig, Topic: "closures", Depth: 1})
	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeTrig, Topic: "escape analysis", Depth: 2})
	if len(m.breadcrumb) != 2 {
		t.Fatalf("breadcrumb = %v, want 2 topics", m.breadcrumb)
	}

	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeReturn, Topic: "escape analysis", Depth: 1})
	if len(m.breadcrumb) != 1 || m.breadcrumb[0] != "closures" {
		t.Errorf("breadcrumb after return = %v", m.breadcrumb)
	}

	// A return with nothing open is ignored, not a crash.
	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeReturn})
	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeReturn})
	if len(m.breadcrumb) != 0 {
		t.Errorf("breadcrumb = %v, want empty", m.breadcrumb)
	}
}

func TestTurnDepthFollowsBreadcrumb(t *testing.T) {
	m := newTestModel()

	m.handleEvent(wire.Message{Type: wire.TypeTurnAppend, Role: "tutor", Text: "main line", Ordinal: 1})
	m.handleEvent(wire.Message{Type: wire.TypeRabbitholeTrig, Topic: "aside", Depth: 1})
	m.handleEvent(wire.Message{Type: wire.TypeTurnAppend, Role: "learner", Text: "digressing", Ordinal: 2})

	if m.entries[0].Depth != 0 {
		t.Errorf("entries[0].Depth = %d, want 0", m.entries[0].Depth)
	}
	if m.entries[1].Depth != 1 {
		t.Errorf("entries[1].Depth = %d, want 1", m.entries[1].Depth)
	}
}

func TestEvaluationResultEvent(t *testing.T) {
	m := newTestModel()
	conf := 0.85

	m.handleEvent(wire.Message{
		Type:       wire.TypeEvaluationResult,
		PointID:    "pt-1",
		Outcome:    "pass",
		Confidence: &conf,
	})

	if m.lastEval == nil {
		t.Fatal("lastEval not set")
	}
	if m.lastEval.Outcome != "pass" || m.lastEval.PointID != "pt-1" {
		t.Errorf("lastEval = %+v", m.lastEval)
	}
}

func TestSessionStatusEvent(t *testing.T) {
	m := newTestModel()

	m.handleEvent(wire.Message{Type: wire.TypeSessionStatus, Status: "in_progress"})
	if m.terminal() {
		t.Error("in_progress should not be terminal")
	}

	m.handleEvent(wire.Message{Type: wire.TypeSessionStatus, Status: "completed"})
	if !m.terminal() {
		t.Error("completed should be terminal")
	}
}

func TestTransientErrorEvent(t *testing.T) {
	m := newTestModel()

	cmd := m.handleEvent(wire.Message{Type: wire.TypeError, Code: wire.CodeEmptyTurn, Message: "empty turn"})
	if m.errorMessage != "empty turn" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
	if cmd == nil {
		t.Error("transient error should schedule a clear")
	}

	cmd = m.handleEvent(wire.Message{Type: wire.TypeError, Code: wire.CodeTerminalSession, Message: "done"})
	if cmd != nil {
		t.Error("terminal error should stick")
	}
}

func TestTextComposerEditing(t *testing.T) {
	m := newTestModel()
	m.mode = voice.ModeText

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hi")})
	model := updated.(Model)
	if model.input != "hi" {
		t.Errorf("input = %q, want %q", model.input, "hi")
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeySpace})
	model = updated.(Model)
	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	model = updated.(Model)
	if model.input != "hi x" {
		t.Errorf("input = %q, want %q", model.input, "hi x")
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	model = updated.(Model)
	if model.input != "hi " {
		t.Errorf("input after backspace = %q", model.input)
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	model = updated.(Model)
	if model.input != "" {
		t.Errorf("input after esc = %q", model.input)
	}
}

func TestTextSendRequiresConnection(t *testing.T) {
	m := newTestModel()
	m.mode = voice.ModeText
	m.input = "an answer"

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model := updated.(Model)
	if cmd != nil {
		t.Error("send while disconnected should not dispatch")
	}
	if model.input != "an answer" {
		t.Error("composer should keep the draft while disconnected")
	}

	model.connected = true
	updated, cmd = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = updated.(Model)
	if cmd == nil {
		t.Error("send while connected should dispatch")
	}
	if model.input != "" {
		t.Error("composer should clear after dispatch")
	}
}

func TestReviewSendKeepsDraftWhileDisconnected(t *testing.T) {
	m := newTestModel()
	m.machine.StartRecording()
	m.machine.StopRecording(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.machine.State().(voice.Review); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("machine never reached review")
		}
		time.Sleep(time.Millisecond)
	}
	m.voiceState = m.machine.State()

	// Channel down: enter must not consume the reviewed text.
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model := updated.(Model)
	if cmd != nil {
		t.Error("send while disconnected should not dispatch")
	}
	r, ok := model.machine.State().(voice.Review)
	if !ok {
		t.Fatalf("machine state = %T, want Review", model.machine.State())
	}
	if r.Text != "a stub answer" {
		t.Errorf("draft = %q, want it kept for resend", r.Text)
	}

	model.connected = true
	updated, cmd = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = updated.(Model)
	if cmd == nil {
		t.Error("send while connected should dispatch")
	}
	if _, ok := model.machine.State().(voice.Idle); !ok {
		t.Errorf("machine state after send = %T, want Idle", model.machine.State())
	}
}

func TestSpaceStartsAndCancelsRecording(t *testing.T) {
	m := newTestModel()
	m.connected = true

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeySpace})
	model := updated.(Model)
	if _, ok := model.voiceState.(voice.Recording); !ok {
		t.Fatalf("voice state = %T, want Recording", model.voiceState)
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	model = updated.(Model)
	if _, ok := model.voiceState.(voice.Idle); !ok {
		t.Errorf("voice state after esc = %T, want Idle", model.voiceState)
	}
}

func TestViewWithoutSize(t *testing.T) {
	client := protocol.NewClient("ws://localhost/live/none")
	machine := voice.NewMachine(stubCapture{}, nil)
	m := New(client, machine)

	if view := m.View(); view != "Initializing..." {
		t.Errorf("view without size = %q, want 'Initializing...'", view)
	}
}

func TestViewRendersWithSize(t *testing.T) {
	m := newTestModel()
	m.connected = true
	m.handleEvent(wire.Message{Type: wire.TypeTurnAppend, Role: "tutor", Text: "hello", Ordinal: 1})

	if view := m.View(); view == "" || view == "Initializing..." {
		t.Error("view should render transcript with size set")
	}
}
