package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	stopText string
	stopErr  error
	// release, when non-nil, blocks Stop until closed.
	release chan struct{}
	// stopCtxErr records a Stop call unblocked by context cancellation.
	stopCtxErr error

	interim chan string
	amp     chan float64

	starts int
	aborts int
}

func newFakeCapture(stopText string) *fakeCapture {
	return &fakeCapture{
		stopText: stopText,
		interim:  make(chan string, 10),
		amp:      make(chan float64, 10),
	}
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	return nil
}

func (c *fakeCapture) Interim() <-chan string    { return c.interim }
func (c *fakeCapture) Amplitude() <-chan float64 { return c.amp }

func (c *fakeCapture) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	release := c.release
	text, err := c.stopText, c.stopErr
	c.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			c.mu.Lock()
			c.stopCtxErr = ctx.Err()
			c.mu.Unlock()
			return "", ctx.Err()
		}
	}
	return text, err
}

func (c *fakeCapture) Abort() {
	c.mu.Lock()
	c.aborts++
	c.mu.Unlock()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestRecordTranscribeReviewSend(t *testing.T) {
	cap := newFakeCapture("mitochondria produce ATP")
	m := NewMachine(cap, nil)

	m.StartRecording()
	if _, ok := m.State().(Recording); !ok {
		t.Fatalf("expected recording, got %T", m.State())
	}

	// Interim text and amplitude flow into the recording state.
	cap.interim <- "mitochondria"
	cap.amp <- 0.4
	eventually(t, func() bool {
		r, ok := m.State().(Recording)
		return ok && r.Interim == "mitochondria" && len(r.Samples) == 1
	})

	m.StopRecording(context.Background())
	eventually(t, func() bool {
		_, ok := m.State().(Review)
		return ok
	})
	if r := m.State().(Review); r.Text != "mitochondria produce ATP" {
		t.Fatalf("unexpected review text: %q", r.Text)
	}

	text, ok := m.Send()
	if !ok || text != "mitochondria produce ATP" {
		t.Fatalf("send = %q, %v", text, ok)
	}
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected idle after send, got %T", m.State())
	}
}

func TestNoOpEvents(t *testing.T) {
	cap := newFakeCapture("text")
	m := NewMachine(cap, nil)

	// stopRecording in idle is a no-op.
	m.StopRecording(context.Background())
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected idle, got %T", m.State())
	}

	// send outside review is ignored.
	if _, ok := m.Send(); ok {
		t.Fatal("send should fail outside review")
	}

	// A second startRecording while recording is a no-op.
	m.StartRecording()
	m.StartRecording()
	if cap.starts != 1 {
		t.Fatalf("capture started %d times, want 1", cap.starts)
	}
}

func TestMicrophoneDenied(t *testing.T) {
	cap := newFakeCapture("")
	cap.startErr = errors.New("permission denied")
	m := NewMachine(cap, nil)

	m.StartRecording()
	st, ok := m.State().(ErrorState)
	if !ok {
		t.Fatalf("expected error state, got %T", m.State())
	}
	if st.Message == "" {
		t.Fatal("expected a message")
	}

	// Text mode stays available from the error state.
	if err := m.SetMode(ModeText); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
}

func TestEmptyTranscriptionIsError(t *testing.T) {
	cap := newFakeCapture("   ")
	m := NewMachine(cap, nil)

	m.StartRecording()
	m.StopRecording(context.Background())
	eventually(t, func() bool {
		_, ok := m.State().(ErrorState)
		return ok
	})
}

func TestCorrectionMergesOverDraft(t *testing.T) {
	cap := newFakeCapture("the outer membrane")
	m := NewMachine(cap, nil) // ReplaceMerger

	m.StartRecording()
	m.StopRecording(context.Background())
	eventually(t, func() bool {
		_, ok := m.State().(Review)
		return ok
	})

	cap.mu.Lock()
	cap.stopText = "no, the inner membrane"
	cap.mu.Unlock()

	m.StartCorrection()
	r, ok := m.State().(Recording)
	if !ok || !r.Correction || r.PriorText != "the outer membrane" {
		t.Fatalf("expected correction recording with prior text, got %#v", m.State())
	}

	m.StopRecording(context.Background())
	eventually(t, func() bool {
		rev, ok := m.State().(Review)
		return ok && rev.Text == "no, the inner membrane"
	})
}

func TestEditReviewNeverRetranscribes(t *testing.T) {
	cap := newFakeCapture("drafty text")
	m := NewMachine(cap, nil)

	m.StartRecording()
	m.StopRecording(context.Background())
	eventually(t, func() bool {
		_, ok := m.State().(Review)
		return ok
	})

	m.EditReview("edited text")
	if r := m.State().(Review); r.Text != "edited text" {
		t.Fatalf("unexpected review text: %q", r.Text)
	}

	// Whitespace-only edits block send.
	m.EditReview("   ")
	if _, ok := m.Send(); ok {
		t.Fatal("send should reject whitespace-only text")
	}
}

func TestCancelDuringProcessingDiscardsResult(t *testing.T) {
	cap := newFakeCapture("late result")
	cap.release = make(chan struct{})
	m := NewMachine(cap, nil)

	m.StartRecording()
	m.StopRecording(context.Background())
	if _, ok := m.State().(Processing); !ok {
		t.Fatalf("expected processing, got %T", m.State())
	}

	m.Cancel()
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected idle after cancel, got %T", m.State())
	}

	close(cap.release)
	// The late transcription result must not resurrect the machine.
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("late result changed state to %T", m.State())
	}
}

func TestCancelDuringProcessingAbortsTranscription(t *testing.T) {
	cap := newFakeCapture("late result")
	cap.release = make(chan struct{})
	m := NewMachine(cap, nil)

	m.StartRecording()
	m.StopRecording(context.Background())
	if _, ok := m.State().(Processing); !ok {
		t.Fatalf("expected processing, got %T", m.State())
	}

	m.Cancel()
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected idle after cancel, got %T", m.State())
	}

	// The outstanding Stop call is cancelled rather than left running; the
	// capture is aborted without waiting for the recognizer.
	eventually(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.stopCtxErr != nil && cap.aborts == 1
	})
}

func TestModeSwitch(t *testing.T) {
	cap := newFakeCapture("text")
	cap.release = make(chan struct{})
	m := NewMachine(cap, nil)

	// Mid-processing switches are refused.
	m.StartRecording()
	m.StopRecording(context.Background())
	if err := m.SetMode(ModeText); !errors.Is(err, ErrProcessing) {
		t.Fatalf("expected ErrProcessing, got %v", err)
	}
	close(cap.release)
	m.Cancel()

	// Switching from recording aborts capture and resets.
	m.StartRecording()
	if err := m.SetMode(ModeText); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if cap.aborts == 0 {
		t.Fatal("expected capture abort on mode switch")
	}
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected idle, got %T", m.State())
	}

	// Text mode disables recording.
	m.StartRecording()
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("recording should be a no-op in text mode, got %T", m.State())
	}
}

func TestMaxDurationAutoStops(t *testing.T) {
	cap := newFakeCapture("cut off utterance")
	m := NewMachine(cap, nil, WithMaxDuration(10*time.Millisecond))

	m.StartRecording()
	eventually(t, func() bool {
		_, ok := m.State().(Review)
		return ok
	})
}
