// Package voice implements the capture state machine for one utterance: idle,
// recording, processing, review, error, with a correction sub-path and a text
// mode escape hatch. Exactly one state is active; transitions are the only way
// captured text changes.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kweiss/viva/internal/transcribe"
)

// Mode selects the input surface. Text mode bypasses the machine entirely.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// ErrProcessing rejects a mode switch while a transcription is in flight;
// switching then would lose the result.
var ErrProcessing = errors.New("voice: transcription in flight")

// State is the sealed set of machine states.
type State interface{ voiceState() }

// Idle is the rest state.
type Idle struct{}

// Recording carries the live capture view. Correction marks a re-speak over a
// reviewed draft; PriorText is that draft.
type Recording struct {
	Samples    []float64
	Interim    string
	Correction bool
	PriorText  string
}

// Processing awaits the final transcript.
type Processing struct {
	Correction bool
	PriorText  string
}

// Review carries the editable final text.
type Review struct {
	Text string
}

// ErrorState carries a human-readable failure; text mode remains available.
type ErrorState struct {
	Message string
}

func (Idle) voiceState()       {}
func (Recording) voiceState()  {}
func (Processing) voiceState() {}
func (Review) voiceState()     {}
func (ErrorState) voiceState() {}

// Capture abstracts the microphone plus transcription pipeline for one
// utterance. Interim and Amplitude stream while capture is open.
type Capture interface {
	// Start acquires the microphone. A permission denial surfaces here.
	Start() error
	Interim() <-chan string
	Amplitude() <-chan float64
	// Stop ends capture, flushes audio, and returns the final transcript.
	Stop(ctx context.Context) (string, error)
	// Abort ends capture discarding any result.
	Abort()
}

const defaultMaxDuration = 2 * time.Minute

// Machine is the capture state machine. All methods are safe for concurrent
// use; undefined events are no-ops per the machine's contract.
type Machine struct {
	capture Capture
	merger  transcribe.Merger
	maxDur  time.Duration

	mu    sync.Mutex
	state State
	mode  Mode
	// gen invalidates in-flight async work: completions from a previous
	// generation are discarded.
	gen      int
	quit     chan struct{}
	maxTimer *time.Timer
	// stopCancel unblocks the in-flight capture.Stop call on cancel.
	stopCancel context.CancelFunc
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxDuration caps a single recording; reaching it stops capture as if the
// user had.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Machine) { m.maxDur = d }
}

// NewMachine builds a machine over a capture pipeline. merger resolves
// corrections; nil falls back to replacement.
func NewMachine(capture Capture, merger transcribe.Merger, opts ...Option) *Machine {
	m := &Machine{
		capture: capture,
		merger:  merger,
		maxDur:  defaultMaxDuration,
		state:   Idle{},
		mode:    ModeVoice,
	}
	if m.merger == nil {
		m.merger = transcribe.ReplaceMerger{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state. Recording samples are copied so callers
// cannot observe in-place mutation.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.state.(Recording); ok {
		r.Samples = append([]float64(nil), r.Samples...)
		return r
	}
	return m.state
}

// Mode returns the current input mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// StartRecording begins capture. A no-op outside idle or in text mode; a
// microphone denial moves straight to the error state.
func (m *Machine) StartRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeVoice {
		return
	}
	if _, ok := m.state.(Idle); !ok {
		return
	}
	m.beginCaptureLocked(false, "")
}

// StartCorrection re-opens capture over the reviewed draft. A no-op outside
// review.
func (m *Machine) StartCorrection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.(Review)
	if !ok {
		return
	}
	m.beginCaptureLocked(true, r.Text)
}

func (m *Machine) beginCaptureLocked(correction bool, priorText string) {
	if err := m.capture.Start(); err != nil {
		m.state = ErrorState{Message: "microphone unavailable: " + err.Error()}
		return
	}
	m.gen++
	gen := m.gen
	m.quit = make(chan struct{})
	m.state = Recording{Correction: correction, PriorText: priorText}
	go m.pump(gen, m.quit)
	m.maxTimer = time.AfterFunc(m.maxDur, func() { m.autoStop(gen) })
}

// pump folds interim transcripts and amplitude samples into the recording
// state until capture ends.
func (m *Machine) pump(gen int, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case text, ok := <-m.capture.Interim():
			if !ok {
				return
			}
			m.mu.Lock()
			if r, live := m.state.(Recording); live && m.gen == gen {
				r.Interim = text
				m.state = r
			}
			m.mu.Unlock()
		case a, ok := <-m.capture.Amplitude():
			if !ok {
				return
			}
			m.mu.Lock()
			if r, live := m.state.(Recording); live && m.gen == gen {
				r.Samples = append(r.Samples, a)
				m.state = r
			}
			m.mu.Unlock()
		}
	}
}

func (m *Machine) autoStop(gen int) {
	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if !stale {
		m.StopRecording(context.Background())
	}
}

// StopRecording ends capture and starts transcription. A no-op outside
// recording. The transition to review (or error) completes asynchronously;
// Cancel remains available throughout.
func (m *Machine) StopRecording(ctx context.Context) {
	m.mu.Lock()
	r, ok := m.state.(Recording)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.stopCaptureLocked()
	m.state = Processing{Correction: r.Correction, PriorText: r.PriorText}
	gen := m.gen
	ctx, m.stopCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.finalize(ctx, gen, r)
}

func (m *Machine) finalize(ctx context.Context, gen int, r Recording) {
	text, err := m.capture.Stop(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.stopCancel != nil {
		m.stopCancel()
		m.stopCancel = nil
	}
	if m.gen != gen {
		// Cancelled or superseded while transcribing; result is discarded.
		return
	}
	if _, ok := m.state.(Processing); !ok {
		return
	}
	if err != nil {
		m.state = ErrorState{Message: "transcription failed: " + err.Error()}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.state = ErrorState{Message: "transcription returned no text"}
		return
	}
	if r.Correction {
		merged, err := m.merger.Merge(ctx, r.PriorText, text)
		if err != nil {
			m.state = ErrorState{Message: "correction failed: " + err.Error()}
			return
		}
		m.state = Review{Text: merged}
		return
	}
	m.state = Review{Text: text}
}

// EditReview replaces the reviewed text in place, never re-invoking
// transcription. A no-op outside review.
func (m *Machine) EditReview(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.(Review); !ok {
		return
	}
	m.state = Review{Text: text}
}

// Send takes the reviewed text and resets the machine. It returns false when
// not in review or when the trimmed text is empty: no send is possible with
// empty text.
func (m *Machine) Send() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.(Review)
	if !ok {
		return "", false
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return "", false
	}
	m.state = Idle{}
	return text, true
}

// Cancel resets to idle from any state. It aborts live capture, cancels an
// outstanding transcription call, and invalidates any late result.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	switch m.state.(type) {
	case Recording:
		m.stopCaptureLocked()
		m.capture.Abort()
	case Processing:
		if m.stopCancel != nil {
			m.stopCancel()
			m.stopCancel = nil
		}
		m.capture.Abort()
	}
	m.state = Idle{}
}

// SetMode switches the input surface. Switching away mid-processing is
// refused; otherwise voice state is discarded and the machine resets to idle.
func (m *Machine) SetMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == m.mode {
		return nil
	}
	if _, ok := m.state.(Processing); ok {
		return ErrProcessing
	}
	m.gen++
	if _, ok := m.state.(Recording); ok {
		m.stopCaptureLocked()
		m.capture.Abort()
	}
	m.state = Idle{}
	m.mode = mode
	return nil
}

// stopCaptureLocked halts the pump and the max-duration timer.
func (m *Machine) stopCaptureLocked() {
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.maxTimer != nil {
		m.maxTimer.Stop()
		m.maxTimer = nil
	}
}
