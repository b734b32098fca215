package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kweiss/viva/internal/transcribe"
)

// ErrNoRecorder means no system audio recorder is installed.
var ErrNoRecorder = errors.New("voice: no recorder found (need arecord or sox)")

// chunk size for 100ms of 16 kHz mono s16le PCM
const pcmChunkBytes = 3200

// trailingUtteranceWait bounds how long Stop waits for the streamer to
// finalize the last utterance after the recorder is killed.
const trailingUtteranceWait = 1500 * time.Millisecond

// MicCapture implements Capture over a system recorder process piped into a
// speech streamer. The recorder writes 16 kHz mono s16le PCM to stdout; a
// fresh streamer connection is opened per utterance.
type MicCapture struct {
	newStreamer func() transcribe.Streamer
	recorder    []string

	mu          sync.Mutex
	streamer    transcribe.Streamer
	cmd         *exec.Cmd
	interim     chan string
	amplitude   chan float64
	utterances  []string
	lastInterim string
	stopPump    chan struct{}
}

// NewMicCapture locates a recorder binary and returns a restartable capture.
func NewMicCapture(newStreamer func() transcribe.Streamer) (*MicCapture, error) {
	argv, err := findRecorder()
	if err != nil {
		return nil, err
	}
	return &MicCapture{newStreamer: newStreamer, recorder: argv}, nil
}

func findRecorder() ([]string, error) {
	if p, err := exec.LookPath("arecord"); err == nil {
		return []string{p, "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "raw"}, nil
	}
	if p, err := exec.LookPath("rec"); err == nil {
		return []string{p, "-q", "-t", "raw", "-b", "16", "-e", "signed", "-c", "1", "-r", "16000", "-"}, nil
	}
	return nil, ErrNoRecorder
}

func (c *MicCapture) Interim() <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interim
}

func (c *MicCapture) Amplitude() <-chan float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amplitude
}

// Start connects the streamer and spawns the recorder. A recorder spawn
// failure is how a microphone denial surfaces on this platform.
func (c *MicCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	streamer := c.newStreamer()
	if err := streamer.Connect(); err != nil {
		return fmt.Errorf("voice: connect streamer: %w", err)
	}

	cmd := exec.Command(c.recorder[0], c.recorder[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		streamer.Close()
		return fmt.Errorf("voice: recorder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		streamer.Close()
		return fmt.Errorf("voice: microphone unavailable: %w", err)
	}

	c.streamer = streamer
	c.cmd = cmd
	c.interim = make(chan string, 8)
	c.amplitude = make(chan float64, 8)
	c.utterances = nil
	c.lastInterim = ""
	c.stopPump = make(chan struct{})

	go c.pumpAudio(stdout, streamer, c.amplitude, c.stopPump)
	go c.forward(streamer, c.interim, c.stopPump)

	return nil
}

// pumpAudio reads PCM chunks off the recorder and feeds the streamer,
// emitting an RMS amplitude sample per chunk.
func (c *MicCapture) pumpAudio(r io.Reader, streamer transcribe.Streamer, amplitude chan<- float64, stop <-chan struct{}) {
	buf := make([]byte, pcmChunkBytes)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			select {
			case amplitude <- rmsLevel(buf[:n]):
			default:
			}
			if serr := streamer.SendPCM16KLE(append([]byte(nil), buf[:n]...)); serr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// forward relays streamer output, accumulating finalized utterances for Stop.
func (c *MicCapture) forward(streamer transcribe.Streamer, interim chan<- string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case text, ok := <-streamer.Interim():
			if !ok {
				return
			}
			c.mu.Lock()
			c.lastInterim = text
			c.mu.Unlock()
			select {
			case interim <- text:
			default:
			}
		case text, ok := <-streamer.Utterances():
			if !ok {
				return
			}
			c.mu.Lock()
			c.utterances = append(c.utterances, text)
			c.mu.Unlock()
		}
	}
}

// Stop kills the recorder, waits briefly for the trailing utterance to
// finalize, and returns the accumulated transcript.
func (c *MicCapture) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	streamer := c.streamer
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()
	if streamer == nil {
		return "", errors.New("voice: capture not started")
	}

	// Stopping the recorder starves the streamer of audio, letting its
	// silence detection finalize the trailing utterance.
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	deadline := time.After(trailingUtteranceWait)
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case text, ok := <-streamer.Utterances():
			if !ok {
				break wait
			}
			c.mu.Lock()
			c.utterances = append(c.utterances, text)
			c.mu.Unlock()
		}
	}

	c.teardown()

	c.mu.Lock()
	defer c.mu.Unlock()
	text := strings.TrimSpace(strings.Join(c.utterances, " "))
	if text == "" {
		// Nothing finalized; the last interim snapshot is the best we have.
		text = strings.TrimSpace(c.lastInterim)
	}
	return text, nil
}

// Abort kills the recorder and discards everything captured.
func (c *MicCapture) Abort() {
	c.teardown()
	c.mu.Lock()
	c.utterances = nil
	c.lastInterim = ""
	c.mu.Unlock()
}

func (c *MicCapture) teardown() {
	c.mu.Lock()
	streamer := c.streamer
	cmd := c.cmd
	stop := c.stopPump
	c.streamer = nil
	c.cmd = nil
	c.stopPump = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	if streamer != nil {
		_ = streamer.Close()
	}
}

// rmsLevel normalizes 16-bit PCM energy into 0..1 for the level meter.
func rmsLevel(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		sum += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(sum / float64(n))
	level := rms / 8000.0
	if level > 1 {
		level = 1
	}
	return level
}
