// Package transcribe streams learner speech to text. The streamer emits
// interim transcripts while the learner talks and finalizes an utterance only
// after sustained silence, so half-finished sentences are not cut off.
package transcribe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// silenceThreshold is the base inactivity window required before an utterance
// is considered complete. Conservative to avoid cutting the learner mid-answer.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the threshold when the last word suggests
// the learner is about to continue ("and", "because", "um", ...).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late ASR updates after the threshold fires.
const stabilizationGrace = 250 * time.Millisecond

// Streamer is the speech-to-text capture surface the voice state machine
// consumes.
type Streamer interface {
	Connect() error
	// SendPCM16KLE feeds 16-bit little-endian mono PCM at 16 kHz.
	SendPCM16KLE(pcm []byte) error
	// Interim streams in-flight transcript snapshots for live display.
	Interim() <-chan string
	// Utterances emits each finalized utterance once, after sustained silence.
	Utterances() <-chan string
	// RecentlyDetectedVoice reports whether voice energy was observed within
	// the given window.
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// AssemblyAIStreamer implements Streamer over the AssemblyAI v3 streaming API.
type AssemblyAIStreamer struct {
	apiKey    string
	conn      *websocket.Conn
	interim   chan string
	finalCh   chan string
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool

	// utterance accumulation
	accMu         sync.Mutex
	latestFull    string
	committedFull string
	lastUpdate    time.Time
	silenceTimer  *time.Timer
	lastVoice     time.Time
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIStreamer creates a streamer; Connect must be called before use.
func NewAssemblyAIStreamer(apiKey string) *AssemblyAIStreamer {
	return &AssemblyAIStreamer{
		apiKey:    apiKey,
		interim:   make(chan string, 100),
		finalCh:   make(chan string, 10),
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

func (s *AssemblyAIStreamer) Interim() <-chan string    { return s.interim }
func (s *AssemblyAIStreamer) Utterances() <-chan string { return s.finalCh }

// Connect establishes the WebSocket connection to AssemblyAI.
func (s *AssemblyAIStreamer) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("transcribe: AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	headers := map[string][]string{"Authorization": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("transcribe: AssemblyAI connection failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("transcribe: connect to AssemblyAI: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdate = time.Now()
	s.lastVoice = time.Now()

	go s.handleMessages()
	go s.pumpAudio()

	log.Println("transcribe: connected to AssemblyAI streaming service")
	return nil
}

// SendPCM16KLE queues audio for transmission. A full buffer drops the packet
// rather than stalling capture.
func (s *AssemblyAIStreamer) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("transcribe: not connected")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audioData <- pcm:
	default:
		log.Println("transcribe: audio buffer full, dropping packet")
	}
	return nil
}

// detectVoiceActivity updates lastVoice when the PCM buffer carries voice
// energy above an RMS threshold.
func (s *AssemblyAIStreamer) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether voice energy was observed within the
// given window.
func (s *AssemblyAIStreamer) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the stream, flushing any uncommitted transcript first.
func (s *AssemblyAIStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPending()
	close(s.audioData)
	close(s.interim)
	close(s.finalCh)
	log.Println("transcribe: AssemblyAI connection closed")
	return nil
}

func (s *AssemblyAIStreamer) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transcribe: recovered in handleMessages: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("transcribe: read: %v", err)
				return
			}
			s.processMessage(message)
		}
	}
}

func (s *AssemblyAIStreamer) processMessage(message []byte) {
	var base map[string]interface{}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("transcribe: unmarshal: %v", err)
		return
	}
	msgType, _ := base["type"].(string)
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("transcribe: session began: ID=%s", msg.ID)
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		select {
		case s.interim <- msg.Transcript:
		default:
		}
		s.accMu.Lock()
		s.latestFull = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		s.flushPending()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("transcribe: AssemblyAI error: %s", msg.Error)
	default:
		log.Printf("transcribe: unknown message type: %s", msgType)
	}
}

// finalizeDueToSilence fires after the silence threshold. It emits only the
// delta since the last committed transcript, and reschedules itself when the
// learner is still producing text or voice energy.
func (s *AssemblyAIStreamer) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := silenceThreshold
	if continuationLikely(s.latestFull) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdate
	s.accMu.Unlock()

	// Grace period to catch late transcript updates.
	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdate.After(lastUpdateAt) {
		wait := silenceThreshold
		if continuationLikely(s.latestFull) {
			wait += continuationExtension
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}
	delta := s.takeDeltaLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// Deliver without dropping; every finalized word must reach the client.
	select {
	case <-s.stopCh:
	case s.finalCh <- delta:
	}
}

// takeDeltaLocked computes the uncommitted transcript suffix and commits it.
// Caller holds accMu.
func (s *AssemblyAIStreamer) takeDeltaLocked() string {
	latest := s.latestFull
	base := s.committedFull
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committedFull = latest
	return delta
}

// flushPending sends any remaining uncommitted delta, best-effort.
func (s *AssemblyAIStreamer) flushPending() {
	s.accMu.Lock()
	delta := s.takeDeltaLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.finalCh <- delta:
	case <-time.After(200 * time.Millisecond):
		log.Printf("transcribe: flush timed out delivering final delta")
	}
}

func (s *AssemblyAIStreamer) pumpAudio() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transcribe: recovered in pumpAudio: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
					log.Printf("transcribe: send audio: %v", err)
					return
				}
			}
		}
	}
}

// continuationLikely reports whether the last meaningful word suggests the
// speaker will continue (conjunctions, prepositions, fillers).
func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
