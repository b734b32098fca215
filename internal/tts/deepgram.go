package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

const (
	defaultSpeakModel = "aura-2-thalia-en"
	speakSampleRate   = 48000
	speakDeadline     = 12 * time.Second
)

// DeepgramClient synthesizes tutor speech over the Deepgram speak websocket.
// Output matches the ElevenLabs client: 48 kHz linear16 PCM.
type DeepgramClient struct {
	apiKey string
	model  string
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = defaultSpeakModel
	}
	return &DeepgramClient{apiKey: apiKey, model: model}
}

// StreamPCM48k streams synthesized audio for text as PCM chunks. Both channels
// close when the stream ends.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: api key missing")
			return
		}
		if text == "" {
			return
		}
		if err := d.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()

	return pcmCh, errCh
}

func (d *DeepgramClient) stream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	sink := newSpeakSink(pcmCh)

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: speakSampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, sink)
	if err != nil {
		return fmt.Errorf("deepgram: create speak client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return fmt.Errorf("deepgram: flush: %w", err)
	}

	// The flushed event marks the end of audio for the submitted text.
	select {
	case <-sink.done:
		return sink.failure()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(speakDeadline):
		return fmt.Errorf("deepgram: timed out waiting for audio")
	}
}

// speakSink receives the speak websocket callbacks. Binary frames are copied
// onto the PCM channel; the flushed or close event ends the stream.
type speakSink struct {
	pcm  chan<- []byte
	done chan struct{}

	mu   sync.Mutex
	once sync.Once
	err  error
}

func newSpeakSink(pcm chan<- []byte) *speakSink {
	return &speakSink{pcm: pcm, done: make(chan struct{})}
}

func (s *speakSink) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *speakSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *speakSink) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case s.pcm <- b:
	default:
		// Consumer fell behind; drop the frame rather than stall the socket.
	}
	return nil
}

func (s *speakSink) Flush(*msginterfaces.FlushedResponse) error {
	s.finish(nil)
	return nil
}

func (s *speakSink) Close(*msginterfaces.CloseResponse) error {
	s.finish(nil)
	return nil
}

func (s *speakSink) Error(*msginterfaces.ErrorResponse) error {
	s.finish(fmt.Errorf("deepgram: speak stream error"))
	return nil
}

func (s *speakSink) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakSink) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakSink) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakSink) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakSink) UnhandledEvent([]byte) error                    { return nil }
