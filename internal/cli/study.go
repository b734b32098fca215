package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kweiss/viva/internal/app"
	"github.com/kweiss/viva/internal/llm"
	"github.com/kweiss/viva/internal/protocol"
	"github.com/kweiss/viva/internal/store"
	"github.com/kweiss/viva/internal/transcribe"
	"github.com/kweiss/viva/internal/voice"
)

var studyCmd = &cobra.Command{
	Use:   "study <recall-set-id>",
	Short: "Start or resume a live study session for a recall set",
	Long: `Start a session for the given recall set and open the interactive
session view. If a session for the set is already in progress it is resumed
with its full transcript.

Voice capture needs ASSEMBLYAI_API_KEY and a system recorder (arecord or
sox); without them the session starts in text mode.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sess store.Session
		status, err := postJSON("/sessions", map[string]string{"recall_set_id": args[0]}, &sess)
		if err != nil {
			return fmt.Errorf("starting session: %w", err)
		}
		if status == http.StatusOK {
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming session %s\n", sess.ID)
		}

		machine := voice.NewMachine(newCapture(), newMerger())
		client := protocol.NewClient(liveURL(sess.ID))

		p := tea.NewProgram(app.New(client, machine), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("session view: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(studyCmd)
}

// newCapture wires the microphone when speech-to-text is configured; the
// fallback capture fails on Start, which drops the session into text mode.
func newCapture() voice.Capture {
	apiKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if apiKey == "" {
		return unavailableCapture{reason: "ASSEMBLYAI_API_KEY not set"}
	}
	mic, err := voice.NewMicCapture(func() transcribe.Streamer {
		return transcribe.NewAssemblyAIStreamer(apiKey)
	})
	if err != nil {
		return unavailableCapture{reason: err.Error()}
	}
	return mic
}

func newMerger() transcribe.Merger {
	apiKey := os.Getenv("CEREBRAS_API_KEY")
	if apiKey == "" {
		return nil
	}
	return transcribe.NewLLMMerger(llm.NewCerebrasClient(apiKey, os.Getenv("CEREBRAS_MODEL_ID")))
}

type unavailableCapture struct {
	reason string
}

func (u unavailableCapture) Start() error {
	return fmt.Errorf("voice unavailable: %s", u.reason)
}

func (u unavailableCapture) Interim() <-chan string    { return nil }
func (u unavailableCapture) Amplitude() <-chan float64 { return nil }

func (u unavailableCapture) Stop(context.Context) (string, error) {
	return "", fmt.Errorf("voice unavailable: %s", u.reason)
}

func (u unavailableCapture) Abort() {}
