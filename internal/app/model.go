package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kweiss/viva/internal/protocol"
	"github.com/kweiss/viva/internal/ui"
	"github.com/kweiss/viva/internal/voice"
	"github.com/kweiss/viva/internal/wire"

	tea "github.com/charmbracelet/bubbletea"
)

// TurnEntry is a committed turn for display.
type TurnEntry struct {
	Role    string
	Text    string
	Ordinal int
	Depth   int
}

// EvalDisplay holds the most recent evaluation result.
type EvalDisplay struct {
	PointID    string
	Outcome    string
	Confidence *float64
}

// Model is the root bubbletea model for the viva session TUI.
type Model struct {
	client  *protocol.Client
	machine *voice.Machine

	// Connection state
	connected bool
	connError string
	closed    bool

	// Session state
	status     string
	entries    []TurnEntry
	typing     string
	breadcrumb []string
	lastEval   *EvalDisplay

	// Voice state, polled from the capture machine
	voiceState voice.State
	mode       voice.Mode
	amplitude  float64

	// Text-mode composer
	input string

	// UI state
	width      int
	height     int
	scroll     int
	liveScroll bool

	// Errors
	errorMessage   string
	errorTransient bool
}

// New creates a Model over an established session channel and capture machine.
func New(client *protocol.Client, machine *voice.Machine) Model {
	return Model{
		client:     client,
		machine:    machine,
		voiceState: voice.Idle{},
		mode:       voice.ModeVoice,
		liveScroll: true,
	}
}

// Init connects the channel and starts the voice poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(connectCmd(m.client), voiceTickCmd())
}

func connectCmd(client *protocol.Client) tea.Cmd {
	return func() tea.Msg {
		if err := client.Connect(context.Background()); err != nil {
			return ChannelConnectErrorMsg{Err: err}
		}
		return ChannelConnectedMsg{}
	}
}

// readEventCmd reads the next committed frame off the channel.
func readEventCmd(client *protocol.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-client.Events()
		if !ok {
			return ChannelClosedMsg{}
		}
		return ChannelEventMsg{Event: ev}
	}
}

func voiceTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(time.Time) tea.Msg {
		return VoiceTickMsg{}
	})
}

func sendTurnCmd(client *protocol.Client, text string) tea.Cmd {
	return func() tea.Msg {
		if err := client.SendTurn(text); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func requestEvaluationCmd(client *protocol.Client) tea.Cmd {
	return func() tea.Msg {
		if err := client.RequestEvaluation(); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func endSessionCmd(client *protocol.Client) tea.Cmd {
	return func() tea.Msg {
		if err := client.EndSession(); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func abandonSessionCmd(client *protocol.Client) tea.Cmd {
	return func() tea.Msg {
		if err := client.AbandonSession(); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ChannelConnectedMsg:
		m.connected = true
		m.connError = ""
		return m, readEventCmd(m.client)

	case ChannelConnectErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		return m, nil

	case ChannelEventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, readEventCmd(m.client))

	case ChannelClosedMsg:
		m.connected = false
		m.closed = true
		return m, nil

	case SendErrorMsg:
		m.errorMessage = msg.Err.Error()
		m.errorTransient = true
		return m, clearTransientErrorCmd()

	case VoiceTickMsg:
		m.pollVoice()
		if m.closed {
			return m, nil
		}
		return m, voiceTickCmd()

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// pollVoice copies the capture machine's current view into the model.
func (m *Model) pollVoice() {
	m.voiceState = m.machine.State()
	m.mode = m.machine.Mode()
	m.typing = m.client.Typing()
	if rec, ok := m.voiceState.(voice.Recording); ok && len(rec.Samples) > 0 {
		m.amplitude = rec.Samples[len(rec.Samples)-1]
	} else {
		m.amplitude = 0
	}
}

// handleEvent folds one committed frame into display state.
func (m *Model) handleEvent(ev wire.Message) tea.Cmd {
	switch ev.Type {
	case wire.TypeTurnAppend:
		m.entries = append(m.entries, TurnEntry{
			Role:    ev.Role,
			Text:    ev.Text,
			Ordinal: ev.Ordinal,
			Depth:   len(m.breadcrumb),
		})
		if m.liveScroll {
			m.scroll = m.maxScroll()
		}

	case wire.TypeRabbitholeTrig:
		m.breadcrumb = append(m.breadcrumb, ev.Topic)

	case wire.TypeRabbitholeReturn:
		if len(m.breadcrumb) > 0 {
			m.breadcrumb = m.breadcrumb[:len(m.breadcrumb)-1]
		}

	case wire.TypeEvaluationResult:
		m.lastEval = &EvalDisplay{
			PointID:    ev.PointID,
			Outcome:    ev.Outcome,
			Confidence: ev.Confidence,
		}

	case wire.TypeSessionStatus:
		m.status = ev.Status

	case wire.TypeError:
		m.errorMessage = ev.Message
		if ev.Code != wire.CodeTerminalSession && ev.Code != wire.CodeSessionBusy {
			m.errorTransient = true
			return clearTransientErrorCmd()
		}
	}

	return nil
}

func (m Model) terminal() bool {
	return m.status == "completed" || m.status == "abandoned"
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch key {
	case KeyQuit:
		m.machine.Cancel()
		m.client.Close()
		return m, tea.Quit

	case KeyToggleMode:
		target := voice.ModeText
		if m.mode == voice.ModeText {
			target = voice.ModeVoice
		}
		if err := m.machine.SetMode(target); err != nil {
			m.errorMessage = "transcription still in flight"
			m.errorTransient = true
			return m, clearTransientErrorCmd()
		}
		m.mode = target
		m.input = ""
		return m, nil

	case KeyEvaluate:
		if !m.connected || m.terminal() {
			return m, nil
		}
		return m, requestEvaluationCmd(m.client)

	case KeyComplete:
		if !m.connected || m.terminal() {
			return m, nil
		}
		return m, endSessionCmd(m.client)

	case KeyAbandon:
		if !m.connected || m.terminal() {
			return m, nil
		}
		return m, abandonSessionCmd(m.client)

	case KeyUp:
		m.liveScroll = false
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil

	case KeyDown:
		m.scroll++
		if m.scroll >= m.maxScroll() {
			m.scroll = m.maxScroll()
			m.liveScroll = true
		}
		return m, nil
	}

	if m.mode == voice.ModeText {
		return m.handleTextKey(msg)
	}
	return m.handleVoiceKey(msg)
}

// handleTextKey edits and submits the text-mode composer.
func (m Model) handleTextKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyEnter:
		text := strings.TrimSpace(m.input)
		if text == "" || !m.connected || m.terminal() {
			return m, nil
		}
		m.input = ""
		return m, sendTurnCmd(m.client, text)

	case KeyEsc:
		m.input = ""
		return m, nil

	case KeyBackspace:
		if len(m.input) > 0 {
			runes := []rune(m.input)
			m.input = string(runes[:len(runes)-1])
		}
		return m, nil
	}

	if msg.Type == tea.KeyRunes || msg.String() == KeyRecord {
		m.input += keyText(msg)
	}
	return m, nil
}

// handleVoiceKey drives the capture machine.
func (m Model) handleVoiceKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch st := m.voiceState.(type) {
	case voice.Idle, voice.ErrorState:
		if key == KeyRecord {
			m.machine.StartRecording()
			m.voiceState = m.machine.State()
		}
		return m, nil

	case voice.Recording:
		if key == KeyRecord || key == KeyEnter {
			m.machine.StopRecording(context.Background())
			m.voiceState = m.machine.State()
		}
		if key == KeyEsc {
			m.machine.Cancel()
			m.voiceState = m.machine.State()
		}
		return m, nil

	case voice.Processing:
		if key == KeyEsc {
			m.machine.Cancel()
			m.voiceState = m.machine.State()
		}
		return m, nil

	case voice.Review:
		switch key {
		case KeyEnter:
			// Guard before consuming the draft: Send resets the machine, so a
			// dead channel must leave the reviewed text in place for resend.
			if !m.connected || m.terminal() {
				return m, nil
			}
			text, ok := m.machine.Send()
			if !ok {
				return m, nil
			}
			m.voiceState = m.machine.State()
			return m, sendTurnCmd(m.client, text)

		case KeyCorrect:
			m.machine.StartCorrection()
			m.voiceState = m.machine.State()
			return m, nil

		case KeyEsc:
			m.machine.Cancel()
			m.voiceState = m.machine.State()
			return m, nil

		case KeyBackspace:
			runes := []rune(st.Text)
			if len(runes) > 0 {
				m.machine.EditReview(string(runes[:len(runes)-1]))
				m.voiceState = m.machine.State()
			}
			return m, nil
		}

		if msg.Type == tea.KeyRunes || key == KeyRecord {
			m.machine.EditReview(st.Text + keyText(msg))
			m.voiceState = m.machine.State()
		}
		return m, nil
	}

	return m, nil
}

func keyText(msg tea.KeyMsg) string {
	if msg.String() == KeyRecord {
		return " "
	}
	return string(msg.Runes)
}

func (m Model) transcriptHeight() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + status(1) + dividers(2) + breadcrumb(1) + composer(1) + error(1) + footer(1)
	return max(5, m.height-8)
}

func (m Model) maxScroll() int {
	lines := len(m.transcriptLines())
	visible := m.transcriptHeight()
	if lines <= visible {
		return 0
	}
	return lines - visible
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderTranscript())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderComposer())
	if m.errorMessage != "" {
		sections = append(sections, ui.ErrorStyle.Render("Error: ")+ui.ErrorTextStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("VIVA")

	var crumb string
	if len(m.breadcrumb) > 0 {
		crumb = ui.RabbitholeStyle.Render(" ⤷ " + strings.Join(m.breadcrumb, " ⤷ "))
	}

	return title + crumb
}

func (m Model) renderStatusBar() string {
	var conn string
	switch m.client.State() {
	case protocol.StateConnected:
		conn = ui.LevelGreenStyle.Render("● " + string(protocol.StateConnected))
	case protocol.StateReconnecting:
		conn = ui.LevelYellowStyle.Render("◌ " + string(protocol.StateReconnecting))
	default:
		conn = ui.IdleDotStyle.Render("○ " + string(m.client.State()))
	}

	var rec string
	switch m.voiceState.(type) {
	case voice.Recording:
		rec = "  " + ui.RecordingDotStyle.Render("● REC") + "  " + renderLevelMeter(m.amplitude)
	case voice.Processing:
		rec = "  " + ui.SpinnerStyle.Render("⟳ transcribing")
	}

	var modeBadge string
	if m.mode == voice.ModeText {
		modeBadge = "  " + ui.DimStyle.Render("[TEXT]")
	}

	var sess string
	if m.status != "" {
		sess = "  " + ui.StatusStyle.Render(m.status)
	}

	var eval string
	if m.lastEval != nil {
		style := ui.FailStyle
		if m.lastEval.Outcome == "pass" {
			style = ui.PassStyle
		}
		eval = "  " + style.Render(strings.ToUpper(m.lastEval.Outcome))
		if m.lastEval.Confidence != nil {
			eval += ui.DimStyle.Render(fmt.Sprintf(" (%.0f%%)", *m.lastEval.Confidence*100))
		}
	}

	return conn + sess + modeBadge + rec + eval
}

func renderLevelMeter(level float64) string {
	const barLen = 8
	filled := int(level * barLen)
	if filled > barLen {
		filled = barLen
	}

	var bar string
	for i := 0; i < barLen; i++ {
		if i < filled {
			if float64(i)/barLen > 0.6 {
				bar += ui.LevelYellowStyle.Render("█")
			} else {
				bar += ui.LevelGreenStyle.Render("█")
			}
		} else {
			bar += ui.LevelGrayStyle.Render("░")
		}
	}
	return bar
}

// transcriptLines builds the scrollable body: committed turns, then the
// streaming fragment if one is in flight.
func (m Model) transcriptLines() []string {
	textWidth := max(10, m.width-12)

	var lines []string
	for _, e := range m.entries {
		label := ui.TutorLabelStyle.Render("tutor  ")
		if e.Role == "learner" {
			label = ui.LearnerLabelStyle.Render("you    ")
		}
		indent := strings.Repeat(" ", e.Depth*2)
		wrapped := wrapText(e.Text, textWidth-e.Depth*2)
		lines = append(lines, indent+label+wrapped[0])
		for _, wl := range wrapped[1:] {
			lines = append(lines, indent+"       "+wl)
		}
	}

	if m.typing != "" {
		indent := strings.Repeat(" ", len(m.breadcrumb)*2)
		label := ui.TutorLabelStyle.Render("tutor  ")
		for i, wl := range wrapText(m.typing+"▌", textWidth) {
			if i == 0 {
				lines = append(lines, indent+label+ui.TypingStyle.Render(wl))
			} else {
				lines = append(lines, indent+"       "+ui.TypingStyle.Render(wl))
			}
		}
	}

	return lines
}

func (m Model) renderTranscript() string {
	height := m.transcriptHeight()

	if !m.connected && !m.closed {
		var lines []string
		if m.connError != "" {
			lines = append(lines, ui.ErrorTextStyle.Render("  Channel unavailable: "+m.connError))
		} else {
			lines = append(lines, ui.DimStyle.Render("  Connecting..."))
		}
		for len(lines) < height {
			lines = append(lines, "")
		}
		return strings.Join(lines, "\n")
	}

	body := m.transcriptLines()

	start := m.scroll
	if m.liveScroll && len(body) > height {
		start = len(body) - height
	}
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(body) {
		end = len(body)
	}

	lines := make([]string, 0, height)
	for i := start; i < end; i++ {
		lines = append(lines, "  "+body[i])
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// renderComposer is the input line: the text composer, the review draft, or
// a hint for the current voice state.
func (m Model) renderComposer() string {
	if m.terminal() {
		return ui.DimStyle.Render("  session " + m.status)
	}

	if m.mode == voice.ModeText {
		return ui.LearnerLabelStyle.Render("> ") + m.input + ui.TypingStyle.Render("▌")
	}

	switch st := m.voiceState.(type) {
	case voice.Recording:
		interim := st.Interim
		if interim == "" {
			interim = "listening..."
		}
		return ui.LearnerLabelStyle.Render("> ") + ui.InterimStyle.Render(interim)
	case voice.Processing:
		return ui.LearnerLabelStyle.Render("> ") + ui.DimStyle.Render("transcribing...")
	case voice.Review:
		return ui.LearnerLabelStyle.Render("> ") + ui.ReviewStyle.Render(st.Text) + ui.TypingStyle.Render("▌")
	case voice.ErrorState:
		return ui.ErrorTextStyle.Render("  " + st.Message + " (ctrl+t for text mode)")
	default:
		return ui.DimStyle.Render("  Press Space to speak")
	}
}

func (m Model) renderFooter() string {
	var parts []string

	if m.mode == voice.ModeText {
		parts = append(parts, ui.FooterKeyStyle.Render("Enter")+ui.FooterDescStyle.Render(" Send"))
	} else {
		switch m.voiceState.(type) {
		case voice.Recording:
			parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Stop"))
			parts = append(parts, ui.FooterKeyStyle.Render("Esc")+ui.FooterDescStyle.Render(" Discard"))
		case voice.Review:
			parts = append(parts, ui.FooterKeyStyle.Render("Enter")+ui.FooterDescStyle.Render(" Send"))
			parts = append(parts, ui.FooterKeyStyle.Render("^R")+ui.FooterDescStyle.Render(" Re-record"))
			parts = append(parts, ui.FooterKeyStyle.Render("Esc")+ui.FooterDescStyle.Render(" Discard"))
		default:
			parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Speak"))
		}
	}

	parts = append(parts, ui.FooterKeyStyle.Render("^T")+ui.FooterDescStyle.Render(" Mode"))
	parts = append(parts, ui.FooterKeyStyle.Render("^E")+ui.FooterDescStyle.Render(" Grade"))
	parts = append(parts, ui.FooterKeyStyle.Render("^D")+ui.FooterDescStyle.Render(" Finish"))
	parts = append(parts, ui.FooterKeyStyle.Render("^X")+ui.FooterDescStyle.Render(" Abandon"))
	parts = append(parts, ui.FooterKeyStyle.Render("^C")+ui.FooterDescStyle.Render(" Quit"))

	return strings.Join(parts, "  ")
}

// Helpers

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			if current == "" {
				current = word
			} else if len(current)+1+len(word) <= width {
				current += " " + word
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		if current != "" {
			lines = append(lines, current)
		} else {
			lines = append(lines, "")
		}
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
