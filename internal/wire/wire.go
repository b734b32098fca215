// Package wire defines the message vocabulary of the live session channel.
// One JSON frame type carries every message in both directions; Type selects
// which optional fields are meaningful. The vocabulary is closed: both ends
// dispatch on Type exhaustively and treat unknown types as protocol anomalies.
package wire

// Client-to-server command types.
const (
	TypeTurnSend          = "turn.send"
	TypeEvaluationRequest = "evaluation.request"
	TypeSessionEnd        = "session.end"
	TypeSessionAbandon    = "session.abandon"
)

// Server-to-client event types.
const (
	TypeTurnAppend       = "turn.append"
	TypeEvaluationResult = "evaluation.result"
	TypeRabbitholeTrig   = "rabbithole.trigger"
	TypeRabbitholeReturn = "rabbithole.return"
	TypeSessionStatus    = "session.status"
	TypeError            = "error"
)

// Error codes carried by TypeError frames.
const (
	CodeTerminalSession   = "terminal_session"
	CodeEvaluationPending = "evaluation_pending"
	CodeNothingToEvaluate = "nothing_to_evaluate"
	CodeEvaluationFailed  = "evaluation_failed"
	CodeEmptyTurn         = "empty_turn"
	CodeBadMessage        = "bad_message"
	CodeSessionBusy       = "session_busy"
	CodeInternal          = "internal"
)

// Message is one frame on the channel.
type Message struct {
	Type string `json:"type"`

	// turn.send / turn.append
	Text string `json:"text,omitempty"`
	Role string `json:"role,omitempty"`
	// Ordinal is set on committed turns and on markers; zero means unassigned
	// (streaming fragments carry no ordinal).
	Ordinal int `json:"ordinal,omitempty"`
	// Streaming marks an in-flight assistant fragment. Fragments are a typing
	// affordance only; the committed turn arrives as a final non-streaming
	// turn.append with the full text and its ordinal.
	Streaming bool `json:"streaming,omitempty"`
	// Replay marks a frame re-delivered from the stored record after an
	// attach. Content is identical to the original live frame; a client that
	// already saw the original drops the replay.
	Replay bool `json:"replay,omitempty"`

	// evaluation.result
	PointID    string   `json:"pointId,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// rabbithole.trigger / rabbithole.return
	Topic string `json:"topic,omitempty"`
	Depth int    `json:"depth,omitempty"`

	// session.status
	Status string `json:"status,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
