package store

import "time"

// SessionStatus is the lifecycle status of a study session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether the status admits no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Role identifies the author of a turn.
type Role string

const (
	RoleLearner Role = "learner"
	RoleTutor   Role = "tutor"
)

// Session is one study attempt against one recall set. At most one session per
// recall set may be in_progress at a time; starting again resumes it.
type Session struct {
	ID          string        `json:"id"`
	RecallSetID string        `json:"recall_set_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	// Points is the ordered list of recall-point ids to cover; Cursor indexes
	// the next uncovered point. Cursor == len(Points) means full coverage.
	Points []string `json:"points"`
	Cursor int      `json:"cursor"`
	// Version is monotonically increasing for optimistic locking.
	Version int64 `json:"version"`
}

// CurrentPoint returns the next uncovered recall point, or "" when coverage is
// exhausted.
func (s *Session) CurrentPoint() string {
	if s.Cursor < 0 || s.Cursor >= len(s.Points) {
		return ""
	}
	return s.Points[s.Cursor]
}

// Turn is one message in a session's conversation. Ordinals are assigned by the
// server and are strictly increasing and gapless within a session.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// EvaluationMarker records a judged recall outcome attached to a turn boundary.
// Outcome is whatever vocabulary the scorer returned; it is never reinterpreted.
type EvaluationMarker struct {
	SessionID  string    `json:"session_id"`
	PointID    string    `json:"point_id"`
	Outcome    string    `json:"outcome"`
	Confidence *float64  `json:"confidence,omitempty"`
	Ordinal    int       `json:"ordinal"`
	Seq        int       `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// RabbitholeMarker records a digression. ReturnOrdinal is nil while the
// digression is open; a session may end with it still nil, which is a valid
// terminal state rather than a data error.
type RabbitholeMarker struct {
	SessionID      string `json:"session_id"`
	TriggerOrdinal int    `json:"trigger_ordinal"`
	Topic          string `json:"topic"`
	Depth          int    `json:"depth"`
	ReturnOrdinal  *int   `json:"return_ordinal,omitempty"`
	Seq            int    `json:"seq"`
	// ReturnSeq is the marker sequence number assigned when the digression
	// closed, so replay can order the return among other markers on the same
	// turn. Nil while open.
	ReturnSeq *int      `json:"return_seq,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transcript is everything needed to replay a session offline.
type Transcript struct {
	Session     *Session           `json:"session"`
	Turns       []Turn             `json:"turns"`
	Evaluations []EvaluationMarker `json:"evaluations"`
	Rabbitholes []RabbitholeMarker `json:"rabbitholes"`
}
