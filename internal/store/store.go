package store

import "context"

// Store defines persistence for sessions, turns, and markers. All mutations
// flow through the session controller and the live runtime; drivers only
// enforce the structural invariants (version check, ordinal gaplessness).
type Store interface {
	// CreateSession creates a new session with Version set to 1.
	// Returns ErrDuplicateSession if the id already exists.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by id.
	// Returns nil if the session is not found (not an error).
	GetSession(ctx context.Context, id string) (*Session, error)

	// FindInProgress returns the in_progress session for a recall set, or nil.
	FindInProgress(ctx context.Context, recallSetID string) (*Session, error)

	// UpdateSession updates a session with optimistic locking: verifies Version
	// matches the stored version, increments it, and persists.
	// Returns ErrVersionConflict on mismatch, ErrNotFound if missing.
	UpdateSession(ctx context.Context, s *Session) error

	// AppendTurn persists a turn. The ordinal must be exactly one greater than
	// the session's highest stored ordinal (first turn has ordinal 1);
	// otherwise ErrOrdinalGap is returned.
	AppendTurn(ctx context.Context, t *Turn) error

	// Turns returns all turns for a session in ordinal order.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)

	// AddEvaluation persists an evaluation marker, assigning Seq as the next
	// marker sequence number for the session.
	AddEvaluation(ctx context.Context, m *EvaluationMarker) error

	// AddRabbithole persists a digression trigger, assigning Seq.
	AddRabbithole(ctx context.Context, m *RabbitholeMarker) error

	// CloseRabbithole sets the return ordinal on the open digression with the
	// given trigger ordinal. Closing an unknown or already-closed digression is
	// a no-op: protocol anomalies must not corrupt the stored record.
	CloseRabbithole(ctx context.Context, sessionID string, triggerOrdinal, returnOrdinal int) error

	// GetTranscript returns the full persisted record for replay.
	// Returns ErrNotFound if the session does not exist.
	GetTranscript(ctx context.Context, sessionID string) (*Transcript, error)

	// Close releases driver resources.
	Close() error
}
