package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory maps with optimistic locking.
// It is the default driver for tests and single-process development.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	turns       map[string][]Turn
	evaluations map[string][]EvaluationMarker
	rabbitholes map[string][]RabbitholeMarker
	markerSeq   map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		turns:       make(map[string][]Turn),
		evaluations: make(map[string][]EvaluationMarker),
		rabbitholes: make(map[string][]RabbitholeMarker),
		markerSeq:   make(map[string]int),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, data *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[data.ID]; exists {
		return ErrDuplicateSession
	}
	data.Version = 1
	cp := *data
	s.sessions[data.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.sessions[id]
	if !exists {
		return nil, nil
	}
	cp := *data
	return &cp, nil
}

func (s *MemoryStore) FindInProgress(ctx context.Context, recallSetID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, data := range s.sessions {
		if data.RecallSetID == recallSetID && data.Status == StatusInProgress {
			cp := *data
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, data *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[data.ID]
	if !exists {
		return ErrNotFound
	}
	if stored.Version != data.Version {
		return ErrVersionConflict
	}
	data.Version++
	cp := *data
	s.sessions[data.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, t *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[t.SessionID]; !exists {
		return ErrNotFound
	}
	existing := s.turns[t.SessionID]
	if t.Ordinal != len(existing)+1 {
		return ErrOrdinalGap
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.turns[t.SessionID] = append(existing, *t)
	return nil
}

func (s *MemoryStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out, nil
}

func (s *MemoryStore) AddEvaluation(ctx context.Context, m *EvaluationMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[m.SessionID]; !exists {
		return ErrNotFound
	}
	s.markerSeq[m.SessionID]++
	m.Seq = s.markerSeq[m.SessionID]
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.evaluations[m.SessionID] = append(s.evaluations[m.SessionID], *m)
	return nil
}

func (s *MemoryStore) AddRabbithole(ctx context.Context, m *RabbitholeMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[m.SessionID]; !exists {
		return ErrNotFound
	}
	s.markerSeq[m.SessionID]++
	m.Seq = s.markerSeq[m.SessionID]
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.rabbitholes[m.SessionID] = append(s.rabbitholes[m.SessionID], *m)
	return nil
}

func (s *MemoryStore) CloseRabbithole(ctx context.Context, sessionID string, triggerOrdinal, returnOrdinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers := s.rabbitholes[sessionID]
	for i := range markers {
		if markers[i].TriggerOrdinal == triggerOrdinal && markers[i].ReturnOrdinal == nil {
			ret := returnOrdinal
			markers[i].ReturnOrdinal = &ret
			s.markerSeq[sessionID]++
			seq := s.markerSeq[sessionID]
			markers[i].ReturnSeq = &seq
			return nil
		}
	}
	// Unknown or already-closed trigger: tolerated, the record stays intact.
	return nil
}

func (s *MemoryStore) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *data
	tr := &Transcript{Session: &cp}
	tr.Turns = make([]Turn, len(s.turns[sessionID]))
	copy(tr.Turns, s.turns[sessionID])
	tr.Evaluations = make([]EvaluationMarker, len(s.evaluations[sessionID]))
	copy(tr.Evaluations, s.evaluations[sessionID])
	tr.Rabbitholes = make([]RabbitholeMarker, len(s.rabbitholes[sessionID]))
	copy(tr.Rabbitholes, s.rabbitholes[sessionID])
	return tr, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	s.turns = nil
	s.evaluations = nil
	s.rabbitholes = nil
	s.markerSeq = nil
	return nil
}
