package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "viva:session:"
	recallSetKeyPrefix = "viva:recallset:"
)

// sessionDoc is the full per-session document persisted to Redis. Keeping the
// turns and markers inside one document lets WATCH/MULTI serialize every
// mutation of a session through a single key.
type sessionDoc struct {
	Session     Session            `json:"session"`
	Turns       []Turn             `json:"turns"`
	Evaluations []EvaluationMarker `json:"evaluations"`
	Rabbitholes []RabbitholeMarker `json:"rabbitholes"`
	MarkerSeq   int                `json:"marker_seq"`
}

// RedisStore implements Store using Redis with optimistic locking.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. Documents expire after ttl; the
// TTL is refreshed on every read and write.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return sessionKeyPrefix + id }

func (s *RedisStore) CreateSession(ctx context.Context, data *Session) error {
	key := s.key(data.ID)
	data.Version = 1
	doc := sessionDoc{Session: *data}
	val, err := json.Marshal(&doc)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, val, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateSession
	}
	if data.Status == StatusInProgress {
		return s.client.Set(ctx, recallSetKeyPrefix+data.RecallSetID, data.ID, s.ttl).Err()
	}
	return nil
}

func (s *RedisStore) getDoc(ctx context.Context, id string) (*sessionDoc, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc sessionDoc
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, err
	}
	_ = s.client.Expire(ctx, s.key(id), s.ttl).Err()
	return &doc, nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	doc, err := s.getDoc(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	cp := doc.Session
	return &cp, nil
}

func (s *RedisStore) FindInProgress(ctx context.Context, recallSetID string) (*Session, error) {
	id, err := s.client.Get(ctx, recallSetKeyPrefix+recallSetID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Status != StatusInProgress {
		// Stale index entry from a completed/abandoned session.
		_ = s.client.Del(ctx, recallSetKeyPrefix+recallSetID).Err()
		return nil, nil
	}
	return sess, nil
}

// watchErr maps a WATCH abort to the store's optimistic-lock error so callers
// retry contention the same way on every driver.
func watchErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// mutate applies fn to the session document under WATCH/MULTI.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(doc *sessionDoc) error) error {
	key := s.key(id)
	return watchErr(s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc sessionDoc
		if err := json.Unmarshal([]byte(val), &doc); err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		newVal, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key))
}

func (s *RedisStore) UpdateSession(ctx context.Context, data *Session) error {
	err := s.mutate(ctx, data.ID, func(doc *sessionDoc) error {
		if doc.Session.Version != data.Version {
			return ErrVersionConflict
		}
		data.Version++
		doc.Session = *data
		return nil
	})
	if err != nil {
		return err
	}
	if data.Status.Terminal() {
		_ = s.client.Del(ctx, recallSetKeyPrefix+data.RecallSetID).Err()
	}
	return nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, t *Turn) error {
	return s.mutate(ctx, t.SessionID, func(doc *sessionDoc) error {
		if t.Ordinal != len(doc.Turns)+1 {
			return ErrOrdinalGap
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		doc.Turns = append(doc.Turns, *t)
		return nil
	})
}

func (s *RedisStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	doc, err := s.getDoc(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.Turns, nil
}

func (s *RedisStore) AddEvaluation(ctx context.Context, m *EvaluationMarker) error {
	return s.mutate(ctx, m.SessionID, func(doc *sessionDoc) error {
		doc.MarkerSeq++
		m.Seq = doc.MarkerSeq
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		doc.Evaluations = append(doc.Evaluations, *m)
		return nil
	})
}

func (s *RedisStore) AddRabbithole(ctx context.Context, m *RabbitholeMarker) error {
	return s.mutate(ctx, m.SessionID, func(doc *sessionDoc) error {
		doc.MarkerSeq++
		m.Seq = doc.MarkerSeq
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		doc.Rabbitholes = append(doc.Rabbitholes, *m)
		return nil
	})
}

func (s *RedisStore) CloseRabbithole(ctx context.Context, sessionID string, triggerOrdinal, returnOrdinal int) error {
	return s.mutate(ctx, sessionID, func(doc *sessionDoc) error {
		for i := range doc.Rabbitholes {
			if doc.Rabbitholes[i].TriggerOrdinal == triggerOrdinal && doc.Rabbitholes[i].ReturnOrdinal == nil {
				ret := returnOrdinal
				doc.Rabbitholes[i].ReturnOrdinal = &ret
				doc.MarkerSeq++
				seq := doc.MarkerSeq
				doc.Rabbitholes[i].ReturnSeq = &seq
				return nil
			}
		}
		return nil
	})
}

func (s *RedisStore) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	doc, err := s.getDoc(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	cp := doc.Session
	return &Transcript{
		Session:     &cp,
		Turns:       doc.Turns,
		Evaluations: doc.Evaluations,
		Rabbitholes: doc.Rabbitholes,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
