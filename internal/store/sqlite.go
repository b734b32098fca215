package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database with WAL enabled.
// It is the durable single-node driver.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	recallSetId   TEXT NOT NULL,
	status        TEXT NOT NULL,
	startedAt     REAL NOT NULL,
	endedAt       REAL,
	points        TEXT NOT NULL,
	cursor        INTEGER NOT NULL,
	version       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_recallset ON sessions(recallSetId, status);

CREATE TABLE IF NOT EXISTS turns (
	sessionId     TEXT NOT NULL,
	ordinal       INTEGER NOT NULL,
	id            TEXT NOT NULL,
	role          TEXT NOT NULL,
	text          TEXT NOT NULL,
	createdAt     REAL NOT NULL,
	PRIMARY KEY (sessionId, ordinal)
);

CREATE TABLE IF NOT EXISTS evaluations (
	sessionId     TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	pointId       TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	confidence    REAL,
	ordinal       INTEGER NOT NULL,
	createdAt     REAL NOT NULL,
	PRIMARY KEY (sessionId, seq)
);

CREATE TABLE IF NOT EXISTS rabbitholes (
	sessionId      TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	triggerOrdinal INTEGER NOT NULL,
	topic          TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	returnOrdinal  INTEGER,
	returnSeq      INTEGER,
	createdAt      REAL NOT NULL,
	PRIMARY KEY (sessionId, seq)
);
`

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func timeFromUnix(sec float64) time.Time {
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9))
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (s *SQLiteStore) CreateSession(ctx context.Context, data *Session) error {
	points, err := json.Marshal(data.Points)
	if err != nil {
		return err
	}
	data.Version = 1
	var endedAt any
	if data.EndedAt != nil {
		endedAt = unixFromTime(*data.EndedAt)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, recallSetId, status, startedAt, endedAt, points, cursor, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, data.ID, data.RecallSetID, string(data.Status), unixFromTime(data.StartedAt), endedAt, string(points), data.Cursor, data.Version)
	if err != nil {
		// UNIQUE violation on the primary key.
		var exists int
		if qerr := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, data.ID).Scan(&exists); qerr == nil && exists > 0 {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var status, points string
	var startedAt float64
	var endedAt sql.NullFloat64
	if err := row.Scan(&sess.ID, &sess.RecallSetID, &status, &startedAt, &endedAt, &points, &sess.Cursor, &sess.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = SessionStatus(status)
	sess.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(points), &sess.Points); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recallSetId, status, startedAt, endedAt, points, cursor, version
		FROM sessions WHERE id = ?
	`, id)
	return s.scanSession(row)
}

func (s *SQLiteStore) FindInProgress(ctx context.Context, recallSetID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recallSetId, status, startedAt, endedAt, points, cursor, version
		FROM sessions
		WHERE recallSetId = ? AND status = ?
		ORDER BY startedAt DESC
		LIMIT 1
	`, recallSetID, string(StatusInProgress))
	return s.scanSession(row)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, data *Session) error {
	points, err := json.Marshal(data.Points)
	if err != nil {
		return err
	}
	var endedAt any
	if data.EndedAt != nil {
		endedAt = unixFromTime(*data.EndedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, endedAt = ?, points = ?, cursor = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(data.Status), endedAt, string(points), data.Cursor, data.ID, data.Version)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if qerr := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, data.ID).Scan(&exists); qerr == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	data.Version++
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, t *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, t.SessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE sessionId = ?`, t.SessionID).Scan(&count); err != nil {
		return err
	}
	if t.Ordinal != count+1 {
		return ErrOrdinalGap
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (sessionId, ordinal, id, role, text, createdAt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.SessionID, t.Ordinal, t.ID, string(t.Role), t.Text, unixFromTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, ordinal, id, role, text, createdAt
		FROM turns
		WHERE sessionId = ?
		ORDER BY ordinal ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		var createdAt float64
		if err := rows.Scan(&t.SessionID, &t.Ordinal, &t.ID, &role, &t.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = timeFromUnix(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// nextMarkerSeq returns the next marker sequence number across both marker
// tables for a session.
func nextMarkerSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var evalMax, rhMax, retMax sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM evaluations WHERE sessionId = ?`, sessionID).Scan(&evalMax); err != nil {
		return 0, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM rabbitholes WHERE sessionId = ?`, sessionID).Scan(&rhMax); err != nil {
		return 0, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT MAX(returnSeq) FROM rabbitholes WHERE sessionId = ?`, sessionID).Scan(&retMax); err != nil {
		return 0, err
	}
	max := evalMax.Int64
	if rhMax.Int64 > max {
		max = rhMax.Int64
	}
	if retMax.Int64 > max {
		max = retMax.Int64
	}
	return int(max) + 1, nil
}

func (s *SQLiteStore) AddEvaluation(ctx context.Context, m *EvaluationMarker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := nextMarkerSeq(ctx, tx, m.SessionID)
	if err != nil {
		return err
	}
	m.Seq = seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var conf any
	if m.Confidence != nil {
		conf = *m.Confidence
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evaluations (sessionId, seq, pointId, outcome, confidence, ordinal, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.SessionID, m.Seq, m.PointID, m.Outcome, conf, m.Ordinal, unixFromTime(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddRabbithole(ctx context.Context, m *RabbitholeMarker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := nextMarkerSeq(ctx, tx, m.SessionID)
	if err != nil {
		return err
	}
	m.Seq = seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rabbitholes (sessionId, seq, triggerOrdinal, topic, depth, returnOrdinal, returnSeq, createdAt)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?)
	`, m.SessionID, m.Seq, m.TriggerOrdinal, m.Topic, m.Depth, unixFromTime(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert rabbithole: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CloseRabbithole(ctx context.Context, sessionID string, triggerOrdinal, returnOrdinal int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT seq FROM rabbitholes
		WHERE sessionId = ? AND triggerOrdinal = ? AND returnOrdinal IS NULL
		ORDER BY seq DESC LIMIT 1
	`, sessionID, triggerOrdinal).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	retSeq, err := nextMarkerSeq(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE rabbitholes
		SET returnOrdinal = ?, returnSeq = ?
		WHERE sessionId = ? AND seq = ?
	`, returnOrdinal, retSeq, sessionID, seq.Int64); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	turns, err := s.Turns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	evalRows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, seq, pointId, outcome, confidence, ordinal, createdAt
		FROM evaluations WHERE sessionId = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer evalRows.Close()
	var evals []EvaluationMarker
	for evalRows.Next() {
		var m EvaluationMarker
		var conf sql.NullFloat64
		var createdAt float64
		if err := evalRows.Scan(&m.SessionID, &m.Seq, &m.PointID, &m.Outcome, &conf, &m.Ordinal, &createdAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if conf.Valid {
			c := conf.Float64
			m.Confidence = &c
		}
		m.CreatedAt = timeFromUnix(createdAt)
		evals = append(evals, m)
	}
	if err := evalRows.Err(); err != nil {
		return nil, err
	}

	rhRows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, seq, triggerOrdinal, topic, depth, returnOrdinal, returnSeq, createdAt
		FROM rabbitholes WHERE sessionId = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rabbitholes: %w", err)
	}
	defer rhRows.Close()
	var rhs []RabbitholeMarker
	for rhRows.Next() {
		var m RabbitholeMarker
		var ret, retSeq sql.NullInt64
		var createdAt float64
		if err := rhRows.Scan(&m.SessionID, &m.Seq, &m.TriggerOrdinal, &m.Topic, &m.Depth, &ret, &retSeq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rabbithole: %w", err)
		}
		if ret.Valid {
			r := int(ret.Int64)
			m.ReturnOrdinal = &r
		}
		if retSeq.Valid {
			rs := int(retSeq.Int64)
			m.ReturnSeq = &rs
		}
		m.CreatedAt = timeFromUnix(createdAt)
		rhs = append(rhs, m)
	}
	if err := rhRows.Err(); err != nil {
		return nil, err
	}

	return &Transcript{Session: sess, Turns: turns, Evaluations: evals, Rabbitholes: rhs}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
