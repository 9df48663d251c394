package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"Tapline/pkg/grabber"
)

// ErrSessionNotFound is returned for unknown session ids
var ErrSessionNotFound = errors.New("session not found")

// ========================================
// EventStore - SQLite session store
// ========================================

// EventStore keeps sessions, their actions and status signals.
// Actions are buffered and written in batches.
type EventStore struct {
	db     *sql.DB
	dbPath string

	writeBuffer    []StoredAction
	writeBufferMu  sync.Mutex
	flushMu        sync.Mutex
	flushInterval  time.Duration
	flushThreshold int
	stopChan       chan struct{}
	writerDone     chan struct{}
	closeOnce      sync.Once

	stmtInsertAction  *sql.Stmt
	stmtInsertSession *sql.Stmt
	stmtFinishSession *sql.Stmt
	stmtInsertStatus  *sql.Stmt
}

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA temp_store = MEMORY;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER DEFAULT 0,
    outcome TEXT DEFAULT '',
    message TEXT DEFAULT '',
    cycles INTEGER DEFAULT 0,
    attempts INTEGER DEFAULT 0,
    metadata TEXT DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
CREATE INDEX IF NOT EXISTS idx_sessions_time ON sessions(started_at DESC);

CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    page TEXT NOT NULL,
    kind TEXT NOT NULL,
    target TEXT NOT NULL,
    x REAL NOT NULL,
    y REAL NOT NULL,
    ok INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_actions_session_time ON actions(session_id, ts);

CREATE TABLE IF NOT EXISTS status_events (
    session_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    signal TEXT NOT NULL,
    outcome TEXT DEFAULT '',
    message TEXT DEFAULT '',
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_status_session_time ON status_events(session_id, ts);
`

// NewEventStore opens (or creates) tapline.db in dataDir
func NewEventStore(dataDir string) (*EventStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tapline.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &EventStore{
		db:             db,
		dbPath:         dbPath,
		writeBuffer:    make([]StoredAction, 0, 64),
		flushInterval:  500 * time.Millisecond,
		flushThreshold: 50,
		stopChan:       make(chan struct{}),
		writerDone:     make(chan struct{}),
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	store.startBackgroundWriter()

	return store, nil
}

func (s *EventStore) prepareStatements() error {
	var err error

	s.stmtInsertAction, err = s.db.Prepare(`
		INSERT INTO actions (id, session_id, ts, page, kind, target, x, y, ok)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert action: %w", err)
	}

	s.stmtInsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, device_id, started_at, metadata) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert session: %w", err)
	}

	s.stmtFinishSession, err = s.db.Prepare(`
		UPDATE sessions SET ended_at = ?, outcome = ?, message = ?, cycles = ?, attempts = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare finish session: %w", err)
	}

	s.stmtInsertStatus, err = s.db.Prepare(`
		INSERT INTO status_events (session_id, ts, signal, outcome, message) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert status: %w", err)
	}

	return nil
}

func (s *EventStore) startBackgroundWriter() {
	ticker := time.NewTicker(s.flushInterval)

	go func() {
		defer close(s.writerDone)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stopChan:
				s.Flush()
				return
			}
		}
	}()
}

// Close flushes buffered actions and closes the database
func (s *EventStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.writerDone

		for _, stmt := range []*sql.Stmt{s.stmtInsertAction, s.stmtInsertSession, s.stmtFinishSession, s.stmtInsertStatus} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

// ========================================
// Sessions
// ========================================

// CreateSession inserts rec. ID and StartedAt are filled in when empty.
func (s *EventStore) CreateSession(rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UnixMilli()
	}
	metadata := string(rec.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.stmtInsertSession.Exec(rec.ID, rec.DeviceID, rec.StartedAt, metadata)
	return err
}

// FinishSession stores the result of a session
func (s *EventStore) FinishSession(res grabber.Result) error {
	s.Flush()
	msg := res.Reason
	if res.Err != nil && msg == "" {
		msg = res.Err.Error()
	}
	result, err := s.stmtFinishSession.Exec(
		time.Now().UnixMilli(), string(res.Outcome), msg, res.Cycles, res.Attempts, res.SessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, res.SessionID)
	}
	return nil
}

const sessionColumns = `id, device_id, started_at, ended_at, outcome, message, cycles, attempts, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var outcome, message, metadata sql.NullString
	err := row.Scan(
		&rec.ID, &rec.DeviceID, &rec.StartedAt, &rec.EndedAt,
		&outcome, &message, &rec.Cycles, &rec.Attempts, &metadata,
	)
	if err != nil {
		return nil, err
	}
	rec.Outcome = outcome.String
	rec.Message = message.String
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return &rec, nil
}

// GetSession returns one session
func (s *EventStore) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec, err
}

// ListSessions returns sessions newest first, optionally for one device
func (s *EventStore) ListSessions(deviceID string, limit int) ([]SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}

	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *rec)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session with its actions and signals
func (s *EventStore) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// CleanupOldSessions deletes finished sessions older than maxAge
func (s *EventStore) CleanupOldSessions(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM sessions WHERE ended_at > 0 AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ========================================
// Actions
// ========================================

// RecordAction buffers an action. It implements grabber.Recorder.
func (s *EventStore) RecordAction(a grabber.Action) {
	s.writeBufferMu.Lock()
	s.writeBuffer = append(s.writeBuffer, StoredAction{ID: uuid.New().String(), Action: a})
	shouldFlush := len(s.writeBuffer) >= s.flushThreshold
	s.writeBufferMu.Unlock()

	if shouldFlush {
		go s.Flush()
	}
}

// Flush writes buffered actions. When it returns, every action recorded
// before the call is in the database.
func (s *EventStore) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.writeBufferMu.Lock()
	if len(s.writeBuffer) == 0 {
		s.writeBufferMu.Unlock()
		return
	}
	actions := s.writeBuffer
	s.writeBuffer = make([]StoredAction, 0, 64)
	s.writeBufferMu.Unlock()

	if err := s.writeActionsBatch(actions); err != nil {
		LogError("store").Err(err).Int("count", len(actions)).Msg("Failed to flush actions")
	}
}

func (s *EventStore) writeActionsBatch(actions []StoredAction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtInsertAction)
	for _, a := range actions {
		page := a.PageName
		if page == "" {
			page = a.Page.String()
		}
		_, err := stmt.Exec(a.ID, a.SessionID, a.Time.UnixMilli(), page, a.Kind, a.Target, a.X, a.Y, a.OK)
		if err != nil {
			return fmt.Errorf("insert action %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// GetActions returns the actions of a session in time order
func (s *EventStore) GetActions(sessionID string, limit int) ([]StoredAction, error) {
	s.Flush()

	query := `SELECT id, session_id, ts, page, kind, target, x, y, ok FROM actions WHERE session_id = ? ORDER BY ts, rowid`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []StoredAction
	for rows.Next() {
		var a StoredAction
		var ts int64
		if err := rows.Scan(&a.ID, &a.SessionID, &ts, &a.PageName, &a.Kind, &a.Target, &a.X, &a.Y, &a.OK); err != nil {
			return nil, err
		}
		a.Time = time.UnixMilli(ts)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ========================================
// Status signals
// ========================================

// Report stores a status signal. It implements grabber.Reporter.
func (s *EventStore) Report(ev grabber.StatusEvent) {
	if _, err := s.stmtInsertStatus.Exec(ev.SessionID, ev.Time.UnixMilli(), string(ev.Signal), string(ev.Outcome), ev.Message); err != nil {
		LogError("store").Err(err).Str("session", ev.SessionID).Msg("Failed to store status")
	}
}

// GetStatusEvents returns the signals of a session in time order
func (s *EventStore) GetStatusEvents(sessionID string) ([]StoredStatus, error) {
	rows, err := s.db.Query(`
		SELECT session_id, ts, signal, outcome, message FROM status_events
		WHERE session_id = ? ORDER BY ts, rowid
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredStatus
	for rows.Next() {
		var st StoredStatus
		var outcome, message sql.NullString
		if err := rows.Scan(&st.SessionID, &st.Time, &st.Signal, &outcome, &message); err != nil {
			return nil, err
		}
		st.Outcome = outcome.String
		st.Message = message.String
		out = append(out, st)
	}
	return out, rows.Err()
}
