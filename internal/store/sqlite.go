package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuts-ae/support/internal/session"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SnapshotStore using a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the snapshot database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	// WAL keeps the async saves from blocking startup reads.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS console_snapshots (
		agent_id TEXT PRIMARY KEY,
		sessions_json TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save upserts the snapshot for agentID.
func (s *SQLiteStore) Save(ctx context.Context, agentID string, sessions []session.Session) error {
	if sessions == nil {
		sessions = []session.Session{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO console_snapshots (agent_id, sessions_json, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			sessions_json = excluded.sessions_json,
			saved_at = excluded.saved_at`
	if _, err := s.db.ExecContext(ctx, query, agentID, string(data), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot saved for agentID.
func (s *SQLiteStore) Load(ctx context.Context, agentID string) ([]session.Session, time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sessions_json, saved_at FROM console_snapshots WHERE agent_id = ?`, agentID)

	var (
		data    string
		savedAt int64
	)
	err := row.Scan(&data, &savedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: scan snapshot row: %w", err)
	}

	var sessions []session.Session
	if err := json.Unmarshal([]byte(data), &sessions); err != nil {
		return nil, time.Time{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return sessions, time.UnixMilli(savedAt), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
