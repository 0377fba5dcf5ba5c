package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink writes journal entries to a local SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens dbPath, creating the file and its directory if needed.
// If dbPath is empty, defaults to "./data/merge.db".
func NewSQLiteSink(ctx context.Context, dbPath string) (*SQLiteSink, error) {
	if dbPath == "" {
		dbPath = "./data/merge.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping sqlite: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		event TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		room_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_subject ON journal(subject_id);
	CREATE INDEX IF NOT EXISTS idx_journal_room ON journal(room_id, recorded_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteSink) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Write inserts entries in a single transaction.
func (s *SQLiteSink) Write(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO journal (kind, event, subject_id, room_id, agent_id, status, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("journal: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Kind, e.Event, e.SubjectID, e.RoomID, e.AgentID, e.Status, string(e.Payload), e.At); err != nil {
			return fmt.Errorf("journal: insert: %w", err)
		}
	}
	return tx.Commit()
}
