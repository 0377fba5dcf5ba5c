package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS journal (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	event       TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	room_id     TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_subject ON journal(subject_id);
CREATE INDEX IF NOT EXISTS idx_journal_room ON journal(room_id, recorded_at);
`

// PostgresSink writes journal entries to PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to databaseURL and creates the journal table if
// needed.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal: connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}

	return &PostgresSink{pool: pool}, nil
}

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Close closes the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Write inserts entries in one round trip.
func (s *PostgresSink) Write(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO journal (kind, event, subject_id, room_id, agent_id, status, payload, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		`, e.Kind, e.Event, e.SubjectID, e.RoomID, e.AgentID, e.Status, string(e.Payload), e.At)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("journal: insert: %w", err)
		}
	}
	return br.Close()
}
