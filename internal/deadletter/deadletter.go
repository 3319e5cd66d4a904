// Package deadletter records index writes that exhausted their retries, so
// dropped events stay inspectable instead of vanishing into the log stream.
package deadletter

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

type Entry struct {
	ID      int64     `json:"id,omitempty"`
	Index   string    `json:"index"`
	Op      string    `json:"op"`
	DocID   string    `json:"doc_id"`
	Payload []byte    `json:"payload,omitempty"`
	Cause   string    `json:"cause"`
	At      time.Time `json:"at"`
}

// Sink receives dead letters. Record must never fail the caller: sinks log
// their own errors.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes dead letters to the process log only. Used when no
// Postgres DSN is configured.
type LogSink struct{}

func (LogSink) Record(_ context.Context, e Entry) {
	log.Warn().Str("index", e.Index).Str("op", e.Op).Str("id", e.DocID).
		Str("cause", e.Cause).Msg("dead letter (log only)")
}

// Store persists dead letters to Postgres.
type Store struct {
	DB *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS dead_letters (
        id          BIGSERIAL PRIMARY KEY,
        index_name  TEXT NOT NULL,
        op          TEXT NOT NULL,
        doc_id      TEXT NOT NULL,
        payload     JSONB,
        cause       TEXT NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dead_letters_index ON dead_letters(index_name, created_at DESC);`)
	return err
}

func (s *Store) Record(ctx context.Context, e Entry) {
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO dead_letters (index_name, op, doc_id, payload, cause, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Index, e.Op, e.DocID, payload, e.Cause, e.At)
	if err != nil {
		log.Error().Err(err).Str("index", e.Index).Str("id", e.DocID).Msg("dead letter insert failed")
	}
}

// Recent returns the newest dead letters, for the ops endpoint.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, index_name, op, doc_id, COALESCE(payload::text, ''), cause, created_at
        FROM dead_letters ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.Index, &e.Op, &e.DocID, &payload, &e.Cause, &e.At); err != nil {
			return nil, err
		}
		if payload != "" {
			e.Payload = []byte(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
