package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps committed results in PostgreSQL so that several
// processes (or re-runs on different hosts) share one idempotency space.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the keys table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect idempotency store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		result JSONB NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create idempotency table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Get returns the committed result for key, if any.
func (s *PostgresStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var result json.RawMessage
	err := s.db.QueryRow(ctx, "SELECT result FROM idempotency_keys WHERE key = $1", key).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Put records the result for key. ON CONFLICT DO NOTHING keeps the first
// committed result when two processes race.
func (s *PostgresStore) Put(ctx context.Context, key string, result json.RawMessage) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, result) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		key, result)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}
