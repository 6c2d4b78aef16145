package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgConn is the subset of pgxpool.Pool the store needs; pgxmock satisfies
// it in tests.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps one checkpoint row per scope in Postgres. The record is
// stored as JSONB and decoded through the same validation path as the
// file store.
//
// Expected schema:
//
//	CREATE TABLE checkpoints (
//	    scope TEXT PRIMARY KEY,
//	    record JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PGStore struct {
	conn  pgConn
	scope string
}

// NewPGStore builds a store scoped to one archive target (e.g. a wiki
// base URL plus namespace filter).
func NewPGStore(pool *pgxpool.Pool, scope string) (*PGStore, error) {
	return newPGStore(pool, scope)
}

// NewPGStoreWithConn constructs a store from an existing connection
// (primarily for testing).
func NewPGStoreWithConn(conn pgConn, scope string) (*PGStore, error) {
	return newPGStore(conn, scope)
}

func newPGStore(conn pgConn, scope string) (*PGStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	return &PGStore{conn: conn, scope: scope}, nil
}

// Save upserts the checkpoint row. The single-row upsert keeps the
// completion mark and cursor advance atomic with respect to a crash.
func (s *PGStore) Save(ctx context.Context, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (scope, record, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (scope) DO UPDATE
		SET record = EXCLUDED.record, updated_at = NOW();
	`
	if _, err := s.conn.Exec(ctx, query, s.scope, data); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load fetches and validates the checkpoint row for this scope.
func (s *PGStore) Load(ctx context.Context) (*Record, error) {
	var data []byte
	err := s.conn.QueryRow(ctx,
		`SELECT record FROM checkpoints WHERE scope = $1;`, s.scope,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode(data)
}

// Clear deletes the checkpoint row.
func (s *PGStore) Clear(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx,
		`DELETE FROM checkpoints WHERE scope = $1;`, s.scope,
	); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
