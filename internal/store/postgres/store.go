// Package postgres provides the Postgres-backed archive implementation.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wikivault/wikivault/internal/store"
	"github.com/wikivault/wikivault/internal/wiki"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists pages, revisions, and scrape runs in Postgres.
//
// Expected schema:
//
//	CREATE TABLE pages (
//		id         TEXT PRIMARY KEY,
//		title      TEXT NOT NULL,
//		namespace  TEXT NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE revisions (
//		page_id      TEXT NOT NULL REFERENCES pages(id),
//		revision_id  BIGINT NOT NULL,
//		parent_id    BIGINT,
//		content      TEXT NOT NULL,
//		content_hash TEXT NOT NULL,
//		size         INTEGER NOT NULL,
//		ts           TIMESTAMPTZ NOT NULL,
//		author       TEXT NOT NULL,
//		PRIMARY KEY (page_id, content_hash)
//	);
//	CREATE INDEX revisions_page_ts ON revisions (page_id, ts);
//	CREATE TABLE scrape_runs (
//		id          TEXT PRIMARY KEY,
//		mode        TEXT NOT NULL,
//		status      TEXT NOT NULL,
//		started_at  TIMESTAMPTZ NOT NULL,
//		finished_at TIMESTAMPTZ,
//		stats       JSONB NOT NULL DEFAULT '{}'
//	);
type Store struct {
	pool querier
}

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertPage inserts the page or refreshes its title on conflict.
func (s *Store) UpsertPage(ctx context.Context, page wiki.Page) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pages (id, title, namespace, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, updated_at = NOW()`,
		page.ID, page.Title, page.Namespace)
	if err != nil {
		return fmt.Errorf("upsert page %s: %w", page.ID, err)
	}
	return nil
}

// UpsertRevision inserts the revision unless an identical snapshot of the
// page already exists. The (page_id, content_hash) key makes replays from
// an interrupted run no-ops; the returned bool reports whether a row was
// actually written.
func (s *Store) UpsertRevision(ctx context.Context, rev wiki.Revision) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO revisions (page_id, revision_id, parent_id, content, content_hash, size, ts, author)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (page_id, content_hash) DO NOTHING`,
		rev.PageID, rev.ID, rev.ParentID, rev.Content, rev.ContentHash, rev.Size, rev.Timestamp, rev.Author)
	if err != nil {
		return false, fmt.Errorf("upsert revision %d of page %s: %w", rev.ID, rev.PageID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReadLastRevision returns the newest stored revision of the page, or nil
// when it has never been archived.
func (s *Store) ReadLastRevision(ctx context.Context, pageID string) (*wiki.Revision, error) {
	row := s.pool.QueryRow(ctx, `
SELECT page_id, revision_id, parent_id, content, content_hash, size, ts, author
FROM revisions
WHERE page_id = $1
ORDER BY revision_id DESC
LIMIT 1`, pageID)
	rev, err := scanRevision(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last revision of page %s: %w", pageID, err)
	}
	return rev, nil
}

// RevisionAt implements store.History. Bounds are inclusive and Nearest
// prefers the earlier revision when both sides are equidistant.
func (s *Store) RevisionAt(ctx context.Context, pageID string, at time.Time, dir store.Direction) (*wiki.Revision, error) {
	switch dir {
	case store.Before:
		return s.revisionBound(ctx, pageID, at, "ts <= $2", "ts DESC")
	case store.After:
		return s.revisionBound(ctx, pageID, at, "ts >= $2", "ts ASC")
	case store.Nearest:
		before, err := s.revisionBound(ctx, pageID, at, "ts <= $2", "ts DESC")
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		after, err := s.revisionBound(ctx, pageID, at, "ts >= $2", "ts ASC")
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		switch {
		case before == nil && after == nil:
			return nil, store.ErrNotFound
		case before == nil:
			return after, nil
		case after == nil:
			return before, nil
		case after.Timestamp.Sub(at) < at.Sub(before.Timestamp):
			return after, nil
		default:
			return before, nil
		}
	default:
		return nil, fmt.Errorf("unknown lookup direction %q", dir)
	}
}

func (s *Store) revisionBound(ctx context.Context, pageID string, at time.Time, cond, order string) (*wiki.Revision, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT page_id, revision_id, parent_id, content, content_hash, size, ts, author
FROM revisions
WHERE page_id = $1 AND %s
ORDER BY %s
LIMIT 1`, cond, order), pageID, at)
	rev, err := scanRevision(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revision lookup for page %s: %w", pageID, err)
	}
	return rev, nil
}

// CreateRun inserts a scrape run in its initial state.
func (s *Store) CreateRun(ctx context.Context, run wiki.ScrapeRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scrape_runs (id, mode, status, started_at, stats)
VALUES ($1, $2, $3, $4, $5)`,
		run.ID.String(), string(run.Mode), string(run.Status), run.StartedAt, stats)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// CloseRun records the terminal status and final counters of a run.
func (s *Store) CloseRun(ctx context.Context, run wiki.ScrapeRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_runs
SET status = $2, finished_at = $3, stats = $4
WHERE id = $1`,
		run.ID.String(), string(run.Status), run.FinishedAt, stats)
	if err != nil {
		return fmt.Errorf("close run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

func scanRevision(row pgx.Row) (*wiki.Revision, error) {
	var rev wiki.Revision
	err := row.Scan(
		&rev.PageID,
		&rev.ID,
		&rev.ParentID,
		&rev.Content,
		&rev.ContentHash,
		&rev.Size,
		&rev.Timestamp,
		&rev.Author,
	)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}
