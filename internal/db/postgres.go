package db

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id             UUID PRIMARY KEY,
	deal_id        INTEGER NOT NULL,
	deleted        INTEGER NOT NULL DEFAULT 0,
	added          INTEGER NOT NULL DEFAULT 0,
	missing_skus   TEXT[] NOT NULL DEFAULT '{}',
	failed_skus    TEXT[] NOT NULL DEFAULT '{}',
	failed_deletes INTEGER[] NOT NULL DEFAULT '{}',
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_runs_deal_idx ON sync_runs (deal_id, started_at DESC);
`

func New(url string) (*sql.DB, error) {
	return sql.Open("postgres", url)
}

func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the sync_runs table when missing.
func Migrate(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, schema)
	return err
}
