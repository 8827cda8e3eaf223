package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/routerstream/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Schema creates the tables the broker reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS routers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL DEFAULT 0,
	username   TEXT NOT NULL DEFAULT '',
	password   TEXT NOT NULL DEFAULT '',
	tls        BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS exec_audit (
	exec_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	device      TEXT NOT NULL,
	command     TEXT NOT NULL,
	params      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	rows        INTEGER NOT NULL DEFAULT 0,
	issued_at   TIMESTAMPTZ NOT NULL,
	duration_us BIGINT NOT NULL,
	PRIMARY KEY (session_id, exec_id, issued_at)
);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
