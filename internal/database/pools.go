package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kitchen-stream/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

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

// EnsureSchema creates the journal tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_messages (
		id            UUID PRIMARY KEY,
		connection_id TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		event_id      TEXT,
		payload       TEXT NOT NULL,
		is_json       BOOLEAN NOT NULL,
		received_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stream_messages_event_uniq
		ON stream_messages (connection_id, event_id) WHERE event_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS stream_messages_received_idx
		ON stream_messages (connection_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id            UUID PRIMARY KEY,
		connection_id TEXT NOT NULL,
		kind          TEXT NOT NULL,
		cause         TEXT,
		attempt       INTEGER NOT NULL DEFAULT 0,
		occurred_at   TIMESTAMPTZ NOT NULL
	)`,
}
