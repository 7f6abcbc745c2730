package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stream_key TEXT NOT NULL,
		broadcast_id TEXT,
		title TEXT NOT NULL,
		preview TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT streams_broadcast_with_start CHECK ((broadcast_id IS NULL) = (start_at IS NULL)),
		CONSTRAINT streams_end_requires_start CHECK (end_at IS NULL OR start_at IS NOT NULL),
		CONSTRAINT streams_end_after_start CHECK (end_at IS NULL OR end_at >= start_at)
	)`,
	// one live row per broadcast id
	`CREATE UNIQUE INDEX IF NOT EXISTS streams_live_broadcast_idx ON streams (broadcast_id) WHERE end_at IS NULL AND broadcast_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS streams_user_idx ON streams (user_id, updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS streams_open_idx ON streams (created_at) WHERE end_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS streams_key_idx ON streams (stream_key) WHERE end_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS stream_tags (
		stream_id TEXT NOT NULL REFERENCES streams (id) ON DELETE CASCADE,
		tag_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stream_id, tag_id)
	)`,
}

// EnsureSchema creates the session tables and indexes when they do not exist
// yet. Statements are idempotent so repeated startups are safe.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
