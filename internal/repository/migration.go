package repository

import (
	"context"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		username     TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id                   TEXT PRIMARY KEY,
		kind                 TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
		title                TEXT NOT NULL DEFAULT '',
		avatar_url           TEXT NOT NULL DEFAULT '',
		last_activity_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_message_preview TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id         TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'member',
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		left_at         TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants (user_id) WHERE left_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id       TEXT NOT NULL,
		content         TEXT,
		media_refs      TEXT[],
		reply_to_id     TEXT,
		type            TEXT NOT NULL DEFAULT 'text',
		edited_at       TIMESTAMPTZ,
		pinned_at       TIMESTAMPTZ,
		pinned_by       TEXT,
		deleted         BOOLEAN NOT NULL DEFAULT false,
		deleted_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_history ON messages (conversation_id, created_at DESC, id DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_one_pin ON messages (conversation_id) WHERE pinned_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		emoji           TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		read_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id               TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL REFERENCES conversations(id),
		initiator_id     TEXT NOT NULL,
		kind             TEXT NOT NULL CHECK (kind IN ('voice', 'video')),
		status           TEXT NOT NULL CHECK (status IN ('ringing', 'active', 'ended', 'declined', 'missed')),
		channel          TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		duration_seconds INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_sessions_live ON call_sessions (conversation_id, created_at, id) WHERE status IN ('ringing', 'active')`,
	`CREATE TABLE IF NOT EXISTS call_participants (
		call_id         TEXT NOT NULL REFERENCES call_sessions(id),
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		left_at         TIMESTAMPTZ,
		muted           BOOLEAN NOT NULL DEFAULT false,
		camera_off      BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (call_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id              TEXT PRIMARY KEY,
		table_name      TEXT NOT NULL,
		op              TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		row_id          TEXT NOT NULL,
		payload         JSONB NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		error           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at, id) WHERE status = 'PENDING'`,
}

// Tables lists every table InitSchema creates, children first.
var Tables = []string{
	"outbox_events",
	"call_participants",
	"call_sessions",
	"message_reads",
	"message_reactions",
	"messages",
	"participants",
	"conversations",
	"users",
}

// InitSchema creates the tables and indexes.
func InitSchema(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

// DropSchema drops every table InitSchema created.
func DropSchema(ctx context.Context, db DBTX) error {
	for _, table := range Tables {
		if _, err := db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}

// TableCount returns the number of rows in table, which must be one of Tables.
func TableCount(ctx context.Context, db DBTX, table string) (int64, error) {
	known := false
	for _, t := range Tables {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	err := db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n)
	return n, err
}
