package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Database{Pool: pool}, nil
}

func (d *Database) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// AutoMigrate creates the chat schema. Statements are idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	// Owned by the platform; mirrored here so a fresh database is usable.
	`CREATE TABLE IF NOT EXISTS profiles (
		id UUID PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'employee',
		organization_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT,
		kind TEXT NOT NULL CHECK (kind IN ('direct', 'coaching', 'group')),
		created_by UUID NOT NULL,
		organization_id UUID,
		coaching_context_id TEXT,
		dedupe_key TEXT,
		last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_dedupe_key_uq
		ON conversations (dedupe_key) WHERE dedupe_key IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'member', 'coach', 'student')),
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_read_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx
		ON conversation_participants (user_id) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL,
		kind TEXT NOT NULL DEFAULT 'text' CHECK (kind IN ('text', 'image', 'file')),
		content TEXT NOT NULL DEFAULT '',
		attachment_url TEXT,
		attachment_name TEXT,
		attachment_size BIGINT,
		attachment_mime TEXT,
		reply_to_id UUID REFERENCES messages(id) ON DELETE SET NULL,
		client_nonce TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		CHECK (kind = 'text' OR attachment_url IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
		ON messages (conversation_id, created_at, id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_nonce_uq
		ON messages (conversation_id, sender_id, client_nonce) WHERE client_nonce IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS presence (
		user_id UUID PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('online', 'offline')),
		typing_in UUID,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
