package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS mail_accounts (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT      NOT NULL,
		provider         TEXT        NOT NULL,
		email_address    TEXT        NOT NULL,
		access_token     TEXT        NOT NULL DEFAULT '',
		refresh_token    TEXT        NOT NULL DEFAULT '',
		token_expires_at TIMESTAMPTZ,
		sync_cursor      TEXT        NOT NULL DEFAULT '',
		sync_status      TEXT        NOT NULL DEFAULT 'pending',
		sync_error       TEXT        NOT NULL DEFAULT '',
		last_sync_at     TIMESTAMPTZ,
		is_active        BOOLEAN     NOT NULL DEFAULT TRUE,
		reauth_required  BOOLEAN     NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, provider, email_address)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                  BIGSERIAL PRIMARY KEY,
		account_id          BIGINT      NOT NULL REFERENCES mail_accounts(id),
		provider_message_id TEXT        NOT NULL,
		thread_id           TEXT        NOT NULL DEFAULT '',
		internet_message_id TEXT        NOT NULL DEFAULT '',
		subject             TEXT        NOT NULL DEFAULT '',
		from_address        TEXT        NOT NULL DEFAULT '',
		to_addresses        TEXT[]      NOT NULL DEFAULT '{}',
		cc_addresses        TEXT[]      NOT NULL DEFAULT '{}',
		snippet             TEXT        NOT NULL DEFAULT '',
		received_at         TIMESTAMPTZ NOT NULL,
		is_read             BOOLEAN     NOT NULL DEFAULT FALSE,
		is_starred          BOOLEAN     NOT NULL DEFAULT FALSE,
		has_attachments     BOOLEAN     NOT NULL DEFAULT FALSE,
		labels              TEXT[]      NOT NULL DEFAULT '{}',
		category            TEXT        NOT NULL DEFAULT 'uncategorized',
		priority            INT         NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 100),
		summary             TEXT        NOT NULL DEFAULT '',
		body_text           TEXT        NOT NULL DEFAULT '',
		body_html           TEXT        NOT NULL DEFAULT '',
		classified_at       TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, provider_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_account_received ON messages (account_id, received_at DESC)`,
	`CREATE TABLE IF NOT EXISTS triage_items (
		id             BIGSERIAL PRIMARY KEY,
		user_id        BIGINT      NOT NULL,
		message_id     BIGINT      REFERENCES messages(id),
		title          TEXT        NOT NULL,
		subtitle       TEXT        NOT NULL DEFAULT '',
		is_urgent      BOOLEAN     NOT NULL DEFAULT FALSE,
		source         TEXT        NOT NULL,
		actions        JSONB       NOT NULL DEFAULT '[]',
		status         TEXT        NOT NULL DEFAULT 'pending',
		draft_response TEXT        NOT NULL DEFAULT '',
		snoozed_until  TIMESTAMPTZ,
		acted_at       TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`DROP INDEX IF EXISTS triage_items_one_pending`,
	`CREATE UNIQUE INDEX IF NOT EXISTS triage_items_one_open
		ON triage_items (message_id) WHERE status IN ('pending', 'processing') AND message_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS triage_items_user_status ON triage_items (user_id, status)`,
	`CREATE TABLE IF NOT EXISTS auto_handled_records (
		id          BIGSERIAL PRIMARY KEY,
		user_id     BIGINT      NOT NULL,
		message_id  BIGINT      REFERENCES messages(id),
		description TEXT        NOT NULL,
		source      TEXT        NOT NULL,
		action      TEXT        NOT NULL,
		metadata    JSONB       NOT NULL DEFAULT '{}',
		dedup_key   TEXT        NOT NULL UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT        NOT NULL,
		aggregate_id   BIGINT,
		routing_key    TEXT        NOT NULL,
		payload        JSONB       NOT NULL,
		status         TEXT        NOT NULL DEFAULT 'pending',
		retry_count    INT         NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending ON outbox_events (status, next_retry_at)`,
}

// Migrate creates the tables the pipeline owns.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}
