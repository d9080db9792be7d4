package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a pool for url.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	tenant_id    TEXT NOT NULL,
	phone        TEXT NOT NULL,
	customer_id  TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, phone)
);

CREATE TABLE IF NOT EXISTS messages (
	tenant_id           TEXT NOT NULL,
	contact_phone       TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	direction           TEXT NOT NULL,
	type                TEXT NOT NULL DEFAULT 'text',
	body                TEXT NOT NULL DEFAULT '',
	media_ref           TEXT NOT NULL DEFAULT '',
	sender_id           TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT '',
	ts                  TIMESTAMPTZ NOT NULL,
	reply_to            TEXT NOT NULL DEFAULT '',
	received_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, contact_phone, provider_message_id)
);
CREATE INDEX IF NOT EXISTS messages_order_idx
	ON messages (tenant_id, contact_phone, ts, provider_message_id);

CREATE TABLE IF NOT EXISTS conversations (
	tenant_id       TEXT NOT NULL,
	contact_phone   TEXT NOT NULL,
	status          TEXT NOT NULL,
	assigned_to     TEXT NOT NULL DEFAULT '',
	tags            JSONB NOT NULL DEFAULT '[]',
	version         BIGINT NOT NULL,
	last_message_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, contact_phone)
);
CREATE INDEX IF NOT EXISTS conversations_assignee_idx
	ON conversations (tenant_id, assigned_to) WHERE assigned_to <> '';

CREATE TABLE IF NOT EXISTS conversation_history (
	id            BIGSERIAL PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	contact_phone TEXT NOT NULL,
	action        TEXT NOT NULL,
	agent         TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	tags          JSONB NOT NULL DEFAULT '[]',
	at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_history_key_idx
	ON conversation_history (tenant_id, contact_phone, id DESC);

CREATE TABLE IF NOT EXISTS scheduled_messages (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	recipient_phone   TEXT NOT NULL,
	body              TEXT NOT NULL,
	scheduled_at      TIMESTAMPTZ NOT NULL,
	next_attempt_at   TIMESTAMPTZ NOT NULL,
	state             TEXT NOT NULL,
	attempt_count     INT NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	remote_message_id TEXT NOT NULL DEFAULT '',
	sent_at           TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scheduled_messages_due_idx
	ON scheduled_messages (state, next_attempt_at);
`

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
