package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transfer_attempts (
		id                  UUID          PRIMARY KEY,
		idempotency_key     VARCHAR(128),
		source_account_id   BIGINT        NOT NULL,
		target_account_id   BIGINT,
		type                VARCHAR(16)   NOT NULL,
		amount              NUMERIC(20,2) NOT NULL CHECK (amount > 0),
		state               VARCHAR(32)   NOT NULL,
		source_debited      BOOLEAN       NOT NULL DEFAULT FALSE,
		target_credited     BOOLEAN       NOT NULL DEFAULT FALSE,
		source_compensated  BOOLEAN       NOT NULL DEFAULT FALSE,
		source_user_id      BIGINT,
		target_user_id      BIGINT,
		source_balance_from NUMERIC(20,2),
		source_balance_to   NUMERIC(20,2),
		target_balance_from NUMERIC(20,2),
		target_balance_to   NUMERIC(20,2),
		source_refund_from  NUMERIC(20,2),
		source_refund_to    NUMERIC(20,2),
		failure_reason      TEXT,
		transaction_id      BIGINT,
		created_at          TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
		reconcile_claimed_until TIMESTAMPTZ
	)`,
	`ALTER TABLE transfer_attempts ADD COLUMN IF NOT EXISTS source_refund_from NUMERIC(20,2)`,
	`ALTER TABLE transfer_attempts ADD COLUMN IF NOT EXISTS source_refund_to NUMERIC(20,2)`,
	`ALTER TABLE transfer_attempts ADD COLUMN IF NOT EXISTS reconcile_claimed_until TIMESTAMPTZ`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transfer_attempts_live_idempotency_key
		ON transfer_attempts(idempotency_key)
		WHERE idempotency_key IS NOT NULL AND state NOT IN ('aborted', 'compensated')`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_attempts_state_updated
		ON transfer_attempts(state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id                BIGSERIAL     PRIMARY KEY,
		account_id        BIGINT        NOT NULL,
		type              VARCHAR(16)   NOT NULL,
		amount            NUMERIC(20,2) NOT NULL CHECK (amount > 0),
		target_account_id BIGINT,
		idempotency_key   VARCHAR(128)  UNIQUE,
		attempt_id        UUID          NOT NULL UNIQUE REFERENCES transfer_attempts(id),
		timestamp         TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
		CHECK ((type = 'transfer') = (target_account_id IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_id ON transactions(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_target_account_id ON transactions(target_account_id)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id                    BIGSERIAL    PRIMARY KEY,
		exchange              VARCHAR(255) NOT NULL,
		routing_key           VARCHAR(255) NOT NULL,
		payload               JSONB        NOT NULL,
		status                VARCHAR(16)  NOT NULL DEFAULT 'pending',
		attempts              INT          NOT NULL DEFAULT 0,
		next_attempt_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMPTZ,
		published_at          TIMESTAMPTZ,
		last_error            TEXT,
		created_at            TIMESTAMPTZ  NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_status_next_attempt
		ON event_outbox(status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id               BIGSERIAL   PRIMARY KEY,
		user_id          BIGINT      NOT NULL,
		message          TEXT        NOT NULL,
		transaction_id   BIGINT      NOT NULL DEFAULT 0,
		transaction_type VARCHAR(16) NOT NULL DEFAULT '',
		role             VARCHAR(16) NOT NULL DEFAULT 'source',
		event_timestamp  TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS role VARCHAR(16) NOT NULL DEFAULT 'source'`,
	`DROP INDEX IF EXISTS uq_notifications_transaction_user`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_transaction_user_role
		ON notifications(transaction_id, user_id, role)
		WHERE transaction_id > 0`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id)`,
}

// EnsureSchema creates tables and indexes idempotently.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
