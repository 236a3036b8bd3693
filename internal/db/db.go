package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"rtc-service/internal/logging"
)

// Connect opens the Postgres pool and applies the schema.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := RunMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS rooms (
            id BIGSERIAL PRIMARY KEY,
            room_key TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL CHECK (kind IN ('DIRECT', 'GROUP')),
            e2ee BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS room_members (
            room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(room_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS room_messages (
            id BIGSERIAL PRIMARY KEY,
            room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
            message_id TEXT NOT NULL,
            sender_id BIGINT NOT NULL,
            type TEXT NOT NULL,
            server_ts TIMESTAMPTZ NOT NULL,
            body TEXT,
            ciphertext TEXT,
            iv TEXT,
            algo TEXT,
            key_ref TEXT,
            aad TEXT,
            deleted_by_sender BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_for_all BOOLEAN NOT NULL DEFAULT FALSE,
            UNIQUE(room_id, message_id)
        );`,
	`CREATE INDEX IF NOT EXISTS ix_room_messages_history ON room_messages (room_id, server_ts DESC, message_id DESC);`,
	`CREATE TABLE IF NOT EXISTS message_deliveries (
            id BIGSERIAL PRIMARY KEY,
            room_id BIGINT NOT NULL,
            message_id TEXT NOT NULL,
            user_id BIGINT NOT NULL,
            status TEXT NOT NULL,
            device_id TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            delivered_at TIMESTAMPTZ,
            read_at TIMESTAMPTZ,
            UNIQUE(room_id, message_id, user_id),
            FOREIGN KEY (room_id, message_id) REFERENCES room_messages(room_id, message_id) ON DELETE CASCADE
        );`,
	`CREATE INDEX IF NOT EXISTS ix_deliveries_inbox ON message_deliveries (user_id, status);`,
	`CREATE INDEX IF NOT EXISTS ix_deliveries_message_user ON message_deliveries (message_id, user_id);`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
            id TEXT PRIMARY KEY,
            room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
            initiator_id BIGINT NOT NULL,
            callee_ids BIGINT[] NOT NULL,
            state TEXT NOT NULL,
            topology TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            ringing_at TIMESTAMPTZ,
            answered_at TIMESTAMPTZ,
            ended_at TIMESTAMPTZ,
            end_reason TEXT NOT NULL DEFAULT '',
            e2ee_params JSONB NOT NULL DEFAULT '{}'
        );`,
	`CREATE INDEX IF NOT EXISTS ix_call_sessions_state ON call_sessions (state, created_at);`,
}

// RunMigrations applies the idempotent schema statements in order.
func RunMigrations(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logging.OrDefault(logger).Info("database migrations applied", "statements", len(migrations))
	return nil
}
