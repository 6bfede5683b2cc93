package stats

import (
	"context"
	"database/sql"
	"fmt"
)

// Both backends share table and column names so the queries only differ in
// placeholder syntax and id generation.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		kind TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER REFERENCES connections(id) ON DELETE SET NULL,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at TIMESTAMPTZ,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT REFERENCES connections(id) ON DELETE SET NULL,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp)`,
}

func initSchema(ctx context.Context, db *sql.DB, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// nullableConnectionID maps the "no connection" id 0 to NULL.
func nullableConnectionID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
