package db

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres database behind the snapshot store and runs
// migrations.
func Connect(dsn string, logger *log.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB, logger *log.Logger) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL DEFAULT 'direct',
            name TEXT NOT NULL DEFAULT '',
            participants TEXT[] NOT NULL DEFAULT '{}',
            group_info JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS room_messages (
            room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
            id TEXT NOT NULL,
            client_id TEXT NOT NULL DEFAULT '',
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            status TEXT NOT NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            reply_to JSONB,
            reactions JSONB NOT NULL DEFAULT '[]',
            media JSONB,
            PRIMARY KEY(room_id, id)
        );`,
		`CREATE INDEX IF NOT EXISTS room_messages_order_idx ON room_messages (room_id, created_at, sender_id, id);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Info("database migrations applied")
	}
	return nil
}
