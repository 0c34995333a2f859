package db

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Open opens the sqlite database at path and applies migrations.
// Each call returns an independent connection pool, so tests can
// spin up isolated in-memory databases.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	inMemory := path == ":memory:"

	conn, err := sql.Open("sqlite", formatDSN(path, inMemory))
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		return nil, err
	}

	if inMemory {
		// A second pooled connection would see its own empty memory database.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ping database")
		return nil, err
	}

	if err := migrate(ctx, conn); err != nil {
		log.Error().Err(err).Msg("failed to run migrations")
		return nil, err
	}
	log.Debug().Msg("migrations completed")

	return conn, nil
}

func formatDSN(path string, inMemory bool) string {
	// Pragmas for better performance and safety
	// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
	params := url.Values{}
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")

	if inMemory {
		params.Set("mode", "memory")
		return "file:sniplink?" + params.Encode()
	}

	params.Set("cache", "shared")
	params.Set("mode", "rwc")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")

	return "file:" + path + "?" + params.Encode()
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		original_url TEXT NOT NULL,
		short_code TEXT UNIQUE NOT NULL,
		custom_alias TEXT UNIQUE,
		click_count INTEGER NOT NULL DEFAULT 0,
		last_clicked_at TEXT,
		click_locations TEXT NOT NULL DEFAULT '[]',
		qr_image BLOB,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_links_short_code ON links(short_code);
	CREATE INDEX IF NOT EXISTS idx_links_custom_alias ON links(custom_alias);
	CREATE INDEX IF NOT EXISTS idx_links_user_id ON links(user_id);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}
