// Package changelog persists accepted changes in SQLite with a sequence number
// per push channel, so clients can fetch what they missed after a reconnect.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS changes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	user_token TEXT NOT NULL DEFAULT '',
	user_name  TEXT NOT NULL DEFAULT '',
	type_name  TEXT NOT NULL,
	change     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(channel, seq)
);

CREATE TABLE IF NOT EXISTS imports (
	path        TEXT PRIMARY KEY,
	checksum    TEXT NOT NULL,
	assembly    TEXT NOT NULL DEFAULT '',
	imported_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB wraps a sql.DB with change log operations.
type DB struct {
	conn *sql.DB
	// appendMu serializes sequence allocation.
	appendMu sync.Mutex
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("changelog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("changelog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("changelog: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
