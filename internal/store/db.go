package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session-owned chat.db SQLite connection.
type DB struct {
	*sql.DB
}

// Open opens chat.db with WAL journaling and foreign keys enforced.
//
// The pool is capped at a single connection: the daemon's sync engine,
// outbox dispatcher, and control server all write from their own
// goroutines, and serializing them on one connection keeps writes out of
// SQLITE_BUSY territory without sprinkling retries over every caller.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
