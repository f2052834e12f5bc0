// Package store provides the durable, transactional backing store for
// AgentChatBus: threads, messages, agents, events and the global
// sequence counter, behind a single-writer SQLite connection (C1).
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the given path and configures it
// for concurrent use (WAL mode, foreign keys enabled, single writer).
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time; the store is
	// documented as single-writer (§4.1), so cap the pool at one
	// connection to avoid SQLITE_BUSY storms under concurrent readers
	// that happen to also write.
	db.SetMaxOpenConns(1)

	return db, nil
}
