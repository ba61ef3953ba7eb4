package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by mutations that require an existing row.
// Queries for missing rows return nil instead; see the per-operation docs.
var ErrNotFound = errors.New("store: not found")

// ErrValidation is returned when a store operation receives malformed input,
// such as a message without a conversation id. It indicates a caller bug and
// is never swallowed by the pipeline.
var ErrValidation = errors.New("store: validation")

// DB wraps a SQLite database connection for the app-owned paychat.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
