package store

import "fmt"

// ClearAll wipes every table as one transaction. Used only on logout or an
// explicit data reset.
func (db *DB) ClearAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"message_queue", "messages", "conversations", "user_cache"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages, deleted rows included.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// QueueDepth returns how many entries sit in the retry queue.
func (db *DB) QueueDepth() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM message_queue`).Scan(&count)
	return count, err
}
