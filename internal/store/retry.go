package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueRetry adds a failed outbound message to the retry queue. The payload
// is the serialized wire form so a later sweep can resend without re-reading
// the message row.
func (db *DB) EnqueueRetry(messageID, receiverID string, payload []byte) error {
	if messageID == "" || receiverID == "" {
		return fmt.Errorf("%w: retry entry requires message and receiver ids", ErrValidation)
	}
	_, err := db.Exec(`
		INSERT INTO message_queue (message_id, receiver_id, payload, retry_count, last_retry_at, created_at)
		VALUES (?, ?, ?, 0, 0, ?)`,
		messageID, receiverID, payload, time.Now().UnixMilli())
	return err
}

// ListRetryable returns entries still below the attempt ceiling, oldest
// first. Entries at the ceiling are deliberately excluded rather than
// deleted: a user's message is never silently dropped.
func (db *DB) ListRetryable(maxAttempts int) ([]RetryEntry, error) {
	return db.listQueue(`WHERE retry_count < ?`, maxAttempts)
}

// ListStuck returns entries at or past the attempt ceiling, oldest first.
// These stay queued until a manual retry or data reset.
func (db *DB) ListStuck(maxAttempts int) ([]RetryEntry, error) {
	return db.listQueue(`WHERE retry_count >= ?`, maxAttempts)
}

func (db *DB) listQueue(where string, args ...any) ([]RetryEntry, error) {
	rows, err := db.Query(`
		SELECT id, message_id, receiver_id, payload, retry_count, last_retry_at, created_at
		FROM message_queue `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []RetryEntry
	for rows.Next() {
		var e RetryEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ReceiverID, &e.Payload,
			&e.RetryCount, &e.LastRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRetry returns a single queue entry, or nil if it does not exist.
func (db *DB) GetRetry(id int64) (*RetryEntry, error) {
	var e RetryEntry
	err := db.QueryRow(`
		SELECT id, message_id, receiver_id, payload, retry_count, last_retry_at, created_at
		FROM message_queue WHERE id = ?`, id).
		Scan(&e.ID, &e.MessageID, &e.ReceiverID, &e.Payload, &e.RetryCount, &e.LastRetryAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RemoveRetry deletes a queue entry after a successful resend. Removing an
// entry that is already gone is a no-op.
func (db *DB) RemoveRetry(id int64) error {
	_, err := db.Exec(`DELETE FROM message_queue WHERE id = ?`, id)
	return err
}

// IncrementRetryAttempt bumps the attempt counter and stamps the attempt
// time. A missing entry is a no-op; the sweep may race with a manual retry.
func (db *DB) IncrementRetryAttempt(id int64) error {
	_, err := db.Exec(`
		UPDATE message_queue SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}
