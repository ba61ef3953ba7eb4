package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertMessage persists a message row. Generates an id when absent and stamps
// the current time when the message carries no timestamp. Returns the message
// id, or ErrValidation when the conversation id is missing.
func (db *DB) InsertMessage(m *Message) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertMessageTx(tx, m)
	if err != nil {
		return "", err
	}
	if !inserted {
		// Row already exists; the push transport may redeliver.
		return m.ID, tx.Commit()
	}
	return m.ID, tx.Commit()
}

// AppendMessage writes a message and updates the owning conversation's
// denormalized last-message fields as a single transaction, so a crash cannot
// leave the conversation list out of sync with message content. When
// bumpUnread is set the conversation's unread counter is incremented in the
// same transaction. Returns whether the row was newly inserted; a redelivered
// message id is a no-op and does not bump the counter again.
func (db *DB) AppendMessage(m *Message, bumpUnread bool) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertMessageTx(tx, m)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Commit()
	}

	// Out-of-order delivery must not regress the preview fields.
	bump := 0
	if bumpUnread {
		bump = 1
	}
	res, err := tx.Exec(`
		UPDATE conversations SET
			last_message_text = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_text END,
			last_message_at = MAX(last_message_at, ?),
			unread_count = unread_count + ?,
			updated_at = ?
		WHERE id = ?`,
		m.Timestamp, m.Body, m.Timestamp, bump, time.Now().UnixMilli(), m.ConversationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("append to conversation %q: %w", m.ConversationID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit append: %w", err)
	}
	return true, nil
}

func insertMessageTx(tx *sql.Tx, m *Message) (bool, error) {
	if m.ConversationID == "" {
		return false, fmt.Errorf("%w: message requires a conversation id", ErrValidation)
	}
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	history := m.EditHistory
	if history == nil {
		history = []EditRecord{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return false, fmt.Errorf("marshal edit history: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, message_type,
			attachment_uri, status, read, deleted, deleted_at, edit_history, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Body, m.MessageType,
		m.AttachmentURI, m.Status, m.Read, string(raw), m.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns non-deleted messages for a conversation ordered by
// timestamp descending (newest first), with limit/offset pagination. Display
// order follows timestamps, not insertion order, so out-of-order push
// delivery sorts correctly once all messages are present.
func (db *DB) ListMessages(convID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, body, message_type, attachment_uri,
		       status, read, deleted, deleted_at, edit_history, timestamp, created_at
		FROM messages
		WHERE conversation_id = ? AND deleted = 0
		ORDER BY timestamp DESC, id ASC
		LIMIT ? OFFSET ?`, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by id regardless of its deleted flag, or nil
// if no such row exists. Soft-deleted rows stay retrievable here even though
// ListMessages excludes them.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, sender_id, receiver_id, body, message_type, attachment_uri,
		       status, read, deleted, deleted_at, edit_history, timestamp, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetMessageStatus overwrites the delivery status. Transition legality is the
// pipeline's concern; the store just writes. Returns ErrNotFound when the
// message does not exist.
func (db *DB) SetMessageStatus(id string, status Status) error {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set status on %q: %w", id, ErrNotFound)
	}
	return nil
}

// EditMessage appends the current text to the edit history and overwrites the
// body, in one transaction. Soft-deleted messages cannot be edited; both that
// case and a missing id return ErrNotFound.
func (db *DB) EditMessage(id, newText string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body, rawHistory string
	err = tx.QueryRow(`SELECT body, edit_history FROM messages WHERE id = ? AND deleted = 0`, id).
		Scan(&body, &rawHistory)
	if err == sql.ErrNoRows {
		return fmt.Errorf("edit message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	var history []EditRecord
	if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
		return fmt.Errorf("decode edit history of %q: %w", id, err)
	}
	history = append(history, EditRecord{Text: body, EditedAt: time.Now().UnixMilli()})
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal edit history: %w", err)
	}

	if _, err := tx.Exec(`UPDATE messages SET body = ?, edit_history = ? WHERE id = ?`,
		newText, string(raw), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SoftDeleteMessage marks a message deleted and stamps the deletion time. The
// row is never physically removed. A second call is a no-op and keeps the
// original deletion timestamp. Returns ErrNotFound only when no such row
// exists at all.
func (db *DB) SoftDeleteMessage(id string) error {
	res, err := db.Exec(`UPDATE messages SET deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Zero rows: either already deleted (idempotent) or missing.
	m, err := db.GetMessage(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("soft delete %q: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var rawHistory string
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body,
		&m.MessageType, &m.AttachmentURI, &m.Status, &m.Read, &m.Deleted, &m.DeletedAt,
		&rawHistory, &m.Timestamp, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawHistory), &m.EditHistory); err != nil {
		return nil, fmt.Errorf("decode edit history of %q: %w", m.ID, err)
	}
	return &m, nil
}
