package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation creates or refreshes the conversation between selfID and
// peerID, returning its deterministic id. Idempotent: calling it from either
// side of the pair yields the same row. Snapshot fields only overwrite
// existing values when non-empty.
func (db *DB) UpsertConversation(selfID, peerID string, snap PeerSnapshot) (string, error) {
	if selfID == "" || peerID == "" {
		return "", fmt.Errorf("%w: upsert conversation requires both participant ids", ErrValidation)
	}
	id := ConversationID(selfID, peerID)
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, peer_id, peer_name, peer_photo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_name = CASE WHEN excluded.peer_name != '' THEN excluded.peer_name ELSE conversations.peer_name END,
			peer_photo_url = CASE WHEN excluded.peer_photo_url != '' THEN excluded.peer_photo_url ELSE conversations.peer_photo_url END,
			updated_at = excluded.updated_at`,
		id, peerID, snap.Name, snap.PhotoURL, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListConversations returns all conversations, pinned ones first, each group
// ordered by most-recent message descending. Ties sort by id for stability.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, peer_id, peer_name, peer_photo_url, last_message_text, last_message_at,
		       unread_count, pinned, muted, created_at, updated_at
		FROM conversations
		ORDER BY pinned DESC, last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.PeerID, &c.PeerName, &c.PeerPhotoURL, &c.LastMessageText,
			&c.LastMessageAt, &c.UnreadCount, &c.Pinned, &c.Muted, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if it does not exist.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, peer_id, peer_name, peer_photo_url, last_message_text, last_message_at,
		       unread_count, pinned, muted, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.PeerID, &c.PeerName, &c.PeerPhotoURL, &c.LastMessageText,
			&c.LastMessageAt, &c.UnreadCount, &c.Pinned, &c.Muted, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationMeta is a partial update for conversation flags. Nil fields are
// left untouched. Setting the unread counter to an absolute value goes through
// here; relative bumps go through IncrementUnread.
type ConversationMeta struct {
	Pinned      *bool
	Muted       *bool
	UnreadCount *int
}

// UpdateConversationMeta applies a partial update. Returns ErrNotFound when
// the conversation does not exist.
func (db *DB) UpdateConversationMeta(id string, meta ConversationMeta) error {
	set := "updated_at = ?"
	args := []any{time.Now().UnixMilli()}
	if meta.Pinned != nil {
		set += ", pinned = ?"
		args = append(args, *meta.Pinned)
	}
	if meta.Muted != nil {
		set += ", muted = ?"
		args = append(args, *meta.Muted)
	}
	if meta.UnreadCount != nil {
		set += ", unread_count = ?"
		args = append(args, *meta.UnreadCount)
	}
	args = append(args, id)

	res, err := db.Exec("UPDATE conversations SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update conversation %q: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementUnread bumps the unread counter by one. The increment happens in
// SQL so rapid successive bumps never lose updates. Returns ErrNotFound when
// the conversation does not exist.
func (db *DB) IncrementUnread(id string) error {
	res, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("increment unread %q: %w", id, ErrNotFound)
	}
	return nil
}

// MarkConversationRead flags every unread inbound message in the conversation
// as read and resets the unread counter, as one transaction. Returns the
// messages that changed so the caller can emit read receipts. Messages sent
// by selfID are not touched.
func (db *DB) MarkConversationRead(convID, selfID string) ([]Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, sender_id FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read = 0 AND deleted = 0`,
		convID, selfID)
	if err != nil {
		return nil, err
	}
	var changed []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.ConversationID = convID
		changed = append(changed, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE messages SET read = 1, status = ?
		WHERE conversation_id = ? AND sender_id != ? AND read = 0 AND deleted = 0`,
		StatusRead, convID, selfID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), convID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return changed, nil
}
