package store

import (
	"encoding/json"
	"fmt"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// SearchMessages performs a full-text search on message bodies. Soft-deleted
// messages are excluded. An empty convID searches all conversations.
func (db *DB) SearchMessages(query, convID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.sender_id, m.receiver_id, m.body, m.message_type,
		       m.attachment_uri, m.status, m.read, m.deleted, m.deleted_at, m.edit_history,
		       m.timestamp, m.created_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ? AND m.deleted = 0`

	args := []any{query}
	if convID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, convID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rawHistory string
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.SenderID, &r.Message.ReceiverID,
			&r.Message.Body, &r.Message.MessageType, &r.Message.AttachmentURI, &r.Message.Status,
			&r.Message.Read, &r.Message.Deleted, &r.Message.DeletedAt, &rawHistory,
			&r.Message.Timestamp, &r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawHistory), &r.Message.EditHistory); err != nil {
			return nil, fmt.Errorf("decode edit history of %q: %w", r.Message.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
