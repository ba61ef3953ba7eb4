package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation is the thread between the local user and exactly one peer.
type Conversation struct {
	ID              string
	PeerID          string
	PeerName        string
	PeerPhotoURL    string
	LastMessageText string
	LastMessageAt   int64
	UnreadCount     int
	Pinned          bool
	Muted           bool
	CreatedAt       int64
	UpdatedAt       int64
}

// PeerSnapshot carries the display fields written onto a conversation when it
// is created or refreshed. Empty fields never overwrite existing values.
type PeerSnapshot struct {
	Name     string
	PhotoURL string
}

// Message is a single chat message row.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	MessageType    string
	AttachmentURI  string
	Status         Status
	Read           bool
	Deleted        bool
	DeletedAt      int64
	EditHistory    []EditRecord
	Timestamp      int64
	CreatedAt      int64
}

// EditRecord is one prior text snapshot in a message's edit history.
type EditRecord struct {
	Text     string `json:"text"`
	EditedAt int64  `json:"edited_at"`
}

// RetryEntry is a queued resend of a message that failed remote delivery.
// Payload holds the serialized wire payload so the sweep can resend without
// re-reading the message row.
type RetryEntry struct {
	ID          int64
	MessageID   string
	ReceiverID  string
	Payload     []byte
	RetryCount  int
	LastRetryAt int64
	CreatedAt   int64
}

// CachedUser is a time-stamped local copy of a remote user's public profile.
type CachedUser struct {
	UserID      string
	Username    string
	DisplayName string
	Phone       string
	PhotoURL    string
	Online      bool
	LastSeenAt  int64
	CachedAt    int64

	// Stale is set by GetCachedUser when the entry is older than the TTL.
	// Stale entries are still usable as fallback.
	Stale bool
}

// ConversationID derives the deterministic conversation id for a pair of
// participants. Both sides compute the same id without a negotiation step.
func ConversationID(a, b string) string {
	if strings.Compare(b, a) < 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// NewMessageID generates a client-side message id. The timestamp prefix keeps
// ids roughly sortable; the random suffix keeps them unique if two messages
// share a millisecond.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
