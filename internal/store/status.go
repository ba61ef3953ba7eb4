package store

import "fmt"

// Status is the per-message delivery lifecycle stage. The happy path is
// pending -> sending -> sent -> delivered -> read; a failed send branches
// sending -> queued, and a retry brings queued back to sent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// validNext defines the allowed forward transitions per status. A receipt
// can overtake the local send acknowledgment when the remote receives a
// resend before the sweep records it, so sending and queued also admit the
// receipt statuses directly.
var validNext = map[Status][]Status{
	StatusPending:   {StatusSending},
	StatusSending:   {StatusSent, StatusQueued, StatusDelivered, StatusRead},
	StatusQueued:    {StatusSending, StatusSent, StatusDelivered, StatusRead},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
}

// CanAdvance reports whether moving from s to next is a legal transition.
// Receipts arriving out of order must never move a status backwards.
func (s Status) CanAdvance(next Status) bool {
	for _, n := range validNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusSending, StatusSent, StatusQueued, StatusDelivered, StatusRead:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}
