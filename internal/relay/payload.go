package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload types carried over the push transport.
const (
	TypeChatMessage     = "chat_message"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeReadReceipt     = "read_receipt"
)

// ErrUnknownPayload marks a payload whose type the pipeline does not
// recognize. Such payloads are dropped with a warning, never treated as
// fatal.
var ErrUnknownPayload = errors.New("relay: unknown payload type")

// Payload is the wire schema shared by outbound sends and inbound pushes.
// Field presence depends on Type: chat messages carry text and timestamps,
// receipts carry the referenced message id and a status.
type Payload struct {
	Type                   string `json:"type"`
	ConversationID         string `json:"conversationId,omitempty"`
	SenderID               string `json:"senderId,omitempty"`
	ReceiverID             string `json:"receiverId,omitempty"`
	MessageID              string `json:"messageId"`
	MessageText            string `json:"messageText,omitempty"`
	MessageType            string `json:"messageType,omitempty"`
	ImageURI               string `json:"imageUri,omitempty"`
	TransactionRequestData string `json:"transactionRequestData,omitempty"`
	Timestamp              int64  `json:"timestamp,omitempty"`
	Status                 string `json:"status,omitempty"`
}

// Decode parses and validates an inbound push payload. Returns
// ErrUnknownPayload for unrecognized types so callers can drop them with a
// warning instead of failing.
func Decode(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the per-type required fields.
func (p *Payload) Validate() error {
	switch p.Type {
	case TypeChatMessage:
		if p.SenderID == "" {
			return fmt.Errorf("chat message missing senderId")
		}
		if p.MessageID == "" {
			return fmt.Errorf("chat message missing messageId")
		}
	case TypeDeliveryReceipt, TypeReadReceipt:
		if p.MessageID == "" {
			return fmt.Errorf("%s missing messageId", p.Type)
		}
		if p.Status != "delivered" && p.Status != "read" {
			return fmt.Errorf("%s has invalid status %q", p.Type, p.Status)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayload, p.Type)
	}
	return nil
}
