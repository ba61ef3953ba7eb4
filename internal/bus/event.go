package bus

import "time"

// Well-known event kinds. Subscribers filter by namespace prefix, so
// "message." matches every message event.
const (
	KindMessageUpserted  = "message.upserted"
	KindMessageQueued    = "message.queued"
	KindMessageSendAck   = "message.send_ack"
	KindMessageReceived  = "message.received"
	KindMessageStatus    = "message.status"
	KindConversationRead = "conversation.read"
	KindNetOnline        = "net.online"
	KindNetOffline       = "net.offline"
	KindStatusChanged    = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
