package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/relay"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

// mockChannel records sends and fails on demand.
type mockChannel struct {
	mu       sync.Mutex
	fail     bool
	sent     []relay.Payload
	receipts []store.Status
	profiles map[string]*relay.Profile
}

func (m *mockChannel) Send(_ context.Context, receiverID string, p relay.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return &relay.TransportError{Op: "send", Err: errors.New("backend unreachable")}
	}
	p.ReceiverID = receiverID
	m.sent = append(m.sent, p)
	return nil
}

func (m *mockChannel) SendReceipt(_ context.Context, _, _ string, s store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return &relay.TransportError{Op: "receipt", Err: errors.New("backend unreachable")}
	}
	m.receipts = append(m.receipts, s)
	return nil
}

func (m *mockChannel) FetchUser(_ context.Context, userID string) (*relay.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, &relay.TransportError{Op: "fetch user", Err: errors.New("backend unreachable")}
	}
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return nil, &relay.TransportError{Op: "fetch user", StatusCode: 404}
}

func (m *mockChannel) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *mockChannel) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testPipeline(t *testing.T, selfID string) (*Pipeline, *store.DB, *mockChannel) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ch := &mockChannel{}
	p := New(db, ch, bus.New(), zap.NewNop(), selfID, Options{MaxAttempts: 3})
	return p, db, ch
}

func TestSendHappyPath(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")

	msg, err := p.Send(context.Background(), "bob", Outgoing{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != store.StatusSent {
		t.Errorf("status = %s, want %s", msg.Status, store.StatusSent)
	}
	if ch.sentCount() != 1 {
		t.Errorf("channel sends = %d, want 1", ch.sentCount())
	}

	// The persisted row must agree with the returned one.
	got, err := db.GetMessage(msg.ID)
	if err != nil || got == nil {
		t.Fatalf("GetMessage: %v, %v", got, err)
	}
	if got.Status != store.StatusSent {
		t.Errorf("persisted status = %s", got.Status)
	}
	if got.ConversationID != store.ConversationID("alice", "bob") {
		t.Errorf("conversation id = %q", got.ConversationID)
	}

	// Sending must not leave anything in the retry queue.
	depth, err := db.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestSendTransportFailureQueues(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")
	ch.setFail(true)

	msg, err := p.Send(context.Background(), "bob", Outgoing{Text: "hello"})
	if err != nil {
		t.Fatalf("transport failure must not surface as an error, got %v", err)
	}
	if msg.Status != store.StatusQueued {
		t.Errorf("status = %s, want %s", msg.Status, store.StatusQueued)
	}

	entries, err := db.ListRetryable(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(entries))
	}
	if entries[0].MessageID != msg.ID || entries[0].ReceiverID != "bob" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", entries[0].RetryCount)
	}
}

func TestSendValidation(t *testing.T) {
	p, _, _ := testPipeline(t, "alice")
	if _, err := p.Send(context.Background(), "", Outgoing{Text: "x"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSendUsesCachedPeerProfile(t *testing.T) {
	p, db, _ := testPipeline(t, "alice")
	if err := db.CacheUser(store.CachedUser{UserID: "bob", DisplayName: "Bob Jones", PhotoURL: "http://x/b.png"}); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Send(context.Background(), "bob", Outgoing{Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation(store.ConversationID("alice", "bob"))
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.PeerName != "Bob Jones" {
		t.Errorf("peer name = %q", conv.PeerName)
	}
}

func TestSendFetchesAndCachesPeerProfile(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")
	ch.profiles = map[string]*relay.Profile{
		"bob": {UserID: "bob", DisplayName: "Bob Jones", PhotoURL: "http://x/b.png"},
	}

	if _, err := p.Send(context.Background(), "bob", Outgoing{Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation(store.ConversationID("alice", "bob"))
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.PeerName != "Bob Jones" {
		t.Errorf("peer name = %q, want fetched profile name", conv.PeerName)
	}

	// The fetched profile landed in the cache for the next lookup.
	cached, err := db.GetCachedUser("bob", time.Hour)
	if err != nil || cached == nil {
		t.Fatalf("GetCachedUser: %v, %v", cached, err)
	}
	if cached.DisplayName != "Bob Jones" || cached.Stale {
		t.Errorf("cached = %+v", cached)
	}
}

func TestPeerProfileUnreachableBackendFallsBack(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")
	ch.setFail(true)

	// No cache and no backend: the send still goes through with an empty
	// snapshot rather than failing.
	msg, err := p.Send(context.Background(), "bob", Outgoing{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusQueued {
		t.Errorf("status = %s", msg.Status)
	}
	conv, _ := db.GetConversation(store.ConversationID("alice", "bob"))
	if conv == nil || conv.PeerName != "" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestInboundMessage(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")

	p.HandlePush(relay.Payload{
		Type:        relay.TypeChatMessage,
		SenderID:    "bob",
		MessageID:   "m-in-1",
		MessageText: "hey",
		Timestamp:   1700000000000,
	})

	msg, err := db.GetMessage("m-in-1")
	if err != nil || msg == nil {
		t.Fatalf("GetMessage: %v, %v", msg, err)
	}
	if msg.Status != store.StatusDelivered {
		t.Errorf("status = %s, want %s", msg.Status, store.StatusDelivered)
	}
	if msg.SenderID != "bob" || msg.ReceiverID != "alice" {
		t.Errorf("participants = %s -> %s", msg.SenderID, msg.ReceiverID)
	}

	conv, err := db.GetConversation(store.ConversationID("alice", "bob"))
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}
	if conv.LastMessageText != "hey" {
		t.Errorf("preview = %q", conv.LastMessageText)
	}

	// A delivery receipt went back to the sender.
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.receipts) != 1 || ch.receipts[0] != store.StatusDelivered {
		t.Errorf("receipts = %v", ch.receipts)
	}
}

func TestInboundDuplicatePush(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")
	payload := relay.Payload{
		Type:        relay.TypeChatMessage,
		SenderID:    "bob",
		MessageID:   "m-dup",
		MessageText: "once",
		Timestamp:   1700000000000,
	}

	p.HandlePush(payload)
	p.HandlePush(payload)

	conv, err := db.GetConversation(store.ConversationID("alice", "bob"))
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d after redelivery, want 1", conv.UnreadCount)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.receipts) != 1 {
		t.Errorf("receipts = %d after redelivery, want 1", len(ch.receipts))
	}
}

func TestInboundReceiptFailureStillPersists(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")

	// Channel down: the delivery receipt is lost, the message is not.
	ch.setFail(true)
	p.HandlePush(relay.Payload{
		Type:      relay.TypeChatMessage,
		SenderID:  "bob",
		MessageID: "m-offline",
		Timestamp: 1700000000000,
	})

	msg, err := db.GetMessage("m-offline")
	if err != nil || msg == nil {
		t.Fatalf("GetMessage: %v, %v", msg, err)
	}
	if msg.Status != store.StatusDelivered {
		t.Errorf("status = %s", msg.Status)
	}
}

func TestReceiptAdvancesStatus(t *testing.T) {
	p, db, _ := testPipeline(t, "alice")
	msg, err := p.Send(context.Background(), "bob", Outgoing{Text: "out"})
	if err != nil {
		t.Fatal(err)
	}

	p.HandlePush(relay.Payload{Type: relay.TypeDeliveryReceipt, MessageID: msg.ID, Status: "delivered"})

	got, _ := db.GetMessage(msg.ID)
	if got.Status != store.StatusDelivered {
		t.Errorf("status = %s, want %s", got.Status, store.StatusDelivered)
	}

	p.HandlePush(relay.Payload{Type: relay.TypeReadReceipt, MessageID: msg.ID, Status: "read"})

	got, _ = db.GetMessage(msg.ID)
	if got.Status != store.StatusRead {
		t.Errorf("status = %s, want %s", got.Status, store.StatusRead)
	}
}

func TestReceiptNeverRegresses(t *testing.T) {
	p, db, _ := testPipeline(t, "alice")
	msg, err := p.Send(context.Background(), "bob", Outgoing{Text: "out"})
	if err != nil {
		t.Fatal(err)
	}

	// Read receipt arrives before the delivery receipt.
	p.HandlePush(relay.Payload{Type: relay.TypeReadReceipt, MessageID: msg.ID, Status: "read"})
	p.HandlePush(relay.Payload{Type: relay.TypeDeliveryReceipt, MessageID: msg.ID, Status: "delivered"})

	got, _ := db.GetMessage(msg.ID)
	if got.Status != store.StatusRead {
		t.Errorf("status = %s, late delivery receipt must not regress read", got.Status)
	}
}

func TestReceiptForUnknownMessage(t *testing.T) {
	p, _, _ := testPipeline(t, "alice")
	// Must not panic or error; just a warning.
	p.HandlePush(relay.Payload{Type: relay.TypeDeliveryReceipt, MessageID: "ghost", Status: "delivered"})
}

func TestUnknownPayloadDropped(t *testing.T) {
	p, db, _ := testPipeline(t, "alice")
	p.HandlePush(relay.Payload{Type: "friend_request", MessageID: "m-x"})

	n, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("message count = %d after unknown payload, want 0", n)
	}
}

func TestMarkReadSendsReceipts(t *testing.T) {
	p, db, ch := testPipeline(t, "alice")
	convID := store.ConversationID("alice", "bob")

	for _, id := range []string{"m-r1", "m-r2"} {
		p.HandlePush(relay.Payload{
			Type: relay.TypeChatMessage, SenderID: "bob", MessageID: id, Timestamp: 1700000000000,
		})
	}
	ch.mu.Lock()
	ch.receipts = nil // discard the delivery receipts
	ch.mu.Unlock()

	if err := p.MarkRead(context.Background(), convID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	conv, _ := db.GetConversation(convID)
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.receipts) != 2 {
		t.Fatalf("read receipts = %d, want 2", len(ch.receipts))
	}
	for _, s := range ch.receipts {
		if s != store.StatusRead {
			t.Errorf("receipt status = %s", s)
		}
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	p, _, ch := testPipeline(t, "alice")
	convID := store.ConversationID("alice", "bob")

	p.HandlePush(relay.Payload{Type: relay.TypeChatMessage, SenderID: "bob", MessageID: "m-1", Timestamp: 1})
	if err := p.MarkRead(context.Background(), convID); err != nil {
		t.Fatal(err)
	}
	ch.mu.Lock()
	before := len(ch.receipts)
	ch.mu.Unlock()

	if err := p.MarkRead(context.Background(), convID); err != nil {
		t.Fatal(err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.receipts) != before {
		t.Errorf("second MarkRead sent %d more receipts", len(ch.receipts)-before)
	}
}
