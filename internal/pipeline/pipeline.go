// Package pipeline orchestrates message delivery: optimistic local writes,
// remote send attempts, queuing on failure, inbound push ingestion, and the
// retry sweep.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/relay"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

const profileTTL = time.Hour

// Channel is the slice of the delivery transport the pipeline needs.
type Channel interface {
	Send(ctx context.Context, receiverID string, p relay.Payload) error
	SendReceipt(ctx context.Context, senderID, messageID string, s store.Status) error
	FetchUser(ctx context.Context, userID string) (*relay.Profile, error)
}

// Options tune the pipeline. Zero values fall back to defaults.
type Options struct {
	MaxAttempts   int           // retry ceiling, default 3
	SweepInterval time.Duration // periodic sweep cadence, default 30s
	SendTimeout   time.Duration // per-attempt bound, default 10s
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	return o
}

// Pipeline is the message delivery state machine. selfID identifies the
// local user and is threaded explicitly through every store call.
type Pipeline struct {
	db      *store.DB
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string
	opts    Options

	sweepMu sync.Mutex
	cancel  context.CancelFunc
}

// New creates a pipeline for the given local user.
func New(db *store.DB, ch Channel, b *bus.Bus, logger *zap.Logger, selfID string, opts Options) *Pipeline {
	return &Pipeline{
		db:      db,
		channel: ch,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		opts:    opts.withDefaults(),
	}
}

// Outgoing describes a message the UI wants to send.
type Outgoing struct {
	Text          string
	MessageType   string
	AttachmentURI string
	ClientID      string // optional; generated when absent
	Timestamp     int64  // optional; stamped now when absent
}

// Send runs the outbound protocol: optimistic local insert with status
// sending, remote send attempt, then the sent or queued transition. The
// local row is committed before the network attempt, so the message is never
// lost; only its status reflects the transport outcome. A transport failure
// is not an error to the caller — the returned message simply reads queued.
func (p *Pipeline) Send(ctx context.Context, peerID string, out Outgoing) (*store.Message, error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: send requires a peer id", store.ErrValidation)
	}

	convID, err := p.db.UpsertConversation(p.selfID, peerID, p.peerSnapshot(peerID))
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	msg := &store.Message{
		ID:             out.ClientID,
		ConversationID: convID,
		SenderID:       p.selfID,
		ReceiverID:     peerID,
		Body:           out.Text,
		MessageType:    out.MessageType,
		AttachmentURI:  out.AttachmentURI,
		Status:         store.StatusSending,
		Timestamp:      out.Timestamp,
	}
	if _, err := p.db.AppendMessage(msg, false); err != nil {
		return nil, fmt.Errorf("optimistic insert: %w", err)
	}
	p.bus.Emit(bus.KindMessageUpserted, Ref{ConversationID: convID, MessageID: msg.ID})

	payload := relay.Payload{
		Type:           relay.TypeChatMessage,
		ConversationID: convID,
		SenderID:       p.selfID,
		MessageID:      msg.ID,
		MessageText:    msg.Body,
		MessageType:    msg.MessageType,
		ImageURI:       msg.AttachmentURI,
		Timestamp:      msg.Timestamp,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	sendErr := p.channel.Send(sendCtx, peerID, payload)
	cancel()

	// The caller's context may die with the screen that initiated the send;
	// the status transition must still land.
	if sendErr != nil {
		if errors.Is(sendErr, relay.ErrNoToken) {
			p.logger.Warn("send failed: not authenticated, queuing",
				zap.String("message_id", msg.ID))
		} else {
			p.logger.Warn("send failed, queuing",
				zap.Error(sendErr), zap.String("message_id", msg.ID))
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal retry payload: %w", err)
		}
		if err := p.db.EnqueueRetry(msg.ID, peerID, raw); err != nil {
			return nil, fmt.Errorf("enqueue retry: %w", err)
		}
		if err := p.db.SetMessageStatus(msg.ID, store.StatusQueued); err != nil {
			return nil, fmt.Errorf("mark queued: %w", err)
		}
		msg.Status = store.StatusQueued
		p.bus.Emit(bus.KindMessageQueued, Ref{ConversationID: convID, MessageID: msg.ID})
		return msg, nil
	}

	if err := p.db.SetMessageStatus(msg.ID, store.StatusSent); err != nil {
		return nil, fmt.Errorf("mark sent: %w", err)
	}
	msg.Status = store.StatusSent
	p.bus.Emit(bus.KindMessageSendAck, Ref{ConversationID: convID, MessageID: msg.ID})
	return msg, nil
}

// HandlePush ingests one inbound push payload. Both the stream and the
// webhook route here, so foreground and background delivery share one code
// path and statuses never diverge from what is persisted. Failures are
// logged, never propagated: a bad push must not take the pipeline down.
func (p *Pipeline) HandlePush(payload relay.Payload) {
	switch payload.Type {
	case relay.TypeChatMessage:
		p.handleInboundMessage(payload)
	case relay.TypeDeliveryReceipt, relay.TypeReadReceipt:
		p.handleReceipt(payload)
	default:
		p.logger.Warn("dropping unrecognized payload", zap.String("type", payload.Type))
	}
}

func (p *Pipeline) handleInboundMessage(payload relay.Payload) {
	convID, err := p.db.UpsertConversation(p.selfID, payload.SenderID, p.peerSnapshot(payload.SenderID))
	if err != nil {
		p.logger.Error("inbound: upsert conversation", zap.Error(err), zap.String("sender", payload.SenderID))
		return
	}

	msg := &store.Message{
		ID:             payload.MessageID,
		ConversationID: convID,
		SenderID:       payload.SenderID,
		ReceiverID:     p.selfID,
		Body:           payload.MessageText,
		MessageType:    payload.MessageType,
		AttachmentURI:  payload.ImageURI,
		Status:         store.StatusDelivered,
		Timestamp:      payload.Timestamp,
	}
	inserted, err := p.db.AppendMessage(msg, true)
	if err != nil {
		p.logger.Error("inbound: append message", zap.Error(err), zap.String("message_id", msg.ID))
		return
	}
	if !inserted {
		// Redelivered push; counters already account for it.
		return
	}

	p.sendReceipt(payload.SenderID, msg.ID, store.StatusDelivered)

	// Carries enough to deep-link from a local notification on tap.
	p.bus.Emit(bus.KindMessageReceived, Ref{
		ConversationID: convID,
		MessageID:      msg.ID,
		SenderID:       payload.SenderID,
	})
}

func (p *Pipeline) handleReceipt(payload relay.Payload) {
	target, err := store.ParseStatus(payload.Status)
	if err != nil {
		p.logger.Warn("dropping receipt with bad status", zap.String("status", payload.Status))
		return
	}
	msg, err := p.db.GetMessage(payload.MessageID)
	if err != nil {
		p.logger.Error("receipt: lookup message", zap.Error(err), zap.String("message_id", payload.MessageID))
		return
	}
	if msg == nil {
		p.logger.Warn("receipt for unknown message", zap.String("message_id", payload.MessageID))
		return
	}
	if !msg.Status.CanAdvance(target) {
		// Receipts never move a status backwards; a read receipt after a
		// delivery receipt arriving out of order lands here.
		return
	}
	if err := p.db.SetMessageStatus(msg.ID, target); err != nil {
		p.logger.Error("receipt: set status", zap.Error(err), zap.String("message_id", msg.ID))
		return
	}
	p.bus.Emit(bus.KindMessageStatus, Ref{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         string(target),
	})
}

// MarkRead flags the conversation read locally and emits best-effort read
// receipts for the messages that changed.
func (p *Pipeline) MarkRead(ctx context.Context, convID string) error {
	changed, err := p.db.MarkConversationRead(convID, p.selfID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	for _, m := range changed {
		p.sendReceipt(m.SenderID, m.ID, store.StatusRead)
	}
	if len(changed) > 0 {
		p.bus.Emit(bus.KindConversationRead, Ref{ConversationID: convID})
	}
	return nil
}

// sendReceipt ships a receipt best-effort: failures are logged and
// swallowed, a lost receipt must not block the pipeline.
func (p *Pipeline) sendReceipt(senderID, messageID string, s store.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
	defer cancel()
	if err := p.channel.SendReceipt(ctx, senderID, messageID, s); err != nil {
		p.logger.Warn("receipt send failed",
			zap.Error(err), zap.String("message_id", messageID), zap.String("status", string(s)))
	}
}

// peerSnapshot resolves the peer's display fields: fresh cache entries win,
// a miss or stale entry triggers a backend fetch that refreshes the cache,
// and a failed fetch falls back to whatever stale data is on hand.
func (p *Pipeline) peerSnapshot(peerID string) store.PeerSnapshot {
	cached, err := p.db.GetCachedUser(peerID, profileTTL)
	if err == nil && cached != nil && !cached.Stale {
		return snapshotOf(cached)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
	defer cancel()
	prof, err := p.channel.FetchUser(ctx, peerID)
	if err != nil || prof == nil {
		if err != nil {
			p.logger.Debug("profile fetch failed", zap.Error(err), zap.String("user_id", peerID))
		}
		if cached != nil {
			return snapshotOf(cached)
		}
		return store.PeerSnapshot{}
	}

	u := store.CachedUser{
		UserID:      peerID,
		Username:    prof.Username,
		DisplayName: prof.DisplayName,
		Phone:       prof.Phone,
		PhotoURL:    prof.PhotoURL,
		Online:      prof.Online,
		LastSeenAt:  prof.LastSeenAt,
	}
	if err := p.db.CacheUser(u); err != nil {
		p.logger.Warn("cache profile", zap.Error(err), zap.String("user_id", peerID))
	}
	return snapshotOf(&u)
}

func snapshotOf(u *store.CachedUser) store.PeerSnapshot {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return store.PeerSnapshot{Name: name, PhotoURL: u.PhotoURL}
}

// Ref is the bus payload for message events.
type Ref struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Status         string
}
