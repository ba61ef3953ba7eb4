package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/relay"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

// Start runs the background retry loop: a periodic sweep plus an immediate
// sweep whenever connectivity comes back.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe(bus.KindNetOnline, 8)

	go func() {
		defer unsub()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-ch:
				p.logger.Info("connectivity restored, sweeping retry queue")
				p.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background loop.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Sweep re-attempts every queue entry below the attempt ceiling, oldest
// first. A successful resend removes the entry and marks the message sent; a
// failure bumps the attempt counter and leaves the message queued. Entries
// at the ceiling are skipped, never dropped. Running a sweep with an empty
// queue is a no-op, so repeated sweeps are idempotent.
func (p *Pipeline) Sweep(ctx context.Context) (sent, failed int) {
	// One sweep at a time; the ticker and the connectivity trigger may race.
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	entries, err := p.db.ListRetryable(p.opts.MaxAttempts)
	if err != nil {
		p.logger.Error("sweep: read retry queue", zap.Error(err))
		return 0, 0
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return sent, failed
		}
		if err := p.resend(ctx, entry); err != nil {
			failed++
			p.logger.Warn("sweep: resend failed",
				zap.Error(err),
				zap.String("message_id", entry.MessageID),
				zap.Int("attempt", entry.RetryCount+1))
			if err := p.db.IncrementRetryAttempt(entry.ID); err != nil {
				p.logger.Error("sweep: bump attempt", zap.Error(err), zap.Int64("entry", entry.ID))
			}
			continue
		}
		sent++
	}

	if sent > 0 || failed > 0 {
		p.logger.Info("sweep finished", zap.Int("sent", sent), zap.Int("failed", failed))
	}
	return sent, failed
}

// ForceRetry re-attempts a single queue entry regardless of its attempt
// count. This is the manual escape hatch for entries stuck at the ceiling.
// Returns store.ErrNotFound for an unknown entry and the transport error
// when the resend fails (the entry stays queued either way).
func (p *Pipeline) ForceRetry(ctx context.Context, entryID int64) error {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	entry, err := p.db.GetRetry(entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return store.ErrNotFound
	}
	if err := p.resend(ctx, *entry); err != nil {
		if bumpErr := p.db.IncrementRetryAttempt(entry.ID); bumpErr != nil {
			p.logger.Error("force retry: bump attempt", zap.Error(bumpErr), zap.Int64("entry", entry.ID))
		}
		return err
	}
	return nil
}

func (p *Pipeline) resend(ctx context.Context, entry store.RetryEntry) error {
	var payload relay.Payload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	err := p.channel.Send(sendCtx, entry.ReceiverID, payload)
	cancel()
	if err != nil {
		return err
	}

	if err := p.db.RemoveRetry(entry.ID); err != nil {
		p.logger.Error("sweep: remove entry", zap.Error(err), zap.Int64("entry", entry.ID))
	}
	// A receipt may have overtaken this resend; never walk the status back.
	msg, err := p.db.GetMessage(entry.MessageID)
	if err != nil {
		p.logger.Error("sweep: lookup message", zap.Error(err), zap.String("message_id", entry.MessageID))
	} else if msg != nil && msg.Status.CanAdvance(store.StatusSent) {
		if err := p.db.SetMessageStatus(entry.MessageID, store.StatusSent); err != nil {
			p.logger.Error("sweep: mark sent", zap.Error(err), zap.String("message_id", entry.MessageID))
		}
	}
	p.bus.Emit(bus.KindMessageSendAck, Ref{ConversationID: payload.ConversationID, MessageID: entry.MessageID})
	return nil
}
