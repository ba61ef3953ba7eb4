package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/status"
	"go.uber.org/zap"
)

// Handler consumes a decoded inbound payload.
type Handler func(Payload)

// Stream holds the live websocket to the backend relay for foreground
// delivery. Connect and disconnect drive the runtime state machine and the
// net.* bus events that trigger retry sweeps. Background pushes arrive over
// the webhook instead; both paths hand payloads to the same handler.
type Stream struct {
	baseURL    string
	tokens     TokenProvider
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger
	handler    Handler
	cancel     context.CancelFunc
	minBackoff time.Duration
}

// NewStream creates a stream for the given relay base URL.
func NewStream(baseURL string, tokens TokenProvider, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Stream {
	return &Stream{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		bus:        b,
		machine:    m,
		logger:     logger,
		minBackoff: time.Second,
	}
}

// OnPayload registers the inbound handler. Must be called before Start.
func (s *Stream) OnPayload(h Handler) {
	s.handler = h
}

// Start runs the connect loop in the background until Stop.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop tears down the connection.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

const maxBackoff = 30 * time.Second

func (s *Stream) loop(ctx context.Context) {
	backoff := s.minBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		handshook, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if handshook {
			// The relay was reachable; the next attempt starts at the floor
			// even though this connection eventually dropped.
			backoff = s.minBackoff
		} else {
			backoff = min(backoff*2, maxBackoff)
		}
		s.logger.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		s.goOffline()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// connect dials the stream endpoint and runs the read loop until the
// connection drops. Marks the machine ONLINE for the duration. The bool
// reports whether the handshake completed, regardless of how the connection
// ended.
func (s *Stream) connect(ctx context.Context) (bool, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return false, err
	}

	if cur := s.machine.Current(); cur == status.Booting || cur == status.Offline {
		_ = s.machine.Transition(status.Connecting)
	}

	url := wsURL(s.baseURL) + "/messages/stream"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return false, &TransportError{Op: "stream dial", StatusCode: resp.StatusCode, Err: err}
		}
		return false, &TransportError{Op: "stream dial", Err: err}
	}
	defer func() { _ = conn.Close() }()

	s.logger.Info("stream connected", zap.String("url", url))
	_ = s.machine.Transition(status.Online)
	s.bus.Emit(bus.KindNetOnline, nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		p, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnknownPayload) {
				s.logger.Warn("dropping unrecognized payload", zap.Error(err))
			} else {
				s.logger.Warn("dropping malformed payload", zap.Error(err))
			}
			continue
		}
		if s.handler != nil {
			s.handler(*p)
		}
	}
}

func (s *Stream) goOffline() {
	if s.machine.Current() != status.Offline {
		_ = s.machine.Transition(status.Offline)
		s.bus.Emit(bus.KindNetOffline, nil)
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
