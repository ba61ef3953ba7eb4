package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/status"
	"go.uber.org/zap"
)

// streamServer accepts every dial on the stream route, records the dial
// time, and drops the connection after hold.
type streamServer struct {
	srv   *httptest.Server
	dials chan time.Time
}

func newStreamServer(t *testing.T, hold time.Duration) *streamServer {
	t.Helper()
	up := websocket.Upgrader{}
	s := &streamServer{dials: make(chan time.Time, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/stream" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.dials <- time.Now()
		time.Sleep(hold)
		_ = conn.Close()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func startStream(t *testing.T, srv *streamServer, minBackoff time.Duration) *Stream {
	t.Helper()
	b := bus.New()
	st := NewStream(srv.srv.URL, NewStaticTokenProvider("tok"), b, status.NewMachine(b), zap.NewNop())
	st.minBackoff = minBackoff
	st.Start(context.Background())
	t.Cleanup(st.Stop)
	return st
}

func (s *streamServer) waitDials(t *testing.T, n int, deadline time.Duration) []time.Time {
	t.Helper()
	var times []time.Time
	timeout := time.After(deadline)
	for len(times) < n {
		select {
		case ts := <-s.dials:
			times = append(times, ts)
		case <-timeout:
			t.Fatalf("only %d of %d dials before deadline", len(times), n)
		}
	}
	return times
}

func TestStreamBackoffResetsAfterHandshake(t *testing.T) {
	srv := newStreamServer(t, 20*time.Millisecond)
	startStream(t, srv, 50*time.Millisecond)

	// Every connection completes its handshake before dropping, so each
	// redial waits only the floor delay. If the backoff kept doubling after
	// healthy connections, six dials would take well over a second.
	times := srv.waitDials(t, 6, 5*time.Second)
	if total := times[5].Sub(times[0]); total > 1200*time.Millisecond {
		t.Errorf("6 dials took %s, backoff did not reset after connect", total)
	}
}

func TestStreamReconnectDoesNotLeakGoroutines(t *testing.T) {
	srv := newStreamServer(t, 0)
	startStream(t, srv, 5*time.Millisecond)

	srv.waitDials(t, 3, 5*time.Second)
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv.waitDials(t, 20, 5*time.Second)
	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()

	// Each connection's shutdown watcher must exit with its connection; a
	// watcher that only exits at daemon stop grows the count per reconnect.
	if after-before > 10 {
		t.Errorf("goroutines grew from %d to %d across reconnects", before, after)
	}
}

func TestStreamDeliversPayloads(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"chat_message","senderId":"bob","messageId":"m-ws-1","messageText":"hi"}`))
		// Unknown types are dropped without killing the read loop.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","messageId":"x"}`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"delivery_receipt","messageId":"m-ws-1","status":"delivered"}`))
		time.Sleep(200 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	b := bus.New()
	st := NewStream(srv.URL, NewStaticTokenProvider("tok"), b, status.NewMachine(b), zap.NewNop())
	got := make(chan Payload, 8)
	st.OnPayload(func(p Payload) { got <- p })
	st.Start(context.Background())
	defer st.Stop()

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case p := <-got:
			kinds = append(kinds, p.Type)
		case <-timeout:
			t.Fatalf("got %v before deadline", kinds)
		}
	}
	if kinds[0] != TypeChatMessage || kinds[1] != TypeDeliveryReceipt {
		t.Errorf("delivered kinds = %v", kinds)
	}
}
