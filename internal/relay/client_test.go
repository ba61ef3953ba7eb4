package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

func TestSendAttachesBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider("tok-123"), zap.NewNop())
	err := c.Send(context.Background(), "bob", Payload{
		Type:        TypeChatMessage,
		SenderID:    "alice",
		MessageID:   "m-1",
		MessageText: "hi",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/messages/send" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.ReceiverID != "bob" {
		t.Errorf("receiverId = %q, want bob", gotBody.ReceiverID)
	}
}

func TestSendBackendErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider("tok"), zap.NewNop())
	err := c.Send(context.Background(), "bob", Payload{Type: TypeChatMessage, SenderID: "a", MessageID: "m"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", te.StatusCode)
	}
}

func TestSendUnreachableBackend(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second, NewStaticTokenProvider("tok"), zap.NewNop())
	err := c.Send(context.Background(), "bob", Payload{Type: TypeChatMessage, SenderID: "a", MessageID: "m"})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for network failure", te.StatusCode)
	}
}

func TestSendWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never reach the backend without a token")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider(""), zap.NewNop())
	err := c.Send(context.Background(), "bob", Payload{Type: TypeChatMessage, SenderID: "a", MessageID: "m"})
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestSendReceipt(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/delivery-receipt" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider("tok"), zap.NewNop())
	if err := c.SendReceipt(context.Background(), "bob", "m-1", store.StatusDelivered); err != nil {
		t.Fatalf("SendReceipt: %v", err)
	}
	if got["senderId"] != "bob" || got["messageId"] != "m-1" || got["status"] != "delivered" {
		t.Errorf("body = %v", got)
	}
}

func TestFetchUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/users/bob" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"bob","username":"bob87","displayName":"Bob Jones","photoUrl":"http://x/b.png","online":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider("tok"), zap.NewNop())
	p, err := c.FetchUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	if p.DisplayName != "Bob Jones" || p.Username != "bob87" || !p.Online {
		t.Errorf("profile = %+v", p)
	}

	_, err = c.FetchUser(context.Background(), "ghost")
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v, want 404 TransportError", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Ping works even without a token.
	c := NewClient(srv.URL, time.Second, NewStaticTokenProvider(""), zap.NewNop())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
