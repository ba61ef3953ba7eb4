// Package relay is the adapter over the push-notification transport: HTTP
// calls to the backend relay for outbound messages and receipts, plus a
// websocket stream for inbound delivery.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

// TransportError wraps a network or backend failure on a relay call. The
// pipeline converts these into the queued state instead of surfacing them.
type TransportError struct {
	Op         string
	StatusCode int // zero when the request never reached the backend
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay %s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the backend relay over HTTP with bearer authentication and
// a bounded request timeout, so a send attempt can never hang in "sending"
// indefinitely.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	logger  *zap.Logger
}

// NewClient creates a relay client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, tokens TokenProvider, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

// BaseURL returns the configured relay base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Send ships a message payload to the backend for delivery to receiverID.
// Transport errors and non-2xx responses both come back as TransportError;
// a missing auth token comes back wrapping ErrNoToken.
func (c *Client) Send(ctx context.Context, receiverID string, p Payload) error {
	p.ReceiverID = receiverID
	return c.post(ctx, "send", "/messages/send", p)
}

// SendReceipt acknowledges delivery or read state of a message back to its
// sender. Callers treat failures as best-effort: a lost receipt must not
// block the pipeline.
func (c *Client) SendReceipt(ctx context.Context, senderID, messageID string, s store.Status) error {
	body := map[string]string{
		"senderId":  senderID,
		"messageId": messageID,
		"status":    string(s),
	}
	return c.post(ctx, "receipt", "/messages/delivery-receipt", body)
}

// RegisterToken informs the backend of the local push address. Called on
// startup and whenever the push token rotates.
func (c *Client) RegisterToken(ctx context.Context, pushToken string) error {
	return c.post(ctx, "register token", "/users/update-fcm-token", map[string]string{"fcmToken": pushToken})
}

// Profile is the backend's public view of a user, cached locally with a TTL.
type Profile struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
	PhotoURL    string `json:"photoUrl"`
	Online      bool   `json:"online"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// FetchUser retrieves a user's public profile from the backend.
func (c *Client) FetchUser(ctx context.Context, userID string) (*Profile, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &TransportError{Op: "fetch user", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, &TransportError{Op: "fetch user", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch user", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, &TransportError{Op: "fetch user", StatusCode: resp.StatusCode}
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("relay fetch user: decode: %w", err)
	}
	return &p, nil
}

// Ping probes the relay health endpoint without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return &TransportError{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, body any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("relay %s: marshal body: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
	return nil
}
