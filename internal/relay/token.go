package relay

import (
	"context"
	"errors"
)

// ErrNoToken is returned when no auth token is available for an outbound
// call. The pipeline queues the message like any transport failure, but the
// condition is logged distinctly: retries cannot succeed until the user
// re-authenticates.
var ErrNoToken = errors.New("relay: no auth token")

// TokenProvider supplies the bearer token attached to every relay call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider serves a fixed token from configuration.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider wraps a configured token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Token returns the configured token, or ErrNoToken when blank.
func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}
