package bridge

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAuthTimeout bounds how long the dashboard waits for a token.
const DefaultAuthTimeout = time.Second

// AuthToken is the relayed token. Nil fields mean absent.
type AuthToken struct {
	Token   *string `json:"token"`
	Version *string `json:"version"`
}

// TokenSource reads the token and extension version from the page's local storage.
type TokenSource func() (token, version string)

// AuthRelay is the content-script side of the token handshake.
type AuthRelay struct {
	bus     *WindowBus
	policy  OriginPolicy
	pageURL string
	origin  string
	tokens  TokenSource
	log     logrus.FieldLogger
}

// NewAuthRelay creates a relay for the page at pageURL.
func NewAuthRelay(bus *WindowBus, policy OriginPolicy, pageURL string, tokens TokenSource, logger logrus.FieldLogger) *AuthRelay {
	origin := ""
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		origin = OriginOf(u)
	}
	return &AuthRelay{
		bus:     bus,
		policy:  policy,
		pageURL: pageURL,
		origin:  origin,
		tokens:  tokens,
		log:     logger.WithFields(logrus.Fields{"component": "auth_relay", "page": pageURL}),
	}
}

// Listen starts answering token requests.
func (a *AuthRelay) Listen() (remove func()) {
	return a.bus.Listen(a.origin, a.handle)
}

func (a *AuthRelay) handle(ev WindowEvent) {
	if ev.Data.Type != TypeRequestAuthToken {
		return
	}
	if !a.policy.Allows(ev.Origin, a.pageURL) || !a.policy.IsDashboardPage(a.pageURL) {
		a.log.WithField("origin", ev.Origin).Debug("Dropping token request from untrusted origin")
		return
	}
	if ev.Data.MessageID == "" {
		a.log.Debug("Dropping token request without message id")
		return
	}

	token, version := a.tokens()
	out := AuthToken{}
	if token != "" {
		out.Token = &token
	}
	if version != "" {
		out.Version = &version
	}
	payload, err := json.Marshal(out)
	if err != nil {
		a.log.WithError(err).Error("Failed to encode token response")
		return
	}

	// Address the reply to the requester only.
	a.bus.PostMessage(a.origin, Message{
		Type:      TypeAuthTokenResponse,
		MessageID: ev.Data.MessageID,
		Payload:   payload,
	}, ev.Origin)
}

// AuthClient is the dashboard side of the token handshake.
type AuthClient struct {
	bus     *WindowBus
	origin  string
	timeout time.Duration
	log     logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]chan AuthToken
	remove  func()
}

// NewAuthClient creates a client for a dashboard page at origin.
func NewAuthClient(bus *WindowBus, origin string, timeout time.Duration, logger logrus.FieldLogger) *AuthClient {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	c := &AuthClient{
		bus:     bus,
		origin:  origin,
		timeout: timeout,
		log:     logger.WithFields(logrus.Fields{"component": "auth_client", "origin": origin}),
		pending: make(map[string]chan AuthToken),
	}
	c.remove = bus.Listen(origin, c.handle)
	return c
}

// Close stops listening for responses.
func (c *AuthClient) Close() {
	c.remove()
}

// RequestAuthToken asks the content script for the token and waits up to the
// client timeout. An unanswered request yields an AuthToken with nil fields.
func (c *AuthClient) RequestAuthToken(ctx context.Context, targetOrigin string) AuthToken {
	id := NewMessageID()
	ch := make(chan AuthToken, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.bus.PostMessage(c.origin, Message{Type: TypeRequestAuthToken, MessageID: id}, targetOrigin)

	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case tok := <-ch:
		return tok
	case <-t.C:
		c.log.WithField("message_id", id).Debug("No token response before timeout")
	case <-ctx.Done():
	}
	return AuthToken{}
}

func (c *AuthClient) handle(ev WindowEvent) {
	if ev.Data.Type != TypeAuthTokenResponse || ev.Origin != c.origin {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[ev.Data.MessageID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var tok AuthToken
	if err := json.Unmarshal(ev.Data.Payload, &tok); err != nil {
		c.log.WithError(err).Warn("Malformed token response")
		return
	}
	select {
	case ch <- tok:
	default:
	}
}
