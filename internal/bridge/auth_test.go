package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dashboardURL    = "https://app.smartrack.io/dashboard"
	dashboardOrigin = "https://app.smartrack.io"
	extensionOrigin = "chrome-extension://abcdefghijklmnop"
)

func testPolicy() OriginPolicy {
	return NewOriginPolicy([]string{"app.smartrack.io", "staging.smartrack.io", "localhost"}, extensionOrigin)
}

func TestOriginPolicy_Allows(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		origin  string
		pageURL string
		want    bool
	}{
		{"own dashboard origin", dashboardOrigin, dashboardURL, true},
		{"extension origin", extensionOrigin, "https://news.example.com/a", true},
		{"localhost dev", "http://localhost:3000", "http://localhost:3000/", true},
		{"scheme mismatch", "http://app.smartrack.io", dashboardURL, false},
		{"foreign origin on dashboard", "https://evil.example.com", dashboardURL, false},
		{"own origin on non dashboard page", "https://news.example.com", "https://news.example.com/a", false},
		{"lookalike host", "https://app.smartrack.io.evil.com", "https://app.smartrack.io.evil.com/", false},
		{"empty origin", "", dashboardURL, false},
		{"null origin", "null", dashboardURL, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Allows(tt.origin, tt.pageURL))
		})
	}
}

func TestAuthHandshake(t *testing.T) {
	bus := NewWindowBus(quietLogger())
	relay := NewAuthRelay(bus, testPolicy(), dashboardURL, func() (string, string) {
		return "tok-123", "2.1.0"
	}, quietLogger())
	defer relay.Listen()()

	client := NewAuthClient(bus, dashboardOrigin, time.Second, quietLogger())
	defer client.Close()

	tok := client.RequestAuthToken(context.Background(), dashboardOrigin)
	require.NotNil(t, tok.Token)
	require.NotNil(t, tok.Version)
	assert.Equal(t, "tok-123", *tok.Token)
	assert.Equal(t, "2.1.0", *tok.Version)
}

func TestAuthHandshake_NoTokenStored(t *testing.T) {
	bus := NewWindowBus(quietLogger())
	relay := NewAuthRelay(bus, testPolicy(), dashboardURL, func() (string, string) { return "", "" }, quietLogger())
	defer relay.Listen()()
	client := NewAuthClient(bus, dashboardOrigin, time.Second, quietLogger())
	defer client.Close()

	tok := client.RequestAuthToken(context.Background(), dashboardOrigin)
	assert.Nil(t, tok.Token)
	assert.Nil(t, tok.Version)
}

func TestAuthHandshake_NonDashboardPageTimesOut(t *testing.T) {
	bus := NewWindowBus(quietLogger())
	var reads atomic.Int32
	relay := NewAuthRelay(bus, testPolicy(), "https://news.example.com/a", func() (string, string) {
		reads.Add(1)
		return "tok", "1"
	}, quietLogger())
	defer relay.Listen()()
	client := NewAuthClient(bus, "https://news.example.com", 50*time.Millisecond, quietLogger())
	defer client.Close()

	tok := client.RequestAuthToken(context.Background(), "https://news.example.com")
	assert.Nil(t, tok.Token)
	assert.Zero(t, reads.Load())
}

func TestAuthRelay_ForeignOriginNeverAnswered(t *testing.T) {
	bus := NewWindowBus(quietLogger())
	var reads atomic.Int32
	relay := NewAuthRelay(bus, testPolicy(), dashboardURL, func() (string, string) {
		reads.Add(1)
		return "tok", "1"
	}, quietLogger())
	defer relay.Listen()()

	responses := make(chan WindowEvent, 16)
	defer bus.Listen(AnyOrigin, func(ev WindowEvent) {
		if ev.Data.Type == TypeAuthTokenResponse {
			responses <- ev
		}
	})()
	// A listener registered at "*" never matches a concrete target, so also
	// listen where a reply could be addressed.
	defer bus.Listen("https://evil.example.com", func(ev WindowEvent) {
		if ev.Data.Type == TypeAuthTokenResponse {
			responses <- ev
		}
	})()

	payloads := []json.RawMessage{nil, json.RawMessage(`{}`), json.RawMessage(`{"messageId":"x"}`), json.RawMessage(`[1,2]`)}
	for _, p := range payloads {
		bus.PostMessage("https://evil.example.com", Message{Type: TypeRequestAuthToken, MessageID: "x", Payload: p}, AnyOrigin)
		bus.PostMessage("https://evil.example.com", Message{Type: TypeRequestAuthToken, MessageID: "x", Payload: p}, dashboardOrigin)
	}

	select {
	case ev := <-responses:
		t.Fatalf("unexpected token response: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, reads.Load())
}

func TestAuthRelay_RepliesOnlyToRequester(t *testing.T) {
	bus := NewWindowBus(quietLogger())
	relay := NewAuthRelay(bus, testPolicy(), dashboardURL, func() (string, string) { return "tok", "1" }, quietLogger())
	defer relay.Listen()()

	atExtension := make(chan WindowEvent, 1)
	atPage := make(chan WindowEvent, 1)
	defer bus.Listen(extensionOrigin, func(ev WindowEvent) {
		if ev.Data.Type == TypeAuthTokenResponse {
			atExtension <- ev
		}
	})()
	defer bus.Listen(dashboardOrigin, func(ev WindowEvent) {
		if ev.Data.Type == TypeAuthTokenResponse {
			atPage <- ev
		}
	})()

	bus.PostMessage(extensionOrigin, Message{Type: TypeRequestAuthToken, MessageID: "ext-1"}, dashboardOrigin)

	select {
	case ev := <-atExtension:
		assert.Equal(t, "ext-1", ev.Data.MessageID)
		assert.Equal(t, dashboardOrigin, ev.Origin)
	case <-time.After(time.Second):
		t.Fatal("extension did not get the token")
	}
	select {
	case ev := <-atPage:
		t.Fatalf("token leaked to page listener: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
