package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartrack/internal/domain"
)

type labelsResponder struct {
	Unsupported
	labels []string
	err    error
}

func (l labelsResponder) Ping(context.Context, PingRequest) (PingResult, error) {
	return PingResult{OK: true}, nil
}

func (l labelsResponder) GetLabels(context.Context, GetLabelsRequest) (LabelsResult, error) {
	return LabelsResult{Labels: l.labels}, l.err
}

func (l labelsResponder) SaveLink(_ context.Context, req SaveLinkRequest) (SaveLinkResult, error) {
	panic("boom " + req.Link.ID)
}

func collect(t *testing.T, rt *Router, msg Message) (Response, bool, bool) {
	t.Helper()
	replies := make(chan Response, 1)
	keepOpen := rt.Handle(context.Background(), msg, EndpointPopup, func(r Response) { replies <- r })
	select {
	case r := <-replies:
		return r, keepOpen, true
	case <-time.After(time.Second):
		return Response{}, keepOpen, false
	}
}

func TestRouter_KeepOpenContract(t *testing.T) {
	rt := NewRouter(labelsResponder{labels: []string{"work"}}, quietLogger())

	// Unknown types close the channel without replying.
	keepOpen := rt.Handle(context.Background(), Message{Type: "SOMETHING_ELSE"}, EndpointPopup, func(Response) {
		t.Error("unknown message must not be answered")
	})
	assert.False(t, keepOpen)

	// Synchronous requests reply before returning false.
	resp, keepOpen, replied := collect(t, rt, Message{Type: TypePing, MessageID: "p1"})
	require.True(t, replied)
	assert.False(t, keepOpen)
	assert.True(t, resp.Success)
	assert.Equal(t, "p1", resp.MessageID)

	// Asynchronous requests keep the channel open.
	resp, keepOpen, replied = collect(t, rt, Message{Type: TypeGetLabels, MessageID: "g1"})
	require.True(t, replied)
	assert.True(t, keepOpen)
	assert.Equal(t, "g1", resp.MessageID)
	assert.Equal(t, []string{"work"}, Decode[LabelsResult](resp).Data.Labels)
}

func TestRouter_MalformedPayload(t *testing.T) {
	rt := NewRouter(labelsResponder{}, quietLogger())

	resp, keepOpen, replied := collect(t, rt, Message{
		Type:      TypeSaveLink,
		MessageID: "s1",
		Payload:   json.RawMessage(`{"link": 42}`),
	})
	require.True(t, replied)
	assert.False(t, keepOpen)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalidMessageFormat, resp.Error)
	assert.Equal(t, "s1", resp.MessageID)
}

func TestRouter_HandlerErrorsAndPanics(t *testing.T) {
	rt := NewRouter(labelsResponder{err: errors.New("storage offline")}, quietLogger())

	resp, _, replied := collect(t, rt, Message{Type: TypeGetLabels, MessageID: "g2"})
	require.True(t, replied)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "storage offline", resp.Message)

	payload, err := json.Marshal(SaveLinkRequest{Link: domain.SavedLink{ID: "x"}})
	require.NoError(t, err)
	resp, _, replied = collect(t, rt, Message{Type: TypeSaveLink, MessageID: "s2", Payload: payload})
	require.True(t, replied)
	assert.False(t, resp.Success)
	assert.Equal(t, "s2", resp.MessageID)
}

func TestRouter_RelaysCodeError(t *testing.T) {
	rt := NewRouter(labelsResponder{err: &CodeError{Code: CodeBackgroundUnavailable}}, quietLogger())

	resp, _, replied := collect(t, rt, Message{Type: TypeGetLabels, MessageID: "g3"})
	require.True(t, replied)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeBackgroundUnavailable, resp.Error)
	assert.True(t, Decode[LabelsResult](resp).Unavailable())
}

func TestRouter_UnsupportedType(t *testing.T) {
	rt := NewRouter(labelsResponder{}, quietLogger())

	resp, _, replied := collect(t, rt, Message{Type: TypeExtractPageData, MessageID: "e1"})
	require.True(t, replied)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrUnsupported.Error(), resp.Message)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(Message{Type: TypeSaveLink, Payload: json.RawMessage(`{"link":{"id":"a","url":"https://x"},"confirm":true}`)})
	require.NoError(t, err)
	save, ok := req.(SaveLinkRequest)
	require.True(t, ok)
	assert.Equal(t, "a", save.Link.ID)
	assert.True(t, save.Confirm)

	req, err = DecodeRequest(Message{Type: TypeGetLabels})
	require.NoError(t, err)
	assert.Equal(t, TypeGetLabels, req.Type())

	_, err = DecodeRequest(Message{Type: TypeAuthTokenResponse})
	assert.ErrorIs(t, err, errUnknownType)
}

func TestDecode_InvalidData(t *testing.T) {
	res := Decode[LabelsResult](Response{Success: true, Data: json.RawMessage(`"nope"`)})
	assert.False(t, res.Success)
	assert.Equal(t, CodeInvalidMessageFormat, res.Error)

	res = Decode[LabelsResult](Response{Success: false, Error: CodeBackgroundUnavailable})
	assert.True(t, res.Unavailable())
}
