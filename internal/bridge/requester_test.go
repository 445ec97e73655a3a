package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smartrack/internal/domain"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) SendMessage(ctx context.Context, from, to Endpoint, msg Message) (Response, error) {
	args := m.Called(ctx, from, to, msg)
	return args.Get(0).(Response), args.Error(1)
}

type mockInjector struct {
	mock.Mock
}

func (m *mockInjector) Inject(ctx context.Context, tabID int) error {
	return m.Called(ctx, tabID).Error(0)
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestRequester_RetryBound(t *testing.T) {
	tr := new(mockTransport)
	inj := new(mockInjector)
	tr.On("SendMessage", mock.Anything, EndpointPopup, TabEndpoint(7), mock.Anything).
		Return(Response{}, ErrNoReceiver)
	inj.On("Inject", mock.Anything, 7).Return(errors.New("cannot access chrome:// page")).Once()

	r := NewRequester(tr, EndpointPopup, inj, 10*time.Millisecond, quietLogger())
	res := r.ExtractPageData(context.Background(), 7)

	assert.False(t, res.Success)
	assert.Equal(t, CodeContentScriptUnavailable, res.Error)
	tr.AssertNumberOfCalls(t, "SendMessage", 2)
	inj.AssertNumberOfCalls(t, "Inject", 1)
}

func TestRequester_BackgroundUnavailable(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	r := NewRequester(bus, EndpointPopup, nil, DefaultRetryDelay, quietLogger())

	start := time.Now()
	resp := r.SendToBackground(context.Background(), PingRequest{})
	elapsed := time.Since(start)

	assert.False(t, resp.Success)
	assert.Equal(t, CodeBackgroundUnavailable, resp.Error)
	assert.NotEmpty(t, resp.MessageID)
	assert.Less(t, elapsed, DefaultRetryDelay+500*time.Millisecond)
}

func TestRequester_InjectionRecovers(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	var injected atomic.Int32
	inj := injectorFunc(func(ctx context.Context, tabID int) error {
		injected.Add(1)
		bus.AddListener(TabEndpoint(tabID), NewRouter(pageResponder{}, quietLogger()).Listener())
		return nil
	})

	r := NewRequester(bus, EndpointPopup, inj, time.Millisecond, quietLogger())
	res := r.ExtractPageData(context.Background(), 3)

	require.True(t, res.Success, "error=%s message=%s", res.Error, res.Message)
	assert.Equal(t, "https://example.com/", res.Data.URL)
	assert.EqualValues(t, 1, injected.Load())

	// Once installed, no further injection happens.
	res = r.ExtractPageData(context.Background(), 3)
	require.True(t, res.Success)
	assert.EqualValues(t, 1, injected.Load())
}

func TestRequester_RejectsUnechoedResponse(t *testing.T) {
	tr := new(mockTransport)
	tr.On("SendMessage", mock.Anything, EndpointPopup, EndpointBackground, mock.Anything).
		Return(Response{MessageID: "someone-else", Success: true}, nil).Once()

	r := NewRequester(tr, EndpointPopup, nil, time.Millisecond, quietLogger())
	resp := r.SendToBackground(context.Background(), GetLabelsRequest{})

	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalidMessageFormat, resp.Error)
	tr.AssertExpectations(t)
}

func TestRequester_ChannelClosedIsInvalidFormat(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	var calls atomic.Int32
	bus.AddListener(EndpointBackground, func(context.Context, Message, Endpoint, ReplyFunc) bool {
		calls.Add(1)
		return false
	})

	r := NewRequester(bus, EndpointPopup, nil, time.Millisecond, quietLogger())
	resp := r.SendToBackground(context.Background(), GetLabelsRequest{})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalidMessageFormat, resp.Error)
	assert.Equal(t, int32(1), calls.Load(), "a closed channel is not retried")
}

func TestRequester_UnrecognizedByRouterIsInvalidFormat(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	// The router drops types it does not know without replying.
	bus.AddListener(EndpointBackground, func(ctx context.Context, msg Message, from Endpoint, reply ReplyFunc) bool {
		msg.Type = "SOMETHING_NEWER"
		return NewRouter(Unsupported{}, quietLogger()).Handle(ctx, msg, from, reply)
	})

	r := NewRequester(bus, EndpointPopup, nil, time.Millisecond, quietLogger())
	resp := r.SendToBackground(context.Background(), GetLabelsRequest{})
	assert.Equal(t, CodeInvalidMessageFormat, resp.Error)
}

func TestRequester_ConcurrentRequestsAreDemultiplexed(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	// The first request is held until the second has completed.
	release := make(chan struct{})
	var calls atomic.Int32
	bus.AddListener(EndpointBackground, func(_ context.Context, msg Message, _ Endpoint, reply ReplyFunc) bool {
		n := calls.Add(1)
		go func() {
			if n == 1 {
				<-release
			}
			data, _ := json.Marshal(LabelsResult{Labels: []string{msg.MessageID}})
			reply(Response{MessageID: msg.MessageID, Success: true, Data: data})
		}()
		return true
	})
	r := NewRequester(bus, EndpointPopup, nil, time.Millisecond, quietLogger())

	first := make(chan Response, 1)
	go func() { first <- r.SendToBackground(context.Background(), GetLabelsRequest{}) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	second := r.SendToBackground(context.Background(), GetLabelsRequest{})
	close(release)
	firstResp := <-first

	require.True(t, second.Success)
	require.True(t, firstResp.Success)
	assert.NotEqual(t, firstResp.MessageID, second.MessageID)
	assert.Equal(t, []string{second.MessageID}, Decode[LabelsResult](second).Data.Labels)
	assert.Equal(t, []string{firstResp.MessageID}, Decode[LabelsResult](firstResp).Data.Labels)
}

func TestRequester_NotifyBackground(t *testing.T) {
	bus := NewRuntimeBus(quietLogger())
	r := NewRequester(bus, EndpointPopup, nil, time.Millisecond, quietLogger())
	assert.False(t, r.NotifyBackground(context.Background(), LinkSavedNotice{}))

	got := make(chan LinkSavedNotice, 1)
	bus.AddListener(EndpointBackground, NewRouter(noticeResponder{got: got}, quietLogger()).Listener())
	assert.True(t, r.NotifyBackground(context.Background(), LinkSavedNotice{Link: domain.SavedLink{ID: "l1"}}))

	select {
	case n := <-got:
		assert.Equal(t, "l1", n.Link.ID)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

type injectorFunc func(ctx context.Context, tabID int) error

func (f injectorFunc) Inject(ctx context.Context, tabID int) error { return f(ctx, tabID) }

type pageResponder struct {
	Unsupported
}

func (pageResponder) ExtractPageData(context.Context, ExtractPageDataRequest) (domain.PageData, error) {
	return domain.PageData{Title: "Example", URL: "https://example.com/"}, nil
}

type noticeResponder struct {
	Unsupported
	got chan LinkSavedNotice
}

func (n noticeResponder) LinkSaved(_ context.Context, req LinkSavedNotice) error {
	n.got <- req
	return nil
}
