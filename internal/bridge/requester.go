package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// DefaultRetryDelay is the pause between a recovery action and the resend.
const DefaultRetryDelay = 150 * time.Millisecond

// maxRetries bounds resends per request. Restricted pages never get a content
// script, so anything above one would only delay the inevitable.
const maxRetries = 1

// Injector installs the content script into a tab that has none.
type Injector interface {
	Inject(ctx context.Context, tabID int) error
}

// sendState is the lifecycle of one outstanding request.
type sendState int

const (
	stateSent sendState = iota
	stateRetryPending
	stateResolved
	stateFailed
)

func (s sendState) String() string {
	switch s {
	case stateSent:
		return "sent"
	case stateRetryPending:
		return "retry_pending"
	case stateResolved:
		return "resolved"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Requester sends requests from one endpoint and recovers from a missing
// receiver with a single bounded retry.
type Requester struct {
	transport  Transport
	self       Endpoint
	injector   Injector
	retryDelay time.Duration
	log        logrus.FieldLogger
}

// NewRequester creates a Requester sending as self. injector may be nil, in
// which case tab requests retry without injecting.
func NewRequester(t Transport, self Endpoint, injector Injector, retryDelay time.Duration, logger logrus.FieldLogger) *Requester {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Requester{
		transport:  t,
		self:       self,
		injector:   injector,
		retryDelay: retryDelay,
		log:        logger.WithFields(logrus.Fields{"component": "requester", "endpoint": self}),
	}
}

// ExtractPageData asks the content script of tabID to extract its page.
func (r *Requester) ExtractPageData(ctx context.Context, tabID int) Result[domain.PageData] {
	return Decode[domain.PageData](r.SendToTab(ctx, tabID, ExtractPageDataRequest{}))
}

// GetLabels asks the content script of tabID for the known labels.
func (r *Requester) GetLabels(ctx context.Context, tabID int) Result[LabelsResult] {
	return Decode[LabelsResult](r.SendToTab(ctx, tabID, GetLabelsRequest{}))
}

// SaveLinkViaTab hands a save to the content script of tabID, which relays it to the background.
func (r *Requester) SaveLinkViaTab(ctx context.Context, tabID int, req SaveLinkRequest) Result[SaveLinkResult] {
	return Decode[SaveLinkResult](r.SendToTab(ctx, tabID, req))
}

// SaveLinkToBackground sends a save straight to the background.
func (r *Requester) SaveLinkToBackground(ctx context.Context, req SaveLinkRequest) Result[SaveLinkResult] {
	return Decode[SaveLinkResult](r.SendToBackground(ctx, req))
}

// SendToTab sends req to the content script of tabID, injecting the script
// once if it is missing.
func (r *Requester) SendToTab(ctx context.Context, tabID int, req Request) Response {
	recoverFn := func(ctx context.Context) error {
		if r.injector == nil {
			return nil
		}
		return r.injector.Inject(ctx, tabID)
	}
	return r.send(ctx, TabEndpoint(tabID), req, recoverFn, CodeContentScriptUnavailable)
}

// SendToBackground sends req to the background. It always returns a Response;
// an unreachable background yields CodeBackgroundUnavailable.
func (r *Requester) SendToBackground(ctx context.Context, req Request) Response {
	return r.send(ctx, EndpointBackground, req, nil, CodeBackgroundUnavailable)
}

// NotifyBackground delivers a notification to the background without waiting
// for a handler result.
func (r *Requester) NotifyBackground(ctx context.Context, n LinkSavedNotice) bool {
	msg, err := Encode(n)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode notification")
		return false
	}
	_, err = r.transport.SendMessage(ctx, r.self, EndpointBackground, msg)
	// A notification closes the channel without replying.
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		r.log.WithError(err).Warn("Background did not take notification")
		return false
	}
	return true
}

func (r *Requester) send(ctx context.Context, to Endpoint, req Request, recoverFn func(context.Context) error, unavailable ErrorCode) Response {
	msg, err := Encode(req)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode request")
		return failure("", CodeInvalidMessageFormat)
	}
	log := r.log.WithFields(logrus.Fields{
		"to":         to,
		"type":       msg.Type,
		"message_id": msg.MessageID,
	})

	var (
		state   = stateSent
		retries int
		resp    Response
		lastErr error
	)
	for {
		switch state {
		case stateSent:
			resp, lastErr = r.transport.SendMessage(ctx, r.self, to, msg)
			switch {
			case lastErr == nil:
				state = stateResolved
			case errors.Is(lastErr, ErrNoReceiver) && retries < maxRetries && ctx.Err() == nil:
				state = stateRetryPending
			case errors.Is(lastErr, ErrChannelClosed):
				// The counterpart is there but did not recognize the message.
				log.Warn("Channel closed without a response")
				return failure(msg.MessageID, CodeInvalidMessageFormat)
			default:
				state = stateFailed
			}

		case stateRetryPending:
			retries++
			log.WithField("attempt", retries).Debug("No receiver, recovering before resend")
			if recoverFn != nil {
				if err := recoverFn(ctx); err != nil {
					log.WithError(err).Warn("Recovery action failed")
				}
			}
			if !sleep(ctx, r.retryDelay) {
				lastErr = ctx.Err()
				state = stateFailed
				continue
			}
			state = stateSent

		case stateResolved:
			if resp.MessageID != msg.MessageID {
				log.WithField("got_message_id", resp.MessageID).Warn("Response does not echo request id")
				return failure(msg.MessageID, CodeInvalidMessageFormat)
			}
			return resp

		case stateFailed:
			log.WithError(lastErr).WithField("retries", retries).Info("Request failed, counterpart unavailable")
			return failure(msg.MessageID, unavailable)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
