package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
)

// Router adapts a Responder to a runtime Listener.
type Router struct {
	responder Responder
	log       logrus.FieldLogger
}

// NewRouter creates a Router serving r.
func NewRouter(r Responder, logger logrus.FieldLogger) *Router {
	return &Router{responder: r, log: logger}
}

// Listener returns the runtime listener for this router.
func (rt *Router) Listener() Listener {
	return rt.Handle
}

// Handle dispatches msg by type. It returns false when the channel can close
// right away (unknown types, malformed payloads, notifications and
// synchronous requests) and true when the reply is sent later from a
// goroutine.
func (rt *Router) Handle(ctx context.Context, msg Message, sender Endpoint, reply ReplyFunc) bool {
	log := rt.log.WithFields(logrus.Fields{
		"type":       msg.Type,
		"message_id": msg.MessageID,
		"sender":     sender,
	})

	req, err := DecodeRequest(msg)
	if errors.Is(err, errUnknownType) {
		log.Debug("Ignoring unrecognized message")
		return false
	}
	if err != nil {
		log.WithError(err).Warn("Rejecting malformed message")
		reply(failure(msg.MessageID, CodeInvalidMessageFormat))
		return false
	}

	if isNotification(msg.Type) {
		go func() {
			if _, err := req.dispatch(context.WithoutCancel(ctx), rt.responder); err != nil {
				log.WithError(err).Warn("Notification handler failed")
			}
		}()
		return false
	}

	if isSynchronous(msg.Type) {
		reply(rt.run(ctx, req, msg.MessageID, log))
		return false
	}

	go func() {
		reply(rt.run(ctx, req, msg.MessageID, log))
	}()
	return true
}

func (rt *Router) run(ctx context.Context, req Request, messageID string, log logrus.FieldLogger) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Handler panicked")
			resp = Response{MessageID: messageID, Success: false, Message: "internal error"}
		}
	}()

	out, err := req.dispatch(ctx, rt.responder)
	if err != nil {
		log.WithError(err).Info("Handler returned error")
		resp = Response{MessageID: messageID, Success: false, Message: err.Error()}
		var ce *CodeError
		if errors.As(err, &ce) {
			resp.Error = ce.Code
		}
		return resp
	}
	data, err := json.Marshal(out)
	if err != nil {
		log.WithError(err).Error("Failed to encode handler result")
		return failure(messageID, CodeInvalidMessageFormat)
	}
	return Response{MessageID: messageID, Success: true, Data: data}
}
