package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Endpoint addresses a context on the runtime channel.
type Endpoint string

const (
	EndpointBackground Endpoint = "background"
	EndpointPopup      Endpoint = "popup"
)

// TabEndpoint addresses the content script of a tab.
func TabEndpoint(tabID int) Endpoint {
	return Endpoint(fmt.Sprintf("tab:%d", tabID))
}

var (
	// ErrNoReceiver means nothing is listening at the destination endpoint.
	ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")
	// ErrChannelClosed means the listener returned false without replying.
	ErrChannelClosed = errors.New("message channel closed before a response was received")
)

// ReplyFunc sends the single response for a message. Calls after the first are ignored.
type ReplyFunc func(Response)

// Listener receives runtime messages. It must return true when it will call
// reply after returning, and false otherwise; a listener that returns false
// without having replied closes the channel and the sender gets ErrChannelClosed.
type Listener func(ctx context.Context, msg Message, sender Endpoint, reply ReplyFunc) (keepOpen bool)

// Transport sends a runtime message and waits for its response.
type Transport interface {
	SendMessage(ctx context.Context, from, to Endpoint, msg Message) (Response, error)
}

// RuntimeBus is the in-process runtime channel. Each endpoint has at most one listener.
type RuntimeBus struct {
	mu        sync.RWMutex
	listeners map[Endpoint]Listener
	log       logrus.FieldLogger
}

// NewRuntimeBus creates an empty bus.
func NewRuntimeBus(logger logrus.FieldLogger) *RuntimeBus {
	return &RuntimeBus{
		listeners: make(map[Endpoint]Listener),
		log:       logger.WithField("component", "runtime_bus"),
	}
}

// AddListener registers l at ep, replacing any previous listener. The returned
// func unregisters it.
func (b *RuntimeBus) AddListener(ep Endpoint, l Listener) (remove func()) {
	b.mu.Lock()
	b.listeners[ep] = l
	b.mu.Unlock()
	b.log.WithField("endpoint", ep).Debug("Listener registered")

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, ep)
			b.mu.Unlock()
			b.log.WithField("endpoint", ep).Debug("Listener removed")
		})
	}
}

// HasListener reports whether something listens at ep.
func (b *RuntimeBus) HasListener(ep Endpoint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.listeners[ep]
	return ok
}

// SendMessage delivers msg to the listener at to and waits for its reply.
func (b *RuntimeBus) SendMessage(ctx context.Context, from, to Endpoint, msg Message) (Response, error) {
	b.mu.RLock()
	l, ok := b.listeners[to]
	b.mu.RUnlock()
	if !ok {
		return Response{}, ErrNoReceiver
	}

	replies := make(chan Response, 1)
	var once sync.Once
	reply := func(r Response) {
		once.Do(func() { replies <- r })
	}

	opened := make(chan bool, 1)
	go func() {
		keepOpen := false
		defer func() {
			if r := recover(); r != nil {
				b.log.WithFields(logrus.Fields{
					"endpoint": to,
					"type":     msg.Type,
					"panic":    r,
				}).Error("Listener panicked")
			}
			opened <- keepOpen
		}()
		keepOpen = l(ctx, msg, from, reply)
	}()

	select {
	case resp := <-replies:
		return resp, nil
	case keepOpen := <-opened:
		if !keepOpen {
			select {
			case resp := <-replies:
				return resp, nil
			default:
				return Response{}, ErrChannelClosed
			}
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-replies:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
