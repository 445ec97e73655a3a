package bridge

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// AnyOrigin as a target origin delivers to every listener.
const AnyOrigin = "*"

// WindowEvent is a message as seen by a window listener. Origin is the
// sender's origin and is the only trustworthy field.
type WindowEvent struct {
	Origin string
	Data   Message
}

// WindowListener handles window messages. Delivery is asynchronous.
type WindowListener func(WindowEvent)

type windowListener struct {
	id     int
	origin string
	fn     WindowListener
}

// WindowBus is the window messaging surface of one page. Listeners live at an
// origin and only see messages whose target origin is theirs or AnyOrigin.
type WindowBus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []windowListener
	log       logrus.FieldLogger
}

// NewWindowBus creates a window bus with no listeners.
func NewWindowBus(logger logrus.FieldLogger) *WindowBus {
	return &WindowBus{log: logger.WithField("component", "window_bus")}
}

// Listen registers fn for messages addressed to origin.
func (w *WindowBus) Listen(origin string, fn WindowListener) (remove func()) {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.listeners = append(w.listeners, windowListener{id: id, origin: origin, fn: fn})
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, l := range w.listeners {
			if l.id == id {
				w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
				return
			}
		}
	}
}

// PostMessage sends data from fromOrigin to listeners at targetOrigin.
func (w *WindowBus) PostMessage(fromOrigin string, data Message, targetOrigin string) {
	w.mu.RLock()
	targets := make([]WindowListener, 0, len(w.listeners))
	for _, l := range w.listeners {
		if targetOrigin == AnyOrigin || targetOrigin == l.origin {
			targets = append(targets, l.fn)
		}
	}
	w.mu.RUnlock()

	w.log.WithFields(logrus.Fields{
		"type":          data.Type,
		"from":          fromOrigin,
		"target_origin": targetOrigin,
		"receivers":     len(targets),
	}).Debug("Posting window message")

	ev := WindowEvent{Origin: fromOrigin, Data: data}
	for _, fn := range targets {
		go fn(ev)
	}
}
