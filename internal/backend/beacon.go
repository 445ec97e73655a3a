package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"smartrack/internal/domain"
)

// ClickSender delivers a single click synchronously.
type ClickSender interface {
	TrackClick(ctx context.Context, linkID string) error
}

// Beacon delivers clicks fire-and-forget through a bounded queue drained at a
// limited rate. Queued clicks are delivered even if the caller has moved on.
type Beacon struct {
	sender  ClickSender
	queue   chan string
	limiter *rate.Limiter
	timeout time.Duration
	log     logrus.FieldLogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBeacon creates a beacon with queueSize slots delivering at most perSecond
// clicks per second. Call Start to begin draining.
func NewBeacon(sender ClickSender, queueSize int, perSecond float64, timeout time.Duration, logger logrus.FieldLogger) *Beacon {
	if queueSize <= 0 {
		queueSize = 64
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Beacon{
		sender:  sender,
		queue:   make(chan string, queueSize),
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		timeout: timeout,
		log:     logger.WithField("component", "beacon"),
	}
}

// Start runs the delivery worker until ctx is done or Stop is called.
func (b *Beacon) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-b.queue:
				if err := b.limiter.Wait(ctx); err != nil {
					return
				}
				b.deliver(ctx, id)
			}
		}
	}()
}

// Stop ends the worker and waits for it. Clicks still queued are dropped.
func (b *Beacon) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Beacon) deliver(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.sender.TrackClick(ctx, id); err != nil {
		b.log.WithError(err).WithField("id", id).Warn("Queued click was not delivered")
	}
}

// Queue enqueues a click without blocking. It reports false when the queue is full.
func (b *Beacon) Queue(linkID string) bool {
	select {
	case b.queue <- linkID:
		return true
	default:
		return false
	}
}

// LinkCounter adjusts stored click counts.
type LinkCounter interface {
	IncrementClicks(ctx context.Context, id string, delta int) (domain.SavedLink, error)
}

// ClickTracker counts a click locally first and then reports it to the backend.
type ClickTracker struct {
	store  LinkCounter
	beacon *Beacon
	sender ClickSender
	log    logrus.FieldLogger
}

// NewClickTracker wires the local counter, the beacon and the synchronous fallback.
func NewClickTracker(store LinkCounter, beacon *Beacon, sender ClickSender, logger logrus.FieldLogger) *ClickTracker {
	return &ClickTracker{
		store:  store,
		beacon: beacon,
		sender: sender,
		log:    logger.WithField("component", "click_tracker"),
	}
}

// Track increments the click count of linkID and reports it. When the beacon
// cannot queue the click, a synchronous request is made instead, and if that
// fails too the local increment is rolled back.
func (t *ClickTracker) Track(ctx context.Context, linkID string) (domain.SavedLink, error) {
	link, err := t.store.IncrementClicks(ctx, linkID, 1)
	if err != nil {
		return link, err
	}
	if t.beacon != nil && t.beacon.Queue(linkID) {
		return link, nil
	}

	sendErr := t.sender.TrackClick(ctx, linkID)
	if sendErr == nil || errors.Is(sendErr, ErrNotConfigured) {
		return link, nil
	}
	t.log.WithError(sendErr).WithField("id", linkID).Warn("Click tracking failed, rolling back count")
	rolled, err := t.store.IncrementClicks(ctx, linkID, -1)
	if err != nil {
		return link, errors.Join(sendErr, err)
	}
	return rolled, sendErr
}
