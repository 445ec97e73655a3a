// Package capture drives a single save from user action to feedback.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smartrack/internal/bridge"
	"smartrack/internal/domain"
)

// DefaultSuccessDismiss is how long Succeeded stays visible.
const DefaultSuccessDismiss = 1500 * time.Millisecond

var (
	// ErrCaptureInProgress rejects a save while another one is running.
	ErrCaptureInProgress = errors.New("a capture is already in progress")
	// ErrNoPendingDuplicate is returned by SaveAnyway outside DuplicateFound.
	ErrNoPendingDuplicate = errors.New("no duplicate decision is pending")
	// ErrNoURL is returned when neither the page nor the form provide a URL.
	ErrNoURL = errors.New("nothing to save: no url")
)

// State is the orchestrator's UI state.
type State int

const (
	Idle State = iota
	Capturing
	Succeeded
	DuplicateFound
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Succeeded:
		return "succeeded"
	case DuplicateFound:
		return "duplicate_found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Form is what the user typed. Empty fields defer to the extracted page.
type Form struct {
	URL         string
	Title       string
	Description string
	Tags        []string
	Label       string
	Priority    domain.Priority
}

// Bridge is the messaging surface the orchestrator needs.
// *bridge.Requester implements it.
type Bridge interface {
	ExtractPageData(ctx context.Context, tabID int) bridge.Result[domain.PageData]
	SaveLinkViaTab(ctx context.Context, tabID int, req bridge.SaveLinkRequest) bridge.Result[bridge.SaveLinkResult]
	SaveLinkToBackground(ctx context.Context, req bridge.SaveLinkRequest) bridge.Result[bridge.SaveLinkResult]
}

// LocalStore takes local-only saves when the background is unreachable.
type LocalStore interface {
	Put(ctx context.Context, link domain.SavedLink) (domain.SavedLink, error)
}

// Snapshot is the state plus what the UI shows for it.
type Snapshot struct {
	State      State
	Link       *domain.SavedLink
	Duplicates []domain.SavedLink
	// LocalOnly is set when the link was written without reaching the background.
	LocalOnly bool
	// Message is a short human-readable failure text.
	Message string
}

// Orchestrator is the capture state machine. It is safe for concurrent use;
// concurrent saves are rejected, not queued.
type Orchestrator struct {
	bridge  Bridge
	store   LocalStore
	dismiss time.Duration
	now     func() time.Time
	log     logrus.FieldLogger

	mu       sync.Mutex
	snap     Snapshot
	tabID    int
	pending  *domain.SavedLink
	gen      int
	onChange func(Snapshot)
}

// New creates an orchestrator in Idle. store may be nil to disable the
// local-only fallback.
func New(b Bridge, store LocalStore, dismiss time.Duration, logger logrus.FieldLogger) *Orchestrator {
	if dismiss <= 0 {
		dismiss = DefaultSuccessDismiss
	}
	return &Orchestrator{
		bridge:  b,
		store:   store,
		dismiss: dismiss,
		now:     time.Now,
		log:     logger.WithField("component", "capture"),
	}
}

// OnChange registers fn to observe every transition. fn runs without the
// orchestrator's lock held.
func (o *Orchestrator) OnChange(fn func(Snapshot)) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.Snapshot().State
}

// Save extracts the page in tabID, merges it with form and saves the result.
func (o *Orchestrator) Save(ctx context.Context, tabID int, form Form) (Snapshot, error) {
	if err := o.begin(tabID, nil); err != nil {
		return o.Snapshot(), err
	}
	log := o.log.WithField("tab_id", tabID)

	page := o.bridge.ExtractPageData(ctx, tabID)
	if !page.Success {
		log.WithFields(logrus.Fields{"error": page.Error, "message": page.Message}).Info("Extraction unavailable, saving form fields only")
	}
	link := Merge(page.Data, form, o.now())
	if link.URL == "" {
		return o.finish(Snapshot{State: Failed, Message: ErrNoURL.Error()}, nil), ErrNoURL
	}
	return o.submit(ctx, tabID, link, false), nil
}

// SaveAnyway saves the link held back by DuplicateFound.
func (o *Orchestrator) SaveAnyway(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if o.snap.State != DuplicateFound || o.pending == nil {
		o.mu.Unlock()
		return o.Snapshot(), ErrNoPendingDuplicate
	}
	link, tabID := *o.pending, o.tabID
	o.mu.Unlock()

	if err := o.begin(tabID, &link); err != nil {
		return o.Snapshot(), err
	}
	return o.submit(ctx, tabID, link, true), nil
}

// Cancel returns to Idle from any state but Capturing.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.snap.State == Capturing {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.finish(Snapshot{State: Idle}, nil)
}

// begin enters Capturing. With pending set, it only proceeds while that
// duplicate decision is still the current one.
func (o *Orchestrator) begin(tabID int, pending *domain.SavedLink) error {
	o.mu.Lock()
	if o.snap.State == Capturing {
		o.mu.Unlock()
		return ErrCaptureInProgress
	}
	if pending != nil && o.snap.State != DuplicateFound {
		o.mu.Unlock()
		return ErrNoPendingDuplicate
	}
	o.tabID = tabID
	o.gen++
	o.snap = Snapshot{State: Capturing}
	o.pending = pending
	onChange := o.onChange
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{"state": Capturing, "tab_id": tabID}).Debug("Capture state changed")
	if onChange != nil {
		onChange(Snapshot{State: Capturing})
	}
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, tabID int, link domain.SavedLink, confirm bool) Snapshot {
	log := o.log.WithFields(logrus.Fields{"tab_id": tabID, "url": link.URL, "confirm": confirm})
	req := bridge.SaveLinkRequest{Link: link, Confirm: confirm}

	res := o.bridge.SaveLinkViaTab(ctx, tabID, req)
	if res.Error == bridge.CodeContentScriptUnavailable {
		log.Info("Content script unavailable, saving through background")
		res = o.bridge.SaveLinkToBackground(ctx, req)
	}

	switch {
	case res.Error == bridge.CodeBackgroundUnavailable:
		return o.saveLocal(ctx, link, log)
	case !res.Success:
		msg := res.Message
		if msg == "" {
			msg = string(res.Error)
		}
		log.WithField("message", msg).Warn("Save failed")
		return o.finish(Snapshot{State: Failed, Message: msg}, nil)
	case len(res.Data.Duplicates) > 0:
		log.WithField("duplicates", len(res.Data.Duplicates)).Info("Duplicates found")
		return o.finish(Snapshot{State: DuplicateFound, Duplicates: res.Data.Duplicates}, &link)
	default:
		saved := res.Data.Link
		if saved == nil {
			saved = &link
		}
		return o.finish(Snapshot{State: Succeeded, Link: saved}, nil)
	}
}

func (o *Orchestrator) saveLocal(ctx context.Context, link domain.SavedLink, log logrus.FieldLogger) Snapshot {
	if o.store == nil {
		return o.finish(Snapshot{State: Failed, Message: string(bridge.CodeBackgroundUnavailable)}, nil)
	}
	log.Info("Background unavailable, saving locally only")
	stored, err := o.store.Put(ctx, link)
	if err != nil {
		log.WithError(err).Error("Local-only save failed")
		return o.finish(Snapshot{State: Failed, Message: "could not save link locally: " + err.Error()}, nil)
	}
	return o.finish(Snapshot{State: Succeeded, Link: &stored, LocalOnly: true}, nil)
}

// finish moves to snap and schedules the return to Idle after Succeeded.
func (o *Orchestrator) finish(snap Snapshot, pending *domain.SavedLink) Snapshot {
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.snap = snap
	o.pending = pending
	onChange := o.onChange
	o.mu.Unlock()

	o.log.WithField("state", snap.State).Debug("Capture state changed")
	if snap.State == Succeeded {
		time.AfterFunc(o.dismiss, func() { o.dismissSuccess(gen) })
	}
	if onChange != nil {
		onChange(snap)
	}
	return snap
}

func (o *Orchestrator) dismissSuccess(gen int) {
	o.mu.Lock()
	if o.gen != gen || o.snap.State != Succeeded {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.finish(Snapshot{State: Idle}, nil)
}

// Merge folds extracted page data and the form into a new SavedLink. Form
// fields win when non-empty.
func Merge(page domain.PageData, form Form, now time.Time) domain.SavedLink {
	link := domain.SavedLink{
		ID:          domain.NewLinkID(now),
		URL:         firstNonEmpty(form.URL, page.URL),
		Title:       firstNonEmpty(form.Title, page.Title),
		Description: firstNonEmpty(form.Description, page.Description),
		Tags:        domain.NormalizeTags(form.Tags),
		Label:       strings.TrimSpace(form.Label),
		Priority:    form.Priority,
		Image:       page.Image,
		Favicon:     page.Favicon,
		PageText:    page.PageText,
	}
	if link.Title == "" {
		link.Title = link.URL
	}
	if link.Priority == "" {
		link.Priority = domain.PriorityNormal
	}
	return link
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
