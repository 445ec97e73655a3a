package contentscript

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"smartrack/internal/bridge"
	"smartrack/internal/domain"
	"smartrack/internal/extractor"
	"smartrack/internal/notify"
	"smartrack/internal/storage"
)

// Deps are shared by every script the injector installs.
type Deps struct {
	Bus              *bridge.RuntimeBus
	Settings         *storage.Settings
	Policy           bridge.OriginPolicy
	ExtensionVersion string
	TextMax          int
	RetryDelay       time.Duration
	// AuthTimeout bounds the token handshake run against dashboard tabs.
	AuthTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Script serves the runtime requests addressed to one tab.
type Script struct {
	bridge.Unsupported

	tab       *Tab
	deps      Deps
	requester *bridge.Requester
	log       logrus.FieldLogger

	removers []func()
}

func newScript(tab *Tab, deps Deps) *Script {
	self := bridge.TabEndpoint(tab.ID)
	log := deps.Logger.WithFields(logrus.Fields{"component": "content_script", "tab_id": tab.ID})
	return &Script{
		tab:       tab,
		deps:      deps,
		requester: bridge.NewRequester(deps.Bus, self, nil, deps.RetryDelay, deps.Logger),
		log:       log,
	}
}

// install registers the runtime listener, the token relay and the page
// notification listener.
func (s *Script) install() {
	s.removers = append(s.removers,
		s.deps.Bus.AddListener(bridge.TabEndpoint(s.tab.ID), bridge.NewRouter(s, s.log).Listener()),
	)

	origin := pageOrigin(s.tab.URL)
	if origin == "" {
		return
	}
	relay := bridge.NewAuthRelay(s.tab.Window, s.deps.Policy, s.tab.URL, s.tokens, s.deps.Logger)
	s.removers = append(s.removers,
		relay.Listen(),
		s.tab.Window.Listen(origin, s.onWindowMessage),
	)
}

func (s *Script) uninstall() {
	for _, remove := range s.removers {
		remove()
	}
	s.removers = nil
}

func (s *Script) tokens() (string, string) {
	return s.tab.LocalStorage(storage.KeyAuthToken), s.deps.ExtensionVersion
}

// onWindowMessage forwards links the dashboard page reports as saved.
func (s *Script) onWindowMessage(ev bridge.WindowEvent) {
	if ev.Data.Type != bridge.TypeLinkSaved {
		return
	}
	if !s.deps.Policy.Allows(ev.Origin, s.tab.URL) {
		s.log.WithField("origin", ev.Origin).Debug("Dropping window message from untrusted origin")
		return
	}
	var notice bridge.LinkSavedNotice
	if err := json.Unmarshal(ev.Data.Payload, &notice); err != nil || notice.Link.ID == "" {
		s.log.WithError(err).Debug("Dropping malformed link saved message")
		return
	}
	if notice.Source == "" {
		notice.Source = notify.SourceDashboard
	}
	s.requester.NotifyBackground(context.Background(), notice)
}

func (s *Script) Ping(context.Context, bridge.PingRequest) (bridge.PingResult, error) {
	return bridge.PingResult{OK: true}, nil
}

// ExtractPageData runs the extractor over the tab's document.
func (s *Script) ExtractPageData(context.Context, bridge.ExtractPageDataRequest) (domain.PageData, error) {
	ex, err := extractor.FromHTML(strings.NewReader(s.tab.HTML), s.tab.URL, s.deps.Logger)
	if err != nil {
		s.log.WithError(err).Warn("Page could not be parsed, returning minimal page data")
		return domain.PageData{URL: s.tab.URL}, nil
	}
	if s.deps.TextMax > 0 {
		ex = ex.WithTextLength(s.deps.TextMax)
	}
	return ex.ExtractPageData(), nil
}

// SaveLink relays the save to the background.
func (s *Script) SaveLink(ctx context.Context, req bridge.SaveLinkRequest) (bridge.SaveLinkResult, error) {
	res := bridge.Decode[bridge.SaveLinkResult](s.requester.SendToBackground(ctx, req))
	if res.Success {
		return res.Data, nil
	}
	if res.Error != "" {
		return bridge.SaveLinkResult{}, &bridge.CodeError{Code: res.Error}
	}
	return bridge.SaveLinkResult{}, errors.New(res.Message)
}

func (s *Script) GetLabels(ctx context.Context, _ bridge.GetLabelsRequest) (bridge.LabelsResult, error) {
	labels, err := s.deps.Settings.Labels(ctx)
	if err != nil {
		return bridge.LabelsResult{}, err
	}
	if labels == nil {
		labels = []string{}
	}
	return bridge.LabelsResult{Labels: labels}, nil
}

func pageOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return bridge.OriginOf(u)
}
