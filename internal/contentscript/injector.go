package contentscript

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"smartrack/internal/bridge"
	"smartrack/internal/storage"
)

// ErrRestrictedPage is returned when a page does not accept content scripts.
var ErrRestrictedPage = errors.New("cannot inject into a restricted page")

var restrictedSchemes = map[string]struct{}{
	"about":            {},
	"chrome":           {},
	"chrome-extension": {},
	"devtools":         {},
	"edge":             {},
	"view-source":      {},
}

// IsRestricted reports whether pageURL belongs to the browser itself.
func IsRestricted(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return true
	}
	if _, ok := restrictedSchemes[strings.ToLower(u.Scheme)]; ok {
		return true
	}
	return u.Host == "chrome.google.com" && strings.HasPrefix(u.Path, "/webstore")
}

// Injector installs content scripts into tabs. Each tab is initialized at
// most once until the tab is closed.
type Injector struct {
	tabs *Tabs
	deps Deps
	log  logrus.FieldLogger

	mu          sync.Mutex
	initialized map[int]*Script
}

func NewInjector(tabs *Tabs, deps Deps) *Injector {
	return &Injector{
		tabs:        tabs,
		deps:        deps,
		log:         deps.Logger.WithField("component", "injector"),
		initialized: make(map[int]*Script),
	}
}

// Inject installs the script into tabID. Injecting into a tab that already
// has one is a no-op.
// A dashboard tab also hands its token over for backend requests.
func (i *Injector) Inject(ctx context.Context, tabID int) error {
	tab, err := i.tabs.Get(tabID)
	if err != nil {
		return err
	}
	log := i.log.WithFields(logrus.Fields{"tab_id": tabID, "url": tab.URL})
	if IsRestricted(tab.URL) {
		log.Debug("Refusing to inject into restricted page")
		return fmt.Errorf("%w: %s", ErrRestrictedPage, tab.URL)
	}

	i.mu.Lock()
	if i.alreadyInitialized(tabID) {
		i.mu.Unlock()
		log.Debug("Content script already initialized")
		return nil
	}
	s := newScript(tab, i.deps)
	s.install()
	i.initialized[tabID] = s
	i.mu.Unlock()
	log.Info("Content script injected")

	if i.deps.Policy.IsDashboardPage(tab.URL) {
		i.syncToken(ctx, tab, log)
	}
	return nil
}

func (i *Injector) alreadyInitialized(tabID int) bool {
	_, ok := i.initialized[tabID]
	return ok
}

// Initialized reports whether tabID has a content script.
func (i *Injector) Initialized(tabID int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.alreadyInitialized(tabID)
}

// Remove tears the script of tabID down and closes the tab.
func (i *Injector) Remove(tabID int) {
	i.mu.Lock()
	s, ok := i.initialized[tabID]
	delete(i.initialized, tabID)
	i.mu.Unlock()
	if ok {
		s.uninstall()
	}
	i.tabs.Close(tabID)
}

// syncToken asks the tab's content script for the dashboard token over the
// page's window channel and stores it in the settings area.
func (i *Injector) syncToken(ctx context.Context, tab *Tab, log logrus.FieldLogger) {
	if i.deps.Settings == nil {
		return
	}
	origin := pageOrigin(tab.URL)
	client := bridge.NewAuthClient(tab.Window, origin, i.deps.AuthTimeout, i.deps.Logger)
	defer client.Close()

	tok := client.RequestAuthToken(ctx, origin)
	if tok.Token == nil {
		log.Debug("Dashboard has no token stored")
		return
	}
	if err := i.deps.Settings.SetString(ctx, storage.KeyAuthToken, *tok.Token); err != nil {
		log.WithError(err).Warn("Could not store dashboard token")
		return
	}
	log.Info("Dashboard token stored")
}

// SyncToken loads the dashboard at dashboardURL in a short-lived tab so its
// token is picked up, then closes the tab.
func (i *Injector) SyncToken(ctx context.Context, dashboardURL string) error {
	if !i.deps.Policy.IsDashboardPage(dashboardURL) {
		return fmt.Errorf("%s is not on a dashboard host", dashboardURL)
	}
	tab, err := i.tabs.Open(ctx, dashboardURL)
	if err != nil {
		return err
	}
	defer i.Remove(tab.ID)
	return i.Inject(ctx, tab.ID)
}
