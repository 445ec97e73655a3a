// Package contentscript is the page-side context: one script per tab, with
// DOM access to that tab's page and a runtime listener on its tab endpoint.
package contentscript

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"smartrack/internal/bridge"
	"smartrack/internal/scraper"
)

// ErrNoSuchTab is returned for tab ids that were never opened or were closed.
var ErrNoSuchTab = errors.New("no tab with this id")

// Tab is a loaded page. Its HTML is fixed at load time.
type Tab struct {
	ID     int
	URL    string
	HTML   string
	Window *bridge.WindowBus

	mu    sync.RWMutex
	local map[string]string
}

// LocalStorage returns the page's local storage value for key.
func (t *Tab) LocalStorage(key string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local[key]
}

// SetLocalStorage writes the page's local storage.
func (t *Tab) SetLocalStorage(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[key] = value
}

// Tabs is the registry of open tabs.
type Tabs struct {
	loader scraper.Loader
	log    logrus.FieldLogger

	mu     sync.RWMutex
	nextID int
	tabs   map[int]*Tab
}

// NewTabs creates a registry that loads pages with loader.
func NewTabs(loader scraper.Loader, logger logrus.FieldLogger) *Tabs {
	return &Tabs{
		loader: loader,
		log:    logger.WithField("component", "tabs"),
		tabs:   make(map[int]*Tab),
	}
}

// Open loads url into a new tab.
func (r *Tabs) Open(ctx context.Context, url string) (*Tab, error) {
	page, err := r.loader.Load(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	tab := r.Add(page.URL, page.HTML)
	for k, v := range page.LocalStorage {
		tab.SetLocalStorage(k, v)
	}
	return tab, nil
}

// Add registers a tab for an already loaded page.
func (r *Tabs) Add(url, html string) *Tab {
	r.mu.Lock()
	r.nextID++
	tab := &Tab{
		ID:     r.nextID,
		URL:    url,
		HTML:   html,
		Window: bridge.NewWindowBus(r.log),
		local:  make(map[string]string),
	}
	r.tabs[tab.ID] = tab
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"tab_id": tab.ID, "url": url}).Debug("Tab opened")
	return tab
}

// Get returns the tab with id.
func (r *Tabs) Get(id int) (*Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTab, id)
	}
	return tab, nil
}

// Close forgets the tab.
func (r *Tabs) Close(id int) {
	r.mu.Lock()
	delete(r.tabs, id)
	r.mu.Unlock()
}
