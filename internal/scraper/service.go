package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// ErrNoBrowser is returned when no browser executable can be found.
var ErrNoBrowser = errors.New("rod browser dependency not found")

// DefaultLoadTimeout bounds a single page load.
const DefaultLoadTimeout = 30 * time.Second

// localStorageJS serializes the page's localStorage. Opaque origins throw on
// access, which reads as empty.
const localStorageJS = `() => {
	try { return JSON.stringify(Object.assign({}, window.localStorage)); }
	catch (e) { return "{}"; }
}`

// RodLoader renders pages in a headless browser shared across loads.
type RodLoader struct {
	timeout time.Duration
	profile string
	log     logrus.FieldLogger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodLoader creates a loader. The browser is launched on first use with a
// throwaway profile unless WithProfile is set.
func NewRodLoader(timeout time.Duration, logger logrus.FieldLogger) *RodLoader {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	return &RodLoader{
		timeout: timeout,
		log:     logger.WithField("component", "scraper"),
	}
}

// WithProfile keeps browser state (cookies, localStorage) in dir across runs,
// so a dashboard signed in once stays signed in.
func (s *RodLoader) WithProfile(dir string) *RodLoader {
	s.profile = dir
	return s
}

func (s *RodLoader) connect() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}

	path, exists := launcher.LookPath()
	if !exists {
		s.log.Error("Cannot find browser executable for rod")
		return nil, ErrNoBrowser
	}
	l := launcher.New().Bin(path)
	if s.profile != "" {
		l = l.UserDataDir(s.profile)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		s.log.WithError(err).Error("Failed to connect to rod browser")
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	s.log.Info("Rod browser instance started")
	s.browser = browser
	return browser, nil
}

// Load navigates to url, waits for the load event and returns the rendered DOM.
func (s *RodLoader) Load(ctx context.Context, url string) (out Page, err error) {
	log := s.log.WithField("url", url)
	log.Info("Loading page")

	browser, err := s.connect()
	if err != nil {
		return Page{}, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		log.WithError(err).Error("Failed to create rod page")
		return Page{}, fmt.Errorf("failed to create page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			log.WithError(closeErr).Error("Error closing rod page")
			if err == nil {
				err = fmt.Errorf("error closing page: %w", closeErr)
			}
		}
	}()

	pageCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	page = page.Context(pageCtx)

	if err = page.WaitLoad(); err != nil {
		if errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
			log.WithError(pageCtx.Err()).Warn("Page load timed out")
			return Page{}, fmt.Errorf("loading timed out for %s: %w", url, pageCtx.Err())
		}
		log.WithError(err).Error("Failed to wait for page load")
		return Page{}, fmt.Errorf("failed waiting for page load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return Page{}, fmt.Errorf("failed to read page html: %w", err)
	}
	out = Page{URL: url, HTML: html, LocalStorage: readLocalStorage(page, log)}
	if info, infoErr := page.Info(); infoErr == nil && info.URL != "" {
		out.URL = info.URL
	}
	log.WithField("final_url", out.URL).Debug("Page loaded")
	return out, nil
}

// readLocalStorage returns the page's localStorage, or nil if it cannot be read.
func readLocalStorage(page *rod.Page, log logrus.FieldLogger) map[string]string {
	obj, err := page.Eval(localStorageJS)
	if err != nil {
		log.WithError(err).Debug("Could not read localStorage")
		return nil
	}
	items, err := parseLocalStorage(obj.Value.Str())
	if err != nil {
		log.WithError(err).Debug("Malformed localStorage snapshot")
		return nil
	}
	return items
}

// parseLocalStorage decodes the JSON object produced by localStorageJS.
// localStorage only holds strings, anything else is skipped.
func parseLocalStorage(raw string) (map[string]string, error) {
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode localStorage: %w", err)
	}
	items := make(map[string]string, len(values))
	for k, v := range values {
		if str, ok := v.(string); ok {
			items[k] = str
		}
	}
	return items, nil
}

// Close shuts the shared browser down.
func (s *RodLoader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	s.log.Info("Closing rod browser instance")
	err := s.browser.Close()
	s.browser = nil
	return err
}
