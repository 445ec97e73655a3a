package contentscript

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartrack/internal/backend"
	"smartrack/internal/bridge"
	"smartrack/internal/domain"
	"smartrack/internal/scraper"
	"smartrack/internal/storage"
)

const articleHTML = `<html><head>
<title>An Article</title>
<meta property="og:image" content="/img/a.png">
<meta name="description" content="About things">
</head><body><nav>menu</nav><p>Body   text</p></body></html>`

type fixture struct {
	bus      *bridge.RuntimeBus
	tabs     *Tabs
	injector *Injector
	settings *storage.Settings
	popup    *bridge.Requester
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLoader(t, nil)
}

func newFixtureWithLoader(t *testing.T, loader scraper.Loader) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store := storage.NewInMemoryBadgerStore(logger)
	require.NoError(t, store.OpenConnection(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	bus := bridge.NewRuntimeBus(logger)
	tabs := NewTabs(loader, logger)
	settings := storage.NewSettings(store)
	injector := NewInjector(tabs, Deps{
		Bus:              bus,
		Settings:         settings,
		Policy:           bridge.NewOriginPolicy([]string{"app.smartrack.test"}, "chrome-extension://abc"),
		ExtensionVersion: "1.2.0",
		RetryDelay:       10 * time.Millisecond,
		AuthTimeout:      200 * time.Millisecond,
		Logger:           logger,
	})
	return &fixture{
		bus:      bus,
		tabs:     tabs,
		injector: injector,
		settings: settings,
		popup:    bridge.NewRequester(bus, bridge.EndpointPopup, injector, 10*time.Millisecond, logger),
	}
}

// backend records what reaches the background endpoint.
type backgroundStub struct {
	bridge.Unsupported

	mu      sync.Mutex
	saved   []bridge.SaveLinkRequest
	notices []bridge.LinkSavedNotice
}

func (b *backgroundStub) SaveLink(_ context.Context, req bridge.SaveLinkRequest) (bridge.SaveLinkResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = append(b.saved, req)
	link := req.Link
	return bridge.SaveLinkResult{Link: &link, Synced: true}, nil
}

func (b *backgroundStub) LinkSaved(_ context.Context, n bridge.LinkSavedNotice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	return nil
}

func (b *backgroundStub) noticeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notices)
}

func (f *fixture) startBackground(t *testing.T) *backgroundStub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	stub := &backgroundStub{}
	remove := f.bus.AddListener(bridge.EndpointBackground, bridge.NewRouter(stub, logger).Listener())
	t.Cleanup(remove)
	return stub
}

func TestInjector_RestrictedPages(t *testing.T) {
	for _, u := range []string{"chrome://settings", "about:blank", "chrome-extension://abc/popup.html", "https://chrome.google.com/webstore/detail/x"} {
		assert.True(t, IsRestricted(u), u)
	}
	assert.False(t, IsRestricted("https://example.com/page"))

	f := newFixture(t)
	tab := f.tabs.Add("chrome://newtab", "")
	err := f.injector.Inject(context.Background(), tab.ID)
	assert.ErrorIs(t, err, ErrRestrictedPage)
	assert.False(t, f.bus.HasListener(bridge.TabEndpoint(tab.ID)))

	res := f.popup.ExtractPageData(context.Background(), tab.ID)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.CodeContentScriptUnavailable, res.Error)
}

func TestInjector_InitializesOnce(t *testing.T) {
	f := newFixture(t)
	tab := f.tabs.Add("https://example.com/page", articleHTML)

	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))
	assert.True(t, f.injector.Initialized(tab.ID))
	assert.Len(t, f.injector.initialized, 1)

	f.injector.Remove(tab.ID)
	assert.False(t, f.injector.Initialized(tab.ID))
	assert.False(t, f.bus.HasListener(bridge.TabEndpoint(tab.ID)))
	_, err := f.tabs.Get(tab.ID)
	assert.ErrorIs(t, err, ErrNoSuchTab)

	assert.ErrorIs(t, f.injector.Inject(context.Background(), 999), ErrNoSuchTab)
}

func TestScript_ExtractPageDataAfterInjection(t *testing.T) {
	f := newFixture(t)
	tab := f.tabs.Add("https://example.com/page", articleHTML)

	// No script yet: the popup's requester injects it and retries once.
	res := f.popup.ExtractPageData(context.Background(), tab.ID)
	require.True(t, res.Success, "error: %s %s", res.Error, res.Message)
	assert.Equal(t, "An Article", res.Data.Title)
	assert.Equal(t, "https://example.com/img/a.png", res.Data.Image)
	assert.Equal(t, "About things", res.Data.Description)
	assert.Equal(t, "Body text", res.Data.PageText)
	assert.True(t, f.injector.Initialized(tab.ID))
}

func TestScript_SaveLinkRelaysToBackground(t *testing.T) {
	f := newFixture(t)
	bg := f.startBackground(t)
	tab := f.tabs.Add("https://example.com/page", articleHTML)
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	res := f.popup.SaveLinkViaTab(context.Background(), tab.ID, bridge.SaveLinkRequest{
		Link: domain.SavedLink{ID: "l1", URL: tab.URL},
	})
	require.True(t, res.Success)
	require.NotNil(t, res.Data.Link)
	assert.Equal(t, "l1", res.Data.Link.ID)
	assert.Len(t, bg.saved, 1)
}

func TestScript_SaveLinkWithoutBackground(t *testing.T) {
	f := newFixture(t)
	tab := f.tabs.Add("https://example.com/page", articleHTML)
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	res := f.popup.SaveLinkViaTab(context.Background(), tab.ID, bridge.SaveLinkRequest{
		Link: domain.SavedLink{ID: "l1", URL: tab.URL},
	})
	assert.False(t, res.Success)
	assert.Equal(t, bridge.CodeBackgroundUnavailable, res.Error)
}

func TestScript_GetLabels(t *testing.T) {
	f := newFixture(t)
	tab := f.tabs.Add("https://example.com/page", articleHTML)

	res := f.popup.GetLabels(context.Background(), tab.ID)
	require.True(t, res.Success)
	assert.Empty(t, res.Data.Labels)

	_, err := f.settings.AddLabel(context.Background(), "reading")
	require.NoError(t, err)
	res = f.popup.GetLabels(context.Background(), tab.ID)
	require.True(t, res.Success)
	assert.Equal(t, []string{"reading"}, res.Data.Labels)
}

func TestScript_RelaysTokenToDashboard(t *testing.T) {
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	tab := f.tabs.Add("https://app.smartrack.test/dashboard", "<html></html>")
	tab.SetLocalStorage(storage.KeyAuthToken, "secret")
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	client := bridge.NewAuthClient(tab.Window, "https://app.smartrack.test", 200*time.Millisecond, logger)
	defer client.Close()
	tok := client.RequestAuthToken(context.Background(), "https://app.smartrack.test")
	require.NotNil(t, tok.Token)
	assert.Equal(t, "secret", *tok.Token)
	require.NotNil(t, tok.Version)
	assert.Equal(t, "1.2.0", *tok.Version)
}

func TestScript_NoTokenOnOtherSites(t *testing.T) {
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	tab := f.tabs.Add("https://example.com/page", "<html></html>")
	tab.SetLocalStorage(storage.KeyAuthToken, "secret")
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	client := bridge.NewAuthClient(tab.Window, "https://example.com", 50*time.Millisecond, logger)
	defer client.Close()
	tok := client.RequestAuthToken(context.Background(), "https://example.com")
	assert.Nil(t, tok.Token)
	assert.Nil(t, tok.Version)
}

func linkSavedMessage(t *testing.T, id string) bridge.Message {
	t.Helper()
	payload, err := json.Marshal(bridge.LinkSavedNotice{Link: domain.SavedLink{ID: id, URL: "https://example.com"}})
	require.NoError(t, err)
	return bridge.Message{Type: bridge.TypeLinkSaved, Payload: payload}
}

func TestScript_ForwardsLinkSavedFromDashboard(t *testing.T) {
	f := newFixture(t)
	bg := f.startBackground(t)
	const origin = "https://app.smartrack.test"
	tab := f.tabs.Add(origin+"/links", "<html></html>")
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	tab.Window.PostMessage(origin, linkSavedMessage(t, "d1"), origin)
	require.Eventually(t, func() bool { return bg.noticeCount() == 1 }, time.Second, 5*time.Millisecond)

	bg.mu.Lock()
	assert.Equal(t, "d1", bg.notices[0].Link.ID)
	assert.Equal(t, "dashboard", bg.notices[0].Source)
	bg.mu.Unlock()
}

func TestScript_DropsLinkSavedFromForeignOrigin(t *testing.T) {
	f := newFixture(t)
	bg := f.startBackground(t)
	tab := f.tabs.Add("https://example.com/page", "<html></html>")
	require.NoError(t, f.injector.Inject(context.Background(), tab.ID))

	tab.Window.PostMessage("https://evil.test", linkSavedMessage(t, "x"), bridge.AnyOrigin)
	tab.Window.PostMessage("https://example.com", linkSavedMessage(t, "y"), bridge.AnyOrigin)
	assert.Never(t, func() bool { return bg.noticeCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// pageLoader serves canned pages keyed by URL.
type pageLoader map[string]scraper.Page

func (l pageLoader) Load(_ context.Context, url string) (scraper.Page, error) {
	page, ok := l[url]
	if !ok {
		return scraper.Page{}, ErrNoSuchTab
	}
	return page, nil
}

func (l pageLoader) Close() error { return nil }

func TestInjector_DashboardTokenReachesBackend(t *testing.T) {
	const dashboard = "https://app.smartrack.test/dashboard"
	f := newFixtureWithLoader(t, pageLoader{
		dashboard: {URL: dashboard, HTML: "<html></html>", LocalStorage: map[string]string{storage.KeyAuthToken: "dash-token"}},
	})
	ctx := context.Background()

	require.NoError(t, f.injector.SyncToken(ctx, dashboard))
	tok, err := f.settings.String(ctx, storage.KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "dash-token", tok)
	assert.Empty(t, f.injector.initialized, "the dashboard tab is closed again")

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		var link domain.SavedLink
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&link))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(backend.SaveResult{Link: &link})
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	client, err := backend.NewClient(srv.URL, time.Second, func(ctx context.Context) string {
		tok, _ := f.settings.String(ctx, storage.KeyAuthToken)
		return tok
	}, logger)
	require.NoError(t, err)
	_, err = client.SaveLink(ctx, domain.SavedLink{ID: "l1", URL: "https://example.com"}, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer dash-token", <-gotAuth)
}

func TestInjector_SyncTokenKeepsStoredTokenWhenDashboardHasNone(t *testing.T) {
	const dashboard = "https://app.smartrack.test/"
	f := newFixtureWithLoader(t, pageLoader{dashboard: {URL: dashboard, HTML: "<html></html>"}})
	ctx := context.Background()
	require.NoError(t, f.settings.SetString(ctx, storage.KeyAuthToken, "earlier"))

	require.NoError(t, f.injector.SyncToken(ctx, dashboard))
	tok, err := f.settings.String(ctx, storage.KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "earlier", tok)
}

func TestInjector_SyncTokenRejectsOtherHosts(t *testing.T) {
	f := newFixtureWithLoader(t, pageLoader{})
	assert.Error(t, f.injector.SyncToken(context.Background(), "https://example.com/"))
}
