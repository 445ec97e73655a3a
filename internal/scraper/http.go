package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// maxBodyBytes caps how much of a document HTTPLoader reads.
const maxBodyBytes = 5 << 20

// HTTPLoader fetches raw HTML without running scripts. It stands in when no
// browser is installed.
type HTTPLoader struct {
	client *http.Client
	log    logrus.FieldLogger
}

func NewHTTPLoader(timeout time.Duration, logger logrus.FieldLogger) *HTTPLoader {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	return &HTTPLoader{
		client: &http.Client{Timeout: timeout},
		log:    logger.WithField("component", "http_loader"),
	}
}

func (l *HTTPLoader) Load(ctx context.Context, url string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "SmarTrack/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Page{}, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", url, err)
	}
	l.log.WithFields(logrus.Fields{"url": url, "bytes": len(body)}).Debug("Page fetched")
	return Page{URL: resp.Request.URL.String(), HTML: string(body)}, nil
}

func (l *HTTPLoader) Close() error { return nil }

// FallbackLoader tries Primary and uses Secondary when it fails.
type FallbackLoader struct {
	Primary   Loader
	Secondary Loader
	Log       logrus.FieldLogger
}

func (f FallbackLoader) Load(ctx context.Context, url string) (Page, error) {
	page, err := f.Primary.Load(ctx, url)
	if err == nil {
		return page, nil
	}
	if ctx.Err() != nil {
		return Page{}, err
	}
	if f.Log != nil {
		f.Log.WithError(err).WithField("url", url).Warn("Rendering failed, fetching raw html")
	}
	return f.Secondary.Load(ctx, url)
}

func (f FallbackLoader) Close() error {
	if err := f.Primary.Close(); err != nil {
		return err
	}
	return f.Secondary.Close()
}
