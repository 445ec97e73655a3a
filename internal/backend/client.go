// Package backend talks to the SmarTrack REST API: link sync and click tracking.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// ErrNotConfigured is returned when no base URL was set.
var ErrNotConfigured = errors.New("backend base url is not configured")

// SaveResult is the backend's answer to a save.
type SaveResult struct {
	Link       *domain.SavedLink  `json:"link,omitempty"`
	Duplicates []domain.SavedLink `json:"duplicates,omitempty"`
}

// TokenFunc supplies the bearer token for a request; "" sends none.
type TokenFunc func(ctx context.Context) string

// Client is a small JSON client for the links API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   TokenFunc
	log     logrus.FieldLogger
}

// NewClient creates a client for baseURL. An empty baseURL yields a client
// whose calls fail with ErrNotConfigured.
func NewClient(baseURL string, timeout time.Duration, token TokenFunc, logger logrus.FieldLogger) (*Client, error) {
	c := &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
		log:   logger.WithField("component", "backend"),
	}
	if baseURL == "" {
		return c, nil
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", baseURL)
	}
	c.baseURL = u
	return c, nil
}

// Configured reports whether the client has somewhere to send requests.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// SaveLink posts link. A 409 answer carries the existing links with the same
// URL and is returned as a result, not an error. confirm asks the backend to
// save regardless.
func (c *Client) SaveLink(ctx context.Context, link domain.SavedLink, confirm bool) (SaveResult, error) {
	path := "/api/links"
	if confirm {
		path += "?confirm=true"
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, link)
	if err != nil {
		return SaveResult{}, err
	}
	log := c.log.WithFields(logrus.Fields{"id": link.ID, "url": link.URL})

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Warn("Backend save failed")
		return SaveResult{}, fmt.Errorf("save link: %w", err)
	}
	defer resp.Body.Close()

	var out SaveResult
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return SaveResult{}, fmt.Errorf("decode save response: %w", err)
		}
	default:
		return SaveResult{}, statusError(resp)
	}
	log.WithFields(logrus.Fields{
		"status":     resp.StatusCode,
		"duplicates": len(out.Duplicates),
	}).Info("Backend save completed")
	return out, nil
}

// TrackClick records one click synchronously.
func (c *Client) TrackClick(ctx context.Context, linkID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/links/"+url.PathEscape(linkID)+"/click", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("track click: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// SyncLabels replaces the user's label list on the backend.
func (c *Client) SyncLabels(ctx context.Context, labels []string) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/api/labels", struct {
		Labels []string `json:"labels"`
	}{labels})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sync labels: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	c.log.WithField("labels", len(labels)).Debug("Labels synced")
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
