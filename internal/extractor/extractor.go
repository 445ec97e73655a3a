// Package extractor reads page metadata (title, description, preview image,
// favicon, author, body text) out of a parsed DOM without touching the network.
package extractor

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// DefaultTextLength is the page text budget used when the caller has no preference.
const DefaultTextLength = 2000

var (
	descriptionNames = []string{"description", "og:description", "twitter:description"}
	imageNames       = []string{"og:image", "og:image:url", "twitter:image", "twitter:image:src"}
	siteNameNames    = []string{"og:site_name", "application-name"}
	authorNames      = []string{"author", "article:author", "twitter:creator"}
	publishedNames   = []string{"article:published_time", "og:published_time", "date", "pubdate"}
	titleNames       = []string{"og:title", "twitter:title"}
)

// Extractor reads metadata from a single page. Each lookup recovers on its own
// and ExtractPageData never fails.
type Extractor struct {
	doc     *goquery.Document
	rawURL  string
	pageURL *url.URL
	textMax int
	log     logrus.FieldLogger

	// find is doc.Find; tests swap it to simulate a misbehaving DOM.
	find func(selector string) *goquery.Selection
}

// New wraps an already-parsed document loaded from pageURL.
func New(doc *goquery.Document, pageURL string, logger logrus.FieldLogger) *Extractor {
	e := &Extractor{
		doc:     doc,
		rawURL:  pageURL,
		textMax: DefaultTextLength,
		log:     logger.WithField("component", "extractor"),
	}
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		e.pageURL = u
	}
	e.find = doc.Find
	return e
}

// FromHTML parses r as HTML and returns an Extractor for it.
func FromHTML(r io.Reader, pageURL string, logger logrus.FieldLogger) (*Extractor, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page %s: %w", pageURL, err)
	}
	return New(doc, pageURL, logger), nil
}

// WithTextLength sets the page text budget used by ExtractPageData.
func (e *Extractor) WithTextLength(n int) *Extractor {
	if n > 0 {
		e.textMax = n
	}
	return e
}

// ExtractMetaContent returns the first non-empty content attribute among
// <meta name=...> and <meta property=...> tags, trying names in the given order.
// An empty string means nothing matched.
func (e *Extractor) ExtractMetaContent(names ...string) (content string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Debug("Meta lookup failed")
			content = ""
		}
	}()

	metas := e.find("meta")
	for _, name := range names {
		for _, attr := range []string{"name", "property"} {
			var found string
			metas.EachWithBreak(func(_ int, s *goquery.Selection) bool {
				v, ok := s.Attr(attr)
				if !ok || !strings.EqualFold(strings.TrimSpace(v), name) {
					return true
				}
				c := strings.TrimSpace(s.AttrOr("content", ""))
				if c == "" {
					return true
				}
				found = c
				return false
			})
			if found != "" {
				return found
			}
		}
	}
	return ""
}

// origin returns scheme://host of the page, or "" when the page URL is unusable.
func (e *Extractor) origin() string {
	if e.pageURL == nil {
		return ""
	}
	return e.pageURL.Scheme + "://" + e.pageURL.Host
}

// ResolveFaviconURL returns an absolute favicon URL. It falls back to
// /favicon.ico at the page origin and returns "" only when there is no origin.
func (e *Extractor) ResolveFaviconURL() (favicon string) {
	origin := e.origin()
	if origin == "" {
		return ""
	}
	fallback := origin + "/favicon.ico"

	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Debug("Favicon lookup failed")
			favicon = fallback
		}
	}()

	var href string
	for _, rel := range []string{"icon", "shortcut icon", "apple-touch-icon"} {
		e.find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if !strings.EqualFold(strings.TrimSpace(s.AttrOr("rel", "")), rel) {
				return true
			}
			href = strings.TrimSpace(s.AttrOr("href", ""))
			return href == ""
		})
		if href != "" {
			break
		}
	}
	if href == "" {
		return fallback
	}

	base, err := url.Parse(origin + "/")
	if err != nil {
		return fallback
	}
	ref, err := url.Parse(href)
	if err != nil {
		return fallback
	}
	return base.ResolveReference(ref).String()
}

// ResolveAbsoluteImageURL makes candidate absolute. Absolute http(s) URLs pass
// through unchanged, protocol-relative URLs take the page scheme, and anything
// else is resolved against the page origin. On failure the input is returned
// as is, so applying it twice is the same as applying it once.
func (e *Extractor) ResolveAbsoluteImageURL(candidate string) (resolved string) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			resolved = candidate
		}
	}()

	lower := strings.ToLower(candidate)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return candidate
	}
	if e.pageURL == nil {
		return candidate
	}
	if strings.HasPrefix(candidate, "//") {
		return e.pageURL.Scheme + ":" + candidate
	}

	ref, err := url.Parse(candidate)
	if err != nil {
		return candidate
	}
	if ref.IsAbs() {
		return candidate
	}
	base, err := url.Parse(e.origin() + "/")
	if err != nil {
		return candidate
	}
	return base.ResolveReference(ref).String()
}

// ExtractPageData composes every lookup into a PageData record. It never fails:
// if composition blows up, the result carries only the title and URL.
func (e *Extractor) ExtractPageData() (data domain.PageData) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"url":   e.rawURL,
				"panic": r,
			}).Warn("Page extraction failed, returning minimal record")
			data = domain.PageData{Title: e.safeTitle(), URL: e.rawURL}
		}
	}()

	data = domain.PageData{
		Title:         e.title(),
		URL:           e.rawURL,
		Description:   e.ExtractMetaContent(descriptionNames...),
		SiteName:      e.ExtractMetaContent(siteNameNames...),
		Author:        e.ExtractMetaContent(authorNames...),
		PublishedDate: e.ExtractMetaContent(publishedNames...),
		PageText:      e.ExtractPageText(e.textMax),
		Favicon:       e.ResolveFaviconURL(),
	}

	data.Image = e.ResolveAbsoluteImageURL(e.ExtractMetaContent(imageNames...))
	if data.Image == "" {
		data.Image = e.FindFirstLargeImage()
	}

	e.log.WithFields(logrus.Fields{
		"url":       data.URL,
		"has_image": data.Image != "",
		"text_len":  len(data.PageText),
	}).Debug("Extracted page data")
	return data
}

func (e *Extractor) title() string {
	if t := strings.TrimSpace(e.find("title").First().Text()); t != "" {
		return t
	}
	return e.ExtractMetaContent(titleNames...)
}

// safeTitle reads <title> straight from the document, bypassing find, for the
// minimal record.
func (e *Extractor) safeTitle() (t string) {
	defer func() {
		if recover() != nil {
			t = ""
		}
	}()
	return strings.TrimSpace(e.doc.Find("title").First().Text())
}
