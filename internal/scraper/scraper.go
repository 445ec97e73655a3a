// Package scraper loads pages so their DOM can be handed to a content script.
package scraper

import "context"

// Page is a loaded document. URL is the final URL after redirects.
// LocalStorage holds the page's window.localStorage when the loader can read it.
type Page struct {
	URL          string
	HTML         string
	LocalStorage map[string]string
}

// Loader fetches and renders a page.
type Loader interface {
	Load(ctx context.Context, url string) (Page, error)
	Close() error
}
