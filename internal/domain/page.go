package domain

// PageData is what the extractor reads off a single page. It is built fresh for
// every capture and folded into a SavedLink; it is never stored on its own.
// Empty strings stand in for absent values.
type PageData struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Image         string `json:"image,omitempty"`
	SiteName      string `json:"siteName,omitempty"`
	Author        string `json:"author,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
	PageText      string `json:"pageText"`
	Favicon       string `json:"favicon"`
}
