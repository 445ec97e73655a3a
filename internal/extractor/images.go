package extractor

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Size thresholds for the image fallback. They are empirical and not a contract.
const (
	lazyMinSide  = 100
	largeMinSide = 200
)

var lazySrcAttrs = []string{"data-src", "data-lazy-src", "data-original"}

var placeholderPatterns = []string{
	"data:image",
	"placeholder",
	"spacer",
	"blank.gif",
	"pixel.gif",
	"1x1",
	"transparent",
}

// FindFirstLargeImage looks for a usable preview image when the page declares
// none in its meta tags. Tiers are tried in order and a failing tier falls
// through to the next one.
func (e *Extractor) FindFirstLargeImage() string {
	tiers := []struct {
		name string
		fn   func() string
	}{
		{"lazy", e.lazyImage},
		{"large", e.largeImage},
		{"platform", e.platformImage},
		{"first", e.firstImage},
	}
	for _, tier := range tiers {
		if src := e.tryTier(tier.name, tier.fn); src != "" {
			return e.ResolveAbsoluteImageURL(src)
		}
	}
	return ""
}

func (e *Extractor) tryTier(name string, fn func() string) (src string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("tier", name).WithField("panic", r).Debug("Image tier failed")
			src = ""
		}
	}()
	return fn()
}

// lazyImage picks the first lazy-loaded image that is not a tracking pixel.
func (e *Extractor) lazyImage() string {
	var found string
	e.find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := lazySrc(s)
		if src == "" {
			return true
		}
		w, h := dimensions(s)
		if w == 1 && h == 1 {
			return true
		}
		if (w == 0 && h == 0) || w >= lazyMinSide || h >= lazyMinSide {
			found = src
			return false
		}
		return true
	})
	return found
}

func (e *Extractor) largeImage() string {
	var found string
	e.find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || isPlaceholder(src) {
			return true
		}
		w, h := dimensions(s)
		if w >= largeMinSide && h >= largeMinSide {
			found = src
			return false
		}
		return true
	})
	return found
}

// platformImage covers Medium, whose article images carry no size hints.
func (e *Extractor) platformImage() string {
	if e.pageURL == nil || !strings.Contains(strings.ToLower(e.pageURL.Hostname()), "medium.com") {
		return ""
	}
	var found string
	e.find("article img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			src = lazySrc(s)
		}
		if src == "" || isPlaceholder(src) {
			return true
		}
		found = src
		return false
	})
	return found
}

func (e *Extractor) firstImage() string {
	var found string
	e.find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || isPlaceholder(src) {
			return true
		}
		found = src
		return false
	})
	return found
}

func lazySrc(s *goquery.Selection) string {
	for _, attr := range lazySrcAttrs {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

// dimensions reads the declared width and height; unparseable values count as 0.
func dimensions(s *goquery.Selection) (w, h int) {
	return pixels(s.AttrOr("width", "")), pixels(s.AttrOr("height", ""))
}

func pixels(v string) int {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func isPlaceholder(src string) bool {
	lower := strings.ToLower(src)
	for _, p := range placeholderPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
