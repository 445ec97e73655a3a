package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no stored link.
var ErrNotFound = errors.New("link not found")

// Priority ranks a saved link in the reading queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps user input onto a Priority. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// SavedLink is the persistent record of a captured page.
type SavedLink struct {
	// ID is stable once assigned, either generated client-side or by the backend.
	ID string `json:"id"`

	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`

	// Tags holds unique values; order carries no meaning.
	Tags []string `json:"tags,omitempty"`

	// Label is the user's category for the link, empty when unset.
	Label    string   `json:"label,omitempty"`
	Priority Priority `json:"priority"`

	// Extracted page details kept alongside the user's fields.
	Image    string `json:"image,omitempty"`
	Favicon  string `json:"favicon,omitempty"`
	PageText string `json:"pageText,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ClickCount int       `json:"clickCount"`
}

// NewLinkID returns a client-side identifier: a millisecond timestamp followed by a random suffix.
func NewLinkID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Touch stamps the link for a write at now, filling CreatedAt on first write
// and keeping UpdatedAt >= CreatedAt.
func (l *SavedLink) Touch(now time.Time) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if now.Before(l.CreatedAt) {
		now = l.CreatedAt
	}
	l.UpdatedAt = now
	if l.Priority == "" {
		l.Priority = PriorityNormal
	}
	l.Tags = NormalizeTags(l.Tags)
}

// NormalizeTags trims, drops empties and removes duplicates. The result is sorted
// so that two sets with the same members compare equal.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
