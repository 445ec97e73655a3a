package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority(" Urgent ")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("someday")
	assert.Error(t, err)
}

func TestSavedLink_Touch(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	link := SavedLink{ID: "a", Tags: []string{"go", " go", "", "web"}}

	link.Touch(created)
	assert.Equal(t, created, link.CreatedAt)
	assert.Equal(t, created, link.UpdatedAt)
	assert.Equal(t, PriorityNormal, link.Priority)
	assert.Equal(t, []string{"go", "web"}, link.Tags)

	// A clock that steps backwards must not put UpdatedAt before CreatedAt.
	link.Touch(created.Add(-time.Hour))
	assert.Equal(t, created, link.UpdatedAt)

	later := created.Add(time.Minute)
	link.Touch(later)
	assert.Equal(t, created, link.CreatedAt)
	assert.Equal(t, later, link.UpdatedAt)
}

func TestNewLinkID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewLinkID(now)
	b := NewLinkID(now)
	assert.True(t, strings.HasPrefix(a, "1700000000000-"))
	assert.NotEqual(t, a, b)
}
