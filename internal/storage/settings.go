package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Keys of the extension settings area.
const (
	KeyAuthToken            = "authToken"
	KeyExtensionVersion     = "extensionVersion"
	KeyLabels               = "labels"
	KeyFirstLoad            = "firstLoad"
	KeyDontShowOnboarding   = "dontShowOnboarding"
	KeyCategoriesSyncNeeded = "categoriesSyncNeeded"
	KeyCategoriesLastSync   = "categoriesLastSync"
)

// Settings reads and writes JSON-encoded values in a KV area.
type Settings struct {
	kv KV
	mu sync.Mutex // serializes read-modify-write of the label list
}

// NewSettings wraps kv.
func NewSettings(kv KV) *Settings {
	return &Settings{kv: kv}
}

func (s *Settings) get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.kv.GetValue(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Settings) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return s.kv.SetValue(ctx, key, raw)
}

// String returns the string at key, or "" if unset.
func (s *Settings) String(ctx context.Context, key string) (string, error) {
	var v string
	_, err := s.get(ctx, key, &v)
	return v, err
}

func (s *Settings) SetString(ctx context.Context, key, value string) error {
	return s.set(ctx, key, value)
}

// Bool returns the flag at key, or def if unset.
func (s *Settings) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v := def
	ok, err := s.get(ctx, key, &v)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

func (s *Settings) SetBool(ctx context.Context, key string, value bool) error {
	return s.set(ctx, key, value)
}

// Time returns the timestamp at key, or the zero time if unset.
func (s *Settings) Time(ctx context.Context, key string) (time.Time, error) {
	var v time.Time
	_, err := s.get(ctx, key, &v)
	return v, err
}

func (s *Settings) SetTime(ctx context.Context, key string, value time.Time) error {
	return s.set(ctx, key, value)
}

// Labels returns the stored label list.
func (s *Settings) Labels(ctx context.Context) ([]string, error) {
	var v []string
	_, err := s.get(ctx, KeyLabels, &v)
	return v, err
}

// AddLabel appends label if it is new and flags categories for sync.
// It reports whether the list changed.
func (s *Settings) AddLabel(ctx context.Context, label string) (bool, error) {
	if label == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	labels, err := s.Labels(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range labels {
		if l == label {
			return false, nil
		}
	}
	if err := s.set(ctx, KeyLabels, append(labels, label)); err != nil {
		return false, err
	}
	return true, s.SetBool(ctx, KeyCategoriesSyncNeeded, true)
}
