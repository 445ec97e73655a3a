package storage

import (
	"context"
	"errors"
	"fmt"

	"smartrack/internal/domain"
)

// ErrUninitialized is wrapped by StorageError when the store was never opened.
var ErrUninitialized = errors.New("store is not initialized")

// StorageError reports a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Index names maintained by every LinkStore.
const (
	IndexByURL       = "byUrl"
	IndexByCreatedAt = "byCreatedAt"
	IndexByUpdatedAt = "byUpdatedAt"
)

var indexNames = []string{IndexByURL, IndexByCreatedAt, IndexByUpdatedAt}

// LinkStore is durable storage of SavedLink records keyed by ID.
// Implementations: BadgerStore (default) and SQLiteStore.
type LinkStore interface {
	// OpenConnection establishes the store and creates its indexes on first
	// run. Calling it again is a no-op.
	OpenConnection(ctx context.Context) error

	// Put inserts or replaces the link with the same ID.
	Put(ctx context.Context, link domain.SavedLink) (domain.SavedLink, error)

	// Get returns the link with id or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.SavedLink, error)

	// List returns every link, newest first.
	List(ctx context.Context) ([]domain.SavedLink, error)

	// FindByURL returns the links saved for url.
	FindByURL(ctx context.Context, url string) ([]domain.SavedLink, error)

	// IncrementClicks adds delta to the click count, never going below zero.
	IncrementClicks(ctx context.Context, id string, delta int) (domain.SavedLink, error)

	// Delete removes one link. Deleting a missing link is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every link.
	DeleteAll(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// KV is the raw key/value area behind Settings.
type KV interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	SetValue(ctx context.Context, key string, value []byte) error
}

// Store is a LinkStore with a settings area.
type Store interface {
	LinkStore
	KV
}
