package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// Drivers accepted by Open.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Options selects and locates the durable store.
type Options struct {
	Driver     string
	BadgerPath string
	SQLitePath string
}

// Open returns a ready store. When the durable store cannot be opened it
// falls back to an in-memory store, and when that fails too to a no-op store
// whose writes fail with ErrUninitialized. Open itself never fails.
func Open(ctx context.Context, opts Options, logger logrus.FieldLogger) Store {
	log := logger.WithField("component", "storage")

	var durable Store
	switch opts.Driver {
	case DriverSQLite:
		durable = NewSQLiteStore(opts.SQLitePath, logger)
	default:
		durable = NewBadgerStore(opts.BadgerPath, logger)
	}
	err := durable.OpenConnection(ctx)
	if err == nil {
		return durable
	}
	log.WithError(err).WithField("driver", opts.Driver).Warn("Durable store unavailable, keeping links in memory for this session")

	mem := NewInMemoryBadgerStore(logger)
	if err = mem.OpenConnection(ctx); err == nil {
		return mem
	}
	log.WithError(err).Warn("In-memory store unavailable, links will not be persisted")
	return NoopStore{log: log}
}

// NoopStore stands in when no store could be opened. Reads are empty and
// writes fail with ErrUninitialized.
type NoopStore struct {
	log logrus.FieldLogger
}

func (n NoopStore) OpenConnection(context.Context) error { return nil }

func (n NoopStore) Put(_ context.Context, link domain.SavedLink) (domain.SavedLink, error) {
	if n.log != nil {
		n.log.WithField("id", link.ID).Warn("Dropping write, store is not initialized")
	}
	return link, storageErr("put", ErrUninitialized)
}

func (n NoopStore) Get(context.Context, string) (domain.SavedLink, error) {
	return domain.SavedLink{}, domain.ErrNotFound
}

func (n NoopStore) List(context.Context) ([]domain.SavedLink, error) { return nil, nil }

func (n NoopStore) FindByURL(context.Context, string) ([]domain.SavedLink, error) { return nil, nil }

func (n NoopStore) IncrementClicks(context.Context, string, int) (domain.SavedLink, error) {
	return domain.SavedLink{}, storageErr("clicks", ErrUninitialized)
}

func (n NoopStore) Delete(context.Context, string) error { return storageErr("delete", ErrUninitialized) }

func (n NoopStore) DeleteAll(context.Context) error { return storageErr("delete_all", ErrUninitialized) }

func (n NoopStore) GetValue(context.Context, string) ([]byte, error) { return nil, nil }

func (n NoopStore) SetValue(context.Context, string, []byte) error {
	return storageErr("set_value", ErrUninitialized)
}

func (n NoopStore) Close() error { return nil }
