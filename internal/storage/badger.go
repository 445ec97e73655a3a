package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// Key layout:
//
//	link:{id}                          JSON SavedLink
//	idx:byUrl:{url}\x00{id}            empty
//	idx:byCreatedAt:{unixnano}\x00{id} empty
//	idx:byUpdatedAt:{unixnano}\x00{id} empty
//	meta:index:{name}                  creation time of the index
//	kv:{key}                           settings value
const (
	linkPrefix  = "link:"
	indexPrefix = "idx:"
	metaIndex   = "meta:index:"
	kvPrefix    = "kv:"
)

// maxConflictRetries bounds how often a write transaction is rerun after
// badger.ErrConflict.
const maxConflictRetries = 5

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	opts badger.Options
	log  logrus.FieldLogger

	mu sync.RWMutex
	db *badger.DB

	// writeMu serializes read-modify-write transactions on links.
	writeMu sync.Mutex
}

// NewBadgerStore prepares a store at dbPath. Nothing is opened until OpenConnection.
func NewBadgerStore(dbPath string, logger logrus.FieldLogger) *BadgerStore {
	return newBadgerStore(badger.DefaultOptions(dbPath), logger)
}

// NewInMemoryBadgerStore prepares a store that lives only as long as the process.
func NewInMemoryBadgerStore(logger logrus.FieldLogger) *BadgerStore {
	return newBadgerStore(badger.DefaultOptions("").WithInMemory(true), logger)
}

func newBadgerStore(opts badger.Options, logger logrus.FieldLogger) *BadgerStore {
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}
	return &BadgerStore{
		opts: opts,
		log:  logger.WithField("component", "repository"),
	}
}

// OpenBadgerStore creates and opens a store at dbPath.
func OpenBadgerStore(ctx context.Context, dbPath string, logger logrus.FieldLogger) (*BadgerStore, error) {
	s := NewBadgerStore(dbPath, logger)
	if err := s.OpenConnection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenConnection opens the database if needed and registers missing indexes.
func (s *BadgerStore) OpenConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		db, err := badger.Open(s.opts)
		if err != nil {
			s.log.WithError(err).Error("Failed to open BadgerDB")
			return storageErr("open", fmt.Errorf("failed to open badger db at %q: %w", s.opts.Dir, err))
		}
		s.db = db
		s.log.WithFields(logrus.Fields{
			"path":      s.opts.Dir,
			"in_memory": s.opts.InMemory,
		}).Info("BadgerDB opened")
	}

	// Register each index once; the registry key records when it was built.
	return s.update(s.db, func(txn *badger.Txn) error {
		for _, name := range indexNames {
			key := []byte(metaIndex + name)
			_, err := txn.Get(key)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return storageErr("open", err)
			}
			if err := s.backfillIndex(txn, name); err != nil {
				return storageErr("open", err)
			}
			stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
			if err := txn.Set(key, stamp); err != nil {
				return storageErr("open", err)
			}
			s.log.WithField("index", name).Info("Created index")
		}
		return nil
	})
}

// backfillIndex writes entries for links stored before the index existed.
func (s *BadgerStore) backfillIndex(txn *badger.Txn, name string) error {
	links, err := scanLinks(txn)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := txn.Set(indexKey(name, l), nil); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database. Closing an unopened store is a no-op.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.log.Info("Closing BadgerDB...")
	err := s.db.Close()
	s.db = nil
	if err != nil {
		s.log.WithError(err).Error("Error closing BadgerDB")
		return err
	}
	s.log.Info("BadgerDB closed.")
	return nil
}

// update runs fn in a read-write transaction. Link writes read the current
// record first, so they are serialized, and a transaction that still loses
// to a concurrent commit is rerun.
func (s *BadgerStore) update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.WithField("attempt", attempt+1).Debug("Transaction conflict, retrying")
	}
	return err
}

func (s *BadgerStore) handle(op string) (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storageErr(op, ErrUninitialized)
	}
	return s.db, nil
}

func linkKey(id string) []byte {
	return []byte(linkPrefix + id)
}

func indexKey(name string, l domain.SavedLink) []byte {
	var value string
	switch name {
	case IndexByURL:
		value = l.URL
	case IndexByCreatedAt:
		value = fmt.Sprintf("%020d", l.CreatedAt.UnixNano())
	case IndexByUpdatedAt:
		value = fmt.Sprintf("%020d", l.UpdatedAt.UnixNano())
	}
	return []byte(indexPrefix + name + ":" + value + "\x00" + l.ID)
}

func getLink(txn *badger.Txn, id string) (domain.SavedLink, error) {
	var link domain.SavedLink
	item, err := txn.Get(linkKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return link, domain.ErrNotFound
	}
	if err != nil {
		return link, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &link)
	})
	return link, err
}

// writeLink stores link and swaps its index entries from old (if any).
func writeLink(txn *badger.Txn, link domain.SavedLink, old *domain.SavedLink) error {
	if old != nil {
		for _, name := range indexNames {
			if err := txn.Delete(indexKey(name, *old)); err != nil {
				return err
			}
		}
	}
	linkBytes, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal link: %w", err)
	}
	if err := txn.SetEntry(badger.NewEntry(linkKey(link.ID), linkBytes)); err != nil {
		return err
	}
	for _, name := range indexNames {
		if err := txn.Set(indexKey(name, link), nil); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts link by ID.
func (s *BadgerStore) Put(ctx context.Context, link domain.SavedLink) (domain.SavedLink, error) {
	if link.ID == "" {
		return link, storageErr("put", errors.New("link has no id"))
	}
	db, err := s.handle("put")
	if err != nil {
		return link, err
	}
	log := s.log.WithFields(logrus.Fields{
		"id":  link.ID,
		"url": link.URL,
	})

	// Start a read-write transaction
	err = s.update(db, func(txn *badger.Txn) error {
		// Look for an existing record so its index entries can be replaced
		old, err := getLink(txn, link.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// New link: stamp both times and write it with fresh index entries
			link.Touch(time.Now().UTC())
			return writeLink(txn, link, nil)
		case err != nil:
			return err
		}
		// The first write fixes CreatedAt.
		link.CreatedAt = old.CreatedAt
		link.Touch(time.Now().UTC())
		return writeLink(txn, link, &old)
	})
	if err != nil {
		log.WithError(err).Error("Failed to save link to BadgerDB")
		return link, storageErr("put", err)
	}
	log.Debug("Link saved")
	return link, nil
}

// Get returns one link.
func (s *BadgerStore) Get(ctx context.Context, id string) (domain.SavedLink, error) {
	db, err := s.handle("get")
	if err != nil {
		return domain.SavedLink{}, err
	}
	var link domain.SavedLink
	err = db.View(func(txn *badger.Txn) error {
		link, err = getLink(txn, id)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return link, err
	}
	if err != nil {
		return link, storageErr("get", err)
	}
	return link, nil
}

func scanLinks(txn *badger.Txn) ([]domain.SavedLink, error) {
	var links []domain.SavedLink
	// Iterate over all keys with the link prefix
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close() // Ensure iterator is closed

	prefix := []byte(linkPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			var link domain.SavedLink
			if err := json.Unmarshal(val, &link); err != nil {
				return fmt.Errorf("failed to unmarshal link data for key %s: %w", string(item.Key()), err)
			}
			links = append(links, link)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return links, nil
}

// List walks the byCreatedAt index backwards so the newest link comes first.
func (s *BadgerStore) List(ctx context.Context) ([]domain.SavedLink, error) {
	db, err := s.handle("list")
	if err != nil {
		return nil, err
	}
	var links []domain.SavedLink
	err = db.View(func(txn *badger.Txn) error {
		ids, err := indexIDs(txn, indexPrefix+IndexByCreatedAt+":", true)
		if err != nil {
			return err
		}
		// Resolve each index entry to its record
		for _, id := range ids {
			link, err := getLink(txn, id)
			if err != nil {
				return err
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to list links from BadgerDB")
		return nil, storageErr("list", err)
	}
	return links, nil
}

// FindByURL returns every link stored for url.
func (s *BadgerStore) FindByURL(ctx context.Context, url string) ([]domain.SavedLink, error) {
	db, err := s.handle("find")
	if err != nil {
		return nil, err
	}
	var links []domain.SavedLink
	err = db.View(func(txn *badger.Txn) error {
		ids, err := indexIDs(txn, indexPrefix+IndexByURL+":"+url+"\x00", false)
		if err != nil {
			return err
		}
		for _, id := range ids {
			link, err := getLink(txn, id)
			if err != nil {
				return err
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("find", err)
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})
	return links, nil
}

// indexIDs returns the link IDs under an index prefix in key order.
func indexIDs(txn *badger.Txn, prefix string, reverse bool) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		key := string(it.Item().Key())
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == 0 {
				ids = append(ids, key[i+1:])
				break
			}
		}
	}
	if reverse {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	return ids, nil
}

// IncrementClicks adjusts the click count of one link.
func (s *BadgerStore) IncrementClicks(ctx context.Context, id string, delta int) (domain.SavedLink, error) {
	db, err := s.handle("clicks")
	if err != nil {
		return domain.SavedLink{}, err
	}
	var link domain.SavedLink
	err = s.update(db, func(txn *badger.Txn) error {
		old, err := getLink(txn, id)
		if err != nil {
			return err
		}
		link = old
		// Never let a rollback push the count below zero
		link.ClickCount = max(0, link.ClickCount+delta)
		link.Touch(time.Now().UTC())
		return writeLink(txn, link, &old)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return link, err
	}
	if err != nil {
		return link, storageErr("clicks", err)
	}
	return link, nil
}

// Delete removes one link and its index entries.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	db, err := s.handle("delete")
	if err != nil {
		return err
	}
	log := s.log.WithField("id", id)

	err = s.update(db, func(txn *badger.Txn) error {
		old, err := getLink(txn, id)
		if errors.Is(err, domain.ErrNotFound) {
			// Deleting a missing link is not an error
			return nil
		}
		if err != nil {
			return err
		}
		// Drop the index entries first, then the record itself
		for _, name := range indexNames {
			if err := txn.Delete(indexKey(name, old)); err != nil {
				return err
			}
		}
		return txn.Delete(linkKey(id))
	})
	if err != nil {
		log.WithError(err).Error("Failed to delete link from BadgerDB")
		return storageErr("delete", err)
	}
	log.Info("Link deleted")
	return nil
}

// DeleteAll removes every link and index entry, keeping settings and index registrations.
func (s *BadgerStore) DeleteAll(ctx context.Context) error {
	db, err := s.handle("delete_all")
	if err != nil {
		return err
	}
	if err := db.DropPrefix([]byte(linkPrefix), []byte(indexPrefix)); err != nil {
		s.log.WithError(err).Error("Failed to delete all links")
		return storageErr("delete_all", err)
	}
	s.log.Info("All links deleted")
	return nil
}

// GetValue reads a settings value. A missing key yields nil without error.
func (s *BadgerStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle("get_value")
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(kvPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Unset keys read as nil
		}
		if err != nil {
			return err
		}
		// The value is only valid inside the transaction
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, storageErr("get_value", err)
	}
	return out, nil
}

// SetValue writes a settings value.
func (s *BadgerStore) SetValue(ctx context.Context, key string, value []byte) error {
	db, err := s.handle("set_value")
	if err != nil {
		return err
	}
	if err := s.update(db, func(txn *badger.Txn) error {
		return txn.Set([]byte(kvPrefix+key), value)
	}); err != nil {
		return storageErr("set_value", err)
	}
	return nil
}

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
