package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"smartrack/internal/domain"
)

// SQLiteStore implements Store on a SQLite file.
type SQLiteStore struct {
	path string
	log  logrus.FieldLogger

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore prepares a store at path. Nothing is opened until OpenConnection.
func NewSQLiteStore(path string, logger logrus.FieldLogger) *SQLiteStore {
	return &SQLiteStore{
		path: path,
		log:  logger.WithFields(logrus.Fields{"component": "repository", "driver": "sqlite"}),
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS links (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	label       TEXT NOT NULL DEFAULT '',
	priority    TEXT NOT NULL DEFAULT 'normal',
	image       TEXT NOT NULL DEFAULT '',
	favicon     TEXT NOT NULL DEFAULT '',
	page_text   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	click_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value BLOB
);
`

var sqliteIndexes = map[string]string{
	IndexByURL:       `CREATE INDEX IF NOT EXISTS idx_links_url ON links(url)`,
	IndexByCreatedAt: `CREATE INDEX IF NOT EXISTS idx_links_created_at ON links(created_at)`,
	IndexByUpdatedAt: `CREATE INDEX IF NOT EXISTS idx_links_updated_at ON links(updated_at)`,
}

// OpenConnection opens the database and creates the schema and indexes if missing.
func (s *SQLiteStore) OpenConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		db, err := sql.Open("sqlite3", s.path)
		if err != nil {
			return storageErr("open", err)
		}
		// One writer keeps SQLite from returning SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return storageErr("open", fmt.Errorf("failed to open sqlite db at %q: %w", s.path, err))
		}
		s.db = db
		s.log.WithField("path", s.path).Info("SQLite opened")
	}

	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return storageErr("open", err)
	}
	for _, name := range indexNames {
		if _, err := s.db.ExecContext(ctx, sqliteIndexes[name]); err != nil {
			return storageErr("open", fmt.Errorf("create index %s: %w", name, err))
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) handle(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storageErr(op, ErrUninitialized)
	}
	return s.db, nil
}

const linkColumns = `id, url, title, description, tags, label, priority, image, favicon, page_text, created_at, updated_at, click_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (domain.SavedLink, error) {
	var (
		link             domain.SavedLink
		tags, priority   string
		created, updated int64
	)
	err := row.Scan(&link.ID, &link.URL, &link.Title, &link.Description, &tags, &link.Label, &priority,
		&link.Image, &link.Favicon, &link.PageText, &created, &updated, &link.ClickCount)
	if err != nil {
		return link, err
	}
	if err := json.Unmarshal([]byte(tags), &link.Tags); err != nil {
		return link, fmt.Errorf("decode tags of %s: %w", link.ID, err)
	}
	link.Priority = domain.Priority(priority)
	link.CreatedAt = time.Unix(0, created).UTC()
	link.UpdatedAt = time.Unix(0, updated).UTC()
	return link, nil
}

// Put upserts link by ID, keeping the first CreatedAt.
func (s *SQLiteStore) Put(ctx context.Context, link domain.SavedLink) (domain.SavedLink, error) {
	if link.ID == "" {
		return link, storageErr("put", errors.New("link has no id"))
	}
	db, err := s.handle("put")
	if err != nil {
		return link, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return link, storageErr("put", err)
	}
	defer tx.Rollback()

	var created int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM links WHERE id = ?`, link.ID).Scan(&created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return link, storageErr("put", err)
	default:
		link.CreatedAt = time.Unix(0, created).UTC()
	}
	link.Touch(time.Now().UTC())

	tags, err := json.Marshal(link.Tags)
	if err != nil {
		return link, storageErr("put", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, title = excluded.title, description = excluded.description,
			tags = excluded.tags, label = excluded.label, priority = excluded.priority,
			image = excluded.image, favicon = excluded.favicon, page_text = excluded.page_text,
			updated_at = excluded.updated_at, click_count = excluded.click_count`,
		link.ID, link.URL, link.Title, link.Description, string(tags), link.Label, string(link.Priority),
		link.Image, link.Favicon, link.PageText, link.CreatedAt.UnixNano(), link.UpdatedAt.UnixNano(), link.ClickCount)
	if err != nil {
		s.log.WithError(err).WithField("id", link.ID).Error("Failed to save link to SQLite")
		return link, storageErr("put", err)
	}
	if err := tx.Commit(); err != nil {
		return link, storageErr("put", err)
	}
	return link, nil
}

// Get returns one link.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.SavedLink, error) {
	db, err := s.handle("get")
	if err != nil {
		return domain.SavedLink{}, err
	}
	link, err := scanLink(db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return link, domain.ErrNotFound
	}
	if err != nil {
		return link, storageErr("get", err)
	}
	return link, nil
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...any) ([]domain.SavedLink, error) {
	db, err := s.handle(op)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var links []domain.SavedLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return links, nil
}

// List returns every link, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.SavedLink, error) {
	return s.query(ctx, "list", `SELECT `+linkColumns+` FROM links ORDER BY created_at DESC, id DESC`)
}

// FindByURL returns the links saved for url.
func (s *SQLiteStore) FindByURL(ctx context.Context, url string) ([]domain.SavedLink, error) {
	return s.query(ctx, "find", `SELECT `+linkColumns+` FROM links WHERE url = ? ORDER BY created_at DESC`, url)
}

// IncrementClicks adjusts the click count of one link.
func (s *SQLiteStore) IncrementClicks(ctx context.Context, id string, delta int) (domain.SavedLink, error) {
	db, err := s.handle("clicks")
	if err != nil {
		return domain.SavedLink{}, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE links SET click_count = MAX(0, click_count + ?), updated_at = MAX(created_at, ?) WHERE id = ?`,
		delta, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return domain.SavedLink{}, storageErr("clicks", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.SavedLink{}, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete removes one link.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	db, err := s.handle("delete")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id); err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// DeleteAll removes every link.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	db, err := s.handle("delete_all")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM links`); err != nil {
		return storageErr("delete_all", err)
	}
	return nil
}

// GetValue reads a settings value. A missing key yields nil without error.
func (s *SQLiteStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle("get_value")
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get_value", err)
	}
	return out, nil
}

// SetValue writes a settings value.
func (s *SQLiteStore) SetValue(ctx context.Context, key string, value []byte) error {
	db, err := s.handle("set_value")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return storageErr("set_value", err)
	}
	return nil
}
