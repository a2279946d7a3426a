package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/observability"
)

// CacheFileName is the name of the key cache database inside the cache directory.
const CacheFileName = "yt_search_cache.db"

var (
	// ErrCacheClosed is returned when the cache is used before Open or after Close.
	ErrCacheClosed = errors.New("key cache is not open")
	// ErrKeyCollision is returned by Put when a different URL already owns the derived key.
	ErrKeyCollision = errors.New("key already bound to a different url")
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// KeyCache is the persistent key -> URL store backed by a single SQLite file.
type KeyCache struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewKeyCache returns a cache stored in dir. Nothing is touched on disk until Open.
func NewKeyCache(dir string) *KeyCache {
	return &KeyCache{path: filepath.Join(dir, CacheFileName)}
}

// Path returns the database file location.
func (c *KeyCache) Path() string {
	return c.path
}

// Open creates the database file and schema if absent. Calling Open on an
// already open cache is a no-op.
func (c *KeyCache) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	dsn := "file:" + c.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open key cache: %w", err)
	}
	// One connection serializes writers; a completed Put is visible to every later Get.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("create key cache schema: %w", err)
	}

	c.db = db
	slog.Debug("key cache opened", "path", c.path)
	return nil
}

// Close releases the database handle. It is safe to call on a cache that was
// never opened and safe to call more than once.
func (c *KeyCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return fmt.Errorf("close key cache: %w", err)
	}
	return nil
}

func (c *KeyCache) handle() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrCacheClosed
	}
	return c.db, nil
}

// Get looks up the URL stored under key.
func (c *KeyCache) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := c.handle()
	if err != nil {
		return "", false, err
	}

	var url string
	err = db.QueryRowContext(ctx, `SELECT url FROM cache_entries WHERE key = ?`, key).Scan(&url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			observability.CacheLookups.WithLabelValues("miss").Inc()
			return "", false, nil
		}
		observability.CacheLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("get cache entry: %w", err)
	}

	observability.CacheLookups.WithLabelValues("hit").Inc()
	return url, true, nil
}

// Put stores url under its derived key and returns the key. Storing the same
// URL again returns the same key without adding a row.
func (c *KeyCache) Put(ctx context.Context, url string) (string, error) {
	db, err := c.handle()
	if err != nil {
		return "", err
	}

	key := keys.Derive(url).String()

	res, err := db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, url, created_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, url, time.Now().UTC().Unix())
	if err != nil {
		observability.CacheWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("put cache entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		observability.CacheWrites.WithLabelValues("inserted").Inc()
		return key, nil
	}

	var stored string
	if err := db.QueryRowContext(ctx, `SELECT url FROM cache_entries WHERE key = ?`, key).Scan(&stored); err != nil {
		observability.CacheWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("check existing cache entry: %w", err)
	}
	if keys.Normalize(stored) != keys.Normalize(url) {
		observability.CacheWrites.WithLabelValues("collision").Inc()
		slog.Warn("cache key collision", "key", key)
		return "", fmt.Errorf("put %q: %w", key, ErrKeyCollision)
	}

	observability.CacheWrites.WithLabelValues("existing").Inc()
	return key, nil
}

// Entry returns the full cache entry for key, or nil if absent.
func (c *KeyCache) Entry(ctx context.Context, key string) (*models.CacheEntry, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	var (
		e       models.CacheEntry
		created int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT key, url, created_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&e.Key, &e.URL, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	return &e, nil
}

// Count returns the number of stored entries.
func (c *KeyCache) Count(ctx context.Context) (int, error) {
	db, err := c.handle()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// Purge deletes entries created before cutoff and returns how many were removed.
func (c *KeyCache) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := c.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ping checks that the database is open and reachable.
func (c *KeyCache) Ping(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}
