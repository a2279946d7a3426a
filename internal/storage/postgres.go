package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/ytkey/internal/config"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/observability"
)

// PostgresKeyStore implements the key cache contract on a Postgres table.
// It is used when cache.backend is "postgres".
type PostgresKeyStore struct {
	cfg config.DatabaseConfig

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

func NewPostgresKeyStore(cfg config.DatabaseConfig) *PostgresKeyStore {
	return &PostgresKeyStore{cfg: cfg}
}

// Open connects the pool and creates the cache_entries table if needed.
func (s *PostgresKeyStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN())
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(s.cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			url        TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		pool.Close()
		return fmt.Errorf("create cache_entries: %w", err)
	}

	s.pool = pool
	slog.Debug("postgres key store opened", "host", s.cfg.Host, "db", s.cfg.Name)
	return nil
}

// Close is idempotent and safe before Open.
func (s *PostgresKeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresKeyStore) handle() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrCacheClosed
	}
	return s.pool, nil
}

func (s *PostgresKeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.handle()
	if err != nil {
		return "", false, err
	}

	var url string
	err = pool.QueryRow(ctx, `SELECT url FROM cache_entries WHERE key = $1`, key).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			observability.CacheLookups.WithLabelValues("miss").Inc()
			return "", false, nil
		}
		observability.CacheLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("get cache entry: %w", err)
	}
	observability.CacheLookups.WithLabelValues("hit").Inc()
	return url, true, nil
}

func (s *PostgresKeyStore) Put(ctx context.Context, url string) (string, error) {
	pool, err := s.handle()
	if err != nil {
		return "", err
	}

	key := keys.Derive(url).String()

	tag, err := pool.Exec(ctx,
		`INSERT INTO cache_entries (key, url) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, url)
	if err != nil {
		observability.CacheWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("put cache entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		observability.CacheWrites.WithLabelValues("inserted").Inc()
		return key, nil
	}

	var stored string
	if err := pool.QueryRow(ctx, `SELECT url FROM cache_entries WHERE key = $1`, key).Scan(&stored); err != nil {
		observability.CacheWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("check existing cache entry: %w", err)
	}
	if keys.Normalize(stored) != keys.Normalize(url) {
		observability.CacheWrites.WithLabelValues("collision").Inc()
		return "", fmt.Errorf("put %q: %w", key, ErrKeyCollision)
	}
	observability.CacheWrites.WithLabelValues("existing").Inc()
	return key, nil
}

func (s *PostgresKeyStore) Entry(ctx context.Context, key string) (*models.CacheEntry, error) {
	pool, err := s.handle()
	if err != nil {
		return nil, err
	}
	e := &models.CacheEntry{}
	err = pool.QueryRow(ctx,
		`SELECT key, url, created_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&e.Key, &e.URL, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return e, nil
}

func (s *PostgresKeyStore) Count(ctx context.Context) (int, error) {
	pool, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func (s *PostgresKeyStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.handle()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM cache_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresKeyStore) Ping(ctx context.Context) error {
	pool, err := s.handle()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}
