package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

const createCacheTableSQL = `CREATE TABLE IF NOT EXISTS crawl_cache (
	fingerprint TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	result JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresConfig holds connection settings for the postgres cache
type PostgresConfig struct {
	DatabaseURL        string
	MaxOpenConns       int
	MaxIdleConns       int
	MaxLifetime        time.Duration
	StatementTimeoutMs int
	TTL                time.Duration
}

// PostgresStore keeps crawl results in a crawl_cache table
type PostgresStore struct {
	client *sql.DB
	ttl    time.Duration
}

// NewPostgresStore connects with the pgx driver and creates the table if needed
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", augmentDSNWithTimeout(cfg.DatabaseURL, cfg.StatementTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	client.SetMaxOpenConns(cfg.MaxOpenConns)
	client.SetMaxIdleConns(cfg.MaxIdleConns)
	client.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := client.PingContext(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store, err := NewPostgresStoreFromDB(ctx, client, cfg.TTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection and creates the table if needed
func NewPostgresStoreFromDB(ctx context.Context, client *sql.DB, ttl time.Duration) (*PostgresStore, error) {
	if _, err := client.ExecContext(ctx, createCacheTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create crawl_cache table: %w", err)
	}
	log.Debug().Msg("Postgres cache ready")
	return &PostgresStore{client: client, ttl: ttl}, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, fingerprint string) (*crawler.CrawlResult, bool, error) {
	var raw []byte
	var createdAt time.Time
	err := s.client.QueryRowContext(ctx,
		`SELECT result, created_at FROM crawl_cache WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if s.ttl > 0 && time.Since(createdAt) > s.ttl {
		return nil, false, nil
	}

	var result crawler.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &result, true, nil
}

// Put implements Store with an upsert
func (s *PostgresStore) Put(ctx context.Context, fingerprint string, result *crawler.CrawlResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	_, err = s.client.ExecContext(ctx, `
		INSERT INTO crawl_cache (fingerprint, url, result, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (fingerprint) DO UPDATE
		SET url = EXCLUDED.url, result = EXCLUDED.result, created_at = NOW()`,
		fingerprint, result.URL, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.client.ExecContext(ctx, `DELETE FROM crawl_cache WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear implements Store
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.client.ExecContext(ctx, `DELETE FROM crawl_cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.client.Close()
}

// augmentDSNWithTimeout adds statement_timeout to a DSN if not already present.
// Supports both URL format (postgresql://...) and key=value format.
func augmentDSNWithTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return fmt.Sprintf("%s%sstatement_timeout=%d", dsn, separator, timeoutMs)
	}
	return fmt.Sprintf("%s statement_timeout=%d", dsn, timeoutMs)
}
