// Package cache stores crawl results by a fingerprint of URL and run settings.
//
// Cache enforces the per-run Mode contract on top of a Store. Store failures never
// fail a crawl: they are logged as CacheErrors and treated as misses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/rs/zerolog/log"
)

// Cache wraps a Store with mode enforcement and in-flight write deduplication
type Cache struct {
	store    Store
	inflight sync.Map

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
	errors atomic.Int64
}

// Stats are cumulative counters since the cache was created
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Writes int64 `json:"writes"`
	Errors int64 `json:"errors"`
}

// New wraps store. A nil store gets an unbounded MemoryStore.
func New(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore(0)
	}
	return &Cache{store: store}
}

// Fingerprint hashes the URL together with the settings that shape the result.
// Part order does not matter.
func Fingerprint(url string, parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(url))
	for _, p := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns a caller-owned copy of the cached result when mode allows reads
func (c *Cache) Lookup(ctx context.Context, mode Mode, fingerprint string) (*crawler.CrawlResult, bool) {
	if !mode.ShouldRead() {
		return nil, false
	}

	result, found, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.errors.Add(1)
		cerr := crawlerr.Cache("", "read", err)
		log.Warn().
			Err(cerr).
			Str("fingerprint", fingerprint).
			Msg("Cache read failed, treating as miss")
		return nil, false
	}
	if !found || result == nil {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return result.Clone(), true
}

// Save stores result when mode allows writes. Failed results are never stored, and
// a second writer of a fingerprint already being written does nothing. Store errors
// are logged and returned as CacheErrors.
func (c *Cache) Save(ctx context.Context, mode Mode, fingerprint string, result *crawler.CrawlResult) error {
	if !mode.ShouldWrite() || result == nil || !result.Success {
		return nil
	}

	if _, busy := c.inflight.LoadOrStore(fingerprint, struct{}{}); busy {
		log.Debug().
			Str("fingerprint", fingerprint).
			Msg("Cache write already in flight, skipping")
		return nil
	}
	defer c.inflight.Delete(fingerprint)

	if err := c.store.Put(ctx, fingerprint, result.Clone()); err != nil {
		c.errors.Add(1)
		cerr := crawlerr.Cache(result.URL, "write", err)
		log.Warn().
			Err(cerr).
			Str("fingerprint", fingerprint).
			Msg("Cache write failed")
		return cerr
	}
	c.writes.Add(1)
	return nil
}

// Invalidate removes a single entry
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.store.Delete(ctx, fingerprint); err != nil {
		return crawlerr.Cache("", "delete", err)
	}
	return nil
}

// Clear empties the underlying store
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return crawlerr.Cache("", "clear", err)
	}
	return nil
}

// Stats returns the current counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
		Errors: c.errors.Load(),
	}
}

// Close closes the underlying store
func (c *Cache) Close() error {
	return c.store.Close()
}

// StatusFor reports the cache outcome label for a run
func StatusFor(mode Mode, hit bool) string {
	switch {
	case mode == ModeDisabled:
		return crawler.CacheStatusDisabled
	case mode == ModeBypass:
		return crawler.CacheStatusBypass
	case hit:
		return crawler.CacheStatusHit
	default:
		return crawler.CacheStatusMiss
	}
}

// OpenStore builds a store from a backend name: memory, bolt or postgres
func OpenStore(ctx context.Context, backend, path, databaseURL string, ttlSeconds int) (Store, error) {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryStore(ttl), nil
	case "bolt":
		if path == "" {
			path = "nectar-cache.db"
		}
		return NewBoltStore(path, ttl)
	case "postgres":
		return NewPostgresStore(ctx, PostgresConfig{DatabaseURL: databaseURL, TTL: ttl})
	default:
		return nil, crawlerr.Cache("", "open", fmt.Errorf("unknown cache backend %q", backend))
	}
}
