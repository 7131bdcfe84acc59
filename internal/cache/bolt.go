package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	bolt "go.etcd.io/bbolt"
)

// BoltBucket holds cached results inside the bolt file
const BoltBucket = "crawl_cache"

type storedEntry struct {
	StoredAt time.Time            `json:"stored_at"`
	Result   *crawler.CrawlResult `json:"result"`
}

// BoltStore is a persistent Store backed by a bbolt file
type BoltStore struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewBoltStore opens (or creates) the bolt file at path. The caller must Close it.
func NewBoltStore(path string, ttl time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BoltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	return &BoltStore{db: db, ttl: ttl}, nil
}

// Get implements Store
func (s *BoltStore) Get(ctx context.Context, fingerprint string) (*crawler.CrawlResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if val := tx.Bucket([]byte(BoltBucket)).Get([]byte(fingerprint)); val != nil {
			// Bolt values are only valid inside the transaction
			raw = append([]byte(nil), val...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if entry.Result == nil || s.ttl > 0 && time.Since(entry.StoredAt) > s.ttl {
		return nil, false, nil
	}
	return entry.Result, true, nil
}

// Put implements Store
func (s *BoltStore) Put(ctx context.Context, fingerprint string, result *crawler.CrawlResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(storedEntry{StoredAt: time.Now(), Result: result})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BoltBucket)).Put([]byte(fingerprint), raw)
	})
}

// Delete implements Store
func (s *BoltStore) Delete(_ context.Context, fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BoltBucket)).Delete([]byte(fingerprint))
	})
}

// Clear implements Store
func (s *BoltStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(BoltBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(BoltBucket))
		return err
	})
}

// Len returns the number of stored entries
func (s *BoltStore) Len() int {
	var count int
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(BoltBucket)).Stats().KeyN
		return nil
	})
	return count
}

// Close closes the bolt file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
