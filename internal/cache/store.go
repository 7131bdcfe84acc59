package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
)

// Store persists crawl results by fingerprint. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*crawler.CrawlResult, bool, error)
	Put(ctx context.Context, fingerprint string, result *crawler.CrawlResult) error
	Delete(ctx context.Context, fingerprint string) error
	Clear(ctx context.Context) error
	Close() error
}

type memoryEntry struct {
	result *crawler.CrawlResult
	stored time.Time
}

// MemoryStore is a concurrent-safe in-memory Store with an optional TTL
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore creates a MemoryStore. A zero ttl keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a copy of the stored result
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*crawler.CrawlResult, bool, error) {
	s.mu.RLock()
	entry, found := s.items[fingerprint]
	s.mu.RUnlock()
	if !found {
		return nil, false, nil
	}
	if s.expired(entry) {
		// A Put may have replaced the entry since the read lock was dropped
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, found = s.items[fingerprint]
		if !found {
			return nil, false, nil
		}
		if s.expired(entry) {
			delete(s.items, fingerprint)
			return nil, false, nil
		}
	}
	return entry.result.Clone(), true, nil
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return s.ttl > 0 && s.now().Sub(entry.stored) > s.ttl
}

// Put stores a copy of result
func (s *MemoryStore) Put(_ context.Context, fingerprint string, result *crawler.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[fingerprint] = memoryEntry{result: result.Clone(), stored: s.now()}
	return nil
}

// Delete removes an entry
func (s *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, fingerprint)
	return nil
}

// Clear removes every entry
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of stored entries, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
