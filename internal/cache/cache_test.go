package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore errors on every call
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*crawler.CrawlResult, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (failingStore) Put(context.Context, string, *crawler.CrawlResult) error {
	return errors.New("disk on fire")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("disk on fire") }
func (failingStore) Clear(context.Context) error          { return errors.New("disk on fire") }
func (failingStore) Close() error                         { return nil }

// blockingStore holds Put until released
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	puts    int
}

func (s *blockingStore) Put(ctx context.Context, fp string, r *crawler.CrawlResult) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.Put(ctx, fp, r)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("https://example.com", "css:x", "md:y")
	b := Fingerprint("https://example.com", "md:y", "css:x")
	assert.Equal(t, a, b, "part order does not matter")
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("https://example.com/other", "css:x", "md:y"))
	assert.NotEqual(t, a, Fingerprint("https://example.com", "css:z", "md:y"))
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestCacheModeContract(t *testing.T) {
	tests := []struct {
		mode      Mode
		wantSaved bool
		wantRead  bool
	}{
		{mode: ModeEnabled, wantSaved: true, wantRead: true},
		{mode: ModeBypass},
		{mode: ModeDisabled},
		{mode: ModeReadOnly, wantRead: true},
		{mode: ModeWriteOnly, wantSaved: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore(0)
			c := New(store)

			require.NoError(t, c.Save(ctx, tt.mode, "new", sampleResult("https://example.com/new")))
			assert.Equal(t, tt.wantSaved, store.Len() == 1)

			require.NoError(t, store.Put(ctx, "existing", sampleResult("https://example.com/existing")))
			got, hit := c.Lookup(ctx, tt.mode, "existing")
			assert.Equal(t, tt.wantRead, hit)
			if tt.wantRead {
				assert.Equal(t, "https://example.com/existing", got.URL)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestCacheSkipsFailedResults(t *testing.T) {
	store := NewMemoryStore(0)
	c := New(store)

	require.NoError(t, c.Save(context.Background(), ModeEnabled, "fp", crawler.Failed("https://example.com", errors.New("boom"))))
	require.NoError(t, c.Save(context.Background(), ModeEnabled, "fp", nil))
	assert.Equal(t, 0, store.Len())
}

func TestCacheDegradesOnStoreErrors(t *testing.T) {
	c := New(failingStore{})
	ctx := context.Background()

	got, hit := c.Lookup(ctx, ModeEnabled, "fp")
	assert.False(t, hit)
	assert.Nil(t, got)

	err := c.Save(ctx, ModeEnabled, "fp", sampleResult("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, crawlerr.KindCache, crawlerr.KindOf(err))
	assert.False(t, crawlerr.IsTerminal(err))

	assert.Equal(t, int64(2), c.Stats().Errors)
	assert.Equal(t, crawlerr.KindCache, crawlerr.KindOf(c.Clear(ctx)))
}

func TestCacheLookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	require.NoError(t, c.Save(ctx, ModeEnabled, "fp", sampleResult("https://example.com")))

	first, hit := c.Lookup(ctx, ModeEnabled, "fp")
	require.True(t, hit)
	first.HTML = "mutated"

	second, hit := c.Lookup(ctx, ModeEnabled, "fp")
	require.True(t, hit)
	assert.Equal(t, "<p>hello</p>", second.HTML)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Writes)
}

func TestCacheInFlightWriteIsDeduplicated(t *testing.T) {
	store := &blockingStore{
		MemoryStore: NewMemoryStore(0),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	c := New(store)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- c.Save(ctx, ModeEnabled, "fp", sampleResult("https://example.com"))
	}()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first writer never reached the store")
	}

	// Second writer returns immediately without touching the store
	require.NoError(t, c.Save(ctx, ModeEnabled, "fp", sampleResult("https://example.com")))

	close(store.release)
	require.NoError(t, <-done)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, 1, store.Len())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, crawler.CacheStatusDisabled, StatusFor(ModeDisabled, false))
	assert.Equal(t, crawler.CacheStatusBypass, StatusFor(ModeBypass, false))
	assert.Equal(t, crawler.CacheStatusHit, StatusFor(ModeEnabled, true))
	assert.Equal(t, crawler.CacheStatusMiss, StatusFor(ModeWriteOnly, false))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, "memory", "", "", 60)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = OpenStore(ctx, "bolt", t.TempDir()+"/c.db", "", 0)
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, "redis", "", "", 0)
	assert.Equal(t, crawlerr.KindCache, crawlerr.KindOf(err))

	_, err = OpenStore(ctx, "postgres", "", "", 0)
	assert.Error(t, err)
}
