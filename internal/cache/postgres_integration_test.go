package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url := testutil.DatabaseURL(t)
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, PostgresConfig{DatabaseURL: url, TTL: time.Hour})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Clear(ctx))

	c := New(store)
	fp := Fingerprint("https://example.com/integration", "css=main")
	result := &crawler.CrawlResult{URL: "https://example.com/integration", Success: true, HTML: "<p>hi</p>", StatusCode: 200}

	require.NoError(t, c.Save(ctx, ModeEnabled, fp, result))
	got, hit := c.Lookup(ctx, ModeEnabled, fp)
	require.True(t, hit)
	assert.Equal(t, "<p>hi</p>", got.HTML)

	require.NoError(t, c.Invalidate(ctx, fp))
	_, hit = c.Lookup(ctx, ModeEnabled, fp)
	assert.False(t, hit)
}
