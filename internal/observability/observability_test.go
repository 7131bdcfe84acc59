package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, prov)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, WrapHandler(handler, nil))
	assert.NoError(t, prov.Shutdown(context.Background()))
}

func TestRunHelpersWithoutInit(t *testing.T) {
	ctx, span := StartRunSpan(context.Background(), RunSpanInfo{URL: "https://example.com", Domain: "example.com"})
	defer span.End()

	assert.NotPanics(t, func() {
		Stage(ctx, "FETCHING")
		RecordRun(ctx, RunMetrics{Status: "success", Duration: time.Millisecond})
		RecordCacheLookup(ctx, "ENABLED", true)
		RecordBatch(ctx, 3, 2)
		RunStarted(ctx)
		RunFinished(ctx)
	})
}

func TestInitExposesRunMetrics(t *testing.T) {
	ctx := context.Background()
	prov, err := Init(ctx, Config{Enabled: true, ServiceName: "nectar-test", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, prov)
	defer func() { _ = prov.Shutdown(ctx) }()

	runCtx, span := StartRunSpan(ctx, RunSpanInfo{URL: "https://example.com", Domain: "example.com", SessionID: "s1", CacheMode: "BYPASS"})
	Stage(runCtx, "CACHE_CHECK")
	span.End()

	RecordRun(ctx, RunMetrics{Status: "failed", CacheStatus: "MISS", ErrorKind: "FetchError", Duration: 25 * time.Millisecond})
	RecordCacheLookup(ctx, "ENABLED", false)
	RecordBatch(ctx, 12, 4)
	RunStarted(ctx)

	rec := httptest.NewRecorder()
	prov.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "crawl_run")
	assert.Contains(t, string(body), "crawl_cache_lookups")
	assert.Contains(t, string(body), "crawl_batch_urls")
	assert.Contains(t, string(body), "crawl_runs_in_flight")
}

func TestWrapHandlerSkipsHealth(t *testing.T) {
	ctx := context.Background()
	prov, err := Init(ctx, Config{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = prov.Shutdown(ctx) }()

	var called bool
	wrapped := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}), prov)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
