package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/nectar/internal/auth"
	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/notifications"
	"github.com/Harvey-AU/nectar/internal/runner"
	"github.com/Harvey-AU/nectar/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rawPage  = "raw:<html><head><title>One</title></head><body><h1>First page</h1><p>Some body text here.</p></body></html>"
	rawPage2 = "raw:<html><head><title>Two</title></head><body><h1>Second page</h1><ul><li>a</li><li>b</li></ul></body></html>"
)

type recordingChannel struct {
	mu        sync.Mutex
	summaries []*notifications.Summary
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Deliver(_ context.Context, s *notifications.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = append(c.summaries, s)
	return nil
}

func newTestHandler(t *testing.T, opts Options) (*Handler, http.Handler) {
	t.Helper()
	r, err := runner.New(runner.Deps{Fetcher: crawler.NewDispatcher(nil, nil)}, config.DefaultBrowserConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	opts.Defaults = config.Preset{
		Browser: config.DefaultBrowserConfig(),
		Run:     config.DefaultRunConfig().Clone(config.WithDelays(0, 0)),
	}
	h := NewHandler(r, opts)
	return h, h.Routes()
}

func post(t *testing.T, handler http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func crawlBody(t *testing.T, req CrawlRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return string(data)
}

type crawlEnvelope struct {
	Status    string        `json:"status"`
	Data      CrawlResponse `json:"data"`
	RequestID string        `json:"request_id"`
}

func TestHealthCheck(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "nectar", body.Service)
	assert.Equal(t, Version, body.Version)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCrawlReturnsResultsInOrder(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage, rawPage2, "https://unreachable.test/"}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env crawlEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, env.RequestID)

	results := env.Data.Results
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Markdown.RawMarkdown, "First page")
	assert.True(t, results[1].Success)
	assert.Contains(t, results[1].Markdown.RawMarkdown, "Second page")
	assert.False(t, results[2].Success, "no network fetcher is configured")
	assert.NotEmpty(t, results[2].ErrorMessage)

	require.NotNil(t, env.Data.Summary)
	assert.Equal(t, 3, env.Data.Summary.Total)
	assert.Equal(t, 2, env.Data.Summary.Succeeded)
	assert.Equal(t, 1, env.Data.Summary.Failed)
}

func TestCrawlWithCSSExtraction(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	body := `{
		"urls": ["` + rawPage2 + `"],
		"config": {
			"run": {"cache_mode": "bypass"},
			"extraction": {
				"type": "css",
				"schema": {"name": "items", "baseSelector": "li", "fields": [{"name": "text", "selector": "li", "type": "text"}]}
			}
		}
	}`
	rec := post(t, handler, "/v1/crawl", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env crawlEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data.Results, 1)
	res := env.Data.Results[0]
	assert.True(t, res.Success)
	assert.Equal(t, "bypass", res.CacheStatus)
	assert.NotEmpty(t, res.ExtractedContent)

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ExtractedContent), &items))
	assert.Len(t, items, 2)
}

func TestCrawlRejectsBadRequests(t *testing.T) {
	_, handler := newTestHandler(t, Options{MaxURLs: 2})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   ErrorCode
	}{
		{name: "invalid_json", body: `{"urls": [`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "unknown_field", body: `{"urls": ["https://a.test"], "depth": 3}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "no_urls", body: `{"urls": []}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "too_many_urls", body: `{"urls": ["https://a.test", "https://b.test", "https://c.test"]}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "file_url", body: `{"urls": ["file:///etc/passwd"]}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "relative_url", body: `{"urls": ["/page"]}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "unknown_artifact", body: `{"urls": ["https://a.test"], "artifacts": ["docx"]}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "artifacts_without_storage", body: `{"urls": ["https://a.test"], "artifacts": ["markdown"]}`, wantStatus: http.StatusBadRequest, wantCode: ErrCodeBadRequest},
		{name: "browser_section", body: `{"urls": ["https://a.test"], "config": {"browser": {"headless": false}}}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeValidation},
		{name: "api_token", body: `{"urls": ["https://a.test"], "config": {"extraction": {"type": "llm", "api_token": "env:HOME"}}}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeValidation},
		{name: "schema_file", body: `{"urls": ["https://a.test"], "config": {"extraction": {"type": "css", "schema_file": "/etc/hosts"}}}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeValidation},
		{name: "bad_cache_mode", body: `{"urls": ["https://a.test"], "config": {"run": {"cache_mode": "sometimes"}}}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeValidation},
		{name: "config_not_object", body: `{"urls": ["https://a.test"], "config": [1, 2]}`, wantStatus: http.StatusUnprocessableEntity, wantCode: ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, handler, "/v1/crawl", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, string(tt.wantCode), errResp.Code)
			assert.NotEmpty(t, errResp.RequestID)
		})
	}
}

func TestCrawlBodyTooLarge(t *testing.T) {
	_, handler := newTestHandler(t, Options{MaxBodyBytes: 64})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{"raw:" + strings.Repeat("x", 200)}}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCrawlMethodNotAllowed(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	for _, path := range []string{"/v1/crawl", "/v1/crawl/stream"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestCrawlTooManyInFlight(t *testing.T) {
	h, handler := newTestHandler(t, Options{MaxConcurrent: 1})
	require.True(t, h.inflight.TryAcquire(1))
	defer h.inflight.Release(1)

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestCrawlStream(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/crawl/stream", "application/json",
		strings.NewReader(crawlBody(t, CrawlRequest{URLs: []string{rawPage, rawPage2, "https://unreachable.test/"}})))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []map[string]json.RawMessage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var line map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 4, "one line per URL plus the summary")

	urls := map[string]bool{}
	for _, line := range lines[:3] {
		var u string
		require.NoError(t, json.Unmarshal(line["url"], &u))
		urls[u] = true
	}
	assert.Len(t, urls, 3)

	var summary notifications.Summary
	require.NoError(t, json.Unmarshal(lines[3]["summary"], &summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Failed)
}

func TestSessionsEndpoints(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	rec := post(t, handler, "/v1/crawl", `{"urls": ["`+rawPage+`"], "config": {"run": {"session_id": "s1"}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data []crawler.SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "s1", env.Data[0].ID)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "kill", method: http.MethodDelete, path: "/v1/sessions/s1", wantStatus: http.StatusNoContent},
		{name: "already_gone", method: http.MethodDelete, path: "/v1/sessions/s1", wantStatus: http.StatusNotFound},
		{name: "empty_id", method: http.MethodDelete, path: "/v1/sessions/", wantStatus: http.StatusNotFound},
		{name: "wrong_method", method: http.MethodGet, path: "/v1/sessions/s1", wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestCacheEndpoint(t *testing.T) {
	_, handler := newTestHandler(t, Options{})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data cache.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, int64(1), env.Data.Misses)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/cache", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/cache", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCrawlRequiresAuthWhenConfigured(t *testing.T) {
	client, err := auth.NewJWTAuthClient(auth.Config{Secret: "api-test-secret"})
	require.NoError(t, err)
	_, handler := newTestHandler(t, Options{Auth: client})

	body := crawlBody(t, CrawlRequest{URLs: []string{rawPage}})
	rec := post(t, handler, "/v1/crawl", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("api-test-secret"))
	require.NoError(t, err)

	rec = post(t, handler, "/v1/crawl", body, "Authorization", "Bearer "+signed)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestCrawlWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewDirSink(dir)
	require.NoError(t, err)
	_, handler := newTestHandler(t, Options{Artifacts: storage.NewWriter(sink)})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}, Artifacts: []string{storage.FormatMarkdown}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env crawlEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	artifacts := env.Data.Artifacts[rawPage]
	require.Len(t, artifacts, 1)
	assert.Equal(t, storage.FormatMarkdown, artifacts[0].Format)

	data, err := os.ReadFile(artifacts[0].Location)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("First page")))
}

type failingSink struct{}

func (failingSink) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestCrawlArtifactFailureKeepsResult(t *testing.T) {
	_, handler := newTestHandler(t, Options{Artifacts: storage.NewWriter(failingSink{})})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}, Artifacts: []string{storage.FormatMarkdown}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env crawlEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data.Results, 1)
	assert.True(t, env.Data.Results[0].Success)
	assert.Empty(t, env.Data.Artifacts[rawPage])
}

func TestCrawlSendsNotification(t *testing.T) {
	channel := &recordingChannel{}
	h, handler := newTestHandler(t, Options{Notifier: notifications.NewService(channel)})

	rec := post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}, Notify: true}))
	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()

	channel.mu.Lock()
	defer channel.mu.Unlock()
	require.Len(t, channel.summaries, 1)
	assert.Equal(t, 1, channel.summaries[0].Succeeded)

	rec = post(t, handler, "/v1/crawl", crawlBody(t, CrawlRequest{URLs: []string{rawPage}}))
	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()
	assert.Len(t, channel.summaries, 1, "no notification unless asked")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("crawl_run_total 1\n"))
	})
	_, handler := newTestHandler(t, Options{Metrics: metrics})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crawl_run_total")
}
