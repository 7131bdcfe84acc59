// Package api serves the crawl pipeline over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/auth"
	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/notifications"
	"github.com/Harvey-AU/nectar/internal/storage"
	"golang.org/x/sync/semaphore"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const (
	defaultMaxURLs       = 100
	defaultMaxBodyBytes  = 10 << 20
	defaultMaxConcurrent = 4
	notifyTimeout        = 30 * time.Second
)

// Crawler is the part of the runner the API drives
type Crawler interface {
	RunMany(ctx context.Context, urls []string, cfg config.RunConfig) []*crawler.CrawlResult
	Stream(ctx context.Context, urls []string, cfg config.RunConfig) <-chan *crawler.CrawlResult
	Sessions() *crawler.SessionPool
	KillSession(id string)
	Cache() *cache.Cache
}

// Options configures a Handler. Zero limits fall back to defaults.
type Options struct {
	Defaults      config.Preset
	MaxURLs       int
	MaxBodyBytes  int64
	MaxConcurrent int64

	Auth      auth.AuthClient // nil leaves the API open
	Metrics   http.Handler
	Notifier  *notifications.Service
	Artifacts *storage.Writer
}

// Handler holds dependencies for API handlers
type Handler struct {
	crawler  Crawler
	opts     Options
	inflight *semaphore.Weighted
	notifyWG sync.WaitGroup
}

// NewHandler creates a new API handler with dependencies
func NewHandler(c Crawler, opts Options) *Handler {
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = defaultMaxURLs
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Defaults.Run.SemaphoreCount == 0 {
		opts.Defaults = config.Preset{Browser: config.DefaultBrowserConfig(), Run: config.DefaultRunConfig()}
	}
	return &Handler{
		crawler:  c,
		opts:     opts,
		inflight: semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health and metrics (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	if h.opts.Metrics != nil {
		mux.Handle("/metrics", h.opts.Metrics)
	}

	mux.Handle("/v1/crawl", h.protect(http.HandlerFunc(h.CrawlHandler)))
	mux.Handle("/v1/crawl/stream", h.protect(http.HandlerFunc(h.CrawlStreamHandler)))
	mux.Handle("/v1/sessions", h.protect(http.HandlerFunc(h.SessionsHandler)))
	mux.Handle("/v1/sessions/", h.protect(http.HandlerFunc(h.SessionHandler))) // For /v1/sessions/:id
	mux.Handle("/v1/cache", h.protect(http.HandlerFunc(h.CacheHandler)))
}

// Routes returns the API mux wrapped in the standard middleware chain
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	var handler http.Handler = mux
	handler = RecoverMiddleware(handler)
	handler = CrossOriginProtectionMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = CORSMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// Wait blocks until background notifications have been sent
func (h *Handler) Wait() {
	h.notifyWG.Wait()
}

func (h *Handler) protect(next http.Handler) http.Handler {
	if h.opts.Auth == nil {
		return next
	}
	return auth.AuthMiddlewareWithClient(h.opts.Auth)(next)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "nectar", Version, len(h.crawler.Sessions().List()))
}

// CrawlRequest is the body of both crawl endpoints. Config takes the same keys as
// a YAML preset (run, markdown, extraction) in JSON form.
type CrawlRequest struct {
	URLs      []string        `json:"urls"`
	Config    json.RawMessage `json:"config,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
	Notify    bool            `json:"notify,omitempty"`
}

// CrawlResponse is returned by POST /v1/crawl
type CrawlResponse struct {
	Results   []*crawler.CrawlResult        `json:"results"`
	Summary   *notifications.Summary        `json:"summary"`
	Artifacts map[string][]storage.Artifact `json:"artifacts,omitempty"`
}

// streamLine is one NDJSON line of POST /v1/crawl/stream
type streamLine struct {
	*crawler.CrawlResult
	Artifacts []storage.Artifact `json:"artifacts,omitempty"`
}

// CrawlHandler runs a batch and returns every result once all are done
func (h *Handler) CrawlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, cfg, ok := h.decodeCrawl(w, r)
	if !ok {
		return
	}
	if !h.acquire(w, r) {
		return
	}
	defer h.inflight.Release(1)

	logger := loggerWithRequest(r)
	start := time.Now()
	results := h.crawler.RunMany(r.Context(), req.URLs, cfg.Clone(config.WithStream(false)))
	elapsed := time.Since(start)

	resp := CrawlResponse{
		Results: results,
		Summary: notifications.Summarise("API crawl", results, elapsed),
	}
	if len(req.Artifacts) > 0 {
		resp.Artifacts = make(map[string][]storage.Artifact, len(results))
		for _, res := range results {
			if artifacts := h.writeArtifacts(r.Context(), res, req.Artifacts); len(artifacts) > 0 {
				resp.Artifacts[res.URL] = artifacts
			}
		}
	}

	logger.Info().
		Int("urls", len(req.URLs)).
		Int("failed", resp.Summary.Failed).
		Dur("elapsed", elapsed).
		Msg("Crawl batch completed")

	if req.Notify {
		h.notify(resp.Summary)
	}
	WriteSuccess(w, r, resp, "")
}

// CrawlStreamHandler writes each result as an NDJSON line as soon as it
// completes, followed by a final summary line
func (h *Handler) CrawlStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, cfg, ok := h.decodeCrawl(w, r)
	if !ok {
		return
	}
	if !h.acquire(w, r) {
		return
	}
	defer h.inflight.Release(1)

	logger := loggerWithRequest(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newNDJSONWriter(w)
	start := time.Now()
	results := make([]*crawler.CrawlResult, 0, len(req.URLs))
	writeFailed := false
	for res := range h.crawler.Stream(ctx, req.URLs, cfg.Clone(config.WithStream(true))) {
		results = append(results, res)
		line := streamLine{CrawlResult: res}
		if len(req.Artifacts) > 0 {
			line.Artifacts = h.writeArtifacts(ctx, res, req.Artifacts)
		}
		if writeFailed {
			continue
		}
		if err := out.Write(line); err != nil {
			// Client went away; cancelling stops the remaining runs
			logger.Warn().Err(err).Msg("Stream write failed, cancelling crawl")
			writeFailed = true
			cancel()
		}
	}

	summary := notifications.Summarise("API crawl stream", results, time.Since(start))
	if !writeFailed {
		if err := out.Write(map[string]any{"summary": summary}); err != nil {
			logger.Debug().Err(err).Msg("Failed to write stream summary")
		}
	}
	if req.Notify {
		h.notify(summary)
	}
}

// SessionsHandler lists live sessions
func (h *Handler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteSuccess(w, r, h.crawler.Sessions().List(), "")
}

// SessionHandler kills one session: DELETE /v1/sessions/:id
func (h *Handler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		MethodNotAllowed(w, r)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		NotFound(w, r, "Session not found")
		return
	}

	found := false
	for _, s := range h.crawler.Sessions().List() {
		if s.ID == id {
			found = true
			break
		}
	}
	if !found {
		NotFound(w, r, "Session not found")
		return
	}

	h.crawler.KillSession(id)
	logger := loggerWithRequest(r)
	logger.Info().Str("session_id", id).Msg("Session killed")
	WriteNoContent(w, r)
}

// CacheHandler reports cache statistics (GET) or empties the cache (DELETE)
func (h *Handler) CacheHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteSuccess(w, r, h.crawler.Cache().Stats(), "")
	case http.MethodDelete:
		if err := h.crawler.Cache().Clear(r.Context()); err != nil {
			InternalError(w, r, fmt.Errorf("failed to clear cache: %w", err))
			return
		}
		WriteNoContent(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) bool {
	if h.inflight.TryAcquire(1) {
		return true
	}
	TooManyRequests(w, r, "Too many crawls in progress, please retry shortly", 5*time.Second)
	return false
}

// decodeCrawl parses and validates a crawl request, writing the error response
// itself when the request is unusable
func (h *Handler) decodeCrawl(w http.ResponseWriter, r *http.Request) (*CrawlRequest, config.RunConfig, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)

	var req CrawlRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RequestTooLarge(w, r, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return nil, config.RunConfig{}, false
		}
		BadRequest(w, r, "Invalid JSON request body")
		return nil, config.RunConfig{}, false
	}

	if err := h.validateURLs(req.URLs); err != nil {
		BadRequest(w, r, err.Error())
		return nil, config.RunConfig{}, false
	}
	for _, f := range req.Artifacts {
		if !storage.ValidFormat(f) {
			BadRequest(w, r, fmt.Sprintf("Unknown artifact format %q", f))
			return nil, config.RunConfig{}, false
		}
	}
	if len(req.Artifacts) > 0 && h.opts.Artifacts == nil {
		BadRequest(w, r, "Artifact storage is not configured")
		return nil, config.RunConfig{}, false
	}

	cfg, err := h.runConfig(req.Config)
	if err != nil {
		ValidationError(w, r, err)
		return nil, config.RunConfig{}, false
	}
	return &req, cfg, true
}

func (h *Handler) validateURLs(urls []string) error {
	if len(urls) == 0 {
		return errors.New("at least one URL is required")
	}
	if len(urls) > h.opts.MaxURLs {
		return fmt.Errorf("at most %d URLs may be crawled per request", h.opts.MaxURLs)
	}
	for _, u := range urls {
		if crawler.IsRawURL(u) {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid URL %q: only http(s) and raw: URLs are accepted", u)
		}
	}
	return nil
}

// serverOnlyKeys catches preset keys that would let a caller reach server-side
// files, credentials or browser settings
type serverOnlyKeys struct {
	Browser    json.RawMessage `json:"browser"`
	Extraction *struct {
		APIToken   string `json:"api_token"`
		BaseURL    string `json:"base_url"`
		SchemaFile string `json:"schema_file"`
	} `json:"extraction"`
}

func (h *Handler) runConfig(raw json.RawMessage) (config.RunConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return h.opts.Defaults.Run.Clone(), nil
	}

	var keys serverOnlyKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return config.RunConfig{}, fmt.Errorf("config must be a JSON object: %w", err)
	}
	if len(keys.Browser) > 0 {
		return config.RunConfig{}, errors.New("browser settings are fixed by the server")
	}
	if e := keys.Extraction; e != nil && (e.APIToken != "" || e.BaseURL != "" || e.SchemaFile != "") {
		return config.RunConfig{}, errors.New("extraction api_token, base_url and schema_file are server-side settings")
	}

	preset, err := config.ApplyPreset(raw, h.opts.Defaults)
	if err != nil {
		return config.RunConfig{}, err
	}
	return preset.Run, nil
}

func (h *Handler) writeArtifacts(ctx context.Context, res *crawler.CrawlResult, formats []string) []storage.Artifact {
	artifacts, err := h.opts.Artifacts.Write(ctx, res, formats...)
	if err != nil {
		logger := loggerFromContext(ctx)
		logger.Warn().Err(err).Str("url", res.URL).Msg("Failed to write artifacts")
	}
	return artifacts
}

func (h *Handler) notify(summary *notifications.Summary) {
	if h.opts.Notifier == nil {
		return
	}
	h.notifyWG.Add(1)
	go func() {
		defer h.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		_ = h.opts.Notifier.Notify(ctx, summary)
	}()
}
