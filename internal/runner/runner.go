// Package runner drives single-URL crawl runs through cache, fetch, processing,
// markdown and extraction, and fans batches out over a bounded worker pool.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/Harvey-AU/nectar/internal/extraction"
	"github.com/Harvey-AU/nectar/internal/observability"
	"github.com/Harvey-AU/nectar/internal/processor"
	"github.com/Harvey-AU/nectar/internal/techdetect"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Run states
const (
	StateQueued     = "QUEUED"
	StateCacheCheck = "CACHE_CHECK"
	StateFetching   = "FETCHING"
	StateProcessing = "PROCESSING"
	StateMarkdown   = "MARKDOWN"
	StateExtracting = "EXTRACTING"
	StateComplete   = "COMPLETE"
	StateFailed     = "FAILED"
)

// Deps are the collaborators a Runner uses. Nil fields are built from the
// BrowserConfig passed to New.
type Deps struct {
	Fetcher  crawler.Fetcher
	Cache    *cache.Cache
	Robots   *crawler.RobotsChecker
	Sessions *crawler.SessionPool
	Tech     *techdetect.Detector
}

// Runner executes crawl runs. It is safe for concurrent use.
type Runner struct {
	fetcher  crawler.Fetcher
	cache    *cache.Cache
	robots   *crawler.RobotsChecker
	sessions *crawler.SessionPool

	tech     *techdetect.Detector
	techOnce sync.Once

	closeEngine func() error

	// sleep waits between dispatches; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner
func New(deps Deps, browser config.BrowserConfig) (*Runner, error) {
	r := &Runner{
		fetcher:  deps.Fetcher,
		cache:    deps.Cache,
		robots:   deps.Robots,
		sessions: deps.Sessions,
		tech:     deps.Tech,
		sleep:    sleepCtx,
	}

	var closers []crawler.SessionCloser
	if r.fetcher == nil {
		engine, err := browser.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("failed to build fetch engine: %w", err)
		}
		r.fetcher = engine.Fetcher
		r.closeEngine = engine.Close
		closers = append(closers, engine.Sessions)
	} else if c, ok := deps.Fetcher.(crawler.SessionCloser); ok {
		closers = append(closers, c)
	}

	if r.cache == nil {
		r.cache = cache.New(nil)
	}
	if r.robots == nil {
		r.robots = crawler.NewRobotsChecker(nil, browser.UserAgent, 0)
	}
	if r.sessions == nil {
		r.sessions = crawler.NewSessionPool(closers...)
	}
	if r.tech != nil {
		r.techOnce.Do(func() {})
	}
	return r, nil
}

// Cache returns the result cache shared by every run
func (r *Runner) Cache() *cache.Cache {
	return r.cache
}

// Sessions returns the live session pool
func (r *Runner) Sessions() *crawler.SessionPool {
	return r.sessions
}

// KillSession releases the state held for a session id
func (r *Runner) KillSession(id string) {
	r.sessions.Kill(id)
}

// Close kills every session and shuts down a browser started by New
func (r *Runner) Close() error {
	r.sessions.CloseAll()
	if r.closeEngine != nil {
		return r.closeEngine()
	}
	return nil
}

// Run crawls one URL. The returned error is non-nil exactly when the result failed;
// the result is never nil.
func (r *Runner) Run(ctx context.Context, rawURL string, cfg config.RunConfig) (*crawler.CrawlResult, error) {
	var limiter *RateLimiter
	if cfg.RateLimit != nil {
		limiter = NewRateLimiter(*cfg.RateLimit)
	}
	return r.run(ctx, rawURL, cfg, limiter)
}

func (r *Runner) run(ctx context.Context, rawURL string, cfg config.RunConfig, limiter *RateLimiter) (result *crawler.CrawlResult, err error) {
	start := time.Now()
	domain := domainOf(rawURL)

	ctx, span := observability.StartRunSpan(ctx, observability.RunSpanInfo{
		URL:       spanURL(rawURL),
		Domain:    domain,
		SessionID: cfg.SessionID,
		CacheMode: cfg.CacheMode.String(),
	})
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Interface("panic", p).
				Str("url", spanURL(rawURL)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in crawl run")
			sentry.CurrentHub().Recover(p)
			err = fmt.Errorf("panic during crawl run: %v", p)
			result = crawler.Failed(rawURL, err)
		}

		status := "success"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			transition(ctx, rawURL, StateFailed)
		}
		result.SessionID = cfg.SessionID
		observability.RecordRun(ctx, observability.RunMetrics{
			Status:      status,
			CacheStatus: result.CacheStatus,
			ErrorKind:   string(result.ErrorKind),
			Duration:    time.Since(start),
		})
		if cfg.Verbose {
			log.Info().
				Str("url", spanURL(rawURL)).
				Bool("success", result.Success).
				Str("cache_status", result.CacheStatus).
				Dur("duration", time.Since(start)).
				Msg("Crawl run finished")
		}
	}()

	transition(ctx, rawURL, StateQueued)
	if err := cfg.Validate(); err != nil {
		return crawler.Failed(rawURL, fmt.Errorf("invalid run config: %w", err)), err
	}
	if strings.TrimSpace(rawURL) == "" {
		err := crawlerr.Fetch(rawURL, "validate", errors.New("url is empty"))
		return crawler.Failed(rawURL, err), err
	}

	if cfg.SessionID != "" {
		release, err := r.sessions.Acquire(ctx, cfg.SessionID)
		if err != nil {
			ferr := fetchErr(rawURL, "session", err)
			return crawler.Failed(rawURL, ferr), ferr
		}
		defer release()
	}

	transition(ctx, rawURL, StateCacheCheck)
	var fingerprint string
	if cfg.CacheMode != cache.ModeDisabled {
		fingerprint = cache.Fingerprint(rawURL, cfg.CacheKeyParts()...)
	}
	if cfg.CacheMode.ShouldRead() {
		cached, hit := r.cache.Lookup(ctx, cfg.CacheMode, fingerprint)
		observability.RecordCacheLookup(ctx, cfg.CacheMode.String(), hit)
		if hit {
			cached.CacheStatus = cache.StatusFor(cfg.CacheMode, true)
			transition(ctx, rawURL, StateComplete)
			return cached, nil
		}
	}

	result, err = r.crawl(ctx, rawURL, domain, cfg, limiter)
	if err != nil {
		result.CacheStatus = cache.StatusFor(cfg.CacheMode, false)
		return result, err
	}
	result.CacheStatus = cache.StatusFor(cfg.CacheMode, false)

	// Cache failures are logged by the cache and never fail the run
	_ = r.cache.Save(ctx, cfg.CacheMode, fingerprint, result)

	transition(ctx, rawURL, StateComplete)
	return result, nil
}

// crawl runs the fetch and content stages for a cache miss
func (r *Runner) crawl(ctx context.Context, rawURL, domain string, cfg config.RunConfig, limiter *RateLimiter) (*crawler.CrawlResult, error) {
	local := crawler.IsRawURL(rawURL) || strings.HasPrefix(rawURL, "file://")

	if cfg.CheckRobotsTxt && !local && !r.robots.Allowed(ctx, rawURL) {
		err := crawlerr.Fetch(rawURL, "robots", errors.New("blocked by robots.txt"))
		res := crawler.Failed(rawURL, err)
		res.StatusCode = 403
		return res, err
	}

	transition(ctx, rawURL, StateFetching)
	resp, err := r.fetch(ctx, rawURL, domain, cfg, limiter, local)
	if err != nil {
		return crawler.Failed(rawURL, err), err
	}

	baseURL := resp.URL
	if local {
		baseURL = ""
	}

	transition(ctx, rawURL, StateProcessing)
	processed, err := processor.Process(resp.HTML, cfg.ProcessorOptions(baseURL))
	if err != nil {
		rerr := crawlerr.Render(rawURL, "process", err)
		return crawler.Failed(rawURL, rerr), rerr
	}

	result := &crawler.CrawlResult{
		URL:             rawURL,
		Success:         true,
		StatusCode:      resp.StatusCode,
		HTML:            resp.HTML,
		CleanedHTML:     processed.CleanedHTML,
		Media:           processed.Media,
		Links:           processed.Links,
		Metadata:        processed.Metadata,
		ResponseHeaders: resp.Headers,
		SSLCertificate:  resp.SSLCertificate,
		Performance:     resp.Performance,
		PDF:             resp.PDF,
		Timestamp:       time.Now().Unix(),
		ResponseTime:    resp.ResponseTime.Milliseconds(),
	}
	if !local && resp.URL != "" && resp.URL != rawURL {
		result.RedirectedURL = resp.URL
	}
	if len(resp.Screenshot) > 0 {
		result.Screenshot = base64.StdEncoding.EncodeToString(resp.Screenshot)
	}

	transition(ctx, rawURL, StateMarkdown)
	md, err := cfg.Generator().Generate(processed.CleanedHTML, baseURL)
	if err != nil {
		log.Warn().Err(err).Str("url", spanURL(rawURL)).Msg("Markdown generation failed")
	} else {
		result.Markdown = md
	}

	if cfg.ExtractionStrategy != nil {
		transition(ctx, rawURL, StateExtracting)
		r.extract(ctx, result, cfg.ExtractionStrategy)
	}

	if cfg.DetectTechnologies && !local {
		if detector := r.detector(); detector != nil {
			result.Technologies = detector.DetectPage(resp.Headers, resp.HTML).Names()
		}
	}

	return result, nil
}

// fetch retrieves the page under PageTimeout, retrying throttled responses when a
// rate limiter is active
func (r *Runner) fetch(ctx context.Context, rawURL, domain string, cfg config.RunConfig, limiter *RateLimiter, local bool) (*crawler.FetchResponse, error) {
	req := cfg.FetchRequest(rawURL)
	if local || domain == "" {
		limiter = nil
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx, domain); err != nil {
				return nil, fetchErr(rawURL, "rate limit wait", err)
			}
		}

		resp, err := r.fetchOnce(ctx, req, cfg.PageTimeout)
		if err != nil {
			return nil, err
		}
		if limiter == nil {
			return resp, nil
		}
		if !limiter.Update(domain, resp.StatusCode) {
			return nil, crawlerr.Fetch(rawURL, "fetch", fmt.Errorf("rate limit retries exhausted after status %d", resp.StatusCode))
		}
		if !limiter.Throttled(resp.StatusCode) {
			return resp, nil
		}
	}
}

func (r *Runner) fetchOnce(ctx context.Context, req *crawler.FetchRequest, timeout time.Duration) (*crawler.FetchResponse, error) {
	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := r.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		if fetchCtx.Err() != nil && ctx.Err() == nil && crawlerr.KindOf(err) != crawlerr.KindRender {
			return nil, crawlerr.Timeout(req.URL, "fetch", err)
		}
		return nil, fetchErr(req.URL, "fetch", err)
	}
	if resp == nil {
		return nil, crawlerr.Fetch(req.URL, "fetch", errors.New("fetcher returned no response"))
	}
	return resp, nil
}

// extract runs the extraction strategy. Failures only populate ExtractionError.
func (r *Runner) extract(ctx context.Context, result *crawler.CrawlResult, strategy extraction.Strategy) {
	in := extraction.Input{
		URL:         result.URL,
		HTML:        result.HTML,
		CleanedHTML: result.CleanedHTML,
	}
	if result.Markdown != nil {
		in.Markdown = result.Markdown.RawMarkdown
		in.FitMarkdown = result.Markdown.FitMarkdown
	}

	out, err := strategy.Extract(ctx, in)
	if err != nil {
		if crawlerr.KindOf(err) == "" {
			err = crawlerr.Extraction(result.URL, strategy.Name(), err)
		}
		result.ExtractionError = err.Error()
		log.Warn().
			Err(err).
			Str("url", spanURL(result.URL)).
			Str("strategy", strategy.Name()).
			Msg("Extraction failed")
		return
	}

	result.ExtractedContent = out.Content
	if len(out.Errors) > 0 {
		result.ExtractionError = errors.Join(out.Errors...).Error()
	}
}

func (r *Runner) detector() *techdetect.Detector {
	r.techOnce.Do(func() {
		d, err := techdetect.New()
		if err != nil {
			log.Warn().Err(err).Msg("Technology detection unavailable")
			return
		}
		r.tech = d
	})
	return r.tech
}

// fetchErr classifies a fetch-stage error, keeping kinds that are already set
func fetchErr(url, op string, err error) error {
	if crawlerr.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawlerr.Timeout(url, op, err)
	}
	return crawlerr.Fetch(url, op, err)
}

func transition(ctx context.Context, rawURL, state string) {
	observability.Stage(ctx, state)
	log.Debug().Str("url", spanURL(rawURL)).Str("state", state).Msg("Run state")
}

// spanURL keeps raw HTML payloads out of logs and span attributes
func spanURL(rawURL string) string {
	if crawler.IsRawURL(rawURL) {
		return crawler.RawShortPrefix + fmt.Sprintf("<%d bytes>", len(crawler.RawHTML(rawURL)))
	}
	return rawURL
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
