package crawler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// HTTPFetcher retrieves pages with colly without running JavaScript. Each session
// gets its own collector and cookie jar; requests without a session share a
// cookieless collector.
type HTTPFetcher struct {
	opts Options

	base *colly.Collector

	mu       sync.Mutex
	sessions map[string]*colly.Collector
}

// NewHTTPFetcher creates an HTTPFetcher
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	f := &HTTPFetcher{
		opts:     opts,
		sessions: make(map[string]*colly.Collector),
	}

	base, err := f.newCollector(false)
	if err != nil {
		return nil, err
	}
	f.base = base
	return f, nil
}

func (f *HTTPFetcher) newCollector(withJar bool) (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.UserAgent(f.opts.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)

	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: f.opts.IgnoreHTTPSErrors}, //nolint:gosec // opt-in via IgnoreHTTPSErrors
	}
	if f.opts.Proxy != "" {
		proxyURL, err := url.Parse(f.opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", f.opts.Proxy, err)
		}
		baseTransport.Proxy = http.ProxyURL(proxyURL)
	}

	httpClient := &http.Client{
		Timeout: f.opts.Timeout,
		Transport: &tracingRoundTripper{
			transport: &decodingRoundTripper{transport: baseTransport},
		},
	}
	if withJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	c.SetClient(httpClient)
	return c, nil
}

// prepareRequest sets the configured headers and cookies. Clones do not inherit
// callbacks, so it is registered on every clone that visits.
func (f *HTTPFetcher) prepareRequest(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range f.opts.Headers {
		r.Headers.Set(k, v)
	}
	if cookie := f.cookieHeader(r.URL); cookie != "" {
		r.Headers.Set("Cookie", cookie)
	}

	log.Debug().
		Str("url", r.URL.String()).
		Msg("Fetcher sending request")
}

// cookieHeader renders configured cookies that apply to u
func (f *HTTPFetcher) cookieHeader(u *url.URL) string {
	var parts []string
	host := strings.ToLower(u.Hostname())
	for _, c := range f.opts.Cookies {
		domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if domain != "" && host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(u.Path, c.Path) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (f *HTTPFetcher) collectorFor(sessionID string) (*colly.Collector, error) {
	if sessionID == "" {
		return f.base, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.sessions[sessionID]; ok {
		return c, nil
	}
	c, err := f.newCollector(true)
	if err != nil {
		return nil, err
	}
	f.sessions[sessionID] = c
	return c, nil
}

// CloseSession drops the collector and cookie jar of a session
func (f *HTTPFetcher) CloseSession(sessionID string) {
	f.mu.Lock()
	delete(f.sessions, sessionID)
	f.mu.Unlock()
}

// validateFetchRequest checks the URL is an absolute http(s) URL
func validateFetchRequest(ctx context.Context, targetURL string) (*url.URL, error) {
	if err := ctx.Err(); err != nil {
		return nil, crawlerr.Fetch(targetURL, "validate", err)
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, crawlerr.Fetch(targetURL, "validate", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return nil, crawlerr.Fetch(targetURL, "validate", fmt.Errorf("invalid URL format: %s", targetURL))
	}
	return parsed, nil
}

// Fetch implements Fetcher. It respects context cancellation and the request timeout.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if _, err := validateFetchRequest(ctx, req.URL); err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	collector, err := f.collectorFor(req.SessionID)
	if err != nil {
		return nil, crawlerr.Fetch(req.URL, "session", err)
	}
	traceCtx, slot := withTraceSlot(ctx)
	clone := collector.Clone()
	clone.Context = traceCtx
	clone.OnRequest(f.prepareRequest)

	start := time.Now()
	res := &FetchResponse{URL: req.URL}
	var fetchErr error

	clone.OnResponse(func(r *colly.Response) {
		res.ResponseTime = time.Since(start)
		res.StatusCode = r.StatusCode
		res.HTML = string(r.Body)
		res.Headers = headerMap(*r.Headers)
		res.URL = r.Request.URL.String()

		if rec := slot.load(); rec != nil {
			metrics := rec.metrics
			// Content transfer time is total response time minus TTFB
			if metrics.TTFB > 0 {
				metrics.ContentTransferTime = res.ResponseTime.Milliseconds() - metrics.TTFB
			}
			res.Performance = &metrics
			if req.FetchSSLCertificate {
				res.SSLCertificate = rec.cert
			}
		}
	})

	clone.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			res.StatusCode = r.StatusCode
		}
		log.Debug().
			Err(err).
			Str("url", req.URL).
			Msg("Fetch failed")
	})

	done := make(chan error, 1)
	go func() {
		if visitErr := clone.Visit(req.URL); visitErr != nil {
			done <- visitErr
			return
		}
		clone.Wait()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, crawlerr.Fetch(req.URL, "navigate", err)
		}
	case <-ctx.Done():
		log.Debug().
			Err(ctx.Err()).
			Str("url", req.URL).
			Msg("Fetch cancelled due to context")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, crawlerr.Timeout(req.URL, "navigate", ctx.Err())
		}
		return nil, crawlerr.Fetch(req.URL, "navigate", ctx.Err())
	}

	if fetchErr != nil {
		return nil, crawlerr.Fetch(req.URL, "navigate", fetchErr)
	}

	log.Debug().
		Int("status", res.StatusCode).
		Str("url", req.URL).
		Str("final_url", res.URL).
		Dur("duration", res.ResponseTime).
		Msg("Fetch completed")

	return res, nil
}
