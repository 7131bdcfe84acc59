package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// maxRobotsSize caps how much of a robots.txt file is read
const maxRobotsSize = 1 * 1024 * 1024

// RobotsChecker evaluates robots.txt rules with a per-host TTL cache. Lookup
// failures allow the URL.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	fetched time.Time
	data    *robotstxt.RobotsData
}

// NewRobotsChecker creates a checker. A nil client gets a 10s timeout client; a
// zero ttl means 30 minutes.
func NewRobotsChecker(client *http.Client, userAgent string, ttl time.Duration) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether the URL may be crawled by our user agent
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return true
	}

	group := r.group(ctx, target)
	if group == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return group.Test(path)
}

// CrawlDelay returns the Crawl-delay for the URL's host, or zero
func (r *RobotsChecker) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return 0
	}
	if group := r.group(ctx, target); group != nil {
		return group.CrawlDelay
	}
	return 0
}

// Sitemaps lists sitemap URLs declared by the URL's host
func (r *RobotsChecker) Sitemaps(ctx context.Context, rawURL string) []string {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return nil
	}
	data, err := r.rules(ctx, target)
	if err != nil {
		return nil
	}
	return append([]string(nil), data.Sitemaps...)
}

func (r *RobotsChecker) group(ctx context.Context, target *url.URL) *robotstxt.Group {
	data, err := r.rules(ctx, target)
	if err != nil {
		log.Debug().
			Err(err).
			Str("host", target.Host).
			Msg("robots.txt unavailable, allowing")
		return nil
	}
	return data.FindGroup(botName(r.userAgent))
}

func (r *RobotsChecker) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	r.mu.RLock()
	entry, ok := r.cache[host]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetched) < r.ttl {
		return entry.data, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	log.Debug().
		Str("host", host).
		Str("robots_url", robotsURL).
		Msg("Fetching robots.txt")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// FromStatusAndBytes maps 4xx to allow-all and 5xx to disallow-all
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse robots.txt: %w", err)
	}

	r.mu.Lock()
	r.cache[host] = robotsEntry{fetched: time.Now(), data: data}
	r.mu.Unlock()

	return data, nil
}

// Purge evicts cached rules for a host
func (r *RobotsChecker) Purge(host string) {
	r.mu.Lock()
	delete(r.cache, strings.ToLower(strings.TrimSpace(host)))
	r.mu.Unlock()
}

// botName extracts the product token from a user agent ("Nectar/1.0 (+url)" -> "Nectar")
func botName(userAgent string) string {
	name := strings.TrimSpace(strings.SplitN(userAgent, "/", 2)[0])
	if name == "" {
		return "*"
	}
	return name
}
