// Package config holds the per-run and per-session settings of a crawl.
//
// RunConfig and BrowserConfig are treated as immutable: derive variants with Clone
// and the With* options instead of assigning fields on a shared value.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/extraction"
	"github.com/Harvey-AU/nectar/internal/markdown"
	"github.com/Harvey-AU/nectar/internal/processor"
)

// Wait conditions accepted by WaitUntil
const (
	WaitDOMContentLoaded = "domcontentloaded"
	WaitLoad             = "load"
	WaitNetworkIdle      = "networkidle"
)

// DefaultSocialMediaDomains are dropped by ExcludeSocialMediaLinks
var DefaultSocialMediaDomains = []string{
	"facebook.com", "twitter.com", "x.com", "linkedin.com", "instagram.com",
	"pinterest.com", "tiktok.com", "snapchat.com", "reddit.com",
}

// RateLimitConfig controls per-domain pacing and retries on throttling responses
type RateLimitConfig struct {
	BaseDelayMin   time.Duration // Lower bound of the random delay between requests to a domain
	BaseDelayMax   time.Duration // Upper bound of the random delay
	MaxDelay       time.Duration // Backoff ceiling
	MaxRetries     int           // Retries after a throttling status before giving up
	RateLimitCodes []int         // Statuses that trigger backoff
}

// DefaultRateLimitConfig returns 1-3s base delays, a 60s ceiling and 3 retries on 429/503
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		BaseDelayMin:   time.Second,
		BaseDelayMax:   3 * time.Second,
		MaxDelay:       60 * time.Second,
		MaxRetries:     3,
		RateLimitCodes: []int{429, 503},
	}
}

func (r *RateLimitConfig) clone() *RateLimitConfig {
	if r == nil {
		return nil
	}
	c := *r
	c.RateLimitCodes = append([]int(nil), r.RateLimitCodes...)
	return &c
}

// RunConfig holds the settings of a single crawl run
type RunConfig struct {
	CacheMode cache.Mode

	// Content processing
	WordCountThreshold        int
	CSSSelector               string
	ExcludedTags              []string
	ExcludedSelector          string
	RemoveOverlayElements     bool
	RemoveForms               bool
	ProcessIframes            bool
	ExcludeExternalLinks      bool
	ExcludeSocialMediaLinks   bool
	ExcludeSocialMediaDomains []string
	ExcludeDomains            []string
	ExcludeExternalImages     bool

	// Page interaction
	WaitUntil                 string
	WaitFor                   string
	PageTimeout               time.Duration
	DelayBeforeReturnHTML     time.Duration
	JSCode                    []string
	Screenshot                bool
	ScreenshotHeightThreshold int
	PDF                       bool
	FetchSSLCertificate       bool
	CheckRobotsTxt            bool
	DetectTechnologies        bool

	// Output shaping
	ExtractionStrategy extraction.Strategy
	MarkdownGenerator  *markdown.Generator

	// Dispatch
	MeanDelay      time.Duration
	MaxRange       time.Duration
	SemaphoreCount int
	RateLimit      *RateLimitConfig

	Stream    bool
	SessionID string
	Verbose   bool
}

// DefaultRunConfig returns the settings used when the caller supplies none
func DefaultRunConfig() RunConfig {
	return RunConfig{
		CacheMode:                 cache.ModeEnabled,
		WordCountThreshold:        1,
		ExcludeSocialMediaDomains: append([]string(nil), DefaultSocialMediaDomains...),
		WaitUntil:                 WaitDOMContentLoaded,
		PageTimeout:               60 * time.Second,
		DelayBeforeReturnHTML:     100 * time.Millisecond,
		ScreenshotHeightThreshold: 10000,
		MeanDelay:                 100 * time.Millisecond,
		MaxRange:                  300 * time.Millisecond,
		SemaphoreCount:            5,
	}
}

// RunOption overrides one aspect of a cloned RunConfig
type RunOption func(*RunConfig)

// Clone returns a deep copy of c with opts applied. c is never modified.
func (c RunConfig) Clone(opts ...RunOption) RunConfig {
	out := c
	out.ExcludedTags = cloneStrings(c.ExcludedTags)
	out.ExcludeSocialMediaDomains = cloneStrings(c.ExcludeSocialMediaDomains)
	out.ExcludeDomains = cloneStrings(c.ExcludeDomains)
	out.JSCode = cloneStrings(c.JSCode)
	out.RateLimit = c.RateLimit.clone()
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func WithCacheMode(m cache.Mode) RunOption { return func(c *RunConfig) { c.CacheMode = m } }
func WithStream(stream bool) RunOption     { return func(c *RunConfig) { c.Stream = stream } }
func WithSessionID(id string) RunOption    { return func(c *RunConfig) { c.SessionID = id } }
func WithScreenshot(on bool) RunOption     { return func(c *RunConfig) { c.Screenshot = on } }
func WithPDF(on bool) RunOption            { return func(c *RunConfig) { c.PDF = on } }
func WithWaitFor(cond string) RunOption    { return func(c *RunConfig) { c.WaitFor = cond } }
func WithWaitUntil(event string) RunOption { return func(c *RunConfig) { c.WaitUntil = event } }
func WithVerbose(on bool) RunOption        { return func(c *RunConfig) { c.Verbose = on } }

func WithExtraction(s extraction.Strategy) RunOption {
	return func(c *RunConfig) { c.ExtractionStrategy = s }
}

func WithMarkdownGenerator(g *markdown.Generator) RunOption {
	return func(c *RunConfig) { c.MarkdownGenerator = g }
}

func WithPageTimeout(d time.Duration) RunOption {
	return func(c *RunConfig) { c.PageTimeout = d }
}

func WithWordCountThreshold(n int) RunOption {
	return func(c *RunConfig) { c.WordCountThreshold = n }
}

func WithExcludedTags(tags ...string) RunOption {
	return func(c *RunConfig) { c.ExcludedTags = cloneStrings(tags) }
}

func WithExcludedSelector(sel string) RunOption {
	return func(c *RunConfig) { c.ExcludedSelector = sel }
}

func WithCSSSelector(sel string) RunOption {
	return func(c *RunConfig) { c.CSSSelector = sel }
}

func WithSemaphoreCount(n int) RunOption {
	return func(c *RunConfig) { c.SemaphoreCount = n }
}

// WithDelays sets the mean dispatch delay and the random range added to it
func WithDelays(mean, maxRange time.Duration) RunOption {
	return func(c *RunConfig) {
		c.MeanDelay = mean
		c.MaxRange = maxRange
	}
}

func WithJSCode(scripts ...string) RunOption {
	return func(c *RunConfig) { c.JSCode = cloneStrings(scripts) }
}

func WithCheckRobotsTxt(on bool) RunOption {
	return func(c *RunConfig) { c.CheckRobotsTxt = on }
}

func WithDetectTechnologies(on bool) RunOption {
	return func(c *RunConfig) { c.DetectTechnologies = on }
}

func WithRateLimit(r *RateLimitConfig) RunOption {
	return func(c *RunConfig) { c.RateLimit = r.clone() }
}

func WithRemoveOverlays(on bool) RunOption {
	return func(c *RunConfig) { c.RemoveOverlayElements = on }
}

func WithExcludeExternalLinks(on bool) RunOption {
	return func(c *RunConfig) { c.ExcludeExternalLinks = on }
}

// Validate reports every invalid setting at once
func (c RunConfig) Validate() error {
	var errs []error
	if !c.CacheMode.Valid() {
		errs = append(errs, fmt.Errorf("unknown cache mode %q", c.CacheMode))
	}
	switch c.WaitUntil {
	case "", WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle:
	default:
		errs = append(errs, fmt.Errorf("wait_until must be %s, %s or %s", WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle))
	}
	if c.WaitFor != "" {
		if cond, ok := strings.CutPrefix(c.WaitFor, "js:"); ok && strings.TrimSpace(cond) == "" {
			errs = append(errs, errors.New("wait_for js: condition is empty"))
		}
		if cond, ok := strings.CutPrefix(c.WaitFor, "css:"); ok && strings.TrimSpace(cond) == "" {
			errs = append(errs, errors.New("wait_for css: selector is empty"))
		}
	}
	if c.PageTimeout <= 0 {
		errs = append(errs, errors.New("page_timeout must be positive"))
	}
	if c.WordCountThreshold < 0 {
		errs = append(errs, errors.New("word_count_threshold cannot be negative"))
	}
	if c.SemaphoreCount < 1 {
		errs = append(errs, errors.New("semaphore_count must be at least 1"))
	}
	if c.MeanDelay < 0 || c.MaxRange < 0 || c.DelayBeforeReturnHTML < 0 {
		errs = append(errs, errors.New("delays cannot be negative"))
	}
	if c.ScreenshotHeightThreshold < 0 {
		errs = append(errs, errors.New("screenshot_height_threshold cannot be negative"))
	}
	if r := c.RateLimit; r != nil {
		if r.BaseDelayMin < 0 || r.BaseDelayMax < r.BaseDelayMin {
			errs = append(errs, errors.New("rate limit base delay range is invalid"))
		}
		if r.MaxRetries < 0 {
			errs = append(errs, errors.New("rate limit max_retries cannot be negative"))
		}
	}
	return errors.Join(errs...)
}

// WaitForCondition splits WaitFor into its kind (css or js) and expression. A bare
// value is treated as a CSS selector.
func (c RunConfig) WaitForCondition() (string, string) {
	if c.WaitFor == "" {
		return "", ""
	}
	if expr, ok := strings.CutPrefix(c.WaitFor, "js:"); ok {
		return "js", strings.TrimSpace(expr)
	}
	return "css", strings.TrimSpace(strings.TrimPrefix(c.WaitFor, "css:"))
}

// CacheKeyParts lists the settings that change a run's output, for the cache
// fingerprint. Dispatch settings and the cache mode are deliberately absent.
func (c RunConfig) CacheKeyParts() []string {
	tags := cloneStrings(c.ExcludedTags)
	sort.Strings(tags)
	domains := cloneStrings(c.ExcludeDomains)
	sort.Strings(domains)
	social := cloneStrings(c.ExcludeSocialMediaDomains)
	sort.Strings(social)

	parts := []string{
		"word_count_threshold=" + strconv.Itoa(c.WordCountThreshold),
		"css_selector=" + c.CSSSelector,
		"excluded_tags=" + strings.Join(tags, ","),
		"excluded_selector=" + c.ExcludedSelector,
		"remove_overlays=" + strconv.FormatBool(c.RemoveOverlayElements),
		"remove_forms=" + strconv.FormatBool(c.RemoveForms),
		"process_iframes=" + strconv.FormatBool(c.ProcessIframes),
		"exclude_external_links=" + strconv.FormatBool(c.ExcludeExternalLinks),
		"exclude_external_images=" + strconv.FormatBool(c.ExcludeExternalImages),
		"exclude_domains=" + strings.Join(domains, ","),
		"wait_for=" + c.WaitFor,
		"js_code=" + strings.Join(c.JSCode, "\x1f"),
		"screenshot=" + strconv.FormatBool(c.Screenshot),
		"pdf=" + strconv.FormatBool(c.PDF),
		"ssl=" + strconv.FormatBool(c.FetchSSLCertificate),
		"tech=" + strconv.FormatBool(c.DetectTechnologies),
	}
	if c.ExcludeSocialMediaLinks {
		parts = append(parts, "exclude_social="+strings.Join(social, ","))
	}
	if c.MarkdownGenerator != nil {
		parts = append(parts, "markdown="+c.MarkdownGenerator.Fingerprint())
	}
	if c.ExtractionStrategy != nil {
		parts = append(parts, "extraction="+c.ExtractionStrategy.Fingerprint())
	}
	return parts
}

// Generator returns the markdown generator to use, falling back to the default
func (c RunConfig) Generator() *markdown.Generator {
	if c.MarkdownGenerator != nil {
		return c.MarkdownGenerator
	}
	return markdown.DefaultGenerator()
}

// ProcessorOptions maps the run settings onto the content processor
func (c RunConfig) ProcessorOptions(baseURL string) processor.Options {
	return processor.Options{
		BaseURL:                   baseURL,
		WordCountThreshold:        c.WordCountThreshold,
		CSSSelector:               c.CSSSelector,
		ExcludedTags:              cloneStrings(c.ExcludedTags),
		ExcludedSelector:          c.ExcludedSelector,
		RemoveOverlayElements:     c.RemoveOverlayElements,
		RemoveForms:               c.RemoveForms,
		ExcludeExternalLinks:      c.ExcludeExternalLinks,
		ExcludeSocialMediaLinks:   c.ExcludeSocialMediaLinks,
		ExcludeSocialMediaDomains: cloneStrings(c.ExcludeSocialMediaDomains),
		ExcludeDomains:            cloneStrings(c.ExcludeDomains),
		ExcludeExternalImages:     c.ExcludeExternalImages,
	}
}

// FetchRequest maps the run settings onto a fetcher request for url
func (c RunConfig) FetchRequest(url string) *crawler.FetchRequest {
	return &crawler.FetchRequest{
		URL:                       url,
		SessionID:                 c.SessionID,
		Timeout:                   c.PageTimeout,
		WaitUntil:                 c.WaitUntil,
		WaitFor:                   c.WaitFor,
		JSCode:                    cloneStrings(c.JSCode),
		DelayBeforeReturn:         c.DelayBeforeReturnHTML,
		RemoveOverlays:            c.RemoveOverlayElements,
		ProcessIframes:            c.ProcessIframes,
		Screenshot:                c.Screenshot,
		ScreenshotHeightThreshold: c.ScreenshotHeightThreshold,
		PDF:                       c.PDF,
		FetchSSLCertificate:       c.FetchSSLCertificate,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
