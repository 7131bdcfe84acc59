package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
)

// Fetch engines
const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"
)

// BrowserConfig holds session-level settings owned by the crawler
type BrowserConfig struct {
	BrowserType       string // chromium, firefox or webkit; only chromium can be driven
	Engine            string // http (colly) or browser (chromedp)
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	Proxy             string
	IgnoreHTTPSErrors bool
	JavaScriptEnabled bool
	TextMode          bool
	LightMode         bool
	Headers           map[string]string
	Cookies           []crawler.Cookie
	ExtraArgs         []string
	DebuggingPort     int
	Timeout           time.Duration // HTTP client timeout for the http engine
	Verbose           bool
}

// DefaultBrowserConfig returns headless chromium settings driven over plain HTTP
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		BrowserType:       "chromium",
		Engine:            EngineHTTP,
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    720,
		UserAgent:         crawler.DefaultUserAgent,
		IgnoreHTTPSErrors: true,
		JavaScriptEnabled: true,
		DebuggingPort:     9222,
		Timeout:           60 * time.Second,
	}
}

// BrowserOption overrides one aspect of a cloned BrowserConfig
type BrowserOption func(*BrowserConfig)

// Clone returns a deep copy of c with opts applied. c is never modified.
func (c BrowserConfig) Clone(opts ...BrowserOption) BrowserConfig {
	out := c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Cookies != nil {
		out.Cookies = append([]crawler.Cookie(nil), c.Cookies...)
	}
	out.ExtraArgs = cloneStrings(c.ExtraArgs)
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func WithEngine(engine string) BrowserOption   { return func(c *BrowserConfig) { c.Engine = engine } }
func WithHeadless(on bool) BrowserOption       { return func(c *BrowserConfig) { c.Headless = on } }
func WithUserAgent(ua string) BrowserOption    { return func(c *BrowserConfig) { c.UserAgent = ua } }
func WithProxy(proxy string) BrowserOption     { return func(c *BrowserConfig) { c.Proxy = proxy } }
func WithTextMode(on bool) BrowserOption       { return func(c *BrowserConfig) { c.TextMode = on } }
func WithLightMode(on bool) BrowserOption      { return func(c *BrowserConfig) { c.LightMode = on } }
func WithJavaScript(on bool) BrowserOption     { return func(c *BrowserConfig) { c.JavaScriptEnabled = on } }
func WithBrowserVerbose(on bool) BrowserOption { return func(c *BrowserConfig) { c.Verbose = on } }

func WithViewport(width, height int) BrowserOption {
	return func(c *BrowserConfig) {
		c.ViewportWidth = width
		c.ViewportHeight = height
	}
}

// WithHeader adds or replaces a single request header
func WithHeader(name, value string) BrowserOption {
	return func(c *BrowserConfig) {
		headers := make(map[string]string, len(c.Headers)+1)
		for k, v := range c.Headers {
			headers[k] = v
		}
		headers[name] = value
		c.Headers = headers
	}
}

func WithCookies(cookies ...crawler.Cookie) BrowserOption {
	return func(c *BrowserConfig) { c.Cookies = append([]crawler.Cookie(nil), cookies...) }
}

func WithExtraArgs(args ...string) BrowserOption {
	return func(c *BrowserConfig) { c.ExtraArgs = cloneStrings(args) }
}

// Validate reports every invalid setting at once
func (c BrowserConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.BrowserType) {
	case "", "chromium", "chrome":
	case "firefox", "webkit":
		errs = append(errs, fmt.Errorf("browser type %q is not supported, use chromium", c.BrowserType))
	default:
		errs = append(errs, fmt.Errorf("unknown browser type %q", c.BrowserType))
	}
	switch c.Engine {
	case "", EngineHTTP, EngineBrowser:
	default:
		errs = append(errs, fmt.Errorf("engine must be %s or %s", EngineHTTP, EngineBrowser))
	}
	if c.ViewportWidth < 0 || c.ViewportHeight < 0 {
		errs = append(errs, errors.New("viewport dimensions cannot be negative"))
	}
	if c.Proxy != "" {
		if u, err := url.Parse(c.Proxy); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid proxy %q", c.Proxy))
		}
	}
	if c.DebuggingPort < 0 || c.DebuggingPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid debugging port %d", c.DebuggingPort))
	}
	for i, ck := range c.Cookies {
		if ck.Name == "" {
			errs = append(errs, fmt.Errorf("cookie %d has no name", i))
		}
	}
	return errors.Join(errs...)
}

// FetcherOptions maps the session settings onto fetcher options
func (c BrowserConfig) FetcherOptions() crawler.Options {
	opts := crawler.Options{
		UserAgent:         c.UserAgent,
		Proxy:             c.Proxy,
		IgnoreHTTPSErrors: c.IgnoreHTTPSErrors,
		Timeout:           c.Timeout,
		Headless:          c.Headless,
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		JavaScriptEnabled: c.JavaScriptEnabled,
		TextMode:          c.TextMode,
		LightMode:         c.LightMode,
		ExtraArgs:         cloneStrings(c.ExtraArgs),
		DebuggingPort:     c.DebuggingPort,
	}
	if c.Headers != nil {
		opts.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			opts.Headers[k] = v
		}
	}
	if c.Cookies != nil {
		opts.Cookies = append([]crawler.Cookie(nil), c.Cookies...)
	}
	return opts
}

// Engine is the fetch stack built from a BrowserConfig
type Engine struct {
	Fetcher  *crawler.Dispatcher
	Sessions crawler.SessionCloser
	close    func() error
}

// Close releases the browser, if one was started
func (e *Engine) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

// NewEngine builds the fetcher for the configured engine, wrapped in a Dispatcher
// so raw:// and file:// URLs never reach the network
func (c BrowserConfig) NewEngine() (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := c.FetcherOptions()
	if c.Engine == EngineBrowser {
		f := crawler.NewBrowserFetcher(opts)
		return &Engine{Fetcher: crawler.NewDispatcher(f, nil), Sessions: f, close: f.Close}, nil
	}
	f, err := crawler.NewHTTPFetcher(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{Fetcher: crawler.NewDispatcher(f, nil), Sessions: f}, nil
}
