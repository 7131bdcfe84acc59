package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Fetcher retrieves the HTML for one request
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

// FetchRequest holds the per-run settings a fetcher needs
type FetchRequest struct {
	URL       string
	SessionID string
	Timeout   time.Duration

	// Browser only
	WaitUntil                 string // domcontentloaded, load or networkidle
	WaitFor                   string // css:<selector> or js:<expression>
	JSCode                    []string
	DelayBeforeReturn         time.Duration
	RemoveOverlays            bool
	ProcessIframes            bool
	Screenshot                bool
	ScreenshotHeightThreshold int
	PDF                       bool

	FetchSSLCertificate bool
}

// FetchResponse is what a fetcher returns for a successful retrieval. Non-2xx
// statuses are responses, not errors.
type FetchResponse struct {
	URL            string // final URL after redirects
	StatusCode     int
	HTML           string
	Headers        map[string]string
	Screenshot     []byte // PNG
	PDF            []byte
	SSLCertificate *SSLCertificate
	Performance    *PerformanceMetrics
	ResponseTime   time.Duration
}

// Cookie is a cookie preset on every request of a session
type Cookie struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Options configure fetchers for the lifetime of a crawler session
type Options struct {
	UserAgent         string
	Headers           map[string]string
	Cookies           []Cookie
	Proxy             string
	IgnoreHTTPSErrors bool
	Timeout           time.Duration

	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	JavaScriptEnabled bool
	TextMode          bool
	LightMode         bool
	ExtraArgs         []string
	DebuggingPort     int
}

// DefaultUserAgent is sent when no user agent is configured
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36"

// DefaultOptions returns the options used when none are supplied
func DefaultOptions() Options {
	return Options{
		UserAgent:         DefaultUserAgent,
		IgnoreHTTPSErrors: true,
		Timeout:           60 * time.Second,
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    720,
		JavaScriptEnabled: true,
		DebuggingPort:     9222,
	}
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// Dispatcher routes requests to the fetcher registered for their scheme
type Dispatcher struct {
	raw     Fetcher
	network Fetcher
}

// NewDispatcher sends raw://, raw: and file:// URLs to raw and everything else to
// network
func NewDispatcher(network, raw Fetcher) *Dispatcher {
	if raw == nil {
		raw = NewRawFetcher()
	}
	return &Dispatcher{raw: raw, network: network}
}

// Fetch implements Fetcher
func (d *Dispatcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if IsRawURL(req.URL) || strings.HasPrefix(req.URL, "file://") {
		return d.raw.Fetch(ctx, req)
	}
	if d.network == nil {
		return nil, fmt.Errorf("no network fetcher configured for %s", req.URL)
	}
	return d.network.Fetch(ctx, req)
}
