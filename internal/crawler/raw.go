package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
)

// Prefixes that carry inline HTML instead of a location
const (
	RawPrefix      = "raw://"
	RawShortPrefix = "raw:"
)

// IsRawURL reports whether u carries inline HTML
func IsRawURL(u string) bool {
	return strings.HasPrefix(u, RawShortPrefix)
}

// RawHTML returns the HTML payload of a raw URL
func RawHTML(u string) string {
	if strings.HasPrefix(u, RawPrefix) {
		return u[len(RawPrefix):]
	}
	return strings.TrimPrefix(u, RawShortPrefix)
}

// RawFetcher serves inline HTML and local files without touching the network
type RawFetcher struct{}

// NewRawFetcher returns a RawFetcher
func NewRawFetcher() *RawFetcher {
	return &RawFetcher{}
}

// Fetch implements Fetcher
func (f *RawFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, crawlerr.Fetch(req.URL, "raw", err)
	}
	start := time.Now()

	if IsRawURL(req.URL) {
		return &FetchResponse{
			URL:          req.URL,
			StatusCode:   200,
			HTML:         RawHTML(req.URL),
			ResponseTime: time.Since(start),
		}, nil
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme != "file" {
		return nil, crawlerr.Fetch(req.URL, "raw", fmt.Errorf("unsupported url"))
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FetchResponse{URL: req.URL, StatusCode: 404, ResponseTime: time.Since(start)}, nil
		}
		return nil, crawlerr.Fetch(req.URL, "read file", err)
	}
	return &FetchResponse{
		URL:          req.URL,
		StatusCode:   200,
		HTML:         string(data),
		ResponseTime: time.Since(start),
	}, nil
}
