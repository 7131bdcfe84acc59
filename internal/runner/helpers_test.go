package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/stretchr/testify/require"
)

const testPage = `<html><head><title>Bees</title><meta name="description" content="All about bees"></head>
<body><h1>Honey bees</h1><p>Honey bees live in large colonies and make honey from nectar.</p>
<a href="/hives">Hives</a><img src="/bee.png" alt="A bee"></body></html>`

// stubFetcher serves testPage, tracking calls and the peak number of concurrent fetches
type stubFetcher struct {
	delay   func(url string) time.Duration
	status  func(call int32) int
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	order   []string
	onFetch func(req *crawler.FetchRequest)
}

func (f *stubFetcher) Fetch(ctx context.Context, req *crawler.FetchRequest) (*crawler.FetchResponse, error) {
	call := f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.onFetch != nil {
		f.onFetch(req)
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(req.URL)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.order = append(f.order, req.URL)
	f.mu.Unlock()

	status := 200
	if f.status != nil {
		status = f.status(call)
	}
	return &crawler.FetchResponse{
		URL:          req.URL,
		StatusCode:   status,
		HTML:         testPage,
		Headers:      map[string]string{"content-type": "text/html"},
		ResponseTime: time.Millisecond,
	}, nil
}

func newTestRunner(t *testing.T, fetcher crawler.Fetcher) *Runner {
	t.Helper()
	r, err := New(Deps{Fetcher: fetcher, Cache: cache.New(nil)}, config.DefaultBrowserConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// quickConfig is the default run config without dispatch delays
func quickConfig(opts ...config.RunOption) config.RunConfig {
	base := []config.RunOption{config.WithDelays(0, 0)}
	return config.DefaultRunConfig().Clone(append(base, opts...)...)
}
