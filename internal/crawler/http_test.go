package crawler

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = `<html><head><title>Test</title></head><body><p>Hello fetcher</p></body></html>`

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	return f
}

func TestHTTPFetcherFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Contains(t, r.Header.Get("User-Agent"), "NectarTest")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Custom", "value")
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	f := newTestFetcher(t, Options{UserAgent: "NectarTest/1.0", Headers: map[string]string{"X-Test": "yes"}})
	res, err := f.Fetch(context.Background(), &FetchRequest{URL: server.URL + "/page"})
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, testPage, res.HTML)
	assert.Equal(t, "value", res.Headers["x-custom"])
	assert.Equal(t, server.URL+"/page", res.URL)
	require.NotNil(t, res.Performance)
	assert.GreaterOrEqual(t, res.Performance.TTFB, int64(0))
}

func TestHTTPFetcherDecodesBodies(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		write    func(w http.ResponseWriter)
	}{
		{
			name:     "brotli",
			encoding: "br",
			write: func(w http.ResponseWriter) {
				bw := brotli.NewWriter(w)
				_, _ = bw.Write([]byte(testPage))
				_ = bw.Close()
			},
		},
		{
			name:     "gzip",
			encoding: "gzip",
			write: func(w http.ResponseWriter) {
				gw := gzip.NewWriter(w)
				_, _ = gw.Write([]byte(testPage))
				_ = gw.Close()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), tt.encoding)
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", tt.encoding)
				tt.write(w)
			}))
			defer server.Close()

			res, err := newTestFetcher(t, DefaultOptions()).Fetch(context.Background(), &FetchRequest{URL: server.URL})
			require.NoError(t, err)
			assert.Equal(t, testPage, res.HTML)
		})
	}
}

func TestHTTPFetcherNonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<p>missing</p>"))
	}))
	defer server.Close()

	res, err := newTestFetcher(t, DefaultOptions()).Fetch(context.Background(), &FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 404, res.StatusCode)
	assert.Contains(t, res.HTML, "missing")
}

func TestHTTPFetcherNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	_, err := newTestFetcher(t, DefaultOptions()).Fetch(context.Background(), &FetchRequest{URL: target})
	require.Error(t, err)
	assert.Equal(t, crawlerr.KindFetch, crawlerr.KindOf(err))
}

func TestHTTPFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestFetcher(t, DefaultOptions()).Fetch(context.Background(), &FetchRequest{URL: server.URL, Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, crawlerr.IsTimeout(err))
	assert.Equal(t, crawlerr.KindFetch, crawlerr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPFetcherTimeoutCancelsRequest(t *testing.T) {
	cancelled := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	f := newTestFetcher(t, Options{Timeout: 30 * time.Second})
	_, err := f.Fetch(context.Background(), &FetchRequest{URL: server.URL, Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, crawlerr.IsTimeout(err))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server request still open after the fetch timed out")
	}
}

func TestHTTPFetcherInvalidURL(t *testing.T) {
	tests := []string{"", "not a url", "ftp://example.com/file", "https://"}

	f := newTestFetcher(t, DefaultOptions())
	for _, u := range tests {
		_, err := f.Fetch(context.Background(), &FetchRequest{URL: u})
		require.Error(t, err, u)
		assert.Equal(t, crawlerr.KindFetch, crawlerr.KindOf(err), u)
	}
}

func TestHTTPFetcherSessionCookies(t *testing.T) {
	var visits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := visits.Add(1)
		if n == 1 {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
			_, _ = w.Write([]byte("first"))
			return
		}
		if c, err := r.Cookie("sid"); err == nil {
			_, _ = w.Write([]byte("cookie=" + c.Value))
			return
		}
		_, _ = w.Write([]byte("no cookie"))
	}))
	defer server.Close()

	f := newTestFetcher(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.Fetch(ctx, &FetchRequest{URL: server.URL, SessionID: "s1"})
	require.NoError(t, err)

	res, err := f.Fetch(ctx, &FetchRequest{URL: server.URL, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "cookie=abc", res.HTML)

	res, err = f.Fetch(ctx, &FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "no cookie", res.HTML, "requests without a session keep no cookies")

	f.CloseSession("s1")
	res, err = f.Fetch(ctx, &FetchRequest{URL: server.URL, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "no cookie", res.HTML, "a closed session starts with an empty jar")
}

func TestHTTPFetcherPresetCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Cookie")))
	}))
	defer server.Close()

	f := newTestFetcher(t, Options{Cookies: []Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2", Domain: "other.test"},
	}})
	res, err := f.Fetch(context.Background(), &FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "a=1", res.HTML)
}

func TestHTTPFetcherHeadersAndCookiesOnEveryFetch(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{name: "shared_collector"},
		{name: "session_collector", sessionID: "s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(r.Header.Get("X-Api-Key") + "|" + r.Header.Get("Cookie") + "|" + r.Header.Get("Accept-Language")))
			}))
			defer server.Close()

			f := newTestFetcher(t, Options{
				Headers: map[string]string{"X-Api-Key": "k"},
				Cookies: []Cookie{{Name: "consent", Value: "yes"}},
			})
			for i := 0; i < 2; i++ {
				res, err := f.Fetch(context.Background(), &FetchRequest{URL: server.URL, SessionID: tt.sessionID})
				require.NoError(t, err)
				assert.Equal(t, "k|consent=yes|en-US,en;q=0.9", res.HTML)
			}
		})
	}
}

func TestHTTPFetcherConcurrentFetchesKeepOwnTrace(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	f := newTestFetcher(t, Options{IgnoreHTTPSErrors: true})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*FetchResponse, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Fetch(context.Background(), &FetchRequest{URL: server.URL + "/same", FetchSSLCertificate: true})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.NotNil(t, results[i].Performance, "fetch %d lost its trace", i)
		assert.NotNil(t, results[i].SSLCertificate, "fetch %d lost its certificate", i)
	}
}

func TestHTTPFetcherTLSCertificate(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPage))
	}))
	defer server.Close()

	f := newTestFetcher(t, Options{IgnoreHTTPSErrors: true})
	res, err := f.Fetch(context.Background(), &FetchRequest{URL: server.URL, FetchSSLCertificate: true})
	require.NoError(t, err)
	require.NotNil(t, res.SSLCertificate)
	assert.NotEmpty(t, res.SSLCertificate.Fingerprint)
	assert.True(t, res.SSLCertificate.NotAfter.After(res.SSLCertificate.NotBefore))
}

func TestDispatcherRoutesByScheme(t *testing.T) {
	network := &countingFetcher{}
	d := NewDispatcher(network, nil)

	res, err := d.Fetch(context.Background(), &FetchRequest{URL: "raw://<p>inline</p>"})
	require.NoError(t, err)
	assert.Equal(t, "<p>inline</p>", res.HTML)

	res, err = d.Fetch(context.Background(), &FetchRequest{URL: "raw:<b>short</b>"})
	require.NoError(t, err)
	assert.Equal(t, "<b>short</b>", res.HTML)
	assert.Equal(t, int32(0), network.calls.Load())

	_, err = d.Fetch(context.Background(), &FetchRequest{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), network.calls.Load())

	_, err = NewDispatcher(nil, nil).Fetch(context.Background(), &FetchRequest{URL: "https://example.com"})
	require.Error(t, err)
}

func TestRawFetcherFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/page.html"
	require.NoError(t, writeFile(path, testPage))

	f := NewRawFetcher()
	res, err := f.Fetch(context.Background(), &FetchRequest{URL: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, testPage, res.HTML)

	res, err = f.Fetch(context.Background(), &FetchRequest{URL: "file://" + dir + "/missing.html"})
	require.NoError(t, err)
	assert.Equal(t, 404, res.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, &FetchRequest{URL: "raw://x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRawHTML(t *testing.T) {
	assert.True(t, IsRawURL("raw://<p>"))
	assert.True(t, IsRawURL("raw:<p>"))
	assert.False(t, IsRawURL("https://raw.example.com"))
	assert.Equal(t, "<p>x</p>", RawHTML("raw://<p>x</p>"))
	assert.Equal(t, "<p>x</p>", RawHTML("raw:<p>x</p>"))
	assert.Equal(t, "", RawHTML("raw://"))
}
