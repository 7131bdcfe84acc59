package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/pages.xml</loc></sitemap>
  <sitemap><loc>%[1]s/posts.xml</loc></sitemap>
  <sitemap><loc>%[1]s/broken.xml</loc></sitemap>
</sitemapindex>`, server.URL)
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/</loc></url>
  <url><loc> https://example.com/about </loc></url>
  <url><loc>https://example.com/about</loc></url>
</urlset>`))
	})
	mux.HandleFunc("/posts.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/blog/one</loc></url>
  <url><loc>https://example.com/blog/two</loc></url>
</urlset>`))
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestSitemapReaderFollowsIndex(t *testing.T) {
	server := newSitemapServer(t)

	urls, err := NewSitemapReader(server.Client(), 0).URLs(context.Background(), server.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/about",
		"https://example.com/blog/one",
		"https://example.com/blog/two",
	}, urls)
}

func TestSitemapReaderLimit(t *testing.T) {
	server := newSitemapServer(t)

	urls, err := NewSitemapReader(server.Client(), 3).URLs(context.Background(), server.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Len(t, urls, 3)
}

func TestSitemapReaderErrors(t *testing.T) {
	server := newSitemapServer(t)
	reader := NewSitemapReader(server.Client(), 0)

	_, err := reader.URLs(context.Background(), server.URL+"/missing.xml")
	assert.Error(t, err)
}

func TestFilterURLs(t *testing.T) {
	urls := []string{
		"https://example.com/blog/one",
		"https://example.com/blog/draft-two",
		"https://example.com/about",
	}

	tests := []struct {
		name     string
		include  []string
		exclude  []string
		expected []string
	}{
		{name: "no_filters", expected: urls},
		{name: "include_only", include: []string{"/blog/"}, expected: urls[:2]},
		{name: "exclude_only", exclude: []string{"draft"}, expected: []string{urls[0], urls[2]}},
		{name: "include_and_exclude", include: []string{"/blog/"}, exclude: []string{"draft"}, expected: urls[:1]},
		{name: "nothing_matches", include: []string{"/shop/"}, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FilterURLs(urls, tt.include, tt.exclude))
		})
	}
}
