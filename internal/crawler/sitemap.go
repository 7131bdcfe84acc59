package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/util"
	"github.com/rs/zerolog/log"
)

// maxSitemapDepth bounds how many sitemap index levels are followed
const maxSitemapDepth = 3

type sitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

type urlSet struct {
	XMLName xml.Name       `xml:"urlset"`
	URLs    []sitemapEntry `xml:"url"`
}

// SitemapReader expands sitemaps and sitemap indexes into page URLs
type SitemapReader struct {
	client *http.Client
	limit  int
}

// NewSitemapReader creates a reader that stops after limit URLs (0 means no limit)
func NewSitemapReader(client *http.Client, limit int) *SitemapReader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SitemapReader{client: client, limit: limit}
}

// URLs returns the normalised page URLs listed by sitemapURL, following nested indexes
func (s *SitemapReader) URLs(ctx context.Context, sitemapURL string) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string
	if err := s.collect(ctx, sitemapURL, 0, seen, &urls); err != nil {
		return nil, err
	}

	log.Debug().
		Str("sitemap_url", sitemapURL).
		Int("total_url_count", len(urls)).
		Msg("Finished parsing sitemap")
	return urls, nil
}

func (s *SitemapReader) collect(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, urls *[]string) error {
	if s.full(*urls) {
		return nil
	}
	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return err
	}

	var index sitemapIndex
	if xml.Unmarshal(body, &index) == nil && len(index.Sitemaps) > 0 {
		if depth >= maxSitemapDepth {
			log.Warn().Str("url", sitemapURL).Msg("Sitemap index nesting too deep, skipping")
			return nil
		}
		for _, child := range index.Sitemaps {
			childURL, err := util.NormaliseURL(strings.TrimSpace(child.Loc))
			if err != nil {
				log.Warn().Str("url", child.Loc).Msg("Invalid child sitemap URL, skipping")
				continue
			}
			if err := s.collect(ctx, childURL, depth+1, seen, urls); err != nil {
				log.Warn().Err(err).Str("url", childURL).Msg("Failed to parse child sitemap")
			}
		}
		return nil
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("failed to parse sitemap %s: %w", sitemapURL, err)
	}
	for _, entry := range set.URLs {
		if s.full(*urls) {
			break
		}
		u, err := util.NormaliseURL(strings.TrimSpace(entry.Loc))
		if err != nil {
			log.Debug().Str("invalid_url", entry.Loc).Msg("Skipping invalid URL from sitemap")
			continue
		}
		if !seen[u] {
			seen[u] = true
			*urls = append(*urls, u)
		}
	}
	return nil
}

func (s *SitemapReader) full(urls []string) bool {
	return s.limit > 0 && len(urls) >= s.limit
}

func (s *SitemapReader) fetch(ctx context.Context, sitemapURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch sitemap: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
}

// FilterURLs keeps URLs containing at least one include pattern (when any are given)
// and none of the exclude patterns
func FilterURLs(urls []string, includePaths, excludePaths []string) []string {
	if len(includePaths) == 0 && len(excludePaths) == 0 {
		return urls
	}

	var filtered []string
	for _, u := range urls {
		includeMatch := len(includePaths) == 0
		for _, pattern := range includePaths {
			if strings.Contains(u, pattern) {
				includeMatch = true
				break
			}
		}
		if !includeMatch {
			continue
		}

		excluded := false
		for _, pattern := range excludePaths {
			if strings.Contains(u, pattern) {
				excluded = true
				break
			}
		}
		if !excluded {
			filtered = append(filtered, u)
		}
	}
	return filtered
}
