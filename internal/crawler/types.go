package crawler

import (
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/Harvey-AU/nectar/internal/markdown"
	"github.com/Harvey-AU/nectar/internal/processor"
)

// Cache outcome reported on a result
const (
	CacheStatusHit      = "hit"
	CacheStatusMiss     = "miss"
	CacheStatusBypass   = "bypass"
	CacheStatusDisabled = "disabled"
)

// PerformanceMetrics holds detailed timing for the initial HTTP request
type PerformanceMetrics struct {
	DNSLookupTime       int64 `json:"dns_lookup_time"`
	TCPConnectionTime   int64 `json:"tcp_connection_time"`
	TLSHandshakeTime    int64 `json:"tls_handshake_time"`
	TTFB                int64 `json:"ttfb"`
	ContentTransferTime int64 `json:"content_transfer_time"`
}

// SSLCertificate describes the leaf certificate presented by the server
type SSLCertificate struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	DNSNames    []string  `json:"dns_names,omitempty"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Fingerprint string    `json:"fingerprint_sha256"`
}

// CrawlResult represents the outcome of crawling one URL. Callers must check Success
// before trusting any content field.
type CrawlResult struct {
	URL              string              `json:"url"`
	Success          bool                `json:"success"`
	StatusCode       int                 `json:"status_code,omitempty"`
	HTML             string              `json:"html,omitempty"`
	CleanedHTML      string              `json:"cleaned_html,omitempty"`
	Markdown         *markdown.Result    `json:"markdown,omitempty"`
	ExtractedContent string              `json:"extracted_content,omitempty"`
	ExtractionError  string              `json:"extraction_error,omitempty"`
	Media            processor.Media     `json:"media"`
	Links            processor.Links     `json:"links"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	Screenshot       string              `json:"screenshot,omitempty"` // base64 PNG
	PDF              []byte              `json:"pdf,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	ErrorKind        crawlerr.Kind       `json:"error_kind,omitempty"`
	SessionID        string              `json:"session_id,omitempty"`
	ResponseHeaders  map[string]string   `json:"response_headers,omitempty"`
	SSLCertificate   *SSLCertificate     `json:"ssl_certificate,omitempty"`
	RedirectedURL    string              `json:"redirected_url,omitempty"`
	CacheStatus      string              `json:"cache_status,omitempty"`
	Technologies     []string            `json:"technologies,omitempty"`
	Performance      *PerformanceMetrics `json:"performance,omitempty"`
	Timestamp        int64               `json:"timestamp"`
	ResponseTime     int64               `json:"response_time"` // milliseconds
}

// Failed builds the result for a URL that could not be crawled. Every content field
// is left empty and ErrorMessage is never blank.
func Failed(url string, err error) *CrawlResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &CrawlResult{
		URL:          url,
		Success:      false,
		ErrorMessage: msg,
		ErrorKind:    crawlerr.KindOf(err),
		Timestamp:    time.Now().Unix(),
	}
}

// Clone returns a deep copy, used when handing cached results to callers
func (r *CrawlResult) Clone() *CrawlResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Markdown != nil {
		md := *r.Markdown
		c.Markdown = &md
	}
	c.Media = processor.Media{
		Images: append([]processor.MediaItem(nil), r.Media.Images...),
		Videos: append([]processor.MediaItem(nil), r.Media.Videos...),
		Audios: append([]processor.MediaItem(nil), r.Media.Audios...),
	}
	c.Links = processor.Links{
		Internal: append([]processor.Link(nil), r.Links.Internal...),
		External: append([]processor.Link(nil), r.Links.External...),
	}
	c.Metadata = cloneStringMap(r.Metadata)
	c.ResponseHeaders = cloneStringMap(r.ResponseHeaders)
	c.PDF = append([]byte(nil), r.PDF...)
	c.Technologies = append([]string(nil), r.Technologies...)
	if r.SSLCertificate != nil {
		cert := *r.SSLCertificate
		cert.DNSNames = append([]string(nil), r.SSLCertificate.DNSNames...)
		c.SSLCertificate = &cert
	}
	if r.Performance != nil {
		p := *r.Performance
		c.Performance = &p
	}
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
