// Package storage renders crawl results into artifacts and stores them on disk
// or in Supabase Storage
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/rs/zerolog/log"
)

// Artifact formats
const (
	FormatMarkdown   = "markdown"
	FormatJSON       = "json"
	FormatScreenshot = "screenshot"
	FormatPDF        = "pdf"
	FormatExtracted  = "extracted"
)

// ValidFormat reports whether format names a known artifact format
func ValidFormat(format string) bool {
	switch format {
	case FormatMarkdown, FormatJSON, FormatScreenshot, FormatPDF, FormatExtracted:
		return true
	}
	return false
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Artifact is one file written for a result
type Artifact struct {
	Format   string `json:"format"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// Writer persists crawl results as files in a Sink
type Writer struct {
	sink Sink
}

// NewWriter creates a writer over sink
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

// Write stores the requested formats for res. Formats with nothing to write, such
// as a screenshot that was never taken, are skipped. Failed results are written as
// JSON only.
func (w *Writer) Write(ctx context.Context, res *crawler.CrawlResult, formats ...string) ([]Artifact, error) {
	if res == nil {
		return nil, nil
	}
	base := ArtifactName(res.URL)
	if !res.Success {
		formats = []string{FormatJSON}
	}

	var artifacts []Artifact
	for _, format := range formats {
		name, data, contentType, err := render(res, base, format)
		if err != nil {
			return artifacts, err
		}
		if data == nil {
			continue
		}

		location, err := w.sink.Put(ctx, name, data, contentType)
		if err != nil {
			return artifacts, fmt.Errorf("failed to store %s artifact: %w", format, err)
		}
		artifacts = append(artifacts, Artifact{Format: format, Location: location, Bytes: len(data)})
		log.Debug().
			Str("url", res.URL).
			Str("format", format).
			Str("location", location).
			Msg("Artifact written")
	}
	return artifacts, nil
}

func render(res *crawler.CrawlResult, base, format string) (string, []byte, string, error) {
	switch format {
	case FormatMarkdown:
		if res.Markdown == nil {
			return "", nil, "", nil
		}
		md := res.Markdown.RawMarkdown
		if res.Markdown.FitMarkdown != "" {
			md = res.Markdown.FitMarkdown
		}
		return base + ".md", []byte(md), "text/markdown; charset=utf-8", nil

	case FormatJSON:
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to encode result: %w", err)
		}
		return base + ".json", data, "application/json", nil

	case FormatExtracted:
		if res.ExtractedContent == "" {
			return "", nil, "", nil
		}
		return base + ".extracted.json", []byte(res.ExtractedContent), "application/json", nil

	case FormatScreenshot:
		if res.Screenshot == "" {
			return "", nil, "", nil
		}
		data, err := base64.StdEncoding.DecodeString(res.Screenshot)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to decode screenshot: %w", err)
		}
		return base + ".png", data, "image/png", nil

	case FormatPDF:
		if len(res.PDF) > 0 {
			return base + ".pdf", res.PDF, "application/pdf", nil
		}
		if res.Markdown == nil {
			return "", nil, "", nil
		}
		data, err := RenderPDF(res.Markdown.RawMarkdown, res.Metadata["title"], res.URL)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to render pdf: %w", err)
		}
		return base + ".pdf", data, "application/pdf", nil

	default:
		return "", nil, "", fmt.Errorf("unknown artifact format %q", format)
	}
}

// ArtifactName derives a file-safe base name from a URL. Raw HTML gets a content hash.
func ArtifactName(rawURL string) string {
	if crawler.IsRawURL(rawURL) {
		sum := sha256.Sum256([]byte(rawURL))
		return "raw-" + hex.EncodeToString(sum[:6])
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		sum := sha256.Sum256([]byte(rawURL))
		return "page-" + hex.EncodeToString(sum[:6])
	}

	name := u.Hostname()
	if p := strings.Trim(u.Path, "/"); p != "" {
		name += "_" + p
	}
	if u.RawQuery != "" {
		sum := sha256.Sum256([]byte(u.RawQuery))
		name += "_" + hex.EncodeToString(sum[:4])
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}
