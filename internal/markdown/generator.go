// Package markdown converts cleaned HTML into markdown variants: raw, with citations,
// and a filtered "fit" version produced by a ContentFilter.
package markdown

import (
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/mitchellh/go-wordwrap"
	"github.com/rs/zerolog/log"
)

// Options mirrors the generator options callers can tune
type Options struct {
	Citations    bool `json:"citations" yaml:"citations"`         // Replace inline links with numbered citations
	IgnoreLinks  bool `json:"ignore_links" yaml:"ignore_links"`   // Render link text only
	IgnoreImages bool `json:"ignore_images" yaml:"ignore_images"` // Drop images
	BodyWidth    int  `json:"body_width" yaml:"body_width"`       // Wrap paragraphs at this width, 0 disables
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{Citations: true}
}

// Result holds every markdown variant produced for a page
type Result struct {
	RawMarkdown           string `json:"raw_markdown"`
	MarkdownWithCitations string `json:"markdown_with_citations"`
	ReferencesMarkdown    string `json:"references_markdown"`
	FitMarkdown           string `json:"fit_markdown,omitempty"`
	FitHTML               string `json:"fit_html,omitempty"`
}

// String returns the raw markdown
func (r *Result) String() string {
	if r == nil {
		return ""
	}
	return r.RawMarkdown
}

// Generator produces markdown from cleaned HTML, optionally with a content filter
type Generator struct {
	filter ContentFilter
	opts   Options
}

// NewGenerator creates a generator. filter may be nil.
func NewGenerator(filter ContentFilter, opts Options) *Generator {
	return &Generator{filter: filter, opts: opts}
}

// DefaultGenerator returns a generator with citations and no filter
func DefaultGenerator() *Generator {
	return NewGenerator(nil, DefaultOptions())
}

// Filter returns the configured content filter, if any
func (g *Generator) Filter() ContentFilter {
	return g.filter
}

// Options returns the generator options
func (g *Generator) Options() Options {
	return g.opts
}

// Fingerprint identifies the generator configuration for cache keys
func (g *Generator) Fingerprint() string {
	filter := "none"
	if g.filter != nil {
		filter = g.filter.Fingerprint()
	}
	return fmt.Sprintf("markdown(citations=%t,ignore_links=%t,ignore_images=%t,width=%d,filter=%s)",
		g.opts.Citations, g.opts.IgnoreLinks, g.opts.IgnoreImages, g.opts.BodyWidth, filter)
}

// Generate converts cleanedHTML. baseURL resolves any remaining relative links.
func (g *Generator) Generate(cleanedHTML, baseURL string) (*Result, error) {
	res := &Result{}
	if strings.TrimSpace(cleanedHTML) == "" {
		return res, nil
	}

	raw, err := g.convert(cleanedHTML, baseURL)
	if err != nil {
		return nil, err
	}
	res.RawMarkdown = raw
	res.MarkdownWithCitations = raw

	if g.opts.Citations && !g.opts.IgnoreLinks {
		res.MarkdownWithCitations, res.ReferencesMarkdown = convertLinksToCitations(raw)
	}

	if g.filter != nil {
		blocks, err := g.filter.FilterContent(cleanedHTML)
		if err != nil {
			return nil, fmt.Errorf("content filter failed: %w", err)
		}
		if len(blocks) > 0 {
			res.FitHTML = strings.Join(blocks, "\n")
			fit, err := g.convert(res.FitHTML, baseURL)
			if err != nil {
				return nil, err
			}
			res.FitMarkdown = fit
		}

		log.Debug().
			Int("blocks_retained", len(blocks)).
			Int("raw_length", len(res.RawMarkdown)).
			Int("fit_length", len(res.FitMarkdown)).
			Msg("Applied content filter")
	}

	return res, nil
}

func (g *Generator) convert(htmlStr, baseURL string) (string, error) {
	prepared, err := g.prepare(htmlStr)
	if err != nil {
		return "", err
	}

	var opts []converter.ConvertOptionFunc
	if u, err := url.Parse(baseURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		opts = append(opts, converter.WithDomain(u.Scheme+"://"+u.Host))
	}

	md, err := htmltomarkdown.ConvertString(prepared, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to convert html to markdown: %w", err)
	}
	md = strings.TrimSpace(md)

	if g.opts.BodyWidth > 0 {
		md = wrapParagraphs(md, g.opts.BodyWidth)
	}
	return md, nil
}

// prepare applies IgnoreLinks and IgnoreImages before conversion
func (g *Generator) prepare(htmlStr string) (string, error) {
	if !g.opts.IgnoreLinks && !g.opts.IgnoreImages {
		return htmlStr, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	if g.opts.IgnoreImages {
		doc.Find("img, picture").Remove()
	}
	if g.opts.IgnoreLinks {
		doc.Find("a").Each(func(_ int, s *goquery.Selection) {
			if s.Contents().Length() == 0 {
				s.Remove()
				return
			}
			s.Contents().Unwrap()
		})
	}
	return doc.Find("body").Html()
}

// wrapParagraphs wraps plain paragraph lines at width, leaving code fences,
// tables, headings, lists and quotes untouched
func wrapParagraphs(md string, width int) string {
	lines := strings.Split(md, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || len(line) <= width || isStructuralLine(trimmed) {
			continue
		}
		lines[i] = wordwrap.WrapString(line, uint(width))
	}
	return strings.Join(lines, "\n")
}

func isStructuralLine(line string) bool {
	if line == "" {
		return true
	}
	switch line[0] {
	case '#', '|', '>', '-', '*', '+':
		return true
	}
	if dot := strings.Index(line, ". "); dot > 0 && dot < 4 {
		for _, r := range line[:dot] {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}
