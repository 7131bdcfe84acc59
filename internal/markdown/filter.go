package markdown

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ContentFilter selects the HTML blocks worth keeping for fit markdown
type ContentFilter interface {
	// FilterContent returns the outer HTML of retained blocks in document order.
	// An empty slice is a valid outcome.
	FilterContent(cleanedHTML string) ([]string, error)
	// Fingerprint identifies the filter and its parameters
	Fingerprint() string
}

// textBlockSelector lists elements that form a content block on their own
const textBlockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, table, dd, dt, figcaption"

// containerSelector lists elements that form a block only when they hold text directly
const containerSelector = "div, section, article, span, td"

// contentBlock is one scored unit of text
type contentBlock struct {
	sel   *goquery.Selection
	tag   string
	html  string
	text  string
	words int
}

// extractBlocks splits html into content blocks in document order. A block nested in
// another block is folded into its outermost block.
func extractBlocks(htmlStr string) ([]contentBlock, *goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var blocks []contentBlock
	doc.Find(textBlockSelector + ", " + containerSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(textBlockSelector).Length() > 0 {
			return
		}
		if s.Is(containerSelector) {
			if !isContainerBlock(s) || s.ParentsFiltered(containerSelector).FilterFunction(func(_ int, p *goquery.Selection) bool {
				return isContainerBlock(p)
			}).Length() > 0 {
				return
			}
		}

		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		outer, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		blocks = append(blocks, contentBlock{
			sel:   s,
			tag:   goquery.NodeName(s),
			html:  outer,
			text:  text,
			words: len(strings.Fields(text)),
		})
	})

	return blocks, doc, nil
}

// isContainerBlock reports whether a container holds text directly and has no
// text block elements below it
func isContainerBlock(s *goquery.Selection) bool {
	return hasDirectText(s) && s.Find(textBlockSelector).Length() == 0
}

func hasDirectText(s *goquery.Selection) bool {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode && strings.TrimSpace(c.Data) != "" {
				return true
			}
		}
	}
	return false
}
