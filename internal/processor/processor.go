// Package processor turns raw page HTML into cleaned HTML plus media, link and
// metadata inventories.
package processor

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
)

// alwaysStripped never carry readable content
var alwaysStripped = []string{"script", "style", "noscript", "template", "link", "meta", "object", "embed"}

// overlayPattern matches class or id values used by modals, cookie banners and popups
var overlayPattern = regexp.MustCompile(`(?i)(^|[\s_-])(modal|popup|pop-up|overlay|cookie|consent|gdpr|lightbox|newsletter-signup)([\s_-]|$)`)

// blockTags are the elements treated as structural children when looking for leaf text blocks
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true, "aside": true,
	"header": true, "footer": true, "nav": true, "ul": true, "ol": true, "li": true,
	"table": true, "pre": true, "blockquote": true, "figure": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "dl": true,
}

// Process cleans rawHTML according to opts and collects its inventories
func Process(rawHTML string, opts Options) (*Output, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var base *url.URL
	if opts.BaseURL != "" {
		if parsed, err := url.Parse(opts.BaseURL); err == nil && parsed.Host != "" {
			base = parsed
		}
	}

	out := &Output{
		Metadata: extractMetadata(doc),
		Media:    Media{Images: []MediaItem{}, Videos: []MediaItem{}, Audios: []MediaItem{}},
		Links:    Links{Internal: []Link{}, External: []Link{}},
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}

	removeComments(body)
	body.Find(strings.Join(alwaysStripped, ",")).Remove()

	if len(opts.ExcludedTags) > 0 {
		body.Find(strings.Join(opts.ExcludedTags, ",")).Remove()
	}
	if sel := strings.TrimSpace(opts.ExcludedSelector); sel != "" {
		body.Find(sel).Remove()
	}
	if opts.RemoveForms {
		body.Find("form").Remove()
	}
	if opts.RemoveOverlayElements {
		removeOverlays(body)
	}

	if sel := strings.TrimSpace(opts.CSSSelector); sel != "" {
		scoped, err := scopeToSelector(body, sel)
		if err != nil {
			return nil, err
		}
		body = scoped
	}

	out.Links = collectLinks(body, base, opts)
	out.Media = collectMedia(body, base, opts)

	if opts.WordCountThreshold > 0 {
		dropThinBlocks(body, opts.WordCountThreshold)
	}

	cleaned, err := body.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render cleaned html: %w", err)
	}
	out.CleanedHTML = strings.TrimSpace(cleaned)

	log.Debug().
		Str("url", opts.BaseURL).
		Int("raw_bytes", len(rawHTML)).
		Int("cleaned_bytes", len(out.CleanedHTML)).
		Int("internal_links", len(out.Links.Internal)).
		Int("external_links", len(out.Links.External)).
		Int("images", len(out.Media.Images)).
		Msg("Processed page content")

	return out, nil
}

// scopeToSelector keeps only the elements matching sel, in document order
func scopeToSelector(body *goquery.Selection, sel string) (*goquery.Selection, error) {
	var parts []string
	body.Find(sel).Each(func(_ int, s *goquery.Selection) {
		if h, err := goquery.OuterHtml(s); err == nil {
			parts = append(parts, h)
		}
	})

	scopedDoc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + strings.Join(parts, "\n") + "</body></html>"))
	if err != nil {
		return nil, fmt.Errorf("failed to scope to selector %q: %w", sel, err)
	}
	return scopedDoc.Find("body").First(), nil
}

func removeComments(root *goquery.Selection) {
	for _, n := range root.Nodes {
		removeCommentNodes(n)
	}
}

func removeCommentNodes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeCommentNodes(c)
		}
		c = next
	}
}

func removeOverlays(body *goquery.Selection) {
	removed := 0
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		if s.Is("main, article") {
			return
		}
		if isElementHidden(s) || isOverlay(s) {
			s.Remove()
			removed++
		}
	})
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Removed overlay and hidden elements")
	}
}

func isOverlay(s *goquery.Selection) bool {
	if cls, ok := s.Attr("class"); ok && overlayPattern.MatchString(cls) {
		return true
	}
	if id, ok := s.Attr("id"); ok && overlayPattern.MatchString(id) {
		return true
	}
	if role, ok := s.Attr("role"); ok && (role == "dialog" || role == "alertdialog") {
		return true
	}
	if style, ok := s.Attr("style"); ok {
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "position:fixed") && strings.Contains(style, "z-index") {
			return true
		}
	}
	return false
}

// isElementHidden checks if an element is hidden based on common inline styles,
// accessibility attributes, and conventional CSS classes.
// Stylesheets are not evaluated.
func isElementHidden(s *goquery.Selection) bool {
	hidingClasses := []string{
		"hide",
		"hidden",
		"display-none",
		"d-none",
		"invisible",
		"is-hidden",
		"sr-only",
		"visually-hidden",
	}

	if _, exists := s.Attr("hidden"); exists {
		return true
	}
	if _, exists := s.Attr("data-hidden"); exists {
		return true
	}
	if val, exists := s.Attr("data-visible"); exists && val == "false" {
		return true
	}
	if ariaHidden, exists := s.Attr("aria-hidden"); exists && ariaHidden == "true" {
		return true
	}
	if style, exists := s.Attr("style"); exists {
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	for _, class := range hidingClasses {
		if s.HasClass(class) {
			return true
		}
	}
	return false
}

// dropThinBlocks removes leaf paragraphs and divs whose word count is below threshold.
// Headings, lists, tables and preformatted blocks are kept.
func dropThinBlocks(body *goquery.Selection, threshold int) {
	body.Find("p, div").Each(func(_ int, s *goquery.Selection) {
		if hasBlockChild(s) {
			return
		}
		if s.Find("img, video, audio, iframe, picture").Length() > 0 {
			return
		}
		if len(strings.Fields(s.Text())) < threshold {
			s.Remove()
		}
	})
}

func hasBlockChild(s *goquery.Selection) bool {
	found := false
	s.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if blockTags[goquery.NodeName(c)] {
			found = true
			return false
		}
		return true
	})
	return found
}

func extractMetadata(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok && lang != "" {
		meta["language"] = lang
	}

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if content == "" {
			return
		}
		name := strings.ToLower(strings.TrimSpace(s.AttrOr("name", "")))
		property := strings.ToLower(strings.TrimSpace(s.AttrOr("property", "")))

		switch {
		case name == "description" || name == "keywords" || name == "author":
			meta[name] = content
		case strings.HasPrefix(property, "og:"):
			meta[property] = content
		case strings.HasPrefix(name, "twitter:"):
			meta[name] = content
		case strings.HasPrefix(property, "article:"):
			meta[property] = content
		}
	})

	return meta
}
