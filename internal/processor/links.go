package processor

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/Harvey-AU/nectar/internal/util"
	"github.com/PuerkitoBio/goquery"
)

// collectLinks classifies anchors as internal or external. Excluded anchors are unwrapped
// in place so their text survives in the cleaned HTML.
func collectLinks(body *goquery.Selection, base *url.URL, opts Options) Links {
	links := Links{Internal: []Link{}, External: []Link{}}
	seen := make(map[string]bool)

	body.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := util.ResolveURL(base, s.AttrOr("href", ""))
		if !ok {
			return
		}
		target, err := url.Parse(href)
		if err != nil || target.Host == "" {
			return
		}

		internal := util.IsInternal(base, target)
		if excludeLink(target, internal, opts) {
			unwrap(s)
			return
		}

		s.SetAttr("href", href)
		if seen[href] {
			return
		}
		seen[href] = true

		link := Link{
			Href:       href,
			Text:       strings.Join(strings.Fields(s.Text()), " "),
			Title:      strings.TrimSpace(s.AttrOr("title", "")),
			BaseDomain: util.BaseDomain(target.Host),
		}
		if internal {
			links.Internal = append(links.Internal, link)
		} else {
			links.External = append(links.External, link)
		}
	})

	return links
}

func excludeLink(target *url.URL, internal bool, opts Options) bool {
	if opts.ExcludeExternalLinks && !internal {
		return true
	}
	if opts.ExcludeSocialMediaLinks && util.MatchesDomain(target.Host, opts.ExcludeSocialMediaDomains) {
		return true
	}
	return len(opts.ExcludeDomains) > 0 && util.MatchesDomain(target.Host, opts.ExcludeDomains)
}

func unwrap(s *goquery.Selection) {
	contents := s.Contents()
	if contents.Length() == 0 {
		s.Remove()
		return
	}
	contents.Unwrap()
}

// collectMedia gathers images, videos and audios with absolute sources
func collectMedia(body *goquery.Selection, base *url.URL, opts Options) Media {
	media := Media{Images: []MediaItem{}, Videos: []MediaItem{}, Audios: []MediaItem{}}
	seen := make(map[string]bool)

	body.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := imageSource(s, base)
		if !ok {
			return
		}
		if opts.ExcludeExternalImages && base != nil {
			if target, err := url.Parse(src); err == nil && !util.IsInternal(base, target) {
				s.Remove()
				return
			}
		}
		s.SetAttr("src", src)
		if seen[src] {
			return
		}
		seen[src] = true

		media.Images = append(media.Images, MediaItem{
			Src:    src,
			Alt:    strings.TrimSpace(s.AttrOr("alt", "")),
			Desc:   imageDescription(s),
			Type:   "image",
			Format: formatOf(src),
			Width:  atoiOrZero(s.AttrOr("width", "")),
			Height: atoiOrZero(s.AttrOr("height", "")),
		})
	})

	collectPlayable := func(tag, kind string) []MediaItem {
		items := []MediaItem{}
		body.Find(tag + "[src], " + tag + " source[src]").Each(func(_ int, s *goquery.Selection) {
			src, ok := util.ResolveURL(base, s.AttrOr("src", ""))
			if !ok || seen[src] {
				return
			}
			seen[src] = true
			items = append(items, MediaItem{
				Src:    src,
				Type:   kind,
				Format: formatOf(src),
			})
		})
		return items
	}
	media.Videos = collectPlayable("video", "video")
	media.Audios = collectPlayable("audio", "audio")

	return media
}

func imageSource(s *goquery.Selection, base *url.URL) (string, bool) {
	candidates := []string{
		s.AttrOr("src", ""),
		s.AttrOr("data-src", ""),
		s.AttrOr("data-lazy-src", ""),
	}
	if srcset := strings.TrimSpace(s.AttrOr("srcset", "")); srcset != "" {
		first, _, _ := strings.Cut(srcset, ",")
		if fields := strings.Fields(first); len(fields) > 0 {
			candidates = append(candidates, fields[0])
		}
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if resolved, ok := util.ResolveURL(base, c); ok {
			return resolved, true
		}
	}
	return "", false
}

// imageDescription prefers a figure caption, then the surrounding text
func imageDescription(s *goquery.Selection) string {
	if caption := strings.TrimSpace(s.Closest("figure").Find("figcaption").First().Text()); caption != "" {
		return caption
	}
	text := strings.Join(strings.Fields(s.Parent().Text()), " ")
	if len(text) > 150 {
		text = text[:150]
	}
	return text
}

func formatOf(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if err != nil {
		return 0
	}
	return n
}
