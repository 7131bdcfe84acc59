// Package techdetect identifies the technologies behind a crawled page (CMS, CDN,
// frameworks, analytics) using wappalyzergo fingerprints.
package techdetect

import (
	"net/http"
	"sort"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// maxFingerprintBody caps how much HTML is handed to the fingerprinter
const maxFingerprintBody = 512 * 1024

// Result maps technology name to its categories, e.g. {"WordPress": ["CMS"]}
type Result struct {
	Technologies map[string][]string `json:"technologies"`
}

// Names returns the detected technology names in sorted order
func (r *Result) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Technologies))
	for name := range r.Technologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detector is safe for concurrent use
type Detector struct {
	client *wappalyzer.Wappalyze
}

// categoryNames maps wappalyzer category IDs to human-readable names
var (
	categoryNames     map[int]string
	categoryNamesOnce sync.Once
)

// New loads the fingerprint database
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return &Detector{client: client}, nil
}

// Detect identifies technologies from HTTP headers and body
func (d *Detector) Detect(headers http.Header, body []byte) *Result {
	result := &Result{Technologies: make(map[string][]string)}
	if len(body) > maxFingerprintBody {
		body = body[:maxFingerprintBody]
	}

	for tech, info := range d.client.FingerprintWithCats(headers, body) {
		categories := make([]string, 0, len(info.Cats))
		for _, id := range info.Cats {
			if name, ok := categoryNames[id]; ok {
				categories = append(categories, name)
			}
		}
		sort.Strings(categories)
		result.Technologies[tech] = categories
	}

	log.Debug().
		Int("tech_count", len(result.Technologies)).
		Msg("Technology detection completed")
	return result
}

// DetectPage runs detection on a fetched page. Header names may be in any case.
func (d *Detector) DetectPage(headers map[string]string, html string) *Result {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return d.Detect(h, []byte(html))
}
