package markdown

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ThresholdType selects how PruningFilter interprets its threshold
type ThresholdType string

const (
	// ThresholdFixed compares block scores with the literal threshold
	ThresholdFixed ThresholdType = "fixed"
	// ThresholdDynamic places the cutoff relative to the page's own score range
	ThresholdDynamic ThresholdType = "dynamic"
)

// Score component weights
const (
	weightTextDensity = 0.4
	weightLinkDensity = 0.2
	weightTag         = 0.2
	weightClassID     = 0.1
	weightTextLength  = 0.1
)

var tagWeights = map[string]float64{
	"article": 1.5, "h1": 1.2, "h2": 1.1, "p": 1.0, "h3": 1.0, "section": 1.0,
	"blockquote": 1.0, "pre": 1.0, "table": 0.9, "h4": 0.9, "h5": 0.8, "h6": 0.7,
	"dd": 0.7, "dt": 0.7, "figcaption": 0.6, "div": 0.5, "li": 0.5, "td": 0.5, "span": 0.3,
}

var (
	negativePattern = regexp.MustCompile(`(?i)nav|footer|header|sidebar|menu|breadcrumb|\bads?\b|advert|promo|comment|social|share|related|banner`)
	positivePattern = regexp.MustCompile(`(?i)content|article|post|entry|main|story|body|text`)
)

// PruningFilter keeps blocks whose heuristic quality score clears a threshold
type PruningFilter struct {
	Threshold        float64       `json:"threshold" yaml:"threshold"`
	ThresholdType    ThresholdType `json:"threshold_type" yaml:"threshold_type"`
	MinWordThreshold int           `json:"min_word_threshold" yaml:"min_word_threshold"`
}

// NewPruningFilter returns a filter with the given parameters. An empty thresholdType
// means fixed.
func NewPruningFilter(threshold float64, thresholdType ThresholdType, minWords int) *PruningFilter {
	if thresholdType == "" {
		thresholdType = ThresholdFixed
	}
	return &PruningFilter{Threshold: threshold, ThresholdType: thresholdType, MinWordThreshold: minWords}
}

// DefaultPruningFilter returns a fixed 0.48 threshold filter
func DefaultPruningFilter() *PruningFilter {
	return NewPruningFilter(0.48, ThresholdFixed, 0)
}

// Fingerprint implements ContentFilter
func (f *PruningFilter) Fingerprint() string {
	return fmt.Sprintf("pruning(%.4f,%s,%d)", f.Threshold, f.ThresholdType, f.MinWordThreshold)
}

// FilterContent implements ContentFilter
func (f *PruningFilter) FilterContent(cleanedHTML string) ([]string, error) {
	blocks, _, err := extractBlocks(cleanedHTML)
	if err != nil {
		return nil, err
	}

	candidates := make([]contentBlock, 0, len(blocks))
	scores := make([]float64, 0, len(blocks))
	for _, b := range blocks {
		if b.words < f.MinWordThreshold {
			continue
		}
		candidates = append(candidates, b)
		scores = append(scores, scoreBlock(b))
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}

	cutoff := f.cutoff(scores)
	kept := make([]string, 0, len(candidates))
	for i, b := range candidates {
		if scores[i] >= cutoff {
			kept = append(kept, b.html)
		}
	}
	return kept, nil
}

// cutoff returns the score a block needs to be retained. Dynamic mode maps the
// threshold onto the page's [min, max] score range.
func (f *PruningFilter) cutoff(scores []float64) float64 {
	if f.ThresholdType != ThresholdDynamic {
		return f.Threshold
	}

	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	t := math.Max(0, math.Min(1, f.Threshold))
	return lo + t*(hi-lo)
}

// scoreBlock combines text density, link density, tag semantics, class/id hints and
// text length into a score in [0, 1]
func scoreBlock(b contentBlock) float64 {
	textLen := float64(len([]rune(b.text)))
	htmlLen := float64(len([]rune(b.html)))

	textDensity := 0.0
	if htmlLen > 0 {
		textDensity = math.Min(1, textLen/htmlLen)
	}

	linkLen := 0.0
	b.sel.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkLen += float64(len([]rune(strings.Join(strings.Fields(a.Text()), " "))))
	})
	linkDensity := 0.0
	if textLen > 0 {
		linkDensity = math.Min(1, linkLen/textLen)
	}

	tagWeight, ok := tagWeights[b.tag]
	if !ok {
		tagWeight = 0.5
	}
	tagWeight = math.Min(1, tagWeight/1.5)

	lengthScore := math.Min(1, math.Log(textLen+1)/math.Log(1001))

	return weightTextDensity*textDensity +
		weightLinkDensity*(1-linkDensity) +
		weightTag*tagWeight +
		weightClassID*classIDWeight(b.sel) +
		weightTextLength*lengthScore
}

// classIDWeight inspects the block and its ancestors: 0 for boilerplate regions,
// 1 for content regions, 0.5 otherwise
func classIDWeight(s *goquery.Selection) float64 {
	weight := 0.5
	for n := s; n.Length() > 0 && !n.Is("body, html"); n = n.Parent() {
		switch goquery.NodeName(n) {
		case "nav", "footer", "header", "aside":
			return 0
		case "main", "article":
			weight = 1
		}
		hint := n.AttrOr("class", "") + " " + n.AttrOr("id", "")
		if strings.TrimSpace(hint) == "" {
			continue
		}
		if negativePattern.MatchString(hint) {
			return 0
		}
		if positivePattern.MatchString(hint) {
			weight = 1
		}
	}
	return weight
}
