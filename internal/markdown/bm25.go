package markdown

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "their": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "we": {}, "you": {}, "your": {}, "our": {}, "not": {}, "can": {}, "do": {}, "so": {},
}

// BM25Filter keeps blocks relevant to a query, scored with Okapi BM25
type BM25Filter struct {
	Query     string  `json:"query" yaml:"query"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	K1        float64 `json:"k1" yaml:"k1"`
	B         float64 `json:"b" yaml:"b"`
}

// NewBM25Filter returns a filter for query. A zero threshold means 1.0.
func NewBM25Filter(query string, threshold float64) *BM25Filter {
	if threshold <= 0 {
		threshold = 1.0
	}
	return &BM25Filter{Query: query, Threshold: threshold, K1: 1.2, B: 0.75}
}

// Fingerprint implements ContentFilter
func (f *BM25Filter) Fingerprint() string {
	return fmt.Sprintf("bm25(%q,%.4f,%.2f,%.2f)", f.Query, f.Threshold, f.K1, f.B)
}

// FilterContent implements ContentFilter. Without a query the page's headings and
// first paragraph stand in for it.
func (f *BM25Filter) FilterContent(cleanedHTML string) ([]string, error) {
	blocks, doc, err := extractBlocks(cleanedHTML)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return []string{}, nil
	}

	query := f.Query
	if strings.TrimSpace(query) == "" {
		query = derivedQuery(doc)
	}
	terms := uniqueTokens(tokenize(query))
	if len(terms) == 0 {
		return []string{}, nil
	}

	k1, b := f.K1, f.B
	if k1 <= 0 {
		k1 = 1.2
	}
	if b <= 0 || b > 1 {
		b = 0.75
	}

	docs := make([][]string, len(blocks))
	df := make(map[string]int)
	totalLen := 0
	for i, blk := range blocks {
		docs[i] = tokenize(blk.text)
		totalLen += len(docs[i])
		for _, t := range uniqueTokens(docs[i]) {
			df[t]++
		}
	}
	n := float64(len(blocks))
	avgLen := float64(totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	kept := make([]string, 0, len(blocks))
	for i, blk := range blocks {
		tf := make(map[string]int, len(docs[i]))
		for _, t := range docs[i] {
			tf[t]++
		}
		docLen := float64(len(docs[i]))

		score := 0.0
		for _, term := range terms {
			freq := float64(tf[term])
			if freq == 0 {
				continue
			}
			nq := float64(df[term])
			idf := math.Log((n-nq+0.5)/(nq+0.5) + 1)
			score += idf * freq * (k1 + 1) / (freq + k1*(1-b+b*docLen/avgLen))
		}
		if score >= f.Threshold {
			kept = append(kept, blk.html)
		}
	}
	return kept, nil
}

// derivedQuery builds a query from the title, top headings and first paragraph
func derivedQuery(doc *goquery.Document) string {
	var parts []string
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		parts = append(parts, t)
	}
	if d := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", "")); d != "" {
		parts = append(parts, d)
	}
	doc.Find("h1, h2").Each(func(_ int, s *goquery.Selection) {
		parts = append(parts, strings.TrimSpace(s.Text()))
	})
	if p := strings.TrimSpace(doc.Find("p").First().Text()); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// tokenize lowercases text and splits it on non alphanumeric runes, dropping
// stopwords and single characters
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
