package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// CSSStrategy extracts one record per element matching the schema's base selector
type CSSStrategy struct {
	schema *Schema
}

// NewCSSStrategy validates schema and returns a strategy for it. The schema must not
// be modified afterwards.
func NewCSSStrategy(schema *Schema) (*CSSStrategy, error) {
	if schema == nil {
		return nil, crawlerr.Extraction("", "schema", fmt.Errorf("schema is nil"))
	}
	if err := schema.Validate(); err != nil {
		return nil, crawlerr.Extraction("", "schema", err)
	}
	return &CSSStrategy{schema: schema}, nil
}

// Name implements Strategy
func (s *CSSStrategy) Name() string { return "css" }

// Fingerprint implements Strategy
func (s *CSSStrategy) Fingerprint() string {
	return "css:" + s.schema.fingerprint()
}

// Schema returns the validated schema
func (s *CSSStrategy) Schema() *Schema { return s.schema }

// Extract implements Strategy. CleanedHTML is used when present. Cleaning drops
// short text blocks, so the raw HTML is also tried and wins when it fills more
// fields.
func (s *CSSStrategy) Extract(ctx context.Context, in Input) (*Output, error) {
	start := time.Now()
	source := "cleaned_html"
	records, err := s.extractFrom(ctx, in.CleanedHTML)
	if err != nil {
		return nil, crawlerr.Extraction(in.URL, "extract", err)
	}
	if strings.TrimSpace(in.HTML) != "" && in.HTML != in.CleanedHTML {
		raw, err := s.extractFrom(ctx, in.HTML)
		if err != nil {
			return nil, crawlerr.Extraction(in.URL, "extract", err)
		}
		if filledFields(raw) > filledFields(records) {
			records, source = raw, "html"
		}
	}

	content, err := encodeRecords(records)
	if err != nil {
		return nil, crawlerr.Extraction(in.URL, "encode", err)
	}

	log.Debug().
		Str("url", in.URL).
		Str("schema", s.schema.Name).
		Str("source", source).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("CSS extraction complete")

	return &Output{Content: content, Records: len(records)}, nil
}

// extractFrom applies the schema to src. Blank input yields no records.
func (s *CSSStrategy) extractFrom(ctx context.Context, src string) ([]*Record, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	var records []*Record
	var ctxErr error
	doc.Find(s.schema.BaseSelector).EachWithBreak(func(_ int, base *goquery.Selection) bool {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			return false
		}
		records = append(records, extractFields(base, s.schema.Fields))
		return true
	})
	return records, ctxErr
}

func filledFields(records []*Record) int {
	n := 0
	for _, r := range records {
		n += r.Len()
	}
	return n
}

// extractFields builds one record from base. Fields whose selector matches nothing
// take their default, or are omitted when there is none.
func extractFields(base *goquery.Selection, fields []Field) *Record {
	rec := NewRecord()
	for i := range fields {
		f := &fields[i]
		if v, ok := fieldValue(base, f); ok {
			rec.Set(f.Name, v)
		} else if f.Default != nil {
			rec.Set(f.Name, f.Default)
		}
	}
	return rec
}

func fieldValue(base *goquery.Selection, f *Field) (any, bool) {
	target := base
	if f.Selector != "" {
		target = base.Find(f.Selector)
	}
	if target.Length() == 0 {
		return nil, false
	}

	switch f.Type {
	case FieldList:
		var items []any
		target.Each(func(_ int, s *goquery.Selection) {
			if len(f.Fields) > 0 {
				items = append(items, extractFields(s, f.Fields))
				return
			}
			if t := cleanText(s.Text()); t != "" {
				items = append(items, t)
			}
		})
		if len(items) == 0 {
			return nil, false
		}
		return items, true
	case FieldNested:
		first := target.First()
		if len(f.Fields) > 0 {
			return extractFields(first, f.Fields), true
		}
		return valueOrAbsent(cleanText(first.Text()))
	}

	first := target.First()
	switch f.Type {
	case FieldAttribute:
		v, ok := first.Attr(f.Attribute)
		if !ok {
			return nil, false
		}
		return strings.TrimSpace(v), true
	case FieldHTML:
		h, err := first.Html()
		if err != nil {
			return nil, false
		}
		return valueOrAbsent(strings.TrimSpace(h))
	case FieldRegex:
		m := f.re.FindStringSubmatch(cleanText(first.Text()))
		if m == nil {
			return nil, false
		}
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true
	default:
		return valueOrAbsent(cleanText(first.Text()))
	}
}

func valueOrAbsent(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
