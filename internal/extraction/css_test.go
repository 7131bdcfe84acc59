package extraction

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemSchema = `{
  "name": "items",
  "baseSelector": "div.item",
  "fields": [
    {"name": "title", "selector": "h2", "type": "text"},
    {"name": "link", "selector": "a", "type": "attribute", "attribute": "href"}
  ]
}`

func TestCSSStrategyItemScenario(t *testing.T) {
	schema, err := ParseSchema([]byte(itemSchema))
	require.NoError(t, err)
	strategy, err := NewCSSStrategy(schema)
	require.NoError(t, err)

	html := `<div class='item'><h2>Item 1</h2><a href='https://example.com/item1'>Link 1</a></div>`
	out, err := strategy.Extract(context.Background(), Input{URL: "raw://", CleanedHTML: html})
	require.NoError(t, err)

	assert.Equal(t, `[{"title":"Item 1","link":"https://example.com/item1"}]`, out.Content)
	assert.Equal(t, 1, out.Records)
	assert.Empty(t, out.Errors)
}

func TestCSSStrategyIdempotent(t *testing.T) {
	schema, err := ParseSchema([]byte(itemSchema))
	require.NoError(t, err)
	strategy, err := NewCSSStrategy(schema)
	require.NoError(t, err)

	html := `<div class="item"><h2>A</h2><a href="/a">a</a></div>
<div class="item"><h2>B</h2></div>
<div class="item"><a href="/c">c</a></div>`
	in := Input{HTML: html}

	first, err := strategy.Extract(context.Background(), in)
	require.NoError(t, err)
	second, err := strategy.Extract(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, `[{"title":"A","link":"/a"},{"title":"B"},{"link":"/c"}]`, first.Content)
}

func TestCSSStrategyFieldTypes(t *testing.T) {
	schema := &Schema{
		Name:         "products",
		BaseSelector: "div.product",
		Fields: []Field{
			{Name: "name", Selector: "h2", Type: FieldText},
			{Name: "price", Selector: ".price", Type: FieldRegex, Pattern: `\$([0-9.]+)`},
			{Name: "body", Selector: ".desc", Type: FieldHTML},
			{Name: "stock", Selector: ".stock", Default: "unknown"},
			{Name: "tags", Selector: "li", Type: FieldList},
			{Name: "seller", Selector: ".seller", Type: FieldNested, Fields: []Field{
				{Name: "name", Selector: ".seller-name"},
				{Name: "url", Selector: "a", Type: FieldAttribute, Attribute: "href"},
			}},
		},
	}
	strategy, err := NewCSSStrategy(schema)
	require.NoError(t, err)

	html := `<div class="product">
  <h2>  Gaming   Laptop </h2>
  <span class="price">Now $999.99 only</span>
  <div class="desc"><b>Fast</b> machine</div>
  <ul><li>gaming</li><li>laptop</li></ul>
  <div class="seller"><span class="seller-name">Acme</span><a href="https://acme.test">shop</a></div>
</div>`

	out, err := strategy.Extract(context.Background(), Input{CleanedHTML: html})
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Content), &got))
	require.Len(t, got, 1)

	rec := got[0]
	assert.Equal(t, "Gaming Laptop", rec["name"])
	assert.Equal(t, "999.99", rec["price"])
	assert.Equal(t, "<b>Fast</b> machine", rec["body"])
	assert.Equal(t, "unknown", rec["stock"])
	assert.Equal(t, []any{"gaming", "laptop"}, rec["tags"])
	assert.Equal(t, map[string]any{"name": "Acme", "url": "https://acme.test"}, rec["seller"])
}

func TestCSSStrategyNoMatches(t *testing.T) {
	schema, err := ParseSchema([]byte(itemSchema))
	require.NoError(t, err)
	strategy, err := NewCSSStrategy(schema)
	require.NoError(t, err)

	out, err := strategy.Extract(context.Background(), Input{CleanedHTML: "<p>nothing here</p>"})
	require.NoError(t, err)
	assert.Equal(t, "[]", out.Content)
}

func TestCSSStrategyRecoversFieldsDroppedByCleaning(t *testing.T) {
	schema, err := ParseSchema([]byte(`{
  "name": "products",
  "baseSelector": "div.product",
  "fields": [
    {"name": "name", "selector": "h2", "type": "text"},
    {"name": "price", "selector": "p.price", "type": "text"}
  ]
}`))
	require.NoError(t, err)
	strategy, err := NewCSSStrategy(schema)
	require.NoError(t, err)

	tests := []struct {
		name    string
		in      Input
		want    string
		records int
	}{
		{
			name: "short_price_removed_from_cleaned_html",
			in: Input{
				HTML:        `<div class="product"><h2>Widget</h2><p class="price">$9</p></div>`,
				CleanedHTML: `<div class="product"><h2>Widget</h2></div>`,
			},
			want:    `[{"name":"Widget","price":"$9"}]`,
			records: 1,
		},
		{
			name: "cleaned_html_preferred_when_complete",
			in: Input{
				HTML:        `<nav><div class="product"><h2>Menu</h2><p class="price">$0</p></div></nav><div class="product"><h2>Widget</h2><p class="price">$9</p></div>`,
				CleanedHTML: `<div class="product"><h2>Widget</h2><p class="price">$9</p></div><div class="product"><h2>Gadget</h2><p class="price">$5</p></div>`,
			},
			want:    `[{"name":"Widget","price":"$9"},{"name":"Gadget","price":"$5"}]`,
			records: 2,
		},
		{
			name:    "only_raw_html",
			in:      Input{HTML: `<div class="product"><h2>Widget</h2></div>`},
			want:    `[{"name":"Widget"}]`,
			records: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := strategy.Extract(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Content)
			assert.Equal(t, tt.records, out.Records)
		})
	}
}

func TestNewCSSStrategyInvalidSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
	}{
		{name: "nil_schema", schema: nil},
		{name: "missing_base", schema: &Schema{Fields: []Field{{Name: "a"}}}},
		{name: "bad_base_selector", schema: &Schema{BaseSelector: "div[", Fields: []Field{{Name: "a"}}}},
		{name: "no_fields", schema: &Schema{BaseSelector: "div"}},
		{name: "attribute_without_name", schema: &Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Type: FieldAttribute}}}},
		{name: "bad_pattern", schema: &Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Type: FieldRegex, Pattern: "("}}}},
		{name: "unknown_type", schema: &Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Type: "xpath"}}}},
		{name: "duplicate_field", schema: &Schema{BaseSelector: "div", Fields: []Field{{Name: "a"}, {Name: "a"}}}},
		{name: "nested_without_selector", schema: &Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Type: FieldNested}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCSSStrategy(tt.schema)
			require.Error(t, err)
			assert.Equal(t, crawlerr.KindExtraction, crawlerr.KindOf(err))
		})
	}
}

func TestCSSStrategyFingerprint(t *testing.T) {
	a, err := NewCSSStrategy(&Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Selector: "h2"}}})
	require.NoError(t, err)
	b, err := NewCSSStrategy(&Schema{BaseSelector: "div", Fields: []Field{{Name: "a", Selector: "h3"}}})
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, "css", a.Name())
}

func TestRecordMarshalKeepsOrder(t *testing.T) {
	rec := NewRecord()
	rec.Set("z", 1)
	rec.Set("a", "x")
	rec.Set("z", 2)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"z":2,"a":"x"}`, string(b))
	assert.Equal(t, []string{"z", "a"}, rec.Keys())
}
