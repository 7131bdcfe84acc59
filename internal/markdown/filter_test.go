package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBlocks(t *testing.T) {
	html := `<body>
<div>Loose container text</div>
<div><p>Para one</p><div>nested text</div></div>
<ul><li>Item <a href="#">link</a></li></ul>
<blockquote><p>Quoted</p></blockquote>
<table><tr><td>Cell</td></tr></table>
<section><span>   </span></section>
</body>`

	blocks, _, err := extractBlocks(html)
	require.NoError(t, err)

	var texts []string
	for _, b := range blocks {
		texts = append(texts, b.text)
	}
	assert.Equal(t, []string{"Loose container text", "Para one", "nested text", "Item link", "Quoted", "Cell"}, texts)
	assert.Equal(t, "blockquote", blocks[4].tag)
	assert.Equal(t, "table", blocks[5].tag)
}

func TestPruningFilterDropsBoilerplate(t *testing.T) {
	blocks, err := DefaultPruningFilter().FilterContent(articlePage)
	require.NoError(t, err)
	require.NotEmpty(t, blocks)

	joined := strings.Join(blocks, "\n")
	assert.Contains(t, joined, "Goroutines are lightweight threads")
	assert.NotContains(t, joined, "/home")
	assert.NotContains(t, joined, "Privacy")
}

func TestPruningFilterMonotonic(t *testing.T) {
	thresholds := []float64{0, 0.2, 0.4, 0.5, 0.6, 0.8, 1.0}

	for _, mode := range []ThresholdType{ThresholdFixed, ThresholdDynamic} {
		t.Run(string(mode), func(t *testing.T) {
			prevCount := -1
			prevLen := -1
			for _, th := range thresholds {
				blocks, err := NewPruningFilter(th, mode, 0).FilterContent(articlePage)
				require.NoError(t, err)

				size := len(strings.Join(blocks, ""))
				if prevCount >= 0 {
					assert.LessOrEqual(t, len(blocks), prevCount, "threshold %.1f", th)
					assert.LessOrEqual(t, size, prevLen, "threshold %.1f", th)
				}
				prevCount, prevLen = len(blocks), size
			}
		})
	}
}

func TestPruningFilterDynamicBounds(t *testing.T) {
	all, _, err := extractBlocks(articlePage)
	require.NoError(t, err)

	lowest, err := NewPruningFilter(0, ThresholdDynamic, 0).FilterContent(articlePage)
	require.NoError(t, err)
	assert.Len(t, lowest, len(all), "zero dynamic threshold keeps every block")

	highest, err := NewPruningFilter(1, ThresholdDynamic, 0).FilterContent(articlePage)
	require.NoError(t, err)
	assert.NotEmpty(t, highest, "the best block always meets a full dynamic threshold")
}

func TestPruningFilterMinWords(t *testing.T) {
	blocks, err := NewPruningFilter(0, ThresholdFixed, 10).FilterContent(articlePage)
	require.NoError(t, err)

	for _, b := range blocks {
		assert.NotContains(t, b, "<h1>")
		assert.NotContains(t, b, "Home")
	}
	assert.Len(t, blocks, 3)
}

func TestPruningFilterEmpty(t *testing.T) {
	blocks, err := DefaultPruningFilter().FilterContent("")
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.NotNil(t, blocks)
}

func TestBM25FilterQuery(t *testing.T) {
	html := `<body>
<p>Golang concurrency uses goroutines and channels for concurrency</p>
<p>Python is a dynamic language used for scripting</p>
<p>Cooking pasta requires boiling water and salt</p>
</body>`

	blocks, err := NewBM25Filter("golang concurrency", 0).FilterContent(html)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "Golang concurrency")
}

func TestBM25FilterDerivedQuery(t *testing.T) {
	html := `<html><head><title>Sourdough baking</title></head><body>
<h1>Sourdough bread baking</h1>
<p>Sourdough bread needs a starter, flour, water and patience for baking.</p>
<p>Unrelated sidebar about cars and engines.</p>
</body></html>`

	blocks, err := NewBM25Filter("", 0).FilterContent(html)
	require.NoError(t, err)

	joined := strings.Join(blocks, "\n")
	assert.Contains(t, joined, "starter")
	assert.NotContains(t, joined, "engines")
}

func TestBM25FilterNoMatches(t *testing.T) {
	blocks, err := NewBM25Filter("kubernetes", 0).FilterContent(articlePage)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "channels", "fast", "2024"}, tokenize("Go: channels are FAST, in 2024 a b"))
}
