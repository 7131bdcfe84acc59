package extraction

import (
	"math"
	"strings"
)

// Chunking defaults for LLM extraction
const (
	DefaultChunkTokenThreshold = 2048
	DefaultOverlapRate         = 0.1
	DefaultWordTokenRate       = 0.75
)

// Chunk splits text into word windows that stay under maxTokens, estimating tokens
// as words / wordTokenRate. Consecutive chunks share overlap × window words.
// Text that fits in one window is returned as a single chunk.
func Chunk(text string, maxTokens int, overlap, wordTokenRate float64) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokenThreshold
	}
	if wordTokenRate <= 0 {
		wordTokenRate = DefaultWordTokenRate
	}
	overlap = math.Max(0, math.Min(overlap, 0.9))

	window := int(float64(maxTokens) * wordTokenRate)
	if window < 1 {
		window = 1
	}
	if len(words) <= window {
		return []string{strings.Join(words, " ")}
	}

	step := window - int(float64(window)*overlap)
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + window
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
