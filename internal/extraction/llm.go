package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawlerr"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// InputFormat selects which page representation is sent to the model
type InputFormat string

const (
	InputMarkdown    InputFormat = "markdown"
	InputHTML        InputFormat = "html"
	InputFitMarkdown InputFormat = "fit_markdown"
)

const defaultChunkConcurrency = 4

// ChatRequest is a single completion request
type ChatRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Usage counts tokens consumed by completions
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Requests         int64 `json:"requests"`
}

// ChatResponse is the model's reply
type ChatResponse struct {
	Content string
	Usage   Usage
}

// ChatClient sends chat completions to a language model provider
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// LLMConfig configures an LLMStrategy
type LLMConfig struct {
	Provider            string          `json:"provider" yaml:"provider"` // e.g. openai/gpt-4o-mini
	Instruction         string          `json:"instruction" yaml:"instruction"`
	Schema              json.RawMessage `json:"schema,omitempty" yaml:"-"`
	InputFormat         InputFormat     `json:"input_format,omitempty" yaml:"input_format,omitempty"`
	ChunkTokenThreshold int             `json:"chunk_token_threshold,omitempty" yaml:"chunk_token_threshold,omitempty"`
	OverlapRate         float64         `json:"overlap_rate,omitempty" yaml:"overlap_rate,omitempty"`
	WordTokenRate       float64         `json:"word_token_rate,omitempty" yaml:"word_token_rate,omitempty"`
	Concurrency         int             `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// LLMStrategy asks a language model to extract records that follow a JSON schema
type LLMStrategy struct {
	client ChatClient
	cfg    LLMConfig
	model  string

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64
	requests         atomic.Int64
}

// NewLLMStrategy returns a strategy that sends chunks to client
func NewLLMStrategy(client ChatClient, cfg LLMConfig) (*LLMStrategy, error) {
	if client == nil {
		return nil, crawlerr.Extraction("", "llm", errors.New("chat client is nil"))
	}
	_, model, err := ParseProvider(cfg.Provider)
	if err != nil {
		return nil, crawlerr.Extraction("", "llm", err)
	}
	if len(cfg.Schema) > 0 && !json.Valid(cfg.Schema) {
		return nil, crawlerr.Extraction("", "llm", errors.New("schema is not valid JSON"))
	}

	switch cfg.InputFormat {
	case "":
		cfg.InputFormat = InputMarkdown
	case InputMarkdown, InputHTML, InputFitMarkdown:
	default:
		return nil, crawlerr.Extraction("", "llm", fmt.Errorf("unknown input format %q", cfg.InputFormat))
	}
	if cfg.ChunkTokenThreshold <= 0 {
		cfg.ChunkTokenThreshold = DefaultChunkTokenThreshold
	}
	if cfg.OverlapRate <= 0 {
		cfg.OverlapRate = DefaultOverlapRate
	}
	if cfg.WordTokenRate <= 0 {
		cfg.WordTokenRate = DefaultWordTokenRate
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultChunkConcurrency
	}

	return &LLMStrategy{client: client, cfg: cfg, model: model}, nil
}

// ParseProvider splits "vendor/model" into its parts
func ParseProvider(provider string) (string, string, error) {
	vendor, model, ok := strings.Cut(provider, "/")
	if !ok || vendor == "" || model == "" {
		return "", "", fmt.Errorf("provider %q must look like vendor/model", provider)
	}
	return vendor, model, nil
}

// Name implements Strategy
func (s *LLMStrategy) Name() string { return "llm" }

// Fingerprint implements Strategy
func (s *LLMStrategy) Fingerprint() string {
	var compact bytes.Buffer
	if len(s.cfg.Schema) > 0 {
		_ = json.Compact(&compact, s.cfg.Schema)
	}
	return fmt.Sprintf("llm:%s:%s:%s:%d:%q:%s",
		s.cfg.Provider, s.cfg.InputFormat, formatFloat(s.cfg.Temperature), s.cfg.ChunkTokenThreshold,
		s.cfg.Instruction, compact.String())
}

// Usage returns tokens consumed so far across all Extract calls
func (s *LLMStrategy) Usage() Usage {
	return Usage{
		PromptTokens:     s.promptTokens.Load(),
		CompletionTokens: s.completionTokens.Load(),
		TotalTokens:      s.totalTokens.Load(),
		Requests:         s.requests.Load(),
	}
}

// Extract implements Strategy. A chunk whose provider call fails contributes an error
// record and a ProviderError in Output.Errors; the call itself only fails when every
// chunk failed.
func (s *LLMStrategy) Extract(ctx context.Context, in Input) (*Output, error) {
	start := time.Now()
	chunks := Chunk(s.content(in), s.cfg.ChunkTokenThreshold, s.cfg.OverlapRate, s.cfg.WordTokenRate)
	if len(chunks) == 0 {
		return &Output{Content: "[]"}, nil
	}

	perChunk := make([][]*Record, len(chunks))
	chunkErrs := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			resp, err := s.client.Complete(gctx, s.request(in.URL, chunk))
			if err != nil {
				chunkErrs[i] = crawlerr.Provider(in.URL, fmt.Sprintf("chunk %d", i), err)
				perChunk[i] = []*Record{errorRecord(i, err.Error())}
				return nil
			}
			s.addUsage(resp.Usage)
			perChunk[i] = parseRecords(i, resp.Content)
			return nil
		})
	}
	_ = g.Wait()

	var records []*Record
	var errs []error
	failed := 0
	for i := range chunks {
		records = append(records, perChunk[i]...)
		if chunkErrs[i] != nil {
			errs = append(errs, chunkErrs[i])
			failed++
		}
	}

	content, err := encodeRecords(records)
	if err != nil {
		return nil, crawlerr.Extraction(in.URL, "encode", err)
	}
	out := &Output{Content: content, Records: len(records), Errors: errs}

	log.Debug().
		Str("url", in.URL).
		Str("provider", s.cfg.Provider).
		Int("chunks", len(chunks)).
		Int("failed_chunks", failed).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("LLM extraction complete")

	if failed == len(chunks) {
		return out, errs[0]
	}
	return out, nil
}

func (s *LLMStrategy) content(in Input) string {
	switch s.cfg.InputFormat {
	case InputHTML:
		if in.CleanedHTML != "" {
			return in.CleanedHTML
		}
		return in.HTML
	case InputFitMarkdown:
		if in.FitMarkdown != "" {
			return in.FitMarkdown
		}
	}
	return in.Markdown
}

const systemPrompt = "You extract structured data from web page content. Reply with a JSON array of objects and nothing else."

func (s *LLMStrategy) request(url, chunk string) ChatRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the content from the URL:\n<url>%s</url>\n\n<url_content>\n%s\n</url_content>\n\n", url, chunk)
	if s.cfg.Instruction != "" {
		fmt.Fprintf(&b, "%s\n\n", s.cfg.Instruction)
	} else {
		b.WriteString("Extract every distinct item of information on the page.\n\n")
	}
	if len(s.cfg.Schema) > 0 {
		fmt.Fprintf(&b, "Each object must conform to this JSON schema:\n<schema>\n%s\n</schema>\n\n", s.cfg.Schema)
	}
	b.WriteString("Return only the JSON array.")

	return ChatRequest{
		Model:       s.model,
		System:      systemPrompt,
		Prompt:      b.String(),
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
		MaxTokens:   s.cfg.MaxTokens,
	}
}

func (s *LLMStrategy) addUsage(u Usage) {
	s.promptTokens.Add(u.PromptTokens)
	s.completionTokens.Add(u.CompletionTokens)
	s.totalTokens.Add(u.TotalTokens)
	s.requests.Add(1)
}

// parseRecords decodes a model reply into records tagged "error": false. Replies that
// are not JSON objects or arrays of objects become a single error record.
func parseRecords(index int, reply string) []*Record {
	payload := stripFences(reply)

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return []*Record{errorRecord(index, reply)}
	}

	var items []json.RawMessage
	switch bytes.TrimSpace(raw)[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return []*Record{errorRecord(index, reply)}
		}
	case '{':
		items = []json.RawMessage{raw}
	default:
		return []*Record{errorRecord(index, reply)}
	}

	records := make([]*Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item)
		if err != nil {
			records = append(records, errorRecord(index, string(item)))
			continue
		}
		if _, ok := rec.Get("error"); !ok {
			rec.Set("error", false)
		}
		records = append(records, rec)
	}
	return records
}

// decodeRecord reads a JSON object keeping the key order of the source
func decodeRecord(data json.RawMessage) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("not an object")
	}

	rec := NewRecord()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("object key is not a string")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		rec.Set(key, value)
	}
	return rec, nil
}

func errorRecord(index int, content string) *Record {
	rec := NewRecord()
	rec.Set("index", index)
	rec.Set("error", true)
	rec.Set("tags", []string{"error"})
	rec.Set("content", content)
	return rec
}

// stripFences removes markdown code fences and <blocks> wrappers models often add
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "<blocks>"); start >= 0 {
		if end := strings.LastIndex(s, "</blocks>"); end > start {
			s = strings.TrimSpace(s[start+len("<blocks>") : end])
		}
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func formatFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *f)
}
