package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/extraction"
	"github.com/Harvey-AU/nectar/internal/markdown"
	"gopkg.in/yaml.v3"
)

// Preset is a browser and run configuration loaded from YAML
type Preset struct {
	Browser BrowserConfig
	Run     RunConfig
}

type presetFile struct {
	Browser    *browserSection    `yaml:"browser"`
	Run        *runSection        `yaml:"run"`
	Markdown   *MarkdownSection   `yaml:"markdown"`
	Extraction *ExtractionSection `yaml:"extraction"`
}

type browserSection struct {
	BrowserType       *string           `yaml:"browser_type"`
	Engine            *string           `yaml:"engine"`
	Headless          *bool             `yaml:"headless"`
	ViewportWidth     *int              `yaml:"viewport_width"`
	ViewportHeight    *int              `yaml:"viewport_height"`
	UserAgent         *string           `yaml:"user_agent"`
	Proxy             *string           `yaml:"proxy"`
	IgnoreHTTPSErrors *bool             `yaml:"ignore_https_errors"`
	JavaScriptEnabled *bool             `yaml:"java_script_enabled"`
	TextMode          *bool             `yaml:"text_mode"`
	LightMode         *bool             `yaml:"light_mode"`
	Headers           map[string]string `yaml:"headers"`
	Cookies           []crawler.Cookie  `yaml:"cookies"`
	ExtraArgs         []string          `yaml:"extra_args"`
	DebuggingPort     *int              `yaml:"debugging_port"`
	Timeout           *Duration         `yaml:"timeout"`
	Verbose           *bool             `yaml:"verbose"`
}

type rateLimitSection struct {
	BaseDelayMin *Duration `yaml:"base_delay_min"`
	BaseDelayMax *Duration `yaml:"base_delay_max"`
	MaxDelay     *Duration `yaml:"max_delay"`
	MaxRetries   *int      `yaml:"max_retries"`
	Codes        []int     `yaml:"codes"`
}

type runSection struct {
	CacheMode                 *cache.Mode       `yaml:"cache_mode"`
	WordCountThreshold        *int              `yaml:"word_count_threshold"`
	CSSSelector               *string           `yaml:"css_selector"`
	ExcludedTags              []string          `yaml:"excluded_tags"`
	ExcludedSelector          *string           `yaml:"excluded_selector"`
	RemoveOverlayElements     *bool             `yaml:"remove_overlay_elements"`
	RemoveForms               *bool             `yaml:"remove_forms"`
	ProcessIframes            *bool             `yaml:"process_iframes"`
	ExcludeExternalLinks      *bool             `yaml:"exclude_external_links"`
	ExcludeSocialMediaLinks   *bool             `yaml:"exclude_social_media_links"`
	ExcludeSocialMediaDomains []string          `yaml:"exclude_social_media_domains"`
	ExcludeDomains            []string          `yaml:"exclude_domains"`
	ExcludeExternalImages     *bool             `yaml:"exclude_external_images"`
	WaitUntil                 *string           `yaml:"wait_until"`
	WaitFor                   *string           `yaml:"wait_for"`
	PageTimeout               *Duration         `yaml:"page_timeout"`
	DelayBeforeReturnHTML     *Duration         `yaml:"delay_before_return_html"`
	JSCode                    []string          `yaml:"js_code"`
	Screenshot                *bool             `yaml:"screenshot"`
	ScreenshotHeightThreshold *int              `yaml:"screenshot_height_threshold"`
	PDF                       *bool             `yaml:"pdf"`
	FetchSSLCertificate       *bool             `yaml:"fetch_ssl_certificate"`
	CheckRobotsTxt            *bool             `yaml:"check_robots_txt"`
	DetectTechnologies        *bool             `yaml:"detect_technologies"`
	MeanDelay                 *Duration         `yaml:"mean_delay"`
	MaxRange                  *Duration         `yaml:"max_range"`
	SemaphoreCount            *int              `yaml:"semaphore_count"`
	RateLimit                 *rateLimitSection `yaml:"rate_limit"`
	Stream                    *bool             `yaml:"stream"`
	SessionID                 *string           `yaml:"session_id"`
	Verbose                   *bool             `yaml:"verbose"`
}

// MarkdownSection configures the markdown generator and its content filter
type MarkdownSection struct {
	Filter           string           `yaml:"filter" json:"filter,omitempty"` // pruning, bm25 or empty
	Threshold        float64          `yaml:"threshold" json:"threshold,omitempty"`
	ThresholdType    string           `yaml:"threshold_type" json:"threshold_type,omitempty"`
	MinWordThreshold int              `yaml:"min_word_threshold" json:"min_word_threshold,omitempty"`
	Query            string           `yaml:"query" json:"query,omitempty"`
	Options          *markdownOptions `yaml:"options" json:"options,omitempty"`
}

type markdownOptions struct {
	Citations    *bool `yaml:"citations" json:"citations,omitempty"`
	IgnoreLinks  *bool `yaml:"ignore_links" json:"ignore_links,omitempty"`
	IgnoreImages *bool `yaml:"ignore_images" json:"ignore_images,omitempty"`
	BodyWidth    *int  `yaml:"body_width" json:"body_width,omitempty"`
}

// ExtractionSection configures a CSS or LLM extraction strategy
type ExtractionSection struct {
	Type                string   `yaml:"type" json:"type"` // css or llm
	Schema              any      `yaml:"schema" json:"schema,omitempty"`
	SchemaFile          string   `yaml:"schema_file" json:"schema_file,omitempty"`
	Provider            string   `yaml:"provider" json:"provider,omitempty"`
	APIToken            string   `yaml:"api_token" json:"-"` // literal or env:NAME
	BaseURL             string   `yaml:"base_url" json:"base_url,omitempty"`
	Instruction         string   `yaml:"instruction" json:"instruction,omitempty"`
	InputFormat         string   `yaml:"input_format" json:"input_format,omitempty"`
	ChunkTokenThreshold int      `yaml:"chunk_token_threshold" json:"chunk_token_threshold,omitempty"`
	OverlapRate         float64  `yaml:"overlap_rate" json:"overlap_rate,omitempty"`
	Temperature         *float64 `yaml:"temperature" json:"temperature,omitempty"`
	TopP                *float64 `yaml:"top_p" json:"top_p,omitempty"`
	MaxTokens           int      `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// LoadPreset reads a YAML preset file on top of the defaults
func LoadPreset(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset: %w", err)
	}
	p, err := ParsePreset(data)
	if err != nil {
		return nil, fmt.Errorf("preset %s: %w", path, err)
	}
	return p, nil
}

// ParsePreset decodes YAML preset data on top of the defaults
func ParsePreset(data []byte) (*Preset, error) {
	return ApplyPreset(data, Preset{Browser: DefaultBrowserConfig(), Run: DefaultRunConfig()})
}

// ApplyPreset decodes YAML (or JSON) preset data on top of a copy of base.
// base is not modified.
func ApplyPreset(data []byte, base Preset) (*Preset, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse preset: %w", err)
	}

	p := &Preset{Browser: base.Browser.Clone(), Run: base.Run.Clone()}
	if file.Browser != nil {
		file.Browser.apply(&p.Browser)
	}
	if file.Run != nil {
		file.Run.apply(&p.Run)
	}
	if file.Markdown != nil {
		gen, err := file.Markdown.Build()
		if err != nil {
			return nil, err
		}
		p.Run.MarkdownGenerator = gen
	}
	if file.Extraction != nil {
		strategy, err := file.Extraction.Build()
		if err != nil {
			return nil, err
		}
		p.Run.ExtractionStrategy = strategy
	}

	if err := p.Browser.Validate(); err != nil {
		return nil, err
	}
	if err := p.Run.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Build returns the configured generator
func (m *MarkdownSection) Build() (*markdown.Generator, error) {
	opts := markdown.DefaultOptions()
	if o := m.Options; o != nil {
		setIf(&opts.Citations, o.Citations)
		setIf(&opts.IgnoreLinks, o.IgnoreLinks)
		setIf(&opts.IgnoreImages, o.IgnoreImages)
		setIf(&opts.BodyWidth, o.BodyWidth)
	}

	var filter markdown.ContentFilter
	switch strings.ToLower(m.Filter) {
	case "", "none":
	case "pruning":
		threshold := m.Threshold
		if threshold == 0 {
			threshold = markdown.DefaultPruningFilter().Threshold
		}
		tt := markdown.ThresholdType(strings.ToLower(m.ThresholdType))
		switch tt {
		case "", markdown.ThresholdFixed, markdown.ThresholdDynamic:
		default:
			return nil, fmt.Errorf("unknown threshold type %q", m.ThresholdType)
		}
		filter = markdown.NewPruningFilter(threshold, tt, m.MinWordThreshold)
	case "bm25":
		filter = markdown.NewBM25Filter(m.Query, m.Threshold)
	default:
		return nil, fmt.Errorf("unknown markdown filter %q", m.Filter)
	}
	return markdown.NewGenerator(filter, opts), nil
}

// Build returns the configured extraction strategy
func (e *ExtractionSection) Build() (extraction.Strategy, error) {
	schemaJSON, err := e.schemaJSON()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(e.Type) {
	case "css":
		if schemaJSON == nil {
			return nil, fmt.Errorf("css extraction needs a schema or schema_file")
		}
		schema, err := extraction.ParseSchema(schemaJSON)
		if err != nil {
			return nil, err
		}
		return extraction.NewCSSStrategy(schema)
	case "llm":
		client, err := extraction.NewOpenAIClient(e.Provider, resolveToken(e.APIToken), e.BaseURL)
		if err != nil {
			return nil, err
		}
		return extraction.NewLLMStrategy(client, extraction.LLMConfig{
			Provider:            e.Provider,
			Instruction:         e.Instruction,
			Schema:              schemaJSON,
			InputFormat:         extraction.InputFormat(e.InputFormat),
			ChunkTokenThreshold: e.ChunkTokenThreshold,
			OverlapRate:         e.OverlapRate,
			Temperature:         e.Temperature,
			TopP:                e.TopP,
			MaxTokens:           e.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown extraction type %q", e.Type)
	}
}

func (e *ExtractionSection) schemaJSON() (json.RawMessage, error) {
	if e.SchemaFile != "" {
		data, err := os.ReadFile(e.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file: %w", err)
		}
		return data, nil
	}
	if e.Schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(e.Schema)
	if err != nil {
		return nil, fmt.Errorf("schema cannot be encoded as JSON: %w", err)
	}
	return data, nil
}

// resolveToken expands env:NAME references
func resolveToken(token string) string {
	if name, ok := strings.CutPrefix(token, "env:"); ok {
		return os.Getenv(name)
	}
	return token
}

func (b *browserSection) apply(c *BrowserConfig) {
	setIf(&c.BrowserType, b.BrowserType)
	setIf(&c.Engine, b.Engine)
	setIf(&c.Headless, b.Headless)
	setIf(&c.ViewportWidth, b.ViewportWidth)
	setIf(&c.ViewportHeight, b.ViewportHeight)
	setIf(&c.UserAgent, b.UserAgent)
	setIf(&c.Proxy, b.Proxy)
	setIf(&c.IgnoreHTTPSErrors, b.IgnoreHTTPSErrors)
	setIf(&c.JavaScriptEnabled, b.JavaScriptEnabled)
	setIf(&c.TextMode, b.TextMode)
	setIf(&c.LightMode, b.LightMode)
	setIf(&c.DebuggingPort, b.DebuggingPort)
	setIf(&c.Verbose, b.Verbose)
	if b.Timeout != nil {
		c.Timeout = b.Timeout.Std()
	}
	if b.Headers != nil {
		c.Headers = b.Headers
	}
	if b.Cookies != nil {
		c.Cookies = b.Cookies
	}
	if b.ExtraArgs != nil {
		c.ExtraArgs = b.ExtraArgs
	}
}

func (r *runSection) apply(c *RunConfig) {
	setIf(&c.CacheMode, r.CacheMode)
	setIf(&c.WordCountThreshold, r.WordCountThreshold)
	setIf(&c.CSSSelector, r.CSSSelector)
	setIf(&c.ExcludedSelector, r.ExcludedSelector)
	setIf(&c.RemoveOverlayElements, r.RemoveOverlayElements)
	setIf(&c.RemoveForms, r.RemoveForms)
	setIf(&c.ProcessIframes, r.ProcessIframes)
	setIf(&c.ExcludeExternalLinks, r.ExcludeExternalLinks)
	setIf(&c.ExcludeSocialMediaLinks, r.ExcludeSocialMediaLinks)
	setIf(&c.ExcludeExternalImages, r.ExcludeExternalImages)
	setIf(&c.WaitUntil, r.WaitUntil)
	setIf(&c.WaitFor, r.WaitFor)
	setIf(&c.Screenshot, r.Screenshot)
	setIf(&c.ScreenshotHeightThreshold, r.ScreenshotHeightThreshold)
	setIf(&c.PDF, r.PDF)
	setIf(&c.FetchSSLCertificate, r.FetchSSLCertificate)
	setIf(&c.CheckRobotsTxt, r.CheckRobotsTxt)
	setIf(&c.DetectTechnologies, r.DetectTechnologies)
	setIf(&c.SemaphoreCount, r.SemaphoreCount)
	setIf(&c.Stream, r.Stream)
	setIf(&c.SessionID, r.SessionID)
	setIf(&c.Verbose, r.Verbose)
	setDuration(&c.PageTimeout, r.PageTimeout)
	setDuration(&c.DelayBeforeReturnHTML, r.DelayBeforeReturnHTML)
	setDuration(&c.MeanDelay, r.MeanDelay)
	setDuration(&c.MaxRange, r.MaxRange)
	if r.ExcludedTags != nil {
		c.ExcludedTags = r.ExcludedTags
	}
	if r.ExcludeSocialMediaDomains != nil {
		c.ExcludeSocialMediaDomains = r.ExcludeSocialMediaDomains
	}
	if r.ExcludeDomains != nil {
		c.ExcludeDomains = r.ExcludeDomains
	}
	if r.JSCode != nil {
		c.JSCode = r.JSCode
	}
	if rl := r.RateLimit; rl != nil {
		limit := DefaultRateLimitConfig()
		setDuration(&limit.BaseDelayMin, rl.BaseDelayMin)
		setDuration(&limit.BaseDelayMax, rl.BaseDelayMax)
		setDuration(&limit.MaxDelay, rl.MaxDelay)
		setIf(&limit.MaxRetries, rl.MaxRetries)
		if rl.Codes != nil {
			limit.RateLimitCodes = rl.Codes
		}
		c.RateLimit = limit
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = src.Std()
	}
}
