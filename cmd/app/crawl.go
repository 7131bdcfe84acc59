package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/notifications"
	"github.com/Harvey-AU/nectar/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Print modes for crawl results on stdout
const (
	printMarkdown = "markdown"
	printJSON     = "json"
	printNone     = "none"
)

type crawlOptions struct {
	preset      string
	cacheMode   string
	engine      string
	stream      bool
	sitemap     string
	include     []string
	exclude     []string
	limit       int
	outputs     []string
	outDir      string
	print       string
	concurrency int
	sessionID   string
	cssSelector string
	robots      bool
	screenshot  bool
	pdf         bool
	timeout     time.Duration
	notify      bool
}

func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl one or more URLs and print or store the results",
		Long: `Crawl fetches each URL, cleans the page and renders markdown. Settings come
from the defaults, then --preset, then individual flags.

Examples:
  nectar crawl https://example.com
  nectar crawl https://example.com https://example.org --print json --stream
  nectar crawl --sitemap https://example.com/sitemap.xml --include /blog/ --limit 50 --output markdown,pdf
  nectar crawl "raw:<h1>Hello</h1>" --cache-mode bypass`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.preset, "preset", "", "YAML preset with browser, run, markdown and extraction settings")
	f.StringVar(&opts.cacheMode, "cache-mode", "", "Cache mode: enabled, bypass, disabled, read_only or write_only")
	f.StringVar(&opts.engine, "engine", "", "Fetch engine: http or browser")
	f.BoolVar(&opts.stream, "stream", false, "Handle results as each URL completes")
	f.StringVar(&opts.sitemap, "sitemap", "", "Also crawl the URLs listed in this sitemap")
	f.StringSliceVar(&opts.include, "include", nil, "Keep sitemap URLs containing any of these substrings")
	f.StringSliceVar(&opts.exclude, "exclude", nil, "Drop sitemap URLs containing any of these substrings")
	f.IntVar(&opts.limit, "limit", 0, "Maximum URLs read from the sitemap (0 means all)")
	f.StringSliceVar(&opts.outputs, "output", nil, "Artifacts to store: markdown, json, screenshot, pdf, extracted")
	f.StringVar(&opts.outDir, "out-dir", "", "Artifact directory when Supabase Storage is not configured")
	f.StringVar(&opts.print, "print", printMarkdown, "What to print to stdout: markdown, json or none")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Maximum concurrent runs")
	f.StringVar(&opts.sessionID, "session", "", "Session id shared by every run")
	f.StringVar(&opts.cssSelector, "css-selector", "", "Limit processing to elements matching this selector")
	f.BoolVar(&opts.robots, "check-robots", false, "Skip URLs disallowed by robots.txt")
	f.BoolVar(&opts.screenshot, "screenshot", false, "Capture a screenshot (browser engine)")
	f.BoolVar(&opts.pdf, "pdf", false, "Capture a PDF (browser engine)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Page timeout")
	f.BoolVar(&opts.notify, "notify", false, "Send a summary to the configured Slack and email targets")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string, opts *crawlOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := bootstrap(ctx, false)
	defer a.Close()

	urls, err := collectURLs(ctx, args, opts)
	if err != nil {
		return err
	}

	preset, err := a.loadPreset(opts.preset)
	if err != nil {
		return err
	}
	runOpts, err := opts.runOptions(cmd)
	if err != nil {
		return err
	}
	cfg := preset.Run.Clone(runOpts...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	browser := preset.Browser
	if cmd.Flags().Changed("engine") {
		browser = browser.Clone(config.WithEngine(opts.engine))
	}
	if err := browser.Validate(); err != nil {
		return err
	}

	r, err := a.newRunner(ctx, browser)
	if err != nil {
		return err
	}

	var writer *storage.Writer
	if len(opts.outputs) > 0 {
		if writer, err = a.artifactWriter(opts.outDir); err != nil {
			return err
		}
	}

	p := &resultPrinter{out: cmd.OutOrStdout(), mode: opts.print, single: len(urls) == 1}
	handle := func(res *crawler.CrawlResult) {
		if writer != nil {
			artifacts, err := writer.Write(ctx, res, opts.outputs...)
			if err != nil {
				log.Warn().Err(err).Str("url", res.URL).Msg("Failed to write artifacts")
			}
			for _, art := range artifacts {
				log.Info().Str("url", res.URL).Str("format", art.Format).Str("location", art.Location).Msg("Artifact written")
			}
		}
		if err := p.print(res); err != nil {
			log.Warn().Err(err).Msg("Failed to print result")
		}
	}

	start := time.Now()
	var results []*crawler.CrawlResult
	if cfg.Stream {
		for res := range r.Stream(ctx, urls, cfg) {
			handle(res)
			results = append(results, res)
		}
	} else {
		results = r.RunMany(ctx, urls, cfg)
		for _, res := range results {
			handle(res)
		}
	}

	summary := notifications.Summarise("nectar crawl", results, time.Since(start))
	fmt.Fprintln(cmd.ErrOrStderr(), summary.Message())

	if opts.notify {
		if n := a.notifier(); n != nil {
			if err := n.Notify(ctx, summary); err != nil {
				log.Warn().Err(err).Msg("Notification failed")
			}
		} else {
			log.Warn().Msg("--notify given but no notification target is configured")
		}
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d URLs failed", summary.Failed, summary.Total)
	}
	return nil
}

func (o *crawlOptions) validate() error {
	switch o.print {
	case printMarkdown, printJSON, printNone:
	default:
		return fmt.Errorf("unknown --print mode %q", o.print)
	}
	for _, f := range o.outputs {
		if !storage.ValidFormat(f) {
			return fmt.Errorf("unknown --output format %q", f)
		}
	}
	if o.limit < 0 {
		return errors.New("--limit cannot be negative")
	}
	return nil
}

// runOptions turns the flags the user actually set into run overrides
func (o *crawlOptions) runOptions(cmd *cobra.Command) ([]config.RunOption, error) {
	changed := cmd.Flags().Changed
	var opts []config.RunOption

	if changed("cache-mode") {
		var mode cache.Mode
		if err := mode.UnmarshalText([]byte(o.cacheMode)); err != nil {
			return nil, err
		}
		opts = append(opts, config.WithCacheMode(mode))
	}
	if changed("stream") {
		opts = append(opts, config.WithStream(o.stream))
	}
	if changed("concurrency") {
		opts = append(opts, config.WithSemaphoreCount(o.concurrency))
	}
	if changed("session") {
		opts = append(opts, config.WithSessionID(o.sessionID))
	}
	if changed("css-selector") {
		opts = append(opts, config.WithCSSSelector(o.cssSelector))
	}
	if changed("check-robots") {
		opts = append(opts, config.WithCheckRobotsTxt(o.robots))
	}
	if changed("screenshot") {
		opts = append(opts, config.WithScreenshot(o.screenshot))
	}
	if changed("pdf") {
		opts = append(opts, config.WithPDF(o.pdf))
	}
	if changed("timeout") {
		opts = append(opts, config.WithPageTimeout(o.timeout))
	}
	return opts, nil
}

// collectURLs joins the positional URLs with those read from --sitemap
func collectURLs(ctx context.Context, args []string, opts *crawlOptions) ([]string, error) {
	urls := append([]string(nil), args...)
	if opts.sitemap != "" {
		listed, err := crawler.NewSitemapReader(nil, opts.limit).URLs(ctx, opts.sitemap)
		if err != nil {
			return nil, fmt.Errorf("failed to read sitemap: %w", err)
		}
		listed = crawler.FilterURLs(listed, opts.include, opts.exclude)
		log.Info().
			Str("sitemap", opts.sitemap).
			Int("urls", len(listed)).
			Msg("Sitemap expanded")
		urls = append(urls, listed...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no URLs to crawl: pass URLs or --sitemap")
	}
	return urls, nil
}

// resultPrinter writes results to stdout in the chosen mode
type resultPrinter struct {
	out    io.Writer
	mode   string
	single bool
}

func (p *resultPrinter) print(res *crawler.CrawlResult) error {
	switch p.mode {
	case printJSON:
		return json.NewEncoder(p.out).Encode(res)
	case printMarkdown:
		if !res.Success {
			log.Error().
				Str("url", res.URL).
				Str("error_kind", string(res.ErrorKind)).
				Msg(res.ErrorMessage)
			return nil
		}
		md := ""
		if res.Markdown != nil {
			md = res.Markdown.FitMarkdown
			if md == "" {
				md = res.Markdown.RawMarkdown
			}
		}
		if p.single {
			_, err := fmt.Fprintln(p.out, md)
			return err
		}
		_, err := fmt.Fprintf(p.out, "<!-- %s -->\n%s\n\n", res.URL, md)
		return err
	}
	return nil
}
