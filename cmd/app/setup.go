package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/nectar/internal/cache"
	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/notifications"
	"github.com/Harvey-AU/nectar/internal/observability"
	"github.com/Harvey-AU/nectar/internal/runner"
	"github.com/Harvey-AU/nectar/internal/storage"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// app holds the process-wide services both commands share
type app struct {
	cfg       *config.AppConfig
	providers *observability.Providers
	closers   []func()
}

// bootstrap loads configuration and starts logging, Sentry and telemetry
func bootstrap(ctx context.Context, withTelemetry bool) *app {
	cfg := config.LoadAppConfig()
	config.SetupLogging(cfg)

	a := &app{cfg: cfg}

	// Initialise Sentry for error tracking and performance monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			TracesSampleRate: func() float64 {
				if cfg.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
			a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
		}
	} else {
		log.Debug().Msg("Sentry DSN not configured, error tracking disabled")
	}

	if withTelemetry && cfg.ObservabilityEnabled {
		providers, err := observability.Init(ctx, observability.Config{
			Enabled:      true,
			ServiceName:  "nectar",
			Environment:  cfg.Env,
			OTLPEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
			OTLPHeaders:  cfg.OTLPHeaders,
			OTLPInsecure: cfg.OTLPInsecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			a.providers = providers
			a.closers = append(a.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := providers.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			})
		}
	}
	return a
}

// Close releases everything bootstrap and the builders below started, newest first
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadPreset reads path, or returns the defaults when path is empty. The
// configured concurrency seeds SemaphoreCount for default presets.
func (a *app) loadPreset(path string) (*config.Preset, error) {
	if path == "" {
		run := config.DefaultRunConfig()
		if a.cfg.Concurrency > 0 {
			run = run.Clone(config.WithSemaphoreCount(a.cfg.Concurrency))
		}
		return &config.Preset{Browser: config.DefaultBrowserConfig(), Run: run}, nil
	}
	return config.LoadPreset(path)
}

// newRunner opens the configured cache store and builds a runner over it
func (a *app) newRunner(ctx context.Context, browser config.BrowserConfig) (*runner.Runner, error) {
	store, err := cache.OpenStore(ctx, a.cfg.CacheBackend, a.cfg.CachePath, a.cfg.DatabaseURL, a.cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	c := cache.New(store)

	r, err := runner.New(runner.Deps{Cache: c}, browser)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close runner")
		}
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close cache")
		}
	})

	log.Info().
		Str("cache_backend", a.cfg.CacheBackend).
		Str("engine", browser.Engine).
		Msg("Runner ready")
	return r, nil
}

// artifactWriter stores artifacts in Supabase Storage when configured and in
// dir otherwise
func (a *app) artifactWriter(dir string) (*storage.Writer, error) {
	if a.cfg.SupabaseURL != "" && a.cfg.SupabaseServiceKey != "" {
		log.Info().Str("bucket", a.cfg.StorageBucket).Msg("Writing artifacts to Supabase Storage")
		return storage.NewWriter(storage.NewSupabaseSink(a.cfg.SupabaseURL, a.cfg.SupabaseServiceKey, a.cfg.StorageBucket)), nil
	}
	if dir == "" {
		dir = a.cfg.OutputDir
	}
	sink, err := storage.NewDirSink(dir)
	if err != nil {
		return nil, err
	}
	return storage.NewWriter(sink), nil
}

// notifier returns a notification service for the configured Slack and email
// targets, or nil when none is configured
func (a *app) notifier() *notifications.Service {
	var channels []notifications.DeliveryChannel

	switch {
	case a.cfg.SlackBotToken != "" && a.cfg.SlackChannel != "":
		ch, err := notifications.NewSlackBot(a.cfg.SlackBotToken, a.cfg.SlackChannel)
		if err != nil {
			log.Warn().Err(err).Msg("Slack bot notifications disabled")
			break
		}
		channels = append(channels, ch)
	case a.cfg.SlackWebhookURL != "":
		ch, err := notifications.NewSlackWebhook(a.cfg.SlackWebhookURL)
		if err != nil {
			log.Warn().Err(err).Msg("Slack webhook notifications disabled")
			break
		}
		channels = append(channels, ch)
	}

	if a.cfg.LoopsAPIKey != "" {
		ch, err := notifications.NewEmailChannel(a.cfg.LoopsAPIKey, a.cfg.LoopsTemplateID, a.cfg.EmailTo)
		if err != nil {
			log.Warn().Err(err).Msg("Email notifications disabled")
		} else {
			channels = append(channels, ch)
		}
	}

	if len(channels) == 0 {
		return nil
	}
	return notifications.NewService(channels...)
}
