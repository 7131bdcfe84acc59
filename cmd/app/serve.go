package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harvey-AU/nectar/internal/api"
	"github.com/Harvey-AU/nectar/internal/auth"
	"github.com/Harvey-AU/nectar/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		preset   string
		addr     string
		artifact string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl API over HTTP",
		Long: `Serve exposes POST /v1/crawl, POST /v1/crawl/stream, session and cache
management, /health and /metrics. Requests are authenticated with JWTs when
NECTAR_JWT_SECRET or NECTAR_JWKS_URL is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, preset, addr, artifact)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "YAML preset supplying the browser and default run settings")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default NECTAR_ADDR or :8080)")
	cmd.Flags().StringVar(&artifact, "out-dir", "", "Artifact directory when Supabase Storage is not configured")
	return cmd
}

func runServe(cmd *cobra.Command, presetPath, addr, outDir string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := bootstrap(ctx, true)
	defer a.Close()
	if addr == "" {
		addr = a.cfg.Addr
	}

	preset, err := a.loadPreset(presetPath)
	if err != nil {
		return err
	}
	r, err := a.newRunner(ctx, preset.Browser)
	if err != nil {
		return err
	}
	writer, err := a.artifactWriter(outDir)
	if err != nil {
		return err
	}

	opts := api.Options{
		Defaults:      *preset,
		MaxURLs:       a.cfg.APIMaxURLs,
		MaxConcurrent: int64(a.cfg.APIMaxConcurrent),
		Notifier:      a.notifier(),
		Artifacts:     writer,
	}
	if a.providers != nil {
		opts.Metrics = a.providers.MetricsHandler
	}
	authCfg := auth.Config{
		Secret:   a.cfg.JWTSecret,
		JWKSURL:  a.cfg.JWKSURL,
		Issuer:   a.cfg.JWTIssuer,
		Audience: a.cfg.JWTAudience,
	}
	if authCfg.Enabled() {
		client, err := auth.NewJWTAuthClient(authCfg)
		if err != nil {
			return fmt.Errorf("invalid auth configuration: %w", err)
		}
		opts.Auth = client
	} else {
		log.Warn().Msg("No JWT secret or JWKS URL configured, the crawl API is unauthenticated")
	}

	apiHandler := api.NewHandler(r, opts)
	handler := newIPRateLimiter(a.cfg.APIRateLimit, 10, a.cfg.TrustProxy).Middleware(apiHandler.Routes())
	handler = observability.WrapHandler(handler, a.providers)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		// Crawl batches can be long; give in-flight requests time to finish
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		apiHandler.Wait()
		close(done)
	}()

	log.Info().
		Str("addr", addr).
		Str("version", api.Version).
		Str("engine", preset.Browser.Engine).
		Str("environment", a.cfg.Env).
		Msg("Starting server")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		return fmt.Errorf("server error: %w", err)
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
	return nil
}

