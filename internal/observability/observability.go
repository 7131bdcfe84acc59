// Package observability wires OpenTelemetry tracing and Prometheus metrics for crawl runs.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string // host:port or full URL; traces are only exported when set
	OTLPHeaders  map[string]string
	OTLPInsecure bool
}

// Providers holds the live telemetry pipeline
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Config         Config
}

var (
	initOnce sync.Once

	runTracer trace.Tracer

	runDuration  metric.Float64Histogram
	runTotal     metric.Int64Counter
	runsInFlight metric.Int64UpDownCounter
	batchSize    metric.Int64Histogram
	cacheTotal   metric.Int64Counter
)

const (
	instrumentationName = "nectar/runner"
	shutdownTimeout     = 10 * time.Second
)

// Init installs global tracer and meter providers and a Prometheus registry.
// It returns nil providers when cfg.Enabled is false.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nectar"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tracerProvider := newTracerProvider(ctx, cfg, res)
	meterProvider, metricsHandler, err := newMeterProvider(res)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(prop)

	initOnce.Do(func() {
		runTracer = tracerProvider.Tracer(instrumentationName)
		if err := initRunInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create crawl run instruments")
		}
	})

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: metricsHandler,
		Config:         cfg,
	}, nil
}

// Shutdown flushes pending spans and stops both providers
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs error
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("metric provider shutdown: %w", err))
	}
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("trace provider shutdown: %w", err))
	}
	return errs
}

// newTracerProvider exports over OTLP when an endpoint is configured. An exporter
// that cannot be built leaves tracing local instead of failing startup.
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint == "" {
		return sdktrace.NewTracerProvider(opts...)
	}

	clientOpts := []otlptracehttp.Option{otlpEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.OTLPHeaders) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}

	exp, err := otlptracehttp.New(ctx, clientOpts...)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		return sdktrace.NewTracerProvider(opts...)
	}
	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithBatcher(exp))...)
}

// newMeterProvider reads metrics into a private Prometheus registry that also
// carries the Go runtime and process collectors
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func otlpEndpoint(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler traces requests through handler. Health checks and metric scrapes
// are not traced.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initRunInstruments(meterProvider metric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	runDuration, err = meter.Float64Histogram(
		"crawl.run.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to crawl and extract a single URL"),
	)
	if err != nil {
		return err
	}

	runTotal, err = meter.Int64Counter(
		"crawl.run.total",
		metric.WithDescription("Counts crawl run outcomes"),
	)
	if err != nil {
		return err
	}

	runsInFlight, err = meter.Int64UpDownCounter(
		"crawl.runs.in_flight",
		metric.WithDescription("Crawl runs currently holding a dispatch slot"),
	)
	if err != nil {
		return err
	}

	batchSize, err = meter.Int64Histogram(
		"crawl.batch.urls",
		metric.WithDescription("URLs per dispatched batch"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 1000),
	)
	if err != nil {
		return err
	}

	cacheTotal, err = meter.Int64Counter(
		"crawl.cache.lookups",
		metric.WithDescription("Counts cache lookups by outcome"),
	)
	return err
}

// RunSpanInfo describes the attributes used when starting a crawl run span.
type RunSpanInfo struct {
	URL       string
	Domain    string
	SessionID string
	CacheMode string
}

// RunMetrics describes a finished crawl run for metric recording.
type RunMetrics struct {
	Status      string // success or failed
	CacheStatus string
	ErrorKind   string
	Duration    time.Duration
}

// StartRunSpan starts a span covering one URL's trip through the pipeline.
func StartRunSpan(ctx context.Context, info RunSpanInfo) (context.Context, trace.Span) {
	t := runTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("crawl.url", info.URL),
		attribute.String("crawl.domain", info.Domain),
		attribute.String("crawl.cache_mode", info.CacheMode),
	}
	if info.SessionID != "" {
		attrs = append(attrs, attribute.String("crawl.session_id", info.SessionID))
	}

	return t.Start(ctx, "crawl.run", trace.WithAttributes(attrs...))
}

// Stage marks a pipeline state transition on the span carried by ctx
func Stage(ctx context.Context, stage string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(stage)
}

// RecordRun emits crawl run metrics when instrumentation is initialised.
func RecordRun(ctx context.Context, m RunMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("crawl.status", m.Status),
		attribute.String("crawl.cache_status", m.CacheStatus),
		attribute.String("crawl.error_kind", m.ErrorKind),
	)

	if runDuration != nil {
		runDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if runTotal != nil {
		runTotal.Add(ctx, 1, attrs)
	}
}

// RecordCacheLookup counts a cache lookup as hit or miss
func RecordCacheLookup(ctx context.Context, mode string, hit bool) {
	if cacheTotal == nil {
		return
	}
	cacheTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.mode", mode),
		attribute.Bool("cache.hit", hit),
	))
}

// RecordBatch notes the size of a dispatched batch
func RecordBatch(ctx context.Context, urls, concurrency int) {
	if batchSize == nil {
		return
	}
	batchSize.Record(ctx, int64(urls), metric.WithAttributes(attribute.Int("crawl.concurrency", concurrency)))
}

// RunStarted and RunFinished bracket a run holding a dispatch slot
func RunStarted(ctx context.Context) {
	if runsInFlight != nil {
		runsInFlight.Add(ctx, 1)
	}
}

func RunFinished(ctx context.Context) {
	if runsInFlight != nil {
		runsInFlight.Add(ctx, -1)
	}
}
