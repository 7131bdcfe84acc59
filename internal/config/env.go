package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AppConfig holds the process configuration loaded from environment variables
type AppConfig struct {
	Env                  string // Environment (development/production)
	LogLevel             string // Log level (debug, info, warn, error)
	SentryDSN            string // Sentry DSN for error tracking
	Addr                 string // API listen address
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          map[string]string
	OTLPInsecure         bool

	CacheBackend string // memory, bolt or postgres
	CachePath    string // bolt file path
	CacheTTL     int    // seconds, 0 keeps entries forever
	DatabaseURL  string // postgres cache
	Concurrency  int    // default SemaphoreCount

	OpenAIKey       string
	SlackWebhookURL string
	SlackBotToken   string // with SlackChannel, posts via the Slack API instead of a webhook
	SlackChannel    string
	LoopsAPIKey     string // with LoopsTemplateID and EmailTo, emails batch summaries
	LoopsTemplateID string
	EmailTo         string
	OutputDir       string

	JWTSecret        string
	JWKSURL          string
	JWTIssuer        string
	JWTAudience      string
	APIMaxURLs       int
	APIMaxConcurrent int
	APIRateLimit     int // requests per second per client IP
	TrustProxy       bool

	SupabaseURL        string // artifacts go to Supabase Storage when set
	SupabaseServiceKey string
	StorageBucket      string
}

// LoadAppConfig reads .env.local and .env (when present) and the process environment.
// NECTAR_ prefixed variables configure the crawler itself.
func LoadAppConfig() *AppConfig {
	// .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	return &AppConfig{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		Addr:                 getEnvWithDefault("NECTAR_ADDR", ":8080"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          parseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		CacheBackend: getEnvWithDefault("NECTAR_CACHE_BACKEND", "memory"),
		CachePath:    getEnvWithDefault("NECTAR_CACHE_PATH", "nectar-cache.db"),
		CacheTTL:     getEnvInt("NECTAR_CACHE_TTL", 0),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Concurrency:  getEnvInt("NECTAR_CONCURRENCY", 5),

		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		SlackWebhookURL: os.Getenv("NECTAR_SLACK_WEBHOOK_URL"),
		SlackBotToken:   os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:    os.Getenv("NECTAR_SLACK_CHANNEL"),
		LoopsAPIKey:     os.Getenv("LOOPS_API_KEY"),
		LoopsTemplateID: os.Getenv("NECTAR_LOOPS_TEMPLATE_ID"),
		EmailTo:         os.Getenv("NECTAR_NOTIFY_EMAIL"),
		OutputDir:       getEnvWithDefault("NECTAR_OUTPUT_DIR", "output"),

		JWTSecret:        os.Getenv("NECTAR_JWT_SECRET"),
		JWKSURL:          os.Getenv("NECTAR_JWKS_URL"),
		JWTIssuer:        os.Getenv("NECTAR_JWT_ISSUER"),
		JWTAudience:      os.Getenv("NECTAR_JWT_AUDIENCE"),
		APIMaxURLs:       getEnvInt("NECTAR_API_MAX_URLS", 100),
		APIMaxConcurrent: getEnvInt("NECTAR_API_MAX_CONCURRENT", 4),
		APIRateLimit:     getEnvInt("NECTAR_API_RATE_LIMIT", 20),
		TrustProxy:       getEnvWithDefault("NECTAR_TRUST_PROXY", "false") == "true",

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		StorageBucket:      getEnvWithDefault("NECTAR_STORAGE_BUCKET", "crawl-artifacts"),
	}
}

// SetupLogging configures the global zerolog logger
func SetupLogging(cfg *AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Str("service", "nectar").
		Logger()
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimSpace(raw), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
