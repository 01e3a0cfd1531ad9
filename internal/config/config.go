// Package config handles process configuration from the environment and the
// policy/glossary snapshots that the gateway swaps at runtime.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Generator providers accepted in LLM_PROVIDER.
const (
	ProviderGolden = "golden"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// LLMConfig selects and configures the SQL generator.
type LLMConfig struct {
	Provider          string        // golden (default), ollama or gemini
	GoldenQueriesPath string        // YAML file of canned question -> SQL pairs
	OllamaURL         string        // base URL of the Ollama server
	OllamaModel       string        // model tag passed to Ollama
	GeminiAPIKey      string        // API key for the Gemini API
	GeminiModel       string        // Gemini model name
	Timeout           time.Duration // per-generation deadline (default 60s)
}

// Config holds the process-level configuration.
type Config struct {
	ListenAddr        string // HTTP listen address (default ":8080")
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	LogLevel          string // log level: debug, info, warn, error (default "info")
	Env               string // environment: "development" (default) or "production"

	// Target database
	DBDriver   string // duckdb (default) or pgx
	DBDSN      string // empty means an in-memory DuckDB
	DBMaxConns int    // connection pool size (default 8)

	// Snapshot sources
	PolicyPath   string // policy/execution/confidence YAML (default configs/policy.yaml)
	GlossaryPath string // business glossary YAML (default configs/glossary.yaml)

	LLM LLMConfig

	// Result cache
	RedisURL  string        // shared cache; empty keeps results in process memory
	CacheTTL  time.Duration // default 5m
	CacheSize int           // in-process entries (default 256)

	// Metrics persistence
	MetricsDBPath          string        // SQLite file for metric events; empty disables persistence
	MetricsRetention       time.Duration // default 168h
	MetricsJanitorSchedule string        // cron spec (default @hourly)

	// Audit fan-out to Pub/Sub (optional)
	PubSubProject string
	PubSubTopic   string

	// JWTSecret enables HS256 bearer authentication; empty trusts the
	// X-Caller-ID / X-Caller-Role headers from the proxy.
	JWTSecret string

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second per caller (default 10)
	RateLimitBurst int     // burst capacity (default 20)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Tracing
	OTLPEndpoint     string  // OTLP/HTTP collector; empty keeps spans in process
	OTLPInsecure     bool    // plain HTTP to the collector
	TraceSampleRatio float64 // parent-based sampling ratio (default 1)

	ShutdownTimeout time.Duration // graceful shutdown deadline (default 15s)

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasPubSub returns true when audit events should be published.
func (c *Config) HasPubSub() bool {
	return c.PubSubProject != "" && c.PubSubTopic != ""
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
		AllowInsecureHTTP: parseBoolEnvDefault("ALLOW_INSECURE_HTTP", false),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		Env:               os.Getenv("ENV"),
		DBDriver:          strings.ToLower(os.Getenv("DB_DRIVER")),
		DBDSN:             os.Getenv("DB_DSN"),
		PolicyPath:        os.Getenv("POLICY_PATH"),
		GlossaryPath:      os.Getenv("GLOSSARY_PATH"),
		LLM: LLMConfig{
			Provider:          strings.ToLower(os.Getenv("LLM_PROVIDER")),
			GoldenQueriesPath: os.Getenv("GOLDEN_QUERIES_PATH"),
			OllamaURL:         os.Getenv("OLLAMA_URL"),
			OllamaModel:       os.Getenv("OLLAMA_MODEL"),
			GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
			GeminiModel:       os.Getenv("GEMINI_MODEL"),
		},
		RedisURL:               os.Getenv("REDIS_URL"),
		MetricsDBPath:          os.Getenv("METRICS_DB_PATH"),
		MetricsJanitorSchedule: os.Getenv("METRICS_JANITOR_SCHEDULE"),
		PubSubProject:          os.Getenv("PUBSUB_PROJECT"),
		PubSubTopic:            os.Getenv("PUBSUB_TOPIC"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:           parseBoolEnvDefault("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:       1,
	}

	cfg.DBMaxConns = cfg.envInt("DB_MAX_CONNS")
	cfg.CacheSize = cfg.envInt("CACHE_SIZE")
	cfg.RateLimitBurst = cfg.envInt("RATE_LIMIT_BURST")
	cfg.CacheTTL = cfg.envDuration("CACHE_TTL")
	cfg.MetricsRetention = cfg.envDuration("METRICS_RETENTION")
	cfg.ShutdownTimeout = cfg.envDuration("SHUTDOWN_TIMEOUT")
	cfg.LLM.Timeout = cfg.envDuration("LLM_TIMEOUT")
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("RATE_LIMIT_RPS=%q is not a number, using default", v))
		}
	}

	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.TraceSampleRatio = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("OTEL_TRACES_SAMPLER_ARG=%q is not a ratio in [0, 1], using 1", v))
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "duckdb"
	}
	if cfg.DBMaxConns <= 0 {
		cfg.DBMaxConns = 8
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = "configs/policy.yaml"
	}
	if cfg.GlossaryPath == "" {
		cfg.GlossaryPath = "configs/glossary.yaml"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderGolden
	}
	if cfg.LLM.GoldenQueriesPath == "" {
		cfg.LLM.GoldenQueriesPath = "configs/golden_queries.yaml"
	}
	if cfg.LLM.OllamaURL == "" {
		cfg.LLM.OllamaURL = "http://localhost:11434"
	}
	if cfg.LLM.OllamaModel == "" {
		cfg.LLM.OllamaModel = "llama3.1:8b"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-1.5-flash"
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.MetricsRetention <= 0 {
		cfg.MetricsRetention = 7 * 24 * time.Hour
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	switch cfg.DBDriver {
	case "duckdb", "pgx":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be duckdb or pgx, got %q", cfg.DBDriver)
	}
	switch cfg.LLM.Provider {
	case ProviderGolden:
		cfg.Warnings = append(cfg.Warnings, "LLM_PROVIDER=golden: answering only the canned golden queries")
	case ProviderOllama:
	case ProviderGemini:
		if cfg.LLM.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return nil, fmt.Errorf("LLM_PROVIDER must be golden, ollama or gemini, got %q", cfg.LLM.Provider)
	}
	if (cfg.PubSubProject == "") != (cfg.PubSubTopic == "") {
		cfg.Warnings = append(cfg.Warnings, "PUBSUB_PROJECT and PUBSUB_TOPIC must both be set: audit publishing disabled")
	}
	if cfg.DBDSN == "" && cfg.DBDriver == "duckdb" {
		cfg.Warnings = append(cfg.Warnings, "DB_DSN not set: using an in-memory DuckDB seeded with demo data")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN must be set in production (ENV=production)")
		}
		if cfg.LLM.Provider == ProviderGolden {
			return nil, fmt.Errorf("LLM_PROVIDER=golden is a demo mode and not allowed in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
			return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes in production (ENV=production)")
		}
		if cfg.TLSCertFile == "" && !cfg.AllowInsecureHTTP {
			return nil, fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
	}

	return cfg, nil
}

func (c *Config) envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not an integer, using default", key, v))
		return 0
	}
	return n
}

func (c *Config) envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a duration, using default", key, v))
		return 0
	}
	return d
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// env vars take precedence
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
