// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, token
// encryption, CRM OAuth, the extraction backend, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// CryptoConfig holds the key material for CRM token encryption at rest.
type CryptoConfig struct {
	Secret string // CRYPTO_SECRET, required when CRM is configured
	Salt   string // CRYPTO_SALT
}

// CRMConfig holds the OAuth2 client and REST settings for the CRM
// integration. ClientID empty means the integration is disabled.
type CRMConfig struct {
	ClientID     string        // CRM_CLIENT_ID
	ClientSecret string        // CRM_CLIENT_SECRET
	AuthURL      string        // CRM_AUTH_URL
	TokenURL     string        // CRM_TOKEN_URL
	RedirectURL  string        // CRM_REDIRECT_URL
	APIVersion   string        // CRM_API_VERSION (e.g. "v59.0")
	Timeout      time.Duration // CRM_TIMEOUT per REST call
}

// LLMConfig holds the extraction backend settings. APIKey empty disables
// background extraction.
type LLMConfig struct {
	BaseURL      string        // LLM_BASE_URL (OpenAI-compatible endpoint)
	APIKey       string        // LLM_API_KEY
	Model        string        // LLM_MODEL
	Timeout      time.Duration // LLM_TIMEOUT per extraction call
	ExtractEvery int           // LLM_EXTRACT_EVERY visitor messages per pass
}

// EmailConfig holds the transactional email provider settings.
type EmailConfig struct {
	APIURL string // EMAIL_API_URL
	APIKey string // EMAIL_API_KEY
	From   string // EMAIL_FROM
}

// OutboxConfig tunes the background job worker.
type OutboxConfig struct {
	Interval    time.Duration // OUTBOX_INTERVAL between polls
	BatchSize   int           // OUTBOX_BATCH jobs claimed per poll
	MaxAttempts int           // OUTBOX_MAX_ATTEMPTS before terminal failure
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath          string // SQLite path
	MaxMessageRunes int    // message body cap

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Domain integrations
	Crypto CryptoConfig
	CRM    CRMConfig
	LLM    LLMConfig
	Email  EmailConfig
	Outbox OutboxConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    stripLogLevel(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "app.db"),
		MaxMessageRunes: getint("MAX_MESSAGE_RUNES", 4000),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Token encryption
		Crypto: CryptoConfig{
			Secret: getenv("CRYPTO_SECRET", ""),
			Salt:   getenv("CRYPTO_SALT", "chat-backend-crm-tokens"),
		},

		// CRM OAuth + REST
		CRM: CRMConfig{
			ClientID:     getenv("CRM_CLIENT_ID", ""),
			ClientSecret: getenv("CRM_CLIENT_SECRET", ""),
			AuthURL:      getenv("CRM_AUTH_URL", "https://login.salesforce.com/services/oauth2/authorize"),
			TokenURL:     getenv("CRM_TOKEN_URL", "https://login.salesforce.com/services/oauth2/token"),
			RedirectURL:  getenv("CRM_REDIRECT_URL", ""),
			APIVersion:   getenv("CRM_API_VERSION", "v59.0"),
			Timeout:      getdur("CRM_TIMEOUT", 15*time.Second),
		},

		// Extraction backend
		LLM: LLMConfig{
			BaseURL:      getenv("LLM_BASE_URL", ""),
			APIKey:       getenv("LLM_API_KEY", ""),
			Model:        getenv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:      getdur("LLM_TIMEOUT", 30*time.Second),
			ExtractEvery: getint("LLM_EXTRACT_EVERY", 3),
		},

		// Email notifications
		Email: EmailConfig{
			APIURL: getenv("EMAIL_API_URL", ""),
			APIKey: getenv("EMAIL_API_KEY", ""),
			From:   getenv("EMAIL_FROM", "notifications@chat-backend.local"),
		},

		// Background jobs
		Outbox: OutboxConfig{
			Interval:    getdur("OUTBOX_INTERVAL", 2*time.Second),
			BatchSize:   getint("OUTBOX_BATCH", 25),
			MaxAttempts: getint("OUTBOX_MAX_ATTEMPTS", 5),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxMessageRunes < 1 {
		return cfg, errors.New("MAX_MESSAGE_RUNES must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.CRM.ClientID != "" {
		if cfg.Crypto.Secret == "" {
			return cfg, errors.New("CRYPTO_SECRET is required when CRM_CLIENT_ID is set")
		}
		if cfg.CRM.RedirectURL == "" {
			return cfg, errors.New("CRM_REDIRECT_URL is required when CRM_CLIENT_ID is set")
		}
	}
	if cfg.LLM.ExtractEvery < 0 {
		return cfg, errors.New("LLM_EXTRACT_EVERY must be >= 0")
	}
	if cfg.Outbox.Interval <= 0 {
		return cfg, errors.New("OUTBOX_INTERVAL must be > 0")
	}
	if cfg.Outbox.BatchSize < 1 {
		return cfg, errors.New("OUTBOX_BATCH must be >= 1")
	}
	if cfg.Outbox.MaxAttempts < 1 {
		return cfg, errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func stripLogLevel(v string) string {
	v = strings.ToLower(v)
	if v == "warning" {
		return "warn"
	}
	return v
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
