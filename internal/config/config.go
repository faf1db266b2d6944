package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
)

// Backends accepted by STORE_BACKEND and STATE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	StoreBackend  string
	StateBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OAuthProvider     string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	OAuthScopes       []string
	OAuthStateTTL     time.Duration
	StateRetention    time.Duration

	EncryptionKey        string
	RefreshFraction      float64
	RefreshMinThreshold  time.Duration
	RefreshMaxThreshold  time.Duration
	MaxRefreshFailures   int
	TokenRetention       time.Duration
	LockTimeout          time.Duration
	LockPollInterval     time.Duration
	LockPollAttempts     int
	TokenEndpointTimeout time.Duration
	BootstrapTokens      string

	UpstreamBaseURL      string
	UpstreamTimeout      time.Duration
	ProxyAllowedPaths    []string
	ProxyRateLimit       int
	ProxyRateWindow      time.Duration
	ProxyMaxRetries      int
	ProxyRetryInitial    time.Duration
	ProxyCacheTTLs       map[string]time.Duration
	ProxyDefaultCacheTTL time.Duration
	CacheSweepInterval   time.Duration

	CleanupInterval time.Duration

	RateLimitRPM         int
	AdminAPIKeyHash      string
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// DefaultAllowedPaths are the Tiny ERP v3 resources the application uses.
var DefaultAllowedPaths = []string{"/produtos", "/estoque", "/pedidos", "/contatos", "/categorias", "/info"}

// DefaultCacheTTLs are per-endpoint TTLs for cached upstream reads.
var DefaultCacheTTLs = map[string]time.Duration{
	"/produtos":   5 * time.Minute,
	"/estoque":    time.Minute,
	"/contatos":   5 * time.Minute,
	"/categorias": time.Hour,
}

// Load reads configuration from environment variables with sane defaults and
// validates the secrets the process cannot run without.
func Load() (Config, error) {
	_ = godotenv.Load()

	cacheTTLs, err := getDurationMap("PROXY_CACHE_TTLS", DefaultCacheTTLs)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:   getEnv("APP_ENV", "development"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		ServiceName:   getEnv("SERVICE_NAME", "erp-gateway"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		StateBackend:  strings.ToLower(getEnv("STATE_BACKEND", "")),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		OAuthProvider:     strings.ToLower(getEnv("OAUTH_PROVIDER", "tiny")),
		OAuthAuthURL:      getEnv("OAUTH_AUTH_URL", "https://erp.tiny.com.br/auth/authorize"),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://erp.tiny.com.br/auth/token"),
		OAuthClientID:     strings.TrimSpace(os.Getenv("OAUTH_CLIENT_ID")),
		OAuthClientSecret: strings.TrimSpace(os.Getenv("OAUTH_CLIENT_SECRET")),
		OAuthRedirectURI:  strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_URI")),
		OAuthScopes:       getList("OAUTH_SCOPES", []string{"openid"}),
		OAuthStateTTL:     getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		StateRetention:    getDuration("OAUTH_STATE_RETENTION", time.Hour),

		EncryptionKey:        os.Getenv("TOKEN_ENCRYPTION_KEY"),
		RefreshFraction:      getFloat("TOKEN_REFRESH_FRACTION", 0.10),
		RefreshMinThreshold:  getDuration("TOKEN_REFRESH_MIN", time.Minute),
		RefreshMaxThreshold:  getDuration("TOKEN_REFRESH_MAX", 30*time.Minute),
		MaxRefreshFailures:   getInt("TOKEN_MAX_REFRESH_FAILURES", 3),
		TokenRetention:       getDuration("TOKEN_RETENTION", 30*24*time.Hour),
		LockTimeout:          getDuration("LOCK_TIMEOUT", 3*time.Second),
		LockPollInterval:     getDuration("LOCK_POLL_INTERVAL", 300*time.Millisecond),
		LockPollAttempts:     getInt("LOCK_POLL_ATTEMPTS", 10),
		TokenEndpointTimeout: getDuration("TOKEN_ENDPOINT_TIMEOUT", 10*time.Second),
		BootstrapTokens:      strings.TrimSpace(os.Getenv("TINY_OAUTH_TOKENS")),

		UpstreamBaseURL:      strings.TrimRight(getEnv("UPSTREAM_BASE_URL", "https://erp.tiny.com.br/public-api/v3"), "/"),
		UpstreamTimeout:      getDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		ProxyAllowedPaths:    getList("PROXY_ALLOWED_PATHS", DefaultAllowedPaths),
		ProxyRateLimit:       getInt("PROXY_RATE_LIMIT", 30),
		ProxyRateWindow:      getDuration("PROXY_RATE_WINDOW", time.Minute),
		ProxyMaxRetries:      getInt("PROXY_MAX_RETRIES", 3),
		ProxyRetryInitial:    getDuration("PROXY_RETRY_INITIAL", 200*time.Millisecond),
		ProxyCacheTTLs:       cacheTTLs,
		ProxyDefaultCacheTTL: getDuration("PROXY_DEFAULT_CACHE_TTL", time.Minute),
		CacheSweepInterval:   getDuration("CACHE_SWEEP_INTERVAL", time.Minute),

		CleanupInterval: getDuration("CLEANUP_INTERVAL", time.Hour),

		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		AdminAPIKeyHash:      strings.TrimSpace(os.Getenv("ADMIN_API_KEY_HASH")),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Caller-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = cfg.StoreBackend
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values. The encryption key is decoded here so a
// missing or wrong-length key stops the process at startup.
func (c Config) Validate() error {
	if _, err := encryption.NewFromBase64(c.EncryptionKey); err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY: %w", err)
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if c.OAuthClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET is required")
	}
	if c.OAuthRedirectURI == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URI is required")
	}
	if c.OAuthProvider == "" {
		return fmt.Errorf("OAUTH_PROVIDER is required")
	}
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or memory")
	}
	switch c.StateBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("STATE_BACKEND must be postgres, redis or memory")
	}
	if (c.StoreBackend == BackendPostgres || c.StateBackend == BackendPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RefreshFraction <= 0 || c.RefreshFraction >= 1 {
		return fmt.Errorf("TOKEN_REFRESH_FRACTION must be between 0 and 1")
	}
	if c.MaxRefreshFailures < 1 {
		return fmt.Errorf("TOKEN_MAX_REFRESH_FAILURES must be positive")
	}
	if len(c.ProxyAllowedPaths) == 0 {
		return fmt.Errorf("PROXY_ALLOWED_PATHS must not be empty")
	}
	return nil
}

// ProviderConfig returns the client registration for the configured provider.
func (c Config) ProviderConfig() domainoauth.ProviderConfig {
	return domainoauth.ProviderConfig{
		Name:         c.OAuthProvider,
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		AuthURL:      c.OAuthAuthURL,
		TokenURL:     c.OAuthTokenURL,
		RedirectURI:  c.OAuthRedirectURI,
		Scopes:       append([]string(nil), c.OAuthScopes...),
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

// getDurationMap parses "prefix=duration" pairs such as "/produtos=5m,/estoque=1m".
func getDurationMap(key string, def map[string]time.Duration) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(def))
	for k, v := range def {
		out[k] = v
	}
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return out, nil
	}
	out = make(map[string]time.Duration)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%s: expected prefix=duration, got %q", key, pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", key, name, err)
		}
		out[strings.TrimSpace(name)] = d
	}
	return out, nil
}
