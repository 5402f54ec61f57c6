// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"report-export/internal/storage"
)

const (
	devJWTSecret   = "dev-secret-change-in-production"
	devSigningKey  = "dev-download-key-change-in-production"
	defaultDBPath  = "report_export.sqlite"
	defaultBaseURL = "http://localhost:8080"
)

// AuthConfig holds authentication and identity provider configuration.
type AuthConfig struct {
	IssuerURL string // OIDC issuer URL; enables OIDC bearer tokens
	Audience  string // required audience (OIDC client id)
	JWTSecret string // HS256 shared secret for local/dev tokens
	// OwnerClaim is the token claim used as the export owner id.
	OwnerClaim string
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != ""
}

// Config holds the configuration for the export server.
type Config struct {
	MetaDBPath      string // SQLite file holding jobs and the export queue
	AnalyticsDriver string // sqlite3 or duckdb
	AnalyticsDSN    string // reporting database; defaults to MetaDBPath
	ListenAddr      string
	PublicBaseURL   string // prefix of signed download links
	LogLevel        string
	Env             string

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	Auth AuthConfig

	DownloadSigningKey string
	Artifacts          storage.Config
	NotifyWebhookURL   string

	// SeedDemo loads demo reporting data into an empty analytics database.
	SeedDemo bool

	Pipeline PipelineConfig

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

// LoadFromEnv loads configuration from environment variables. Pipeline
// tunables start from their defaults, are overlaid by EXPORT_CONFIG_FILE
// when set, and finally by EXPORT_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:         os.Getenv("META_DB_PATH"),
		AnalyticsDriver:    os.Getenv("ANALYTICS_DRIVER"),
		AnalyticsDSN:       os.Getenv("ANALYTICS_DSN"),
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		Env:                os.Getenv("ENV"),
		DownloadSigningKey: os.Getenv("DOWNLOAD_SIGNING_KEY"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		SeedDemo:           parseBoolEnvDefault("SEED_DEMO", false),
		Auth: AuthConfig{
			IssuerURL:  os.Getenv("AUTH_ISSUER_URL"),
			Audience:   os.Getenv("AUTH_AUDIENCE"),
			JWTSecret:  os.Getenv("JWT_SECRET"),
			OwnerClaim: os.Getenv("AUTH_OWNER_CLAIM"),
		},
		Artifacts: storage.Config{
			Backend:          os.Getenv("ARTIFACT_BACKEND"),
			LocalDir:         os.Getenv("ARTIFACT_DIR"),
			S3Endpoint:       os.Getenv("S3_ENDPOINT"),
			S3Region:         os.Getenv("S3_REGION"),
			S3KeyID:          os.Getenv("S3_KEY_ID"),
			S3Secret:         os.Getenv("S3_SECRET"),
			S3Bucket:         os.Getenv("S3_BUCKET"),
			GCSBucket:        os.Getenv("GCS_BUCKET"),
			GCSKeyFile:       os.Getenv("GCS_KEY_FILE"),
			AzureAccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
			AzureAccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
			AzureContainer:   os.Getenv("AZURE_CONTAINER"),
		},
		Pipeline: DefaultPipeline(),
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
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

	// Pipeline
	if path := os.Getenv("EXPORT_CONFIG_FILE"); path != "" {
		if err := LoadPipelineFile(path, &cfg.Pipeline); err != nil {
			return nil, err
		}
	}
	if err := applyPipelineEnv(&cfg.Pipeline); err != nil {
		return nil, err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = defaultDBPath
	}
	if cfg.AnalyticsDriver == "" {
		cfg.AnalyticsDriver = "sqlite3"
	}
	if cfg.AnalyticsDriver != "sqlite3" && cfg.AnalyticsDriver != "duckdb" {
		return nil, fmt.Errorf("ANALYTICS_DRIVER must be sqlite3 or duckdb, got %q", cfg.AnalyticsDriver)
	}
	if cfg.AnalyticsDSN == "" {
		if cfg.AnalyticsDriver == "duckdb" {
			return nil, fmt.Errorf("ANALYTICS_DSN is required when ANALYTICS_DRIVER=duckdb")
		}
		cfg.AnalyticsDSN = cfg.MetaDBPath
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaultBaseURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 40
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.LocalDir == "" {
		cfg.Artifacts.LocalDir = "artifacts"
	}
	if cfg.Auth.OwnerClaim == "" {
		cfg.Auth.OwnerClaim = "sub"
	}
	if cfg.Auth.OIDCEnabled() && cfg.Auth.Audience == "" {
		return nil, fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = devJWTSecret
		if !cfg.Auth.OIDCEnabled() {
			cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set, using insecure default. Set JWT_SECRET or AUTH_ISSUER_URL in production!")
		}
	}
	if cfg.DownloadSigningKey == "" {
		cfg.DownloadSigningKey = devSigningKey
		if cfg.Artifacts.Backend == "local" {
			cfg.Warnings = append(cfg.Warnings, "DOWNLOAD_SIGNING_KEY not set, using insecure default")
		}
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Auth.OIDCEnabled() && cfg.Auth.JWTSecret == devJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET or AUTH_ISSUER_URL must be set in production (ENV=production)")
		}
		if cfg.DownloadSigningKey == devSigningKey {
			return nil, fmt.Errorf("DOWNLOAD_SIGNING_KEY must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func parseBoolEnvDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
			return nil // .env not found is not an error
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
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
