// Package config assembles runtime settings from a .env file, an optional
// YAML file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	ERP      ERPConfig      `yaml:"erp"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	AI       AIConfig       `yaml:"ai"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ERPConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// SourceDir switches the source to JSON files in a local directory.
	SourceDir         string        `yaml:"source_dir"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
}

type SyncConfig struct {
	Enabled             bool          `yaml:"enabled"`
	IntervalSeconds     int           `yaml:"interval_seconds"`
	MaxChangedPerCycle  int           `yaml:"max_changed_per_cycle"`
	FetchConcurrency    int           `yaml:"fetch_concurrency"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
	HoldCursorOnFailure bool          `yaml:"hold_cursor_on_failure"`
}

// Interval may be non-positive; the scheduler substitutes its default.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type CacheConfig struct {
	DashboardTTLSeconds int `yaml:"dashboard_ttl_seconds"`
}

func (c CacheConfig) DashboardTTL() time.Duration {
	return time.Duration(c.DashboardTTLSeconds) * time.Second
}

type AIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Provider      string        `yaml:"provider"`
	Timeout       time.Duration `yaml:"timeout"`
	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIModel   string        `yaml:"openai_model"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
}

// EnrichmentEnabled reports whether a real enrichment provider is configured.
func (a AIConfig) EnrichmentEnabled() bool {
	return a.Enabled && normalizeProvider(a.Provider) == ProviderOpenAI
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{URL: "sqlite:///./invoicesync.db"},
		ERP: ERPConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 10,
			MaxRetries:        3,
		},
		Sync: SyncConfig{
			Enabled:            true,
			IntervalSeconds:    5,
			MaxChangedPerCycle: 50,
			FetchConcurrency:   4,
			CycleTimeout:       2 * time.Minute,
		},
		Cache: CacheConfig{DashboardTTLSeconds: 15},
		AI: AIConfig{
			Provider:    ProviderNone,
			Timeout:     15 * time.Second,
			OpenAIModel: "gpt-4o-mini",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env (if present), then the YAML file named by
// INVOICESYNC_CONFIG (if set), then environment overrides, and validates
// the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("INVOICESYNC_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = envOrDefault("INVOICESYNC_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.JWTSecret = envOrDefault("JWT_SECRET", cfg.HTTP.JWTSecret)
	cfg.HTTP.RateLimitMax = intEnv("RATE_LIMIT_MAX", cfg.HTTP.RateLimitMax)
	cfg.HTTP.RateLimitWindow = durationEnv("RATE_LIMIT_WINDOW", cfg.HTTP.RateLimitWindow)

	cfg.Database.URL = envOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.ERP.BaseURL = envOrDefault("ERPNEXT_BASE_URL", cfg.ERP.BaseURL)
	cfg.ERP.APIKey = envOrDefault("ERPNEXT_API_KEY", cfg.ERP.APIKey)
	cfg.ERP.APISecret = envOrDefault("ERPNEXT_API_SECRET", cfg.ERP.APISecret)
	cfg.ERP.SourceDir = envOrDefault("ERP_SOURCE_DIR", cfg.ERP.SourceDir)
	cfg.ERP.Timeout = durationEnv("ERP_TIMEOUT", cfg.ERP.Timeout)
	cfg.ERP.RequestsPerSecond = floatEnv("ERP_REQUESTS_PER_SECOND", cfg.ERP.RequestsPerSecond)
	cfg.ERP.MaxRetries = intEnv("ERP_MAX_RETRIES", cfg.ERP.MaxRetries)

	cfg.Sync.Enabled = boolEnv("SYNC_ENABLED", cfg.Sync.Enabled)
	cfg.Sync.IntervalSeconds = intEnv("SYNC_INTERVAL_SECONDS", cfg.Sync.IntervalSeconds)
	cfg.Sync.MaxChangedPerCycle = intEnv("SYNC_MAX_CHANGED_PER_CYCLE", cfg.Sync.MaxChangedPerCycle)
	cfg.Sync.FetchConcurrency = intEnv("SYNC_FETCH_CONCURRENCY", cfg.Sync.FetchConcurrency)
	cfg.Sync.CycleTimeout = durationEnv("SYNC_CYCLE_TIMEOUT", cfg.Sync.CycleTimeout)
	cfg.Sync.HoldCursorOnFailure = boolEnv("SYNC_HOLD_CURSOR_ON_FAILURE", cfg.Sync.HoldCursorOnFailure)

	cfg.Cache.DashboardTTLSeconds = intEnv("DASHBOARD_TTL_SECONDS", cfg.Cache.DashboardTTLSeconds)

	cfg.AI.Enabled = boolEnv("AI_ENABLED", cfg.AI.Enabled)
	cfg.AI.Provider = envOrDefault("AI_PROVIDER", cfg.AI.Provider)
	cfg.AI.Timeout = durationEnv("AI_TIMEOUT", cfg.AI.Timeout)
	cfg.AI.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.AI.OpenAIAPIKey)
	cfg.AI.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.AI.OpenAIModel)
	cfg.AI.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.AI.OpenAIBaseURL)

	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("LOG_FORMAT", cfg.Log.Format)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.HTTP.RateLimitMax < 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must not be negative, got %d", c.HTTP.RateLimitMax)
	}
	if !c.AI.Enabled {
		return nil
	}
	switch normalizeProvider(c.AI.Provider) {
	case ProviderNone:
		return nil
	case ProviderOpenAI:
		if strings.TrimSpace(c.AI.OpenAIAPIKey) == "" {
			return errors.New("OPENAI_API_KEY is required when AI_ENABLED=true and AI_PROVIDER=openai")
		}
		return nil
	default:
		return fmt.Errorf("unsupported AI_PROVIDER: %s", c.AI.Provider)
	}
}

func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return ProviderNone
	}
	return provider
}

// NewLogger builds the process logger. Unknown levels fall back to info
// and unknown formats to text.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn(fmt.Sprintf("invalid %s=%q, using fallback %g", name, raw, fallback))
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("invalid %s=%q, using fallback %t", name, raw, fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}
