// Package config loads process configuration from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr      string `env:"ADDR"`
	DebugMode bool   `env:"DEBUG_MODE"`

	DBDriver    string `env:"DB_DRIVER"` // sqlite3|postgres
	DBDSN       string `env:"DB_DSN"`
	CatalogPath string `env:"CATALOG_PATH"` // empty uses the built-in catalog

	LLM LLMConfig

	Render  RenderConfig
	Listing ListingConfig

	Workers           int           `env:"WORKERS"`
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL"`
	JobLease          time.Duration `env:"JOB_LEASE"`
	ReplyGracePeriod  time.Duration `env:"REPLY_GRACE_PERIOD"`
	MaxInputChars     int           `env:"MAX_INPUT_CHARS"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME"`
}

// LLMConfig selects and configures the extraction provider.
type LLMConfig struct {
	Provider            string        `env:"LLM_PROVIDER"` // openai|anthropic|rules
	BaseURL             string        `env:"LLM_BASE_URL"`
	OpenAIKey           string        `env:"OPENAI_API_KEY"`
	Model               string        `env:"LLM_MODEL"`
	AnthropicKey        string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel      string        `env:"ANTHROPIC_MODEL"`
	ConfidenceThreshold float64       `env:"EXTRACTION_CONFIDENCE_THRESHOLD"`
	Timeout             time.Duration `env:"EXTRACTION_TIMEOUT"`
	HistoryTokenBudget  int           `env:"HISTORY_TOKEN_BUDGET"`
}

type RenderConfig struct {
	BannerbearKey  string        `env:"BANNERBEAR_API_KEY"`
	BannerbearURL  string        `env:"BANNERBEAR_URL"`
	RatePerSecond  float64       `env:"RENDER_RATE_PER_SECOND"`
	Burst          int           `env:"RENDER_BURST"`
	MaxAttempts    int           `env:"RENDER_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `env:"RENDER_INITIAL_BACKOFF"`
	PollInterval   time.Duration `env:"RENDER_POLL_INTERVAL"`
	Timeout        time.Duration `env:"RENDER_TIMEOUT"`
	FreeImageKey   string        `env:"FREEIMAGE_API_KEY"` // empty keeps provider URLs
}

// ListingConfig enables MLS listing enrichment when Endpoint is set.
type ListingConfig struct {
	Endpoint   string `env:"REALTY_API_ENDPOINT"`
	TenantCode string `env:"REALTY_TENANT_CODE"`
	RegionID   int    `env:"MLS_REGION_ID"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Addr:     ":8100",
		DBDriver: "sqlite3",
		DBDSN:    "designer.db",
		LLM: LLMConfig{
			Provider:            "openai",
			BaseURL:             "http://localhost:11434/v1/",
			Model:               "llama3.1:8b",
			AnthropicModel:      "claude-3-5-haiku-latest",
			ConfidenceThreshold: 0.5,
			Timeout:             30 * time.Second,
			HistoryTokenBudget:  1500,
		},
		Render: RenderConfig{
			BannerbearURL:  "https://api.bannerbear.com/v2",
			RatePerSecond:  2,
			Burst:          4,
			MaxAttempts:    4,
			InitialBackoff: 2 * time.Second,
			PollInterval:   2 * time.Second,
			Timeout:        60 * time.Second,
		},
		Listing: ListingConfig{
			TenantCode: "ROA",
		},
		Workers:           4,
		QueuePollInterval: 2 * time.Second,
		JobLease:          5 * time.Minute,
		ReplyGracePeriod:  3 * time.Second,
		MaxInputChars:     2000,
		ServiceName:       "listing-designer",
	}
}

// Load reads .env if present, then overlays the environment on Defaults.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load without validation.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}

	switch c.LLM.Provider {
	case "openai", "rules":
	case "anthropic":
		if c.LLM.AnthropicKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai, anthropic or rules, got %q", c.LLM.Provider))
	}
	if c.LLM.ConfidenceThreshold < 0 || c.LLM.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("EXTRACTION_CONFIDENCE_THRESHOLD must be between 0 and 1"))
	}

	if c.Render.BannerbearKey == "" {
		errs = append(errs, errors.New("BANNERBEAR_API_KEY is required"))
	}
	if c.Render.RatePerSecond <= 0 {
		errs = append(errs, errors.New("RENDER_RATE_PER_SECOND must be positive"))
	}
	if c.Render.MaxAttempts < 1 {
		errs = append(errs, errors.New("RENDER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Listing.Endpoint != "" && c.Listing.RegionID == 0 {
		errs = append(errs, errors.New("MLS_REGION_ID is required when REALTY_API_ENDPOINT is set"))
	}

	for name, d := range map[string]time.Duration{
		"EXTRACTION_TIMEOUT":     c.LLM.Timeout,
		"RENDER_INITIAL_BACKOFF": c.Render.InitialBackoff,
		"RENDER_POLL_INTERVAL":   c.Render.PollInterval,
		"RENDER_TIMEOUT":         c.Render.Timeout,
		"QUEUE_POLL_INTERVAL":    c.QueuePollInterval,
		"JOB_LEASE":              c.JobLease,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.JobLease > 0 && c.JobLease <= c.Render.PollInterval {
		errs = append(errs, errors.New("JOB_LEASE must be longer than RENDER_POLL_INTERVAL"))
	}
	if c.ReplyGracePeriod < 0 {
		errs = append(errs, errors.New("REPLY_GRACE_PERIOD must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be at least 1"))
	}
	if c.MaxInputChars < 1 {
		errs = append(errs, errors.New("MAX_INPUT_CHARS must be at least 1"))
	}
	return errors.Join(errs...)
}
