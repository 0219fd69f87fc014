package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/clibridge/internal/cache"
	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/httpserver"
	"github.com/davidbz/clibridge/internal/httpserver/middleware"
	"github.com/davidbz/clibridge/internal/metrics"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/claude"
	"github.com/davidbz/clibridge/internal/provider/cli"
	"github.com/davidbz/clibridge/internal/provider/codex"
	"github.com/davidbz/clibridge/internal/provider/gemini"
	"github.com/davidbz/clibridge/internal/provider/openai"
	"github.com/davidbz/clibridge/internal/provider/registry"
	"github.com/davidbz/clibridge/internal/queue"
	"github.com/davidbz/clibridge/internal/session"
)

// Config represents the gateway configuration.
type Config struct {
	Server   httpserver.Config
	CORS     middleware.CORSConfig
	Auth     middleware.AuthConfig
	Log      observability.LogConfig
	Queue    queue.Config
	Session  session.Config
	Cache    cache.Config
	Summary  SummaryConfig
	Retry    RetryConfig
	Registry registry.Config
	Sandbox  process.LauncherConfig
	Content  content.Config
	Metrics  metrics.Config
	OpenAI   openai.Config

	Claude cli.BackendConfig `envPrefix:"CLAUDE_"`
	Codex  cli.BackendConfig `envPrefix:"CODEX_"`
	Gemini cli.BackendConfig `envPrefix:"GEMINI_"`

	GeminiThinkingModel string `env:"GEMINI_THINKING_MODEL" envDefault:"gemini-2.5-pro"`
	EchoEnabled         bool   `env:"ECHO_ENABLED"          envDefault:"false"`
}

// SummaryConfig controls rolling summaries for backends without native sessions.
type SummaryConfig struct {
	Enabled    bool   `env:"SUMMARY_ENABLED"     envDefault:"true"`
	Threshold  int    `env:"SUMMARY_THRESHOLD"   envDefault:"20"`
	KeepRecent int    `env:"SUMMARY_KEEP_RECENT" envDefault:"6"`
	Model      string `env:"SUMMARY_MODEL"`
}

// RetryConfig bounds retries of transient backend failures.
type RetryConfig struct {
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"1s"`
	MaxDelay    time.Duration `env:"RETRY_MAX_DELAY"    envDefault:"10s"`
	Patterns    []string      `env:"RETRY_PATTERNS"     envSeparator:","`
}

// Policy converts the configuration to a domain.RetryPolicy. Without configured
// patterns the defaults apply.
func (r RetryConfig) Policy() domain.RetryPolicy {
	patterns := r.Patterns
	if len(patterns) == 0 {
		patterns = domain.DefaultRetryPatterns
	}
	return domain.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Patterns:    patterns,
	}
}

// GatewayOptions builds the orchestrator options.
func (c *Config) GatewayOptions() domain.GatewayOptions {
	return domain.GatewayOptions{
		SummaryEnabled:    c.Summary.Enabled,
		SummaryThreshold:  c.Summary.Threshold,
		SummaryKeepRecent: c.Summary.KeepRecent,
		SummaryModel:      c.Summary.Model,
		Retry:             c.Retry.Policy(),
	}
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server   *httpserver.Config
	CORS     *middleware.CORSConfig
	Auth     *middleware.AuthConfig
	Log      *observability.LogConfig
	Queue    *queue.Config
	Session  *session.Config
	Cache    *cache.Config
	Registry *registry.Config
	Sandbox  *process.LauncherConfig
	Content  *content.Config
	Metrics  *metrics.Config
	OpenAI   *openai.Config
}

// Parse loads environment files and parses configuration. The default .env file is
// optional; explicitly named files must exist.
func Parse(files ...string) (*Config, error) {
	_ = godotenv.Load(".env")
	for _, file := range files {
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	// Backend defaults are filled in first; env only overrides variables that are set.
	cfg := Config{
		Claude: claude.DefaultConfig(),
		Codex:  codex.DefaultConfig(),
		Gemini: gemini.DefaultConfig(),
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &cfg, nil
}

// Load is Parse for callers that cannot continue without configuration.
func Load(files ...string) *Config {
	cfg, err := Parse(files...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:   &cfg.Server,
		CORS:     &cfg.CORS,
		Auth:     &cfg.Auth,
		Log:      &cfg.Log,
		Queue:    &cfg.Queue,
		Session:  &cfg.Session,
		Cache:    &cfg.Cache,
		Registry: &cfg.Registry,
		Sandbox:  &cfg.Sandbox,
		Content:  &cfg.Content,
		Metrics:  &cfg.Metrics,
		OpenAI:   &cfg.OpenAI,
	}
}
