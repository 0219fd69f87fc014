package codex

import (
	"fmt"
	"time"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

// DefaultConfig returns the codex backend defaults.
func DefaultConfig() cli.BackendConfig {
	return cli.BackendConfig{
		Enabled:           true,
		Binary:            "codex",
		Models:            []string{"gpt-5-codex", "gpt-5"},
		Permission:        "chat",
		CallTimeout:       10 * time.Minute,
		StreamReadTimeout: 3 * time.Minute,
	}
}

// NewProvider creates the codex provider.
func NewProvider(
	cfg cli.BackendConfig,
	runner process.Runner,
	normalizer *content.Normalizer,
	sandboxRoot string,
) (*cli.Provider, error) {
	engineCfg, err := cfg.ToConfig(sandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid codex configuration: %w", err)
	}
	return cli.NewProvider(NewDialect(), runner, normalizer, engineCfg), nil
}
