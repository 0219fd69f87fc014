package claude

import (
	"fmt"
	"time"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

// DefaultConfig returns the claude backend defaults.
func DefaultConfig() cli.BackendConfig {
	return cli.BackendConfig{
		Enabled:           true,
		Binary:            "claude",
		Models:            []string{"sonnet", "opus", "haiku", "claude-sonnet-4-5", "claude-opus-4-1"},
		Permission:        "chat",
		CallTimeout:       5 * time.Minute,
		StreamReadTimeout: 2 * time.Minute,
	}
}

// NewProvider creates the claude provider.
func NewProvider(
	cfg cli.BackendConfig,
	runner process.Runner,
	normalizer *content.Normalizer,
	sandboxRoot string,
) (*cli.Provider, error) {
	engineCfg, err := cfg.ToConfig(sandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid claude configuration: %w", err)
	}
	return cli.NewProvider(NewDialect(), runner, normalizer, engineCfg), nil
}
