package gemini

import (
	"fmt"
	"time"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/cli"
)

// DefaultConfig returns the gemini backend defaults.
func DefaultConfig() cli.BackendConfig {
	return cli.BackendConfig{
		Enabled:           true,
		Binary:            "gemini",
		Models:            []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		Permission:        "chat",
		CallTimeout:       5 * time.Minute,
		StreamReadTimeout: 2 * time.Minute,
	}
}

// NewProvider creates the gemini provider; thinkingModel is substituted when thinking
// is requested.
func NewProvider(
	cfg cli.BackendConfig,
	thinkingModel string,
	runner process.Runner,
	normalizer *content.Normalizer,
	sandboxRoot string,
) (*cli.Provider, error) {
	engineCfg, err := cfg.ToConfig(sandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid gemini configuration: %w", err)
	}
	return cli.NewProvider(NewDialect(thinkingModel), runner, normalizer, engineCfg), nil
}
