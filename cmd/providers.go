package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/clibridge/internal/config"
	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/claude"
	"github.com/davidbz/clibridge/internal/provider/cli"
	"github.com/davidbz/clibridge/internal/provider/codex"
	"github.com/davidbz/clibridge/internal/provider/echo"
	"github.com/davidbz/clibridge/internal/provider/gemini"
	"github.com/davidbz/clibridge/internal/provider/openai"
	"github.com/davidbz/clibridge/internal/provider/registry"
)

// ErrProviderNotConfigured indicates that a provider is not configured and should be skipped.
var ErrProviderNotConfigured = errors.New("provider not configured")

type providerFactory struct {
	name  string
	build func() (domain.Provider, error)
}

// registerProviders builds the registry initializer. It runs once, on first registry
// access, and registers every enabled backend in a fixed order.
func registerProviders(
	cfg *config.Config,
	runner process.Runner,
	normalizer *content.Normalizer,
) registry.Initializer {
	sandboxRoot := cfg.Sandbox.SandboxRoot

	cliBackend := func(backend cli.BackendConfig, build func() (*cli.Provider, error)) func() (domain.Provider, error) {
		return func() (domain.Provider, error) {
			if !backend.Enabled {
				return nil, ErrProviderNotConfigured
			}
			return build()
		}
	}

	factories := []providerFactory{
		{"claude", cliBackend(cfg.Claude, func() (*cli.Provider, error) {
			return claude.NewProvider(cfg.Claude, runner, normalizer, sandboxRoot)
		})},
		{"codex", cliBackend(cfg.Codex, func() (*cli.Provider, error) {
			return codex.NewProvider(cfg.Codex, runner, normalizer, sandboxRoot)
		})},
		{"gemini", cliBackend(cfg.Gemini, func() (*cli.Provider, error) {
			return gemini.NewProvider(cfg.Gemini, cfg.GeminiThinkingModel, runner, normalizer, sandboxRoot)
		})},
		{"openai", func() (domain.Provider, error) {
			if cfg.OpenAI.APIKey == "" {
				return nil, ErrProviderNotConfigured
			}
			return openai.NewProvider(cfg.OpenAI)
		}},
		{"echo", func() (domain.Provider, error) {
			if !cfg.EchoEnabled {
				return nil, ErrProviderNotConfigured
			}
			return echo.NewProvider(), nil
		}},
	}

	return func(ctx context.Context, r *registry.Registry) error {
		logger := observability.FromContext(ctx)

		registered := 0
		for _, f := range factories {
			provider, err := f.build()
			if errors.Is(err, ErrProviderNotConfigured) {
				logger.Debug("provider disabled", observability.String("provider", f.name))
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to create %s provider: %w", f.name, err)
			}
			if err := r.Register(ctx, provider); err != nil {
				return fmt.Errorf("failed to register %s provider: %w", f.name, err)
			}
			registered++
		}

		if registered == 0 {
			logger.Warn("no providers enabled")
		}
		return nil
	}
}
