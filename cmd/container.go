package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/clibridge/internal/cache"
	cacheredis "github.com/davidbz/clibridge/internal/cache/redis"
	"github.com/davidbz/clibridge/internal/config"
	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/httpserver"
	"github.com/davidbz/clibridge/internal/httpserver/middleware"
	"github.com/davidbz/clibridge/internal/metrics"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/process"
	"github.com/davidbz/clibridge/internal/provider/claude"
	"github.com/davidbz/clibridge/internal/provider/echo"
	"github.com/davidbz/clibridge/internal/provider/gemini"
	"github.com/davidbz/clibridge/internal/provider/openai"
	"github.com/davidbz/clibridge/internal/provider/registry"
	"github.com/davidbz/clibridge/internal/queue"
	"github.com/davidbz/clibridge/internal/session"
)

func buildContainer(envFile string) (*dig.Container, error) {
	container := dig.New()

	constructors := []struct {
		name string
		fn   any
	}{
		// Configuration
		{"config", func() (*config.Config, error) { return config.Parse(envFile) }},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", observability.InitLogger},

		// Process execution
		{"launcher", func(cfg *process.LauncherConfig) process.Runner { return process.NewLauncher(*cfg) }},
		{"normalizer", func(cfg *content.Config) *content.Normalizer { return content.NewNormalizer(*cfg) }},

		// Pricing
		{"pricing registry", newPricingRegistry},
		{"cost calculator", func(r domain.PricingRegistry) domain.CostCalculator {
			return domain.NewStandardCostCalculator(r)
		}},

		// Provider Registry
		{"registry", newRegistry},
		{"registry interface", func(r *registry.Registry) domain.ProviderRegistry { return r }},

		// Stateful services
		{"session manager", func(cfg *session.Config) *session.Manager { return session.NewManager(*cfg) }},
		{"session store", func(m *session.Manager) domain.SessionStore { return m }},
		{"response cache", newResponseCache},
		{"queue", func(cfg *queue.Config) *queue.Queue { return queue.NewQueue(*cfg) }},
		{"request queue", func(q *queue.Queue) domain.RequestQueue { return q }},
		{"metrics collector", metrics.NewCollector},
		{"metrics recorder", func(c *metrics.Collector) domain.MetricsRecorder { return c }},
		{"metrics source", func(c *metrics.Collector) httpserver.MetricsSource { return c }},
		{"metrics store", newMetricsStore},

		// Domain Services
		{"gateway service", newGatewayService},

		// HTTP Layer
		{"middleware", middleware.BuildMiddlewareChain},
		{"HTTP handler", httpserver.NewHandler},
		{"HTTP server", httpserver.NewServer},
	}

	for _, c := range constructors {
		if err := container.Provide(c.fn); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", c.name, err)
		}
	}

	// The logger is installed as a side effect before anything else runs.
	if err := container.Invoke(func(*zap.Logger) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return container, nil
}

func newPricingRegistry() (domain.PricingRegistry, error) {
	ctx := context.Background()
	pricing := domain.NewInMemoryPricingRegistry()

	for _, register := range []func(context.Context, domain.PricingRegistry) error{
		echo.RegisterPricing,
		openai.RegisterPricing,
		claude.RegisterPricing,
		gemini.RegisterPricing,
	} {
		if err := register(ctx, pricing); err != nil {
			return nil, err
		}
	}
	return pricing, nil
}

func newRegistry(
	cfg *config.Config,
	regCfg *registry.Config,
	runner process.Runner,
	normalizer *content.Normalizer,
) *registry.Registry {
	return registry.NewRegistry(
		registry.WithConfig(*regCfg),
		registry.WithInitializer(registerProviders(cfg, runner, normalizer)),
	)
}

func newResponseCache(cfg *cache.Config) (domain.ResponseCache, error) {
	switch cfg.Backend {
	case cache.BackendMemory, "":
		return cache.NewLRU(*cfg), nil
	case cache.BackendRedis:
		if !cfg.Enabled {
			return cache.NewLRU(*cfg), nil
		}
		client, err := cacheredis.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect response cache: %w", err)
		}
		return cacheredis.NewCache(client, cfg.RedisPrefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// newMetricsStore returns nil when snapshots are not persisted.
func newMetricsStore(cfg *metrics.Config) (metrics.Store, error) {
	switch cfg.Store {
	case metrics.StoreNone, "":
		return nil, nil //nolint:nilnil // persistence disabled
	case metrics.StoreFile:
		return metrics.NewFileStore(cfg.FilePath), nil
	case metrics.StoreRedis:
		client, err := cacheredis.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect metrics store: %w", err)
		}
		return metrics.NewRedisStore(client, cfg.RedisKey), nil
	default:
		return nil, errors.New("unknown metrics store " + cfg.Store)
	}
}

func newGatewayService(
	cfg *config.Config,
	reg domain.ProviderRegistry,
	sessions domain.SessionStore,
	responses domain.ResponseCache,
	q domain.RequestQueue,
	recorder domain.MetricsRecorder,
	costs domain.CostCalculator,
) *domain.GatewayService {
	return domain.NewGatewayService(reg, sessions, responses, q, recorder, costs, cfg.GatewayOptions())
}
