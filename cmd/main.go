package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"github.com/davidbz/clibridge/internal/config"
	"github.com/davidbz/clibridge/internal/httpserver"
	"github.com/davidbz/clibridge/internal/metrics"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/provider/registry"
	"github.com/davidbz/clibridge/internal/queue"
	"github.com/davidbz/clibridge/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the OpenAI-compatible gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}

	providers := &cobra.Command{
		Use:   "providers",
		Short: "Probe every configured backend and print its availability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProviders(cmd, envFile)
		},
	}

	root := &cobra.Command{
		Use:          "clibridge",
		Short:        "Serve local AI CLIs behind an OpenAI-compatible API",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "additional env file to load before parsing configuration")
	root.AddCommand(serve, providers)

	return root
}

// services is what serve needs from the container.
type services struct {
	dig.In

	Config    *config.Config
	Server    *httpserver.Server
	Registry  *registry.Registry
	Sessions  *session.Manager
	Queue     *queue.Queue
	Collector *metrics.Collector
	Store     metrics.Store
}

func runServe(parent context.Context, envFile string) error {
	container, err := buildContainer(envFile)
	if err != nil {
		return err
	}

	return container.Invoke(func(s services) error {
		ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := observability.FromContext(ctx)

		names, err := s.Registry.List(ctx)
		if err != nil {
			return err
		}
		s.Queue.AddBackends(names...)

		for name, status := range s.Registry.CheckHealth(ctx) {
			if status.Available {
				logger.Info("provider available", observability.String("provider", name))
				continue
			}
			logger.Warn("provider unavailable",
				observability.String("provider", name),
				observability.String("reason", status.Error))
		}

		// Persisting outlives the signal context so the final save sees work drained below.
		persistCtx, stopPersist := context.WithCancel(context.WithoutCancel(ctx))
		defer stopPersist()
		persisted := make(chan struct{})
		if s.Store != nil {
			if err := s.Collector.Load(ctx, s.Store); err != nil {
				logger.Warn("failed to load metrics snapshot", observability.Error(err))
			}
			go func() {
				defer close(persisted)
				s.Collector.Persist(persistCtx, s.Store, s.Config.Metrics.SaveInterval)
			}()
		} else {
			close(persisted)
		}

		s.Sessions.Start(ctx)
		defer s.Sessions.Close()

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- s.Server.Start()
		}()

		select {
		case err = <-serverErr:
			stop()
		case <-ctx.Done():
		}

		shutdownTimeout := s.Config.Queue.ShutdownTimeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if shutdownErr := s.Server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("server shutdown failed", observability.Error(shutdownErr))
		}
		if !s.Queue.Shutdown(shutdownTimeout) {
			logger.Warn("queue did not drain before the shutdown timeout")
		}
		stopPersist()
		<-persisted

		logger.Info("gateway stopped")
		return err
	})
}

func runProviders(cmd *cobra.Command, envFile string) error {
	container, err := buildContainer(envFile)
	if err != nil {
		return err
	}

	return container.Invoke(func(reg *registry.Registry) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		names, err := reg.List(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return errors.New("no providers are enabled")
		}
		statuses := reg.CheckHealth(ctx)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tAVAILABLE\tMODELS\tERROR")
		for _, name := range names {
			provider, err := reg.Get(ctx, name)
			if err != nil {
				return err
			}
			status := statuses[name]
			fmt.Fprintf(w, "%s\t%t\t%d\t%s\n",
				name, status.Available, len(provider.SupportedModels(ctx)), status.Error)
		}
		return w.Flush()
	})
}
