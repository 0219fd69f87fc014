// Package cli drives command-line AI tools as chat backends. The engine in this package
// handles prompts, processes, timeouts and output decoding; a Dialect supplies the
// backend-specific command line and record formats.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/process"
)

const (
	defaultCallTimeout       = 5 * time.Minute
	defaultStreamReadTimeout = 2 * time.Minute
)

// Config is one backend's runtime configuration.
type Config struct {
	Binary            string
	Models            []string
	Permission        domain.Permission
	CallTimeout       time.Duration
	StreamReadTimeout time.Duration
	SandboxRoot       string
	Env               []string
}

// Provider implements domain.Provider on top of a Dialect.
type Provider struct {
	dialect    Dialect
	runner     process.Runner
	normalizer *content.Normalizer
	cfg        Config
	models     map[string]bool
}

// NewProvider creates a CLI-backed provider.
func NewProvider(dialect Dialect, runner process.Runner, normalizer *content.Normalizer, cfg Config) *Provider {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.StreamReadTimeout <= 0 {
		cfg.StreamReadTimeout = defaultStreamReadTimeout
	}
	if cfg.Permission == "" {
		cfg.Permission = domain.PermissionChat
	}

	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}

	return &Provider{
		dialect:    dialect,
		runner:     runner,
		normalizer: normalizer,
		cfg:        cfg,
		models:     models,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.dialect.Name()
}

// Capabilities reports what the backend supports.
func (p *Provider) Capabilities() domain.Capabilities {
	return p.dialect.Capabilities()
}

// SupportedModels returns the configured models in order.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return append([]string(nil), p.cfg.Models...)
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.models[model]
}

// HealthCheck verifies the binary can be found.
func (p *Provider) HealthCheck(_ context.Context) error {
	_, err := process.LookPath(p.cfg.Binary)
	return err
}

// invocation is one prepared process run.
type invocation struct {
	argv    []string
	stdin   []byte
	sandbox *process.Sandbox
}

func (p *Provider) prepare(ctx context.Context, req *domain.ProviderRequest, stream bool) (*invocation, error) {
	if req == nil {
		return nil, domain.Errorf(domain.KindInvalidRequest, "request cannot be nil")
	}
	if !p.models[req.Model] {
		return nil, domain.Errorf(domain.KindNotFound, "model %s is not supported by %s", req.Model, p.Name())
	}

	sandbox, err := process.NewSandbox(p.cfg.SandboxRoot)
	if err != nil {
		return nil, domain.NewError(domain.KindServer, "failed to prepare working directory", err)
	}

	system, turns := domain.SplitSystem(req.Messages)

	token := ""
	if p.dialect.Capabilities().NativeSessions && req.ContinuationToken != "" {
		token = req.ContinuationToken
		turns = domain.DeltaSinceLastAssistant(turns)
	}

	prompt := RenderTranscript(ctx, p.normalizer, turns, sandbox.Dir)
	inv := Invocation{
		Model:             req.Model,
		Permission:        p.cfg.Permission,
		ContinuationToken: token,
		Stream:            stream,
		Thinking:          req.Thinking,
	}
	if p.dialect.SystemPromptInArgs() {
		inv.SystemPrompt = system
	} else if system != "" {
		prompt = system + "\n\n" + prompt
	}
	if req.Thinking.Enabled() {
		inv, prompt = p.dialect.ApplyThinking(inv, prompt)
	}

	observability.FromContext(ctx).Debug("invoking backend",
		observability.String("backend_model", inv.Model),
		observability.Bool("stream", stream),
		observability.Bool("resume", token != ""),
		observability.Int("turns", len(turns)),
		observability.Int("prompt_bytes", len(prompt)),
	)

	return &invocation{
		argv:    p.dialect.BuildArgs(p.cfg.Binary, inv),
		stdin:   []byte(prompt),
		sandbox: sandbox,
	}, nil
}

// Complete runs the backend once and parses its whole output.
func (p *Provider) Complete(ctx context.Context, req *domain.ProviderRequest) (*domain.CompletionResponse, error) {
	inv, err := p.prepare(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer inv.sandbox.Cleanup()

	logger := observability.FromContext(ctx)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	out, err := process.Run(callCtx, p.runner, process.Command{
		Argv:  inv.argv,
		Dir:   inv.sandbox.Dir,
		Stdin: inv.stdin,
		Env:   p.cfg.Env,
	})
	if err != nil {
		return nil, p.classify(callCtx, err, p.cfg.CallTimeout, out)
	}

	res, parseErr := p.dialect.ParseBatch(out)
	if parseErr != nil {
		logger.Warn("unparseable backend output, returning raw text", observability.Error(parseErr))
		res = &Result{Content: strings.TrimSpace(string(out))}
	}
	if res.ErrorMessage != "" {
		return nil, domain.NewError(domain.KindServer,
			fmt.Sprintf("%s reported an error: %s", p.Name(), res.ErrorMessage), nil)
	}

	return &domain.CompletionResponse{
		ID:                p.Name() + "-" + uuid.NewString(),
		Model:             req.Model,
		Provider:          p.Name(),
		Content:           strings.TrimSpace(res.Content),
		Thinking:          strings.TrimSpace(res.Thinking),
		Usage:             res.Usage,
		ContinuationToken: res.Token,
		FinishTime:        time.Now(),
	}, nil
}

// Stream runs the backend in its line-delimited output mode.
func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	inv, err := p.prepare(ctx, req, true)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	proc, err := p.runner.Start(procCtx, process.Command{
		Argv:  inv.argv,
		Dir:   inv.sandbox.Dir,
		Stdin: inv.stdin,
		Env:   p.cfg.Env,
	})
	if err != nil {
		cancel()
		inv.sandbox.Cleanup()
		return nil, p.classify(procCtx, err, p.cfg.CallTimeout, nil)
	}

	chunks := make(chan domain.StreamChunk)
	go func() {
		defer inv.sandbox.Cleanup()
		defer cancel()
		p.readStream(procCtx, cancel, proc, chunks)
	}()

	return chunks, nil
}

// classify turns a process failure into a typed gateway error.
func (p *Provider) classify(ctx context.Context, err error, timeout time.Duration, stdout []byte) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout,
			fmt.Sprintf("%s did not finish within %s", p.Name(), timeout), err)
	}

	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		detail := exitErr.Stderr
		if detail == "" {
			if res, parseErr := p.dialect.ParseBatch(stdout); parseErr == nil && res.ErrorMessage != "" {
				detail = res.ErrorMessage
			}
		}
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", exitErr.Code)
		}
		return domain.NewError(domain.KindServer, fmt.Sprintf("%s failed: %s", p.Name(), detail), err)
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return domain.NewError(domain.KindServer, fmt.Sprintf("%s failed", p.Name()), err)
}
