// Package echo provides a development backend that echoes back input messages.
// It implements the domain.Provider interface without spawning anything, giving
// deterministic responses for tests and for trying the gateway without a CLI installed.
package echo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const (
	providerName = "echo"
	modelName    = "echo4"
	chunkDelay   = 10 * time.Millisecond
	tokenPrefix  = "echo-"
)

// Provider implements the domain.Provider interface for echo testing. It behaves like a
// backend with native sessions: it hands out a continuation token and, when resumed,
// echoes only the turns after the last assistant message.
type Provider struct {
	name            string
	supportedModels []string
	delay           time.Duration
}

// Option customizes the echo provider.
type Option func(*Provider)

// WithChunkDelay sets the pause between streamed words.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.delay = d
	}
}

// NewProvider creates a new echo provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		name:            providerName,
		supportedModels: []string{modelName},
		delay:           chunkDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) validate(req *domain.ProviderRequest) error {
	if req == nil {
		return domain.NewError(domain.KindInvalidRequest, "request cannot be nil", nil)
	}
	if !p.IsModelSupported(context.Background(), req.Model) {
		return domain.Errorf(domain.KindNotFound, "model %s is not supported by echo provider", req.Model)
	}
	return nil
}

// Complete returns the echoed conversation.
func (p *Provider) Complete(ctx context.Context, req *domain.ProviderRequest) (*domain.CompletionResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request", observability.Bool("resumed", req.ContinuationToken != ""))

	echoContent := buildEchoContent(turns(req))

	promptTokens := countTokens(echoContent)
	completionTokens := promptTokens

	return &domain.CompletionResponse{
		ID:       tokenPrefix + uuid.NewString(),
		Model:    req.Model,
		Provider: p.name,
		Content:  echoContent,
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		ContinuationToken: continuationToken(req),
		FinishTime:        time.Now(),
	}, nil
}

// Stream returns the echoed conversation one word at a time.
func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	observability.FromContext(ctx).Debug("streaming echo request")

	echoContent := buildEchoContent(turns(req))
	token := continuationToken(req)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		words := strings.Fields(echoContent)
		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}

			select {
			case <-ctx.Done():
				chunks <- domain.StreamChunk{Done: true, Error: ctx.Err()}
				return
			case chunks <- domain.StreamChunk{Delta: delta}:
			}

			if p.delay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(p.delay):
				}
			}
		}

		tokens := len(words)
		chunks <- domain.StreamChunk{
			Done: true,
			Usage: &domain.Usage{
				PromptTokens:     tokens,
				CompletionTokens: tokens,
				TotalTokens:      2 * tokens,
			},
			ContinuationToken: token,
		}
	}()

	return chunks, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return slices.Contains(p.supportedModels, model)
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return slices.Clone(p.supportedModels)
}

// Capabilities reports streaming and native sessions.
func (p *Provider) Capabilities() domain.Capabilities {
	return domain.Capabilities{Streaming: true, NativeSessions: true}
}

// HealthCheck always succeeds.
func (p *Provider) HealthCheck(_ context.Context) error {
	return nil
}

// turns returns the messages to echo: everything, or only the new turns when resumed.
func turns(req *domain.ProviderRequest) []domain.Message {
	if req.ContinuationToken == "" {
		return req.Messages
	}
	return domain.DeltaSinceLastAssistant(req.Messages)
}

func continuationToken(req *domain.ProviderRequest) string {
	if req.ContinuationToken != "" {
		return req.ContinuationToken
	}
	if req.SessionID == "" {
		return ""
	}
	return tokenPrefix + req.SessionID
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	var builder strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&builder, "[%s]: %s\n", msg.Role, msg.Content.PlainText())
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	return len(strings.Fields(content))
}
