// Package openai provides an adapter for OpenAI-compatible HTTP APIs using the official
// SDK. It lets the gateway route some models to a hosted API next to the CLI backends,
// sharing the same queue, registry and metrics.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const providerName = "openai"

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client   openai.Client
	name     string
	models   []string
	modelSet map[string]bool
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	if config.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	models := config.Models
	if len(models) == 0 {
		models = DefaultModels()
	}

	return &Provider{
		client:   openai.NewClient(opts...),
		name:     providerName,
		models:   slices.Clone(models),
		modelSet: buildModelSet(models),
	}, nil
}

func (p *Provider) validate(req *domain.ProviderRequest) error {
	if req == nil {
		return domain.NewError(domain.KindInvalidRequest, "request cannot be nil", nil)
	}
	if !p.modelSet[req.Model] {
		return domain.Errorf(domain.KindNotFound, "model %s is not supported by %s", req.Model, p.name)
	}
	return nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.ProviderRequest) (*domain.CompletionResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req))
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return nil, classify(err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int64("prompt_tokens", resp.Usage.PromptTokens),
		observability.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	return p.toDomainResponse(resp), nil
}

// Stream sends a completion request and returns a stream of chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI streaming API")

	params := p.toSDKParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)
		defer stream.Close()

		var usage *domain.Usage
		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage = &domain.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}

			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case chunks <- domain.StreamChunk{Delta: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				chunks <- domain.StreamChunk{Done: true, Error: ctx.Err()}
				return
			}
		}

		if err := stream.Err(); err != nil {
			logger.Error("OpenAI stream failed", observability.Error(err))
			chunks <- domain.StreamChunk{Done: true, Error: classify(err)}
			return
		}

		logger.Debug("OpenAI stream completed")
		chunks <- domain.StreamChunk{Done: true, Usage: usage}
	}()

	return chunks, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.modelSet[model]
}

// SupportedModels returns the configured model list.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return slices.Clone(p.models)
}

// Capabilities reports streaming only; the API is stateless.
func (p *Provider) Capabilities() domain.Capabilities {
	return domain.Capabilities{Streaming: true}
}

// HealthCheck lists models to confirm the endpoint and key work.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s unreachable: %w", p.name, err)
	}
	return nil
}

// toSDKParams converts a provider request to SDK ChatCompletionNewParams. Tool traffic
// has already been folded into plain turns by the orchestrator.
func (p *Provider) toSDKParams(req *domain.ProviderRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		text := msg.Content.PlainText()
		switch msg.Role {
		case domain.RoleAssistant:
			messages[i] = openai.AssistantMessage(text)
		case domain.RoleSystem:
			messages[i] = openai.SystemMessage(text)
		default:
			messages[i] = openai.UserMessage(text)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}

	return params
}

// toDomainResponse converts SDK response to domain response. Cost is left to the
// gateway's pricing registry.
func (p *Provider) toDomainResponse(resp *openai.ChatCompletion) *domain.CompletionResponse {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &domain.CompletionResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: p.name,
		Content:  content,
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		FinishTime: time.Now(),
	}
}

// classify maps SDK failures onto gateway error kinds.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.NewError(domain.KindTimeout, "OpenAI API call timed out", err)
		}
		return domain.NewError(domain.KindServer, "OpenAI API call failed", err)
	}

	kind := domain.KindServer
	switch apiErr.StatusCode {
	case http.StatusBadRequest:
		kind = domain.KindInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.KindAuthentication
	case http.StatusNotFound:
		kind = domain.KindNotFound
	case http.StatusTooManyRequests:
		kind = domain.KindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = domain.KindTimeout
	}
	return domain.NewError(kind, fmt.Sprintf("OpenAI API returned %d", apiErr.StatusCode), err)
}
