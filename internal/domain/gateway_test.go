package domain_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/clibridge/internal/cache"
	"github.com/davidbz/clibridge/internal/content"
	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/metrics"
	"github.com/davidbz/clibridge/internal/process/processtest"
	"github.com/davidbz/clibridge/internal/provider/claude"
	"github.com/davidbz/clibridge/internal/provider/echo"
	"github.com/davidbz/clibridge/internal/provider/registry"
	"github.com/davidbz/clibridge/internal/queue"
	"github.com/davidbz/clibridge/internal/session"
)

// scriptedProvider is a backend without streaming or native sessions whose answers come
// from reply. It records every request it receives.
type scriptedProvider struct {
	reply func(call int, req *domain.ProviderRequest) (*domain.CompletionResponse, error)

	mu       sync.Mutex
	requests []*domain.ProviderRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *domain.ProviderRequest) (*domain.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()
	return p.reply(call, req)
}

func (p *scriptedProvider) Stream(context.Context, *domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	return nil, errors.New("streaming not supported")
}

func (p *scriptedProvider) SupportedModels(context.Context) []string { return []string{"scripted-1"} }

func (p *scriptedProvider) IsModelSupported(_ context.Context, model string) bool {
	return model == "scripted-1"
}

func (p *scriptedProvider) Capabilities() domain.Capabilities { return domain.Capabilities{} }

func (p *scriptedProvider) HealthCheck(context.Context) error { return nil }

func (p *scriptedProvider) Requests() []*domain.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.ProviderRequest(nil), p.requests...)
}

func answer(text string) func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error) {
	return func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{Content: text}, nil
	}
}

type gatewayEnv struct {
	gateway   *domain.GatewayService
	runner    *processtest.Runner
	scripted  *scriptedProvider
	sessions  *session.Manager
	queue     *queue.Queue
	collector *metrics.Collector
}

func newGatewayEnv(
	t *testing.T,
	opts domain.GatewayOptions,
	reply func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error),
) *gatewayEnv {
	t.Helper()
	ctx := context.Background()

	runner := processtest.NewRunner(processtest.Response{
		Stdout: `{"type":"result","subtype":"success","result":"claude says hi","session_id":"tok-1",` +
			`"usage":{"input_tokens":12,"output_tokens":3}}`,
	})
	claudeProvider, err := claude.NewProvider(claude.DefaultConfig(), runner,
		content.NewNormalizer(content.Config{}), t.TempDir())
	require.NoError(t, err)

	if reply == nil {
		reply = answer("scripted reply")
	}
	scripted := &scriptedProvider{reply: reply}

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, claudeProvider))
	require.NoError(t, reg.Register(ctx, echo.NewProvider(echo.WithChunkDelay(0))))
	require.NoError(t, reg.Register(ctx, scripted))

	pricing := domain.NewInMemoryPricingRegistry()
	require.NoError(t, claude.RegisterPricing(ctx, pricing))

	sessions := session.NewManager(session.Config{TTL: time.Hour, MaxSessions: 100})
	responses := cache.NewLRU(cache.Config{Enabled: true, MaxEntries: 10, TTL: time.Minute})
	q := queue.NewQueue(queue.Config{DefaultLimit: 2, DefaultQueueSize: 5, Timeout: 5 * time.Second, SlotTimeout: time.Second})
	collector := metrics.NewCollector()

	gateway := domain.NewGatewayService(reg, sessions, responses, q, collector,
		domain.NewStandardCostCalculator(pricing), opts)

	return &gatewayEnv{
		gateway:   gateway,
		runner:    runner,
		scripted:  scripted,
		sessions:  sessions,
		queue:     q,
		collector: collector,
	}
}

func userTurn(text string) []domain.Message {
	return []domain.Message{domain.NewMessage(domain.RoleUser, text)}
}

func drain(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func TestGatewayService_NativeSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("follow-up resumes the backend session with only the new turn", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		first, err := env.gateway.Complete(ctx, &domain.ChatRequest{
			Model:    "sonnet",
			Messages: userTurn("first question"),
		})
		require.NoError(t, err)
		require.Equal(t, "claude", first.Provider)
		require.Equal(t, "claude says hi", *first.Choices[0].Message.Content)
		require.Equal(t, 12, first.Usage.PromptTokens)
		require.Greater(t, first.EstimatedCostUSD, 0.0)

		stored, err := env.sessions.Get(first.ConversationID)
		require.NoError(t, err)
		require.Equal(t, "tok-1", stored.ContinuationToken)

		second, err := env.gateway.Complete(ctx, &domain.ChatRequest{
			Model: "sonnet",
			Messages: []domain.Message{
				domain.NewMessage(domain.RoleUser, "first question"),
				domain.NewMessage(domain.RoleAssistant, "claude says hi"),
				domain.NewMessage(domain.RoleUser, "follow up"),
			},
			ConversationID: first.ConversationID,
		})
		require.NoError(t, err)
		require.Equal(t, first.ConversationID, second.ConversationID)

		calls := env.runner.Calls()
		require.Len(t, calls, 2)
		require.NotContains(t, calls[0].Argv, "--resume")
		require.Equal(t, "follow up", string(calls[1].Stdin))
		require.Equal(t, []string{"--resume", "tok-1"}, calls[1].Argv[len(calls[1].Argv)-2:])

		snapshot := env.collector.Snapshot()
		require.Equal(t, int64(2), snapshot.Providers["claude"].Successes)
	})

	t.Run("switching provider resets the backend session", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		first, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "sonnet", Messages: userTurn("one")})
		require.NoError(t, err)
		conversation := first.ConversationID

		_, err = env.gateway.Complete(ctx, &domain.ChatRequest{
			Model:          "echo4",
			Messages:       userTurn("two"),
			ConversationID: conversation,
		})
		require.NoError(t, err)

		switched, err := env.sessions.Get(conversation)
		require.NoError(t, err)
		require.Equal(t, "echo", switched.Provider)

		_, err = env.gateway.Complete(ctx, &domain.ChatRequest{
			Model: "sonnet",
			Messages: []domain.Message{
				domain.NewMessage(domain.RoleUser, "three"),
				domain.NewMessage(domain.RoleAssistant, "ok"),
				domain.NewMessage(domain.RoleUser, "four"),
			},
			ConversationID: conversation,
		})
		require.NoError(t, err)

		last := env.runner.LastCall()
		require.NotContains(t, last.Argv, "--resume")
		require.Equal(t, "User: three\n\nAssistant: ok\n\nUser: four", string(last.Stdin))
	})

	t.Run("unknown conversation id starts a session under that id", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		completion, err := env.gateway.Complete(ctx, &domain.ChatRequest{
			Model:          "sonnet",
			Messages:       userTurn("hello"),
			ConversationID: "conv-from-client",
		})
		require.NoError(t, err)
		require.Equal(t, "conv-from-client", completion.ConversationID)
		require.NotContains(t, env.runner.LastCall().Argv, "--resume")
	})

	t.Run("native backends are never summarized", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{SummaryEnabled: true, SummaryThreshold: 2, SummaryKeepRecent: 1}, nil)

		_, err := env.gateway.Complete(ctx, &domain.ChatRequest{
			Model: "sonnet",
			Messages: []domain.Message{
				domain.NewMessage(domain.RoleUser, "a"),
				domain.NewMessage(domain.RoleAssistant, "b"),
				domain.NewMessage(domain.RoleUser, "c"),
			},
		})
		require.NoError(t, err)
		require.Len(t, env.runner.Calls(), 1)
	})
}

func TestGatewayService_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated request is served from the cache", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)
		temperature := 0.0
		req := func() *domain.ChatRequest {
			return &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("cache me"), Temperature: &temperature}
		}

		first, err := env.gateway.Complete(ctx, req())
		require.NoError(t, err)
		require.False(t, first.CacheHit)

		second, err := env.gateway.Complete(ctx, req())
		require.NoError(t, err)
		require.True(t, second.CacheHit)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, *first.Choices[0].Message.Content, *second.Choices[0].Message.Content)
		require.NotEqual(t, first.ConversationID, second.ConversationID)
		require.Len(t, env.scripted.Requests(), 1)
	})

	t.Run("tool calls are parsed and hallucinated tools dropped", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, answer("Checking.\n"+
			"```tool_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Paris\"}}\n```\n"+
			"```tool_call\n{\"name\": \"launch_rockets\", \"arguments\": {}}\n```"))
		req := func() *domain.ChatRequest {
			return &domain.ChatRequest{
				Model:      "scripted-1",
				Messages:   userTurn("weather in Paris?"),
				Tools:      []domain.Tool{weatherTool()},
				ToolChoice: &domain.ToolChoice{Mode: domain.ToolChoiceRequired},
			}
		}

		completion, err := env.gateway.Complete(ctx, req())
		require.NoError(t, err)

		choice := completion.Choices[0]
		require.Equal(t, "tool_calls", choice.FinishReason)
		require.Equal(t, "Checking.", *choice.Message.Content)
		require.Len(t, choice.Message.ToolCalls, 1)
		require.Equal(t, "get_weather", choice.Message.ToolCalls[0].Function.Name)
		require.Equal(t, `{"city":"Paris"}`, choice.Message.ToolCalls[0].Function.Arguments)

		sent := env.scripted.Requests()[0].Messages
		require.Equal(t, domain.RoleSystem, sent[0].Role)
		require.Contains(t, sent[0].Content.PlainText(), "### get_weather")
		require.Contains(t, sent[0].Content.PlainText(), "You must call at least one tool")

		_, err = env.gateway.Complete(ctx, req())
		require.NoError(t, err)
		require.Len(t, env.scripted.Requests(), 2, "requests with tools are not cached")
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		tests := []struct {
			name string
			req  *domain.ChatRequest
			kind domain.ErrorKind
		}{
			{"nil request", nil, domain.KindInvalidRequest},
			{"no messages", &domain.ChatRequest{Model: "scripted-1"}, domain.KindInvalidRequest},
			{
				"unknown role",
				&domain.ChatRequest{Model: "scripted-1", Messages: []domain.Message{domain.NewMessage("narrator", "x")}},
				domain.KindInvalidRequest,
			},
			{
				"tool choice names an undeclared tool",
				&domain.ChatRequest{
					Model:      "scripted-1",
					Messages:   userTurn("x"),
					ToolChoice: &domain.ToolChoice{Mode: domain.ToolChoiceFunction, Function: "get_weather"},
				},
				domain.KindInvalidRequest,
			},
			{"unknown model", &domain.ChatRequest{Model: "nope", Messages: userTurn("x")}, domain.KindNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.gateway.Complete(ctx, tt.req)
				require.Error(t, err)
				require.Equal(t, tt.kind, domain.KindOf(err))
			})
		}
		require.Empty(t, env.scripted.Requests())
	})

	t.Run("full queue rejects with queue_full", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{Retry: domain.RetryPolicy{MaxAttempts: 3}}, nil)
		require.True(t, env.queue.Shutdown(time.Second))

		_, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})

		require.ErrorIs(t, err, queue.ErrQueueFull)
		require.Equal(t, domain.KindQueueFull, domain.KindOf(err))
		require.Empty(t, env.scripted.Requests())
		require.Equal(t, int64(1), env.collector.Snapshot().Providers["scripted"].Failures)
	})
}

func TestGatewayService_Retry(t *testing.T) {
	ctx := context.Background()
	policy := domain.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Patterns:    domain.DefaultRetryPatterns,
	}

	t.Run("transient failure is retried", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{Retry: policy},
			func(call int, _ *domain.ProviderRequest) (*domain.CompletionResponse, error) {
				if call == 1 {
					return nil, errors.New("API overloaded")
				}
				return &domain.CompletionResponse{Content: "recovered"}, nil
			})

		completion, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})

		require.NoError(t, err)
		require.Equal(t, "recovered", *completion.Choices[0].Message.Content)
		require.Len(t, env.scripted.Requests(), 2)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{Retry: policy},
			func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error) {
				return nil, domain.Errorf(domain.KindInvalidRequest, "prompt too long")
			})

		_, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})

		require.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
		require.Len(t, env.scripted.Requests(), 1)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{Retry: policy},
			func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error) {
				return nil, errors.New("rate limit reached")
			})

		_, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})

		require.ErrorContains(t, err, "rate limit reached")
		require.Len(t, env.scripted.Requests(), 3)
		require.Equal(t, int64(1), env.collector.Snapshot().Providers["scripted"].Failures)
	})
}

func TestGatewayService_Summaries(t *testing.T) {
	ctx := context.Background()
	opts := domain.GatewayOptions{SummaryEnabled: true, SummaryThreshold: 4, SummaryKeepRecent: 2}

	reply := func(_ int, req *domain.ProviderRequest) (*domain.CompletionResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content.PlainText(), "Summarize the conversation") {
			return &domain.CompletionResponse{Content: "condensed"}, nil
		}
		return &domain.CompletionResponse{Content: "reply"}, nil
	}

	env := newGatewayEnv(t, opts, reply)

	first, err := env.gateway.Complete(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: conversation(5)})
	require.NoError(t, err)

	requests := env.scripted.Requests()
	require.Len(t, requests, 2)
	require.Contains(t, requests[0].Messages[1].Content.PlainText(), "[user]\nturn 0")

	sent := requests[1].Messages
	require.Len(t, sent, 4)
	require.Equal(t, "be brief", sent[0].Content.PlainText())
	require.Equal(t, "Summary of the earlier conversation:\ncondensed", sent[1].Content.PlainText())
	require.Equal(t, "turn 3", sent[2].Content.PlainText())
	require.Equal(t, "turn 4", sent[3].Content.PlainText())

	stored, err := env.sessions.Get(first.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "condensed", stored.Summary)
	require.Equal(t, 3, stored.SummarizedUpTo)

	t.Run("follow-up below the threshold reuses the stored summary", func(t *testing.T) {
		_, err := env.gateway.Complete(ctx, &domain.ChatRequest{
			Model:          "scripted-1",
			Messages:       conversation(6),
			ConversationID: first.ConversationID,
		})
		require.NoError(t, err)

		requests := env.scripted.Requests()
		require.Len(t, requests, 3)

		sent := requests[2].Messages
		require.Len(t, sent, 5)
		require.Equal(t, "Summary of the earlier conversation:\ncondensed", sent[1].Content.PlainText())
		require.Equal(t, "turn 3", sent[2].Content.PlainText())
		require.Equal(t, "turn 5", sent[4].Content.PlainText())
	})
}

func TestGatewayService_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("streams deltas and ends with one finish chunk", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		events, info, err := env.gateway.Stream(ctx, &domain.ChatRequest{
			Model:    "echo4",
			Messages: userTurn("hello there"),
			Stream:   true,
		})
		require.NoError(t, err)
		require.Equal(t, "echo", info.Provider)
		require.NotEmpty(t, info.ConversationID)

		received := drain(t, events)
		require.GreaterOrEqual(t, len(received), 3)

		require.NoError(t, received[0].Err)
		require.Equal(t, domain.RoleAssistant, received[0].Chunk.Choices[0].Delta.Role)

		var text strings.Builder
		finishes := 0
		for _, ev := range received {
			require.NoError(t, ev.Err)
			require.Equal(t, info.ID, ev.Chunk.ID)
			text.WriteString(ev.Chunk.Choices[0].Delta.Content)
			if ev.Chunk.Choices[0].FinishReason != nil {
				finishes++
			}
		}
		require.Equal(t, "[user]: hello there", text.String())
		require.Equal(t, 1, finishes)

		last := received[len(received)-1].Chunk
		require.Equal(t, "stop", *last.Choices[0].FinishReason)
		require.NotNil(t, last.Usage)
		require.Positive(t, last.Usage.TotalTokens)

		stats := env.queue.Stats()["echo"]
		require.Zero(t, stats.Streaming)
		require.Equal(t, int64(1), stats.Completed)

		stored, err := env.sessions.Get(info.ConversationID)
		require.NoError(t, err)
		require.NotEmpty(t, stored.ContinuationToken)
	})

	t.Run("non-streaming backend is adapted", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)

		events, _, err := env.gateway.Stream(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})
		require.NoError(t, err)

		var text strings.Builder
		for _, ev := range drain(t, events) {
			require.NoError(t, ev.Err)
			text.WriteString(ev.Chunk.Choices[0].Delta.Content)
		}
		require.Equal(t, "scripted reply", text.String())
	})

	t.Run("backend failure ends the stream with an error event", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{},
			func(int, *domain.ProviderRequest) (*domain.CompletionResponse, error) {
				return nil, domain.NewError(domain.KindServer, "backend crashed", nil)
			})

		events, _, err := env.gateway.Stream(ctx, &domain.ChatRequest{Model: "scripted-1", Messages: userTurn("hi")})
		require.NoError(t, err)

		received := drain(t, events)
		last := received[len(received)-1]
		require.ErrorContains(t, last.Err, "backend crashed")
		require.Nil(t, last.Chunk)
		require.Equal(t, int64(1), env.collector.Snapshot().Providers["scripted"].Failures)
		require.Zero(t, env.queue.Stats()["scripted"].Streaming)
	})

	t.Run("tool calls arrive as deltas after the stream", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, answer(
			"```tool_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Oslo\"}}\n```"))

		events, _, err := env.gateway.Stream(ctx, &domain.ChatRequest{
			Model:    "scripted-1",
			Messages: userTurn("weather?"),
			Tools:    []domain.Tool{weatherTool()},
		})
		require.NoError(t, err)

		var calls []domain.ToolCall
		var text strings.Builder
		received := drain(t, events)
		for _, ev := range received {
			require.NoError(t, ev.Err)
			calls = append(calls, ev.Chunk.Choices[0].Delta.ToolCalls...)
			text.WriteString(ev.Chunk.Choices[0].Delta.Content)
		}
		require.Empty(t, text.String())
		require.Len(t, calls, 1)
		require.Equal(t, 0, *calls[0].Index)
		require.Equal(t, "tool_calls", *received[len(received)-1].Chunk.Choices[0].FinishReason)
	})

	t.Run("no slot after shutdown", func(t *testing.T) {
		env := newGatewayEnv(t, domain.GatewayOptions{}, nil)
		require.True(t, env.queue.Shutdown(time.Second))

		_, _, err := env.gateway.Stream(ctx, &domain.ChatRequest{Model: "echo4", Messages: userTurn("hi")})

		require.Equal(t, domain.KindQueueFull, domain.KindOf(err))
	})
}

func TestRunQueued(t *testing.T) {
	q := queue.NewQueue(queue.Config{DefaultLimit: 1, DefaultQueueSize: 1})

	value, err := domain.RunQueued(context.Background(), q, "backend", func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, value)
}
