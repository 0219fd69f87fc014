package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/clibridge/internal/observability"
)

const (
	finishStop      = "stop"
	finishToolCalls = "tool_calls"
)

// GatewayOptions tunes the orchestrator.
type GatewayOptions struct {
	SummaryEnabled    bool
	SummaryThreshold  int
	SummaryKeepRecent int
	// SummaryModel routes summary calls to another model; empty uses the request's model.
	SummaryModel string
	Retry        RetryPolicy
}

// GatewayService orchestrates the request flow.
type GatewayService struct {
	registry   ProviderRegistry
	sessions   SessionStore
	cache      ResponseCache
	queue      RequestQueue
	metrics    MetricsRecorder
	costs      CostCalculator
	summarizer *Summarizer
	opts       GatewayOptions
	now        func() time.Time
}

// NewGatewayService creates a new gateway service (DI constructor). A nil cache
// disables response caching.
func NewGatewayService(
	registry ProviderRegistry,
	sessions SessionStore,
	cache ResponseCache,
	queue RequestQueue,
	metrics MetricsRecorder,
	costs CostCalculator,
	opts GatewayOptions,
) *GatewayService {
	return &GatewayService{
		registry:   registry,
		sessions:   sessions,
		cache:      cache,
		queue:      queue,
		metrics:    metrics,
		costs:      costs,
		summarizer: NewSummarizer(),
		opts:       opts,
		now:        time.Now,
	}
}

// preparedCall is one request after resolution and prompt preparation.
type preparedCall struct {
	id        string
	created   int64
	provider  Provider
	session   Session
	request   *ProviderRequest
	toolNames []string
	cacheKey  string
	start     time.Time
}

func (c *preparedCall) hasTools() bool {
	return len(c.toolNames) > 0
}

// Complete runs a non-streaming chat completion.
func (s *GatewayService) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	call, ctx, err := s.resolve(ctx, req, false)
	if err != nil {
		return nil, err
	}
	logger := observability.FromContext(ctx)

	if cached := s.lookupCache(ctx, call); cached != nil {
		return cached, nil
	}

	s.prepareMessages(ctx, req, call)

	provider := call.provider
	resp, err := withRetry(ctx, s.opts.Retry, func(ctx context.Context) (*CompletionResponse, error) {
		return RunQueued(ctx, s.queue, provider.Name(), func(ctx context.Context) (*CompletionResponse, error) {
			return provider.Complete(ctx, call.request)
		})
	})
	if err != nil {
		logger.Error("completion failed", observability.Error(err), observability.Elapsed(call.start))
		s.recordFailure(call)
		return nil, err
	}

	content := resp.Content
	var toolCalls []ToolCall
	if call.hasTools() {
		toolCalls, content = ParseToolCalls(ctx, content, call.toolNames)
	}

	usage := s.fillUsage(call, resp.Usage, resp.Content+resp.Thinking)
	cost := s.estimateCost(ctx, call.request.Model, usage)

	completion := &ChatCompletion{
		ID:      call.id,
		Object:  "chat.completion",
		Created: call.created,
		Model:   call.request.Model,
		Choices: []Choice{{
			Index: 0,
			Message: ResponseMessage{
				Role:             RoleAssistant,
				Content:          contentPointer(content, len(toolCalls) > 0),
				ReasoningContent: resp.Thinking,
				ToolCalls:        nilIfEmpty(toolCalls),
			},
			FinishReason: finishReason(toolCalls),
		}},
		Usage: ResponseUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
		Provider:         provider.Name(),
		ConversationID:   call.session.ID,
		EstimatedCostUSD: cost,
	}

	s.updateSession(ctx, call, resp.ContinuationToken)
	s.storeCache(ctx, call, completion)
	s.metrics.Record(provider.Name(), call.request.Model, RequestOutcome{
		Success:          true,
		Duration:         s.now().Sub(call.start),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Cost:             cost,
	})

	logger.Info("completion succeeded",
		observability.Int("tokens", usage.TotalTokens),
		observability.Int("tool_calls", len(toolCalls)),
		observability.Float64("cost", cost),
		observability.Elapsed(call.start),
	)

	return completion, nil
}

// Stream runs a streaming chat completion. Errors returned directly happen before any
// output (unknown model, no free slot); failures after that arrive as a final StreamEvent
// with Err set. The event channel is closed when the stream ends.
func (s *GatewayService) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, *StreamInfo, error) {
	call, ctx, err := s.resolve(ctx, req, true)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.FromContext(ctx)
	provider := call.provider

	s.prepareMessages(ctx, req, call)

	lease, err := s.queue.AcquireSlot(ctx, provider.Name())
	if err != nil {
		logger.Warn("no streaming slot available", observability.Error(err))
		s.recordFailure(call)
		return nil, nil, err
	}

	chunks, err := withRetry(ctx, s.opts.Retry, func(ctx context.Context) (<-chan StreamChunk, error) {
		if !provider.Capabilities().Streaming {
			return completeAsStream(ctx, provider, call.request), nil
		}
		return provider.Stream(ctx, call.request)
	})
	if err != nil {
		lease.Release()
		logger.Error("stream failed to start", observability.Error(err))
		s.recordFailure(call)
		return nil, nil, err
	}

	events := make(chan StreamEvent)
	go s.pump(ctx, call, chunks, lease, events)

	return events, &StreamInfo{
		ID:             call.id,
		Model:          call.request.Model,
		Provider:       provider.Name(),
		ConversationID: call.session.ID,
	}, nil
}

// pump converts provider chunks to OpenAI chunk events. It owns the lease.
func (s *GatewayService) pump(
	ctx context.Context,
	call *preparedCall,
	chunks <-chan StreamChunk,
	lease Lease,
	events chan<- StreamEvent,
) {
	defer close(events)
	defer lease.Release()

	logger := observability.FromContext(ctx)

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	chunkEvent := func(delta ChunkDelta, finish *string, usage *ResponseUsage) StreamEvent {
		return StreamEvent{Chunk: &ChatCompletionChunk{
			ID:             call.id,
			Object:         "chat.completion.chunk",
			Created:        call.created,
			Model:          call.request.Model,
			Choices:        []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:          usage,
			Provider:       call.provider.Name(),
			ConversationID: call.session.ID,
		}}
	}
	abandon := func() {
		//nolint:revive // drain so the producer can exit
		for range chunks {
		}
		logger.Info("stream abandoned by client", observability.Elapsed(call.start))
		s.recordFailure(call)
	}

	if !send(chunkEvent(ChunkDelta{Role: RoleAssistant}, nil, nil)) {
		abandon()
		return
	}

	var (
		content   strings.Builder
		thinking  strings.Builder
		usage     *Usage
		token     string
		streamErr error
	)

	for chunk := range chunks {
		if chunk.ContinuationToken != "" {
			token = chunk.ContinuationToken
		}
		if chunk.Done {
			streamErr = chunk.Error
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			continue
		}
		if chunk.Thinking != "" {
			thinking.WriteString(chunk.Thinking)
			if !send(chunkEvent(ChunkDelta{ReasoningContent: chunk.Thinking}, nil, nil)) {
				abandon()
				return
			}
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			if call.hasTools() {
				continue
			}
			if !send(chunkEvent(ChunkDelta{Content: chunk.Delta}, nil, nil)) {
				abandon()
				return
			}
		}
	}

	if streamErr != nil {
		logger.Error("stream failed", observability.Error(streamErr), observability.Elapsed(call.start))
		s.recordFailure(call)
		send(StreamEvent{Err: streamErr})
		return
	}

	var toolCalls []ToolCall
	if call.hasTools() {
		var visible string
		toolCalls, visible = ParseToolCalls(ctx, content.String(), call.toolNames)
		if visible != "" && !send(chunkEvent(ChunkDelta{Content: visible}, nil, nil)) {
			s.recordFailure(call)
			return
		}
		for i := range toolCalls {
			index := i
			toolCalls[i].Index = &index
			if !send(chunkEvent(ChunkDelta{ToolCalls: []ToolCall{toolCalls[i]}}, nil, nil)) {
				s.recordFailure(call)
				return
			}
		}
	}

	reported := Usage{}
	if usage != nil {
		reported = *usage
	}
	final := s.fillUsage(call, reported, content.String()+thinking.String())
	cost := s.estimateCost(ctx, call.request.Model, final)

	reason := finishReason(toolCalls)
	send(chunkEvent(ChunkDelta{}, &reason, &ResponseUsage{
		PromptTokens:     final.PromptTokens,
		CompletionTokens: final.CompletionTokens,
		TotalTokens:      final.TotalTokens,
	}))

	s.updateSession(ctx, call, token)
	s.metrics.Record(call.provider.Name(), call.request.Model, RequestOutcome{
		Success:          true,
		Duration:         s.now().Sub(call.start),
		PromptTokens:     final.PromptTokens,
		CompletionTokens: final.CompletionTokens,
		Cost:             cost,
	})

	logger.Info("stream completed",
		observability.Int("tokens", final.TotalTokens),
		observability.Int("tool_calls", len(toolCalls)),
		observability.Elapsed(call.start),
	)
}

// resolve validates the request, picks the provider and binds the session.
func (s *GatewayService) resolve(
	ctx context.Context,
	req *ChatRequest,
	stream bool,
) (*preparedCall, context.Context, error) {
	if err := validateRequest(req); err != nil {
		return nil, ctx, err
	}

	provider, model, err := s.registry.Resolve(ctx, req.Model)
	if err != nil {
		if KindOf(err) == KindServer {
			err = NewError(KindNotFound, fmt.Sprintf("model %s not found", req.Model), err)
		}
		return nil, ctx, err
	}

	ctx = observability.WithProvider(ctx, provider.Name())
	ctx = observability.WithModel(ctx, model)

	session := s.bindSession(ctx, req.ConversationID, provider.Name(), model)
	ctx = observability.WithConversationID(ctx, session.ID)

	now := s.now()
	call := &preparedCall{
		id:        "chatcmpl-" + uuid.NewString(),
		created:   now.Unix(),
		provider:  provider,
		session:   session,
		toolNames: ToolNames(req.Tools),
		start:     now,
		request: &ProviderRequest{
			Model:       model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Thinking:    req.Thinking,
			SessionID:   session.ID,
		},
	}

	if provider.Capabilities().NativeSessions && session.ContinuationToken != "" {
		call.request.ContinuationToken = session.ContinuationToken
		observability.FromContext(ctx).Debug("resuming backend session",
			observability.Int("turn", session.TurnCount))
	}

	if !stream && s.cache != nil && !call.hasTools() && call.request.ContinuationToken == "" {
		key, keyErr := CacheKey(req.Messages, req.Model, req.Temperature, req.MaxTokens)
		if keyErr != nil {
			observability.FromContext(ctx).Warn("cache key unavailable", observability.Error(keyErr))
		}
		call.cacheKey = key
	}

	return call, ctx, nil
}

// bindSession returns the conversation's session, creating a fresh one when the id is
// unknown, expired or bound to another provider.
func (s *GatewayService) bindSession(ctx context.Context, conversationID, provider, model string) Session {
	logger := observability.FromContext(ctx)

	if conversationID == "" {
		return s.sessions.Create("", provider, model)
	}

	session, err := s.sessions.Get(conversationID)
	if err != nil {
		logger.Info("conversation not found, starting a new session",
			observability.String("requested_id", conversationID))
		return s.sessions.Create(conversationID, provider, model)
	}

	if session.Provider != provider {
		logger.Info("conversation switched provider, resetting backend session",
			observability.String("previous_provider", session.Provider))
		return s.sessions.Create(conversationID, provider, model)
	}

	return session
}

// prepareMessages applies the tool protocol and the rolling summary to the provider request.
func (s *GatewayService) prepareMessages(ctx context.Context, req *ChatRequest, call *preparedCall) {
	messages := FormatToolResultsForPrompt(req.Messages)
	if call.hasTools() {
		prompt := NewMessage(RoleSystem, CreateToolSystemPrompt(req.Tools, req.ToolChoice))
		messages = append([]Message{prompt}, messages...)
	}

	if s.opts.SummaryEnabled && !call.provider.Capabilities().NativeSessions {
		messages = s.summarize(ctx, call, messages)
	}

	call.request.Messages = messages
}

func (s *GatewayService) summarize(ctx context.Context, call *preparedCall, messages []Message) []Message {
	session := call.session
	nonSystem := NonSystemCount(messages)
	keep := s.opts.SummaryKeepRecent

	if !NeedsSummarization(messages, s.opts.SummaryThreshold, session.SummarizedUpTo) {
		if session.Summary != "" && session.SummarizedUpTo > 0 && nonSystem >= session.SummarizedUpTo {
			return ApplySummary(messages, session.Summary, nonSystem-session.SummarizedUpTo)
		}
		return messages
	}

	pending := MessagesToSummarize(messages, session.SummarizedUpTo, keep)
	if len(pending) == 0 {
		return messages
	}

	complete, model := s.summaryCompleter(ctx, call)
	summary := s.summarizer.Generate(ctx, complete, model, pending, session.Summary)
	upTo := nonSystem - keep
	s.sessions.SetSummary(session.ID, summary, upTo)
	call.session.Summary = summary
	call.session.SummarizedUpTo = upTo

	return ApplySummary(messages, summary, keep)
}

// summaryCompleter picks the provider for summary calls and routes them through the queue.
func (s *GatewayService) summaryCompleter(ctx context.Context, call *preparedCall) (CompleteFunc, string) {
	provider, model := call.provider, call.request.Model
	if s.opts.SummaryModel != "" {
		p, m, err := s.registry.Resolve(ctx, s.opts.SummaryModel)
		if err == nil {
			provider, model = p, m
		} else {
			observability.FromContext(ctx).Warn("summary model unavailable, using request model",
				observability.String("summary_model", s.opts.SummaryModel),
				observability.Error(err),
			)
		}
	}

	return func(ctx context.Context, req *ProviderRequest) (*CompletionResponse, error) {
		return RunQueued(ctx, s.queue, provider.Name(), func(ctx context.Context) (*CompletionResponse, error) {
			return provider.Complete(ctx, req)
		})
	}, model
}

func (s *GatewayService) lookupCache(ctx context.Context, call *preparedCall) *ChatCompletion {
	if call.cacheKey == "" {
		return nil
	}
	logger := observability.FromContext(ctx)

	raw, err := s.cache.Get(ctx, call.cacheKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logger.Warn("cache lookup failed", observability.Error(err))
		}
		return nil
	}

	var cached ChatCompletion
	if err := json.Unmarshal(raw, &cached); err != nil {
		logger.Warn("discarding undecodable cache entry", observability.Error(err))
		return nil
	}

	cached.ConversationID = call.session.ID
	cached.CacheHit = true
	logger.Info("completion served from cache")
	return &cached
}

func (s *GatewayService) storeCache(ctx context.Context, call *preparedCall, completion *ChatCompletion) {
	if call.cacheKey == "" {
		return
	}
	logger := observability.FromContext(ctx)

	raw, err := json.Marshal(completion)
	if err != nil {
		logger.Warn("failed to encode completion for cache", observability.Error(err))
		return
	}
	if err := s.cache.Set(ctx, call.cacheKey, raw); err != nil {
		logger.Warn("failed to store completion in cache", observability.Error(err))
	}
}

func (s *GatewayService) updateSession(ctx context.Context, call *preparedCall, token string) {
	if token == "" || !call.provider.Capabilities().NativeSessions {
		return
	}
	if !s.sessions.UpdateContinuationToken(call.session.ID, token) {
		observability.FromContext(ctx).Warn("session vanished before its token could be stored")
	}
}

func (s *GatewayService) recordFailure(call *preparedCall) {
	s.metrics.Record(call.provider.Name(), call.request.Model, RequestOutcome{
		Success:  false,
		Duration: s.now().Sub(call.start),
	})
}

// fillUsage estimates any token counts the backend did not report.
func (s *GatewayService) fillUsage(call *preparedCall, usage Usage, output string) Usage {
	if usage.PromptTokens == 0 {
		usage.PromptTokens = EstimateMessageTokens(call.request.Messages)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = EstimateTokens(output)
	}
	if usage.TotalTokens < usage.PromptTokens+usage.CompletionTokens {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func (s *GatewayService) estimateCost(ctx context.Context, model string, usage Usage) float64 {
	if s.costs == nil {
		return usage.Cost
	}
	cost, err := s.costs.Calculate(ctx, model, usage)
	if err != nil {
		observability.FromContext(ctx).Warn("cost calculation failed", observability.Error(err))
		return usage.Cost
	}
	return cost
}

func validateRequest(req *ChatRequest) error {
	if req == nil {
		return Errorf(KindInvalidRequest, "request cannot be nil")
	}
	if req.Model == "" {
		return Errorf(KindInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return Errorf(KindInvalidRequest, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return Errorf(KindInvalidRequest, "messages[%d]: unknown role %q", i, msg.Role)
		}
	}
	for i, tool := range req.Tools {
		if tool.Function.Name == "" {
			return Errorf(KindInvalidRequest, "tools[%d]: function name is required", i)
		}
	}
	if req.ToolChoice != nil && req.ToolChoice.Mode == ToolChoiceFunction {
		found := false
		for _, name := range ToolNames(req.Tools) {
			found = found || name == req.ToolChoice.Function
		}
		if !found {
			return Errorf(KindInvalidRequest, "tool_choice names undeclared tool %q", req.ToolChoice.Function)
		}
	}
	return nil
}

// completeAsStream adapts a non-streaming provider to the chunk protocol.
func completeAsStream(ctx context.Context, provider Provider, req *ProviderRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 2)
	go func() {
		defer close(out)
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			out <- StreamChunk{Done: true, Error: err}
			return
		}
		out <- StreamChunk{Delta: resp.Content, Thinking: resp.Thinking}
		usage := resp.Usage
		out <- StreamChunk{Done: true, Usage: &usage, ContinuationToken: resp.ContinuationToken}
	}()
	return out
}

// RunQueued runs fn through the backend's admission queue with a typed result.
func RunQueued[T any](
	ctx context.Context,
	queue RequestQueue,
	backend string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	result, err := queue.Execute(ctx, backend, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, NewError(KindServer, fmt.Sprintf("unexpected queued result %T", result), nil)
	}
	return typed, nil
}

func finishReason(calls []ToolCall) string {
	if len(calls) > 0 {
		return finishToolCalls
	}
	return finishStop
}

func contentPointer(content string, hasToolCalls bool) *string {
	if content == "" && hasToolCalls {
		return nil
	}
	return &content
}

func nilIfEmpty(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	return calls
}
