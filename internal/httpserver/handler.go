package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/httpserver/middleware"
	"github.com/davidbz/clibridge/internal/metrics"
	"github.com/davidbz/clibridge/internal/observability"
)

const (
	headerCache          = "X-Clibridge-Cache"
	headerConversationID = "X-Conversation-Id"

	// queueDegradedRatio marks a backend queue as congested.
	queueDegradedRatio = 0.8
)

// MetricsSource exposes the collector to the transport.
type MetricsSource interface {
	Snapshot() *metrics.Snapshot
	Reset()
}

// Handler handles HTTP requests.
type Handler struct {
	gateway      *domain.GatewayService
	registry     domain.ProviderRegistry
	queue        domain.RequestQueue
	sessions     domain.SessionStore
	cache        domain.ResponseCache
	metrics      MetricsSource
	maxBodyBytes int64
	started      time.Time
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	cfg *Config,
	gateway *domain.GatewayService,
	registry domain.ProviderRegistry,
	queue domain.RequestQueue,
	sessions domain.SessionStore,
	cache domain.ResponseCache,
	metricsSource MetricsSource,
) *Handler {
	return &Handler{
		gateway:      gateway,
		registry:     registry,
		queue:        queue,
		sessions:     sessions,
		cache:        cache,
		metrics:      metricsSource,
		maxBodyBytes: cfg.MaxBodyBytes,
		started:      time.Now(),
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", h.HandleChatCompletion)
	mux.HandleFunc("GET /v1/models", h.HandleListModels)
	mux.HandleFunc("GET /v1/models/{id...}", h.HandleGetModel)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("POST /metrics/reset", h.HandleMetricsReset)
	mux.HandleFunc("GET /queue", h.HandleQueue)
	mux.HandleFunc("POST /cache/clear", h.HandleCacheClear)
	return mux
}

// HandleChatCompletion processes OpenAI-compatible chat completion requests.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, domain.KindInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, domain.NewError(domain.KindInvalidRequest, "invalid request body", err))
		return
	}

	// Inject model into context for downstream logging.
	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("chat completion request received",
		observability.String("model", req.Model),
		observability.Bool("stream", req.Stream),
		observability.Int("messages", len(req.Messages)),
		observability.Int("tools", len(req.Tools)),
	)

	if req.Stream {
		h.streamCompletion(w, r.WithContext(ctx), &req)
		return
	}

	completion, err := h.gateway.Complete(ctx, &req)
	if err != nil {
		logger.Error("chat completion failed", observability.Error(err))
		writeError(w, err)
		return
	}

	cacheStatus := "MISS"
	if completion.CacheHit {
		cacheStatus = "HIT"
	}
	w.Header().Set(headerCache, cacheStatus)
	w.Header().Set(headerConversationID, completion.ConversationID)
	writeJSON(w, http.StatusOK, completion)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, req *domain.ChatRequest) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	events, info, err := h.gateway.Stream(ctx, req)
	if err != nil {
		logger.Error("stream failed", observability.Error(err))
		writeError(w, err)
		return
	}

	w.Header().Set(headerConversationID, info.ConversationID)
	sse := newSSEWriter(w)
	sse.start()

	for ev := range events {
		if ev.Err != nil {
			sse.send(errorBody(ev.Err))
			continue
		}
		sse.send(ev.Chunk)
	}
	sse.done()

	if sse.err != nil {
		logger.Info("client went away during stream", observability.Error(sse.err))
	}
}

type modelList struct {
	Object string             `json:"object"`
	Data   []domain.ModelInfo `json:"data"`
}

// HandleListModels returns the model catalog.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.registry.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []domain.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

// HandleGetModel returns one catalog entry.
func (h *Handler) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	models, err := h.registry.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, m := range models {
		if m.ID == id {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeError(w, domain.Errorf(domain.KindNotFound, "model %s not found", id))
}

type healthResponse struct {
	Status    string                              `json:"status"`
	Providers map[string]domain.ProviderStatus    `json:"providers"`
	Queue     map[string]domain.BackendQueueStats `json:"queue"`
	Sessions  domain.SessionStats                 `json:"sessions"`
}

// HandleHealth reports provider availability, queue and session state. The status is
// degraded when a provider is down or a backend queue is congested.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.Availability(r.Context())
	queueStats := h.queue.Stats()

	status := "healthy"
	for _, p := range providers {
		if !p.Available {
			status = "degraded"
		}
	}
	for _, q := range queueStats {
		if q.MaxQueueSize > 0 && float64(q.Pending) > queueDegradedRatio*float64(q.MaxQueueSize) {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Providers: providers,
		Queue:     queueStats,
		Sessions:  h.sessions.Stats(),
	})
}

type totalsView struct {
	metrics.Totals

	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type providerView struct {
	totalsView

	Models map[string]totalsView `json:"models"`
}

type metricsResponse struct {
	Since         time.Time                           `json:"since"`
	UptimeSeconds float64                             `json:"uptime_seconds"`
	Total         totalsView                          `json:"total"`
	Providers     map[string]providerView             `json:"providers"`
	Queue         map[string]domain.BackendQueueStats `json:"queue"`
	Sessions      domain.SessionStats                 `json:"sessions"`
	Cache         domain.CacheStats                   `json:"cache"`
}

func viewOf(t metrics.Totals) totalsView {
	return totalsView{Totals: t, AvgLatencyMs: t.AvgLatencyMs()}
}

// HandleMetrics returns the collector snapshot with queue, session and cache stats.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.metrics.Snapshot()

	providers := make(map[string]providerView, len(snapshot.Providers))
	for name, p := range snapshot.Providers {
		models := make(map[string]totalsView, len(p.Models))
		for model, t := range p.Models {
			models[model] = viewOf(t)
		}
		providers[name] = providerView{totalsView: viewOf(p.Totals), Models: models}
	}

	writeJSON(w, http.StatusOK, metricsResponse{
		Since:         snapshot.Since,
		UptimeSeconds: time.Since(h.started).Seconds(),
		Total:         viewOf(snapshot.Total),
		Providers:     providers,
		Queue:         h.queue.Stats(),
		Sessions:      h.sessions.Stats(),
		Cache:         h.cache.Stats(),
	})
}

// HandleMetricsReset zeroes the collector.
func (h *Handler) HandleMetricsReset(w http.ResponseWriter, r *http.Request) {
	h.metrics.Reset()
	observability.FromContext(r.Context()).Info("metrics reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleQueue returns per-backend queue stats.
func (h *Handler) HandleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// HandleCacheClear flushes the response cache.
func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear(r.Context())
	observability.FromContext(r.Context()).Info("response cache cleared")
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "cache": h.cache.Stats()})
}
