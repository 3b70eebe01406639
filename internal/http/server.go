// Package http is the router's REST ingress: request submission,
// observability projections, and health endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmrouter/internal/cache"
	"llmrouter/internal/catalog"
	"llmrouter/internal/config"
	"llmrouter/internal/domain"
	"llmrouter/internal/feedback"
	"llmrouter/internal/gateway"
	"llmrouter/internal/resilience"
	"llmrouter/internal/telemetry"
	"llmrouter/internal/upstream"
)

// RouteService serves one routing request; either the pipeline directly
// or the dispatcher in front of it.
type RouteService interface {
	Route(ctx context.Context, req *domain.Request) (*domain.RouteResult, error)
}

// Options wires a Server.
type Options struct {
	Service    RouteService
	Catalog    *catalog.Catalog
	Upstreams  *upstream.Registry
	Cache      *cache.Cache
	Breaker    *resilience.Breaker
	Feedback   *feedback.Loop      // optional
	Dispatcher *gateway.Dispatcher // optional
	Metrics    *telemetry.Metrics
	Config     config.ServerConfig
}

// Server is the HTTP ingress.
type Server struct {
	service    RouteService
	catalog    *catalog.Catalog
	upstreams  *upstream.Registry
	cache      *cache.Cache
	breaker    *resilience.Breaker
	feedback   *feedback.Loop
	dispatcher *gateway.Dispatcher
	metrics    *telemetry.Metrics
	cfg        config.ServerConfig

	auth *authenticator

	// Rolling ingress counters behind /v1/route/stats.
	statsMu  sync.Mutex
	outcomes map[string]int64
	byModel  map[string]int64

	httpServer *http.Server
}

// NewServer builds the ingress over its collaborators.
func NewServer(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Server{
		service:    opts.Service,
		catalog:    opts.Catalog,
		upstreams:  opts.Upstreams,
		cache:      opts.Cache,
		breaker:    opts.Breaker,
		feedback:   opts.Feedback,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		cfg:        opts.Config,
		auth:       newAuthenticator(opts.Config.APIKeys),
		outcomes:   make(map[string]int64),
		byModel:    make(map[string]int64),
	}
}

// Handler assembles the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/route", s.withAuth(s.handleRoute))
	mux.HandleFunc("GET /v1/route/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("GET /v1/route/models", s.withAuth(s.handleModels))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.correlationMiddleware(s.corsMiddleware(mux))
}

// Start serves until ctx is canceled, then drains within the shutdown
// grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	slog.Info("http server draining", "grace", grace)
	return s.httpServer.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

// routeRequest is the POST /v1/route body.
type routeRequest struct {
	Content     string              `json:"content"`
	UseCase     string              `json:"useCase,omitempty"`
	Complexity  string              `json:"complexity,omitempty"`
	MaxTokens   int                 `json:"maxTokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Priority    int                 `json:"priority,omitempty"`
	Budget      float64             `json:"budget,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Schema      map[string]any      `json:"outputSchema,omitempty"`
}

// routeResponse is the success envelope for POST /v1/route.
type routeResponse struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Model     string            `json:"model"`
	Tokens    domain.TokenUsage `json:"tokens"`
	Cost      float64           `json:"cost"`
	LatencyMs int64             `json:"latencyMs"`
	Quality   float64           `json:"quality"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  routeMetadata     `json:"metadata"`
}

type routeMetadata struct {
	RequestID         string `json:"requestId"`
	ProcessingTimeMs  int64  `json:"processingTimeMs"`
	UseCase           string `json:"useCase,omitempty"`
	Complexity        string `json:"complexity,omitempty"`
	CacheHit          bool   `json:"cacheHit,omitempty"`
	SemanticHit       bool   `json:"semanticHit,omitempty"`
	Fallback          bool   `json:"fallback,omitempty"`
	FallbackExhausted bool   `json:"fallbackExhausted,omitempty"`
	Attempts          int    `json:"attempts,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	maxBytes := s.cfg.MaxRequestSize
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var body routeRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, requestID, domain.Errorf(domain.ErrInvalidInput,
				"request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, requestID, domain.WrapError(domain.ErrInvalidInput, "malformed request body", err))
		return
	}
	if body.Content == "" {
		s.writeError(w, r, requestID, domain.NewError(domain.ErrInvalidInput, "content is required"))
		return
	}
	if body.Complexity != "" {
		if _, ok := domain.ParseComplexity(body.Complexity); !ok {
			s.writeError(w, r, requestID, domain.Errorf(domain.ErrInvalidInput,
				"unknown complexity %q", body.Complexity))
			return
		}
	}

	req := &domain.Request{
		ID:            requestID,
		Content:       body.Content,
		Attachments:   body.Attachments,
		UseCase:       body.UseCase,
		Complexity:    domain.Complexity(body.Complexity),
		Priority:      body.Priority,
		BudgetUSD:     body.Budget,
		MaxTokens:     body.MaxTokens,
		Temperature:   body.Temperature,
		OutputSchema:  body.Schema,
		CorrelationID: correlationID(r.Context()),
		ReceivedAt:    start,
	}

	res, err := s.service.Route(r.Context(), req)
	if err != nil {
		code := domain.CodeOf(err)
		s.recordIngress(string(code), "")
		s.writeError(w, r, requestID, err)
		return
	}

	s.recordIngress(string(res.Outcome), res.ModelID)
	s.writeJSON(w, http.StatusOK, routeResponse{
		ID:        res.RequestID,
		Content:   res.Content,
		Model:     res.ModelID,
		Tokens:    res.Tokens,
		Cost:      res.CostUSD,
		LatencyMs: res.LatencyMs,
		Quality:   res.Quality,
		Timestamp: res.Timestamp,
		Metadata: routeMetadata{
			RequestID:         requestID,
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
			UseCase:           string(res.TaskType),
			Complexity:        string(res.Complexity),
			CacheHit:          res.CacheHit,
			SemanticHit:       res.SemanticHit,
			Fallback:          res.Fallback,
			FallbackExhausted: res.FallbackExhausted,
			Attempts:          res.Attempts,
		},
	})
}

// statsResponse aggregates the router's observable state.
type statsResponse struct {
	Outcomes   map[string]int64             `json:"outcomes"`
	Models     map[string]int64             `json:"models"`
	Cache      cache.Stats                  `json:"cache"`
	Circuits   map[string]string            `json:"circuits"`
	Dispatcher *gateway.DispatcherStats     `json:"dispatcher,omitempty"`
	Feedback   map[string]feedback.JobStats `json:"feedback,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	outcomes := make(map[string]int64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	models := make(map[string]int64, len(s.byModel))
	for k, v := range s.byModel {
		models[k] = v
	}
	s.statsMu.Unlock()

	circuits := make(map[string]string)
	for key, state := range s.breaker.Snapshot() {
		circuits[key] = string(state.Status)
	}

	resp := statsResponse{
		Outcomes: outcomes,
		Models:   models,
		Cache:    s.cache.Stats(),
		Circuits: circuits,
	}
	if s.dispatcher != nil {
		stats := s.dispatcher.Stats()
		resp.Dispatcher = &stats
	}
	if s.feedback != nil {
		resp.Feedback = s.feedback.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// modelView is the catalog projection exposed to callers.
type modelView struct {
	ID           string              `json:"id"`
	DisplayName  string              `json:"displayName,omitempty"`
	Provider     string              `json:"provider"`
	Capabilities []domain.Capability `json:"capabilities"`
	InputPer1K   float64             `json:"inputPer1K"`
	OutputPer1K  float64             `json:"outputPer1K"`
	PriceSource  string              `json:"priceSource,omitempty"`
	Quality      float64             `json:"quality"`
	AvgLatencyMs float64             `json:"avgLatencyMs"`
	Status       string              `json:"status"`
	Enabled      bool                `json:"enabled"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.List()
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, modelView{
			ID:           m.ID,
			DisplayName:  m.DisplayName,
			Provider:     m.Provider,
			Capabilities: m.Capabilities,
			InputPer1K:   m.Pricing.InputPer1K,
			OutputPer1K:  m.Pricing.OutputPer1K,
			PriceSource:  m.Pricing.Source,
			Quality:      m.Performance.QualityScore,
			AvgLatencyMs: m.Performance.AvgLatencyMs,
			Status:       string(m.Availability.Status),
			Enabled:      m.Enabled,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": out, "count": len(out)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher != nil && !s.dispatcher.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "overloaded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady attests that the catalog holds models and at least one
// upstream answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.catalog.Len() == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unready", "reason": "catalog empty",
		})
		return
	}
	if !s.upstreams.AnyReachable(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unready", "reason": "no upstream reachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) recordIngress(outcome, model string) {
	s.statsMu.Lock()
	s.outcomes[outcome]++
	if model != "" {
		s.byModel[model]++
	}
	s.statsMu.Unlock()
}

// =============================================================================
// Response writing
// =============================================================================

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	code := domain.CodeOf(err)
	status := domain.StatusFor(code)

	env := errorEnvelope{
		Error:     string(code),
		Message:   err.Error(),
		RequestID: requestID,
	}
	var re *domain.RouterError
	if errors.As(err, &re) {
		env.Message = re.Message
		if len(re.Details) > 0 {
			env.Details = re.Details
		}
		if re.RequestID != "" {
			env.RequestID = re.RequestID
		}
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}

	slog.Warn("request failed",
		"status", status,
		"code", string(code),
		"request_id", env.RequestID,
		"correlation_id", correlationID(r.Context()),
		"path", r.URL.Path)

	s.writeJSON(w, status, env)
}
