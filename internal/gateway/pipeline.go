// Package gateway orchestrates one routing request end to end: cache
// lookup, guard screening, classification, candidate selection, and
// breaker-wrapped upstream calls, followed by the bookkeeping a
// completed request owes the cache and the predictor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"llmrouter/internal/cache"
	"llmrouter/internal/catalog"
	"llmrouter/internal/classify"
	"llmrouter/internal/domain"
	"llmrouter/internal/guard"
	"llmrouter/internal/policy"
	"llmrouter/internal/predict"
	"llmrouter/internal/resilience"
	"llmrouter/internal/telemetry"
	"llmrouter/internal/upstream"
)

// Options wires a Pipeline's collaborators.
type Options struct {
	Catalog    *catalog.Catalog
	Classifier *classify.Classifier
	Guard      *guard.Guard
	Cache      *cache.Cache
	Selector   *policy.Selector
	Table      *policy.Table
	Breaker    *resilience.Breaker
	Predictor  *predict.Predictor
	Upstreams  *upstream.Registry
	Metrics    *telemetry.Metrics

	// RequestDeadline bounds one request end to end. UpstreamTimeout
	// caps a single upstream call when the task table sets no tighter
	// latency bound.
	RequestDeadline time.Duration
	UpstreamTimeout time.Duration
}

// Pipeline serves routing requests. Safe for concurrent use.
type Pipeline struct {
	catalog    *catalog.Catalog
	classifier *classify.Classifier
	guard      *guard.Guard
	cache      *cache.Cache
	selector   *policy.Selector
	table      *policy.Table
	breaker    *resilience.Breaker
	predictor  *predict.Predictor
	upstreams  *upstream.Registry
	metrics    *telemetry.Metrics

	requestDeadline time.Duration
	upstreamTimeout time.Duration
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 60 * time.Second
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 30 * time.Second
	}
	return &Pipeline{
		catalog:         opts.Catalog,
		classifier:      opts.Classifier,
		guard:           opts.Guard,
		cache:           opts.Cache,
		selector:        opts.Selector,
		table:           opts.Table,
		breaker:         opts.Breaker,
		predictor:       opts.Predictor,
		upstreams:       opts.Upstreams,
		metrics:         opts.Metrics,
		requestDeadline: opts.RequestDeadline,
		upstreamTimeout: opts.UpstreamTimeout,
	}
}

// Route serves one request. Exactly one terminal outcome is recorded
// per call. On fallback exhaustion the degraded result is returned
// alongside the error so the caller can surface its metadata.
func (p *Pipeline) Route(ctx context.Context, req *domain.Request) (*domain.RouteResult, error) {
	start := time.Now()
	rec := p.metrics.NewRequestRecorder()

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, p.requestDeadline)
	defer cancel()

	// The fingerprint derives from the caller's hints rather than the
	// classification, which runs later; both lookup and store use the
	// same key so identical requests always collide.
	task, cx := fingerprintHints(req)
	key := cache.Key(task, cx, req.Content)

	// Stage 1: exact, then semantic cache lookup.
	if hit, ok := p.cache.Get(key); ok {
		res := *hit
		res.RequestID = req.ID
		res.CacheHit = true
		res.LatencyMs = time.Since(start).Milliseconds()
		res.Outcome = domain.OutcomeOK
		rec.SetTaskType(string(res.TaskType))
		rec.RecordOutcome(string(domain.OutcomeOK), res.ModelID, 0, 0, 0)
		return &res, nil
	}
	if hit, similarity, ok := p.cache.GetSemantic(task, cx, req.Content); ok {
		res := *hit
		res.RequestID = req.ID
		res.CacheHit = true
		res.SemanticHit = true
		res.LatencyMs = time.Since(start).Milliseconds()
		res.Outcome = domain.OutcomeOK
		rec.SetTaskType(string(res.TaskType))
		rec.RecordOutcome(string(domain.OutcomeOK), res.ModelID, 0, 0, 0)
		slog.Debug("semantic cache hit", "request_id", req.ID, "similarity", similarity)
		return &res, nil
	}

	// Stage 2: guard screening. A blocked request never reaches an
	// upstream.
	verdict := p.guard.InspectRequest(req)
	if verdict.RateLimited {
		rec.RecordOutcome("rate-limited", "", 0, 0, 0)
		return nil, domain.NewError(domain.ErrRateLimited, "caller rate limit exceeded").WithRequestID(req.ID)
	}
	if verdict.Blocked {
		rec.RecordOutcome(string(domain.OutcomeSafetyBlock), "", 0, 0, 0)
		msg := "request blocked by safety screening"
		if len(verdict.Anomalies) > 0 {
			msg = verdict.Anomalies[0].Detail
			if msg == "" {
				msg = fmt.Sprintf("request blocked: %s", verdict.Anomalies[0].Family)
			}
		}
		return nil, domain.NewError(domain.ErrSafetyBlock, msg).
			WithRequestID(req.ID).
			WithDetail("risk", string(verdict.RiskLevel))
	}

	// Stage 3: classify the sanitized content.
	cls := p.classifier.Classify(ctx, req, verdict.SanitizedContent)
	rec.SetTaskType(string(cls.TaskType))

	// Stage 4: candidate selection.
	candidates := p.selector.Select(cls, req.BudgetUSD)
	if len(candidates) == 0 {
		p.metrics.RoutingFailures.WithLabelValues("no-candidates").Inc()
		rec.RecordOutcome("routing-failure", "", 0, 0, 0)
		return nil, domain.NewError(domain.ErrRoutingFailure, "no model can serve this request").
			WithRequestID(req.ID).
			WithDetail("task_type", string(cls.TaskType))
	}

	// Stage 5: candidate loop under the overall deadline.
	route := p.table.Route(cls.TaskType)
	deadline, _ := ctx.Deadline()
	attempts := 0
	var lastErr error

	for _, cand := range candidates {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		// A candidate whose expected latency already exceeds the
		// remaining budget is not worth an attempt.
		if cand.Predicted.AvgLatencyMs > 0 && time.Duration(cand.Predicted.AvgLatencyMs)*time.Millisecond > remaining {
			slog.Debug("candidate skipped on deadline budget",
				"request_id", req.ID,
				"model", cand.Model.ID,
				"predicted_ms", cand.Predicted.AvgLatencyMs,
				"remaining_ms", remaining.Milliseconds())
			continue
		}

		attempts++
		attemptStart := time.Now()
		result, err := p.attempt(ctx, req, verdict.SanitizedContent, cand, route, remaining)
		if err == nil {
			res := p.finish(req, cls, cand, result, start, attempts)
			p.metrics.RoutingDecisions.WithLabelValues(string(cls.TaskType), string(cand.Source)).Inc()
			rec.RecordOutcome(string(domain.OutcomeOK), res.ModelID, res.Tokens.Input, res.Tokens.Output, res.CostUSD)
			p.settle(key, req, cls, *res)
			return res, nil
		}

		lastErr = err
		p.recordFailure(req, cls, cand, attemptStart, err)
		if stopsCandidateLoop(err) {
			break
		}
	}

	// Stage 6: nothing served the request.
	if attempts == 0 || errors.Is(lastErr, context.DeadlineExceeded) || domain.CodeOf(lastErr) == domain.ErrTimeout {
		rec.RecordOutcome(string(domain.OutcomeTimeout), "", 0, 0, 0)
		p.metrics.RoutingFailures.WithLabelValues("deadline").Inc()
		return nil, domain.WrapError(domain.ErrTimeout, "request deadline exhausted", lastErr).WithRequestID(req.ID)
	}

	rec.RecordOutcome(string(domain.OutcomeUpstreamError), "", 0, 0, 0)
	if stopsCandidateLoop(lastErr) {
		return nil, domain.WrapError(domain.ErrUpstreamError, "upstream rejected the request", lastErr).
			WithRequestID(req.ID)
	}
	p.metrics.RoutingFailures.WithLabelValues("fallback-exhausted").Inc()
	degraded := &domain.RouteResult{
		RequestID:         req.ID,
		TaskType:          cls.TaskType,
		Complexity:        cls.Complexity,
		LatencyMs:         time.Since(start).Milliseconds(),
		FallbackExhausted: true,
		Attempts:          attempts,
		Outcome:           domain.OutcomeUpstreamError,
		Timestamp:         time.Now(),
	}
	return degraded, domain.WrapError(domain.ErrUpstreamError, "all candidates failed", lastErr).
		WithRequestID(req.ID).
		WithDetail("fallback_exhausted", true).
		WithDetail("attempts", attempts)
}

// attempt runs one breaker-wrapped upstream call. The op screens the
// response; the open-circuit fallback retries the model bare, without
// the response screen.
func (p *Pipeline) attempt(ctx context.Context, req *domain.Request, content string, cand policy.Candidate, route policy.TaskRoute, remaining time.Duration) (*upstream.Result, error) {
	up, ok := p.upstreamFor(cand.Model)
	if !ok {
		return nil, domain.Errorf(domain.ErrRoutingFailure, "no upstream registered for model %s", cand.Model.ID)
	}

	timeout := p.upstreamTimeout
	if bound := route.Thresholds.MaxLatency(); bound > 0 && bound < timeout {
		timeout = bound
	}
	if remaining < timeout {
		timeout = remaining
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ureq := upstream.Request{
		ModelID:     cand.Model.ID,
		Content:     content,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var result *upstream.Result
	generate := func(ctx context.Context) error {
		start := time.Now()
		r, err := up.Generate(ctx, ureq)
		p.metrics.UpstreamRequests.WithLabelValues(up.Name(), cand.Model.ID).Inc()
		p.metrics.UpstreamLatency.WithLabelValues(up.Name(), cand.Model.ID).Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.UpstreamErrors.WithLabelValues(up.Name(), string(upstream.KindOf(err))).Inc()
			return err
		}
		result = r
		return nil
	}

	op := func(ctx context.Context) error {
		if err := generate(ctx); err != nil {
			return err
		}
		v := p.guard.InspectResponse(result.Content, req.OutputSchema)
		if v.Blocked {
			result = nil
			reason := "response failed safety screening"
			if len(v.Anomalies) > 0 && v.Anomalies[0].Detail != "" {
				reason = v.Anomalies[0].Detail
			}
			return domain.NewError(domain.ErrSafetyBlock, reason)
		}
		result.Content = v.SanitizedContent
		return nil
	}

	if err := p.breaker.Execute(callCtx, cand.Model.ID, op, generate); err != nil {
		if callCtx.Err() != nil && result == nil {
			return nil, domain.WrapError(domain.ErrTimeout, "upstream call timed out", err)
		}
		return nil, err
	}
	return result, nil
}

// finish assembles the successful RouteResult.
func (p *Pipeline) finish(req *domain.Request, cls domain.Classification, cand policy.Candidate, result *upstream.Result, start time.Time, attempts int) *domain.RouteResult {
	quality := cand.Predicted.Quality
	if cand.Predicted.SampleCount == 0 && cand.Model.Performance.QualityScore > 0 {
		quality = cand.Model.Performance.QualityScore
	}
	return &domain.RouteResult{
		RequestID:  req.ID,
		Content:    result.Content,
		ModelID:    cand.Model.ID,
		Provider:   cand.Model.Provider,
		TaskType:   cls.TaskType,
		Complexity: cls.Complexity,
		Tokens: domain.TokenUsage{
			Input:  result.InputTokens,
			Output: result.OutputTokens,
			Total:  result.TotalTokens,
		},
		CostUSD:   cand.Model.Pricing.CostFor(result.InputTokens, result.OutputTokens),
		LatencyMs: time.Since(start).Milliseconds(),
		Quality:   quality,
		Fallback:  cand.Source != policy.SourcePrimary,
		Attempts:  attempts,
		Outcome:   domain.OutcomeOK,
		Timestamp: time.Now(),
	}
}

// settle writes the response to the cache and feeds the predictor.
func (p *Pipeline) settle(key string, req *domain.Request, cls domain.Classification, res domain.RouteResult) {
	ttl := cache.TTLFor(cls.Complexity, cls.Priority)
	tags := []string{
		"task:" + string(cls.TaskType),
		"model:" + res.ModelID,
	}
	p.cache.Set(key, req.Content, res, ttl, cls.Priority, tags)

	p.predictor.Record(domain.RequestMetric{
		RequestID:     req.ID,
		ModelID:       res.ModelID,
		TaskType:      cls.TaskType,
		Complexity:    cls.Complexity,
		StartedAt:     req.ReceivedAt,
		EndedAt:       time.Now(),
		LatencyMs:     res.LatencyMs,
		InputTokens:   res.Tokens.Input,
		OutputTokens:  res.Tokens.Output,
		CostUSD:       res.CostUSD,
		QualitySignal: res.Quality,
		Outcome:       domain.OutcomeOK,
	})
}

// recordFailure feeds one failed attempt to the predictor so success
// rates reflect it.
func (p *Pipeline) recordFailure(req *domain.Request, cls domain.Classification, cand policy.Candidate, attemptStart time.Time, err error) {
	outcome := domain.OutcomeUpstreamError
	switch {
	case domain.CodeOf(err) == domain.ErrCircuitOpen:
		outcome = domain.OutcomeCircuitOpen
	case domain.CodeOf(err) == domain.ErrTimeout || errors.Is(err, context.DeadlineExceeded):
		outcome = domain.OutcomeTimeout
	case domain.CodeOf(err) == domain.ErrSafetyBlock:
		outcome = domain.OutcomeSafetyBlock
	}

	slog.Warn("candidate attempt failed",
		"request_id", req.ID,
		"model", cand.Model.ID,
		"source", string(cand.Source),
		"outcome", string(outcome),
		"error", err)

	p.predictor.Record(domain.RequestMetric{
		RequestID:  req.ID,
		ModelID:    cand.Model.ID,
		TaskType:   cls.TaskType,
		Complexity: cls.Complexity,
		StartedAt:  attemptStart,
		EndedAt:    time.Now(),
		LatencyMs:  time.Since(attemptStart).Milliseconds(),
		Outcome:    outcome,
	})
}

// upstreamFor resolves the registry entry serving a model.
func (p *Pipeline) upstreamFor(m catalog.Model) (upstream.Upstream, bool) {
	if m.UpstreamID != "" {
		if up, ok := p.upstreams.Get(m.UpstreamID); ok {
			return up, true
		}
	}
	return p.upstreams.Get(m.Provider)
}

// stopsCandidateLoop reports whether a failure surfaces immediately
// instead of trying the next candidate. Response safety blocks and
// transient upstream trouble move on; a definitive provider rejection
// does not improve with a different model of the same request.
func stopsCandidateLoop(err error) bool {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.Kind == upstream.KindInvalidArgument || ue.Kind == upstream.KindPermissionDenied
	}
	return false
}

// fingerprintHints derives the cache key coordinates from the request
// alone. Unset hints default to the broadest bucket.
func fingerprintHints(req *domain.Request) (domain.TaskType, domain.Complexity) {
	task := domain.TaskGeneral
	if req.UseCase != "" {
		task, _ = domain.ParseTaskType(req.UseCase)
	}
	cx := domain.ComplexityModerate
	if req.Complexity != "" {
		cx, _ = domain.ParseComplexity(string(req.Complexity))
	}
	return task, cx
}
