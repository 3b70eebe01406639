// Package main is the entry point for the llmrouter server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"llmrouter/internal/cache"
	"llmrouter/internal/catalog"
	"llmrouter/internal/classify"
	"llmrouter/internal/config"
	"llmrouter/internal/domain"
	"llmrouter/internal/feedback"
	"llmrouter/internal/gateway"
	"llmrouter/internal/guard"
	httpserver "llmrouter/internal/http"
	"llmrouter/internal/policy"
	"llmrouter/internal/predict"
	"llmrouter/internal/resilience"
	"llmrouter/internal/telemetry"
	"llmrouter/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	applyLogLevel(cfg.Telemetry.LogLevel)

	slog.Info("starting llmrouter",
		"version", "0.1.0",
		"http_port", cfg.Server.HTTPPort,
		"upstreams", cfg.EnabledUpstreams())

	metrics, shutdownTelemetry, err := telemetry.Init()
	if err != nil {
		slog.Error("initializing telemetry failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model inventory: static seeds plus optional Bedrock discovery,
	// priced from the rate sheet with a heuristic floor.
	cat := catalog.New(cfg.Catalog.StalenessWindow)
	cat.RegisterPricing(catalog.NewRateSheet(rateSheetFromConfig(cfg.Catalog.RateSheet)))
	cat.RegisterPricing(catalog.HeuristicPricing{})
	cat.RegisterDiscovery(catalog.NewStaticDiscovery(seedModels(cfg.Catalog.Models)))
	if cfg.Catalog.Bedrock.Enabled {
		cat.RegisterDiscovery(catalog.NewBedrockDiscovery(cfg.Catalog.Bedrock.Region, "bedrock"))
	}
	if err := cat.Refresh(ctx); err != nil {
		slog.Warn("initial catalog refresh incomplete", "error", err)
	}
	slog.Info("catalog loaded", "models", cat.Len())

	registry, err := buildUpstreams(ctx, cfg)
	if err != nil {
		slog.Error("building upstreams failed", "error", err)
		os.Exit(1)
	}

	var limiter guard.Limiter
	if cfg.Guard.RateLimitEnabled {
		limiter = guard.NewRateLimiter(cfg.Guard.RequestsPerMinute, cfg.Guard.Burst)
	}
	shield := guard.New(guard.Options{
		MaxPromptLength: cfg.Guard.MaxPromptLength,
		BlockAt:         guard.RiskLevel(cfg.Guard.BlockAt),
		NonAlnumRatio:   cfg.Guard.NonAlnumRatio,
		FuzzyThreshold:  cfg.Guard.FuzzyThreshold,
		Sensitivity:     guard.Sensitivity(cfg.Guard.Sensitivity),
		Limiter:         limiter,
		Metrics:         metrics,
	})

	var semantic classify.Semantic
	if cfg.Router.Semantic.Enabled {
		semantic = classify.NewHTTPSemantic(cfg.Router.Semantic.Endpoint, cfg.Router.Semantic.Timeout)
		slog.Info("semantic classifier enabled", "endpoint", cfg.Router.Semantic.Endpoint)
	}
	classifier := classify.New(classify.Options{
		Semantic:     semantic,
		TriggerBelow: cfg.Router.Semantic.TriggerBelow,
		MinOverride:  cfg.Router.Semantic.MinOverride,
		Metrics:      metrics,
	})

	store := cache.New(cache.Options{
		MaxBytes:          cfg.Cache.MaxBytes,
		MaxEntries:        cfg.Cache.MaxEntries,
		DefaultTTL:        cfg.Cache.DefaultTTL,
		Strategy:          cache.Strategy(cfg.Cache.Strategy),
		SemanticThreshold: cfg.Cache.SemanticThreshold,
		SemanticScanCap:   cfg.Cache.SemanticScanCap,
		Metrics:           metrics,
	})

	breaker := resilience.New(resilience.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		MaxTimeout:       cfg.Breaker.MaxTimeout,
		Window:           cfg.Breaker.Window,
		MinRequestCount:  cfg.Breaker.MinRequestCount,
		Metrics:          metrics,
	})

	predictor := predict.New(predict.Options{
		MaxSamples: cfg.Predictor.MaxSamples,
		Decay:      cfg.Predictor.Decay,
	})

	table, err := policy.LoadTable(cfg.Router.RoutingTable)
	if err != nil {
		slog.Error("loading routing table failed", "path", cfg.Router.RoutingTable, "error", err)
		os.Exit(1)
	}
	selector := policy.NewSelector(table, cat, predictor, breaker)

	pipeline := gateway.New(gateway.Options{
		Catalog:         cat,
		Classifier:      classifier,
		Guard:           shield,
		Cache:           store,
		Selector:        selector,
		Table:           table,
		Breaker:         breaker,
		Predictor:       predictor,
		Upstreams:       registry,
		Metrics:         metrics,
		RequestDeadline: cfg.Router.RequestDeadline,
		UpstreamTimeout: cfg.Router.UpstreamTimeout,
	})

	var service httpserver.RouteService = pipeline
	var dispatcher *gateway.Dispatcher
	if cfg.Server.DispatcherEnabled {
		dispatcherConfig := gateway.DefaultDispatcherConfig()
		if cfg.Server.MinWorkers > 0 {
			dispatcherConfig.MinWorkers = cfg.Server.MinWorkers
		}
		if cfg.Server.MaxWorkers > 0 {
			dispatcherConfig.MaxWorkers = cfg.Server.MaxWorkers
		}
		if cfg.Server.MaxQueuedRequests > 0 {
			dispatcherConfig.MaxQueuedRequests = cfg.Server.MaxQueuedRequests
		}
		if cfg.Server.ScaleUpThreshold > 0 {
			dispatcherConfig.ScaleUpThreshold = cfg.Server.ScaleUpThreshold
		}
		if cfg.Server.ScaleDownThreshold > 0 {
			dispatcherConfig.ScaleDownThreshold = cfg.Server.ScaleDownThreshold
		}
		dispatcher = gateway.NewDispatcher(dispatcherConfig, pipeline, metrics)
		dispatcher.Start()
		defer dispatcher.Stop()
		service = dispatcher
	}

	var loop *feedback.Loop
	if cfg.Feedback.Enabled {
		loop = feedback.New(feedback.Options{
			Catalog:   cat,
			Predictor: predictor,
			Breaker:   breaker,
			Cache:     store,
			Metrics:   metrics,
			Config:    cfg.Feedback,
		})
		loop.Start()
		defer loop.Stop()
	}

	server := httpserver.NewServer(httpserver.Options{
		Service:    service,
		Catalog:    cat,
		Upstreams:  registry,
		Cache:      store,
		Breaker:    breaker,
		Feedback:   loop,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Config:     cfg.Server,
	})

	slog.Info("llmrouter ready",
		"api_endpoint", fmt.Sprintf("http://%s/v1/route", cfg.Server.ListenAddr()),
		"metrics_endpoint", fmt.Sprintf("http://%s/metrics", cfg.Server.ListenAddr()))

	if err := server.Start(ctx); err != nil {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}
	slog.Info("llmrouter stopped")
}

// applyLogLevel reconfigures the default logger once config is known.
func applyLogLevel(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

// seedModels converts configured model seeds to catalog entries.
func seedModels(seeds map[string]config.ModelSeed) []catalog.Model {
	now := time.Now()
	out := make([]catalog.Model, 0, len(seeds))
	for id, seed := range seeds {
		caps := make([]domain.Capability, 0, len(seed.Capabilities))
		for _, c := range seed.Capabilities {
			caps = append(caps, domain.Capability(c))
		}
		out = append(out, catalog.Model{
			ID:              id,
			DisplayName:     seed.Name,
			Provider:        seed.Provider,
			UpstreamID:      seed.Upstream,
			Capabilities:    caps,
			ContextWindow:   seed.ContextWindow,
			MaxOutputTokens: seed.OutputLimit,
			Pricing: catalog.Pricing{
				InputPer1K:  seed.InputCostPer1K,
				OutputPer1K: seed.OutputCostPer1K,
				Currency:    "USD",
				Source:      "static",
				Confidence:  0.8,
				RefreshedAt: now,
			},
			Performance: catalog.Performance{
				QualityScore: seed.QualityScore,
				AvgLatencyMs: seed.AvgLatencyMs,
				UpdatedAt:    now,
			},
			Availability: catalog.Availability{Status: catalog.StatusOnline, LastCheck: now},
			Enabled:      seed.Enabled,
			FallbackID:   seed.FallbackID,
			Source:       "static",
		})
	}
	return out
}

// rateSheetFromConfig converts configured sheet rows to pricing records.
func rateSheetFromConfig(rows map[string]config.SheetPrice) map[string]catalog.Pricing {
	out := make(map[string]catalog.Pricing, len(rows))
	for id, row := range rows {
		currency := row.Currency
		if currency == "" {
			currency = "USD"
		}
		out[id] = catalog.Pricing{
			InputPer1K:  row.InputPer1K,
			OutputPer1K: row.OutputPer1K,
			Currency:    currency,
		}
	}
	return out
}

// buildUpstreams constructs one adapter per enabled upstream entry.
func buildUpstreams(ctx context.Context, cfg *config.Config) (*upstream.Registry, error) {
	registry := upstream.NewRegistry()
	for name, uc := range cfg.Upstreams {
		if !uc.Enabled {
			continue
		}
		var (
			up  upstream.Upstream
			err error
		)
		switch uc.Type {
		case "openai":
			up, err = upstream.NewOpenAICompat(upstream.OpenAIOptions{
				Name:       name,
				BaseURL:    uc.BaseURL,
				APIKey:     uc.APIKey,
				Timeout:    uc.Timeout,
				MaxRetries: uc.MaxRetries,
			})
		case "anthropic":
			up, err = upstream.NewAnthropic(upstream.AnthropicOptions{
				Name:       name,
				BaseURL:    uc.BaseURL,
				APIKey:     uc.APIKey,
				Timeout:    uc.Timeout,
				MaxRetries: uc.MaxRetries,
			})
		case "bedrock":
			up, err = upstream.NewBedrock(ctx, upstream.BedrockOptions{
				Name:   name,
				Region: uc.Region,
			})
		default:
			return nil, fmt.Errorf("upstream %s: unknown type %q", name, uc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", name, err)
		}
		registry.Register(up)
		slog.Info("upstream registered", "name", name, "type", uc.Type)
	}
	if registry.Len() == 0 {
		slog.Warn("no upstreams enabled; requests will fail until one is configured")
	}
	return registry, nil
}
