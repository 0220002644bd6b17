package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/dispatch"
	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/probe"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/inference-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/inference-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/internal/server"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// initStores opens the weight checkpoint backend. "none" leaves it nil — the
// weight manager starts every provider from its base weight.
func (a *App) initStores(ctx context.Context) error {
	switch a.cfg.Checkpoint.Mode {
	case config.CheckpointNone:
		return nil

	case config.CheckpointFile:
		st, err := weights.NewFileStore(a.cfg.Checkpoint.Path)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		a.store = st
		a.log.Info("weight checkpoints enabled",
			slog.String("backend", "file"),
			slog.String("path", a.cfg.Checkpoint.Path))

	case config.CheckpointRedis:
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Checkpoint.RedisURL)))
		st, err := weights.NewRedisStoreFromURL(ctx, a.cfg.Checkpoint.RedisURL)
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		a.store = st
		a.log.Info("weight checkpoints enabled", slog.String("backend", "redis"))

	default:
		return fmt.Errorf("unknown checkpoint mode: %s", a.cfg.Checkpoint.Mode)
	}

	return nil
}

// initAdapters builds one adapter per enabled provider, verifies it with
// Initialize, and registers it with the registry, the health monitor, the
// weight manager, and the connection pools. A provider that fails Initialize
// is skipped with a warning rather than aborting startup.
func (a *App) initAdapters(ctx context.Context) error {
	a.registry = providers.NewRegistry()
	a.monitor = health.NewMonitor(health.Config{
		CheckInterval:           a.cfg.Health.CheckInterval,
		ProbeTimeout:            a.cfg.Health.ProbeTimeout,
		CircuitBreakerThreshold: a.cfg.Health.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   a.cfg.Health.CircuitBreakerTimeout,
		FailureThreshold:        a.cfg.Health.FailureThreshold,
	}, a.log, a.prom)
	a.wm = weights.New(weights.Config{
		MinWeight:          a.cfg.Weights.MinWeight,
		MaxWeight:          a.cfg.Weights.MaxWeight,
		RebalanceInterval:  a.cfg.Weights.RebalanceInterval,
		RebalanceThreshold: a.cfg.Weights.RebalanceThreshold,
		Rebalance:          a.cfg.Weights.Rebalance,
	}, a.log, a.prom, a.store)
	a.pools = dispatch.NewPools(a.prom)

	for _, name := range a.cfg.EnabledProviders() {
		pc := a.cfg.Providers[name]

		adapter, err := buildAdapter(name, pc)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = adapter.Initialize(initCtx)
		cancel()
		if err != nil {
			a.log.Warn("provider initialization failed, skipping",
				slog.String("provider", name),
				slog.String("error", err.Error()))
			continue
		}

		a.registry.Register(name, adapter)
		a.monitor.Register(name, adapter)
		a.wm.Register(name, pc.BaseWeight)
		a.pools.Configure(name, pc.MaxConnections)

		a.log.Info("provider registered",
			slog.String("provider", name),
			slog.String("kind", pc.Kind),
			slog.Int("models", len(pc.Models)),
			slog.Float64("base_weight", pc.BaseWeight))
	}

	if a.registry.Len() == 0 {
		return fmt.Errorf("no provider could be initialized")
	}

	return nil
}

// initRouting builds the alias resolver and the intelligent router on top of
// the registered adapters.
func (a *App) initRouting(_ context.Context) error {
	a.resolver = routing.NewAliasResolver(a.cfg.ModelAliases, a.registry)

	priorities := make(map[string]int)
	highQuality := make(map[string]bool)
	for name, pc := range a.cfg.Providers {
		priorities[name] = pc.Priority
		if pc.HighQuality {
			highQuality[name] = true
		}
	}
	a.resolver.SetProviderPriorities(priorities)
	a.resolver.Rebuild()

	a.router = routing.NewRouter(routing.Config{
		TaskRouting:      a.cfg.TaskRouting,
		CostOptimization: a.cfg.Gateway.CostOptimization,
		HighQuality:      highQuality,
		ScoreWeights:     a.cfg.ScoreWeights,
	}, a.resolver, a.wm, a.monitor, a.pools, a.log)

	a.log.Info("routing ready",
		slog.Any("aliases", a.resolver.Aliases()),
		slog.Int("task_rules", len(a.cfg.TaskRouting)))

	return nil
}

// initDispatch wires the dispatcher, the optional latency prober, and the
// HTTP server.
func (a *App) initDispatch(ctx context.Context) error {
	if a.cfg.Gateway.PerformanceTracking {
		reqLog, err := logger.New(ctx, a.log)
		if err != nil {
			return fmt.Errorf("request logger: %w", err)
		}
		a.reqLog = reqLog
	}

	a.disp = dispatch.New(dispatch.Config{
		FallbackEnabled: a.cfg.Gateway.FallbackEnabled,
		Timeout:         a.cfg.Gateway.Timeout,
		MaxRetries:      a.cfg.Gateway.MaxRetries,
	}, a.registry, a.router, a.pools, a.monitor, a.wm, a.prom, a.reqLog, a.log)

	if a.cfg.Gateway.LatencyProbing {
		a.prober = probe.New(a.cfg.Gateway.ProbeInterval, a.registry, a.wm, a.prom, a.log)
	}

	a.srv = server.New(server.Config{
		Addr: fmt.Sprintf(":%d", a.cfg.Port),
	}, a.disp, a.monitor, a.wm, a.prom.Handler(), a.log)

	return nil
}

// buildAdapter constructs the adapter selected by the provider's kind.
func buildAdapter(name string, pc config.ProviderConfig) (providers.Adapter, error) {
	models := make([]providers.ModelMetadata, 0, len(pc.Models))
	for _, mc := range pc.Models {
		models = append(models, modelMetadata(name, mc))
	}

	switch pc.Kind {
	case config.KindOpenAI:
		var opts []openaiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
		}
		if pc.Temperature != nil {
			opts = append(opts, openaiprov.WithDefaultTemperature(*pc.Temperature))
		}
		return openaiprov.New(pc.APIKey, models, opts...), nil

	case config.KindAnthropic:
		var opts []anthropicprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
		}
		if pc.Temperature != nil {
			opts = append(opts, anthropicprov.WithDefaultTemperature(*pc.Temperature))
		}
		return anthropicprov.New(pc.APIKey, models, opts...), nil

	case config.KindGemini:
		var opts []geminiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(pc.BaseURL))
		}
		if pc.Temperature != nil {
			opts = append(opts, geminiprov.WithDefaultTemperature(*pc.Temperature))
		}
		return geminiprov.New(pc.APIKey, models, opts...), nil

	case config.KindOpenAICompat:
		var opts []openaicompatprov.Option
		if pc.APIKey == "" {
			// Local endpoints (Ollama, vLLM) typically run without auth.
			opts = append(opts, openaicompatprov.WithoutAuth())
		}
		if pc.Temperature != nil {
			opts = append(opts, openaicompatprov.WithDefaultTemperature(*pc.Temperature))
		}
		return openaicompatprov.New(name, pc.APIKey, pc.BaseURL, models, opts...), nil

	default:
		return nil, fmt.Errorf("unknown kind: %s", pc.Kind)
	}
}

// modelMetadata converts a config model entry into registry metadata.
func modelMetadata(provider string, mc config.ModelConfig) providers.ModelMetadata {
	caps := make([]providers.Capability, 0, len(mc.Capabilities))
	for _, c := range mc.Capabilities {
		caps = append(caps, providers.Capability(c))
	}
	if len(caps) == 0 {
		caps = []providers.Capability{providers.CapTextGeneration}
	}

	name := mc.Name
	if name == "" {
		name = mc.ID
	}

	return providers.ModelMetadata{
		ModelID:                mc.ID,
		ModelName:              name,
		ProviderName:           provider,
		Capabilities:           caps,
		ContextLength:          mc.ContextLength,
		MaxOutputTokens:        mc.MaxOutputTokens,
		CostPer1KTokens:        mc.CostPer1KTokens,
		SupportsSystemMessages: mc.SystemMessages(),
		SupportsTemperature:    mc.Temperature(),
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
