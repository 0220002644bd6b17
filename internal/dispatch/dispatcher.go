// Package dispatch executes routed requests against provider adapters with
// ordered fallback.
//
// The Dispatcher is the gateway's public entry point: it always returns a
// GenerationResponse, never an error. Upstream failures roll over to the
// next candidate; when every candidate fails the response carries the
// synthetic provider name "gateway" and the last upstream error.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// GatewayProvider is the provider name on synthesized failure responses.
const GatewayProvider = "gateway"

// DefaultMaxRetries is the retry cap applied when Config.MaxRetries is unset.
const DefaultMaxRetries = 3

// Method selects which adapter operation a dispatch invokes.
type Method string

const (
	MethodGenerateText             Method = "generate_text"
	MethodGenerateStructuredOutput Method = "generate_structured_output"
)

// HealthReporter is the slice of the health monitor the dispatcher needs.
type HealthReporter interface {
	IsAvailable(name string) bool
	// Unavailability explains why IsAvailable returned false (open circuit,
	// unhealthy status). Empty when the provider is available.
	Unavailability(name string) string
	ReportOutcome(name string, success bool, kind providers.ErrorKind, errMsg string)
}

// OutcomeSink receives dispatch outcomes for weight adaptation.
type OutcomeSink interface {
	ReportOutcome(o weights.Outcome)
}

// Config tunes the dispatcher.
type Config struct {
	// FallbackEnabled rolls failures over to the next candidate. When false
	// the first attempted candidate's response is returned as-is.
	FallbackEnabled bool
	// Timeout bounds a single upstream call. Default 60s.
	Timeout time.Duration
	// MaxRetries caps how many candidates are retried after the first
	// attempt fails. Default 3, so at most four candidates are attempted.
	MaxRetries int
}

// Dispatcher routes a request to ordered candidates and executes them.
type Dispatcher struct {
	cfg      Config
	registry *providers.Registry
	router   *routing.Router
	pools    *Pools
	health   HealthReporter
	weights  OutcomeSink
	prom     *metrics.Registry
	reqLog   *logger.Logger
	log      *slog.Logger
}

func New(cfg Config, registry *providers.Registry, router *routing.Router, pools *Pools, health HealthReporter, outcomes OutcomeSink, prom *metrics.Registry, reqLog *logger.Logger, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.DefaultDispatchTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		router:   router,
		pools:    pools,
		health:   health,
		weights:  outcomes,
		prom:     prom,
		reqLog:   reqLog,
		log:      log,
	}
}

// Dispatch runs the request against the best candidate, falling back down
// the ordered list. The returned response is never nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *providers.GenerationRequest, selector string, method Method) *providers.GenerationResponse {
	requestID := uuid.New()
	start := time.Now()

	if d.prom != nil {
		d.prom.IncInFlight()
		defer d.prom.DecInFlight()
	}

	candidates := d.router.Route(req, selector)
	if len(candidates) == 0 {
		resp := providers.FailureResponse(GatewayProvider, selector, time.Since(start),
			fmt.Errorf("no providers available for selector %q", selector))
		d.finish(requestID, resp, 0)
		return resp
	}

	// lastErr carries the most recent upstream error, or when nothing was
	// attempted, why the last candidate was skipped (open circuit, full
	// pool). The synthesized all-failed response surfaces it verbatim.
	lastErr := "no candidate attempted"
	depth := 0

	for _, cand := range candidates {
		adapter, ok := d.registry.Get(cand.Provider)
		if !ok {
			lastErr = fmt.Sprintf("%s: not registered", cand.Provider)
			continue
		}
		if !d.health.IsAvailable(cand.Provider) {
			if reason := d.health.Unavailability(cand.Provider); reason != "" {
				lastErr = reason
			}
			continue
		}
		if method == MethodGenerateStructuredOutput &&
			!adapter.SupportsCapability(cand.Model, providers.CapStructuredOutput) {
			lastErr = fmt.Sprintf("%s: model %s does not support structured output", cand.Provider, cand.Model)
			continue
		}
		if !d.pools.TryAcquire(cand.Provider) {
			if d.prom != nil {
				d.prom.RecordPoolExhausted(cand.Provider)
			}
			lastErr = fmt.Sprintf("%s: connection pool exhausted", cand.Provider)
			continue
		}

		resp := d.attempt(ctx, adapter, req, cand.Model, method)
		d.pools.Release(cand.Provider)

		success := resp.Error == ""
		kind, cancelled := d.reportOutcome(cand.Provider, resp, success)
		if cancelled {
			// The client went away; stop trying candidates.
			d.finish(requestID, resp, depth)
			return resp
		}

		if success {
			d.finish(requestID, resp, depth)
			return resp
		}

		lastErr = resp.Error
		depth++

		d.log.Warn("candidate_failed",
			slog.String("request_id", requestID.String()),
			slog.String("provider", cand.Provider),
			slog.String("model", cand.Model),
			slog.String("error_kind", string(kind)),
			slog.String("error", resp.Error),
		)

		if !d.cfg.FallbackEnabled {
			d.finish(requestID, resp, depth)
			return resp
		}
		if depth > d.cfg.MaxRetries {
			d.log.Warn("retry_budget_exhausted",
				slog.String("request_id", requestID.String()),
				slog.Int("attempts", depth),
			)
			break
		}
	}

	// Candidates exhausted, or every one was skipped.
	resp := providers.FailureResponse(GatewayProvider, selector, time.Since(start),
		fmt.Errorf("All providers failed. Last error: %s", lastErr))
	if d.prom != nil {
		d.prom.RecordDispatchFailure("all_providers_failed")
	}
	d.finish(requestID, resp, depth)
	return resp
}

// attempt runs one adapter call under the dispatch timeout.
func (d *Dispatcher) attempt(ctx context.Context, adapter providers.Adapter, req *providers.GenerationRequest, modelID string, method Method) *providers.GenerationResponse {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if method == MethodGenerateStructuredOutput {
		return adapter.GenerateStructuredOutput(callCtx, req, modelID)
	}
	return adapter.GenerateText(callCtx, req, modelID)
}

// reportOutcome forwards the attempt result to the health monitor and the
// weight manager. Returns the classified error kind and whether the failure
// was a client cancellation. Cancelled outcomes are still reported; the
// sinks decide what a client abort means for provider state.
func (d *Dispatcher) reportOutcome(provider string, resp *providers.GenerationResponse, success bool) (providers.ErrorKind, bool) {
	var kind providers.ErrorKind
	cancelled := false
	if !success {
		kind = providers.ClassifyErrorString(resp.Error)
		cancelled = kind == providers.ErrCancelled
		if d.prom != nil {
			d.prom.RecordProviderError(provider, string(kind))
		}
	}

	d.health.ReportOutcome(provider, success, kind, resp.Error)
	d.weights.ReportOutcome(weights.Outcome{
		Provider:     provider,
		ResponseTime: resp.ResponseTime,
		Cost:         resp.Cost,
		Success:      success,
		Cancelled:    cancelled,
		Available:    success || providerReachable(kind),
	})

	if d.prom != nil {
		d.prom.ObserveDispatch(provider, resp.ModelID, success,
			time.Duration(resp.ResponseTime*float64(time.Second)))
		if success {
			d.prom.AddUsage(provider, resp.ModelID, resp.PromptTokens, resp.CompletionTokens, resp.Cost)
		}
	}
	return kind, cancelled
}

// providerReachable reports whether a failure kind still indicates a live
// provider (request-level failures) as opposed to an outage.
func providerReachable(kind providers.ErrorKind) bool {
	switch kind {
	case providers.ErrTimeout, providers.ErrUpstream5xx, providers.ErrAuthFailed:
		return false
	default:
		return true
	}
}

// finish emits the per-dispatch structured log line and the fallback-depth
// observation.
func (d *Dispatcher) finish(requestID uuid.UUID, resp *providers.GenerationResponse, depth int) {
	if d.prom != nil {
		d.prom.ObserveFallbackDepth(depth)
	}
	if d.reqLog == nil {
		return
	}
	d.reqLog.Log(logger.DispatchLog{
		RequestID:        requestID,
		Provider:         resp.ProviderName,
		Model:            resp.ModelID,
		ResponseTimeMs:   int64(resp.ResponseTime * 1000),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.Cost,
		Success:          resp.Error == "",
		Error:            resp.Error,
		FallbackDepth:    depth,
		CreatedAt:        time.Now(),
	})
}
