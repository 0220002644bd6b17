// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when the gateway is embedded in
// other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	requestsTotal   *prometheus.CounterVec   // {provider,model,outcome}
	requestDuration *prometheus.HistogramVec // {provider}
	costTotal       *prometheus.CounterVec   // {provider,model}
	tokensTotal     *prometheus.CounterVec   // {provider,direction}

	fallbackDepth    prometheus.Histogram
	dispatchFailures *prometheus.CounterVec // {reason}
	providerErrors   *prometheus.CounterVec // {provider,error_kind}

	circuitState       *prometheus.GaugeVec   // {provider} 0=closed,1=open,2=half_open
	circuitTransitions *prometheus.CounterVec // {provider,to_state}
	providerHealth     *prometheus.GaugeVec   // {provider}
	probesTotal        *prometheus.CounterVec // {provider,outcome}
	probeDuration      *prometheus.HistogramVec
	latencyProbe       *prometheus.HistogramVec

	providerWeight    *prometheus.GaugeVec   // {provider}
	weightAdjustments *prometheus.CounterVec // {provider,type}

	activeConnections *prometheus.GaugeVec // {provider}
	poolExhausted     *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with every gateway metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}
	probeBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_dispatches",
			Help: "Current number of in-flight dispatches",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total dispatched requests by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Upstream request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_request_cost_usd_total",
				Help: "Cumulative estimated request cost in USD",
			},
			[]string{"provider", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		fallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_fallback_depth",
			Help:    "Number of extra candidates tried before a dispatch resolved",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		}),

		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_failures_total",
				Help: "Dispatches that returned a gateway failure",
			},
			[]string{"reason"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Upstream provider errors by kind",
			},
			[]string{"provider", "error_kind"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half_open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=healthy, 0=not healthy)",
			},
			[]string{"provider"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_probes_total",
				Help: "Health probes by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_health_probe_duration_seconds",
				Help:    "Health probe duration in seconds",
				Buckets: probeBuckets,
			},
			[]string{"provider"},
		),

		latencyProbe: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_latency_probe_seconds",
				Help:    "Out-of-band latency probe samples",
				Buckets: probeBuckets,
			},
			[]string{"provider"},
		),

		providerWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_weight",
				Help: "Current routing weight per provider",
			},
			[]string{"provider"},
		),

		weightAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_weight_adjustments_total",
				Help: "Weight adjustments by provider and adjustment type",
			},
			[]string{"provider", "type"},
		),

		activeConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_active_connections",
				Help: "Active upstream connections per provider",
			},
			[]string{"provider"},
		),

		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pool_exhausted_total",
				Help: "Candidate skips due to a full connection pool",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.costTotal,
		r.tokensTotal,
		r.fallbackDepth,
		r.dispatchFailures,
		r.providerErrors,
		r.circuitState,
		r.circuitTransitions,
		r.providerHealth,
		r.probesTotal,
		r.probeDuration,
		r.latencyProbe,
		r.providerWeight,
		r.weightAdjustments,
		r.activeConnections,
		r.poolExhausted,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveDispatch records one upstream attempt.
func (r *Registry) ObserveDispatch(provider, model string, success bool, dur time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.requestsTotal.WithLabelValues(provider, model, outcome).Inc()
	r.requestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// AddUsage records token and cost totals for a successful attempt.
func (r *Registry) AddUsage(provider, model string, promptTokens, completionTokens int, cost float64) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
	if cost > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// ObserveFallbackDepth records how many fallback candidates a dispatch consumed.
func (r *Registry) ObserveFallbackDepth(depth int) {
	r.fallbackDepth.Observe(float64(depth))
}

// RecordDispatchFailure counts a dispatch that returned a gateway error.
func (r *Registry) RecordDispatchFailure(reason string) {
	r.dispatchFailures.WithLabelValues(reason).Inc()
}

// RecordProviderError counts one upstream error by kind.
func (r *Registry) RecordProviderError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

// SetCircuitState sets the circuit gauge and counts state transitions.
func (r *Registry) SetCircuitState(provider string, state int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.circuitTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

// ObserveProbe records one health probe.
func (r *Registry) ObserveProbe(provider string, healthy bool, dur time.Duration) {
	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	r.probesTotal.WithLabelValues(provider, outcome).Inc()
	r.probeDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveLatencyProbe records one out-of-band latency sample.
func (r *Registry) ObserveLatencyProbe(provider string, dur time.Duration) {
	r.latencyProbe.WithLabelValues(provider).Observe(dur.Seconds())
}

// SetProviderWeight publishes the current routing weight.
func (r *Registry) SetProviderWeight(provider string, weight float64) {
	r.providerWeight.WithLabelValues(provider).Set(weight)
}

// RecordWeightAdjustment counts an adjustment by type (trigger name or
// "rebalance").
func (r *Registry) RecordWeightAdjustment(provider, adjType string) {
	r.weightAdjustments.WithLabelValues(provider, adjType).Inc()
}

// SetActiveConnections publishes the per-provider active connection count.
func (r *Registry) SetActiveConnections(provider string, active int) {
	r.activeConnections.WithLabelValues(provider).Set(float64(active))
}

// RecordPoolExhausted counts a candidate skip caused by a full pool.
func (r *Registry) RecordPoolExhausted(provider string) {
	r.poolExhausted.WithLabelValues(provider).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
