package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// funcAdapter lets each test script an adapter's behavior.
type funcAdapter struct {
	name       string
	models     []providers.ModelMetadata
	generateFn func(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse
}

func (a *funcAdapter) Name() string                               { return a.name }
func (a *funcAdapter) Initialize(context.Context) error           { return nil }
func (a *funcAdapter) AvailableModels() []providers.ModelMetadata { return a.models }

func (a *funcAdapter) GenerateText(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generateFn(ctx, req, modelID)
}

func (a *funcAdapter) GenerateStructuredOutput(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generateFn(ctx, req, modelID)
}

func (a *funcAdapter) SupportsCapability(modelID string, cap providers.Capability) bool {
	for _, m := range a.models {
		if m.ModelID == modelID && m.HasCapability(cap) {
			return true
		}
	}
	return false
}

func (a *funcAdapter) HealthCheck(context.Context) providers.ProbeResult {
	return providers.ProbeResult{Healthy: true}
}

func okAdapter(name string) *funcAdapter {
	return &funcAdapter{
		name: name,
		models: []providers.ModelMetadata{{
			ModelID:      name + "-model",
			ProviderName: name,
			Capabilities: []providers.Capability{providers.CapTextGeneration, providers.CapStructuredOutput},
		}},
		generateFn: func(_ context.Context, _ *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
			return &providers.GenerationResponse{
				Content:      "ok from " + name,
				ModelID:      modelID,
				ProviderName: name,
				ResponseTime: 0.1,
			}
		},
	}
}

func failingAdapter(name string, kind providers.ErrorKind, status int) *funcAdapter {
	a := okAdapter(name)
	a.generateFn = func(_ context.Context, _ *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
		err := &providers.ProviderError{Provider: name, Kind: kind, Status: status, Message: "upstream broke"}
		return providers.FailureResponse(name, modelID, 50*time.Millisecond, err)
	}
	return a
}

// harness wires a real router, weight manager, health monitor and pools
// around scripted adapters.
type harness struct {
	registry *providers.Registry
	weights  *weights.Manager
	monitor  *health.Monitor
	pools    *Pools
	disp     *Dispatcher
}

func newHarness(t *testing.T, cfg Config, adapters ...*funcAdapter) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := providers.NewRegistry()
	wm := weights.New(weights.Config{}, log, nil, nil)
	mon := health.NewMonitor(health.Config{}, log, nil)
	pools := NewPools(nil)

	aliases := map[string][]routing.Entry{"balanced": {}}
	for i, a := range adapters {
		registry.Register(a.name, a)
		wm.Register(a.name, 1.0)
		mon.Register(a.name, a)
		pools.Configure(a.name, 0)
		aliases["balanced"] = append(aliases["balanced"], routing.Entry{
			Provider: a.name,
			Model:    a.name + "-model",
			Priority: i + 1,
		})
	}

	resolver := routing.NewAliasResolver(aliases, registry)
	router := routing.NewRouter(routing.Config{}, resolver, wm, mon, pools, log)

	disp := New(cfg, registry, router, pools, mon, wm, nil, nil, log)

	return &harness{registry: registry, weights: wm, monitor: mon, pools: pools, disp: disp}
}

func textReq() *providers.GenerationRequest {
	return &providers.GenerationRequest{Prompt: strings.Repeat("x", 500)}
}

func TestDispatchPrimarySuccess(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true}, okAdapter("openai"), okAdapter("anthropic"))

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.ProviderName != "openai" {
		t.Fatalf("ProviderName = %s, want primary openai", resp.ProviderName)
	}

	s, ok := h.weights.Snapshot("openai")
	if !ok || s.TotalOutcomes != 1 {
		t.Fatalf("weight manager outcomes = %+v, want exactly 1 for openai", s)
	}
}

func TestDispatchFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true},
		failingAdapter("openai", providers.ErrUpstream5xx, 502),
		okAdapter("anthropic"),
	)

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.Error != "" {
		t.Fatalf("expected successful fallback, got error %q", resp.Error)
	}
	if resp.ProviderName != "anthropic" {
		t.Fatalf("ProviderName = %s, want anthropic", resp.ProviderName)
	}

	// The failure still reached the health monitor.
	st, _ := h.monitor.Snapshot("openai")
	if st.ConsecutiveFailures != 1 || st.FailureCount != 1 {
		t.Fatalf("openai health state = %+v, want one recorded failure", st)
	}
}

func TestDispatchAllProvidersFail(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true},
		failingAdapter("openai", providers.ErrUpstream5xx, 500),
		failingAdapter("anthropic", providers.ErrUpstream5xx, 503),
	)

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.Error == "" {
		t.Fatal("expected a failure response")
	}
	if resp.ProviderName != GatewayProvider {
		t.Fatalf("ProviderName = %s, want %s", resp.ProviderName, GatewayProvider)
	}
	if !strings.Contains(resp.Error, "All providers failed") {
		t.Fatalf("Error = %q, want synthesized all-failed message", resp.Error)
	}
	if !strings.Contains(resp.Error, "upstream broke") {
		t.Fatalf("Error = %q, want last upstream error included", resp.Error)
	}
}

func TestDispatchFallbackDisabledReturnsFirstFailure(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: false},
		failingAdapter("openai", providers.ErrUpstream5xx, 500),
		okAdapter("anthropic"),
	)

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.ProviderName != "openai" {
		t.Fatalf("ProviderName = %s, want failing openai returned as-is", resp.ProviderName)
	}
	if resp.Error == "" {
		t.Fatal("expected the upstream error to be preserved")
	}
}

// An auth failure trips the circuit immediately; subsequent dispatches must
// not touch that provider until the breaker timeout elapses.
func TestDispatchAuthFailureOpensCircuit(t *testing.T) {
	var calls int
	bad := okAdapter("openai")
	bad.generateFn = func(_ context.Context, _ *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
		calls++
		err := &providers.ProviderError{Provider: "openai", Kind: providers.ErrAuthFailed, Status: 401, Message: "bad key"}
		return providers.FailureResponse("openai", modelID, time.Millisecond, err)
	}

	h := newHarness(t, Config{FallbackEnabled: true}, bad, okAdapter("anthropic"))

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.ProviderName != "anthropic" {
		t.Fatalf("first dispatch ProviderName = %s, want anthropic fallback", resp.ProviderName)
	}

	st, _ := h.monitor.Snapshot("openai")
	if st.Circuit != health.CircuitOpen {
		t.Fatalf("openai circuit = %s, want open after auth failure", st.Circuit)
	}

	// Second dispatch skips the open circuit without calling the adapter.
	h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if calls != 1 {
		t.Fatalf("failing adapter called %d times, want 1", calls)
	}
}

// Rate limiting defers the candidate but never trips the breaker.
func TestDispatchRateLimitDoesNotTripCircuit(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true},
		failingAdapter("openai", providers.ErrRateLimited, 429),
		okAdapter("anthropic"),
	)

	for i := 0; i < 10; i++ {
		h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	}

	st, _ := h.monitor.Snapshot("openai")
	if st.Circuit != health.CircuitClosed {
		t.Fatalf("openai circuit = %s, want closed despite rate limiting", st.Circuit)
	}
	if st.TotalErrors != 10 {
		t.Fatalf("TotalErrors = %d, want 10 recorded rate limits", st.TotalErrors)
	}
}

func TestDispatchStructuredSkipsNonCapableModel(t *testing.T) {
	plain := okAdapter("openai")
	plain.models = []providers.ModelMetadata{{
		ModelID:      "openai-model",
		ProviderName: "openai",
		Capabilities: []providers.Capability{providers.CapTextGeneration},
	}}

	h := newHarness(t, Config{FallbackEnabled: true}, plain, okAdapter("anthropic"))

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateStructuredOutput)
	if resp.ProviderName != "anthropic" {
		t.Fatalf("ProviderName = %s, want anthropic (only structured-capable)", resp.ProviderName)
	}
}

func TestDispatchSkipsFullPool(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true}, okAdapter("openai"), okAdapter("anthropic"))
	h.pools.Configure("openai", 1)
	if !h.pools.TryAcquire("openai") {
		t.Fatal("setup: could not hold the only openai slot")
	}

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.ProviderName != "anthropic" {
		t.Fatalf("ProviderName = %s, want anthropic while openai pool is full", resp.ProviderName)
	}

	// A pinned selector fails while the pool is held and recovers after
	// release.
	resp = h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	if resp.ProviderName != GatewayProvider {
		t.Fatalf("ProviderName = %s, want gateway failure with pool held", resp.ProviderName)
	}
	if !strings.Contains(resp.Error, "pool exhausted") {
		t.Fatalf("Error = %q, want the full pool named as the skip reason", resp.Error)
	}

	h.pools.Release("openai")
	resp = h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	if resp.Error != "" || resp.ProviderName != "openai" {
		t.Fatalf("response after release = %+v, want openai success", resp)
	}
}

// Once a breaker is open, the synthesized failure must say so instead of
// claiming nothing was attempted, and it must carry the last upstream error.
func TestDispatchOpenCircuitExplainsFailure(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true},
		failingAdapter("openai", providers.ErrUpstream5xx, 502))

	for i := 0; i < 5; i++ {
		h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	}
	st, _ := h.monitor.Snapshot("openai")
	if st.Circuit != health.CircuitOpen {
		t.Fatalf("openai circuit = %s, want open after repeated 5xx", st.Circuit)
	}

	resp := h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	if resp.ProviderName != GatewayProvider || resp.Error == "" {
		t.Fatalf("response = %+v, want gateway failure", resp)
	}
	if !strings.Contains(resp.Error, "circuit open") {
		t.Fatalf("Error = %q, want the open circuit named", resp.Error)
	}
	if !strings.Contains(resp.Error, "upstream broke") {
		t.Fatalf("Error = %q, want the last upstream error included", resp.Error)
	}
}

// Fallback stops once max_retries further candidates have failed.
func TestDispatchRetryCap(t *testing.T) {
	var calls int
	adapters := make([]*funcAdapter, 6)
	for i := range adapters {
		a := failingAdapter(string(rune('a'+i)), providers.ErrUpstream5xx, 500)
		inner := a.generateFn
		a.generateFn = func(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
			calls++
			return inner(ctx, req, modelID)
		}
		adapters[i] = a
	}

	h := newHarness(t, Config{FallbackEnabled: true, MaxRetries: 2}, adapters...)

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.ProviderName != GatewayProvider {
		t.Fatalf("ProviderName = %s, want gateway failure", resp.ProviderName)
	}
	if calls != 3 {
		t.Fatalf("adapters called %d times, want 3 (first attempt + 2 retries)", calls)
	}
}

// A client abort still reaches the health monitor and weight manager; both
// sinks ignore it, so provider state stays untouched.
func TestDispatchCancelledStillReported(t *testing.T) {
	gone := okAdapter("openai")
	gone.generateFn = func(_ context.Context, _ *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
		err := &providers.ProviderError{Provider: "openai", Kind: providers.ErrCancelled, Message: "context canceled"}
		return providers.FailureResponse("openai", modelID, 10*time.Millisecond, err)
	}

	h := newHarness(t, Config{FallbackEnabled: true}, gone, okAdapter("anthropic"))

	hr := &recordingHealth{inner: h.monitor}
	sink := &recordingSink{inner: h.weights}
	h.disp.health = hr
	h.disp.weights = sink

	resp := h.disp.Dispatch(context.Background(), textReq(), "openai:openai-model", MethodGenerateText)
	if !strings.Contains(resp.Error, "cancelled") {
		t.Fatalf("Error = %q, want the cancelled attempt returned", resp.Error)
	}

	if len(hr.kinds) != 1 || hr.kinds[0] != providers.ErrCancelled {
		t.Fatalf("health outcomes = %v, want one cancelled report", hr.kinds)
	}
	if len(sink.outcomes) != 1 || !sink.outcomes[0].Cancelled {
		t.Fatalf("weight outcomes = %+v, want one cancelled report", sink.outcomes)
	}

	// The sinks discard it: no breaker progress, no EMA samples.
	st, _ := h.monitor.Snapshot("openai")
	if st.FailureCount != 0 || st.ConsecutiveFailures != 0 {
		t.Fatalf("health state = %+v, want cancelled ignored by the breaker", st)
	}
	ws, _ := h.weights.Snapshot("openai")
	if ws.TotalOutcomes != 0 {
		t.Fatalf("TotalOutcomes = %d, want cancelled excluded from the EMAs", ws.TotalOutcomes)
	}
}

type recordingHealth struct {
	inner HealthReporter
	kinds []providers.ErrorKind
}

func (r *recordingHealth) IsAvailable(name string) bool      { return r.inner.IsAvailable(name) }
func (r *recordingHealth) Unavailability(name string) string { return r.inner.Unavailability(name) }

func (r *recordingHealth) ReportOutcome(name string, success bool, kind providers.ErrorKind, errMsg string) {
	r.kinds = append(r.kinds, kind)
	r.inner.ReportOutcome(name, success, kind, errMsg)
}

type recordingSink struct {
	inner    OutcomeSink
	outcomes []weights.Outcome
}

func (r *recordingSink) ReportOutcome(o weights.Outcome) {
	r.outcomes = append(r.outcomes, o)
	r.inner.ReportOutcome(o)
}

func TestDispatchNoCandidates(t *testing.T) {
	h := newHarness(t, Config{FallbackEnabled: true})

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp == nil {
		t.Fatal("Dispatch returned nil response")
	}
	if resp.ProviderName != GatewayProvider || resp.Error == "" {
		t.Fatalf("response = %+v, want gateway failure", resp)
	}
}

func TestDispatchTimeoutClassified(t *testing.T) {
	slow := okAdapter("openai")
	slow.generateFn = func(ctx context.Context, _ *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
		<-ctx.Done()
		err := &providers.ProviderError{Provider: "openai", Kind: providers.ClassifyError(ctx.Err()), Message: ctx.Err().Error()}
		return providers.FailureResponse("openai", modelID, 20*time.Millisecond, err)
	}

	h := newHarness(t, Config{FallbackEnabled: true, Timeout: 10 * time.Millisecond}, slow, okAdapter("anthropic"))

	resp := h.disp.Dispatch(context.Background(), textReq(), "balanced", MethodGenerateText)
	if resp.ProviderName != "anthropic" {
		t.Fatalf("ProviderName = %s, want fallback after timeout", resp.ProviderName)
	}

	st, _ := h.monitor.Snapshot("openai")
	if st.FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want timeout counted toward breaker", st.FailureCount)
	}
}

func TestPoolAccounting(t *testing.T) {
	p := NewPools(nil)
	p.Configure("openai", 2)

	if p.Full("openai") {
		t.Fatal("fresh pool reported full")
	}
	if !p.TryAcquire("openai") || !p.TryAcquire("openai") {
		t.Fatal("could not acquire up to max")
	}
	if p.TryAcquire("openai") {
		t.Fatal("acquired beyond max")
	}
	if !p.Full("openai") {
		t.Fatal("pool at max not reported full")
	}

	p.Release("openai")
	if p.Full("openai") || p.Active("openai") != 1 {
		t.Fatalf("after release: active=%d full=%v", p.Active("openai"), p.Full("openai"))
	}

	// Unknown providers never hand out slots.
	if p.TryAcquire("ghost") {
		t.Fatal("acquired slot for unconfigured provider")
	}
}
