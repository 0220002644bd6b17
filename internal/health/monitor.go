// Package health tracks provider liveness with active probing and a
// per-provider circuit breaker.
//
// The Monitor owns all HealthState mutation: the background probe loop and
// the dispatcher's outcome reports both funnel through it. Readers (router,
// dispatcher) get consistent snapshots; probe failures never propagate to
// user requests.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Status is the derived liveness of a provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CircuitState is the circuit-breaker position for a provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitGauge maps a CircuitState to its metrics gauge value.
func circuitGauge(c CircuitState) int64 {
	switch c {
	case CircuitOpen:
		return 1
	case CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// State is a point-in-time snapshot of one provider's health.
type State struct {
	Status              Status
	LastProbeTime       time.Time
	ConsecutiveFailures int
	TotalErrors         int
	LastError           string
	LastResponseTime    time.Duration

	Circuit      CircuitState
	FailureCount int
	// OpenUntil is set while Circuit is open; it is always in the future at
	// the moment the circuit opens.
	OpenUntil time.Time
}

// Config holds monitor tuning. Zero values use the package defaults.
type Config struct {
	// CheckInterval is the probe loop period. Default 30s.
	CheckInterval time.Duration
	// ProbeTimeout bounds a single probe. Default 5s.
	ProbeTimeout time.Duration
	// CircuitBreakerThreshold is the failure count that opens the circuit.
	// Default 5.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is how long an open circuit stays open. Default 300s.
	CircuitBreakerTimeout time.Duration
	// FailureThreshold is the consecutive-failure count separating degraded
	// from unhealthy. Default 3.
	FailureThreshold int
}

const (
	defaultProbeTimeout = 5 * time.Second
	// healthyMaxResponseTime is the probe latency ceiling for "healthy".
	healthyMaxResponseTime = 2 * time.Second
)

// providerState pairs mutable state with its own lock so a slow probe on one
// provider never blocks reads of another.
type providerState struct {
	mu    sync.Mutex
	state State
}

// Monitor probes registered adapters and maintains their HealthState.
// Safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	adapters map[string]providers.Adapter
	states   map[string]*providerState

	checkInterval    time.Duration
	probeTimeout     time.Duration
	breakerThreshold int
	breakerTimeout   time.Duration
	failureThreshold int

	log  *slog.Logger
	prom *metrics.Registry
	now  func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start to begin the probe loop;
// registration may happen before or after Start.
func NewMonitor(cfg Config, log *slog.Logger, prom *metrics.Registry) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = providers.DefaultHealthCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = providers.DefaultCircuitBreakThreshold
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = providers.DefaultCircuitBreakTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = providers.DefaultFailureThreshold
	}

	return &Monitor{
		adapters:         make(map[string]providers.Adapter),
		states:           make(map[string]*providerState),
		checkInterval:    cfg.CheckInterval,
		probeTimeout:     cfg.ProbeTimeout,
		breakerThreshold: cfg.CircuitBreakerThreshold,
		breakerTimeout:   cfg.CircuitBreakerTimeout,
		failureThreshold: cfg.FailureThreshold,
		log:              log,
		prom:             prom,
		now:              time.Now,
		done:             make(chan struct{}),
	}
}

// Register adds a provider to the probe set with a fresh closed-circuit state.
func (m *Monitor) Register(name string, adapter providers.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[name] = adapter
	m.states[name] = &providerState{state: State{
		Status:  StatusUnknown,
		Circuit: CircuitClosed,
	}}
	if m.prom != nil {
		m.prom.SetCircuitState(name, 0)
	}
}

// Unregister removes a provider and destroys its state.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adapters, name)
	delete(m.states, name)
}

// Start runs the first probe round synchronously, then launches the periodic
// loop. The loop stops when ctx is cancelled or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	m.probeAll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Close stops the probe loop and waits for in-flight probes.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// probeAll probes every registered provider concurrently. A slow probe on one
// provider does not delay the others.
func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]providers.Adapter, len(m.adapters))
	for name, a := range m.adapters {
		targets[name] = a
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, adapter := range targets {
		name, adapter := name, adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeOne(ctx, name, adapter)
		}()
	}
	wg.Wait()
}

// probeOne applies the probe state-update rules for a single provider.
func (m *Monitor) probeOne(ctx context.Context, name string, adapter providers.Adapter) {
	ps := m.lookup(name)
	if ps == nil {
		return
	}

	// Rule 1/2: an open circuit skips the probe until the timeout elapses,
	// then transitions to half-open and probes.
	ps.mu.Lock()
	now := m.now()
	if ps.state.Circuit == CircuitOpen {
		if now.Before(ps.state.OpenUntil) {
			ps.state.Status = StatusUnhealthy
			ps.mu.Unlock()
			m.export(name, ps)
			return
		}
		ps.state.Circuit = CircuitHalfOpen
	}
	ps.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	res := adapter.HealthCheck(probeCtx)
	cancel()

	m.applyProbe(name, ps, res)

	if m.prom != nil {
		m.prom.ObserveProbe(name, res.Healthy, res.ResponseTime)
	}
}

// applyProbe folds one probe result into the provider's state.
func (m *Monitor) applyProbe(name string, ps *providerState, res providers.ProbeResult) {
	ps.mu.Lock()

	now := m.now()
	st := &ps.state
	st.LastProbeTime = now
	st.LastResponseTime = res.ResponseTime

	if res.Healthy {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		// Success closes a half-open circuit and resets the counter.
		st.Circuit = CircuitClosed
		st.FailureCount = 0
		st.OpenUntil = time.Time{}
	} else {
		st.ConsecutiveFailures++
		st.TotalErrors++
		if res.Err != nil {
			st.LastError = res.Err.Error()
		}
		m.recordFailureLocked(st, now)
	}

	m.deriveStatusLocked(st)
	status := st.Status
	circuit := st.Circuit
	ps.mu.Unlock()

	m.log.Debug("health_probe",
		slog.String("provider", name),
		slog.Bool("healthy", res.Healthy),
		slog.Duration("response_time", res.ResponseTime),
		slog.String("status", string(status)),
		slog.String("circuit", string(circuit)),
	)
	m.export(name, ps)
}

// recordFailureLocked bumps the breaker counter and opens the circuit at the
// threshold. Caller holds ps.mu.
func (m *Monitor) recordFailureLocked(st *State, now time.Time) {
	// A failed half-open probe re-opens immediately with a fresh timeout.
	if st.Circuit == CircuitHalfOpen {
		st.Circuit = CircuitOpen
		st.OpenUntil = now.Add(m.breakerTimeout)
		return
	}
	st.FailureCount++
	if st.FailureCount >= m.breakerThreshold && st.Circuit == CircuitClosed {
		st.Circuit = CircuitOpen
		st.OpenUntil = now.Add(m.breakerTimeout)
	}
}

// deriveStatusLocked applies the status derivation rules. Caller holds ps.mu.
func (m *Monitor) deriveStatusLocked(st *State) {
	switch {
	case st.Circuit == CircuitOpen:
		st.Status = StatusUnhealthy
	case st.ConsecutiveFailures == 0 && st.LastResponseTime <= healthyMaxResponseTime:
		st.Status = StatusHealthy
	case st.ConsecutiveFailures < m.failureThreshold:
		st.Status = StatusDegraded
	default:
		st.Status = StatusUnhealthy
	}
}

// ReportOutcome folds a dispatch outcome into the circuit breaker. Error
// kinds carry different trip semantics:
//
//   - success            → reset breaker counter, close a half-open circuit
//   - auth_failed        → open the circuit immediately
//   - rate_limited       → recorded but never counts toward a trip
//   - cancelled          → ignored entirely
//   - everything else    → counts toward the trip threshold
func (m *Monitor) ReportOutcome(name string, success bool, kind providers.ErrorKind, errMsg string) {
	ps := m.lookup(name)
	if ps == nil {
		return
	}

	ps.mu.Lock()
	now := m.now()
	st := &ps.state

	switch {
	case success:
		st.ConsecutiveFailures = 0
		st.FailureCount = 0
		if st.Circuit == CircuitHalfOpen {
			st.Circuit = CircuitClosed
			st.OpenUntil = time.Time{}
		}
	case kind == providers.ErrCancelled:
		// Client aborts say nothing about provider health.
	case kind == providers.ErrRateLimited:
		st.TotalErrors++
		st.LastError = errMsg
	case kind == providers.ErrAuthFailed:
		st.TotalErrors++
		st.LastError = errMsg
		st.ConsecutiveFailures++
		st.Circuit = CircuitOpen
		st.OpenUntil = now.Add(m.breakerTimeout)
	default:
		st.TotalErrors++
		st.LastError = errMsg
		st.ConsecutiveFailures++
		m.recordFailureLocked(st, now)
	}

	m.deriveStatusLocked(st)
	ps.mu.Unlock()

	m.export(name, ps)
}

// Snapshot returns the current state for one provider.
func (m *Monitor) Snapshot(name string) (State, bool) {
	ps := m.lookup(name)
	if ps == nil {
		return State{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state, true
}

// SnapshotAll returns the current state of every registered provider.
func (m *Monitor) SnapshotAll() map[string]State {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]State, len(names))
	for _, name := range names {
		if st, ok := m.Snapshot(name); ok {
			out[name] = st
		}
	}
	return out
}

// IsAvailable reports whether the dispatcher may send a request to the
// provider. Unknown status is optimistically available (the first probe round
// may not have completed); an open circuit or unhealthy status is not.
func (m *Monitor) IsAvailable(name string) bool {
	st, ok := m.Snapshot(name)
	if !ok {
		return false
	}
	if st.Circuit == CircuitOpen {
		return false
	}
	return st.Status != StatusUnhealthy
}

// Unavailability explains why a provider cannot take traffic, in a form
// suitable for gateway error messages. Empty when the provider is available.
func (m *Monitor) Unavailability(name string) string {
	st, ok := m.Snapshot(name)
	if !ok {
		return fmt.Sprintf("%s: not monitored", name)
	}
	switch {
	case st.Circuit == CircuitOpen:
		if st.LastError != "" {
			return fmt.Sprintf("%s: circuit open until %s (last error: %s)",
				name, st.OpenUntil.UTC().Format(time.RFC3339), st.LastError)
		}
		return fmt.Sprintf("%s: circuit open until %s", name, st.OpenUntil.UTC().Format(time.RFC3339))
	case st.Status == StatusUnhealthy:
		if st.LastError != "" {
			return fmt.Sprintf("%s: unhealthy (last error: %s)", name, st.LastError)
		}
		return fmt.Sprintf("%s: unhealthy", name)
	}
	return ""
}

func (m *Monitor) lookup(name string) *providerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[name]
}

// export pushes the current state to the metrics registry.
func (m *Monitor) export(name string, ps *providerState) {
	if m.prom == nil {
		return
	}
	ps.mu.Lock()
	circuit := ps.state.Circuit
	healthy := ps.state.Status == StatusHealthy
	ps.mu.Unlock()
	m.prom.SetCircuitState(name, circuitGauge(circuit))
	m.prom.SetProviderHealth(name, healthy)
}
