// Package weights maintains adaptive per-provider routing weights.
//
// Two update paths feed the weights: synchronous per-outcome ingestion from
// the dispatcher (EMA updates plus immediate trigger adjustments) and a
// periodic rebalance loop that re-derives every weight from the smoothed
// metrics. The rebalance loop is authoritative: a triggered dip survives
// only until the next rebalance tick.
package weights

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/scoring"
)

// EMA smoothing factors. Response time reacts moderately fast, cost slowly,
// availability fastest.
const (
	alphaResponseTime = 0.2
	alphaSuccessRate  = 0.3
	alphaCost         = 0.1
	alphaAvailability = 0.4
)

const (
	// DefaultMinWeight and DefaultMaxWeight bound current_weight regardless
	// of how pathological the observed outcomes are.
	DefaultMinWeight = 0.1
	DefaultMaxWeight = 10.0

	// DefaultRebalanceInterval is how often weights are re-derived from EMAs.
	DefaultRebalanceInterval = 60 * time.Second

	// DefaultRebalanceThreshold is the max tolerated deviation of a
	// provider's weight share from 1/N before a global nudge.
	DefaultRebalanceThreshold = 0.3

	// rebalance damping: current ← current + sensitivity·(target − current).
	sensitivity = 0.5

	// Immediate trigger factors.
	degradationFactor = 0.8
	availabilityDrop  = 0.7
	latencySpikeOut   = 0.9

	// triggerWindow is how many recent outcomes the trigger checks look at.
	// Checks fire only once at least triggerMin outcomes are buffered.
	triggerWindow = 10
	triggerMin    = 5

	// historyCap bounds the per-provider sample history kept for scoring.
	historyCap = 50

	eventRingCap = 1000
)

// RebalanceWeights are the sub-score weights used by the periodic loop to
// compute performance_score. They must sum to 1.
type RebalanceWeights struct {
	ResponseTime   float64 `mapstructure:"response_time"`
	SuccessRate    float64 `mapstructure:"success_rate"`
	Availability   float64 `mapstructure:"availability"`
	CostEfficiency float64 `mapstructure:"cost_efficiency"`
	LoadBalance    float64 `mapstructure:"load_balance"`
}

// DefaultRebalanceWeights favors reliability and latency over cost.
func DefaultRebalanceWeights() RebalanceWeights {
	return RebalanceWeights{
		ResponseTime:   0.25,
		SuccessRate:    0.30,
		Availability:   0.20,
		CostEfficiency: 0.15,
		LoadBalance:    0.10,
	}
}

// Sum returns the total of all sub-score weights.
func (w RebalanceWeights) Sum() float64 {
	return w.ResponseTime + w.SuccessRate + w.Availability + w.CostEfficiency + w.LoadBalance
}

// Config tunes the Manager.
type Config struct {
	MinWeight          float64
	MaxWeight          float64
	RebalanceInterval  time.Duration
	RebalanceThreshold float64
	Rebalance          RebalanceWeights
}

func (c *Config) applyDefaults() {
	if c.MinWeight <= 0 {
		c.MinWeight = DefaultMinWeight
	}
	if c.MaxWeight <= 0 {
		c.MaxWeight = DefaultMaxWeight
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = DefaultRebalanceInterval
	}
	if c.RebalanceThreshold <= 0 {
		c.RebalanceThreshold = DefaultRebalanceThreshold
	}
	if c.Rebalance.Sum() == 0 {
		c.Rebalance = DefaultRebalanceWeights()
	}
}

// Outcome is one dispatch result reported by the dispatcher.
type Outcome struct {
	Provider     string
	ResponseTime float64 // seconds
	Cost         float64 // USD
	Success      bool
	// Cancelled marks a client abort. These outcomes say nothing about the
	// provider and are excluded from the EMAs and trigger checks.
	Cancelled bool
	// Available is false when the failure indicates the provider itself is
	// unreachable or down (timeouts, 5xx, auth), true for request-level
	// failures such as a malformed response.
	Available bool
}

// Metrics is a read-only snapshot of one provider's weight state.
type Metrics struct {
	Provider         string    `json:"provider"`
	BaseWeight       float64   `json:"base_weight"`
	CurrentWeight    float64   `json:"current_weight"`
	EMAResponseTime  float64   `json:"ema_response_time"`
	EMASuccessRate   float64   `json:"ema_success_rate"`
	EMACost          float64   `json:"ema_cost"`
	EMAAvailability  float64   `json:"ema_availability"`
	PerformanceScore float64   `json:"performance_score"`
	TrendScore       float64   `json:"trend_score"`
	LoadBalanceScore float64   `json:"load_balance_score"`
	TotalOutcomes    int64     `json:"total_outcomes"`
	LastUpdated      time.Time `json:"last_updated"`
}

// AdjustmentEvent records one weight change.
type AdjustmentEvent struct {
	Provider  string    `json:"provider"`
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Adjustment types.
const (
	AdjustDegradation  = "performance_degradation"
	AdjustAvailability = "availability_drop"
	AdjustLatencySpike = "response_time_spike"
	AdjustRebalance    = "rebalance"
	AdjustGlobalNudge  = "global_rebalance"
	AdjustRestore      = "checkpoint_restore"
)

type timedValue struct {
	value float64
	at    time.Time
}

// providerState carries everything the Manager tracks for one provider.
// Guarded by its own mutex so outcome ingestion for one provider never
// blocks another.
type providerState struct {
	mu sync.Mutex

	base    float64
	current float64

	emaResponseTime float64
	emaSuccessRate  float64
	emaCost         float64
	emaAvailability float64
	seeded          bool

	performanceScore float64
	trendScore       float64
	loadBalanceScore float64

	// recent holds the trigger window; history the scoring window.
	recent        []Outcome
	responseTimes []timedValue
	successRates  []timedValue
	availability  []timedValue

	// lastTrigger holds, per adjustment type, the outcome count at which the
	// trigger last fired. A trigger holds down until the window refreshes.
	lastTrigger map[string]int64

	totalOutcomes int64
	lastUpdated   time.Time
}

// Manager owns all WeightMetrics and the rebalance loop.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	prom  *metrics.Registry
	store Store

	mu        sync.RWMutex
	providers map[string]*providerState

	events *eventRing

	now func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Manager. store may be nil to disable checkpointing.
func New(cfg Config, log *slog.Logger, prom *metrics.Registry, store Store) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		prom:      prom,
		store:     store,
		providers: make(map[string]*providerState),
		events:    newEventRing(eventRingCap),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Register creates WeightMetrics for a provider with the given base weight.
// If a checkpoint exists for the provider, the EMAs are restored from it;
// the weight itself always starts at base_weight.
func (m *Manager) Register(provider string, baseWeight float64) {
	if baseWeight <= 0 {
		baseWeight = 1.0
	}

	st := &providerState{
		base:            baseWeight,
		current:         m.clamp(baseWeight),
		emaSuccessRate:  1.0,
		emaAvailability: 1.0,
		lastTrigger:     make(map[string]int64),
		lastUpdated:     m.now(),
	}

	if m.store != nil {
		if cp, ok := m.store.Load(provider); ok {
			st.emaResponseTime = cp.EMAResponseTime
			st.emaSuccessRate = cp.EMASuccessRate
			st.emaCost = cp.EMACost
			st.emaAvailability = cp.EMAAvailability
			st.seeded = cp.Seeded
			m.record(provider, st.current, st.current, AdjustRestore, "restored EMAs from checkpoint")
		}
	}

	m.mu.Lock()
	m.providers[provider] = st
	m.mu.Unlock()

	m.setWeightGauge(provider, st.current)
}

// Unregister drops all state for a provider.
func (m *Manager) Unregister(provider string) {
	m.mu.Lock()
	delete(m.providers, provider)
	m.mu.Unlock()
}

// Start launches the rebalance loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.RebalanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Rebalance()
				m.checkpoint()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop terminates the rebalance loop and writes a final checkpoint.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	m.checkpoint()
}

// ReportOutcome ingests one dispatch result. It updates the EMAs, appends to
// the sample history, and evaluates the immediate trigger checks. The call
// never blocks on I/O. Cancelled outcomes are dropped.
func (m *Manager) ReportOutcome(o Outcome) {
	if o.Cancelled {
		return
	}
	m.mu.RLock()
	st, ok := m.providers[o.Provider]
	m.mu.RUnlock()
	if !ok {
		return
	}

	now := m.now()
	success := 0.0
	if o.Success {
		success = 1.0
	}
	avail := 0.0
	if o.Available {
		avail = 1.0
	}

	st.mu.Lock()

	// The EMA is the baseline the trigger checks compare against, so the
	// current outcome must not be folded in before the checks run. Outcomes
	// enter the recent window first and feed the EMAs only once they age out
	// of it; the very first outcome seeds the EMAs directly.
	if !st.seeded {
		st.emaResponseTime = o.ResponseTime
		st.emaSuccessRate = success
		st.emaCost = o.Cost
		st.emaAvailability = avail
		st.seeded = true
	}

	st.recent = append(st.recent, o)
	if len(st.recent) > triggerWindow {
		evicted := st.recent[0]
		st.recent = st.recent[1:]
		m.foldIntoEMAsLocked(st, evicted)
	}
	st.responseTimes = appendSample(st.responseTimes, o.ResponseTime, now)
	st.successRates = appendSample(st.successRates, success, now)
	st.availability = appendSample(st.availability, avail, now)

	st.totalOutcomes++
	st.lastUpdated = now

	adjusted := m.checkTriggersLocked(o.Provider, st)

	current := st.current
	st.mu.Unlock()

	if adjusted {
		m.setWeightGauge(o.Provider, current)
	}
}

// ReportProbe ingests one out-of-band latency probe. Probes feed the
// availability EMA and the sample histories only; they never enter the
// dispatch outcome window, so the immediate triggers stay grounded on real
// traffic.
func (m *Manager) ReportProbe(provider string, available bool, rt time.Duration) {
	m.mu.RLock()
	st, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return
	}

	now := m.now()
	avail := 0.0
	if available {
		avail = 1.0
	}

	st.mu.Lock()
	st.emaAvailability = ema(alphaAvailability, avail, st.emaAvailability)
	st.availability = appendSample(st.availability, avail, now)
	if available {
		st.responseTimes = appendSample(st.responseTimes, rt.Seconds(), now)
	}
	st.lastUpdated = now
	st.mu.Unlock()
}

// foldIntoEMAsLocked applies the smoothing step for one outcome that left
// the recent window. Caller holds st.mu.
func (m *Manager) foldIntoEMAsLocked(st *providerState, o Outcome) {
	success := 0.0
	if o.Success {
		success = 1.0
	}
	avail := 0.0
	if o.Available {
		avail = 1.0
	}
	st.emaResponseTime = ema(alphaResponseTime, o.ResponseTime, st.emaResponseTime)
	st.emaSuccessRate = ema(alphaSuccessRate, success, st.emaSuccessRate)
	st.emaCost = ema(alphaCost, o.Cost, st.emaCost)
	st.emaAvailability = ema(alphaAvailability, avail, st.emaAvailability)
}

// checkTriggersLocked evaluates the immediate adjustment triggers against
// the recent outcome window. Caller holds st.mu.
func (m *Manager) checkTriggersLocked(provider string, st *providerState) bool {
	if len(st.recent) < triggerMin {
		return false
	}

	var succ, avail, rtSum float64
	for _, o := range st.recent {
		if o.Success {
			succ++
		}
		if o.Available {
			avail++
		}
		rtSum += o.ResponseTime
	}
	n := float64(len(st.recent))
	recentSuccess := succ / n
	recentAvail := avail / n
	recentRT := rtSum / n

	adjusted := false

	if recentSuccess < st.emaSuccessRate-0.2 && m.armWindowLocked(st, AdjustDegradation) {
		m.applyFactorLocked(provider, st, degradationFactor, AdjustDegradation,
			"recent success rate below smoothed baseline")
		adjusted = true
	}
	if recentAvail < st.emaAvailability-0.2 && m.armWindowLocked(st, AdjustAvailability) {
		m.applyFactorLocked(provider, st, availabilityDrop, AdjustAvailability,
			"recent availability below smoothed baseline")
		adjusted = true
	}
	if st.emaResponseTime > 0 && recentRT > st.emaResponseTime*1.3 && m.armWindowLocked(st, AdjustLatencySpike) {
		m.applyFactorLocked(provider, st, latencySpikeOut, AdjustLatencySpike,
			"recent mean response time above smoothed baseline")
		adjusted = true
	}

	return adjusted
}

// armWindowLocked reports whether a trigger of the given type may fire and
// marks it fired. A fired trigger stays armed off until the recent window
// has fully turned over. Caller holds st.mu.
func (m *Manager) armWindowLocked(st *providerState, adjType string) bool {
	if last, ok := st.lastTrigger[adjType]; ok && st.totalOutcomes-last < triggerWindow {
		return false
	}
	st.lastTrigger[adjType] = st.totalOutcomes
	return true
}

func (m *Manager) applyFactorLocked(provider string, st *providerState, factor float64, adjType, reason string) {
	old := st.current
	st.current = m.clamp(st.current * factor)
	m.record(provider, old, st.current, adjType, reason)
	m.countAdjustment(provider, adjType)
}

// Rebalance re-derives every provider's current weight from its EMAs. It is
// called by the periodic loop and exported for tests and admin endpoints.
func (m *Manager) Rebalance() {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	states := make([]*providerState, 0, len(m.providers))
	for name, st := range m.providers {
		names = append(names, name)
		states = append(states, st)
	}
	m.mu.RUnlock()

	if len(states) == 0 {
		return
	}

	// Peer costs and total outcome counts feed the relative sub-scores.
	peerCosts := make([]float64, 0, len(states))
	var totalOutcomes int64
	for _, st := range states {
		st.mu.Lock()
		if st.emaCost > 0 {
			peerCosts = append(peerCosts, st.emaCost)
		}
		totalOutcomes += st.totalOutcomes
		st.mu.Unlock()
	}

	evenShare := 1.0 / float64(len(states))

	for i, st := range states {
		name := names[i]
		st.mu.Lock()

		share := 0.0
		if totalOutcomes > 0 {
			share = float64(st.totalOutcomes) / float64(totalOutcomes)
		}
		st.loadBalanceScore = clamp01(1 - math.Abs(share-evenShare)/evenShare)

		perf := m.performanceScoreLocked(st, peerCosts)
		st.performanceScore = perf

		now := m.now()
		st.trendScore = scoring.TrendScore(
			toTimedSamples(st.responseTimes, now),
			toTimedSamples(st.successRates, now),
		)

		target := m.clamp(st.base * perf * (0.8 + 0.4*st.trendScore))

		old := st.current
		st.current = m.clamp(st.current + sensitivity*(target-st.current))
		st.lastUpdated = now

		if st.current != old {
			m.record(name, old, st.current, AdjustRebalance, "periodic rebalance from smoothed metrics")
			m.countAdjustment(name, AdjustRebalance)
		}
		m.setWeightGauge(name, st.current)

		st.mu.Unlock()
	}

	m.globalRebalance(names, states, evenShare)
}

// globalRebalance nudges all weights toward an even share when any provider
// deviates from 1/N by more than the configured threshold.
func (m *Manager) globalRebalance(names []string, states []*providerState, evenShare float64) {
	var total float64
	shares := make([]float64, len(states))
	for _, st := range states {
		st.mu.Lock()
		total += st.current
		st.mu.Unlock()
	}
	if total <= 0 {
		return
	}

	deviates := false
	for i, st := range states {
		st.mu.Lock()
		shares[i] = st.current / total
		st.mu.Unlock()
		if math.Abs(shares[i]-evenShare) > m.cfg.RebalanceThreshold {
			deviates = true
		}
	}
	if !deviates {
		return
	}

	for i, st := range states {
		st.mu.Lock()
		old := st.current
		st.current = m.clamp(st.current * (1 + 0.1*(evenShare-shares[i])))
		if st.current != old {
			m.record(names[i], old, st.current, AdjustGlobalNudge, "weight share deviated from even split")
			m.countAdjustment(names[i], AdjustGlobalNudge)
			m.setWeightGauge(names[i], st.current)
		}
		st.mu.Unlock()
	}
}

// performanceScoreLocked computes the weighted sub-score sum in [0,1].
// Caller holds st.mu.
func (m *Manager) performanceScoreLocked(st *providerState, peerCosts []float64) float64 {
	w := m.cfg.Rebalance

	rtScore := invNormalize(st.emaResponseTime, 0.5, 5.0)
	successScore := clamp01(st.emaSuccessRate)
	availScore := clamp01(st.emaAvailability)
	costScore := relativeCostScore(st.emaCost, peerCosts)

	score := rtScore*w.ResponseTime +
		successScore*w.SuccessRate +
		availScore*w.Availability +
		costScore*w.CostEfficiency +
		st.loadBalanceScore*w.LoadBalance

	if s := w.Sum(); s > 0 {
		score /= s
	}
	return clamp01(score)
}

// Weight returns the current weight for a provider, or 1.0 if unknown.
func (m *Manager) Weight(provider string) float64 {
	m.mu.RLock()
	st, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return 1.0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Snapshot returns a copy of one provider's metrics.
func (m *Manager) Snapshot(provider string) (Metrics, bool) {
	m.mu.RLock()
	st, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Metrics{
		Provider:         provider,
		BaseWeight:       st.base,
		CurrentWeight:    st.current,
		EMAResponseTime:  st.emaResponseTime,
		EMASuccessRate:   st.emaSuccessRate,
		EMACost:          st.emaCost,
		EMAAvailability:  st.emaAvailability,
		PerformanceScore: st.performanceScore,
		TrendScore:       st.trendScore,
		LoadBalanceScore: st.loadBalanceScore,
		TotalOutcomes:    st.totalOutcomes,
		LastUpdated:      st.lastUpdated,
	}, true
}

// SnapshotAll returns metrics for every registered provider.
func (m *Manager) SnapshotAll() map[string]Metrics {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Metrics, len(names))
	for _, name := range names {
		if s, ok := m.Snapshot(name); ok {
			out[name] = s
		}
	}
	return out
}

// ScoringInput assembles the Score Calculator input for a provider from the
// tracked sample history.
func (m *Manager) ScoringInput(provider string) (scoring.Input, bool) {
	m.mu.RLock()
	st, ok := m.providers[provider]
	peerCosts := make([]float64, 0, len(m.providers))
	for name, other := range m.providers {
		if name == provider {
			continue
		}
		other.mu.Lock()
		if other.emaCost > 0 {
			peerCosts = append(peerCosts, other.emaCost)
		}
		other.mu.Unlock()
	}
	m.mu.RUnlock()
	if !ok {
		return scoring.Input{}, false
	}

	now := m.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return scoring.Input{
		ResponseTimes:  toTimedSamples(st.responseTimes, now),
		SuccessRates:   toTimedSamples(st.successRates, now),
		Availabilities: toTimedSamples(st.availability, now),
		Cost:           st.emaCost,
		PeerCosts:      append(peerCosts, st.emaCost),
	}, true
}

// Events returns the most recent weight adjustment events, newest last.
func (m *Manager) Events(limit int) []AdjustmentEvent {
	return m.events.tail(limit)
}

func (m *Manager) record(provider string, old, updated float64, adjType, reason string) {
	ev := AdjustmentEvent{
		Provider:  provider,
		Old:       old,
		New:       updated,
		Type:      adjType,
		Reason:    reason,
		Timestamp: m.now(),
	}
	m.events.push(ev)
	m.log.Debug("weight_adjusted",
		slog.String("provider", provider),
		slog.Float64("old", old),
		slog.Float64("new", updated),
		slog.String("type", adjType),
	)
}

// checkpoint persists every provider's EMAs through the configured store.
func (m *Manager) checkpoint() {
	if m.store == nil {
		return
	}
	for name, s := range m.SnapshotAll() {
		cp := Checkpoint{
			Provider:        name,
			EMAResponseTime: s.EMAResponseTime,
			EMASuccessRate:  s.EMASuccessRate,
			EMACost:         s.EMACost,
			EMAAvailability: s.EMAAvailability,
			Seeded:          s.TotalOutcomes > 0,
			SavedAt:         m.now(),
		}
		if err := m.store.Save(cp); err != nil {
			m.log.Warn("weight_checkpoint_failed",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) setWeightGauge(provider string, w float64) {
	if m.prom != nil {
		m.prom.SetProviderWeight(provider, w)
	}
}

func (m *Manager) countAdjustment(provider, adjType string) {
	if m.prom != nil {
		m.prom.RecordWeightAdjustment(provider, adjType)
	}
}

func (m *Manager) clamp(v float64) float64 {
	return math.Min(m.cfg.MaxWeight, math.Max(m.cfg.MinWeight, v))
}

func ema(alpha, obs, old float64) float64 {
	return alpha*obs + (1-alpha)*old
}

func appendSample(s []timedValue, v float64, at time.Time) []timedValue {
	s = append(s, timedValue{value: v, at: at})
	if len(s) > historyCap {
		s = s[len(s)-historyCap:]
	}
	return s
}

func toTimedSamples(s []timedValue, now time.Time) []scoring.TimedSample {
	out := make([]scoring.TimedSample, len(s))
	for i, tv := range s {
		out[i] = scoring.TimedSample{Value: tv.value, Age: now.Sub(tv.at)}
	}
	return out
}

func relativeCostScore(cost float64, peers []float64) float64 {
	if cost <= 0 {
		return 0.5
	}
	if len(peers) < 2 {
		return invNormalize(cost, 0.001, 0.1)
	}
	lo, hi := peers[0], peers[0]
	for _, c := range peers[1:] {
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	if hi == lo {
		return 0.5
	}
	return clamp01(1 - (cost-lo)/(hi-lo))
}

func invNormalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp01(1 - (v-lo)/(hi-lo))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// eventRing is a fixed-capacity ring buffer of adjustment events with a
// single writer and concurrent readers.
type eventRing struct {
	mu   sync.Mutex
	buf  []AdjustmentEvent
	next int
	full bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]AdjustmentEvent, size)}
}

func (r *eventRing) push(ev AdjustmentEvent) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// tail returns up to limit most recent events in chronological order.
func (r *eventRing) tail(limit int) []AdjustmentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]AdjustmentEvent, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
