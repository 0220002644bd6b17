package routing

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/scoring"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// Urgency, cost-sensitivity and quality levels derived from a request.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelNormal = "normal"
	LevelLow    = "low"
)

// unavailablePenalty is subtracted from the score of any candidate whose
// provider is unhealthy or whose connection pool is full. It is large enough
// to push such candidates behind every healthy one.
const unavailablePenalty = 50.0

// Characteristics are the routing-relevant features of one request.
type Characteristics struct {
	Complexity         providers.Complexity
	Urgency            string
	CostSensitivity    string
	QualityRequirement string
}

// urgentTaskTypes get latency-boosted routing.
var urgentTaskTypes = map[string]bool{
	"triage":             true,
	"outcome_detection":  true,
	"sentiment_analysis": true,
}

// qualityTaskTypes get quality-boosted routing.
var qualityTaskTypes = map[string]bool{
	"critique":   true,
	"refinement": true,
}

// Analyze derives request characteristics. The request's own complexity wins
// when set; otherwise prompt length decides.
func Analyze(req *providers.GenerationRequest) Characteristics {
	c := Characteristics{Complexity: req.Complexity}
	if c.Complexity == "" {
		switch n := len(req.Prompt); {
		case n < 100:
			c.Complexity = providers.ComplexitySimple
		case n > 1000:
			c.Complexity = providers.ComplexityComplex
		default:
			c.Complexity = providers.ComplexityMedium
		}
	}

	c.Urgency = LevelNormal
	if urgentTaskTypes[req.TaskType] {
		c.Urgency = LevelHigh
	}

	switch {
	case c.Urgency == LevelHigh || c.Complexity == providers.ComplexitySimple:
		c.CostSensitivity = LevelHigh
	case c.Complexity == providers.ComplexityComplex:
		c.CostSensitivity = LevelLow
	default:
		c.CostSensitivity = LevelMedium
	}

	c.QualityRequirement = LevelNormal
	if qualityTaskTypes[req.TaskType] || c.Complexity == providers.ComplexityComplex {
		c.QualityRequirement = LevelHigh
	}
	return c
}

// Candidate is one scored routing option.
type Candidate struct {
	Provider string
	Model    string
	Score    float64
}

// HealthView is the slice of the health monitor the router needs.
type HealthView interface {
	IsAvailable(name string) bool
}

// PoolView reports whether a provider's connection pool is at capacity.
type PoolView interface {
	Full(name string) bool
}

// MetricsView is the slice of the weight manager the router needs.
type MetricsView interface {
	Snapshot(provider string) (weights.Metrics, bool)
	ScoringInput(provider string) (scoring.Input, bool)
	Weight(provider string) float64
}

// Config tunes selector choice and scoring boosts.
type Config struct {
	// TaskRouting maps task_type → complexity → alias.
	TaskRouting map[string]map[string]string
	// CostOptimization steers simple requests to "cheapest" and complex ones
	// to "best" when no task-routing rule applies.
	CostOptimization bool
	// HighQuality names providers that receive the quality boost.
	HighQuality map[string]bool
	// ScoreWeights are the Score Calculator composite weights.
	ScoreWeights scoring.Weights
}

// Router orders providers for a request by combining the composite
// performance score with request-characteristic boosts and health penalties.
type Router struct {
	cfg      Config
	resolver *AliasResolver
	metrics  MetricsView
	health   HealthView
	pools    PoolView
	log      *slog.Logger
}

func NewRouter(cfg Config, resolver *AliasResolver, metrics MetricsView, health HealthView, pools PoolView, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ScoreWeights.Sum() == 0 {
		cfg.ScoreWeights = scoring.DefaultWeights()
	}
	return &Router{
		cfg:      cfg,
		resolver: resolver,
		metrics:  metrics,
		health:   health,
		pools:    pools,
		log:      log,
	}
}

// Route returns the candidate list for a request in descending score order.
// selector is the caller-supplied model selector, possibly overridden by
// task routing rules.
func (r *Router) Route(req *providers.GenerationRequest, selector string) []Candidate {
	chars := Analyze(req)
	chosen := r.selectAlias(req.TaskType, chars, selector)

	entries := r.resolver.Resolve(chosen)
	if len(entries) == 0 {
		return nil
	}

	lowestCost := r.lowestCostProvider(entries)

	cands := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		cands = append(cands, Candidate{
			Provider: e.Provider,
			Model:    e.Model,
			Score:    r.score(e.Provider, chars, lowestCost),
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	r.log.Debug("route",
		slog.String("selector", selector),
		slog.String("resolved", chosen),
		slog.String("complexity", string(chars.Complexity)),
		slog.String("urgency", chars.Urgency),
		slog.Int("candidates", len(cands)),
	)
	return cands
}

// selectAlias picks the effective selector: a fully-specified
// "provider:model" selector is honored as-is, then the task routing table,
// then the cost-optimization defaults, then the caller's choice.
func (r *Router) selectAlias(taskType string, chars Characteristics, selector string) string {
	if strings.Contains(selector, ":") {
		return selector
	}
	if byComplexity, ok := r.cfg.TaskRouting[taskType]; ok {
		if alias, ok := byComplexity[string(chars.Complexity)]; ok && alias != "" {
			return alias
		}
	}
	if r.cfg.CostOptimization {
		switch chars.Complexity {
		case providers.ComplexitySimple:
			return "cheapest"
		case providers.ComplexityComplex:
			return "best"
		}
	}
	if selector == "" {
		return FallbackAlias
	}
	return selector
}

// score computes one candidate's score: composite performance score in
// 0–100 scaled by the adaptive weight, then boosted per request
// characteristics, then penalized when the provider cannot take traffic.
func (r *Router) score(provider string, chars Characteristics, lowestCost string) float64 {
	var composite float64
	if in, ok := r.metrics.ScoringInput(provider); ok {
		composite = scoring.Calculate(in, r.cfg.ScoreWeights).Composite
	} else {
		composite = 0.5
	}

	score := composite * 100 * r.metrics.Weight(provider)

	snap, hasMetrics := r.metrics.Snapshot(provider)

	if chars.Urgency == LevelHigh && hasMetrics && snap.EMAResponseTime < 2.0 {
		score *= 1.3
	}
	if chars.QualityRequirement == LevelHigh && r.cfg.HighQuality[provider] {
		score *= 1.3
	}
	if chars.CostSensitivity == LevelHigh && provider == lowestCost {
		score *= 1.4
	}

	if !r.health.IsAvailable(provider) || (r.pools != nil && r.pools.Full(provider)) {
		score -= unavailablePenalty
	}
	return score
}

// lowestCostProvider returns the candidate provider with the smallest
// positive smoothed cost, or "" when no cost data exists.
func (r *Router) lowestCostProvider(entries []Entry) string {
	best := ""
	bestCost := 0.0
	for _, e := range entries {
		snap, ok := r.metrics.Snapshot(e.Provider)
		if !ok || snap.EMACost <= 0 {
			continue
		}
		if best == "" || snap.EMACost < bestCost {
			best = e.Provider
			bestCost = snap.EMACost
		}
	}
	return best
}
