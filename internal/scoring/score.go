// Package scoring computes composite provider scores from observed metrics.
//
// Every function here is pure: the same inputs always produce the same
// output, and nothing blocks or allocates unbounded work. The router and
// weight manager call into this package; it holds no state of its own.
package scoring

import (
	"math"
	"sort"
	"time"
)

// Weights are the relative importances of each sub-score. They must sum to 1
// (validated at config load).
type Weights struct {
	Latency      float64
	Throughput   float64
	Reliability  float64
	Cost         float64
	Quality      float64
	Consistency  float64
	Availability float64
	Trend        float64
}

// DefaultWeights is the stock profile.
func DefaultWeights() Weights {
	return Weights{
		Latency:      0.25,
		Throughput:   0.15,
		Reliability:  0.20,
		Cost:         0.15,
		Quality:      0.10,
		Consistency:  0.10,
		Availability: 0.03,
		Trend:        0.02,
	}
}

// Sum returns the total of all weight slots.
func (w Weights) Sum() float64 {
	return w.Latency + w.Throughput + w.Reliability + w.Cost +
		w.Quality + w.Consistency + w.Availability + w.Trend
}

// TimedSample is one observation together with its age.
type TimedSample struct {
	Value float64
	Age   time.Duration
}

// Input is the full set of signals for one provider.
type Input struct {
	// ResponseTimes are recent per-request latencies in seconds, oldest first.
	ResponseTimes []TimedSample
	// SuccessRates are recent success observations (1 or 0), oldest first.
	SuccessRates []TimedSample
	// Availabilities are recent availability observations in [0,1], oldest first.
	Availabilities []TimedSample
	// Cost is the provider's smoothed per-request cost in USD.
	Cost float64
	// PeerCosts are the other candidates' costs; empty means score Cost on an
	// absolute range instead.
	PeerCosts []float64
	// Throughput and Quality are optional externally supplied sub-scores in
	// [0,1]; nil means neutral (0.5). Quality typically comes from the
	// provider's high_quality config flag.
	Throughput *float64
	Quality    *float64
}

// Components holds each sub-score plus the weighted composite, all in [0,1].
type Components struct {
	Latency      float64
	Throughput   float64
	Reliability  float64
	Cost         float64
	Quality      float64
	Consistency  float64
	Availability float64
	Trend        float64
	Composite    float64
}

// Normalization bounds for the latency sub-score.
const (
	medianLo = 0.5  // seconds
	medianHi = 5.0  // seconds
	p95Lo    = 1.0  // seconds
	p95Hi    = 10.0 // seconds
)

// Calculate derives all sub-scores and the weighted composite.
func Calculate(in Input, w Weights) Components {
	c := Components{
		Latency:      latencyScore(in.ResponseTimes),
		Reliability:  reliabilityScore(in.SuccessRates),
		Cost:         costScore(in.Cost, in.PeerCosts),
		Availability: availabilityScore(in.Availabilities),
		Consistency:  consistencyScore(in.ResponseTimes, in.SuccessRates),
		Trend:        TrendScore(in.ResponseTimes, in.SuccessRates),
		Throughput:   orNeutral(in.Throughput),
		Quality:      orNeutral(in.Quality),
	}

	c.Composite = clamp01(c.Latency*w.Latency +
		c.Throughput*w.Throughput +
		c.Reliability*w.Reliability +
		c.Cost*w.Cost +
		c.Quality*w.Quality +
		c.Consistency*w.Consistency +
		c.Availability*w.Availability +
		c.Trend*w.Trend)

	return c
}

// latencyScore combines inverse-normalized median (70%) and p95 (30%) of the
// recent response times.
func latencyScore(samples []TimedSample) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	vals := values(samples)
	med := median(vals)
	p95 := percentile(vals, 0.95)

	medScore := invNormalize(med, medianLo, medianHi)
	p95Score := invNormalize(p95, p95Lo, p95Hi)
	return clamp01(0.7*medScore + 0.3*p95Score)
}

// reliabilityScore is the time-decayed success rate (80%) plus a consistency
// term derived from the success variance (20%).
func reliabilityScore(samples []TimedSample) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	rate := decayedMean(samples)
	consistency := clamp01(1 - variance(values(samples))/0.1)
	return clamp01(0.8*rate + 0.2*consistency)
}

// costScore rates cost relative to peers when available, otherwise against an
// absolute per-request range of $0.001–$0.1.
func costScore(cost float64, peers []float64) float64 {
	if len(peers) > 0 {
		lo, hi := peers[0], peers[0]
		for _, p := range peers[1:] {
			if p < lo {
				lo = p
			}
			if p > hi {
				hi = p
			}
		}
		if cost < lo {
			lo = cost
		}
		if cost > hi {
			hi = cost
		}
		if hi == lo {
			return 1
		}
		return clamp01(1 - (cost-lo)/(hi-lo))
	}
	return invNormalize(cost, 0.001, 0.1)
}

// availabilityScore is the time-decayed mean of observed availabilities.
func availabilityScore(samples []TimedSample) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	return clamp01(decayedMean(samples))
}

// consistencyScore averages (1 − coefficient of variation) over the
// response-time and success-rate windows.
func consistencyScore(rts, succ []TimedSample) float64 {
	scores := make([]float64, 0, 2)
	if len(rts) >= 2 {
		scores = append(scores, clamp01(1-coefficientOfVariation(values(rts))))
	}
	if len(succ) >= 2 {
		scores = append(scores, clamp01(1-coefficientOfVariation(values(succ))))
	}
	if len(scores) == 0 {
		return 0.5
	}
	return mean(scores)
}

// trendWindow is the number of most-recent samples considered for the trend.
const trendWindow = 20

// TrendScore measures whether a provider is improving or degrading. It
// correlates the negated response-time series and the success-rate series
// against time over the last trendWindow samples, averages the two
// coefficients, and maps the result to [0,1] as 0.5 + trend/4.
func TrendScore(rts, succ []TimedSample) float64 {
	trends := make([]float64, 0, 2)
	if r := seriesTrend(negate(lastN(values(rts), trendWindow))); !math.IsNaN(r) {
		trends = append(trends, r)
	}
	if r := seriesTrend(lastN(values(succ), trendWindow)); !math.IsNaN(r) {
		trends = append(trends, r)
	}
	if len(trends) == 0 {
		return 0.5
	}
	return clamp01(0.5 + mean(trends)/4)
}

// DecayWeight returns the time-decay weight for an observation of the given
// age: max(0.1, 1 − hours/24).
func DecayWeight(age time.Duration) float64 {
	w := 1 - age.Hours()/24
	if w < 0.1 {
		return 0.1
	}
	return w
}

// ── helpers ──────────────────────────────────────────────────────────────────

// seriesTrend is the Pearson correlation of the series against its index.
// Returns NaN for series that are too short or constant.
func seriesTrend(series []float64) float64 {
	n := len(series)
	if n < 3 {
		return math.NaN()
	}
	idx := make([]float64, n)
	for i := range idx {
		idx[i] = float64(i)
	}
	return pearson(idx, series)
}

func pearson(x, y []float64) float64 {
	n := len(x)
	mx, my := mean(x), mean(y)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return math.NaN()
	}
	return sxy / math.Sqrt(sxx*syy)
}

func decayedMean(samples []TimedSample) float64 {
	var sum, wsum float64
	for _, s := range samples {
		w := DecayWeight(s.Age)
		sum += s.Value * w
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// invNormalize maps v through max(0, 1 − (v−lo)/(hi−lo)), clamped to [0,1].
func invNormalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return clamp01(1 - (v-lo)/(hi-lo))
}

func values(samples []TimedSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func lastN(vals []float64, n int) []float64 {
	if len(vals) <= n {
		return vals
	}
	return vals[len(vals)-n:]
}

func negate(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = -v
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func variance(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var sum float64
	for _, v := range vals {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(vals))
}

func coefficientOfVariation(vals []float64) float64 {
	m := mean(vals)
	if m == 0 {
		return 0
	}
	return math.Sqrt(variance(vals)) / math.Abs(m)
}

func median(vals []float64) float64 {
	return percentile(vals, 0.5)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func orNeutral(v *float64) float64 {
	if v == nil {
		return 0.5
	}
	return clamp01(*v)
}
