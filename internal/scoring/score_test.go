package scoring

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// flat returns n samples of the same value with zero age.
func flat(value float64, n int) []TimedSample {
	out := make([]TimedSample, n)
	for i := range out {
		out[i] = TimedSample{Value: value}
	}
	return out
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	if sum := DefaultWeights().Sum(); !almostEqual(sum, 1.0) {
		t.Fatalf("Sum() = %v, want 1.0", sum)
	}
}

func TestLatencyScore(t *testing.T) {
	if got := latencyScore(nil); !almostEqual(got, 0.5) {
		t.Fatalf("latencyScore(nil) = %v, want neutral 0.5", got)
	}

	// 0.5s median saturates both normalization bands.
	fast := latencyScore(flat(0.5, 10))
	if !almostEqual(fast, 1.0) {
		t.Fatalf("latencyScore(0.5s) = %v, want 1.0", fast)
	}

	slow := latencyScore(flat(5.0, 10))
	if slow >= fast {
		t.Fatalf("latencyScore(5s) = %v, want below fast score %v", slow, fast)
	}
}

func TestReliabilityScore(t *testing.T) {
	if got := reliabilityScore(flat(1, 10)); !almostEqual(got, 1.0) {
		t.Fatalf("all-success reliability = %v, want 1.0", got)
	}
	// Zero rate still earns the full consistency term (0.2).
	if got := reliabilityScore(flat(0, 10)); !almostEqual(got, 0.2) {
		t.Fatalf("all-failure reliability = %v, want 0.2", got)
	}
	if got := reliabilityScore(nil); !almostEqual(got, 0.5) {
		t.Fatalf("empty reliability = %v, want neutral 0.5", got)
	}
}

func TestCostScoreRelativeToPeers(t *testing.T) {
	tests := []struct {
		name  string
		cost  float64
		peers []float64
		want  float64
	}{
		{"cheapest", 0.01, []float64{0.02, 0.05}, 1.0},
		{"most expensive", 0.05, []float64{0.01, 0.02}, 0.0},
		{"all equal", 0.02, []float64{0.02, 0.02}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := costScore(tt.cost, tt.peers); !almostEqual(got, tt.want) {
				t.Fatalf("costScore(%v, %v) = %v, want %v", tt.cost, tt.peers, got, tt.want)
			}
		})
	}
}

func TestCostScoreAbsoluteWithoutPeers(t *testing.T) {
	if got := costScore(0.001, nil); !almostEqual(got, 1.0) {
		t.Fatalf("costScore at floor = %v, want 1.0", got)
	}
	if got := costScore(0.1, nil); !almostEqual(got, 0.0) {
		t.Fatalf("costScore at ceiling = %v, want 0.0", got)
	}
}

func TestDecayWeight(t *testing.T) {
	if got := DecayWeight(0); !almostEqual(got, 1.0) {
		t.Fatalf("DecayWeight(0) = %v, want 1.0", got)
	}
	if got := DecayWeight(12 * time.Hour); !almostEqual(got, 0.5) {
		t.Fatalf("DecayWeight(12h) = %v, want 0.5", got)
	}
	if got := DecayWeight(48 * time.Hour); !almostEqual(got, 0.1) {
		t.Fatalf("DecayWeight(48h) = %v, want floor 0.1", got)
	}
}

func TestAvailabilityScoreFavorsRecentSamples(t *testing.T) {
	// An old outage should barely dent a currently healthy provider.
	samples := []TimedSample{
		{Value: 0, Age: 30 * time.Hour},
		{Value: 1, Age: 0},
	}
	got := availabilityScore(samples)
	if got <= 0.7 {
		t.Fatalf("availabilityScore = %v, want recent success to dominate (> 0.7)", got)
	}
}

func TestConsistencyScorePrefersStableLatency(t *testing.T) {
	stable := consistencyScore(flat(1.0, 10), flat(1, 10))
	jittery := consistencyScore([]TimedSample{
		{Value: 0.2}, {Value: 4.0}, {Value: 0.3}, {Value: 5.0}, {Value: 0.1},
	}, flat(1, 10))
	if stable <= jittery {
		t.Fatalf("stable = %v, jittery = %v, want stable higher", stable, jittery)
	}
}

func TestTrendScore(t *testing.T) {
	improving := make([]TimedSample, 10)
	degrading := make([]TimedSample, 10)
	for i := range improving {
		improving[i] = TimedSample{Value: float64(10 - i)} // latency falling
		degrading[i] = TimedSample{Value: float64(1 + i)}  // latency rising
	}

	// A perfectly linear improvement correlates at 1.0 → 0.5 + 1/4.
	if got := TrendScore(improving, nil); !almostEqual(got, 0.75) {
		t.Fatalf("improving trend = %v, want 0.75", got)
	}
	if got := TrendScore(degrading, nil); !almostEqual(got, 0.25) {
		t.Fatalf("degrading trend = %v, want 0.25", got)
	}
	// Constant series have no defined trend.
	if got := TrendScore(flat(1.0, 10), flat(1, 10)); !almostEqual(got, 0.5) {
		t.Fatalf("constant trend = %v, want neutral 0.5", got)
	}
	if got := TrendScore(nil, nil); !almostEqual(got, 0.5) {
		t.Fatalf("empty trend = %v, want neutral 0.5", got)
	}
}

func TestCalculateEmptyInputIsNeutral(t *testing.T) {
	c := Calculate(Input{}, DefaultWeights())

	// All sample-based sub-scores fall back to 0.5; a zero cost with no peers
	// normalizes to 1.0 on the absolute range.
	if !almostEqual(c.Latency, 0.5) || !almostEqual(c.Reliability, 0.5) ||
		!almostEqual(c.Availability, 0.5) || !almostEqual(c.Trend, 0.5) {
		t.Fatalf("sub-scores = %+v, want 0.5 neutrals", c)
	}
	if !almostEqual(c.Composite, 0.575) {
		t.Fatalf("Composite = %v, want 0.575", c.Composite)
	}
}

func TestCalculateRanksGoodAboveBad(t *testing.T) {
	w := DefaultWeights()

	good := Calculate(Input{
		ResponseTimes:  flat(0.5, 10),
		SuccessRates:   flat(1, 10),
		Availabilities: flat(1, 10),
		Cost:           0.005,
		PeerCosts:      []float64{0.05},
	}, w)
	bad := Calculate(Input{
		ResponseTimes:  flat(6.0, 10),
		SuccessRates:   flat(0, 10),
		Availabilities: flat(0, 10),
		Cost:           0.05,
		PeerCosts:      []float64{0.005},
	}, w)

	if good.Composite <= bad.Composite {
		t.Fatalf("good composite %v not above bad composite %v", good.Composite, bad.Composite)
	}
	if good.Composite <= 0.8 {
		t.Fatalf("good composite = %v, want > 0.8", good.Composite)
	}
	if bad.Composite >= 0.4 {
		t.Fatalf("bad composite = %v, want < 0.4", bad.Composite)
	}
}

func TestCalculateExternalSubScores(t *testing.T) {
	q := 1.0
	c := Calculate(Input{Quality: &q}, DefaultWeights())
	if !almostEqual(c.Quality, 1.0) {
		t.Fatalf("Quality = %v, want supplied 1.0", c.Quality)
	}

	neutral := Calculate(Input{}, DefaultWeights())
	if !almostEqual(neutral.Quality, 0.5) {
		t.Fatalf("Quality = %v, want neutral 0.5 when unset", neutral.Quality)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(vals, 0.95); !almostEqual(got, 10) {
		t.Fatalf("p95 = %v, want 10", got)
	}
	if got := median(vals); !almostEqual(got, 5) {
		t.Fatalf("median = %v, want 5", got)
	}
	if got := percentile(nil, 0.5); !almostEqual(got, 0) {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}
