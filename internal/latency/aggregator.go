// Package latency turns raw RTT probe samples into one stable estimate.
package latency

import (
	"math"
	"sort"

	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const (
	// DefaultCeilingMs bounds the influence of one pathological sample.
	DefaultCeilingMs = 800.0
	// FallbackMs is reported when no probe succeeded.
	FallbackMs = 100.0

	iqrScale = 1.5

	// Connection-type heuristic: mostly-fast samples indicate a wired link
	// whose HTTP-layer overhead inflates RTT, mostly-slow ones a variable
	// wireless link.
	fastThresholdMs = 20.0
	slowThresholdMs = 150.0
	fastShare       = 0.5
	slowShare       = 0.3
	fastScale       = 0.95
	slowScale       = 1.05
)

// Sample is one successful latency probe.
type Sample struct {
	RTTMs  float64
	Weight float64
}

// Aggregator accumulates probe samples for one Ping stage. Not safe for
// concurrent use; the stage collects sequentially.
type Aggregator struct {
	ceiling float64
	samples []Sample
}

func NewAggregator(ceilingMs float64) *Aggregator {
	if ceilingMs <= 0 {
		ceilingMs = DefaultCeilingMs
	}
	return &Aggregator{ceiling: ceilingMs}
}

// Add records a successful sample and returns the running estimate for live
// display: a weighted average where weight = source weight x linear recency
// weight favoring later samples.
func (a *Aggregator) Add(rttMs, weight float64) float64 {
	if rttMs < 0 {
		rttMs = 0
	}
	if rttMs > a.ceiling {
		rttMs = a.ceiling
	}
	if weight <= 0 {
		weight = 1.0
	}
	a.samples = append(a.samples, Sample{RTTMs: rttMs, Weight: weight})

	n := len(a.samples)
	var sum, wsum float64
	for i, s := range a.samples {
		w := s.Weight * float64(i+1) / float64(n)
		sum += s.RTTMs * w
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return util.Round1(sum / wsum)
}

// Count returns the number of successful samples collected.
func (a *Aggregator) Count() int {
	return len(a.samples)
}

// Finalize computes the stage's latency estimate in milliseconds, rounded to
// one decimal. The second return is true when the value is a degraded
// fallback (no successful probes). Never NaN, never negative.
func (a *Aggregator) Finalize() (float64, bool) {
	n := len(a.samples)
	if n == 0 {
		return FallbackMs, true
	}
	if n < 3 {
		return util.Round1(weightedMean(a.samples)), false
	}

	raw := make([]float64, n)
	for i, s := range a.samples {
		raw[i] = s.RTTMs
	}
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lo := math.Max(0, q1-iqrScale*iqr)
	hi := q3 + iqrScale*iqr

	survivors := make([]Sample, 0, n)
	for _, s := range a.samples {
		if s.RTTMs >= lo && s.RTTMs <= hi {
			survivors = append(survivors, s)
		}
	}

	var estimate float64
	if len(survivors) == 0 {
		estimate = weightedMedian(a.samples)
	} else {
		estimate = weightedMean(survivors)
	}

	estimate *= heuristicFactor(raw)
	if estimate < 0 || math.IsNaN(estimate) {
		estimate = 0
	}
	return util.Round1(estimate), false
}

func heuristicFactor(raw []float64) float64 {
	var fast, slow int
	for _, v := range raw {
		if v < fastThresholdMs {
			fast++
		}
		if v > slowThresholdMs {
			slow++
		}
	}
	n := float64(len(raw))
	if float64(fast)/n > fastShare {
		return fastScale
	}
	if float64(slow)/n > slowShare {
		return slowScale
	}
	return 1.0
}

func weightedMean(samples []Sample) float64 {
	var sum, wsum float64
	for _, s := range samples {
		sum += s.RTTMs * s.Weight
		wsum += s.Weight
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// weightedMedian returns the sample value at which cumulative weight reaches
// half the total.
func weightedMedian(samples []Sample) float64 {
	sorted := append([]Sample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RTTMs < sorted[j].RTTMs })
	var total float64
	for _, s := range sorted {
		total += s.Weight
	}
	half := total / 2
	var cum float64
	for _, s := range sorted {
		cum += s.Weight
		if cum >= half {
			return s.RTTMs
		}
	}
	return sorted[len(sorted)-1].RTTMs
}

// quantile uses linear interpolation between adjacent ranks on a sorted
// slice.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
