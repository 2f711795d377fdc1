package latency

import (
	"math"
	"testing"
)

func TestFinalizeRejectsGrossOutlier(t *testing.T) {
	agg := NewAggregator(0)
	for _, rtt := range []float64{10, 12, 11, 300, 13, 9, 14, 11} {
		agg.Add(rtt, 1.0)
	}
	got, degraded := agg.Finalize()
	if degraded {
		t.Fatalf("estimate should not be degraded")
	}
	// Most samples are below the fast threshold, so the wired-link factor
	// applies: the estimate must lie within the non-outlier range scaled by
	// that factor.
	lo, hi := 9*0.95, 14*0.95
	if got < lo || got > hi {
		t.Fatalf("estimate %v outside adjusted non-outlier range [%v, %v]", got, lo, hi)
	}
}

func TestFinalizeZeroSamplesFallback(t *testing.T) {
	agg := NewAggregator(0)
	got, degraded := agg.Finalize()
	if !degraded {
		t.Fatalf("zero-sample estimate must be degraded")
	}
	if got != FallbackMs {
		t.Fatalf("fallback = %v, want %v", got, FallbackMs)
	}
	if math.IsNaN(got) || got < 0 {
		t.Fatalf("fallback must be a non-negative number, got %v", got)
	}
}

func TestFinalizeFewSamplesUsesWeightedAverage(t *testing.T) {
	agg := NewAggregator(0)
	agg.Add(10, 1.0)
	agg.Add(30, 3.0)
	got, degraded := agg.Finalize()
	if degraded {
		t.Fatalf("estimate should not be degraded")
	}
	// (10*1 + 30*3) / 4 = 25.0
	if got != 25.0 {
		t.Fatalf("estimate = %v, want 25.0", got)
	}
}

func TestFinalizeSlowSamplesScaleUp(t *testing.T) {
	agg := NewAggregator(0)
	for _, rtt := range []float64{160, 170, 180, 60, 65, 70} {
		agg.Add(rtt, 1.0)
	}
	got, _ := agg.Finalize()
	mean := (160.0 + 170 + 180 + 60 + 65 + 70) / 6
	want := mean * 1.05
	if math.Abs(got-want) > 0.1 {
		t.Fatalf("estimate = %v, want ~%v (wireless factor applied)", got, want)
	}
}

func TestAddCapsAtCeiling(t *testing.T) {
	agg := NewAggregator(500)
	agg.Add(5000, 1.0)
	got, _ := agg.Finalize()
	if got > 500 {
		t.Fatalf("estimate = %v, want capped at ceiling 500", got)
	}
}

func TestRunningEstimateFavorsRecentSamples(t *testing.T) {
	agg := NewAggregator(0)
	agg.Add(100, 1.0)
	est := agg.Add(10, 1.0)
	// Recency weighting pulls the estimate below the plain mean of 55.
	if est >= 55 {
		t.Fatalf("running estimate = %v, want below unweighted mean 55", est)
	}
	if est <= 10 {
		t.Fatalf("running estimate = %v, want above latest sample 10", est)
	}
}

func TestQuantileInterpolation(t *testing.T) {
	sorted := []float64{9, 10, 11, 11, 12, 13, 14, 300}
	if got := quantile(sorted, 0.25); got != 10.75 {
		t.Fatalf("q1 = %v, want 10.75", got)
	}
	if got := quantile(sorted, 0.75); got != 13.25 {
		t.Fatalf("q3 = %v, want 13.25", got)
	}
	if got := quantile(sorted, 0); got != 9 {
		t.Fatalf("q0 = %v, want 9", got)
	}
	if got := quantile(sorted, 1); got != 300 {
		t.Fatalf("q100 = %v, want 300", got)
	}
}

func TestWeightedMedian(t *testing.T) {
	samples := []Sample{
		{RTTMs: 10, Weight: 1},
		{RTTMs: 20, Weight: 4},
		{RTTMs: 30, Weight: 1},
	}
	if got := weightedMedian(samples); got != 20 {
		t.Fatalf("weightedMedian = %v, want 20", got)
	}
}
