package util

import (
	"math"
	"testing"
)

func TestRound1(t *testing.T) {
	if got := Round1(12.34); got != 12.3 {
		t.Fatalf("Round1(12.34) = %v, want 12.3", got)
	}
	if got := Round1(12.35); got != 12.4 {
		t.Fatalf("Round1(12.35) = %v, want 12.4", got)
	}
	if got := Round1(math.NaN()); got != 0 {
		t.Fatalf("Round1(NaN) = %v, want 0", got)
	}
	if got := Round1(math.Inf(1)); got != 0 {
		t.Fatalf("Round1(+Inf) = %v, want 0", got)
	}
}

func TestClampFloat(t *testing.T) {
	if got := ClampFloat(-1, 0, 10); got != 0 {
		t.Fatalf("ClampFloat(-1, 0, 10) = %v, want 0", got)
	}
	if got := ClampFloat(11, 0, 10); got != 10 {
		t.Fatalf("ClampFloat(11, 0, 10) = %v, want 10", got)
	}
	if got := ClampFloat(5, 0, 10); got != 5 {
		t.Fatalf("ClampFloat(5, 0, 10) = %v, want 5", got)
	}
}
