package progress

import "testing"

func TestOverallEndpoints(t *testing.T) {
	cases := []struct {
		start, end float64
	}{
		{PingStart, PingEnd},
		{DownloadStart, DownloadEnd},
		{UploadStart, UploadEnd},
	}
	for _, c := range cases {
		if got := Overall(c.start, c.end, 0); got != int(c.start) {
			t.Fatalf("Overall(%v, %v, 0) = %d, want %v", c.start, c.end, got, c.start)
		}
		if got := Overall(c.start, c.end, 100); got != int(c.end) {
			t.Fatalf("Overall(%v, %v, 100) = %d, want %v", c.start, c.end, got, c.end)
		}
	}
}

func TestOverallMonotonic(t *testing.T) {
	prev := -1
	for local := 0.0; local <= 100.0; local += 0.5 {
		got := Overall(DownloadStart, DownloadEnd, local)
		if got < prev {
			t.Fatalf("Overall regressed at local=%v: %d < %d", local, got, prev)
		}
		prev = got
	}
}

func TestOverallClampsLocal(t *testing.T) {
	if got := Overall(10, 60, -20); got != 10 {
		t.Fatalf("Overall(10, 60, -20) = %d, want 10", got)
	}
	if got := Overall(10, 60, 140); got != 60 {
		t.Fatalf("Overall(10, 60, 140) = %d, want 60", got)
	}
}

func TestOverallRounding(t *testing.T) {
	// 10 + 50*33.33/100 = 26.665 -> 27
	if got := Overall(10, 60, 33.33); got != 27 {
		t.Fatalf("Overall(10, 60, 33.33) = %d, want 27", got)
	}
}
