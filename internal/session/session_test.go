package session

import "testing"

func TestProgressRatchet(t *testing.T) {
	s := New()
	s.Begin()
	s.SetProgress(40)
	s.SetProgress(20)
	if got := s.Snapshot().Progress; got != 40 {
		t.Fatalf("progress = %d, want 40 after regression attempt", got)
	}
	s.SetProgress(250)
	if got := s.Snapshot().Progress; got != 100 {
		t.Fatalf("progress = %d, want clamped 100", got)
	}
}

func TestEnterStageResetsMetric(t *testing.T) {
	s := New()
	s.Begin()
	s.EnterStage(StageDownload)
	s.UpdateMetric(MetricDownload, 42.0)
	s.FinalizeMetric(MetricDownload, 55.5)

	// A fresh run must not show the previous run's value.
	s.Complete()
	s.Reset()
	s.Begin()
	s.EnterStage(StageDownload)
	snap := s.Snapshot()
	if snap.Download.State != MetricMeasuring.String() {
		t.Fatalf("download state = %q, want measuring", snap.Download.State)
	}
	if snap.Download.Value != 0 {
		t.Fatalf("download value = %v, want 0", snap.Download.Value)
	}
}

func TestAbortMarksUnsetMetricsUnavailable(t *testing.T) {
	s := New()
	s.Begin()
	s.EnterStage(StagePing)
	s.FinalizeMetric(MetricPing, 12.3)
	s.EnterStage(StageDownload)
	s.Abort()

	snap := s.Snapshot()
	if snap.Stage != StageAborted.String() {
		t.Fatalf("stage = %q, want aborted", snap.Stage)
	}
	if snap.Ping.State != MetricFinal.String() || snap.Ping.Value != 12.3 {
		t.Fatalf("ping = %+v, want final 12.3", snap.Ping)
	}
	if snap.Download.State != MetricUnavailable.String() {
		t.Fatalf("download state = %q, want not_available", snap.Download.State)
	}
	if snap.Upload.State != MetricUnavailable.String() {
		t.Fatalf("upload state = %q, want not_available", snap.Upload.State)
	}
}

func TestFailMarksUnsetMetricsError(t *testing.T) {
	s := New()
	s.Begin()
	s.EnterStage(StageDownload)
	s.Fail("connection refused")

	snap := s.Snapshot()
	if snap.Stage != StageFailed.String() {
		t.Fatalf("stage = %q, want failed", snap.Stage)
	}
	if snap.Error != "connection refused" {
		t.Fatalf("error = %q", snap.Error)
	}
	if snap.Download.State != MetricError.String() {
		t.Fatalf("download state = %q, want error", snap.Download.State)
	}
}

func TestResetOnlyFromTerminalStage(t *testing.T) {
	s := New()
	s.Begin()
	s.EnterStage(StageDownload)
	if s.Reset() {
		t.Fatalf("Reset should be rejected mid-run")
	}
	s.Abort()
	if !s.Reset() {
		t.Fatalf("Reset should succeed from aborted")
	}
	if s.Stage() != StageIdle {
		t.Fatalf("stage = %v, want idle", s.Stage())
	}
}

func TestObserverSeesMonotonicProgress(t *testing.T) {
	s := New()
	var seen []int
	s.OnChange(func(snap Snapshot) {
		seen = append(seen, snap.Progress)
	})
	s.Begin()
	for _, p := range []int{5, 10, 8, 30, 30, 60, 100} {
		s.SetProgress(p)
	}
	prev := -1
	for _, p := range seen {
		if p < prev {
			t.Fatalf("observed progress regressed: %v", seen)
		}
		prev = p
	}
}
