package session

import (
	"sync"
	"time"
)

// Stage identifies the phase of a test run.
type Stage int

const (
	StageIdle Stage = iota
	StagePing
	StageDownload
	StageUpload
	StageComplete
	StageAborted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StagePing:
		return "ping"
	case StageDownload:
		return "download"
	case StageUpload:
		return "upload"
	case StageComplete:
		return "complete"
	case StageAborted:
		return "aborted"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageAborted || s == StageFailed
}

// MetricState tracks the lifecycle of one displayed metric.
type MetricState int

const (
	// MetricUnset means the stage has not started.
	MetricUnset MetricState = iota
	// MetricMeasuring means a live in-progress estimate is available.
	MetricMeasuring
	// MetricFinal means the stage finished and Value is the measured result.
	MetricFinal
	// MetricUnavailable means the run was aborted before the stage produced
	// a value.
	MetricUnavailable
	// MetricError means the run failed before the stage produced a value.
	MetricError
)

func (m MetricState) String() string {
	switch m {
	case MetricUnset:
		return "unset"
	case MetricMeasuring:
		return "measuring"
	case MetricFinal:
		return "final"
	case MetricUnavailable:
		return "not_available"
	case MetricError:
		return "error"
	default:
		return "unknown"
	}
}

type Metric struct {
	State MetricState
	Value float64
}

// MetricKind selects one of the three session metrics.
type MetricKind int

const (
	MetricPing MetricKind = iota
	MetricDownload
	MetricUpload
)

// MetricSnapshot is the exported form of a Metric.
type MetricSnapshot struct {
	State string  `json:"state"`
	Value float64 `json:"value"`
}

// Snapshot is an immutable view of the session handed to observers.
type Snapshot struct {
	Stage        string         `json:"stage"`
	Progress     int            `json:"progress"`
	Ping         MetricSnapshot `json:"ping"`
	Download     MetricSnapshot `json:"download"`
	Upload       MetricSnapshot `json:"upload"`
	DegradedPing bool           `json:"degraded_ping,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
}

// Session is the mutable state of one in-flight or just-finished run. All
// mutation goes through its methods; progress is ratcheted so observers never
// see it regress within a run.
type Session struct {
	mu           sync.Mutex
	stage        Stage
	progress     int
	ping         Metric
	download     Metric
	upload       Metric
	degradedPing bool
	errMsg       string
	startedAt    time.Time
	onChange     func(Snapshot)
}

func New() *Session {
	return &Session{stage: StageIdle}
}

// OnChange registers the single observer callback, invoked after every
// mutation without holding the session lock.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Begin resets the session for a new run.
func (s *Session) Begin() {
	s.mu.Lock()
	s.stage = StagePing
	s.progress = 0
	s.ping = Metric{}
	s.download = Metric{}
	s.upload = Metric{}
	s.degradedPing = false
	s.errMsg = ""
	s.startedAt = time.Now()
	s.notifyLocked()
}

// EnterStage transitions to an active stage and resets its metric to a live
// measuring placeholder so no stale prior value remains visible.
func (s *Session) EnterStage(stage Stage) {
	s.mu.Lock()
	s.stage = stage
	switch stage {
	case StagePing:
		s.ping = Metric{State: MetricMeasuring}
	case StageDownload:
		s.download = Metric{State: MetricMeasuring}
	case StageUpload:
		s.upload = Metric{State: MetricMeasuring}
	}
	s.notifyLocked()
}

// SetProgress publishes a new overall progress value. Values below the
// current one are ignored.
func (s *Session) SetProgress(pct int) {
	s.mu.Lock()
	if pct < s.progress {
		s.mu.Unlock()
		return
	}
	if pct > 100 {
		pct = 100
	}
	s.progress = pct
	s.notifyLocked()
}

// UpdateMetric publishes a live in-progress estimate for a metric.
func (s *Session) UpdateMetric(kind MetricKind, value float64) {
	s.mu.Lock()
	*s.metric(kind) = Metric{State: MetricMeasuring, Value: value}
	s.notifyLocked()
}

// FinalizeMetric stores the terminal value for a metric.
func (s *Session) FinalizeMetric(kind MetricKind, value float64) {
	s.mu.Lock()
	*s.metric(kind) = Metric{State: MetricFinal, Value: value}
	s.notifyLocked()
}

// SetDegradedPing marks the latency estimate as a fallback value.
func (s *Session) SetDegradedPing() {
	s.mu.Lock()
	s.degradedPing = true
	s.notifyLocked()
}

// Complete marks the run finished.
func (s *Session) Complete() {
	s.mu.Lock()
	s.stage = StageComplete
	s.progress = 100
	s.notifyLocked()
}

// Abort marks the run as cancelled by the user. Metrics that never produced
// a value are marked not-available.
func (s *Session) Abort() {
	s.mu.Lock()
	s.stage = StageAborted
	s.fillUnsetLocked(MetricUnavailable)
	s.notifyLocked()
}

// Fail marks the run as failed with a message. Metrics that never produced a
// value are marked with the error indicator.
func (s *Session) Fail(msg string) {
	s.mu.Lock()
	s.stage = StageFailed
	s.errMsg = msg
	s.fillUnsetLocked(MetricError)
	s.notifyLocked()
}

// Reset returns a finished session to Idle. It is a no-op unless the current
// stage is terminal or idle.
func (s *Session) Reset() bool {
	s.mu.Lock()
	if !s.stage.Terminal() && s.stage != StageIdle {
		s.mu.Unlock()
		return false
	}
	s.stage = StageIdle
	s.progress = 0
	s.ping = Metric{}
	s.download = Metric{}
	s.upload = Metric{}
	s.degradedPing = false
	s.errMsg = ""
	s.startedAt = time.Time{}
	s.notifyLocked()
	return true
}

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Snapshot returns an immutable copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) metric(kind MetricKind) *Metric {
	switch kind {
	case MetricDownload:
		return &s.download
	case MetricUpload:
		return &s.upload
	default:
		return &s.ping
	}
}

func (s *Session) fillUnsetLocked(state MetricState) {
	for _, m := range []*Metric{&s.ping, &s.download, &s.upload} {
		if m.State == MetricUnset || m.State == MetricMeasuring {
			*m = Metric{State: state}
		}
	}
}

// notifyLocked releases the lock and invokes the observer with a snapshot.
func (s *Session) notifyLocked() {
	fn := s.onChange
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Stage:        s.stage.String(),
		Progress:     s.progress,
		Ping:         MetricSnapshot{State: s.ping.State.String(), Value: s.ping.Value},
		Download:     MetricSnapshot{State: s.download.State.String(), Value: s.download.Value},
		Upload:       MetricSnapshot{State: s.upload.State.String(), Value: s.upload.Value},
		DegradedPing: s.degradedPing,
		Error:        s.errMsg,
		StartedAt:    s.startedAt,
	}
}
