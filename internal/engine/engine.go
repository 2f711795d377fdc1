// Package engine drives a full measurement run: latency probing, then the
// download and upload streams, publishing live state through the session and
// persisting the finished result.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
	"github.com/ComputerScienceAddict/getmyspeed/internal/geo"
	"github.com/ComputerScienceAddict/getmyspeed/internal/history"
	"github.com/ComputerScienceAddict/getmyspeed/internal/latency"
	"github.com/ComputerScienceAddict/getmyspeed/internal/probe"
	"github.com/ComputerScienceAddict/getmyspeed/internal/progress"
	"github.com/ComputerScienceAddict/getmyspeed/internal/session"
	"github.com/ComputerScienceAddict/getmyspeed/internal/throughput"
	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

// ErrRunInProgress is returned by Start while a run is active.
var ErrRunInProgress = errors.New("test already in progress")

// Inter-probe pacing bounds for the latency stage.
const (
	probeDelayMin = 50 * time.Millisecond
	probeDelayMax = 150 * time.Millisecond
)

// Locator resolves the client's public triple. Satisfied by *geo.Resolver.
type Locator interface {
	Lookup(ctx context.Context) geo.Info
}

// Engine owns the run lifecycle. At most one run is active at a time;
// state is published through the embedded session.
type Engine struct {
	cfg     config.Config
	prober  *probe.Prober
	locator Locator
	store   *history.Store
	session *session.Session
	logger  util.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func New(cfg config.Config, store *history.Store, locator Locator, logger util.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		prober:  probe.NewProber(),
		locator: locator,
		store:   store,
		session: session.New(),
		logger:  logger,
	}
}

// Session exposes the live run state for observers.
func (e *Engine) Session() *session.Session {
	return e.session
}

// Start launches a run. Returns ErrRunInProgress while one is active.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunInProgress
	}
	if !e.session.Reset() {
		return ErrRunInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	done := make(chan struct{})
	e.done = done

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			close(done)
		}()
		e.run(ctx)
	}()
	return nil
}

// Abort cancels the active run, if any. Safe to call repeatedly.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.cancel != nil {
		e.cancel()
	}
}

// Reset returns the session to idle. Refused while a run is active.
func (e *Engine) Reset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	return e.session.Reset()
}

// Wait blocks until the current run finishes. Returns immediately when no
// run was started.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) run(ctx context.Context) {
	e.session.Begin()
	e.logger.Info("run started")

	// Geo resolution proceeds alongside the measurement stages.
	geoCh := make(chan geo.Info, 1)
	go func() {
		geoCh <- e.locator.Lookup(ctx)
	}()

	pingMs, ok := e.runPing(ctx)
	if !ok {
		return
	}
	downloadMbps, ok := e.runStream(ctx, session.MetricDownload)
	if !ok {
		return
	}
	uploadMbps, ok := e.runStream(ctx, session.MetricUpload)
	if !ok {
		return
	}

	e.session.Complete()
	info := <-geoCh

	result := history.TestResult{
		ID:           history.NewID(),
		PingMs:       pingMs,
		DownloadMbps: downloadMbps,
		UploadMbps:   uploadMbps,
		Location:     info.Location,
		Provider:     info.Provider,
		IP:           info.IP,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.store.Append(result); err != nil {
		e.logger.Error("persist result", "error", err)
	}
	e.logger.Info("run complete",
		"ping_ms", result.PingMs,
		"download_mbps", result.DownloadMbps,
		"upload_mbps", result.UploadMbps,
	)
}

// runPing drives the latency stage. Individual probe failures are dropped;
// only cancellation ends the run early.
func (e *Engine) runPing(ctx context.Context) (float64, bool) {
	e.session.EnterStage(session.StagePing)

	cfg := e.cfg.Ping
	ceilingMs := float64(time.Duration(cfg.Ceiling)) / float64(time.Millisecond)
	agg := latency.NewAggregator(ceilingMs)

	for i := 0; i < cfg.Attempts; i++ {
		if ctx.Err() != nil {
			e.session.Abort()
			return 0, false
		}
		ep := cfg.Endpoints[i%len(cfg.Endpoints)]
		rtt, err := e.prober.Latency(ctx, probe.Endpoint{
			URL:    ep.URL,
			Kind:   ep.Kind,
			Weight: ep.Weight,
		}, time.Duration(cfg.Timeout))
		if probe.IsCancelled(err) {
			e.session.Abort()
			return 0, false
		}
		if err != nil {
			e.logger.Debug("probe failed", "url", ep.URL, "error", err)
		} else {
			ms := float64(rtt) / float64(time.Millisecond)
			est := agg.Add(ms, ep.Weight)
			e.session.UpdateMetric(session.MetricPing, est)
		}
		local := float64(i+1) / float64(cfg.Attempts) * 100
		e.session.SetProgress(progress.Overall(progress.PingStart, progress.PingEnd, local))

		if i < cfg.Attempts-1 && !sleepCtx(ctx, probeDelay()) {
			e.session.Abort()
			return 0, false
		}
	}

	val, degraded := agg.Finalize()
	if degraded {
		e.session.SetDegradedPing()
		e.logger.Warn("no probe succeeded, latency degraded", "fallback_ms", val)
	}
	e.session.FinalizeMetric(session.MetricPing, val)
	e.session.SetProgress(progress.PingEnd)
	return val, true
}

// runStream drives one throughput stage, mapping its local progress into the
// overall window for the given metric.
func (e *Engine) runStream(ctx context.Context, kind session.MetricKind) (float64, bool) {
	var (
		stage      session.Stage
		start, end float64
		budget     time.Duration
		transfer   throughput.TransferFunc
	)
	switch kind {
	case session.MetricDownload:
		stage = session.StageDownload
		start, end = progress.DownloadStart, progress.DownloadEnd
		budget = time.Duration(e.cfg.Download.Duration)
		url := e.cfg.Download.URL
		transfer = func(ctx context.Context, snapshot func(int64)) error {
			return e.prober.Download(ctx, url, snapshot)
		}
	case session.MetricUpload:
		stage = session.StageUpload
		start, end = progress.UploadStart, progress.UploadEnd
		budget = time.Duration(e.cfg.Upload.Duration)
		url := e.cfg.Upload.URL
		chunk := e.cfg.Upload.ChunkSize
		transfer = func(ctx context.Context, snapshot func(int64)) error {
			return e.prober.Upload(ctx, url, chunk, snapshot)
		}
	default:
		panic("not a stream metric")
	}

	e.session.EnterStage(stage)
	if ctx.Err() != nil {
		e.session.Abort()
		return 0, false
	}

	sampler := throughput.NewSampler(budget)
	final, err := sampler.Run(ctx, transfer, func(mbps, localPct float64) {
		e.session.UpdateMetric(kind, mbps)
		e.session.SetProgress(progress.Overall(start, end, localPct))
	})
	if probe.IsCancelled(err) {
		e.session.Abort()
		return 0, false
	}
	if err != nil {
		e.logger.Error("stream failed", "stage", stage.String(), "error", err)
		e.session.Fail(err.Error())
		return 0, false
	}
	e.session.FinalizeMetric(kind, final)
	e.session.SetProgress(progress.Overall(start, end, 100))
	return final, true
}

func probeDelay() time.Duration {
	spread := probeDelayMax - probeDelayMin
	return probeDelayMin + time.Duration(rand.Int63n(int64(spread)))
}

// sleepCtx waits for d or cancellation, reporting false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
