// Package throughput measures streaming transfer speed under a wall-clock
// budget, shared by the download and upload stages.
package throughput

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const (
	// DefaultBudget is the wall-clock limit for one streaming stage.
	DefaultBudget = 10 * time.Second
	// publishInterval is how often live snapshots are emitted.
	publishInterval = 80 * time.Millisecond
	// easeKneePct is where displayed stage progress switches to half speed
	// so it does not appear to stall while the transfer finishes.
	easeKneePct = 90.0
	// minElapsed guards the rate computation against a near-zero clock.
	minElapsed = time.Millisecond
)

// TransferFunc drives the underlying streaming transfer. It must invoke
// snapshot with the cumulative byte count after each chunk and return when
// the stream ends or ctx fires.
type TransferFunc func(ctx context.Context, snapshot func(bytes int64)) error

// PublishFunc receives the live instantaneous speed and the eased
// stage-local completion percentage.
type PublishFunc func(mbps float64, localPct float64)

// Sampler runs one time-boxed streaming transfer.
type Sampler struct {
	budget time.Duration
}

func NewSampler(budget time.Duration) *Sampler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Sampler{budget: budget}
}

// Run executes the transfer until it ends naturally or the budget elapses,
// publishing snapshots roughly every 80ms. The returned value is the
// instantaneous speed at the stopping instant, rounded to one decimal.
// Cancellation of ctx is returned as the context error; any other transfer
// failure is returned wrapped as a stage transport error.
func (s *Sampler) Run(ctx context.Context, transfer TransferFunc, publish PublishFunc) (float64, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	var mu sync.Mutex
	var bytes int64
	var lastMbps float64
	var lastPublish time.Time

	snapshot := func(n int64) {
		now := time.Now()
		mu.Lock()
		bytes = n
		if now.Sub(lastPublish) < publishInterval {
			mu.Unlock()
			return
		}
		lastPublish = now
		elapsed := now.Sub(start)
		mbps := lastMbps
		if elapsed >= minElapsed {
			mbps = Mbps(bytes, elapsed)
			lastMbps = mbps
		}
		pct := LocalPct(elapsed, s.budget)
		mu.Unlock()
		if publish != nil {
			publish(mbps, pct)
		}
	}

	err := transfer(runCtx, snapshot)
	elapsed := time.Since(start)

	if err != nil && !isBudgetExpiry(err, ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("transfer failed: %w", err)
	}

	mu.Lock()
	final := lastMbps
	if elapsed >= minElapsed {
		final = Mbps(bytes, elapsed)
	}
	mu.Unlock()

	final = util.Round1(final)
	if final < 0 {
		final = 0
	}
	if publish != nil {
		publish(final, 100)
	}
	return final, nil
}

// isBudgetExpiry reports whether err is the run deadline firing rather than
// a caller cancellation or transport failure.
func isBudgetExpiry(err error, parent context.Context) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// Mbps converts a byte count over an elapsed duration into megabits per
// second.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) / secs / (1 << 20) * 8
}

// LocalPct maps elapsed time to stage-local completion: linear up to the
// knee, half speed beyond it.
func LocalPct(elapsed, budget time.Duration) float64 {
	if budget <= 0 {
		return 100
	}
	raw := elapsed.Seconds() / budget.Seconds() * 100
	pct := raw
	if raw > easeKneePct {
		pct = easeKneePct + (raw-easeKneePct)/2
	}
	return util.ClampFloat(pct, 0, 100)
}
