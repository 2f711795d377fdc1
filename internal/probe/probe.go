// Package probe performs single timed measurements against remote
// endpoints: latency pings and byte-counted streaming transfers.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
)

var ErrUnsupportedKind = errors.New("unsupported probe kind")

// IsCancelled reports whether err stems from run-level cancellation rather
// than an ordinary probe failure. Per-probe timeouts surface as
// context.DeadlineExceeded and are ordinary failures.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Endpoint describes one latency probe target.
type Endpoint struct {
	URL    string
	Kind   string
	Weight float64
}

// Prober issues probes over one shared HTTP client.
type Prober struct {
	client *http.Client
}

func NewProber() *Prober {
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        8,
				IdleConnTimeout:     30 * time.Second,
				ForceAttemptHTTP2:   true,
				DisableCompression:  true,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

// Latency runs one timed probe against ep and returns the elapsed wall-clock
// time to the first observable response signal.
func (p *Prober) Latency(ctx context.Context, ep Endpoint, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch ep.Kind {
	case config.ProbeKindHead:
		return p.latencyHead(ctx, ep.URL)
	case config.ProbeKindGet:
		return p.latencyGet(ctx, ep.URL)
	case config.ProbeKindICMP:
		return latencyICMP(ctx, ep.URL, timeout)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, ep.Kind)
	}
}

// latencyHead measures dispatch to response-header receipt for a HEAD
// request.
func (p *Prober) latencyHead(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	setNoCache(req)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	rtt := time.Since(start)
	_ = resp.Body.Close()
	return rtt, nil
}

// latencyGet measures dispatch to first response byte for a tiny GET.
func (p *Prober) latencyGet(ctx context.Context, url string) (time.Duration, error) {
	var start, firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Now()
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	setNoCache(req)

	start = time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classify(ctx, err)
	}
	_ = resp.Body.Close()
	if firstByte.IsZero() {
		return time.Since(start), nil
	}
	return firstByte.Sub(start), nil
}

func setNoCache(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", "getmyspeed/1.0")
}

// classify maps transport errors back to the context error when the context
// fired, so cancellation stays distinguishable from ordinary failure.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
