package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
)

func TestLatencyHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("missing no-cache header")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber()
	rtt, err := p.Latency(context.Background(), Endpoint{URL: srv.URL, Kind: config.ProbeKindHead}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want positive", rtt)
	}
}

func TestLatencyGetFirstByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := NewProber()
	rtt, err := p.Latency(context.Background(), Endpoint{URL: srv.URL, Kind: config.ProbeKindGet}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want positive", rtt)
	}
}

func TestLatencyTimeoutIsOrdinaryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewProber()
	_, err := p.Latency(context.Background(), Endpoint{URL: srv.URL, Kind: config.ProbeKindHead}, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if IsCancelled(err) {
		t.Fatalf("timeout must not classify as cancellation: %v", err)
	}
}

func TestLatencyCancellationDistinguished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	p := NewProber()
	_, err := p.Latency(ctx, Endpoint{URL: srv.URL, Kind: config.ProbeKindHead}, 5*time.Second)
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
}

func TestLatencyUnsupportedKind(t *testing.T) {
	p := NewProber()
	_, err := p.Latency(context.Background(), Endpoint{URL: "https://example.com", Kind: "carrier-pigeon"}, time.Second)
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestDownloadCountsBytes(t *testing.T) {
	payload := make([]byte, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	p := NewProber()
	var last int64
	err := p.Download(context.Background(), srv.URL, func(n int64) { last = n })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last != int64(len(payload)) {
		t.Fatalf("bytes = %d, want %d", last, len(payload))
	}
}

func TestDownloadBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewProber()
	err := p.Download(context.Background(), srv.URL, func(int64) {})
	if err == nil {
		t.Fatalf("expected error for 403 response")
	}
}

func TestDownloadCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			_, _ = w.Write(make([]byte, 1024))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProber()
	var seen int64
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := p.Download(ctx, srv.URL, func(n int64) { seen = n })
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if seen == 0 {
		t.Fatalf("expected some bytes before cancellation")
	}
}

func TestUploadStreamsUntilCancelled(t *testing.T) {
	var received int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Body.Read(buf)
			received += int64(n)
			if err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p := NewProber()
	var sent int64
	err := p.Upload(ctx, srv.URL, 16*1024, func(n int64) { sent = n })
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent == 0 {
		t.Fatalf("expected bytes to be produced")
	}
}

func TestUploadBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	p := NewProber()
	err := p.Upload(context.Background(), srv.URL, 16*1024, func(int64) {})
	if err == nil {
		t.Fatalf("expected error for 405 response")
	}
	if IsCancelled(err) || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want a transport failure, not a context error", err)
	}
}

type fakeDeadlineConn struct {
	set chan time.Time
}

func (f *fakeDeadlineConn) SetReadDeadline(t time.Time) error {
	f.set <- t
	return nil
}

func TestCancelReadDeadlineExpiresOnCancel(t *testing.T) {
	conn := &fakeDeadlineConn{set: make(chan time.Time, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	stop := cancelReadDeadline(ctx, conn)
	defer stop()

	cancel()
	select {
	case deadline := <-conn.set:
		if deadline.After(time.Now()) {
			t.Fatalf("deadline = %v, want already expired", deadline)
		}
	case <-time.After(time.Second):
		t.Fatalf("read deadline never expired after cancellation")
	}
}

func TestChunkReaderWrapsAround(t *testing.T) {
	r := newChunkReader(8, nil)
	buf := make([]byte, 20)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected bytes from chunk reader")
	}
	if r.total != int64(n) {
		t.Fatalf("total = %d, want %d", r.total, n)
	}
}
