package probe

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const downloadChunkSize = 32 * 1024

// Download opens a byte stream from url and reports the cumulative byte
// count after every read until the stream ends or ctx fires. Cancellation is
// returned as the context error.
func (p *Prober) Download(ctx context.Context, url string, fn func(bytes int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	setNoCache(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download endpoint returned %d", resp.StatusCode)
	}

	buf := make([]byte, downloadChunkSize)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			fn(total)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return classify(ctx, err)
		}
	}
}

// Upload streams pseudo-random chunks as a POST body, reporting the
// cumulative byte count per chunk, until ctx fires or the server ends the
// exchange.
func (p *Prober) Upload(ctx context.Context, url string, chunkSize int, fn func(bytes int64)) error {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	body := newChunkReader(chunkSize, fn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	setNoCache(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	// Unknown length keeps the transport streaming until cancellation.
	req.ContentLength = -1

	resp, err := p.client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upload endpoint returned %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// chunkReader produces an endless stream of pseudo-random bytes, counting
// what the transport consumed.
type chunkReader struct {
	chunk []byte
	off   int
	total int64
	fn    func(int64)
}

func newChunkReader(chunkSize int, fn func(int64)) *chunkReader {
	chunk := make([]byte, chunkSize)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Read(chunk)
	return &chunkReader{chunk: chunk, fn: fn}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	n := copy(p, r.chunk[r.off:])
	r.off += n
	if r.off >= len(r.chunk) {
		r.off = 0
	}
	r.total += int64(n)
	if r.fn != nil {
		r.fn(r.total)
	}
	return n, nil
}
