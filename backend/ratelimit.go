package backend

import (
	"context"
	"io"
	"sync"
	"time"
)

// bucket is a token-bucket bandwidth limiter, generalized from
// mmp/bk's storage/ratelimit.go, which used a pair of package-level
// globals wired only into the GCS backend. Here it is a value any
// backend can hold one or two of (upload, download) and wrap around any
// io.Reader.
type bucket struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	perTick   int
	limit     int
	stop      chan struct{}
}

func newBucket(bytesPerSecond int) *bucket {
	b := &bucket{
		perTick: bytesPerSecond * 94 / 100 / 8,
		limit:   bytesPerSecond,
		stop:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		for {
			select {
			case <-ticker.C:
				b.mu.Lock()
				b.available += b.perTick
				if b.available > b.limit {
					b.available = b.limit
				}
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-b.stop:
				ticker.Stop()
				return
			}
		}
	}()
	return b
}

func (b *bucket) reserve(want int) int {
	b.mu.Lock()
	for b.available <= 0 {
		b.cond.Wait()
	}
	n := want
	if n > b.available {
		n = b.available
	}
	b.available -= n
	b.mu.Unlock()
	return n
}

func (b *bucket) refund(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.available += n
	b.mu.Unlock()
}

func (b *bucket) close() {
	close(b.stop)
}

// limitedReader wraps r so that reads never exceed the bucket's current
// budget, blocking until more bandwidth is doled out. Grounded on
// storage/ratelimit.go's rateLimitedReader.
type limitedReader struct {
	r io.Reader
	b *bucket
}

func (lr limitedReader) Read(dst []byte) (int, error) {
	n := lr.b.reserve(len(dst))
	read, err := lr.r.Read(dst[:n])
	if read < n {
		lr.b.refund(n - read)
	}
	return read, err
}

// RateLimiter wraps a Backend's Get/GetRange results and Put/PutIfAbsent
// inputs with token-bucket bandwidth limits. Zero values disable
// limiting in that direction.
type RateLimiter struct {
	Backend
	upload   *bucket
	download *bucket
}

// WithRateLimit wraps backend with upload/download caps in bytes per
// second. A zero value leaves that direction unlimited.
func WithRateLimit(be Backend, uploadBytesPerSecond, downloadBytesPerSecond int) *RateLimiter {
	rl := &RateLimiter{Backend: be}
	if uploadBytesPerSecond > 0 {
		rl.upload = newBucket(uploadBytesPerSecond)
	}
	if downloadBytesPerSecond > 0 {
		rl.download = newBucket(downloadBytesPerSecond)
	}
	return rl
}

// Close stops the limiter's background refill goroutines. Safe to call
// even if no limits were configured.
func (rl *RateLimiter) Close() {
	if rl.upload != nil {
		rl.upload.close()
	}
	if rl.download != nil {
		rl.download.close()
	}
}

// CheckParity forwards to the wrapped backend when it supports parity
// checking, so capping bandwidth on a Local backend doesn't hide its
// repair capability from repository.Check.
func (rl *RateLimiter) CheckParity(key string) (repaired bool, err error) {
	pc, ok := rl.Backend.(ParityChecker)
	if !ok {
		return false, nil
	}
	return pc.CheckParity(key)
}

func (rl *RateLimiter) Put(ctx context.Context, key string, data []byte) error {
	return rl.Backend.Put(ctx, key, rl.throttleUpload(data))
}

func (rl *RateLimiter) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	return rl.Backend.PutIfAbsent(ctx, key, rl.throttleUpload(data))
}

func (rl *RateLimiter) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := rl.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return rl.throttleDownload(data), nil
}

func (rl *RateLimiter) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := rl.Backend.GetRange(ctx, key, offset, length)
	if err != nil {
		return nil, err
	}
	return rl.throttleDownload(data), nil
}

func (rl *RateLimiter) throttleUpload(data []byte) []byte {
	if rl.upload == nil {
		return data
	}
	r := limitedReader{r: byteReader(data), b: rl.upload}
	out, _ := io.ReadAll(r)
	return out
}

func (rl *RateLimiter) throttleDownload(data []byte) []byte {
	if rl.download == nil {
		return data
	}
	r := limitedReader{r: byteReader(data), b: rl.download}
	out, _ := io.ReadAll(r)
	return out
}

type byteReaderT struct {
	b []byte
	i int
}

func byteReader(b []byte) io.Reader { return &byteReaderT{b: b} }

func (r *byteReaderT) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
