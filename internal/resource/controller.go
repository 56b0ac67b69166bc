package resource

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation does not fit the
// memory budget.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits. Zero values mean unlimited, except
// MaxBackgroundWorkers which defaults to 1.
type Config struct {
	// MemoryLimitBytes caps bytes held by resident segments.
	MemoryLimitBytes int64
	// MaxBackgroundWorkers caps concurrent compactions.
	MaxBackgroundWorkers int64
	// IOLimitBytesPerSec throttles segment writes.
	IOLimitBytesPerSec int64
}

// Controller enforces a Config.
type Controller struct {
	limit   int64
	used    atomic.Int64
	memory  *semaphore.Weighted
	workers *semaphore.Weighted
	io      *rate.Limiter
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	workers := cfg.MaxBackgroundWorkers
	if workers <= 0 {
		workers = 1
	}
	c := &Controller{
		limit:   max(cfg.MemoryLimitBytes, 0),
		workers: semaphore.NewWeighted(workers),
	}
	if c.limit > 0 {
		c.memory = semaphore.NewWeighted(c.limit)
	}
	if bps := cfg.IOLimitBytesPerSec; bps > 0 {
		c.io = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return c
}

// Reserve takes bytes from the memory budget without blocking. The returned
// reservation must be released when the memory is freed.
func (c *Controller) Reserve(bytes int64) (*Reservation, error) {
	if c == nil || bytes <= 0 {
		return &Reservation{}, nil
	}
	if c.memory != nil && !c.memory.TryAcquire(bytes) {
		return nil, ErrMemoryLimitExceeded
	}
	c.used.Add(bytes)
	return &Reservation{c: c, bytes: bytes}, nil
}

func (c *Controller) release(bytes int64) {
	if c.memory != nil {
		c.memory.Release(bytes)
	}
	c.used.Add(-bytes)
}

// MemoryUsage returns the reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.used.Load()
}

// MemoryLimit returns the memory budget, 0 when unlimited.
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.limit
}

// BeginBackground waits for a background worker slot. The returned func
// frees it.
func (c *Controller) BeginBackground(ctx context.Context) (func(), error) {
	if c == nil {
		return func() {}, nil
	}
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { c.workers.Release(1) }) }, nil
}

// Writer wraps w so that writes wait for the IO budget. Without an IO limit
// w is returned as is.
func (c *Controller) Writer(ctx context.Context, w io.Writer) io.Writer {
	if c == nil || c.io == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, lim: c.io}
}

// Reservation is memory taken from a Controller. The zero value is an
// empty reservation.
type Reservation struct {
	c     *Controller
	bytes int64
	once  sync.Once
}

// Bytes returns the reserved size.
func (r *Reservation) Bytes() int64 {
	if r == nil {
		return 0
	}
	return r.bytes
}

// Release returns the bytes to the budget. Later calls are no-ops.
func (r *Reservation) Release() {
	if r == nil || r.c == nil {
		return
	}
	r.once.Do(func() { r.c.release(r.bytes) })
}

type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

// Write waits for len(p) tokens, in burst-sized steps.
func (t *throttledWriter) Write(p []byte) (int, error) {
	for rest := len(p); rest > 0; {
		step := min(rest, t.lim.Burst())
		if err := t.lim.WaitN(t.ctx, step); err != nil {
			return 0, err
		}
		rest -= step
	}
	return t.w.Write(p)
}
