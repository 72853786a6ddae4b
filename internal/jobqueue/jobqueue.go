// Package jobqueue runs asynchronous jobs on a bounded worker pool with
// per-key ordering: jobs enqueued under the same key execute one at a time
// in arrival order, while jobs for different keys run concurrently.
//
// Southbound listeners use it to serialize every event about one tunnel
// interface without serializing the whole fabric.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrClosed is returned by Enqueue after Run has returned.
var ErrClosed = errors.New("job coordinator closed")

// Job is one unit of work. A non-nil error triggers a retry.
type Job func(ctx context.Context) error

// Default tuning values.
const (
	DefaultWorkers    = 4
	DefaultAttempts   = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// Job outcome labels reported to metrics.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// MetricsReporter receives job outcomes.
type MetricsReporter interface {
	JobCompleted(result string)
}

type noopMetrics struct{}

func (noopMetrics) JobCompleted(string) {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRetry sets how many times a failing job runs and the fixed delay
// between attempts.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithMetrics attaches a metrics reporter.
func WithMetrics(m MetricsReporter) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

type task struct {
	name string
	job  Job
}

// Coordinator dispatches keyed jobs to workers.
type Coordinator struct {
	mu      sync.Mutex
	queues  map[string][]task
	running map[string]bool
	ready   []string
	closed  bool

	// wake holds up to one pending wakeup per worker.
	wake chan struct{}

	workers  int
	attempts uint
	delay    time.Duration
	metrics  MetricsReporter
	logger   *slog.Logger
}

// New creates a Coordinator. Jobs may be enqueued before Run starts; they
// execute once workers are running.
func New(logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		queues:   make(map[string][]task),
		running:  make(map[string]bool),
		workers:  DefaultWorkers,
		attempts: DefaultAttempts,
		delay:    DefaultRetryDelay,
		metrics:  noopMetrics{},
		logger:   logger.With(slog.String("component", "jobqueue")),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wake = make(chan struct{}, c.workers)
	return c
}

// Enqueue appends job to the FIFO for key.
func (c *Coordinator) Enqueue(key, name string, job Job) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("enqueue %s for %s: %w", name, key, ErrClosed)
	}
	q := c.queues[key]
	c.queues[key] = append(q, task{name: name, job: job})
	if len(q) == 0 && !c.running[key] {
		c.ready = append(c.ready, key)
	}
	c.mu.Unlock()

	c.notify()
	return nil
}

// Pending returns the number of queued jobs, including running ones.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job. Jobs still queued at that point are
// discarded.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range c.workers {
		wg.Go(func() { c.worker(ctx) })
	}
	wg.Wait()

	c.mu.Lock()
	c.closed = true
	dropped := 0
	for _, q := range c.queues {
		dropped += len(q)
	}
	c.queues = make(map[string][]task)
	c.ready = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("job coordinator stopped with queued jobs",
			slog.Int("dropped", dropped),
		)
	}
	return nil
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		key, t, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		c.execute(ctx, key, t)
		c.finish(key)

		if ctx.Err() != nil {
			return
		}
	}
}

// next claims the head job of the first ready key.
func (c *Coordinator) next() (string, task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ready) == 0 {
		return "", task{}, false
	}
	key := c.ready[0]
	c.ready = c.ready[1:]
	c.running[key] = true

	if len(c.ready) > 0 {
		c.notify()
	}
	return key, c.queues[key][0], true
}

// finish pops the completed job and re-queues the key when more work for
// it is waiting.
func (c *Coordinator) finish(key string) {
	c.mu.Lock()
	delete(c.running, key)
	q := c.queues[key]
	if len(q) <= 1 {
		delete(c.queues, key)
		c.mu.Unlock()
		return
	}
	c.queues[key] = q[1:]
	c.ready = append(c.ready, key)
	c.mu.Unlock()

	c.notify()
}

func (c *Coordinator) execute(ctx context.Context, key string, t task) {
	attempt := uint(0)
	err := retry.Do(
		func() error {
			attempt++
			return t.job(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.metrics.JobCompleted(ResultFailed)
		c.logger.Error("job failed",
			slog.String("key", key),
			slog.String("job", t.name),
			slog.Uint64("attempts", uint64(attempt)),
			slog.String("error", err.Error()),
		)
		return
	}
	c.metrics.JobCompleted(ResultOK)
}
