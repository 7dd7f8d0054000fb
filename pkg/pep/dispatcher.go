package pep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull  = errors.New("pep: dispatch queue full")
	ErrNotRunning = errors.New("pep: dispatcher not running")
)

// DispatcherConfig tunes the background delivery pool.
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryDelay    time.Duration
	RatePerSecond float64 // <= 0 disables rate limiting
}

// DefaultDispatcherConfig returns the defaults used when nothing is configured.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       4,
		QueueSize:     256,
		MaxAttempts:   5,
		RetryDelay:    time.Second,
		RatePerSecond: 50,
	}
}

// Job is a unit of fire-and-forget work. Its messages are delivered in
// order; once one fails all its attempts, the rest are dropped.
type Job struct {
	Kind        string
	Messages    []Message
	MaxAttempts int // 0 uses the dispatcher default
}

// DispatchStats counts finished jobs.
type DispatchStats struct {
	Delivered int64
	Failed    int64
}

// Dispatcher runs jobs on a bounded worker pool. Submit never blocks: when
// the queue is full the job is rejected.
type Dispatcher struct {
	cfg     DispatcherConfig
	sender  Sender
	queue   chan Job
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a Dispatcher. Non-positive settings fall back to the
// defaults.
func NewDispatcher(cfg DispatcherConfig, sender Sender, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		queue:   make(chan Job, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  logger.With("component", "pep-dispatcher"),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("pep: dispatcher already running")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return nil
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Queued jobs that were not started are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()

	if n := len(d.queue); n > 0 {
		d.logger.Warn("dispatcher stopped with undelivered jobs", "count", n)
	}
}

// Submit queues a job. It returns ErrQueueFull or ErrNotRunning instead of
// blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns the finished-job counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{Delivered: d.delivered.Load(), Failed: d.failed.Load()}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	// A panicking sender must not take the worker down.
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("dispatch panicked", "kind", job.Kind, "panic", r)
		}
	}()

	for i, msg := range job.Messages {
		if err := d.deliver(ctx, job, msg); err != nil {
			d.failed.Add(1)
			d.logger.WarnContext(ctx, "delivery failed",
				"kind", job.Kind, "url", msg.URL, "step", i+1, "steps", len(job.Messages), "error", err)
			return
		}
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) deliver(ctx context.Context, job Job, msg Message) error {
	attempts := job.MaxAttempts
	if attempts <= 0 {
		attempts = d.cfg.MaxAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := d.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if err = d.sender.Send(ctx, msg); err == nil {
			return nil
		}
		d.logger.DebugContext(ctx, "delivery attempt failed",
			"kind", job.Kind, "url", msg.URL, "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("after %d attempt(s): %w", attempts, err)
}
