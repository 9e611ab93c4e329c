// Package worker provides a bounded goroutine pool used wherever the
// server needs to fan work out across many items (zone reloads, see
// internal/engine.ZoneManager.ReloadAll) while capping how many of them
// run at once — a SIGHUP triggering a reload of a thousand zones should not
// mean a thousand reloads racing the scheduler at once.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("worker: pool is closed")
	ErrJobTimeout = errors.New("worker: job timed out waiting in queue")
	ErrQueueFull  = errors.New("worker: queue is full")
)

// Job is one unit of work a Pool runs.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config tunes a Pool's size and queueing behavior.
type Config struct {
	Workers      int           // default runtime.NumCPU() * 4
	QueueSize    int           // default Workers * 100
	QueueTimeout time.Duration // 0 = wait indefinitely to enqueue
	PanicHandler func(interface{})
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU() * 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.Workers * 100
	}
	return cfg
}

// ticket is one submitted job in flight: the job itself plus the channel
// its result is delivered on.
type ticket struct {
	job      Job
	ctx      context.Context
	result   chan error
	queuedAt time.Time
}

// Pool runs Jobs across a fixed number of worker goroutines reading from a
// shared bounded queue; a panic inside one job is recovered and reported
// as a failed job rather than taking the worker goroutine down.
type Pool struct {
	size         int
	queueCap     int
	queueTimeout time.Duration
	panicHandler func(interface{})

	jobs     chan *ticket
	lifetime context.Context
	shutdown context.CancelFunc
	running  sync.WaitGroup
	closed   atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	timedOut  atomic.Uint64
	latencyNs atomic.Uint64
}

// NewPool starts cfg.Workers goroutines draining a queue of cfg.QueueSize
// capacity, ready to accept Submit/TrySubmit/SubmitAsync calls immediately.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	lifetime, shutdown := context.WithCancel(context.Background())

	p := &Pool{
		size:         cfg.Workers,
		queueCap:     cfg.QueueSize,
		queueTimeout: cfg.QueueTimeout,
		panicHandler: cfg.PanicHandler,
		jobs:         make(chan *ticket, cfg.QueueSize),
		lifetime:     lifetime,
		shutdown:     shutdown,
	}

	p.running.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.runWorker()
	}
	return p
}

func (p *Pool) runWorker() {
	defer p.running.Done()
	for {
		select {
		case <-p.lifetime.Done():
			return
		case t, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(t)
		}
	}
}

// run executes one ticket's job, recovering a panic into a failed result
// rather than letting it crash the worker goroutine.
func (p *Pool) run(t *ticket) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			p.failed.Add(1)
			select {
			case t.result <- errors.New("worker: job panicked"):
			default:
			}
		}
	}()

	start := time.Now()
	err := t.job.Execute(t.ctx)
	p.latencyNs.Add(uint64(time.Since(start).Nanoseconds()))

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	select {
	case t.result <- err:
	default:
	}
}

func (p *Pool) newTicket(ctx context.Context) *ticket {
	p.submitted.Add(1)
	return &ticket{ctx: ctx, result: make(chan error, 1), queuedAt: time.Now()}
}

// Submit enqueues job and blocks until it completes, is rejected, or ctx is
// canceled. If the pool has a QueueTimeout configured, enqueueing itself
// (not the job's own run) is bounded by it.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	t := p.newTicket(ctx)
	t.job = job

	enqueueCtx := ctx
	if p.queueTimeout > 0 {
		var cancel context.CancelFunc
		enqueueCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	}

	select {
	case p.jobs <- t:
		select {
		case err := <-t.result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-enqueueCtx.Done():
		p.timedOut.Add(1)
		return ErrJobTimeout
	case <-p.lifetime.Done():
		return ErrPoolClosed
	}
}

// TrySubmit enqueues job only if a queue slot is immediately available,
// returning ErrQueueFull otherwise; once enqueued it still waits for the
// job to complete.
func (p *Pool) TrySubmit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	t := p.newTicket(ctx)
	t.job = job

	select {
	case p.jobs <- t:
		select {
		case err := <-t.result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitAsync enqueues job and returns as soon as it's queued, without
// waiting for it to run.
func (p *Pool) SubmitAsync(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	t := p.newTicket(ctx)
	t.job = job

	if p.queueTimeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
		select {
		case p.jobs <- t:
			return nil
		case <-timeoutCtx.Done():
			p.timedOut.Add(1)
			return ErrJobTimeout
		case <-p.lifetime.Done():
			return ErrPoolClosed
		}
	}

	select {
	case p.jobs <- t:
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Close stops accepting new jobs and waits for every queued and in-flight
// job to finish.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	close(p.jobs)
	p.running.Wait()
	p.shutdown()
	return nil
}

// CloseTimeout is Close bounded by timeout; workers keep running detached
// if the deadline passes before they finish draining.
func (p *Pool) CloseTimeout(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.shutdown()
		return nil
	case <-time.After(timeout):
		p.shutdown()
		return errors.New("worker: shutdown timeout exceeded")
	}
}

// Stats snapshots a Pool's lifetime counters and current load.
type Stats struct {
	Workers      int
	QueueSize    int
	QueueDepth   int
	Submitted    uint64
	Completed    uint64
	Rejected     uint64
	Failed       uint64
	TimedOut     uint64
	AvgLatencyNs uint64
	Utilization  float64
}

// GetStats returns a point-in-time snapshot of the pool's counters.
func (p *Pool) GetStats() Stats {
	submitted := p.submitted.Load()
	completed := p.completed.Load()
	failed := p.failed.Load()
	rejected := p.rejected.Load()
	timedOut := p.timedOut.Load()

	var avgLatency uint64
	if completed > 0 {
		avgLatency = p.latencyNs.Load() / completed
	}

	var utilization float64
	if p.size > 0 {
		inFlight := submitted - completed - failed - rejected - timedOut
		utilization = float64(inFlight) / float64(p.size) * 100
		if utilization > 100 {
			utilization = 100
		}
	}

	return Stats{
		Workers:      p.size,
		QueueSize:    p.queueCap,
		QueueDepth:   len(p.jobs),
		Submitted:    submitted,
		Completed:    completed,
		Rejected:     rejected,
		Failed:       failed,
		TimedOut:     timedOut,
		AvgLatencyNs: avgLatency,
		Utilization:  utilization,
	}
}

// Resize changes the worker count. Growing spawns the difference
// immediately; shrinking only lowers the reported size — no worker exits
// before the pool closes.
func (p *Pool) Resize(newSize int) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if newSize < 1 {
		return errors.New("worker: pool size must be at least 1")
	}
	if newSize > p.size {
		added := newSize - p.size
		p.running.Add(added)
		for i := 0; i < added; i++ {
			go p.runWorker()
		}
	}
	p.size = newSize
	return nil
}

// QueueDepth reports how many jobs are currently queued.
func (p *Pool) QueueDepth() int { return len(p.jobs) }

// IsHealthy reports whether the pool looks like it's making progress: the
// queue isn't nearly full, completed jobs aren't stuck at zero once enough
// have been submitted, and failures aren't outpacing successes.
func (p *Pool) IsHealthy() bool {
	if p.closed.Load() {
		return false
	}
	st := p.GetStats()
	if float64(st.QueueDepth)/float64(st.QueueSize) > 0.95 {
		return false
	}
	if st.Submitted > 100 && st.Completed == 0 {
		return false
	}
	if st.Failed > st.Completed && st.Completed > 0 {
		return false
	}
	return true
}
