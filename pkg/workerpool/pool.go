// Package workerpool runs outbound calls (email sends, webhook fan-out) on a
// fixed set of goroutines with bounded queueing and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("pool is shutting down")
)

// Task is one unit of work. ID is only used for logging.
type Task struct {
	ID      string
	Payload any

	done chan error
}

// WorkerFunc processes one task. Returning an error wrapped with Permanent
// skips the remaining retries.
type WorkerFunc func(ctx context.Context, task *Task) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is the wait before the first retry. It doubles for each
	// later retry, up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// DrainTimeout bounds how long Stop waits for queued tasks.
	DrainTimeout time.Duration
}

// DefaultConfig returns defaults sized for outbound API calls.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     256,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
		DrainTimeout:  30 * time.Second,
	}
}

// Delay returns the wait before retry number n, counting from 1.
func (c Config) Delay(n int) time.Duration {
	if n <= 0 || c.RetryDelay <= 0 {
		return 0
	}
	d := c.RetryDelay
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxRetryDelay > 0 && d >= c.MaxRetryDelay {
			return c.MaxRetryDelay
		}
	}
	return d
}

// Pool runs tasks on a fixed number of goroutines.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Task
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	panicked  atomic.Int64
}

// New creates a pool. Zero sizes fall back to DefaultConfig.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a task without waiting for it to run.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task and blocks until it finishes or ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	task.done = make(chan error, 1)
	if err := p.Submit(task); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-task.done:
		return err
	}
}

// Stop refuses new tasks and waits up to DrainTimeout for queued ones.
// In-flight retries are cancelled when the timeout expires.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	defer p.cancel()

	select {
	case <-drained:
		p.logger.Info("worker pool drained")
		return nil
	case <-timer.C:
		p.logger.Warn("worker pool drain timed out", zap.Int("queued", len(p.queue)))
		return fmt.Errorf("worker pool drain timed out after %s", p.cfg.DrainTimeout)
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker_id", id))
	for task := range p.queue {
		err := p.attempt(task)
		if err != nil {
			p.failed.Add(1)
			log.Error("task failed", zap.String("task_id", task.ID), zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		if task.done != nil {
			task.done <- err
		}
	}
}

// call runs fn once, converting a panic into a permanent error.
func (p *Pool) call(task *Task) (err error) {
	defer func() {
		if v := recover(); v != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", v), zap.Stack("stack"))
			err = Permanent(fmt.Errorf("task panicked: %v", v))
		}
	}()
	return p.fn(p.ctx, task)
}

func (p *Pool) attempt(task *Task) error {
	err := p.call(task)
	for n := 1; err != nil && !IsPermanent(err) && n <= p.cfg.MaxRetries; n++ {
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("retry", n),
			zap.Error(err))

		wait := time.NewTimer(p.cfg.Delay(n))
		select {
		case <-p.ctx.Done():
			wait.Stop()
			return p.ctx.Err()
		case <-wait.C:
		}
		err = p.call(task)
	}
	if err == nil || IsPermanent(err) || p.cfg.MaxRetries == 0 {
		return err
	}
	return fmt.Errorf("task failed after %d retries: %w", p.cfg.MaxRetries, err)
}

// Stats holds pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksPanicked  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		TasksPanicked:  p.panicked.Load(),
		QueueDepth:     len(p.queue),
		QueueCapacity:  p.cfg.QueueSize,
		Workers:        p.cfg.Workers,
	}
}
