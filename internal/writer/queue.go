// Package writer serializes every database mutation through one
// goroutine. Each task runs in its own immediate-mode transaction, so
// readers never see a half-applied intake and sequence allocation stays
// race-free without row locks.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/store"
)

var (
	// ErrQueueFull means the bounded task channel is at capacity. The
	// message path maps it to rate_limited; background tasks drop.
	ErrQueueFull = errors.New("writer: queue full")
	// ErrClosed means the queue stopped accepting tasks.
	ErrClosed = errors.New("writer: queue closed")
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawline_write_queue_depth",
		Help: "Current number of tasks waiting in the write queue",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawline_write_queue_dropped_total",
		Help: "Total number of write tasks rejected because the queue was full",
	})
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clawline_write_task_duration_seconds",
		Help:    "Write task execution time including commit",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"task"})
)

type task struct {
	name string
	fn   func(*sql.Tx) error
	done chan error
}

// Queue is the single-writer task queue.
type Queue struct {
	store  *store.Store
	tasks  chan task
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	drained chan struct{}
}

// New creates a queue with the given depth. Run must be started before
// tasks complete.
func New(st *store.Store, depth int) *Queue {
	return &Queue{
		store:   st,
		tasks:   make(chan task, depth),
		logger:  log.WithComponent("writer"),
		drained: make(chan struct{}),
	}
}

// Run drains the queue until Close. It is the only goroutine that
// opens write transactions.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.drained)
	for t := range q.tasks {
		q.execute(ctx, t)
		queueDepth.Dec()
	}
	return nil
}

// Do enqueues fn and waits for its transaction to commit or roll back.
// The enqueue itself never blocks: a full queue returns ErrQueueFull
// immediately.
func (q *Queue) Do(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	t := task{name: name, fn: fn, done: make(chan error, 1)}
	if err := q.submit(t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs; only the caller stops waiting.
		return ctx.Err()
	}
}

// DoAsync enqueues fn without waiting. Failures surface only in the
// queue's own logging; callers that need the result use Do.
func (q *Queue) DoAsync(name string, fn func(*sql.Tx) error) {
	t := task{name: name, fn: fn}
	if err := q.submit(t); err != nil {
		q.logger.Warn().
			Str(log.FieldQueue, name).
			Err(err).
			Msg("background write task dropped")
	}
}

func (q *Queue) submit(t task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- t:
		queueDepth.Inc()
		return nil
	default:
		droppedTotal.Inc()
		return ErrQueueFull
	}
}

func (q *Queue) execute(ctx context.Context, t task) {
	start := time.Now()
	err := q.runTx(ctx, t.fn)
	taskDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())

	if err != nil {
		q.logger.Error().
			Str(log.FieldQueue, t.name).
			Err(err).
			Msg("write task failed")
	}
	if t.done != nil {
		t.done <- err
	}
}

func (q *Queue) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close stops intake and waits for the remaining tasks to finish, up to
// the context deadline.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	select {
	case <-q.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports how many tasks are currently queued.
func (q *Queue) Depth() int {
	return len(q.tasks)
}
