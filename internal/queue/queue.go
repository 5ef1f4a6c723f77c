// Package queue provides the in-process task runner that carries delivery
// tasks from the tick orchestrator to the delivery executor. Tasks are
// identified by (userID, bucketKey) and run on a small worker pool with
// bounded redelivery on error (at-least-once semantics, no ordering or
// exclusivity guarantees). The executor is idempotent, so redelivery is
// always safe.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Enqueue when the task buffer is saturated.
// The orchestrator treats this as a lost task: the occurrence stays queued
// and the stale reaper surfaces it as a failure if nothing retries.
var ErrQueueFull = errors.New("delivery queue full")

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("delivery queue closed")

// Task is one delivery order for a claimed occurrence.
type Task struct {
	UserID    string
	BucketKey string

	attempt int
}

// Handler executes one delivery task. A non-nil error requests redelivery
// (up to the queue's attempt budget).
type Handler func(ctx context.Context, userID, bucketKey string) error

// Queue is a buffered worker pool delivering tasks to a Handler.
type Queue struct {
	tasks       chan Task
	handler     Handler
	workers     int
	maxAttempts int
	log         zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Queue. workers and buffer are coerced to at least 1;
// maxAttempts to at least 1 (one initial delivery, no retries).
func New(handler Handler, workers, buffer, maxAttempts int, log zerolog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		tasks:       make(chan Task, buffer),
		handler:     handler,
		workers:     workers,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "queue").Logger(),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled or
// the queue is stopped.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue schedules one delivery task. It never blocks: a saturated
// buffer yields ErrQueueFull instead of stalling the orchestrator's pass.
func (q *Queue) Enqueue(userID, bucketKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- Task{UserID: userID, BucketKey: bucketKey, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of buffered, not-yet-started tasks.
func (q *Queue) Depth() int { return len(q.tasks) }

// Stop closes the queue and waits for the workers to drain the buffer.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.runOne(ctx, t)
		}
	}
}

// runOne executes a task and redelivers it on error while the attempt
// budget lasts. Redelivery goes through the buffer again so other tasks
// are not starved; a full buffer drops the retry (the stale reaper makes
// the loss observable).
func (q *Queue) runOne(ctx context.Context, t Task) {
	lg := q.log.With().Str("user_id", t.UserID).Str("bucket_key", t.BucketKey).Int("attempt", t.attempt).Logger()

	err := q.handler(ctx, t.UserID, t.BucketKey)
	if err == nil {
		return
	}
	if t.attempt >= q.maxAttempts {
		lg.Error().Err(err).Msg("delivery task exhausted attempts")
		return
	}

	lg.Warn().Err(err).Msg("delivery task redelivered")
	t.attempt++
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.tasks <- t:
	default:
		lg.Error().Msg("retry dropped: queue full")
	}
}
