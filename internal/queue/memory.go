package queue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MemoryQueue is an in-process queue served by a fixed pool of workers.
type MemoryQueue struct {
	workers int
	run     runner

	mu      sync.Mutex
	pending []Job
	ready   chan struct{}
}

func NewMemoryQueue(workers int, policies Policies, logger *slog.Logger) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	return &MemoryQueue{
		workers: workers,
		run:     runner{policies: policies, logger: logger.With("component", "queue", "driver", "memory")},
		ready:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobs ...Job) error {
	q.mu.Lock()
	q.pending = append(q.pending, jobs...)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len returns the number of jobs waiting.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) tryPop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}
	return job, true
}

// Consume runs the worker pool until ctx ends.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				job, ok := q.tryPop()
				if !ok {
					select {
					case <-gctx.Done():
						return nil
					case <-q.ready:
						continue
					}
				}
				q.process(gctx, job, handler)
			}
		})
	}
	return g.Wait()
}

// Drain processes jobs until the queue is empty, retries included, and then
// returns.
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				job, ok := q.tryPop()
				if !ok {
					return nil
				}
				q.process(gctx, job, handler)
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) process(ctx context.Context, job Job, handler Handler) {
	retry := q.run.attempt(ctx, job, handler)
	if retry != nil && ctx.Err() == nil {
		_ = q.Enqueue(ctx, *retry)
	}
}

func (q *MemoryQueue) Close() error {
	return nil
}
