// Package worker runs the engine's periodic passes on a pool of
// workers pulling from a shared queue.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/pkg/models"
)

// Task is one queued unit of work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Pool executes queued tasks on a fixed number of workers. Workers
// share nothing beyond the persisted store.
type Pool struct {
	tasks   chan Task
	workers int
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = workers * 4
	}
	return &Pool{
		tasks:   make(chan Task, buffer),
		workers: workers,
	}
}

// Start launches the workers. They drain the queue until Close is
// called or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Debug().Int("workers", p.workers).Msg("worker pool started")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			if err := t.Fn(ctx); err != nil {
				logTaskError(t.Name, id, err)
			}
		}
	}
}

// Expected coordination outcomes are not operator-facing failures.
func logTaskError(name string, worker int, err error) {
	switch {
	case errors.Is(err, models.ErrConsolidationConflict),
		errors.Is(err, models.ErrRunNotActive),
		errors.Is(err, context.Canceled):
		log.Debug().Err(err).Str("task", name).Int("worker", worker).Msg("task skipped")
	default:
		log.Error().Err(err).Str("task", name).Int("worker", worker).Msg("task failed")
	}
}

// Submit enqueues a task without blocking. A full queue drops the task;
// periodic tasks are re-submitted on their next tick.
func (p *Pool) Submit(t Task) bool {
	select {
	case p.tasks <- t:
		return true
	default:
		log.Warn().Str("task", t.Name).Msg("work queue full, task dropped")
		return false
	}
}

// Close stops intake and waits for queued tasks to finish.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
