// Package workerpool runs a fixed number of concurrent workers, each
// repeatedly calling into the execution engine's tick protocol, following
// the teacher's worker-channel dispatch shape in
// internal/dag/executor.go's RunParallel, with the graph run replaced by
// one run's tasks drawn from the backend queue; each Run call drives a
// single run to completion.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/engine"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Pool runs Concurrency workers, each polling the engine's queue via Tick.
// With Concurrency == 1 it degenerates to the blocking single-worker mode
// spec.md's local `run` CLI path uses.
type Pool struct {
	Engine      *engine.Engine
	Concurrency int
	// IdleBackoff is how long a worker sleeps after an empty pop before
	// retrying, to avoid a busy spin once the queue drains.
	IdleBackoff time.Duration
	Logger      *slog.Logger
}

// New constructs a Pool. A Concurrency <= 0 is treated as 1.
func New(e *engine.Engine, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{Engine: e, Concurrency: concurrency, IdleBackoff: 200 * time.Millisecond, Logger: logger}
}

// Run drives runID to completion: it returns once every task in the run
// has reached a terminal status and no worker has anything in flight, or
// ctx is cancelled.
func (p *Pool) Run(ctx context.Context, runID int64, run task.Run) error {
	var wg sync.WaitGroup
	var closeDone sync.Once
	doneCh := make(chan struct{})
	errCh := make(chan error, p.Concurrency)

	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker, runID, run, doneCh, &closeDone, errCh)
		}(i)
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for e := range errCh {
		if e != nil && firstErr == nil {
			firstErr = e
		}
	}
	return firstErr
}

func (p *Pool) workerLoop(ctx context.Context, worker int, runID int64, run task.Run, doneCh chan struct{}, closeDone *sync.Once, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-doneCh:
			return
		default:
		}

		result, err := p.Engine.Tick(ctx, runID, run)
		if err != nil {
			p.Logger.Error("tick failed", "worker", worker, "run_id", runID, "error", err)
			errCh <- err
			return
		}
		if !result.Popped {
			if result.Done {
				closeDone.Do(func() { close(doneCh) })
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(p.IdleBackoff):
			}
			continue
		}
	}
}

