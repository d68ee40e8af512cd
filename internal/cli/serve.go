package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/cron"
	"github.com/pipelinetool/pipelinetool/internal/engine"
	"github.com/pipelinetool/pipelinetool/internal/httpapi"
	"github.com/pipelinetool/pipelinetool/internal/metrics"
	"github.com/pipelinetool/pipelinetool/internal/task"
	"github.com/pipelinetool/pipelinetool/internal/watchdog"
	"github.com/pipelinetool/pipelinetool/internal/workerpool"
)

// ServeOptions configures the `serve` subcommand's long-lived process:
// cron scheduler, timeout watchdog, worker pool, and a read-only HTTP
// introspection + metrics endpoint, all sharing one backend (spec.md
// §4.8's "standing orchestrator" deployment shape).
type ServeOptions struct {
	Backend         backend.Backend
	Def             PipelineDefinition
	Concurrency     int
	WatchdogInterval time.Duration
	ListenAddr      string
	Logger          *slog.Logger
}

// Serve runs the cron scheduler, watchdog, worker pool, and HTTP server
// concurrently until ctx is cancelled or one of them fails.
func Serve(ctx context.Context, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	exporter := metrics.New()
	eng := engine.New(opts.Backend, opts.Def.Registry, logger)
	eng.Metrics = exporter
	pool := workerpool.New(eng, opts.Concurrency, logger)

	wd := watchdog.New(opts.Backend, eng, logger)
	if opts.WatchdogInterval > 0 {
		wd.Interval = opts.WatchdogInterval
	}
	sched := cron.New(opts.Backend, logger)

	api := httpapi.New(opts.Backend, opts.Def.Name)
	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Addr: opts.ListenAddr, Handler: mux}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var cancelOnce sync.Once
	errCh := make(chan error, 4)
	runStage := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- err
				cancelOnce.Do(cancel)
			}
		}()
	}

	runStage(func() error {
		return sched.Run(gctx, []cron.PipelineSchedule{{
			Name:       opts.Def.Name,
			Expression: opts.Def.Schedule.Expression,
			GraphHash:  opts.Def.Graph.Hash(),
			StartDate:  opts.Def.Schedule.StartDate,
			EndDate:    opts.Def.Schedule.EndDate,
			Catchup:    opts.Def.Schedule.Catchup,
			// Seed both builds the new run and drives it to completion: the
			// engine assumes single-run operation (spec.md §4.3), and the
			// physical priority queue is global rather than partitioned by
			// run, so a new run is only seeded once the previous one this
			// pool served has fully drained. For a single-schedule
			// per-pipeline binary (spec.md §4.8's deployment shape) this
			// serializes naturally: the next fire time is never reached
			// until the current run's Seed call returns.
			Seed: func(ctx context.Context, be backend.Backend, run task.Run) error {
				if err := seedNewRun(ctx, be, run, opts.Def.Graph); err != nil {
					return err
				}
				return pool.Run(ctx, run.RunID, run)
			},
		}})
	})

	runStage(func() error {
		return wd.Run(gctx)
	})

	runStage(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// seedNewRun appends the definition's tasks/edges/depths under a freshly
// created run and enqueues its source tasks, the same sequence RunLocal
// performs for the in-memory path.
func seedNewRun(ctx context.Context, be backend.Backend, run task.Run, g interface {
	Tasks() []task.Task
	Edges() []task.Edge
	Depth(int) task.Depth
	Upstream(int) []int
}) error {
	for _, t := range g.Tasks() {
		if err := be.AppendTask(ctx, run.RunID, t); err != nil {
			return err
		}
	}
	for _, e := range g.Edges() {
		if err := be.InsertEdge(ctx, run.RunID, e); err != nil {
			return err
		}
	}
	for _, t := range g.Tasks() {
		if err := be.SetDepth(ctx, run.RunID, t.ID, g.Depth(t.ID)); err != nil {
			return err
		}
	}
	for _, t := range g.Tasks() {
		if len(g.Upstream(t.ID)) != 0 {
			continue
		}
		if err := engine.Transition(ctx, be, run.RunID, t.ID, task.Pending, task.Queued); err != nil {
			return err
		}
		attempt, err := be.NextAttemptNumber(ctx, run.RunID, t.ID)
		if err != nil {
			return err
		}
		if err := be.EnqueueTask(ctx, task.QueuedTask{
			RunID:         run.RunID,
			TaskID:        t.ID,
			PipelineName:  run.PipelineName,
			ScheduledDate: run.ScheduledDate,
			Attempt:       attempt,
			Depth:         0,
		}); err != nil {
			return err
		}
	}
	return nil
}
