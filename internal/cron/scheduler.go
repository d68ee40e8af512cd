// Package cron iterates each registered pipeline's schedule expression
// and materializes new runs, enforcing end-date bounds and
// (pipeline, graph hash, scheduled time) dedup so a scheduler that
// restarts mid-catchup never double-creates a run.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// PipelineSchedule is one pipeline's cron registration.
type PipelineSchedule struct {
	Name       string
	Expression string
	GraphHash  string
	StartDate  time.Time
	EndDate    *time.Time
	Catchup    bool

	// Seed enqueues a run's source tasks once CreateNewRun succeeds. It is
	// the scheduler's only coupling to the builder/engine: everything else
	// goes through Backend.
	Seed func(ctx context.Context, be backend.Backend, run task.Run) error
}

// Scheduler drives one scheduling goroutine per registered pipeline.
// Pipelines schedule independently: a slow catchup on one never blocks
// another's on-time firing.
type Scheduler struct {
	Backend backend.Backend
	Logger  *slog.Logger
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New constructs a Scheduler.
func New(be backend.Backend, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Backend: be, Logger: logger, Now: time.Now}
}

// Run starts one goroutine per schedule and blocks until ctx is cancelled
// or every schedule has passed its end date. It returns a ConfigError
// without starting any goroutine if a schedule's expression fails to parse.
func (s *Scheduler) Run(ctx context.Context, schedules []PipelineSchedule) error {
	parsed := make([]*scheduleState, 0, len(schedules))
	for _, sched := range schedules {
		expr, err := cron.ParseStandard(sched.Expression)
		if err != nil {
			return &errkind.ConfigError{Code: "InvalidCronExpression", Message: sched.Expression, Cause: err}
		}
		parsed = append(parsed, &scheduleState{spec: sched, expr: expr})
	}

	done := make(chan struct{}, len(parsed))
	for _, st := range parsed {
		go func(st *scheduleState) {
			s.runOne(ctx, st)
			done <- struct{}{}
		}(st)
	}
	for range parsed {
		<-done
	}
	return nil
}

type scheduleState struct {
	spec PipelineSchedule
	expr cron.Schedule
}

func (s *Scheduler) runOne(ctx context.Context, st *scheduleState) {
	logger := s.Logger.With("pipeline", st.spec.Name)

	cursor := st.spec.StartDate
	if !st.spec.Catchup {
		if now := s.Now(); now.After(cursor) {
			cursor = now
		}
	}
	next := st.expr.Next(cursor.Add(-time.Nanosecond))

	for {
		if st.spec.EndDate != nil && next.After(*st.spec.EndDate) {
			return
		}

		if wait := next.Sub(s.Now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		fired := next
		next = st.expr.Next(fired)

		exists, err := s.Backend.ContainsScheduledDate(ctx, st.spec.Name, st.spec.GraphHash, fired)
		if err != nil {
			logger.Error("dedup check failed", "scheduled", fired, "error", err)
			continue
		}
		if exists {
			continue
		}

		run, err := s.Backend.CreateNewRun(ctx, task.Run{
			PipelineName:  st.spec.Name,
			ScheduledDate: fired,
		})
		if err != nil {
			logger.Error("run creation failed", "scheduled", fired, "error", err)
			continue
		}
		if err := s.Backend.MarkScheduledDate(ctx, st.spec.Name, st.spec.GraphHash, fired); err != nil {
			logger.Error("mark scheduled date failed", "scheduled", fired, "error", err)
		}

		if st.spec.Seed != nil {
			if err := st.spec.Seed(ctx, s.Backend, run); err != nil {
				logger.Error("run seed failed", "run_id", run.RunID, "error", err)
			}
		}
		logger.Info("run created", "run_id", run.RunID, "scheduled", fired)
	}
}
