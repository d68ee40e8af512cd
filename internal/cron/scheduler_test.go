package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestCatchupFiresEveryMissedRunUpToEndDate(t *testing.T) {
	// With Catchup true and StartDate far in the past, every computed fire
	// time is already behind wall-clock Now, so the scheduler's wait
	// computation never sleeps: it replays history as fast as EndDate
	// bounds it, letting this test assert an exact fire count without
	// a real-time sleep.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	be := memory.New()
	s := New(be, nil)

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute) // fires at :00, :01, :02 — three total

	var seeds int64
	sched := PipelineSchedule{
		Name:       "p",
		Expression: "* * * * *",
		GraphHash:  "h",
		StartDate:  start,
		EndDate:    &end,
		Catchup:    true,
		Seed: func(ctx context.Context, be backend.Backend, run task.Run) error {
			atomic.AddInt64(&seeds, 1)
			return nil
		},
	}

	require.NoError(t, s.Run(ctx, []PipelineSchedule{sched}))
	require.EqualValues(t, 3, atomic.LoadInt64(&seeds))

	runs, err := be.RecentRuns(ctx, "p", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
}

func TestRerunAfterCompleteCatchupDoesNotDuplicateRuns(t *testing.T) {
	// Running the identical schedule twice against the same backend must
	// not recreate runs for fire times already marked scheduled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	be := memory.New()
	s := New(be, nil)

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second) // fires at :00 and :01 — two total

	var seeds int64
	sched := PipelineSchedule{
		Name: "p", Expression: "* * * * *", GraphHash: "h",
		StartDate: start, EndDate: &end, Catchup: true,
		Seed: func(ctx context.Context, be backend.Backend, run task.Run) error {
			atomic.AddInt64(&seeds, 1)
			return nil
		},
	}

	require.NoError(t, s.Run(ctx, []PipelineSchedule{sched}))
	require.NoError(t, s.Run(ctx, []PipelineSchedule{sched}))
	require.EqualValues(t, 2, atomic.LoadInt64(&seeds))
}

func TestRunRejectsInvalidExpression(t *testing.T) {
	be := memory.New()
	s := New(be, nil)
	err := s.Run(context.Background(), []PipelineSchedule{{Name: "p", Expression: "not a cron expr"}})
	require.Error(t, err)
}
