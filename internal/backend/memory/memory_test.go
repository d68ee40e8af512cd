package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestQueueIdempotentEnqueue(t *testing.T) {
	ctx := context.Background()
	b := New()
	qt := task.QueuedTask{RunID: 1, TaskID: 1, Depth: 0}
	require.NoError(t, b.EnqueueTask(ctx, qt))
	require.NoError(t, b.EnqueueTask(ctx, qt))

	n, err := b.QueueLength(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPopPriorityQueuePicksLowestDepth(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.EnqueueTask(ctx, task.QueuedTask{RunID: 1, TaskID: 2, Depth: 2}))
	require.NoError(t, b.EnqueueTask(ctx, task.QueuedTask{RunID: 1, TaskID: 1, Depth: 0}))

	qt, ok, err := b.PopPriorityQueue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, qt.TaskID)

	inFlight, err := b.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
}

func TestScheduledDateDedup(t *testing.T) {
	ctx := context.Background()
	b := New()
	now := time.Now()
	ok, err := b.ContainsScheduledDate(ctx, "p", "h", now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.MarkScheduledDate(ctx, "p", "h", now))

	ok, err = b.ContainsScheduledDate(ctx, "p", "h", now)
	require.NoError(t, err)
	require.True(t, ok)
}
