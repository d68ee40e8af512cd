package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// freeAddr picks an OS-assigned free port and releases it immediately for
// Serve to rebind, since Serve owns its own listener via ListenAndServe.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeRunsUntilContextCancelled(t *testing.T) {
	b := builder.New()
	b.Register("noop", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(true) })
	b.AddTask("noop", nil, task.DefaultTaskOptions())
	g, err := b.Build()
	require.NoError(t, err)

	def := PipelineDefinition{
		Name: "smoke", Graph: g, Registry: b.Registry(), DefaultConcurrency: 1,
		// A once-a-year expression parses cleanly but never fires during
		// the test's short window, so the cron goroutine just idles rather
		// than erroring (an empty expression fails to parse and would
		// cancel everything almost immediately).
		Schedule: ScheduleOptions{Expression: "0 0 1 1 *"},
	}

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, ServeOptions{
			Backend:     memory.New(),
			Def:         def,
			Concurrency: 1,
			ListenAddr:  addr,
		})
	}()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled) || err == nil)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
