package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveDispatchIncrementsCounter(t *testing.T) {
	e := New()
	e.ObserveDispatch("p", "fn")
	e.ObserveDispatch("p", "fn")
	require.Equal(t, float64(2), testutil.ToFloat64(e.tasksDispatched.WithLabelValues("p", "fn")))
}

func TestObserveFailureAndRetryIncrementDistinctCounters(t *testing.T) {
	e := New()
	e.ObserveFailure("p", "fn")
	e.ObserveRetry("p", "fn")
	e.ObserveRetry("p", "fn")
	require.Equal(t, float64(1), testutil.ToFloat64(e.tasksFailed.WithLabelValues("p", "fn")))
	require.Equal(t, float64(2), testutil.ToFloat64(e.tasksRetried.WithLabelValues("p", "fn")))
}

func TestSetQueueDepthSetsGauge(t *testing.T) {
	e := New()
	e.SetQueueDepth(7)
	require.Equal(t, float64(7), testutil.ToFloat64(e.queueDepth))
	e.SetQueueDepth(3)
	require.Equal(t, float64(3), testutil.ToFloat64(e.queueDepth))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	e := New()
	e.ObserveDispatch("p", "fn")

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if readErr != nil {
			break
		}
	}
	require.Contains(t, sb.String(), "pipelinetool_tasks_dispatched_total")
}
