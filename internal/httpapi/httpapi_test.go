package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func newTestServer(t *testing.T) (*httptest.Server, *memory.Backend, task.Run) {
	t.Helper()
	ctx := context.Background()
	be := memory.New()
	run, err := be.CreateNewRun(ctx, task.Run{PipelineName: "p"})
	require.NoError(t, err)

	tk := task.Task{ID: 1, Name: "a", FunctionRef: "a", Options: task.DefaultTaskOptions()}
	require.NoError(t, be.AppendTask(ctx, run.RunID, tk))
	require.NoError(t, be.InsertResult(ctx, run.RunID, task.TaskResult{
		TaskID: tk.ID, Attempt: 1, Success: true, Result: json.RawMessage(`{"ok":true}`),
	}))

	srv := httptest.NewServer(New(be, "p").Handler())
	t.Cleanup(srv.Close)
	return srv, be, run
}

func TestHandleRunsListsRecentRuns(t *testing.T) {
	srv, _, run := newTestServer(t)

	resp, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []task.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	require.Equal(t, run.RunID, runs[0].RunID)
}

func TestHandleRunTasksListsTasks(t *testing.T) {
	srv, _, run := newTestServer(t)

	resp, err := http.Get(srv.URL + "/runs/" + itoa(run.RunID) + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].ID)
}

func TestHandleTaskResultReturnsLatest(t *testing.T) {
	srv, _, run := newTestServer(t)

	resp, err := http.Get(srv.URL + "/runs/" + itoa(run.RunID) + "/tasks/1/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result task.TaskResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.True(t, result.Success)
}

func TestHandleTaskResultMissingReturnsNotFound(t *testing.T) {
	srv, _, run := newTestServer(t)

	resp, err := http.Get(srv.URL + "/runs/" + itoa(run.RunID) + "/tasks/99/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleTaskLogReturnsAppendedLines(t *testing.T) {
	srv, be, run := newTestServer(t)
	require.NoError(t, be.AppendLogLine(context.Background(), run.RunID, 1, "line one"))
	require.NoError(t, be.AppendLogLine(context.Background(), run.RunID, 1, "[stderr] line two"))

	resp, err := http.Get(srv.URL + "/runs/" + itoa(run.RunID) + "/tasks/1/log")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lines))
	require.Equal(t, []string{"line one", "[stderr] line two"}, lines)
}

func TestHandleRunsRejectsNonGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
