// Package redisbackend implements backend.Backend over Redis via
// github.com/redis/go-redis/v9, for multi-process deployments that share
// run state across workers, the cron scheduler, and the timeout
// watchdog.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Backend is a Redis-backed backend.Backend. Keying follows SPEC_FULL.md
// §4.4: per-run task/edge/status/result/log/depth keys, a global
// depth-ordered priority queue, an in-flight temp set, and per-pipeline
// run/date bookkeeping.
type Backend struct {
	rdb *redis.Client
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Backend {
	return &Backend{rdb: rdb}
}

func taskKey(runID int64, id int) string {
	return fmt.Sprintf("run:%d:task:%d", runID, id)
}

func tasksSetKey(runID int64) string { return fmt.Sprintf("run:%d:tasks", runID) }

// popScript atomically pops the lowest-scored member of the priority
// queue and moves it into the in-flight set. This is the documented
// smallest atomic unit available (spec.md §4.4/§9): a single Lua
// evaluation, avoiding the two-step pop-then-move race entirely when the
// server supports EVAL.
var popScript = redis.NewScript(`
local res = redis.call('ZPOPMIN', KEYS[1])
if #res == 0 then
  return false
end
local member = res[1]
redis.call('SADD', KEYS[2], member)
return member
`)

func (b *Backend) AppendTask(ctx context.Context, runID int64, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return &errkind.BackendError{Code: "EncodeFailure", Message: err.Error(), Cause: err}
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, tasksSetKey(runID), t.ID, data)
	pipe.Set(ctx, taskKey(runID, t.ID)+":status", string(task.Pending), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) GetTaskByID(ctx context.Context, runID int64, id int) (task.Task, bool, error) {
	data, err := b.rdb.HGet(ctx, tasksSetKey(runID), strconv.Itoa(id)).Bytes()
	if err == redis.Nil {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return task.Task{}, false, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
	}
	return t, true, nil
}

func (b *Backend) AllTasks(ctx context.Context, runID int64) ([]task.Task, error) {
	m, err := b.rdb.HGetAll(ctx, tasksSetKey(runID)).Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	out := make([]task.Task, 0, len(m))
	for _, v := range m {
		var t task.Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) TemplateArgs(ctx context.Context, runID int64, id int) (json.RawMessage, error) {
	t, ok, err := b.GetTaskByID(ctx, runID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	return t.TemplateArgs, nil
}

func (b *Backend) SetTemplateArgs(ctx context.Context, runID int64, id int, args json.RawMessage) error {
	t, ok, err := b.GetTaskByID(ctx, runID, id)
	if err != nil {
		return err
	}
	if !ok {
		return &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	t.TemplateArgs = args
	return b.AppendTask(ctx, runID, t)
}

// NextTaskID derives the next unused task ID from the highest ID
// currently stored for the run. Not linearizable against concurrent
// expansions of distinct tasks in the same run, acceptable here since
// dynamic expansion is the rare path and collisions would only occur
// under expansions racing within the same tick.
func (b *Backend) NextTaskID(ctx context.Context, runID int64) (int, error) {
	tasks, err := b.AllTasks(ctx, runID)
	if err != nil {
		return 0, err
	}
	max := -1
	for _, t := range tasks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max + 1, nil
}

func (b *Backend) GetTaskStatus(ctx context.Context, runID int64, id int) (task.TaskStatus, error) {
	s, err := b.rdb.Get(ctx, taskKey(runID, id)+":status").Result()
	if err == redis.Nil {
		return "", &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	if err != nil {
		return "", &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return task.TaskStatus(s), nil
}

func (b *Backend) SetTaskStatus(ctx context.Context, runID int64, id int, status task.TaskStatus) error {
	if err := b.rdb.Set(ctx, taskKey(runID, id)+":status", string(status), 0).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) InsertResult(ctx context.Context, runID int64, result task.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return &errkind.BackendError{Code: "EncodeFailure", Message: err.Error(), Cause: err}
	}
	if err := b.rdb.RPush(ctx, taskKey(runID, result.TaskID)+":results", data).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) LatestResult(ctx context.Context, runID int64, id int) (*task.TaskResult, error) {
	data, err := b.rdb.LIndex(ctx, taskKey(runID, id)+":results", -1).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	var r task.TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
	}
	return &r, nil
}

func (b *Backend) AllResults(ctx context.Context, runID int64, id int) ([]task.TaskResult, error) {
	items, err := b.rdb.LRange(ctx, taskKey(runID, id)+":results", 0, -1).Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	out := make([]task.TaskResult, 0, len(items))
	for _, item := range items {
		var r task.TaskResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) AppendLogLine(ctx context.Context, runID int64, id int, line string) error {
	if err := b.rdb.RPush(ctx, taskKey(runID, id)+":log", line).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) TakeLastLine(ctx context.Context, runID int64, id int) (string, error) {
	line, err := b.rdb.LIndex(ctx, taskKey(runID, id)+":log", -1).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return line, nil
}

func (b *Backend) ReadLog(ctx context.Context, runID int64, id int) ([]string, error) {
	lines, err := b.rdb.LRange(ctx, taskKey(runID, id)+":log", 0, -1).Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return lines, nil
}

func (b *Backend) InsertEdge(ctx context.Context, runID int64, e task.Edge) error {
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, taskKey(runID, e.From)+":downstream", e.To)
	pipe.SAdd(ctx, taskKey(runID, e.To)+":upstream", e.From)
	pipe.SAdd(ctx, fmt.Sprintf("run:%d:edges", runID), fmt.Sprintf("%d:%d", e.From, e.To))
	if _, err := pipe.Exec(ctx); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) RemoveEdge(ctx context.Context, runID int64, e task.Edge) error {
	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, taskKey(runID, e.From)+":downstream", e.To)
	pipe.SRem(ctx, taskKey(runID, e.To)+":upstream", e.From)
	pipe.SRem(ctx, fmt.Sprintf("run:%d:edges", runID), fmt.Sprintf("%d:%d", e.From, e.To))
	if _, err := pipe.Exec(ctx); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) Upstream(ctx context.Context, runID int64, id int) ([]int, error) {
	return b.intSet(ctx, taskKey(runID, id)+":upstream")
}

func (b *Backend) Downstream(ctx context.Context, runID int64, id int) ([]int, error) {
	return b.intSet(ctx, taskKey(runID, id)+":downstream")
}

func (b *Backend) intSet(ctx context.Context, key string) ([]int, error) {
	items, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	out := make([]int, 0, len(items))
	for _, s := range items {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func (b *Backend) GetDepth(ctx context.Context, runID int64, id int) (task.Depth, bool, error) {
	v, err := b.rdb.Get(ctx, taskKey(runID, id)+":depth").Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return task.Depth(v), true, nil
}

func (b *Backend) SetDepth(ctx context.Context, runID int64, id int, d task.Depth) error {
	if err := b.rdb.Set(ctx, taskKey(runID, id)+":depth", int(d), 0).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) DeleteDepth(ctx context.Context, runID int64, id int) error {
	if err := b.rdb.Del(ctx, taskKey(runID, id)+":depth").Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) NextAttemptNumber(ctx context.Context, runID int64, id int) (int, error) {
	n, err := b.rdb.Incr(ctx, taskKey(runID, id)+":attempt").Result()
	if err != nil {
		return 0, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return int(n), nil
}

func (b *Backend) EnqueueTask(ctx context.Context, qt task.QueuedTask) error {
	data, err := json.Marshal(qt)
	if err != nil {
		return &errkind.BackendError{Code: "EncodeFailure", Message: err.Error(), Cause: err}
	}
	// ZADD with NX makes re-enqueuing the same member (by JSON identity,
	// which embeds run/task/attempt) a no-op, matching the idempotence
	// requirement that duplicate enqueues collapse.
	if err := b.rdb.ZAddNX(ctx, "queue", redis.Z{Score: float64(qt.Depth), Member: string(data)}).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func (b *Backend) PopPriorityQueue(ctx context.Context) (*task.QueuedTask, bool, error) {
	res, err := popScript.Run(ctx, b.rdb, []string{"queue", "tmpqueue"}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	member, ok := res.(string)
	if !ok || member == "" {
		return nil, false, nil
	}
	var qt task.QueuedTask
	if err := json.Unmarshal([]byte(member), &qt); err != nil {
		return nil, false, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
	}
	qt.QueuedAt = time.Now().UTC()
	// The script moved the member as it was enqueued; swap it for a copy
	// carrying QueuedAt so InFlight reports the pop time to the watchdog.
	if stamped, err := json.Marshal(qt); err == nil {
		pipe := b.rdb.TxPipeline()
		pipe.SRem(ctx, "tmpqueue", member)
		pipe.SAdd(ctx, "tmpqueue", string(stamped))
		_, _ = pipe.Exec(ctx)
	}
	return &qt, true, nil
}

func (b *Backend) RemoveFromTempQueue(ctx context.Context, runID int64, id int) error {
	members, err := b.rdb.SMembers(ctx, "tmpqueue").Result()
	if err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	for _, m := range members {
		var qt task.QueuedTask
		if err := json.Unmarshal([]byte(m), &qt); err != nil {
			continue
		}
		if qt.RunID == runID && qt.TaskID == id {
			if err := b.rdb.SRem(ctx, "tmpqueue", m).Err(); err != nil {
				return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
			}
		}
	}
	return nil
}

func (b *Backend) QueueLength(ctx context.Context) (int, error) {
	n, err := b.rdb.ZCard(ctx, "queue").Result()
	if err != nil {
		return 0, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return int(n), nil
}

func (b *Backend) InFlight(ctx context.Context) ([]task.QueuedTask, error) {
	members, err := b.rdb.SMembers(ctx, "tmpqueue").Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	out := make([]task.QueuedTask, 0, len(members))
	for _, m := range members {
		var qt task.QueuedTask
		if err := json.Unmarshal([]byte(m), &qt); err != nil {
			continue
		}
		out = append(out, qt)
	}
	return out, nil
}

func (b *Backend) CreateNewRun(ctx context.Context, run task.Run) (task.Run, error) {
	id, err := b.rdb.Incr(ctx, "run_id_counter").Result()
	if err != nil {
		return task.Run{}, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	run.RunID = id
	data, err := json.Marshal(run)
	if err != nil {
		return task.Run{}, &errkind.BackendError{Code: "EncodeFailure", Message: err.Error(), Cause: err}
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, fmt.Sprintf("pipeline:%s:runs", run.PipelineName), data)
	pipe.SAdd(ctx, "pipelines", run.PipelineName)
	if _, err := pipe.Exec(ctx); err != nil {
		return task.Run{}, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return run, nil
}

func (b *Backend) RecentRuns(ctx context.Context, pipeline string, limit int) ([]task.Run, error) {
	items, err := b.rdb.LRange(ctx, fmt.Sprintf("pipeline:%s:runs", pipeline), 0, -1).Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	if limit > 0 && limit < len(items) {
		items = items[len(items)-limit:]
	}
	out := make([]task.Run, 0, len(items))
	for _, item := range items {
		var r task.Run
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) LastRun(ctx context.Context, pipeline string) (*task.Run, bool, error) {
	data, err := b.rdb.LIndex(ctx, fmt.Sprintf("pipeline:%s:runs", pipeline), -1).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	var r task.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, &errkind.BackendError{Code: "DecodeFailure", Message: err.Error(), Cause: err}
	}
	return &r, true, nil
}

func (b *Backend) ContainsScheduledDate(ctx context.Context, pipeline, graphHash string, scheduled time.Time) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, fmt.Sprintf("pipeline:%s:dates", pipeline), scheduledDateMember(graphHash, scheduled)).Result()
	if err != nil {
		return false, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return ok, nil
}

func (b *Backend) MarkScheduledDate(ctx context.Context, pipeline, graphHash string, scheduled time.Time) error {
	if err := b.rdb.SAdd(ctx, fmt.Sprintf("pipeline:%s:dates", pipeline), scheduledDateMember(graphHash, scheduled)).Err(); err != nil {
		return &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	return nil
}

func scheduledDateMember(graphHash string, scheduled time.Time) string {
	return graphHash + "|" + scheduled.UTC().Format(time.RFC3339)
}

func (b *Backend) ListPipelines(ctx context.Context) ([]string, error) {
	items, err := b.rdb.SMembers(ctx, "pipelines").Result()
	if err != nil {
		return nil, &errkind.BackendError{Code: "StoreUnavailable", Message: err.Error(), Cause: err}
	}
	sort.Strings(items)
	return items, nil
}
