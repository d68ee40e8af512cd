// Package samplepipeline is the one concrete pipeline definition
// cmd/pipelinectl wires into the CLI command tree: it fetches a page of
// record ids, fans out a transform task per record (dynamic expansion),
// and separately checks a quota before deciding whether to proceed or
// skip the rest of the run (a branch task), demonstrating each engine
// feature in isolation rather than stacked together.
package samplepipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/cli"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Name is the pipeline's identity, used for run bookkeeping and the cron
// dedup key.
const Name = "sample_ingest"

// Build constructs the task graph and its function registry. It is
// re-invoked on every `run local`/`serve` invocation: the graph is cheap
// to build and deterministic, so there is no reason to cache it across
// invocations.
func Build() (cli.PipelineDefinition, error) {
	b := builder.New()

	b.Register("fetch_records", fetchRecords)
	b.Register("expand_record_ids", expandRecordIDs)
	b.Register("transform_record", transformRecord)
	b.Register("check_quota", checkQuota)
	b.Register("proceed", proceed)
	b.Register("skip_remaining", skipRemaining)

	fetch := b.AddTask("fetch_records", nil, task.TaskOptions{
		MaxAttempts: 3,
		RetryDelay:  task.Duration(2 * time.Second),
		TriggerRule: task.AllSuccess,
	})

	// Dynamic-expansion arm: one transform_record clone per fetched id.
	expand := b.Expand("expand_record_ids", fetch.Value(), task.TaskOptions{
		MaxAttempts: 1,
		TriggerRule: task.AllSuccess,
	})
	b.AddTaskWithUpstream("transform_record", expand, task.TaskOptions{
		MaxAttempts: 2,
		RetryDelay:  task.Duration(time.Second),
		TriggerRule: task.AllSuccess,
	})

	// Branch arm: decide whether the batch fits the remaining quota.
	proceedRef := b.AddTask("proceed", nil, task.TaskOptions{
		MaxAttempts: 1,
		Timeout:     durationPtr(10 * time.Second),
		TriggerRule: task.AllSuccess,
	})
	skipRef := b.AddTask("skip_remaining", nil, task.TaskOptions{
		MaxAttempts: 1,
		TriggerRule: task.AllSuccess,
	})
	b.Register("check_quota", makeCheckQuota(proceedRef.ID, skipRef.ID))
	b.AddBranch("check_quota", fetch.Value(), proceedRef, skipRef, task.TaskOptions{
		MaxAttempts: 1,
		TriggerRule: task.AllSuccess,
	})

	graph, err := b.Build()
	if err != nil {
		return cli.PipelineDefinition{}, fmt.Errorf("building sample pipeline graph: %w", err)
	}

	return cli.PipelineDefinition{
		Name:               Name,
		Graph:              graph,
		Registry:           b.Registry(),
		DefaultConcurrency: 4,
		Schedule: cli.ScheduleOptions{
			Expression: "*/15 * * * *",
			StartDate:  time.Now().UTC().Add(-24 * time.Hour),
			Catchup:    false,
		},
	}, nil
}

func durationPtr(d time.Duration) *task.Duration {
	v := task.Duration(d)
	return &v
}

func fetchRecords(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal([]int{101, 102, 103})
}

func expandRecordIDs(args json.RawMessage) (json.RawMessage, error) {
	var ids []int
	if err := json.Unmarshal(args, &ids); err != nil {
		return nil, fmt.Errorf("decoding fetched record ids: %w", err)
	}
	out := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return json.Marshal(out)
}

func transformRecord(args json.RawMessage) (json.RawMessage, error) {
	var id int
	if err := json.Unmarshal(args, &id); err != nil {
		return nil, fmt.Errorf("decoding record id: %w", err)
	}
	return json.Marshal(map[string]any{"id": id, "transformed": true})
}

// checkQuota is registered as a placeholder during graph construction and
// immediately replaced by makeCheckQuota's closure once proceed/skip's
// ids are known; kept only so Registry() never holds an unset entry if
// Build panics partway through in a future edit.
func checkQuota(json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("check_quota placeholder was never replaced")
}

// makeCheckQuota builds the branch handler for check_quota: it needs the
// builder-assigned ids of its then/else downstreams to report
// chosen_task_id, so it is constructed after both are added.
func makeCheckQuota(proceedID, skipID int) task.Handler {
	return func(args json.RawMessage) (json.RawMessage, error) {
		var ids []int
		if err := json.Unmarshal(args, &ids); err != nil {
			return nil, fmt.Errorf("decoding fetched record ids: %w", err)
		}
		const quota = 1000
		chosen := proceedID
		if len(ids) > quota {
			chosen = skipID
		}
		return json.Marshal(map[string]any{
			"chosen_task_id": chosen,
			"value":          map[string]any{"batch_size": len(ids)},
		})
	}
}

func proceed(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"proceeded": true})
}

func skipRemaining(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"skipped": true})
}
