package samplepipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/cli"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestBuildProducesAValidRegisteredGraph(t *testing.T) {
	def, err := Build()
	require.NoError(t, err)
	require.Equal(t, Name, def.Name)

	for _, fn := range []string{"fetch_records", "expand_record_ids", "transform_record", "check_quota", "proceed", "skip_remaining"} {
		_, ok := def.Registry[fn]
		require.Truef(t, ok, "missing registered handler for %s", fn)
	}

	// check_quota's placeholder registration must have been overwritten by
	// makeCheckQuota's closure, which needs proceed/skip's builder-assigned
	// ids: calling the stale placeholder is the bug this guards against.
	out, err := def.Registry["check_quota"]([]byte(`[1,2,3]`))
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestSampleIngestRunsEndToEndUnderQuota(t *testing.T) {
	def, err := Build()
	require.NoError(t, err)

	result, err := cli.RunLocal(context.Background(), def, 4, nil)
	require.NoError(t, err)
	require.Equal(t, task.Success, result.Aggregate)

	// Three fetched ids, all under the 1000 quota: every transform_record
	// clone and the proceed branch should have run; skip_remaining should
	// never appear among succeeded results since it was skipped.
	var transformCount int
	for _, r := range result.TaskResults {
		if r.FunctionName == "transform_record" {
			transformCount++
		}
	}
	require.Equal(t, 3, transformCount)
}
