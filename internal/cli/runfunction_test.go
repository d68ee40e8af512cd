package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestRunFunctionWritesResultToOutPath(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.json")
	outPath := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(inPath, []byte(`5`), 0o644))

	registry := map[string]task.Handler{
		"square": func(args json.RawMessage) (json.RawMessage, error) {
			var n int
			if err := json.Unmarshal(args, &n); err != nil {
				return nil, err
			}
			return json.Marshal(n * n)
		},
	}

	require.NoError(t, RunFunction(registry, "square", outPath, inPath))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.JSONEq(t, "25", string(out))
}

func TestRunFunctionRejectsUnknownName(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(inPath, []byte(`{}`), 0o644))

	err := RunFunction(map[string]task.Handler{}, "missing", filepath.Join(dir, "out.json"), inPath)
	require.Error(t, err)
}

func TestRunFunctionRecoversFromPanic(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(inPath, []byte(`{}`), 0o644))

	registry := map[string]task.Handler{
		"boom": func(json.RawMessage) (json.RawMessage, error) {
			panic("unexpected")
		},
	}

	err := RunFunction(registry, "boom", filepath.Join(dir, "out.json"), inPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestRunFunctionRejectsNonJSONResult(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(inPath, []byte(`{}`), 0o644))

	registry := map[string]task.Handler{
		"bad_output": func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage("not json"), nil
		},
	}

	err := RunFunction(registry, "bad_output", filepath.Join(dir, "out.json"), inPath)
	require.Error(t, err)
}
