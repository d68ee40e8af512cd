package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pipelinetool/pipelinetool/internal/task"
)

// RunFunction implements the function-subprocess protocol (spec.md §6):
// read one JSON value from inPath, invoke the named registered function,
// write one JSON value to outPath. A panic inside the function is
// recovered and reported as an error rather than crashing the subprocess,
// matching the in-process dispatch path's panic handling.
func RunFunction(registry map[string]task.Handler, name, outPath, inPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function %q panicked: %v", name, r)
		}
	}()

	handler, ok := registry[name]
	if !ok {
		return fmt.Errorf("no registered function: %s", name)
	}

	args, readErr := os.ReadFile(inPath)
	if readErr != nil {
		return fmt.Errorf("reading args from %s: %w", inPath, readErr)
	}

	result, callErr := handler(args)
	if callErr != nil {
		return fmt.Errorf("function %q failed: %w", name, callErr)
	}

	if !json.Valid(result) {
		return fmt.Errorf("function %q returned invalid JSON", name)
	}
	if writeErr := os.WriteFile(outPath, result, 0o644); writeErr != nil {
		return fmt.Errorf("writing result to %s: %w", outPath, writeErr)
	}
	return nil
}
