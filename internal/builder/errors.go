package builder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
)

var (
	// ErrCycle is wrapped by errkind.BuildError when an added edge would
	// close a cycle.
	ErrCycle = errors.New("cycle detected")
)

func cycleBuildError(path []int) error {
	msg := "cycle"
	if len(path) > 0 {
		parts := make([]string, len(path))
		for i, id := range path {
			parts[i] = fmt.Sprintf("#%d", id)
		}
		msg = "cycle: " + strings.Join(parts, " -> ")
	}
	return &errkind.BuildError{Code: "CycleDetected", Message: msg, Cause: ErrCycle}
}
