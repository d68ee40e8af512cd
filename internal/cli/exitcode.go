package cli

// Exit codes for the pipeline binary, following the teacher's
// semantic-exit-code convention (distinct codes per failure class rather
// than a single catch-all nonzero).
const (
	ExitSuccess           = 0
	ExitAggregateFailure  = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)
