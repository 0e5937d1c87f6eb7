package core

import "context"

// Committer is the two-phase output commit contract. One committer instance
// serves one job; attempt-scoped operations act on that attempt's portion of
// the job output.
//
// SetupJob runs before any task output is written. CommitTask publishes one
// attempt's output so CommitJob can later fold it into the final output
// directory. AbortTask and AbortJob discard uncommitted state; AbortJob
// receives the terminal state the job is headed for.
type Committer interface {
	SetupJob(ctx context.Context) error
	SetupTask(ctx context.Context, attempt AttemptID) error

	// NeedsTaskCommit reports whether the attempt produced output that
	// requires a commit step. Attempts with nothing staged may skip
	// straight to done.
	NeedsTaskCommit(ctx context.Context, attempt AttemptID) (bool, error)

	CommitTask(ctx context.Context, attempt AttemptID) error
	AbortTask(ctx context.Context, attempt AttemptID) error

	CommitJob(ctx context.Context) error
	AbortJob(ctx context.Context, state JobState) error

	// IsRecoverySupported reports whether committed task output from a
	// previous controller generation can be carried forward.
	IsRecoverySupported() bool

	// RecoverTask carries one attempt's committed output over from the
	// previous controller generation.
	RecoverTask(ctx context.Context, attempt AttemptID) error
}
