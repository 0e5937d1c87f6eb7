package core

import (
	"time"

	"github.com/google/uuid"
)

// Progress is the per-phase completion fraction of a job, each in [0, 1].
type Progress struct {
	Setup  float32
	Map    float32
	Reduce float32
	Commit float32
}

// TaskCounts aggregates the tasks of one kind by outcome.
type TaskCounts struct {
	Total     int
	Running   int
	Succeeded int
	Failed    int
	Killed    int
}

// JobReport is the snapshot of a job returned to clients.
type JobReport struct {
	ID          string
	Name        string
	User        string
	State       JobState
	Priority    int
	Uber        bool
	Progress    Progress
	Maps        TaskCounts
	Reduces     TaskCounts
	Diagnostics []string
	SubmitTime  time.Time
	StartTime   time.Time
	FinishTime  time.Time
}

// AttemptReport is the snapshot of one task attempt.
type AttemptReport struct {
	ID         string
	State      AttemptState
	Node       uuid.UUID
	Diagnostic string
	StartTime  time.Time
	FinishTime time.Time
}

// TaskReport is the snapshot of a task and its attempts.
type TaskReport struct {
	ID       string
	Kind     TaskKind
	State    TaskState
	Attempts []AttemptReport
}
