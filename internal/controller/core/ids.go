// Package core holds the identifiers, states, events and contracts shared by
// the job controller packages.
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskKind distinguishes the two phases of a job.
type TaskKind string

const (
	TaskKindMap    TaskKind = "MAP"
	TaskKindReduce TaskKind = "REDUCE"
)

func (k TaskKind) prefix() string {
	if k == TaskKindReduce {
		return "r"
	}
	return "m"
}

func taskKindFromPrefix(p string) (TaskKind, error) {
	switch p {
	case "m":
		return TaskKindMap, nil
	case "r":
		return TaskKindReduce, nil
	default:
		return "", fmt.Errorf("unknown task kind prefix %q", p)
	}
}

// JobID identifies a job by the controller start timestamp and a submission
// sequence number, rendered as job_<timestamp>_<seq>.
type JobID struct {
	ClusterTimestamp int64
	Seq              int
}

func NewJobID(clusterTimestamp int64, seq int) JobID {
	return JobID{ClusterTimestamp: clusterTimestamp, Seq: seq}
}

func (j JobID) String() string {
	return fmt.Sprintf("job_%d_%04d", j.ClusterTimestamp, j.Seq)
}

// ParseJobID parses the job_<timestamp>_<seq> form.
func ParseJobID(s string) (JobID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 || parts[0] != "job" {
		return JobID{}, fmt.Errorf("malformed job id %q", s)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return JobID{}, fmt.Errorf("malformed job id %q: %w", s, err)
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil {
		return JobID{}, fmt.Errorf("malformed job id %q: %w", s, err)
	}
	return JobID{ClusterTimestamp: ts, Seq: seq}, nil
}

// TaskID identifies a task within a job, rendered as
// task_<timestamp>_<seq>_<m|r>_<index>.
type TaskID struct {
	Job   JobID
	Kind  TaskKind
	Index int
}

func NewTaskID(job JobID, kind TaskKind, index int) TaskID {
	return TaskID{Job: job, Kind: kind, Index: index}
}

func (t TaskID) String() string {
	return fmt.Sprintf("task_%d_%04d_%s_%06d",
		t.Job.ClusterTimestamp, t.Job.Seq, t.Kind.prefix(), t.Index)
}

// ParseTaskID parses the task_<timestamp>_<seq>_<m|r>_<index> form.
func ParseTaskID(s string) (TaskID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 5 || parts[0] != "task" {
		return TaskID{}, fmt.Errorf("malformed task id %q", s)
	}
	job, err := ParseJobID("job_" + parts[1] + "_" + parts[2])
	if err != nil {
		return TaskID{}, fmt.Errorf("malformed task id %q: %w", s, err)
	}
	kind, err := taskKindFromPrefix(parts[3])
	if err != nil {
		return TaskID{}, fmt.Errorf("malformed task id %q: %w", s, err)
	}
	idx, err := strconv.Atoi(parts[4])
	if err != nil {
		return TaskID{}, fmt.Errorf("malformed task id %q: %w", s, err)
	}
	return TaskID{Job: job, Kind: kind, Index: idx}, nil
}

// AttemptID identifies one execution attempt of a task, rendered as
// attempt_<timestamp>_<seq>_<m|r>_<index>_<attempt>.
type AttemptID struct {
	Task    TaskID
	Attempt int
}

func NewAttemptID(task TaskID, attempt int) AttemptID {
	return AttemptID{Task: task, Attempt: attempt}
}

func (a AttemptID) String() string {
	return fmt.Sprintf("attempt_%d_%04d_%s_%06d_%d",
		a.Task.Job.ClusterTimestamp, a.Task.Job.Seq,
		a.Task.Kind.prefix(), a.Task.Index, a.Attempt)
}

// ParseAttemptID parses the attempt_<timestamp>_<seq>_<m|r>_<index>_<attempt>
// form.
func ParseAttemptID(s string) (AttemptID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 6 || parts[0] != "attempt" {
		return AttemptID{}, fmt.Errorf("malformed attempt id %q", s)
	}
	task, err := ParseTaskID("task_" + strings.Join(parts[1:5], "_"))
	if err != nil {
		return AttemptID{}, fmt.Errorf("malformed attempt id %q: %w", s, err)
	}
	n, err := strconv.Atoi(parts[5])
	if err != nil {
		return AttemptID{}, fmt.Errorf("malformed attempt id %q: %w", s, err)
	}
	return AttemptID{Task: task, Attempt: n}, nil
}
