package core

// JobState is the externally visible job state reported to clients.
type JobState string

const (
	JobStateNew       JobState = "NEW"
	JobStateInited    JobState = "INITED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateKilled    JobState = "KILLED"
	JobStateError     JobState = "ERROR"
)

// Terminal reports whether the state is a final one.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateKilled, JobStateError:
		return true
	}
	return false
}

// JobStateInternal is the fine-grained state the job state machine runs on.
// Clients never see these directly; External folds them into JobState.
type JobStateInternal string

const (
	JobInternalNew        JobStateInternal = "NEW"
	JobInternalInited     JobStateInternal = "INITED"
	JobInternalSetup      JobStateInternal = "SETUP"
	JobInternalRunning    JobStateInternal = "RUNNING"
	JobInternalCommitting JobStateInternal = "COMMITTING"
	JobInternalSucceeded  JobStateInternal = "SUCCEEDED"
	JobInternalFailWait   JobStateInternal = "FAIL_WAIT"
	JobInternalFailAbort  JobStateInternal = "FAIL_ABORT"
	JobInternalFailed     JobStateInternal = "FAILED"
	JobInternalKillWait   JobStateInternal = "KILL_WAIT"
	JobInternalKillAbort  JobStateInternal = "KILL_ABORT"
	JobInternalKilled     JobStateInternal = "KILLED"
	JobInternalReboot     JobStateInternal = "REBOOT"
	JobInternalError      JobStateInternal = "ERROR"
)

// External maps an internal state to the state reported to clients.
// Transitional phases project onto RUNNING; the in-flight failure and kill
// phases already read as their eventual outcome.
func (s JobStateInternal) External() JobState {
	switch s {
	case JobInternalNew:
		return JobStateNew
	case JobInternalInited:
		return JobStateInited
	case JobInternalSetup, JobInternalRunning, JobInternalCommitting:
		return JobStateRunning
	case JobInternalSucceeded:
		return JobStateSucceeded
	case JobInternalFailWait, JobInternalFailAbort, JobInternalFailed:
		return JobStateFailed
	case JobInternalKillWait, JobInternalKillAbort, JobInternalKilled:
		return JobStateKilled
	case JobInternalReboot, JobInternalError:
		return JobStateError
	}
	return JobStateError
}

// Terminal reports whether no further transitions can leave the state.
// REBOOT is absorbing and therefore terminal for the state machine even
// though it projects onto ERROR externally.
func (s JobStateInternal) Terminal() bool {
	switch s {
	case JobInternalSucceeded, JobInternalFailed, JobInternalKilled,
		JobInternalReboot, JobInternalError:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateNew       TaskState = "NEW"
	TaskStateScheduled TaskState = "SCHEDULED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateKilled    TaskState = "KILLED"
)

func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateKilled:
		return true
	}
	return false
}

// AttemptState is the lifecycle state of a single task attempt.
type AttemptState string

const (
	AttemptStateScheduled AttemptState = "SCHEDULED"
	AttemptStateRunning   AttemptState = "RUNNING"
	AttemptStateSucceeded AttemptState = "SUCCEEDED"
	AttemptStateFailed    AttemptState = "FAILED"
	AttemptStateKilled    AttemptState = "KILLED"
)

func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptStateSucceeded, AttemptStateFailed, AttemptStateKilled:
		return true
	}
	return false
}
