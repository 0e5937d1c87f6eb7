package core

import "github.com/google/uuid"

// Topic routes an event to the handlers registered for one subsystem.
type Topic string

const (
	TopicJob       Topic = "job"
	TopicTask      Topic = "task"
	TopicCommitter Topic = "committer"
	TopicLaunch    Topic = "launch"
	TopicNode      Topic = "node"
)

// Event is anything the dispatcher can route.
type Event interface {
	Topic() Topic
}

// EventSink accepts events for asynchronous delivery. The state machines
// publish follow-up work through a sink instead of calling each other.
type EventSink interface {
	Publish(Event)
}

// JobEventKind discriminates events addressed to a job state machine.
type JobEventKind string

const (
	JobEventInit                 JobEventKind = "JOB_INIT"
	JobEventStart                JobEventKind = "JOB_START"
	JobEventSetupCompleted       JobEventKind = "JOB_SETUP_COMPLETED"
	JobEventSetupFailed          JobEventKind = "JOB_SETUP_FAILED"
	JobEventTaskAttemptCompleted JobEventKind = "JOB_TASK_ATTEMPT_COMPLETED"
	JobEventTaskCompleted        JobEventKind = "JOB_TASK_COMPLETED"
	JobEventMapTaskRescheduled   JobEventKind = "JOB_MAP_TASK_RESCHEDULED"
	JobEventCommitCompleted      JobEventKind = "JOB_COMMIT_COMPLETED"
	JobEventCommitFailed         JobEventKind = "JOB_COMMIT_FAILED"
	JobEventAbortCompleted       JobEventKind = "JOB_ABORT_COMPLETED"
	JobEventKill                 JobEventKind = "JOB_KILL"
	JobEventReboot               JobEventKind = "JOB_AM_REBOOT"
	JobEventDiagnosticUpdate     JobEventKind = "JOB_DIAGNOSTIC_UPDATE"
	JobEventUpdatedNodes         JobEventKind = "JOB_UPDATED_NODES"
	JobEventFailWaitTimedOut     JobEventKind = "JOB_FAIL_WAIT_TIMEDOUT"
	JobEventInternalError        JobEventKind = "JOB_INTERNAL_ERROR"
)

// TaskCompletion reports a task reaching a terminal state.
type TaskCompletion struct {
	Task  TaskID
	State TaskState
}

// AttemptCompletion reports an attempt reaching a terminal state, including
// the node it ran on so the job can track where successful map output lives.
type AttemptCompletion struct {
	Attempt AttemptID
	State   AttemptState
	Node    uuid.UUID
}

// JobEvent is delivered to the job state machine identified by Job.
type JobEvent struct {
	Job  JobID
	Kind JobEventKind

	Task        TaskCompletion    // JobEventTaskCompleted
	Attempt     AttemptCompletion // JobEventTaskAttemptCompleted
	Rescheduled TaskID            // JobEventMapTaskRescheduled
	Diagnostic  string            // diagnostic-bearing kinds
	Nodes       []NodeReport      // JobEventUpdatedNodes
}

func (e JobEvent) Topic() Topic { return TopicJob }

// TaskEventKind discriminates events addressed to a task state machine.
type TaskEventKind string

const (
	TaskEventSchedule         TaskEventKind = "T_SCHEDULE"
	TaskEventKill             TaskEventKind = "T_KILL"
	TaskEventAddSpecAttempt   TaskEventKind = "T_ADD_SPEC_ATTEMPT"
	TaskEventAttemptRunning   TaskEventKind = "T_ATTEMPT_LAUNCHED"
	TaskEventAttemptSucceeded TaskEventKind = "T_ATTEMPT_SUCCEEDED"
	TaskEventAttemptFailed    TaskEventKind = "T_ATTEMPT_FAILED"
	TaskEventAttemptKilled    TaskEventKind = "T_ATTEMPT_KILLED"
	TaskEventAttemptKill      TaskEventKind = "T_ATTEMPT_KILL"
	TaskEventCommitSucceeded  TaskEventKind = "T_COMMIT_SUCCEEDED"
	TaskEventCommitFailed     TaskEventKind = "T_COMMIT_FAILED"
)

// TaskEvent is delivered to the task state machine identified by Task.
// Attempt-scoped kinds carry the attempt; status reports carry the node the
// attempt is bound to.
type TaskEvent struct {
	Task       TaskID
	Kind       TaskEventKind
	Attempt    AttemptID
	Node       uuid.UUID
	Diagnostic string
}

func (e TaskEvent) Topic() Topic { return TopicTask }

// CommitterEventKind discriminates the work items handled by the committer
// event handler.
type CommitterEventKind string

const (
	CommitterEventSetupJob   CommitterEventKind = "JOB_SETUP"
	CommitterEventCommitTask CommitterEventKind = "TASK_COMMIT"
	CommitterEventAbortTask  CommitterEventKind = "TASK_ABORT"
	CommitterEventCommitJob  CommitterEventKind = "JOB_COMMIT"
	CommitterEventAbortJob   CommitterEventKind = "JOB_ABORT"
)

// CommitterEvent requests one output-committer operation for a job.
type CommitterEvent struct {
	Job  JobID
	Kind CommitterEventKind

	Attempt    AttemptID // task-scoped kinds
	FinalState JobState  // CommitterEventAbortJob: FAILED or KILLED
}

func (e CommitterEvent) Topic() Topic { return TopicCommitter }

// LaunchEventKind discriminates attempt launch traffic.
type LaunchEventKind string

const (
	LaunchEventRequest LaunchEventKind = "LAUNCH_REQUEST"
	LaunchEventKill    LaunchEventKind = "LAUNCH_KILL"
)

// LaunchEvent asks the launch subsystem to hand an attempt to an executor,
// or to withdraw one that a kill has made obsolete.
type LaunchEvent struct {
	Kind     LaunchEventKind
	Attempt  AttemptID
	Priority int
}

func (e LaunchEvent) Topic() Topic { return TopicLaunch }

// NodeEventKind discriminates node liveness traffic.
type NodeEventKind string

const (
	NodeEventHeartbeat NodeEventKind = "NODE_HEARTBEAT"
	NodeEventUnusable  NodeEventKind = "NODE_UNUSABLE"
)

// NodeEvent reports node liveness to the node monitor. A heartbeat from an
// unknown node registers it.
type NodeEvent struct {
	Node     uuid.UUID
	Kind     NodeEventKind
	Hostname string
}

func (e NodeEvent) Topic() Topic { return TopicNode }
