package task

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

var (
	testJob  = core.NewJobID(1234567890000, 1)
	testTask = core.NewTaskID(testJob, core.TaskKindMap, 0)
	testNode = uuid.New()
)

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *recordingSink) Publish(event core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) launches(kind core.LaunchEventKind) []core.LaunchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LaunchEvent
	for _, e := range s.events {
		if le, ok := e.(core.LaunchEvent); ok && le.Kind == kind {
			out = append(out, le)
		}
	}
	return out
}

func (s *recordingSink) committerEvents(kind core.CommitterEventKind) []core.CommitterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.CommitterEvent
	for _, e := range s.events {
		if ce, ok := e.(core.CommitterEvent); ok && ce.Kind == kind {
			out = append(out, ce)
		}
	}
	return out
}

func (s *recordingSink) jobEvents(kind core.JobEventKind) []core.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.JobEvent
	for _, e := range s.events {
		if je, ok := e.(core.JobEvent); ok && je.Kind == kind {
			out = append(out, je)
		}
	}
	return out
}

func newTestTask(sink core.EventSink, maxAttempts int) *Task {
	return New(Params{
		ID:          testTask,
		Split:       core.Split{Path: "/data/part-0", Length: 64},
		MaxAttempts: maxAttempts,
		Priority:    5,
		Sink:        sink,
		Logger:      logging.NewNopLogger(),
	})
}

func attemptID(n int) core.AttemptID { return core.NewAttemptID(testTask, n) }

func schedule(t *Task) {
	t.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventSchedule})
}

func launched(t *Task, n int) {
	t.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptRunning,
		Attempt: attemptID(n), Node: testNode,
	})
}

func succeeded(t *Task, n int) {
	t.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptSucceeded,
		Attempt: attemptID(n), Node: testNode,
	})
}

func commitSucceeded(t *Task, n int) {
	t.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventCommitSucceeded, Attempt: attemptID(n),
	})
}

func TestScheduleLaunchesFirstAttempt(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)

	schedule(task)

	assert.Equal(t, core.TaskStateScheduled, task.State())
	launches := sink.launches(core.LaunchEventRequest)
	require.Len(t, launches, 1)
	assert.Equal(t, attemptID(0), launches[0].Attempt)
	assert.Equal(t, 5, launches[0].Priority)
}

func TestAttemptRunningBindsNode(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	assert.Equal(t, core.TaskStateRunning, task.State())
	report := task.Report()
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, core.AttemptStateRunning, report.Attempts[0].State)
	assert.Equal(t, testNode, report.Attempts[0].Node)
}

func TestFirstSuccessRequestsCommit(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)

	commits := sink.committerEvents(core.CommitterEventCommitTask)
	require.Len(t, commits, 1)
	assert.Equal(t, attemptID(0), commits[0].Attempt)
	assert.Equal(t, core.TaskStateRunning, task.State(), "task stays running until the commit lands")
	assert.Empty(t, sink.jobEvents(core.JobEventTaskCompleted))
}

func TestCommitSuccessCompletesTask(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)
	commitSucceeded(task, 0)

	assert.Equal(t, core.TaskStateSucceeded, task.State())

	completions := sink.jobEvents(core.JobEventTaskCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, core.TaskStateSucceeded, completions[0].Task.State)

	attempts := sink.jobEvents(core.JobEventTaskAttemptCompleted)
	require.NotEmpty(t, attempts)
	assert.Equal(t, core.AttemptStateSucceeded, attempts[0].Attempt.State)
	assert.Equal(t, testNode, attempts[0].Attempt.Node)
}

func TestCommitFailureRetriesWithNewAttempt(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)
	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventCommitFailed,
		Attempt: attemptID(0), Diagnostic: "staging rename failed",
	})

	assert.False(t, task.State().Terminal())
	launches := sink.launches(core.LaunchEventRequest)
	require.Len(t, launches, 2)
	assert.Equal(t, attemptID(1), launches[1].Attempt)

	report := task.Report()
	assert.Equal(t, core.AttemptStateFailed, report.Attempts[0].State)
	assert.Contains(t, report.Attempts[0].Diagnostic, "staging rename failed")
}

func TestFailuresExhaustAttemptBudget(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 2)
	schedule(task)
	launched(task, 0)
	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptFailed,
		Attempt: attemptID(0), Diagnostic: "exit 1",
	})

	assert.Equal(t, core.TaskStateRunning, task.State(), "one failure leaves budget")
	require.Len(t, sink.launches(core.LaunchEventRequest), 2)

	launched(task, 1)
	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptFailed,
		Attempt: attemptID(1), Diagnostic: "exit 1",
	})

	assert.Equal(t, core.TaskStateFailed, task.State())
	completions := sink.jobEvents(core.JobEventTaskCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, core.TaskStateFailed, completions[0].Task.State)
	assert.Len(t, sink.launches(core.LaunchEventRequest), 2, "exhausted task must not relaunch")
}

func TestKilledAttemptsDoNotCountTowardBudget(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 2)
	schedule(task)
	launched(task, 0)
	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptKilled, Attempt: attemptID(0),
	})

	require.Len(t, sink.launches(core.LaunchEventRequest), 2, "killed attempt gets a replacement")

	launched(task, 1)
	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptFailed, Attempt: attemptID(1),
	})

	assert.False(t, task.State().Terminal(), "one kill plus one failure is within a budget of two")
	require.Len(t, sink.launches(core.LaunchEventRequest), 3)
}

func TestSpeculativeAttemptCappedAtOneExtra(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventAddSpecAttempt})
	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventAddSpecAttempt})

	assert.Len(t, sink.launches(core.LaunchEventRequest), 2, "at most one speculative sibling")
}

func TestWinnerKillsRunningSibling(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventAddSpecAttempt})
	launched(task, 1)

	succeeded(task, 0)
	commitSucceeded(task, 0)

	assert.Equal(t, core.TaskStateSucceeded, task.State())
	kills := sink.launches(core.LaunchEventKill)
	require.Len(t, kills, 1)
	assert.Equal(t, attemptID(1), kills[0].Attempt)

	aborts := sink.committerEvents(core.CommitterEventAbortTask)
	require.Len(t, aborts, 1)
	assert.Equal(t, attemptID(1), aborts[0].Attempt)

	report := task.Report()
	assert.Equal(t, core.AttemptStateKilled, report.Attempts[1].State)
}

func TestLateSuccessLosesToCommitPending(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventAddSpecAttempt})
	launched(task, 1)

	succeeded(task, 0) // commit pending
	succeeded(task, 1) // too late

	report := task.Report()
	assert.Equal(t, core.AttemptStateKilled, report.Attempts[1].State)
	aborts := sink.committerEvents(core.CommitterEventAbortTask)
	require.Len(t, aborts, 1)
	assert.Equal(t, attemptID(1), aborts[0].Attempt)

	commitSucceeded(task, 0)
	assert.Equal(t, core.TaskStateSucceeded, task.State())
	assert.Len(t, sink.jobEvents(core.JobEventTaskCompleted), 1)
}

func TestRepeatedSuccessOfCommittingAttemptIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	// Executors deliver status reports at least once.
	succeeded(task, 0)
	succeeded(task, 0)

	require.Len(t, sink.committerEvents(core.CommitterEventCommitTask), 1)
	assert.Empty(t, sink.committerEvents(core.CommitterEventAbortTask),
		"the committing attempt must not be aborted by its own duplicate report")

	commitSucceeded(task, 0)
	assert.Equal(t, core.TaskStateSucceeded, task.State())

	report := task.Report()
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, core.AttemptStateSucceeded, report.Attempts[0].State)

	attempts := sink.jobEvents(core.JobEventTaskAttemptCompleted)
	require.Len(t, attempts, 1)
	assert.Equal(t, core.AttemptStateSucceeded, attempts[0].Attempt.State)
}

func TestKillWaitsForAttemptAcks(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventKill})

	assert.False(t, task.State().Terminal(), "kill waits for the attempt to acknowledge")
	kills := sink.launches(core.LaunchEventKill)
	require.Len(t, kills, 1)

	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptKilled, Attempt: attemptID(0),
	})

	assert.Equal(t, core.TaskStateKilled, task.State())
	completions := sink.jobEvents(core.JobEventTaskCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, core.TaskStateKilled, completions[0].Task.State)
	assert.Len(t, sink.launches(core.LaunchEventRequest), 1, "no replacement during kill")
}

func TestKillOfUnscheduledTask(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)

	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventKill})

	assert.Equal(t, core.TaskStateKilled, task.State())
	assert.Len(t, sink.jobEvents(core.JobEventTaskCompleted), 1)
	assert.Empty(t, sink.launches(core.LaunchEventRequest))
}

func TestKillAfterSuccessIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)
	commitSucceeded(task, 0)

	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventKill})

	assert.Equal(t, core.TaskStateSucceeded, task.State())
	assert.Len(t, sink.jobEvents(core.JobEventTaskCompleted), 1)
}

func TestSuccessDuringKillCountsAsKilled(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	task.Handle(core.TaskEvent{Task: testTask, Kind: core.TaskEventKill})
	succeeded(task, 0)

	assert.Equal(t, core.TaskStateKilled, task.State())
	assert.Empty(t, sink.committerEvents(core.CommitterEventCommitTask),
		"output of an attempt finishing into a kill must not be committed")
	require.Len(t, sink.committerEvents(core.CommitterEventAbortTask), 1)

	completions := sink.jobEvents(core.JobEventTaskCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, core.TaskStateKilled, completions[0].Task.State)
}

func TestFailureAfterSuccessIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)
	commitSucceeded(task, 0)

	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptFailed,
		Attempt: attemptID(0), Diagnostic: "late report",
	})

	assert.Equal(t, core.TaskStateSucceeded, task.State())
	report := task.Report()
	assert.Equal(t, core.AttemptStateSucceeded, report.Attempts[0].State)
}

func TestRevocationStartsNewCompletionGeneration(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)
	succeeded(task, 0)
	commitSucceeded(task, 0)
	require.Equal(t, core.TaskStateSucceeded, task.State())

	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptKill,
		Attempt: attemptID(0), Diagnostic: "node lost",
	})

	assert.Equal(t, core.TaskStateScheduled, task.State())
	require.Len(t, sink.jobEvents(core.JobEventMapTaskRescheduled), 1)
	require.Len(t, sink.launches(core.LaunchEventRequest), 2)

	aborts := sink.committerEvents(core.CommitterEventAbortTask)
	require.Len(t, aborts, 1)
	assert.Equal(t, attemptID(0), aborts[0].Attempt)

	launched(task, 1)
	succeeded(task, 1)
	commitSucceeded(task, 1)

	assert.Equal(t, core.TaskStateSucceeded, task.State())
	completions := sink.jobEvents(core.JobEventTaskCompleted)
	require.Len(t, completions, 2, "rescheduled task completes again")
}

func TestRevocationOfNonWinnerIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	task := newTestTask(sink, 4)
	schedule(task)
	launched(task, 0)

	task.Handle(core.TaskEvent{
		Task: testTask, Kind: core.TaskEventAttemptKill, Attempt: attemptID(0),
	})

	assert.Equal(t, core.TaskStateRunning, task.State())
	assert.Empty(t, sink.jobEvents(core.JobEventMapTaskRescheduled))
}

func TestRecoveredTaskIsAlreadySucceeded(t *testing.T) {
	sink := &recordingSink{}
	recovered := NewRecovered(Params{
		ID:          testTask,
		MaxAttempts: 4,
		Sink:        sink,
		Logger:      logging.NewNopLogger(),
	}, attemptID(0))

	assert.Equal(t, core.TaskStateSucceeded, recovered.State())
	assert.Empty(t, sink.jobEvents(core.JobEventTaskCompleted),
		"recovered tasks are accounted for at job start, not via events")

	report := recovered.Report()
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, core.AttemptStateSucceeded, report.Attempts[0].State)
}
