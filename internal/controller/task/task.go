// Package task implements the task state machine. A task owns its execution
// attempts: it launches them, lets the first successful one commit, kills
// the rest, and reports exactly one completion to its job per completion
// generation. Map tasks whose committed output is revoked by a node loss
// start a fresh generation.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

// Params configures a task.
type Params struct {
	ID          core.TaskID
	Split       core.Split // map tasks only
	Partition   int        // reduce tasks only
	MaxAttempts int
	Priority    int
	Sink        core.EventSink
	Logger      logging.Logger
}

type attemptRecord struct {
	id         core.AttemptID
	state      core.AttemptState
	node       uuid.UUID
	diagnostic string
	startTime  time.Time
	finishTime time.Time
}

// Task is one schedulable unit of a job.
type Task struct {
	id          core.TaskID
	split       core.Split
	partition   int
	maxAttempts int
	priority    int
	sink        core.EventSink
	logger      logging.Logger

	mu             sync.Mutex
	state          core.TaskState
	attempts       []*attemptRecord
	nextAttempt    int
	failed         int
	commitPending  *core.AttemptID
	winner         *core.AttemptID
	killing        bool
	completionSent bool
}

// New returns a task in state NEW. Nothing happens until the job schedules
// it.
func New(p Params) *Task {
	return &Task{
		id:          p.ID,
		split:       p.Split,
		partition:   p.Partition,
		maxAttempts: p.MaxAttempts,
		priority:    p.Priority,
		sink:        p.Sink,
		logger:      p.Logger,
		state:       core.TaskStateNew,
	}
}

// NewRecovered returns a task reconstructed from a previous controller
// generation, already succeeded through the given attempt. It emits no
// completion event; the job accounts for recovered tasks when it starts.
func NewRecovered(p Params, recovered core.AttemptID) *Task {
	t := New(p)
	t.state = core.TaskStateSucceeded
	t.winner = &recovered
	t.completionSent = true
	t.nextAttempt = recovered.Attempt + 1
	t.attempts = []*attemptRecord{{
		id:    recovered,
		state: core.AttemptStateSucceeded,
	}}
	return t
}

// ID returns the task identifier.
func (t *Task) ID() core.TaskID { return t.id }

// State returns the current lifecycle state.
func (t *Task) State() core.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Split returns the input split of a map task.
func (t *Task) Split() core.Split { return t.split }

// Partition returns the reduce partition index.
func (t *Task) Partition() int { return t.partition }

// Report snapshots the task and its attempts.
func (t *Task) Report() core.TaskReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := core.TaskReport{
		ID:    t.id.String(),
		Kind:  t.id.Kind,
		State: t.state,
	}
	for _, a := range t.attempts {
		report.Attempts = append(report.Attempts, core.AttemptReport{
			ID:         a.id.String(),
			State:      a.state,
			Node:       a.node,
			Diagnostic: a.diagnostic,
			StartTime:  a.startTime,
			FinishTime: a.finishTime,
		})
	}
	return report
}

// Handle applies one task event. Follow-up events are published after the
// state change is complete.
func (t *Task) Handle(event core.Event) {
	ev, ok := event.(core.TaskEvent)
	if !ok || ev.Task != t.id {
		return
	}
	t.mu.Lock()
	out := t.apply(ev)
	t.mu.Unlock()
	for _, e := range out {
		t.sink.Publish(e)
	}
}

func (t *Task) apply(ev core.TaskEvent) []core.Event {
	switch ev.Kind {
	case core.TaskEventSchedule:
		return t.onSchedule()
	case core.TaskEventKill:
		return t.onKill()
	case core.TaskEventAddSpecAttempt:
		return t.onAddSpeculative()
	case core.TaskEventAttemptRunning:
		return t.onAttemptRunning(ev)
	case core.TaskEventAttemptSucceeded:
		return t.onAttemptSucceeded(ev)
	case core.TaskEventAttemptFailed:
		return t.onAttemptFailed(ev)
	case core.TaskEventAttemptKilled:
		return t.onAttemptKilled(ev)
	case core.TaskEventAttemptKill:
		return t.onAttemptKill(ev)
	case core.TaskEventCommitSucceeded:
		return t.onCommitSucceeded(ev)
	case core.TaskEventCommitFailed:
		return t.onCommitFailed(ev)
	default:
		t.logger.Warn("ignoring unknown task event",
			"task", t.id.String(), "kind", string(ev.Kind))
		return nil
	}
}

func (t *Task) attempt(id core.AttemptID) *attemptRecord {
	for _, a := range t.attempts {
		if a.id == id {
			return a
		}
	}
	return nil
}

func (t *Task) liveAttempts() []*attemptRecord {
	var live []*attemptRecord
	for _, a := range t.attempts {
		if !a.state.Terminal() {
			live = append(live, a)
		}
	}
	return live
}

// newAttemptLocked creates the next attempt and asks the launch subsystem to
// place it.
func (t *Task) newAttemptLocked() []core.Event {
	a := &attemptRecord{
		id:        core.NewAttemptID(t.id, t.nextAttempt),
		state:     core.AttemptStateScheduled,
		startTime: time.Now(),
	}
	t.nextAttempt++
	t.attempts = append(t.attempts, a)
	return []core.Event{core.LaunchEvent{
		Kind:     core.LaunchEventRequest,
		Attempt:  a.id,
		Priority: t.priority,
	}}
}

func (t *Task) attemptCompletedEvent(a *attemptRecord, state core.AttemptState) core.Event {
	return core.JobEvent{
		Job:  t.id.Job,
		Kind: core.JobEventTaskAttemptCompleted,
		Attempt: core.AttemptCompletion{
			Attempt: a.id,
			State:   state,
			Node:    a.node,
		},
	}
}

// completionEventLocked reports the task's terminal state to the job, at
// most once per completion generation.
func (t *Task) completionEventLocked(state core.TaskState) []core.Event {
	if t.completionSent {
		return nil
	}
	t.completionSent = true
	return []core.Event{core.JobEvent{
		Job:  t.id.Job,
		Kind: core.JobEventTaskCompleted,
		Task: core.TaskCompletion{Task: t.id, State: state},
	}}
}

func (t *Task) onSchedule() []core.Event {
	if t.state != core.TaskStateNew {
		t.logger.Warn("ignoring schedule in state",
			"task", t.id.String(), "state", string(t.state))
		return nil
	}
	t.state = core.TaskStateScheduled
	return t.newAttemptLocked()
}

func (t *Task) onAttemptRunning(ev core.TaskEvent) []core.Event {
	a := t.attempt(ev.Attempt)
	if a == nil || a.state != core.AttemptStateScheduled {
		return nil
	}
	a.state = core.AttemptStateRunning
	a.node = ev.Node
	if t.state == core.TaskStateScheduled {
		t.state = core.TaskStateRunning
	}
	return nil
}

func (t *Task) onAttemptSucceeded(ev core.TaskEvent) []core.Event {
	a := t.attempt(ev.Attempt)
	if a == nil || a.state.Terminal() {
		return nil
	}
	if ev.Node != uuid.Nil {
		a.node = ev.Node
	}

	if t.killing {
		a.state = core.AttemptStateKilled
		a.finishTime = time.Now()
		out := []core.Event{
			core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
			t.attemptCompletedEvent(a, core.AttemptStateKilled),
		}
		return append(out, t.maybeFinishKillLocked()...)
	}

	// Executors report at least once; a repeated success for the attempt
	// whose commit is already in flight changes nothing.
	if t.commitPending != nil && *t.commitPending == a.id {
		return nil
	}

	// A sibling already won or is committing; this attempt loses.
	if t.winner != nil || t.commitPending != nil {
		a.state = core.AttemptStateKilled
		a.finishTime = time.Now()
		return []core.Event{
			core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
			t.attemptCompletedEvent(a, core.AttemptStateKilled),
		}
	}

	t.commitPending = &a.id
	return []core.Event{core.CommitterEvent{
		Job:     t.id.Job,
		Kind:    core.CommitterEventCommitTask,
		Attempt: a.id,
	}}
}

func (t *Task) onCommitSucceeded(ev core.TaskEvent) []core.Event {
	if t.commitPending == nil || *t.commitPending != ev.Attempt {
		t.logger.Warn("ignoring stale commit result",
			"task", t.id.String(), "attempt", ev.Attempt.String())
		return nil
	}
	a := t.attempt(ev.Attempt)
	t.commitPending = nil

	if t.killing {
		a.state = core.AttemptStateKilled
		a.finishTime = time.Now()
		out := []core.Event{
			core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
			t.attemptCompletedEvent(a, core.AttemptStateKilled),
		}
		return append(out, t.maybeFinishKillLocked()...)
	}

	t.winner = &a.id
	a.state = core.AttemptStateSucceeded
	a.finishTime = time.Now()
	t.state = core.TaskStateSucceeded

	out := []core.Event{t.attemptCompletedEvent(a, core.AttemptStateSucceeded)}
	for _, loser := range t.liveAttempts() {
		loser.state = core.AttemptStateKilled
		loser.finishTime = time.Now()
		out = append(out,
			core.LaunchEvent{Kind: core.LaunchEventKill, Attempt: loser.id},
			core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: loser.id},
			t.attemptCompletedEvent(loser, core.AttemptStateKilled),
		)
	}
	return append(out, t.completionEventLocked(core.TaskStateSucceeded)...)
}

func (t *Task) onCommitFailed(ev core.TaskEvent) []core.Event {
	if t.commitPending == nil || *t.commitPending != ev.Attempt {
		t.logger.Warn("ignoring stale commit failure",
			"task", t.id.String(), "attempt", ev.Attempt.String())
		return nil
	}
	a := t.attempt(ev.Attempt)
	t.commitPending = nil
	a.state = core.AttemptStateFailed
	a.diagnostic = ev.Diagnostic
	a.finishTime = time.Now()

	out := []core.Event{t.attemptCompletedEvent(a, core.AttemptStateFailed)}
	if t.killing {
		return append(out, t.maybeFinishKillLocked()...)
	}
	t.failed++
	if t.failed >= t.maxAttempts {
		return append(out, t.failTaskLocked()...)
	}
	return append(out, t.newAttemptLocked()...)
}

func (t *Task) onAttemptFailed(ev core.TaskEvent) []core.Event {
	a := t.attempt(ev.Attempt)
	if a == nil || a.state.Terminal() {
		return nil
	}
	// A failure reported after the task succeeded changes nothing; lost map
	// output is handled through node updates, not attempt reports.
	if t.state.Terminal() {
		return nil
	}
	a.state = core.AttemptStateFailed
	a.diagnostic = ev.Diagnostic
	a.finishTime = time.Now()
	if t.commitPending != nil && *t.commitPending == a.id {
		t.commitPending = nil
	}

	out := []core.Event{t.attemptCompletedEvent(a, core.AttemptStateFailed)}
	if t.killing {
		return append(out, t.maybeFinishKillLocked()...)
	}
	t.failed++
	if t.failed >= t.maxAttempts {
		return append(out, t.failTaskLocked()...)
	}
	return append(out, t.newAttemptLocked()...)
}

func (t *Task) onAttemptKilled(ev core.TaskEvent) []core.Event {
	a := t.attempt(ev.Attempt)
	if a == nil || a.state.Terminal() {
		return nil
	}
	if t.state.Terminal() {
		return nil
	}
	a.state = core.AttemptStateKilled
	a.diagnostic = ev.Diagnostic
	a.finishTime = time.Now()
	if t.commitPending != nil && *t.commitPending == a.id {
		t.commitPending = nil
	}

	out := []core.Event{
		core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
		t.attemptCompletedEvent(a, core.AttemptStateKilled),
	}
	if t.killing {
		return append(out, t.maybeFinishKillLocked()...)
	}
	// Killed attempts do not count against the failure budget but still
	// need a replacement.
	return append(out, t.newAttemptLocked()...)
}

func (t *Task) onKill() []core.Event {
	if t.state.Terminal() {
		return nil
	}
	if t.state == core.TaskStateNew {
		t.state = core.TaskStateKilled
		return t.completionEventLocked(core.TaskStateKilled)
	}
	if t.killing {
		return nil
	}
	t.killing = true
	live := t.liveAttempts()
	if len(live) == 0 {
		return t.finishKilledLocked()
	}
	var out []core.Event
	for _, a := range live {
		out = append(out, core.LaunchEvent{Kind: core.LaunchEventKill, Attempt: a.id})
	}
	return out
}

func (t *Task) onAddSpeculative() []core.Event {
	if t.state != core.TaskStateRunning || t.killing ||
		t.winner != nil || t.commitPending != nil {
		return nil
	}
	if len(t.liveAttempts()) >= 2 {
		return nil
	}
	return t.newAttemptLocked()
}

// onAttemptKill revokes a successful attempt whose node was lost. The task
// discards the attempt's output claim, reschedules, and tells the job that
// a previously complete map must be counted as running again.
func (t *Task) onAttemptKill(ev core.TaskEvent) []core.Event {
	a := t.attempt(ev.Attempt)
	if a == nil {
		return nil
	}
	if t.state != core.TaskStateSucceeded || t.winner == nil || *t.winner != ev.Attempt {
		t.logger.Warn("ignoring revocation of non-winning attempt",
			"task", t.id.String(), "attempt", ev.Attempt.String())
		return nil
	}
	a.state = core.AttemptStateKilled
	a.diagnostic = ev.Diagnostic
	a.finishTime = time.Now()
	t.winner = nil
	t.completionSent = false
	t.state = core.TaskStateScheduled

	out := []core.Event{
		core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
		core.JobEvent{Job: t.id.Job, Kind: core.JobEventMapTaskRescheduled, Rescheduled: t.id},
	}
	return append(out, t.newAttemptLocked()...)
}

func (t *Task) maybeFinishKillLocked() []core.Event {
	if !t.killing || t.state.Terminal() {
		return nil
	}
	if len(t.liveAttempts()) > 0 {
		return nil
	}
	return t.finishKilledLocked()
}

func (t *Task) finishKilledLocked() []core.Event {
	t.state = core.TaskStateKilled
	return t.completionEventLocked(core.TaskStateKilled)
}

func (t *Task) failTaskLocked() []core.Event {
	t.state = core.TaskStateFailed
	var out []core.Event
	for _, a := range t.liveAttempts() {
		a.state = core.AttemptStateKilled
		a.finishTime = time.Now()
		out = append(out,
			core.LaunchEvent{Kind: core.LaunchEventKill, Attempt: a.id},
			core.CommitterEvent{Job: t.id.Job, Kind: core.CommitterEventAbortTask, Attempt: a.id},
		)
	}
	return append(out, t.completionEventLocked(core.TaskStateFailed)...)
}
