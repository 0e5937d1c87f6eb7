package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/task"
)

// uberPriorityBoost lifts attempts of jobs small enough to be classified
// uber ahead of regular traffic in the launch queue.
const uberPriorityBoost = 100

// Handle applies one job event. Follow-up events are published after the
// transition completes so handlers running inline never re-enter the job.
func (j *Job) Handle(event core.Event) {
	ev, ok := event.(core.JobEvent)
	if !ok || ev.Job != j.id {
		return
	}
	j.mu.Lock()
	out := j.applySafe(ev)
	j.mu.Unlock()
	for _, e := range out {
		j.sink.Publish(e)
	}
}

// applySafe turns a panicking transition into an internal error instead of
// taking down the dispatcher.
func (j *Job) applySafe(ev core.JobEvent) (out []core.Event) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("job transition panicked",
				"job", j.id.String(), "event", string(ev.Kind), "panic", r)
			if !j.state.Terminal() {
				out = j.toErrorLocked(fmt.Sprintf("internal error handling %s: %v", ev.Kind, r))
			}
		}
	}()
	return j.apply(ev)
}

func (j *Job) apply(ev core.JobEvent) []core.Event {
	switch ev.Kind {
	case core.JobEventDiagnosticUpdate:
		j.addDiagnosticLocked(ev.Diagnostic)
		return nil
	case core.JobEventInternalError:
		if j.state.Terminal() {
			return nil
		}
		return j.toErrorLocked(ev.Diagnostic)
	case core.JobEventReboot:
		if j.state.Terminal() {
			return nil
		}
		return j.toRebootLocked()
	}

	switch j.state {
	case core.JobInternalNew:
		switch ev.Kind {
		case core.JobEventInit:
			return j.onInit()
		case core.JobEventKill:
			j.addDiagnosticLocked("job received kill in NEW state")
			j.setStateLocked(core.JobInternalKilled)
			return nil
		}

	case core.JobInternalInited:
		switch ev.Kind {
		case core.JobEventStart:
			return j.onStart()
		case core.JobEventKill:
			return j.toKillAbortLocked()
		}

	case core.JobInternalSetup:
		switch ev.Kind {
		case core.JobEventSetupCompleted:
			return j.onSetupCompleted()
		case core.JobEventSetupFailed:
			j.addDiagnosticLocked(ev.Diagnostic)
			return j.toFailAbortLocked()
		case core.JobEventKill:
			return j.toKillAbortLocked()
		}

	case core.JobInternalRunning:
		switch ev.Kind {
		case core.JobEventTaskAttemptCompleted:
			j.bookAttemptLocked(ev.Attempt)
			return nil
		case core.JobEventTaskCompleted:
			return j.onTaskCompletedRunning(ev.Task)
		case core.JobEventMapTaskRescheduled:
			j.succeededMaps--
			j.completed--
			return nil
		case core.JobEventUpdatedNodes:
			return j.onUpdatedNodes(ev.Nodes)
		case core.JobEventKill:
			return j.onKillRunning()
		}

	case core.JobInternalCommitting:
		switch ev.Kind {
		case core.JobEventCommitCompleted:
			j.setStateLocked(core.JobInternalSucceeded)
			return nil
		case core.JobEventCommitFailed:
			j.addDiagnosticLocked(ev.Diagnostic)
			return j.toFailAbortLocked()
		case core.JobEventKill:
			return j.toKillAbortLocked()
		case core.JobEventTaskAttemptCompleted,
			core.JobEventTaskCompleted,
			core.JobEventMapTaskRescheduled:
			// Stragglers killed on the way into commit; nothing left
			// to account for.
			return nil
		}

	case core.JobInternalFailWait:
		switch ev.Kind {
		case core.JobEventTaskAttemptCompleted:
			j.bookAttemptLocked(ev.Attempt)
			return nil
		case core.JobEventTaskCompleted:
			j.countCompletionLocked(ev.Task)
			if j.completed >= j.totalTasks() {
				return j.toFailAbortLocked()
			}
			return nil
		case core.JobEventFailWaitTimedOut:
			j.addDiagnosticLocked("timed out waiting for tasks to be killed before aborting")
			return j.toFailAbortLocked()
		case core.JobEventKill:
			return j.killShortCircuitLocked()
		}

	case core.JobInternalFailAbort:
		switch ev.Kind {
		case core.JobEventAbortCompleted:
			j.setStateLocked(core.JobInternalFailed)
			return nil
		case core.JobEventKill:
			return j.killShortCircuitLocked()
		case core.JobEventTaskCompleted:
			j.countCompletionLocked(ev.Task)
			return nil
		}

	case core.JobInternalKillWait:
		switch ev.Kind {
		case core.JobEventTaskAttemptCompleted:
			j.bookAttemptLocked(ev.Attempt)
			return nil
		case core.JobEventTaskCompleted:
			j.countCompletionLocked(ev.Task)
			if j.completed >= j.totalTasks() {
				return j.toKillAbortLocked()
			}
			return nil
		case core.JobEventKill:
			return nil
		}

	case core.JobInternalKillAbort:
		switch ev.Kind {
		case core.JobEventAbortCompleted:
			j.setStateLocked(core.JobInternalKilled)
			return nil
		case core.JobEventKill:
			return j.killShortCircuitLocked()
		case core.JobEventCommitCompleted, core.JobEventCommitFailed:
			// A commit cancelled by the kill may still report.
			return nil
		case core.JobEventTaskCompleted:
			j.countCompletionLocked(ev.Task)
			return nil
		}
	}

	j.logger.Warn("ignoring job event in current state",
		"job", j.id.String(), "state", string(j.state), "event", string(ev.Kind))
	return nil
}

// onInit expands the input into splits and builds the task set. Failures
// leave the job in NEW with a diagnostic; a later kill is the only way out.
func (j *Job) onInit() []core.Event {
	splits, err := core.ComputeSplits(j.spec.InputPatterns)
	if err != nil {
		j.addDiagnosticLocked(fmt.Sprintf("job init failed: %v", err))
		return nil
	}
	if meta := core.SplitsMetaSize(splits); meta > j.conf.MaxSplitMetaSize {
		j.addDiagnosticLocked(fmt.Sprintf(
			"split metadata size %d exceeds limit %d", meta, j.conf.MaxSplitMetaSize))
		return nil
	}
	j.splits = splits
	j.mapTotal = len(splits)
	j.reduceTotal = j.spec.Reducers
	j.uber = j.uberConf.Enabled &&
		j.mapTotal <= j.uberConf.MaxMaps &&
		j.reduceTotal <= j.uberConf.MaxReduces &&
		core.SplitsTotalBytes(splits) <= j.uberConf.MaxBytes
	j.buildTasksLocked()
	j.setStateLocked(core.JobInternalInited)
	j.logger.Info("job initialized",
		"job", j.id.String(), "maps", j.mapTotal, "reduces", j.reduceTotal, "uber", j.uber)
	return nil
}

func (j *Job) buildTasksLocked() {
	priority := j.priority
	if j.uber {
		priority += uberPriorityBoost
	}
	addTask := func(id core.TaskID, params task.Params) {
		if attempt, ok := j.recovered[id]; ok {
			j.tasks[id] = task.NewRecovered(params, attempt)
		} else {
			j.tasks[id] = task.New(params)
		}
		j.taskOrder = append(j.taskOrder, id)
	}
	for i, split := range j.splits {
		id := core.NewTaskID(j.id, core.TaskKindMap, i)
		addTask(id, task.Params{
			ID:          id,
			Split:       split,
			MaxAttempts: j.conf.MaxMapAttempts,
			Priority:    priority,
			Sink:        j.sink,
			Logger:      j.logger,
		})
	}
	for r := 0; r < j.reduceTotal; r++ {
		id := core.NewTaskID(j.id, core.TaskKindReduce, r)
		addTask(id, task.Params{
			ID:          id,
			Partition:   r,
			MaxAttempts: j.conf.MaxReduceAttempts,
			Priority:    priority,
			Sink:        j.sink,
			Logger:      j.logger,
		})
	}
}

func (j *Job) onStart() []core.Event {
	j.startTime = time.Now()
	j.setStateLocked(core.JobInternalSetup)
	return []core.Event{core.CommitterEvent{Job: j.id, Kind: core.CommitterEventSetupJob}}
}

// onSetupCompleted schedules the tasks. Recovered tasks are counted straight
// away; a job with nothing left to run commits immediately.
func (j *Job) onSetupCompleted() []core.Event {
	j.setStateLocked(core.JobInternalRunning)
	var out []core.Event
	for _, id := range j.taskOrder {
		if _, ok := j.recovered[id]; ok {
			j.completed++
			if id.Kind == core.TaskKindMap {
				j.succeededMaps++
			} else {
				j.succeededReduces++
			}
			continue
		}
		out = append(out, core.TaskEvent{Task: id, Kind: core.TaskEventSchedule})
	}
	return append(out, j.checkCompletionLocked()...)
}

func (j *Job) onTaskCompletedRunning(tc core.TaskCompletion) []core.Event {
	j.countCompletionLocked(tc)
	if tc.State == core.TaskStateFailed {
		j.addDiagnosticLocked(fmt.Sprintf("task %s failed", tc.Task.String()))
		return j.toFailWaitLocked()
	}
	return j.checkCompletionLocked()
}

func (j *Job) countCompletionLocked(tc core.TaskCompletion) {
	j.completed++
	switch tc.State {
	case core.TaskStateSucceeded:
		if tc.Task.Kind == core.TaskKindMap {
			j.succeededMaps++
		} else {
			j.succeededReduces++
		}
	case core.TaskStateFailed:
		j.failedTasks++
	}
}

// checkCompletionLocked moves a running job into commit once nothing more
// needs to run. When every reducer is done the remaining maps are killed
// without waiting for their acknowledgements.
func (j *Job) checkCompletionLocked() []core.Event {
	if j.state != core.JobInternalRunning {
		return nil
	}
	if j.conf.FinishWhenReducersDone && j.reduceTotal > 0 &&
		j.succeededReduces == j.reduceTotal {
		out := j.killTasksLocked()
		return append(out, j.toCommittingLocked()...)
	}
	if j.succeededMaps == j.mapTotal && j.succeededReduces == j.reduceTotal {
		return j.toCommittingLocked()
	}
	return nil
}

func (j *Job) onKillRunning() []core.Event {
	j.setStateLocked(core.JobInternalKillWait)
	out := j.killTasksLocked()
	if j.completed >= j.totalTasks() {
		return append(out, j.toKillAbortLocked()...)
	}
	return out
}

func (j *Job) bookAttemptLocked(ac core.AttemptCompletion) {
	if ac.State != core.AttemptStateSucceeded ||
		ac.Attempt.Task.Kind != core.TaskKindMap ||
		ac.Node == uuid.Nil {
		return
	}
	byTask := j.nodeAttempts[ac.Node]
	if byTask == nil {
		byTask = make(map[core.TaskID]core.AttemptID)
		j.nodeAttempts[ac.Node] = byTask
	}
	byTask[ac.Attempt.Task] = ac.Attempt
}

// onUpdatedNodes revokes succeeded map output living on nodes that became
// unusable. Each node's bookkeeping is consumed so a repeated report cannot
// revoke twice.
func (j *Job) onUpdatedNodes(nodes []core.NodeReport) []core.Event {
	var out []core.Event
	for _, n := range nodes {
		if n.State.Usable() {
			continue
		}
		for taskID, attemptID := range j.nodeAttempts[n.ID] {
			out = append(out, core.TaskEvent{
				Task:       taskID,
				Kind:       core.TaskEventAttemptKill,
				Attempt:    attemptID,
				Diagnostic: fmt.Sprintf("node %s became unusable", n.ID),
			})
		}
		delete(j.nodeAttempts, n.ID)
	}
	return out
}

func (j *Job) toFailWaitLocked() []core.Event {
	j.setStateLocked(core.JobInternalFailWait)
	out := j.killTasksLocked()
	if j.completed >= j.totalTasks() {
		return append(out, j.toFailAbortLocked()...)
	}
	j.failWaitTimer = time.AfterFunc(j.conf.FailWaitTimeout, func() {
		j.sink.Publish(core.JobEvent{Job: j.id, Kind: core.JobEventFailWaitTimedOut})
	})
	return out
}

func (j *Job) toFailAbortLocked() []core.Event {
	j.cancelFailWaitLocked()
	j.setStateLocked(core.JobInternalFailAbort)
	return []core.Event{core.CommitterEvent{
		Job:        j.id,
		Kind:       core.CommitterEventAbortJob,
		FinalState: core.JobStateFailed,
	}}
}

func (j *Job) toKillAbortLocked() []core.Event {
	j.cancelFailWaitLocked()
	j.setStateLocked(core.JobInternalKillAbort)
	return []core.Event{core.CommitterEvent{
		Job:        j.id,
		Kind:       core.CommitterEventAbortJob,
		FinalState: core.JobStateKilled,
	}}
}

func (j *Job) toCommittingLocked() []core.Event {
	j.setStateLocked(core.JobInternalCommitting)
	return []core.Event{core.CommitterEvent{Job: j.id, Kind: core.CommitterEventCommitJob}}
}

// killShortCircuitLocked finishes a job that is already failing or aborting
// when the user kills it. The in-flight abort is left to run out; the job
// does not wait for it.
func (j *Job) killShortCircuitLocked() []core.Event {
	j.cancelFailWaitLocked()
	j.addDiagnosticLocked("job killed while already shutting down")
	j.setStateLocked(core.JobInternalKilled)
	return nil
}

func (j *Job) toErrorLocked(diagnostic string) []core.Event {
	j.cancelFailWaitLocked()
	if diagnostic != "" {
		j.addDiagnosticLocked(diagnostic)
	}
	j.setStateLocked(core.JobInternalError)
	return nil
}

func (j *Job) toRebootLocked() []core.Event {
	j.cancelFailWaitLocked()
	j.addDiagnosticLocked("controller reboot requested; job state is lost")
	j.setStateLocked(core.JobInternalReboot)
	return nil
}

func (j *Job) killTasksLocked() []core.Event {
	var out []core.Event
	for _, id := range j.taskOrder {
		t, ok := j.tasks[id]
		if !ok || t.State().Terminal() {
			continue
		}
		out = append(out, core.TaskEvent{Task: id, Kind: core.TaskEventKill})
	}
	return out
}

func (j *Job) totalTasks() int { return j.mapTotal + j.reduceTotal }

func (j *Job) addDiagnosticLocked(d string) {
	if d == "" {
		return
	}
	j.diagnostics = append(j.diagnostics, d)
}

func (j *Job) cancelFailWaitLocked() {
	if j.failWaitTimer != nil {
		j.failWaitTimer.Stop()
		j.failWaitTimer = nil
	}
}

func (j *Job) setStateLocked(s core.JobStateInternal) {
	if s == j.state {
		return
	}
	j.logger.Info("job state transition",
		"job", j.id.String(), "from", string(j.state), "to", string(s))
	j.state = s
	if ext := s.External(); !ext.Terminal() {
		j.lastNonFinal = ext
	}
	if s.Terminal() && j.finishTime.IsZero() {
		j.finishTime = time.Now()
	}
}
