// Package job implements the job state machine. A job turns a submission
// into tasks, walks them through setup, execution and the two-phase output
// commit, and settles in exactly one terminal state. All interaction with
// tasks and the committer happens through published events.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/task"
	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

// Params configures a job.
type Params struct {
	ID         core.JobID
	Spec       core.JobSpec
	Conf       config.JobConfig
	Uber       config.UberConfig
	Sink       core.EventSink
	Logger     logging.Logger
	SubmitTime time.Time
}

// Job is one submitted job and its tasks.
type Job struct {
	id       core.JobID
	spec     core.JobSpec
	conf     config.JobConfig
	uberConf config.UberConfig
	sink     core.EventSink
	logger   logging.Logger

	mu           sync.Mutex
	state        core.JobStateInternal
	lastNonFinal core.JobState
	unregistered bool
	priority     int
	uber         bool
	diagnostics  []string

	splits    []core.Split
	tasks     map[core.TaskID]*task.Task
	taskOrder []core.TaskID
	recovered map[core.TaskID]core.AttemptID

	mapTotal, reduceTotal           int
	completed                       int
	succeededMaps, succeededReduces int
	failedTasks                     int

	// nodeAttempts tracks which node holds the output of each succeeded
	// map attempt, consumed once per node when the node becomes unusable.
	nodeAttempts map[uuid.UUID]map[core.TaskID]core.AttemptID

	failWaitTimer *time.Timer

	submitTime time.Time
	startTime  time.Time
	finishTime time.Time
}

// New returns a job in state NEW. Nothing happens until an init event
// arrives.
func New(p Params) *Job {
	submit := p.SubmitTime
	if submit.IsZero() {
		submit = time.Now()
	}
	return &Job{
		id:           p.ID,
		spec:         p.Spec,
		conf:         p.Conf,
		uberConf:     p.Uber,
		sink:         p.Sink,
		logger:       p.Logger,
		state:        core.JobInternalNew,
		lastNonFinal: core.JobStateNew,
		priority:     p.Spec.Priority,
		tasks:        make(map[core.TaskID]*task.Task),
		recovered:    make(map[core.TaskID]core.AttemptID),
		nodeAttempts: make(map[uuid.UUID]map[core.TaskID]core.AttemptID),
		submitTime:   submit,
	}
}

// SeedRecovered records task output carried over from a previous controller
// generation. Must be called before the init event; recovered tasks are
// constructed already succeeded and never scheduled.
func (j *Job) SeedRecovered(recovered map[core.TaskID]core.AttemptID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, attempt := range recovered {
		j.recovered[id] = attempt
	}
}

// ID returns the job identifier.
func (j *Job) ID() core.JobID { return j.id }

// Spec returns the submission this job was built from.
func (j *Job) Spec() core.JobSpec { return j.spec }

// InternalState returns the fine-grained state machine state.
func (j *Job) InternalState() core.JobStateInternal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// ExternalState returns the state reported to clients. Until the job has
// unregistered, a terminal outcome is held back and the last non-final
// state is reported instead.
func (j *Job) ExternalState() core.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.externalStateLocked()
}

func (j *Job) externalStateLocked() core.JobState {
	ext := j.state.External()
	if ext.Terminal() && !j.unregistered {
		return j.lastNonFinal
	}
	return ext
}

// MarkUnregistered flips the gate holding back terminal states. The service
// calls it once the job's resources are released and the outcome is safe to
// expose.
func (j *Job) MarkUnregistered() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.unregistered = true
}

// CheckAccess decides whether user may perform op on this job.
func (j *Job) CheckAccess(user string, op core.ACLOperation) bool {
	return core.CheckAccess(j.conf.ACLsEnabled, j.spec.User, j.spec.ACLs, user, op)
}

// Priority returns the launch priority.
func (j *Job) Priority() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

// SetPriority changes the launch priority for attempts created from now on.
func (j *Job) SetPriority(p int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.priority = p
}

// IsUber reports whether the job was classified as small enough for
// expedited placement.
func (j *Job) IsUber() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.uber
}

// Diagnostics returns a copy of the accumulated diagnostics.
func (j *Job) Diagnostics() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.diagnostics))
	copy(out, j.diagnostics)
	return out
}

// Task returns the task with the given id.
func (j *Job) Task(id core.TaskID) (*task.Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.tasks[id]
	return t, ok
}

// TaskReports snapshots every task in creation order.
func (j *Job) TaskReports() []core.TaskReport {
	j.mu.Lock()
	order := make([]core.TaskID, len(j.taskOrder))
	copy(order, j.taskOrder)
	tasks := j.tasks
	j.mu.Unlock()

	reports := make([]core.TaskReport, 0, len(order))
	for _, id := range order {
		if t, ok := tasks[id]; ok {
			reports = append(reports, t.Report())
		}
	}
	return reports
}

// Report snapshots the job for clients.
func (j *Job) Report() core.JobReport {
	j.mu.Lock()
	report := core.JobReport{
		ID:          j.id.String(),
		Name:        j.spec.Name,
		User:        j.spec.User,
		State:       j.externalStateLocked(),
		Priority:    j.priority,
		Uber:        j.uber,
		Diagnostics: append([]string(nil), j.diagnostics...),
		SubmitTime:  j.submitTime,
		StartTime:   j.startTime,
		FinishTime:  j.finishTime,
	}
	order := make([]core.TaskID, len(j.taskOrder))
	copy(order, j.taskOrder)
	tasks := j.tasks
	state := j.state
	mapTotal, reduceTotal := j.mapTotal, j.reduceTotal
	succeededMaps, succeededReduces := j.succeededMaps, j.succeededReduces
	j.mu.Unlock()

	for _, id := range order {
		t, ok := tasks[id]
		if !ok {
			continue
		}
		counts := &report.Maps
		if id.Kind == core.TaskKindReduce {
			counts = &report.Reduces
		}
		counts.Total++
		switch t.State() {
		case core.TaskStateSucceeded:
			counts.Succeeded++
		case core.TaskStateFailed:
			counts.Failed++
		case core.TaskStateKilled:
			counts.Killed++
		case core.TaskStateScheduled, core.TaskStateRunning:
			counts.Running++
		}
	}

	report.Progress = progressFor(state, mapTotal, reduceTotal, succeededMaps, succeededReduces)
	return report
}

func progressFor(state core.JobStateInternal, mapTotal, reduceTotal, succeededMaps, succeededReduces int) core.Progress {
	var p core.Progress
	switch state {
	case core.JobInternalNew, core.JobInternalInited, core.JobInternalSetup:
	default:
		p.Setup = 1
	}
	p.Map = fraction(succeededMaps, mapTotal)
	p.Reduce = fraction(succeededReduces, reduceTotal)
	if state == core.JobInternalSucceeded {
		p.Commit = 1
	}
	return p
}

func fraction(done, total int) float32 {
	if total == 0 {
		return 1
	}
	f := float32(done) / float32(total)
	if f > 1 {
		f = 1
	}
	return f
}
