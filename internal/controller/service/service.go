// Package service is the controller's front door. Submissions, job control,
// attempt traffic from executors and node liveness all pass through here and
// are turned into events on the dispatch fabric; the state machines do the
// rest.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/gridmr/gridmr/internal/controller/commit"
	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/dispatch"
	"github.com/gridmr/gridmr/internal/controller/job"
	"github.com/gridmr/gridmr/internal/controller/output"
	"github.com/gridmr/gridmr/internal/controller/storage"
	"github.com/gridmr/gridmr/internal/controller/task"
	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrTaskNotFound = errors.New("task not found")
	ErrJobFinished  = errors.New("job already finished")
)

// AttemptAssignment is everything an executor needs to run one attempt.
type AttemptAssignment struct {
	Attempt   core.AttemptID
	Kind      core.TaskKind
	Split     core.Split
	Partition int
	Reducers  int
	OutputDir string
	WorkDir   string
	Priority  int
}

// AttemptStatus is an executor's report of an attempt transition.
type AttemptStatus struct {
	Attempt    core.AttemptID
	State      core.AttemptState
	Node       uuid.UUID
	Diagnostic string
}

// workPathProvider is implemented by committers that stage attempt output in
// a per-attempt work directory.
type workPathProvider interface {
	WorkPath(attempt core.AttemptID) string
}

// Observer receives job and task lifecycle outcomes for instrumentation.
// All methods may be called from the dispatch goroutine and must not block.
type Observer interface {
	JobSubmitted()
	JobFinished(state string, duration time.Duration)
	TaskFinished(kind, state string)
}

// Params wires the controller service together.
type Params struct {
	Conf       config.ControllerConfig
	Fs         afero.Fs
	Dispatcher dispatch.Dispatcher

	// ClusterTimestamp identifies this controller deployment; it is the
	// first component of every job id. AppAttempt is the controller
	// generation, incremented across restarts so committed task output of
	// the previous generation can be recovered.
	ClusterTimestamp int64
	AppAttempt       int

	CommitObserver commit.Observer
	Observer       Observer
	Logger         logging.Logger
}

// Controller owns the registries and the launch queue, routes events to the
// job and task state machines, and resolves committers for the commit
// handler.
type Controller struct {
	conf     config.ControllerConfig
	fs       afero.Fs
	sink     core.EventSink
	jobs     *storage.JobRegistry
	nodes    *storage.NodeRegistry
	queue    *storage.LaunchQueue
	commit   *commit.Handler
	observer Observer
	logger   logging.Logger

	clusterTimestamp int64
	appAttempt       int

	mu            sync.Mutex
	seq           int
	committers    map[core.JobID]core.Committer
	assigned      map[core.AttemptID]uuid.UUID
	killRequested map[core.AttemptID]bool
	finalized     map[core.JobID]bool
}

func New(p Params) *Controller {
	c := &Controller{
		conf:             p.Conf,
		fs:               p.Fs,
		sink:             p.Dispatcher,
		jobs:             storage.NewJobRegistry(),
		nodes:            storage.NewNodeRegistry(),
		queue:            storage.NewLaunchQueue(),
		observer:         p.Observer,
		logger:           p.Logger,
		clusterTimestamp: p.ClusterTimestamp,
		appAttempt:       p.AppAttempt,
		committers:       make(map[core.JobID]core.Committer),
		assigned:         make(map[core.AttemptID]uuid.UUID),
		killRequested:    make(map[core.AttemptID]bool),
		finalized:        make(map[core.JobID]bool),
	}
	c.commit = commit.NewHandler(
		p.Dispatcher, c, p.Conf.Committer.CancelTimeout, p.CommitObserver, p.Logger)

	p.Dispatcher.Register(core.TopicJob, dispatch.HandlerFunc(c.handleJobEvent))
	p.Dispatcher.Register(core.TopicTask, dispatch.HandlerFunc(c.handleTaskEvent))
	p.Dispatcher.Register(core.TopicCommitter, c.commit)
	p.Dispatcher.Register(core.TopicLaunch, dispatch.HandlerFunc(c.handleLaunchEvent))
	p.Dispatcher.Register(core.TopicNode, dispatch.HandlerFunc(c.handleNodeEvent))
	return c
}

// Stop shuts down the commit handler. The dispatcher is owned by the caller.
func (c *Controller) Stop() {
	c.commit.Stop()
}

// Publish forwards an event to the dispatch fabric, letting API layers feed
// the same topics the state machines use.
func (c *Controller) Publish(event core.Event) {
	c.sink.Publish(event)
}

// SubmitJob validates the spec, builds the job and its committer, recovers
// committed output from the previous controller generation, registers the
// job and kicks off init and start.
func (c *Controller) SubmitJob(ctx context.Context, spec core.JobSpec) (core.JobID, error) {
	if err := spec.Validate(); err != nil {
		return core.JobID{}, err
	}

	c.mu.Lock()
	c.seq++
	id := core.NewJobID(c.clusterTimestamp, c.seq)
	c.mu.Unlock()

	committer, err := output.NewFileCommitter(c.fs, spec.OutputDir, c.appAttempt, output.Options{
		AlgorithmVersion:   c.conf.Committer.AlgorithmVersion,
		CleanupTaskOutput:  c.conf.Committer.TaskCleanup,
		FailureAttempts:    c.conf.Committer.FailureAttempts,
		MarkSuccessfulJobs: c.conf.Committer.MarkSuccessfulJobs,
	}, c.logger)
	if err != nil {
		return core.JobID{}, fmt.Errorf("building committer: %w", err)
	}

	j := job.New(job.Params{
		ID:     id,
		Spec:   spec,
		Conf:   c.conf.Job,
		Uber:   c.conf.Uber,
		Sink:   c.sink,
		Logger: c.logger,
	})

	if c.appAttempt > 0 && committer.IsRecoverySupported() {
		j.SeedRecovered(c.recoverTasks(ctx, id, committer))
	}

	c.mu.Lock()
	c.committers[id] = committer
	c.mu.Unlock()
	if err := c.jobs.Add(j); err != nil {
		return core.JobID{}, err
	}

	c.logger.Info("job submitted",
		"job_id", id.String(), "name", spec.Name, "user", spec.User,
		"reducers", spec.Reducers, "output_dir", spec.OutputDir)
	if c.observer != nil {
		c.observer.JobSubmitted()
	}

	c.sink.Publish(core.JobEvent{Job: id, Kind: core.JobEventInit})
	c.sink.Publish(core.JobEvent{Job: id, Kind: core.JobEventStart})
	return id, nil
}

// recoverTasks replays the previous generation's committed task output
// through the committer. Tasks that fail to recover simply rerun.
func (c *Controller) recoverTasks(ctx context.Context, id core.JobID, committer *output.FileCommitter) map[core.TaskID]core.AttemptID {
	committed, err := committer.PreviousCommittedTasks(ctx)
	if err != nil {
		c.logger.Warn("listing recoverable tasks failed", "job_id", id.String(), "error", err)
		return nil
	}
	recovered := make(map[core.TaskID]core.AttemptID)
	for _, tid := range committed {
		if tid.Job != id {
			continue
		}
		attempt := core.NewAttemptID(tid, 0)
		if err := committer.RecoverTask(ctx, attempt); err != nil {
			c.logger.Warn("task recovery failed, task will rerun",
				"task", tid.String(), "error", err)
			continue
		}
		recovered[tid] = attempt
	}
	if len(recovered) > 0 {
		c.logger.Info("recovered committed task output",
			"job_id", id.String(), "tasks", len(recovered))
	}
	return recovered
}

func (c *Controller) GetJob(id core.JobID) (*job.Job, error) {
	return c.jobs.Get(id)
}

func (c *Controller) ListJobs() []*job.Job {
	return c.jobs.List()
}

func (c *Controller) TaskReports(id core.JobID) ([]core.TaskReport, error) {
	j, err := c.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	return j.TaskReports(), nil
}

// KillJob asks the job to shut down. Killing an already finished job is a
// no-op rather than an error.
func (c *Controller) KillJob(id core.JobID, user string) error {
	j, err := c.jobs.Get(id)
	if err != nil {
		return err
	}
	if !j.CheckAccess(user, core.ACLModifyJob) {
		return ErrAccessDenied
	}
	c.logger.Info("kill requested", "job_id", id.String(), "user", user)
	c.sink.Publish(core.JobEvent{
		Job:        id,
		Kind:       core.JobEventDiagnosticUpdate,
		Diagnostic: fmt.Sprintf("kill requested by %s", user),
	})
	c.sink.Publish(core.JobEvent{Job: id, Kind: core.JobEventKill})
	return nil
}

// SetJobPriority updates the job's priority. Attempts already queued keep
// the priority they were requested with; only future launches see the new
// value.
func (c *Controller) SetJobPriority(id core.JobID, user string, priority int) error {
	j, err := c.jobs.Get(id)
	if err != nil {
		return err
	}
	if !j.CheckAccess(user, core.ACLModifyJob) {
		return ErrAccessDenied
	}
	if j.InternalState().Terminal() {
		return ErrJobFinished
	}
	j.SetPriority(priority)
	c.logger.Info("job priority updated",
		"job_id", id.String(), "user", user, "priority", priority)
	return nil
}

// NextAttempt hands the highest-priority queued attempt to the polling
// executor, setting up its committer work directory. Returns nil when
// nothing is ready: reduces hold until every map of their job committed.
func (c *Controller) NextAttempt(ctx context.Context, node uuid.UUID) (*AttemptAssignment, error) {
	if node != uuid.Nil {
		c.nodes.Heartbeat(node, "", time.Now())
	}
	for {
		assignment, failure, done := c.tryAssign(ctx, node)
		if failure != nil {
			// Publish outside the service lock; with an inline
			// dispatcher this cascades straight back into us.
			c.sink.Publish(*failure)
			continue
		}
		if done {
			return assignment, nil
		}
	}
}

// tryAssign pops one usable queue entry under the service lock. It never
// publishes. The returned failure event, if any, reports a committer setup
// error for the popped attempt; done=false means the caller should retry.
func (c *Controller) tryAssign(ctx context.Context, node uuid.UUID) (*AttemptAssignment, *core.TaskEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		top, err := c.queue.Top()
		if err != nil {
			return nil, nil, true
		}
		j, jerr := c.jobs.Get(top.Attempt.Task.Job)
		var t *task.Task
		stale := jerr != nil
		if !stale {
			stale = j.InternalState().Terminal()
		}
		if !stale {
			var ok bool
			t, ok = j.Task(top.Attempt.Task)
			stale = !ok || t.State().Terminal()
		}
		if stale {
			c.queue.Pop()
			delete(c.killRequested, top.Attempt)
			continue
		}
		if top.Attempt.Task.Kind == core.TaskKindReduce && !mapPhaseDone(j) {
			return nil, nil, true
		}

		c.queue.Pop()
		committer := c.committers[top.Attempt.Task.Job]
		workDir := ""
		if committer != nil {
			if err := committer.SetupTask(ctx, top.Attempt); err != nil {
				failure := core.TaskEvent{
					Task:       top.Attempt.Task,
					Kind:       core.TaskEventAttemptFailed,
					Attempt:    top.Attempt,
					Diagnostic: fmt.Sprintf("task setup failed: %v", err),
				}
				return nil, &failure, false
			}
			if wp, ok := committer.(workPathProvider); ok {
				workDir = wp.WorkPath(top.Attempt)
			}
		}
		c.assigned[top.Attempt] = node
		spec := j.Spec()
		return &AttemptAssignment{
			Attempt:   top.Attempt,
			Kind:      top.Attempt.Task.Kind,
			Split:     t.Split(),
			Partition: t.Partition(),
			Reducers:  spec.Reducers,
			OutputDir: spec.OutputDir,
			WorkDir:   workDir,
			Priority:  top.Priority,
		}, nil, true
	}
}

func mapPhaseDone(j *job.Job) bool {
	r := j.Report()
	return r.Maps.Succeeded >= r.Maps.Total
}

// ReportAttempt ingests an executor's attempt transition and reports back
// whether the controller wants the attempt killed.
func (c *Controller) ReportAttempt(st AttemptStatus) (bool, error) {
	j, err := c.jobs.Get(st.Attempt.Task.Job)
	if err != nil {
		return false, err
	}
	if _, ok := j.Task(st.Attempt.Task); !ok {
		return false, ErrTaskNotFound
	}

	var kind core.TaskEventKind
	switch st.State {
	case core.AttemptStateRunning:
		kind = core.TaskEventAttemptRunning
	case core.AttemptStateSucceeded:
		kind = core.TaskEventAttemptSucceeded
	case core.AttemptStateFailed:
		kind = core.TaskEventAttemptFailed
	case core.AttemptStateKilled:
		kind = core.TaskEventAttemptKilled
	default:
		return false, fmt.Errorf("invalid attempt state report %q", st.State)
	}

	if st.Node != uuid.Nil {
		c.nodes.Heartbeat(st.Node, "", time.Now())
	}

	c.mu.Lock()
	killRequested := false
	if st.State == core.AttemptStateRunning {
		if st.Node != uuid.Nil {
			c.assigned[st.Attempt] = st.Node
		}
		killRequested = c.killRequested[st.Attempt]
	} else {
		delete(c.assigned, st.Attempt)
		delete(c.killRequested, st.Attempt)
	}
	c.mu.Unlock()

	c.sink.Publish(core.TaskEvent{
		Task:       st.Attempt.Task,
		Kind:       kind,
		Attempt:    st.Attempt,
		Node:       st.Node,
		Diagnostic: st.Diagnostic,
	})
	return killRequested, nil
}

// NodeHeartbeat registers or refreshes a node.
func (c *Controller) NodeHeartbeat(id uuid.UUID, hostname string) {
	if c.nodes.Heartbeat(id, hostname, time.Now()) {
		c.logger.Info("node registered", "node_id", id.String(), "hostname", hostname)
	}
}

// MarkNodeUnusable takes a node out of service and revokes work that lived
// on it. Repeated reports are no-ops.
func (c *Controller) MarkNodeUnusable(id uuid.UUID) error {
	wasUsable, err := c.nodes.MarkUnusable(id)
	if err != nil {
		return err
	}
	if wasUsable {
		c.handleNodeLoss(id)
	}
	return nil
}

func (c *Controller) ListNodes() []core.Node {
	return c.nodes.List()
}

// ExpireStaleNodes sweeps nodes whose heartbeat went stale. The node monitor
// calls this on a ticker.
func (c *Controller) ExpireStaleNodes(now time.Time) {
	for _, n := range c.nodes.ExpireStale(now, c.conf.Nodes.StaleTimeout) {
		c.logger.Warn("node heartbeat expired",
			"node_id", n.ID.String(), "hostname", n.Hostname,
			"last_heartbeat", n.LastHeartbeat)
		c.handleNodeLoss(n.ID)
	}
}

// handleNodeLoss tells every live job about the unusable node and
// acknowledges the kill of attempts assigned there, since the node will
// never report them again.
func (c *Controller) handleNodeLoss(id uuid.UUID) {
	report := []core.NodeReport{{ID: id, State: core.NodeStateUnusable}}
	for _, j := range c.jobs.List() {
		if j.InternalState().Terminal() {
			continue
		}
		c.sink.Publish(core.JobEvent{Job: j.ID(), Kind: core.JobEventUpdatedNodes, Nodes: report})
	}

	c.mu.Lock()
	var lost []core.AttemptID
	for attempt, n := range c.assigned {
		if n == id {
			lost = append(lost, attempt)
			delete(c.assigned, attempt)
			delete(c.killRequested, attempt)
		}
	}
	c.mu.Unlock()
	sort.Slice(lost, func(i, k int) bool { return lost[i].String() < lost[k].String() })

	for _, attempt := range lost {
		c.sink.Publish(core.TaskEvent{
			Task:       attempt.Task,
			Kind:       core.TaskEventAttemptKilled,
			Attempt:    attempt,
			Node:       id,
			Diagnostic: fmt.Sprintf("node %s became unusable", id),
		})
	}
}

// CommitterFor resolves the committer for a job; the commit handler calls
// this for every committer event.
func (c *Controller) CommitterFor(id core.JobID) (core.Committer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	committer, ok := c.committers[id]
	return committer, ok
}

func (c *Controller) handleJobEvent(event core.Event) {
	ev, ok := event.(core.JobEvent)
	if !ok {
		return
	}
	j, err := c.jobs.Get(ev.Job)
	if err != nil {
		c.logger.Warn("event for unknown job",
			"job_id", ev.Job.String(), "event", string(ev.Kind))
		return
	}
	j.Handle(ev)
	if j.InternalState().Terminal() {
		c.finalizeJob(j)
	}
}

func (c *Controller) handleTaskEvent(event core.Event) {
	ev, ok := event.(core.TaskEvent)
	if !ok {
		return
	}
	j, err := c.jobs.Get(ev.Task.Job)
	if err != nil {
		c.logger.Warn("event for unknown job",
			"task", ev.Task.String(), "event", string(ev.Kind))
		return
	}
	t, ok := j.Task(ev.Task)
	if !ok {
		c.logger.Warn("event for unknown task",
			"task", ev.Task.String(), "event", string(ev.Kind))
		return
	}
	t.Handle(ev)
}

func (c *Controller) handleLaunchEvent(event core.Event) {
	ev, ok := event.(core.LaunchEvent)
	if !ok {
		return
	}
	switch ev.Kind {
	case core.LaunchEventRequest:
		c.queue.Push(ev.Attempt, ev.Priority)
	case core.LaunchEventKill:
		if c.queue.Remove(ev.Attempt) {
			// Never handed out, so nothing will ever report it.
			c.sink.Publish(core.TaskEvent{
				Task:       ev.Attempt.Task,
				Kind:       core.TaskEventAttemptKilled,
				Attempt:    ev.Attempt,
				Diagnostic: "attempt withdrawn before launch",
			})
			return
		}
		c.mu.Lock()
		c.killRequested[ev.Attempt] = true
		c.mu.Unlock()
	}
}

func (c *Controller) handleNodeEvent(event core.Event) {
	ev, ok := event.(core.NodeEvent)
	if !ok {
		return
	}
	switch ev.Kind {
	case core.NodeEventHeartbeat:
		c.NodeHeartbeat(ev.Node, ev.Hostname)
	case core.NodeEventUnusable:
		if err := c.MarkNodeUnusable(ev.Node); err != nil {
			c.logger.Warn("unusable report for unknown node", "node_id", ev.Node.String())
		}
	}
}

// finalizeJob releases a job that reached a terminal state: its external
// state becomes visible and its commit worker goes away. Runs once per job.
func (c *Controller) finalizeJob(j *job.Job) {
	c.mu.Lock()
	if c.finalized[j.ID()] {
		c.mu.Unlock()
		return
	}
	c.finalized[j.ID()] = true
	c.mu.Unlock()

	j.MarkUnregistered()
	c.commit.ReleaseJob(j.ID())
	c.logger.Info("job finished",
		"job_id", j.ID().String(), "state", string(j.ExternalState()))

	if c.observer != nil {
		report := j.Report()
		finished := report.FinishTime
		if finished.IsZero() {
			finished = time.Now()
		}
		c.observer.JobFinished(string(report.State), finished.Sub(report.SubmitTime))
		for _, t := range j.TaskReports() {
			if t.State.Terminal() {
				c.observer.TaskFinished(string(t.Kind), string(t.State))
			}
		}
	}
}
