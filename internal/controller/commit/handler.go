// Package commit drives output-committer operations off the controller's
// event loop. Each job gets a dedicated worker goroutine working a FIFO
// queue, so committer calls for one job never interleave while jobs stay
// independent of each other.
//
// Job aborts do not queue. An abort cancels the operation in flight, waits a
// bounded time for it to let go, then runs the abort itself under the same
// bound. The completion event is emitted no matter what, so an abort can
// never leave its job hanging short of a terminal state.
package commit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
	"github.com/gridmr/gridmr/pkg/stopwatch"
)

// Operation labels used for observing committer call durations.
const (
	OpSetupJob   = "setup_job"
	OpCommitTask = "commit_task"
	OpAbortTask  = "abort_task"
	OpCommitJob  = "commit_job"
	OpAbortJob   = "abort_job"
)

// Observer receives the duration of each completed committer operation.
type Observer func(op string, d time.Duration)

// CommitterSource resolves the committer serving a job.
type CommitterSource interface {
	CommitterFor(job core.JobID) (core.Committer, bool)
}

// Handler consumes committer events and reports outcomes back to the job and
// task topics.
type Handler struct {
	sink          core.EventSink
	source        CommitterSource
	cancelTimeout time.Duration
	observe       Observer
	logger        logging.Logger

	mu      sync.Mutex
	workers map[core.JobID]*jobWorker
	stopped bool
	wg      sync.WaitGroup
}

// NewHandler builds a handler publishing outcomes to sink. cancelTimeout
// bounds both the wait for a cancelled operation to return and the abort
// call itself. observe may be nil.
func NewHandler(sink core.EventSink, source CommitterSource, cancelTimeout time.Duration, observe Observer, logger logging.Logger) *Handler {
	return &Handler{
		sink:          sink,
		source:        source,
		cancelTimeout: cancelTimeout,
		observe:       observe,
		logger:        logger,
		workers:       make(map[core.JobID]*jobWorker),
	}
}

// Handle routes one committer event. Aborts bypass the job's queue; all
// other kinds are appended to it.
func (h *Handler) Handle(event core.Event) {
	ev, ok := event.(core.CommitterEvent)
	if !ok {
		h.logger.Warn("committer handler received foreign event",
			"topic", string(event.Topic()))
		return
	}
	w := h.workerFor(ev.Job)
	if w == nil {
		h.logger.Warn("committer event after handler stop",
			"job", ev.Job.String(), "kind", string(ev.Kind))
		return
	}
	if ev.Kind == core.CommitterEventAbortJob {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			w.abort(ev)
		}()
		return
	}
	w.enqueue(ev)
}

// Stop terminates the per-job workers after their queues drain and waits for
// in-flight aborts.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	workers := make([]*jobWorker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	h.wg.Wait()
}

// ReleaseJob stops the worker of a job that has unregistered. Events for the
// job arriving later recreate it.
func (h *Handler) ReleaseJob(job core.JobID) {
	h.mu.Lock()
	w := h.workers[job]
	delete(h.workers, job)
	h.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (h *Handler) workerFor(job core.JobID) *jobWorker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	w, ok := h.workers[job]
	if !ok {
		w = newJobWorker(h, job)
		h.workers[job] = w
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			w.run()
		}()
	}
	return w
}

func (h *Handler) timed(op string) func() {
	sw := stopwatch.NewStarted()
	return func() {
		if err := sw.Stop(); err != nil {
			return
		}
		if h.observe != nil {
			h.observe(op, sw.Elapsed())
		}
	}
}

// process runs one queued operation and publishes its outcome.
func (h *Handler) process(ctx context.Context, ev core.CommitterEvent) {
	committer, ok := h.source.CommitterFor(ev.Job)
	if !ok {
		h.logger.Error("no committer registered for job", "job", ev.Job.String())
		return
	}
	switch ev.Kind {
	case core.CommitterEventSetupJob:
		defer h.timed(OpSetupJob)()
		if err := committer.SetupJob(ctx); err != nil {
			h.sink.Publish(core.JobEvent{
				Job:        ev.Job,
				Kind:       core.JobEventSetupFailed,
				Diagnostic: fmt.Sprintf("job setup failed: %v", err),
			})
			return
		}
		h.sink.Publish(core.JobEvent{Job: ev.Job, Kind: core.JobEventSetupCompleted})

	case core.CommitterEventCommitTask:
		defer h.timed(OpCommitTask)()
		h.commitTask(ctx, committer, ev)

	case core.CommitterEventAbortTask:
		defer h.timed(OpAbortTask)()
		if err := committer.AbortTask(ctx, ev.Attempt); err != nil {
			h.logger.Warn("task abort failed",
				"attempt", ev.Attempt.String(), "error", err)
		}

	case core.CommitterEventCommitJob:
		defer h.timed(OpCommitJob)()
		if err := committer.CommitJob(ctx); err != nil {
			h.sink.Publish(core.JobEvent{
				Job:        ev.Job,
				Kind:       core.JobEventCommitFailed,
				Diagnostic: fmt.Sprintf("job commit failed: %v", err),
			})
			return
		}
		h.sink.Publish(core.JobEvent{Job: ev.Job, Kind: core.JobEventCommitCompleted})

	default:
		h.logger.Warn("unhandled committer event kind", "kind", string(ev.Kind))
	}
}

func (h *Handler) commitTask(ctx context.Context, committer core.Committer, ev core.CommitterEvent) {
	fail := func(err error) {
		h.sink.Publish(core.TaskEvent{
			Task:       ev.Attempt.Task,
			Kind:       core.TaskEventCommitFailed,
			Attempt:    ev.Attempt,
			Diagnostic: fmt.Sprintf("task commit failed: %v", err),
		})
	}
	needed, err := committer.NeedsTaskCommit(ctx, ev.Attempt)
	if err != nil {
		fail(err)
		return
	}
	if needed {
		if err := committer.CommitTask(ctx, ev.Attempt); err != nil {
			fail(err)
			return
		}
	}
	h.sink.Publish(core.TaskEvent{
		Task:    ev.Attempt.Task,
		Kind:    core.TaskEventCommitSucceeded,
		Attempt: ev.Attempt,
	})
}

// abortJob runs the abort under the cancel timeout and always reports
// completion. A committer stuck past the bound is abandoned.
func (h *Handler) abortJob(ev core.CommitterEvent) {
	defer h.timed(OpAbortJob)()
	committer, ok := h.source.CommitterFor(ev.Job)
	if !ok {
		h.logger.Error("no committer registered for job", "job", ev.Job.String())
		h.sink.Publish(core.JobEvent{Job: ev.Job, Kind: core.JobEventAbortCompleted})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cancelTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- committer.AbortJob(ctx, ev.FinalState)
	}()
	select {
	case err := <-done:
		if err != nil {
			h.sink.Publish(core.JobEvent{
				Job:        ev.Job,
				Kind:       core.JobEventDiagnosticUpdate,
				Diagnostic: fmt.Sprintf("job abort failed: %v", err),
			})
		}
	case <-ctx.Done():
		h.logger.Warn("job abort timed out", "job", ev.Job.String())
		h.sink.Publish(core.JobEvent{
			Job:        ev.Job,
			Kind:       core.JobEventDiagnosticUpdate,
			Diagnostic: "job abort timed out",
		})
	}
	h.sink.Publish(core.JobEvent{Job: ev.Job, Kind: core.JobEventAbortCompleted})
}
