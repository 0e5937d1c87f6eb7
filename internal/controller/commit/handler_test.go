package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/shared/logging"
	"github.com/gridmr/gridmr/internal/testutil"
)

var (
	jobA     = core.NewJobID(1234567890000, 1)
	jobB     = core.NewJobID(1234567890000, 2)
	taskA    = core.NewTaskID(jobA, core.TaskKindMap, 0)
	attemptA = core.NewAttemptID(taskA, 0)
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

func (s *recordingSink) taskEvents(kind core.TaskEventKind) []core.TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.TaskEvent
	for _, e := range s.events {
		if te, ok := e.(core.TaskEvent); ok && te.Kind == kind {
			out = append(out, te)
		}
	}
	return out
}

func (s *recordingSink) hasJobEvent(kind core.JobEventKind) func() bool {
	return func() bool { return len(s.jobEvents(kind)) > 0 }
}

func (s *recordingSink) hasTaskEvent(kind core.TaskEventKind) func() bool {
	return func() bool { return len(s.taskEvents(kind)) > 0 }
}

type mapSource map[core.JobID]core.Committer

func (m mapSource) CommitterFor(job core.JobID) (core.Committer, bool) {
	c, ok := m[job]
	return c, ok
}

// fakeCommitter records calls and simulates slow or failing operations.
type fakeCommitter struct {
	mu        sync.Mutex
	calls     []string
	sawCancel bool

	setupErr       error
	setupBlock     time.Duration
	needsCommit    bool
	needsCommitErr error
	commitTaskErr  error
	commitJobErr   error
	commitJobBlock time.Duration
	abortJobErr    error
	abortJobBlock  time.Duration
	honorCancel    bool

	setupStarted  chan struct{}
	commitStarted chan struct{}
	setupOnce     sync.Once
	commitOnce    sync.Once
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{
		needsCommit:   true,
		honorCancel:   true,
		setupStarted:  make(chan struct{}),
		commitStarted: make(chan struct{}),
	}
}

func (f *fakeCommitter) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeCommitter) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCommitter) called(name string) bool {
	for _, c := range f.callNames() {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeCommitter) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawCancel
}

func (f *fakeCommitter) block(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if !f.honorCancel {
		time.Sleep(d)
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		f.mu.Lock()
		f.sawCancel = true
		f.mu.Unlock()
	}
}

func (f *fakeCommitter) SetupJob(ctx context.Context) error {
	f.record("setup_job")
	f.setupOnce.Do(func() { close(f.setupStarted) })
	f.block(ctx, f.setupBlock)
	if f.honorCancel && ctx.Err() != nil {
		return ctx.Err()
	}
	return f.setupErr
}

func (f *fakeCommitter) SetupTask(ctx context.Context, attempt core.AttemptID) error {
	f.record("setup_task")
	return nil
}

func (f *fakeCommitter) NeedsTaskCommit(ctx context.Context, attempt core.AttemptID) (bool, error) {
	f.record("needs_task_commit")
	return f.needsCommit, f.needsCommitErr
}

func (f *fakeCommitter) CommitTask(ctx context.Context, attempt core.AttemptID) error {
	f.record("commit_task")
	return f.commitTaskErr
}

func (f *fakeCommitter) AbortTask(ctx context.Context, attempt core.AttemptID) error {
	f.record("abort_task")
	return nil
}

func (f *fakeCommitter) CommitJob(ctx context.Context) error {
	f.record("commit_job")
	f.commitOnce.Do(func() { close(f.commitStarted) })
	f.block(ctx, f.commitJobBlock)
	if f.honorCancel && ctx.Err() != nil {
		return ctx.Err()
	}
	return f.commitJobErr
}

func (f *fakeCommitter) AbortJob(ctx context.Context, state core.JobState) error {
	f.record("abort_job")
	f.block(ctx, f.abortJobBlock)
	return f.abortJobErr
}

func (f *fakeCommitter) IsRecoverySupported() bool { return true }

func (f *fakeCommitter) RecoverTask(ctx context.Context, attempt core.AttemptID) error {
	f.record("recover_task")
	return nil
}

func newTestHandler(t *testing.T, committer core.Committer, cancelTimeout time.Duration, observe Observer) (*Handler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	h := NewHandler(sink, mapSource{jobA: committer, jobB: committer}, cancelTimeout, observe, logging.NewNopLogger())
	t.Cleanup(h.Stop)
	return h, sink
}

func TestSetupJobCompleted(t *testing.T) {
	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventSetupCompleted))
	assert.True(t, fake.called("setup_job"))
}

func TestSetupJobFailureCarriesDiagnostic(t *testing.T) {
	fake := newFakeCommitter()
	fake.setupErr = errors.New("staging unwritable")
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventSetupFailed))
	events := sink.jobEvents(core.JobEventSetupFailed)
	assert.Contains(t, events[0].Diagnostic, "staging unwritable")
}

func TestCommitJobCompleted(t *testing.T) {
	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventCommitCompleted))
}

func TestCommitJobFailureCarriesDiagnostic(t *testing.T) {
	fake := newFakeCommitter()
	fake.commitJobErr = errors.New("quota exceeded")
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventCommitFailed))
	events := sink.jobEvents(core.JobEventCommitFailed)
	assert.Contains(t, events[0].Diagnostic, "quota exceeded")
}

func TestCommitTaskSkippedWithoutOutput(t *testing.T) {
	fake := newFakeCommitter()
	fake.needsCommit = false
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitTask, Attempt: attemptA})

	testutil.MustWaitFor(t, sink.hasTaskEvent(core.TaskEventCommitSucceeded))
	assert.False(t, fake.called("commit_task"), "no output means no commit call")
}

func TestCommitTaskCommitsOutput(t *testing.T) {
	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitTask, Attempt: attemptA})

	testutil.MustWaitFor(t, sink.hasTaskEvent(core.TaskEventCommitSucceeded))
	assert.True(t, fake.called("commit_task"))
	assert.Equal(t, attemptA, sink.taskEvents(core.TaskEventCommitSucceeded)[0].Attempt)
}

func TestCommitTaskFailureCarriesDiagnostic(t *testing.T) {
	fake := newFakeCommitter()
	fake.commitTaskErr = errors.New("rename refused")
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitTask, Attempt: attemptA})

	testutil.MustWaitFor(t, sink.hasTaskEvent(core.TaskEventCommitFailed))
	assert.Contains(t, sink.taskEvents(core.TaskEventCommitFailed)[0].Diagnostic, "rename refused")
}

func TestOperationsOfOneJobRunInOrder(t *testing.T) {
	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitTask, Attempt: attemptA})
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventCommitCompleted))
	calls := fake.callNames()
	require.Equal(t, []string{"setup_job", "needs_task_commit", "commit_task", "commit_job"}, calls)
}

func TestAbortCancelsInFlightCommit(t *testing.T) {
	fake := newFakeCommitter()
	fake.commitJobBlock = 5 * time.Second
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})
	<-fake.commitStarted

	start := time.Now()
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventAbortJob, FinalState: core.JobStateKilled})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventAbortCompleted))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2500*time.Millisecond,
		"abort must not wait out the full commit, got %v", elapsed)
	testutil.MustWaitFor(t, fake.cancelled)
	assert.True(t, fake.called("abort_job"))
}

func TestAbortCompletesEvenWhenCommitterHangs(t *testing.T) {
	fake := newFakeCommitter()
	fake.honorCancel = false
	fake.commitJobBlock = time.Second
	fake.abortJobBlock = time.Second
	h, sink := newTestHandler(t, fake, 100*time.Millisecond, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})
	<-fake.commitStarted

	start := time.Now()
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventAbortJob, FinalState: core.JobStateFailed})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventAbortCompleted))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 800*time.Millisecond,
		"hung committer must be abandoned within the cancel timeout, got %v", elapsed)
	require.NotEmpty(t, sink.jobEvents(core.JobEventDiagnosticUpdate))
}

func TestQueuedCommitDroppedAfterAbort(t *testing.T) {
	fake := newFakeCommitter()
	fake.setupBlock = 5 * time.Second
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})
	<-fake.setupStarted
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventAbortJob, FinalState: core.JobStateKilled})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventAbortCompleted))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fake.called("commit_job"), "commit queued behind an abort must not run")
}

func TestJobsDoNotBlockEachOther(t *testing.T) {
	slow := newFakeCommitter()
	slow.commitJobBlock = 2 * time.Second
	fast := newFakeCommitter()
	sink := &recordingSink{}
	h := NewHandler(sink, mapSource{jobA: slow, jobB: fast}, time.Second, nil, logging.NewNopLogger())
	t.Cleanup(h.Stop)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})
	<-slow.commitStarted
	h.Handle(core.CommitterEvent{Job: jobB, Kind: core.CommitterEventCommitJob})

	testutil.MustWaitFor(t, func() bool {
		for _, e := range sink.jobEvents(core.JobEventCommitCompleted) {
			if e.Job == jobB {
				return true
			}
		}
		return false
	})
	for _, e := range sink.jobEvents(core.JobEventCommitCompleted) {
		assert.NotEqual(t, jobA, e.Job, "slow job must still be in flight")
	}

	// Unblock the slow job so Stop does not wait the full block.
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventAbortJob, FinalState: core.JobStateKilled})
	testutil.MustWaitFor(t, func() bool {
		for _, e := range sink.jobEvents(core.JobEventAbortCompleted) {
			if e.Job == jobA {
				return true
			}
		}
		return false
	})
}

func TestObserverReceivesOperationDurations(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	observe := func(op string, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen[op]++
	}

	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, observe)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})

	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventCommitCompleted))
	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[OpSetupJob] == 1 && seen[OpCommitJob] == 1
	})
}

func TestHandlerDropsEventsAfterStop(t *testing.T) {
	fake := newFakeCommitter()
	sink := &recordingSink{}
	h := NewHandler(sink, mapSource{jobA: fake}, time.Second, nil, logging.NewNopLogger())
	h.Stop()

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fake.called("commit_job"))
}

func TestReleaseJobStopsWorker(t *testing.T) {
	fake := newFakeCommitter()
	h, sink := newTestHandler(t, fake, time.Second, nil)

	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventSetupJob})
	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventSetupCompleted))

	h.ReleaseJob(jobA)

	// A later event recreates the worker instead of being lost.
	h.Handle(core.CommitterEvent{Job: jobA, Kind: core.CommitterEventCommitJob})
	testutil.MustWaitFor(t, sink.hasJobEvent(core.JobEventCommitCompleted))
}
