package commit

import (
	"context"
	"sync"
	"time"

	"github.com/gridmr/gridmr/internal/controller/core"
)

// jobWorker serializes committer operations for one job.
type jobWorker struct {
	h   *Handler
	job core.JobID

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []core.CommitterEvent
	aborted bool
	stopped bool
	cancel  context.CancelFunc
	opDone  chan struct{}
}

func newJobWorker(h *Handler, job core.JobID) *jobWorker {
	w := &jobWorker{h: h, job: job}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *jobWorker) enqueue(ev core.CommitterEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.h.logger.Warn("committer event after worker stop",
			"job", w.job.String(), "kind", string(ev.Kind))
		return
	}
	w.queue = append(w.queue, ev)
	w.cond.Broadcast()
}

func (w *jobWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *jobWorker) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stopped {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		if w.aborted && ev.Kind != core.CommitterEventAbortTask {
			w.mu.Unlock()
			w.h.logger.Info("dropping committer event after job abort",
				"job", w.job.String(), "kind", string(ev.Kind))
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		w.cancel = cancel
		w.opDone = done
		w.mu.Unlock()

		w.h.process(ctx, ev)

		cancel()
		close(done)
		w.mu.Lock()
		w.cancel = nil
		w.opDone = nil
		w.mu.Unlock()
	}
}

// abort cancels whatever is in flight, waits up to the cancel timeout for it
// to return, then runs the job abort itself.
func (w *jobWorker) abort(ev core.CommitterEvent) {
	w.mu.Lock()
	w.aborted = true
	if w.cancel != nil {
		w.cancel()
	}
	done := w.opDone
	w.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(w.h.cancelTimeout):
			w.h.logger.Warn("in-flight committer operation ignored cancellation",
				"job", w.job.String())
		}
	}
	w.h.abortJob(ev)
}
