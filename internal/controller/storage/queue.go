package storage

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/gridmr/gridmr/internal/controller/core"
)

// ErrQueueEmpty is returned when Pop or Top is called on an empty queue.
var ErrQueueEmpty = errors.New("launch queue is empty")

// Request is one queued attempt launch.
type Request struct {
	Attempt  core.AttemptID
	Priority int
}

// LaunchQueue is a thread-safe heap of pending attempt launches. Higher
// priority pops first; within a priority maps go before reduces; within a
// class requests are served in FIFO order.
type LaunchQueue struct {
	mu    sync.RWMutex
	pq    launchHeap
	index map[core.AttemptID]*launchItem
	seq   uint64
}

func NewLaunchQueue() *LaunchQueue {
	return &LaunchQueue{index: make(map[core.AttemptID]*launchItem)}
}

// Push queues an attempt. Re-pushing a queued attempt updates its priority
// in place.
func (q *LaunchQueue) Push(attempt core.AttemptID, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.index[attempt]; ok {
		it.priority = priority
		heap.Fix(&q.pq, it.index)
		return
	}
	it := &launchItem{attempt: attempt, priority: priority, seq: q.seq}
	q.seq++
	q.index[attempt] = it
	heap.Push(&q.pq, it)
}

func (q *LaunchQueue) Pop() (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return Request{}, ErrQueueEmpty
	}
	it := heap.Pop(&q.pq).(*launchItem)
	delete(q.index, it.attempt)
	return Request{Attempt: it.attempt, Priority: it.priority}, nil
}

func (q *LaunchQueue) Top() (Request, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pq.Len() == 0 {
		return Request{}, ErrQueueEmpty
	}
	it := q.pq[0]
	return Request{Attempt: it.attempt, Priority: it.priority}, nil
}

// Remove withdraws a queued attempt, typically because a kill made the
// launch obsolete. Reports whether the attempt was queued.
func (q *LaunchQueue) Remove(attempt core.AttemptID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[attempt]
	if !ok {
		return false
	}
	heap.Remove(&q.pq, it.index)
	delete(q.index, attempt)
	return true
}

func (q *LaunchQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pq.Len()
}

// launchItem wraps a request with its insertion order and heap index.
type launchItem struct {
	attempt  core.AttemptID
	priority int
	seq      uint64
	index    int
}

type launchHeap []*launchItem

func (h launchHeap) Len() int { return len(h) }

func (h launchHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.attempt.Task.Kind != b.attempt.Task.Kind {
		return a.attempt.Task.Kind == core.TaskKindMap
	}
	return a.seq < b.seq
}

func (h launchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *launchHeap) Push(x any) {
	it := x.(*launchItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *launchHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
