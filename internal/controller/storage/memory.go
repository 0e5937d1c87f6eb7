// Package storage holds the controller's process-lifetime registries and the
// attempt launch queue. Everything lives in memory; after a controller
// restart only committed task output survives, recovered through the
// committer on resubmission.
package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridmr/gridmr/internal/controller/core"
	"github.com/gridmr/gridmr/internal/controller/job"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrDuplicateJob = errors.New("job already registered")
)

// JobRegistry indexes live jobs by id.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[core.JobID]*job.Job
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[core.JobID]*job.Job)}
}

func (r *JobRegistry) Add(j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID()]; ok {
		return ErrDuplicateJob
	}
	r.jobs[j.ID()] = j
	return nil
}

func (r *JobRegistry) Get(id core.JobID) (*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// List returns jobs in submission order.
func (r *JobRegistry) List() []*job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i].ID(), out[k].ID()
		if a.ClusterTimestamp != b.ClusterTimestamp {
			return a.ClusterTimestamp < b.ClusterTimestamp
		}
		return a.Seq < b.Seq
	})
	return out
}

// Remove unregisters a job. Callers still holding the job keep a usable
// reference; only the index entry goes away.
func (r *JobRegistry) Remove(id core.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

func (r *JobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// NodeRegistry tracks executor nodes and their liveness.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]core.Node
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[uuid.UUID]core.Node)}
}

// Heartbeat upserts the node and restores it to healthy. Returns true when
// the node was not previously registered.
func (r *NodeRegistry) Heartbeat(id uuid.UUID, hostname string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		r.nodes[id] = core.Node{
			ID:            id,
			Hostname:      hostname,
			State:         core.NodeStateHealthy,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		return true
	}
	n.State = core.NodeStateHealthy
	n.LastHeartbeat = now
	if hostname != "" {
		n.Hostname = hostname
	}
	r.nodes[id] = n
	return false
}

// MarkUnusable flips the node out of service. Reports whether the node was
// usable before the call, so callers can fan out revocations exactly once.
func (r *NodeRegistry) MarkUnusable(id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false, ErrNodeNotFound
	}
	wasUsable := n.State.Usable()
	n.State = core.NodeStateUnusable
	r.nodes[id] = n
	return wasUsable, nil
}

func (r *NodeRegistry) Get(id uuid.UUID) (core.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return core.Node{}, ErrNodeNotFound
	}
	return n, nil
}

func (r *NodeRegistry) List() []core.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].ID.String() < out[k].ID.String()
	})
	return out
}

// ExpireStale marks healthy nodes whose last heartbeat is older than ttl as
// unusable and returns the nodes it flipped.
func (r *NodeRegistry) ExpireStale(now time.Time, ttl time.Duration) []core.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flipped []core.Node
	for id, n := range r.nodes {
		if !n.State.Usable() || now.Sub(n.LastHeartbeat) <= ttl {
			continue
		}
		n.State = core.NodeStateUnusable
		r.nodes[id] = n
		flipped = append(flipped, n)
	}
	sort.Slice(flipped, func(i, k int) bool {
		return flipped[i].ID.String() < flipped[k].ID.String()
	})
	return flipped
}

func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
