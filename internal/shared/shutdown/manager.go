// Package shutdown coordinates process teardown: callers register hooks with
// a priority and a timeout budget, and ExecuteShutdown runs them highest
// priority first, abandoning any hook that overruns its budget so teardown
// always completes.
package shutdown

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

var (
	ErrNilHook          = errors.New("shutdown hook must not be nil")
	ErrShutdownProgress = errors.New("shutdown already in progress, cannot add hook")
)

// Hook is a unit of teardown work. Hooks are tracked by interface identity,
// so register comparable values (pointers).
type Hook interface {
	Run()
}

// HookFunc adapts a function to the Hook interface. Each HookFunc value has
// its own identity only when registered through a distinct pointer, so
// prefer named hook types where duplicate suppression matters.
type HookFunc func()

func (f HookFunc) Run() { f() }

// Entry is a registered hook with its effective priority and timeout.
type Entry struct {
	Hook     Hook
	Priority int
	Timeout  time.Duration

	seq int
}

// Manager is the process-scoped shutdown hook registry. The zero value is
// not usable; construct with NewManager.
type Manager struct {
	mu         sync.Mutex
	entries    []*Entry
	nextSeq    int
	inProgress bool

	defaultTimeout time.Duration
	logger         logging.Logger
}

// NewManager builds a manager whose default hook timeout comes from the
// shutdown configuration. A configured default below the minimum floor is
// clamped up to the floor rather than honored literally.
func NewManager(cfg config.ShutdownConfig, logger logging.Logger) *Manager {
	timeout := cfg.Timeout
	if timeout < cfg.TimeoutMin {
		timeout = cfg.TimeoutMin
	}
	return &Manager{
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// DefaultTimeout reports the effective default hook timeout after clamping.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

// AddHook registers a hook with the default timeout. Registering a hook that
// is already present is a no-op: the first registration's priority and
// timeout stay in effect until the hook is removed.
func (m *Manager) AddHook(hook Hook, priority int) error {
	return m.AddHookTimeout(hook, priority, m.defaultTimeout)
}

// AddHookTimeout registers a hook with an explicit timeout budget. Explicit
// timeouts are honored as given, without clamping.
func (m *Manager) AddHookTimeout(hook Hook, priority int, timeout time.Duration) error {
	if hook == nil {
		return ErrNilHook
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inProgress {
		return ErrShutdownProgress
	}
	if m.indexOfLocked(hook) >= 0 {
		return nil
	}
	m.entries = append(m.entries, &Entry{
		Hook:     hook,
		Priority: priority,
		Timeout:  timeout,
		seq:      m.nextSeq,
	})
	m.nextSeq++
	return nil
}

// RemoveHook deregisters a hook, reporting whether it was present.
func (m *Manager) RemoveHook(hook Hook) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOfLocked(hook)
	if i < 0 {
		return false
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return true
}

// HasHook reports whether the hook is currently registered.
func (m *Manager) HasHook(hook Hook) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexOfLocked(hook) >= 0
}

// HooksInOrder returns registered entries in execution order: priority
// descending, registration order within equal priority.
func (m *Manager) HooksInOrder() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedLocked()
}

// Clear removes all registered hooks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// ExecuteShutdown runs every hook in priority order, each on its own
// goroutine with its own timeout budget. A hook that overruns its budget is
// abandoned and counted; execution always proceeds to the remaining hooks.
// Returns the number of hooks that timed out.
func (m *Manager) ExecuteShutdown() int {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		m.logger.Warn("Shutdown already executed, ignoring repeated request")
		return 0
	}
	m.inProgress = true
	ordered := m.orderedLocked()
	m.mu.Unlock()

	timedOut := 0
	for _, entry := range ordered {
		if !m.runOne(entry) {
			timedOut++
		}
	}
	return timedOut
}

// runOne executes a single hook, reporting false when it exceeded its
// timeout budget.
func (m *Manager) runOne(entry *Entry) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Shutdown hook panicked", "panic", r)
			}
		}()
		entry.Hook.Run()
	}()

	timer := time.NewTimer(entry.Timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		m.logger.Warn("Shutdown hook timed out, abandoning it", "timeout", entry.Timeout)
		return false
	}
}

func (m *Manager) indexOfLocked(hook Hook) int {
	for i, entry := range m.entries {
		if entry.Hook == hook {
			return i
		}
	}
	return -1
}

func (m *Manager) orderedLocked() []*Entry {
	ordered := make([]*Entry, len(m.entries))
	copy(ordered, m.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}
