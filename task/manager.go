package task

import (
	"sync"
	"sync/atomic"
	"time"

	"mooreactor/types"
)

// Manager is the process-wide task table. The scheduler owns task
// execution; the manager only answers "which task has this id" so builtins
// like queued_tasks(), kill_task(), and resume() can reach tasks they did
// not create.
type Manager struct {
	mu     sync.RWMutex
	byID   map[int64]*Task
	nextID int64
}

var (
	sharedManager *Manager
	managerInit   sync.Once
)

// GetManager returns the shared task table, creating it on first use.
func GetManager() *Manager {
	managerInit.Do(func() {
		sharedManager = &Manager{byID: make(map[int64]*Task), nextID: 1}
	})
	return sharedManager
}

// CreateTask allocates the next task id, builds a task with the given
// budgets, and registers it.
func (m *Manager) CreateTask(owner types.ObjID, tickLimit int64, secondsLimit float64) *Task {
	t := NewTask(atomic.AddInt64(&m.nextID, 1), owner, tickLimit, secondsLimit)
	m.RegisterTask(t)
	return t
}

// RegisterTask makes an externally built task (the scheduler's) visible to
// builtins.
func (m *Manager) RegisterTask(t *Task) {
	m.mu.Lock()
	m.byID[t.ID] = t
	m.mu.Unlock()
}

// RemoveTask drops a task from the table.
func (m *Manager) RemoveTask(id int64) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}

// GetTask looks a task up by id, nil if unknown.
func (m *Manager) GetTask(id int64) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// collect returns every task the filter accepts. Pass nil to take them all.
func (m *Manager) collect(keep func(*Task) bool) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.byID))
	for _, t := range m.byID {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// GetAllTasks returns every registered task, in no particular order.
func (m *Manager) GetAllTasks() []*Task {
	return m.collect(nil)
}

// GetQueuedTasks returns the tasks queued_tasks() reports: waiting to run
// or suspended.
func (m *Manager) GetQueuedTasks() []*Task {
	return m.collect(func(t *Task) bool {
		s := t.GetState()
		return s == TaskQueued || s == TaskSuspended
	})
}

// FindReadingTask returns a task suspended in read() on the given player's
// connection, or nil when none is waiting.
func (m *Manager) FindReadingTask(player types.ObjID) *Task {
	for _, t := range m.collect(func(t *Task) bool {
		return t.GetState() == TaskSuspended && t.ReadingPlayer == player
	}) {
		return t
	}
	return nil
}

// authorize implements the shared ownership rule for task control builtins:
// only the task's owner or a wizard may touch it.
func authorize(t *Task, caller types.ObjID, isWizard bool) types.ErrorCode {
	if t == nil {
		return types.E_INVARG
	}
	if t.Owner != caller && !isWizard {
		return types.E_PERM
	}
	return types.E_NONE
}

// KillTask kills a task on behalf of killerID. E_INVARG for unknown or
// already-dead tasks, E_PERM for a non-owner non-wizard caller.
func (m *Manager) KillTask(taskID int64, killerID types.ObjID, isWizard bool) types.ErrorCode {
	t := m.GetTask(taskID)
	if t != nil && t.GetState() == TaskKilled {
		return types.E_INVARG
	}
	if code := authorize(t, killerID, isWizard); code != types.E_NONE {
		return code
	}
	t.Kill()
	return types.E_NONE
}

// ResumeTask wakes a suspended task with the given value as its suspend()
// return, under the same ownership rule as KillTask.
func (m *Manager) ResumeTask(taskID int64, value types.Value, resumerID types.ObjID, isWizard bool) types.ErrorCode {
	t := m.GetTask(taskID)
	if code := authorize(t, resumerID, isWizard); code != types.E_NONE {
		return code
	}
	if t.GetState() != TaskSuspended || !t.Resume(value) {
		return types.E_INVARG
	}
	return types.E_NONE
}

// SuspendTask parks a task for the given number of seconds.
func (m *Manager) SuspendTask(t *Task, seconds float64) {
	t.Suspend(time.Duration(seconds * float64(time.Second)))
}

// CleanupCompletedTasks drops finished and killed tasks from the table.
func (m *Manager) CleanupCompletedTasks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.byID {
		if s := t.GetState(); s == TaskCompleted || s == TaskKilled {
			delete(m.byID, id)
		}
	}
}
