// Package persist implements durable storage of suspended tasks, so a
// suspended task survives a daemon restart and can be reconstructed and
// re-queued on startup.
//
// A running task carries Go closures and an in-progress VM call stack
// (task.Task.Evaluator / .BytecodeVM) that have no stable wire format.
// Rather than attempt to serialize live VM state, a Snapshot records enough
// of a suspended task's identity and resumption arguments to let the
// scheduler re-derive its program (by re-fetching the verb at VerbLoc) and
// re-enter it at StmtIndex, the same way the scheduler's suspend/resume
// path already keys off VerbLoc+VerbName+StmtIndex rather than a frozen
// closure.
package persist

import (
	"mooreactor/storage"
	"mooreactor/types"
	"encoding/binary"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// partition is the dedicated storage partition suspended tasks live in.
const partition = "suspended_tasks"

// Snapshot is the durable record of one suspended task.
type Snapshot struct {
	TaskID       int64     `json:"task_id"`
	Owner        int64     `json:"owner"`
	Programmer   int64     `json:"programmer"`
	This         int64     `json:"this"`
	Caller       int64     `json:"caller"`
	VerbLoc      int64     `json:"verb_loc"`
	VerbName     string    `json:"verb_name"`
	StmtIndex    int       `json:"stmt_index"`
	TicksUsed    int64     `json:"ticks_used"`
	TicksLimit   int64     `json:"ticks_limit"`
	SecondsUsed  float64   `json:"seconds_used"`
	SecondsLimit float64   `json:"seconds_limit"`
	WakeAtUnix   int64     `json:"wake_at_unix"` // 0 means wake on explicit resume() only
	WakeValue    string    `json:"wake_value"`   // literal rendering of the resume value
	TaskLocal    string    `json:"task_local"`   // literal rendering of task-local storage
	Argstr       string    `json:"argstr"`
	Args         []string  `json:"args"`
	Dobjstr      string    `json:"dobjstr"`
	Dobj         int64     `json:"dobj"`
	Prepstr      string    `json:"prepstr"`
	Iobjstr      string    `json:"iobjstr"`
	Iobj         int64     `json:"iobj"`
	SuspendedAt  time.Time `json:"suspended_at"`
}

// taskKey encodes a task id as a big-endian 8-byte key so range scans over
// the partition come back in task-id order.
func taskKey(taskID int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(taskID))
	return b[:]
}

// Store persists and reloads task Snapshots against a storage.Provider.
type Store struct {
	provider *storage.Provider
}

// NewStore wraps a storage.Provider for suspended-task persistence.
func NewStore(provider *storage.Provider) *Store {
	return &Store{provider: provider}
}

// Save writes (or overwrites) a suspended task's snapshot.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persist: marshal snapshot %d: %w", snap.TaskID, err)
	}
	return s.provider.Put(partition, taskKey(snap.TaskID), uint64(snap.SuspendedAt.UnixNano()), data)
}

// Delete removes a task's snapshot, called on resumption or kill.
func (s *Store) Delete(taskID int64) error {
	return s.provider.Delete(partition, taskKey(taskID))
}

// Load fetches a single task's snapshot, if present.
func (s *Store) Load(taskID int64) (Snapshot, bool, error) {
	rec, ok, err := s.provider.Get(partition, taskKey(taskID))
	if err != nil || !ok {
		return Snapshot{}, ok, err
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Value, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("persist: unmarshal snapshot %d: %w", taskID, err)
	}
	return snap, true, nil
}

// LoadAll reloads every suspended task on startup, in task-id order.
func (s *Store) LoadAll() ([]Snapshot, error) {
	var out []Snapshot
	var scanErr error
	err := s.provider.Scan(partition, nil, func(key []byte, rec storage.Record) bool {
		var snap Snapshot
		if err := json.Unmarshal(rec.Value, &snap); err != nil {
			scanErr = fmt.Errorf("persist: unmarshal snapshot at key %x: %w", key, err)
			return false
		}
		out = append(out, snap)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// ObjID is a convenience accessor matching types.ObjID's underlying
// representation, used by callers translating a Snapshot back into a
// task.Task without importing the persist package into task itself.
func ObjID(v int64) types.ObjID { return types.ObjID(v) }
