package persist

import (
	"mooreactor/parser"
	"mooreactor/task"
	"mooreactor/types"
	"time"
)

// literal renders a value to its MOO literal form, matching how the scheduler
// already serializes WakeValue/TaskLocal for traceback/introspection builtins.
func literal(v types.Value) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseLiteral reverses literal, defaulting to 0 on empty/garbled input
// rather than failing a whole reload over one cosmetic field.
func parseLiteral(s string) types.Value {
	if s == "" {
		return types.NewInt(0)
	}
	v, err := parser.NewParser(s).ParseLiteral()
	if err != nil {
		return types.NewInt(0)
	}
	return v
}

// Freeze captures everything needed to resume t later into a Snapshot.
// Snapshot carries no exec()-suspension flag, so Freeze does not record
// IsExecSuspended; the scheduler never freezes exec()-suspended tasks,
// which can only be killed, not resumed.
// The caller must ensure t is not concurrently running (true for any task
// reaching Freeze, since a task only gets here via the scheduler's own
// suspend path after the task's goroutine has yielded).
func Freeze(t *task.Task) Snapshot {
	return Snapshot{
		TaskID:       t.ID,
		Owner:        int64(t.Owner),
		Programmer:   int64(t.Programmer),
		This:         int64(t.This),
		Caller:       int64(t.Caller),
		VerbLoc:      int64(t.VerbLoc),
		VerbName:     t.VerbName,
		StmtIndex:    t.StmtIndex,
		TicksUsed:    t.TicksUsed,
		TicksLimit:   t.TicksLimit,
		SecondsUsed:  t.SecondsUsed,
		SecondsLimit: t.SecondsLimit,
		WakeAtUnix:   wakeUnix(t.WakeTime),
		WakeValue:    literal(t.WakeValue),
		TaskLocal:    literal(t.TaskLocal),
		Argstr:       t.Argstr,
		Args:         append([]string(nil), t.Args...),
		Dobjstr:      t.Dobjstr,
		Dobj:         int64(t.Dobj),
		Prepstr:      t.Prepstr,
		Iobjstr:      t.Iobjstr,
		Iobj:         int64(t.Iobj),
		SuspendedAt:  time.Now(),
	}
}

func wakeUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Thaw rebuilds a task.Task shell from a Snapshot. The caller (the
// scheduler, via a ResumeFactory) is responsible for re-fetching the verb
// program at VerbLoc/VerbName and attaching a fresh Evaluator/BytecodeVM
// before re-queuing it; Thaw restores everything else a resumed task needs
// for permissions, traceback and tick/time accounting to pick up where it
// left off.
func Thaw(snap Snapshot) *task.Task {
	t := task.NewTask(snap.TaskID, types.ObjID(snap.Owner), snap.TicksLimit, snap.SecondsLimit)
	t.Programmer = types.ObjID(snap.Programmer)
	t.This = types.ObjID(snap.This)
	t.Caller = types.ObjID(snap.Caller)
	t.VerbLoc = types.ObjID(snap.VerbLoc)
	t.VerbName = snap.VerbName
	t.StmtIndex = snap.StmtIndex
	t.TicksUsed = snap.TicksUsed
	t.SecondsUsed = snap.SecondsUsed
	t.Kind = task.TaskSuspendedTask
	t.State = task.TaskSuspended
	if snap.WakeAtUnix != 0 {
		t.WakeTime = time.Unix(snap.WakeAtUnix, 0)
	}
	t.WakeValue = parseLiteral(snap.WakeValue)
	t.TaskLocal = parseLiteral(snap.TaskLocal)
	t.Argstr = snap.Argstr
	t.Args = append([]string(nil), snap.Args...)
	t.Dobjstr = snap.Dobjstr
	t.Dobj = types.ObjID(snap.Dobj)
	t.Prepstr = snap.Prepstr
	t.Iobjstr = snap.Iobjstr
	t.Iobj = types.ObjID(snap.Iobj)
	return t
}
