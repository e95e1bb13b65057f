package persist

import (
	"mooreactor/storage"
	"mooreactor/task"
	"mooreactor/types"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	provider, err := storage.Open("")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return NewStore(provider)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := Snapshot{
		TaskID:       100,
		Owner:        7,
		Programmer:   7,
		VerbLoc:      42,
		VerbName:     "do_thing",
		StmtIndex:    3,
		TicksLimit:   30000,
		SecondsLimit: 5,
		WakeValue:    "1",
		TaskLocal:    "{}",
		SuspendedAt:  time.Now(),
	}
	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load(100)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got.VerbName != "do_thing" || got.StmtIndex != 3 || got.Owner != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	s := newTestStore(t)
	s.Save(Snapshot{TaskID: 5, VerbName: "x"})
	if err := s.Delete(5); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Load(5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("expected snapshot to be gone after Delete")
	}
}

func TestLoadAllReturnsEverySuspendedTask(t *testing.T) {
	s := newTestStore(t)
	s.Save(Snapshot{TaskID: 1, VerbName: "a"})
	s.Save(Snapshot{TaskID: 2, VerbName: "b"})
	s.Save(Snapshot{TaskID: 3, VerbName: "c"})

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(all))
	}
	if all[0].TaskID != 1 || all[1].TaskID != 2 || all[2].TaskID != 3 {
		t.Fatalf("expected task-id order, got %+v", all)
	}
}

func TestFreezeThawRoundTrip(t *testing.T) {
	orig := task.NewTask(55, types.ObjID(3), 30000, 5)
	orig.VerbLoc = types.ObjID(10)
	orig.VerbName = "look_self"
	orig.StmtIndex = 2
	orig.This = types.ObjID(10)
	orig.Caller = types.ObjID(3)
	orig.WakeValue = types.NewInt(99)
	orig.TaskLocal = types.NewStr("resume-context")
	orig.State = task.TaskSuspended
	orig.Kind = task.TaskSuspendedTask

	snap := Freeze(orig)
	restored := Thaw(snap)

	if restored.ID != orig.ID || restored.VerbName != orig.VerbName {
		t.Fatalf("Thaw mismatch: %+v vs %+v", restored, orig)
	}
	if !restored.WakeValue.Equal(orig.WakeValue) {
		t.Fatalf("WakeValue mismatch: %v vs %v", restored.WakeValue, orig.WakeValue)
	}
	if !restored.TaskLocal.Equal(orig.TaskLocal) {
		t.Fatalf("TaskLocal mismatch: %v vs %v", restored.TaskLocal, orig.TaskLocal)
	}
	if restored.State != task.TaskSuspended {
		t.Fatalf("expected restored task to be marked suspended, got %v", restored.State)
	}
}
