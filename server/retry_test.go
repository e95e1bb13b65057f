package server

import (
	"fmt"
	"testing"

	"mooreactor/db"
	"mooreactor/parser"
	"mooreactor/task"
	"mooreactor/txcache"
	"mooreactor/types"
)

func queueEvalTask(t *testing.T, s *Scheduler, id int64, src string) *task.Task {
	t.Helper()
	code, err := parser.NewParser(src).ParseProgram()
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	tk := task.NewTaskFull(id, 2, code, 300000, 5.0)
	tk.ForkCreator = s
	s.QueueTask(tk)
	return tk
}

// A task whose commit conflicts is transparently re-run from scratch, up to
// the retry bound; user code never observes the conflict.
func TestSchedulerRetriesConflictedTask(t *testing.T) {
	s := NewScheduler(db.NewStore())
	defer s.Stop()

	conflicts := 2
	var hookCalls int
	s.SetCommitHook(func(tk *task.Task) error {
		hookCalls++
		if conflicts > 0 {
			conflicts--
			return txcache.ErrConflict
		}
		return nil
	})

	tk := queueEvalTask(t, s, 9001, "return 1 + 1;")

	// Each pass runs whatever is ready; a conflicted task re-queues itself
	// for the next pass.
	for i := 0; i < 5 && tk.GetState() != task.TaskCompleted; i++ {
		s.processReadyTasks()
	}

	if tk.GetState() != task.TaskCompleted {
		t.Fatalf("task state = %v, want completed", tk.GetState())
	}
	if tk.Retries != 2 {
		t.Errorf("retries = %d, want 2", tk.Retries)
	}
	if hookCalls != 3 {
		t.Errorf("commit hook ran %d times, want 3", hookCalls)
	}
	if iv, ok := tk.Result.Val.(types.IntValue); !ok || iv.Val != 2 {
		t.Errorf("result = %v, want 2", tk.Result.Val)
	}
}

// Past maxCommitRetries the task fails instead of looping forever.
func TestSchedulerFailsTaskPastRetryBound(t *testing.T) {
	s := NewScheduler(db.NewStore())
	defer s.Stop()

	s.SetCommitHook(func(tk *task.Task) error {
		return fmt.Errorf("apply: %w", txcache.ErrConflict)
	})

	tk := queueEvalTask(t, s, 9002, "return 1;")

	for i := 0; i < maxCommitRetries+2 && tk.GetState() != task.TaskKilled; i++ {
		s.processReadyTasks()
	}

	if tk.GetState() != task.TaskKilled {
		t.Fatalf("task state = %v, want killed", tk.GetState())
	}
	if tk.Retries != maxCommitRetries+1 {
		t.Errorf("retries = %d, want %d", tk.Retries, maxCommitRetries+1)
	}
}

// Tasks whose commit applies cleanly pay the hook exactly once.
func TestSchedulerCommitHookRunsOncePerCleanTask(t *testing.T) {
	s := NewScheduler(db.NewStore())
	defer s.Stop()

	var hookCalls int
	s.SetCommitHook(func(tk *task.Task) error {
		hookCalls++
		return nil
	})

	tk := queueEvalTask(t, s, 9003, "return 7;")
	s.processReadyTasks()

	if tk.GetState() != task.TaskCompleted {
		t.Fatalf("task state = %v, want completed", tk.GetState())
	}
	if hookCalls != 1 {
		t.Errorf("commit hook ran %d times, want 1", hookCalls)
	}
	if tk.Retries != 0 {
		t.Errorf("retries = %d, want 0", tk.Retries)
	}
}
