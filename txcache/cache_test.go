package txcache

import (
	"testing"

	"mooreactor/storage"
)

func newTestCache(t *testing.T) (*storage.Provider, *Cache) {
	t.Helper()
	p, err := storage.Open("")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, NewCache(p, "props", 1<<20)
}

func TestReadYourWrites(t *testing.T) {
	_, c := newTestCache(t)
	tx := c.Begin(1)
	tx.Put([]byte("k"), []byte("v1"), true)
	got, ok, err := tx.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("expected read-your-write v1, got %q ok=%v", got, ok)
	}
}

func TestCommitThenVisibleToNewTxn(t *testing.T) {
	_, c := newTestCache(t)
	tx := c.Begin(1)
	tx.Put([]byte("k"), []byte("v1"), true)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := c.Begin(2)
	got, ok, err := tx2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("expected committed v1, got %q ok=%v", got, ok)
	}
}

func TestConflictingWriteAfterReadIsDetected(t *testing.T) {
	_, c := newTestCache(t)

	seed := c.Begin(1)
	seed.Put([]byte("n"), []byte("0"), true)
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	// T1 reads n at ts=1's value, begins at ts=2.
	t1 := c.Begin(2)
	if _, _, err := t1.Get([]byte("n")); err != nil {
		t.Fatalf("t1 Get: %v", err)
	}

	// T2 reads and writes n first, committing at ts=3.
	t2 := c.Begin(3)
	if _, _, err := t2.Get([]byte("n")); err != nil {
		t.Fatalf("t2 Get: %v", err)
	}
	t2.Put([]byte("n"), []byte("1"), false)
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2 commit: %v", err)
	}

	// T1 now tries to write based on its stale read; must conflict.
	t1.Put([]byte("n"), []byte("1"), false)
	if err := t1.Commit(); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestInsertConflictsWithExistingRow(t *testing.T) {
	_, c := newTestCache(t)

	tx := c.Begin(1)
	tx.Put([]byte("k"), []byte("v"), true)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := c.Begin(2)
	tx2.Put([]byte("k"), []byte("v2"), true)
	if err := tx2.Commit(); err != ErrConflict {
		t.Fatalf("expected insert-over-existing to conflict, got %v", err)
	}
}

func TestRollbackDiscardsWorkingSet(t *testing.T) {
	_, c := newTestCache(t)
	tx := c.Begin(1)
	tx.Put([]byte("k"), []byte("v"), true)
	tx.Rollback()

	tx2 := c.Begin(2)
	_, ok, err := tx2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected rolled-back write to be invisible")
	}
}
