package storage

import (
	"testing"
	"time"
)

func TestProviderPutGetRoundTrip(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if err := p.Put("objects", EncodeObjKey(42), 1, []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, ok, err := p.Get("objects", EncodeObjKey(42))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to be present")
	}
	if string(rec.Value) != "hello" {
		t.Fatalf("got %q, want %q", rec.Value, "hello")
	}
}

func TestWriterCoalescesLastWriteWins(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	key := EncodeObjKey(7)
	w := p.Writer()
	w.Submit(&CommitBatch{Timestamp: 1, Ops: []Op{{Partition: "objects", Key: key, Value: []byte("v1"), Timestamp: 1}}})
	w.Submit(&CommitBatch{Timestamp: 2, Ops: []Op{{Partition: "objects", Key: key, Value: []byte("v2"), Timestamp: 2}}})
	w.Submit(&CommitBatch{Timestamp: 3, Ops: []Op{{Partition: "objects", Key: key, Value: []byte("v3"), Timestamp: 3}}})

	if !w.WaitForBarrier(3, time.Second) {
		t.Fatalf("barrier at ts=3 did not complete")
	}

	rec, ok, err := p.Get("objects", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key present after flush")
	}
	if string(rec.Value) != "v3" {
		t.Fatalf("got %q, want last-write %q", rec.Value, "v3")
	}
}

func TestWriterDeleteWins(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	key := EncodeObjKey(9)
	w := p.Writer()
	w.Submit(&CommitBatch{Timestamp: 1, Ops: []Op{{Partition: "objects", Key: key, Value: []byte("v1"), Timestamp: 1}}})
	w.Submit(&CommitBatch{Timestamp: 2, Ops: []Op{{Partition: "objects", Key: key, IsDelete: true, Timestamp: 2}}})

	if !w.WaitForBarrier(2, time.Second) {
		t.Fatalf("barrier did not complete")
	}

	_, ok, err := p.Get("objects", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be absent after coalesced delete")
	}
}

func TestWaitForBarrierTimesOutWhenWriterStopped(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.Close()

	if p.Writer().WaitForBarrier(1, 50*time.Millisecond) {
		t.Fatalf("expected barrier to time out on a stopped writer")
	}
}
