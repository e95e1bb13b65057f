package rpc

import (
	"testing"
	"time"
)

func TestDispatchWithNoWorkersReturnsNoWorkers(t *testing.T) {
	d := NewWorkerDispatcher(func(string, WorkerRequest) {})
	_, err := d.Dispatch("no_such_type", "req-1", nil, 100*time.Millisecond)
	if err != ErrNoWorkers {
		t.Fatalf("got %v, want ErrNoWorkers", err)
	}
}

func TestDispatchTimesOutWithoutHanging(t *testing.T) {
	d := NewWorkerDispatcher(func(string, WorkerRequest) {
		// Worker never replies.
	})
	d.Attach("http")

	start := time.Now()
	_, err := d.Dispatch("http", "req-2", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Dispatch took too long: %v", elapsed)
	}
}

func TestDispatchResolvesOnWorkerResult(t *testing.T) {
	var workerID string
	var d *WorkerDispatcher
	d = NewWorkerDispatcher(func(id string, req WorkerRequest) {
		workerID = id
		go d.Resolve(RequestResult{RequestID: req.RequestID, Value: NewVar(nil)})
	})
	d.Attach("http")

	res, err := d.Dispatch("http", "req-3", nil, time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if workerID == "" {
		t.Fatalf("expected a worker to be selected")
	}
	_ = res
}

func TestEvictStaleWorkersFailsPendingRequests(t *testing.T) {
	d := NewWorkerDispatcher(func(string, WorkerRequest) {})
	d.Attach("http")
	d.pingAge = 0 // force immediate staleness for the test

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.EvictStaleWorkers(time.Now())
	}()

	_, err := d.Dispatch("http", "req-4", nil, time.Second)
	if err == nil {
		t.Fatalf("expected detach to fail the pending request")
	}
}
