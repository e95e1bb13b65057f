package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoWorkers is returned when a request is issued for a worker type with
// no attached workers; callers report it immediately rather than waiting
// for a timeout nothing will ever satisfy.
var ErrNoWorkers = errors.New("rpc: no workers attached for type")

// workerHandle tracks one attached worker process.
type workerHandle struct {
	id       string
	workType string
	lastPong time.Time
	load     int // number of in-flight requests
}

// pendingRequest tracks an outstanding WorkerRequest awaiting reply.
type pendingRequest struct {
	workerID string
	result   chan RequestResult
	errCh    chan RequestError
}

// WorkerDispatcher implements the worker attach/dispatch/timeout
// protocol: per-type worker pools, least-loaded selection, and detach
// propagation when a worker's ping ages out.
type WorkerDispatcher struct {
	mu       sync.Mutex
	byType   map[string]map[string]*workerHandle
	pending  map[string]*pendingRequest
	pingAge  time.Duration

	publish func(workerID string, req WorkerRequest) // send over pub/sub to the worker
}

// NewWorkerDispatcher creates a dispatcher. publish is called to actually
// deliver a WorkerRequest to a worker process over the pub/sub transport.
func NewWorkerDispatcher(publish func(workerID string, req WorkerRequest)) *WorkerDispatcher {
	return &WorkerDispatcher{
		byType:  make(map[string]map[string]*workerHandle),
		pending: make(map[string]*pendingRequest),
		pingAge: 30 * time.Second,
		publish: publish,
	}
}

// Attach registers a worker of the given type, returning its assigned id.
func (d *WorkerDispatcher) Attach(workType string) string {
	id := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.byType[workType]
	if !ok {
		set = make(map[string]*workerHandle)
		d.byType[workType] = set
	}
	set[id] = &workerHandle{id: id, workType: workType, lastPong: time.Now()}
	return id
}

// Pong records a keepalive from a worker.
func (d *WorkerDispatcher) Pong(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, set := range d.byType {
		if h, ok := set[workerID]; ok {
			h.lastPong = time.Now()
			return
		}
	}
}

// Dispatch picks the least-loaded worker of workType, forwards req, and
// blocks until a result, error, or timeout arrives.
func (d *WorkerDispatcher) Dispatch(workType string, requestID string, args []Var, timeout time.Duration) (RequestResult, error) {
	d.mu.Lock()
	set, ok := d.byType[workType]
	if !ok || len(set) == 0 {
		d.mu.Unlock()
		return RequestResult{}, ErrNoWorkers
	}
	var chosen *workerHandle
	for _, h := range set {
		if chosen == nil || h.load < chosen.load {
			chosen = h
		}
	}
	chosen.load++
	pr := &pendingRequest{workerID: chosen.id, result: make(chan RequestResult, 1), errCh: make(chan RequestError, 1)}
	d.pending[requestID] = pr
	d.mu.Unlock()

	d.publish(chosen.id, WorkerRequest{WorkerID: chosen.id, RequestID: requestID, Args: args, TimeoutMS: timeout.Milliseconds()})

	defer func() {
		d.mu.Lock()
		delete(d.pending, requestID)
		chosen.load--
		d.mu.Unlock()
	}()

	select {
	case res := <-pr.result:
		return res, nil
	case e := <-pr.errCh:
		return RequestResult{}, errors.New("rpc: " + string(e.Kind) + ": " + e.Message)
	case <-time.After(timeout):
		return RequestResult{}, errors.New("rpc: worker request timed out")
	}
}

// Resolve delivers a worker's RequestResult to the waiting Dispatch call.
func (d *WorkerDispatcher) Resolve(res RequestResult) {
	d.mu.Lock()
	pr, ok := d.pending[res.RequestID]
	d.mu.Unlock()
	if ok {
		pr.result <- res
	}
}

// Fail delivers a worker's RequestError to the waiting Dispatch call.
func (d *WorkerDispatcher) Fail(reqErr RequestError) {
	d.mu.Lock()
	pr, ok := d.pending[reqErr.RequestID]
	d.mu.Unlock()
	if ok {
		pr.errCh <- reqErr
	}
}

// EvictStaleWorkers detaches workers whose last pong exceeds pingAge,
// failing all of their pending requests with WorkerDetached.
func (d *WorkerDispatcher) EvictStaleWorkers(now time.Time) {
	d.mu.Lock()
	var stale []string
	for _, set := range d.byType {
		for id, h := range set {
			if now.Sub(h.lastPong) > d.pingAge {
				stale = append(stale, id)
				delete(set, id)
			}
		}
	}
	var toFail []string
	for reqID, pr := range d.pending {
		for _, id := range stale {
			if pr.workerID == id {
				toFail = append(toFail, reqID)
			}
		}
	}
	d.mu.Unlock()

	for _, reqID := range toFail {
		d.Fail(RequestError{RequestID: reqID, Kind: RequestErrDetached, Message: "worker ping timed out"})
	}
}
