package rpc

import (
	"net"
	"sync"
	"testing"
	"time"
)

// fakeBridge is an in-memory stand-in for server.RPCBridge: it records
// delivered lines and always reports player 100 as logged in, so tests
// don't need a real object store.
type fakeBridge struct {
	mu       sync.Mutex
	nextObj  int64
	lines    []string
	detached []int64
}

func (b *fakeBridge) Establish(conn *Conn, hostname string, localPort, remotePort int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextObj--
	return b.nextObj
}

func (b *fakeBridge) Deliver(connObj int64, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

func (b *fakeBridge) AwaitLogin(connObj int64, timeout time.Duration) (int64, bool) {
	return 100, true
}

func (b *fakeBridge) Detach(connObj int64, hard bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = append(b.detached, connObj)
}

func startTestServer(t *testing.T, bridge Bridge) (*Server, *Conn) {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", bridge)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)

	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return srv, NewConn(nc)
}

func TestServerEstablishLoginAndCommand(t *testing.T) {
	bridge := &fakeBridge{}
	_, c := startTestServer(t, bridge)

	if err := c.Send("ConnectionEstablish", ConnectionEstablish{Hostname: "localhost", LocalPort: 7777, RemotePort: 4242}); err != nil {
		t.Fatalf("send establish: %v", err)
	}
	frame, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Kind != "NewConnection" {
		t.Fatalf("got kind %s, want NewConnection", frame.Kind)
	}
	var nc NewConnection
	if err := frame.Into(&nc); err != nil {
		t.Fatalf("decode NewConnection: %v", err)
	}
	if nc.ClientToken == "" {
		t.Fatalf("expected non-empty client token")
	}
	if nc.ConnectionObj != -1 {
		t.Fatalf("got connection obj %d, want -1", nc.ConnectionObj)
	}

	if err := c.Send("LoginCommand", LoginCommand{ClientToken: nc.ClientToken, Args: []string{"connect", "wizard"}}); err != nil {
		t.Fatalf("send login: %v", err)
	}
	frame, err = c.Recv()
	if err != nil {
		t.Fatalf("recv login result: %v", err)
	}
	var lr LoginResult
	if err := frame.Into(&lr); err != nil {
		t.Fatalf("decode LoginResult: %v", err)
	}
	if !lr.Success || lr.Player != 100 || lr.AuthToken == "" {
		t.Fatalf("unexpected login result: %+v", lr)
	}

	if err := c.Send("Command", Command{ClientToken: nc.ClientToken, AuthToken: lr.AuthToken, Line: "look"}); err != nil {
		t.Fatalf("send command: %v", err)
	}
	frame, err = c.Recv()
	if err != nil {
		t.Fatalf("recv command ack: %v", err)
	}
	if frame.Kind != "TaskSubmitted" {
		t.Fatalf("got kind %s, want TaskSubmitted", frame.Kind)
	}

	bridge.mu.Lock()
	lines := append([]string(nil), bridge.lines...)
	bridge.mu.Unlock()
	if len(lines) != 2 || lines[0] != "connect wizard" || lines[1] != "look" {
		t.Fatalf("unexpected delivered lines: %v", lines)
	}
}

func TestServerRejectsUnknownAuthToken(t *testing.T) {
	bridge := &fakeBridge{}
	_, c := startTestServer(t, bridge)

	c.Send("ConnectionEstablish", ConnectionEstablish{Hostname: "localhost"})
	frame, _ := c.Recv()
	var nc NewConnection
	frame.Into(&nc)

	if err := c.Send("Command", Command{ClientToken: nc.ClientToken, AuthToken: "bogus", Line: "look"}); err != nil {
		t.Fatalf("send command: %v", err)
	}
	frame, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Kind != "CommandError" {
		t.Fatalf("got kind %s, want CommandError", frame.Kind)
	}
}

func TestServerWorkerAttachAndDispatch(t *testing.T) {
	bridge := &fakeBridge{}
	srv, c := startTestServer(t, bridge)

	if err := c.Send("AttachWorker", AttachWorker{WorkerType: "http"}); err != nil {
		t.Fatalf("send attach: %v", err)
	}
	frame, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var ar AttachResult
	if err := frame.Into(&ar); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ar.Ack {
		t.Fatalf("expected ack")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := c.Recv()
		if err != nil {
			t.Errorf("recv worker request: %v", err)
			return
		}
		if req.Kind != "WorkerRequest" {
			t.Errorf("got kind %s, want WorkerRequest", req.Kind)
			return
		}
		var wr WorkerRequest
		req.Into(&wr)
		c.Send("RequestResult", RequestResult{RequestID: wr.RequestID, Value: NewVar(nil)})
	}()

	res, err := srv.Dispatch("http", "req-1", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.RequestID != "req-1" {
		t.Fatalf("got request id %s, want req-1", res.RequestID)
	}
	<-done
}
