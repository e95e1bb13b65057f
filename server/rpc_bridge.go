package server

import (
	"mooreactor/rpc"
	"mooreactor/types"
	"io"
	"sync"
	"time"
)

// RPCTransport implements Transport (transport.go) on top of one rpc.Conn,
// turning the frame-oriented "LoginCommand"/"Command" messages rpc.Server
// dispatches into the line-oriented ReadLine/WriteLine contract the rest of
// the server already speaks (do_login_command, dispatchCommand,
// notify()). This is what lets an RPC-bridged session walk through exactly
// the same ConnectionManager.HandleConnection loop a raw telnet socket
// does, instead of duplicating login/command handling for the RPC fabric.
type RPCTransport struct {
	conn   *rpc.Conn
	remote string

	lines     chan string
	closeOnce sync.Once
	closed    chan struct{}
}

// NewRPCTransport wraps conn for one rpc-bridged session.
func NewRPCTransport(conn *rpc.Conn, remote string) *RPCTransport {
	return &RPCTransport{
		conn:   conn,
		remote: remote,
		lines:  make(chan string, 16),
		closed: make(chan struct{}),
	}
}

// ReadLine blocks until deliver() feeds a line or the transport closes.
func (t *RPCTransport) ReadLine() (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-t.closed:
		return "", io.EOF
	}
}

// WriteLine ships one line of output as a narrative Event frame, the path
// notify() and the login/disconnect messages all flow through.
func (t *RPCTransport) WriteLine(msg string) error {
	return t.conn.Send("Event", rpc.Event{Kind: rpc.EventNarrative, Text: msg})
}

// Close unblocks any pending ReadLine. The underlying socket is owned by
// rpc.Server's per-host handleConn loop, not this transport, since one
// socket multiplexes many sessions.
func (t *RPCTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *RPCTransport) RemoteAddr() string { return t.remote }

// deliver feeds one forwarded line to a blocked ReadLine.
func (t *RPCTransport) deliver(line string) {
	select {
	case t.lines <- line:
	case <-t.closed:
	}
}

// rpcSession is the bookkeeping RPCBridge keeps per connObj: the transport
// feeding HandleConnection's read loop, plus a channel AwaitLogin blocks on
// once Connection.SetPlayer fires (wired through SetOnPlayerSet).
type rpcSession struct {
	transport *RPCTransport
	loginCh   chan types.ObjID
}

// RPCBridge adapts a ConnectionManager to rpc.Bridge, letting the
// rpc.Server admit sessions through the exact same do_login_command /
// dispatchCommand machinery server/connection.go already implements for
// telnet sockets, just fed by rpc frames instead of raw bytes.
type RPCBridge struct {
	cm *ConnectionManager

	mu       sync.Mutex
	sessions map[int64]*rpcSession // connObj -> session
}

// NewRPCBridge builds a bridge over an already-constructed ConnectionManager.
func NewRPCBridge(cm *ConnectionManager) *RPCBridge {
	return &RPCBridge{cm: cm, sessions: make(map[int64]*rpcSession)}
}

// Establish implements rpc.Bridge.
func (b *RPCBridge) Establish(conn *rpc.Conn, hostname string, localPort, remotePort int) int64 {
	transport := NewRPCTransport(conn, conn.RemoteAddr().String())
	connection := b.cm.NewConnectionFromTransport(transport)

	sess := &rpcSession{transport: transport, loginCh: make(chan types.ObjID, 1)}
	connection.SetOnPlayerSet(func(player types.ObjID) {
		select {
		case sess.loginCh <- player:
		default:
		}
	})

	connObj := -connection.ID
	b.mu.Lock()
	b.sessions[connObj] = sess
	b.mu.Unlock()

	go b.cm.HandleConnection(connection)
	return connObj
}

// Deliver implements rpc.Bridge.
func (b *RPCBridge) Deliver(connObj int64, line string) {
	b.mu.Lock()
	sess, ok := b.sessions[connObj]
	b.mu.Unlock()
	if ok {
		sess.transport.deliver(line)
	}
}

// AwaitLogin implements rpc.Bridge.
func (b *RPCBridge) AwaitLogin(connObj int64, timeout time.Duration) (int64, bool) {
	b.mu.Lock()
	sess, ok := b.sessions[connObj]
	b.mu.Unlock()
	if !ok {
		return 0, false
	}
	select {
	case player := <-sess.loginCh:
		return int64(player), true
	case <-time.After(timeout):
		return 0, false
	}
}

// Detach implements rpc.Bridge.
func (b *RPCBridge) Detach(connObj int64, hard bool) {
	b.mu.Lock()
	sess, ok := b.sessions[connObj]
	delete(b.sessions, connObj)
	b.mu.Unlock()
	if ok {
		sess.transport.Close()
	}
}
