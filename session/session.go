// Package session implements the host-side session abstraction:
// a connection's outbound events are buffered against a transaction and
// only reach the player once the task that produced them commits.
package session

import "sync"

// Conn is the connection surface a Session drives. *server.Connection
// satisfies it: Buffer/Flush already back notify()'s no_flush path
// (see builtins/network.go), and DiscardBuffer gives rollback somewhere
// safe to throw buffered output away.
type Conn interface {
	Send(message string) error
	Buffer(message string)
	Flush() error
	DiscardBuffer()
	Close() error
}

// group is the state shared by a Session and every Session forked from it.
// Disconnecting any fork disconnects the connection for all of them.
type group struct {
	mu           sync.Mutex
	conn         Conn
	disconnected bool
}

func (g *group) disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disconnected {
		return
	}
	g.disconnected = true
	g.conn.Close()
}

func (g *group) isDisconnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnected
}

// Session is bound to one logged-in player's connection for the lifetime of
// one task (and any tasks forked from it). This implementation ties a
// Session to a single player, matching the server's existing one-player-
// per-Connection model; send_event/send_system_msg address that player
// implicitly rather than taking a player argument.
type Session struct {
	g *group
}

// New creates a root session driving conn. Used once per top-level task;
// forked tasks get their session via Fork instead.
func New(conn Conn) *Session {
	return &Session{g: &group{conn: conn}}
}

// SendEvent buffers an event for the player. It never blocks on I/O; the
// event reaches the connection only on Commit.
func (s *Session) SendEvent(event string) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if s.g.disconnected {
		return
	}
	s.g.conn.Buffer(event)
}

// SendSystemMsg writes msg to the connection immediately, bypassing the
// commit buffer (used for out-of-band/system notices a task should not be
// able to roll back).
func (s *Session) SendSystemMsg(msg string) error {
	s.g.mu.Lock()
	disconnected := s.g.disconnected
	s.g.mu.Unlock()
	if disconnected {
		return nil
	}
	return s.g.conn.Send(msg)
}

// RequestInput commits the buffer so the player sees everything produced so
// far before the task suspends waiting for a line of input.
func (s *Session) RequestInput(requestID string) error {
	return s.Commit()
}

// Commit flushes buffered events to the connection. Called after a task's
// world-state changes have committed; a write failure here is logged by the
// caller and does not unwind the transaction.
func (s *Session) Commit() error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if s.g.disconnected {
		return nil
	}
	return s.g.conn.Flush()
}

// Rollback discards buffered events without touching the connection.
func (s *Session) Rollback() {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()
	if s.g.disconnected {
		return
	}
	s.g.conn.DiscardBuffer()
}

// Fork returns an independent session for a forked task, sharing the same
// underlying connection and disconnect state as s.
func (s *Session) Fork() *Session {
	return &Session{g: s.g}
}

// Disconnect tears down the underlying connection. Every session forked
// from the same root observes the disconnect: further SendEvent/Commit
// calls become no-ops instead of erroring.
func (s *Session) Disconnect() {
	s.g.disconnect()
}

// Disconnected reports whether this session's connection has been torn
// down, by this fork or any other sharing its connection.
func (s *Session) Disconnected() bool {
	return s.g.isDisconnected()
}
