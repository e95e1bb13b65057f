package rpc

import (
	"log"
	"net"
	"sync"
	"time"
)

// clientTokenTTL and friends bound how long a minted token is accepted
// before a host/worker must re-establish. Generous since there is no
// refresh flow yet.
const (
	clientTokenTTL = 24 * time.Hour
	authTokenTTL   = 24 * time.Hour
	workerTokenTTL = 24 * time.Hour
	evictInterval  = 10 * time.Second
)

// Bridge is implemented by the daemon side (the server package's
// ConnectionManager/Scheduler pair) so this package's Server can stay free
// of a dependency on the object/task model. It is the rpc-facing half of
// the session abstraction. Sessions are keyed by connObj, the placeholder
// connection object the bridge itself assigns in Establish — the registry's
// client id is minted afterwards and can't be the key the bridge hands
// back, since the bridge creates the session before any client id exists.
type Bridge interface {
	// Establish admits a brand-new host connection, spins up a session for
	// it, and returns the placeholder connection object id to report back
	// (pre-login, a negative "unlogged" object per the #-1..#-N convention).
	// conn is handed over so the bridge's session can write Event frames
	// back (notify() output) on the same socket the request arrived on.
	Establish(conn *Conn, hostname string, localPort, remotePort int) (connObj int64)
	// Deliver forwards one line of input (a login line or a command line)
	// to the session identified by connObj.
	Deliver(connObj int64, line string)
	// AwaitLogin blocks (up to timeout) for the session to report a
	// logged-in player, for replying to LoginCommand synchronously.
	AwaitLogin(connObj int64, timeout time.Duration) (player int64, ok bool)
	// Detach tears down the session, hard or soft.
	Detach(connObj int64, hard bool)
}

// Server is the daemon-side RPC listener: it accepts host and
// worker process connections over TCP, frames them with transport.go, and
// dispatches each Frame by Kind to the ConnectionRegistry or
// WorkerDispatcher. One net.Conn here corresponds to one host process,
// which may multiplex many player clients by client_id (not one net.Conn
// per player).
type Server struct {
	ln         net.Listener
	signer     *Signer
	registry   *ConnectionRegistry
	dispatcher *WorkerDispatcher
	bridge     Bridge

	mu         sync.Mutex
	hostOf     map[string]*Conn  // client_id -> owning host connection
	connObjOf  map[string]int64 // client_id -> bridge connection object
	workerConn map[string]*Conn // worker_id -> owning worker connection

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer builds an RPC daemon bound to addr (host:port or :port). The
// bridge is usually a *server.RPCBridge wrapping the ConnectionManager.
func NewServer(addr string, bridge Bridge) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner()
	if err != nil {
		ln.Close()
		return nil, err
	}
	s := &Server{
		ln:         ln,
		signer:     signer,
		registry:   NewConnectionRegistry(),
		dispatcher: NewWorkerDispatcher(nil),
		bridge:     bridge,
		hostOf:     make(map[string]*Conn),
		connObjOf:  make(map[string]int64),
		workerConn: make(map[string]*Conn),
		stopCh:     make(chan struct{}),
	}
	s.dispatcher.publish = s.publishToWorker
	s.registry.OnLastClientDetached(func(player int64) {
		log.Printf("rpc: last client for player #%d detached", player)
	})
	return s, nil
}

// Addr returns the bound listen address, useful when addr was ":0".
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// AttachConnStore gives the connection registry durable record storage and
// reloads the records the previous run left behind.
func (s *Server) AttachConnStore(store *ConnStore) error {
	return s.registry.SetStore(store)
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	go s.evictLoop()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				log.Printf("rpc: accept: %v", err)
				continue
			}
		}
		go s.handleConn(NewConn(nc))
	}
}

// Stop closes the listener, unblocking Serve.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.ln.Close()
	})
}

func (s *Server) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			for _, clientID := range s.registry.EvictStale(now) {
				s.mu.Lock()
				connObj, ok := s.connObjOf[clientID]
				delete(s.hostOf, clientID)
				delete(s.connObjOf, clientID)
				s.mu.Unlock()
				if ok {
					s.bridge.Detach(connObj, true)
				}
			}
			s.dispatcher.EvictStaleWorkers(now)
		}
	}
}

func (s *Server) publishToWorker(workerID string, req WorkerRequest) {
	s.mu.Lock()
	conn, ok := s.workerConn[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Send("WorkerRequest", req); err != nil {
		log.Printf("rpc: publish to worker %s: %v", workerID, err)
	}
}

// handleConn services one net.Conn for its lifetime, dispatching frames by
// Kind until the peer disconnects.
func (s *Server) handleConn(c *Conn) {
	defer c.Close()

	var clientID string
	var workerID string

	for {
		frame, err := c.Recv()
		if err != nil {
			break
		}

		switch frame.Kind {
		case "ConnectionEstablish":
			var msg ConnectionEstablish
			if err := frame.Into(&msg); err != nil {
				continue
			}
			connObj := s.bridge.Establish(c, msg.Hostname, msg.LocalPort, msg.RemotePort)
			clientID = s.registry.Establish(connObj, msg.Hostname, msg.LocalPort, msg.RemotePort, msg.AcceptableContentTypes, msg.Attributes)
			s.mu.Lock()
			s.hostOf[clientID] = c
			s.connObjOf[clientID] = connObj
			s.mu.Unlock()
			token, _ := s.signer.Mint(TokenClient, clientID, clientTokenTTL)
			c.Send("NewConnection", NewConnection{ClientToken: token, ConnectionObj: connObj})

		case "LoginCommand":
			var msg LoginCommand
			if err := frame.Into(&msg); err != nil {
				continue
			}
			id, err := s.signer.Verify(msg.ClientToken, TokenClient)
			if err != nil || id != clientID {
				c.Send("Failure", Failure{Kind: "InvalidToken", Message: "unrecognized client token"})
				continue
			}
			s.mu.Lock()
			connObj := s.connObjOf[clientID]
			s.mu.Unlock()
			line := joinArgs(msg.Args)
			s.bridge.Deliver(connObj, line)
			player, ok := s.bridge.AwaitLogin(connObj, 3*time.Second)
			if !ok {
				c.Send("LoginResult", LoginResult{Success: false})
				continue
			}
			s.registry.AttachPlayer(clientID, player)
			authTok, _ := s.signer.Mint(TokenAuth, clientID, authTokenTTL)
			connectType := ConnectConnected
			if msg.Attach {
				connectType = ConnectReconnected
			}
			c.Send("LoginResult", LoginResult{Success: true, AuthToken: authTok, Player: player, ConnectType: connectType})

		case "Command":
			var msg Command
			if err := frame.Into(&msg); err != nil {
				continue
			}
			if _, err := s.signer.Verify(msg.AuthToken, TokenAuth); err != nil {
				c.Send("CommandError", CommandError{Message: "unrecognized auth token"})
				continue
			}
			s.mu.Lock()
			connObj := s.connObjOf[clientID]
			s.mu.Unlock()
			s.registry.Touch(clientID, false)
			s.bridge.Deliver(connObj, msg.Line)
			c.Send("TaskSubmitted", TaskSubmitted{TaskID: 0})

		case "Detach":
			var msg Detach
			if err := frame.Into(&msg); err != nil {
				continue
			}
			s.mu.Lock()
			connObj := s.connObjOf[clientID]
			delete(s.hostOf, clientID)
			delete(s.connObjOf, clientID)
			s.mu.Unlock()
			s.bridge.Detach(connObj, msg.Hard)
			s.registry.Detach(clientID)
			return

		case "AttachWorker":
			var msg AttachWorker
			if err := frame.Into(&msg); err != nil {
				continue
			}
			workerID = s.dispatcher.Attach(msg.WorkerType)
			s.mu.Lock()
			s.workerConn[workerID] = c
			s.mu.Unlock()
			c.Send("AttachResult", AttachResult{Ack: true})

		case "WorkerPong":
			var msg WorkerPong
			if err := frame.Into(&msg); err != nil {
				continue
			}
			s.dispatcher.Pong(msg.WorkerID)

		case "RequestResult":
			var msg RequestResult
			if err := frame.Into(&msg); err != nil {
				continue
			}
			s.dispatcher.Resolve(msg)

		case "RequestError":
			var msg RequestError
			if err := frame.Into(&msg); err != nil {
				continue
			}
			s.dispatcher.Fail(msg)

		default:
			c.Send("Failure", Failure{Kind: "UnknownKind", Message: "unrecognized frame kind: " + frame.Kind})
		}
	}

	if clientID != "" {
		s.mu.Lock()
		connObj, ok := s.connObjOf[clientID]
		delete(s.hostOf, clientID)
		delete(s.connObjOf, clientID)
		s.mu.Unlock()
		if ok {
			s.bridge.Detach(connObj, true)
		}
		s.registry.Detach(clientID)
	}
	if workerID != "" {
		s.mu.Lock()
		delete(s.workerConn, workerID)
		s.mu.Unlock()
	}
}

// Dispatch exposes the worker dispatcher so a suspended task's builtin
// (worker_request(), builtins/network.go) can issue out-of-process requests.
func (s *Server) Dispatch(workType, requestID string, args []Var, timeout time.Duration) (RequestResult, error) {
	return s.dispatcher.Dispatch(workType, requestID, args, timeout)
}

// WorkerDispatcher returns the daemon's worker dispatcher so callers outside
// this package (the task scheduler) can hand it to running tasks.
func (s *Server) WorkerDispatcher() *WorkerDispatcher {
	return s.dispatcher
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
