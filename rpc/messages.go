package rpc

import "mooreactor/types"

// Var is the wire representation of a types.Value, since the JSON RPC
// envelope can't carry the types.Value interface directly. It round-trips
// through the VM's existing toliteral-style rendering so a worker never
// needs to import the types package.
type Var struct {
	Literal string `json:"literal"`
}

// NewVar wraps a value for wire transmission.
func NewVar(v types.Value) Var {
	if v == nil {
		return Var{Literal: "0"}
	}
	return Var{Literal: v.String()}
}

// ConnectionEstablish is sent by a host when a new network connection
// arrives, before login.
type ConnectionEstablish struct {
	Hostname              string            `json:"hostname"`
	LocalPort             int               `json:"local_port"`
	RemotePort             int              `json:"remote_port"`
	AcceptableContentTypes []string         `json:"acceptable_content_types"`
	Attributes             map[string]Var   `json:"attributes"`
}

// NewConnection is the daemon's reply to ConnectionEstablish.
type NewConnection struct {
	ClientToken  string `json:"client_token"`
	ConnectionObj int64 `json:"connection_obj"`
}

// LoginCommand is sent by a host forwarding the connect/create line.
type LoginCommand struct {
	ClientToken string   `json:"client_token"`
	Args        []string `json:"args"`
	Attach      bool     `json:"attach"`
}

// ConnectType distinguishes how a LoginCommand resolved.
type ConnectType string

const (
	ConnectConnected  ConnectType = "connected"
	ConnectReconnected ConnectType = "reconnected"
	ConnectCreated    ConnectType = "created"
)

// LoginResult is the daemon's reply to LoginCommand.
type LoginResult struct {
	Success     bool        `json:"success"`
	AuthToken   string      `json:"auth_token,omitempty"`
	Player      int64       `json:"player,omitempty"`
	ConnectType ConnectType `json:"connect_type,omitempty"`
}

// Command forwards a line of player input after login.
type Command struct {
	ClientToken string `json:"client_token"`
	AuthToken   string `json:"auth_token"`
	Line        string `json:"line"`
}

// TaskSubmitted is the daemon's reply once a command has been admitted as a
// task.
type TaskSubmitted struct {
	TaskID int64 `json:"task_id"`
}

// CommandError is the daemon's reply when a command could not be admitted.
type CommandError struct {
	Message string `json:"message"`
}

// RequestedInput delivers a line requested via Session.request_input.
type RequestedInput struct {
	ClientToken string `json:"client_token"`
	RequestID   string `json:"request_id"`
	Line        string `json:"line"`
}

// Detach tells the daemon a host is dropping a client connection.
type Detach struct {
	ClientToken string `json:"client_token"`
	Hard        bool   `json:"hard"`
}

// Broadcast event kinds, daemon -> host over the events pub/sub topic.
type EventKind string

const (
	EventNarrative EventKind = "narrative"
	EventSystemMsg EventKind = "system_msg"
	EventShutdown  EventKind = "shutdown"
	EventDisconnect EventKind = "disconnect"
)

// Event is the envelope for every daemon -> host broadcast.
type Event struct {
	Kind    EventKind `json:"kind"`
	Player  int64     `json:"player,omitempty"`
	Payload Var       `json:"payload,omitempty"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

// AttachWorker is sent by a worker process to join a worker type's pool.
type AttachWorker struct {
	WorkerToken string `json:"worker_token"`
	WorkerType  string `json:"worker_type"`
}

// AttachResult is the daemon's reply to AttachWorker.
type AttachResult struct {
	Ack    bool   `json:"ack"`
	Reason string `json:"reason,omitempty"`
}

// WorkerRequest is published to an attached worker to perform out-of-process
// work on behalf of a suspended task.
type WorkerRequest struct {
	WorkerID  string `json:"worker_id"`
	RequestID string `json:"request_id"`
	Args      []Var  `json:"args"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// PingWorkers is broadcast periodically; workers reply with WorkerPong.
type PingWorkers struct{}

// WorkerPong is a worker's keepalive reply.
type WorkerPong struct {
	WorkerID string `json:"worker_id"`
}

// RequestResult is a worker's successful reply to a WorkerRequest.
type RequestResult struct {
	RequestID string `json:"request_id"`
	Value     Var     `json:"value"`
}

// RequestErrorKind enumerates why a worker request failed.
type RequestErrorKind string

const (
	RequestErrTimeout   RequestErrorKind = "timeout"
	RequestErrDetached  RequestErrorKind = "detached"
	RequestErrRejected  RequestErrorKind = "rejected"
	RequestErrNoWorkers RequestErrorKind = "no_workers"
)

// RequestError is a worker's (or the dispatcher's) failure reply to a
// WorkerRequest.
type RequestError struct {
	RequestID string           `json:"request_id"`
	Kind      RequestErrorKind `json:"kind"`
	Message   string           `json:"message"`
}

// Failure is the generic RPC error envelope; error kinds a peer doesn't
// recognize degrade to InternalError.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
