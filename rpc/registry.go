package rpc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPingTimeout is how stale a client's last ping may get before the
// ping loop evicts it.
const defaultPingTimeout = 30 * time.Second

// ConnectionRecord is the durable per-client row the registry maintains.
// With a ConnStore attached (SetStore), records also persist to the
// connections partition across restarts; the socket itself is gone after a
// restart, but the record keeps the hostname-to-connection-object mapping.
type ConnectionRecord struct {
	ClientID               string
	ConnectionObj          int64
	Player                 int64 // 0 if not yet logged in; see HasPlayer
	HasPlayer              bool
	Hostname               string
	LocalPort              int
	RemotePort             int
	LastActivity           time.Time
	LastPing               time.Time
	AcceptableContentTypes []string
	Attributes             map[string]Var
}

// ConnectionRegistry maps client_id to ConnectionRecord and tracks which
// clients belong to which logged-in player; a player may have several
// concurrent client connections.
type ConnectionRegistry struct {
	mu          sync.Mutex
	byClient    map[string]*ConnectionRecord
	byPlayer    map[int64]map[string]struct{}
	pingTimeout time.Duration
	store       *ConnStore

	onLastClientDetached func(player int64)
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byClient:    make(map[string]*ConnectionRecord),
		byPlayer:    make(map[int64]map[string]struct{}),
		pingTimeout: defaultPingTimeout,
	}
}

// OnLastClientDetached registers a callback invoked when a player's final
// client connection is removed, detaching the player.
func (r *ConnectionRegistry) OnLastClientDetached(fn func(player int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLastClientDetached = fn
}

// Establish registers a new, not-yet-logged-in connection and returns its
// freshly minted client id.
func (r *ConnectionRegistry) Establish(connectionObj int64, hostname string, localPort, remotePort int, contentTypes []string, attrs map[string]Var) string {
	clientID := uuid.NewString()
	now := time.Now()
	rec := &ConnectionRecord{
		ClientID:               clientID,
		ConnectionObj:          connectionObj,
		Hostname:               hostname,
		LocalPort:              localPort,
		RemotePort:             remotePort,
		LastActivity:           now,
		LastPing:               now,
		AcceptableContentTypes: contentTypes,
		Attributes:             attrs,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClient[clientID] = rec
	r.persist(rec)
	return clientID
}

// AttachPlayer associates a client with a logged-in player.
func (r *ConnectionRegistry) AttachPlayer(clientID string, player int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byClient[clientID]
	if !ok {
		return false
	}
	rec.Player = player
	rec.HasPlayer = true
	set, ok := r.byPlayer[player]
	if !ok {
		set = make(map[string]struct{})
		r.byPlayer[player] = set
	}
	set[clientID] = struct{}{}
	r.persist(rec)
	return true
}

// Detach removes a client connection. If it was that player's last client,
// the registered detach callback fires.
func (r *ConnectionRegistry) Detach(clientID string) {
	r.mu.Lock()
	rec, ok := r.byClient[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClient, clientID)
	r.unpersist(clientID)

	var lastForPlayer int64 = -1
	var notify func(int64)
	if rec.HasPlayer {
		if set, ok := r.byPlayer[rec.Player]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(r.byPlayer, rec.Player)
				lastForPlayer = rec.Player
				notify = r.onLastClientDetached
			}
		}
	}
	r.mu.Unlock()

	if notify != nil && lastForPlayer != -1 {
		notify(lastForPlayer)
	}
}

// Touch updates last-activity (on traffic) and optionally last-ping time.
func (r *ConnectionRegistry) Touch(clientID string, ping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byClient[clientID]
	if !ok {
		return
	}
	now := time.Now()
	rec.LastActivity = now
	if ping {
		rec.LastPing = now
	}
}

// Get returns a copy of a client's record.
func (r *ConnectionRegistry) Get(clientID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byClient[clientID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// ClientsForPlayer lists every client id currently attached to a player.
func (r *ConnectionRegistry) ClientsForPlayer(player int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byPlayer[player]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// EvictStale detaches every client whose last ping is older than the
// configured timeout, returning the evicted client ids.
func (r *ConnectionRegistry) EvictStale(now time.Time) []string {
	r.mu.Lock()
	var stale []string
	for id, rec := range r.byClient {
		if now.Sub(rec.LastPing) > r.pingTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Detach(id)
	}
	return stale
}
