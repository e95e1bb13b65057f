package rpc

import (
	"fmt"
	"log"

	"mooreactor/storage"

	json "github.com/goccy/go-json"
)

// connectionsPartition is the dedicated storage partition connection
// records live in, next to world_state and suspended_tasks.
const connectionsPartition = "connections"

// ConnStore persists ConnectionRecords against a storage.Provider so the
// connection-object mapping survives a daemon restart. A reconnecting host
// re-establishes its sockets, but the record lets the daemon hand the same
// connection object back to the same hostname instead of minting a new one.
type ConnStore struct {
	provider *storage.Provider
}

// NewConnStore wraps a storage.Provider for connection-record persistence.
func NewConnStore(provider *storage.Provider) *ConnStore {
	return &ConnStore{provider: provider}
}

// Put writes (or overwrites) a client's record.
func (s *ConnStore) Put(rec ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rpc: marshal connection record %s: %w", rec.ClientID, err)
	}
	return s.provider.Put(connectionsPartition, []byte(rec.ClientID), uint64(rec.LastActivity.UnixNano()), data)
}

// Delete removes a client's record, called on detach or eviction.
func (s *ConnStore) Delete(clientID string) error {
	return s.provider.Delete(connectionsPartition, []byte(clientID))
}

// LoadAll reloads every persisted record on startup.
func (s *ConnStore) LoadAll() ([]ConnectionRecord, error) {
	var out []ConnectionRecord
	var scanErr error
	err := s.provider.Scan(connectionsPartition, nil, func(key []byte, rec storage.Record) bool {
		var cr ConnectionRecord
		if err := json.Unmarshal(rec.Value, &cr); err != nil {
			scanErr = fmt.Errorf("rpc: unmarshal connection record %q: %w", key, err)
			return false
		}
		out = append(out, cr)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// persist mirrors a registry mutation into the store, when one is attached.
// Write failures are logged, never fatal: a lost record means one hostname
// gets a fresh connection object after restart, nothing worse.
func (r *ConnectionRegistry) persist(rec *ConnectionRecord) {
	if r.store == nil || rec == nil {
		return
	}
	if err := r.store.Put(*rec); err != nil {
		log.Printf("rpc: persisting connection record: %v", err)
	}
}

func (r *ConnectionRegistry) unpersist(clientID string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(clientID); err != nil {
		log.Printf("rpc: deleting connection record: %v", err)
	}
}

// SetStore attaches durable record storage and reloads whatever the last
// run left behind. Reloaded records have no live socket; they exist so
// LookupByHostname can reuse connection objects and so an operator can see
// who was connected before a crash.
func (r *ConnectionRegistry) SetStore(store *ConnStore) error {
	recs, err := store.LoadAll()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	for i := range recs {
		rec := recs[i]
		if _, live := r.byClient[rec.ClientID]; live {
			continue
		}
		r.byClient[rec.ClientID] = &rec
		if rec.HasPlayer {
			set, ok := r.byPlayer[rec.Player]
			if !ok {
				set = make(map[string]struct{})
				r.byPlayer[rec.Player] = set
			}
			set[rec.ClientID] = struct{}{}
		}
	}
	return nil
}

// LookupByHostname finds an existing connection object for a hostname, so
// ConnectionEstablish can reuse it rather than mint a new one.
func (r *ConnectionRegistry) LookupByHostname(hostname string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byClient {
		if rec.Hostname == hostname && rec.ConnectionObj != 0 {
			return rec.ConnectionObj, true
		}
	}
	return 0, false
}
