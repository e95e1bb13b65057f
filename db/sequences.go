package db

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"mooreactor/storage"
	"mooreactor/txcache"
)

// sequencesPartition holds the monotonic counters (object-id high-water
// mark, etc.) in distinguished keys, each a big-endian int64.
const sequencesPartition = "sequences"

// seqAllocRetries bounds the internal conflict-retry loop of a single
// counter bump. Contention on a counter resolves in one or two retries;
// exhausting the bound means the cache or provider is wedged, not busy.
const seqAllocRetries = 16

// SequenceStore keeps named monotonic counters in the sequences partition,
// routed through the transactional cache so concurrent bumps conflict-check
// against each other instead of racing.
type SequenceStore struct {
	cache *txcache.Cache
	clock atomic.Uint64
}

// NewSequenceStore opens the counters over provider.
func NewSequenceStore(provider *storage.Provider) *SequenceStore {
	s := &SequenceStore{
		cache: txcache.NewCache(provider, sequencesPartition, 1<<16),
	}
	s.clock.Store(uint64(time.Now().UnixNano()))
	return s
}

func encodeSeq(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeSeq(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Peek reads a counter without modifying it. Missing counters read as 0.
func (s *SequenceStore) Peek(name string) (int64, error) {
	txn := s.cache.Begin(s.clock.Add(1))
	defer txn.Rollback()
	data, ok, err := txn.Get([]byte(name))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeSeq(data), nil
}

// Next bumps a counter by one and returns the new value.
func (s *SequenceStore) Next(name string) (int64, error) {
	return s.update(name, func(cur int64) (int64, bool) {
		return cur + 1, true
	})
}

// SetAtLeast raises a counter to at least v, leaving it alone if it is
// already there. Returns the counter's value afterwards.
func (s *SequenceStore) SetAtLeast(name string, v int64) (int64, error) {
	return s.update(name, func(cur int64) (int64, bool) {
		if cur >= v {
			return cur, false
		}
		return v, true
	})
}

// update applies fn to a counter inside a transaction, retrying on commit
// conflict. fn returns the new value and whether a write is needed at all.
func (s *SequenceStore) update(name string, fn func(cur int64) (int64, bool)) (int64, error) {
	key := []byte(name)
	for attempt := 0; attempt < seqAllocRetries; attempt++ {
		txn := s.cache.Begin(s.clock.Add(1))
		data, ok, err := txn.Get(key)
		if err != nil {
			txn.Rollback()
			return 0, err
		}
		var cur int64
		if ok {
			cur = decodeSeq(data)
		}
		next, write := fn(cur)
		if !write {
			txn.Rollback()
			return next, nil
		}
		txn.Put(key, encodeSeq(next), !ok)
		err = txn.Commit()
		if err == nil {
			return next, nil
		}
		if err != txcache.ErrConflict {
			return 0, err
		}
	}
	return 0, fmt.Errorf("db: sequence %q: %w after %d attempts", name, txcache.ErrConflict, seqAllocRetries)
}
