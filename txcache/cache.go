// Package txcache implements the transactional MVCC cache that sits in
// front of the storage provider: one Cache per relation, each holding a
// size-bounded, approximately-LRU index of the
// relation's authoritative rows, plus per-transaction working sets that
// give read-your-writes isolation and optimistic conflict detection on
// commit.
package txcache

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"mooreactor/storage"
)

// ErrConflict is returned by Commit when the transaction's read set was
// invalidated by a concurrently committed write.
var ErrConflict = errors.New("txcache: commit conflict")

// Entry is a cached relation row.
type Entry struct {
	Timestamp  uint64
	Hits       uint64
	Datum      []byte
	Tombstone  bool
	SizeBytes  int
}

// Cache is the transactional cache for a single relation (e.g. "flags",
// "parent", "verbdefs"). It is backed by one storage partition.
type Cache struct {
	provider  *storage.Provider
	partition string

	mu         sync.Mutex
	index      map[string]*Entry
	usedBytes  int
	byteBudget int

	// sample is a second-chance eviction queue: entries are sampled into
	// it recording their hit count at sample time; a later pass evicts
	// those whose hit count hasn't changed since.
	sample *lru.Cache[string, uint64]
}

// NewCache creates a transactional cache for a relation, backed by
// provider's named partition, bounded to byteBudget bytes of cached data.
func NewCache(provider *storage.Provider, partition string, byteBudget int) *Cache {
	sample, _ := lru.New[string, uint64](4096)
	return &Cache{
		provider:   provider,
		partition:  partition,
		index:      make(map[string]*Entry),
		byteBudget: byteBudget,
		sample:     sample,
	}
}

// opType is the kind of pending mutation in a transaction's working set.
type opType int

const (
	opView opType = iota
	opInsert
	opUpdate
	opDelete
)

// pendingOp is one key's pending state within a transaction.
type pendingOp struct {
	readTS  uint64
	haveRead bool
	writeTS uint64
	value   []byte
	typ     opType
}

// Txn is a transaction's working set against one Cache.
type Txn struct {
	cache   *Cache
	txTS    uint64
	working map[string]*pendingOp
	done    bool
}

// Begin opens a new transaction against the cache, stamped with the
// transaction's commit-candidate timestamp.
func (c *Cache) Begin(txTS uint64) *Txn {
	return &Txn{cache: c, txTS: txTS, working: make(map[string]*pendingOp)}
}

// Get reads a value, consulting the working set first (read-your-writes),
// then the cache, then the backing partition on a cache miss.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if op, ok := t.working[k]; ok {
		switch op.typ {
		case opDelete:
			return nil, false, nil
		case opInsert, opUpdate:
			return op.value, true, nil
		}
	}

	entry, err := t.cache.fill(key)
	if err != nil {
		return nil, false, err
	}
	if t.working[k] == nil {
		t.working[k] = &pendingOp{typ: opView}
	}
	if entry == nil || entry.Tombstone {
		t.working[k].haveRead = true
		t.working[k].readTS = 0
		return nil, false, nil
	}
	t.working[k].haveRead = true
	t.working[k].readTS = entry.Timestamp
	return entry.Datum, true, nil
}

// Put stages an insert-or-update in the working set; it does not touch the
// cache or the provider until Commit.
func (t *Txn) Put(key []byte, value []byte, isInsert bool) {
	k := string(key)
	op, ok := t.working[k]
	if !ok {
		op = &pendingOp{}
		t.working[k] = op
	}
	op.value = append([]byte(nil), value...)
	op.writeTS = t.txTS
	if isInsert && op.typ != opUpdate {
		op.typ = opInsert
	} else {
		op.typ = opUpdate
	}
}

// Delete stages a delete (tombstone) in the working set.
func (t *Txn) Delete(key []byte) {
	k := string(key)
	op, ok := t.working[k]
	if !ok {
		op = &pendingOp{}
		t.working[k] = op
	}
	op.typ = opDelete
	op.writeTS = t.txTS
	op.value = nil
}

// Commit performs the two-phase check-then-apply under the cache's
// mutex: check that every read in the working set is still current, then
// install the writes into the cache and enqueue them to the provider's
// batch writer. Returns ErrConflict if any read was invalidated.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	c := t.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check phase.
	for k, op := range t.working {
		authoritative, err := c.authoritativeLocked([]byte(k))
		if err != nil {
			return err
		}
		switch op.typ {
		case opInsert:
			if authoritative != nil && !authoritative.Tombstone {
				return ErrConflict
			}
		default:
			if op.haveRead {
				var authTS uint64
				if authoritative != nil {
					authTS = authoritative.Timestamp
				}
				if authTS > op.readTS {
					return ErrConflict
				}
			}
		}
	}

	// Apply phase.
	var batch storage.CommitBatch
	batch.Timestamp = t.txTS
	for k, op := range t.working {
		if op.typ == opView {
			continue
		}
		key := []byte(k)
		switch op.typ {
		case opInsert, opUpdate:
			c.installLocked(key, &Entry{Timestamp: t.txTS, Datum: op.value, SizeBytes: len(op.value)})
			batch.Ops = append(batch.Ops, storage.Op{Partition: c.partition, Key: key, Value: op.value, Timestamp: t.txTS})
		case opDelete:
			c.installLocked(key, &Entry{Timestamp: t.txTS, Tombstone: true})
			batch.Ops = append(batch.Ops, storage.Op{Partition: c.partition, Key: key, IsDelete: true, Timestamp: t.txTS})
		}
	}
	if len(batch.Ops) > 0 {
		c.provider.Writer().Submit(&batch)
	}
	c.evictIfNeededLocked()
	t.done = true
	return nil
}

// Rollback discards the working set; the cache and provider are untouched.
func (t *Txn) Rollback() {
	t.working = nil
	t.done = true
}

// fill returns the cached entry for key, reading through to the provider on
// a cache miss and populating the cache with the provider's timestamp.
func (c *Cache) fill(key []byte) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authoritativeLocked(key)
}

// authoritativeLocked returns the authoritative entry for key, filling the
// cache from the provider if absent. Caller must hold c.mu.
func (c *Cache) authoritativeLocked(key []byte) (*Entry, error) {
	if e, ok := c.index[string(key)]; ok {
		e.Hits++
		return e, nil
	}
	rec, ok, err := c.provider.Get(c.partition, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	e := &Entry{Timestamp: rec.Timestamp, Datum: rec.Value, SizeBytes: len(rec.Value)}
	c.installLocked(key, e)
	return e, nil
}

// installLocked inserts or replaces an entry, maintaining usedBytes. Caller
// must hold c.mu.
func (c *Cache) installLocked(key []byte, e *Entry) {
	k := string(key)
	if old, ok := c.index[k]; ok {
		c.usedBytes -= old.SizeBytes
	}
	c.index[k] = e
	c.usedBytes += e.SizeBytes
}

// evictIfNeededLocked runs the second-chance sampling pass once
// usedBytes exceeds the configured budget. Caller must hold c.mu.
func (c *Cache) evictIfNeededLocked() {
	if c.byteBudget <= 0 || c.usedBytes <= c.byteBudget {
		return
	}
	// Sample pass: record current hit counts for entries not yet sampled.
	for k, e := range c.index {
		if _, ok := c.sample.Get(k); !ok {
			c.sample.Add(k, e.Hits)
		}
	}
	// Promote-or-evict pass: entries whose hits are unchanged since
	// sampling are evicted; others survive and are re-armed for next time.
	for _, k := range c.sample.Keys() {
		if c.usedBytes <= c.byteBudget {
			break
		}
		sampledHits, ok := c.sample.Get(k)
		if !ok {
			continue
		}
		e, present := c.index[k]
		if !present {
			c.sample.Remove(k)
			continue
		}
		if e.Hits == sampledHits {
			c.usedBytes -= e.SizeBytes
			delete(c.index, k)
			c.sample.Remove(k)
		} else {
			c.sample.Remove(k)
		}
	}
}

// UsedBytes reports the cache's current estimated footprint, for metrics
// and tests.
func (c *Cache) UsedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}
