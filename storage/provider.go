package storage

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Provider owns a set of named partitions, each an independent
// log-structured merge tree (goleveldb), and the single background writer
// that durably flushes mutations to them. Partitions are opened lazily and
// lazily created under baseDir/<partition>.
type Provider struct {
	baseDir string

	mu   sync.RWMutex
	dbs  map[string]*leveldb.DB
	writer *Writer
}

// Record is a decoded partition entry.
type Record struct {
	Timestamp uint64
	Value     []byte
}

// Open creates a Provider rooted at baseDir and starts its batch writer.
// baseDir is created if it does not already exist; the daemon, not its
// operator, owns making the data directory.
func Open(baseDir string) (*Provider, error) {
	p := &Provider{
		baseDir: baseDir,
		dbs:     make(map[string]*leveldb.DB),
	}
	p.writer = newWriter(p)
	p.writer.start()
	return p, nil
}

// Close drains the batch writer and closes every open partition.
func (p *Provider) Close() error {
	p.writer.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: closing partition %q: %w", name, err)
		}
	}
	return firstErr
}

// Writer returns the provider's batch writer, used to enqueue CommitBatch
// objects and to establish durability barriers.
func (p *Provider) Writer() *Writer {
	return p.writer
}

// partition lazily opens (or returns the cached handle for) a partition by
// name. In-memory partitions (baseDir == "") are used by tests.
func (p *Provider) partition(name string) (*leveldb.DB, error) {
	p.mu.RLock()
	db, ok := p.dbs[name]
	p.mu.RUnlock()
	if ok {
		return db, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[name]; ok {
		return db, nil
	}

	var db2 *leveldb.DB
	var err error
	if p.baseDir == "" {
		db2, err = leveldb.Open(storageMemStorage(), nil)
	} else {
		db2, err = leveldb.OpenFile(p.baseDir+"/"+name, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: opening partition %q: %w", name, err)
	}
	p.dbs[name] = db2
	return db2, nil
}

// Get performs a point read, returning the decoded record if present.
func (p *Provider) Get(partition string, key []byte) (Record, bool, error) {
	db, err := p.partition(partition)
	if err != nil {
		return Record{}, false, err
	}
	raw, err := db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	ts, payload, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	return Record{Timestamp: ts, Value: payload}, true, nil
}

// Put performs an immediate, out-of-band point write (bypassing the batch
// writer). Used by snapshot import/bootstrap, never by transaction commit.
func (p *Provider) Put(partition string, key []byte, ts uint64, value []byte) error {
	db, err := p.partition(partition)
	if err != nil {
		return err
	}
	return db.Put(key, encodeRecord(ts, value), nil)
}

// Delete performs an immediate, out-of-band point delete.
func (p *Provider) Delete(partition string, key []byte) error {
	db, err := p.partition(partition)
	if err != nil {
		return err
	}
	return db.Delete(key, nil)
}

// ScanFunc is called for every entry encountered by Scan, in key order.
// Returning false stops the scan early.
type ScanFunc func(key []byte, rec Record) bool

// Scan performs an ordered range scan over keys sharing prefix.
func (p *Provider) Scan(partition string, prefix []byte, fn ScanFunc) error {
	db, err := p.partition(partition)
	if err != nil {
		return err
	}
	var rng *util.Range
	if len(prefix) > 0 {
		rng = util.BytesPrefix(prefix)
	}
	iter := db.NewIterator(rng, nil)
	defer iter.Release()
	for iter.Next() {
		ts, payload, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		key := append([]byte(nil), iter.Key()...)
		if !fn(key, Record{Timestamp: ts, Value: payload}) {
			break
		}
	}
	return iter.Error()
}
