// Package storage implements the durable log-structured key-value
// provider: a set of named partitions, each a leveldb instance,
// fronted by a single coalescing batch writer.
package storage

import (
	"encoding/binary"
	"fmt"
)

// Op is a single mutation queued for the batch writer.
type Op struct {
	Partition string
	Key       []byte
	Value     []byte // ignored when IsDelete is set
	IsDelete  bool
	Timestamp uint64
}

// encodeRecord prefixes a stored value with its commit timestamp:
// timestamp (16 bytes LE) || payload. 16 bytes is the
// format's on-disk width; timestamps themselves are plain uint64 clocks, so
// the high 8 bytes are always zero. This keeps the on-disk record
// self-describing without a separate index.
func encodeRecord(ts uint64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], ts)
	// buf[8:16] stays zero; reserved so a future epoch/counter pair fits
	// without changing the record layout.
	copy(buf[16:], payload)
	return buf
}

// decodeRecord splits a stored record back into timestamp and payload.
func decodeRecord(raw []byte) (ts uint64, payload []byte, err error) {
	if len(raw) < 16 {
		return 0, nil, fmt.Errorf("storage: record too short (%d bytes)", len(raw))
	}
	ts = binary.LittleEndian.Uint64(raw[0:8])
	payload = raw[16:]
	return ts, payload, nil
}

// EncodeObjKey canonically encodes an object id as a fixed-width big-endian
// key so ordered scans over a partition visit objects in id order.
func EncodeObjKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// EncodeCompositeKey canonically encodes a composite (obj, sub) key, e.g.
// (obj, verb-uuid) for verb programs or (obj, propdef-uuid) for properties.
func EncodeCompositeKey(id int64, sub []byte) []byte {
	buf := make([]byte, 8+len(sub))
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	copy(buf[8:], sub)
	return buf
}
