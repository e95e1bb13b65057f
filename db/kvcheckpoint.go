package db

import (
	"encoding/binary"
	"fmt"
	"time"

	"mooreactor/parser"
	"mooreactor/storage"
	"mooreactor/types"

	json "github.com/goccy/go-json"
)

// KV world-state persistence: the world's relations stored in the storage
// provider's world_state partition, alongside the suspended-task and
// connection partitions. The textdump remains the interchange format; this
// partition is what lets the daemon restart from its own data directory
// when no textdump is available.
//
// One logical table per relation, distinguished by a leading key byte so a
// single partition (and so a single barrier) covers a whole checkpoint:
//
//	'o' || objid           object row (name/owner/parents/location/flags)
//	'p' || objid           propdefs + values + perms
//	'v' || objid           verbdef metadata (read hot)
//	'c' || objid || index  verb source (read cold)
//	's'                    distinguished key: object-id counters
const (
	worldStatePartition = "world_state"

	relObject   = 'o'
	relProps    = 'p'
	relVerbDefs = 'v'
	relVerbCode = 'c'
	relSequence = 's'
)

// checkpointBatchOps bounds how many ops go into one CommitBatch so a large
// world doesn't submit a single multi-megabyte batch to the writer.
const checkpointBatchOps = 1024

type objectRow struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Owner            int64   `json:"owner"`
	Parents          []int64 `json:"parents"`
	Children         []int64 `json:"children"`
	Location         int64   `json:"location"`
	Contents         []int64 `json:"contents"`
	Flags            uint32  `json:"flags"`
	Anonymous        bool    `json:"anonymous,omitempty"`
	ChparentChildren []int64 `json:"chparent_children,omitempty"`
	AnonChildren     []int64 `json:"anon_children,omitempty"`
}

type propRow struct {
	Name    string `json:"name"`
	Owner   int64  `json:"owner"`
	Perms   uint8  `json:"perms"`
	Clear   bool   `json:"clear,omitempty"`
	Defined bool   `json:"defined,omitempty"`
	Value   string `json:"value,omitempty"` // literal rendering; empty when Clear
}

type propsRow struct {
	Order     []string  `json:"order"`
	DefsCount int       `json:"defs_count"`
	Props     []propRow `json:"props"`
}

type verbDefRow struct {
	Names []string `json:"names"`
	Owner int64    `json:"owner"`
	Perms uint8    `json:"perms"`
	Dobj  string   `json:"dobj"`
	Prep  string   `json:"prep"`
	Iobj  string   `json:"iobj"`
}

type verbDefsRow struct {
	Defs []verbDefRow `json:"defs"`
}

type sequenceRow struct {
	MaxObjID    int64   `json:"max_obj_id"`
	HighWaterID int64   `json:"high_water_id"`
	Recycled    []int64 `json:"recycled,omitempty"`
}

func objRelKey(rel byte, id types.ObjID) []byte {
	return append([]byte{rel}, storage.EncodeObjKey(int64(id))...)
}

func verbCodeKey(id types.ObjID, index int) []byte {
	var sub [4]byte
	binary.BigEndian.PutUint32(sub[:], uint32(index))
	return append([]byte{relVerbCode}, storage.EncodeCompositeKey(int64(id), sub[:])...)
}

func sequenceKey() []byte {
	return []byte{relSequence}
}

// KVCheckpointer writes the store's world state through the provider's batch
// writer and reads it back on startup.
type KVCheckpointer struct {
	store    *Store
	provider *storage.Provider
}

// NewKVCheckpointer pairs a store with the provider its world state
// persists in.
func NewKVCheckpointer(store *Store, provider *storage.Provider) *KVCheckpointer {
	return &KVCheckpointer{store: store, provider: provider}
}

// Save serializes every live object's relations into the world_state
// partition at timestamp ts, removes rows for objects that no longer exist,
// and waits for the writer's barrier so the checkpoint is durable before
// returning.
func (kv *KVCheckpointer) Save(ts uint64, timeout time.Duration) error {
	objs, seq := kv.snapshotStore()

	live := make(map[types.ObjID]struct{}, len(objs))
	for _, obj := range objs {
		live[obj.ID] = struct{}{}
	}
	stale, err := kv.staleObjectIDs(live)
	if err != nil {
		return err
	}

	var ops []storage.Op
	addOp := func(op storage.Op) {
		ops = append(ops, op)
	}
	put := func(key []byte, row any) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		addOp(storage.Op{Partition: worldStatePartition, Key: key, Value: data, Timestamp: ts})
		return nil
	}

	for _, obj := range objs {
		if err := put(objRelKey(relObject, obj.ID), encodeObjectRow(obj)); err != nil {
			return fmt.Errorf("kvcheckpoint: object #%d: %w", obj.ID, err)
		}
		if err := put(objRelKey(relProps, obj.ID), encodePropsRow(obj)); err != nil {
			return fmt.Errorf("kvcheckpoint: props of #%d: %w", obj.ID, err)
		}
		if err := put(objRelKey(relVerbDefs, obj.ID), encodeVerbDefsRow(obj)); err != nil {
			return fmt.Errorf("kvcheckpoint: verbdefs of #%d: %w", obj.ID, err)
		}
		for i, verb := range obj.VerbList {
			data, err := json.Marshal(verb.Code)
			if err != nil {
				return fmt.Errorf("kvcheckpoint: verb %d of #%d: %w", i, obj.ID, err)
			}
			addOp(storage.Op{Partition: worldStatePartition, Key: verbCodeKey(obj.ID, i), Value: data, Timestamp: ts})
		}
	}
	if err := put(sequenceKey(), seq); err != nil {
		return fmt.Errorf("kvcheckpoint: sequences: %w", err)
	}

	for _, id := range stale {
		addOp(storage.Op{Partition: worldStatePartition, Key: objRelKey(relObject, id), IsDelete: true, Timestamp: ts})
		addOp(storage.Op{Partition: worldStatePartition, Key: objRelKey(relProps, id), IsDelete: true, Timestamp: ts})
		addOp(storage.Op{Partition: worldStatePartition, Key: objRelKey(relVerbDefs, id), IsDelete: true, Timestamp: ts})
		codePrefix := append([]byte{relVerbCode}, storage.EncodeObjKey(int64(id))...)
		err := kv.provider.Scan(worldStatePartition, codePrefix, func(key []byte, _ storage.Record) bool {
			addOp(storage.Op{Partition: worldStatePartition, Key: key, IsDelete: true, Timestamp: ts})
			return true
		})
		if err != nil {
			return fmt.Errorf("kvcheckpoint: scanning stale verb code of #%d: %w", id, err)
		}
	}

	w := kv.provider.Writer()
	for start := 0; start < len(ops); start += checkpointBatchOps {
		end := start + checkpointBatchOps
		if end > len(ops) {
			end = len(ops)
		}
		w.Submit(&storage.CommitBatch{Timestamp: ts, Ops: ops[start:end]})
	}
	if !w.WaitForBarrier(ts, timeout) {
		return fmt.Errorf("kvcheckpoint: barrier at ts=%d timed out after %v", ts, timeout)
	}
	return nil
}

// snapshotStore copies the live object pointers and counters out from under
// the store lock. Objects themselves are read without further locking, the
// same way the textdump writer iterates them: checkpoints run from the
// server loop, not concurrently with a mutating task commit.
func (kv *KVCheckpointer) snapshotStore() ([]*Object, sequenceRow) {
	kv.store.mu.RLock()
	defer kv.store.mu.RUnlock()

	objs := make([]*Object, 0, len(kv.store.objects))
	for _, obj := range kv.store.objects {
		if obj.Recycled || obj.Flags.Has(FlagInvalid) {
			continue
		}
		objs = append(objs, obj)
	}
	seq := sequenceRow{
		MaxObjID:    int64(kv.store.maxObjID),
		HighWaterID: int64(kv.store.highWaterID),
	}
	for _, id := range kv.store.recycledID {
		seq.Recycled = append(seq.Recycled, int64(id))
	}
	return objs, seq
}

// staleObjectIDs returns the ids that have object rows in the partition but
// are no longer live in the store, so their rows can be deleted.
func (kv *KVCheckpointer) staleObjectIDs(live map[types.ObjID]struct{}) ([]types.ObjID, error) {
	var stale []types.ObjID
	err := kv.provider.Scan(worldStatePartition, []byte{relObject}, func(key []byte, _ storage.Record) bool {
		if len(key) != 9 {
			return true
		}
		id := objIDFromRelKey(key)
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	return stale, err
}

func encodeObjectRow(obj *Object) objectRow {
	row := objectRow{
		ID:        int64(obj.ID),
		Name:      obj.Name,
		Owner:     int64(obj.Owner),
		Location:  int64(obj.Location),
		Flags:     uint32(obj.Flags),
		Anonymous: obj.Anonymous,
	}
	for _, p := range obj.Parents {
		row.Parents = append(row.Parents, int64(p))
	}
	for _, c := range obj.Children {
		row.Children = append(row.Children, int64(c))
	}
	for _, c := range obj.Contents {
		row.Contents = append(row.Contents, int64(c))
	}
	for id := range obj.ChparentChildren {
		row.ChparentChildren = append(row.ChparentChildren, int64(id))
	}
	for _, id := range obj.AnonymousChildren {
		row.AnonChildren = append(row.AnonChildren, int64(id))
	}
	return row
}

func encodePropsRow(obj *Object) propsRow {
	row := propsRow{
		Order:     obj.PropOrder,
		DefsCount: obj.PropDefsCount,
	}
	for _, name := range obj.PropOrder {
		prop, ok := obj.Properties[name]
		if !ok {
			continue
		}
		pr := propRow{
			Name:    prop.Name,
			Owner:   int64(prop.Owner),
			Perms:   uint8(prop.Perms),
			Clear:   prop.Clear,
			Defined: prop.Defined,
		}
		if !prop.Clear && prop.Value != nil {
			pr.Value = prop.Value.String()
		}
		row.Props = append(row.Props, pr)
	}
	return row
}

func encodeVerbDefsRow(obj *Object) verbDefsRow {
	var row verbDefsRow
	for _, verb := range obj.VerbList {
		row.Defs = append(row.Defs, verbDefRow{
			Names: verb.Names,
			Owner: int64(verb.Owner),
			Perms: uint8(verb.Perms),
			Dobj:  verb.ArgSpec.This,
			Prep:  verb.ArgSpec.Prep,
			Iobj:  verb.ArgSpec.That,
		})
	}
	return row
}

// Load reconstructs a Store from the world_state partition. Returns
// (nil, false, nil) when the partition holds no world, letting the caller
// fall back to a textdump.
func (kv *KVCheckpointer) Load() (*Store, bool, error) {
	rec, ok, err := kv.provider.Get(worldStatePartition, sequenceKey())
	if err != nil {
		return nil, false, fmt.Errorf("kvcheckpoint: reading sequences: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var seq sequenceRow
	if err := json.Unmarshal(rec.Value, &seq); err != nil {
		return nil, false, fmt.Errorf("kvcheckpoint: sequences: %w", err)
	}

	store := NewStore()
	store.maxObjID = types.ObjID(seq.MaxObjID)
	store.highWaterID = types.ObjID(seq.HighWaterID)
	for _, id := range seq.Recycled {
		store.recycledID = append(store.recycledID, types.ObjID(id))
	}

	var loadErr error
	err = kv.provider.Scan(worldStatePartition, []byte{relObject}, func(_ []byte, rec storage.Record) bool {
		var row objectRow
		if err := json.Unmarshal(rec.Value, &row); err != nil {
			loadErr = fmt.Errorf("kvcheckpoint: object row: %w", err)
			return false
		}
		store.objects[types.ObjID(row.ID)] = decodeObjectRow(row)
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if loadErr != nil {
		return nil, false, loadErr
	}

	if err := kv.loadProps(store); err != nil {
		return nil, false, err
	}
	if err := kv.loadVerbs(store); err != nil {
		return nil, false, err
	}
	return store, true, nil
}

func decodeObjectRow(row objectRow) *Object {
	obj := NewObject(types.ObjID(row.ID), types.ObjID(row.Owner))
	obj.Name = row.Name
	obj.Location = types.ObjID(row.Location)
	obj.Flags = ObjectFlags(row.Flags)
	obj.Anonymous = row.Anonymous
	for _, p := range row.Parents {
		obj.Parents = append(obj.Parents, types.ObjID(p))
	}
	for _, c := range row.Children {
		obj.Children = append(obj.Children, types.ObjID(c))
	}
	for _, c := range row.Contents {
		obj.Contents = append(obj.Contents, types.ObjID(c))
	}
	for _, id := range row.ChparentChildren {
		obj.ChparentChildren[types.ObjID(id)] = true
	}
	for _, id := range row.AnonChildren {
		obj.AnonymousChildren = append(obj.AnonymousChildren, types.ObjID(id))
	}
	return obj
}

func (kv *KVCheckpointer) loadProps(store *Store) error {
	var loadErr error
	err := kv.provider.Scan(worldStatePartition, []byte{relProps}, func(key []byte, rec storage.Record) bool {
		if len(key) != 9 {
			return true
		}
		obj := store.objects[objIDFromRelKey(key)]
		if obj == nil {
			return true
		}
		var row propsRow
		if err := json.Unmarshal(rec.Value, &row); err != nil {
			loadErr = fmt.Errorf("kvcheckpoint: props of #%d: %w", obj.ID, err)
			return false
		}
		obj.PropOrder = row.Order
		obj.PropDefsCount = row.DefsCount
		for _, pr := range row.Props {
			prop := &Property{
				Name:    pr.Name,
				Owner:   types.ObjID(pr.Owner),
				Perms:   PropertyPerms(pr.Perms),
				Clear:   pr.Clear,
				Defined: pr.Defined,
			}
			if !pr.Clear {
				prop.Value = parsePropLiteral(pr.Value)
			}
			obj.Properties[pr.Name] = prop
		}
		return true
	})
	if err != nil {
		return err
	}
	return loadErr
}

func (kv *KVCheckpointer) loadVerbs(store *Store) error {
	var loadErr error
	err := kv.provider.Scan(worldStatePartition, []byte{relVerbDefs}, func(key []byte, rec storage.Record) bool {
		if len(key) != 9 {
			return true
		}
		obj := store.objects[objIDFromRelKey(key)]
		if obj == nil {
			return true
		}
		var row verbDefsRow
		if err := json.Unmarshal(rec.Value, &row); err != nil {
			loadErr = fmt.Errorf("kvcheckpoint: verbdefs of #%d: %w", obj.ID, err)
			return false
		}
		for _, def := range row.Defs {
			verb := &Verb{
				Names:   def.Names,
				Owner:   types.ObjID(def.Owner),
				Perms:   VerbPerms(def.Perms),
				ArgSpec: VerbArgs{This: def.Dobj, Prep: def.Prep, That: def.Iobj},
			}
			if len(def.Names) > 0 {
				verb.Name = def.Names[0]
				obj.Verbs[def.Names[0]] = verb
			}
			obj.VerbList = append(obj.VerbList, verb)
		}
		return true
	})
	if err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}

	// Verb source lives under its own relation; attach it back by index.
	// Programs recompile lazily from Code on first call.
	err = kv.provider.Scan(worldStatePartition, []byte{relVerbCode}, func(key []byte, rec storage.Record) bool {
		if len(key) != 13 {
			return true
		}
		obj := store.objects[objIDFromRelKey(key)]
		if obj == nil {
			return true
		}
		index := int(binary.BigEndian.Uint32(key[9:13]))
		if index < 0 || index >= len(obj.VerbList) {
			return true
		}
		var code []string
		if err := json.Unmarshal(rec.Value, &code); err != nil {
			loadErr = fmt.Errorf("kvcheckpoint: verb code %d of #%d: %w", index, obj.ID, err)
			return false
		}
		obj.VerbList[index].Code = code
		return true
	})
	if err != nil {
		return err
	}
	return loadErr
}

func objIDFromRelKey(key []byte) types.ObjID {
	return types.ObjID(int64(binary.BigEndian.Uint64(key[1:9])))
}

// parsePropLiteral round-trips a property value through its literal
// rendering, the same way suspended-task reload does. Values with no stable
// literal form (anonymous refs, waifs) come back as 0 rather than failing
// the whole reload.
func parsePropLiteral(s string) types.Value {
	if s == "" {
		return types.NewInt(0)
	}
	v, err := parser.NewParser(s).ParseLiteral()
	if err != nil {
		return types.NewInt(0)
	}
	return v
}
