package db

import (
	"strings"

	"mooreactor/parser"
	"mooreactor/types"
)

// Object is one world-state entity: the per-object relations (name, owner,
// parent/children, location/contents, flags) plus its verb and property
// tables. Every cross-object reference is an ObjID, never a Go pointer, so
// an object serializes the same way the wire and checkpoint formats expect
// and a dangling reference is just an id that fails Valid().
type Object struct {
	ID       types.ObjID
	Name     string
	Owner    types.ObjID
	Parents  []types.ObjID
	Children []types.ObjID
	Location types.ObjID
	Contents []types.ObjID
	Flags    ObjectFlags

	// Property rows. PropOrder preserves definition order for name
	// resolution and checkpointing; PropDefsCount counts rows defined
	// directly on this object as opposed to inherited ones.
	Properties    map[string]*Property
	PropDefsCount int
	PropOrder     []string

	// Verb rows. Verbs indexes by primary name; VerbList keeps definition
	// order, which index-based verb lookups depend on.
	Verbs    map[string]*Verb
	VerbList []*Verb

	Recycled  bool
	Anonymous bool

	// ChparentChildren marks children that arrived via chparent() rather
	// than create(). Property-conflict checking on a later reparent only
	// needs to consider these.
	ChparentChildren map[types.ObjID]bool

	// AnonymousChildren lists anonymous objects created with this object
	// as parent, so a hierarchy change can invalidate them.
	AnonymousChildren []types.ObjID
}

// NewObject builds an empty live object owned by owner, located nowhere,
// with no flags (unreadable and unwritable until someone says otherwise).
func NewObject(id types.ObjID, owner types.ObjID) *Object {
	return &Object{
		ID:               id,
		Owner:            owner,
		Parents:          []types.ObjID{},
		Children:         []types.ObjID{},
		Contents:         []types.ObjID{},
		Location:         types.ObjNothing,
		Properties:       make(map[string]*Property),
		Verbs:            make(map[string]*Verb),
		ChparentChildren: make(map[types.ObjID]bool),
	}
}

// Property is one property row on one object. Clear means the row exists
// (perms and ownership are real) but the value reads through to the nearest
// ancestor's; Defined distinguishes a row added here from an inherited one.
type Property struct {
	Name    string
	Value   types.Value
	Owner   types.ObjID
	Perms   PropertyPerms
	Clear   bool
	Defined bool
}

// Verb is one verb row. Names holds every alias with the primary first;
// Code is the source, Program its parsed AST, and BytecodeCache the
// compiled form for the bytecode VM. The cache is typed any to keep db from
// importing vm, and is never serialized: it repopulates on first call.
type Verb struct {
	Name    string
	Names   []string
	Owner   types.ObjID
	Perms   VerbPerms
	ArgSpec VerbArgs
	Code    []string
	Program *VerbProgram

	BytecodeCache any
}

// VerbProgram wraps a verb's parsed statements.
type VerbProgram struct {
	Statements []parser.Stmt
}

// VerbArgs is a verb's argument template: dobj spec, preposition spec, iobj
// spec, each "this"/"none"/"any" (prepositions also name a concrete set).
type VerbArgs struct {
	This string
	Prep string
	That string
}

// ObjectFlags is the per-object flag bitset.
type ObjectFlags uint32

const (
	FlagUser       ObjectFlags = 1 << 0  // object is a player
	FlagProgrammer ObjectFlags = 1 << 1  // may write and edit code
	FlagWizard     ObjectFlags = 1 << 2  // bypasses permission checks
	FlagRead       ObjectFlags = 1 << 4  // readable by non-owners
	FlagWrite      ObjectFlags = 1 << 5  // writable by non-owners
	FlagFertile    ObjectFlags = 1 << 7  // usable as a parent by non-owners
	FlagAnonymous  ObjectFlags = 1 << 8  // anonymous, GC-managed
	FlagInvalid    ObjectFlags = 1 << 9  // invalidated by a hierarchy change
	FlagRecycled   ObjectFlags = 1 << 10 // slot has been recycled
)

// Has reports whether flag is set.
func (f ObjectFlags) Has(flag ObjectFlags) bool { return f&flag != 0 }

// Set returns f with flag set.
func (f ObjectFlags) Set(flag ObjectFlags) ObjectFlags { return f | flag }

// Clear returns f with flag cleared.
func (f ObjectFlags) Clear(flag ObjectFlags) ObjectFlags { return f &^ flag }

// PropertyPerms is the property permission bitset.
type PropertyPerms uint8

const (
	PropRead  PropertyPerms = 1 << 0
	PropWrite PropertyPerms = 1 << 1
	PropChown PropertyPerms = 1 << 2
)

// Has reports whether perm is set.
func (p PropertyPerms) Has(perm PropertyPerms) bool { return p&perm != 0 }

// String renders the perms the way property_info() spells them: "r", "w",
// "c" in that order.
func (p PropertyPerms) String() string {
	var b strings.Builder
	for _, l := range []struct {
		bit PropertyPerms
		c   byte
	}{{PropRead, 'r'}, {PropWrite, 'w'}, {PropChown, 'c'}} {
		if p.Has(l.bit) {
			b.WriteByte(l.c)
		}
	}
	return b.String()
}

// VerbPerms is the verb permission bitset.
type VerbPerms uint8

const (
	VerbRead    VerbPerms = 1 << 0
	VerbWrite   VerbPerms = 1 << 1
	VerbExecute VerbPerms = 1 << 2
	VerbDebug   VerbPerms = 1 << 3
)

// Has reports whether perm is set.
func (p VerbPerms) Has(perm VerbPerms) bool { return p&perm != 0 }

// String renders the perms the way verb_info() spells them: "r", "w", "x",
// "d" in that order.
func (p VerbPerms) String() string {
	var b strings.Builder
	for _, l := range []struct {
		bit VerbPerms
		c   byte
	}{{VerbRead, 'r'}, {VerbWrite, 'w'}, {VerbExecute, 'x'}, {VerbDebug, 'd'}} {
		if p.Has(l.bit) {
			b.WriteByte(l.c)
		}
	}
	return b.String()
}
