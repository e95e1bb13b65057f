package vm

import "mooreactor/types"

// Environment is the tree-walker's variable store: a chain of scopes
// searched innermost-first on read, with writes always landing in the
// scope they run in. The bytecode VM keeps its locals in frame slots
// instead; this exists for the Evaluator and for fork snapshots.
type Environment struct {
	vars   map[string]types.Value
	parent *Environment
}

// typeConstants are the predefined bindings every top-level scope starts
// with: the typeof() codes plus the special match objects.
func typeConstants() map[string]types.Value {
	return map[string]types.Value{
		"INT":               types.NewInt(int64(types.TYPE_INT)),
		"OBJ":               types.NewInt(int64(types.TYPE_OBJ)),
		"STR":               types.NewInt(int64(types.TYPE_STR)),
		"ERR":               types.NewInt(int64(types.TYPE_ERR)),
		"LIST":              types.NewInt(int64(types.TYPE_LIST)),
		"FLOAT":             types.NewInt(int64(types.TYPE_FLOAT)),
		"MAP":               types.NewInt(int64(types.TYPE_MAP)),
		"WAIF":              types.NewInt(int64(types.TYPE_WAIF)),
		"BOOL":              types.NewInt(int64(types.TYPE_BOOL)),
		"$nothing":          types.NewObj(types.ObjNothing),
		"$ambiguous_match":  types.NewObj(types.ObjAmbiguous),
		"$failed_match":     types.NewObj(types.ObjFailedMatch),
	}
}

// NewEnvironment builds a global scope preloaded with the type constants.
func NewEnvironment() *Environment {
	return &Environment{vars: typeConstants()}
}

// NewNestedEnvironment opens a child scope over parent.
func NewNestedEnvironment(parent *Environment) *Environment {
	return &Environment{vars: make(map[string]types.Value), parent: parent}
}

// Get resolves name against this scope and then its ancestors.
func (e *Environment) Get(name string) (types.Value, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if val, ok := scope.vars[name]; ok {
			return val, true
		}
	}
	return nil, false
}

// Set binds name in this scope, creating or overwriting it.
func (e *Environment) Set(name string, value types.Value) {
	e.vars[name] = value
}

// Define is Set under the name declaration sites use.
func (e *Environment) Define(name string, value types.Value) {
	e.vars[name] = value
}

// GetAllVars flattens the scope chain into one map, innermost binding
// winning, for fork environment snapshots.
func (e *Environment) GetAllVars() map[string]types.Value {
	flat := make(map[string]types.Value)
	var walk func(*Environment)
	walk = func(scope *Environment) {
		if scope == nil {
			return
		}
		walk(scope.parent)
		for k, v := range scope.vars {
			flat[k] = v
		}
	}
	walk(e)
	return flat
}
