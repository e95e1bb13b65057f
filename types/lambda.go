package types

import "fmt"

// LambdaValue is a first-class callable: a compiled sub-program plus the
// environment it closed over at MakeLambda time. The program itself is
// typed as `any` (really *vm.Program) to avoid an import cycle between
// types and vm, mirroring how TaskContext.Task/Store are carried.
type LambdaValue struct {
	program  any // *vm.Program
	captured map[string]Value
	params   []string // scatter parameter names, in declaration order
}

// NewLambda creates a lambda capturing the given environment snapshot.
func NewLambda(program any, params []string, captured map[string]Value) LambdaValue {
	snapshot := make(map[string]Value, len(captured))
	for k, v := range captured {
		snapshot[k] = v
	}
	return LambdaValue{program: program, params: params, captured: snapshot}
}

// Type returns the MOO type
func (l LambdaValue) Type() TypeCode {
	return TYPE_LAMBDA
}

// String returns the MOO literal representation.
func (l LambdaValue) String() string {
	return fmt.Sprintf("fn(%d params)", len(l.params))
}

// Truthy returns whether the value is truthy; lambdas are never truthy.
func (l LambdaValue) Truthy() bool {
	return false
}

// Equal compares lambdas by identity of their compiled program: two lambdas
// are equal only if they share the exact same program pointer.
func (l LambdaValue) Equal(other Value) bool {
	o, ok := other.(LambdaValue)
	if !ok {
		return false
	}
	return l.program == o.program
}

// Program returns the underlying compiled sub-program (caller type-asserts
// to *vm.Program).
func (l LambdaValue) Program() any {
	return l.program
}

// Params returns the lambda's scatter parameter names.
func (l LambdaValue) Params() []string {
	return l.params
}

// Captured returns the environment snapshot closed over at creation time.
func (l LambdaValue) Captured() map[string]Value {
	return l.captured
}
