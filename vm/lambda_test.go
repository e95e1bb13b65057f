package vm

import (
	"mooreactor/builtins"
	"mooreactor/types"
	"testing"
)

// buildAddLambdaSubProgram returns a sub-program computing x + y from two
// positional parameters, the way OP_MAKE_LAMBDA expects to find it under
// Program.SubPrograms.
func buildAddLambdaSubProgram() *Program {
	return &Program{
		Code: []byte{
			byte(OP_GET_VAR), 0,
			byte(OP_GET_VAR), 1,
			byte(OP_ADD),
			byte(OP_RETURN),
		},
		VarNames:  []string{"x", "y"},
		NumLocals: 2,
	}
}

// TestLambdaMakeAndCall exercises OP_MAKE_LAMBDA + OP_CALL_LAMBDA end to end:
// build a lambda closing over the (empty) outer frame, call it with two
// immediate-int arguments, and verify the addition result.
func TestLambdaMakeAndCall(t *testing.T) {
	sub := buildAddLambdaSubProgram()

	threeOp, ok := MakeImmediateOpcode(3)
	if !ok {
		t.Fatalf("3 should be representable as an immediate opcode")
	}
	fourOp, ok := MakeImmediateOpcode(4)
	if !ok {
		t.Fatalf("4 should be representable as an immediate opcode")
	}

	outer := &Program{
		Code: []byte{
			byte(OP_MAKE_LAMBDA), 0,
			byte(threeOp),
			byte(fourOp),
			byte(OP_CALL_LAMBDA), 2,
			byte(OP_RETURN),
		},
		SubPrograms: []*Program{sub},
	}

	vm := NewVM(nil, builtins.NewRegistry())
	result := vm.Run(outer)

	if result.Flow != types.FlowReturn {
		t.Fatalf("expected FlowReturn, got %v (err=%v)", result.Flow, result.Error)
	}
	intVal, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue result, got %T (%v)", result.Val, result.Val)
	}
	if intVal.Val != 7 {
		t.Fatalf("expected 3+4=7, got %d", intVal.Val)
	}
}

// TestLambdaCapturesEnvironment verifies a lambda closes over the defining
// frame's bound locals: a variable set before MAKE_LAMBDA is visible inside
// the lambda body without being passed as a parameter.
func TestLambdaCapturesEnvironment(t *testing.T) {
	sub := &Program{
		Code: []byte{
			byte(OP_GET_VAR), 0, // "captured"
			byte(OP_GET_VAR), 1, // "x" (param)
			byte(OP_ADD),
			byte(OP_RETURN),
		},
		VarNames:  []string{"captured", "x"},
		NumLocals: 2,
	}

	tenOp, ok := MakeImmediateOpcode(10)
	if !ok {
		t.Fatalf("10 should be representable as an immediate opcode")
	}
	fiveOp, ok := MakeImmediateOpcode(5)
	if !ok {
		t.Fatalf("5 should be representable as an immediate opcode")
	}

	outer := &Program{
		Code: []byte{
			byte(tenOp),
			byte(OP_SET_VAR), 0, // captured = 10
			byte(OP_MAKE_LAMBDA), 0,
			byte(fiveOp),
			byte(OP_CALL_LAMBDA), 1,
			byte(OP_RETURN),
		},
		VarNames:    []string{"captured"},
		NumLocals:   1,
		SubPrograms: []*Program{sub},
	}

	vm := NewVM(nil, builtins.NewRegistry())
	result := vm.Run(outer)

	if result.Flow != types.FlowReturn {
		t.Fatalf("expected FlowReturn, got %v (err=%v)", result.Flow, result.Error)
	}
	intVal, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue result, got %T (%v)", result.Val, result.Val)
	}
	if intVal.Val != 15 {
		t.Fatalf("expected 10+5=15, got %d", intVal.Val)
	}
}

// TestLambdaArgCountMismatch verifies calling a lambda with the wrong number
// of arguments raises E_ARGS rather than panicking (the VM-no-panic property).
func TestLambdaArgCountMismatch(t *testing.T) {
	sub := buildAddLambdaSubProgram()

	threeOp, _ := MakeImmediateOpcode(3)

	outer := &Program{
		Code: []byte{
			byte(OP_MAKE_LAMBDA), 0,
			byte(threeOp),
			byte(OP_CALL_LAMBDA), 1, // sub expects 2 args
			byte(OP_RETURN),
		},
		SubPrograms: []*Program{sub},
	}

	vm := NewVM(nil, builtins.NewRegistry())
	result := vm.Run(outer)

	if result.Flow != types.FlowException {
		t.Fatalf("expected FlowException for arg mismatch, got %v", result.Flow)
	}
	if result.Error != types.E_ARGS {
		t.Fatalf("expected E_ARGS, got %v", result.Error)
	}
}
