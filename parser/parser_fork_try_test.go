package parser

import (
	"strings"
	"testing"

	"mooreactor/types"
)

func parseOne(t *testing.T, src string) Stmt {
	t.Helper()
	stmts, err := NewParser(src).ParseProgram()
	if err != nil {
		t.Fatalf("ParseProgram(%q): %v", src, err)
	}
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(stmts))
	}
	return stmts[0]
}

func TestParseForkStatement(t *testing.T) {
	src := "fork note (5)\n  x = 1;\nendfork\n"
	fork, ok := parseOne(t, src).(*ForkStmt)
	if !ok {
		t.Fatalf("expected ForkStmt, got %T", parseOne(t, src))
	}
	if fork.VarName != "note" {
		t.Errorf("VarName = %q, want \"note\"", fork.VarName)
	}
	lit, ok := fork.Delay.(*LiteralExpr)
	if !ok {
		t.Fatalf("Delay = %T, want literal", fork.Delay)
	}
	if iv, ok := lit.Value.(types.IntValue); !ok || iv.Val != 5 {
		t.Errorf("Delay = %v, want 5", lit.Value)
	}
	if len(fork.Body) != 1 {
		t.Errorf("Body has %d statements, want 1", len(fork.Body))
	}
}

func TestParseAnonymousFork(t *testing.T) {
	fork, ok := parseOne(t, "fork (0)\n  x = 1;\nendfork\n").(*ForkStmt)
	if !ok {
		t.Fatal("expected ForkStmt")
	}
	if fork.VarName != "" {
		t.Errorf("VarName = %q, want empty", fork.VarName)
	}
}

func TestParseTryExcept(t *testing.T) {
	src := "try\n  x = 1;\nexcept e (E_PERM, E_TYPE)\n  y = 2;\nendtry\n"
	try, ok := parseOne(t, src).(*TryExceptStmt)
	if !ok {
		t.Fatalf("expected TryExceptStmt")
	}
	if len(try.Excepts) != 1 {
		t.Fatalf("got %d except arms, want 1", len(try.Excepts))
	}
	arm := try.Excepts[0]
	if arm.Variable != "e" {
		t.Errorf("Variable = %q, want \"e\"", arm.Variable)
	}
	if arm.IsAny {
		t.Errorf("IsAny should be false for an explicit code list")
	}
	if len(arm.Codes) != 2 || arm.Codes[0] != types.E_PERM || arm.Codes[1] != types.E_TYPE {
		t.Errorf("Codes = %v", arm.Codes)
	}
}

func TestParseTryExceptAny(t *testing.T) {
	try, ok := parseOne(t, "try\n  x = 1;\nexcept (ANY)\n  y = 2;\nendtry\n").(*TryExceptStmt)
	if !ok {
		t.Fatal("expected TryExceptStmt")
	}
	if !try.Excepts[0].IsAny {
		t.Errorf("IsAny should be true")
	}
}

func TestParseTryFinally(t *testing.T) {
	try, ok := parseOne(t, "try\n  x = 1;\nfinally\n  y = 2;\nendtry\n").(*TryFinallyStmt)
	if !ok {
		t.Fatal("expected TryFinallyStmt")
	}
	if len(try.Body) != 1 || len(try.Finally) != 1 {
		t.Errorf("body/finally sizes = %d/%d", len(try.Body), len(try.Finally))
	}
}

func TestParseTryExceptFinally(t *testing.T) {
	src := "try\n  x = 1;\nexcept (E_DIV)\n  y = 2;\nfinally\n  z = 3;\nendtry\n"
	try, ok := parseOne(t, src).(*TryExceptFinallyStmt)
	if !ok {
		t.Fatal("expected TryExceptFinallyStmt")
	}
	if len(try.Excepts) != 1 || len(try.Finally) != 1 {
		t.Errorf("excepts/finally sizes = %d/%d", len(try.Excepts), len(try.Finally))
	}
}

func TestParseScatterStatement(t *testing.T) {
	scatter, ok := parseOne(t, "{a, ?b = 2, @rest} = args;").(*ScatterStmt)
	if !ok {
		t.Fatal("expected ScatterStmt")
	}
	if len(scatter.Targets) != 3 {
		t.Fatalf("got %d targets, want 3", len(scatter.Targets))
	}
	if scatter.Targets[0].Name != "a" || scatter.Targets[0].Optional || scatter.Targets[0].Rest {
		t.Errorf("target 0 = %+v", scatter.Targets[0])
	}
	if !scatter.Targets[1].Optional || scatter.Targets[1].Default == nil {
		t.Errorf("target 1 = %+v", scatter.Targets[1])
	}
	if !scatter.Targets[2].Rest || scatter.Targets[2].Name != "rest" {
		t.Errorf("target 2 = %+v", scatter.Targets[2])
	}
	if _, ok := scatter.Value.(*IdentifierExpr); !ok {
		t.Errorf("Value = %T, want identifier", scatter.Value)
	}
}

func TestParseCatchExpression(t *testing.T) {
	expr, err := NewParser("`x + 1 ! E_TYPE => 0'").ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("ParseExpression: %v", err)
	}
	catch, ok := expr.(*CatchExpr)
	if !ok {
		t.Fatalf("expected CatchExpr, got %T", expr)
	}
	if len(catch.Codes) != 1 || catch.Codes[0] != types.E_TYPE {
		t.Errorf("Codes = %v", catch.Codes)
	}
	if catch.Default == nil {
		t.Errorf("Default should be set")
	}
}

// Unparsing a parsed program and parsing it again must reach a fixpoint:
// the second render equals the first.
func TestUnparseRoundTripFixpoint(t *testing.T) {
	src := strings.Join([]string{
		"if (x > 1)",
		"  y = x * 2;",
		"else",
		"  y = 0;",
		"endif",
		"for item in (things)",
		"  total = total + 1;",
		"endfor",
		"fork (10)",
		"  notify(player, \"later\");",
		"endfork",
		"return y;",
	}, "\n") + "\n"

	stmts, err := NewParser(src).ParseProgram()
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	first := strings.Join(UnparseProgram(stmts), "\n")

	again, err := NewParser(first + "\n").ParseProgram()
	if err != nil {
		t.Fatalf("reparse of unparsed source: %v\n%s", err, first)
	}
	second := strings.Join(UnparseProgram(again), "\n")
	if first != second {
		t.Errorf("unparse not stable:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}
