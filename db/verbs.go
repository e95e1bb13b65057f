package db

import (
	"fmt"
	"strings"

	"mooreactor/parser"
)

// CompileVerb parses verb source lines into an attachable VerbProgram. The
// error list mirrors what set_verb_code() hands back to the programmer: one
// message per problem, empty program on success. An empty verb is legal and
// compiles to zero statements.
func CompileVerb(code []string) (*VerbProgram, []string) {
	if len(code) == 0 {
		return &VerbProgram{Statements: []parser.Stmt{}}, nil
	}
	stmts, err := parser.NewParser(strings.Join(code, "\n")).ParseProgram()
	if err != nil {
		return nil, []string{fmt.Sprintf("parse error: %v", err)}
	}
	return &VerbProgram{Statements: stmts}, nil
}
