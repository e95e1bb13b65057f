package parser

import (
	"fmt"
	"strconv"

	"mooreactor/types"
)

// Parser turns MOO source into values and statements. It runs one token of
// lookahead over the lexer: current is what the grammar functions inspect,
// peek is what they commit to next.
type Parser struct {
	lexer   *Lexer
	current Token
	peek    Token
}

// NewParser builds a parser over input with the lookahead window primed.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	p.advance()
	return p
}

// advance shifts the lookahead window by one token.
func (p *Parser) advance() {
	p.current = p.peek
	p.peek = p.lexer.NextToken()
}

// ParseLiteral parses a single literal value: the subset of the expression
// grammar with no variables or operators. Checkpoint and suspended-task
// reload use it to round-trip stored values through their source rendering.
func (p *Parser) ParseLiteral() (types.Value, error) {
	switch p.current.Type {
	case TOKEN_INT:
		return p.literalFrom(func(s string) (types.Value, error) {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse integer: %w", err)
			}
			return types.NewInt(n), nil
		})
	case TOKEN_FLOAT:
		return p.literalFrom(func(s string) (types.Value, error) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			return types.NewFloat(f), nil
		})
	case TOKEN_TRUE:
		p.advance()
		return types.NewBool(true), nil
	case TOKEN_FALSE:
		p.advance()
		return types.NewBool(false), nil
	case TOKEN_STRING:
		// The lexer already decoded escapes into Literal.
		v := types.NewStr(p.current.Literal)
		p.advance()
		return v, nil
	case TOKEN_ERROR_LIT:
		return p.parseErrorLiteral()
	case TOKEN_OBJECT:
		return p.parseObjectLiteral()
	case TOKEN_LBRACE:
		return p.parseListLiteral()
	case TOKEN_LBRACKET:
		return p.parseMapLiteral()
	default:
		return nil, fmt.Errorf("unexpected token: %s", p.current.Type)
	}
}

// literalFrom converts the current token's text with conv and consumes it.
func (p *Parser) literalFrom(conv func(string) (types.Value, error)) (types.Value, error) {
	v, err := conv(p.current.Value)
	if err != nil {
		return nil, err
	}
	p.advance()
	return v, nil
}
