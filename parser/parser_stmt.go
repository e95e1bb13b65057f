package parser

import "fmt"

// ParseProgram parses a complete MOO program (sequence of statements)
func (p *Parser) ParseProgram() ([]Stmt, error) {
	var statements []Stmt

	for p.current.Type != TOKEN_EOF {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}

	return statements, nil
}

// parseStatement parses a single statement
func (p *Parser) parseStatement() (Stmt, error) {
	switch p.current.Type {
	case TOKEN_IF:
		return p.parseIfStatement()
	case TOKEN_WHILE:
		return p.parseWhileStatement()
	case TOKEN_FOR:
		return p.parseForStatement()
	case TOKEN_RETURN:
		return p.parseReturnStatement()
	case TOKEN_BREAK:
		return p.parseBreakStatement()
	case TOKEN_CONTINUE:
		return p.parseContinueStatement()
	case TOKEN_FORK:
		return p.parseForkStatement()
	case TOKEN_TRY:
		return p.parseTryStatement()
	case TOKEN_LBRACE:
		// The only statement form opening with a brace is scatter
		// assignment: {targets} = expr;
		return p.parseScatterStatement()
	case TOKEN_SEMICOLON:
		// Empty statement
		pos := p.current.Position
		p.advance()
		return &ExprStmt{Pos: pos, Expr: nil}, nil
	default:
		// Expression statement
		return p.parseExpressionStatement()
	}
}

// parseIfStatement parses if/elseif/else/endif
func (p *Parser) parseIfStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'if'

	// Parse condition
	if p.current.Type != TOKEN_LPAREN {
		return nil, fmt.Errorf("expected '(' after 'if'")
	}
	p.advance() // consume '('

	condition, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		return nil, err
	}

	if p.current.Type != TOKEN_RPAREN {
		return nil, fmt.Errorf("expected ')' after if condition")
	}
	p.advance() // consume ')'

	// Parse body
	body, err := p.parseBody(TOKEN_ELSEIF, TOKEN_ELSE, TOKEN_ENDIF)
	if err != nil {
		return nil, err
	}

	// Parse elseif clauses
	var elseIfs []*ElseIfClause
	for p.current.Type == TOKEN_ELSEIF {
		elseIfPos := p.current.Position
		p.advance() // consume 'elseif'

		if p.current.Type != TOKEN_LPAREN {
			return nil, fmt.Errorf("expected '(' after 'elseif'")
		}
		p.advance()

		elseIfCond, err := p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}

		if p.current.Type != TOKEN_RPAREN {
			return nil, fmt.Errorf("expected ')' after elseif condition")
		}
		p.advance()

		elseIfBody, err := p.parseBody(TOKEN_ELSEIF, TOKEN_ELSE, TOKEN_ENDIF)
		if err != nil {
			return nil, err
		}

		elseIfs = append(elseIfs, &ElseIfClause{
			Pos:       elseIfPos,
			Condition: elseIfCond,
			Body:      elseIfBody,
		})
	}

	// Parse else clause (optional)
	var elseBody []Stmt
	if p.current.Type == TOKEN_ELSE {
		p.advance() // consume 'else'
		elseBody, err = p.parseBody(TOKEN_ENDIF)
		if err != nil {
			return nil, err
		}
	}

	// Expect endif
	if p.current.Type != TOKEN_ENDIF {
		return nil, fmt.Errorf("expected 'endif'")
	}
	p.advance() // consume 'endif'

	return &IfStmt{
		Pos:       pos,
		Condition: condition,
		Body:      body,
		ElseIfs:   elseIfs,
		Else:      elseBody,
	}, nil
}

// parseWhileStatement parses while loops
func (p *Parser) parseWhileStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'while'

	// Check for optional label
	var label string
	if p.current.Type == TOKEN_IDENTIFIER && p.peek.Type == TOKEN_LPAREN {
		label = p.current.Value
		p.advance() // consume label
	}

	// Parse condition
	if p.current.Type != TOKEN_LPAREN {
		return nil, fmt.Errorf("expected '(' in while statement")
	}
	p.advance() // consume '('

	condition, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		return nil, err
	}

	if p.current.Type != TOKEN_RPAREN {
		return nil, fmt.Errorf("expected ')' after while condition")
	}
	p.advance() // consume ')'

	// Parse body
	body, err := p.parseBody(TOKEN_ENDWHILE)
	if err != nil {
		return nil, err
	}

	// Expect endwhile
	if p.current.Type != TOKEN_ENDWHILE {
		return nil, fmt.Errorf("expected 'endwhile'")
	}
	p.advance() // consume 'endwhile'

	return &WhileStmt{
		Pos:       pos,
		Label:     label,
		Condition: condition,
		Body:      body,
	}, nil
}

// parseForStatement parses for loops (list, range, or map iteration)
func (p *Parser) parseForStatement() (Stmt, error) {
	startPos := p.current.Position
	p.advance() // consume 'for'

	// Check for optional label
	var label string
	if p.current.Type == TOKEN_IDENTIFIER && p.peek.Type == TOKEN_IDENTIFIER {
		// Might be a label - need to distinguish from "for x in (...)"
		// Look ahead further
		label = p.current.Value
		p.advance() // consume label
	}

	// Parse variable name(s)
	if p.current.Type != TOKEN_IDENTIFIER {
		return nil, fmt.Errorf("expected identifier in for loop")
	}
	value := p.current.Value
	p.advance()

	var index string
	if p.current.Type == TOKEN_COMMA {
		p.advance() // consume comma
		if p.current.Type != TOKEN_IDENTIFIER {
			return nil, fmt.Errorf("expected identifier after comma in for loop")
		}
		index = p.current.Value
		p.advance()
	}

	// Expect 'in'
	if p.current.Type != TOKEN_IN {
		return nil, fmt.Errorf("expected 'in' in for loop")
	}
	p.advance() // consume 'in'

	// Check for range [start..end] or container (expr)
	var container Expr
	var rangeStart, rangeEnd Expr
	var err error

	if p.current.Type == TOKEN_LBRACKET {
		// Range iteration: for x in [start..end]
		p.advance() // consume '['

		rangeStart, err = p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}

		if p.current.Type != TOKEN_RANGE {
			return nil, fmt.Errorf("expected '..' in range expression")
		}
		p.advance() // consume '..'

		rangeEnd, err = p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}

		if p.current.Type != TOKEN_RBRACKET {
			return nil, fmt.Errorf("expected ']' after range expression")
		}
		p.advance() // consume ']'

	} else if p.current.Type == TOKEN_LPAREN {
		// List/map iteration: for x in (expr)
		p.advance() // consume '('

		container, err = p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}

		if p.current.Type != TOKEN_RPAREN {
			return nil, fmt.Errorf("expected ')' after for loop expression")
		}
		p.advance() // consume ')'
	} else {
		return nil, fmt.Errorf("expected '[' or '(' after 'in' in for loop")
	}

	// Parse body
	body, err := p.parseBody(TOKEN_ENDFOR)
	if err != nil {
		return nil, err
	}

	// Expect endfor
	if p.current.Type != TOKEN_ENDFOR {
		return nil, fmt.Errorf("expected 'endfor'")
	}
	p.advance() // consume 'endfor'

	return &ForStmt{
		Pos:        startPos,
		Label:      label,
		Value:      value,
		Index:      index,
		Container:  container,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		Body:       body,
	}, nil
}

// parseReturnStatement parses return statements
func (p *Parser) parseReturnStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'return'

	var value Expr
	var err error

	// Check if there's an expression to return
	if p.current.Type != TOKEN_SEMICOLON && p.current.Type != TOKEN_EOF {
		value, err = p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}
	}

	// Expect semicolon
	if p.current.Type != TOKEN_SEMICOLON {
		return nil, fmt.Errorf("expected ';' after return statement")
	}
	p.advance() // consume ';'

	return &ReturnStmt{
		Pos:   pos,
		Value: value,
	}, nil
}

// parseBreakStatement parses break statements. A bare identifier is taken
// as a loop label; any other expression lands in Value, which the compiler
// resolves against the enclosing loop targets.
func (p *Parser) parseBreakStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'break'

	var label string
	var value Expr
	switch {
	case p.current.Type == TOKEN_IDENTIFIER && p.peek.Type == TOKEN_SEMICOLON:
		label = p.current.Value
		p.advance()
	case p.current.Type != TOKEN_SEMICOLON && p.current.Type != TOKEN_EOF:
		var err error
		value, err = p.ParseExpression(PREC_LOWEST)
		if err != nil {
			return nil, err
		}
	}

	// Expect semicolon
	if p.current.Type != TOKEN_SEMICOLON {
		return nil, fmt.Errorf("expected ';' after break statement")
	}
	p.advance() // consume ';'

	return &BreakStmt{
		Pos:   pos,
		Label: label,
		Value: value,
	}, nil
}

// parseContinueStatement parses continue statements
func (p *Parser) parseContinueStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'continue'

	var label string
	if p.current.Type == TOKEN_IDENTIFIER {
		label = p.current.Value
		p.advance()
	}

	// Expect semicolon
	if p.current.Type != TOKEN_SEMICOLON {
		return nil, fmt.Errorf("expected ';' after continue statement")
	}
	p.advance() // consume ';'

	return &ContinueStmt{
		Pos:   pos,
		Label: label,
	}, nil
}

// parseExpressionStatement parses an expression statement
func (p *Parser) parseExpressionStatement() (Stmt, error) {
	pos := p.current.Position

	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		return nil, err
	}

	// Expect semicolon
	if p.current.Type != TOKEN_SEMICOLON {
		return nil, fmt.Errorf("expected ';' after expression statement")
	}
	p.advance() // consume ';'

	return &ExprStmt{
		Pos:  pos,
		Expr: expr,
	}, nil
}

// parseBody parses a sequence of statements until one of the terminators is reached
func (p *Parser) parseBody(terminators ...TokenType) ([]Stmt, error) {
	var body []Stmt

	for {
		// Check if we've reached a terminator
		isTerminator := false
		for _, term := range terminators {
			if p.current.Type == term {
				isTerminator = true
				break
			}
		}
		if isTerminator || p.current.Type == TOKEN_EOF {
			break
		}

		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
	}

	return body, nil
}

// parseForkStatement parses fork [var] (delay) body endfork.
func (p *Parser) parseForkStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'fork'

	var varName string
	if p.current.Type == TOKEN_IDENTIFIER {
		varName = p.current.Value
		p.advance()
	}

	if p.current.Type != TOKEN_LPAREN {
		return nil, fmt.Errorf("expected '(' after fork")
	}
	p.advance()
	delay, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		return nil, err
	}
	if p.current.Type != TOKEN_RPAREN {
		return nil, fmt.Errorf("expected ')' after fork delay")
	}
	p.advance()

	body, err := p.parseBody(TOKEN_ENDFORK)
	if err != nil {
		return nil, err
	}
	if p.current.Type != TOKEN_ENDFORK {
		return nil, fmt.Errorf("expected 'endfork'")
	}
	p.advance()

	return &ForkStmt{
		Pos:     pos,
		VarName: varName,
		Delay:   delay,
		Body:    body,
	}, nil
}

// parseTryStatement parses all three try forms: except arms only, finally
// only, or both.
func (p *Parser) parseTryStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume 'try'

	body, err := p.parseBody(TOKEN_EXCEPT, TOKEN_FINALLY, TOKEN_ENDTRY)
	if err != nil {
		return nil, err
	}

	var excepts []*ExceptClause
	for p.current.Type == TOKEN_EXCEPT {
		clause, err := p.parseExceptClause()
		if err != nil {
			return nil, err
		}
		excepts = append(excepts, clause)
	}

	var finally []Stmt
	hasFinally := false
	if p.current.Type == TOKEN_FINALLY {
		hasFinally = true
		p.advance()
		finally, err = p.parseBody(TOKEN_ENDTRY)
		if err != nil {
			return nil, err
		}
	}

	if p.current.Type != TOKEN_ENDTRY {
		return nil, fmt.Errorf("expected 'endtry'")
	}
	p.advance()

	switch {
	case len(excepts) > 0 && hasFinally:
		return &TryExceptFinallyStmt{Pos: pos, Body: body, Excepts: excepts, Finally: finally}, nil
	case hasFinally:
		return &TryFinallyStmt{Pos: pos, Body: body, Finally: finally}, nil
	case len(excepts) > 0:
		return &TryExceptStmt{Pos: pos, Body: body, Excepts: excepts}, nil
	default:
		return nil, fmt.Errorf("try statement needs an except or finally clause")
	}
}

// parseExceptClause parses except [var] (codes|ANY) body.
func (p *Parser) parseExceptClause() (*ExceptClause, error) {
	clause := &ExceptClause{Pos: p.current.Position}
	p.advance() // consume 'except'

	if p.current.Type == TOKEN_IDENTIFIER {
		clause.Variable = p.current.Value
		p.advance()
	}

	if p.current.Type != TOKEN_LPAREN {
		return nil, fmt.Errorf("expected '(' after except")
	}
	p.advance()

	if p.current.Type == TOKEN_ANY {
		clause.IsAny = true
		p.advance()
	} else {
		for {
			if p.current.Type != TOKEN_ERROR_LIT {
				return nil, fmt.Errorf("expected error code in except clause, got %s", p.current.Type)
			}
			code, ok := errorCodes[p.current.Value]
			if !ok {
				return nil, fmt.Errorf("unknown error code: %s", p.current.Value)
			}
			clause.Codes = append(clause.Codes, code)
			p.advance()
			if p.current.Type != TOKEN_COMMA {
				break
			}
			p.advance()
		}
	}

	if p.current.Type != TOKEN_RPAREN {
		return nil, fmt.Errorf("expected ')' in except clause")
	}
	p.advance()

	body, err := p.parseBody(TOKEN_EXCEPT, TOKEN_FINALLY, TOKEN_ENDTRY)
	if err != nil {
		return nil, err
	}
	clause.Body = body
	return clause, nil
}

// parseScatterStatement parses {targets} = expr;.
func (p *Parser) parseScatterStatement() (Stmt, error) {
	pos := p.current.Position
	p.advance() // consume '{'

	var targets []ScatterTarget
	for {
		var target ScatterTarget
		switch p.current.Type {
		case TOKEN_QUESTION:
			target.Optional = true
			p.advance()
		case TOKEN_AT:
			target.Rest = true
			p.advance()
		}
		if p.current.Type != TOKEN_IDENTIFIER {
			return nil, fmt.Errorf("expected variable name in scatter target, got %s", p.current.Type)
		}
		target.Name = p.current.Value
		p.advance()

		if target.Optional && p.current.Type == TOKEN_ASSIGN {
			p.advance()
			def, err := p.ParseExpression(PREC_LOWEST)
			if err != nil {
				return nil, err
			}
			target.Default = def
		}
		targets = append(targets, target)

		if p.current.Type != TOKEN_COMMA {
			break
		}
		p.advance()
	}

	if p.current.Type != TOKEN_RBRACE {
		return nil, fmt.Errorf("expected '}' after scatter targets")
	}
	p.advance()
	if p.current.Type != TOKEN_ASSIGN {
		return nil, fmt.Errorf("expected '=' after scatter targets")
	}
	p.advance()

	value, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		return nil, err
	}
	if p.current.Type != TOKEN_SEMICOLON {
		return nil, fmt.Errorf("expected ';' after scatter assignment")
	}
	p.advance()

	return &ScatterStmt{Pos: pos, Targets: targets, Value: value}, nil
}
