package sqlparser

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is a syntax error. Pos is the byte offset in the statement;
// Line and Column are 1-based.
type ParseError struct {
	Pos    int
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// Parser is a recursive-descent parser with two tokens of lookahead.
type Parser struct {
	lexer *Lexer
	input string
	token Token
	peek  Token
	peek2 Token
	err   *ParseError
}

func NewParser(sql string) *Parser {
	p := &Parser{lexer: NewLexer(sql), input: sql}
	p.nextToken()
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses exactly one SELECT statement, optionally followed by a
// semicolon.
func Parse(sql string) (*SelectStmt, error) {
	p := NewParser(sql)
	if p.check(TOKEN_EOF) {
		p.errorf(p.token, "empty statement")
		return nil, p.err
	}
	stmt := p.parseSelect()
	if p.err != nil {
		return nil, p.err
	}
	if p.match(TOKEN_SEMICOLON) && !p.check(TOKEN_EOF) {
		p.errorf(p.token, "multiple statements are not supported")
		return nil, p.err
	}
	if !p.check(TOKEN_EOF) {
		p.unexpected()
		return nil, p.err
	}
	return stmt, nil
}

// ParseExpr parses a standalone expression.
func ParseExpr(sql string) (Expr, error) {
	p := NewParser(sql)
	if p.check(TOKEN_EOF) {
		p.errorf(p.token, "empty expression")
		return nil, p.err
	}
	expr := p.parseExpression()
	if p.err == nil && !p.check(TOKEN_EOF) {
		p.unexpected()
	}
	if p.err != nil {
		return nil, p.err
	}
	return expr, nil
}

// === Token Helpers ===

func (p *Parser) nextToken() {
	p.token = p.peek
	p.peek = p.peek2
	p.peek2 = p.lexer.NextToken()
}

func (p *Parser) check(t TokenType) bool {
	return p.token.Type == t
}

func (p *Parser) match(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	return false
}

func (p *Parser) expect(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	p.expected(t.String())
	return false
}

func (p *Parser) expected(what string) {
	if p.check(TOKEN_ILLEGAL) {
		p.unexpected()
		return
	}
	p.errorf(p.token, "expected %s, found %s", what, describe(p.token))
}

// errorf records the first error only; later errors are usually fallout.
func (p *Parser) errorf(tok Token, format string, args ...any) {
	if p.err != nil {
		return
	}
	line, col := position(p.input, tok.Pos)
	p.err = &ParseError{Pos: tok.Pos, Line: line, Column: col, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) unexpected() {
	switch p.token.Type {
	case TOKEN_ILLEGAL:
		switch {
		case strings.HasPrefix(p.token.Literal, "'"):
			p.errorf(p.token, "unterminated string literal")
		case strings.HasPrefix(p.token.Literal, `"`):
			p.errorf(p.token, "unterminated quoted identifier")
		default:
			p.errorf(p.token, "unexpected character %q", p.token.Literal)
		}
	case TOKEN_GROUP, TOKEN_ORDER, TOKEN_HAVING, TOKEN_UNION, TOKEN_OFFSET:
		p.errorf(p.token, "%s is not supported", p.token.Type)
	case TOKEN_COMMA:
		p.errorf(p.token, "comma joins are not supported, use JOIN ... ON")
	default:
		p.errorf(p.token, "unexpected %s", describe(p.token))
	}
}

func describe(tok Token) string {
	switch tok.Type {
	case TOKEN_EOF:
		return "end of input"
	case TOKEN_IDENT, TOKEN_NUMBER:
		return fmt.Sprintf("%s %q", tok.Type, tok.Literal)
	case TOKEN_QUOTED_IDENT:
		return fmt.Sprintf(`quoted identifier "%s"`, tok.Literal)
	case TOKEN_STRING:
		return fmt.Sprintf("string '%s'", tok.Literal)
	default:
		return fmt.Sprintf("%q", tok.Type.String())
	}
}

func position(input string, pos int) (int, int) {
	if pos > len(input) {
		pos = len(input)
	}
	before := input[:pos]
	line := strings.Count(before, "\n") + 1
	col := pos - strings.LastIndexByte(before, '\n')
	return line, col
}

// === Statement ===

func (p *Parser) parseSelect() *SelectStmt {
	switch {
	case p.check(TOKEN_WITH):
		p.errorf(p.token, "WITH is not supported")
		return nil
	case !p.check(TOKEN_SELECT):
		p.expected("SELECT")
		return nil
	}
	p.nextToken()
	if p.check(TOKEN_DISTINCT) {
		p.errorf(p.token, "DISTINCT is not supported")
		return nil
	}

	stmt := &SelectStmt{}
	for {
		item := p.parseSelectItem()
		if p.err != nil {
			return nil
		}
		stmt.Columns = append(stmt.Columns, item)
		if !p.match(TOKEN_COMMA) {
			break
		}
	}

	if !p.check(TOKEN_FROM) {
		p.expected("FROM")
		return nil
	}
	p.nextToken()
	stmt.From = p.parseTableRef()

	for p.err == nil {
		join, ok := p.parseJoin()
		if !ok {
			break
		}
		stmt.Joins = append(stmt.Joins, join)
	}

	if p.err == nil && p.match(TOKEN_WHERE) {
		stmt.Where = p.parseExpression()
	}
	if p.err == nil && p.check(TOKEN_LIMIT) {
		stmt.Limit = p.parseLimit()
	}
	if p.err == nil {
		switch p.token.Type {
		case TOKEN_SEMICOLON, TOKEN_EOF:
		default:
			p.unexpected()
		}
	}
	return stmt
}

func (p *Parser) parseSelectItem() SelectItem {
	item := SelectItem{Pos: p.token.Pos}
	switch {
	case p.check(TOKEN_STAR):
		p.nextToken()
		item.Star = true
		return item
	case isName(p.token) && p.peek.Type == TOKEN_DOT && p.peek2.Type == TOKEN_STAR:
		item.Star = true
		item.StarTable = identName(p.token)
		p.nextToken()
		p.nextToken()
		p.nextToken()
		return item
	}

	item.Expr = p.parseExpression()
	if p.err != nil {
		return item
	}
	if p.match(TOKEN_AS) {
		if !isName(p.token) {
			p.errorf(p.token, "expected alias after AS, found %s", describe(p.token))
			return item
		}
		item.Alias = identName(p.token)
		p.nextToken()
	} else if isName(p.token) {
		item.Alias = identName(p.token)
		p.nextToken()
	}
	return item
}

// parseTableRef parses the table position: a quoted URI or a bare name,
// followed by an optional alias.
func (p *Parser) parseTableRef() TableRef {
	ref := TableRef{Pos: p.token.Pos}
	switch p.token.Type {
	case TOKEN_QUOTED_IDENT, TOKEN_STRING:
		if strings.TrimSpace(p.token.Literal) == "" {
			p.errorf(p.token, "empty table reference")
			return ref
		}
		ref.URI = p.token.Literal
	case TOKEN_IDENT:
		ref.Name = strings.ToLower(p.token.Literal)
	case TOKEN_LPAREN:
		p.errorf(p.token, "subqueries are not supported")
		return ref
	default:
		p.expected("table URI or name")
		return ref
	}
	p.nextToken()

	if p.check(TOKEN_DOT) {
		p.errorf(p.token, "qualified table names are not supported, quote the resource URI instead")
		return ref
	}
	if p.match(TOKEN_AS) {
		if !isName(p.token) {
			p.errorf(p.token, "expected alias after AS, found %s", describe(p.token))
			return ref
		}
		ref.Alias = identName(p.token)
		p.nextToken()
	} else if isName(p.token) {
		ref.Alias = identName(p.token)
		p.nextToken()
	}
	return ref
}

// parseJoin parses one JOIN clause. ok is false when the current token does
// not start a join.
func (p *Parser) parseJoin() (JoinClause, bool) {
	join := JoinClause{Pos: p.token.Pos}
	switch p.token.Type {
	case TOKEN_JOIN:
		join.Type = JoinInner
	case TOKEN_INNER:
		join.Type = JoinInner
		p.nextToken()
	case TOKEN_LEFT, TOKEN_RIGHT, TOKEN_FULL:
		join.Type = map[TokenType]JoinType{TOKEN_LEFT: JoinLeft, TOKEN_RIGHT: JoinRight, TOKEN_FULL: JoinFull}[p.token.Type]
		p.nextToken()
		p.match(TOKEN_OUTER)
	case TOKEN_CROSS, TOKEN_NATURAL:
		p.errorf(p.token, "%s JOIN is not supported", p.token.Type)
		return join, false
	default:
		return join, false
	}
	if !p.expect(TOKEN_JOIN) {
		return join, false
	}
	join.Table = p.parseTableRef()
	if p.err != nil {
		return join, false
	}
	if p.check(TOKEN_USING) {
		p.errorf(p.token, "JOIN ... USING is not supported, use ON")
		return join, false
	}
	if !p.expect(TOKEN_ON) {
		return join, false
	}
	join.On = p.parseExpression()
	return join, p.err == nil
}

func (p *Parser) parseLimit() *int64 {
	p.nextToken() // consume LIMIT
	tok := p.token
	if tok.Type != TOKEN_NUMBER {
		p.errorf(tok, "expected row count after LIMIT, found %s", describe(tok))
		return nil
	}
	n, err := strconv.ParseInt(tok.Literal, 10, 64)
	if err != nil || n < 0 {
		p.errorf(tok, "LIMIT must be a non-negative integer, found %q", tok.Literal)
		return nil
	}
	p.nextToken()
	return &n
}

// === Expressions ===

func (p *Parser) parseExpression() Expr {
	return p.parseExpressionWithPrecedence(precedenceNone + 1)
}

// parseExpressionWithPrecedence implements precedence climbing.
func (p *Parser) parseExpressionWithPrecedence(minPrecedence int) Expr {
	left := p.parsePrefixExpr()
	for p.err == nil {
		prec := p.infixPrecedence()
		if prec < minPrecedence || prec == precedenceNone {
			break
		}
		left = p.parseInfixExpr(left, prec)
	}
	return left
}

func (p *Parser) parsePrefixExpr() Expr {
	switch p.token.Type {
	case TOKEN_NOT:
		pos := p.token.Pos
		p.nextToken()
		return &UnaryExpr{Op: TOKEN_NOT, Expr: p.parseExpressionWithPrecedence(precedenceNot), Pos: pos}
	case TOKEN_MINUS:
		pos := p.token.Pos
		p.nextToken()
		if p.check(TOKEN_NUMBER) {
			lit := p.parseNumber()
			lit.Value = "-" + lit.Value
			lit.Pos = pos
			return lit
		}
		return &UnaryExpr{Op: TOKEN_MINUS, Expr: p.parseExpressionWithPrecedence(precedenceUnary), Pos: pos}
	case TOKEN_PLUS:
		p.nextToken()
		return p.parseExpressionWithPrecedence(precedenceUnary)
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) infixPrecedence() int {
	switch p.token.Type {
	case TOKEN_OR:
		return precedenceOr
	case TOKEN_AND:
		return precedenceAnd
	case TOKEN_EQ, TOKEN_NE, TOKEN_LT, TOKEN_GT, TOKEN_LE, TOKEN_GE, TOKEN_IS:
		return precedenceComparison
	default:
		return precedenceNone
	}
}

func (p *Parser) parseInfixExpr(left Expr, prec int) Expr {
	if p.check(TOKEN_IS) {
		p.nextToken()
		not := p.match(TOKEN_NOT)
		if !p.expect(TOKEN_NULL) {
			return left
		}
		return &IsNullExpr{Expr: left, Not: not}
	}
	op := p.token
	p.nextToken()
	right := p.parseExpressionWithPrecedence(prec + 1)
	return &BinaryExpr{Left: left, Op: op.Type, Right: right, Pos: op.Pos}
}

func (p *Parser) parsePrimary() Expr {
	tok := p.token
	switch tok.Type {
	case TOKEN_NUMBER:
		return p.parseNumber()
	case TOKEN_STRING:
		p.nextToken()
		return &Literal{Type: LiteralString, Value: tok.Literal, Pos: tok.Pos}
	case TOKEN_TRUE, TOKEN_FALSE:
		p.nextToken()
		return &Literal{Type: LiteralBool, Value: strings.ToLower(tok.Literal), Pos: tok.Pos}
	case TOKEN_NULL:
		p.nextToken()
		return &Literal{Type: LiteralNull, Pos: tok.Pos}
	case TOKEN_IDENT, TOKEN_QUOTED_IDENT:
		return p.parseColumnRef()
	case TOKEN_LPAREN:
		if p.peek.Type == TOKEN_SELECT || p.peek.Type == TOKEN_WITH {
			p.errorf(p.peek, "subqueries are not supported")
			return nil
		}
		p.nextToken()
		inner := p.parseExpression()
		p.expect(TOKEN_RPAREN)
		return &ParenExpr{Expr: inner}
	case TOKEN_STAR:
		p.errorf(tok, "* is only allowed in the select list")
		return nil
	default:
		p.unexpected()
		return nil
	}
}

func (p *Parser) parseNumber() *Literal {
	tok := p.token
	p.nextToken()
	lit := &Literal{Type: LiteralInteger, Value: tok.Literal, Pos: tok.Pos}
	if strings.ContainsAny(tok.Literal, ".eE") {
		lit.Type = LiteralFloat
	} else if _, err := strconv.ParseInt(tok.Literal, 10, 64); err != nil {
		p.errorf(tok, "integer literal %s out of range", tok.Literal)
	}
	return lit
}

func (p *Parser) parseColumnRef() Expr {
	first := p.token
	if p.peek.Type == TOKEN_LPAREN {
		p.errorf(first, "function calls are not supported")
		return nil
	}
	p.nextToken()
	if !p.match(TOKEN_DOT) {
		return &ColumnRef{Column: identName(first), Pos: first.Pos}
	}
	if p.check(TOKEN_STAR) {
		p.errorf(p.token, "* is only allowed in the select list")
		return nil
	}
	if !isName(p.token) {
		p.errorf(p.token, "expected column name after %q., found %s", identName(first), describe(p.token))
		return nil
	}
	column := identName(p.token)
	p.nextToken()
	if p.check(TOKEN_DOT) {
		p.errorf(p.token, "column references take at most one qualifier")
		return nil
	}
	return &ColumnRef{Table: identName(first), Column: column, Pos: first.Pos}
}

func isName(tok Token) bool {
	return tok.Type == TOKEN_IDENT || tok.Type == TOKEN_QUOTED_IDENT
}

// identName folds unquoted identifiers to lower case and keeps quoted ones
// verbatim.
func identName(tok Token) string {
	if tok.Type == TOKEN_IDENT {
		return strings.ToLower(tok.Literal)
	}
	return tok.Literal
}
