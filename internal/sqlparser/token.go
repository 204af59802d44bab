// Package sqlparser parses the federated SELECT dialect: single statements
// whose FROM and JOIN positions accept quoted resource URIs as well as bare
// table names.
package sqlparser

import "fmt"

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TOKEN_EOF     TokenType = iota // end of input
	TOKEN_ILLEGAL                  // unexpected character or unterminated literal

	TOKEN_IDENT        // unquoted identifier
	TOKEN_QUOTED_IDENT // "identifier"
	TOKEN_NUMBER       // 123, 45.67, 1e10
	TOKEN_STRING       // 'text'

	TOKEN_PLUS      // +
	TOKEN_MINUS     // -
	TOKEN_STAR      // *
	TOKEN_EQ        // =
	TOKEN_NE        // != or <>
	TOKEN_LT        // <
	TOKEN_GT        // >
	TOKEN_LE        // <=
	TOKEN_GE        // >=
	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )

	// TOKEN_AND and below are keywords.
	TOKEN_AND
	TOKEN_AS
	TOKEN_BY
	TOKEN_CROSS
	TOKEN_DISTINCT
	TOKEN_FALSE
	TOKEN_FROM
	TOKEN_FULL
	TOKEN_GROUP
	TOKEN_HAVING
	TOKEN_INNER
	TOKEN_IS
	TOKEN_JOIN
	TOKEN_LEFT
	TOKEN_LIMIT
	TOKEN_NATURAL
	TOKEN_NOT
	TOKEN_NULL
	TOKEN_OFFSET
	TOKEN_ON
	TOKEN_OR
	TOKEN_ORDER
	TOKEN_OUTER
	TOKEN_RIGHT
	TOKEN_SELECT
	TOKEN_TRUE
	TOKEN_UNION
	TOKEN_USING
	TOKEN_WHERE
	TOKEN_WITH
)

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(%d)", t)
}

var tokenNames = map[TokenType]string{
	TOKEN_EOF:          "end of input",
	TOKEN_ILLEGAL:      "ILLEGAL",
	TOKEN_IDENT:        "identifier",
	TOKEN_QUOTED_IDENT: "quoted identifier",
	TOKEN_NUMBER:       "number",
	TOKEN_STRING:       "string",

	TOKEN_PLUS:      "+",
	TOKEN_MINUS:     "-",
	TOKEN_STAR:      "*",
	TOKEN_EQ:        "=",
	TOKEN_NE:        "<>",
	TOKEN_LT:        "<",
	TOKEN_GT:        ">",
	TOKEN_LE:        "<=",
	TOKEN_GE:        ">=",
	TOKEN_DOT:       ".",
	TOKEN_COMMA:     ",",
	TOKEN_SEMICOLON: ";",
	TOKEN_LPAREN:    "(",
	TOKEN_RPAREN:    ")",

	TOKEN_AND:      "AND",
	TOKEN_AS:       "AS",
	TOKEN_BY:       "BY",
	TOKEN_CROSS:    "CROSS",
	TOKEN_DISTINCT: "DISTINCT",
	TOKEN_FALSE:    "FALSE",
	TOKEN_FROM:     "FROM",
	TOKEN_FULL:     "FULL",
	TOKEN_GROUP:    "GROUP",
	TOKEN_HAVING:   "HAVING",
	TOKEN_INNER:    "INNER",
	TOKEN_IS:       "IS",
	TOKEN_JOIN:     "JOIN",
	TOKEN_LEFT:     "LEFT",
	TOKEN_LIMIT:    "LIMIT",
	TOKEN_NATURAL:  "NATURAL",
	TOKEN_NOT:      "NOT",
	TOKEN_NULL:     "NULL",
	TOKEN_OFFSET:   "OFFSET",
	TOKEN_ON:       "ON",
	TOKEN_OR:       "OR",
	TOKEN_ORDER:    "ORDER",
	TOKEN_OUTER:    "OUTER",
	TOKEN_RIGHT:    "RIGHT",
	TOKEN_SELECT:   "SELECT",
	TOKEN_TRUE:     "TRUE",
	TOKEN_UNION:    "UNION",
	TOKEN_USING:    "USING",
	TOKEN_WHERE:    "WHERE",
	TOKEN_WITH:     "WITH",
}

var keywords = map[string]TokenType{
	"and":      TOKEN_AND,
	"as":       TOKEN_AS,
	"by":       TOKEN_BY,
	"cross":    TOKEN_CROSS,
	"distinct": TOKEN_DISTINCT,
	"false":    TOKEN_FALSE,
	"from":     TOKEN_FROM,
	"full":     TOKEN_FULL,
	"group":    TOKEN_GROUP,
	"having":   TOKEN_HAVING,
	"inner":    TOKEN_INNER,
	"is":       TOKEN_IS,
	"join":     TOKEN_JOIN,
	"left":     TOKEN_LEFT,
	"limit":    TOKEN_LIMIT,
	"natural":  TOKEN_NATURAL,
	"not":      TOKEN_NOT,
	"null":     TOKEN_NULL,
	"offset":   TOKEN_OFFSET,
	"on":       TOKEN_ON,
	"or":       TOKEN_OR,
	"order":    TOKEN_ORDER,
	"outer":    TOKEN_OUTER,
	"right":    TOKEN_RIGHT,
	"select":   TOKEN_SELECT,
	"true":     TOKEN_TRUE,
	"union":    TOKEN_UNION,
	"using":    TOKEN_USING,
	"where":    TOKEN_WHERE,
	"with":     TOKEN_WITH,
}

// lookupKeyword returns the keyword type of a lower-cased identifier, or
// TOKEN_IDENT.
func lookupKeyword(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return TOKEN_IDENT
}

// Token is a lexical token. Pos is the byte offset of its first character.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

const (
	precedenceNone       = 0
	precedenceOr         = 1
	precedenceAnd        = 2
	precedenceNot        = 3
	precedenceComparison = 4 // =, <>, <, >, <=, >=, IS
	precedenceUnary      = 5 // -, + (prefix)
)
