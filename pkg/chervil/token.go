package chervil

import "fmt"

// TokenKind identifies the lexical class of a token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenText
	TokenVarOpen    // {{ or {{-
	TokenVarClose   // }} or -}}
	TokenBlockOpen  // {% or {%-
	TokenBlockClose // %} or -%}
	TokenWhitespace // whitespace inside a tag, skipped by the parser
	TokenIdent
	TokenString // raw source slice including quotes
	TokenInt
	TokenFloat
	TokenOp // operators and punctuation
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "eof"
	case TokenText:
		return "text"
	case TokenVarOpen:
		return "variable start"
	case TokenVarClose:
		return "variable end"
	case TokenBlockOpen:
		return "block start"
	case TokenBlockClose:
		return "block end"
	case TokenWhitespace:
		return "whitespace"
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenInt:
		return "integer"
	case TokenFloat:
		return "float"
	case TokenOp:
		return "operator"
	default:
		return "unknown"
	}
}

// Token is one lexical unit of a template source. Text always holds the
// exact source slice the token covers, so concatenating the Text of every
// token in a stream reproduces the input (comments excepted, which are
// consumed during lexing and never surface).
type Token struct {
	Kind TokenKind
	Text string
	Line int // 1-based
	Col  int // 1-based, in runes
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return "<eof>"
	}
	return fmt.Sprintf("%s %q", t.Kind, t.Text)
}

// isOp reports whether the token is the given operator or punctuation.
func (t Token) isOp(op string) bool {
	return t.Kind == TokenOp && t.Text == op
}

// isIdent reports whether the token is the given bare identifier.
func (t Token) isIdent(name string) bool {
	return t.Kind == TokenIdent && t.Text == name
}
