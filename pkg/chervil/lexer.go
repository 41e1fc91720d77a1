package chervil

// The lexer scans template source and yields tokens for text runs and the
// three delimiter forms: variables {{ }}, statements {% %}, and comments
// {# #}. It runs as a two-mode state machine: text mode emits one text token
// per run up to the next opening delimiter, tag mode tokenizes identifiers,
// literals, operators, and punctuation until the matching close. Comments
// are consumed here and never reach the parser. {% raw %} / {% verbatim %}
// bodies are captured as a single opaque text token.

import (
	"fmt"
	"strings"
)

type lexer struct {
	src  string
	i    int
	line int
	col  int

	toks []Token

	// set when a closing comment delimiter carried a trim marker, so the
	// next text run is left-trimmed
	pendingTrim bool
}

// Tokenize scans source into a complete token stream ending with an EOF
// token. It fails with *LexError on unterminated delimiters, strings, raw
// blocks, or unrecognized characters.
func Tokenize(source string) ([]Token, error) {
	lx := &lexer{src: source, line: 1, col: 1}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) errf(line, col int, format string, args ...any) *LexError {
	return &LexError{Message: fmt.Sprintf(format, args...), Line: line, Col: col}
}

// advance moves the cursor n bytes forward, keeping line/column current.
// Columns count runes, not bytes.
func (lx *lexer) advance(n int) {
	for k := 0; k < n; k++ {
		b := lx.src[lx.i]
		lx.i++
		if b == '\n' {
			lx.line++
			lx.col = 1
		} else if b&0xC0 != 0x80 {
			lx.col++
		}
	}
}

func (lx *lexer) emit(kind TokenKind, text string, line, col int) {
	lx.toks = append(lx.toks, Token{Kind: kind, Text: text, Line: line, Col: col})
}

func (lx *lexer) rest() string { return lx.src[lx.i:] }

func (lx *lexer) startsWith(s string) bool {
	return strings.HasPrefix(lx.src[lx.i:], s)
}

func (lx *lexer) run() error {
	for lx.i < len(lx.src) {
		start, line, col := lx.i, lx.line, lx.col

		// Text mode: scan up to the next opening delimiter.
		for lx.i < len(lx.src) {
			if lx.src[lx.i] == '{' && lx.i+1 < len(lx.src) {
				c := lx.src[lx.i+1]
				if c == '{' || c == '%' || c == '#' {
					break
				}
			}
			lx.advance(1)
		}

		if lx.i > start {
			text := lx.src[start:lx.i]
			if lx.pendingTrim {
				text = strings.TrimLeft(text, " \t\r\n")
				lx.pendingTrim = false
			}
			if text != "" {
				lx.emit(TokenText, text, line, col)
			}
		} else {
			lx.pendingTrim = false
		}

		if lx.i >= len(lx.src) {
			break
		}

		switch lx.src[lx.i+1] {
		case '#':
			if err := lx.lexComment(); err != nil {
				return err
			}
		case '{':
			if err := lx.lexTag(TokenVarOpen); err != nil {
				return err
			}
		case '%':
			rawWord, err := lx.lexTagFirstIdent()
			if err != nil {
				return err
			}
			if rawWord != "" {
				if err := lx.captureRaw(rawWord); err != nil {
					return err
				}
			}
		}
	}

	lx.emit(TokenEOF, "", lx.line, lx.col)
	return nil
}

// lexComment consumes {# ... #} entirely, honoring trim markers on either
// side: {#- right-trims the preceding text token, -#} left-trims the next
// text run.
func (lx *lexer) lexComment() error {
	line, col := lx.line, lx.col
	lx.advance(2)
	if lx.i < len(lx.src) && lx.src[lx.i] == '-' {
		lx.trimLastText()
		lx.advance(1)
	}
	for lx.i < len(lx.src) {
		if lx.src[lx.i] == '#' && lx.startsWith("#}") {
			if lx.i > 0 && lx.src[lx.i-1] == '-' {
				lx.pendingTrim = true
			}
			lx.advance(2)
			return nil
		}
		lx.advance(1)
	}
	return lx.errf(line, col, "unterminated comment, missing '#}'")
}

func (lx *lexer) trimLastText() {
	if n := len(lx.toks); n > 0 && lx.toks[n-1].Kind == TokenText {
		lx.toks[n-1].Text = strings.TrimRight(lx.toks[n-1].Text, " \t\r\n")
		if lx.toks[n-1].Text == "" {
			lx.toks = lx.toks[:n-1]
		}
	}
}

// lexTagFirstIdent lexes a {% ... %} tag and reports the tag's keyword when
// it is raw or verbatim, so the caller can switch to opaque capture.
func (lx *lexer) lexTagFirstIdent() (string, error) {
	before := len(lx.toks)
	if err := lx.lexTag(TokenBlockOpen); err != nil {
		return "", err
	}
	for _, t := range lx.toks[before:] {
		if t.Kind == TokenIdent {
			if t.Text == "raw" || t.Text == "verbatim" {
				return t.Text, nil
			}
			return "", nil
		}
	}
	return "", nil
}

// lexTag tokenizes one {{ }} or {% %} tag, open delimiter through close
// delimiter. Close delimiters are only recognized at bracket depth zero so
// dict literals like {"a": 1} lex correctly inside variable tags.
func (lx *lexer) lexTag(open TokenKind) error {
	line, col := lx.line, lx.col
	openText := lx.src[lx.i : lx.i+2]
	lx.advance(2)
	if lx.i < len(lx.src) && lx.src[lx.i] == '-' {
		openText += "-"
		lx.advance(1)
	}
	lx.emit(open, openText, line, col)

	closeTwo := "}}"
	closeKind := TokenVarClose
	what := "variable"
	if open == TokenBlockOpen {
		closeTwo = "%}"
		closeKind = TokenBlockClose
		what = "block"
	}

	depth := 0
	for lx.i < len(lx.src) {
		c := lx.src[lx.i]
		tline, tcol := lx.line, lx.col

		if depth == 0 {
			if lx.startsWith("-" + closeTwo) {
				lx.emit(closeKind, "-"+closeTwo, tline, tcol)
				lx.advance(3)
				return nil
			}
			if lx.startsWith(closeTwo) {
				lx.emit(closeKind, closeTwo, tline, tcol)
				lx.advance(2)
				return nil
			}
		}

		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			start := lx.i
			for lx.i < len(lx.src) {
				b := lx.src[lx.i]
				if b != ' ' && b != '\t' && b != '\r' && b != '\n' {
					break
				}
				lx.advance(1)
			}
			lx.emit(TokenWhitespace, lx.src[start:lx.i], tline, tcol)

		case isIdentStart(c):
			start := lx.i
			for lx.i < len(lx.src) && isIdentPart(lx.src[lx.i]) {
				lx.advance(1)
			}
			lx.emit(TokenIdent, lx.src[start:lx.i], tline, tcol)

		case c >= '0' && c <= '9':
			start := lx.i
			kind := TokenInt
			for lx.i < len(lx.src) && lx.src[lx.i] >= '0' && lx.src[lx.i] <= '9' {
				lx.advance(1)
			}
			if lx.i+1 < len(lx.src) && lx.src[lx.i] == '.' && lx.src[lx.i+1] >= '0' && lx.src[lx.i+1] <= '9' {
				kind = TokenFloat
				lx.advance(1)
				for lx.i < len(lx.src) && lx.src[lx.i] >= '0' && lx.src[lx.i] <= '9' {
					lx.advance(1)
				}
			}
			lx.emit(kind, lx.src[start:lx.i], tline, tcol)

		case c == '\'' || c == '"':
			start := lx.i
			quote := c
			lx.advance(1)
			closed := false
			for lx.i < len(lx.src) {
				b := lx.src[lx.i]
				if b == '\\' && lx.i+1 < len(lx.src) {
					lx.advance(2)
					continue
				}
				lx.advance(1)
				if b == quote {
					closed = true
					break
				}
			}
			if !closed {
				return lx.errf(tline, tcol, "unterminated string literal")
			}
			lx.emit(TokenString, lx.src[start:lx.i], tline, tcol)

		default:
			op := lx.matchOp()
			if op == "" {
				return lx.errf(tline, tcol, "unexpected character %q in %s tag", rune(c), what)
			}
			switch op {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			}
			lx.emit(TokenOp, op, tline, tcol)
			lx.advance(len(op))
		}
	}

	return lx.errf(line, col, "unterminated %s tag, missing '%s'", what, closeTwo)
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "**", "//"}

const oneCharOps = "+-*/%~|.,:=<>()[]{}"

func (lx *lexer) matchOp() string {
	for _, op := range twoCharOps {
		if lx.startsWith(op) {
			return op
		}
	}
	c := lx.src[lx.i]
	if strings.IndexByte(oneCharOps, c) >= 0 {
		return string(c)
	}
	return ""
}

// captureRaw scans for the literal closing tag of a raw/verbatim block and
// emits the interior as one opaque text token. Nested delimiters inside the
// body are not interpreted. The closing tag itself is lexed normally so the
// parser sees its structure.
func (lx *lexer) captureRaw(keyword string) error {
	endWord := "end" + keyword
	startLine, startCol := lx.line, lx.col
	bodyStart := lx.i

	for lx.i < len(lx.src) {
		if lx.src[lx.i] == '{' && lx.startsWith("{%") {
			if lx.rawCloseAt(lx.i, endWord) {
				if lx.i > bodyStart {
					lx.emit(TokenText, lx.src[bodyStart:lx.i], startLine, startCol)
				}
				return nil
			}
		}
		lx.advance(1)
	}
	return lx.errf(startLine, startCol, "unterminated %s block, missing '{%% %s %%}'", keyword, endWord)
}

// rawCloseAt reports whether an {% endraw %}-style tag starts at offset pos.
func (lx *lexer) rawCloseAt(pos int, endWord string) bool {
	j := pos + 2
	src := lx.src
	if j < len(src) && src[j] == '-' {
		j++
	}
	for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\r' || src[j] == '\n') {
		j++
	}
	if !strings.HasPrefix(src[j:], endWord) {
		return false
	}
	j += len(endWord)
	if j < len(src) && isIdentPart(src[j]) {
		return false
	}
	for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\r' || src[j] == '\n') {
		j++
	}
	if j < len(src) && src[j] == '-' {
		j++
	}
	return strings.HasPrefix(src[j:], "%}")
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
