package chervil

import (
	"fmt"
	"strings"
)

// LexError reports a tokenization failure with its source position.
type LexError struct {
	Message string
	Line    int
	Col     int
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lex error at line %d, column %d: %s", e.Line, e.Col, e.Message)
}

// SyntaxError reports a parse failure. Snippet holds the offending source
// line with a caret marking the column.
type SyntaxError struct {
	Message string
	Line    int
	Col     int
	Snippet string
}

func (e *SyntaxError) Error() string {
	msg := fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Col, e.Message)
	if e.Snippet != "" {
		msg += "\n" + e.Snippet
	}
	return msg
}

// RuntimeError reports a failure during rendering: unknown filter/test,
// missing template, bad operand, or exceeded recursion depth.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string { return e.Message }

func runtimeErrorf(format string, args ...any) *RuntimeError {
	return &RuntimeError{Message: fmt.Sprintf(format, args...)}
}

// CompileError reports that the flattener or the AOT compiler was handed a
// construct it cannot support.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string { return "compile error: " + e.Reason }

func compileErrorf(format string, args ...any) *CompileError {
	return &CompileError{Reason: fmt.Sprintf(format, args...)}
}

// ErrTemplateNotFound is returned by loaders when a template name does not
// resolve. `include ... ignore missing` swallows exactly this error.
type ErrTemplateNotFound struct{ Name string }

func (e ErrTemplateNotFound) Error() string { return "template not found: " + e.Name }

// snippetAt renders the source line containing the position with a caret
// under the offending column.
func snippetAt(source string, line, col int) string {
	if line < 1 {
		return ""
	}
	lines := strings.Split(source, "\n")
	if line > len(lines) {
		return ""
	}
	text := lines[line-1]
	if col < 1 {
		col = 1
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte('\n')
	for i := 0; i < col-1 && i < len(text); i++ {
		if text[i] == '\t' {
			b.WriteByte('\t')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteByte('^')
	return b.String()
}
