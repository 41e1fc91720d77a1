package chervil

import (
	"strconv"
	"strings"
)

// Expression grammar, loosest binding first:
//
//	conditional (a if c else b)
//	or
//	and
//	not
//	comparisons (== != < <= > >= in, chainable)
//	+ -
//	~
//	* / // %
//	**
//	unary - +
//	postfix: .attr [index] (call) |filter is [not] test
//
// reservedWords may not be used as variable names or bare test arguments.
var reservedWords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"if": true, "else": true,
}

func (p *parser) parseExpression() (Expr, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.peekIdent("if") {
		p.next()
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		var els Expr
		if p.acceptIdent("else") {
			// The else branch re-enters at the top, making chained
			// conditionals right-associative.
			els, err = p.parseExpression()
			if err != nil {
				return nil, err
			}
		}
		then = &CondExpr{Then: then, Cond: cond, Else: els}
	}
	return then, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekIdent("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peekIdent("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peekIdent("not") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *parser) parseComparison() (Expr, error) {
	first, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	var links []CompareLink
	for {
		var op string
		t := p.peek()
		switch {
		case t.Kind == TokenOp && compareOps[t.Text]:
			op = t.Text
			p.next()
		case t.Kind == TokenIdent && t.Text == "in":
			op = "in"
			p.next()
		case t.Kind == TokenIdent && t.Text == "not" &&
			p.peek2().Kind == TokenIdent && p.peek2().Text == "in":
			op = "not in"
			p.next()
			p.next()
		default:
			if len(links) == 0 {
				return first, nil
			}
			return &CompareExpr{First: first, Links: links}, nil
		}
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		links = append(links, CompareLink{Op: op, R: right})
	}
}

func (p *parser) parseAdd() (Expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.Kind != TokenOp || (t.Text != "+" && t.Text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.Text, L: left, R: right}
	}
}

func (p *parser) parseConcat() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.peekOp("~") {
		p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "~", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseMul() (Expr, error) {
	left, err := p.parsePow()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.Kind != TokenOp || (t.Text != "*" && t.Text != "/" && t.Text != "//" && t.Text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.Text, L: left, R: right}
	}
}

func (p *parser) parsePow() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekOp("**") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "**", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	if t.Kind == TokenOp && (t.Text == "-" || t.Text == "+") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: t.Text, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		switch {
		case t.Kind == TokenOp && t.Text == ".":
			p.next()
			at := p.next()
			switch at.Kind {
			case TokenIdent:
				x = &GetAttrExpr{X: x, Name: at.Text}
			case TokenInt:
				// Django-style positional access: mylist.0.
				idx, err := strconv.ParseInt(at.Text, 10, 64)
				if err != nil {
					return nil, p.errAt(at, "invalid index '%s'", at.Text)
				}
				x = &GetItemExpr{X: x, Index: &LiteralExpr{Val: IntValue(idx)}}
			default:
				return nil, p.errAt(at, "expected attribute name after '.', got %s", describeToken(at))
			}

		case t.Kind == TokenOp && t.Text == "[":
			p.next()
			idx, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &GetItemExpr{X: x, Index: idx}

		case t.Kind == TokenOp && t.Text == "(":
			args, kwargs, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			x = &CallExpr{Fn: x, Args: args, Kwargs: kwargs, Line: t.Line}

		case t.Kind == TokenOp && t.Text == "|":
			p.next()
			nameTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			fe := &FilterExpr{X: x, Name: nameTok.Text, Line: nameTok.Line}
			fe.Args, fe.Kwargs, err = p.parseFilterArgs()
			if err != nil {
				return nil, err
			}
			x = fe

		case t.Kind == TokenIdent && t.Text == "is":
			p.next()
			negated := p.acceptIdent("not")
			nameTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			te := &TestExpr{X: x, Name: nameTok.Text, Negated: negated, Line: nameTok.Line}
			if p.peekOp("(") {
				args, kwargs, err := p.parseCallArgs()
				if err != nil {
					return nil, err
				}
				if len(kwargs) > 0 {
					return nil, p.errAt(nameTok, "test '%s' does not take named arguments", nameTok.Text)
				}
				te.Args = args
			} else if p.bareTestArgFollows() {
				arg, err := p.parseAdd()
				if err != nil {
					return nil, err
				}
				te.Args = []Expr{arg}
			}
			x = te

		default:
			return x, nil
		}
	}
}

// bareTestArgFollows reports whether the next token can begin the
// parenthesis-free argument of a test, as in "x is divisibleby 3".
func (p *parser) bareTestArgFollows() bool {
	t := p.peek()
	switch t.Kind {
	case TokenInt, TokenFloat, TokenString:
		return true
	case TokenIdent:
		return !reservedWords[t.Text]
	case TokenOp:
		return t.Text == "[" || t.Text == "{"
	}
	return false
}

// parseFilterArgs parses either call syntax name(a, k=v) or the Django
// colon syntax name:arg into one argument-list shape.
func (p *parser) parseFilterArgs() ([]Expr, []Kwarg, error) {
	if p.peekOp("(") {
		return p.parseCallArgs()
	}
	if p.acceptOp(":") {
		arg, err := p.parseColonArg()
		if err != nil {
			return nil, nil, err
		}
		return []Expr{arg}, nil, nil
	}
	return nil, nil, nil
}

// parseColonArg parses the single argument of a colon-style filter: a
// literal or a variable with attribute/index access, but no operators, so
// the rest of the filter chain is not swallowed.
func (p *parser) parseColonArg() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		switch {
		case t.Kind == TokenOp && t.Text == ".":
			p.next()
			at := p.next()
			switch at.Kind {
			case TokenIdent:
				x = &GetAttrExpr{X: x, Name: at.Text}
			case TokenInt:
				idx, err := strconv.ParseInt(at.Text, 10, 64)
				if err != nil {
					return nil, p.errAt(at, "invalid index '%s'", at.Text)
				}
				x = &GetItemExpr{X: x, Index: &LiteralExpr{Val: IntValue(idx)}}
			default:
				return nil, p.errAt(at, "expected attribute name after '.', got %s", describeToken(at))
			}
		case t.Kind == TokenOp && t.Text == "[":
			p.next()
			idx, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &GetItemExpr{X: x, Index: idx}
		default:
			return x, nil
		}
	}
}

// parseCallArgs parses "(a, b, k=v)" starting at the open parenthesis.
func (p *parser) parseCallArgs() ([]Expr, []Kwarg, error) {
	if _, err := p.expectOp("("); err != nil {
		return nil, nil, err
	}
	var args []Expr
	var kwargs []Kwarg
	for !p.peekOp(")") {
		if p.peek().Kind == TokenIdent && p.peek2().Kind == TokenOp && p.peek2().Text == "=" {
			nameTok := p.next()
			p.next() // =
			expr, err := p.parseExpression()
			if err != nil {
				return nil, nil, err
			}
			kwargs = append(kwargs, Kwarg{Name: nameTok.Text, Expr: expr})
		} else {
			if len(kwargs) > 0 {
				return nil, nil, p.errAt(p.peek(), "positional argument follows keyword argument")
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, nil, err
			}
			args = append(args, expr)
		}
		if !p.acceptOp(",") {
			break
		}
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, nil, err
	}
	return args, kwargs, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.Kind {
	case TokenString:
		s, err := unquoteString(t.Text)
		if err != nil {
			return nil, p.errAt(t, "bad string literal: %v", err)
		}
		return &LiteralExpr{Val: StringValue(s)}, nil

	case TokenInt:
		n, err := strconv.ParseInt(t.Text, 10, 64)
		if err != nil {
			return nil, p.errAt(t, "invalid integer '%s'", t.Text)
		}
		return &LiteralExpr{Val: IntValue(n)}, nil

	case TokenFloat:
		f, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return nil, p.errAt(t, "invalid number '%s'", t.Text)
		}
		return &LiteralExpr{Val: FloatValue(f)}, nil

	case TokenIdent:
		switch t.Text {
		case "true", "True":
			return &LiteralExpr{Val: BoolValue(true)}, nil
		case "false", "False":
			return &LiteralExpr{Val: BoolValue(false)}, nil
		case "none", "None":
			return &LiteralExpr{Val: NoneValue{}}, nil
		}
		if reservedWords[t.Text] {
			return nil, p.errAt(t, "unexpected keyword '%s' in expression", t.Text)
		}
		return &NameExpr{Name: t.Text, Line: t.Line, Col: t.Col}, nil

	case TokenOp:
		switch t.Text {
		case "(":
			first, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if !p.peekOp(",") {
				_, err := p.expectOp(")")
				return first, err
			}
			// Parenthesized tuple, e.g. ("a", "b").
			items := []Expr{first}
			for p.acceptOp(",") {
				if p.peekOp(")") {
					break
				}
				item, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			if _, err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return &ListExpr{Items: items}, nil

		case "[":
			var items []Expr
			for !p.peekOp("]") {
				item, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				if !p.acceptOp(",") {
					break
				}
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			return &ListExpr{Items: items}, nil

		case "{":
			d := &DictExpr{}
			for !p.peekOp("}") {
				key, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				if _, err := p.expectOp(":"); err != nil {
					return nil, err
				}
				val, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				d.Keys = append(d.Keys, key)
				d.Values = append(d.Values, val)
				if !p.acceptOp(",") {
					break
				}
			}
			if _, err := p.expectOp("}"); err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return nil, p.errAt(t, "unexpected %s in expression", describeToken(t))
}

// unquoteString strips the quotes from a string token and processes
// backslash escapes. Unknown escapes keep the backslash.
func unquoteString(raw string) (string, error) {
	if len(raw) < 2 {
		return "", runtimeErrorf("string literal too short")
	}
	body := raw[1 : len(raw)-1]
	if !strings.ContainsRune(body, '\\') {
		return body, nil
	}
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		case '\'':
			b.WriteByte('\'')
		case '"':
			b.WriteByte('"')
		default:
			b.WriteByte('\\')
			b.WriteByte(body[i])
		}
	}
	return b.String(), nil
}
