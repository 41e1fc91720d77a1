package chervil

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parse lexes and parses a template source into a Template AST.
func Parse(source string) (*Template, error) {
	return ParseNamed("", source)
}

// ParseNamed parses source under a template name, which is carried into
// the resulting Template for diagnostics and inheritance resolution.
func ParseNamed(name, source string) (*Template, error) {
	toks, err := Tokenize(source)
	if err != nil {
		return nil, err
	}
	p := &parser{src: source, toks: toks, blockNames: map[string]bool{}}
	nodes, _, err := p.parseNodes(nil)
	if err != nil {
		return nil, err
	}
	return &Template{Name: name, Nodes: nodes}, nil
}

type parser struct {
	src  string
	toks []Token
	pos  int

	depth       int
	sawExtends  bool
	pendingTrim bool
	blockNames  map[string]bool
}

// statementKeywords is every tag name the parser understands, used for
// "did you mean" hints on unknown tags.
var statementKeywords = []string{
	"autoescape", "block", "call", "comment", "csrf_token", "cycle",
	"debug", "elif", "else", "empty", "endautoescape", "endblock",
	"endcall", "endcomment", "endfilter", "endfor", "endif",
	"endifchanged", "endifequal", "endifnotequal", "endmacro", "endraw",
	"endset", "endverbatim", "endwith", "extends", "filter", "firstof",
	"for", "if", "ifchanged", "ifequal", "ifnotequal", "include", "load",
	"lorem", "macro", "now", "raw", "regroup", "set", "static",
	"templatetag", "url", "verbatim", "widthratio", "with",
}

func (p *parser) errAt(tok Token, format string, args ...any) *SyntaxError {
	return &SyntaxError{
		Message: fmt.Sprintf(format, args...),
		Line:    tok.Line,
		Col:     tok.Col,
		Snippet: snippetAt(p.src, tok.Line, tok.Col),
	}
}

// raw returns the next token without skipping whitespace tokens; only the
// text-level loop uses it.
func (p *parser) raw() Token {
	t := p.toks[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

// peek returns the next significant token without consuming it.
func (p *parser) peek() Token {
	i := p.pos
	for p.toks[i].Kind == TokenWhitespace {
		i++
	}
	return p.toks[i]
}

// peek2 returns the significant token after the next one.
func (p *parser) peek2() Token {
	i := p.pos
	seen := 0
	for {
		t := p.toks[i]
		if t.Kind == TokenEOF {
			return t
		}
		if t.Kind != TokenWhitespace {
			seen++
			if seen == 2 {
				return t
			}
		}
		i++
	}
}

// next consumes and returns the next significant token.
func (p *parser) next() Token {
	for p.toks[p.pos].Kind == TokenWhitespace {
		p.pos++
	}
	t := p.toks[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) peekOp(op string) bool {
	t := p.peek()
	return t.Kind == TokenOp && t.Text == op
}

func (p *parser) peekIdent(name string) bool {
	t := p.peek()
	return t.Kind == TokenIdent && t.Text == name
}

func (p *parser) acceptOp(op string) bool {
	if p.peekOp(op) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptIdent(name string) bool {
	if p.peekIdent(name) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectOp(op string) (Token, error) {
	t := p.next()
	if t.Kind != TokenOp || t.Text != op {
		return t, p.errAt(t, "expected %q, got %s", op, describeToken(t))
	}
	return t, nil
}

func (p *parser) expectIdent() (Token, error) {
	t := p.next()
	if t.Kind != TokenIdent {
		return t, p.errAt(t, "expected an identifier, got %s", describeToken(t))
	}
	return t, nil
}

func (p *parser) expectKeyword(name string) error {
	t := p.next()
	if t.Kind != TokenIdent || t.Text != name {
		return p.errAt(t, "expected %q, got %s", name, describeToken(t))
	}
	return nil
}

func describeToken(t Token) string {
	switch t.Kind {
	case TokenEOF:
		return "end of template"
	case TokenText:
		return "text"
	default:
		return fmt.Sprintf("%q", t.Text)
	}
}

// closeBlock consumes up to and including the %} of the current tag and
// records its trim marker for the following text run.
func (p *parser) closeBlock() error {
	t := p.next()
	if t.Kind != TokenBlockClose {
		return p.errAt(t, "expected '%%}', got %s", describeToken(t))
	}
	p.pendingTrim = strings.HasPrefix(t.Text, "-")
	return nil
}

func closerList(until map[string]bool) string {
	keys := make([]string, 0, len(until))
	for k := range until {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "{% " + strings.Join(keys, " %} or {% ") + " %}"
}

// rtrimText right-trims the trailing text node for a {%- style opener.
func rtrimText(nodes []Node) []Node {
	if n := len(nodes); n > 0 {
		if tn, ok := nodes[n-1].(*TextNode); ok {
			tn.Text = strings.TrimRight(tn.Text, " \t\r\n")
			if tn.Text == "" {
				return nodes[:n-1]
			}
		}
	}
	return nodes
}

// parseNodes parses statements until it meets a closing keyword listed in
// until, or end of input when until is empty. It returns with the parser
// positioned after the closing keyword; the caller consumes that tag's
// arguments and its %}.
func (p *parser) parseNodes(until map[string]bool) ([]Node, string, error) {
	var nodes []Node
	for {
		tok := p.raw()
		switch tok.Kind {
		case TokenEOF:
			if len(until) > 0 {
				return nil, "", p.errAt(tok, "unexpected end of template, expected %s", closerList(until))
			}
			return nodes, "", nil

		case TokenText:
			text := tok.Text
			if p.pendingTrim {
				text = strings.TrimLeft(text, " \t\r\n")
				p.pendingTrim = false
			}
			if text != "" {
				nodes = append(nodes, &TextNode{Text: text})
			}

		case TokenVarOpen:
			p.pendingTrim = false
			if strings.HasSuffix(tok.Text, "-") {
				nodes = rtrimText(nodes)
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, "", err
			}
			closeTok := p.next()
			if closeTok.Kind != TokenVarClose {
				return nil, "", p.errAt(closeTok, "expected '}}', got %s", describeToken(closeTok))
			}
			nodes = append(nodes, &OutputNode{Expr: expr, Line: tok.Line})
			p.pendingTrim = strings.HasPrefix(closeTok.Text, "-")

		case TokenBlockOpen:
			p.pendingTrim = false
			if strings.HasSuffix(tok.Text, "-") {
				nodes = rtrimText(nodes)
			}
			kwTok, err := p.expectIdent()
			if err != nil {
				return nil, "", err
			}
			if until[kwTok.Text] {
				return nodes, kwTok.Text, nil
			}
			stmt, err := p.parseStatement(kwTok, len(until) == 0 && !hasStatements(nodes))
			if err != nil {
				return nil, "", err
			}
			if stmt != nil {
				nodes = append(nodes, stmt)
			}

		default:
			return nil, "", p.errAt(tok, "unexpected token %s", describeToken(tok))
		}
	}
}

func hasStatements(nodes []Node) bool {
	for _, n := range nodes {
		if _, ok := n.(*TextNode); !ok {
			return true
		}
	}
	return false
}

var endKeywords = map[string]bool{
	"elif": true, "else": true, "empty": true, "endautoescape": true,
	"endblock": true, "endcall": true, "endcomment": true,
	"endfilter": true, "endfor": true, "endif": true,
	"endifchanged": true, "endifequal": true, "endifnotequal": true,
	"endmacro": true, "endraw": true, "endset": true,
	"endverbatim": true, "endwith": true,
}

// parseStatement dispatches on a tag keyword. The parser sits right after
// the keyword; every branch consumes through the closing %}.
func (p *parser) parseStatement(kwTok Token, firstAtTop bool) (Node, error) {
	switch kwTok.Text {
	case "if":
		return p.parseIf()
	case "for":
		return p.parseFor(kwTok)
	case "set":
		return p.parseSet(kwTok)
	case "with":
		return p.parseWith()
	case "macro":
		return p.parseMacro()
	case "call":
		return p.parseCall(kwTok)
	case "block":
		return p.parseBlockStmt(kwTok)
	case "extends":
		return p.parseExtends(kwTok, firstAtTop)
	case "include":
		return p.parseInclude(kwTok)
	case "raw", "verbatim":
		return p.parseRaw(kwTok.Text)
	case "comment":
		return p.parseComment(kwTok)
	case "autoescape":
		return p.parseAutoescape(kwTok)
	case "filter":
		return p.parseFilterBlock()
	case "url":
		return p.parseURL(kwTok)
	case "static":
		return p.parseStatic()
	case "load":
		return p.parseLoad(kwTok)
	case "now":
		return p.parseNow(kwTok)
	case "cycle":
		return p.parseCycle(kwTok)
	case "ifchanged":
		return p.parseIfChanged()
	case "firstof":
		return p.parseFirstof(kwTok)
	case "regroup":
		return p.parseRegroup(kwTok)
	case "widthratio":
		return p.parseWidthRatio(kwTok)
	case "templatetag":
		return p.parseTemplateTag(kwTok)
	case "csrf_token":
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		return &CsrfTokenNode{}, nil
	case "debug":
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		return &DebugNode{}, nil
	case "lorem":
		return p.parseLorem(kwTok)
	case "ifequal":
		return p.parseIfEqual(false)
	case "ifnotequal":
		return p.parseIfEqual(true)
	}

	if endKeywords[kwTok.Text] {
		return nil, p.errAt(kwTok, "unexpected tag '%s': no matching opening tag", kwTok.Text)
	}
	return nil, p.errAt(kwTok, "unknown tag '%s'%s", kwTok.Text, suggestSuffix(kwTok.Text, statementKeywords))
}

// body parses a statement body up to one of the given closers.
func (p *parser) body(closers ...string) ([]Node, string, error) {
	until := make(map[string]bool, len(closers))
	for _, c := range closers {
		until[c] = true
	}
	p.depth++
	nodes, end, err := p.parseNodes(until)
	p.depth--
	return nodes, end, err
}

func (p *parser) parseIf() (Node, error) {
	n := &IfNode{}
	for {
		cond, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		body, end, err := p.body("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		n.Arms = append(n.Arms, IfArm{Cond: cond, Body: body})
		if end == "elif" {
			continue
		}
		if end == "else" {
			if err := p.closeBlock(); err != nil {
				return nil, err
			}
			elseBody, _, err := p.body("endif")
			if err != nil {
				return nil, err
			}
			n.Else = elseBody
		}
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func (p *parser) parseFor(kwTok Token) (Node, error) {
	n := &ForNode{Line: kwTok.Line}

	paren := p.acceptOp("(")
	for {
		t, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.Targets = append(n.Targets, t.Text)
		if !p.acceptOp(",") {
			break
		}
	}
	if paren {
		if _, err := p.expectOp(")"); err != nil {
			return nil, err
		}
	}

	if err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	iter, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	n.Iter = iter
	if err := p.closeBlock(); err != nil {
		return nil, err
	}

	body, end, err := p.body("else", "empty", "endfor")
	if err != nil {
		return nil, err
	}
	n.Body = body
	if end == "else" || end == "empty" {
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		elseBody, _, err := p.body("endfor")
		if err != nil {
			return nil, err
		}
		n.Else = elseBody
	}
	return n, p.closeBlock()
}

func (p *parser) parseSet(kwTok Token) (Node, error) {
	nameTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	n := &SetNode{Target: nameTok.Text, Line: kwTok.Line}

	if p.acceptOp(".") {
		attrTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.Attr = attrTok.Text
	}

	if p.acceptOp("=") {
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		n.Expr = expr
		return n, p.closeBlock()
	}

	// Block form: {% set name %} body {% endset %}.
	if n.Attr != "" {
		t := p.peek()
		return nil, p.errAt(t, "expected '=' after set target")
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endset")
	if err != nil {
		return nil, err
	}
	n.Body = body
	if n.Body == nil {
		n.Body = []Node{}
	}
	return n, p.closeBlock()
}

// parseWith handles both binding styles: {% with a=1, b=2 %} and the
// Django legacy {% with expr as name %}.
func (p *parser) parseWith() (Node, error) {
	n := &WithNode{}
	if first := p.peek(); first.Kind == TokenIdent && p.peek2().Kind == TokenOp && p.peek2().Text == "=" {
		for {
			nameTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp("="); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			n.Bindings = append(n.Bindings, Binding{Name: nameTok.Text, Expr: expr})
			p.acceptOp(",")
			if p.peek().Kind == TokenBlockClose {
				break
			}
		}
	} else {
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("as"); err != nil {
			return nil, err
		}
		nameTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.Bindings = []Binding{{Name: nameTok.Text, Expr: expr}}
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endwith")
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.closeBlock()
}

func (p *parser) parseMacro() (Node, error) {
	nameTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	n := &MacroNode{Name: nameTok.Text}
	if _, err := p.expectOp("("); err != nil {
		return nil, err
	}
	for !p.peekOp(")") {
		paramTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		param := MacroParam{Name: paramTok.Text}
		if p.acceptOp("=") {
			def, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			param.Default = def
		}
		n.Params = append(n.Params, param)
		if !p.acceptOp(",") {
			break
		}
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endmacro")
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.closeBlock()
}

func (p *parser) parseCall(kwTok Token) (Node, error) {
	call, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, ok := call.(*CallExpr); !ok {
		return nil, p.errAt(kwTok, "call expects a macro invocation like name(...)")
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endcall")
	if err != nil {
		return nil, err
	}
	n := &CallNode{Call: call, Body: body, Line: kwTok.Line}
	return n, p.closeBlock()
}

func (p *parser) parseBlockStmt(kwTok Token) (Node, error) {
	nameTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	name := nameTok.Text
	if p.blockNames[name] {
		return nil, p.errAt(nameTok, "duplicate block name '%s'", name)
	}
	p.blockNames[name] = true
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endblock")
	if err != nil {
		return nil, err
	}
	// {% endblock name %} may repeat the name; it must match.
	if t := p.peek(); t.Kind == TokenIdent {
		p.next()
		if t.Text != name {
			return nil, p.errAt(t, "endblock name '%s' does not match block '%s'", t.Text, name)
		}
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	return &BlockNode{Name: name, Body: body}, nil
}

func (p *parser) parseExtends(kwTok Token, firstAtTop bool) (Node, error) {
	if p.sawExtends {
		return nil, p.errAt(kwTok, "extends may appear only once per template")
	}
	if p.depth > 0 || !firstAtTop {
		return nil, p.errAt(kwTok, "extends must be the first statement in a template")
	}
	p.sawExtends = true
	name, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	return &ExtendsNode{Name: name, Line: kwTok.Line}, nil
}

func (p *parser) parseInclude(kwTok Token) (Node, error) {
	name, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	n := &IncludeNode{Name: name, Line: kwTok.Line}
	for {
		switch {
		case p.acceptIdent("ignore"):
			if err := p.expectKeyword("missing"); err != nil {
				return nil, err
			}
			n.IgnoreMissing = true
		case p.acceptIdent("without"):
			if err := p.expectKeyword("context"); err != nil {
				return nil, err
			}
		case p.acceptIdent("with"):
			if p.acceptIdent("context") {
				continue
			}
			for p.peek().Kind == TokenIdent && p.peek2().Kind == TokenOp && p.peek2().Text == "=" {
				bindTok, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				if _, err := p.expectOp("="); err != nil {
					return nil, err
				}
				expr, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				n.Bindings = append(n.Bindings, Binding{Name: bindTok.Text, Expr: expr})
				p.acceptOp(",")
			}
		case p.acceptIdent("only"):
			n.Only = true
		default:
			return n, p.closeBlock()
		}
	}
}

// parseRaw consumes the remainder of a raw/verbatim tag. The lexer has
// already captured the interior as a single text token.
func (p *parser) parseRaw(keyword string) (Node, error) {
	if err := p.closeBlock(); err != nil {
		return nil, err
	}

	text := ""
	if t := p.peek(); t.Kind == TokenText {
		p.next()
		text = t.Text
	}
	if p.pendingTrim {
		text = strings.TrimLeft(text, " \t\r\n")
		p.pendingTrim = false
	}

	openTok := p.next()
	if openTok.Kind != TokenBlockOpen {
		return nil, p.errAt(openTok, "expected '{%% end%s %%}'", keyword)
	}
	if strings.HasSuffix(openTok.Text, "-") {
		text = strings.TrimRight(text, " \t\r\n")
	}
	if err := p.expectKeyword("end" + keyword); err != nil {
		return nil, err
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	return &RawNode{Text: text}, nil
}

// parseComment discards everything through {% endcomment %} without
// interpreting the interior as statements.
func (p *parser) parseComment(kwTok Token) (Node, error) {
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	for {
		t := p.raw()
		if t.Kind == TokenEOF {
			return nil, p.errAt(kwTok, "unterminated comment block, expected {%% endcomment %%}")
		}
		if t.Kind == TokenBlockOpen && p.peekIdent("endcomment") {
			p.next()
			if err := p.closeBlock(); err != nil {
				return nil, err
			}
			return &CommentNode{}, nil
		}
	}
}

func (p *parser) parseAutoescape(kwTok Token) (Node, error) {
	modeTok := p.next()
	var enabled bool
	switch modeTok.Text {
	case "true", "on":
		enabled = true
	case "false", "off":
		enabled = false
	default:
		return nil, p.errAt(modeTok, "autoescape expects true/false or on/off, got %s", describeToken(modeTok))
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endautoescape")
	if err != nil {
		return nil, err
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	return &AutoescapeNode{Enabled: enabled, Body: body}, nil
}

func (p *parser) parseFilterBlock() (Node, error) {
	n := &FilterBlockNode{}
	for {
		nameTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		step := FilterStep{Name: nameTok.Text, Line: nameTok.Line}
		args, kwargs, err := p.parseFilterArgs()
		if err != nil {
			return nil, err
		}
		step.Args, step.Kwargs = args, kwargs
		n.Steps = append(n.Steps, step)
		if !p.acceptOp("|") {
			break
		}
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.body("endfilter")
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.closeBlock()
}

func (p *parser) parseURL(kwTok Token) (Node, error) {
	name, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	n := &URLNode{Name: name, Line: kwTok.Line}
	for p.peek().Kind != TokenBlockClose {
		if p.acceptIdent("as") {
			varTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			n.AsVar = varTok.Text
			break
		}
		if p.peek().Kind == TokenIdent && p.peek2().Kind == TokenOp && p.peek2().Text == "=" {
			argTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			p.next() // =
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			n.Kwargs = append(n.Kwargs, Kwarg{Name: argTok.Text, Expr: expr})
			continue
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		n.Args = append(n.Args, arg)
	}
	return n, p.closeBlock()
}

func (p *parser) parseStatic() (Node, error) {
	path, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	n := &StaticNode{Path: path}
	if p.acceptIdent("as") {
		varTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.AsVar = varTok.Text
	}
	return n, p.closeBlock()
}

func (p *parser) parseLoad(kwTok Token) (Node, error) {
	n := &LoadNode{}
	for p.peek().Kind == TokenIdent {
		t := p.next()
		n.Libraries = append(n.Libraries, t.Text)
	}
	if len(n.Libraries) == 0 {
		return nil, p.errAt(kwTok, "load expects at least one library name")
	}
	return n, p.closeBlock()
}

func (p *parser) parseNow(kwTok Token) (Node, error) {
	fmtTok := p.next()
	if fmtTok.Kind != TokenString {
		return nil, p.errAt(fmtTok, "now expects a quoted format string")
	}
	format, err := unquoteString(fmtTok.Text)
	if err != nil {
		return nil, p.errAt(fmtTok, "bad format string: %v", err)
	}
	n := &NowNode{Format: format}
	if p.acceptIdent("as") {
		varTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.AsVar = varTok.Text
	}
	return n, p.closeBlock()
}

func (p *parser) parseCycle(kwTok Token) (Node, error) {
	n := &CycleNode{Line: kwTok.Line}
	for p.peek().Kind != TokenBlockClose {
		if p.acceptIdent("as") {
			varTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			n.AsVar = varTok.Text
			break
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		n.Args = append(n.Args, arg)
		p.acceptOp(",")
	}
	if len(n.Args) == 0 {
		return nil, p.errAt(kwTok, "cycle expects at least one value")
	}
	return n, p.closeBlock()
}

func (p *parser) parseIfChanged() (Node, error) {
	n := &IfChangedNode{}
	for p.peek().Kind != TokenBlockClose {
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		n.Exprs = append(n.Exprs, expr)
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, end, err := p.body("else", "endifchanged")
	if err != nil {
		return nil, err
	}
	n.Body = body
	if end == "else" {
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		elseBody, _, err := p.body("endifchanged")
		if err != nil {
			return nil, err
		}
		n.Else = elseBody
	}
	return n, p.closeBlock()
}

func (p *parser) parseFirstof(kwTok Token) (Node, error) {
	n := &FirstofNode{}
	for p.peek().Kind != TokenBlockClose {
		if p.acceptIdent("as") {
			varTok, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			n.AsVar = varTok.Text
			break
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		n.Args = append(n.Args, arg)
	}
	if len(n.Args) == 0 {
		return nil, p.errAt(kwTok, "firstof expects at least one argument")
	}
	return n, p.closeBlock()
}

func (p *parser) parseRegroup(kwTok Token) (Node, error) {
	source, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("by"); err != nil {
		return nil, err
	}
	byTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	by := byTok.Text
	for p.acceptOp(".") {
		part, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		by += "." + part.Text
	}
	if err := p.expectKeyword("as"); err != nil {
		return nil, err
	}
	varTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	n := &RegroupNode{Source: source, By: by, AsVar: varTok.Text, Line: kwTok.Line}
	return n, p.closeBlock()
}

func (p *parser) parseWidthRatio(kwTok Token) (Node, error) {
	value, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	max, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	width, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	n := &WidthRatioNode{Value: value, Max: max, MaxWidth: width, Line: kwTok.Line}
	if p.acceptIdent("as") {
		varTok, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		n.AsVar = varTok.Text
	}
	return n, p.closeBlock()
}

var templateTagArgs = map[string]string{
	"openblock":     "{%",
	"closeblock":    "%}",
	"openvariable":  "{{",
	"closevariable": "}}",
	"openbrace":     "{",
	"closebrace":    "}",
	"opencomment":   "{#",
	"closecomment":  "#}",
}

func (p *parser) parseTemplateTag(kwTok Token) (Node, error) {
	argTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, ok := templateTagArgs[argTok.Text]; !ok {
		return nil, p.errAt(argTok, "invalid templatetag argument '%s'", argTok.Text)
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	return &TemplateTagNode{Arg: argTok.Text}, nil
}

func (p *parser) parseLorem(kwTok Token) (Node, error) {
	n := &LoremNode{Count: 1, Method: "b"}
	if t := p.peek(); t.Kind == TokenInt {
		p.next()
		count, err := strconv.Atoi(t.Text)
		if err != nil || count < 0 {
			return nil, p.errAt(t, "invalid lorem count '%s'", t.Text)
		}
		n.Count = count
	}
	if t := p.peek(); t.Kind == TokenIdent && t.Text != "random" {
		p.next()
		switch t.Text {
		case "w", "p", "b":
			n.Method = t.Text
		default:
			return nil, p.errAt(t, "lorem method must be w, p, or b, got '%s'", t.Text)
		}
	}
	if p.acceptIdent("random") {
		n.Random = true
	}
	return n, p.closeBlock()
}

func (p *parser) parseIfEqual(negate bool) (Node, error) {
	closer := "endifequal"
	if negate {
		closer = "endifnotequal"
	}
	a, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	b, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.closeBlock(); err != nil {
		return nil, err
	}
	body, end, err := p.body("else", closer)
	if err != nil {
		return nil, err
	}
	n := &IfEqualNode{A: a, B: b, Body: body, Negate: negate}
	if end == "else" {
		if err := p.closeBlock(); err != nil {
			return nil, err
		}
		elseBody, _, err := p.body(closer)
		if err != nil {
			return nil, err
		}
		n.Else = elseBody
	}
	return n, p.closeBlock()
}
