package chervil

// AST node types produced by the parser. The tree is immutable once
// parsed: the interpreter, flattener, and compiler never modify nodes,
// they build derived state alongside (the flattener returns a new tree).
//
// Node covers statements, Expr covers expressions. Both are closed unions
// over the types in this file; evaluation stages switch exhaustively.

// Template is the root of a parsed template.
type Template struct {
	Name  string
	Nodes []Node
}

// Node is a statement-level AST node.
type Node interface {
	node()
}

// Expr is an expression-level AST node.
type Expr interface {
	exprNode()
}

// TextNode is a literal text run between tags.
type TextNode struct {
	Text string
}

// OutputNode is a {{ expression }} interpolation.
type OutputNode struct {
	Expr Expr
	Line int
}

// IfArm is one condition/body pair of an if statement; the first arm is
// the if itself, the rest are elifs.
type IfArm struct {
	Cond Expr
	Body []Node
}

// IfNode is {% if %} ... {% elif %} ... {% else %} ... {% endif %}.
type IfNode struct {
	Arms []IfArm
	Else []Node
}

// ForNode is {% for targets in iterable %} body {% else %} ... {% endfor %}.
// The else (or Django's empty alias) runs when the iterable is empty.
type ForNode struct {
	Targets []string
	Iter    Expr
	Body    []Node
	Else    []Node
	Line    int
}

// SetNode covers the three assignment forms: {% set name = expr %},
// {% set target.attr = expr %} (Attr non-empty), and the block form
// {% set name %} body {% endset %} (Body non-nil, Expr nil).
type SetNode struct {
	Target string
	Attr   string
	Expr   Expr
	Body   []Node
	Line   int
}

// Binding is one name=expr pair in with/include statements.
type Binding struct {
	Name string
	Expr Expr
}

// WithNode is {% with a=1, b=2 %} body {% endwith %}. The Django colon
// form {% with total=x.count %} parses to the same shape. Only isolates
// the body to globals plus the bindings; the parser never sets it, the
// flattener uses it to splice `include ... only` in place.
type WithNode struct {
	Bindings []Binding
	Body     []Node
	Only     bool
}

// MacroParam is one macro parameter with an optional default expression,
// evaluated lazily at call time.
type MacroParam struct {
	Name    string
	Default Expr
}

// MacroNode is {% macro name(params) %} body {% endmacro %}.
type MacroNode struct {
	Name   string
	Params []MacroParam
	Body   []Node
}

// CallNode is {% call macro(args) %} body {% endcall %}; the body becomes
// the macro's zero-argument caller().
type CallNode struct {
	Call Expr
	Body []Node
	Line int
}

// BlockNode is {% block name %} body {% endblock %}.
type BlockNode struct {
	Name string
	Body []Node
}

// ExtendsNode is {% extends name %}. Name is usually a string literal but
// may be any expression for the runtime path.
type ExtendsNode struct {
	Name Expr
	Line int
}

// IncludeNode is {% include name %} with the Django modifiers:
// {% include name with a=1 b=2 only %} and {% include name ignore missing %}.
// The Jinja "with context" / "without context" markers parse and are
// accepted without effect.
type IncludeNode struct {
	Name          Expr
	Bindings      []Binding
	Only          bool
	IgnoreMissing bool
	Line          int
}

// RawNode is the opaque body of {% raw %} / {% verbatim %}.
type RawNode struct {
	Text string
}

// CommentNode is {% comment %} ... {% endcomment %}; it renders nothing.
// {# ... #} comments never reach the parser.
type CommentNode struct{}

// AutoescapeNode is {% autoescape true/false %} (or on/off) ... {% endautoescape %}.
type AutoescapeNode struct {
	Enabled bool
	Body    []Node
}

// FilterStep is one link of a filter chain, shared by the {% filter %}
// statement; expression-level filters use FilterExpr.
type FilterStep struct {
	Name   string
	Args   []Expr
	Kwargs []Kwarg
	Line   int
}

// FilterBlockNode is {% filter upper|indent(2) %} body {% endfilter %}.
type FilterBlockNode struct {
	Steps []FilterStep
	Body  []Node
}

// URLNode is Django's {% url 'route' arg k=v as var %}.
type URLNode struct {
	Name   Expr
	Args   []Expr
	Kwargs []Kwarg
	AsVar  string
	Line   int
}

// StaticNode is Django's {% static 'path' as var %}.
type StaticNode struct {
	Path  Expr
	AsVar string
}

// LoadNode is Django's {% load lib1 lib2 %}. It is validated at parse
// time and renders nothing.
type LoadNode struct {
	Libraries []string
}

// NowNode is Django's {% now "format" as var %}.
type NowNode struct {
	Format string
	AsVar  string
}

// CycleNode is Django's {% cycle 'a' 'b' as name %}. Its position in the
// cycle is per-render state keyed by node identity.
type CycleNode struct {
	Args  []Expr
	AsVar string
	Line  int
}

// IfChangedNode is Django's {% ifchanged [exprs] %} body {% else %} ... {% endifchanged %}.
// With no exprs it compares its own rendered body between iterations.
type IfChangedNode struct {
	Exprs []Expr
	Body  []Node
	Else  []Node
}

// FirstofNode is Django's {% firstof a b c "fallback" as var %}.
type FirstofNode struct {
	Args  []Expr
	AsVar string
}

// RegroupNode is Django's {% regroup list by attr as grouped %}. By may be
// a dotted attribute path.
type RegroupNode struct {
	Source Expr
	By     string
	AsVar  string
	Line   int
}

// WidthRatioNode is Django's {% widthratio value max width as var %}.
type WidthRatioNode struct {
	Value    Expr
	Max      Expr
	MaxWidth Expr
	AsVar    string
	Line     int
}

// TemplateTagNode is Django's {% templatetag openblock %} etc.
type TemplateTagNode struct {
	Arg string
}

// CsrfTokenNode is Django's {% csrf_token %}.
type CsrfTokenNode struct{}

// DebugNode is Django's {% debug %}: it dumps the visible context.
type DebugNode struct{}

// LoremNode is Django's {% lorem [count] [w|p|b] [random] %}.
type LoremNode struct {
	Count  int
	Method string
	Random bool
}

// IfEqualNode is Django's deprecated {% ifequal a b %} / {% ifnotequal %}.
type IfEqualNode struct {
	A      Expr
	B      Expr
	Body   []Node
	Else   []Node
	Negate bool
}

func (*TextNode) node()        {}
func (*OutputNode) node()      {}
func (*IfNode) node()          {}
func (*ForNode) node()         {}
func (*SetNode) node()         {}
func (*WithNode) node()        {}
func (*MacroNode) node()       {}
func (*CallNode) node()        {}
func (*BlockNode) node()       {}
func (*ExtendsNode) node()     {}
func (*IncludeNode) node()     {}
func (*RawNode) node()         {}
func (*CommentNode) node()     {}
func (*AutoescapeNode) node()  {}
func (*FilterBlockNode) node() {}
func (*URLNode) node()         {}
func (*StaticNode) node()      {}
func (*LoadNode) node()        {}
func (*NowNode) node()         {}
func (*CycleNode) node()       {}
func (*IfChangedNode) node()   {}
func (*FirstofNode) node()     {}
func (*RegroupNode) node()     {}
func (*WidthRatioNode) node()  {}
func (*TemplateTagNode) node() {}
func (*CsrfTokenNode) node()   {}
func (*DebugNode) node()       {}
func (*LoremNode) node()       {}
func (*IfEqualNode) node()     {}

// NameExpr resolves a variable through the scope chain.
type NameExpr struct {
	Name string
	Line int
	Col  int
}

// LiteralExpr holds a string, number, bool, or none literal.
type LiteralExpr struct {
	Val Value
}

// ListExpr is [a, b, c].
type ListExpr struct {
	Items []Expr
}

// DictExpr is {"k": v, ...}; keys are expressions, normally string
// literals.
type DictExpr struct {
	Keys   []Expr
	Values []Expr
}

// BinaryExpr covers arithmetic, concatenation, and the short-circuiting
// and/or operators.
type BinaryExpr struct {
	Op string
	L  Expr
	R  Expr
}

// UnaryExpr is -x, +x, or not x.
type UnaryExpr struct {
	Op string
	X  Expr
}

// CompareLink is one (operator, operand) pair of a comparison chain.
type CompareLink struct {
	Op string
	R  Expr
}

// CompareExpr is a chainable comparison: a < b <= c evaluates each link
// against the previous operand and ands the results.
type CompareExpr struct {
	First Expr
	Links []CompareLink
}

// GetAttrExpr is obj.name.
type GetAttrExpr struct {
	X    Expr
	Name string
}

// GetItemExpr is obj[index].
type GetItemExpr struct {
	X     Expr
	Index Expr
}

// Kwarg is one name=value argument in a call.
type Kwarg struct {
	Name string
	Expr Expr
}

// CallExpr is fn(args, k=v).
type CallExpr struct {
	Fn     Expr
	Args   []Expr
	Kwargs []Kwarg
	Line   int
}

// FilterExpr is value|name or value|name(args); the Django colon form
// value|name:arg parses to the same shape.
type FilterExpr struct {
	X      Expr
	Name   string
	Args   []Expr
	Kwargs []Kwarg
	Line   int
}

// TestExpr is value is [not] name[(args)].
type TestExpr struct {
	X       Expr
	Name    string
	Args    []Expr
	Negated bool
	Line    int
}

// CondExpr is the inline conditional: then if cond else otherwise. A
// missing else yields undefined.
type CondExpr struct {
	Then Expr
	Cond Expr
	Else Expr
}

func (*NameExpr) exprNode()    {}
func (*LiteralExpr) exprNode() {}
func (*ListExpr) exprNode()    {}
func (*DictExpr) exprNode()    {}
func (*BinaryExpr) exprNode()  {}
func (*UnaryExpr) exprNode()   {}
func (*CompareExpr) exprNode() {}
func (*GetAttrExpr) exprNode() {}
func (*GetItemExpr) exprNode() {}
func (*CallExpr) exprNode()    {}
func (*FilterExpr) exprNode()  {}
func (*TestExpr) exprNode()    {}
func (*CondExpr) exprNode()    {}
