package chervil

import "errors"

// CanFlatten reports whether this template is structurally eligible for
// static flattening: every extends/include target must be a literal
// string and every block.super reference must stand alone in an output
// statement. It inspects only this template; ancestors and included
// templates are checked as the flattener loads them.
func CanFlatten(tpl *Template) error {
	return canFlattenNodes(tpl.Nodes)
}

func canFlattenNodes(nodes []Node) error {
	for _, n := range nodes {
		switch t := n.(type) {
		case *ExtendsNode:
			if _, ok := literalTemplateName(t.Name); !ok {
				return compileErrorf("extends target must be a literal string to flatten")
			}
		case *IncludeNode:
			if _, ok := literalTemplateName(t.Name); !ok {
				return compileErrorf("include target must be a literal string to flatten")
			}
		case *OutputNode:
			if !isSuperRef(t.Expr) && exprHasSuper(t.Expr) {
				return compileErrorf("block.super must stand alone in an output to flatten")
			}
			continue
		}
		for _, e := range nodeExprs(n) {
			if exprHasSuper(e) {
				return compileErrorf("block.super must stand alone in an output to flatten")
			}
		}
		for _, body := range childBodies(n) {
			if err := canFlattenNodes(body); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten resolves the template's inheritance chain and all statically
// named includes into a single self-contained tree with no Extends,
// Include, or Block nodes. block.super references become inlined copies
// of the next-less-derived block body.
func (env *Environment) Flatten(tpl *Template) (*Template, error) {
	if err := CanFlatten(tpl); err != nil {
		return nil, err
	}
	nodes, err := env.flattenDoc(tpl, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return &Template{Name: tpl.Name, Nodes: nodes}, nil
}

func (env *Environment) flattenDoc(tpl *Template, loading map[string]bool) ([]Node, error) {
	if tpl.Name != "" {
		if loading[tpl.Name] {
			return nil, compileErrorf("template cycle through %q", tpl.Name)
		}
		loading[tpl.Name] = true
		defer delete(loading, tpl.Name)
	}

	chain := []*Template{tpl}
	seen := map[string]bool{}
	if tpl.Name != "" {
		seen[tpl.Name] = true
	}
	for {
		ext := firstExtends(chain[len(chain)-1].Nodes)
		if ext == nil {
			break
		}
		name, ok := literalTemplateName(ext.Name)
		if !ok {
			return nil, compileErrorf("extends target must be a literal string to flatten")
		}
		if seen[name] || loading[name] {
			return nil, compileErrorf("inheritance cycle through template %q", name)
		}
		seen[name] = true
		parent, err := env.loadTemplate(name)
		if err != nil {
			return nil, err
		}
		if err := CanFlatten(parent); err != nil {
			return nil, err
		}
		chain = append(chain, parent)
	}

	blocks := map[string][]*BlockNode{}
	for _, t := range chain {
		collectBlocks(t.Nodes, blocks)
	}
	return env.expandNodes(chain[len(chain)-1].Nodes, blocks, nil, loading)
}

// expandNodes rewrites a node list: blocks become their most-derived
// bodies, standalone super outputs become the parent body, includes are
// spliced in, and everything else is rebuilt with expanded children.
func (env *Environment) expandNodes(nodes []Node, blocks map[string][]*BlockNode, superBody []Node, loading map[string]bool) ([]Node, error) {
	var out []Node
	for _, n := range nodes {
		switch t := n.(type) {
		case *ExtendsNode:
			continue

		case *BlockNode:
			defs := blocks[t.Name]
			if len(defs) == 0 {
				defs = []*BlockNode{t}
			}
			expanded, err := env.expandBlock(defs, 0, blocks, loading)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)

		case *IncludeNode:
			inlined, err := env.expandInclude(t, loading)
			if err != nil {
				return nil, err
			}
			out = append(out, inlined...)

		case *OutputNode:
			if isSuperRef(t.Expr) {
				out = append(out, superBody...)
				continue
			}
			out = append(out, t)

		default:
			rebuilt, err := rebuildWithBodies(n, func(body []Node) ([]Node, error) {
				return env.expandNodes(body, blocks, superBody, loading)
			})
			if err != nil {
				return nil, err
			}
			out = append(out, rebuilt)
		}
	}
	return out, nil
}

func (env *Environment) expandBlock(defs []*BlockNode, idx int, blocks map[string][]*BlockNode, loading map[string]bool) ([]Node, error) {
	if idx >= len(defs) {
		return nil, nil
	}
	superBody, err := env.expandBlock(defs, idx+1, blocks, loading)
	if err != nil {
		return nil, err
	}
	return env.expandNodes(defs[idx].Body, blocks, superBody, loading)
}

func (env *Environment) expandInclude(t *IncludeNode, loading map[string]bool) ([]Node, error) {
	name, ok := literalTemplateName(t.Name)
	if !ok {
		return nil, compileErrorf("include target must be a literal string to flatten")
	}
	sub, err := env.loadTemplate(name)
	if err != nil {
		var notFound ErrTemplateNotFound
		if t.IgnoreMissing && errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := CanFlatten(sub); err != nil {
		return nil, err
	}
	body, err := env.flattenDoc(sub, loading)
	if err != nil {
		return nil, err
	}
	if t.Only {
		return []Node{&WithNode{Bindings: t.Bindings, Body: body, Only: true}}, nil
	}
	if len(t.Bindings) > 0 {
		return []Node{&WithNode{Bindings: t.Bindings, Body: body}}, nil
	}
	return body, nil
}

func literalTemplateName(e Expr) (string, bool) {
	lit, ok := e.(*LiteralExpr)
	if !ok {
		return "", false
	}
	s, ok := stringOf(lit.Val)
	return s, ok
}

// isSuperRef recognizes the two super spellings: block.super and super().
func isSuperRef(e Expr) bool {
	if ga, ok := e.(*GetAttrExpr); ok {
		if nx, ok := ga.X.(*NameExpr); ok {
			return nx.Name == "block" && ga.Name == "super"
		}
	}
	if ce, ok := e.(*CallExpr); ok && len(ce.Args) == 0 && len(ce.Kwargs) == 0 {
		if nx, ok := ce.Fn.(*NameExpr); ok {
			return nx.Name == "super"
		}
	}
	return false
}

func exprHasSuper(e Expr) bool {
	if e == nil {
		return false
	}
	if isSuperRef(e) {
		return true
	}
	for _, child := range exprChildren(e) {
		if exprHasSuper(child) {
			return true
		}
	}
	return false
}

// exprChildren returns the direct subexpressions of an expression.
func exprChildren(e Expr) []Expr {
	switch t := e.(type) {
	case *ListExpr:
		return t.Items
	case *DictExpr:
		out := make([]Expr, 0, len(t.Keys)*2)
		out = append(out, t.Keys...)
		return append(out, t.Values...)
	case *UnaryExpr:
		return []Expr{t.X}
	case *BinaryExpr:
		return []Expr{t.L, t.R}
	case *CompareExpr:
		out := []Expr{t.First}
		for _, link := range t.Links {
			out = append(out, link.R)
		}
		return out
	case *CondExpr:
		out := []Expr{t.Then, t.Cond}
		if t.Else != nil {
			out = append(out, t.Else)
		}
		return out
	case *GetAttrExpr:
		return []Expr{t.X}
	case *GetItemExpr:
		return []Expr{t.X, t.Index}
	case *CallExpr:
		out := []Expr{t.Fn}
		out = append(out, t.Args...)
		for _, kw := range t.Kwargs {
			out = append(out, kw.Expr)
		}
		return out
	case *FilterExpr:
		out := []Expr{t.X}
		out = append(out, t.Args...)
		for _, kw := range t.Kwargs {
			out = append(out, kw.Expr)
		}
		return out
	case *TestExpr:
		out := []Expr{t.X}
		return append(out, t.Args...)
	}
	return nil
}

// nodeExprs returns the expressions embedded directly in a statement.
func nodeExprs(n Node) []Expr {
	switch t := n.(type) {
	case *OutputNode:
		return []Expr{t.Expr}
	case *IfNode:
		out := make([]Expr, 0, len(t.Arms))
		for _, arm := range t.Arms {
			out = append(out, arm.Cond)
		}
		return out
	case *ForNode:
		return []Expr{t.Iter}
	case *SetNode:
		if t.Expr != nil {
			return []Expr{t.Expr}
		}
	case *WithNode:
		return bindingExprs(t.Bindings)
	case *MacroNode:
		var out []Expr
		for _, p := range t.Params {
			if p.Default != nil {
				out = append(out, p.Default)
			}
		}
		return out
	case *CallNode:
		return []Expr{t.Call}
	case *ExtendsNode:
		return []Expr{t.Name}
	case *IncludeNode:
		out := []Expr{t.Name}
		return append(out, bindingExprs(t.Bindings)...)
	case *FilterBlockNode:
		var out []Expr
		for _, step := range t.Steps {
			out = append(out, step.Args...)
			for _, kw := range step.Kwargs {
				out = append(out, kw.Expr)
			}
		}
		return out
	case *URLNode:
		out := []Expr{t.Name}
		out = append(out, t.Args...)
		for _, kw := range t.Kwargs {
			out = append(out, kw.Expr)
		}
		return out
	case *StaticNode:
		return []Expr{t.Path}
	case *NowNode, *TemplateTagNode, *CsrfTokenNode, *DebugNode, *LoremNode, *LoadNode:
		return nil
	case *CycleNode:
		return t.Args
	case *IfChangedNode:
		return t.Exprs
	case *FirstofNode:
		return t.Args
	case *RegroupNode:
		return []Expr{t.Source}
	case *WidthRatioNode:
		return []Expr{t.Value, t.Max, t.MaxWidth}
	case *IfEqualNode:
		return []Expr{t.A, t.B}
	}
	return nil
}

func bindingExprs(bindings []Binding) []Expr {
	out := make([]Expr, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.Expr)
	}
	return out
}

// rebuildWithBodies clones a statement with each nested body transformed
// by f. Nodes without bodies pass through unchanged.
func rebuildWithBodies(n Node, f func([]Node) ([]Node, error)) (Node, error) {
	switch t := n.(type) {
	case *IfNode:
		arms := make([]IfArm, len(t.Arms))
		for i, arm := range t.Arms {
			body, err := f(arm.Body)
			if err != nil {
				return nil, err
			}
			arms[i] = IfArm{Cond: arm.Cond, Body: body}
		}
		els, err := f(t.Else)
		if err != nil {
			return nil, err
		}
		return &IfNode{Arms: arms, Else: els}, nil
	case *ForNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		els, err := f(t.Else)
		if err != nil {
			return nil, err
		}
		return &ForNode{Targets: t.Targets, Iter: t.Iter, Body: body, Else: els, Line: t.Line}, nil
	case *SetNode:
		if t.Body == nil {
			return t, nil
		}
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &SetNode{Target: t.Target, Attr: t.Attr, Expr: t.Expr, Body: body, Line: t.Line}, nil
	case *WithNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &WithNode{Bindings: t.Bindings, Body: body, Only: t.Only}, nil
	case *MacroNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &MacroNode{Name: t.Name, Params: t.Params, Body: body}, nil
	case *CallNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &CallNode{Call: t.Call, Body: body, Line: t.Line}, nil
	case *AutoescapeNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &AutoescapeNode{Enabled: t.Enabled, Body: body}, nil
	case *FilterBlockNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		return &FilterBlockNode{Steps: t.Steps, Body: body}, nil
	case *IfChangedNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		els, err := f(t.Else)
		if err != nil {
			return nil, err
		}
		return &IfChangedNode{Exprs: t.Exprs, Body: body, Else: els}, nil
	case *IfEqualNode:
		body, err := f(t.Body)
		if err != nil {
			return nil, err
		}
		els, err := f(t.Else)
		if err != nil {
			return nil, err
		}
		return &IfEqualNode{A: t.A, B: t.B, Body: body, Else: els, Negate: t.Negate}, nil
	}
	return n, nil
}
