package chervil

import (
	"fmt"
	"strconv"
	"strings"
)

// Visitor is called for every statement node reached by Walk.
type Visitor interface {
	Visit(n Node) error
}

// Walk applies v to n and then to every statement nested inside it,
// depth-first. The first error stops the walk.
func Walk(n Node, v Visitor) error {
	if err := v.Visit(n); err != nil {
		return err
	}
	for _, body := range childBodies(n) {
		for _, c := range body {
			if err := Walk(c, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkAll walks every node in the list.
func WalkAll(nodes []Node, v Visitor) error {
	for _, n := range nodes {
		if err := Walk(n, v); err != nil {
			return err
		}
	}
	return nil
}

// childBodies returns the statement bodies nested inside a node.
func childBodies(n Node) [][]Node {
	switch t := n.(type) {
	case *IfNode:
		out := make([][]Node, 0, len(t.Arms)+1)
		for _, arm := range t.Arms {
			out = append(out, arm.Body)
		}
		return append(out, t.Else)
	case *ForNode:
		return [][]Node{t.Body, t.Else}
	case *SetNode:
		if t.Body != nil {
			return [][]Node{t.Body}
		}
	case *WithNode:
		return [][]Node{t.Body}
	case *MacroNode:
		return [][]Node{t.Body}
	case *CallNode:
		return [][]Node{t.Body}
	case *BlockNode:
		return [][]Node{t.Body}
	case *AutoescapeNode:
		return [][]Node{t.Body}
	case *FilterBlockNode:
		return [][]Node{t.Body}
	case *IfChangedNode:
		return [][]Node{t.Body, t.Else}
	case *IfEqualNode:
		return [][]Node{t.Body, t.Else}
	}
	return nil
}

// Pretty renders a line-oriented dump of the template tree. The CLI ast
// command prints it; tests lean on it for readable failures.
func Pretty(t *Template) string {
	var b strings.Builder
	for _, n := range t.Nodes {
		ppNode(&b, 0, n)
	}
	return b.String()
}

func ppNode(b *strings.Builder, depth int, n Node) {
	ind := strings.Repeat("  ", depth)
	kids := func(nodes []Node) {
		for _, c := range nodes {
			ppNode(b, depth+1, c)
		}
	}
	switch t := n.(type) {
	case *TextNode:
		fmt.Fprintf(b, "%sText %s\n", ind, clipQuote(t.Text))
	case *RawNode:
		fmt.Fprintf(b, "%sRaw %s\n", ind, clipQuote(t.Text))
	case *CommentNode:
		fmt.Fprintf(b, "%sComment\n", ind)
	case *OutputNode:
		fmt.Fprintf(b, "%sOutput %s\n", ind, exprString(t.Expr))
	case *IfNode:
		for i, arm := range t.Arms {
			kw := "If"
			if i > 0 {
				kw = "Elif"
			}
			fmt.Fprintf(b, "%s%s %s\n", ind, kw, exprString(arm.Cond))
			kids(arm.Body)
		}
		if len(t.Else) > 0 {
			fmt.Fprintf(b, "%sElse\n", ind)
			kids(t.Else)
		}
	case *ForNode:
		fmt.Fprintf(b, "%sFor %s in %s\n", ind, strings.Join(t.Targets, ", "), exprString(t.Iter))
		kids(t.Body)
		if len(t.Else) > 0 {
			fmt.Fprintf(b, "%sForElse\n", ind)
			kids(t.Else)
		}
	case *SetNode:
		switch {
		case t.Body != nil:
			fmt.Fprintf(b, "%sSetBlock %s\n", ind, t.Target)
			kids(t.Body)
		case t.Attr != "":
			fmt.Fprintf(b, "%sSet %s.%s = %s\n", ind, t.Target, t.Attr, exprString(t.Expr))
		default:
			fmt.Fprintf(b, "%sSet %s = %s\n", ind, t.Target, exprString(t.Expr))
		}
	case *WithNode:
		only := ""
		if t.Only {
			only = " only"
		}
		fmt.Fprintf(b, "%sWith %s%s\n", ind, bindingsString(t.Bindings), only)
		kids(t.Body)
	case *MacroNode:
		params := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			if p.Default != nil {
				params = append(params, p.Name+"="+exprString(p.Default))
			} else {
				params = append(params, p.Name)
			}
		}
		fmt.Fprintf(b, "%sMacro %s(%s)\n", ind, t.Name, strings.Join(params, ", "))
		kids(t.Body)
	case *CallNode:
		fmt.Fprintf(b, "%sCall %s\n", ind, exprString(t.Call))
		kids(t.Body)
	case *BlockNode:
		fmt.Fprintf(b, "%sBlock %s\n", ind, t.Name)
		kids(t.Body)
	case *ExtendsNode:
		fmt.Fprintf(b, "%sExtends %s\n", ind, exprString(t.Name))
	case *IncludeNode:
		flags := ""
		if t.Only {
			flags += " only"
		}
		if t.IgnoreMissing {
			flags += " ignore-missing"
		}
		if len(t.Bindings) > 0 {
			flags += " with " + bindingsString(t.Bindings)
		}
		fmt.Fprintf(b, "%sInclude %s%s\n", ind, exprString(t.Name), flags)
	case *AutoescapeNode:
		fmt.Fprintf(b, "%sAutoescape %v\n", ind, t.Enabled)
		kids(t.Body)
	case *FilterBlockNode:
		names := make([]string, 0, len(t.Steps))
		for _, s := range t.Steps {
			names = append(names, s.Name)
		}
		fmt.Fprintf(b, "%sFilterBlock %s\n", ind, strings.Join(names, "|"))
		kids(t.Body)
	case *URLNode:
		fmt.Fprintf(b, "%sURL %s%s\n", ind, exprString(t.Name), asVarSuffix(t.AsVar))
	case *StaticNode:
		fmt.Fprintf(b, "%sStatic %s%s\n", ind, exprString(t.Path), asVarSuffix(t.AsVar))
	case *LoadNode:
		fmt.Fprintf(b, "%sLoad %s\n", ind, strings.Join(t.Libraries, " "))
	case *NowNode:
		fmt.Fprintf(b, "%sNow %q%s\n", ind, t.Format, asVarSuffix(t.AsVar))
	case *CycleNode:
		fmt.Fprintf(b, "%sCycle %s%s\n", ind, exprsString(t.Args), asVarSuffix(t.AsVar))
	case *IfChangedNode:
		fmt.Fprintf(b, "%sIfChanged %s\n", ind, exprsString(t.Exprs))
		kids(t.Body)
		if len(t.Else) > 0 {
			fmt.Fprintf(b, "%sElse\n", ind)
			kids(t.Else)
		}
	case *FirstofNode:
		fmt.Fprintf(b, "%sFirstof %s%s\n", ind, exprsString(t.Args), asVarSuffix(t.AsVar))
	case *RegroupNode:
		fmt.Fprintf(b, "%sRegroup %s by %s as %s\n", ind, exprString(t.Source), t.By, t.AsVar)
	case *WidthRatioNode:
		fmt.Fprintf(b, "%sWidthRatio %s %s %s%s\n", ind, exprString(t.Value), exprString(t.Max), exprString(t.MaxWidth), asVarSuffix(t.AsVar))
	case *TemplateTagNode:
		fmt.Fprintf(b, "%sTemplateTag %s\n", ind, t.Arg)
	case *CsrfTokenNode:
		fmt.Fprintf(b, "%sCsrfToken\n", ind)
	case *DebugNode:
		fmt.Fprintf(b, "%sDebug\n", ind)
	case *LoremNode:
		fmt.Fprintf(b, "%sLorem %d %s random=%v\n", ind, t.Count, t.Method, t.Random)
	case *IfEqualNode:
		kw := "IfEqual"
		if t.Negate {
			kw = "IfNotEqual"
		}
		fmt.Fprintf(b, "%s%s %s %s\n", ind, kw, exprString(t.A), exprString(t.B))
		kids(t.Body)
		if len(t.Else) > 0 {
			fmt.Fprintf(b, "%sElse\n", ind)
			kids(t.Else)
		}
	default:
		fmt.Fprintf(b, "%s%T\n", ind, n)
	}
}

func asVarSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " as " + name
}

func bindingsString(bindings []Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, bd := range bindings {
		parts = append(parts, bd.Name+"="+exprString(bd.Expr))
	}
	return strings.Join(parts, ", ")
}

func exprsString(exprs []Expr) string {
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		parts = append(parts, exprString(e))
	}
	return strings.Join(parts, ", ")
}

func clipQuote(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return strconv.Quote(s)
}

// exprString renders a compact one-line form of an expression.
func exprString(e Expr) string {
	switch t := e.(type) {
	case *LiteralExpr:
		switch v := t.Val.(type) {
		case StringValue:
			return strconv.Quote(string(v))
		case NoneValue:
			return "none"
		default:
			return v.String()
		}
	case *NameExpr:
		return t.Name
	case *ListExpr:
		return "[" + exprsString(t.Items) + "]"
	case *DictExpr:
		parts := make([]string, 0, len(t.Keys))
		for i := range t.Keys {
			parts = append(parts, exprString(t.Keys[i])+": "+exprString(t.Values[i]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *UnaryExpr:
		if t.Op == "not" {
			return "(not " + exprString(t.X) + ")"
		}
		return "(" + t.Op + exprString(t.X) + ")"
	case *BinaryExpr:
		return "(" + exprString(t.L) + " " + t.Op + " " + exprString(t.R) + ")"
	case *CompareExpr:
		out := "(" + exprString(t.First)
		for _, link := range t.Links {
			out += " " + link.Op + " " + exprString(link.R)
		}
		return out + ")"
	case *CondExpr:
		out := "(" + exprString(t.Then) + " if " + exprString(t.Cond)
		if t.Else != nil {
			out += " else " + exprString(t.Else)
		}
		return out + ")"
	case *GetAttrExpr:
		return exprString(t.X) + "." + t.Name
	case *GetItemExpr:
		return exprString(t.X) + "[" + exprString(t.Index) + "]"
	case *CallExpr:
		return exprString(t.Fn) + "(" + callArgsString(t.Args, t.Kwargs) + ")"
	case *FilterExpr:
		out := exprString(t.X) + "|" + t.Name
		if len(t.Args) > 0 || len(t.Kwargs) > 0 {
			out += "(" + callArgsString(t.Args, t.Kwargs) + ")"
		}
		return out
	case *TestExpr:
		out := exprString(t.X) + " is "
		if t.Negated {
			out += "not "
		}
		out += t.Name
		if len(t.Args) > 0 {
			out += "(" + exprsString(t.Args) + ")"
		}
		return out
	}
	return fmt.Sprintf("%T", e)
}

func callArgsString(args []Expr, kwargs []Kwarg) string {
	parts := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		parts = append(parts, exprString(a))
	}
	for _, kw := range kwargs {
		parts = append(parts, kw.Name+"="+exprString(kw.Expr))
	}
	return strings.Join(parts, ", ")
}
