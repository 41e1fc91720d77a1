package chervil

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Loader resolves template names to source text. Load failures for
// missing templates should return ErrTemplateNotFound so that
// {% include ... ignore missing %} can distinguish them.
type Loader interface {
	Load(name string) (string, error)
}

// renderer carries the mutable state of one render call: the scope chain,
// the active autoescape mode, the innermost loop record, the block
// override table for the current inheritance chain, and the per-render
// tag state (cycle positions, ifchanged snapshots). A renderer is never
// shared between goroutines; each render builds its own.
type renderer struct {
	env     *Environment
	sc      *scope
	out     *bytes.Buffer
	autoesc bool
	depth   int
	loop    *loopRecord
	blocks  map[string][]*BlockNode
	cycles  map[*CycleNode]int
	changed map[*IfChangedNode]ifchangedState
}

type ifchangedState struct {
	seen bool
	last string
}

func (env *Environment) newRenderer(ctx Context) *renderer {
	if ctx == nil {
		ctx = Context{}
	}
	return &renderer{
		env:     env,
		sc:      newScope(env.globals, ctx),
		out:     &bytes.Buffer{},
		autoesc: env.autoescape,
		cycles:  map[*CycleNode]int{},
		changed: map[*IfChangedNode]ifchangedState{},
	}
}

// renderTemplate resolves the template's inheritance chain and renders it
// into buf. Ancestors load through the environment's loader; the chain is
// walked at render time, so extends targets may be dynamic expressions.
func (r *renderer) renderTemplate(buf *bytes.Buffer, tpl *Template) error {
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
		nameVal, err := r.evalExpr(ext.Name)
		if err != nil {
			return err
		}
		name, ok := stringOf(nameVal)
		if !ok {
			return runtimeErrorf("extends target must be a string, got %s", typeName(nameVal))
		}
		if seen[name] {
			return runtimeErrorf("inheritance cycle through template %q", name)
		}
		seen[name] = true
		if len(chain) > r.env.maxDepth {
			return runtimeErrorf("inheritance chain deeper than %d templates", r.env.maxDepth)
		}
		parent, err := r.env.loadTemplate(name)
		if err != nil {
			return err
		}
		chain = append(chain, parent)
	}

	blocks := map[string][]*BlockNode{}
	for _, t := range chain {
		collectBlocks(t.Nodes, blocks)
	}

	savedBlocks := r.blocks
	r.blocks = blocks
	err := r.renderNodes(buf, chain[len(chain)-1].Nodes)
	r.blocks = savedBlocks
	return err
}

func firstExtends(nodes []Node) *ExtendsNode {
	for _, n := range nodes {
		if en, ok := n.(*ExtendsNode); ok {
			return en
		}
	}
	return nil
}

// collectBlocks gathers every block definition in the tree, including
// blocks nested inside other statements. Appending per chain level keeps
// each name's definitions ordered most-derived first.
func collectBlocks(nodes []Node, out map[string][]*BlockNode) {
	for _, n := range nodes {
		if bn, ok := n.(*BlockNode); ok {
			out[bn.Name] = append(out[bn.Name], bn)
		}
		for _, body := range childBodies(n) {
			collectBlocks(body, out)
		}
	}
}

func (r *renderer) renderNodes(buf *bytes.Buffer, nodes []Node) error {
	for _, n := range nodes {
		if err := r.renderNode(buf, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) renderNode(buf *bytes.Buffer, n Node) error {
	switch t := n.(type) {
	case *TextNode:
		buf.WriteString(t.Text)

	case *RawNode:
		buf.WriteString(t.Text)

	case *CommentNode, *LoadNode:
		// render nothing

	case *OutputNode:
		v, err := r.evalExpr(t.Expr)
		if err != nil {
			return err
		}
		buf.WriteString(outputString(v, r.autoesc))

	case *IfNode:
		for _, arm := range t.Arms {
			cond, err := r.evalExpr(arm.Cond)
			if err != nil {
				return err
			}
			if cond.Truth() {
				return r.renderNodes(buf, arm.Body)
			}
		}
		return r.renderNodes(buf, t.Else)

	case *ForNode:
		return r.renderFor(buf, t)

	case *SetNode:
		return r.renderSet(buf, t)

	case *WithNode:
		frame := Context{}
		for _, b := range t.Bindings {
			v, err := r.evalExpr(b.Expr)
			if err != nil {
				return err
			}
			frame[b.Name] = v
		}
		if t.Only {
			saved := r.sc
			r.sc = newScope(r.env.globals, frame)
			err := r.renderNodes(buf, t.Body)
			r.sc = saved
			return err
		}
		r.sc.pushFrame(frame)
		err := r.renderNodes(buf, t.Body)
		r.sc.pop()
		return err

	case *MacroNode:
		r.sc.set(t.Name, newMacro(t, r.sc.capture()))

	case *CallNode:
		return r.renderCall(buf, t)

	case *BlockNode:
		defs := r.blocks[t.Name]
		if len(defs) == 0 {
			defs = []*BlockNode{t}
		}
		return r.renderBlockDef(buf, defs, 0)

	case *ExtendsNode:
		// resolved by renderTemplate before the body renders

	case *IncludeNode:
		return r.renderInclude(buf, t)

	case *AutoescapeNode:
		saved := r.autoesc
		r.autoesc = t.Enabled
		err := r.renderNodes(buf, t.Body)
		r.autoesc = saved
		return err

	case *FilterBlockNode:
		var body bytes.Buffer
		if err := r.renderNodes(&body, t.Body); err != nil {
			return err
		}
		val := Value(SafeValue(body.String()))
		for _, step := range t.Steps {
			args, err := r.evalExprs(step.Args)
			if err != nil {
				return err
			}
			kwargs, err := r.evalKwargs(step.Kwargs)
			if err != nil {
				return err
			}
			val, err = r.applyFilter(step.Name, val, args, kwargs)
			if err != nil {
				return err
			}
		}
		// The body was escaped as it rendered; emit the filtered result
		// without a second pass.
		buf.WriteString(val.String())

	case *URLNode:
		return r.renderURL(buf, t)

	case *StaticNode:
		return r.renderStatic(buf, t)

	case *NowNode:
		s := djangoDateFormat(time.Now(), t.Format)
		if t.AsVar != "" {
			r.sc.set(t.AsVar, StringValue(s))
			return nil
		}
		buf.WriteString(outputString(StringValue(s), r.autoesc))

	case *CycleNode:
		idx := r.cycles[t]
		r.cycles[t] = idx + 1
		v, err := r.evalExpr(t.Args[idx%len(t.Args)])
		if err != nil {
			return err
		}
		if t.AsVar != "" {
			r.sc.set(t.AsVar, v)
		}
		buf.WriteString(outputString(v, r.autoesc))

	case *IfChangedNode:
		return r.renderIfChanged(buf, t)

	case *FirstofNode:
		var out Value = StringValue("")
		for _, arg := range t.Args {
			v, err := r.evalExpr(arg)
			if err != nil {
				return err
			}
			if v.Truth() {
				out = v
				break
			}
		}
		if t.AsVar != "" {
			r.sc.set(t.AsVar, out)
			return nil
		}
		buf.WriteString(outputString(out, r.autoesc))

	case *RegroupNode:
		return r.renderRegroup(t)

	case *WidthRatioNode:
		return r.renderWidthRatio(buf, t)

	case *TemplateTagNode:
		buf.WriteString(templateTagArgs[t.Arg])

	case *CsrfTokenNode:
		tok, ok := r.sc.lookup("csrf_token")
		if !ok || !tok.Truth() {
			return nil
		}
		s := tok.String()
		if s == "NOTPROVIDED" {
			return nil
		}
		fmt.Fprintf(buf, `<input type="hidden" name="csrfmiddlewaretoken" value="%s">`, SafeValue(escapeValue(StringValue(s)).String()))

	case *DebugNode:
		debugDump(buf, r.sc.flatten())

	case *LoremNode:
		buf.WriteString(loremText(t.Count, t.Method, t.Random))

	case *IfEqualNode:
		a, err := r.evalExpr(t.A)
		if err != nil {
			return err
		}
		b, err := r.evalExpr(t.B)
		if err != nil {
			return err
		}
		eq := valueEquals(a, b)
		if eq != t.Negate {
			return r.renderNodes(buf, t.Body)
		}
		return r.renderNodes(buf, t.Else)

	default:
		return runtimeErrorf("unhandled node type: %T", n)
	}
	return nil
}

func (r *renderer) renderFor(buf *bytes.Buffer, t *ForNode) error {
	iterVal, err := r.evalExpr(t.Iter)
	if err != nil {
		return err
	}
	items, err := iterateValue(iterVal)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return r.renderNodes(buf, t.Else)
	}

	rec := &loopRecord{items: items, parent: r.loop}
	r.loop = rec
	defer func() { r.loop = rec.parent }()

	for idx, item := range items {
		rec.index0 = idx
		frame := Context{
			"loop":    &loopValue{rec: rec},
			"forloop": &loopValue{rec: rec, django: true},
		}
		if len(t.Targets) == 1 {
			frame[t.Targets[0]] = item
		} else {
			parts, ok := item.(ListValue)
			if !ok || len(parts) != len(t.Targets) {
				return runtimeErrorf("cannot unpack %s into %d loop variables", typeName(item), len(t.Targets))
			}
			for i, name := range t.Targets {
				frame[name] = parts[i]
			}
		}
		r.sc.pushFrame(frame)
		err := r.renderNodes(buf, t.Body)
		r.sc.pop()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) renderSet(buf *bytes.Buffer, t *SetNode) error {
	if t.Body != nil {
		var body bytes.Buffer
		if err := r.renderNodes(&body, t.Body); err != nil {
			return err
		}
		r.sc.set(t.Target, SafeValue(body.String()))
		return nil
	}
	v, err := r.evalExpr(t.Expr)
	if err != nil {
		return err
	}
	if t.Attr == "" {
		r.sc.set(t.Target, v)
		return nil
	}
	base, ok := r.sc.lookup(t.Target)
	if !ok {
		return runtimeErrorf("cannot set attribute on undefined variable %q", t.Target)
	}
	hook, ok := base.(SetHook)
	if !ok {
		return runtimeErrorf("cannot set attribute %q on %s", t.Attr, typeName(base))
	}
	return hook.OnSet(t.Attr, v)
}

func (r *renderer) renderCall(buf *bytes.Buffer, t *CallNode) error {
	ce := t.Call.(*CallExpr)
	callee, err := r.evalExpr(ce.Fn)
	if err != nil {
		return err
	}
	m, ok := callee.(*macroValue)
	if !ok {
		return runtimeErrorf("call target must be a macro, got %s", typeName(callee))
	}
	args, err := r.evalExprs(ce.Args)
	if err != nil {
		return err
	}
	kwargs, err := r.evalKwargs(ce.Kwargs)
	if err != nil {
		return err
	}

	// The body renders in the calling scope, as a zero-argument callable.
	caller := CallableValue{
		Name: "caller",
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			if len(args) > 0 || len(kwargs) > 0 {
				return nil, runtimeErrorf("caller() takes no arguments")
			}
			var body bytes.Buffer
			if err := r.renderNodes(&body, t.Body); err != nil {
				return nil, err
			}
			return SafeValue(body.String()), nil
		},
	}

	out, err := r.callMacro(m, args, kwargs, caller)
	if err != nil {
		return err
	}
	buf.WriteString(outputString(out, r.autoesc))
	return nil
}

func (r *renderer) renderBlockDef(buf *bytes.Buffer, defs []*BlockNode, idx int) error {
	superFn := func() (string, error) {
		if idx+1 >= len(defs) {
			return "", nil
		}
		var b bytes.Buffer
		if err := r.renderBlockDef(&b, defs, idx+1); err != nil {
			return "", err
		}
		return b.String(), nil
	}
	frame := Context{
		"block": &blockContextValue{super: superFn},
		"super": CallableValue{
			Name: "super",
			Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
				if len(args) > 0 || len(kwargs) > 0 {
					return nil, runtimeErrorf("super() takes no arguments")
				}
				s, err := superFn()
				if err != nil {
					return nil, err
				}
				return SafeValue(s), nil
			},
		},
	}
	r.sc.pushFrame(frame)
	err := r.renderNodes(buf, defs[idx].Body)
	r.sc.pop()
	return err
}

// blockContextValue backs the "block" variable inside block bodies; its
// super attribute renders the next-less-derived definition.
type blockContextValue struct {
	super func() (string, error)
}

func (b *blockContextValue) String() string { return "<block>" }
func (b *blockContextValue) Truth() bool    { return true }

func (r *renderer) renderInclude(buf *bytes.Buffer, t *IncludeNode) error {
	nameVal, err := r.evalExpr(t.Name)
	if err != nil {
		return err
	}
	if isUndefined(nameVal) && t.IgnoreMissing {
		return nil
	}
	name, ok := stringOf(nameVal)
	if !ok {
		return runtimeErrorf("include target must be a string, got %s", typeName(nameVal))
	}

	sub, err := r.env.loadTemplate(name)
	if err != nil {
		var notFound ErrTemplateNotFound
		if t.IgnoreMissing && errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	frame := Context{}
	for _, b := range t.Bindings {
		v, err := r.evalExpr(b.Expr)
		if err != nil {
			return err
		}
		frame[b.Name] = v
	}

	var sub2 *scope
	if t.Only {
		sub2 = newScope(r.env.globals, frame)
	} else {
		sub2 = newScope(r.sc.flatten(), frame)
	}

	r.depth++
	if r.depth > r.env.maxDepth {
		r.depth--
		return runtimeErrorf("include nesting deeper than %d", r.env.maxDepth)
	}
	saved := r.sc
	r.sc = sub2
	err = r.renderTemplate(buf, sub)
	r.sc = saved
	r.depth--
	return err
}

func (r *renderer) renderIfChanged(buf *bytes.Buffer, t *IfChangedNode) error {
	var current string
	var body bytes.Buffer
	if len(t.Exprs) > 0 {
		var parts []string
		for _, e := range t.Exprs {
			v, err := r.evalExpr(e)
			if err != nil {
				return err
			}
			parts = append(parts, v.String())
		}
		current = strings.Join(parts, "\x1f")
	} else {
		if err := r.renderNodes(&body, t.Body); err != nil {
			return err
		}
		current = body.String()
	}

	state := r.changed[t]
	changed := !state.seen || state.last != current
	r.changed[t] = ifchangedState{seen: true, last: current}

	if changed {
		if len(t.Exprs) > 0 {
			return r.renderNodes(buf, t.Body)
		}
		buf.Write(body.Bytes())
		return nil
	}
	return r.renderNodes(buf, t.Else)
}

func (r *renderer) renderRegroup(t *RegroupNode) error {
	src, err := r.evalExpr(t.Source)
	if err != nil {
		return err
	}
	items, err := iterateValue(src)
	if err != nil {
		return runtimeErrorf("regroup source is not iterable: %s", typeName(src))
	}

	path := strings.Split(t.By, ".")
	keyOf := func(item Value) Value {
		cur := item
		for _, part := range path {
			cur = lookupAttr(cur, part)
		}
		return cur
	}

	var groups ListValue
	for _, item := range items {
		key := keyOf(item)
		if n := len(groups); n > 0 {
			last := groups[n-1].(DictValue)
			if valueEquals(last["grouper"], key) {
				last["list"] = append(last["list"].(ListValue), item)
				continue
			}
		}
		groups = append(groups, DictValue{
			"grouper": key,
			"list":    ListValue{item},
		})
	}
	r.sc.set(t.AsVar, groups)
	return nil
}

func (r *renderer) renderWidthRatio(buf *bytes.Buffer, t *WidthRatioNode) error {
	value, err := r.evalExpr(t.Value)
	if err != nil {
		return err
	}
	maxVal, err := r.evalExpr(t.Max)
	if err != nil {
		return err
	}
	width, err := r.evalExpr(t.MaxWidth)
	if err != nil {
		return err
	}
	vf, ok1 := asFloat(value)
	mf, ok2 := asFloat(maxVal)
	wf, ok3 := asFloat(width)
	if !ok1 || !ok2 || !ok3 {
		return runtimeErrorf("widthratio expects numeric arguments")
	}
	out := ""
	if mf != 0 {
		out = IntValue(int64(math.Round(vf / mf * wf))).String()
	}
	if t.AsVar != "" {
		r.sc.set(t.AsVar, StringValue(out))
		return nil
	}
	buf.WriteString(out)
	return nil
}

func (r *renderer) renderURL(buf *bytes.Buffer, t *URLNode) error {
	nameVal, err := r.evalExpr(t.Name)
	if err != nil {
		return err
	}
	args, err := r.evalExprs(t.Args)
	if err != nil {
		return err
	}
	kwargs, err := r.evalKwargs(t.Kwargs)
	if err != nil {
		return err
	}
	if r.env.urlResolver == nil {
		if t.AsVar != "" {
			r.sc.set(t.AsVar, StringValue(""))
			return nil
		}
		return runtimeErrorf("no URL resolver configured for {%% url %%}")
	}
	url, err := r.env.urlResolver(nameVal.String(), args, kwargs)
	if err != nil {
		// The as-var form swallows resolution failures, like Django.
		if t.AsVar != "" {
			r.sc.set(t.AsVar, StringValue(""))
			return nil
		}
		return runtimeErrorf("url %q: %v", nameVal.String(), err)
	}
	if t.AsVar != "" {
		r.sc.set(t.AsVar, StringValue(url))
		return nil
	}
	buf.WriteString(outputString(StringValue(url), r.autoesc))
	return nil
}

func (r *renderer) renderStatic(buf *bytes.Buffer, t *StaticNode) error {
	pathVal, err := r.evalExpr(t.Path)
	if err != nil {
		return err
	}
	prefix := r.env.staticPrefix
	if prefix == "" {
		prefix = "/static/"
	}
	url := strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(pathVal.String(), "/")
	if t.AsVar != "" {
		r.sc.set(t.AsVar, StringValue(url))
		return nil
	}
	buf.WriteString(outputString(StringValue(url), r.autoesc))
	return nil
}

// debugDump writes the {% debug %} listing of every visible variable.
func debugDump(buf *bytes.Buffer, flat Context) {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := flat[k]
		fmt.Fprintf(buf, "%s (%s) = %s\n", k, typeName(v), v.String())
	}
}
