package chervil

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"
)

// RenderFn is a compiled template: context in, rendered text out. It is
// self-contained, with no loader access and no parsing at render time.
type RenderFn func(ctx Context) (string, error)

// The compiled program is a tree of closures: step for statements,
// evalFn for expressions. No textual code generation is involved.
type step func(st *execState) error
type evalFn func(st *execState) (Value, error)

// execState is the mutable state of one compiled render. Lookups walk
// the pushed frames, then the call context, then the environment
// globals, exactly like the interpreter's scope chain.
type execState struct {
	env     *Environment
	out     *bytes.Buffer
	ctx     Context
	frames  []Context
	autoesc bool
	depth   int
	loop    *loopRecord
	cycles  []int
	changed []ifchangedState
}

func (st *execState) lookup(name string) (Value, bool) {
	for i := len(st.frames) - 1; i >= 0; i-- {
		if v, ok := st.frames[i][name]; ok {
			return v, true
		}
	}
	return st.lookupCtx(name)
}

func (st *execState) lookupCtx(name string) (Value, bool) {
	if v, ok := st.ctx[name]; ok {
		return v, true
	}
	if v, ok := st.env.globals[name]; ok {
		return v, true
	}
	return nil, false
}

func (st *execState) set(name string, v Value) {
	if len(st.frames) > 0 {
		st.frames[len(st.frames)-1][name] = v
		return
	}
	st.ctx[name] = v
}

func (st *execState) push(frame Context) {
	st.frames = append(st.frames, frame)
}

func (st *execState) pop() {
	st.frames = st.frames[:len(st.frames)-1]
}

// capture runs a step into a fresh buffer and returns what it wrote.
func (st *execState) capture(s step) (string, error) {
	saved := st.out
	st.out = &bytes.Buffer{}
	err := s(st)
	text := st.out.String()
	st.out = saved
	if err != nil {
		return "", err
	}
	return text, nil
}

func (st *execState) flattenScope() Context {
	out := Context{}
	for k, v := range st.env.globals {
		out[k] = v
	}
	for k, v := range st.ctx {
		out[k] = v
	}
	for _, frame := range st.frames {
		for k, v := range frame {
			out[k] = v
		}
	}
	return out
}

// compiledMacro is a macro compiled ahead of time, closed over the
// context and frames live at its definition step.
type compiledMacro struct {
	name      string
	params    []compiledParam
	body      step
	defCtx    Context
	defFrames []Context
}

type compiledParam struct {
	name string
	def  evalFn
}

func (m *compiledMacro) String() string { return "<macro " + m.name + ">" }
func (m *compiledMacro) Truth() bool    { return true }

// Filters and tests the compiler specializes to direct calls instead of
// registry dispatch, as long as the environment still carries the stock
// implementation.
var hotFilterNames = map[string]bool{
	"upper": true, "lower": true, "trim": true, "length": true,
	"first": true, "last": true, "default": true, "safe": true,
	"escape": true, "join": true, "abs": true, "round": true,
	"int": true, "float": true, "floatformat": true,
}

var hotTestNames = map[string]bool{
	"even": true, "odd": true, "divisibleby": true, "defined": true,
	"undefined": true, "none": true, "empty": true, "iterable": true,
	"number": true, "string": true,
}

type compiler struct {
	env      *Environment
	scopes   []map[string]bool
	nCycles  int
	nChanged int
}

func (c *compiler) pushScope() {
	c.scopes = append(c.scopes, map[string]bool{})
}

func (c *compiler) popScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *compiler) declare(name string) {
	c.scopes[len(c.scopes)-1][name] = true
}

// isLocal reports whether the name was introduced by an enclosing set,
// with, for, or macro. Names that never were resolve straight against
// the context map, skipping the frame walk.
func (c *compiler) isLocal(name string) bool {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if c.scopes[i][name] {
			return true
		}
	}
	return false
}

// Compile builds a render function from a template free of inheritance
// nodes, either a simple template or flattener output.
func (env *Environment) Compile(tpl *Template) (RenderFn, error) {
	if err := rejectUnsupported(tpl.Nodes); err != nil {
		return nil, err
	}
	c := &compiler{env: env}
	c.pushScope()
	prog, err := c.compileNodes(tpl.Nodes)
	c.popScope()
	if err != nil {
		return nil, err
	}
	nCycles, nChanged := c.nCycles, c.nChanged
	return func(ctx Context) (string, error) {
		if ctx == nil {
			ctx = Context{}
		}
		st := &execState{
			env:     env,
			out:     &bytes.Buffer{},
			ctx:     ctx,
			autoesc: env.autoescape,
			cycles:  make([]int, nCycles),
			changed: make([]ifchangedState, nChanged),
		}
		if err := prog(st); err != nil {
			return "", err
		}
		return st.out.String(), nil
	}, nil
}

// CompileString parses, flattens, and compiles source in one step.
func (env *Environment) CompileString(source string) (RenderFn, error) {
	tpl, err := env.FromString(source)
	if err != nil {
		return nil, err
	}
	flat, err := env.Flatten(tpl)
	if err != nil {
		return nil, err
	}
	return env.Compile(flat)
}

// CompileTemplate loads a template by name, flattens and compiles it,
// and caches the compiled function alongside the parsed tree.
func (env *Environment) CompileTemplate(name string) (RenderFn, error) {
	if entry, ok := env.cache.get(name); ok && entry.fn != nil {
		return entry.fn, nil
	}
	tpl, err := env.loadTemplate(name)
	if err != nil {
		return nil, err
	}
	flat, err := env.Flatten(tpl)
	if err != nil {
		return nil, err
	}
	fn, err := env.Compile(flat)
	if err != nil {
		return nil, err
	}
	env.cache.put(name, &cacheEntry{name: name, tpl: tpl, fn: fn})
	return fn, nil
}

type unsupportedChecker struct{}

func (unsupportedChecker) Visit(n Node) error {
	switch n.(type) {
	case *ExtendsNode:
		return compileErrorf("cannot compile {%% extends %%}: flatten the template first")
	case *IncludeNode:
		return compileErrorf("cannot compile {%% include %%}: flatten the template first")
	case *BlockNode:
		return compileErrorf("cannot compile {%% block %%}: flatten the template first")
	}
	return nil
}

func rejectUnsupported(nodes []Node) error {
	return WalkAll(nodes, unsupportedChecker{})
}

func (c *compiler) compileNodes(nodes []Node) (step, error) {
	steps := make([]step, 0, len(nodes))
	for _, n := range nodes {
		s, err := c.compileNode(n)
		if err != nil {
			return nil, err
		}
		if s != nil {
			steps = append(steps, s)
		}
	}
	switch len(steps) {
	case 0:
		return func(st *execState) error { return nil }, nil
	case 1:
		return steps[0], nil
	}
	return func(st *execState) error {
		for _, s := range steps {
			if err := s(st); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (c *compiler) compileNode(n Node) (step, error) {
	switch t := n.(type) {
	case *TextNode:
		text := t.Text
		return func(st *execState) error {
			st.out.WriteString(text)
			return nil
		}, nil

	case *RawNode:
		text := t.Text
		return func(st *execState) error {
			st.out.WriteString(text)
			return nil
		}, nil

	case *CommentNode, *LoadNode:
		return nil, nil

	case *OutputNode:
		e, err := c.expr(t.Expr)
		if err != nil {
			return nil, err
		}
		return func(st *execState) error {
			v, err := e(st)
			if err != nil {
				return err
			}
			st.out.WriteString(outputString(v, st.autoesc))
			return nil
		}, nil

	case *IfNode:
		return c.compileIf(t)

	case *ForNode:
		return c.compileFor(t)

	case *SetNode:
		return c.compileSet(t)

	case *WithNode:
		return c.compileWith(t)

	case *MacroNode:
		return c.compileMacro(t)

	case *CallNode:
		return c.compileCall(t)

	case *AutoescapeNode:
		body, err := c.compileNodes(t.Body)
		if err != nil {
			return nil, err
		}
		enabled := t.Enabled
		return func(st *execState) error {
			saved := st.autoesc
			st.autoesc = enabled
			err := body(st)
			st.autoesc = saved
			return err
		}, nil

	case *FilterBlockNode:
		return c.compileFilterBlock(t)

	case *URLNode:
		return c.compileURL(t)

	case *StaticNode:
		return c.compileStatic(t)

	case *NowNode:
		format := t.Format
		asVar := t.AsVar
		if asVar != "" {
			c.declare(asVar)
		}
		return func(st *execState) error {
			s := djangoDateFormat(time.Now(), format)
			if asVar != "" {
				st.set(asVar, StringValue(s))
				return nil
			}
			st.out.WriteString(outputString(StringValue(s), st.autoesc))
			return nil
		}, nil

	case *CycleNode:
		return c.compileCycle(t)

	case *IfChangedNode:
		return c.compileIfChanged(t)

	case *FirstofNode:
		return c.compileFirstof(t)

	case *RegroupNode:
		return c.compileRegroup(t)

	case *WidthRatioNode:
		return c.compileWidthRatio(t)

	case *TemplateTagNode:
		text := templateTagArgs[t.Arg]
		return func(st *execState) error {
			st.out.WriteString(text)
			return nil
		}, nil

	case *CsrfTokenNode:
		return func(st *execState) error {
			tok, ok := st.lookup("csrf_token")
			if !ok || !tok.Truth() {
				return nil
			}
			s := tok.String()
			if s == "NOTPROVIDED" {
				return nil
			}
			fmt.Fprintf(st.out, `<input type="hidden" name="csrfmiddlewaretoken" value="%s">`, SafeValue(escapeValue(StringValue(s)).String()))
			return nil
		}, nil

	case *DebugNode:
		return func(st *execState) error {
			debugDump(st.out, st.flattenScope())
			return nil
		}, nil

	case *LoremNode:
		count, method, random := t.Count, t.Method, t.Random
		return func(st *execState) error {
			st.out.WriteString(loremText(count, method, random))
			return nil
		}, nil

	case *IfEqualNode:
		return c.compileIfEqual(t)

	case *ExtendsNode:
		return nil, compileErrorf("cannot compile {%% extends %%}: flatten the template first")
	case *IncludeNode:
		return nil, compileErrorf("cannot compile {%% include %%}: flatten the template first")
	case *BlockNode:
		return nil, compileErrorf("cannot compile {%% block %%}: flatten the template first")
	}
	return nil, compileErrorf("cannot compile node type %T", n)
}

func (c *compiler) compileIf(t *IfNode) (step, error) {
	type arm struct {
		cond evalFn
		body step
	}
	arms := make([]arm, 0, len(t.Arms))
	for _, a := range t.Arms {
		cond, err := c.expr(a.Cond)
		if err != nil {
			return nil, err
		}
		body, err := c.compileNodes(a.Body)
		if err != nil {
			return nil, err
		}
		arms = append(arms, arm{cond, body})
	}
	elseStep, err := c.compileNodes(t.Else)
	if err != nil {
		return nil, err
	}
	return func(st *execState) error {
		for _, a := range arms {
			v, err := a.cond(st)
			if err != nil {
				return err
			}
			if v.Truth() {
				return a.body(st)
			}
		}
		return elseStep(st)
	}, nil
}

func (c *compiler) compileFor(t *ForNode) (step, error) {
	iter, err := c.expr(t.Iter)
	if err != nil {
		return nil, err
	}
	c.pushScope()
	for _, name := range t.Targets {
		c.declare(name)
	}
	c.declare("loop")
	c.declare("forloop")
	body, err := c.compileNodes(t.Body)
	c.popScope()
	if err != nil {
		return nil, err
	}
	elseStep, err := c.compileNodes(t.Else)
	if err != nil {
		return nil, err
	}
	targets := t.Targets
	return func(st *execState) error {
		iterVal, err := iter(st)
		if err != nil {
			return err
		}
		items, err := iterateValue(iterVal)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return elseStep(st)
		}
		rec := &loopRecord{items: items, parent: st.loop}
		st.loop = rec
		defer func() { st.loop = rec.parent }()

		for idx, item := range items {
			rec.index0 = idx
			frame := Context{
				"loop":    &loopValue{rec: rec},
				"forloop": &loopValue{rec: rec, django: true},
			}
			if len(targets) == 1 {
				frame[targets[0]] = item
			} else {
				parts, ok := item.(ListValue)
				if !ok || len(parts) != len(targets) {
					return runtimeErrorf("cannot unpack %s into %d loop variables", typeName(item), len(targets))
				}
				for i, name := range targets {
					frame[name] = parts[i]
				}
			}
			st.push(frame)
			err := body(st)
			st.pop()
			if err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (c *compiler) compileSet(t *SetNode) (step, error) {
	if t.Body != nil {
		body, err := c.compileNodes(t.Body)
		if err != nil {
			return nil, err
		}
		c.declare(t.Target)
		target := t.Target
		return func(st *execState) error {
			text, err := st.capture(body)
			if err != nil {
				return err
			}
			st.set(target, SafeValue(text))
			return nil
		}, nil
	}
	e, err := c.expr(t.Expr)
	if err != nil {
		return nil, err
	}
	if t.Attr != "" {
		target, attr := t.Target, t.Attr
		return func(st *execState) error {
			v, err := e(st)
			if err != nil {
				return err
			}
			base, ok := st.lookup(target)
			if !ok {
				return runtimeErrorf("cannot set attribute on undefined variable %q", target)
			}
			hook, ok := base.(SetHook)
			if !ok {
				return runtimeErrorf("cannot set attribute %q on %s", attr, typeName(base))
			}
			return hook.OnSet(attr, v)
		}, nil
	}
	c.declare(t.Target)
	target := t.Target
	return func(st *execState) error {
		v, err := e(st)
		if err != nil {
			return err
		}
		st.set(target, v)
		return nil
	}, nil
}

func (c *compiler) compileWith(t *WithNode) (step, error) {
	names := make([]string, 0, len(t.Bindings))
	exprs := make([]evalFn, 0, len(t.Bindings))
	for _, b := range t.Bindings {
		e, err := c.expr(b.Expr)
		if err != nil {
			return nil, err
		}
		names = append(names, b.Name)
		exprs = append(exprs, e)
	}
	c.pushScope()
	for _, name := range names {
		c.declare(name)
	}
	body, err := c.compileNodes(t.Body)
	c.popScope()
	if err != nil {
		return nil, err
	}
	only := t.Only
	return func(st *execState) error {
		frame := Context{}
		for i, e := range exprs {
			v, err := e(st)
			if err != nil {
				return err
			}
			frame[names[i]] = v
		}
		if only {
			savedCtx, savedFrames := st.ctx, st.frames
			st.ctx = Context{}
			st.frames = []Context{frame}
			err := body(st)
			st.ctx, st.frames = savedCtx, savedFrames
			return err
		}
		st.push(frame)
		err := body(st)
		st.pop()
		return err
	}, nil
}

func (c *compiler) compileMacro(t *MacroNode) (step, error) {
	c.pushScope()
	for _, p := range t.Params {
		c.declare(p.Name)
	}
	c.declare("varargs")
	c.declare("kwargs")
	c.declare("caller")
	params := make([]compiledParam, 0, len(t.Params))
	for _, p := range t.Params {
		cp := compiledParam{name: p.Name}
		if p.Default != nil {
			def, err := c.expr(p.Default)
			if err != nil {
				c.popScope()
				return nil, err
			}
			cp.def = def
		}
		params = append(params, cp)
	}
	body, err := c.compileNodes(t.Body)
	c.popScope()
	if err != nil {
		return nil, err
	}
	c.declare(t.Name)
	name := t.Name
	return func(st *execState) error {
		frames := make([]Context, len(st.frames))
		copy(frames, st.frames)
		st.set(name, &compiledMacro{
			name:      name,
			params:    params,
			body:      body,
			defCtx:    st.ctx,
			defFrames: frames,
		})
		return nil
	}, nil
}

func (st *execState) callMacro(m *compiledMacro, args []Value, kwargs map[string]Value, caller Value) (Value, error) {
	st.depth++
	defer func() { st.depth-- }()
	if st.depth > st.env.maxDepth {
		return nil, runtimeErrorf("recursion deeper than %d in macro %q", st.env.maxDepth, m.name)
	}

	isParam := make(map[string]bool, len(m.params))
	for _, p := range m.params {
		isParam[p.name] = true
	}

	frame := Context{}
	varargs := ListValue{}
	for i, a := range args {
		if i < len(m.params) {
			frame[m.params[i].name] = a
		} else {
			varargs = append(varargs, a)
		}
	}
	extraKw := DictValue{}
	for k, v := range kwargs {
		if !isParam[k] {
			extraKw[k] = v
			continue
		}
		if _, dup := frame[k]; dup {
			return nil, runtimeErrorf("macro %q got multiple values for argument %q", m.name, k)
		}
		frame[k] = v
	}
	frame["varargs"] = varargs
	frame["kwargs"] = extraKw
	if caller != nil {
		frame["caller"] = caller
	}

	savedCtx, savedFrames := st.ctx, st.frames
	st.ctx = m.defCtx
	st.frames = append(append([]Context{}, m.defFrames...), frame)
	defer func() { st.ctx, st.frames = savedCtx, savedFrames }()

	for _, p := range m.params {
		if _, bound := frame[p.name]; bound {
			continue
		}
		if p.def == nil {
			frame[p.name] = UndefinedValue{Name: p.name}
			continue
		}
		v, err := p.def(st)
		if err != nil {
			return nil, err
		}
		frame[p.name] = v
	}

	text, err := st.capture(m.body)
	if err != nil {
		return nil, err
	}
	return SafeValue(text), nil
}

func (c *compiler) compileCall(t *CallNode) (step, error) {
	ce := t.Call.(*CallExpr)
	fnExpr, err := c.expr(ce.Fn)
	if err != nil {
		return nil, err
	}
	args, err := c.exprs(ce.Args)
	if err != nil {
		return nil, err
	}
	kwargs, err := c.kwargs(ce.Kwargs)
	if err != nil {
		return nil, err
	}
	body, err := c.compileNodes(t.Body)
	if err != nil {
		return nil, err
	}
	return func(st *execState) error {
		callee, err := fnExpr(st)
		if err != nil {
			return err
		}
		m, ok := callee.(*compiledMacro)
		if !ok {
			return runtimeErrorf("call target must be a macro, got %s", typeName(callee))
		}
		argVals, err := evalAll(st, args)
		if err != nil {
			return err
		}
		kwargVals, err := evalKwargMap(st, kwargs)
		if err != nil {
			return err
		}
		caller := CallableValue{
			Name: "caller",
			Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
				if len(args) > 0 || len(kwargs) > 0 {
					return nil, runtimeErrorf("caller() takes no arguments")
				}
				text, err := st.capture(body)
				if err != nil {
					return nil, err
				}
				return SafeValue(text), nil
			},
		}
		out, err := st.callMacro(m, argVals, kwargVals, caller)
		if err != nil {
			return err
		}
		st.out.WriteString(outputString(out, st.autoesc))
		return nil
	}, nil
}

func (c *compiler) compileFilterBlock(t *FilterBlockNode) (step, error) {
	body, err := c.compileNodes(t.Body)
	if err != nil {
		return nil, err
	}
	type filterStep struct {
		apply func(st *execState, val Value) (Value, error)
	}
	steps := make([]filterStep, 0, len(t.Steps))
	for _, fs := range t.Steps {
		apply, err := c.compileFilterCall(fs.Name, fs.Args, fs.Kwargs)
		if err != nil {
			return nil, err
		}
		steps = append(steps, filterStep{apply})
	}
	return func(st *execState) error {
		text, err := st.capture(body)
		if err != nil {
			return err
		}
		val := Value(SafeValue(text))
		for _, fs := range steps {
			val, err = fs.apply(st, val)
			if err != nil {
				return err
			}
		}
		st.out.WriteString(val.String())
		return nil
	}, nil
}

func (c *compiler) compileURL(t *URLNode) (step, error) {
	nameFn, err := c.expr(t.Name)
	if err != nil {
		return nil, err
	}
	args, err := c.exprs(t.Args)
	if err != nil {
		return nil, err
	}
	kwargs, err := c.kwargs(t.Kwargs)
	if err != nil {
		return nil, err
	}
	asVar := t.AsVar
	if asVar != "" {
		c.declare(asVar)
	}
	return func(st *execState) error {
		nameVal, err := nameFn(st)
		if err != nil {
			return err
		}
		argVals, err := evalAll(st, args)
		if err != nil {
			return err
		}
		kwargVals, err := evalKwargMap(st, kwargs)
		if err != nil {
			return err
		}
		if st.env.urlResolver == nil {
			if asVar != "" {
				st.set(asVar, StringValue(""))
				return nil
			}
			return runtimeErrorf("no URL resolver configured for {%% url %%}")
		}
		url, err := st.env.urlResolver(nameVal.String(), argVals, kwargVals)
		if err != nil {
			if asVar != "" {
				st.set(asVar, StringValue(""))
				return nil
			}
			return runtimeErrorf("url %q: %v", nameVal.String(), err)
		}
		if asVar != "" {
			st.set(asVar, StringValue(url))
			return nil
		}
		st.out.WriteString(outputString(StringValue(url), st.autoesc))
		return nil
	}, nil
}

func (c *compiler) compileStatic(t *StaticNode) (step, error) {
	pathFn, err := c.expr(t.Path)
	if err != nil {
		return nil, err
	}
	asVar := t.AsVar
	if asVar != "" {
		c.declare(asVar)
	}
	return func(st *execState) error {
		pathVal, err := pathFn(st)
		if err != nil {
			return err
		}
		prefix := st.env.staticPrefix
		if prefix == "" {
			prefix = "/static/"
		}
		url := strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(pathVal.String(), "/")
		if asVar != "" {
			st.set(asVar, StringValue(url))
			return nil
		}
		st.out.WriteString(outputString(StringValue(url), st.autoesc))
		return nil
	}, nil
}

func (c *compiler) compileCycle(t *CycleNode) (step, error) {
	slot := c.nCycles
	c.nCycles++
	args, err := c.exprs(t.Args)
	if err != nil {
		return nil, err
	}
	asVar := t.AsVar
	if asVar != "" {
		c.declare(asVar)
	}
	return func(st *execState) error {
		idx := st.cycles[slot]
		st.cycles[slot] = idx + 1
		v, err := args[idx%len(args)](st)
		if err != nil {
			return err
		}
		if asVar != "" {
			st.set(asVar, v)
		}
		st.out.WriteString(outputString(v, st.autoesc))
		return nil
	}, nil
}

func (c *compiler) compileIfChanged(t *IfChangedNode) (step, error) {
	slot := c.nChanged
	c.nChanged++
	exprs, err := c.exprs(t.Exprs)
	if err != nil {
		return nil, err
	}
	body, err := c.compileNodes(t.Body)
	if err != nil {
		return nil, err
	}
	elseStep, err := c.compileNodes(t.Else)
	if err != nil {
		return nil, err
	}
	return func(st *execState) error {
		var current string
		if len(exprs) > 0 {
			var parts []string
			for _, e := range exprs {
				v, err := e(st)
				if err != nil {
					return err
				}
				parts = append(parts, v.String())
			}
			current = strings.Join(parts, "\x1f")
		} else {
			text, err := st.capture(body)
			if err != nil {
				return err
			}
			current = text
		}
		state := st.changed[slot]
		changed := !state.seen || state.last != current
		st.changed[slot] = ifchangedState{seen: true, last: current}
		if changed {
			if len(exprs) > 0 {
				return body(st)
			}
			st.out.WriteString(current)
			return nil
		}
		return elseStep(st)
	}, nil
}

func (c *compiler) compileFirstof(t *FirstofNode) (step, error) {
	args, err := c.exprs(t.Args)
	if err != nil {
		return nil, err
	}
	asVar := t.AsVar
	if asVar != "" {
		c.declare(asVar)
	}
	return func(st *execState) error {
		var out Value = StringValue("")
		for _, e := range args {
			v, err := e(st)
			if err != nil {
				return err
			}
			if v.Truth() {
				out = v
				break
			}
		}
		if asVar != "" {
			st.set(asVar, out)
			return nil
		}
		st.out.WriteString(outputString(out, st.autoesc))
		return nil
	}, nil
}

func (c *compiler) compileRegroup(t *RegroupNode) (step, error) {
	source, err := c.expr(t.Source)
	if err != nil {
		return nil, err
	}
	path := strings.Split(t.By, ".")
	c.declare(t.AsVar)
	asVar := t.AsVar
	return func(st *execState) error {
		src, err := source(st)
		if err != nil {
			return err
		}
		items, err := iterateValue(src)
		if err != nil {
			return runtimeErrorf("regroup source is not iterable: %s", typeName(src))
		}
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
		st.set(asVar, groups)
		return nil
	}, nil
}

func (c *compiler) compileWidthRatio(t *WidthRatioNode) (step, error) {
	valueFn, err := c.expr(t.Value)
	if err != nil {
		return nil, err
	}
	maxFn, err := c.expr(t.Max)
	if err != nil {
		return nil, err
	}
	widthFn, err := c.expr(t.MaxWidth)
	if err != nil {
		return nil, err
	}
	asVar := t.AsVar
	if asVar != "" {
		c.declare(asVar)
	}
	return func(st *execState) error {
		value, err := valueFn(st)
		if err != nil {
			return err
		}
		maxVal, err := maxFn(st)
		if err != nil {
			return err
		}
		width, err := widthFn(st)
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
		if asVar != "" {
			st.set(asVar, StringValue(out))
			return nil
		}
		st.out.WriteString(out)
		return nil
	}, nil
}

func (c *compiler) compileIfEqual(t *IfEqualNode) (step, error) {
	aFn, err := c.expr(t.A)
	if err != nil {
		return nil, err
	}
	bFn, err := c.expr(t.B)
	if err != nil {
		return nil, err
	}
	body, err := c.compileNodes(t.Body)
	if err != nil {
		return nil, err
	}
	elseStep, err := c.compileNodes(t.Else)
	if err != nil {
		return nil, err
	}
	negate := t.Negate
	return func(st *execState) error {
		a, err := aFn(st)
		if err != nil {
			return err
		}
		b, err := bFn(st)
		if err != nil {
			return err
		}
		if valueEquals(a, b) != negate {
			return body(st)
		}
		return elseStep(st)
	}, nil
}
