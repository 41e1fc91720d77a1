package chervil

import "bytes"

func (r *renderer) evalExprs(exprs []Expr) ([]Value, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make([]Value, 0, len(exprs))
	for _, e := range exprs {
		v, err := r.evalExpr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *renderer) evalKwargs(kws []Kwarg) (map[string]Value, error) {
	if len(kws) == 0 {
		return nil, nil
	}
	out := make(map[string]Value, len(kws))
	for _, kw := range kws {
		v, err := r.evalExpr(kw.Expr)
		if err != nil {
			return nil, err
		}
		out[kw.Name] = v
	}
	return out, nil
}

func (r *renderer) evalExpr(e Expr) (Value, error) {
	switch t := e.(type) {
	case *LiteralExpr:
		return t.Val, nil

	case *NameExpr:
		if v, ok := r.sc.lookup(t.Name); ok {
			return v, nil
		}
		return UndefinedValue{Name: t.Name}, nil

	case *ListExpr:
		items, err := r.evalExprs(t.Items)
		if err != nil {
			return nil, err
		}
		return ListValue(items), nil

	case *DictExpr:
		out := DictValue{}
		for i, ke := range t.Keys {
			k, err := r.evalExpr(ke)
			if err != nil {
				return nil, err
			}
			v, err := r.evalExpr(t.Values[i])
			if err != nil {
				return nil, err
			}
			out[k.String()] = v
		}
		return out, nil

	case *UnaryExpr:
		x, err := r.evalExpr(t.X)
		if err != nil {
			return nil, err
		}
		return applyUnary(t.Op, x)

	case *BinaryExpr:
		// and/or short-circuit and yield the deciding operand itself.
		switch t.Op {
		case "and":
			l, err := r.evalExpr(t.L)
			if err != nil {
				return nil, err
			}
			if !l.Truth() {
				return l, nil
			}
			return r.evalExpr(t.R)
		case "or":
			l, err := r.evalExpr(t.L)
			if err != nil {
				return nil, err
			}
			if l.Truth() {
				return l, nil
			}
			return r.evalExpr(t.R)
		}
		l, err := r.evalExpr(t.L)
		if err != nil {
			return nil, err
		}
		rhs, err := r.evalExpr(t.R)
		if err != nil {
			return nil, err
		}
		return applyBinary(t.Op, l, rhs)

	case *CompareExpr:
		left, err := r.evalExpr(t.First)
		if err != nil {
			return nil, err
		}
		for _, link := range t.Links {
			right, err := r.evalExpr(link.R)
			if err != nil {
				return nil, err
			}
			res, err := applyCompare(link.Op, left, right)
			if err != nil {
				return nil, err
			}
			if !res.Truth() {
				return BoolValue(false), nil
			}
			left = right
		}
		return BoolValue(true), nil

	case *CondExpr:
		cond, err := r.evalExpr(t.Cond)
		if err != nil {
			return nil, err
		}
		if cond.Truth() {
			return r.evalExpr(t.Then)
		}
		if t.Else == nil {
			return UndefinedValue{}, nil
		}
		return r.evalExpr(t.Else)

	case *GetAttrExpr:
		base, err := r.evalExpr(t.X)
		if err != nil {
			return nil, err
		}
		if bc, ok := base.(*blockContextValue); ok && t.Name == "super" {
			s, err := bc.super()
			if err != nil {
				return nil, err
			}
			return SafeValue(s), nil
		}
		return lookupAttr(base, t.Name), nil

	case *GetItemExpr:
		base, err := r.evalExpr(t.X)
		if err != nil {
			return nil, err
		}
		idx, err := r.evalExpr(t.Index)
		if err != nil {
			return nil, err
		}
		return lookupItem(base, idx), nil

	case *CallExpr:
		callee, err := r.evalExpr(t.Fn)
		if err != nil {
			return nil, err
		}
		args, err := r.evalExprs(t.Args)
		if err != nil {
			return nil, err
		}
		kwargs, err := r.evalKwargs(t.Kwargs)
		if err != nil {
			return nil, err
		}
		return r.callValue(callee, args, kwargs)

	case *FilterExpr:
		val, err := r.evalExpr(t.X)
		if err != nil {
			return nil, err
		}
		args, err := r.evalExprs(t.Args)
		if err != nil {
			return nil, err
		}
		kwargs, err := r.evalKwargs(t.Kwargs)
		if err != nil {
			return nil, err
		}
		return r.applyFilter(t.Name, val, args, kwargs)

	case *TestExpr:
		val, err := r.evalExpr(t.X)
		if err != nil {
			return nil, err
		}
		args, err := r.evalExprs(t.Args)
		if err != nil {
			return nil, err
		}
		res, err := r.applyTest(t.Name, val, args)
		if err != nil {
			return nil, err
		}
		if t.Negated {
			res = !res
		}
		return BoolValue(res), nil
	}
	return nil, runtimeErrorf("unhandled expression type: %T", e)
}

func (r *renderer) callValue(callee Value, args []Value, kwargs map[string]Value) (Value, error) {
	switch c := callee.(type) {
	case *macroValue:
		return r.callMacro(c, args, kwargs, nil)
	case CallableValue:
		return c.Fn(args, kwargs)
	case UndefinedValue:
		if c.Name != "" {
			return nil, runtimeErrorf("'%s' is undefined and cannot be called", c.Name)
		}
		return nil, runtimeErrorf("cannot call undefined value")
	}
	return nil, runtimeErrorf("%s is not callable", typeName(callee))
}

func (r *renderer) applyFilter(name string, val Value, args []Value, kwargs map[string]Value) (Value, error) {
	return applyFilterNamed(r.env, name, val, args, kwargs)
}

func (r *renderer) applyTest(name string, val Value, args []Value) (bool, error) {
	return applyTestNamed(r.env, name, val, args)
}

// applyFilterNamed dispatches a filter through the registry. The
// interpreter and the compiled fallback path both come through here, so
// their error text is identical.
func applyFilterNamed(env *Environment, name string, val Value, args []Value, kwargs map[string]Value) (Value, error) {
	fn, ok := env.filter(name)
	if !ok {
		return nil, runtimeErrorf("Unknown filter '%s'%s", name, suggestSuffix(name, env.filterNames()))
	}
	out, err := fn(val, args, kwargs)
	if err != nil {
		return nil, runtimeErrorf("filter %s: %v", name, err)
	}
	return out, nil
}

func applyTestNamed(env *Environment, name string, val Value, args []Value) (bool, error) {
	fn, ok := env.test(name)
	if !ok {
		return false, runtimeErrorf("Unknown test '%s'%s", name, suggestSuffix(name, env.testNames()))
	}
	res, err := fn(val, args)
	if err != nil {
		return false, runtimeErrorf("test %s: %v", name, err)
	}
	return res, nil
}

// macroValue is a user-defined macro bound to the scope frames that were
// live at its definition site, so it sees later mutations of those frames.
type macroValue struct {
	name   string
	params []MacroParam
	body   []Node
	frames []Context
}

func newMacro(t *MacroNode, frames []Context) *macroValue {
	return &macroValue{name: t.Name, params: t.Params, body: t.Body, frames: frames}
}

func (m *macroValue) String() string { return "<macro " + m.name + ">" }
func (m *macroValue) Truth() bool    { return true }

func (r *renderer) callMacro(m *macroValue, args []Value, kwargs map[string]Value, caller Value) (Value, error) {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > r.env.maxDepth {
		return nil, runtimeErrorf("recursion deeper than %d in macro %q", r.env.maxDepth, m.name)
	}

	isParam := make(map[string]bool, len(m.params))
	for _, p := range m.params {
		isParam[p.Name] = true
	}

	frame := Context{}
	varargs := ListValue{}
	for i, a := range args {
		if i < len(m.params) {
			frame[m.params[i].Name] = a
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

	saved := r.sc
	r.sc = &scope{frames: append(append([]Context{}, m.frames...), frame)}
	defer func() { r.sc = saved }()

	// Defaults evaluate per call, in the macro's own scope, so they can
	// reference parameters bound before them.
	for _, p := range m.params {
		if _, bound := frame[p.Name]; bound {
			continue
		}
		if p.Default == nil {
			frame[p.Name] = UndefinedValue{Name: p.Name}
			continue
		}
		v, err := r.evalExpr(p.Default)
		if err != nil {
			return nil, err
		}
		frame[p.Name] = v
	}

	var body bytes.Buffer
	if err := r.renderNodes(&body, m.body); err != nil {
		return nil, err
	}
	return SafeValue(body.String()), nil
}
