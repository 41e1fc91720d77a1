package chervil

// loopRecord is the per-loop state exposed to templates. One record backs
// both the Jinja-style loop variable and the Django-style forloop
// variable; the two are different attribute vocabularies over the same
// data. Records chain to the enclosing loop's record via parent.
type loopRecord struct {
	index0 int
	items  []Value
	parent *loopRecord
}

func (lr *loopRecord) length() int { return len(lr.items) }

// loopValue adapts a loopRecord to the template value model. The django
// flag selects which attribute family OnLookup serves.
type loopValue struct {
	rec    *loopRecord
	django bool
}

func (lv *loopValue) String() string { return "<loop>" }
func (lv *loopValue) Truth() bool    { return true }

// OnLookup implements LookupHook.
func (lv *loopValue) OnLookup(key string) (Value, bool) {
	rec := lv.rec
	n := rec.length()
	if lv.django {
		switch key {
		case "counter":
			return IntValue(rec.index0 + 1), true
		case "counter0":
			return IntValue(rec.index0), true
		case "revcounter":
			return IntValue(n - rec.index0), true
		case "revcounter0":
			return IntValue(n - rec.index0 - 1), true
		case "first":
			return BoolValue(rec.index0 == 0), true
		case "last":
			return BoolValue(rec.index0 == n-1), true
		case "length":
			return IntValue(n), true
		case "parentloop":
			if rec.parent == nil {
				return UndefinedValue{Name: key}, true
			}
			return &loopValue{rec: rec.parent, django: true}, true
		}
		return nil, false
	}

	switch key {
	case "index":
		return IntValue(rec.index0 + 1), true
	case "index0":
		return IntValue(rec.index0), true
	case "revindex":
		return IntValue(n - rec.index0), true
	case "revindex0":
		return IntValue(n - rec.index0 - 1), true
	case "first":
		return BoolValue(rec.index0 == 0), true
	case "last":
		return BoolValue(rec.index0 == n-1), true
	case "length":
		return IntValue(n), true
	case "previtem":
		if rec.index0 == 0 {
			return UndefinedValue{Name: key}, true
		}
		return rec.items[rec.index0-1], true
	case "nextitem":
		if rec.index0 >= n-1 {
			return UndefinedValue{Name: key}, true
		}
		return rec.items[rec.index0+1], true
	case "cycle":
		return CallableValue{
			Name: "loop.cycle",
			Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
				if len(args) == 0 {
					return nil, runtimeErrorf("loop.cycle expects at least one argument")
				}
				return args[rec.index0%len(args)], nil
			},
		}, true
	case "parentloop", "parent":
		if rec.parent == nil {
			return UndefinedValue{Name: key}, true
		}
		return &loopValue{rec: rec.parent}, true
	}
	return nil, false
}
