package chervil

// Operator semantics shared by the interpreter and the compiler. Both
// backends call into these helpers so a template renders byte-identically
// regardless of which one runs it.

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

func asFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case IntValue:
		return float64(t), true
	case FloatValue:
		return float64(t), true
	case BoolValue:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asInt(v Value) (int64, bool) {
	switch t := v.(type) {
	case IntValue:
		return int64(t), true
	case BoolValue:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isUndefined(v Value) bool {
	_, ok := v.(UndefinedValue)
	return ok
}

// applyBinary evaluates an arithmetic or concatenation operator. Undefined
// operands propagate for arithmetic; the ~ concatenation operator instead
// stringifies both sides, so undefined contributes an empty string.
func applyBinary(op string, l, r Value) (Value, error) {
	if op == "~" {
		return StringValue(l.String() + r.String()), nil
	}
	if isUndefined(l) || isUndefined(r) {
		return UndefinedValue{}, nil
	}

	switch op {
	case "+":
		if ls, ok := l.(StringValue); ok {
			if rs, ok := r.(StringValue); ok {
				return ls + rs, nil
			}
		}
		if ll, ok := l.(ListValue); ok {
			if rl, ok := r.(ListValue); ok {
				out := make(ListValue, 0, len(ll)+len(rl))
				out = append(out, ll...)
				out = append(out, rl...)
				return out, nil
			}
		}
		return numericOp(op, l, r)
	case "-", "/", "//", "%", "**":
		return numericOp(op, l, r)
	case "*":
		if n, ok := asInt(r); ok {
			switch seq := l.(type) {
			case StringValue:
				return StringValue(strings.Repeat(string(seq), clampRepeat(n))), nil
			case ListValue:
				return repeatList(seq, clampRepeat(n)), nil
			}
		}
		if n, ok := asInt(l); ok {
			switch seq := r.(type) {
			case StringValue:
				return StringValue(strings.Repeat(string(seq), clampRepeat(n))), nil
			case ListValue:
				return repeatList(seq, clampRepeat(n)), nil
			}
		}
		return numericOp(op, l, r)
	}
	return nil, runtimeErrorf("unsupported operator %q", op)
}

func clampRepeat(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}

func repeatList(l ListValue, n int) ListValue {
	out := make(ListValue, 0, len(l)*n)
	for i := 0; i < n; i++ {
		out = append(out, l...)
	}
	return out
}

func numericOp(op string, l, r Value) (Value, error) {
	li, lInt := asInt(l)
	ri, rInt := asInt(r)
	if lInt && rInt {
		switch op {
		case "+":
			return IntValue(li + ri), nil
		case "-":
			return IntValue(li - ri), nil
		case "*":
			return IntValue(li * ri), nil
		case "/":
			// True division yields a float. Division by zero yields zero
			// rather than failing the render.
			if ri == 0 {
				return IntValue(0), nil
			}
			return FloatValue(float64(li) / float64(ri)), nil
		case "//":
			if ri == 0 {
				return IntValue(0), nil
			}
			return IntValue(floorDivInt(li, ri)), nil
		case "%":
			// Modulo by zero yields NaN rather than failing the render.
			if ri == 0 {
				return FloatValue(math.NaN()), nil
			}
			return IntValue(floorModInt(li, ri)), nil
		case "**":
			if ri >= 0 {
				return IntValue(powInt(li, ri)), nil
			}
			return FloatValue(math.Pow(float64(li), float64(ri))), nil
		}
	}

	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, runtimeErrorf("unsupported operand types for %s: %s and %s", op, typeName(l), typeName(r))
	}
	switch op {
	case "+":
		return FloatValue(lf + rf), nil
	case "-":
		return FloatValue(lf - rf), nil
	case "*":
		return FloatValue(lf * rf), nil
	case "/":
		if rf == 0 {
			return IntValue(0), nil
		}
		return FloatValue(lf / rf), nil
	case "//":
		if rf == 0 {
			return IntValue(0), nil
		}
		return FloatValue(math.Floor(lf / rf)), nil
	case "%":
		if rf == 0 {
			return FloatValue(math.NaN()), nil
		}
		m := math.Mod(lf, rf)
		if m != 0 && (m < 0) != (rf < 0) {
			m += rf
		}
		return FloatValue(m), nil
	case "**":
		return FloatValue(math.Pow(lf, rf)), nil
	}
	return nil, runtimeErrorf("unsupported operator %q", op)
}

// floorDivInt implements floor division, rounding toward negative
// infinity like Python's // operator.
func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// floorModInt gives the remainder whose sign follows the divisor.
func floorModInt(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func powInt(base, exp int64) int64 {
	var out int64 = 1
	for exp > 0 {
		if exp&1 == 1 {
			out *= base
		}
		base *= base
		exp >>= 1
	}
	return out
}

// applyUnary evaluates - + and not.
func applyUnary(op string, v Value) (Value, error) {
	switch op {
	case "not":
		return BoolValue(!v.Truth()), nil
	case "-":
		if isUndefined(v) {
			return UndefinedValue{}, nil
		}
		if i, ok := v.(IntValue); ok {
			return -i, nil
		}
		if f, ok := asFloat(v); ok {
			return FloatValue(-f), nil
		}
		return nil, runtimeErrorf("cannot negate %s", typeName(v))
	case "+":
		if isUndefined(v) {
			return UndefinedValue{}, nil
		}
		if _, ok := asFloat(v); ok {
			return v, nil
		}
		return nil, runtimeErrorf("cannot apply unary + to %s", typeName(v))
	}
	return nil, runtimeErrorf("unsupported unary operator %q", op)
}

// valueEquals implements the == operator: numbers compare across int and
// float, safe strings compare equal to plain strings, lists and dicts
// compare element-wise.
func valueEquals(l, r Value) bool {
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			// Bools only compare equal to other bools, not to 0 and 1.
			_, lb := l.(BoolValue)
			_, rb := r.(BoolValue)
			if lb != rb {
				return false
			}
			return lf == rf
		}
		return false
	}
	switch lt := l.(type) {
	case StringValue:
		return stringEquals(string(lt), r)
	case SafeValue:
		return stringEquals(string(lt), r)
	case NoneValue:
		_, ok := r.(NoneValue)
		return ok
	case UndefinedValue:
		return isUndefined(r)
	case TimeValue:
		rt, ok := r.(TimeValue)
		return ok && time.Time(lt).Equal(time.Time(rt))
	case ListValue:
		rt, ok := r.(ListValue)
		if !ok || len(lt) != len(rt) {
			return false
		}
		for i := range lt {
			if !valueEquals(lt[i], rt[i]) {
				return false
			}
		}
		return true
	case DictValue:
		rt, ok := r.(DictValue)
		if !ok || len(lt) != len(rt) {
			return false
		}
		for k, v := range lt {
			rv, ok := rt[k]
			if !ok || !valueEquals(v, rv) {
				return false
			}
		}
		return true
	}
	return false
}

func stringEquals(s string, r Value) bool {
	switch rt := r.(type) {
	case StringValue:
		return s == string(rt)
	case SafeValue:
		return s == string(rt)
	}
	return false
}

// compareValues orders two values for < <= > >=. Only numbers and strings
// have an ordering.
func compareValues(l, r Value) (int, error) {
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			}
			return 0, nil
		}
	}
	ls, lok := stringOf(l)
	rs, rok := stringOf(r)
	if lok && rok {
		return strings.Compare(ls, rs), nil
	}
	if lt, ok := l.(TimeValue); ok {
		if rt, ok := r.(TimeValue); ok {
			switch {
			case time.Time(lt).Before(time.Time(rt)):
				return -1, nil
			case time.Time(lt).After(time.Time(rt)):
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, runtimeErrorf("cannot order %s and %s", typeName(l), typeName(r))
}

func stringOf(v Value) (string, bool) {
	switch t := v.(type) {
	case StringValue:
		return string(t), true
	case SafeValue:
		return string(t), true
	}
	return "", false
}

// valueContains implements the in operator: substring for strings, key
// membership for dicts, element membership for lists.
func valueContains(needle, hay Value) (bool, error) {
	switch h := hay.(type) {
	case StringValue:
		return strings.Contains(string(h), needle.String()), nil
	case SafeValue:
		return strings.Contains(string(h), needle.String()), nil
	case ListValue:
		for _, e := range h {
			if valueEquals(needle, e) {
				return true, nil
			}
		}
		return false, nil
	case DictValue:
		if s, ok := stringOf(needle); ok {
			_, present := h[s]
			return present, nil
		}
		return false, nil
	case UndefinedValue, NoneValue:
		return false, nil
	}
	return false, runtimeErrorf("%s is not a container", typeName(hay))
}

// applyCompare evaluates one link of a comparison chain.
func applyCompare(op string, l, r Value) (Value, error) {
	switch op {
	case "==":
		return BoolValue(valueEquals(l, r)), nil
	case "!=":
		return BoolValue(!valueEquals(l, r)), nil
	case "in":
		ok, err := valueContains(l, r)
		return BoolValue(ok), err
	case "not in":
		ok, err := valueContains(l, r)
		return BoolValue(!ok), err
	}
	c, err := compareValues(l, r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return BoolValue(c < 0), nil
	case "<=":
		return BoolValue(c <= 0), nil
	case ">":
		return BoolValue(c > 0), nil
	case ">=":
		return BoolValue(c >= 0), nil
	}
	return nil, runtimeErrorf("unsupported comparison %q", op)
}

// valueLength reports the length used by the length filter, the length
// test, and loop metadata. Strings count runes.
func valueLength(v Value) (int, error) {
	switch t := v.(type) {
	case StringValue:
		return utf8.RuneCountInString(string(t)), nil
	case SafeValue:
		return utf8.RuneCountInString(string(t)), nil
	case ListValue:
		return len(t), nil
	case DictValue:
		return len(t), nil
	case UndefinedValue:
		return 0, nil
	}
	return 0, runtimeErrorf("%s has no length", typeName(v))
}
