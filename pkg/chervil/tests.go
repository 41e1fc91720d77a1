package chervil

import (
	"fmt"
	"unicode"
)

func defaultTests() map[string]TestFunc {
	m := map[string]TestFunc{
		"defined": func(val Value, args []Value) (bool, error) {
			return !isUndefined(val), nil
		},
		"undefined": func(val Value, args []Value) (bool, error) {
			return isUndefined(val), nil
		},
		"none": func(val Value, args []Value) (bool, error) {
			_, ok := val.(NoneValue)
			return ok, nil
		},
		"boolean": func(val Value, args []Value) (bool, error) {
			_, ok := val.(BoolValue)
			return ok, nil
		},
		"string": func(val Value, args []Value) (bool, error) {
			_, ok := stringOf(val)
			return ok, nil
		},
		"number": func(val Value, args []Value) (bool, error) {
			switch val.(type) {
			case IntValue, FloatValue, BoolValue:
				return true, nil
			}
			return false, nil
		},
		"integer": func(val Value, args []Value) (bool, error) {
			_, ok := val.(IntValue)
			return ok, nil
		},
		"float": func(val Value, args []Value) (bool, error) {
			_, ok := val.(FloatValue)
			return ok, nil
		},
		"mapping": func(val Value, args []Value) (bool, error) {
			switch val.(type) {
			case DictValue, *NamespaceValue:
				return true, nil
			}
			return false, nil
		},
		"sequence": func(val Value, args []Value) (bool, error) {
			switch val.(type) {
			case ListValue, StringValue, SafeValue:
				return true, nil
			}
			return false, nil
		},
		"iterable": func(val Value, args []Value) (bool, error) {
			switch val.(type) {
			case ListValue, DictValue, StringValue, SafeValue:
				return true, nil
			}
			return false, nil
		},
		"callable": func(val Value, args []Value) (bool, error) {
			switch val.(type) {
			case CallableValue, *macroValue:
				return true, nil
			}
			return false, nil
		},
		"sameas": func(val Value, args []Value) (bool, error) {
			if len(args) < 1 {
				return false, fmt.Errorf("sameas expects an argument")
			}
			return sameValue(val, args[0]), nil
		},
		"even": func(val Value, args []Value) (bool, error) {
			n, ok := asInt(val)
			if !ok {
				return false, fmt.Errorf("even expects an integer, got %s", typeName(val))
			}
			return n%2 == 0, nil
		},
		"odd": func(val Value, args []Value) (bool, error) {
			n, ok := asInt(val)
			if !ok {
				return false, fmt.Errorf("odd expects an integer, got %s", typeName(val))
			}
			return n%2 != 0, nil
		},
		"divisibleby": func(val Value, args []Value) (bool, error) {
			n, ok := asInt(val)
			if !ok {
				return false, fmt.Errorf("divisibleby expects an integer, got %s", typeName(val))
			}
			if len(args) < 1 {
				return false, fmt.Errorf("divisibleby expects an argument")
			}
			d, ok := asInt(args[0])
			if !ok || d == 0 {
				return false, fmt.Errorf("divisibleby argument must be a non-zero integer")
			}
			return n%d == 0, nil
		},
		"lower": func(val Value, args []Value) (bool, error) {
			return isCased(val.String(), unicode.IsLower), nil
		},
		"upper": func(val Value, args []Value) (bool, error) {
			return isCased(val.String(), unicode.IsUpper), nil
		},
		"in": func(val Value, args []Value) (bool, error) {
			if len(args) < 1 {
				return false, fmt.Errorf("in expects a container argument")
			}
			return valueContains(val, args[0])
		},
		"escaped": func(val Value, args []Value) (bool, error) {
			_, ok := val.(SafeValue)
			return ok, nil
		},
		"empty": func(val Value, args []Value) (bool, error) {
			if n, err := valueLength(val); err == nil {
				return n == 0, nil
			}
			return !val.Truth(), nil
		},
	}

	compare := func(op string) TestFunc {
		return func(val Value, args []Value) (bool, error) {
			if len(args) < 1 {
				return false, fmt.Errorf("comparison test expects an argument")
			}
			res, err := applyCompare(op, val, args[0])
			if err != nil {
				return false, err
			}
			return res.Truth(), nil
		}
	}
	m["eq"] = compare("==")
	m["equalto"] = compare("==")
	m["ne"] = compare("!=")
	m["lt"] = compare("<")
	m["lessthan"] = compare("<")
	m["le"] = compare("<=")
	m["gt"] = compare(">")
	m["greaterthan"] = compare(">")
	m["ge"] = compare(">=")
	return m
}

// sameValue is identity comparison. Containers compare by pointer,
// scalars by type and value.
func sameValue(a, b Value) bool {
	switch at := a.(type) {
	case NoneValue:
		_, ok := b.(NoneValue)
		return ok
	case UndefinedValue:
		return isUndefined(b)
	case BoolValue:
		bt, ok := b.(BoolValue)
		return ok && at == bt
	case IntValue:
		bt, ok := b.(IntValue)
		return ok && at == bt
	case StringValue:
		bt, ok := b.(StringValue)
		return ok && at == bt
	case *NamespaceValue:
		bt, ok := b.(*NamespaceValue)
		return ok && at == bt
	case *macroValue:
		bt, ok := b.(*macroValue)
		return ok && at == bt
	}
	return false
}

// isCased reports whether the string has at least one cased rune and all
// cased runes satisfy want.
func isCased(s string, want func(rune) bool) bool {
	any := false
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		if !want(r) && (unicode.IsUpper(r) || unicode.IsLower(r)) {
			return false
		}
		if want(r) {
			any = true
		}
	}
	return any
}
