package chervil

import "strings"

// lookupAttr resolves `x.name`. The precedence is the container's own
// LookupHook, then dict keys, then built-in methods; anything unresolved
// yields an undefined carrying the attribute name.
func lookupAttr(v Value, name string) Value {
	if h, ok := v.(LookupHook); ok {
		if out, ok := h.OnLookup(name); ok {
			return out
		}
	}
	if d, ok := v.(DictValue); ok {
		if out, ok := d[name]; ok {
			return out
		}
	}
	if m, ok := methodFor(v, name); ok {
		return m
	}
	return UndefinedValue{Name: name}
}

// lookupItem resolves `x[idx]`. Lists and strings index by integer with
// negative wrap-around, dicts by the key's string form.
func lookupItem(v Value, idx Value) Value {
	switch t := v.(type) {
	case ListValue:
		if i, ok := asListIndex(idx, len(t)); ok {
			return t[i]
		}
		return UndefinedValue{}
	case StringValue:
		return stringIndex(string(t), idx)
	case SafeValue:
		return stringIndex(string(t), idx)
	case DictValue:
		key := idx.String()
		if out, ok := t[key]; ok {
			return out
		}
		return UndefinedValue{Name: key}
	}
	if h, ok := v.(LookupHook); ok {
		if out, ok := h.OnLookup(idx.String()); ok {
			return out
		}
	}
	return UndefinedValue{}
}

func asListIndex(idx Value, length int) (int, bool) {
	n, ok := idx.(IntValue)
	if !ok {
		return 0, false
	}
	i := int(n)
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, false
	}
	return i, true
}

func stringIndex(s string, idx Value) Value {
	runes := []rune(s)
	if i, ok := asListIndex(idx, len(runes)); ok {
		return StringValue(string(runes[i]))
	}
	return UndefinedValue{}
}

// methodFor returns a bound method for the value, if it has one. String
// methods operate on the plain text and return plain strings, so a safe
// marker does not survive them.
func methodFor(v Value, name string) (Value, bool) {
	switch t := v.(type) {
	case StringValue:
		return stringMethod(string(t), name)
	case SafeValue:
		return stringMethod(string(t), name)
	case DictValue:
		return dictMethod(t, name)
	}
	return nil, false
}

func boundMethod(name string, fn func(args []Value) (Value, error)) Value {
	return CallableValue{
		Name: name,
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			if len(kwargs) > 0 {
				return nil, runtimeErrorf("%s() takes no keyword arguments", name)
			}
			return fn(args)
		},
	}
}

func stringMethod(s, name string) (Value, bool) {
	switch name {
	case "upper":
		return boundMethod(name, func(args []Value) (Value, error) {
			return StringValue(strings.ToUpper(s)), nil
		}), true
	case "lower":
		return boundMethod(name, func(args []Value) (Value, error) {
			return StringValue(strings.ToLower(s)), nil
		}), true
	case "title":
		return boundMethod(name, func(args []Value) (Value, error) {
			return StringValue(titleCase(s)), nil
		}), true
	case "capitalize":
		return boundMethod(name, func(args []Value) (Value, error) {
			if s == "" {
				return StringValue(""), nil
			}
			runes := []rune(strings.ToLower(s))
			runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
			return StringValue(string(runes)), nil
		}), true
	case "strip":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) > 0 {
				return StringValue(strings.Trim(s, args[0].String())), nil
			}
			return StringValue(strings.TrimSpace(s)), nil
		}), true
	case "lstrip":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) > 0 {
				return StringValue(strings.TrimLeft(s, args[0].String())), nil
			}
			return StringValue(strings.TrimLeft(s, " \t\n\r")), nil
		}), true
	case "rstrip":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) > 0 {
				return StringValue(strings.TrimRight(s, args[0].String())), nil
			}
			return StringValue(strings.TrimRight(s, " \t\n\r")), nil
		}), true
	case "split":
		return boundMethod(name, func(args []Value) (Value, error) {
			var parts []string
			if len(args) > 0 && !isUndefined(args[0]) {
				if _, isNone := args[0].(NoneValue); !isNone {
					parts = strings.Split(s, args[0].String())
				} else {
					parts = strings.Fields(s)
				}
			} else {
				parts = strings.Fields(s)
			}
			out := make(ListValue, 0, len(parts))
			for _, p := range parts {
				out = append(out, StringValue(p))
			}
			return out, nil
		}), true
	case "replace":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) < 2 {
				return nil, runtimeErrorf("replace() expects old and new strings")
			}
			old, new := args[0].String(), args[1].String()
			if len(args) >= 3 {
				n, ok := asInt(args[2])
				if !ok {
					return nil, runtimeErrorf("replace() count must be an integer")
				}
				return StringValue(strings.Replace(s, old, new, int(n))), nil
			}
			return StringValue(strings.ReplaceAll(s, old, new)), nil
		}), true
	case "startswith":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) < 1 {
				return nil, runtimeErrorf("startswith() expects a prefix")
			}
			return BoolValue(strings.HasPrefix(s, args[0].String())), nil
		}), true
	case "endswith":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) < 1 {
				return nil, runtimeErrorf("endswith() expects a suffix")
			}
			return BoolValue(strings.HasSuffix(s, args[0].String())), nil
		}), true
	case "join":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) < 1 {
				return nil, runtimeErrorf("join() expects an iterable")
			}
			items, err := iterateValue(args[0])
			if err != nil {
				return nil, err
			}
			parts := make([]string, 0, len(items))
			for _, it := range items {
				parts = append(parts, it.String())
			}
			return StringValue(strings.Join(parts, s)), nil
		}), true
	}
	return nil, false
}

func dictMethod(d DictValue, name string) (Value, bool) {
	switch name {
	case "keys":
		return boundMethod(name, func(args []Value) (Value, error) {
			keys := d.sortedKeys()
			out := make(ListValue, 0, len(keys))
			for _, k := range keys {
				out = append(out, StringValue(k))
			}
			return out, nil
		}), true
	case "values":
		return boundMethod(name, func(args []Value) (Value, error) {
			keys := d.sortedKeys()
			out := make(ListValue, 0, len(keys))
			for _, k := range keys {
				out = append(out, d[k])
			}
			return out, nil
		}), true
	case "items":
		return boundMethod(name, func(args []Value) (Value, error) {
			keys := d.sortedKeys()
			out := make(ListValue, 0, len(keys))
			for _, k := range keys {
				out = append(out, ListValue{StringValue(k), d[k]})
			}
			return out, nil
		}), true
	case "get":
		return boundMethod(name, func(args []Value) (Value, error) {
			if len(args) < 1 {
				return nil, runtimeErrorf("get() expects a key")
			}
			if v, ok := d[args[0].String()]; ok {
				return v, nil
			}
			if len(args) >= 2 {
				return args[1], nil
			}
			return NoneValue{}, nil
		}), true
	}
	return nil, false
}

// titleCase uppercases the first letter of each word and lowercases the
// rest, treating any non-letter as a word boundary.
func titleCase(s string) string {
	var b strings.Builder
	startWord := true
	for _, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
		switch {
		case !isLetter:
			b.WriteRune(r)
			startWord = true
		case startWord:
			b.WriteString(strings.ToUpper(string(r)))
			startWord = false
		default:
			b.WriteString(strings.ToLower(string(r)))
		}
	}
	return b.String()
}
