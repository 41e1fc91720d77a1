package chervil

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// FilterFunc transforms a value. args carries the positional arguments
// (the colon form supplies at most one), kwargs the keyword arguments
// from the parenthesized call form.
type FilterFunc func(val Value, args []Value, kwargs map[string]Value) (Value, error)

// TestFunc reports whether a value passes a test.
type TestFunc func(val Value, args []Value) (bool, error)

// argValue fetches the i-th positional argument, falling back to the
// keyword with the given name.
func argValue(args []Value, kwargs map[string]Value, i int, name string) (Value, bool) {
	if i < len(args) {
		return args[i], true
	}
	if v, ok := kwargs[name]; ok {
		return v, true
	}
	return nil, false
}

func argIntValue(args []Value, kwargs map[string]Value, i int, name string, def int64) (int64, error) {
	v, ok := argValue(args, kwargs, i, name)
	if !ok {
		return def, nil
	}
	n, ok := coerceInt(v)
	if !ok {
		return 0, fmt.Errorf("argument %s must be an integer, got %s", name, typeName(v))
	}
	return n, nil
}

func argStringValue(args []Value, kwargs map[string]Value, i int, name, def string) string {
	if v, ok := argValue(args, kwargs, i, name); ok {
		return v.String()
	}
	return def
}

// coerceInt is the permissive integer coercion used by numeric filters:
// numeric strings count as numbers, as they do for Django's add.
func coerceInt(v Value) (int64, bool) {
	if n, ok := asInt(v); ok {
		return n, true
	}
	if s, ok := stringOf(v); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func coerceFloat(v Value) (float64, bool) {
	if f, ok := asFloat(v); ok {
		return f, true
	}
	if s, ok := stringOf(v); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func defaultFilters() map[string]FilterFunc {
	m := map[string]FilterFunc{
		"upper": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return StringValue(strings.ToUpper(val.String())), nil
		},
		"lower": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return StringValue(strings.ToLower(val.String())), nil
		},
		"capitalize": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			s := val.String()
			if s == "" {
				return StringValue(""), nil
			}
			runes := []rune(strings.ToLower(s))
			return StringValue(strings.ToUpper(string(runes[0])) + string(runes[1:])), nil
		},
		"capfirst": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			s := val.String()
			if s == "" {
				return StringValue(""), nil
			}
			runes := []rune(s)
			return StringValue(strings.ToUpper(string(runes[0])) + string(runes[1:])), nil
		},
		"trim": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if len(args) > 0 {
				return StringValue(strings.Trim(val.String(), args[0].String())), nil
			}
			return StringValue(strings.TrimSpace(val.String())), nil
		},
		"length": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			n, err := valueLength(val)
			if err != nil {
				return nil, err
			}
			return IntValue(n), nil
		},
		"first": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return UndefinedValue{}, nil
			}
			return items[0], nil
		},
		"last": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return UndefinedValue{}, nil
			}
			return items[len(items)-1], nil
		},
		"join": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			sep := argStringValue(args, kwargs, 0, "d", "")
			parts := make([]string, 0, len(items))
			for _, it := range items {
				parts = append(parts, it.String())
			}
			return StringValue(strings.Join(parts, sep)), nil
		},
		"default": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			fallback, ok := argValue(args, kwargs, 0, "default_value")
			if !ok {
				fallback = StringValue("")
			}
			boolMode := false
			if b, ok := argValue(args, kwargs, 1, "boolean"); ok {
				boolMode = b.Truth()
			}
			if isUndefined(val) || (boolMode && !val.Truth()) {
				return fallback, nil
			}
			return val, nil
		},
		"default_if_none": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if _, isNone := val.(NoneValue); isNone {
				if fb, ok := argValue(args, kwargs, 0, "default_value"); ok {
					return fb, nil
				}
				return StringValue(""), nil
			}
			return val, nil
		},
		"safe": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return SafeValue(val.String()), nil
		},
		"escape": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return escapeValue(val), nil
		},
		"forceescape": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return escapeValue(StringValue(val.String())), nil
		},
		"abs": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			switch t := val.(type) {
			case IntValue:
				if t < 0 {
					return -t, nil
				}
				return t, nil
			case FloatValue:
				return FloatValue(math.Abs(float64(t))), nil
			}
			return nil, fmt.Errorf("abs expects a number, got %s", typeName(val))
		},
		"round": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			f, ok := coerceFloat(val)
			if !ok {
				return nil, fmt.Errorf("round expects a number, got %s", typeName(val))
			}
			precision, err := argIntValue(args, kwargs, 0, "precision", 0)
			if err != nil {
				return nil, err
			}
			method := argStringValue(args, kwargs, 1, "method", "common")
			scale := math.Pow(10, float64(precision))
			switch method {
			case "common":
				return FloatValue(math.Round(f*scale) / scale), nil
			case "ceil":
				return FloatValue(math.Ceil(f*scale) / scale), nil
			case "floor":
				return FloatValue(math.Floor(f*scale) / scale), nil
			}
			return nil, fmt.Errorf("round method must be common, ceil or floor")
		},
		"int": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if n, ok := coerceInt(val); ok {
				return IntValue(n), nil
			}
			if f, ok := coerceFloat(val); ok {
				return IntValue(int64(f)), nil
			}
			def, err := argIntValue(args, kwargs, 0, "default", 0)
			if err != nil {
				return nil, err
			}
			return IntValue(def), nil
		},
		"float": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if f, ok := coerceFloat(val); ok {
				return FloatValue(f), nil
			}
			if d, ok := argValue(args, kwargs, 0, "default"); ok {
				if f, ok := coerceFloat(d); ok {
					return FloatValue(f), nil
				}
			}
			return FloatValue(0), nil
		},
		"floatformat": filterFloatformat,
		"add": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			arg, ok := argValue(args, kwargs, 0, "arg")
			if !ok {
				return nil, fmt.Errorf("add expects an argument")
			}
			if ln, ok := coerceInt(val); ok {
				if rn, ok := coerceInt(arg); ok {
					return IntValue(ln + rn), nil
				}
			}
			if ll, ok := val.(ListValue); ok {
				if rl, ok := arg.(ListValue); ok {
					out := make(ListValue, 0, len(ll)+len(rl))
					out = append(out, ll...)
					return append(out, rl...), nil
				}
			}
			return StringValue(val.String() + arg.String()), nil
		},
		"cut": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			arg := argStringValue(args, kwargs, 0, "arg", "")
			return StringValue(strings.ReplaceAll(val.String(), arg, "")), nil
		},
		"replace": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("replace expects old and new strings")
			}
			return StringValue(strings.ReplaceAll(val.String(), args[0].String(), args[1].String())), nil
		},
		"title": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return StringValue(titleCase(val.String())), nil
		},
		"truncatechars": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			n, err := argIntValue(args, kwargs, 0, "arg", 0)
			if err != nil {
				return nil, err
			}
			runes := []rune(val.String())
			if int64(len(runes)) <= n {
				return StringValue(string(runes)), nil
			}
			if n < 1 {
				return StringValue("…"), nil
			}
			return StringValue(string(runes[:n-1]) + "…"), nil
		},
		"truncatewords": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			n, err := argIntValue(args, kwargs, 0, "arg", 0)
			if err != nil {
				return nil, err
			}
			words := strings.Fields(val.String())
			if int64(len(words)) <= n {
				return StringValue(strings.Join(words, " ")), nil
			}
			return StringValue(strings.Join(words[:n], " ") + " …"), nil
		},
		"wordcount": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			return IntValue(len(strings.Fields(val.String()))), nil
		},
		"wordwrap": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			width, err := argIntValue(args, kwargs, 0, "width", 79)
			if err != nil {
				return nil, err
			}
			return StringValue(wrapText(val.String(), int(width))), nil
		},
		"center": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			width, err := argIntValue(args, kwargs, 0, "width", 80)
			if err != nil {
				return nil, err
			}
			s := val.String()
			pad := int(width) - len([]rune(s))
			if pad <= 0 {
				return StringValue(s), nil
			}
			left := pad / 2
			return StringValue(strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)), nil
		},
		"ljust": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			width, err := argIntValue(args, kwargs, 0, "width", 0)
			if err != nil {
				return nil, err
			}
			s := val.String()
			if pad := int(width) - len([]rune(s)); pad > 0 {
				s += strings.Repeat(" ", pad)
			}
			return StringValue(s), nil
		},
		"rjust": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			width, err := argIntValue(args, kwargs, 0, "width", 0)
			if err != nil {
				return nil, err
			}
			s := val.String()
			if pad := int(width) - len([]rune(s)); pad > 0 {
				s = strings.Repeat(" ", pad) + s
			}
			return StringValue(s), nil
		},
		"list": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			return ListValue(items), nil
		},
		"reverse": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			if s, ok := stringOf(val); ok {
				runes := []rune(s)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return StringValue(string(runes)), nil
			}
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			out := make(ListValue, len(items))
			for i, it := range items {
				out[len(items)-1-i] = it
			}
			return out, nil
		},
		"sort":     filterSort,
		"dictsort": filterDictsort,
		"sum": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			var fsum float64
			var isum int64
			allInt := true
			for _, it := range items {
				if n, ok := it.(IntValue); ok {
					isum += int64(n)
					fsum += float64(n)
					continue
				}
				f, ok := asFloat(it)
				if !ok {
					return nil, fmt.Errorf("sum expects numbers, got %s", typeName(it))
				}
				allInt = false
				fsum += f
			}
			if start, ok := argValue(args, kwargs, 0, "start"); ok {
				if n, ok := start.(IntValue); ok {
					isum += int64(n)
					fsum += float64(n)
				} else if f, ok := asFloat(start); ok {
					allInt = false
					fsum += f
				}
			}
			if allInt {
				return IntValue(isum), nil
			}
			return FloatValue(fsum), nil
		},
		"slice":  filterSlice,
		"random": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			items, err := iterateValue(val)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return UndefinedValue{}, nil
			}
			return items[rand.Intn(len(items))], nil
		},
		"attr": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			name := argStringValue(args, kwargs, 0, "name", "")
			return lookupAttr(val, name), nil
		},
		"batch": filterBatch,
		"pluralize": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			singular, plural := "", "s"
			if arg := argStringValue(args, kwargs, 0, "arg", ""); arg != "" {
				if i := strings.IndexByte(arg, ','); i >= 0 {
					singular, plural = arg[:i], arg[i+1:]
				} else {
					plural = arg
				}
			}
			n, ok := coerceInt(val)
			if !ok {
				if items, err := iterateValue(val); err == nil {
					n = int64(len(items))
					ok = true
				}
			}
			if ok && n == 1 {
				return StringValue(singular), nil
			}
			return StringValue(plural), nil
		},
		"yesno": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			parts := strings.Split(argStringValue(args, kwargs, 0, "arg", "yes,no,maybe"), ",")
			if len(parts) < 2 {
				return nil, fmt.Errorf("yesno expects at least two comma-separated values")
			}
			if _, isNone := val.(NoneValue); isNone && len(parts) >= 3 {
				return StringValue(parts[2]), nil
			}
			if val.Truth() {
				return StringValue(parts[0]), nil
			}
			return StringValue(parts[1]), nil
		},
		"stringformat": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			verb := argStringValue(args, kwargs, 0, "arg", "s")
			return StringValue(applyVerb(verb, val)), nil
		},
		"get_digit": func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
			pos, err := argIntValue(args, kwargs, 0, "arg", 0)
			if err != nil || pos < 1 {
				return val, nil
			}
			n, ok := coerceInt(val)
			if !ok {
				return val, nil
			}
			digits := strconv.FormatInt(n, 10)
			if int(pos) > len(digits) {
				return IntValue(0), nil
			}
			d := digits[len(digits)-int(pos)]
			if d < '0' || d > '9' {
				return IntValue(0), nil
			}
			return IntValue(int64(d - '0')), nil
		},
	}
	addFormatFilters(m)
	addDateFilters(m)
	return m
}

func filterFloatformat(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	f, ok := coerceFloat(val)
	if !ok {
		return StringValue(""), nil
	}
	n, err := argIntValue(args, kwargs, 0, "arg", -1)
	if err != nil {
		return nil, err
	}
	digits := n
	if digits < 0 {
		digits = -digits
	}
	s := strconv.FormatFloat(f, 'f', int(digits), 64)
	// A negative precision drops the decimals when the rounded value is
	// integral, so -1 turns 34.00001 into "34" but 34.26 into "34.3".
	if n < 0 {
		if parsed, perr := strconv.ParseFloat(s, 64); perr == nil && parsed == math.Trunc(parsed) {
			s = strconv.FormatFloat(parsed, 'f', 0, 64)
		}
	}
	return StringValue(s), nil
}

func filterSort(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	items, err := iterateValue(val)
	if err != nil {
		return nil, err
	}
	reverse := false
	if v, ok := argValue(args, kwargs, 0, "reverse"); ok {
		reverse = v.Truth()
	}
	attribute := ""
	if v, ok := argValue(args, kwargs, 1, "attribute"); ok {
		attribute = v.String()
	}
	keyOf := func(v Value) Value {
		if attribute == "" {
			return v
		}
		cur := v
		for _, part := range strings.Split(attribute, ".") {
			cur = lookupAttr(cur, part)
		}
		return cur
	}
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		c, err := compareValues(keyOf(items[i]), keyOf(items[j]))
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return ListValue(items), nil
}

func filterDictsort(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	key := argStringValue(args, kwargs, 0, "arg", "")
	items, err := iterateValue(val)
	if err != nil {
		return nil, err
	}
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if key != "" {
			a, b = lookupAttr(a, key), lookupAttr(b, key)
		}
		c, err := compareValues(a, b)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return ListValue(items), nil
}

// filterSlice implements Python slice syntax over lists and strings:
// ":2", "1:", "1:4", "::2".
func filterSlice(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	spec := argStringValue(args, kwargs, 0, "arg", "")
	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("bad slice %q", spec)
	}
	parse := func(s string, def int) (int, error) {
		if strings.TrimSpace(s) == "" {
			return def, nil
		}
		return strconv.Atoi(strings.TrimSpace(s))
	}

	isString := false
	var items []Value
	if s, ok := stringOf(val); ok {
		isString = true
		items = iterateString(s)
	} else {
		var err error
		items, err = iterateValue(val)
		if err != nil {
			return nil, err
		}
	}

	start, stop, step := 0, len(items), 1
	var err error
	switch len(parts) {
	case 1:
		if stop, err = parse(parts[0], len(items)); err != nil {
			return nil, fmt.Errorf("bad slice %q", spec)
		}
	default:
		if start, err = parse(parts[0], 0); err != nil {
			return nil, fmt.Errorf("bad slice %q", spec)
		}
		if stop, err = parse(parts[1], len(items)); err != nil {
			return nil, fmt.Errorf("bad slice %q", spec)
		}
		if len(parts) == 3 {
			if step, err = parse(parts[2], 1); err != nil || step <= 0 {
				return nil, fmt.Errorf("bad slice %q", spec)
			}
		}
	}
	if start < 0 {
		start += len(items)
	}
	if stop < 0 {
		stop += len(items)
	}
	start = max(0, min(start, len(items)))
	stop = max(0, min(stop, len(items)))

	var out ListValue
	for i := start; i < stop; i += step {
		out = append(out, items[i])
	}
	if isString {
		var b strings.Builder
		for _, it := range out {
			b.WriteString(it.String())
		}
		return StringValue(b.String()), nil
	}
	return out, nil
}

func filterBatch(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	size, err := argIntValue(args, kwargs, 0, "linecount", 0)
	if err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	fill, hasFill := argValue(args, kwargs, 1, "fill_with")
	items, err := iterateValue(val)
	if err != nil {
		return nil, err
	}
	var out ListValue
	for start := 0; start < len(items); start += int(size) {
		end := min(start+int(size), len(items))
		row := make(ListValue, 0, size)
		row = append(row, items[start:end]...)
		if hasFill {
			for len(row) < int(size) {
				row = append(row, fill)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// applyVerb formats a value with a single Python-style % conversion.
func applyVerb(verb string, val Value) string {
	if verb == "" {
		return val.String()
	}
	switch verb[len(verb)-1] {
	case 'd', 'x', 'X', 'o', 'b':
		if n, ok := coerceInt(val); ok {
			return fmt.Sprintf("%"+verb, n)
		}
	case 'f', 'e', 'E', 'g', 'G':
		if f, ok := coerceFloat(val); ok {
			return fmt.Sprintf("%"+verb, f)
		}
	case 's':
		return fmt.Sprintf("%"+verb, val.String())
	}
	return fmt.Sprintf("%"+verb, ToGo(val))
}

func wrapText(s string, width int) string {
	if width < 1 {
		return s
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			out = append(out, line)
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if len(cur)+1+len(w) > width {
				out = append(out, cur)
				cur = w
				continue
			}
			cur += " " + w
		}
		out = append(out, cur)
	}
	return strings.Join(out, "\n")
}
