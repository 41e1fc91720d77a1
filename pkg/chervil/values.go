package chervil

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// Value is an abstract value used by the template evaluator, inspired by
// Starlark. It defines string conversion and truthiness semantics.
type Value interface {
	String() string
	Truth() bool
}

// LookupHook can be optionally implemented by Value containers to serve
// attribute/key lookups performed by the evaluator. It takes precedence
// over the built-in dict and method lookup.
type LookupHook interface {
	OnLookup(key string) (Value, bool)
}

// SetHook can be optionally implemented by Value containers to accept
// attribute assignments from {% set target.attr = ... %} statements.
type SetHook interface {
	OnSet(name string, val Value) error
}

// CallableValue wraps a callable function that can be invoked from
// templates. It is used to model function values, methods, and macros
// produced by the compiler.
type CallableValue struct {
	Name string
	Fn   func(args []Value, kwargs map[string]Value) (Value, error)
}

func (c CallableValue) String() string { return "<function>" }
func (c CallableValue) Truth() bool    { return true }

// NoneValue represents the absence of a value.
type NoneValue struct{}

func (NoneValue) String() string { return "" }
func (NoneValue) Truth() bool    { return false }

// UndefinedValue is the sentinel for missing names and missing attributes.
// It renders as the empty string, is falsy, and propagates through lookups
// and arithmetic instead of failing the render. Name records what was
// looked up, for diagnostics.
type UndefinedValue struct {
	Name string
}

func (UndefinedValue) String() string { return "" }
func (UndefinedValue) Truth() bool    { return false }

// BoolValue wraps a boolean.
type BoolValue bool

func (b BoolValue) String() string {
	if b {
		return "true"
	}
	return "false"
}
func (b BoolValue) Truth() bool { return bool(b) }

// IntValue wraps an integer (64-bit).
type IntValue int64

func (i IntValue) String() string { return strconv.FormatInt(int64(i), 10) }
func (i IntValue) Truth() bool    { return int64(i) != 0 }

// FloatValue wraps a float (64-bit). It renders with the fewest digits
// that round-trip, so 2.0 prints as "2" and 2.5 as "2.5".
type FloatValue float64

func (f FloatValue) String() string {
	return strconv.FormatFloat(float64(f), 'f', -1, 64)
}
func (f FloatValue) Truth() bool { return float64(f) != 0 }

// StringValue wraps a plain string, subject to autoescaping on output.
type StringValue string

func (s StringValue) String() string { return string(s) }
func (s StringValue) Truth() bool    { return len(string(s)) > 0 }

// SafeValue wraps a string that has been marked safe for HTML output.
// Autoescaping and the escape filter pass it through untouched, which is
// what prevents double-escaping.
type SafeValue string

func (s SafeValue) String() string { return string(s) }
func (s SafeValue) Truth() bool    { return len(string(s)) > 0 }

// TimeValue wraps a point in time for the date filters and {% now %}.
type TimeValue time.Time

func (t TimeValue) String() string { return time.Time(t).Format("2006-01-02 15:04:05") }
func (t TimeValue) Truth() bool    { return !time.Time(t).IsZero() }

// ListValue wraps a list of values.
type ListValue []Value

func (l ListValue) String() string {
	out := ""
	for i, v := range l {
		if i > 0 {
			out += " "
		}
		out += v.String()
	}
	return out
}
func (l ListValue) Truth() bool { return len(l) > 0 }

// DictValue wraps a string-keyed dictionary of values.
type DictValue map[string]Value

func (d DictValue) String() string { return "{...}" }
func (d DictValue) Truth() bool    { return len(d) > 0 }

// sortedKeys returns the dict's keys in lexical order. Iteration over
// dicts always uses this order so renders are deterministic.
func (d DictValue) sortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Context carries the top-level variables for a render.
type Context map[string]Value

// NamespaceValue is a mutable attribute container, created by the
// namespace() global. Unlike every other value it may be written to during
// a render, via {% set ns.attr = ... %}.
type NamespaceValue struct {
	attrs map[string]Value
}

// NewNamespace returns a namespace pre-populated from kwargs.
func NewNamespace(kwargs map[string]Value) *NamespaceValue {
	ns := &NamespaceValue{attrs: map[string]Value{}}
	for k, v := range kwargs {
		ns.attrs[k] = v
	}
	return ns
}

func (n *NamespaceValue) String() string { return "<namespace>" }
func (n *NamespaceValue) Truth() bool    { return true }

// OnLookup implements LookupHook.
func (n *NamespaceValue) OnLookup(key string) (Value, bool) {
	v, ok := n.attrs[key]
	return v, ok
}

// OnSet implements SetHook.
func (n *NamespaceValue) OnSet(name string, val Value) error {
	n.attrs[name] = val
	return nil
}

// NewContextFromAny converts a map[string]any into a Value-based Context.
// It recursively converts nested maps/slices into DictValue/ListValue.
func NewContextFromAny(m map[string]any) Context {
	ctx := Context{}
	for k, v := range m {
		ctx[k] = FromGo(v)
	}
	return ctx
}

// FromGo converts a Go value to a Value.
func FromGo(v any) Value {
	if v == nil {
		return NoneValue{}
	}
	switch t := v.(type) {
	case Value:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case []byte:
		return StringValue(string(t))
	case time.Time:
		return TimeValue(t)
	case []any:
		out := make(ListValue, 0, len(t))
		for _, e := range t {
			out = append(out, FromGo(e))
		}
		return out
	case map[string]any:
		out := DictValue{}
		for k, e := range t {
			out[k] = FromGo(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make(ListValue, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, FromGo(rv.Index(i).Interface()))
		}
		return out
	case reflect.Map:
		// Only support string keys for simplicity
		if rv.Type().Key().Kind() == reflect.String {
			out := DictValue{}
			it := rv.MapRange()
			for it.Next() {
				out[it.Key().Interface().(string)] = FromGo(it.Value().Interface())
			}
			return out
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return NoneValue{}
		}
		return FromGo(rv.Elem().Interface())
	}
	// Fallback: string formatting
	return StringValue(fmt.Sprintf("%v", v))
}

// ToGo converts a Value back into plain Go data. Callables convert to nil.
func ToGo(v Value) any {
	switch t := v.(type) {
	case nil, NoneValue, UndefinedValue:
		return nil
	case BoolValue:
		return bool(t)
	case IntValue:
		return int64(t)
	case FloatValue:
		return float64(t)
	case StringValue:
		return string(t)
	case SafeValue:
		return string(t)
	case TimeValue:
		return time.Time(t)
	case ListValue:
		out := make([]any, 0, len(t))
		for _, e := range t {
			out = append(out, ToGo(e))
		}
		return out
	case DictValue:
		out := map[string]any{}
		for k, e := range t {
			out[k] = ToGo(e)
		}
		return out
	case *NamespaceValue:
		out := map[string]any{}
		for k, e := range t.attrs {
			out[k] = ToGo(e)
		}
		return out
	default:
		return nil
	}
}

// iterateValue converts a Value into a []Value for iteration semantics.
// Strings yield their runes, dicts their keys in sorted order, and
// undefined/none yield nothing.
func iterateValue(v Value) ([]Value, error) {
	switch t := v.(type) {
	case NoneValue, UndefinedValue:
		return nil, nil
	case StringValue:
		return iterateString(string(t)), nil
	case SafeValue:
		return iterateString(string(t)), nil
	case ListValue:
		// Copy to avoid mutating underlying array
		out := make([]Value, len(t))
		copy(out, t)
		return out, nil
	case DictValue:
		keys := t.sortedKeys()
		out := make([]Value, 0, len(keys))
		for _, k := range keys {
			out = append(out, StringValue(k))
		}
		return out, nil
	}
	return nil, runtimeErrorf("not iterable: %s", typeName(v))
}

func iterateString(s string) []Value {
	var out []Value
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		out = append(out, StringValue(string(r)))
	}
	return out
}

// typeName reports a template-facing type name for error messages.
func typeName(v Value) string {
	switch v.(type) {
	case nil, NoneValue:
		return "none"
	case UndefinedValue:
		return "undefined"
	case BoolValue:
		return "bool"
	case IntValue:
		return "int"
	case FloatValue:
		return "float"
	case StringValue, SafeValue:
		return "string"
	case TimeValue:
		return "datetime"
	case ListValue:
		return "list"
	case DictValue:
		return "dict"
	case *NamespaceValue:
		return "namespace"
	case CallableValue:
		return "function"
	default:
		return fmt.Sprintf("%T", v)
	}
}
