// Package chervil implements a Jinja-style template engine with Django
// template language extensions. Templates are lexed and parsed into a
// typed tree, then either rendered directly by a tree-walking
// interpreter or flattened and compiled ahead of time into a closure
// tree. Both paths produce byte-identical output.
package chervil

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
)

// URLResolver turns a route name plus arguments into a URL path. The
// {% url %} tag delegates to it.
type URLResolver func(name string, args []Value, kwargs map[string]Value) (string, error)

// builtinFilters and builtinTests are the stock registries. Each
// Environment starts from a copy; the compiler inlines hot entries only
// while the environment still carries the stock implementation.
var (
	builtinFilters = defaultFilters()
	builtinTests   = defaultTests()
)

// Environment owns the filter and test registries, the loader, the
// globals, and the compiled-template cache. It is safe for concurrent
// use once constructed; registration and rendering may interleave.
type Environment struct {
	mu           sync.RWMutex
	loader       Loader
	autoescape   bool
	filters      map[string]FilterFunc
	tests        map[string]TestFunc
	filterDirty  map[string]bool
	testDirty    map[string]bool
	globals      Context
	urlResolver  URLResolver
	staticPrefix string
	maxDepth     int
	logger       *slog.Logger
	cache        *templateCache
}

// Option configures an Environment at construction time.
type Option func(*Environment)

// WithLoader sets the template loader used by extends, include, and
// name-based rendering.
func WithLoader(l Loader) Option {
	return func(env *Environment) { env.loader = l }
}

// WithAutoescape sets the initial autoescape mode. It defaults to on.
func WithAutoescape(on bool) Option {
	return func(env *Environment) { env.autoescape = on }
}

// WithCacheSize sets the template cache capacity. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(env *Environment) { env.cache = newTemplateCache(n) }
}

// WithLogger sets the structured logger used for cache and watcher events.
func WithLogger(l *slog.Logger) Option {
	return func(env *Environment) { env.logger = l }
}

// WithGlobals merges variables into the environment globals, visible to
// every render beneath the per-render context.
func WithGlobals(g Context) Option {
	return func(env *Environment) {
		for k, v := range g {
			env.globals[k] = v
		}
	}
}

// WithURLResolver sets the resolver backing the {% url %} tag.
func WithURLResolver(r URLResolver) Option {
	return func(env *Environment) { env.urlResolver = r }
}

// WithStaticPrefix sets the prefix joined by the {% static %} tag.
func WithStaticPrefix(p string) Option {
	return func(env *Environment) { env.staticPrefix = p }
}

// WithMaxDepth bounds include nesting, macro recursion, and inheritance
// chain length.
func WithMaxDepth(n int) Option {
	return func(env *Environment) { env.maxDepth = n }
}

// New builds an Environment with the default filters, tests, and
// globals installed.
func New(opts ...Option) *Environment {
	filters := make(map[string]FilterFunc, len(builtinFilters))
	for k, v := range builtinFilters {
		filters[k] = v
	}
	tests := make(map[string]TestFunc, len(builtinTests))
	for k, v := range builtinTests {
		tests[k] = v
	}
	env := &Environment{
		autoescape:  true,
		filters:     filters,
		tests:       tests,
		filterDirty: map[string]bool{},
		testDirty:   map[string]bool{},
		globals:     Context{},
		maxDepth:    50,
		logger:      slog.Default(),
		cache:       newTemplateCache(128),
	}
	installGlobals(env.globals)
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// RegisterFilter adds or replaces a filter. Overriding a stock filter
// also disables its compiled fast path.
func (env *Environment) RegisterFilter(name string, fn FilterFunc) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.filters[name] = fn
	env.filterDirty[name] = true
}

// RegisterTest adds or replaces a test.
func (env *Environment) RegisterTest(name string, fn TestFunc) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.tests[name] = fn
	env.testDirty[name] = true
}

func (env *Environment) filterOverridden(name string) bool {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.filterDirty[name]
}

func (env *Environment) testOverridden(name string) bool {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.testDirty[name]
}

// SetGlobal binds a variable visible to every render.
func (env *Environment) SetGlobal(name string, v Value) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.globals[name] = v
}

func (env *Environment) filter(name string) (FilterFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.filters[name]
	return fn, ok
}

func (env *Environment) test(name string) (TestFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.tests[name]
	return fn, ok
}

// FilterNames lists the registered filters in lexical order.
func (env *Environment) FilterNames() []string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	names := make([]string, 0, len(env.filters))
	for name := range env.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestNames lists the registered tests in lexical order.
func (env *Environment) TestNames() []string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	names := make([]string, 0, len(env.tests))
	for name := range env.tests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (env *Environment) filterNames() []string { return env.FilterNames() }
func (env *Environment) testNames() []string   { return env.TestNames() }

// FromString parses template source without touching the loader or the
// cache.
func (env *Environment) FromString(source string) (*Template, error) {
	return ParseNamed("<string>", source)
}

// GetTemplate loads and parses a template by name, consulting the cache.
func (env *Environment) GetTemplate(name string) (*Template, error) {
	return env.loadTemplate(name)
}

func (env *Environment) loadTemplate(name string) (*Template, error) {
	if entry, ok := env.cache.get(name); ok {
		return entry.tpl, nil
	}
	if env.loader == nil {
		return nil, runtimeErrorf("no template loader configured, cannot load %q", name)
	}
	src, err := env.loader.Load(name)
	if err != nil {
		return nil, err
	}
	tpl, err := ParseNamed(name, src)
	if err != nil {
		return nil, err
	}
	env.cache.put(name, &cacheEntry{name: name, tpl: tpl})
	return tpl, nil
}

// Render loads a template by name and renders it with ctx.
func (env *Environment) Render(name string, ctx Context) (string, error) {
	tpl, err := env.GetTemplate(name)
	if err != nil {
		return "", err
	}
	return env.RenderTemplate(tpl, ctx)
}

// RenderString parses and renders source in one step.
func (env *Environment) RenderString(source string, ctx Context) (string, error) {
	tpl, err := env.FromString(source)
	if err != nil {
		return "", err
	}
	return env.RenderTemplate(tpl, ctx)
}

// RenderTemplate renders a parsed template with the tree-walking
// interpreter.
func (env *Environment) RenderTemplate(tpl *Template, ctx Context) (string, error) {
	r := env.newRenderer(ctx)
	var buf bytes.Buffer
	if err := r.renderTemplate(&buf, tpl); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CacheStats returns a snapshot of the template cache counters.
func (env *Environment) CacheStats() CacheStats {
	return env.cache.stats()
}

// ClearCache drops every cached template.
func (env *Environment) ClearCache() {
	env.cache.clear()
	env.logger.Debug("template cache cleared")
}

// installGlobals binds the callable builtins available to all templates.
func installGlobals(g Context) {
	g["range"] = CallableValue{
		Name: "range",
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			var start, stop, step int64 = 0, 0, 1
			switch len(args) {
			case 1:
				n, ok := asInt(args[0])
				if !ok {
					return nil, runtimeErrorf("range expects integers")
				}
				stop = n
			case 2, 3:
				a, ok1 := asInt(args[0])
				b, ok2 := asInt(args[1])
				if !ok1 || !ok2 {
					return nil, runtimeErrorf("range expects integers")
				}
				start, stop = a, b
				if len(args) == 3 {
					s, ok := asInt(args[2])
					if !ok || s == 0 {
						return nil, runtimeErrorf("range step must be a non-zero integer")
					}
					step = s
				}
			default:
				return nil, runtimeErrorf("range expects 1 to 3 arguments, got %d", len(args))
			}
			var out ListValue
			if step > 0 {
				for i := start; i < stop; i += step {
					out = append(out, IntValue(i))
				}
			} else {
				for i := start; i > stop; i += step {
					out = append(out, IntValue(i))
				}
			}
			return out, nil
		},
	}
	g["dict"] = CallableValue{
		Name: "dict",
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			if len(args) > 0 {
				return nil, runtimeErrorf("dict takes keyword arguments only")
			}
			out := DictValue{}
			for k, v := range kwargs {
				out[k] = v
			}
			return out, nil
		},
	}
	g["namespace"] = CallableValue{
		Name: "namespace",
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			if len(args) > 0 {
				return nil, runtimeErrorf("namespace takes keyword arguments only")
			}
			return NewNamespace(kwargs), nil
		},
	}
	g["lipsum"] = CallableValue{
		Name: "lipsum",
		Fn: func(args []Value, kwargs map[string]Value) (Value, error) {
			n := int64(5)
			if v, ok := argValue(args, kwargs, 0, "n"); ok {
				parsed, ok := asInt(v)
				if !ok {
					return nil, runtimeErrorf("lipsum n must be an integer")
				}
				n = parsed
			}
			htmlOut := true
			if v, ok := argValue(args, kwargs, 1, "html"); ok {
				htmlOut = v.Truth()
			}
			if htmlOut {
				return SafeValue(loremText(int(n), "p", false)), nil
			}
			return StringValue(loremText(int(n), "b", false)), nil
		},
	}
}
