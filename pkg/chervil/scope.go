package chervil

// scope is an explicit chain of variable frames: globals at the bottom,
// the caller's context above it, then one frame per enclosing for/with/
// macro/block body. Lookups walk outward; sets write the innermost frame.
// The interpreter and the compiler share this model so a name resolves
// identically in both.
type scope struct {
	frames []Context
}

func newScope(frames ...Context) *scope {
	s := &scope{frames: make([]Context, 0, len(frames)+4)}
	for _, f := range frames {
		if f == nil {
			f = Context{}
		}
		s.frames = append(s.frames, f)
	}
	if len(s.frames) == 0 {
		s.frames = append(s.frames, Context{})
	}
	return s
}

func (s *scope) push() {
	s.frames = append(s.frames, Context{})
}

func (s *scope) pushFrame(f Context) {
	if f == nil {
		f = Context{}
	}
	s.frames = append(s.frames, f)
}

func (s *scope) pop() {
	s.frames = s.frames[:len(s.frames)-1]
}

func (s *scope) lookup(name string) (Value, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *scope) set(name string, v Value) {
	s.frames[len(s.frames)-1][name] = v
}

// capture snapshots the current chain for a macro closure. Frames are
// shared, not copied: a macro sees its definition environment.
func (s *scope) capture() []Context {
	out := make([]Context, len(s.frames))
	copy(out, s.frames)
	return out
}

// flatten merges the chain into a single Context, inner frames winning.
// Includes receive this as their starting context.
func (s *scope) flatten() Context {
	out := Context{}
	for _, f := range s.frames {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}
