package chervil

import "fmt"

// TemplateString is a template carried inline in configuration files.
// It validates at load time and renders against an Environment later.
type TemplateString string

func (t TemplateString) String() string { return string(t) }

// Validate checks that the template parses.
func (t TemplateString) Validate() error {
	if _, err := Parse(string(t)); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// Render renders the template with ctx. A nil env renders with a fresh
// default environment.
func (t TemplateString) Render(env *Environment, ctx Context) (string, error) {
	if env == nil {
		env = New()
	}
	out, err := env.RenderString(string(t), ctx)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
