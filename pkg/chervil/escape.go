package chervil

import "html"

// escapeValue HTML-escapes a value unless it is already marked safe. The
// result is safe, so escaping twice never double-encodes.
func escapeValue(v Value) Value {
	if s, ok := v.(SafeValue); ok {
		return s
	}
	return SafeValue(html.EscapeString(v.String()))
}

// outputString converts an evaluated expression into the text emitted for
// a {{ ... }} tag under the given autoescape mode.
func outputString(v Value, autoescape bool) string {
	if autoescape {
		return escapeValue(v).String()
	}
	return v.String()
}
