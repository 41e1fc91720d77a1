package chervil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	tagPattern       = regexp.MustCompile(`<[^>]*?>`)
	paragraphPattern = regexp.MustCompile(`\n{2,}`)
	urlPattern       = regexp.MustCompile(`(https?://[^\s<]+)|(www\.[^\s<]+)|([\w.+-]+@[\w-]+(\.[\w-]+)+)`)
)

var markdownConverter = goldmark.New()

var englishPrinter = message.NewPrinter(language.English)

func addFormatFilters(m map[string]FilterFunc) {
	m["striptags"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		return StringValue(tagPattern.ReplaceAllString(val.String(), "")), nil
	}
	m["linebreaks"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		text := normalizeNewlines(escapeValue(val).String())
		paras := paragraphPattern.Split(text, -1)
		out := make([]string, 0, len(paras))
		for _, p := range paras {
			out = append(out, "<p>"+strings.ReplaceAll(p, "\n", "<br>")+"</p>")
		}
		return SafeValue(strings.Join(out, "\n\n")), nil
	}
	m["linebreaksbr"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		text := normalizeNewlines(escapeValue(val).String())
		return SafeValue(strings.ReplaceAll(text, "\n", "<br>")), nil
	}
	m["urlize"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		return SafeValue(urlize(val.String(), 0)), nil
	}
	m["urlizetrunc"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		limit, err := argIntValue(args, kwargs, 0, "arg", 0)
		if err != nil {
			return nil, err
		}
		return SafeValue(urlize(val.String(), int(limit))), nil
	}
	m["tojson"] = filterToJSON
	m["json"] = filterToJSON
	m["markdown"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		var buf bytes.Buffer
		if err := markdownConverter.Convert([]byte(val.String()), &buf); err != nil {
			return nil, fmt.Errorf("markdown: %v", err)
		}
		return SafeValue(buf.String()), nil
	}
	m["filesizeformat"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		f, ok := coerceFloat(val)
		if !ok {
			return StringValue("0 bytes"), nil
		}
		return StringValue(filesizeString(f)), nil
	}
	m["intcomma"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		if n, ok := asInt(val); ok {
			return StringValue(englishPrinter.Sprintf("%d", n)), nil
		}
		s := val.String()
		intPart, rest := s, ""
		if i := strings.IndexByte(s, '.'); i >= 0 {
			intPart, rest = s[:i], s[i:]
		}
		if n, err := strconv.ParseInt(intPart, 10, 64); err == nil {
			return StringValue(englishPrinter.Sprintf("%d", n) + rest), nil
		}
		return StringValue(s), nil
	}
	m["intword"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		n, ok := coerceInt(val)
		if !ok || n < 1000000 {
			return val, nil
		}
		switch {
		case n < 1000000000:
			return StringValue(fmt.Sprintf("%.1f million", float64(n)/1e6)), nil
		case n < 1000000000000:
			return StringValue(fmt.Sprintf("%.1f billion", float64(n)/1e9)), nil
		default:
			return StringValue(fmt.Sprintf("%.1f trillion", float64(n)/1e12)), nil
		}
	}
	m["apnumber"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		n, ok := coerceInt(val)
		if !ok || n < 1 || n > 9 {
			return val, nil
		}
		words := []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
		return StringValue(words[n-1]), nil
	}
	m["ordinal"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		n, ok := coerceInt(val)
		if !ok {
			return val, nil
		}
		suffix := ordinalSuffix(int(((n % 100) + 100) % 100))
		return StringValue(strconv.FormatInt(n, 10) + suffix), nil
	}
	m["slugify"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		return StringValue(slugify(val.String())), nil
	}
	m["urlencode"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		safe := argStringValue(args, kwargs, 0, "arg", "/")
		out := url.QueryEscape(val.String())
		out = strings.ReplaceAll(out, "+", "%20")
		for _, c := range safe {
			enc := fmt.Sprintf("%%%02X", c)
			out = strings.ReplaceAll(out, enc, string(c))
		}
		return StringValue(out), nil
	}
	m["addslashes"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		s := val.String()
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `'`, `\'`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		return StringValue(s), nil
	}
	m["escapejs"] = func(val Value, args []Value, kwargs map[string]Value) (Value, error) {
		return StringValue(escapeJS(val.String())), nil
	}
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func filterToJSON(val Value, args []Value, kwargs map[string]Value) (Value, error) {
	indent, err := argIntValue(args, kwargs, 0, "indent", 0)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if indent > 0 {
		enc.SetIndent("", strings.Repeat(" ", int(indent)))
	}
	if err := enc.Encode(ToGo(val)); err != nil {
		return nil, fmt.Errorf("tojson: %v", err)
	}
	out := strings.TrimRight(buf.String(), "\n")
	out = strings.ReplaceAll(out, "'", `'`)
	return SafeValue(out), nil
}

// urlize links URLs and email addresses in plain text. The surrounding
// text is escaped, so the result is safe to emit as-is. limit > 0
// truncates the visible link text.
func urlize(text string, limit int) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:loc[0]]))
		match := text[loc[0]:loc[1]]

		// Trailing punctuation belongs to the sentence, not the link.
		trimmed := strings.TrimRight(match, ".,:;!?)")
		tail := match[len(trimmed):]

		href := trimmed
		switch {
		case strings.HasPrefix(trimmed, "www."):
			href = "http://" + trimmed
		case strings.Contains(trimmed, "@") && !strings.Contains(trimmed, "://"):
			href = "mailto:" + trimmed
		}
		display := trimmed
		if limit > 0 && len(display) > limit {
			display = display[:limit] + "…"
		}
		fmt.Fprintf(&b, `<a href="%s" rel="nofollow">%s</a>`, html.EscapeString(href), html.EscapeString(display))
		b.WriteString(html.EscapeString(tail))
		last = loc[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}

func filesizeString(f float64) string {
	abs := math.Abs(f)
	const kb = 1024.0
	switch {
	case abs < kb:
		n := int64(f)
		if n == 1 || n == -1 {
			return fmt.Sprintf("%d byte", n)
		}
		return fmt.Sprintf("%d bytes", n)
	case abs < kb*kb:
		return fmt.Sprintf("%.1f KB", f/kb)
	case abs < kb*kb*kb:
		return fmt.Sprintf("%.1f MB", f/(kb*kb))
	case abs < kb*kb*kb*kb:
		return fmt.Sprintf("%.1f GB", f/(kb*kb*kb))
	case abs < kb*kb*kb*kb*kb:
		return fmt.Sprintf("%.1f TB", f/(kb*kb*kb*kb))
	default:
		return fmt.Sprintf("%.1f PB", f/(kb*kb*kb*kb*kb))
	}
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '_' || r == '\t' || r == '\n':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func escapeJS(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\`)
		case '\'':
			b.WriteString(`'`)
		case '"':
			b.WriteString(`"`)
		case '<':
			b.WriteString(`<`)
		case '>':
			b.WriteString(`>`)
		case '&':
			b.WriteString(`&`)
		case '=':
			b.WriteString(`=`)
		case '`':
			b.WriteString("`")
		case '\n':
			b.WriteString(`
`)
		case '\r':
			b.WriteString(``)
		case '\t':
			b.WriteString(`	`)
		case 0:
			b.WriteString("\x00")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
