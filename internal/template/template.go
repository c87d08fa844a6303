// Package template renders the small `{{dotted.path}}` variable
// substitution language used for destination URLs, filesystem paths, and
// header values. No existing example repo pulls in text/template for this
// exact shape — the grammar has no control flow or includes and needs a
// literal-brace escape (`{{{` / `}}}`) text/template doesn't offer — so
// this is a hand-rolled scanner over the decoded variable map, generalizing
// the dotted-key-into-map lookup idiom runtime.Context.PayloadUUID uses for
// a single flat key into arbitrarily nested paths.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidTemplateVariableError is returned by Render when a `{{name}}`
// reference cannot be resolved against the supplied variables.
type InvalidTemplateVariableError struct {
	Name string
}

func (e InvalidTemplateVariableError) Error() string {
	return fmt.Sprintf("template: unresolved variable %q", e.Name)
}

// UnterminatedPlaceholderError is returned when a template opens `{{`
// without a matching `}}`.
type UnterminatedPlaceholderError struct {
	Template string
}

func (e UnterminatedPlaceholderError) Error() string {
	return fmt.Sprintf("template: unterminated placeholder in %q", e.Template)
}

// Engine renders templates against a variable map. It carries no state —
// every call is independent — but is a struct (rather than bare functions)
// to match the other components' constructor-returns-interface shape.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Render scans tmpl left to right, copying literal text through and
// replacing each `{{dotted.path}}` with its resolved value rendered via
// fmt.Sprint. `{{{` and `}}}` are literal-brace escapes: `{{{` emits a
// literal `{{` and `}}}` a literal `}}`.
func (e *Engine) Render(tmpl string, vars map[string]any) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{{") {
			out.WriteString("{{")
			i += 3
			continue
		}
		if strings.HasPrefix(tmpl[i:], "}}}") {
			out.WriteString("}}")
			i += 3
			continue
		}
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return "", UnterminatedPlaceholderError{Template: tmpl}
			}
			name := strings.TrimSpace(tmpl[i+2 : i+2+end])
			val, ok := lookup(vars, name)
			if !ok {
				return "", InvalidTemplateVariableError{Name: name}
			}
			out.WriteString(stringify(val))
			i += 2 + end + 2
			continue
		}
		out.WriteByte(tmpl[i])
		i++
	}
	return out.String(), nil
}

// Validate reports whether every `{{...}}` reference in tmpl is
// syntactically well-formed, without requiring a variable map — used by
// Schedule/Destination config validation before any job ever renders it.
func (e *Engine) Validate(tmpl string) error {
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{{") || strings.HasPrefix(tmpl[i:], "}}}") {
			i += 3
			continue
		}
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return UnterminatedPlaceholderError{Template: tmpl}
			}
			i += 2 + end + 2
			continue
		}
		i++
	}
	return nil
}

// lookup resolves a dotted path ("output.result.url") into vars, indexing
// into nested map[string]any values one segment at a time.
func lookup(vars map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
