// Package template implements the "${…}" substitutor: detecting
// unescaped placeholders, recognizing a whole-string single expression
// (which returns a native-typed Value instead of a string), scanning a
// string for one or more embedded expressions, and the four-step
// expression dispatch order (caster → JMESPath → nested template →
// JSON-Pointer fallback). Grounded on
// original_source/src/j_perm/handlers/template.py.
package template

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Caster converts a raw expression string's resolved pointer-or-literal
// value to another type, e.g. "${int:/count}".
type Caster func(v any) (any, error)

// Substitutor scans strings for "${…}" expressions and resolves them.
type Substitutor struct {
	Casters map[string]Caster
}

// New returns a Substitutor with the given registered casters (by name,
// e.g. "int", "float", "bool", "str" — see package construct's BuiltinCasters).
func New(casters map[string]Caster) *Substitutor {
	return &Substitutor{Casters: casters}
}

// HasUnescapedPlaceholder reports whether s contains a "${" not preceded by
// an escaping "$" (i.e. not part of "$${").
func HasUnescapedPlaceholder(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '{' {
			if i > 0 && s[i-1] == '$' {
				continue
			}
			return true
		}
	}
	return false
}

// IsSingleExpression reports whether s is, in its entirety, exactly one
// "${…}" expression with nothing before or after it — the case where
// substitution should return the expression's native-typed value instead
// of a string.
func IsSingleExpression(s string) (expr string, ok bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 && i != len(s)-1 {
				return "", false
			}
		}
	}
	if depth != 0 {
		return "", false
	}
	return s[2 : len(s)-1], true
}

// Substitute expands every "${…}" expression embedded in s. If s is a
// single whole-string expression, the expression's resolved Value is
// returned as-is (any type); otherwise every expression is stringified and
// spliced into the surrounding text, and the result is always a string.
func (sub *Substitutor) Substitute(ctx *engine.Context, s string) (any, error) {
	if !HasUnescapedPlaceholder(s) {
		return s, nil
	}
	if expr, ok := IsSingleExpression(s); ok {
		return sub.resolveExpr(ctx, expr)
	}
	return sub.flatSubstitute(ctx, s)
}

// flatSubstitute does a single left-to-right, brace-depth-tracked scan of
// s, replacing every unescaped "${…}" with the string form of its resolved
// value and leaving "$${" in place for the unescape pass, which turns it
// into a literal "${" (and a lone trailing "$" as itself).
func (sub *Substitutor) flatSubstitute(ctx *engine.Context, s string) (any, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			if i > 0 && s[i-1] == '$' {
				// escaped "$${": the previous iteration wrote the first "$";
				// copy this one through and leave the rest as literal text
				out.WriteByte(s[i])
				i++
				continue
			}
			// find matching close brace
			depth := 0
			j := i
			for ; j < len(s); j++ {
				switch s[j] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						goto found
					}
				}
			}
		found:
			if depth != 0 {
				out.WriteString(s[i:])
				i = len(s)
				break
			}
			expr := s[i+2 : j]
			val, err := sub.resolveExpr(ctx, expr)
			if err != nil {
				return nil, err
			}
			out.WriteString(stringify(val))
			i = j + 1
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// resolveExpr implements the four-step dispatch order: caster, JMESPath
// ("?" prefix), nested template (the expression itself still contains a
// placeholder), then JSON-Pointer fallback returning nil on failure (Open
// Question 1, resolved in SPEC_FULL.md S.4.E).
func (sub *Substitutor) resolveExpr(ctx *engine.Context, expr string) (any, error) {
	if name, rest, ok := splitCaster(expr); ok {
		if caster, found := sub.Casters[name]; found {
			inner, err := sub.resolveExpr(ctx, rest)
			if err != nil {
				return nil, err
			}
			return caster(inner)
		}
	}

	if strings.HasPrefix(expr, "?") {
		return sub.resolveJMESPath(ctx, expr[1:])
	}

	if HasUnescapedPlaceholder(expr) {
		nested, err := sub.Substitute(ctx, expr)
		if err != nil {
			return nil, err
		}
		if s, ok := nested.(string); ok {
			return sub.resolveExpr(ctx, s)
		}
		return nested, nil
	}

	v, err := ctx.Engine.Processor.Get(ctx, expr)
	if err != nil {
		return nil, nil
	}
	return v, nil
}

// splitCaster recognizes the "name:rest" caster prefix syntax, e.g.
// "int:/count".
func splitCaster(expr string) (name, rest string, ok bool) {
	i := strings.IndexByte(expr, ':')
	if i <= 0 {
		return "", "", false
	}
	name = expr[:i]
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_') {
			return "", "", false
		}
	}
	return name, expr[i+1:], true
}

// resolveJMESPath evaluates expr against {source, dest, metadata, args,
// temp}, matching the env shape built by _resolve_expr in the grounding
// source. github.com/jmespath/go-jmespath's public surface is
// Search(expression, data)/Compile(expression) only — it has no exported
// hook for registering custom functions the way Python's jmespath.Options
// does — so the grounding source's one custom function, subtract(a, b)
// (jmes_ext.py), is honored here as an expression-level rewrite instead of
// a registered function: a bare top-level "subtract(X, Y)" call is
// recognized, its two arguments are each evaluated as their own JMESPath
// sub-expression against the same data, and the numeric difference is
// returned — functionally identical to the custom function, implemented
// without relying on unexported interpreter internals.
func (sub *Substitutor) resolveJMESPath(ctx *engine.Context, expr string) (any, error) {
	data := value.NewObject()
	data.Set("source", ctx.Source)
	data.Set("dest", ctx.Dest)
	data.Set("metadata", ctx.Metadata)
	data.Set("args", ctx.TempReadOnly)
	data.Set("temp", ctx.Temp)
	plain := toPlain(data)

	if a, b, ok := splitSubtractCall(expr); ok {
		av, err := jmespath.Search(a, plain)
		if err != nil {
			return nil, nil
		}
		bv, err := jmespath.Search(b, plain)
		if err != nil {
			return nil, nil
		}
		af, aok := value.AsFloat(av)
		bf, bok := value.AsFloat(bv)
		if !aok || !bok {
			return nil, fmt.Errorf("subtract(): non-numeric operand")
		}
		return af - bf, nil
	}

	result, err := jmespath.Search(expr, plain)
	if err != nil {
		return nil, nil
	}
	return fromPlain(result), nil
}

// splitSubtractCall recognizes a whole expression of the form
// "subtract(<arg1>, <arg2>)", splitting on the top-level comma (depth
// tracked over parens/brackets/braces so nested calls and index
// expressions in the arguments are not mistaken for the separator).
func splitSubtractCall(expr string) (a, b string, ok bool) {
	const prefix = "subtract("
	if !strings.HasPrefix(expr, prefix) || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	inner := expr[len(prefix) : len(expr)-1]
	depth := 0
	for i, r := range inner {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(inner[:i]), strings.TrimSpace(inner[i+1:]), true
			}
		}
	}
	return "", "", false
}

// toPlain/fromPlain bridge between value.Object (ordered) and the plain
// map[string]any/[]any shape go-jmespath expects, since go-jmespath has no
// notion of an ordered map — key order does not affect JMESPath query
// results, only the Value tree's own serialization does, so this
// conversion is lossless for evaluation purposes.
func toPlain(v any) any {
	switch t := v.(type) {
	case *value.Object:
		out := make(map[string]any, t.Len())
		t.Range(func(key string, val any) bool {
			out[key] = toPlain(val)
			return true
		})
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toPlain(e)
		}
		return out
	default:
		return v
	}
}

func fromPlain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := value.NewObject()
		for k, val := range t {
			out.Set(k, fromPlain(val))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromPlain(e)
		}
		return out
	default:
		return v
	}
}

// UnescapeTemplateMarkers reverses the literal-escaping rule after value
// stabilisation: "$${" collapses to "${" and a lone escaped "$$" collapses
// to "$", recursing into Array/Object (including keys), matching
// template_unescape in the grounding source (registered at priority 0 via
// engine.UnescapeRule).
func UnescapeTemplateMarkers(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(strings.ReplaceAll(t, "$${", "${"), "$$", "$")
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = UnescapeTemplateMarkers(e)
		}
		return out
	case *value.Object:
		out := value.NewObject()
		t.Range(func(key string, val any) bool {
			out.Set(UnescapeTemplateMarkers(key).(string), UnescapeTemplateMarkers(val))
			return true
		})
		return out
	default:
		return v
	}
}
