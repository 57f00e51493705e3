// Package shorthand implements the three sugared-step rewrite stages
// spec.md §4.D names: AssertShorthand (priority 100) peels `~assert`/
// `~assertD` entries into explicit assert/assertD steps; DeleteShorthand
// (priority 50) peels `~delete`; AssignShorthand (priority 0) turns
// whatever pointer-keyed entries remain on an op-less Object into copy or
// set steps. Grounded on
// original_source/src/j_perm/stages/shorthands.py's
// AssertShorthandProcessor/DeleteShorthandProcessor/AssignShorthandProcessor
// and build_default_shorthand_stages, mounted here via dispatch.StageNode.
package shorthand

import (
	"strings"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// controlFlowKeys are the marker keys spec.md §3 names as their own step
// category (control-flow / function steps), checked before shorthand so
// e.g. {"$break": null} is never mistaken for a pointer-keyed assignment.
var controlFlowKeys = []string{"$def", "$func", "$raise", "$return", "$break", "$continue"}

// isExplicit reports whether an Object is already a fully-formed step —
// either an operation step ("op" field) or a control-flow/function step
// (one of controlFlowKeys) — and therefore needs no shorthand rewrite.
func isExplicit(o *value.Object) bool {
	if _, ok := o.Get("op"); ok {
		return true
	}
	for _, k := range controlFlowKeys {
		if o.Has(k) {
			return true
		}
	}
	return false
}

// flatten collapses a []any result down to its single element when it
// holds exactly one, so a step that expands to one explicit op is
// returned as that op directly rather than a needlessly wrapped list.
func flatten(steps []any) any {
	if len(steps) == 1 {
		return steps[0]
	}
	return steps
}

// mapArray applies fn to every element of arr and flattens the per-element
// results back into a single list, since one input step can expand into
// several output steps.
func mapArray(ctx *engine.Context, arr []any, fn func(*engine.Context, any) (any, error)) (any, error) {
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		result, err := fn(ctx, elem)
		if err != nil {
			return nil, err
		}
		switch t := result.(type) {
		case []any:
			out = append(out, t...)
		default:
			out = append(out, t)
		}
	}
	return out, nil
}

// assertOps expands a peeled ~assert/~assertD value into one or more
// explicit {op, path[, equals]} steps, matching
// original_source/src/j_perm/stages/shorthands.py's AssertShorthandProcessor:
// an Object value is a path→equals mapping, one assert per entry; a []any
// value is a list of bare paths, one path-only assert per entry; any other
// value is a single bare path.
func assertOps(opName string, raw any) []any {
	switch t := raw.(type) {
	case *value.Object:
		out := make([]any, 0, t.Len())
		t.Range(func(path string, equals any) bool {
			step := value.NewObject()
			step.Set("op", opName)
			step.Set("path", path)
			step.Set("equals", equals)
			out = append(out, step)
			return true
		})
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, path := range t {
			step := value.NewObject()
			step.Set("op", opName)
			step.Set("path", path)
			out = append(out, step)
		}
		return out
	default:
		step := value.NewObject()
		step.Set("op", opName)
		step.Set("path", raw)
		return []any{step}
	}
}

// AssertShorthand peels `~assert`/`~assertD` keys off an op-less Object,
// each becoming its own explicit {op: "assert"|"assertD", ...} step.
func AssertShorthand(ctx *engine.Context, step any) (any, error) {
	switch t := step.(type) {
	case []any:
		return mapArray(ctx, t, AssertShorthand)
	case *value.Object:
		if isExplicit(t) {
			return t, nil
		}
		var peeled []any
		rest := value.NewObject()
		t.Range(func(key string, val any) bool {
			switch key {
			case "~assert":
				peeled = append(peeled, assertOps("assert", val)...)
			case "~assertD":
				peeled = append(peeled, assertOps("assertD", val)...)
			default:
				rest.Set(key, val)
			}
			return true
		})
		if len(peeled) == 0 {
			return t, nil
		}
		if rest.Len() > 0 {
			peeled = append(peeled, rest)
		}
		return flatten(peeled), nil
	default:
		return step, nil
	}
}

// DeleteShorthand peels a `~delete` key off an op-less Object into an
// explicit {op: "delete", path: ...} step. The shorthand's value is
// either the path directly (the common case) or an Object of delete
// fields (path/ignore_missing), letting callers opt into ignore_missing.
func DeleteShorthand(ctx *engine.Context, step any) (any, error) {
	switch t := step.(type) {
	case []any:
		return mapArray(ctx, t, DeleteShorthand)
	case *value.Object:
		if isExplicit(t) {
			return t, nil
		}
		raw, has := t.Get("~delete")
		if !has {
			return t, nil
		}
		rest := value.NewObject()
		t.Range(func(key string, val any) bool {
			if key != "~delete" {
				rest.Set(key, val)
			}
			return true
		})

		op := value.NewObject()
		op.Set("op", "delete")
		if fields, ok := raw.(*value.Object); ok {
			fields.Range(func(key string, val any) bool {
				op.Set(key, val)
				return true
			})
		} else if path, ok := raw.(string); ok {
			op.Set("path", path)
		}

		peeled := []any{op}
		if rest.Len() > 0 {
			peeled = append(peeled, rest)
		}
		return flatten(peeled), nil
	default:
		return step, nil
	}
}

// pointerPrefixes are the namespace prefixes (plus bare "/") that mark a
// string value as pointer-like rather than a literal, per spec.md §4.D.
var pointerPrefixes = []string{"/", "@:/", "&:/", "!:/", "_:/"}

func isPointerLike(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, p := range pointerPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// AssignShorthand is the last, catch-all shorthand stage: every remaining
// key of an op-less Object becomes either a copy step (when its value is
// a pointer-like string) or a set step (otherwise). A "[]" key suffix
// rewrites the target path to append ("/-") instead of overwrite.
func AssignShorthand(ctx *engine.Context, step any) (any, error) {
	switch t := step.(type) {
	case []any:
		return mapArray(ctx, t, AssignShorthand)
	case *value.Object:
		if isExplicit(t) {
			return t, nil
		}
		if t.Len() == 0 {
			return t, nil
		}
		var ops []any
		keys := t.Keys()
		for _, key := range keys {
			val, _ := t.Get(key)
			path := key
			if strings.HasSuffix(path, "[]") {
				path = strings.TrimSuffix(path, "[]") + "/-"
			}
			op := value.NewObject()
			if isPointerLike(val) {
				op.Set("op", "copy")
				op.Set("path", path)
				op.Set("from", val)
			} else {
				op.Set("op", "set")
				op.Set("path", path)
				op.Set("value", val)
			}
			ops = append(ops, op)
		}
		return flatten(ops), nil
	default:
		return step, nil
	}
}
