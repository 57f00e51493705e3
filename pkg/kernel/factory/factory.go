// Package factory wires the handler packages (shorthand, operation,
// construct, template) into a fully-configured *engine.Engine, the single
// place all of them are imported together. Grounded on
// original_source/src/j_perm/factory.py's build_default_engine: the same
// special/template/container/identity value-pipeline priorities, and the
// same shorthand-stage priorities feeding a main pipeline of operation
// handlers.
//
// factory.py's own `specials` default only wires $ref/$eval into the
// value pipeline's "special" node; every other construct ($and, $gt,
// $add, $str_*, $regex_*, $cast, ...) is registered here too, since
// spec.md's step-shape grammar treats all of them as first-class
// value-construct marker keys, not just the two the Python factory
// happens to default to.
package factory

import (
	"github.com/ormasoftchile/jperm/pkg/kernel/construct"
	"github.com/ormasoftchile/jperm/pkg/kernel/dispatch"
	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/operation"
	"github.com/ormasoftchile/jperm/pkg/kernel/pipeline"
	"github.com/ormasoftchile/jperm/pkg/kernel/shorthand"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/template"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// asConstruct adapts a construct.Fn (or operation.Fn — both share the
// (ctx, *value.Object) (any, error) shape) into a dispatch.Handler,
// rejecting any step that is not an Object.
func asConstruct(fn func(ctx *engine.Context, node *value.Object) (any, error)) dispatch.Handler {
	return func(ctx *engine.Context, step any) (any, error) {
		obj, ok := step.(*value.Object)
		if !ok {
			return nil, &signal.ShapeError{What: "value", Detail: "construct marker must be an object"}
		}
		return fn(ctx, obj)
	}
}

// asValueConstruct wraps asConstruct for the value pipeline only, adding
// spec.md §4.C's "flag-bearing constructs" rule: any value-construct
// Object that also carries "$raw: true" has its resolved result wrapped
// in a RawValueSignal instead of returned plainly, stopping further
// value-pipeline stabilisation the same way the standalone {"$raw": ...}
// wrapper construct does. A construct that already returns its own
// PipelineSignal (the "$raw" wrapper itself) is unaffected, since this
// check only runs on a successful (non-error) result.
func asValueConstruct(fn func(ctx *engine.Context, node *value.Object) (any, error)) dispatch.Handler {
	inner := asConstruct(fn)
	return func(ctx *engine.Context, step any) (any, error) {
		result, err := inner(ctx, step)
		if err != nil {
			return nil, err
		}
		obj := step.(*value.Object)
		if raw, ok := obj.Get("$raw"); ok {
			if b, isBool := raw.(bool); isBool && b {
				return nil, signal.RawValue{Value: result}
			}
		}
		return result, nil
	}
}

// hasKey matches an Object carrying the given marker key.
func hasKey(key string) dispatch.Matcher {
	return func(step any) bool {
		obj, ok := step.(*value.Object)
		return ok && obj.Has(key)
	}
}

// hasOp matches an Object whose "op" field equals name.
func hasOp(name string) dispatch.Matcher {
	return func(step any) bool {
		obj, ok := step.(*value.Object)
		if !ok {
			return false
		}
		v, ok := obj.Get("op")
		return ok && v == name
	}
}

// templateCasters adapts construct.BuiltinCasters' plain func type to
// template.Caster's named type, plus any caller-supplied overrides (which
// win on name collision), mirroring factory.py's casters parameter.
func templateCasters(overrides map[string]template.Caster) map[string]template.Caster {
	out := make(map[string]template.Caster, len(construct.BuiltinCasters)+len(overrides))
	for name, fn := range construct.BuiltinCasters {
		out[name] = template.Caster(fn)
	}
	for name, fn := range overrides {
		out[name] = fn
	}
	return out
}

// specialConstructs lists every value-construct marker key this engine
// resolves, paired with its handler, in spec.md §4.C order. $cast is
// wired separately since it closes over the caster table.
func specialConstructs() []struct {
	Key string
	Fn  func(ctx *engine.Context, node *value.Object) (any, error)
} {
	return []struct {
		Key string
		Fn  func(ctx *engine.Context, node *value.Object) (any, error)
	}{
		{"$ref", construct.Ref},
		{"$eval", construct.Eval},
		{"$exists", construct.Exists},
		{"$raw", construct.Raw},
		{"$and", construct.And},
		{"$or", construct.Or},
		{"$not", construct.Not},
		{"$gt", construct.Gt},
		{"$gte", construct.Gte},
		{"$lt", construct.Lt},
		{"$lte", construct.Lte},
		{"$eq", construct.Eq},
		{"$ne", construct.Ne},
		{"$in", construct.In},
		{"$add", construct.Add},
		{"$sub", construct.Sub},
		{"$mul", construct.Mul},
		{"$div", construct.Div},
		{"$pow", construct.Pow},
		{"$mod", construct.Mod},
		{"$expr", construct.Expr},
		{"$str_split", construct.StrSplit},
		{"$str_join", construct.StrJoin},
		{"$str_slice", construct.StrSlice},
		{"$str_replace", construct.StrReplace},
		{"$str_upper", construct.StrUpper},
		{"$str_lower", construct.StrLower},
		{"$str_strip", construct.StrStrip},
		{"$str_lstrip", construct.StrLstrip},
		{"$str_rstrip", construct.StrRstrip},
		{"$regex_match", construct.RegexMatch},
		{"$regex_search", construct.RegexSearch},
		{"$regex_findall", construct.RegexFindall},
		{"$regex_replace", construct.RegexReplace},
		{"$regex_groups", construct.RegexGroups},
	}
}

// buildValuePipeline wires the value-construct ActionRegistry at
// special(10)/template(8)/container(5)/identity(-999) priorities, per
// factory.py — though here "special"/"container"/"identity" collapse into
// ValuePipeline's own hardcoded dispatch order (special constructs first,
// then template strings, then container recursion, then identity) and
// only the special-construct registrations need an ActionRegistry at all.
func buildValuePipeline(casters map[string]template.Caster) *pipeline.ValuePipeline {
	vp := pipeline.NewValuePipeline(template.New(casters))
	for _, c := range specialConstructs() {
		vp.Constructs.Register(&dispatch.ActionNode{
			Name:      c.Key,
			Priority:  10,
			Match:     hasKey(c.Key),
			Handler:   asValueConstruct(c.Fn),
			Exclusive: true,
		})
	}
	vp.Constructs.Register(&dispatch.ActionNode{
		Name:      "$cast",
		Priority:  10,
		Match:     hasKey("$cast"),
		Handler:   asValueConstruct(construct.Cast(construct.BuiltinCasters)),
		Exclusive: true,
	})
	return vp
}

// buildMainPipeline wires the three shorthand stages and every operation
// handler, plus the control-flow/function marker steps ($def/$func/
// $raise/$return/$break/$continue), per factory.py's main_pipeline with
// one deliberate addition: "while" is registered even though factory.py's
// own default op set omits it (its handler, operation.While, exists and
// is fully spec'd — the omission reads as an oversight in the Python
// default rather than an intentional scope cut, so the Go port includes
// it).
func buildMainPipeline() *pipeline.Pipeline {
	p := pipeline.New("main")

	p.Stages.Register(&dispatch.StageNode{Name: "assert", Priority: 100, Processor: shorthand.AssertShorthand})
	p.Stages.Register(&dispatch.StageNode{Name: "delete", Priority: 50, Processor: shorthand.DeleteShorthand})
	p.Stages.Register(&dispatch.StageNode{Name: "assign", Priority: 0, Processor: shorthand.AssignShorthand})

	registerOp := func(name string, fn operation.Fn) {
		p.Actions.Register(&dispatch.ActionNode{
			Name:      name,
			Priority:  10,
			Match:     hasOp(name),
			Handler:   asConstruct(fn),
			Exclusive: true,
		})
	}
	registerOp("set", operation.Set)
	registerOp("copy", operation.Copy)
	registerOp("copyD", operation.CopyD)
	registerOp("delete", operation.Delete)
	registerOp("foreach", operation.Foreach)
	registerOp("while", operation.While)
	registerOp("if", operation.If)
	registerOp("exec", operation.Exec)
	registerOp("update", operation.Update)
	registerOp("distinct", operation.Distinct)
	registerOp("replace_root", operation.ReplaceRoot)
	registerOp("assert", operation.Assert)
	registerOp("assertD", operation.AssertD)
	registerOp("try", operation.Try)

	registerMarker := func(name, key string, fn operation.Fn) {
		p.Actions.Register(&dispatch.ActionNode{
			Name:      name,
			Priority:  10,
			Match:     hasKey(key),
			Handler:   asConstruct(fn),
			Exclusive: true,
		})
	}
	registerMarker("def", "$def", operation.Def)
	registerMarker("func", "$func", operation.Call)
	registerMarker("raise", "$raise", operation.Raise)
	registerMarker("return", "$return", operation.ReturnOp)
	registerMarker("break", "$break", operation.BreakOp)
	registerMarker("continue", "$continue", operation.ContinueOp)

	return p
}

// Options customizes BuildDefault beyond factory.py's defaults.
type Options struct {
	// Limits replaces engine.DefaultLimits() as a whole when non-nil.
	Limits *engine.Limits
	// CasterOverrides adds to or replaces entries of construct.BuiltinCasters.
	CasterOverrides map[string]template.Caster
}

// BuildDefault returns a fully-wired Engine: the default resource Limits
// (or opts.Limits, if given), every construct.go handler mounted in the
// value pipeline, and every operation.go handler plus the three shorthand
// stages mounted in the main pipeline. Mirrors factory.py's
// build_default_engine.
func BuildDefault(opts Options) *engine.Engine {
	limits := engine.DefaultLimits()
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	eng := engine.New(limits)
	eng.Value = buildValuePipeline(templateCasters(opts.CasterOverrides))
	eng.Main = buildMainPipeline()
	return eng
}
