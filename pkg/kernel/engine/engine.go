package engine

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/jperm/pkg/kernel/pointer"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Runner executes a step or list of steps against ctx and returns the
// (possibly signal-carrying) outcome. pipeline.Pipeline implements this;
// Engine depends only on the interface so pipeline can depend on Engine's
// Context without an import cycle — the concrete pipelines are wired in by
// package factory after both Engine and Pipeline exist.
type Runner interface {
	Run(ctx *Context, steps any) (any, error)
}

// Engine owns the pointer resolver/processor, the main step pipeline, the
// value-construct pipeline, any named sub-pipelines, and the resource
// Limits for one family of Apply calls. It is safe for concurrent Apply
// calls: all mutable state (the operation counter, function registry) is
// per-Context, not per-Engine.
type Engine struct {
	Limits    Limits
	Resolver  *pointer.Resolver
	Processor *pointer.Processor

	Main  Runner // the step (operation/shorthand) pipeline
	Value Runner // the value-construct pipeline

	Named map[string]Runner
}

// New creates an Engine with a resolver/processor but no registered
// handlers. Use package factory's BuildDefault to get a fully wired
// engine; New exists for callers that want to assemble a custom handler
// set.
func New(limits Limits) *Engine {
	r := pointer.NewResolver()
	return &Engine{
		Limits:    limits,
		Resolver:  r,
		Processor: pointer.NewProcessor(r),
		Named:     make(map[string]Runner),
	}
}

// Apply runs spec against source, returning the resulting dest document.
// dest, when non-nil, seeds the starting destination (e.g. for
// incremental/chained transforms); a nil dest starts from an empty Object.
//
// dest is deep-copied before processing and the result is deep-copied again
// before returning, so the caller's original dest is never touched —
// matching original_source/src/j_perm/core.py's apply(), whose own doc
// comment states this explicitly ("dest is deep-copied before processing;
// the return value is another deep copy so the caller's original is never
// touched"). Canonicalize alone does not give this guarantee: an
// already-canonical *value.Object is returned as the same instance, and
// every write during Run mutates that instance's backing storage in place.
func (e *Engine) Apply(ctx context.Context, spec, source, dest any) (any, error) {
	spec = value.Canonicalize(spec)
	source = value.Canonicalize(source)
	if dest == nil {
		dest = value.NewObject()
	} else {
		dest = value.DeepCopy(value.Canonicalize(dest))
	}
	ectx := NewContext(e, source, dest)
	result, err := e.ApplyToContext(ctx, spec, ectx)
	if err != nil {
		return nil, err
	}
	return value.DeepCopy(result), nil
}

// ApplyToContext runs spec against an already-constructed ExecutionContext,
// returning its Dest after running. It checks ctx.Err() once, before the
// main pipeline starts; a cancellation that arrives during the run is not
// observed (see SPEC_FULL.md S.4.I for why there is no separate ApplyAsync).
func (e *Engine) ApplyToContext(ctx context.Context, spec any, ectx *Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Main == nil {
		return nil, fmt.Errorf("engine: no main pipeline registered")
	}
	result, err := e.Main.Run(ectx, spec)
	if err != nil {
		if _, isSignal := err.(signal.ControlFlowSignal); isSignal {
			return nil, fmt.Errorf("unhandled control-flow signal at top level: %w", err)
		}
		if ps, isPipelineSignal := err.(signal.PipelineSignal); isPipelineSignal {
			ps.Handle(func(v any) { ectx.Dest = v })
			return ectx.Dest, nil
		}
		return nil, err
	}
	_ = result
	return ectx.Dest, nil
}

// RunPipeline invokes a named sub-pipeline (installed by the engine's
// factory-time configuration) against ctx with the given input steps.
func (e *Engine) RunPipeline(name string, ctx *Context, steps any) (any, error) {
	r, ok := e.Named[name]
	if !ok {
		return nil, fmt.Errorf("engine: no pipeline named %q", name)
	}
	return r.Run(ctx, steps)
}

// ProcessValue runs v through the value-construct pipeline to a fixed
// point: repeatedly applying Value.Run until the result stops changing
// (value.Equal-based termination, never structural cycle detection, per
// spec.md §9's Design Note on why equality rather than visited-set
// tracking is used to terminate value expansion), a RawValue signal
// short-circuits it, or ValueMaxDepth iterations are exceeded.
func (e *Engine) ProcessValue(ctx *Context, v any) (any, error) {
	cur := v
	for depth := 0; depth < e.Limits.ValueMaxDepth; depth++ {
		next, err := e.Value.Run(ctx, cur)
		if err != nil {
			if ps, ok := err.(signal.PipelineSignal); ok {
				var result any
				ps.Handle(func(x any) { result = x })
				return e.unescape(result), nil
			}
			return nil, err
		}
		if value.Equal(next, cur) {
			return e.unescape(next), nil
		}
		cur = next
	}
	return nil, &signal.LimitExceeded{Limit: signal.LimitValueDepth, Bound: e.Limits.ValueMaxDepth, Got: e.Limits.ValueMaxDepth}
}

// Unescaper is implemented optionally by Value runners that support
// spec.md §4.H's final "apply every registered UnescapeRule" step,
// letting package template's literal-$${…}-escaping reversal run once
// after fixed-point stabilisation without Engine importing package
// template (which itself imports Engine).
type Unescaper interface {
	Unescape(v any) any
}

func (e *Engine) unescape(v any) any {
	if u, ok := e.Value.(Unescaper); ok {
		return u.Unescape(v)
	}
	return v
}
