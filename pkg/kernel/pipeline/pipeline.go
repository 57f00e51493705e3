// Package pipeline implements engine.Runner's main-pipeline shape: the
// seven-step spec.md §4.G algorithm (normalise, shorthand-expand via a
// StageRegistry, middleware fan-out via an ActionRegistry run-all,
// resolve via an ActionRegistry, operation-count charge, dispatch,
// call-stack annotation of plain errors). Grounded on
// original_source/src/j_perm/core.py's Pipeline.run.
package pipeline

import (
	"fmt"

	"github.com/ormasoftchile/jperm/pkg/kernel/dispatch"
	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
)

// Pipeline satisfies engine.Runner by structural typing (Run's signature
// matches), letting factory wire it into Engine.Main/Named without
// pipeline importing engine's concrete types beyond *engine.Context.
type Pipeline struct {
	Label       string
	Stages      *dispatch.StageRegistry  // shorthand expansion
	Middleware  *dispatch.ActionRegistry // run_all-style fan-out
	Actions     *dispatch.ActionRegistry // resolve-style dispatch
}

// New returns a Pipeline with empty registries ready for factory to
// populate via Stages.Register/Middleware.Register/Actions.Register.
func New(label string) *Pipeline {
	return &Pipeline{
		Label:      label,
		Stages:     dispatch.NewStageRegistry(),
		Middleware: dispatch.NewActionRegistry(),
		Actions:    dispatch.NewActionRegistry(),
	}
}

// CallStackError annotates a plain error with a frozen snapshot of the
// language call stack at the point of failure, added at most once as the
// error unwinds back through nested Run calls (spec.md §4.G step 6).
type CallStackError struct {
	Stack []string
	Err   error
}

func (e *CallStackError) Error() string {
	return fmt.Sprintf("%s (call stack: %v)", e.Err, e.Stack)
}

func (e *CallStackError) Unwrap() error { return e.Err }

// normalize turns a single step into a one-element list; a list passes
// through unchanged.
func normalize(steps any) []any {
	if arr, ok := steps.([]any); ok {
		return arr
	}
	return []any{steps}
}

// Run executes steps against ctx per spec.md §4.G's algorithm.
func (p *Pipeline) Run(ctx *engine.Context, steps any) (any, error) {
	normalized := normalize(steps)

	expanded, err := p.Stages.RunAll(ctx, any(normalized))
	if err != nil {
		return nil, annotateOnce(ctx, err)
	}

	var result any = ctx.Dest
	for _, step := range flattenSteps(expanded) {
		r, err := p.runStep(ctx, step)
		if err != nil {
			return nil, err
		}
		result = r
	}
	return result, nil
}

// flattenSteps collapses the (possibly nested) []any a shorthand stage may
// have produced back into a flat step list — AssignShorthand/DeleteShorthand/
// AssertShorthand each operate one step at a time and may themselves return
// []any for a single input step, so the stage tree's output can be a list
// of lists.
func flattenSteps(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return []any{v}
	}
	out := make([]any, 0, len(arr))
	for _, e := range arr {
		out = append(out, flattenSteps(e)...)
	}
	return out
}

// runStep carries one already-shorthand-expanded step through the
// middleware chain, dispatch resolution, the operation-count charge, and
// handler execution (steps 3-7 of spec.md §4.G).
func (p *Pipeline) runStep(ctx *engine.Context, step any) (any, error) {
	step, err := p.Middleware.RunAll(ctx, step)
	if err != nil {
		return nil, annotateOnce(ctx, err)
	}

	handlers := p.Actions.Resolve(step)
	if len(handlers) == 0 {
		return nil, annotateOnce(ctx, &signal.UnhandledStep{Step: step})
	}

	var result any = ctx.Dest
	for _, h := range handlers {
		if err := ctx.ChargeOperation(); err != nil {
			return nil, annotateOnce(ctx, err)
		}
		pop := ctx.PushFrame(p.Label)
		r, err := h(ctx, step)
		if err != nil {
			// Annotate while the frame is still on the stack — annotateOnce
			// reads ctx.CallStack, so popping first would always yield an
			// empty snapshot.
			err = annotateOnce(ctx, err)
			pop()
			if ps, isPipelineSignal := err.(signal.PipelineSignal); isPipelineSignal {
				ps.Handle(func(v any) { ctx.Dest = v })
				return nil, err
			}
			return nil, err
		}
		pop()
		result = r
		ctx.Dest = r
	}
	return result, nil
}

// annotateOnce wraps err in a CallStackError carrying a frozen copy of
// ctx.CallStack, unless it already carries one — signals (PipelineSignal,
// ControlFlowSignal) are never annotated, matching spec.md §4.G step 6.
func annotateOnce(ctx *engine.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, isPipelineSignal := err.(signal.PipelineSignal); isPipelineSignal {
		return err
	}
	if _, isControlFlow := err.(signal.ControlFlowSignal); isControlFlow {
		return err
	}
	if _, already := err.(*CallStackError); already {
		return err
	}
	return &CallStackError{
		Stack: append([]string(nil), ctx.CallStack...),
		Err:   err,
	}
}
