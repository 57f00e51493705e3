// Package engine implements the DSL engine: ExecutionContext, the Limits
// cooperative-resource configuration, and the fixed-point value-pipeline
// stabilisation loop that ties addressing, signals, dispatch, templates,
// constructs and operations together. Grounded on spec.md §4.H and, for the
// struct/interface shape (constructor-options pattern, context-first method
// signatures), the teacher's former pkg/kernel/engine/engine.go.
package engine

import (
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Function is an installed `def`-declared closure, stored in
// Context.Metadata under the "__functions__" key rather than in any
// process-global registry, per spec.md §9's Design Note — its lifetime is
// exactly one Apply call.
type Function struct {
	Params      []string
	Do          any    // the function body, a step or list of steps
	ContextMode string // "copy", "new", "shared"
	OnFailure   any    // optional fallback step(s)
	ReturnPath  string // optional projection path applied to the function's dest after Do runs
}

// Context is the engine's ExecutionContext: the four addressable roots plus
// engine/metadata, exactly as spec.md §3 names them.
type Context struct {
	Source       any
	Dest         any
	Engine       *Engine
	Metadata     *value.Object
	TempReadOnly any
	Temp         any

	// CallStack records function/pipeline invocation frames for the
	// once-only error annotation rule in spec.md §7.
	CallStack []string

	// realDest, when non-nil, is where "@:" prefixed reads and writes land
	// instead of Dest (see DestRoot). Only WithRealDest sets it; $eval's
	// sub-context leaves it nil, so "@:" there addresses its own fresh Dest.
	realDest *any

	// budget is shared by every Context derived from the same Apply call
	// (via Copy) so the operation counter in spec.md §5 is enforced across
	// the whole call tree, not reset per nested evaluation.
	budget *opBudget
}

// opBudget tracks the operation counter shared across one Apply call.
type opBudget struct {
	count int
	max   int
}

// NewContext creates a root ExecutionContext for a single Apply call.
func NewContext(eng *Engine, source, dest any) *Context {
	return &Context{
		Source:       source,
		Dest:         dest,
		Engine:       eng,
		Metadata:     value.NewObject(),
		TempReadOnly: value.NewObject(),
		Temp:         value.NewObject(),
		budget:       &opBudget{max: eng.Limits.MaxOperations},
	}
}

// ChargeOperation increments the shared operation counter and returns
// LimitExceeded once it passes Limits.MaxOperations.
func (c *Context) ChargeOperation() error {
	c.budget.count++
	if c.budget.count > c.budget.max {
		return &signal.LimitExceeded{Limit: signal.LimitOperations, Bound: c.budget.max, Got: c.budget.count}
	}
	return nil
}

// SourceRoot, DestRoot, TempRoot, TempReadOnlyRoot implement
// pointer.ExecutionContext.
func (c *Context) SourceRoot() *any { return &c.Source }
func (c *Context) DestRoot() *any {
	if c.realDest != nil {
		return c.realDest
	}
	return &c.Dest
}
func (c *Context) TempRoot() *any         { return &c.Temp }
func (c *Context) TempReadOnlyRoot() *any { return &c.TempReadOnly }

// CopyOption configures Context.Copy.
type CopyOption func(*Context, *Context)

// WithNewDest replaces the copy's Dest with a fresh empty Object, used by
// $eval to give the sub-evaluation an isolated destination.
func WithNewDest() CopyOption {
	return func(_, dst *Context) { dst.Dest = value.NewObject() }
}

// WithRealDest points "@:" reads and writes in the copy at realDest instead
// of the copy's own Dest field. $eval does not use it: its sub-context is
// built with WithNewDest alone.
func WithRealDest(realDest *any) CopyOption {
	return func(_, dst *Context) { dst.realDest = realDest }
}

// WithSharedTemp keeps the copy's Temp/TempReadOnly pointed at the
// original context's storage instead of copying it, used by func
// invocations with context_mode="shared".
func WithSharedTemp(src *Context) CopyOption {
	return func(_, dst *Context) {
		dst.Temp = src.Temp
		dst.TempReadOnly = src.TempReadOnly
	}
}

// Copy returns a shallow copy of c with deep-copied Dest/Temp so that
// mutations inside a nested evaluation (foreach body, function call,
// $eval) cannot alias the caller's storage, then applies opts.
func (c *Context) Copy(opts ...CopyOption) *Context {
	cp := &Context{
		Source:       c.Source,
		Dest:         value.DeepCopy(c.Dest),
		Engine:       c.Engine,
		Metadata:     c.Metadata.Clone(),
		TempReadOnly: value.DeepCopy(c.TempReadOnly),
		Temp:         value.DeepCopy(c.Temp),
		CallStack:    append([]string(nil), c.CallStack...),
		budget:       c.budget,
	}
	for _, opt := range opts {
		opt(c, cp)
	}
	return cp
}

// PushFrame records a call-stack frame (function name, pipeline label, or
// step description) for error annotation, returning a function that pops
// it — callers should `defer ctx.PushFrame(label)()`.
func (c *Context) PushFrame(label string) func() {
	c.CallStack = append(c.CallStack, label)
	return func() {
		if len(c.CallStack) > 0 {
			c.CallStack = c.CallStack[:len(c.CallStack)-1]
		}
	}
}

// Functions returns the function registry installed by `def`, creating it
// in Metadata on first use.
func (c *Context) Functions() *value.Object {
	fns, ok := c.Metadata.Get("__functions__")
	if !ok {
		obj := value.NewObject()
		c.Metadata.Set("__functions__", obj)
		return obj
	}
	return fns.(*value.Object)
}
