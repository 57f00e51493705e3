package pipeline

import (
	"testing"

	"github.com/ormasoftchile/jperm/pkg/kernel/construct"
	"github.com/ormasoftchile/jperm/pkg/kernel/dispatch"
	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/operation"
	"github.com/ormasoftchile/jperm/pkg/kernel/shorthand"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/template"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

func asObjHandler(fn func(*engine.Context, *value.Object) (any, error)) dispatch.Handler {
	return func(ctx *engine.Context, step any) (any, error) {
		obj, ok := step.(*value.Object)
		if !ok {
			return nil, &signal.ShapeError{What: "step", Detail: "expected an Object"}
		}
		return fn(ctx, obj)
	}
}

func opMatcher(name string) dispatch.Matcher {
	return func(step any) bool {
		obj, ok := step.(*value.Object)
		if !ok {
			return false
		}
		v, ok := obj.Get("op")
		return ok && v == name
	}
}

func markerMatcher(key string) dispatch.Matcher {
	return func(step any) bool {
		obj, ok := step.(*value.Object)
		return ok && obj.Has(key)
	}
}

// newTestPipeline wires a minimal Pipeline: the three shorthand stages plus
// just enough operations (set, copy, if, foreach) to exercise the
// normalise/expand/resolve/dispatch algorithm end to end.
func newTestPipeline() (*Pipeline, *engine.Engine) {
	p := New("test")
	p.Stages.Register(&dispatch.StageNode{Name: "assert", Priority: 100, Processor: shorthand.AssertShorthand})
	p.Stages.Register(&dispatch.StageNode{Name: "delete", Priority: 50, Processor: shorthand.DeleteShorthand})
	p.Stages.Register(&dispatch.StageNode{Name: "assign", Priority: 0, Processor: shorthand.AssignShorthand})

	register := func(name string, fn func(*engine.Context, *value.Object) (any, error)) {
		p.Actions.Register(&dispatch.ActionNode{Name: name, Priority: 0, Match: opMatcher(name), Handler: asObjHandler(fn), Exclusive: true})
	}
	register("set", operation.Set)
	register("copy", operation.Copy)
	register("delete", operation.Delete)
	register("if", operation.If)
	register("foreach", operation.Foreach)

	p.Actions.Register(&dispatch.ActionNode{Name: "$break", Priority: 0, Match: markerMatcher("$break"), Handler: asObjHandler(operation.BreakOp), Exclusive: true})
	p.Actions.Register(&dispatch.ActionNode{Name: "$continue", Priority: 0, Match: markerMatcher("$continue"), Handler: asObjHandler(operation.ContinueOp), Exclusive: true})
	p.Actions.Register(&dispatch.ActionNode{Name: "$return", Priority: 0, Match: markerMatcher("$return"), Handler: asObjHandler(operation.ReturnOp), Exclusive: true})

	eng := engine.New(engine.DefaultLimits())
	eng.Main = p
	eng.Value = NewValuePipeline(template.New(templateCasters()))
	return p, eng
}

// templateCasters adapts construct.BuiltinCasters' plain func type to
// template.Caster's named type.
func templateCasters() map[string]template.Caster {
	out := make(map[string]template.Caster, len(construct.BuiltinCasters))
	for name, fn := range construct.BuiltinCasters {
		out[name] = template.Caster(fn)
	}
	return out
}

func objWith(pairs ...any) *value.Object {
	o := value.NewObject()
	for i := 0; i < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1])
	}
	return o
}

func TestPipelineRunsExplicitSetStep(t *testing.T) {
	_, eng := newTestPipeline()
	ctx := engine.NewContext(eng, value.NewObject(), value.NewObject())
	step := objWith("op", "set", "path", "/name", "value", "alice")
	_, err := eng.Main.Run(ctx, step)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := eng.Processor.Get(ctx, "@:/name")
	if got != "alice" {
		t.Errorf("name = %v, want alice", got)
	}
}

func TestPipelineExpandsShorthandAssign(t *testing.T) {
	_, eng := newTestPipeline()
	src := objWith("user", objWith("name", "bob"))
	ctx := engine.NewContext(eng, src, value.NewObject())

	step := objWith("/name", "/user/name")
	_, err := eng.Main.Run(ctx, step)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := eng.Processor.Get(ctx, "@:/name")
	if got != "bob" {
		t.Errorf("name = %v, want bob", got)
	}
}

func TestPipelineExpandsShorthandDeleteAndAssignTogether(t *testing.T) {
	_, eng := newTestPipeline()
	src := objWith("user", objWith("name", "carol"))
	dest := objWith("tmp", "stale")
	ctx := engine.NewContext(eng, src, dest)

	step := objWith("~delete", "/tmp", "/name", "/user/name")
	_, err := eng.Main.Run(ctx, step)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.Processor.Exists(ctx, "@:/tmp") {
		t.Errorf("/tmp should have been deleted")
	}
	got, _ := eng.Processor.Get(ctx, "@:/name")
	if got != "carol" {
		t.Errorf("name = %v, want carol", got)
	}
}

func TestPipelineRunsMultipleStepsInOrder(t *testing.T) {
	_, eng := newTestPipeline()
	ctx := engine.NewContext(eng, value.NewObject(), value.NewObject())

	steps := []any{
		objWith("op", "set", "path", "/a", "value", 1.0),
		objWith("op", "set", "path", "/b", "value", 2.0),
	}
	_, err := eng.Main.Run(ctx, steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a, _ := eng.Processor.Get(ctx, "@:/a")
	b, _ := eng.Processor.Get(ctx, "@:/b")
	if a != 1.0 || b != 2.0 {
		t.Errorf("a=%v b=%v, want 1.0 2.0", a, b)
	}
}

func TestPipelineAnnotatesPlainErrorWithCallStack(t *testing.T) {
	_, eng := newTestPipeline()
	ctx := engine.NewContext(eng, value.NewObject(), value.NewObject())

	step := objWith("op", "copy", "path", "/x", "from", "/missing", "ignore_missing", false)
	_, err := eng.Main.Run(ctx, step)
	if err == nil {
		t.Fatal("expected an error for a missing copy source")
	}
	cse, ok := err.(*CallStackError)
	if !ok {
		t.Fatalf("error type = %T, want *CallStackError", err)
	}
	if len(cse.Stack) == 0 {
		t.Errorf("expected a non-empty call stack annotation, got %v", cse.Stack)
	}
}

func TestPipelineForeachHandlesBreakInternally(t *testing.T) {
	_, eng := newTestPipeline()
	src := objWith("items", []any{1.0, 2.0})
	ctx := engine.NewContext(eng, src, value.NewObject())

	body := []any{objWith("$break", nil)}
	step := objWith("op", "foreach", "in", "/items", "as", "item", "do", body)
	// $break inside foreach's own body is handled internally by
	// operation.Foreach, so running it at the top level should succeed
	// (the loop stops cleanly) rather than surface a Break error here.
	_, err := eng.Main.Run(ctx, step)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestValuePipelineResolvesRefConstruct(t *testing.T) {
	_, eng := newTestPipeline()
	vp := eng.Value.(*ValuePipeline)
	vp.Constructs.Register(&dispatch.ActionNode{
		Name:     "$ref",
		Priority: 0,
		Match: func(step any) bool {
			obj, ok := step.(*value.Object)
			return ok && obj.Has("$ref")
		},
		Handler:   asObjHandler(construct.Ref),
		Exclusive: true,
	})

	src := objWith("name", "dana")
	ctx := engine.NewContext(eng, src, value.NewObject())
	resolved, err := eng.ProcessValue(ctx, objWith("$ref", "/name"))
	if err != nil {
		t.Fatalf("ProcessValue: %v", err)
	}
	if resolved != "dana" {
		t.Errorf("resolved = %v, want dana", resolved)
	}
}

func TestValuePipelineRecursesIntoContainers(t *testing.T) {
	_, eng := newTestPipeline()
	ctx := engine.NewContext(eng, value.NewObject(), value.NewObject())
	input := []any{"a", "b", objWith("k", "v")}
	out, err := eng.ProcessValue(ctx, input)
	if err != nil {
		t.Fatalf("ProcessValue: %v", err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("out = %#v, want a 3-element list", out)
	}
}

func TestValuePipelineUnescapesAfterStabilisation(t *testing.T) {
	_, eng := newTestPipeline()
	ctx := engine.NewContext(eng, value.NewObject(), value.NewObject())
	out, err := eng.ProcessValue(ctx, "literal $${/a} stays")
	if err != nil {
		t.Fatalf("ProcessValue: %v", err)
	}
	if out != "literal ${/a} stays" {
		t.Errorf("out = %q, want the $${ escape collapsed to ${", out)
	}
}

var _ signal.PipelineSignal = signal.RawValue{}
