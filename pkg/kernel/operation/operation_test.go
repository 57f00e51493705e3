package operation

import (
	"testing"

	"github.com/ormasoftchile/jperm/pkg/kernel/construct"
	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// identityRunner runs a single step-shaped Object by dispatching directly
// to the operation named in its "op" field, or by recognizing the
// control-flow marker keys — just enough of a Runner to test operation.Fn
// in isolation without depending on package pipeline.
type identityRunner struct{}

func (identityRunner) Run(ctx *engine.Context, steps any) (any, error) {
	switch t := steps.(type) {
	case []any:
		var result any = ctx.Dest
		for _, s := range t {
			r, err := identityRunner{}.Run(ctx, s)
			if err != nil {
				return nil, err
			}
			result = r
		}
		return result, nil
	case *value.Object:
		if op, ok := t.Get("op"); ok {
			return dispatchOp(ctx, op.(string), t)
		}
		if _, ok := t.Get("$break"); ok {
			return BreakOp(ctx, t)
		}
		if _, ok := t.Get("$continue"); ok {
			return ContinueOp(ctx, t)
		}
		if _, ok := t.Get("$return"); ok {
			return ReturnOp(ctx, t)
		}
		if _, ok := t.Get("$raise"); ok {
			return Raise(ctx, t)
		}
		if _, ok := t.Get("$def"); ok {
			return Def(ctx, t)
		}
		if _, ok := t.Get("$func"); ok {
			return Call(ctx, t)
		}
		return ctx.Dest, nil
	default:
		return ctx.Dest, nil
	}
}

func dispatchOp(ctx *engine.Context, op string, step *value.Object) (any, error) {
	switch op {
	case "set":
		return Set(ctx, step)
	case "copy":
		return Copy(ctx, step)
	case "copyD":
		return CopyD(ctx, step)
	case "delete":
		return Delete(ctx, step)
	case "foreach":
		return Foreach(ctx, step)
	case "while":
		return While(ctx, step)
	case "if":
		return If(ctx, step)
	case "exec":
		return Exec(ctx, step)
	case "update":
		return Update(ctx, step)
	case "distinct":
		return Distinct(ctx, step)
	case "replace_root":
		return ReplaceRoot(ctx, step)
	case "assert":
		return Assert(ctx, step)
	case "assertD":
		return AssertD(ctx, step)
	case "try":
		return Try(ctx, step)
	}
	return nil, &signal.ShapeError{What: op, Detail: "unknown op"}
}

// passthroughValueRunner resolves {"$ref": ...} markers via package
// construct and leaves everything else untouched, just enough of the
// value pipeline for these operation-level tests.
type passthroughValueRunner struct{}

func (passthroughValueRunner) Run(ctx *engine.Context, steps any) (any, error) {
	if obj, ok := steps.(*value.Object); ok {
		if _, has := obj.Get("$ref"); has {
			return construct.Ref(ctx, obj)
		}
	}
	return steps, nil
}

func newTestContext(source, dest any) *engine.Context {
	eng := engine.New(engine.DefaultLimits())
	eng.Value = passthroughValueRunner{}
	eng.Main = identityRunner{}
	return engine.NewContext(eng, source, dest)
}

func objWith(pairs ...any) *value.Object {
	o := value.NewObject()
	for i := 0; i < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1])
	}
	return o
}

func TestSetWritesPath(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())
	_, err := Set(ctx, objWith("path", "/name", "value", "alice"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/name")
	if got != "alice" {
		t.Errorf("dest/name = %v, want alice", got)
	}
}

func TestSetAppendCreatesList(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())
	_, err := Set(ctx, objWith("path", "/items/-", "value", "a"))
	if err != nil {
		t.Fatalf("Set append #1: %v", err)
	}
	_, err = Set(ctx, objWith("path", "/items/-", "value", "b"))
	if err != nil {
		t.Fatalf("Set append #2: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/items")
	arr, ok := got.([]any)
	if !ok || len(arr) != 2 || arr[0] != "a" || arr[1] != "b" {
		t.Errorf("items = %v, want [a b]", got)
	}
}

func TestCopyFromSourceToDest(t *testing.T) {
	src := objWith("name", "bob")
	ctx := newTestContext(src, value.NewObject())
	_, err := Copy(ctx, objWith("from", "/name", "path", "/dest_name"))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/dest_name")
	if got != "bob" {
		t.Errorf("dest_name = %v, want bob", got)
	}
}

func TestCopyIgnoreMissing(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())
	_, err := Copy(ctx, objWith("from", "/missing", "path", "/x", "ignore_missing", true))
	if err != nil {
		t.Fatalf("Copy with ignore_missing should not error: %v", err)
	}
}

func TestDeleteRemovesPath(t *testing.T) {
	dest := objWith("a", 1.0)
	ctx := newTestContext(value.NewObject(), dest)
	_, err := Delete(ctx, objWith("path", "/a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if dest.Has("a") {
		t.Error("dest still has key a after delete")
	}
}

func TestDeleteRejectsAppendTerminal(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())
	_, err := Delete(ctx, objWith("path", "/items/-"))
	if err == nil {
		t.Fatal("Delete with '-' terminal should error")
	}
}

func TestForeachAccumulatesResults(t *testing.T) {
	src := objWith("items", []any{1.0, 2.0, 3.0})
	ctx := newTestContext(src, value.NewObject())

	body := []any{objWith("op", "set", "path", "/sum/-", "value", objWith("$ref", "&:item"))}
	_, err := Foreach(ctx, objWith("in", "/items", "as", "item", "do", body))
	if err != nil {
		t.Fatalf("Foreach: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/sum")
	arr, ok := got.([]any)
	if !ok || len(arr) != 3 {
		t.Errorf("sum = %v, want 3 elements", got)
	}
}

func TestForeachBreakStopsEarly(t *testing.T) {
	src := objWith("items", []any{1.0, 2.0, 3.0})
	ctx := newTestContext(src, value.NewObject())

	body := []any{objWith("$break", nil)}
	_, err := Foreach(ctx, objWith("in", "/items", "as", "item", "do", body))
	if err != nil {
		t.Fatalf("Foreach with $break: %v", err)
	}
}

func TestIfBranchesOnCond(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())
	step := objWith("cond", true, "then", []any{objWith("op", "set", "path", "/x", "value", "yes")})
	_, err := If(ctx, step)
	if err != nil {
		t.Fatalf("If: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/x")
	if got != "yes" {
		t.Errorf("x = %v, want yes", got)
	}
}

func TestWhileLoopsUntilConditionFalse(t *testing.T) {
	dest := objWith("n", 0.0)
	ctx := newTestContext(value.NewObject(), dest)

	step := objWith("path", "/n", "equals", 0.0,
		"do", []any{objWith("op", "set", "path", "/n", "value", 1.0)})
	_, err := While(ctx, step)
	if err != nil {
		t.Fatalf("While: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/n")
	if got != 1.0 {
		t.Errorf("n = %v, want 1.0 (loop should run exactly once)", got)
	}
}

func TestUpdateShallowMerge(t *testing.T) {
	dest := objWith("target", objWith("a", 1.0))
	ctx := newTestContext(value.NewObject(), dest)

	_, err := Update(ctx, objWith("path", "/target", "value", objWith("b", 2.0)))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	target, _ := ctx.Engine.Processor.Get(ctx, "@:/target")
	obj := target.(*value.Object)
	if v, _ := obj.Get("a"); v != 1.0 {
		t.Errorf("a = %v, want 1.0", v)
	}
	if v, _ := obj.Get("b"); v != 2.0 {
		t.Errorf("b = %v, want 2.0", v)
	}
}

func TestUpdateRootMerge(t *testing.T) {
	ctx := newTestContext(value.NewObject(), objWith("a", 1.0))
	_, err := Update(ctx, objWith("path", "", "value", objWith("b", 2.0)))
	if err != nil {
		t.Fatalf("Update at root: %v", err)
	}
	root := ctx.Dest.(*value.Object)
	if v, _ := root.Get("a"); v != 1.0 {
		t.Errorf("root.a = %v, want 1.0", v)
	}
	if v, _ := root.Get("b"); v != 2.0 {
		t.Errorf("root.b = %v, want 2.0", v)
	}
}

func TestDistinctDeduplicatesPreservingOrder(t *testing.T) {
	dest := objWith("items", []any{1.0, 2.0, 1.0, 3.0, 2.0})
	ctx := newTestContext(value.NewObject(), dest)

	_, err := Distinct(ctx, objWith("path", "/items"))
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/items")
	arr := got.([]any)
	if len(arr) != 3 || arr[0] != 1.0 || arr[1] != 2.0 || arr[2] != 3.0 {
		t.Errorf("items = %v, want [1 2 3]", got)
	}
}

func TestReplaceRootReplacesDestWholesale(t *testing.T) {
	ctx := newTestContext(value.NewObject(), objWith("old", 1.0))
	_, err := ReplaceRoot(ctx, objWith("value", objWith("new", 2.0)))
	if err != nil {
		t.Fatalf("ReplaceRoot: %v", err)
	}
	root, ok := ctx.Dest.(*value.Object)
	if !ok || root.Has("old") {
		t.Error("dest should no longer have 'old' after replace_root")
	}
	if v, _ := root.Get("new"); v != 2.0 {
		t.Errorf("new = %v, want 2.0", v)
	}
}

func TestAssertFailsOnMismatch(t *testing.T) {
	src := objWith("status", "bad")
	ctx := newTestContext(src, value.NewObject())

	_, err := Assert(ctx, objWith("path", "/status", "equals", "good"))
	if err == nil {
		t.Fatal("Assert should fail on mismatch")
	}
	if _, ok := err.(*signal.AssertionFailure); !ok {
		t.Errorf("error type = %T, want *signal.AssertionFailure", err)
	}
}

func TestAssertReturnModeYieldsFalseInsteadOfError(t *testing.T) {
	src := objWith("status", "bad")
	ctx := newTestContext(src, value.NewObject())

	got, err := Assert(ctx, objWith("path", "/status", "equals", "good", "return", true))
	if err != nil {
		t.Fatalf("Assert with return=true should not error: %v", err)
	}
	if got != false {
		t.Errorf("Assert return value = %v, want false", got)
	}
}

func TestTryRollsBackAndRunsCatch(t *testing.T) {
	ctx := newTestContext(value.NewObject(), objWith("before", "ok"))

	body := []any{
		objWith("op", "set", "path", "/partial", "value", "leaked"),
		objWith("op", "assert", "value", "bad", "equals", "good"),
	}
	catch := []any{objWith("op", "set", "path", "/recovered", "value", true)}

	_, err := Try(ctx, objWith("do", body, "except", catch))
	if err != nil {
		t.Fatalf("Try: %v", err)
	}
	if ctx.Dest.(*value.Object).Has("partial") {
		t.Error("Try should roll back dest mutations made before the failure")
	}
	if v, _ := ctx.Dest.(*value.Object).Get("recovered"); v != true {
		t.Error("Try should run the catch branch")
	}
}

func TestDefAndCallRoundTrip(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())

	defStep := objWith("$def", "double", "params", []any{"n"},
		"body", []any{objWith("op", "set", "path", "/result", "value", objWith("$ref", "&:n"))})
	_, err := Def(ctx, defStep)
	if err != nil {
		t.Fatalf("Def: %v", err)
	}

	_, err = Call(ctx, objWith("$func", "double", "args", []any{21.0}))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	got, _ := ctx.Engine.Processor.Get(ctx, "@:/result")
	if got != 21.0 {
		t.Errorf("result = %v, want 21.0", got)
	}
}

func TestBreakContinueReturnSignalTypes(t *testing.T) {
	ctx := newTestContext(value.NewObject(), value.NewObject())

	if _, err := BreakOp(ctx, value.NewObject()); err == nil {
		t.Error("BreakOp should return a signal.Break error")
	} else if _, ok := err.(signal.Break); !ok {
		t.Errorf("BreakOp error type = %T, want signal.Break", err)
	}

	if _, err := ContinueOp(ctx, value.NewObject()); err == nil {
		t.Error("ContinueOp should return a signal.Continue error")
	} else if _, ok := err.(signal.Continue); !ok {
		t.Errorf("ContinueOp error type = %T, want signal.Continue", err)
	}

	_, err := ReturnOp(ctx, objWith("$return", "done"))
	ret, ok := err.(signal.Return)
	if !ok {
		t.Fatalf("ReturnOp error type = %T, want signal.Return", err)
	}
	if ret.Value != "done" {
		t.Errorf("Return.Value = %v, want done", ret.Value)
	}
}
