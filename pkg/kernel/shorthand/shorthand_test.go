package shorthand

import (
	"testing"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

func newTestContext() *engine.Context {
	eng := engine.New(engine.DefaultLimits())
	return engine.NewContext(eng, value.NewObject(), value.NewObject())
}

func objWith(pairs ...any) *value.Object {
	o := value.NewObject()
	for i := 0; i < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1])
	}
	return o
}

func getOp(t *testing.T, step any, key string) (any, bool) {
	t.Helper()
	obj, ok := step.(*value.Object)
	if !ok {
		t.Fatalf("step = %T, want *value.Object", step)
	}
	return obj.Get(key)
}

func TestAssertShorthandPeelsAssertKey(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~assert", objWith("/x", 5.0))
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "assert" {
		t.Errorf("op = %v, want assert", op)
	}
	path, _ := getOp(t, out, "path")
	if path != "/x" {
		t.Errorf("path = %v, want /x", path)
	}
	equals, _ := getOp(t, out, "equals")
	if equals != 5.0 {
		t.Errorf("equals = %v, want 5.0", equals)
	}
}

func TestAssertShorthandPeelsAssertDKey(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~assertD", objWith("/y", "ok"))
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "assertD" {
		t.Errorf("op = %v, want assertD", op)
	}
}

func TestAssertShorthandScalarValueIsBarePath(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~assert", "/required")
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "assert" {
		t.Errorf("op = %v, want assert", op)
	}
	path, _ := getOp(t, out, "path")
	if path != "/required" {
		t.Errorf("path = %v, want /required", path)
	}
	if _, has := getOp(t, out, "equals"); has {
		t.Errorf("a scalar ~assert value must not synthesize an equals field")
	}
}

func TestAssertShorthandListValueIsBarePathsOneAssertEach(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~assert", []any{"/a", "/b"})
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %#v, want a 2-element list of path-only assert steps", out)
	}
	for i, want := range []string{"/a", "/b"} {
		op, _ := getOp(t, arr[i], "op")
		if op != "assert" {
			t.Errorf("arr[%d].op = %v, want assert", i, op)
		}
		path, _ := getOp(t, arr[i], "path")
		if path != want {
			t.Errorf("arr[%d].path = %v, want %v", i, path, want)
		}
		if _, has := getOp(t, arr[i], "equals"); has {
			t.Errorf("arr[%d] must not carry an equals field", i)
		}
	}
}

func TestAssertShorthandLeavesRemainingKeysForNextStage(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~assert", objWith("/x", 5.0), "/name", "/user/name")
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %#v, want a 2-element list (assert step + remaining object)", out)
	}
	assertStep, _ := getOp(t, arr[0], "op")
	if assertStep != "assert" {
		t.Errorf("arr[0].op = %v, want assert", assertStep)
	}
	rest, ok := arr[1].(*value.Object)
	if !ok {
		t.Fatalf("arr[1] = %T, want *value.Object", arr[1])
	}
	if v, ok := rest.Get("/name"); !ok || v != "/user/name" {
		t.Errorf("rest[/name] = %v, want /user/name", v)
	}
}

func TestAssertShorthandPassthroughOnExplicitOp(t *testing.T) {
	ctx := newTestContext()
	step := objWith("op", "set", "path", "/x", "value", 1.0)
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	if out != any(step) {
		t.Errorf("explicit step should pass through unchanged")
	}
}

func TestControlFlowMarkerPassesThroughAllStagesUnchanged(t *testing.T) {
	ctx := newTestContext()
	step := objWith("$break", nil)

	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	out, err = DeleteShorthand(ctx, out)
	if err != nil {
		t.Fatalf("DeleteShorthand: %v", err)
	}
	out, err = AssignShorthand(ctx, out)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}
	if out != any(step) {
		t.Errorf("a {$break} control-flow step must never be rewritten as a pointer assignment, got %#v", out)
	}
}

func TestAssertShorthandPassthroughWhenNoSugarKey(t *testing.T) {
	ctx := newTestContext()
	step := objWith("/name", "/user/name")
	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	if out != any(step) {
		t.Errorf("object without ~assert/~assertD should pass through unchanged")
	}
}

func TestDeleteShorthandPeelsPathString(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~delete", "/tmp")
	out, err := DeleteShorthand(ctx, step)
	if err != nil {
		t.Fatalf("DeleteShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "delete" {
		t.Errorf("op = %v, want delete", op)
	}
	path, _ := getOp(t, out, "path")
	if path != "/tmp" {
		t.Errorf("path = %v, want /tmp", path)
	}
}

func TestDeleteShorthandWithRemainingAssignKey(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~delete", "/tmp", "/name", "/user/name")
	out, err := DeleteShorthand(ctx, step)
	if err != nil {
		t.Fatalf("DeleteShorthand: %v", err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %#v, want a 2-element list", out)
	}
	rest, ok := arr[1].(*value.Object)
	if !ok || rest.Len() != 1 {
		t.Fatalf("arr[1] = %#v, want the remaining single-key object", arr[1])
	}
}

func TestDeleteShorthandObjectForm(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~delete", objWith("path", "/tmp", "ignore_missing", false))
	out, err := DeleteShorthand(ctx, step)
	if err != nil {
		t.Fatalf("DeleteShorthand: %v", err)
	}
	ignoreMissing, _ := getOp(t, out, "ignore_missing")
	if ignoreMissing != false {
		t.Errorf("ignore_missing = %v, want false", ignoreMissing)
	}
}

func TestAssignShorthandProducesCopyForPointerLikeValue(t *testing.T) {
	ctx := newTestContext()
	step := objWith("/name", "/user/name")
	out, err := AssignShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "copy" {
		t.Errorf("op = %v, want copy", op)
	}
	from, _ := getOp(t, out, "from")
	if from != "/user/name" {
		t.Errorf("from = %v, want /user/name", from)
	}
	path, _ := getOp(t, out, "path")
	if path != "/name" {
		t.Errorf("path = %v, want /name", path)
	}
}

func TestAssignShorthandProducesSetForLiteralValue(t *testing.T) {
	ctx := newTestContext()
	step := objWith("/status", "active")
	out, err := AssignShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}
	op, _ := getOp(t, out, "op")
	if op != "set" {
		t.Errorf("op = %v, want set", op)
	}
	val, _ := getOp(t, out, "value")
	if val != "active" {
		t.Errorf("value = %v, want active", val)
	}
}

func TestAssignShorthandRewritesBracketSuffixToAppend(t *testing.T) {
	ctx := newTestContext()
	step := objWith("/result[]", "&:/item")
	out, err := AssignShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}
	path, _ := getOp(t, out, "path")
	if path != "/result/-" {
		t.Errorf("path = %v, want /result/-", path)
	}
	op, _ := getOp(t, out, "op")
	if op != "copy" {
		t.Errorf("op = %v, want copy (pointer-like &: value)", op)
	}
}

func TestAssignShorthandMultipleKeysProducesOrderedList(t *testing.T) {
	ctx := newTestContext()
	step := objWith("/name", "/user/name", "/status", "active")
	out, err := AssignShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}
	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %#v, want a 2-element list", out)
	}
}

func TestFullShorthandChainExample(t *testing.T) {
	ctx := newTestContext()
	step := objWith("~delete", "/tmp", "/name", "/user/name")

	out, err := AssertShorthand(ctx, step)
	if err != nil {
		t.Fatalf("AssertShorthand: %v", err)
	}
	out, err = DeleteShorthand(ctx, out)
	if err != nil {
		t.Fatalf("DeleteShorthand: %v", err)
	}
	out, err = AssignShorthand(ctx, out)
	if err != nil {
		t.Fatalf("AssignShorthand: %v", err)
	}

	arr, ok := out.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("out = %#v, want a 2-element list (delete step + copy step)", out)
	}
	firstOp, _ := getOp(t, arr[0], "op")
	secondOp, _ := getOp(t, arr[1], "op")
	if firstOp != "delete" || secondOp != "copy" {
		t.Errorf("ops = %v, %v, want delete, copy", firstOp, secondOp)
	}
}
