package construct

import (
	"testing"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

type stubRunner struct {
	fn func(ctx *engine.Context, steps any) (any, error)
}

func (s stubRunner) Run(ctx *engine.Context, steps any) (any, error) { return s.fn(ctx, steps) }

func newTestContext(source any) *engine.Context {
	eng := engine.New(engine.DefaultLimits())
	eng.Value = stubRunner{fn: func(_ *engine.Context, steps any) (any, error) { return steps, nil }}
	eng.Main = stubRunner{fn: func(ctx *engine.Context, steps any) (any, error) { return ctx.Dest, nil }}
	return engine.NewContext(eng, source, value.NewObject())
}

func objWith(pairs ...any) *value.Object {
	o := value.NewObject()
	for i := 0; i < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1])
	}
	return o
}

func TestRefResolvesSourcePointer(t *testing.T) {
	src := objWith("name", "alice")
	ctx := newTestContext(src)
	node := objWith("$ref", "/name")

	got, err := Ref(ctx, node)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if got != "alice" {
		t.Errorf("Ref = %v, want alice", got)
	}
}

func TestRefFallsBackToDefaultOnMiss(t *testing.T) {
	ctx := newTestContext(value.NewObject())
	node := objWith("$ref", "/missing", "$default", "fallback")

	got, err := Ref(ctx, node)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if got != "fallback" {
		t.Errorf("Ref = %v, want fallback", got)
	}
}

func TestExistsReportsPresence(t *testing.T) {
	src := objWith("name", "alice")
	ctx := newTestContext(src)

	got, err := Exists(ctx, objWith("$exists", "/name"))
	if err != nil || got != true {
		t.Errorf("Exists(/name) = (%v, %v), want (true, nil)", got, err)
	}
	got, err = Exists(ctx, objWith("$exists", "/missing"))
	if err != nil || got != false {
		t.Errorf("Exists(/missing) = (%v, %v), want (false, nil)", got, err)
	}
}

func TestAndOrNot(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := And(ctx, objWith("$and", []any{true, true, false}))
	if err != nil || got != false {
		t.Errorf("And = (%v, %v), want (false, nil)", got, err)
	}
	got, err = Or(ctx, objWith("$or", []any{false, false, true}))
	if err != nil || got != true {
		t.Errorf("Or = (%v, %v), want (true, nil)", got, err)
	}
	got, err = Not(ctx, objWith("$not", false))
	if err != nil || got != true {
		t.Errorf("Not = (%v, %v), want (true, nil)", got, err)
	}
}

func TestComparisonOperators(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	if got, _ := Gt(ctx, objWith("$gt", []any{3.0, 2.0})); got != true {
		t.Errorf("Gt(3,2) = %v, want true", got)
	}
	if got, _ := Lte(ctx, objWith("$lte", []any{2.0, 2.0})); got != true {
		t.Errorf("Lte(2,2) = %v, want true", got)
	}
	if got, _ := Eq(ctx, objWith("$eq", []any{objWith("a", 1.0), objWith("a", 1.0)})); got != true {
		t.Errorf("Eq on equal objects = %v, want true", got)
	}
}

func TestInMembership(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := In(ctx, objWith("$in", []any{"b", []any{"a", "b", "c"}}))
	if err != nil || got != true {
		t.Errorf("In(b, [a b c]) = (%v, %v), want (true, nil)", got, err)
	}
	got, err = In(ctx, objWith("$in", []any{"xy", "abxycd"}))
	if err != nil || got != true {
		t.Errorf("In(xy, abxycd) = (%v, %v), want (true, nil)", got, err)
	}
}

func TestAddStringAndNumeric(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := Add(ctx, objWith("$add", []any{1, 2, 3}))
	if err != nil || got != 6 {
		t.Errorf("Add(1,2,3) = (%v, %v), want (6, nil)", got, err)
	}
	got, err = Add(ctx, objWith("$add", []any{"foo", "bar"}))
	if err != nil || got != "foobar" {
		t.Errorf("Add(foo,bar) = (%v, %v), want (foobar, nil)", got, err)
	}
}

func TestAddNumberResultLimitEnforced(t *testing.T) {
	ctx := newTestContext(value.NewObject())
	ctx.Engine.Limits.AddMaxNumberResult = 10

	_, err := Add(ctx, objWith("$add", []any{8.0, 8.0}))
	if err == nil {
		t.Fatal("Add exceeding AddMaxNumberResult should error")
	}
	if _, ok := err.(*signal.LimitExceeded); !ok {
		t.Errorf("error type = %T, want *signal.LimitExceeded", err)
	}
}

func TestMulStringRepeat(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := Mul(ctx, objWith("$mul", []any{"ab", 3}))
	if err != nil || got != "ababab" {
		t.Errorf("Mul(ab,3) = (%v, %v), want (ababab, nil)", got, err)
	}
}

func TestDivByZeroErrors(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	_, err := Div(ctx, objWith("$div", []any{1.0, 0.0}))
	if err == nil {
		t.Fatal("Div by zero should error")
	}
}

func TestPowLimits(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := Pow(ctx, objWith("$pow", []any{2.0, 10.0}))
	if err != nil || got != 1024.0 {
		t.Errorf("Pow(2,10) = (%v, %v), want (1024, nil)", got, err)
	}

	ctx.Engine.Limits.PowMaxExponent = 5
	_, err = Pow(ctx, objWith("$pow", []any{2.0, 10.0}))
	if err == nil {
		t.Fatal("Pow exceeding PowMaxExponent should error")
	}
}

func TestStrSplitJoinRoundTrip(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := StrSplit(ctx, objWith("$str_split", objWith("value", "a,b,c", "sep", ",")))
	if err != nil {
		t.Fatalf("StrSplit: %v", err)
	}
	parts, ok := got.([]any)
	if !ok || len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("StrSplit result = %v", got)
	}

	joined, err := StrJoin(ctx, objWith("$str_join", objWith("value", parts, "sep", "-")))
	if err != nil || joined != "a-b-c" {
		t.Errorf("StrJoin = (%v, %v), want (a-b-c, nil)", joined, err)
	}
}

func TestStrSliceNegativeIndices(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := StrSlice(ctx, objWith("$str_slice", objWith("value", "hello", "start", -3.0)))
	if err != nil || got != "llo" {
		t.Errorf("StrSlice(hello, -3:) = (%v, %v), want (llo, nil)", got, err)
	}
}

func TestStrReplace(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := StrReplace(ctx, objWith("$str_replace", objWith("value", "aaa", "old", "a", "new", "b", "count", 2.0)))
	if err != nil || got != "bba" {
		t.Errorf("StrReplace = (%v, %v), want (bba, nil)", got, err)
	}
}

func TestStrPredicates(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	if got, _ := StrContains(ctx, objWith("$str_contains", objWith("value", "hello", "sub", "ell"))); got != true {
		t.Errorf("StrContains = %v, want true", got)
	}
	if got, _ := StrStartswith(ctx, objWith("$str_startswith", objWith("value", "hello", "sub", "he"))); got != true {
		t.Errorf("StrStartswith = %v, want true", got)
	}
	if got, _ := StrEndswith(ctx, objWith("$str_endswith", objWith("value", "hello", "sub", "lo"))); got != true {
		t.Errorf("StrEndswith = %v, want true", got)
	}
}

func TestRegexMatchSearchFindall(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := RegexMatch(ctx, objWith("$regex_match", objWith("value", "abc123", "pattern", `[a-z]+\d+`)))
	if err != nil || got != true {
		t.Errorf("RegexMatch = (%v, %v), want (true, nil)", got, err)
	}

	got, err = RegexSearch(ctx, objWith("$regex_search", objWith("value", "xx123yy", "pattern", `\d+`)))
	if err != nil || got != true {
		t.Errorf("RegexSearch = (%v, %v), want (true, nil)", got, err)
	}

	got, err = RegexFindall(ctx, objWith("$regex_findall", objWith("value", "a1 b2 c3", "pattern", `[a-z]\d`)))
	if err != nil {
		t.Fatalf("RegexFindall: %v", err)
	}
	matches, ok := got.([]any)
	if !ok || len(matches) != 3 {
		t.Errorf("RegexFindall = %v, want 3 matches", got)
	}
}

func TestRegexReplaceWithBackreference(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := RegexReplace(ctx, objWith("$regex_replace", objWith(
		"value", "2024-01-15", "pattern", `(\d+)-(\d+)-(\d+)`, "repl", `\3/\2/\1`)))
	if err != nil || got != "15/01/2024" {
		t.Errorf("RegexReplace = (%v, %v), want (15/01/2024, nil)", got, err)
	}
}

func TestRegexGroupsNamedAndPositional(t *testing.T) {
	ctx := newTestContext(value.NewObject())

	got, err := RegexGroups(ctx, objWith("$regex_groups", objWith(
		"value", "key=value", "pattern", `(?P<k>\w+)=(?P<v>\w+)`)))
	if err != nil {
		t.Fatalf("RegexGroups: %v", err)
	}
	obj, ok := got.(*value.Object)
	if !ok {
		t.Fatalf("RegexGroups result type = %T", got)
	}
	if v, _ := obj.Get("k"); v != "key" {
		t.Errorf("groups[k] = %v, want key", v)
	}
	if v, _ := obj.Get("v"); v != "value" {
		t.Errorf("groups[v] = %v, want value", v)
	}
}

func TestCastBuiltins(t *testing.T) {
	ctx := newTestContext(value.NewObject())
	fn := Cast(BuiltinCasters)

	got, err := fn(ctx, objWith("$cast", objWith("value", "42", "type", "int")))
	if err != nil || got != 42 {
		t.Errorf("Cast(str->int) = (%v, %v), want (42, nil)", got, err)
	}

	_, err = fn(ctx, objWith("$cast", objWith("value", "42", "type", "nope")))
	if err == nil {
		t.Fatal("Cast with unknown type should error")
	}
}

func TestExprEvaluatesAgainstSourceAndDest(t *testing.T) {
	src := objWith("n", 5.0)
	ctx := newTestContext(src)

	got, err := Expr(ctx, objWith("$expr", "source.n * 2"))
	if err != nil {
		t.Fatalf("Expr: %v", err)
	}
	f, ok := value.AsFloat(got)
	if !ok || f != 10 {
		t.Errorf("Expr(source.n * 2) = %v, want 10", got)
	}
}

func TestEvalRunsSubPipelineAndProjectsSelect(t *testing.T) {
	ctx := newTestContext(value.NewObject())
	ctx.Engine.Main = stubRunner{fn: func(sub *engine.Context, steps any) (any, error) {
		sub.Dest = objWith("computed", 99.0)
		return sub.Dest, nil
	}}

	got, err := Eval(ctx, objWith("$eval", []any{"noop"}, "$select", "/computed"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got != 99.0 {
		t.Errorf("Eval with $select = %v, want 99.0", got)
	}
}
