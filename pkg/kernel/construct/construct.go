// Package construct implements the value-construct handler table from
// spec.md §4.C: resolution ($ref, $eval, $exists, $raw), logical,
// comparison, arithmetic, string/regex/cast, and the supplemented $expr.
// Each handler is grounded on its counterpart in
// original_source/src/j_perm/handlers/constructs.py, carrying forward that
// file's exact resource-limit defaults.
package construct

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Fn is a single value-construct handler: given the full marker Object and
// the current context, produce the construct's resolved value.
type Fn func(ctx *engine.Context, node *value.Object) (any, error)

// missingSentinel distinguishes "$default not present" from "$default is
// explicitly null", mirroring the grounding source's `_MISSING = object()`.
type missingSentinel struct{}

var missing = missingSentinel{}

func getOr(node *value.Object, key string) any {
	if v, ok := node.Get(key); ok {
		return v
	}
	return missing
}

// ---- Resolution ------------------------------------------------------

// Ref implements $ref: resolve a pointer (itself template-expanded) from
// source by default, honoring prefix syntax and slices via the engine's
// processor, returning a deep copy. On failure, $default is returned
// (itself processed through the value pipeline) if present; otherwise the
// error propagates.
func Ref(ctx *engine.Context, node *value.Object) (any, error) {
	rawPtr, _ := node.Get("$ref")
	ptr, err := ctx.Engine.ProcessValue(ctx, rawPtr)
	if err != nil {
		return nil, err
	}
	ptrStr, ok := ptr.(string)
	if !ok {
		return nil, &signal.ShapeError{What: "$ref", Detail: "pointer must resolve to a string"}
	}
	v, err := ctx.Engine.Processor.Get(ctx, ptrStr)
	if err != nil {
		if dflt := getOr(node, "$default"); dflt != missing {
			return ctx.Engine.ProcessValue(ctx, value.DeepCopy(dflt))
		}
		return nil, err
	}
	return value.DeepCopy(v), nil
}

// Eval implements $eval: execute $eval's value as a full action spec
// against a fresh, isolated dest (so "@:" writes during evaluation cannot
// leak into the enclosing document), optionally projecting $select out of
// the result.
func Eval(ctx *engine.Context, node *value.Object) (any, error) {
	actions, _ := node.Get("$eval")
	sub := ctx.Copy(engine.WithNewDest())
	result, err := ctx.Engine.Main.Run(sub, actions)
	if err != nil {
		if ps, ok := err.(signal.PipelineSignal); ok {
			ps.Handle(func(v any) { sub.Dest = v })
		} else {
			return nil, err
		}
	}
	_ = result
	final := sub.Dest

	if selRaw, ok := node.Get("$select"); ok {
		sel, err := ctx.Engine.ProcessValue(ctx, selRaw)
		if err != nil {
			return nil, err
		}
		selStr, ok := sel.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "$eval.$select", Detail: "must resolve to a string pointer"}
		}
		// Open Question 2: an unresolvable $select raises, consistent with
		// every sibling pointer-read construct's default (no $default here).
		v, err := ctx.Engine.Resolver.Get(final, selStr)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return final, nil
}

// Exists implements $exists: boolean wrap of whether a pointer resolves.
func Exists(ctx *engine.Context, node *value.Object) (any, error) {
	rawPtr, _ := node.Get("$exists")
	ptr, err := ctx.Engine.ProcessValue(ctx, rawPtr)
	if err != nil {
		return nil, err
	}
	ptrStr, ok := ptr.(string)
	if !ok {
		return nil, &signal.ShapeError{What: "$exists", Detail: "pointer must resolve to a string"}
	}
	return ctx.Engine.Processor.Exists(ctx, ptrStr), nil
}

// Raw implements $raw as a direct construct (the "$raw: true" flag on any
// other construct is instead handled by the dispatch layer after that
// construct resolves, per spec.md §4.C). The payload is handed back as-is,
// without resolving any constructs or templates inside it.
func Raw(ctx *engine.Context, node *value.Object) (any, error) {
	v, _ := node.Get("$raw")
	return nil, signal.RawValue{Value: value.DeepCopy(v)}
}

// ---- Logical ----------------------------------------------------------

func resolveOperand(ctx *engine.Context, v any) (any, error) {
	return ctx.Engine.ProcessValue(ctx, v)
}

// And implements $and: short-circuit logical AND over an array of operands,
// resolved left to right. Returns the first falsy operand, or the last one
// when all are truthy (true for an empty array).
func And(ctx *engine.Context, node *value.Object) (any, error) {
	raw, _ := node.Get("$and")
	arr, ok := raw.([]any)
	if !ok {
		return nil, &signal.ShapeError{What: "$and", Detail: "operands must be an array"}
	}
	var last any = true
	for _, v := range arr {
		resolved, err := resolveOperand(ctx, v)
		if err != nil {
			return nil, err
		}
		if !value.Truthy(resolved) {
			return resolved, nil
		}
		last = resolved
	}
	return last, nil
}

// Or implements $or: short-circuit logical OR over an array of operands,
// resolved left to right. Returns the first truthy operand, or the last one
// when none is (false for an empty array).
func Or(ctx *engine.Context, node *value.Object) (any, error) {
	raw, _ := node.Get("$or")
	arr, ok := raw.([]any)
	if !ok {
		return nil, &signal.ShapeError{What: "$or", Detail: "operands must be an array"}
	}
	var last any = false
	for _, v := range arr {
		resolved, err := resolveOperand(ctx, v)
		if err != nil {
			return nil, err
		}
		if value.Truthy(resolved) {
			return resolved, nil
		}
		last = resolved
	}
	return last, nil
}

// Not implements $not: logical negation of a single operand.
func Not(ctx *engine.Context, node *value.Object) (any, error) {
	raw, _ := node.Get("$not")
	v, err := resolveOperand(ctx, raw)
	if err != nil {
		return nil, err
	}
	return !value.Truthy(v), nil
}

func operandArray(ctx *engine.Context, node *value.Object, key string) ([]any, error) {
	raw, _ := node.Get(key)
	arr, ok := raw.([]any)
	if !ok {
		return nil, &signal.ShapeError{What: key, Detail: "operands must be an array"}
	}
	out := make([]any, len(arr))
	for i, v := range arr {
		resolved, err := resolveOperand(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// ---- Comparison ---------------------------------------------------------

func binaryOperands(ctx *engine.Context, node *value.Object, key string) (a, b any, err error) {
	raw, _ := node.Get(key)
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return nil, nil, &signal.ShapeError{What: key, Detail: "expects a 2-element array [left, right]"}
	}
	a, err = resolveOperand(ctx, arr[0])
	if err != nil {
		return nil, nil, err
	}
	b, err = resolveOperand(ctx, arr[1])
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func compareNumeric(key string, a, b any) (int, error) {
	af, aok := value.AsFloat(a)
	bf, bok := value.AsFloat(b)
	if !aok || !bok {
		return 0, &signal.ShapeError{What: key, Detail: "operands must be numeric"}
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}

// Gt, Gte, Lt, Lte implement $gt/$gte/$lt/$lte.
func Gt(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$gt")
	if err != nil {
		return nil, err
	}
	c, err := compareNumeric("$gt", a, b)
	return c > 0, err
}

func Gte(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$gte")
	if err != nil {
		return nil, err
	}
	c, err := compareNumeric("$gte", a, b)
	return c >= 0, err
}

func Lt(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$lt")
	if err != nil {
		return nil, err
	}
	c, err := compareNumeric("$lt", a, b)
	return c < 0, err
}

func Lte(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$lte")
	if err != nil {
		return nil, err
	}
	c, err := compareNumeric("$lte", a, b)
	return c <= 0, err
}

// Eq, Ne implement $eq/$ne with deep structural equality (Open Question 3:
// NaN never equals anything, including itself).
func Eq(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$eq")
	if err != nil {
		return nil, err
	}
	return value.Equal(a, b), nil
}

func Ne(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$ne")
	if err != nil {
		return nil, err
	}
	return !value.Equal(a, b), nil
}

// In implements $in: membership test, [needle, haystack].
func In(ctx *engine.Context, node *value.Object) (any, error) {
	needle, haystack, err := binaryOperands(ctx, node, "$in")
	if err != nil {
		return nil, err
	}
	switch t := haystack.(type) {
	case []any:
		for _, v := range t {
			if value.Equal(needle, v) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "$in", Detail: "needle must be a string when haystack is a string"}
		}
		return strings.Contains(t, s), nil
	case *value.Object:
		s, ok := needle.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "$in", Detail: "needle must be a string when haystack is an object"}
		}
		return t.Has(s), nil
	default:
		return nil, &signal.ShapeError{What: "$in", Detail: "haystack must be an array, string or object"}
	}
}

// ---- Arithmetic ---------------------------------------------------------

func nAryOperands(ctx *engine.Context, node *value.Object, key string) ([]any, error) {
	raw, _ := node.Get(key)
	arr, ok := raw.([]any)
	if !ok || len(arr) < 2 {
		return nil, &signal.ShapeError{What: key, Detail: "expects an array of at least 2 operands"}
	}
	out := make([]any, len(arr))
	for i, v := range arr {
		resolved, err := resolveOperand(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// Add implements $add: left-to-right reduction, numeric addition or string
// concatenation, capped by Limits.AddMaxNumberResult/AddMaxStringResult.
func Add(ctx *engine.Context, node *value.Object) (any, error) {
	operands, err := nAryOperands(ctx, node, "$add")
	if err != nil {
		return nil, err
	}
	limits := ctx.Engine.Limits
	acc := operands[0]
	for _, rhs := range operands[1:] {
		if s, ok := acc.(string); ok {
			rs, ok := rhs.(string)
			if !ok {
				return nil, &signal.ShapeError{What: "$add", Detail: "cannot add non-string to string"}
			}
			result := s + rs
			if len(result) > limits.AddMaxStringResult {
				return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: limits.AddMaxStringResult, Got: len(result)}
			}
			acc = result
			continue
		}
		af, aok := value.AsFloat(acc)
		bf, bok := value.AsFloat(rhs)
		if !aok || !bok {
			return nil, &signal.ShapeError{What: "$add", Detail: "operands must both be numeric or both be strings"}
		}
		result := af + bf
		if math.Abs(result) > limits.AddMaxNumberResult {
			return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.AddMaxNumberResult, Got: result}
		}
		acc = numeric(result, acc, rhs)
	}
	return acc, nil
}

// Sub implements $sub: left-to-right numeric subtraction, capped by
// Limits.SubMaxNumberResult.
func Sub(ctx *engine.Context, node *value.Object) (any, error) {
	operands, err := nAryOperands(ctx, node, "$sub")
	if err != nil {
		return nil, err
	}
	limits := ctx.Engine.Limits
	acc, ok := value.AsFloat(operands[0])
	if !ok {
		return nil, &signal.ShapeError{What: "$sub", Detail: "operands must be numeric"}
	}
	for _, rhs := range operands[1:] {
		bf, ok := value.AsFloat(rhs)
		if !ok {
			return nil, &signal.ShapeError{What: "$sub", Detail: "operands must be numeric"}
		}
		acc -= bf
		if math.Abs(acc) > limits.SubMaxNumberResult {
			return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.SubMaxNumberResult, Got: acc}
		}
	}
	return acc, nil
}

// Mul implements $mul: left-to-right reduction. Numeric*numeric multiplies;
// string*integer repeats the string, capped by Limits.MulMaxStringResult;
// numeric operands are capped by Limits.MulMaxOperand.
func Mul(ctx *engine.Context, node *value.Object) (any, error) {
	operands, err := nAryOperands(ctx, node, "$mul")
	if err != nil {
		return nil, err
	}
	limits := ctx.Engine.Limits
	acc := operands[0]
	for _, rhs := range operands[1:] {
		if s, ok := acc.(string); ok {
			n, ok := value.AsFloat(rhs)
			if !ok || n != math.Trunc(n) {
				return nil, &signal.ShapeError{What: "$mul", Detail: "string repeat count must be an integer"}
			}
			potential := len(s) * int(n)
			if potential > limits.MulMaxStringResult {
				return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: limits.MulMaxStringResult, Got: potential}
			}
			acc = strings.Repeat(s, int(n))
			continue
		}
		if s, ok := rhs.(string); ok {
			n, ok := value.AsFloat(acc)
			if !ok || n != math.Trunc(n) {
				return nil, &signal.ShapeError{What: "$mul", Detail: "string repeat count must be an integer"}
			}
			potential := len(s) * int(n)
			if potential > limits.MulMaxStringResult {
				return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: limits.MulMaxStringResult, Got: potential}
			}
			acc = strings.Repeat(s, int(n))
			continue
		}
		af, aok := value.AsFloat(acc)
		bf, bok := value.AsFloat(rhs)
		if !aok || !bok {
			return nil, &signal.ShapeError{What: "$mul", Detail: "operands must be numeric or (string, integer)"}
		}
		if math.Abs(af) > limits.MulMaxOperand || math.Abs(bf) > limits.MulMaxOperand {
			return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.MulMaxOperand, Got: math.Max(math.Abs(af), math.Abs(bf))}
		}
		acc = numeric(af*bf, acc, rhs)
	}
	return acc, nil
}

// Div implements $div: left-to-right numeric division; division by zero
// raises a plain error (the grounding source's ZeroDivisionError maps to a
// ShapeError here since it is a data-shape problem, not a resource limit).
func Div(ctx *engine.Context, node *value.Object) (any, error) {
	operands, err := nAryOperands(ctx, node, "$div")
	if err != nil {
		return nil, err
	}
	acc, ok := value.AsFloat(operands[0])
	if !ok {
		return nil, &signal.ShapeError{What: "$div", Detail: "operands must be numeric"}
	}
	for _, rhs := range operands[1:] {
		bf, ok := value.AsFloat(rhs)
		if !ok {
			return nil, &signal.ShapeError{What: "$div", Detail: "operands must be numeric"}
		}
		if bf == 0 {
			return nil, &signal.ShapeError{What: "$div", Detail: "division by zero"}
		}
		acc /= bf
	}
	return acc, nil
}

// Pow implements $pow: [base, exponent], capped by Limits.PowMaxBase and
// Limits.PowMaxExponent, with the result re-checked against PowMaxBase.
func Pow(ctx *engine.Context, node *value.Object) (any, error) {
	base, exp, err := binaryOperands(ctx, node, "$pow")
	if err != nil {
		return nil, err
	}
	bf, bok := value.AsFloat(base)
	ef, eok := value.AsFloat(exp)
	if !bok || !eok {
		return nil, &signal.ShapeError{What: "$pow", Detail: "operands must be numeric"}
	}
	limits := ctx.Engine.Limits
	if math.Abs(bf) > limits.PowMaxBase {
		return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.PowMaxBase, Got: bf}
	}
	if math.Abs(ef) > limits.PowMaxExponent {
		return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.PowMaxExponent, Got: ef}
	}
	result := math.Pow(bf, ef)
	if math.Abs(result) > limits.PowMaxBase {
		return nil, &signal.LimitExceeded{Limit: signal.LimitArithmetic, Bound: limits.PowMaxBase, Got: result}
	}
	return numeric(result, base, exp), nil
}

// Mod implements $mod: [dividend, divisor].
func Mod(ctx *engine.Context, node *value.Object) (any, error) {
	a, b, err := binaryOperands(ctx, node, "$mod")
	if err != nil {
		return nil, err
	}
	af, aok := value.AsFloat(a)
	bf, bok := value.AsFloat(b)
	if !aok || !bok {
		return nil, &signal.ShapeError{What: "$mod", Detail: "operands must be numeric"}
	}
	if bf == 0 {
		return nil, &signal.ShapeError{What: "$mod", Detail: "modulo by zero"}
	}
	return math.Mod(af, bf), nil
}

// numeric keeps an arithmetic result integral (Go's "int" variant) only
// when every contributing operand was already integral, mirroring Python's
// int/float contagion rule for +-*.
func numeric(result float64, operands ...any) any {
	for _, o := range operands {
		if !value.IsInt(o) {
			return result
		}
	}
	if result == math.Trunc(result) {
		return int(result)
	}
	return result
}

// ---- Expr (supplemented) ------------------------------------------------

// Expr implements the supplemented $expr construct: evaluate an
// expr-lang/expr expression against {source, dest, metadata}, mirroring
// the teacher's evalCondition/buildEnv pattern in pkg/runtime/engine.go.
func Expr(ctx *engine.Context, node *value.Object) (any, error) {
	raw, _ := node.Get("$expr")
	exprStr, ok := raw.(string)
	if !ok {
		return nil, &signal.ShapeError{What: "$expr", Detail: "must be a string expression"}
	}
	env := map[string]any{
		"source":   ctx.Source,
		"dest":     ctx.Dest,
		"metadata": ctx.Metadata,
	}
	program, err := expr.Compile(exprStr, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("$expr compile: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("$expr eval: %w", err)
	}
	return result, nil
}

// ---- String family --------------------------------------------------

func stringOperand(ctx *engine.Context, node *value.Object, key string) (string, error) {
	raw, _ := node.Get(key)
	v, err := resolveOperand(ctx, raw)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &signal.ShapeError{What: key, Detail: "operand must be a string"}
	}
	return s, nil
}

// StrArgs reads a construct's {"value": ..., ...} argument object after
// resolving every entry through the value pipeline.
func strArgs(ctx *engine.Context, node *value.Object, key string) (*value.Object, error) {
	raw, _ := node.Get(key)
	resolved, err := resolveOperand(ctx, raw)
	if err != nil {
		return nil, err
	}
	obj, ok := resolved.(*value.Object)
	if !ok {
		return nil, &signal.ShapeError{What: key, Detail: "must be an object"}
	}
	return obj, nil
}

func strField(obj *value.Object, key, def string) string {
	if v, ok := obj.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// StrSplit implements $str_split: {"value": s, "sep": ",", "maxsplit": -1}.
func StrSplit(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$str_split")
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	sep := strField(args, "sep", " ")
	maxsplit := -1
	if v, ok := args.Get("maxsplit"); ok {
		if f, ok := value.AsFloat(v); ok {
			maxsplit = int(f)
		}
	}
	limits := ctx.Engine.Limits
	if maxsplit < 0 || maxsplit > limits.StrMaxSplitResults {
		maxsplit = limits.StrMaxSplitResults
	}
	parts := strings.SplitN(s, sep, maxsplit+1)
	if len(parts) > limits.StrMaxSplitResults {
		return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: limits.StrMaxSplitResults, Got: len(parts)}
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

// StrJoin implements $str_join: {"value": [...], "sep": ","}.
func StrJoin(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$str_join")
	if err != nil {
		return nil, err
	}
	raw, _ := args.Get("value")
	arr, ok := raw.([]any)
	if !ok {
		return nil, &signal.ShapeError{What: "$str_join", Detail: "value must be an array"}
	}
	sep := strField(args, "sep", "")
	parts := make([]string, len(arr))
	total := 0
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "$str_join", Detail: "every element must be a string"}
		}
		parts[i] = s
		total += len(s)
	}
	total += len(sep) * max(len(parts)-1, 0)
	if total > ctx.Engine.Limits.StrMaxJoinResult {
		return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: ctx.Engine.Limits.StrMaxJoinResult, Got: total}
	}
	return strings.Join(parts, sep), nil
}

// StrSlice implements $str_slice: {"value": s, "start": n, "end": n}.
func StrSlice(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$str_slice")
	if err != nil {
		return nil, err
	}
	raw, _ := args.Get("value")
	s, ok := raw.(string)
	if !ok {
		return nil, &signal.ShapeError{What: "$str_slice", Detail: "value must be a string"}
	}
	runes := []rune(s)
	start, end := 0, len(runes)
	if v, ok := args.Get("start"); ok {
		if f, ok := value.AsFloat(v); ok {
			start = clampIdx(int(f), len(runes))
		}
	}
	if v, ok := args.Get("end"); ok {
		if f, ok := value.AsFloat(v); ok {
			end = clampIdx(int(f), len(runes))
		}
	}
	if end < start {
		end = start
	}
	return string(runes[start:end]), nil
}

func clampIdx(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

func simpleStrConstruct(key string, fn func(string) string) Fn {
	return func(ctx *engine.Context, node *value.Object) (any, error) {
		s, err := stringOperand(ctx, node, key)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

// StrUpper, StrLower, StrStrip, StrLstrip, StrRstrip implement the
// corresponding single-string constructs.
var (
	StrUpper  = simpleStrConstruct("$str_upper", strings.ToUpper)
	StrLower  = simpleStrConstruct("$str_lower", strings.ToLower)
	StrStrip  = simpleStrConstruct("$str_strip", strings.TrimSpace)
	StrLstrip = simpleStrConstruct("$str_lstrip", func(s string) string { return strings.TrimLeft(s, " \t\n\r\v\f") })
	StrRstrip = simpleStrConstruct("$str_rstrip", func(s string) string { return strings.TrimRight(s, " \t\n\r\v\f") })
)

// StrReplace implements $str_replace: {"value": s, "old": a, "new": b, "count": -1}.
func StrReplace(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$str_replace")
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	old := strField(args, "old", "")
	news := strField(args, "new", "")
	count := -1
	if v, ok := args.Get("count"); ok {
		if f, ok := value.AsFloat(v); ok {
			count = int(f)
		}
	}
	estimated := len(s)
	if old != "" {
		occurrences := strings.Count(s, old)
		if count >= 0 && count < occurrences {
			occurrences = count
		}
		estimated = len(s) + occurrences*(len(news)-len(old))
	}
	if estimated > ctx.Engine.Limits.StrMaxReplaceResult {
		return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: ctx.Engine.Limits.StrMaxReplaceResult, Got: estimated}
	}
	return strings.Replace(s, old, news, count), nil
}

// StrContains, StrStartswith, StrEndswith implement {"value": s, "sub": s2}.
func strPredicate(key string, fn func(s, sub string) bool) Fn {
	return func(ctx *engine.Context, node *value.Object) (any, error) {
		args, err := strArgs(ctx, node, key)
		if err != nil {
			return nil, err
		}
		s := strField(args, "value", "")
		sub := strField(args, "sub", "")
		return fn(s, sub), nil
	}
}

var (
	StrContains    = strPredicate("$str_contains", strings.Contains)
	StrStartswith  = strPredicate("$str_startswith", strings.HasPrefix)
	StrEndswith    = strPredicate("$str_endswith", strings.HasSuffix)
)

// ---- Regex family --------------------------------------------------

func compileRegex(ctx *engine.Context, pattern string, flagsObj *value.Object) (*regexp.Regexp, error) {
	for _, f := range []struct {
		name string
		bit  engine.RegexFlag
	}{{"IGNORECASE", engine.RegexIgnoreCase}, {"MULTILINE", engine.RegexMultiline}, {"DOTALL", engine.RegexDotAll}, {"VERBOSE", engine.RegexVerbose}, {"ASCII", engine.RegexASCII}} {
		if hasFlag(flagsObj, f.name) && ctx.Engine.Limits.RegexAllowedFlags&f.bit == 0 {
			return nil, fmt.Errorf("regex flag %s is not allowed", f.name)
		}
	}
	goFlags := ""
	if hasFlag(flagsObj, "IGNORECASE") {
		goFlags += "i"
	}
	if hasFlag(flagsObj, "MULTILINE") {
		goFlags += "m"
	}
	if hasFlag(flagsObj, "DOTALL") {
		goFlags += "s"
	}
	expr := pattern
	if goFlags != "" {
		expr = "(?" + goFlags + ")" + pattern
	}
	return regexp.Compile(expr)
}

func hasFlag(args *value.Object, name string) bool {
	if args == nil {
		return false
	}
	v, ok := args.Get("flags")
	if !ok {
		return false
	}
	arr, ok := v.([]any)
	if !ok {
		return false
	}
	for _, f := range arr {
		if s, ok := f.(string); ok && strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// withRegexTimeout runs fn in a goroutine and races it against
// Limits.RegexTimeout, returning LimitExceeded on timeout. Go's RE2-backed
// regexp engine cannot pathologically backtrack, so (per SPEC_FULL.md S.5)
// this guards against slow patterns on large input, not the ReDoS boundary
// scenario the grounding source's backtracking engine is vulnerable to.
func withRegexTimeout(timeout time.Duration, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(timeout):
		return nil, &signal.LimitExceeded{Limit: signal.LimitRegexTimeout, Bound: timeout.String()}
	}
}

// RegexMatch implements $regex_match: {"value": s, "pattern": p, "flags": [...]}, full-string match.
func RegexMatch(ctx *engine.Context, node *value.Object) (any, error) {
	return regexPredicate(ctx, node, "$regex_match", func(re *regexp.Regexp, s string) any {
		loc := re.FindStringIndex(s)
		return loc != nil && loc[0] == 0 && loc[1] == len(s)
	})
}

// RegexSearch implements $regex_search: first-match-anywhere boolean.
func RegexSearch(ctx *engine.Context, node *value.Object) (any, error) {
	return regexPredicate(ctx, node, "$regex_search", func(re *regexp.Regexp, s string) any {
		return re.MatchString(s)
	})
}

func regexPredicate(ctx *engine.Context, node *value.Object, key string, fn func(*regexp.Regexp, string) any) (any, error) {
	args, err := strArgs(ctx, node, key)
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	pattern := strField(args, "pattern", "")
	re, err := compileRegex(ctx, pattern, args)
	if err != nil {
		return nil, &signal.ShapeError{What: key, Detail: "invalid pattern: " + err.Error()}
	}
	return withRegexTimeout(ctx.Engine.Limits.RegexTimeout, func() (any, error) {
		return fn(re, s), nil
	})
}

// RegexFindall implements $regex_findall: all non-overlapping matches.
func RegexFindall(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$regex_findall")
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	pattern := strField(args, "pattern", "")
	re, err := compileRegex(ctx, pattern, args)
	if err != nil {
		return nil, &signal.ShapeError{What: "$regex_findall", Detail: "invalid pattern: " + err.Error()}
	}
	return withRegexTimeout(ctx.Engine.Limits.RegexTimeout, func() (any, error) {
		matches := re.FindAllString(s, -1)
		out := make([]any, len(matches))
		for i, m := range matches {
			out[i] = m
		}
		return out, nil
	})
}

// RegexReplace implements $regex_replace: {"value": s, "pattern": p, "repl": r, "flags": [...]}, supporting backreferences.
func RegexReplace(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$regex_replace")
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	pattern := strField(args, "pattern", "")
	repl := strField(args, "repl", "")
	re, err := compileRegex(ctx, pattern, args)
	if err != nil {
		return nil, &signal.ShapeError{What: "$regex_replace", Detail: "invalid pattern: " + err.Error()}
	}
	goRepl := pyBackrefsToGo(repl)
	return withRegexTimeout(ctx.Engine.Limits.RegexTimeout, func() (any, error) {
		result := re.ReplaceAllString(s, goRepl)
		if len(result) > ctx.Engine.Limits.StrMaxReplaceResult {
			return nil, &signal.LimitExceeded{Limit: signal.LimitString, Bound: ctx.Engine.Limits.StrMaxReplaceResult, Got: len(result)}
		}
		return result, nil
	})
}

// pyBackrefsToGo rewrites Python-style "\1" backreferences to Go's "${1}"
// syntax for regexp.ReplaceAllString.
func pyBackrefsToGo(repl string) string {
	var out strings.Builder
	for i := 0; i < len(repl); i++ {
		if repl[i] == '\\' && i+1 < len(repl) && repl[i+1] >= '0' && repl[i+1] <= '9' {
			j := i + 1
			for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			out.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
			continue
		}
		out.WriteByte(repl[i])
	}
	return out.String()
}

// RegexGroups implements $regex_groups: named/positional capture groups of
// the first match, or null if no match.
func RegexGroups(ctx *engine.Context, node *value.Object) (any, error) {
	args, err := strArgs(ctx, node, "$regex_groups")
	if err != nil {
		return nil, err
	}
	s := strField(args, "value", "")
	pattern := strField(args, "pattern", "")
	re, err := compileRegex(ctx, pattern, args)
	if err != nil {
		return nil, &signal.ShapeError{What: "$regex_groups", Detail: "invalid pattern: " + err.Error()}
	}
	return withRegexTimeout(ctx.Engine.Limits.RegexTimeout, func() (any, error) {
		m := re.FindStringSubmatch(s)
		if m == nil {
			return nil, nil
		}
		names := re.SubexpNames()
		out := value.NewObject()
		for i, g := range m {
			if i == 0 {
				continue
			}
			key := strconv.Itoa(i)
			if names[i] != "" {
				key = names[i]
			}
			out.Set(key, g)
		}
		return out, nil
	})
}

// ---- Cast --------------------------------------------------------------

// BuiltinCasters mirrors casters.py's BUILTIN_CASTERS.
var BuiltinCasters = map[string]func(any) (any, error){
	"int": func(v any) (any, error) {
		switch t := v.(type) {
		case int:
			return t, nil
		case float64:
			return int(t), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, &signal.ShapeError{What: "$cast(int)", Detail: err.Error()}
			}
			return n, nil
		case bool:
			if t {
				return 1, nil
			}
			return 0, nil
		default:
			return nil, &signal.ShapeError{What: "$cast(int)", Detail: "unsupported source type"}
		}
	},
	"float": func(v any) (any, error) {
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, &signal.ShapeError{What: "$cast(float)", Detail: err.Error()}
			}
			return f, nil
		default:
			return nil, &signal.ShapeError{What: "$cast(float)", Detail: "unsupported source type"}
		}
	},
	"bool": func(v any) (any, error) {
		switch t := v.(type) {
		case bool:
			return t, nil
		case int:
			return t != 0, nil
		case string:
			n, err := strconv.Atoi(t)
			if err != nil {
				return nil, &signal.ShapeError{What: "$cast(bool)", Detail: "string must be an integer literal"}
			}
			return n != 0, nil
		default:
			return value.Truthy(v), nil
		}
	},
	"str": func(v any) (any, error) {
		return fmt.Sprintf("%v", v), nil
	},
}

// Cast implements $cast: {"value": v, "type": "int"}, looking up a caster
// by name in the casters map it was built with (factory.BuildDefault
// passes construct.BuiltinCasters) and raising on an unknown type.
func Cast(casters map[string]func(any) (any, error)) Fn {
	return func(ctx *engine.Context, node *value.Object) (any, error) {
		raw, _ := node.Get("$cast")
		resolved, err := resolveOperand(ctx, raw)
		if err != nil {
			return nil, err
		}
		obj, ok := resolved.(*value.Object)
		if !ok {
			return nil, &signal.ShapeError{What: "$cast", Detail: "must be an object with value/type"}
		}
		v, _ := obj.Get("value")
		typeName, ok := obj.Get("type")
		if !ok {
			return nil, &signal.ShapeError{What: "$cast", Detail: "missing \"type\""}
		}
		name, ok := typeName.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "$cast", Detail: "\"type\" must be a string"}
		}
		fn, ok := casters[name]
		if !ok {
			return nil, &signal.ShapeError{What: "$cast", Detail: "unknown cast type: " + name}
		}
		return fn(v)
	}
}
