// Package operation implements the step (action) handler table from
// spec.md §4.B: set/copy/copyD/delete, foreach/while/if/exec, update/
// distinct/replace_root, assert/assertD, def/$func, try, and the
// $raise/$return/$break/$continue control-flow constructs. Grounded on
// original_source/src/j_perm/handlers/{ops.py,function.py,flow.py}.
package operation

import (
	"fmt"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/pointer"
	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Fn is a single operation handler: given the step's full Object and the
// current context, perform its effect (usually mutating ctx.Dest) and
// return the resulting dest.
type Fn func(ctx *engine.Context, step *value.Object) (any, error)

func field(step *value.Object, key string) (any, bool) { return step.Get(key) }

func boolField(step *value.Object, key string, def bool) bool {
	if v, ok := step.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func stringField(ctx *engine.Context, step *value.Object, key string) (string, error) {
	raw, ok := step.Get(key)
	if !ok {
		return "", &signal.ShapeError{What: key, Detail: "required field missing"}
	}
	resolved, err := ctx.Engine.ProcessValue(ctx, raw)
	if err != nil {
		return "", err
	}
	s, ok := resolved.(string)
	if !ok {
		return "", &signal.ShapeError{What: key, Detail: "must resolve to a string"}
	}
	return s, nil
}

// ---- set / copy / copyD -------------------------------------------------

// Set implements `op: set`: write a resolved value to a destination path,
// handling the "-" append terminal (auto-creating/wrapping the parent into
// a list when create/extend allow it).
func Set(ctx *engine.Context, step *value.Object) (any, error) {
	path, err := stringField(ctx, step, "path")
	if err != nil {
		return nil, err
	}
	create := boolField(step, "create", true)
	extend := boolField(step, "extend", true)

	rawValue, _ := field(step, "value")
	val, err := ctx.Engine.ProcessValue(ctx, rawValue)
	if err != nil {
		return nil, err
	}

	if isAppendPath(path) {
		return appendSet(ctx, path, val, create, extend)
	}
	if err := ctx.Engine.Processor.Set(ctx, path, val); err != nil {
		return nil, err
	}
	return ctx.Dest, nil
}

func isAppendPath(path string) bool {
	return path == "-" || len(path) >= 2 && path[len(path)-2:] == "/-"
}

func appendSet(ctx *engine.Context, path string, val any, create, extend bool) (any, error) {
	parentPath := "/"
	if len(path) > 2 {
		parentPath = path[:len(path)-2]
	}
	if parentPath == "" {
		parentPath = "/"
	}

	parent, err := ctx.Engine.Processor.Get(ctx, parentPath)
	if err != nil {
		if !create {
			return nil, err
		}
		if err := ctx.Engine.Processor.Set(ctx, parentPath, []any{}); err != nil {
			return nil, err
		}
		parent, err = ctx.Engine.Processor.Get(ctx, parentPath)
		if err != nil {
			return nil, err
		}
	}

	arr, ok := parent.([]any)
	if !ok {
		if !create {
			return nil, &signal.ShapeError{What: "set", Detail: fmt.Sprintf("%s: parent is not a list (append)", path)}
		}
		if obj, isObj := parent.(*value.Object); isObj && obj.Len() == 0 {
			arr = []any{}
		} else {
			arr = []any{parent}
		}
	}

	if valArr, isArr := val.([]any); isArr && extend {
		arr = append(arr, valArr...)
	} else {
		arr = append(arr, val)
	}
	if err := ctx.Engine.Processor.Set(ctx, parentPath, arr); err != nil {
		return nil, err
	}
	return ctx.Dest, nil
}

// Copy implements `op: copy`: read from source (supports slices), write to
// dest via Set.
func Copy(ctx *engine.Context, step *value.Object) (any, error) {
	return copyFrom(ctx, step, ctx.Engine.Processor.Get)
}

// CopyD implements `op: copyD`: like copy, but reads from dest instead of
// source.
func CopyD(ctx *engine.Context, step *value.Object) (any, error) {
	return copyFrom(ctx, step, func(c *engine.Context, raw string) (any, error) {
		return ctx.Engine.Resolver.Get(*c.DestRoot(), stripPrefixForDest(raw))
	})
}

func stripPrefixForDest(raw string) string {
	_, path := pointer.SplitPrefix(raw)
	return path
}

func copyFrom(ctx *engine.Context, step *value.Object, get func(*engine.Context, string) (any, error)) (any, error) {
	path, err := stringField(ctx, step, "path")
	if err != nil {
		return nil, err
	}
	create := boolField(step, "create", true)
	extend := boolField(step, "extend", true)
	ignore := boolField(step, "ignore_missing", false)

	fromPtr, err := stringField(ctx, step, "from")
	if err != nil {
		return nil, err
	}

	v, err := get(ctx, fromPtr)
	var resolved any
	if err != nil {
		if dflt, ok := field(step, "default"); ok {
			resolved, err = ctx.Engine.ProcessValue(ctx, value.DeepCopy(dflt))
			if err != nil {
				return nil, err
			}
		} else if ignore {
			return ctx.Dest, nil
		} else {
			return nil, err
		}
	} else {
		resolved = value.DeepCopy(v)
	}

	setStep := value.NewObject()
	setStep.Set("path", path)
	setStep.Set("value", resolved)
	setStep.Set("create", create)
	setStep.Set("extend", extend)
	return Set(ctx, setStep)
}

// ---- delete --------------------------------------------------------------

// Delete implements `op: delete`: remove a dest node, forbidding the "-"
// terminal, tolerating a missing path when ignore_missing (default true).
func Delete(ctx *engine.Context, step *value.Object) (any, error) {
	path, err := stringField(ctx, step, "path")
	if err != nil {
		return nil, err
	}
	ignore := boolField(step, "ignore_missing", true)

	if isAppendPath(path) {
		return nil, &signal.ShapeError{What: "delete", Detail: "'-' not allowed in delete"}
	}
	if err := ctx.Engine.Processor.Delete(ctx, path); err != nil {
		if !ignore {
			return nil, err
		}
	}
	return ctx.Dest, nil
}

// ---- foreach / while / if / exec -----------------------------------------

// bindTempReadOnly returns a clone of ctx.TempReadOnly with name bound to
// val, the mechanism spec.md §4.B uses for foreach's loop variable (ctx.source
// itself is never touched — it remains the invariant read-only document
// throughout). bindParams does the analogous thing for function parameters.
func bindTempReadOnly(ctx *engine.Context, name string, val any) *value.Object {
	base, _ := ctx.TempReadOnly.(*value.Object)
	out := base.Clone()
	if out == nil {
		out = value.NewObject()
	}
	out.Set(name, val)
	return out
}

// Foreach implements `op: foreach`: iterate an array (or object converted
// to [key, value] pairs) from source, running the body once per element
// with temp_read_only[as] bound to the element (source itself is left
// untouched); $break/$continue unwind the loop, any other error rolls dest
// back to its pre-loop snapshot.
func Foreach(ctx *engine.Context, step *value.Object) (any, error) {
	arrRaw, _ := field(step, "in")
	arrPtr, err := ctx.Engine.ProcessValue(ctx, arrRaw)
	if err != nil {
		return nil, err
	}
	ptrStr, ok := arrPtr.(string)
	if !ok {
		return nil, &signal.ShapeError{What: "foreach.in", Detail: "must resolve to a string pointer"}
	}

	skipEmpty := boolField(step, "skip_empty", true)
	var arr []any
	resolved, err := ctx.Engine.Resolver.Get(ctx.Source, ptrStr)
	if err != nil {
		if dflt, ok := field(step, "default"); ok {
			if a, ok := dflt.([]any); ok {
				arr = a
			}
		}
	} else {
		switch t := resolved.(type) {
		case []any:
			arr = t
		case *value.Object:
			arr = objectToPairs(t)
		default:
			return nil, &signal.ShapeError{What: "foreach.in", Detail: "must resolve to an array or object"}
		}
	}

	if len(arr) == 0 && skipEmpty {
		return ctx.Dest, nil
	}

	varName := "item"
	if v, ok := field(step, "as"); ok {
		if s, ok := v.(string); ok {
			varName = s
		}
	}
	body, ok := field(step, "do")
	if !ok {
		return nil, &signal.ShapeError{What: "foreach.do", Detail: "required field missing"}
	}

	limits := ctx.Engine.Limits
	if len(arr) > limits.MaxForeachItems {
		return nil, &signal.LimitExceeded{Limit: signal.LimitForeachItems, Bound: limits.MaxForeachItems, Got: len(arr)}
	}

	snapshot := value.DeepCopy(ctx.Dest)
	for _, elem := range arr {
		if err := ctx.ChargeOperation(); err != nil {
			ctx.Dest = snapshot
			return nil, err
		}
		iterCtx := ctx.Copy()
		iterCtx.TempReadOnly = bindTempReadOnly(iterCtx, varName, elem)
		iterCtx.Dest = ctx.Dest

		result, err := ctx.Engine.Main.Run(iterCtx, body)
		if err != nil {
			if _, isBreak := err.(signal.Break); isBreak {
				ctx.Dest = iterCtx.Dest
				break
			}
			if _, isContinue := err.(signal.Continue); isContinue {
				ctx.Dest = iterCtx.Dest
				continue
			}
			ctx.Dest = snapshot
			return nil, err
		}
		_ = result
		ctx.Dest = iterCtx.Dest
	}
	return ctx.Dest, nil
}

func objectToPairs(o *value.Object) []any {
	out := make([]any, 0, o.Len())
	o.Range(func(key string, val any) bool {
		out = append(out, []any{key, val})
		return true
	})
	return out
}

// While implements `op: while`: loop while a path-based or $expr-style
// "cond" condition holds, with optional do_while (check after body
// instead of before). $break/$continue unwind the loop; any other error
// rolls dest back.
func While(ctx *engine.Context, step *value.Object) (any, error) {
	doWhile := boolField(step, "do_while", false)
	body, ok := field(step, "do")
	if !ok {
		return nil, &signal.ShapeError{What: "while.do", Detail: "required field missing"}
	}
	snapshot := value.DeepCopy(ctx.Dest)

	limits := ctx.Engine.Limits
	iterations := 0
	for {
		if !doWhile {
			cond, err := evalWhileCond(ctx, step)
			if err != nil {
				ctx.Dest = snapshot
				return nil, err
			}
			if !cond {
				break
			}
		}

		iterations++
		if iterations > limits.MaxLoopIterations {
			ctx.Dest = snapshot
			return nil, &signal.LimitExceeded{Limit: signal.LimitLoopIterations, Bound: limits.MaxLoopIterations, Got: iterations}
		}
		if err := ctx.ChargeOperation(); err != nil {
			ctx.Dest = snapshot
			return nil, err
		}

		result, err := ctx.Engine.Main.Run(ctx, body)
		if err != nil {
			if _, isBreak := err.(signal.Break); isBreak {
				break
			}
			if _, isContinue := err.(signal.Continue); isContinue {
				doWhile = false
				continue
			}
			ctx.Dest = snapshot
			return nil, err
		}
		_ = result
		doWhile = false
	}
	return ctx.Dest, nil
}

func evalWhileCond(ctx *engine.Context, step *value.Object) (bool, error) {
	if condRaw, ok := field(step, "cond"); ok {
		cond, err := ctx.Engine.ProcessValue(ctx, condRaw)
		if err != nil {
			return false, err
		}
		return value.Truthy(cond), nil
	}
	if pathRaw, ok := field(step, "path"); ok {
		return evalPathCond(ctx, step, pathRaw, ctx.DestRoot)
	}
	return false, &signal.ShapeError{What: "while", Detail: "requires 'cond' or 'path'"}
}

func evalPathCond(ctx *engine.Context, step *value.Object, pathRaw any, root func() *any) (bool, error) {
	path, err := ctx.Engine.ProcessValue(ctx, pathRaw)
	if err != nil {
		return false, err
	}
	pathStr, ok := path.(string)
	if !ok {
		return false, &signal.ShapeError{What: "path", Detail: "must resolve to a string"}
	}
	current, getErr := ctx.Engine.Resolver.Get(*root(), pathStr)
	missing := getErr != nil

	if equalsRaw, ok := field(step, "equals"); ok {
		expected, err := ctx.Engine.ProcessValue(ctx, equalsRaw)
		if err != nil {
			return false, err
		}
		return !missing && value.Equal(current, expected), nil
	}
	if boolField(step, "exists", false) {
		return !missing, nil
	}
	return !missing && value.Truthy(current), nil
}

// If implements `op: if`: path-based (equals/exists/truthiness) or
// cond-based conditional execution of then/do vs. else, rolling dest back
// if the chosen branch errors.
func If(ctx *engine.Context, step *value.Object) (any, error) {
	var cond bool
	var err error
	if _, hasPath := field(step, "path"); hasPath {
		pathRaw, _ := field(step, "path")
		cond, err = evalPathCond(ctx, step, pathRaw, ctx.DestRoot)
	} else {
		condRaw, _ := field(step, "cond")
		var v any
		v, err = ctx.Engine.ProcessValue(ctx, condRaw)
		if err == nil {
			cond = value.Truthy(v)
		}
	}
	if err != nil {
		return nil, err
	}

	var branch any
	var ok bool
	if cond {
		if branch, ok = field(step, "then"); !ok {
			branch, ok = field(step, "do")
		}
	} else {
		branch, ok = field(step, "else")
	}
	if !ok {
		return ctx.Dest, nil
	}

	snapshot := value.DeepCopy(ctx.Dest)
	result, err := ctx.Engine.Main.Run(ctx, branch)
	if err != nil {
		ctx.Dest = snapshot
		return nil, err
	}
	return result, nil
}

// Exec implements `op: exec`: run actions loaded from a source pointer or
// given inline, either merging into the current dest or starting from a
// fresh empty dest.
func Exec(ctx *engine.Context, step *value.Object) (any, error) {
	_, hasFrom := field(step, "from")
	_, hasActions := field(step, "actions")
	if hasFrom == hasActions {
		return nil, &signal.ShapeError{What: "exec", Detail: "requires exactly one of 'from' or 'actions'"}
	}

	var actions any
	if hasFrom {
		fromPtr, err := stringField(ctx, step, "from")
		if err != nil {
			return nil, err
		}
		v, err := ctx.Engine.Resolver.Get(ctx.Source, fromPtr)
		if err != nil {
			if dflt, ok := field(step, "default"); ok {
				actions, err = ctx.Engine.ProcessValue(ctx, dflt)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, fmt.Errorf("exec: cannot find actions at %s: %w", fromPtr, err)
			}
		} else {
			actions = v
		}
	} else {
		raw, _ := field(step, "actions")
		var err error
		actions, err = ctx.Engine.ProcessValue(ctx, raw)
		if err != nil {
			return nil, err
		}
	}

	merge := boolField(step, "merge", false)
	if merge {
		return ctx.Engine.Main.Run(ctx, actions)
	}
	sub := ctx.Copy(engine.WithNewDest())
	result, err := ctx.Engine.Main.Run(sub, actions)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ---- update / distinct / replace_root ------------------------------------

// Update implements `op: update`: merge a mapping (from "from" or "value")
// into a dest path (shallow by default, recursive when deep=true); "" /
// "/" / "." target the root itself (Open Question 4).
func Update(ctx *engine.Context, step *value.Object) (any, error) {
	path, err := stringField(ctx, step, "path")
	if err != nil {
		return nil, err
	}
	create := boolField(step, "create", true)
	deep := boolField(step, "deep", false)

	var updateValue any
	if fromRaw, ok := field(step, "from"); ok {
		fromPtr, err := ctx.Engine.ProcessValue(ctx, fromRaw)
		if err != nil {
			return nil, err
		}
		fromStr, ok := fromPtr.(string)
		if !ok {
			return nil, &signal.ShapeError{What: "update.from", Detail: "must resolve to a string"}
		}
		v, err := ctx.Engine.Processor.Get(ctx, fromStr)
		if err != nil {
			if dflt, ok := field(step, "default"); ok {
				updateValue = value.DeepCopy(dflt)
			} else {
				return nil, err
			}
		} else {
			updateValue = value.DeepCopy(v)
		}
	} else if valueRaw, ok := field(step, "value"); ok {
		updateValue, err = ctx.Engine.ProcessValue(ctx, valueRaw)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, &signal.ShapeError{What: "update", Detail: "requires 'from' or 'value'"}
	}

	updateObj, ok := updateValue.(*value.Object)
	if !ok {
		return nil, &signal.ShapeError{What: "update", Detail: "update value must be an object"}
	}

	isRoot := path == "" || path == "/" || path == "."
	var target *value.Object
	if isRoot {
		root, ok := ctx.Dest.(*value.Object)
		if !ok {
			return nil, &signal.ShapeError{What: "update", Detail: "root is not an object, cannot update"}
		}
		target = root
	} else {
		v, err := ctx.Engine.Processor.Get(ctx, path)
		if err != nil {
			if !create {
				return nil, err
			}
			if err := ctx.Engine.Processor.Set(ctx, path, value.NewObject()); err != nil {
				return nil, err
			}
			v, err = ctx.Engine.Processor.Get(ctx, path)
			if err != nil {
				return nil, err
			}
		}
		obj, ok := v.(*value.Object)
		if !ok {
			return nil, &signal.ShapeError{What: "update", Detail: fmt.Sprintf("%s is not an object, cannot update", path)}
		}
		target = obj
	}

	if deep {
		deepUpdate(target, updateObj)
	} else {
		updateObj.Range(func(key string, val any) bool {
			target.Set(key, val)
			return true
		})
	}
	return ctx.Dest, nil
}

func deepUpdate(dst, src *value.Object) {
	src.Range(func(key string, val any) bool {
		if existing, ok := dst.Get(key); ok {
			if eo, eok := existing.(*value.Object); eok {
				if vo, vok := val.(*value.Object); vok {
					deepUpdate(eo, vo)
					return true
				}
			}
		}
		dst.Set(key, value.DeepCopy(val))
		return true
	})
}

// Distinct implements `op: distinct`: deduplicate a dest array in place,
// preserving order, optionally comparing by a sub-path within each
// element instead of the whole element.
func Distinct(ctx *engine.Context, step *value.Object) (any, error) {
	path, err := stringField(ctx, step, "path")
	if err != nil {
		return nil, err
	}
	v, err := ctx.Engine.Processor.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &signal.ShapeError{What: "distinct", Detail: fmt.Sprintf("%s is not a list", path)}
	}

	var keyPath string
	hasKey := false
	if keyRaw, ok := field(step, "key"); ok {
		hasKey = true
		resolved, err := ctx.Engine.ProcessValue(ctx, keyRaw)
		if err != nil {
			return nil, err
		}
		keyPath, _ = resolved.(string)
	}

	seen := make(map[string]bool)
	unique := make([]any, 0, len(arr))
	for _, item := range arr {
		filterItem := item
		if hasKey {
			v, err := ctx.Engine.Resolver.Get(item, keyPath)
			if err == nil {
				filterItem = v
			}
		}
		dedupKey := fmt.Sprintf("%#v", filterItem)
		if !seen[dedupKey] {
			seen[dedupKey] = true
			unique = append(unique, item)
		}
	}

	if err := ctx.Engine.Processor.Set(ctx, path, unique); err != nil {
		return nil, err
	}
	return ctx.Dest, nil
}

// ReplaceRoot implements `op: replace_root`: discard the current dest and
// replace it wholesale with a fully resolved value.
func ReplaceRoot(ctx *engine.Context, step *value.Object) (any, error) {
	raw, _ := field(step, "value")
	v, err := ctx.Engine.ProcessValue(ctx, raw)
	if err != nil {
		return nil, err
	}
	ctx.Dest = value.DeepCopy(v)
	return ctx.Dest, nil
}

// ---- assert / assertD -----------------------------------------------------

// Assert implements `op: assert`: validate a value from source (or given
// directly) against an optional "equals", raising AssertionFailure unless
// "return" redirects the outcome to a returned/written boolean-or-value.
func Assert(ctx *engine.Context, step *value.Object) (any, error) {
	return assertAgainst(ctx, step, ctx.Source)
}

// AssertD implements `op: assertD`: like assert, but checks dest.
func AssertD(ctx *engine.Context, step *value.Object) (any, error) {
	return assertAgainst(ctx, step, ctx.Dest)
}

func assertAgainst(ctx *engine.Context, step *value.Object, root any) (any, error) {
	_, hasPath := field(step, "path")
	_, hasValue := field(step, "value")
	if hasPath == hasValue {
		return nil, &signal.ShapeError{What: "assert", Detail: "requires exactly one of 'path' or 'value'"}
	}
	shouldReturn := boolField(step, "return", false)

	returnValue := func(v any) (any, error) {
		if toPathRaw, ok := field(step, "to_path"); ok {
			toPath, err := ctx.Engine.ProcessValue(ctx, toPathRaw)
			if err != nil {
				return nil, err
			}
			toPathStr, ok := toPath.(string)
			if !ok {
				return nil, &signal.ShapeError{What: "assert.to_path", Detail: "must resolve to a string"}
			}
			if err := ctx.Engine.Processor.Set(ctx, toPathStr, v); err != nil {
				return nil, err
			}
			return ctx.Dest, nil
		}
		return v, nil
	}

	var current any
	var path string
	if hasValue {
		raw, _ := field(step, "value")
		resolved, err := ctx.Engine.ProcessValue(ctx, raw)
		if err != nil {
			return nil, err
		}
		current = resolved
	} else {
		var err error
		path, err = stringField(ctx, step, "path")
		if err != nil {
			return nil, err
		}
		v, err := ctx.Engine.Resolver.Get(root, path)
		if err != nil {
			if shouldReturn {
				return returnValue(false)
			}
			return nil, &signal.AssertionFailure{Path: path, Expected: nil, Actual: nil}
		}
		current = v
	}

	if equalsRaw, ok := field(step, "equals"); ok {
		expected, err := ctx.Engine.ProcessValue(ctx, equalsRaw)
		if err != nil {
			return nil, err
		}
		if !value.Equal(current, expected) {
			if shouldReturn {
				return returnValue(false)
			}
			return nil, &signal.AssertionFailure{Path: path, Expected: expected, Actual: current}
		}
	}

	if shouldReturn {
		return returnValue(current)
	}
	return ctx.Dest, nil
}

// ---- try ------------------------------------------------------------------

// unwrapAnnotation peels off a pipeline CallStackError (identified
// structurally, to avoid operation importing pipeline) to recover the
// plain error underneath, since annotateOnce wraps at most one level.
func unwrapAnnotation(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			return inner
		}
	}
	return err
}

// errorDetails classifies err the way spec.md §6/§7 names error classes,
// and extracts its raw message (not the Go-formatted "Type: message"
// string), for exposure as "_error_type"/"_error_message" during an
// "except" branch.
func errorDetails(err error) (typeName, message string) {
	err = unwrapAnnotation(err)
	switch e := err.(type) {
	case *signal.DomainError:
		return "JPermError", e.Message
	case *signal.AssertionFailure:
		return "AssertionError", e.Error()
	case *signal.PointerError:
		if e.Kind == signal.PointerNotFound {
			return "KeyError", e.Detail
		}
		return "TypeError", e.Detail
	case *signal.ShapeError:
		return "TypeError", e.Detail
	case *signal.LimitExceeded:
		if e.Limit == signal.LimitRegexTimeout {
			return "TimeoutError", e.Error()
		}
		if e.Limit == signal.LimitLoopIterations || e.Limit == signal.LimitValueDepth || e.Limit == signal.LimitFunctionDepth {
			return "RecursionError", e.Error()
		}
		return "RuntimeError", e.Error()
	default:
		return "RuntimeError", err.Error()
	}
}

// Try implements `op: try { do, except?, finally? }` per spec.md §4.B: run
// "do"; on any plain error (never a ControlFlowSignal — break/continue/
// return always propagate uncaught, and never a PipelineSignal), roll dest
// back. If "except" is absent, run "finally" (if any) then re-raise. If
// "except" is present, bind "_error_type"/"_error_message" into a
// read-only temp slot (visible as "&:/_error_type" / "&:/_error_message")
// for the duration of "except", then run it. "finally" always runs last,
// on every exit path including control-flow signals, and an error raised
// inside "finally" supersedes whatever was about to propagate.
func Try(ctx *engine.Context, step *value.Object) (any, error) {
	body, ok := field(step, "do")
	if !ok {
		return nil, &signal.ShapeError{What: "try.do", Detail: "required field missing"}
	}
	finallyBody, hasFinally := field(step, "finally")
	snapshot := value.DeepCopy(ctx.Dest)

	runFinally := func() error {
		if !hasFinally {
			return nil
		}
		if _, err := ctx.Engine.Main.Run(ctx, finallyBody); err != nil {
			return err
		}
		return nil
	}

	result, err := ctx.Engine.Main.Run(ctx, body)
	if err == nil {
		if ferr := runFinally(); ferr != nil {
			return nil, ferr
		}
		return result, nil
	}
	if _, isCF := err.(signal.ControlFlowSignal); isCF {
		if ferr := runFinally(); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	if _, isPS := err.(signal.PipelineSignal); isPS {
		if ferr := runFinally(); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	ctx.Dest = snapshot
	except, hasExcept := field(step, "except")
	if !hasExcept {
		if ferr := runFinally(); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	errType, errMessage := errorDetails(err)
	errCtx := ctx.Copy()
	tro, _ := errCtx.TempReadOnly.(*value.Object)
	tro.Set("_error_type", errType)
	tro.Set("_error_message", errMessage)
	errCtx.TempReadOnly = tro

	caught, catchErr := ctx.Engine.Main.Run(errCtx, except)
	if catchErr != nil {
		if ferr := runFinally(); ferr != nil {
			return nil, ferr
		}
		return nil, catchErr
	}
	ctx.Dest = errCtx.Dest
	if ferr := runFinally(); ferr != nil {
		return nil, ferr
	}
	return caught, nil
}

// ---- def / $func -----------------------------------------------------------

// Def implements `$def: name` (with params/body/return/on_failure):
// installs a closure-like Function descriptor into the shared function
// registry (Context.Metadata's "__functions__" object), scoped to the
// lifetime of the current Apply call.
func Def(ctx *engine.Context, step *value.Object) (any, error) {
	name, err := stringField(ctx, step, "$def")
	if err != nil {
		return nil, err
	}
	var params []string
	if raw, ok := field(step, "params"); ok {
		if arr, ok := raw.([]any); ok {
			for _, p := range arr {
				if s, ok := p.(string); ok {
					params = append(params, s)
				}
			}
		}
	}
	body, ok := field(step, "body")
	if !ok {
		return nil, &signal.ShapeError{What: "$def.body", Detail: "required field missing"}
	}
	returnPath := ""
	if v, ok := field(step, "return"); ok {
		returnPath, _ = v.(string)
	}
	var onFailure any
	if v, ok := field(step, "on_failure"); ok {
		onFailure = v
	}
	contextMode := "copy"
	if v, ok := field(step, "context"); ok {
		if s, ok := v.(string); ok && s != "" {
			contextMode = s
		}
	}

	ctx.Functions().Set(name, &engine.Function{
		Params:      params,
		Do:          body,
		ContextMode: contextMode,
		OnFailure:   onFailure,
		ReturnPath:  returnPath,
	})
	return ctx.Dest, nil
}

// Call implements `$func: name` (with args): invokes a previously def'd
// function, binding params to args in temp_read_only and selecting a
// child context per the function's context mode (copy/new/shared),
// enforcing MaxFunctionRecursionDepth via the call stack, catching the
// function's own $return as its result, and falling back to on_failure
// on any other error from its body.
func Call(ctx *engine.Context, step *value.Object) (any, error) {
	name, err := stringField(ctx, step, "$func")
	if err != nil {
		return nil, err
	}
	var args []any
	if raw, ok := field(step, "args"); ok {
		resolved, err := ctx.Engine.ProcessValue(ctx, raw)
		if err != nil {
			return nil, err
		}
		if arr, ok := resolved.([]any); ok {
			args = arr
		}
	}

	raw, ok := ctx.Functions().Get(name)
	if !ok {
		return nil, &signal.ShapeError{What: "$func", Detail: fmt.Sprintf("function %q is not defined", name)}
	}
	fn, ok := raw.(*engine.Function)
	if !ok {
		return nil, &signal.ShapeError{What: "$func", Detail: fmt.Sprintf("function %q has an invalid registration", name)}
	}
	if len(args) != len(fn.Params) {
		return nil, &signal.ShapeError{What: "$func", Detail: fmt.Sprintf("expected %d arguments, got %d for function %q", len(fn.Params), len(args), name)}
	}

	limit := ctx.Engine.Limits.MaxFunctionRecursionDepth
	depth := 0
	for _, frame := range ctx.CallStack {
		if frame == "func:"+name {
			depth++
		}
	}
	if depth >= limit {
		return nil, &signal.LimitExceeded{Limit: signal.LimitFunctionDepth, Bound: limit, Got: depth + 1}
	}

	callCtx := newCallContext(ctx, fn)
	bindParams(callCtx, fn.Params, args)
	defer callCtx.PushFrame("func:" + name)()

	result, err := ctx.Engine.Main.Run(callCtx, fn.Do)
	if err != nil {
		if ret, isReturn := err.(signal.Return); isReturn {
			if fn.ContextMode != "new" {
				ctx.Dest = callCtx.Dest
			}
			return projectReturn(ctx, callCtx, fn, ret.Value)
		}
		if _, isCF := err.(signal.ControlFlowSignal); isCF {
			return nil, err
		}
		if fn.OnFailure != nil {
			failCtx := newCallContext(ctx, fn)
			bindParams(failCtx, fn.Params, args)
			return ctx.Engine.Main.Run(failCtx, fn.OnFailure)
		}
		return nil, err
	}

	if fn.ContextMode != "new" {
		ctx.Dest = callCtx.Dest
	}
	return projectReturn(ctx, callCtx, fn, result)
}

// newCallContext selects the child context per fn.ContextMode, per
// spec.md's three function-invocation modes: "copy" (default) deep-copies
// the caller's dest and temp storage, so the function can see and extend
// whatever the caller has already built without its scratch Temp leaking
// back; "new" starts the function against a fresh empty dest, isolating
// it from the caller's in-progress document; "shared" keeps Temp pointed
// at the caller's own storage (via WithSharedTemp) so nested calls that
// rely on mutable scratch state see each other's writes.
func newCallContext(ctx *engine.Context, fn *engine.Function) *engine.Context {
	switch fn.ContextMode {
	case "new":
		return ctx.Copy(engine.WithNewDest())
	case "shared":
		return ctx.Copy(engine.WithSharedTemp(ctx))
	default:
		return ctx.Copy()
	}
}

// bindParams binds each function parameter into the call context's
// temp_read_only namespace, the mechanism spec.md §4.B specifies for
// function arguments (source is never touched, consistent with foreach's
// loop-variable binding via bindTempReadOnly). It always clones before
// writing, even under WithSharedTemp, so one invocation's params never
// leak into a sibling call sharing the same underlying storage.
func bindParams(callCtx *engine.Context, params []string, args []any) {
	base, _ := callCtx.TempReadOnly.(*value.Object)
	tro := base.Clone()
	if tro == nil {
		tro = value.NewObject()
	}
	for i, p := range params {
		tro.Set(p, args[i])
	}
	callCtx.TempReadOnly = tro
}

func projectReturn(ctx, callCtx *engine.Context, fn *engine.Function, result any) (any, error) {
	if fn.ReturnPath == "" {
		return result, nil
	}
	v, err := ctx.Engine.Resolver.Get(callCtx.Dest, fn.ReturnPath)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ---- raise / return / break / continue ------------------------------------

// Raise implements `$raise: message`: raises signal.DomainError with the
// resolved message, catchable only by `try`'s catch branch (and a
// function's on_failure).
func Raise(ctx *engine.Context, step *value.Object) (any, error) {
	raw, _ := field(step, "$raise")
	resolved, err := ctx.Engine.ProcessValue(ctx, raw)
	if err != nil {
		return nil, err
	}
	return nil, &signal.DomainError{Message: fmt.Sprintf("%v", resolved)}
}

// ReturnOp implements `$return: value`: unwinds the innermost function
// invocation, carrying the resolved value as the call's result.
func ReturnOp(ctx *engine.Context, step *value.Object) (any, error) {
	raw, _ := field(step, "$return")
	resolved, err := ctx.Engine.ProcessValue(ctx, raw)
	if err != nil {
		return nil, err
	}
	return nil, signal.Return{Value: resolved}
}

// BreakOp implements `$break: null`: unwinds the innermost foreach/while
// loop, preserving dest mutations made before it in the current iteration.
func BreakOp(ctx *engine.Context, step *value.Object) (any, error) {
	return nil, signal.Break{}
}

// ContinueOp implements `$continue: null`: skips to the next iteration of
// the innermost foreach/while loop.
func ContinueOp(ctx *engine.Context, step *value.Object) (any, error) {
	return nil, signal.Continue{}
}
