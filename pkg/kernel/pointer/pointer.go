// Package pointer implements addressing: RFC 6901-flavoured JSON Pointers
// extended with DSL-specific escapes and prefix-based namespace routing.
// Grounded on spec.md §4.A's Resolver/Processor contract and cross-checked
// against every ctx.resolver/ctx.processor call site in the original
// source's handlers/ops.py and handlers/constructs.py.
package pointer

import (
	"strconv"
	"strings"

	"github.com/ormasoftchile/jperm/pkg/kernel/signal"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Prefix identifies which namespace a pointer addresses.
type Prefix string

const (
	PrefixSource         Prefix = ""   // no prefix, or "_:" — ctx.Source, read-only
	PrefixSourceExplicit Prefix = "_:"
	PrefixDest           Prefix = "@:" // ctx.Dest, writable
	PrefixTempReadOnly   Prefix = "&:" // ctx.TempReadOnly, read-only
	PrefixTemp           Prefix = "!:" // ctx.Temp, writable
)

// SplitPrefix separates a raw pointer string's namespace prefix from its
// path. Pointers with no recognized prefix are treated as source pointers.
func SplitPrefix(raw string) (Prefix, string) {
	for _, p := range []Prefix{PrefixDest, PrefixTempReadOnly, PrefixTemp, PrefixSourceExplicit} {
		if strings.HasPrefix(raw, string(p)) {
			return p, raw[len(p):]
		}
	}
	return PrefixSource, raw
}

// Resolver implements Get/Set/Delete/Exists over a single Value tree using
// JSON Pointer syntax, the four custom escapes (~0→~, ~1→/, ~2→$, ~3→.),
// ".." parent-pop, "-" append and numeric auto-grow on arrays, and a
// trailing "[start:end]" slice suffix honored only by Get.
type Resolver struct{}

// NewResolver returns a Resolver. It is stateless; one instance is shared by
// every ExecutionContext.
func NewResolver() *Resolver { return &Resolver{} }

func unescapeToken(tok string) string {
	r := strings.NewReplacer("~3", ".", "~2", "$", "~1", "/", "~0", "~")
	return r.Replace(tok)
}

// tokenize splits a pointer path into unescaped tokens, treating "" / "/" /
// "." as references to the document root (an empty token slice). ".."
// tokens are left in place for the walker to interpret as a parent-pop.
func tokenize(path string) []string {
	switch path {
	case "", "/", ".":
		return nil
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if tok == ".." {
			out = append(out, tok)
			continue
		}
		out = append(out, unescapeToken(tok))
	}
	return out
}

// resolveDotDot collapses ".." parent-pop tokens against the preceding
// tokens, the way a filesystem path normalizes "a/b/../c" to "a/c". A ".."
// with nothing preceding it is an error.
func resolveDotDot(toks []string, path string) ([]string, error) {
	out := make([]string, 0, len(toks))
	for _, tok := range toks {
		if tok == ".." {
			if len(out) == 0 {
				return nil, &signal.PointerError{Kind: signal.PointerBadPrefix, Pointer: path, Detail: ".. above document root"}
			}
			out = out[:len(out)-1]
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// sliceSuffix detects and strips a trailing "[start:end]" slice expression
// from the final token, returning the bare token and the parsed bounds. ok
// is false when no slice suffix is present.
func sliceSuffix(tok string) (bare string, start, end *int, ok bool) {
	i := strings.LastIndexByte(tok, '[')
	if i < 0 || !strings.HasSuffix(tok, "]") {
		return tok, nil, nil, false
	}
	inner := tok[i+1 : len(tok)-1]
	colon := strings.IndexByte(inner, ':')
	if colon < 0 {
		return tok, nil, nil, false
	}
	parseBound := func(s string) *int {
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		return &n
	}
	return tok[:i], parseBound(inner[:colon]), parseBound(inner[colon+1:]), true
}

func clampSliceBound(b *int, length int, def int) int {
	if b == nil {
		return def
	}
	n := *b
	if n < 0 {
		n += length
	}
	if n < 0 {
		n = 0
	}
	if n > length {
		n = length
	}
	return n
}

// Get reads the value addressed by path within root.
func (r *Resolver) Get(root any, path string) (any, error) {
	toks, err := resolveDotDot(tokenize(path), path)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return root, nil
	}
	cur := root
	for i, tok := range toks {
		last := i == len(toks)-1
		bare, start, end, hasSlice := tok, (*int)(nil), (*int)(nil), false
		if last {
			bare, start, end, hasSlice = sliceSuffix(tok)
		}
		child, err := readChild(cur, bare, path)
		if err != nil {
			return nil, err
		}
		cur = child
		if last && hasSlice {
			arr, ok := cur.([]any)
			if !ok {
				return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "slice suffix on non-array"}
			}
			s := clampSliceBound(start, len(arr), 0)
			e := clampSliceBound(end, len(arr), len(arr))
			if e < s {
				e = s
			}
			return append([]any(nil), arr[s:e]...), nil
		}
	}
	return cur, nil
}

func readChild(container any, bare, path string) (any, error) {
	switch t := container.(type) {
	case *value.Object:
		v, found := t.Get(bare)
		if !found {
			return nil, &signal.PointerError{Kind: signal.PointerNotFound, Pointer: path, Detail: "no such key: " + bare}
		}
		return v, nil
	case []any:
		idx, err := strconv.Atoi(bare)
		if err != nil {
			return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "non-numeric array index: " + bare}
		}
		if idx < 0 {
			idx += len(t)
		}
		if idx < 0 || idx >= len(t) {
			return nil, &signal.PointerError{Kind: signal.PointerNotFound, Pointer: path, Detail: "array index out of range: " + bare}
		}
		return t[idx], nil
	default:
		return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "cannot descend into non-container at " + bare}
	}
}

// Exists reports whether path resolves within root without raising.
func (r *Resolver) Exists(root any, path string) bool {
	_, err := r.Get(root, path)
	return err == nil
}

// Set writes val at path within *rootPtr. Intermediate Objects are created
// as needed; the "-" terminal appends to the array addressed by the
// penultimate path, growing it by one; a numeric terminal beyond an array's
// current length grows the array with nil padding up to that index.
//
// The recursive helper returns the (possibly new) value for the container
// at each level rather than mutating through an interface pointer in
// place, since growing a Go slice produces a new slice header that must be
// written back into whatever held it — all the way up to *rootPtr.
func (r *Resolver) Set(rootPtr *any, path string, val any) error {
	toks, err := resolveDotDot(tokenize(path), path)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		*rootPtr = val
		return nil
	}
	updated, err := setAt(*rootPtr, toks, val, path)
	if err != nil {
		return err
	}
	*rootPtr = updated
	return nil
}

func setAt(container any, toks []string, val any, path string) (any, error) {
	tok := toks[0]
	if len(toks) == 1 {
		return setLeaf(container, tok, val, path)
	}
	child, rebuild := descend(container, tok, path)
	if rebuild == nil {
		return nil, descendError(container, tok, path)
	}
	updatedChild, err := setAt(child, toks[1:], val, path)
	if err != nil {
		return nil, err
	}
	return rebuild(updatedChild), nil
}

// descend returns the child addressed by tok (creating an Object there if
// the container is an Object and the key is absent — arrays only grow at a
// leaf assignment, matching the grounding source) plus a rebuild function
// that writes an updated child back into container, returning container
// itself (Objects mutate in place; arrays may return a grown copy).
func descend(container any, tok string, path string) (child any, rebuild func(any) any) {
	switch t := container.(type) {
	case *value.Object:
		v, ok := t.Get(tok)
		if !ok {
			v = value.NewObject()
		}
		return v, func(updated any) any {
			t.Set(tok, updated)
			return t
		}
	case []any:
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, nil
		}
		if idx < 0 {
			idx += len(t)
		}
		if idx < 0 {
			return nil, nil
		}
		if idx >= len(t) {
			grown := make([]any, idx+1)
			copy(grown, t)
			grown[idx] = value.NewObject()
			return grown[idx], func(updated any) any {
				grown[idx] = updated
				return grown
			}
		}
		return t[idx], func(updated any) any {
			t[idx] = updated
			return t
		}
	default:
		return nil, nil
	}
}

func descendError(container any, tok string, path string) error {
	switch container.(type) {
	case []any:
		return &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "non-numeric array index: " + tok}
	default:
		return &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "cannot descend into non-container at " + tok}
	}
}

// setLeaf assigns val at the final token of container, returning the
// (possibly new) container. "-" appends to an array container; a numeric
// index beyond an array's length grows it with nil padding.
func setLeaf(container any, tok string, val any, path string) (any, error) {
	switch t := container.(type) {
	case *value.Object:
		t.Set(tok, val)
		return t, nil
	case []any:
		if tok == "-" {
			return append(t, val), nil
		}
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "non-numeric array index: " + tok}
		}
		if idx < 0 {
			idx += len(t)
		}
		if idx < 0 {
			return nil, &signal.PointerError{Kind: signal.PointerNotFound, Pointer: path, Detail: "array index out of range: " + tok}
		}
		if idx >= len(t) {
			grown := make([]any, idx+1)
			copy(grown, t)
			grown[idx] = val
			return grown, nil
		}
		t[idx] = val
		return t, nil
	default:
		return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "cannot assign into non-container"}
	}
}

// Delete removes the value at path within *rootPtr. The "-" terminal is
// forbidden for delete, matching the grounding source.
func (r *Resolver) Delete(rootPtr *any, path string) error {
	toks, err := resolveDotDot(tokenize(path), path)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return &signal.PointerError{Kind: signal.PointerBadPrefix, Pointer: path, Detail: "cannot delete document root"}
	}
	if toks[len(toks)-1] == "-" {
		return &signal.PointerError{Kind: signal.PointerBadPrefix, Pointer: path, Detail: "\"-\" is not a valid delete target"}
	}
	updated, err := deleteAt(*rootPtr, toks, path)
	if err != nil {
		return err
	}
	*rootPtr = updated
	return nil
}

func deleteAt(container any, toks []string, path string) (any, error) {
	tok := toks[0]
	if len(toks) == 1 {
		switch t := container.(type) {
		case *value.Object:
			if !t.Has(tok) {
				return nil, &signal.PointerError{Kind: signal.PointerNotFound, Pointer: path, Detail: "no such key: " + tok}
			}
			t.Delete(tok)
			return t, nil
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil {
				return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "non-numeric array index: " + tok}
			}
			if idx < 0 {
				idx += len(t)
			}
			if idx < 0 || idx >= len(t) {
				return nil, &signal.PointerError{Kind: signal.PointerNotFound, Pointer: path, Detail: "array index out of range: " + tok}
			}
			out := make([]any, 0, len(t)-1)
			out = append(out, t[:idx]...)
			out = append(out, t[idx+1:]...)
			return out, nil
		default:
			return nil, &signal.PointerError{Kind: signal.PointerTypeMismatch, Pointer: path, Detail: "cannot delete from non-container"}
		}
	}
	child, err := readChild(container, tok, path)
	if err != nil {
		return nil, err
	}
	updatedChild, err := deleteAt(child, toks[1:], path)
	if err != nil {
		return nil, err
	}
	switch t := container.(type) {
	case *value.Object:
		t.Set(tok, updatedChild)
		return t, nil
	case []any:
		idx, _ := strconv.Atoi(tok)
		if idx < 0 {
			idx += len(t)
		}
		t[idx] = updatedChild
		return t, nil
	}
	return container, nil
}
