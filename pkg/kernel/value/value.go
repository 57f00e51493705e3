// Package value defines the Value tree this engine operates on: the JSON-like
// sum type of Null, Boolean, Integer, Float, String, Array and Object, with
// Object backed by an insertion-ordered map so that construct dispatch over
// multiple marker keys (e.g. a dict carrying both "$ref" and "$eval") has a
// deterministic, documented winner.
package value

import (
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Object is an insertion-ordered string-keyed map, the concrete
// representation of the Value model's Object variant.
type Object struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{m: orderedmap.New[string, any]()}
}

// Get returns the value stored under key and whether it was present.
func (o *Object) Get(key string) (any, bool) {
	if o == nil || o.m == nil {
		return nil, false
	}
	return o.m.Get(key)
}

// Set inserts or overwrites key with value, preserving first-insertion order.
func (o *Object) Set(key string, val any) {
	if o.m == nil {
		o.m = orderedmap.New[string, any]()
	}
	o.m.Set(key, val)
}

// Delete removes key, if present.
func (o *Object) Delete(key string) {
	if o == nil || o.m == nil {
		return
	}
	o.m.Delete(key)
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil || o.m == nil {
		return 0
	}
	return o.m.Len()
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil || o.m == nil {
		return nil
	}
	keys := make([]string, 0, o.m.Len())
	for pair := o.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Range calls fn for every key/value pair in insertion order, stopping early
// if fn returns false.
func (o *Object) Range(fn func(key string, val any) bool) {
	if o == nil || o.m == nil {
		return
	}
	for pair := o.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// FirstKeyIn returns the first (by insertion order) key of o that is also a
// member of candidates, and true if one exists. This realizes the marker-key
// tie-break documented as Open Question 5: when an Object carries more than
// one special key, the earliest-inserted one wins.
func (o *Object) FirstKeyIn(candidates map[string]bool) (string, bool) {
	found := ""
	ok := false
	o.Range(func(key string, _ any) bool {
		if candidates[key] {
			found, ok = key, true
			return false
		}
		return true
	})
	return found, ok
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := NewObject()
	o.Range(func(key string, val any) bool {
		out.Set(key, DeepCopy(val))
		return true
	})
	return out
}

// DeepCopy returns a deep copy of any Value.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		// nil, bool, string, int, float64 are all copied by value already.
		return v
	}
}

// Equal reports whether a and b are structurally equal, with float NaN
// comparison resolved per Open Question 3: a NaN never equals anything,
// including another NaN, matching Go's native float semantics.
func Equal(a, b any) bool {
	af, aIsFloat := asFloat(a)
	bf, bIsFloat := asFloat(b)
	if aIsFloat && bIsFloat {
		if math.IsNaN(af) || math.IsNaN(bf) {
			return false
		}
		return af == bf
	}
	switch at := a.(type) {
	case *Object:
		bt, ok := b.(*Object)
		if !ok || at.Len() != bt.Len() {
			return false
		}
		eq := true
		at.Range(func(key string, val any) bool {
			bv, present := bt.Get(key)
			if !present || !Equal(val, bv) {
				eq = false
				return false
			}
			return true
		})
		return eq
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// asFloat normalizes Go's int/float64 duality (mirroring Python's int/float
// split) into a single float64 for numeric comparison and arithmetic.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// AsFloat exposes asFloat for use by the construct and operation packages.
func AsFloat(v any) (float64, bool) { return asFloat(v) }

// IsInt reports whether v is an integral Go value (int or int64), used to
// decide whether an arithmetic result should stay integral.
func IsInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

// TypeName returns the DSL-facing type name of v, used by error messages and
// the $cast construct's unknown-type diagnostics.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int, int64:
		return "integer"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "array"
	case *Object:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Truthy implements the DSL's truthiness rule used by $and/$or/$not and by
// if/while/assert path-based conditions: null, false, 0, 0.0, "", empty
// array, and empty object are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	case []any:
		return len(t) != 0
	case *Object:
		return t.Len() != 0
	default:
		return true
	}
}
