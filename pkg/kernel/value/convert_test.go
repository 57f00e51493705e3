package value

import "testing"

func TestCanonicalizeConvertsNestedMaps(t *testing.T) {
	in := map[string]any{
		"name":  "alice",
		"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}},
	}
	out := Canonicalize(in)
	obj, ok := out.(*Object)
	if !ok {
		t.Fatalf("Canonicalize() = %T, want *Object", out)
	}
	items, _ := obj.Get("items")
	arr, ok := items.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("items = %#v, want a 2-element list", items)
	}
	first, ok := arr[0].(*Object)
	if !ok {
		t.Fatalf("items[0] = %T, want *Object", arr[0])
	}
	id, _ := first.Get("id")
	if id != 1 {
		t.Errorf("items[0].id = %v, want 1", id)
	}
}

func TestCanonicalizeIsIdempotentOnAlreadyCanonicalTree(t *testing.T) {
	o := NewObject()
	o.Set("x", []any{1, 2, 3})
	out := Canonicalize(o)
	if out != any(o) {
		t.Errorf("Canonicalize(*Object) should return the same instance, got a different value")
	}
}

func TestFromJSONPreservesKeyOrder(t *testing.T) {
	v, err := FromJSON([]byte(`{"z": 1, "a": 2, "m": [1, 2, {"inner": true}]}`))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	obj, ok := v.(*Object)
	if !ok {
		t.Fatalf("FromJSON() = %T, want *Object", v)
	}
	got := obj.Keys()
	want := []string{"z", "a", "m"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	m, _ := obj.Get("m")
	arr := m.([]any)
	inner, ok := arr[2].(*Object)
	if !ok {
		t.Fatalf("m[2] = %T, want *Object", arr[2])
	}
	if b, _ := inner.Get("inner"); b != true {
		t.Errorf("m[2].inner = %v, want true", b)
	}
}

func TestToJSONRoundTripsThroughFromJSON(t *testing.T) {
	orig := []byte(`{"a":1,"b":[1,2,3],"c":{"nested":"yes"}}`)
	v, err := FromJSON(orig)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	out, err := ToJSON(v)
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	v2, err := FromJSON(out)
	if err != nil {
		t.Fatalf("FromJSON(round-trip): %v", err)
	}
	if !Equal(v, v2) {
		t.Errorf("round-tripped value not Equal: %s", out)
	}
}
