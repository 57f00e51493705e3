package engine

import "testing"

type stubRunner struct {
	calls int
	fn    func(calls int, in any) any
}

func (s *stubRunner) Run(ctx *Context, steps any) (any, error) {
	s.calls++
	return s.fn(s.calls, steps), nil
}

func TestProcessValueStabilisesAtFixedPoint(t *testing.T) {
	eng := New(DefaultLimits())
	// First call returns "stable", later calls return their input -> stabilises.
	eng.Value = &stubRunner{fn: func(calls int, in any) any {
		if calls == 1 {
			return "stable"
		}
		return in
	}}
	ctx := NewContext(eng, nil, nil)
	got, err := eng.ProcessValue(ctx, "start")
	if err != nil {
		t.Fatalf("ProcessValue: %v", err)
	}
	if got != "stable" {
		t.Errorf("ProcessValue = %v, want stable", got)
	}
}

func TestProcessValueDepthLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.ValueMaxDepth = 3
	eng := New(limits)
	n := 0
	eng.Value = &stubRunner{fn: func(calls int, in any) any {
		n++
		return n // always changes, never stabilises
	}}
	ctx := NewContext(eng, nil, nil)
	_, err := eng.ProcessValue(ctx, 0)
	if err == nil {
		t.Fatalf("ProcessValue: want LimitExceeded, got nil error")
	}
}

func TestChargeOperationEnforcesMaxOperations(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOperations = 2
	eng := New(limits)
	ctx := NewContext(eng, nil, nil)
	if err := ctx.ChargeOperation(); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if err := ctx.ChargeOperation(); err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if err := ctx.ChargeOperation(); err == nil {
		t.Errorf("third charge: want LimitExceeded, got nil")
	}
}
