package pipeline

import (
	"github.com/ormasoftchile/jperm/pkg/kernel/dispatch"
	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
	"github.com/ormasoftchile/jperm/pkg/kernel/template"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// ValuePipeline is the value-construct pipeline installed as engine.Value.
// Unlike Pipeline (the step pipeline), it is a pure function of its input
// value: it never reads or writes ctx.Dest, returning the transformed
// value directly, matching how engine.ProcessValue already consumes
// Value.Run's return (see engine.go's fixed-point loop). Dispatch priority
// is special (registered constructs) > template (${…} strings) > container
// (recurse into array/object elements) > identity, per spec.md §4.F's
// closing line.
type ValuePipeline struct {
	Constructs *dispatch.ActionRegistry
	Template   *template.Substitutor
}

// NewValuePipeline returns a ValuePipeline with an empty construct
// registry; factory populates it with one ActionNode per $-marker.
func NewValuePipeline(sub *template.Substitutor) *ValuePipeline {
	return &ValuePipeline{
		Constructs: dispatch.NewActionRegistry(),
		Template:   sub,
	}
}

// Unescape implements engine.Unescaper, applying package template's
// literal-$${…}-reversal once after engine.ProcessValue's fixed-point
// loop stabilises, per spec.md §4.H's closing "if unescape" step.
func (vp *ValuePipeline) Unescape(v any) any {
	return template.UnescapeTemplateMarkers(v)
}

// Run implements engine.Runner.
func (vp *ValuePipeline) Run(ctx *engine.Context, v any) (any, error) {
	switch t := v.(type) {
	case *value.Object:
		if handlers := vp.Constructs.Resolve(t); len(handlers) > 0 {
			return handlers[0](ctx, t)
		}
		out := value.NewObject()
		var rebuildErr error
		t.Range(func(key string, val any) bool {
			nv, err := vp.Run(ctx, val)
			if err != nil {
				rebuildErr = err
				return false
			}
			out.Set(key, nv)
			return true
		})
		if rebuildErr != nil {
			return nil, rebuildErr
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			nv, err := vp.Run(ctx, elem)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case string:
		if vp.Template == nil || !template.HasUnescapedPlaceholder(t) {
			return t, nil
		}
		return vp.Template.Substitute(ctx, t)
	default:
		return v, nil
	}
}
