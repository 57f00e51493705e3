package pointer

import "github.com/ormasoftchile/jperm/pkg/kernel/signal"

// ExecutionContext is the minimal surface Processor needs from
// engine.Context, kept here to avoid an import cycle between pointer and
// engine (engine embeds a *Resolver/*Processor, not the reverse).
type ExecutionContext interface {
	SourceRoot() *any
	DestRoot() *any
	TempRoot() *any
	TempReadOnlyRoot() *any
}

// Processor routes a prefixed pointer string to the right namespace root
// within an ExecutionContext and delegates to a Resolver. Writes always
// target Dest (or Temp for "!:"), stripping whatever prefix was used to
// read it, per Invariant 7 in spec.md §3.
type Processor struct {
	r *Resolver
}

// NewProcessor returns a Processor backed by r.
func NewProcessor(r *Resolver) *Processor { return &Processor{r: r} }

func (p *Processor) readRoot(ctx ExecutionContext, prefix Prefix) *any {
	switch prefix {
	case PrefixDest:
		return ctx.DestRoot()
	case PrefixTempReadOnly:
		return ctx.TempReadOnlyRoot()
	case PrefixTemp:
		return ctx.TempRoot()
	default:
		return ctx.SourceRoot()
	}
}

func (p *Processor) writeRoot(ctx ExecutionContext, prefix Prefix) (*any, error) {
	switch prefix {
	case PrefixDest, PrefixSource, PrefixSourceExplicit:
		return ctx.DestRoot(), nil
	case PrefixTemp:
		return ctx.TempRoot(), nil
	case PrefixTempReadOnly:
		return nil, &signal.PointerError{Kind: signal.PointerBadPrefix, Detail: "\"&:\" is read-only and cannot be written"}
	default:
		return nil, &signal.PointerError{Kind: signal.PointerBadPrefix, Detail: "unknown pointer prefix"}
	}
}

// Resolve splits a prefixed pointer and returns its namespace root and bare
// path, for callers (e.g. the template substitutor) that need both.
func (p *Processor) Resolve(ctx ExecutionContext, raw string) (root *any, path string) {
	prefix, path := SplitPrefix(raw)
	return p.readRoot(ctx, prefix), path
}

// Get reads a prefixed pointer against its namespace root.
func (p *Processor) Get(ctx ExecutionContext, raw string) (any, error) {
	root, path := p.Resolve(ctx, raw)
	return p.r.Get(*root, path)
}

// Exists reports whether a prefixed pointer resolves.
func (p *Processor) Exists(ctx ExecutionContext, raw string) bool {
	root, path := p.Resolve(ctx, raw)
	return p.r.Exists(*root, path)
}

// Set writes val through a prefixed pointer. Per Invariant 7, the write
// always targets Dest/Temp regardless of which prefix addressed the read
// side of this same call; "_:" / "" / "@:" all land on Dest, "!:" on Temp.
func (p *Processor) Set(ctx ExecutionContext, raw string, val any) error {
	_, path := SplitPrefix(raw)
	prefix, _ := SplitPrefix(raw)
	root, err := p.writeRoot(ctx, prefix)
	if err != nil {
		return err
	}
	return p.r.Set(root, path, val)
}

// Delete removes the value through a prefixed pointer, writing to the same
// namespace Set would.
func (p *Processor) Delete(ctx ExecutionContext, raw string) error {
	prefix, path := SplitPrefix(raw)
	root, err := p.writeRoot(ctx, prefix)
	if err != nil {
		return err
	}
	return p.r.Delete(root, path)
}
