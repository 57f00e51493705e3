// Package dispatch implements the two registry kinds spec.md §4.F names:
// StageRegistry (run every matching node, descending priority, children
// recursed before the node's own processor) and ActionRegistry (resolve —
// every match in priority order, up to and including the first Exclusive
// one, over a flat node list with no group fallback; run-all — execute
// every match). Grounded on original_source/src/j_perm/core.py's
// StageRegistry/ActionTypeRegistry.
package dispatch

import (
	"sort"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
)

// Matcher reports whether a step/value should be handled by the
// associated Handler.
type Matcher func(step any) bool

// Handler executes a matched step, returning its outcome. Outcomes may be
// a plain Value, a signal.ControlFlowSignal, or a signal.PipelineSignal —
// callers (pipeline.Pipeline) are responsible for interpreting the error
// return as one of those per spec.md §7.
type Handler func(ctx *engine.Context, step any) (any, error)

// AlwaysMatcher matches unconditionally — used for the identity fallback
// and container recursion nodes.
func AlwaysMatcher(any) bool { return true }

// StageNode is one node in a StageRegistry's priority tree: it optionally
// recurses into children before invoking its own Processor.
type StageNode struct {
	Name      string
	Priority  int
	Processor Handler // may be nil for a pure grouping node
	Children  []*StageNode
}

// StageRegistry runs every node whose processor is non-nil, in descending
// priority order, always recursing into a node's children before invoking
// the node's own processor (children-then-processor, matching core.py).
type StageRegistry struct {
	nodes []*StageNode
}

// NewStageRegistry returns an empty StageRegistry.
func NewStageRegistry() *StageRegistry { return &StageRegistry{} }

// Register adds a top-level stage node, keeping nodes sorted by descending
// priority.
func (s *StageRegistry) Register(node *StageNode) {
	s.nodes = append(s.nodes, node)
	sort.SliceStable(s.nodes, func(i, j int) bool { return s.nodes[i].Priority > s.nodes[j].Priority })
}

// RunAll runs every registered stage node against ctx/step in priority
// order, threading the (possibly rewritten) step through each stage, and
// returns the final step. A node with no Processor is purely structural:
// only its children run.
func (s *StageRegistry) RunAll(ctx *engine.Context, step any) (any, error) {
	cur := step
	for _, node := range s.nodes {
		next, err := runStageNode(ctx, node, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func runStageNode(ctx *engine.Context, node *StageNode, step any) (any, error) {
	cur := step
	for _, child := range node.Children {
		next, err := runStageNode(ctx, child, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if node.Processor != nil {
		return node.Processor(ctx, cur)
	}
	return cur, nil
}

// ActionNode pairs a Matcher with its Handler and an Exclusive flag: an
// exclusive match stops Resolve from walking further (mirrors
// SpecialResolveHandler's "first marker key wins" behavior generalized to
// any action-type registration).
type ActionNode struct {
	Name      string
	Priority  int
	Match     Matcher
	Handler   Handler
	Exclusive bool
}

// ActionRegistry holds step-dispatch handlers (operations, shorthand
// stages' underlying actions, value constructs) matched by Matcher.
type ActionRegistry struct {
	nodes []*ActionNode
}

// NewActionRegistry returns an empty ActionRegistry.
func NewActionRegistry() *ActionRegistry { return &ActionRegistry{} }

// Register adds a node, keeping nodes sorted by descending priority.
func (a *ActionRegistry) Register(node *ActionNode) {
	a.nodes = append(a.nodes, node)
	sort.SliceStable(a.nodes, func(i, j int) bool { return a.nodes[i].Priority > a.nodes[j].Priority })
}

// Resolve returns the ordered list of handlers matching step: every
// matching node in descending-priority order, stopping after the first
// Exclusive match (inclusive of that match itself).
func (a *ActionRegistry) Resolve(step any) []Handler {
	var out []Handler
	for _, node := range a.nodes {
		if !node.Match(step) {
			continue
		}
		out = append(out, node.Handler)
		if node.Exclusive {
			break
		}
	}
	return out
}

// RunAll executes every matching handler in priority order regardless of
// Exclusive, threading the (possibly rewritten) step through each one, and
// returns the final result.
func (a *ActionRegistry) RunAll(ctx *engine.Context, step any) (any, error) {
	cur := any(step)
	ran := false
	for _, node := range a.nodes {
		if !node.Match(cur) {
			continue
		}
		ran = true
		next, err := node.Handler(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if !ran {
		return cur, nil
	}
	return cur, nil
}
