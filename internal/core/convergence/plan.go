package convergence

import (
	"sort"

	"github.com/artpar/flotilla/internal/core/identity"
)

// =============================================================================
// Plan Types
// =============================================================================

// Instance is the decision-relevant view of one existing container.
type Instance struct {
	ID         string
	Name       string
	Number     int
	ConfigHash string
	Running    bool
}

// ActionKind is what happens to one instance slot.
type ActionKind string

const (
	ActionReuse    ActionKind = "reuse"
	ActionRecreate ActionKind = "recreate"
	ActionCreate   ActionKind = "create"
)

// Action is one step of a Plan. Existing is nil for ActionCreate.
type Action struct {
	Kind     ActionKind
	Number   int
	Existing *Instance
}

// Plan is the convergence decision for one service.
type Plan struct {
	Strategy Strategy
	Hash     string
	Actions  []Action
}

// Count returns the number of actions of kind.
func (p Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// IsNoop reports whether the plan only reuses existing containers.
func (p Plan) IsNoop() bool {
	return p.Count(ActionReuse) == len(p.Actions)
}

// =============================================================================
// Decide
// =============================================================================

// Decide computes the plan for one service from the desired fingerprint,
// the existing instances and the desired instance count.
//
//   - always: every instance is recreated, the shortfall is created.
//   - never: every instance is reused; one instance is created only when
//     none exist and desiredScale is positive.
//   - changed: instances whose hash matches are reused, others recreated,
//     the shortfall is created.
//
// A recreated instance keeps its number. Created instances take the lowest
// numbers not in use.
func Decide(strategy Strategy, desiredHash string, existing []Instance, desiredScale int) Plan {
	sorted := append([]Instance(nil), existing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	plan := Plan{Strategy: strategy, Hash: desiredHash}
	used := make([]int, 0, len(sorted))

	for i := range sorted {
		inst := &sorted[i]
		used = append(used, inst.Number)

		kind := ActionReuse
		switch strategy {
		case StrategyAlways:
			kind = ActionRecreate
		case StrategyChanged:
			if inst.ConfigHash != desiredHash {
				kind = ActionRecreate
			}
		}
		plan.Actions = append(plan.Actions, Action{Kind: kind, Number: inst.Number, Existing: inst})
	}

	shortfall := desiredScale - len(sorted)
	if strategy == StrategyNever {
		shortfall = 0
		if len(sorted) == 0 && desiredScale > 0 {
			shortfall = 1
		}
	}
	if shortfall > 0 {
		for _, n := range identity.NextNumbers(used, shortfall) {
			plan.Actions = append(plan.Actions, Action{Kind: ActionCreate, Number: n})
		}
	}

	return plan
}
