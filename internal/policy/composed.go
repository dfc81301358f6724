package policy

// ComposedPolicy evaluates its children in order. The first Deny wins
// (short-circuit, later children are not evaluated). Otherwise every
// Require action across all children is aggregated into a single Require
// decision. Otherwise, if any child produced a derived authority, the
// composed decision carries the intersection of all derived sets (children
// that returned no derived authority take no part in the intersection; if
// no child derived anything, the composed Allow carries no derived set).
type ComposedPolicy struct {
	Children []Policy
}

// NewComposedPolicy builds a ComposedPolicy evaluating children in order.
func NewComposedPolicy(children ...Policy) *ComposedPolicy {
	return &ComposedPolicy{Children: children}
}

func (c *ComposedPolicy) Evaluate(event Event, ctx Context) Decision {
	var requireActions []string
	var derivedSets [][]uint64
	var constraintTags []string
	anyDerived := false

	for _, child := range c.Children {
		d := child.Evaluate(event, ctx)

		if reason, isDeny := d.IsDeny(); isDeny {
			return Deny(reason)
		}
		if actions, isRequire := d.IsRequire(); isRequire {
			requireActions = append(requireActions, actions...)
			continue
		}
		if derived, isAllow := d.IsAllow(); isAllow && derived != nil {
			anyDerived = true
			derivedSets = append(derivedSets, derived.CapIds)
			constraintTags = append(constraintTags, derived.ConstraintTags...)
		}
	}

	if len(requireActions) > 0 {
		return Decision{kind: kindRequire, actions: requireActions}
	}

	if !anyDerived {
		return Allow(nil)
	}

	return Allow(&DerivedAuthority{
		CapIds:         intersectAll(derivedSets),
		ConstraintTags: constraintTags,
	})
}

// intersectAll returns the intersection of a list of id sets. An empty
// input list intersects to an empty set.
func intersectAll(sets [][]uint64) []uint64 {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[uint64]int)
	for _, s := range sets {
		seen := make(map[uint64]bool, len(s))
		for _, id := range s {
			if seen[id] {
				continue
			}
			seen[id] = true
			counts[id]++
		}
	}
	var out []uint64
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	return out
}
