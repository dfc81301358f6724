package policy

import "testing"

type stubPolicy struct {
	decision Decision
}

func (s stubPolicy) Evaluate(_ Event, _ Context) Decision { return s.decision }

func TestComposedPolicyDenyShortCircuits(t *testing.T) {
	c := NewComposedPolicy(
		stubPolicy{decision: Deny("first policy says no")},
		stubPolicy{decision: Require("never seen")},
	)
	decision := c.Evaluate(OnSpawn, Context{})
	reason, isDeny := decision.IsDeny()
	if !isDeny {
		t.Fatalf("expected a Deny decision to propagate")
	}
	if reason != "first policy says no" {
		t.Fatalf("expected the first child's Deny reason to win, got %q", reason)
	}
}

func TestComposedPolicyAggregatesRequire(t *testing.T) {
	c := NewComposedPolicy(
		stubPolicy{decision: Require("mfa")},
		stubPolicy{decision: Require("approval")},
	)
	decision := c.Evaluate(OnSpawn, Context{})
	actions, isRequire := decision.IsRequire()
	if !isRequire {
		t.Fatalf("expected a Require decision")
	}
	if len(actions) != 2 {
		t.Fatalf("expected both children's required actions aggregated, got %v", actions)
	}
}

func TestComposedPolicyIntersectsDerivedAuthority(t *testing.T) {
	c := NewComposedPolicy(
		stubPolicy{decision: Allow(&DerivedAuthority{CapIds: []uint64{1, 2, 3}})},
		stubPolicy{decision: Allow(&DerivedAuthority{CapIds: []uint64{2, 3, 4}})},
	)
	decision := c.Evaluate(OnSpawn, Context{})
	derived, isAllow := decision.IsAllow()
	if !isAllow || derived == nil {
		t.Fatalf("expected an Allow decision carrying derived authority")
	}
	want := map[uint64]bool{2: true, 3: true}
	if len(derived.CapIds) != len(want) {
		t.Fatalf("expected intersection {2,3}, got %v", derived.CapIds)
	}
	for _, id := range derived.CapIds {
		if !want[id] {
			t.Fatalf("unexpected id %d in intersection, want subset of {2,3}", id)
		}
	}
}

func TestComposedPolicyNoDerivedAnywhereAllowsPlain(t *testing.T) {
	c := NewComposedPolicy(
		stubPolicy{decision: Allow(nil)},
		stubPolicy{decision: Allow(nil)},
	)
	decision := c.Evaluate(OnSpawn, Context{})
	derived, isAllow := decision.IsAllow()
	if !isAllow {
		t.Fatalf("expected Allow")
	}
	if derived != nil {
		t.Fatalf("expected no derived authority when no child produced one, got %v", derived)
	}
}

func TestContextLookup(t *testing.T) {
	ctx := Context{Metadata: []MetadataEntry{{Key: "timeout_ms", Value: "500"}}}
	v, ok := ctx.Lookup("timeout_ms")
	if !ok || v != "500" {
		t.Fatalf("expected to find timeout_ms=500, got ok=%v v=%q", ok, v)
	}
	if _, ok := ctx.Lookup("missing"); ok {
		t.Fatalf("expected lookup of an absent key to report not found")
	}
}
