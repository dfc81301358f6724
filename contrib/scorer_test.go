package contrib

import (
	"testing"

	"github.com/octokernel/octokernel/internal/policy"
)

func TestBuiltinPoliciesRegistered(t *testing.T) {
	if _, err := GetPolicy("allow-all"); err != nil {
		t.Fatalf("expected allow-all to be registered: %v", err)
	}
	if _, err := GetPolicy("metadata-threshold"); err != nil {
		t.Fatalf("expected metadata-threshold to be registered: %v", err)
	}
}

func TestGetPolicyUnknownName(t *testing.T) {
	if _, err := GetPolicy("does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unregistered policy name")
	}
}

func TestRegisterPolicyPanicsOnDuplicateName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected RegisterPolicy to panic on a duplicate name")
		}
	}()
	RegisterPolicy(&AllowAllPolicy{})
}

func TestAllowAllPolicyAlwaysAllows(t *testing.T) {
	p := &AllowAllPolicy{}
	d := p.Evaluate(policy.OnSpawn, policy.Context{})
	if _, ok := d.IsAllow(); !ok {
		t.Fatalf("expected AllowAllPolicy to always return Allow")
	}
}

func TestMetadataThresholdPolicyDeniesOverThreshold(t *testing.T) {
	p := &MetadataThresholdPolicy{MetadataKey: "stage_count", Max: 10}
	ctx := policy.Context{Metadata: []policy.MetadataEntry{{Key: "stage_count", Value: "11"}}}
	d := p.Evaluate(policy.OnPipelineStageStart, ctx)
	if _, isDeny := d.IsDeny(); !isDeny {
		t.Fatalf("expected a Deny when the metadata value exceeds Max")
	}
}

func TestMetadataThresholdPolicyAllowsMissingMetadata(t *testing.T) {
	p := &MetadataThresholdPolicy{MetadataKey: "stage_count", Max: 10}
	d := p.Evaluate(policy.OnPipelineStageStart, policy.Context{})
	if _, ok := d.IsAllow(); !ok {
		t.Fatalf("expected Allow when the named metadata key is absent")
	}
}
