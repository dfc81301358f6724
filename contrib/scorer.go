// Package contrib — scorer.go
//
// Plugin interface for custom policy engines.
//
// The kernel's policy enforcement points (OnSpawn, OnCapabilityDelegate,
// OnPipelineStart, OnPipelineStageStart, OnPipelineStageEnd) are driven by
// any internal/policy.Policy implementation. contrib/ is where
// community-contributed policies register themselves so a driver can select
// one by name instead of wiring Go code for every scenario.
//
// Plugin registration:
//
//	Plugins register themselves in an init() function using RegisterPolicy().
//	cmd/simdriver selects the active policy by name with its -policy flag:
//
//	  simdriver -policy allow-all          # default
//	  simdriver -policy my-custom-policy
//
//	Built-in policies: "allow-all", "metadata-threshold" (reference
//	implementations below). Community policies register via
//	contrib.RegisterPolicy() from their own init().
//
// Plugin contract:
//   - Evaluate() must be side-effect-free and deterministic for a given
//     (event, ctx) pair, per internal/policy.Policy's contract.
//   - Evaluate() must not block (no I/O): the kernel calls it synchronously
//     from the thread driving the simulation.
//   - Evaluate() must not panic.
//
// Example plugin (contrib/policies/quota/quota.go):
//
//	package quota
//
//	import (
//	  "strconv"
//
//	  "github.com/octokernel/octokernel/contrib"
//	  "github.com/octokernel/octokernel/internal/policy"
//	)
//
//	func init() {
//	  contrib.RegisterPolicy(&QuotaPolicy{Max: 10})
//	}
//
//	type QuotaPolicy struct{ Max int }
//
//	func (q *QuotaPolicy) Name() string { return "quota" }
//
//	func (q *QuotaPolicy) Evaluate(event policy.Event, ctx policy.Context) policy.Decision {
//	  if event != policy.OnSpawn { return policy.Allow(nil) }
//	  raw, ok := ctx.Lookup("children")
//	  if n, err := strconv.Atoi(raw); ok && err == nil && n >= q.Max {
//	    return policy.Deny("spawn quota exhausted")
//	  }
//	  return policy.Allow(nil)
//	}
package contrib

import (
	"fmt"
	"sync"

	"github.com/octokernel/octokernel/internal/policy"
)

// NamedPolicy is a policy.Policy that additionally identifies itself, so it
// can be looked up by the config key a driver selects it with.
type NamedPolicy interface {
	policy.Policy
	Name() string
}

// ─── Registry ───────────────────────────────────────────────────────────────

var (
	registryMu sync.RWMutex
	registry   = make(map[string]NamedPolicy)
)

// RegisterPolicy registers a named policy. Panics if a policy with the same
// name is already registered. Call from init() functions in plugin packages.
func RegisterPolicy(p NamedPolicy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[p.Name()]; exists {
		panic(fmt.Sprintf("contrib: policy %q already registered", p.Name()))
	}
	registry[p.Name()] = p
}

// GetPolicy returns the registered policy with the given name.
func GetPolicy(name string) (NamedPolicy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: policy %q not registered (available: %v)", name, listNames())
	}
	return p, nil
}

// ListPolicies returns the names of all registered policies.
func ListPolicies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// ─── Reference policy: allow-all ───────────────────────────────────────────

// AllowAllPolicy allows every enforcement point unconditionally. Useful as
// the default when a scenario needs budget/capability enforcement but no
// additional policy restriction.
type AllowAllPolicy struct{}

func init() {
	RegisterPolicy(&AllowAllPolicy{})
}

func (p *AllowAllPolicy) Name() string { return "allow-all" }

func (p *AllowAllPolicy) Evaluate(_ policy.Event, _ policy.Context) policy.Decision {
	return policy.Allow(nil)
}

// ─── Reference policy: metadata-threshold ──────────────────────────────────

// MetadataThresholdPolicy denies an enforcement point when a named numeric
// metadata entry on the Context exceeds a configured threshold. A common
// use: deny OnPipelineStageStart when "stage_count" on the pipeline exceeds
// an operator-configured ceiling.
type MetadataThresholdPolicy struct {
	MetadataKey string
	Max         float64
}

func init() {
	RegisterPolicy(&MetadataThresholdPolicy{MetadataKey: "stage_count", Max: 1e9})
}

func (p *MetadataThresholdPolicy) Name() string { return "metadata-threshold" }

func (p *MetadataThresholdPolicy) Evaluate(_ policy.Event, ctx policy.Context) policy.Decision {
	raw, ok := ctx.Lookup(p.MetadataKey)
	if !ok {
		return policy.Allow(nil)
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return policy.Allow(nil)
	}
	if v > p.Max {
		return policy.Deny(fmt.Sprintf("%s=%g exceeds threshold %g", p.MetadataKey, v, p.Max))
	}
	return policy.Allow(nil)
}
