// Package policy implements the Policy Engine: a pure function of
// (event, context) to a decision, composable via ComposedPolicy.
package policy

// Event names an enforcement point the kernel consults a policy at.
type Event int

const (
	OnSpawn Event = iota
	OnCapabilityDelegate
	OnPipelineStart
	OnPipelineStageStart
	OnPipelineStageEnd
)

func (e Event) String() string {
	switch e {
	case OnSpawn:
		return "OnSpawn"
	case OnCapabilityDelegate:
		return "OnCapabilityDelegate"
	case OnPipelineStart:
		return "OnPipelineStart"
	case OnPipelineStageStart:
		return "OnPipelineStageStart"
	case OnPipelineStageEnd:
		return "OnPipelineStageEnd"
	default:
		return "Unknown"
	}
}

// MetadataEntry is one opaque string-pair annotation on a Context (e.g.
// timeout_ms, stage_count).
type MetadataEntry struct {
	Key   string
	Value string
}

// Context carries everything a policy may condition its decision on.
type Context struct {
	Actor      uint64
	Target     *uint64
	CapId      *uint64
	PipelineId *uint64
	StageId    *uint64
	Metadata   []MetadataEntry
}

// Lookup returns the value of the first metadata entry with the given key.
func (c Context) Lookup(key string) (string, bool) {
	for _, e := range c.Metadata {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// DerivedAuthority is a policy-produced subset of the currently held
// capability set, plus opaque constraint tags, scoped to a pipeline or a
// single stage. Invariant (enforced by the caller, not here): it must be a
// subset of the authority visible at the enforcement point.
type DerivedAuthority struct {
	CapIds         []uint64
	ConstraintTags []string
}

// decisionKind discriminates Decision's tagged variants (spec §9: targets
// lacking sum types use a discriminator plus payload).
type decisionKind int

const (
	kindAllow decisionKind = iota
	kindDeny
	kindRequire
)

// Decision is the result of evaluating a policy. Exactly one of the Allow/
// Deny/Require constructors below should be used to build one; the zero
// value is not a meaningful decision.
type Decision struct {
	kind   decisionKind
	derived *DerivedAuthority // Allow only, may be nil
	reason  string            // Deny only
	actions []string          // Require only; a single policy always sets exactly one
}

// Allow constructs an Allow decision, optionally carrying derived authority.
func Allow(derived *DerivedAuthority) Decision {
	return Decision{kind: kindAllow, derived: derived}
}

// Deny constructs a Deny decision with reason.
func Deny(reason string) Decision {
	return Decision{kind: kindDeny, reason: reason}
}

// Require constructs a Require decision naming the action the caller must
// satisfy before the operation may proceed.
func Require(action string) Decision {
	return Decision{kind: kindRequire, actions: []string{action}}
}

// IsAllow reports whether d is an Allow decision and returns its derived
// authority, if any.
func (d Decision) IsAllow() (*DerivedAuthority, bool) {
	return d.derived, d.kind == kindAllow
}

// IsDeny reports whether d is a Deny decision and its reason.
func (d Decision) IsDeny() (string, bool) {
	return d.reason, d.kind == kindDeny
}

// IsRequire reports whether d is a Require decision and its aggregated
// required actions (always exactly one for a leaf policy; may be several
// for a ComposedPolicy).
func (d Decision) IsRequire() ([]string, bool) {
	return d.actions, d.kind == kindRequire
}

// Policy is a pure, side-effect-free function from (event, context) to a
// decision.
type Policy interface {
	Evaluate(event Event, ctx Context) Decision
}
