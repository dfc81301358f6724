// Package kernelerr defines the kernel's closed error taxonomy.
//
// No operation in this module returns a generic string error. Every failure
// mode is a named type carrying the structured context a driver needs to
// explain the denial without re-deriving it from logs. Callers inspect
// errors with errors.As, never by comparing strings.
package kernelerr

import "fmt"

// ─── Kernel errors ─────────────────────────────────────────────────────────

// SpawnFailed names a spawn_task / spawn_task_with_identity failure. A
// requested child budget that is not a subset of the parent's is reported
// as InsufficientAuthority, not SpawnFailed.
type SpawnFailed struct {
	Reason string
}

func (e *SpawnFailed) Error() string {
	return fmt.Sprintf("spawn failed: %s", e.Reason)
}

// ChannelError wraps a failure from the transport layer that is not one of
// the more specific channel errors below.
type ChannelError struct {
	Channel uint64
	Reason  string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d: %s", e.Channel, e.Reason)
}

// SendFailed is returned when a channel's fault plan enacts CrashSend.
type SendFailed struct {
	Channel uint64
}

func (e *SendFailed) Error() string {
	return fmt.Sprintf("send failed on channel %d: crash-on-send", e.Channel)
}

// ReceiveFailed is returned when a channel's fault plan enacts CrashRecv.
type ReceiveFailed struct {
	Channel uint64
}

func (e *ReceiveFailed) Error() string {
	return fmt.Sprintf("receive failed on channel %d: crash-on-recv", e.Channel)
}

// Timeout is returned when receive's logical timeout elapses with no
// message available, or when a pipeline/stage deadline expires.
type Timeout struct {
	Detail string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.Detail)
}

// ServiceNotFound is returned by lookup_service for an unregistered id.
type ServiceNotFound struct {
	Service uint64
}

func (e *ServiceNotFound) Error() string {
	return fmt.Sprintf("service %d not found", e.Service)
}

// ServiceAlreadyRegistered is returned by register_service on a conflicting id.
type ServiceAlreadyRegistered struct {
	Service uint64
}

func (e *ServiceAlreadyRegistered) Error() string {
	return fmt.Sprintf("service %d already registered", e.Service)
}

// InsufficientAuthority is returned when a child budget is not a pointwise
// subset of its parent's, naming the offending resource.
type InsufficientAuthority struct {
	Resource string
}

func (e *InsufficientAuthority) Error() string {
	return fmt.Sprintf("insufficient authority: child budget for %s exceeds parent", e.Resource)
}

// InvalidCapability is returned when an operation names a capability id that
// is not a valid authority for the calling task.
type InvalidCapability struct {
	CapId uint64
}

func (e *InvalidCapability) Error() string {
	return fmt.Sprintf("capability %d is not valid for this operation", e.CapId)
}

// ResourceExhausted is a generic exhaustion signal without full context;
// most call sites should prefer ResourceBudgetExhausted.
type ResourceExhausted struct {
	Resource string
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// ResourceBudgetExhausted is returned by try_consume when consuming amount
// more of resource would exceed identity's budget limit.
type ResourceBudgetExhausted struct {
	ResourceType string
	Limit        uint64
	Usage        uint64
	Identity     uint64
	Operation    string
}

func (e *ResourceBudgetExhausted) Error() string {
	return fmt.Sprintf(
		"%s limit=%d, usage=%d, identity=%d, operation=%s",
		e.ResourceType, e.Limit, e.Usage, e.Identity, e.Operation,
	)
}

// CancelledDueToExhaustion is returned by every try_consume call made after
// an identity has already been cancelled, whether by a prior exhaustion, a
// terminate_task, or a force-cancel; CancelledFor carries the recorded reason.
type CancelledDueToExhaustion struct {
	Identity      uint64
	CancelledFor  string
}

func (e *CancelledDueToExhaustion) Error() string {
	return fmt.Sprintf("identity %d is cancelled (exhausted %s)", e.Identity, e.CancelledFor)
}

// ─── Capability errors ─────────────────────────────────────────────────────

// NoSuchCapability is returned when a capability id has no Authority row.
type NoSuchCapability struct {
	CapId uint64
}

func (e *NoSuchCapability) Error() string {
	return fmt.Sprintf("no such capability: %d", e.CapId)
}

// NotOwner is returned when a task attempts to delegate or drop a
// capability it does not currently own.
type NotOwner struct {
	CapId uint64
	Task  uint64
}

func (e *NotOwner) Error() string {
	return fmt.Sprintf("task %d is not owner of capability %d", e.Task, e.CapId)
}

// NotValid is returned when an operation targets a row that exists but is
// not in the Valid state.
type NotValid struct {
	CapId uint64
}

func (e *NotValid) Error() string {
	return fmt.Sprintf("capability %d is not valid", e.CapId)
}

// TargetTaskMissing is returned by delegate when the destination task is
// not alive.
type TargetTaskMissing struct {
	Task uint64
}

func (e *TargetTaskMissing) Error() string {
	return fmt.Sprintf("target task %d is not alive", e.Task)
}

// ─── Schema errors ──────────────────────────────────────────────────────────

// UpgradeRequired is returned when a received schema version's major is
// below a service's configured minimum.
type UpgradeRequired struct {
	Service     uint64
	ExpectedMin [2]uint32
	Received    [2]uint32
}

func (e *UpgradeRequired) Error() string {
	return fmt.Sprintf(
		"service %d requires schema >= %d.%d, received %d.%d",
		e.Service, e.ExpectedMin[0], e.ExpectedMin[1], e.Received[0], e.Received[1],
	)
}

// Unsupported is returned when a received schema major is outside a
// service's supported range entirely (not just below the minimum).
type Unsupported struct {
	Service        uint64
	SupportedRange [2]uint32
	Received       [2]uint32
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf(
		"service %d supports schema majors %d-%d, received %d.%d",
		e.Service, e.SupportedRange[0], e.SupportedRange[1], e.Received[0], e.Received[1],
	)
}

// ─── Pipeline errors ────────────────────────────────────────────────────────

// SchemaMismatch is returned at pipeline construction time when adjacent
// stage schemas do not chain.
type SchemaMismatch struct {
	StageBoundary string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch at %s", e.StageBoundary)
}

// MissingCapability is returned when a stage's required capability is not
// present in the (possibly derived) pipeline pool.
type MissingCapability struct {
	CapId uint64
}

func (e *MissingCapability) Error() string {
	return fmt.Sprintf("missing capability %d", e.CapId)
}

// PolicyDenied is returned when a policy evaluation at an enforced point
// returns Deny.
type PolicyDenied struct {
	Policy     string
	Event      string
	Reason     string
	PipelineId *uint64
}

func (e *PolicyDenied) Error() string {
	if e.PipelineId != nil {
		return fmt.Sprintf("policy %q denied %s (pipeline %d): %s", e.Policy, e.Event, *e.PipelineId, e.Reason)
	}
	return fmt.Sprintf("policy %q denied %s: %s", e.Policy, e.Event, e.Reason)
}

// PolicyRequire is returned when a policy evaluation returns Require and the
// caller has not satisfied the named action.
type PolicyRequire struct {
	Policy     string
	Event      string
	Action     string
	PipelineId *uint64
}

func (e *PolicyRequire) Error() string {
	if e.PipelineId != nil {
		return fmt.Sprintf("policy %q requires action %q for %s (pipeline %d)", e.Policy, e.Action, e.Event, *e.PipelineId)
	}
	return fmt.Sprintf("policy %q requires action %q for %s", e.Policy, e.Action, e.Event)
}

// PolicyDerivedAuthorityInvalid is returned when a policy's derived
// authority is not a subset of the currently held authority.
type PolicyDerivedAuthorityInvalid struct {
	Policy     string
	Event      string
	Reason     string
	Delta      []uint64
	PipelineId *uint64
}

func (e *PolicyDerivedAuthorityInvalid) Error() string {
	return fmt.Sprintf("policy %q derived invalid authority for %s: %s (delta=%v)", e.Policy, e.Event, e.Reason, e.Delta)
}

// StageTimeout is returned when a stage's own deadline expires.
type StageTimeout struct {
	StageId uint64
}

func (e *StageTimeout) Error() string {
	return fmt.Sprintf("stage %d timed out", e.StageId)
}

// PipelineTimeout is returned when a pipeline's overall deadline expires.
type PipelineTimeout struct {
	PipelineId uint64
}

func (e *PipelineTimeout) Error() string {
	return fmt.Sprintf("pipeline %d timed out", e.PipelineId)
}
