package ledger

import (
	"sync"

	"github.com/octokernel/octokernel/internal/ids"
)

// Kind classifies what an execution identity represents.
type Kind int

const (
	KindSystem Kind = iota
	KindService
	KindComponent
	KindPipelineStage
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "System"
	case KindService:
		return "Service"
	case KindComponent:
		return "Component"
	case KindPipelineStage:
		return "PipelineStage"
	default:
		return "Unknown"
	}
}

// ExitReason names why a task terminated.
type ExitReason int

const (
	ExitNormal ExitReason = iota
	ExitFailure
	ExitCancelled
	ExitTimeout
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "Normal"
	case ExitFailure:
		return "Failure"
	case ExitCancelled:
		return "Cancelled"
	case ExitTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ExitNotification is emitted into the per-kernel queue on terminate_task.
type ExitNotification struct {
	ExecutionId  ids.ExecutionId
	Task         *ids.TaskId
	Reason       ExitReason
	TerminatedAt uint64
}

// Metadata is the immutable-after-creation portion of an Identity.
type Metadata struct {
	ExecutionId ids.ExecutionId
	Kind        Kind
	TaskId      *ids.TaskId
	ParentId    *ids.ExecutionId
	CreatorId   *ids.ExecutionId
	TrustDomain string
	Name        string
	CreatedAt   uint64 // logical time at creation; spec's created_at_nanos
	Budget      *Budget
}

// Identity is metadata plus the mutable usage counters, liveness, and
// cancellation flag the ledger tracks. Immutable after creation except
// Usage (monotonic), liveness, and the cancellation flag, per spec §3.
type Identity struct {
	Metadata

	mu           sync.Mutex
	usage        Usage
	alive        bool
	cancelled    bool
	cancelReason string
}

// Usage returns a snapshot of the current saturating usage counters.
func (id *Identity) Usage() Usage {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.usage
}

// Cancelled reports whether this identity has been cancelled, and if so,
// the reason the first cancellation recorded (a Resource name for
// exhaustion, or "terminated" for an explicit terminate_task).
func (id *Identity) Cancelled() (bool, string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.cancelled, id.cancelReason
}

// Alive reports whether the task this identity belongs to is still alive.
// Identities with no TaskId (System/Service-kind) are always alive.
func (id *Identity) Alive() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.alive
}

// Cancel idempotently sets the cancellation flag without terminating the
// task, for operator-driven pin-style overrides outside the normal
// enforcement paths. A cancelled-but-alive identity still fails any
// subsequent try_consume with CancelledDueToExhaustion, but its owned
// capabilities are untouched until (or unless) the task actually terminates.
func (id *Identity) Cancel(reason string) {
	id.cancel(reason)
}

// cancel idempotently sets the cancellation flag. Only the first call's
// reason sticks (spec §5: "setting cancellation is idempotent").
func (id *Identity) cancel(reason string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.cancelled {
		return
	}
	id.cancelled = true
	id.cancelReason = reason
}

// terminate marks the identity's task as no longer alive and cancels it.
func (id *Identity) terminate() {
	id.mu.Lock()
	alreadyCancelled := id.cancelled
	id.alive = false
	id.mu.Unlock()
	if !alreadyCancelled {
		id.cancel("terminated")
	}
}
