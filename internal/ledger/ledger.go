package ledger

import (
	"sync"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

// Ledger owns every execution identity and the exit-notification queue for
// one kernel instance. It never removes an identity from the registry
// (spec §3: "never removed from the registry").
type Ledger struct {
	mu         sync.Mutex
	identities map[ids.ExecutionId]*Identity
	byTask     map[ids.TaskId]ids.ExecutionId
	notifs     []ExitNotification
	resLog     ResourceAuditLog
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		identities: make(map[ids.ExecutionId]*Identity),
		byTask:     make(map[ids.TaskId]ids.ExecutionId),
	}
}

// CreateIdentity registers a new identity. If meta.ParentId names an
// existing identity and both parent and child declare a budget, the
// child's budget must be a pointwise subset of the parent's, or
// InsufficientAuthority is returned naming the offending resource.
func (l *Ledger) CreateIdentity(meta Metadata) (*Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if meta.ParentId != nil && meta.Budget != nil {
		if parent, ok := l.identities[*meta.ParentId]; ok && parent.Budget != nil {
			if ok, offending := meta.Budget.IsSubsetOf(parent.Budget); !ok {
				return nil, &kernelerr.InsufficientAuthority{Resource: offending.String()}
			}
		}
	}

	id := &Identity{Metadata: meta, alive: true}
	l.identities[meta.ExecutionId] = id
	if meta.TaskId != nil {
		l.byTask[*meta.TaskId] = meta.ExecutionId
	}
	return id, nil
}

// GetIdentity looks up an identity by execution id.
func (l *Ledger) GetIdentity(execId ids.ExecutionId) (*Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.identities[execId]
	return id, ok
}

// GetTaskIdentity looks up the identity owning a task.
func (l *Ledger) GetTaskIdentity(task ids.TaskId) (*Identity, bool) {
	l.mu.Lock()
	execId, ok := l.byTask[task]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	return l.GetIdentity(execId)
}

// IsTaskAlive reports whether task has a live identity. Unknown tasks are
// considered not alive.
func (l *Ledger) IsTaskAlive(task ids.TaskId) bool {
	id, ok := l.GetTaskIdentity(task)
	if !ok {
		return false
	}
	return id.Alive()
}

// TryConsume is the atomic check-then-consume enforcement point. If the
// identity is already cancelled, it fails with CancelledDueToExhaustion
// naming the original cancelling resource. Otherwise, if usage+amount would
// exceed the budget's limit for resource, it emits BudgetExhausted,
// cancels the identity, and fails with ResourceBudgetExhausted; the
// identity remains cancelled for every subsequent call. On success, usage
// is updated and nil is returned.
func (l *Ledger) TryConsume(execId ids.ExecutionId, resource Resource, amount uint64, operation string) error {
	id, ok := l.GetIdentity(execId)
	if !ok {
		return &kernelerr.InvalidCapability{CapId: uint64(execId)}
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	if id.cancelled {
		l.mu.Lock()
		l.resLog.append(ResourceEvent{Kind: ResourceCancelledDueToExhaustion, Identity: uint64(execId), Resource: resource, Operation: operation})
		l.mu.Unlock()
		return &kernelerr.CancelledDueToExhaustion{Identity: uint64(execId), CancelledFor: id.cancelReason}
	}

	current := id.usage.get(resource)
	limit, bounded := id.Budget.limit(resource)
	next := addSaturating(current, amount)

	if bounded && next > limit {
		id.cancelled = true
		id.cancelReason = resource.String()
		l.mu.Lock()
		l.resLog.append(ResourceEvent{Kind: ResourceBudgetExhaustedEvent, Identity: uint64(execId), Resource: resource, Before: current, After: next, Operation: operation})
		l.mu.Unlock()
		return &kernelerr.ResourceBudgetExhausted{
			ResourceType: resource.String(),
			Limit:        limit,
			Usage:        current,
			Identity:     uint64(execId),
			Operation:    operation,
		}
	}

	id.usage.set(resource, next)
	l.mu.Lock()
	l.resLog.append(ResourceEvent{Kind: ResourceConsumed, Identity: uint64(execId), Resource: resource, Before: current, After: next, Operation: operation})
	l.mu.Unlock()
	return nil
}

// ForceCancel sets the cancellation flag on execId without terminating it,
// for operator-driven pin-style overrides. Returns InvalidCapability if the
// identity does not exist.
func (l *Ledger) ForceCancel(execId ids.ExecutionId, reason string) error {
	id, ok := l.GetIdentity(execId)
	if !ok {
		return &kernelerr.InvalidCapability{CapId: uint64(execId)}
	}
	id.Cancel(reason)
	return nil
}

// ResourceAuditLog returns the append-only resource-consumption audit log.
func (l *Ledger) ResourceAuditLog() *ResourceAuditLog {
	return &l.resLog
}

// Terminate records an ExitNotification, marks the identity's task dead,
// and cancels it. Calling it twice for the same identity is safe: the
// second call still records a notification (callers that want at-most-once
// delivery should drain/clear the queue), but terminate() itself is
// idempotent with respect to liveness and cancellation.
func (l *Ledger) Terminate(execId ids.ExecutionId, task *ids.TaskId, reason ExitReason, now uint64) error {
	id, ok := l.GetIdentity(execId)
	if !ok {
		return &kernelerr.InvalidCapability{CapId: uint64(execId)}
	}
	id.terminate()

	l.mu.Lock()
	l.notifs = append(l.notifs, ExitNotification{
		ExecutionId:  execId,
		Task:         task,
		Reason:       reason,
		TerminatedAt: now,
	})
	l.mu.Unlock()
	return nil
}

// ExitNotifications returns every queued notification.
func (l *Ledger) ExitNotifications() []ExitNotification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ExitNotification, len(l.notifs))
	copy(out, l.notifs)
	return out
}

// ClearExitNotifications empties the queue.
func (l *Ledger) ClearExitNotifications() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifs = nil
}
