package capability

import (
	"sync"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

// Row is one Authority Table entry.
type Row struct {
	Owner   ids.TaskId
	Status  Status
	Durable bool
}

// Table is the Capability Authority Table. It is mutated only through its
// methods, each of which is an indivisible transaction: it either fully
// succeeds or leaves the table's rows unchanged (per spec §5). A failed
// check still appends an InvalidUseAttempt entry to the audit log.
//
// Table does not itself know whether a task is alive — liveness is owned by
// the ledger. Delegate and IsValid take the destination/owner liveness as an
// explicit argument supplied by the kernel facade, which is the only caller
// in a position to consult both subsystems atomically.
type Table struct {
	mu   sync.Mutex
	rows map[uint64]*Row
	log  AuditLog
}

// NewTable returns an empty Authority Table.
func NewTable() *Table {
	return &Table{rows: make(map[uint64]*Row)}
}

// Grant inserts a fresh row. Fails if capId already has a row.
func (t *Table) Grant(capId uint64, owner ids.TaskId, durable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rows[capId]; exists {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "grant: id already exists"})
		return &kernelerr.ChannelError{Channel: capId, Reason: "capability id already exists"}
	}
	t.rows[capId] = &Row{Owner: owner, Status: Valid, Durable: durable}
	t.log.append(Event{Kind: EventGranted, CapId: capId, Owner: uint64(owner)})
	return nil
}

// Delegate moves ownership of capId from `from` to `to`. toAlive must
// reflect whether the destination task is currently alive; toDomain/
// fromDomain are the tasks' trust domains, used only to decide whether a
// CrossDomainDelegation event is additionally emitted. Delegating to the
// same task is a no-op ownership change that still emits Delegated.
func (t *Table) Delegate(capId uint64, from, to ids.TaskId, fromDomain, toDomain string, toAlive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, exists := t.rows[capId]
	if !exists {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "delegate: no such capability"})
		return &kernelerr.NoSuchCapability{CapId: capId}
	}
	if row.Status != Valid {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "delegate: not valid"})
		return &kernelerr.NotValid{CapId: capId}
	}
	if row.Owner != from {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "delegate: not owner"})
		return &kernelerr.NotOwner{CapId: capId, Task: uint64(from)}
	}
	if !toAlive {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "delegate: target task missing"})
		return &kernelerr.TargetTaskMissing{Task: uint64(to)}
	}

	row.Owner = to
	t.log.append(Event{Kind: EventDelegated, CapId: capId, From: uint64(from), To: uint64(to)})
	if fromDomain != toDomain {
		t.log.append(Event{Kind: EventCrossDomainDelegation, CapId: capId, From: uint64(from), To: uint64(to)})
	}
	return nil
}

// Drop invalidates capId. Requires the caller to currently own it and the
// row to be Valid; dropping an already-Invalid row is an explicit error.
func (t *Table) Drop(capId uint64, task ids.TaskId) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, exists := t.rows[capId]
	if !exists {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "drop: no such capability"})
		return &kernelerr.NoSuchCapability{CapId: capId}
	}
	if row.Status != Valid {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "drop: not valid"})
		return &kernelerr.NotValid{CapId: capId}
	}
	if row.Owner != task {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "drop: not owner"})
		return &kernelerr.NotOwner{CapId: capId, Task: uint64(task)}
	}

	row.Status = Invalid
	t.log.append(Event{Kind: EventDropped, CapId: capId, Owner: uint64(task)})
	return nil
}

// InvalidateOwnedBy transitions every non-durable Valid row owned by task to
// Invalid, emitting Invalidated per row. Idempotent: calling it twice for
// the same task emits no further events the second time, since no row it
// owns remains Valid.
func (t *Table) InvalidateOwnedBy(task ids.TaskId) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var emitted []Event
	for capId, row := range t.rows {
		if row.Owner == task && row.Status == Valid && !row.Durable {
			row.Status = Invalid
			emitted = append(emitted, t.log.append(Event{Kind: EventInvalidated, CapId: capId, Owner: uint64(task)}))
		}
	}
	return emitted
}

// ForceInvalidate transitions capId to Invalid regardless of owner or
// durability, for operator-driven overrides outside the normal enforcement
// paths (spec §6's escape hatch for fault injection / red-team tooling).
// Unlike Drop, it needs no owner; unlike InvalidateOwnedBy, it ignores the
// Durable flag: an operator override is allowed to break the
// durable-survives-termination guarantee on purpose.
func (t *Table) ForceInvalidate(capId uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, exists := t.rows[capId]
	if !exists {
		t.log.append(Event{Kind: EventInvalidUseAttempt, CapId: capId, Reason: "force_invalidate: no such capability"})
		return &kernelerr.NoSuchCapability{CapId: capId}
	}
	if row.Status != Valid {
		return nil
	}

	row.Status = Invalid
	t.log.append(Event{Kind: EventInvalidated, CapId: capId, Owner: uint64(row.Owner)})
	return nil
}

// IsValid reports whether capId is currently Valid, owned by task, with
// ownerAlive reflecting the kernel's current liveness check for that task.
func (t *Table) IsValid(capId uint64, task ids.TaskId, ownerAlive bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, exists := t.rows[capId]
	if !exists {
		return false
	}
	return row.Status == Valid && row.Owner == task && ownerAlive
}

// Row returns a copy of the row for capId, if any.
func (t *Table) Row(capId uint64) (Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, exists := t.rows[capId]
	if !exists {
		return Row{}, false
	}
	return *row, true
}

// AuditLog returns the append-only capability audit log.
func (t *Table) AuditLog() *AuditLog {
	return &t.log
}
