package ledger

import (
	"errors"
	"testing"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

func cpuBudget(limit uint64) *Budget {
	return &Budget{CpuTicks: &limit}
}

func TestCreateIdentityChildSubsetOfParent(t *testing.T) {
	l := New()
	parent, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TrustDomain: "dom-a", Budget: cpuBudget(100)})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	parentId := parent.ExecutionId

	if _, err := l.CreateIdentity(Metadata{ExecutionId: 2, Kind: KindComponent, TrustDomain: "dom-a", ParentId: &parentId, Budget: cpuBudget(200)}); err == nil {
		t.Fatalf("expected child budget exceeding parent's to be rejected")
	}

	if _, err := l.CreateIdentity(Metadata{ExecutionId: 3, Kind: KindComponent, TrustDomain: "dom-a", ParentId: &parentId, Budget: cpuBudget(50)}); err != nil {
		t.Fatalf("expected child budget within parent's to be accepted: %v", err)
	}
}

func TestCreateIdentityUnboundedParentPlacesNoConstraint(t *testing.T) {
	l := New()
	parent, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TrustDomain: "dom-a", Budget: &Budget{}})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	parentId := parent.ExecutionId

	if _, err := l.CreateIdentity(Metadata{ExecutionId: 2, Kind: KindComponent, TrustDomain: "dom-a", ParentId: &parentId, Budget: cpuBudget(1_000_000)}); err != nil {
		t.Fatalf("expected any child budget to be accepted under an unbounded parent: %v", err)
	}
}

func TestTryConsumeWithinBudgetSucceeds(t *testing.T) {
	l := New()
	id, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TrustDomain: "dom-a", Budget: cpuBudget(10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := l.TryConsume(id.ExecutionId, CpuTicks, 1, "tick"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
}

func TestTryConsumeExhaustionCancelsIdentity(t *testing.T) {
	l := New()
	id, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TrustDomain: "dom-a", Budget: cpuBudget(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.TryConsume(id.ExecutionId, CpuTicks, 1, "tick"); err != nil {
		t.Fatalf("first consume should succeed: %v", err)
	}

	err = l.TryConsume(id.ExecutionId, CpuTicks, 1, "tick")
	var exhausted *kernelerr.ResourceBudgetExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ResourceBudgetExhausted, got %T: %v", err, err)
	}

	// Identity is now cancelled: every subsequent call fails differently.
	err = l.TryConsume(id.ExecutionId, MemoryUnits, 1, "alloc")
	var cancelled *kernelerr.CancelledDueToExhaustion
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected CancelledDueToExhaustion on a cancelled identity, got %T: %v", err, err)
	}
	if cancelled.CancelledFor != CpuTicks.String() {
		t.Fatalf("expected CancelledFor to name the originally exhausted resource, got %q", cancelled.CancelledFor)
	}
}

func TestTerminateEmitsExitNotification(t *testing.T) {
	l := New()
	task := ids.TaskId(7)
	id, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TaskId: &task, TrustDomain: "dom-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !l.IsTaskAlive(task) {
		t.Fatalf("expected task alive immediately after creation")
	}

	if err := l.Terminate(id.ExecutionId, &task, ExitNormal, 42); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if l.IsTaskAlive(task) {
		t.Fatalf("expected task not alive after terminate")
	}

	notifs := l.ExitNotifications()
	if len(notifs) != 1 || notifs[0].Reason != ExitNormal || notifs[0].TerminatedAt != 42 {
		t.Fatalf("unexpected exit notification contents: %+v", notifs)
	}

	l.ClearExitNotifications()
	if len(l.ExitNotifications()) != 0 {
		t.Fatalf("expected exit notification queue empty after clear")
	}
}

func TestForceCancelDoesNotKillTaskButBlocksFurtherConsume(t *testing.T) {
	l := New()
	task := ids.TaskId(7)
	id, err := l.CreateIdentity(Metadata{ExecutionId: 1, Kind: KindComponent, TaskId: &task, TrustDomain: "dom-a", Budget: cpuBudget(100)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := l.ForceCancel(id.ExecutionId, "operator pin"); err != nil {
		t.Fatalf("ForceCancel: %v", err)
	}
	if !l.IsTaskAlive(task) {
		t.Fatalf("expected ForceCancel to leave the task alive, only cancelled")
	}

	err = l.TryConsume(id.ExecutionId, CpuTicks, 1, "tick")
	var cancelled *kernelerr.CancelledDueToExhaustion
	if !errors.As(err, &cancelled) || cancelled.CancelledFor != "operator pin" {
		t.Fatalf("expected CancelledDueToExhaustion citing the force-cancel reason, got %T: %v", err, err)
	}

	// idempotent: the first reason sticks
	if err := l.ForceCancel(id.ExecutionId, "second reason"); err != nil {
		t.Fatalf("second ForceCancel: %v", err)
	}
	cancelledFlag, reason := id.Cancelled()
	if !cancelledFlag || reason != "operator pin" {
		t.Fatalf("expected first cancel reason to stick, got cancelled=%v reason=%q", cancelledFlag, reason)
	}
}

func TestForceCancelUnknownIdentityFails(t *testing.T) {
	l := New()
	if err := l.ForceCancel(ids.ExecutionId(999), "x"); err == nil {
		t.Fatalf("expected ForceCancel on an unknown identity to fail")
	}
}

func TestIsTaskAliveUnknownTask(t *testing.T) {
	l := New()
	if l.IsTaskAlive(ids.TaskId(999)) {
		t.Fatalf("expected an unknown task to be reported not alive")
	}
}

func TestBudgetSubsetChecksEachResourceIndependently(t *testing.T) {
	cpu := uint64(100)
	mem := uint64(50)
	parent := &Budget{CpuTicks: &cpu, MemoryUnits: &mem}

	childCpuOk, childMemOk := uint64(100), uint64(50)
	ok, _ := (&Budget{CpuTicks: &childCpuOk, MemoryUnits: &childMemOk}).IsSubsetOf(parent)
	if !ok {
		t.Fatalf("expected exact-match child budget to be a subset")
	}

	childCpuBad := uint64(101)
	ok, offending := (&Budget{CpuTicks: &childCpuBad, MemoryUnits: &childMemOk}).IsSubsetOf(parent)
	if ok || offending != CpuTicks {
		t.Fatalf("expected CpuTicks to be flagged as the offending resource, got ok=%v offending=%v", ok, offending)
	}
}
