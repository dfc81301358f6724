package kernel

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
	"github.com/octokernel/octokernel/internal/ledger"
	"github.com/octokernel/octokernel/internal/policy"
	"github.com/octokernel/octokernel/internal/transport"
)

func newTestKernel() *Kernel {
	return New(zap.NewNop())
}

func TestSpawnAndTerminateTask(t *testing.T) {
	k := newTestKernel()
	task, execId, err := k.SpawnTask(nil, "dom-a", "worker")
	if err != nil {
		t.Fatalf("SpawnTask: %v", err)
	}
	id, ok := k.GetIdentity(execId)
	if !ok || !id.Alive() {
		t.Fatalf("expected a live identity immediately after spawn")
	}

	if err := k.TerminateTask(task); err != nil {
		t.Fatalf("TerminateTask: %v", err)
	}
	id, _ = k.GetIdentity(execId)
	if id.Alive() {
		t.Fatalf("expected identity dead after TerminateTask")
	}

	notifs := k.GetExitNotifications()
	if len(notifs) != 1 || notifs[0].Reason != ledger.ExitNormal {
		t.Fatalf("unexpected exit notifications: %+v", notifs)
	}
}

func TestTerminateInvalidatesOwnedCapabilities(t *testing.T) {
	k := newTestKernel()
	task, _, err := k.SpawnTask(nil, "dom-a", "owner")
	if err != nil {
		t.Fatalf("SpawnTask: %v", err)
	}
	capId, err := k.GrantCapability(task, false)
	if err != nil {
		t.Fatalf("GrantCapability: %v", err)
	}
	if !k.IsCapabilityValid(capId, task) {
		t.Fatalf("expected capability valid right after grant")
	}

	if err := k.TerminateTask(task); err != nil {
		t.Fatalf("TerminateTask: %v", err)
	}
	if k.IsCapabilityValid(capId, task) {
		t.Fatalf("expected capability invalidated when owning task terminates")
	}
}

func TestSpawnChildBudgetMustBeSubsetOfParent(t *testing.T) {
	k := newTestKernel()
	parentCpu := uint64(10)
	parentTask, _, err := k.SpawnTaskWithIdentity("parent", ledger.KindComponent, "dom-a", nil, nil, &ledger.Budget{CpuTicks: &parentCpu})
	if err != nil {
		t.Fatalf("spawn parent: %v", err)
	}

	childCpu := uint64(20)
	_, _, err = k.SpawnTaskWithIdentity("child", ledger.KindComponent, "dom-a", &parentTask, nil, &ledger.Budget{CpuTicks: &childCpu})
	var insufficient *kernelerr.InsufficientAuthority
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientAuthority for an over-budget child, got %T: %v", err, err)
	}
}

func TestSpawnDeniedByPolicy(t *testing.T) {
	k := newTestKernel().WithPolicyEngine(denyEverything{})
	_, _, err := k.SpawnTask(nil, "dom-a", "blocked")
	var denied *kernelerr.PolicyDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDenied, got %T: %v", err, err)
	}
	if denied.PipelineId != nil {
		t.Fatalf("expected nil PipelineId for a non-pipeline enforcement point")
	}
}

func TestDelegateDeniedByPolicyLeavesCapabilityUnchanged(t *testing.T) {
	k := newTestKernel()
	from, _, err := k.SpawnTask(nil, "dom-a", "sender")
	if err != nil {
		t.Fatalf("spawn from: %v", err)
	}
	to, _, err := k.SpawnTask(nil, "dom-a", "receiver")
	if err != nil {
		t.Fatalf("spawn to: %v", err)
	}
	capId, err := k.GrantCapability(from, false)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	k = k.WithPolicyEngine(denyEverything{})
	if err := k.DelegateCapability(capId, from, to); err == nil {
		t.Fatalf("expected delegation to be denied")
	}
	if !k.IsCapabilityValid(capId, from) {
		t.Fatalf("expected capability to remain with original owner after a denied delegation")
	}
}

func TestMessageSendReceiveRoundTrip(t *testing.T) {
	k := newTestKernel()
	ch := k.CreateChannel(nil)
	svc := ids.ServiceId(1)
	if err := k.RegisterService(svc, ch); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	env := transport.Envelope{Action: "ping", Destination: svc}
	if err := k.SendMessage(ch, env); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got, err := k.ReceiveMessage(ch, nil)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if got.Action != "ping" {
		t.Fatalf("expected to receive the sent envelope, got action %q", got.Action)
	}
}

func TestReceiveTimeoutAdvancesLogicalTime(t *testing.T) {
	k := newTestKernel()
	ch := k.CreateChannel(nil)
	timeout := uint64(25)
	start := k.Now()

	_, err := k.ReceiveMessage(ch, &timeout)
	var to *kernelerr.Timeout
	if !errors.As(err, &to) {
		t.Fatalf("expected Timeout on an empty channel, got %T: %v", err, err)
	}
	if k.Now()-start != timeout {
		t.Fatalf("expected logical time to advance by exactly the timeout, advanced by %d", k.Now()-start)
	}
}

func TestReceiveTimeoutMaturesDelayedMessageFirst(t *testing.T) {
	k := newTestKernel()
	plan := transport.NewFaultPlan().DelayNextSend(1, 5)
	ch := k.CreateChannel(plan)

	if err := k.SendMessage(ch, transport.Envelope{Action: "late"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	timeout := uint64(50)
	env, err := k.ReceiveMessage(ch, &timeout)
	if err != nil {
		t.Fatalf("expected the delayed message to mature before the full timeout elapsed: %v", err)
	}
	if env.Action != "late" {
		t.Fatalf("expected to receive the delayed envelope, got %q", env.Action)
	}
	if k.Now() != 5 {
		t.Fatalf("expected logical time to stop at the delayed message's maturation point (5), got %d", k.Now())
	}
}

func TestMessageCountBudgetEnforcedOnSend(t *testing.T) {
	k := newTestKernel()
	limit := uint64(1)
	task, _, err := k.SpawnTaskWithIdentity("sender", ledger.KindComponent, "dom-a", nil, nil, &ledger.Budget{MessageCount: &limit})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ch := k.CreateChannel(nil)

	env := transport.Envelope{Action: "one", Source: &task}
	if err := k.SendMessage(ch, env); err != nil {
		t.Fatalf("first send should succeed within budget: %v", err)
	}
	env2 := transport.Envelope{Action: "two", Source: &task}
	if err := k.SendMessage(ch, env2); err == nil {
		t.Fatalf("expected second send to exhaust the MessageCount budget")
	}
}

func TestReceiveContextHackBypassedWhenNotSet(t *testing.T) {
	k := newTestKernel()
	ch := k.CreateChannel(nil)
	if err := k.SendMessage(ch, transport.Envelope{Action: "x"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// No SetReceiveContext call: MessageCount enforcement is silently skipped
	// for this receive, by documented contract.
	if _, err := k.ReceiveMessage(ch, nil); err != nil {
		t.Fatalf("ReceiveMessage without a receive context should still succeed: %v", err)
	}
}

func TestRegisterServiceRejectsConflicts(t *testing.T) {
	k := newTestKernel()
	ch1 := k.CreateChannel(nil)
	ch2 := k.CreateChannel(nil)
	svc := ids.ServiceId(1)

	if err := k.RegisterService(svc, ch1); err != nil {
		t.Fatalf("first RegisterService: %v", err)
	}
	if err := k.RegisterService(svc, ch2); err == nil {
		t.Fatalf("expected re-registering an already-bound service to fail")
	}

	otherSvc := ids.ServiceId(2)
	if err := k.RegisterService(otherSvc, ch1); err == nil {
		t.Fatalf("expected binding a channel already bound to a different service to fail (injectivity)")
	}
}

func TestLookupServiceNotFound(t *testing.T) {
	k := newTestKernel()
	if _, err := k.LookupService(ids.ServiceId(99)); err == nil {
		t.Fatalf("expected ServiceNotFound for an unregistered service")
	}
}

func TestPolicyAuditLogRecordsEveryEvaluation(t *testing.T) {
	k := newTestKernel().WithPolicyEngine(denyEverything{})
	_, _, _ = k.SpawnTask(nil, "dom-a", "x")
	log := k.PolicyAuditLog()
	if len(log) != 1 || !log[0].Denied {
		t.Fatalf("expected exactly one denied policy event recorded, got %+v", log)
	}
}

func TestIdentityAuditLogTracksCreateAndTerminate(t *testing.T) {
	k := newTestKernel()
	task, _, err := k.SpawnTask(nil, "dom-a", "x")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := k.TerminateTask(task); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	log := k.IdentityAuditLog()
	if len(log) != 2 || log[0].Kind != "Created" || log[1].Kind != "Terminated" {
		t.Fatalf("unexpected identity audit log: %+v", log)
	}
}

func TestForceInvalidateCapabilityBypassesOwnerAndDurability(t *testing.T) {
	k := newTestKernel()
	task, _, err := k.SpawnTask(nil, "dom-a", "owner")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	capId, err := k.GrantCapability(task, true)
	if err != nil {
		t.Fatalf("GrantCapability: %v", err)
	}
	if err := k.TerminateTask(task); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !k.IsCapabilityValid(capId, task) {
		t.Fatalf("expected durable capability to survive owner termination")
	}

	if err := k.ForceInvalidateCapability(capId); err != nil {
		t.Fatalf("ForceInvalidateCapability: %v", err)
	}
	if k.IsCapabilityValid(capId, task) {
		t.Fatalf("expected ForceInvalidateCapability to override the durable-survives guarantee")
	}
}

func TestForceCancelIdentityDoesNotTerminateTask(t *testing.T) {
	k := newTestKernel()
	_, execId, err := k.SpawnTask(nil, "dom-a", "worker")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := k.ForceCancelIdentity(execId, "operator pin"); err != nil {
		t.Fatalf("ForceCancelIdentity: %v", err)
	}
	id, ok := k.GetIdentity(execId)
	if !ok || !id.Alive() {
		t.Fatalf("expected task to remain alive after a force-cancel")
	}
	cancelled, reason := id.Cancelled()
	if !cancelled || reason != "operator pin" {
		t.Fatalf("expected identity cancelled with the given reason, got cancelled=%v reason=%q", cancelled, reason)
	}
}

func TestCheckServiceSchemaEnforcesConfiguredRange(t *testing.T) {
	k := newTestKernel()
	svc := ids.ServiceId(1)
	k.SetServiceSchemaRange(svc, transport.SchemaRange{MinMajor: 2, MinMinor: 1, MaxMajor: 3})

	if err := k.CheckServiceSchema(svc, transport.SchemaVersion{Major: 2, Minor: 5}); err != nil {
		t.Fatalf("expected an in-range schema to pass, got %v", err)
	}

	err := k.CheckServiceSchema(svc, transport.SchemaVersion{Major: 2, Minor: 0})
	var upgrade *kernelerr.UpgradeRequired
	if !errors.As(err, &upgrade) {
		t.Fatalf("expected UpgradeRequired for a minor below the floor, got %T: %v", err, err)
	}

	err = k.CheckServiceSchema(svc, transport.SchemaVersion{Major: 9, Minor: 0})
	var unsupported *kernelerr.Unsupported
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected Unsupported for a major outside the range, got %T: %v", err, err)
	}
}

func TestCheckServiceSchemaUnconfiguredServiceAllowsAnything(t *testing.T) {
	k := newTestKernel()
	if err := k.CheckServiceSchema(ids.ServiceId(42), transport.SchemaVersion{Major: 99}); err != nil {
		t.Fatalf("expected no SchemaRange configured to mean no enforcement, got %v", err)
	}
}

type denyEverything struct{}

func (denyEverything) Evaluate(_ policy.Event, _ policy.Context) policy.Decision {
	return policy.Deny("denied by test policy")
}
