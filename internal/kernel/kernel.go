// Package kernel implements the Simulated Kernel: the facade composing the
// Capability Authority, Message Transport, Identity/Budget Ledger, and an
// optional Policy Engine, plus the service registry.
//
// Every kernel is an object; there is no package-level global state (spec
// §9). A driver constructs one Kernel per simulation and threads it
// explicitly to every collaborator.
package kernel

import (
	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/capability"
	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
	"github.com/octokernel/octokernel/internal/ledger"
	"github.com/octokernel/octokernel/internal/pipeline"
	"github.com/octokernel/octokernel/internal/policy"
	"github.com/octokernel/octokernel/internal/transport"
)

// PolicyEvent is one entry in the kernel's policy audit log: a record of
// every enforcement-point evaluation, independent of the capability and
// resource logs.
type PolicyEvent struct {
	Seq    uint64
	Event  policy.Event
	Actor  uint64
	Denied bool
	Reason string
}

// IdentityEvent is one entry in the kernel's identity audit log.
type IdentityEvent struct {
	Seq         uint64
	ExecutionId ids.ExecutionId
	Kind        string // "Created" or "Terminated"
}

// Kernel composes the four subsystems and exposes the kernel contract from
// spec §6.
type Kernel struct {
	alloc     *ids.Allocator
	clock     clock
	cap       *capability.Table
	transport *transport.Transport
	ledger    *ledger.Ledger
	policy    policy.Policy
	log       *zap.Logger

	services     map[ids.ServiceId]ids.ChannelId
	servicesRv   map[ids.ChannelId]ids.ServiceId
	schemaRanges map[ids.ServiceId]transport.SchemaRange

	// currentReceiveTask implements the receive-context hack (spec §4.4,
	// §9 open question): because Receive takes no TaskId, the driver may
	// set the current receive task before calling Receive so MessageCount
	// enforcement can scope to the right identity. Cleared after each
	// Receive call. If the driver forgets to set it, Receive bypasses
	// budget enforcement entirely — an acknowledged contract limitation,
	// not silently patched.
	currentReceiveTask *ids.TaskId

	policyLog   []PolicyEvent
	identityLog []IdentityEvent
}

// New returns a fresh Kernel with empty subsystems and no installed policy.
func New(log *zap.Logger) *Kernel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{
		alloc:        ids.NewAllocator(),
		cap:          capability.NewTable(),
		transport:    transport.New(),
		ledger:       ledger.New(),
		log:          log,
		services:     make(map[ids.ServiceId]ids.ChannelId),
		servicesRv:   make(map[ids.ChannelId]ids.ServiceId),
		schemaRanges: make(map[ids.ServiceId]transport.SchemaRange),
	}
}

// WithPolicyEngine installs p as the kernel's policy engine and returns the
// kernel for chaining.
func (k *Kernel) WithPolicyEngine(p policy.Policy) *Kernel {
	k.policy = p
	return k
}

// Policy returns the currently installed policy engine, or nil.
func (k *Kernel) Policy() policy.Policy { return k.policy }

// ─── Logical time ───────────────────────────────────────────────────────────

// Now returns the kernel's logical time counter.
func (k *Kernel) Now() uint64 { return k.clock.Now() }

// Sleep advances logical time by duration and releases any delayed
// transport messages whose key has been reached.
func (k *Kernel) Sleep(duration uint64) {
	k.clock.advance(duration)
	k.transport.ReleaseMatured(k.clock.Now())
}

// ─── Identity & budgets ─────────────────────────────────────────────────────

// CreateIdentity registers a new execution identity not tied to a task
// (e.g. System/Service-kind identities).
func (k *Kernel) CreateIdentity(kind ledger.Kind, trustDomain, name string, parent, creator *ids.ExecutionId, budget *ledger.Budget) (*ledger.Identity, error) {
	execId := k.alloc.NextExecutionId()
	id, err := k.ledger.CreateIdentity(ledger.Metadata{
		ExecutionId: execId,
		Kind:        kind,
		ParentId:    parent,
		CreatorId:   creator,
		TrustDomain: trustDomain,
		Name:        name,
		CreatedAt:   k.clock.Now(),
		Budget:      budget,
	})
	if err != nil {
		return nil, err
	}
	k.recordIdentity(execId, "Created")
	return id, nil
}

// GetIdentity looks up an identity by execution id.
func (k *Kernel) GetIdentity(execId ids.ExecutionId) (*ledger.Identity, bool) {
	return k.ledger.GetIdentity(execId)
}

// GetTaskIdentity looks up the identity owning a task.
func (k *Kernel) GetTaskIdentity(task ids.TaskId) (*ledger.Identity, bool) {
	return k.ledger.GetTaskIdentity(task)
}

// SpawnTask spawns a task with a fresh Component-kind identity and no
// budget, under trustDomain, with an optional parent task.
func (k *Kernel) SpawnTask(parent *ids.TaskId, trustDomain, name string) (ids.TaskId, ids.ExecutionId, error) {
	return k.SpawnTaskWithIdentity(name, ledger.KindComponent, trustDomain, parent, nil, nil)
}

// SpawnTaskWithIdentity spawns a task with an explicit kind, trust domain,
// parent/creator identity links, and optional budget. If both parent and
// child declare budgets, the child's must be a pointwise subset of the
// parent's or InsufficientAuthority is returned. The policy engine (if
// installed) is consulted at OnSpawn; Deny/Require abort the spawn with no
// state mutated.
func (k *Kernel) SpawnTaskWithIdentity(
	descriptor string,
	kind ledger.Kind,
	trustDomain string,
	parentTask *ids.TaskId,
	creator *ids.ExecutionId,
	budget *ledger.Budget,
) (ids.TaskId, ids.ExecutionId, error) {
	var parentExecId *ids.ExecutionId
	if parentTask != nil {
		if parentId, ok := k.ledger.GetTaskIdentity(*parentTask); ok {
			pid := parentId.ExecutionId
			parentExecId = &pid
		}
	}

	task := k.alloc.NextTaskId()
	execId := k.alloc.NextExecutionId()

	actor := uint64(execId)
	if parentExecId != nil {
		actor = uint64(*parentExecId)
	}
	if err := k.enforce(policy.OnSpawn, policy.Context{Actor: actor}, nil); err != nil {
		return 0, 0, err
	}

	taskId := task
	id, err := k.ledger.CreateIdentity(ledger.Metadata{
		ExecutionId: execId,
		Kind:        kind,
		TaskId:      &taskId,
		ParentId:    parentExecId,
		CreatorId:   creator,
		TrustDomain: trustDomain,
		Name:        descriptor,
		CreatedAt:   k.clock.Now(),
		Budget:      budget,
	})
	if err != nil {
		k.log.Warn("spawn rejected", zap.String("name", descriptor), zap.Error(err))
		return 0, 0, err
	}
	_ = id
	k.recordIdentity(execId, "Created")
	k.log.Debug("task spawned", zap.Uint64("task", uint64(task)), zap.Uint64("execution_id", uint64(execId)), zap.String("trust_domain", trustDomain))
	return task, execId, nil
}

// TerminateTask terminates task with ExitReason Normal.
func (k *Kernel) TerminateTask(task ids.TaskId) error {
	return k.TerminateTaskWithReason(task, ledger.ExitNormal)
}

// TerminateTaskWithReason records an ExitNotification, sets cancellation,
// and invalidates every non-durable capability row task owns, in the same
// logical step. Calling it twice for the same task is safe: the second
// call's invalidate_owned_by emits no further events, since no row it owns
// remains Valid.
func (k *Kernel) TerminateTaskWithReason(task ids.TaskId, reason ledger.ExitReason) error {
	id, ok := k.ledger.GetTaskIdentity(task)
	if !ok {
		return &kernelerr.InvalidCapability{CapId: uint64(task)}
	}
	taskId := task
	if err := k.ledger.Terminate(id.ExecutionId, &taskId, reason, k.clock.Now()); err != nil {
		return err
	}
	k.cap.InvalidateOwnedBy(task)
	k.recordIdentity(id.ExecutionId, "Terminated")
	k.log.Debug("task terminated", zap.Uint64("task", uint64(task)), zap.String("reason", reason.String()))
	return nil
}

// GetExitNotifications returns every queued exit notification.
func (k *Kernel) GetExitNotifications() []ledger.ExitNotification {
	return k.ledger.ExitNotifications()
}

// ClearExitNotifications empties the exit notification queue.
func (k *Kernel) ClearExitNotifications() {
	k.ledger.ClearExitNotifications()
}

func (k *Kernel) TryConsumeCpuTicks(execId ids.ExecutionId, amount uint64) error {
	return k.ledger.TryConsume(execId, ledger.CpuTicks, amount, "cpu_ticks")
}

func (k *Kernel) TryConsumePipelineStage(execId ids.ExecutionId, amount uint64) error {
	return k.ledger.TryConsume(execId, ledger.PipelineStages, amount, "pipeline_stage")
}

func (k *Kernel) TryConsumePacket(execId ids.ExecutionId, amount uint64) error {
	return k.ledger.TryConsume(execId, ledger.PacketCount, amount, "packet")
}

func (k *Kernel) TryConsumeStorageOps(execId ids.ExecutionId, amount uint64) error {
	return k.ledger.TryConsume(execId, ledger.StorageOps, amount, "storage_ops")
}

func (k *Kernel) TryConsumeMemoryUnits(execId ids.ExecutionId, amount uint64) error {
	return k.ledger.TryConsume(execId, ledger.MemoryUnits, amount, "memory_units")
}

// Ledger exposes the underlying ledger for the pipeline executor (which
// needs it to consume PipelineStages budget directly).
func (k *Kernel) Ledger() *ledger.Ledger { return k.ledger }

// Allocator exposes the id allocator to collaborators (e.g. a pipeline
// driver minting stage/pipeline ids) that must mint ids through this
// kernel instance rather than any package-level source.
func (k *Kernel) Allocator() *ids.Allocator { return k.alloc }

// ─── Capability authority ───────────────────────────────────────────────────

// GrantCapability mints a fresh capability id owned by task and returns it.
func (k *Kernel) GrantCapability(task ids.TaskId, durable bool) (uint64, error) {
	capId := k.alloc.NextCapabilityId()
	if err := k.cap.Grant(capId, task, durable); err != nil {
		return 0, err
	}
	return capId, nil
}

// DelegateCapability moves ownership of capId from from to to. The policy
// engine (if installed) is consulted at OnCapabilityDelegate; Deny/Require
// abort with the Authority Table unchanged.
func (k *Kernel) DelegateCapability(capId uint64, from, to ids.TaskId) error {
	if err := k.enforce(policy.OnCapabilityDelegate, policy.Context{Actor: uint64(from), Target: u64ptr(uint64(to)), CapId: &capId}, nil); err != nil {
		return err
	}

	fromDomain, toDomain := "", ""
	if id, ok := k.ledger.GetTaskIdentity(from); ok {
		fromDomain = id.TrustDomain
	}
	toAlive := k.ledger.IsTaskAlive(to)
	if id, ok := k.ledger.GetTaskIdentity(to); ok {
		toDomain = id.TrustDomain
	}
	return k.cap.Delegate(capId, from, to, fromDomain, toDomain, toAlive)
}

// DropCapability invalidates capId, requiring task to currently own it.
func (k *Kernel) DropCapability(capId uint64, task ids.TaskId) error {
	return k.cap.Drop(capId, task)
}

// ForceInvalidateCapability invalidates capId regardless of owner or
// durability, bypassing the normal Drop ownership check and the durable-
// capability survival guarantee. Operator-only escape hatch for fault
// injection and red-team overrides.
func (k *Kernel) ForceInvalidateCapability(capId uint64) error {
	return k.cap.ForceInvalidate(capId)
}

// ForceCancelIdentity sets execId's cancellation flag without terminating
// its task, an operator pin-style override independent of the normal
// budget-exhaustion and terminate_task paths.
func (k *Kernel) ForceCancelIdentity(execId ids.ExecutionId, reason string) error {
	return k.ledger.ForceCancel(execId, reason)
}

// IsCapabilityValid reports whether capId is Valid, owned by task, and
// task's owning identity is still alive.
func (k *Kernel) IsCapabilityValid(capId uint64, task ids.TaskId) bool {
	return k.cap.IsValid(capId, task, k.ledger.IsTaskAlive(task))
}

// CapabilityAuditLog returns the append-only capability audit log.
func (k *Kernel) CapabilityAuditLog() *capability.AuditLog {
	return k.cap.AuditLog()
}

// ResourceAuditLog returns the append-only resource-consumption audit log.
func (k *Kernel) ResourceAuditLog() *ledger.ResourceAuditLog {
	return k.ledger.ResourceAuditLog()
}

// PolicyAuditLog returns the kernel's record of every enforcement-point
// policy evaluation.
func (k *Kernel) PolicyAuditLog() []PolicyEvent {
	out := make([]PolicyEvent, len(k.policyLog))
	copy(out, k.policyLog)
	return out
}

// IdentityAuditLog returns the kernel's record of identity creation and
// termination.
func (k *Kernel) IdentityAuditLog() []IdentityEvent {
	out := make([]IdentityEvent, len(k.identityLog))
	copy(out, k.identityLog)
	return out
}

func (k *Kernel) recordIdentity(execId ids.ExecutionId, kind string) {
	k.identityLog = append(k.identityLog, IdentityEvent{Seq: uint64(len(k.identityLog) + 1), ExecutionId: execId, Kind: kind})
}

// enforce evaluates the policy engine (if any) at event and returns a
// kernelerr for Deny/Require, recording the outcome in the policy audit
// log. pipelineId is nil for non-pipeline enforcement points (OnSpawn,
// OnCapabilityDelegate).
func (k *Kernel) enforce(event policy.Event, ctx policy.Context, pipelineId *uint64) error {
	if k.policy == nil {
		return nil
	}
	decision := k.policy.Evaluate(event, ctx)
	if reason, isDeny := decision.IsDeny(); isDeny {
		k.policyLog = append(k.policyLog, PolicyEvent{Seq: uint64(len(k.policyLog) + 1), Event: event, Actor: ctx.Actor, Denied: true, Reason: reason})
		return &kernelerr.PolicyDenied{Policy: "kernel", Event: event.String(), Reason: reason, PipelineId: pipelineId}
	}
	if actions, isRequire := decision.IsRequire(); isRequire {
		k.policyLog = append(k.policyLog, PolicyEvent{Seq: uint64(len(k.policyLog) + 1), Event: event, Actor: ctx.Actor, Denied: true, Reason: "require:" + actions[0]})
		return &kernelerr.PolicyRequire{Policy: "kernel", Event: event.String(), Action: actions[0], PipelineId: pipelineId}
	}
	k.policyLog = append(k.policyLog, PolicyEvent{Seq: uint64(len(k.policyLog) + 1), Event: event, Actor: ctx.Actor})
	return nil
}

func u64ptr(v uint64) *uint64 { return &v }

// ─── Pipeline execution ─────────────────────────────────────────────────────

// RunPipeline runs spec to completion through a pipeline.Executor wired to
// this kernel's installed policy engine, ledger, and logger, and driven by
// the kernel's own logical clock — so a stage's retry backoff (Clock.Sleep)
// matures delayed transport messages the same way any other Sleep call does.
// This is the kernel-facade entry point spec §6 describes for "the fourth
// subsystem"; callers never construct a pipeline.Executor directly.
func (k *Kernel) RunPipeline(
	spec *pipeline.PipelineSpec,
	initialPool []uint64,
	input transport.TypedPayload,
	executorIdentity ids.ExecutionId,
	cancelToken *pipeline.CancellationToken,
) (transport.TypedPayload, *pipeline.Trace, error) {
	exec := &pipeline.Executor{
		Policy: k.policy,
		Clock:  k,
		Ledger: k.ledger,
		Log:    k.log,
	}
	return exec.Run(spec, initialPool, input, executorIdentity, cancelToken)
}

// ─── Message transport ──────────────────────────────────────────────────────

// CreateChannel returns a fresh channel with plan attached at creation.
func (k *Kernel) CreateChannel(plan *transport.FaultPlan) ids.ChannelId {
	id := k.alloc.NextChannelId()
	k.transport.CreateChannel(id, plan)
	return id
}

// SendMessage sends env on channel, consuming one MessageCount unit scoped
// to env.Source's identity, if set.
func (k *Kernel) SendMessage(channelId ids.ChannelId, env transport.Envelope) error {
	ch, ok := k.transport.Channel(channelId)
	if !ok {
		return &kernelerr.ChannelError{Channel: uint64(channelId), Reason: "no such channel"}
	}
	if env.Source != nil {
		if id, ok := k.ledger.GetTaskIdentity(*env.Source); ok {
			if err := k.ledger.TryConsume(id.ExecutionId, ledger.MessageCount, 1, "send"); err != nil {
				return err
			}
		}
	}
	return ch.Send(k.clock.Now(), env)
}

// SetReceiveContext sets (or clears, with nil) the current receive task for
// the next Receive call's MessageCount scoping.
func (k *Kernel) SetReceiveContext(task *ids.TaskId) {
	k.currentReceiveTask = task
}

// ReceiveMessage receives the next message on channel. If timeout is
// non-nil and the head is empty, logical time is advanced (maturing any
// delayed messages) up to timeout ticks looking for a message to arrive;
// if none matures, Timeout is returned and time has advanced by timeout.
// Consumes one MessageCount unit scoped to the task set via
// SetReceiveContext, if any — the "receive-context hack" (spec §4.4, §9):
// if the driver never calls SetReceiveContext, MessageCount enforcement is
// silently bypassed for this receive. currentReceiveTask is cleared after
// the call regardless of outcome.
func (k *Kernel) ReceiveMessage(channelId ids.ChannelId, timeout *uint64) (transport.Envelope, error) {
	recvTask := k.currentReceiveTask
	k.currentReceiveTask = nil

	ch, ok := k.transport.Channel(channelId)
	if !ok {
		return transport.Envelope{}, &kernelerr.ChannelError{Channel: uint64(channelId), Reason: "no such channel"}
	}

	env, got, err := ch.TryReceive(k.clock.Now())
	if err != nil {
		return transport.Envelope{}, err
	}
	if !got && timeout != nil {
		deadline := k.clock.Now() + *timeout
		for !got {
			next, hasNext := ch.NextDelayedReleaseAt()
			if !hasNext || next > deadline {
				k.Sleep(deadline - k.clock.Now())
				env, got, err = ch.TryReceive(k.clock.Now())
				if err != nil {
					return transport.Envelope{}, err
				}
				break
			}
			k.Sleep(next - k.clock.Now())
			env, got, err = ch.TryReceive(k.clock.Now())
			if err != nil {
				return transport.Envelope{}, err
			}
		}
	}
	if !got {
		return transport.Envelope{}, &kernelerr.Timeout{Detail: "receive on channel"}
	}

	if recvTask != nil {
		if id, ok := k.ledger.GetTaskIdentity(*recvTask); ok {
			if err := k.ledger.TryConsume(id.ExecutionId, ledger.MessageCount, 1, "receive"); err != nil {
				return transport.Envelope{}, err
			}
		}
	}
	return env, nil
}

// ─── Service registry ───────────────────────────────────────────────────────

// RegisterService inserts service -> channel. Fails if service is already
// registered, or if channel is already bound to a different service
// (preserving injectivity of the map).
func (k *Kernel) RegisterService(service ids.ServiceId, channelId ids.ChannelId) error {
	if _, exists := k.services[service]; exists {
		return &kernelerr.ServiceAlreadyRegistered{Service: uint64(service)}
	}
	if existing, exists := k.servicesRv[channelId]; exists && existing != service {
		return &kernelerr.ServiceAlreadyRegistered{Service: uint64(service)}
	}
	k.services[service] = channelId
	k.servicesRv[channelId] = service
	return nil
}

// SetServiceSchemaRange records the schema majors service accepts. A service
// with no recorded range accepts any schema (CheckServiceSchema is a no-op).
func (k *Kernel) SetServiceSchemaRange(service ids.ServiceId, r transport.SchemaRange) {
	k.schemaRanges[service] = r
}

// CheckServiceSchema validates received against service's configured
// SchemaRange, if one was set via SetServiceSchemaRange. Drivers compose
// this with LookupService/SendMessage rather than the kernel hand-rolling
// the comparison on every send.
func (k *Kernel) CheckServiceSchema(service ids.ServiceId, received transport.SchemaVersion) error {
	r, ok := k.schemaRanges[service]
	if !ok {
		return nil
	}
	return r.Check(uint64(service), received)
}

// LookupService returns the channel bound to service.
func (k *Kernel) LookupService(service ids.ServiceId) (ids.ChannelId, error) {
	channelId, ok := k.services[service]
	if !ok {
		return 0, &kernelerr.ServiceNotFound{Service: uint64(service)}
	}
	return channelId, nil
}
