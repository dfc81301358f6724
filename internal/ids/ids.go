// Package ids defines the kernel's typed handle types and their allocator.
//
// Every handle is an opaque uint64-backed type. Handles are minted by an
// Allocator that belongs to exactly one kernel instance; there is no package
// level counter, so two kernels never collide and never share identity.
// Handles are never reused across the lifetime of the kernel instance that
// minted them, including after the referent is destroyed.
package ids

import "sync/atomic"

// TaskId identifies a task (a unit of work with an execution identity).
type TaskId uint64

// ChannelId identifies a message channel.
type ChannelId uint64

// ServiceId identifies a registered service.
type ServiceId uint64

// MessageId identifies a single message envelope.
type MessageId uint64

// ExecutionId identifies an execution identity (ledger entry).
type ExecutionId uint64

// PipelineId identifies a pipeline execution.
type PipelineId uint64

// StageId identifies a stage within a pipeline.
type StageId uint64

// ViewId identifies a view handle (out of core scope, retained as a typed
// handle per spec §3 for external collaborators).
type ViewId uint64

// Allocator mints fresh, monotonically increasing handles for one kernel
// instance. The zero value is ready to use; ids start at 1 so the zero
// value of every handle type can be reserved to mean "none".
type Allocator struct {
	next uint64
}

// NewAllocator returns a ready-to-use Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) nextID() uint64 {
	return atomic.AddUint64(&a.next, 1)
}

// NextTaskId mints a fresh TaskId.
func (a *Allocator) NextTaskId() TaskId { return TaskId(a.nextID()) }

// NextChannelId mints a fresh ChannelId.
func (a *Allocator) NextChannelId() ChannelId { return ChannelId(a.nextID()) }

// NextServiceId mints a fresh ServiceId.
func (a *Allocator) NextServiceId() ServiceId { return ServiceId(a.nextID()) }

// NextMessageId mints a fresh MessageId.
func (a *Allocator) NextMessageId() MessageId { return MessageId(a.nextID()) }

// NextExecutionId mints a fresh ExecutionId.
func (a *Allocator) NextExecutionId() ExecutionId { return ExecutionId(a.nextID()) }

// NextPipelineId mints a fresh PipelineId.
func (a *Allocator) NextPipelineId() PipelineId { return PipelineId(a.nextID()) }

// NextStageId mints a fresh StageId.
func (a *Allocator) NextStageId() StageId { return StageId(a.nextID()) }

// NextViewId mints a fresh ViewId.
func (a *Allocator) NextViewId() ViewId { return ViewId(a.nextID()) }

// NextCapabilityId mints a fresh raw capability id (the Authority Table's key).
func (a *Allocator) NextCapabilityId() uint64 { return a.nextID() }
