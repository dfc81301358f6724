// Package ledger implements Identity, Budgets & Enforcement: hierarchical
// resource accounting with deterministic, atomic exhaustion.
package ledger

// Resource names one of the six budgeted resource kinds.
type Resource int

const (
	CpuTicks Resource = iota
	MemoryUnits
	MessageCount
	StorageOps
	PacketCount
	PipelineStages
)

func (r Resource) String() string {
	switch r {
	case CpuTicks:
		return "CpuTicks"
	case MemoryUnits:
		return "MemoryUnits"
	case MessageCount:
		return "MessageCount"
	case StorageOps:
		return "StorageOps"
	case PacketCount:
		return "PacketCount"
	case PipelineStages:
		return "PipelineStages"
	default:
		return "Unknown"
	}
}

// allResources enumerates every Resource, for subset checks and saturating
// arithmetic that must visit each field.
var allResources = [...]Resource{CpuTicks, MemoryUnits, MessageCount, StorageOps, PacketCount, PipelineStages}

// Budget is an immutable set of per-resource upper bounds. A nil pointer
// field means that resource is unbounded for this budget.
type Budget struct {
	CpuTicks       *uint64
	MemoryUnits    *uint64
	MessageCount   *uint64
	StorageOps     *uint64
	PacketCount    *uint64
	PipelineStages *uint64
}

func (b *Budget) limit(r Resource) (uint64, bool) {
	if b == nil {
		return 0, false
	}
	var p *uint64
	switch r {
	case CpuTicks:
		p = b.CpuTicks
	case MemoryUnits:
		p = b.MemoryUnits
	case MessageCount:
		p = b.MessageCount
	case StorageOps:
		p = b.StorageOps
	case PacketCount:
		p = b.PacketCount
	case PipelineStages:
		p = b.PipelineStages
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// IsSubsetOf reports whether b is a pointwise subset of parent: for every
// resource, if parent bounds it, b must also bound it at <= parent's limit.
// A parent that leaves a resource unbounded places no constraint on the
// child for that resource.
func (b *Budget) IsSubsetOf(parent *Budget) (ok bool, offending Resource) {
	for _, r := range allResources {
		pLimit, pBounded := parent.limit(r)
		if !pBounded {
			continue
		}
		cLimit, cBounded := b.limit(r)
		if !cBounded || cLimit > pLimit {
			return false, r
		}
	}
	return true, 0
}

// Usage mirrors Budget's shape with saturating per-resource counters.
type Usage struct {
	CpuTicks       uint64
	MemoryUnits    uint64
	MessageCount   uint64
	StorageOps     uint64
	PacketCount    uint64
	PipelineStages uint64
}

func (u *Usage) get(r Resource) uint64 {
	switch r {
	case CpuTicks:
		return u.CpuTicks
	case MemoryUnits:
		return u.MemoryUnits
	case MessageCount:
		return u.MessageCount
	case StorageOps:
		return u.StorageOps
	case PacketCount:
		return u.PacketCount
	case PipelineStages:
		return u.PipelineStages
	default:
		return 0
	}
}

func (u *Usage) set(r Resource, v uint64) {
	switch r {
	case CpuTicks:
		u.CpuTicks = v
	case MemoryUnits:
		u.MemoryUnits = v
	case MessageCount:
		u.MessageCount = v
	case StorageOps:
		u.StorageOps = v
	case PacketCount:
		u.PacketCount = v
	case PipelineStages:
		u.PipelineStages = v
	}
}

// addSaturating adds amount to v without wrapping past ^uint64(0).
func addSaturating(v, amount uint64) uint64 {
	sum := v + amount
	if sum < v {
		return ^uint64(0)
	}
	return sum
}
