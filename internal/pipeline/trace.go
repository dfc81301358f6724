package pipeline

import "github.com/octokernel/octokernel/internal/ids"

// StageState is a stage's per-attempt state machine position, per spec
// §4.6: Pending → Running(attempt=0) → [Running(attempt=k)×]* →
// {Succeeded, Failed, Cancelled}.
type StageState int

const (
	StagePending StageState = iota
	StageRunning
	StageSucceeded
	StageFailed
	StageCancelled
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageRunning:
		return "Running"
	case StageSucceeded:
		return "Succeeded"
	case StageFailed:
		return "Failed"
	case StageCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// StageTraceEntry records one attempt of one stage. Retries appear as
// multiple entries with increasing Attempt.
type StageTraceEntry struct {
	StageId         ids.StageId
	StageName       string
	StartTimeMs     uint64
	EndTimeMs       uint64
	Attempt         uint32
	Result          StageState
	CapabilitiesIn  []uint64
	CapabilitiesOut []uint64
}

// FinalKind discriminates a pipeline's terminal result.
type FinalKind int

const (
	FinalSuccess FinalKind = iota
	FinalFailed
	FinalCancelled
)

func (k FinalKind) String() string {
	switch k {
	case FinalSuccess:
		return "Success"
	case FinalFailed:
		return "Failed"
	case FinalCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// FinalResult is the pipeline's terminal outcome: Success, Failed(stage),
// or Cancelled(stage, reason).
type FinalResult struct {
	Kind   FinalKind
	Stage  ids.StageId // meaningful for Failed/Cancelled
	Reason CancellationReason // meaningful for Cancelled
}

// Trace is the authoritative record of a pipeline execution, returned for
// test assertions (spec §4.6).
type Trace struct {
	PipelineId  ids.PipelineId
	Entries     []StageTraceEntry
	FinalResult FinalResult
}
