package pipeline

import (
	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
	"github.com/octokernel/octokernel/internal/ledger"
	"github.com/octokernel/octokernel/internal/policy"
	"github.com/octokernel/octokernel/internal/transport"
)

// Clock is the logical-time surface the executor needs: Now reads the
// kernel's counter, Sleep advances it (and matures any delayed transport
// releases, from the executor's point of view an opaque side effect).
type Clock interface {
	Now() uint64
	Sleep(ticks uint64)
}

// Executor runs a PipelineSpec's stages in order, consulting an optional
// policy engine and the ledger for per-stage budget enforcement.
type Executor struct {
	Policy policy.Policy // may be nil: treated as always-Allow with no derivation
	Clock  Clock
	Ledger *ledger.Ledger // may be nil: skips PipelineStages budget consumption
	Log    *zap.Logger
}

func (e *Executor) evaluate(event policy.Event, ctx policy.Context) policy.Decision {
	if e.Policy == nil {
		return policy.Allow(nil)
	}
	return e.Policy.Evaluate(event, ctx)
}

func containsAll(pool []uint64, want []uint64) (ok bool, missing uint64) {
	set := make(map[uint64]bool, len(pool))
	for _, id := range pool {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false, id
		}
	}
	return true, 0
}

func subsetOf(candidate, pool []uint64) (ok bool, delta []uint64) {
	set := make(map[uint64]bool, len(pool))
	for _, id := range pool {
		set[id] = true
	}
	for _, id := range candidate {
		if !set[id] {
			delta = append(delta, id)
		}
	}
	return len(delta) == 0, delta
}

func union(a, b []uint64) []uint64 {
	set := make(map[uint64]bool, len(a)+len(b))
	var out []uint64
	for _, id := range append(append([]uint64{}, a...), b...) {
		if !set[id] {
			set[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Run executes spec's stages in order starting from input, using
// initialPool as the capability pool visible at pipeline start and
// executorIdentity as the identity PipelineStages budget consumption is
// scoped to. cancelToken may be shared with the caller so it can be set
// externally (e.g. a supervisor cancelling the pipeline mid-flight).
func (e *Executor) Run(
	spec *PipelineSpec,
	initialPool []uint64,
	input transport.TypedPayload,
	executorIdentity ids.ExecutionId,
	cancelToken *CancellationToken,
) (transport.TypedPayload, *Trace, error) {
	if cancelToken == nil {
		cancelToken = NewCancellationToken()
	}

	trace := &Trace{PipelineId: spec.Id}
	pipelineIdU64 := uint64(spec.Id)

	startCtx := policy.Context{Actor: uint64(executorIdentity), PipelineId: &pipelineIdU64}
	startDecision := e.evaluate(policy.OnPipelineStart, startCtx)

	pool := append([]uint64{}, initialPool...)
	if reason, isDeny := startDecision.IsDeny(); isDeny {
		trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: spec.Stages[0].Id}
		return transport.TypedPayload{}, trace, &kernelerr.PolicyDenied{Policy: "pipeline", Event: policy.OnPipelineStart.String(), Reason: reason, PipelineId: &pipelineIdU64}
	}
	if actions, isRequire := startDecision.IsRequire(); isRequire {
		trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: spec.Stages[0].Id}
		return transport.TypedPayload{}, trace, &kernelerr.PolicyRequire{Policy: "pipeline", Event: policy.OnPipelineStart.String(), Action: actions[0], PipelineId: &pipelineIdU64}
	}
	if derived, _ := startDecision.IsAllow(); derived != nil {
		if ok, delta := subsetOf(derived.CapIds, pool); !ok {
			trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: spec.Stages[0].Id}
			return transport.TypedPayload{}, trace, &kernelerr.PolicyDerivedAuthorityInvalid{
				Policy: "pipeline", Event: policy.OnPipelineStart.String(), Reason: "derived authority exceeds held authority", Delta: delta, PipelineId: &pipelineIdU64,
			}
		}
		pool = derived.CapIds
	}

	currentInput := input
	// Timeouts are durations in logical ticks: the pipeline's counts from
	// here, a stage's from its first attempt.
	var deadline uint64
	hasDeadline := spec.Timeout != nil
	if hasDeadline {
		deadline = e.Clock.Now() + *spec.Timeout
	}

stagesLoop:
	for si := range spec.Stages {
		stage := &spec.Stages[si]
		stageIdU64 := uint64(stage.Id)
		var attempt uint32
		stagePool := pool
		var lastErr error
		var stageDeadline uint64
		if stage.Timeout != nil {
			stageDeadline = e.Clock.Now() + *stage.Timeout
		}

		for {
			// Step 1: cancellation check.
			if cancelled, reason := cancelToken.IsCancelled(); cancelled {
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: e.Clock.Now(), EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageCancelled, CapabilitiesIn: stagePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalCancelled, Stage: stage.Id, Reason: reason}
				return transport.TypedPayload{}, trace, &kernelerr.Timeout{Detail: "pipeline cancelled: " + reason.String()}
			}

			// Deadline check (pipeline + stage), relative to current kernel time.
			if hasDeadline && e.Clock.Now() >= deadline {
				cancelToken.Cancel(CancellationReason{Kind: TimeoutCancel})
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: e.Clock.Now(), EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageCancelled, CapabilitiesIn: stagePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalCancelled, Stage: stage.Id, Reason: CancellationReason{Kind: TimeoutCancel}}
				return transport.TypedPayload{}, trace, &kernelerr.PipelineTimeout{PipelineId: uint64(spec.Id)}
			}
			if stage.Timeout != nil && e.Clock.Now() >= stageDeadline {
				cancelToken.Cancel(CancellationReason{Kind: TimeoutCancel})
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: e.Clock.Now(), EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageCancelled, CapabilitiesIn: stagePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalCancelled, Stage: stage.Id, Reason: CancellationReason{Kind: TimeoutCancel}}
				return transport.TypedPayload{}, trace, &kernelerr.StageTimeout{StageId: uint64(stage.Id)}
			}

			start := e.Clock.Now()

			// Step 2: OnPipelineStageStart.
			stageCtx := policy.Context{Actor: uint64(executorIdentity), PipelineId: &pipelineIdU64, StageId: &stageIdU64}
			decision := e.evaluate(policy.OnPipelineStageStart, stageCtx)
			effectivePool := stagePool
			if reason, isDeny := decision.IsDeny(); isDeny {
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
				return transport.TypedPayload{}, trace, &kernelerr.PolicyDenied{Policy: "pipeline", Event: policy.OnPipelineStageStart.String(), Reason: reason, PipelineId: &pipelineIdU64}
			}
			if actions, isRequire := decision.IsRequire(); isRequire {
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
				return transport.TypedPayload{}, trace, &kernelerr.PolicyRequire{Policy: "pipeline", Event: policy.OnPipelineStageStart.String(), Action: actions[0], PipelineId: &pipelineIdU64}
			}
			if derived, _ := decision.IsAllow(); derived != nil {
				if ok, delta := subsetOf(derived.CapIds, stagePool); !ok {
					trace.Entries = append(trace.Entries, StageTraceEntry{
						StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: e.Clock.Now(),
						Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
					})
					trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
					return transport.TypedPayload{}, trace, &kernelerr.PolicyDerivedAuthorityInvalid{
						Policy: "pipeline", Event: policy.OnPipelineStageStart.String(), Reason: "derived authority exceeds held authority", Delta: delta, PipelineId: &pipelineIdU64,
					}
				}
				effectivePool = derived.CapIds
			}

			// Step 3: required capabilities.
			if ok, missing := containsAll(effectivePool, stage.RequiredCapabilities); !ok {
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: e.Clock.Now(),
					Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
				return transport.TypedPayload{}, trace, &kernelerr.MissingCapability{CapId: missing}
			}

			// Step 4: PipelineStages budget.
			if e.Ledger != nil {
				if err := e.Ledger.TryConsume(executorIdentity, ledger.PipelineStages, 1, "pipeline_stage_entry"); err != nil {
					trace.Entries = append(trace.Entries, StageTraceEntry{
						StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: e.Clock.Now(),
						Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
					})
					trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
					return transport.TypedPayload{}, trace, err
				}
			}

			// Step 5: invoke handler.
			outcome := stage.Handler(HandlerContext{Input: currentInput, Cancel: cancelToken, Attempt: attempt})
			end := e.Clock.Now()

			switch outcome.Kind {
			case OutcomeSuccess:
				// Step 6: fold capabilities_out into the pipeline pool.
				if ok, delta := subsetOf(outcome.CapabilitiesOut, effectivePool); !ok {
					trace.Entries = append(trace.Entries, StageTraceEntry{
						StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: end,
						Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
					})
					trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
					return transport.TypedPayload{}, trace, &kernelerr.PolicyDerivedAuthorityInvalid{
						Policy: "stage-output", Event: policy.OnPipelineStageStart.String(),
						Reason: "stage produced a capability not already held", Delta: delta, PipelineId: &pipelineIdU64,
					}
				}
				pool = union(pool, outcome.CapabilitiesOut)
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: end,
					Attempt: attempt, Result: StageSucceeded, CapabilitiesIn: effectivePool, CapabilitiesOut: outcome.CapabilitiesOut,
				})
				currentInput = outcome.Output
				e.stageEnd(executorIdentity, pipelineIdU64, stageIdU64)
				continue stagesLoop

			case OutcomeRetryable:
				lastErr = outcome.Err
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: end,
					Attempt: attempt, Result: StageRunning, CapabilitiesIn: effectivePool,
				})
				if attempt < stage.RetryPolicy.MaxRetries {
					e.Clock.Sleep(stage.RetryPolicy.backoffFor(attempt))
					attempt++
					continue
				}
				trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
				return transport.TypedPayload{}, trace, lastErr

			case OutcomeFailure:
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: end,
					Attempt: attempt, Result: StageFailed, CapabilitiesIn: effectivePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalFailed, Stage: stage.Id}
				return transport.TypedPayload{}, trace, outcome.Err

			case OutcomeCancelled:
				cancelToken.Cancel(outcome.CancelReason)
				trace.Entries = append(trace.Entries, StageTraceEntry{
					StageId: stage.Id, StageName: stage.Name, StartTimeMs: start, EndTimeMs: end,
					Attempt: attempt, Result: StageCancelled, CapabilitiesIn: effectivePool,
				})
				trace.FinalResult = FinalResult{Kind: FinalCancelled, Stage: stage.Id, Reason: outcome.CancelReason}
				return transport.TypedPayload{}, trace, &kernelerr.Timeout{Detail: "stage cancelled: " + outcome.CancelReason.String()}
			}
		}
	}

	trace.FinalResult = FinalResult{Kind: FinalSuccess}
	return currentInput, trace, nil
}

// stageEnd emits the advisory OnPipelineStageEnd policy event. Its decision
// is never enforced (spec §4.4: "OnPipelineStageEnd is observational
// only"): it is discarded, and only a Debug line is logged.
func (e *Executor) stageEnd(executorIdentity ids.ExecutionId, pipelineId, stageId uint64) {
	if e.Policy == nil {
		return
	}
	ctx := policy.Context{Actor: uint64(executorIdentity), PipelineId: &pipelineId, StageId: &stageId}
	_ = e.evaluate(policy.OnPipelineStageEnd, ctx)
	if e.Log != nil {
		e.Log.Debug("pipeline stage end", zap.Uint64("pipeline_id", pipelineId), zap.Uint64("stage_id", stageId))
	}
}
