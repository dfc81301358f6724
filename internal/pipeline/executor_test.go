package pipeline

import (
	"errors"
	"testing"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
	"github.com/octokernel/octokernel/internal/policy"
	"github.com/octokernel/octokernel/internal/transport"
)

// fakeClock is a minimal Clock for executor tests: logical time only, no
// transport maturation (the executor's Clock interface never needs it).
type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64        { return c.now }
func (c *fakeClock) Sleep(ticks uint64) { c.now += ticks }

func okStage(id ids.StageId, in, out Schema) StageSpec {
	return StageSpec{
		Id:           id,
		Name:         string(rune('a' + int(id))),
		InputSchema:  in,
		OutputSchema: out,
		Handler: func(hc HandlerContext) Outcome {
			return Success(hc.Input, nil)
		},
	}
}

func TestExecutorRunsStagesInOrder(t *testing.T) {
	stages := []StageSpec{
		okStage(1, "raw", "parsed"),
		okStage(2, "parsed", "final"),
	}
	spec, err := NewPipelineSpec(1, "two-stage", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	exec := &Executor{Clock: &fakeClock{}}
	out, trace, err := exec.Run(spec, nil, transport.TypedPayload{SchemaTag: "raw"}, 1, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.SchemaTag != "raw" {
		t.Fatalf("expected handler's unmodified input payload to pass through, got %q", out.SchemaTag)
	}
	if trace.FinalResult.Kind != FinalSuccess {
		t.Fatalf("expected FinalSuccess, got %v", trace.FinalResult.Kind)
	}
	if len(trace.Entries) != 2 {
		t.Fatalf("expected one trace entry per stage, got %d", len(trace.Entries))
	}
}

func TestExecutorRetriesRetryableOutcome(t *testing.T) {
	attempts := 0
	stages := []StageSpec{{
		Id:           1,
		Name:         "flaky",
		InputSchema:  "raw",
		OutputSchema: "final",
		RetryPolicy:  RetryPolicy{MaxRetries: 2, InitialBackoffMs: 1, Multiplier: 2},
		Handler: func(hc HandlerContext) Outcome {
			attempts++
			if attempts < 3 {
				return Retryable(errors.New("transient"))
			}
			return Success(hc.Input, nil)
		},
	}}
	spec, err := NewPipelineSpec(1, "retry", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	exec := &Executor{Clock: &fakeClock{}}
	_, trace, err := exec.Run(spec, nil, transport.TypedPayload{}, 1, nil)
	if err != nil {
		t.Fatalf("expected eventual success after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts (2 retries + final success), got %d", attempts)
	}
	if trace.FinalResult.Kind != FinalSuccess {
		t.Fatalf("expected FinalSuccess, got %v", trace.FinalResult.Kind)
	}
}

func TestExecutorExhaustsRetriesAndFails(t *testing.T) {
	stages := []StageSpec{{
		Id:           1,
		Name:         "always-fails",
		InputSchema:  "raw",
		OutputSchema: "final",
		RetryPolicy:  RetryPolicy{MaxRetries: 1, InitialBackoffMs: 1, Multiplier: 1},
		Handler: func(hc HandlerContext) Outcome {
			return Retryable(errors.New("still broken"))
		},
	}}
	spec, err := NewPipelineSpec(1, "fail", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	exec := &Executor{Clock: &fakeClock{}}
	_, trace, err := exec.Run(spec, nil, transport.TypedPayload{}, 1, nil)
	if err == nil {
		t.Fatalf("expected failure once retries are exhausted")
	}
	if trace.FinalResult.Kind != FinalFailed {
		t.Fatalf("expected FinalFailed, got %v", trace.FinalResult.Kind)
	}
}

func TestExecutorMissingRequiredCapabilityFails(t *testing.T) {
	stages := []StageSpec{{
		Id:                   1,
		Name:                 "needs-cap",
		InputSchema:          "raw",
		OutputSchema:         "final",
		RequiredCapabilities: []uint64{42},
		Handler: func(hc HandlerContext) Outcome {
			return Success(hc.Input, nil)
		},
	}}
	spec, err := NewPipelineSpec(1, "needs-cap", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	exec := &Executor{Clock: &fakeClock{}}
	_, _, err = exec.Run(spec, nil, transport.TypedPayload{}, 1, nil)
	var missing *kernelerr.MissingCapability
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCapability, got %T: %v", err, err)
	}
}

// derivingPolicy is a stub Policy that, at OnPipelineStart, narrows the
// caller's held authority down to allowedCapIds via DerivedAuthority — e.g.
// a policy that only ever derives read-only authority for a pipeline,
// regardless of what the caller actually holds. All other events Allow
// unconditionally.
type derivingPolicy struct {
	allowedCapIds []uint64
}

func (p derivingPolicy) Evaluate(event policy.Event, ctx policy.Context) policy.Decision {
	if event == policy.OnPipelineStart {
		return policy.Allow(&policy.DerivedAuthority{CapIds: p.allowedCapIds})
	}
	return policy.Allow(nil)
}

func TestExecutorPolicyDerivedReadOnlyPipelineRejectsWriteStage(t *testing.T) {
	const readCap, writeCap uint64 = 1, 2
	handlerCalled := false
	stages := []StageSpec{{
		Id:                   1,
		Name:                 "write-stage",
		InputSchema:          "raw",
		OutputSchema:         "final",
		RequiredCapabilities: []uint64{writeCap},
		Handler: func(hc HandlerContext) Outcome {
			handlerCalled = true
			return Success(hc.Input, nil)
		},
	}}
	spec, err := NewPipelineSpec(1, "read-only", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	exec := &Executor{Clock: &fakeClock{}, Policy: derivingPolicy{allowedCapIds: []uint64{readCap}}}
	_, trace, err := exec.Run(spec, []uint64{readCap, writeCap}, transport.TypedPayload{}, 1, nil)

	var missing *kernelerr.MissingCapability
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCapability once the policy derives a read-only pool, got %T: %v", err, err)
	}
	if missing.CapId != writeCap {
		t.Fatalf("expected the missing capability to be the write cap %d, got %d", writeCap, missing.CapId)
	}
	if handlerCalled {
		t.Fatalf("expected the stage handler to never run once required capabilities are missing")
	}
	if trace.FinalResult.Kind != FinalFailed {
		t.Fatalf("expected FinalFailed, got %v", trace.FinalResult.Kind)
	}
	if len(trace.Entries) != 1 {
		t.Fatalf("expected exactly one trace entry (the pre-handler failure), got %d", len(trace.Entries))
	}
	entry := trace.Entries[0]
	if entry.Attempt != 0 {
		t.Fatalf("expected the failure to be recorded at attempt 0 (handler never invoked), got attempt %d", entry.Attempt)
	}
	if entry.Result != StageFailed {
		t.Fatalf("expected StageFailed, got %v", entry.Result)
	}
}

func TestExecutorCancellationStopsPipeline(t *testing.T) {
	stages := []StageSpec{
		okStage(1, "raw", "mid"),
		okStage(2, "mid", "final"),
	}
	spec, err := NewPipelineSpec(1, "cancel", "raw", "final", stages, nil)
	if err != nil {
		t.Fatalf("NewPipelineSpec: %v", err)
	}

	token := NewCancellationToken()
	token.Cancel(CancellationReason{Kind: UserCancel})

	exec := &Executor{Clock: &fakeClock{}}
	_, trace, err := exec.Run(spec, nil, transport.TypedPayload{}, 1, token)
	if err == nil {
		t.Fatalf("expected an error when the pipeline starts already cancelled")
	}
	if trace.FinalResult.Kind != FinalCancelled {
		t.Fatalf("expected FinalCancelled, got %v", trace.FinalResult.Kind)
	}
}

func TestNewPipelineSpecRejectsSchemaMismatch(t *testing.T) {
	stages := []StageSpec{
		okStage(1, "raw", "mid"),
		okStage(2, "wrong-input", "final"),
	}
	if _, err := NewPipelineSpec(1, "broken", "raw", "final", stages, nil); err == nil {
		t.Fatalf("expected schema mismatch between stage 0's output and stage 1's input to be rejected")
	}
}

func TestNewPipelineSpecRejectsEmptyStages(t *testing.T) {
	if _, err := NewPipelineSpec(1, "empty", "raw", "final", nil, nil); err == nil {
		t.Fatalf("expected a pipeline with no stages to be rejected")
	}
}
