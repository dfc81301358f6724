// Package main — cmd/simscenario/main.go
//
// Deterministic single-scenario runner: builds a fresh in-process Kernel,
// drives one named scenario against it, and prints a tick-by-tick trace as
// CSV to stdout. Exits non-zero if the scenario's expected outcome does not
// hold, so it doubles as a regression check a CI job can shell out to.
//
// Usage:
//
//	simscenario -scenario delegate-crosses-trust-domain
//	simscenario -list
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernel"
	"github.com/octokernel/octokernel/internal/kernelerr"
	"github.com/octokernel/octokernel/internal/ledger"
	"github.com/octokernel/octokernel/internal/pipeline"
	"github.com/octokernel/octokernel/internal/policy"
	"github.com/octokernel/octokernel/internal/transport"
)

// scenario is a self-contained, deterministic check against a fresh kernel.
// It prints its own CSV trace lines and returns an error if the expected
// outcome did not hold.
type scenario struct {
	name string
	desc string
	run  func(k *kernel.Kernel, w *csvWriter) error
}

var scenarios = []scenario{
	{
		name: "spawn-budget-subset",
		desc: "child spawn budget must be a pointwise subset of the parent's",
		run:  scenarioSpawnBudgetSubset,
	},
	{
		name: "capability-revoked-on-terminate",
		desc: "non-durable capabilities are invalidated when their owning task terminates",
		run:  scenarioCapabilityRevokedOnTerminate,
	},
	{
		name: "delegate-crosses-trust-domain",
		desc: "delegation across trust domains is logged as CrossDomainDelegation",
		run:  scenarioDelegateCrossesTrustDomain,
	},
	{
		name: "channel-fifo-with-drop",
		desc: "a dropped send never reaches the channel, later sends preserve FIFO order",
		run:  scenarioChannelFifoWithDrop,
	},
	{
		name: "receive-timeout",
		desc: "receive_message on an empty channel with a timeout returns Timeout and advances time",
		run:  scenarioReceiveTimeout,
	},
	{
		name: "budget-exhaustion",
		desc: "try_consume fails once a bounded resource budget is exhausted",
		run:  scenarioBudgetExhaustion,
	},
	{
		name: "pipeline-policy-derived-read-only",
		desc: "a policy-derived read-only pool must reject a stage requiring a write capability before its handler runs",
		run:  scenarioPipelinePolicyDerivedReadOnly,
	},
	{
		name: "pipeline-retry-with-backoff",
		desc: "a retryable stage backs off per RetryPolicy and succeeds once the handler recovers",
		run:  scenarioPipelineRetryWithBackoff,
	},
}

func main() {
	scenarioName := flag.String("scenario", "", "Name of the scenario to run")
	list := flag.Bool("list", false, "List available scenarios and exit")
	flag.Parse()

	if *list {
		names := make([]string, 0, len(scenarios))
		byName := make(map[string]scenario, len(scenarios))
		for _, s := range scenarios {
			names = append(names, s.name)
			byName[s.name] = s
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("%-32s %s\n", n, byName[n].desc)
		}
		return
	}

	if *scenarioName == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -scenario is required (see -list)")
		os.Exit(2)
	}

	var sc *scenario
	for i := range scenarios {
		if scenarios[i].name == *scenarioName {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		fmt.Fprintf(os.Stderr, "FATAL: unknown scenario %q (see -list)\n", *scenarioName)
		os.Exit(2)
	}

	w := newCsvWriter(os.Stdout)
	w.header()

	k := kernel.New(zap.NewNop())
	if err := sc.run(k, w); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %s: %v\n", sc.name, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "PASS: %s\n", sc.name)
}

// ─── CSV trace writer ───────────────────────────────────────────────────────

type csvWriter struct {
	out interface{ Write([]byte) (int, error) }
	n   int
}

func newCsvWriter(out interface{ Write([]byte) (int, error) }) *csvWriter {
	return &csvWriter{out: out}
}

func (w *csvWriter) header() {
	fmt.Fprintln(os.Stdout, "seq,tick,event,detail")
}

func (w *csvWriter) trace(tick uint64, event, detail string) {
	w.n++
	fmt.Fprintf(os.Stdout, "%d,%d,%s,%s\n", w.n, tick, event, detail)
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

func scenarioSpawnBudgetSubset(k *kernel.Kernel, w *csvWriter) error {
	parentCpu := uint64(100)
	parentTaskId, _, err := k.SpawnTaskWithIdentity("parent-task", ledger.KindComponent, "dom-a", nil, nil,
		&ledger.Budget{CpuTicks: &parentCpu})
	if err != nil {
		return fmt.Errorf("spawn parent task: %w", err)
	}
	w.trace(k.Now(), "spawn", "parent task assigned")

	childCpu := uint64(200) // exceeds parent budget: must be rejected
	_, _, err = k.SpawnTaskWithIdentity("child-over-budget", ledger.KindComponent, "dom-a", &parentTaskId, nil,
		&ledger.Budget{CpuTicks: &childCpu})
	if err == nil {
		return fmt.Errorf("expected spawn to fail for over-budget child, it succeeded")
	}
	w.trace(k.Now(), "spawn_rejected", err.Error())

	childCpuOk := uint64(50)
	_, _, err = k.SpawnTaskWithIdentity("child-within-budget", ledger.KindComponent, "dom-a", &parentTaskId, nil,
		&ledger.Budget{CpuTicks: &childCpuOk})
	if err != nil {
		return fmt.Errorf("expected in-budget child spawn to succeed: %w", err)
	}
	w.trace(k.Now(), "spawn_accepted", "child within parent's budget")
	return nil
}

func scenarioCapabilityRevokedOnTerminate(k *kernel.Kernel, w *csvWriter) error {
	task, _, err := k.SpawnTask(nil, "dom-a", "owner")
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	capId, err := k.GrantCapability(task, false)
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	w.trace(k.Now(), "grant", fmt.Sprintf("cap=%d task=%d", capId, task))

	if !k.IsCapabilityValid(capId, task) {
		return fmt.Errorf("expected capability valid immediately after grant")
	}

	if err := k.TerminateTask(task); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	w.trace(k.Now(), "terminate", fmt.Sprintf("task=%d", task))

	if k.IsCapabilityValid(capId, task) {
		return fmt.Errorf("expected capability invalid after owning task terminated")
	}
	w.trace(k.Now(), "invalidated", fmt.Sprintf("cap=%d", capId))
	return nil
}

func scenarioDelegateCrossesTrustDomain(k *kernel.Kernel, w *csvWriter) error {
	fromTask, _, err := k.SpawnTask(nil, "dom-a", "sender")
	if err != nil {
		return fmt.Errorf("spawn from: %w", err)
	}
	toTask, _, err := k.SpawnTask(nil, "dom-b", "receiver")
	if err != nil {
		return fmt.Errorf("spawn to: %w", err)
	}
	capId, err := k.GrantCapability(fromTask, false)
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	if err := k.DelegateCapability(capId, fromTask, toTask); err != nil {
		return fmt.Errorf("delegate: %w", err)
	}
	w.trace(k.Now(), "delegate", fmt.Sprintf("cap=%d dom-a->dom-b", capId))

	events := k.CapabilityAuditLog().All()
	found := false
	for _, e := range events {
		if e.Kind.String() == "CrossDomainDelegation" {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("expected a CrossDomainDelegation audit event, found none")
	}
	w.trace(k.Now(), "audited", "CrossDomainDelegation event recorded")
	return nil
}

func scenarioChannelFifoWithDrop(k *kernel.Kernel, w *csvWriter) error {
	plan := transport.NewFaultPlan().DropNextSend(1)
	ch := k.CreateChannel(plan)

	svc := ids.ServiceId(1)
	if err := k.RegisterService(svc, ch); err != nil {
		return fmt.Errorf("register service: %w", err)
	}

	for i := 0; i < 3; i++ {
		env := transport.Envelope{Action: fmt.Sprintf("msg-%d", i), Destination: svc}
		if err := k.SendMessage(ch, env); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		w.trace(k.Now(), "send", env.Action)
	}

	got, err := k.ReceiveMessage(ch, nil)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	w.trace(k.Now(), "receive", got.Action)
	if got.Action != "msg-1" {
		return fmt.Errorf("expected msg-0 to be dropped, first received should be msg-1, got %q", got.Action)
	}
	return nil
}

func scenarioReceiveTimeout(k *kernel.Kernel, w *csvWriter) error {
	ch := k.CreateChannel(nil)
	timeout := uint64(10)
	start := k.Now()
	_, err := k.ReceiveMessage(ch, &timeout)
	if err == nil {
		return fmt.Errorf("expected Timeout error on empty channel, got none")
	}
	elapsed := k.Now() - start
	w.trace(k.Now(), "timeout", fmt.Sprintf("elapsed=%d", elapsed))
	if elapsed != timeout {
		return fmt.Errorf("expected logical time to advance by exactly %d ticks, advanced by %d", timeout, elapsed)
	}
	return nil
}

func scenarioBudgetExhaustion(k *kernel.Kernel, w *csvWriter) error {
	limit := uint64(2)
	task, execId, err := k.SpawnTaskWithIdentity("limited", ledger.KindComponent, "dom-a", nil, nil,
		&ledger.Budget{CpuTicks: &limit})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	_ = task

	for i := uint64(0); i < limit; i++ {
		if err := k.TryConsumeCpuTicks(execId, 1); err != nil {
			return fmt.Errorf("unexpected exhaustion before budget reached, at unit %d: %w", i, err)
		}
		w.trace(k.Now(), "consume", fmt.Sprintf("cpu_ticks unit=%d", i))
	}

	if err := k.TryConsumeCpuTicks(execId, 1); err == nil {
		return fmt.Errorf("expected budget exhaustion error, got none")
	}
	w.trace(k.Now(), "exhausted", "cpu_ticks")
	return nil
}

// readOnlyDerivingPolicy derives a read-only capability pool at
// OnPipelineStart regardless of what the caller actually holds, and allows
// everything else unconditionally.
type readOnlyDerivingPolicy struct {
	readCapId uint64
}

func (p readOnlyDerivingPolicy) Evaluate(event policy.Event, ctx policy.Context) policy.Decision {
	if event == policy.OnPipelineStart {
		return policy.Allow(&policy.DerivedAuthority{CapIds: []uint64{p.readCapId}})
	}
	return policy.Allow(nil)
}

func scenarioPipelinePolicyDerivedReadOnly(k *kernel.Kernel, w *csvWriter) error {
	runner, execId, err := k.SpawnTask(nil, "dom-a", "pipeline-actor")
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	readCap, err := k.GrantCapability(runner, false)
	if err != nil {
		return fmt.Errorf("grant read cap: %w", err)
	}
	writeCap, err := k.GrantCapability(runner, false)
	if err != nil {
		return fmt.Errorf("grant write cap: %w", err)
	}
	w.trace(k.Now(), "grant", fmt.Sprintf("read=%d write=%d", readCap, writeCap))

	k = k.WithPolicyEngine(readOnlyDerivingPolicy{readCapId: readCap})

	handlerCalled := false
	stage := pipeline.StageSpec{
		Id:                   k.Allocator().NextStageId(),
		Name:                 "write-stage",
		InputSchema:          "raw",
		OutputSchema:         "final",
		RequiredCapabilities: []uint64{writeCap},
		Handler: func(hc pipeline.HandlerContext) pipeline.Outcome {
			handlerCalled = true
			return pipeline.Success(hc.Input, nil)
		},
	}
	spec, err := pipeline.NewPipelineSpec(k.Allocator().NextPipelineId(), "write-pipeline", "raw", "final", []pipeline.StageSpec{stage}, nil)
	if err != nil {
		return fmt.Errorf("build pipeline spec: %w", err)
	}

	_, trace, err := k.RunPipeline(spec, []uint64{readCap, writeCap}, transport.TypedPayload{SchemaTag: "raw"}, execId, nil)
	var missing *kernelerr.MissingCapability
	if !errors.As(err, &missing) {
		return fmt.Errorf("expected MissingCapability once the policy derives a read-only pool, got %T: %v", err, err)
	}
	w.trace(k.Now(), "missing_capability", fmt.Sprintf("cap=%d", missing.CapId))
	if handlerCalled {
		return fmt.Errorf("expected the write-stage handler to never run once its required capability is missing")
	}
	if len(trace.Entries) != 1 || trace.Entries[0].Attempt != 0 || trace.Entries[0].Result != pipeline.StageFailed {
		return fmt.Errorf("expected a single zero-attempt Failed trace entry, got %+v", trace.Entries)
	}
	if trace.FinalResult.Kind != pipeline.FinalFailed {
		return fmt.Errorf("expected FinalFailed, got %v", trace.FinalResult.Kind)
	}
	w.trace(k.Now(), "pipeline_failed", "read-only derivation rejected the write stage pre-handler")
	return nil
}

func scenarioPipelineRetryWithBackoff(k *kernel.Kernel, w *csvWriter) error {
	runner, execId, err := k.SpawnTask(nil, "dom-a", "pipeline-actor")
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	_ = runner

	attempts := 0
	stage := pipeline.StageSpec{
		Id:           k.Allocator().NextStageId(),
		Name:         "flaky-stage",
		InputSchema:  "raw",
		OutputSchema: "final",
		RetryPolicy:  pipeline.RetryPolicy{MaxRetries: 2, InitialBackoffMs: 5, Multiplier: 2},
		Handler: func(hc pipeline.HandlerContext) pipeline.Outcome {
			attempts++
			if attempts < 3 {
				return pipeline.Retryable(fmt.Errorf("transient failure, attempt %d", attempts))
			}
			return pipeline.Success(hc.Input, nil)
		},
	}
	spec, err := pipeline.NewPipelineSpec(k.Allocator().NextPipelineId(), "flaky-pipeline", "raw", "final", []pipeline.StageSpec{stage}, nil)
	if err != nil {
		return fmt.Errorf("build pipeline spec: %w", err)
	}

	start := k.Now()
	_, trace, err := k.RunPipeline(spec, nil, transport.TypedPayload{SchemaTag: "raw"}, execId, nil)
	if err != nil {
		return fmt.Errorf("expected eventual success after bounded retries: %w", err)
	}
	elapsed := k.Now() - start
	w.trace(k.Now(), "retried", fmt.Sprintf("attempts=%d elapsed=%d", attempts, elapsed))

	if attempts != 3 {
		return fmt.Errorf("expected exactly 3 attempts (2 retries + success), got %d", attempts)
	}
	wantElapsed := uint64(5 + 5*2) // backoffFor(0) + backoffFor(1)
	if elapsed != wantElapsed {
		return fmt.Errorf("expected %d logical ticks of backoff, observed %d", wantElapsed, elapsed)
	}
	if trace.FinalResult.Kind != pipeline.FinalSuccess {
		return fmt.Errorf("expected FinalSuccess, got %v", trace.FinalResult.Kind)
	}
	if len(trace.Entries) != 3 {
		return fmt.Errorf("expected one trace entry per attempt (3 total), got %d", len(trace.Entries))
	}
	w.trace(k.Now(), "pipeline_succeeded", "flaky stage recovered within its retry budget")
	return nil
}
