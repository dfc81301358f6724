// Package pipeline implements the Typed Pipeline Executor: a schema-chained
// stage sequence run with policy-governed capability derivation, bounded
// retries, and cancellation.
package pipeline

import (
	"fmt"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernelerr"
)

// Schema is an opaque schema tag; two stages chain iff their adjoining
// schema tags are equal.
type Schema string

// RetryPolicy controls a stage's bounded retry-with-backoff behavior.
type RetryPolicy struct {
	MaxRetries       uint32
	InitialBackoffMs uint64
	Multiplier       uint64
}

// backoffFor returns the logical-time delay before retrying attempt
// (0-indexed: the delay before attempt+1 runs).
func (r RetryPolicy) backoffFor(attempt uint32) uint64 {
	backoff := r.InitialBackoffMs
	for i := uint32(0); i < attempt; i++ {
		backoff *= r.Multiplier
	}
	return backoff
}

// StageSpec describes one stage of a pipeline.
type StageSpec struct {
	Id                   ids.StageId
	Name                 string
	HandlerService       ids.ServiceId
	Action               string
	InputSchema          Schema
	OutputSchema         Schema
	RetryPolicy          RetryPolicy
	RequiredCapabilities []uint64
	Timeout              *uint64 // logical ticks from the stage's first attempt; nil = no per-stage timeout
	Handler              Handler
}

// PipelineSpec is a schema-chained, ordered sequence of stages.
type PipelineSpec struct {
	Id                 ids.PipelineId
	Name               string
	InitialInputSchema Schema
	FinalOutputSchema  Schema
	Stages             []StageSpec
	Timeout            *uint64 // logical ticks from the start of Run; nil = no overall timeout
}

// NewPipelineSpec validates the schema chain at construction time, per spec
// §4.6: the graph must be non-empty, stage 0's input must equal the
// pipeline's initial schema, each adjacent pair's output/input must match,
// and the last stage's output must equal the pipeline's final schema.
func NewPipelineSpec(
	id ids.PipelineId,
	name string,
	initial, final Schema,
	stages []StageSpec,
	timeout *uint64,
) (*PipelineSpec, error) {
	if len(stages) == 0 {
		return nil, &kernelerr.SchemaMismatch{StageBoundary: "pipeline has no stages"}
	}
	if stages[0].InputSchema != initial {
		return nil, &kernelerr.SchemaMismatch{
			StageBoundary: fmt.Sprintf("stage 0 (%s) input %q != pipeline initial %q", stages[0].Name, stages[0].InputSchema, initial),
		}
	}
	for i := 1; i < len(stages); i++ {
		if stages[i-1].OutputSchema != stages[i].InputSchema {
			return nil, &kernelerr.SchemaMismatch{
				StageBoundary: fmt.Sprintf("stage %d (%s) output %q != stage %d (%s) input %q",
					i-1, stages[i-1].Name, stages[i-1].OutputSchema, i, stages[i].Name, stages[i].InputSchema),
			}
		}
	}
	last := stages[len(stages)-1]
	if last.OutputSchema != final {
		return nil, &kernelerr.SchemaMismatch{
			StageBoundary: fmt.Sprintf("last stage (%s) output %q != pipeline final %q", last.Name, last.OutputSchema, final),
		}
	}

	return &PipelineSpec{
		Id:                 id,
		Name:               name,
		InitialInputSchema: initial,
		FinalOutputSchema:  final,
		Stages:             stages,
		Timeout:            timeout,
	}, nil
}
