package pipeline

import "github.com/octokernel/octokernel/internal/transport"

// CancelKind names a CancellationReason's discriminator.
type CancelKind int

const (
	UserCancel CancelKind = iota
	TimeoutCancel
	SupervisorCancel
	DependencyFailed
	CustomCancel
)

// CancellationReason is the payload attached to a set cancellation token.
type CancellationReason struct {
	Kind   CancelKind
	Custom string // set only when Kind == CustomCancel
}

func (r CancellationReason) String() string {
	switch r.Kind {
	case UserCancel:
		return "UserCancel"
	case TimeoutCancel:
		return "Timeout"
	case SupervisorCancel:
		return "SupervisorCancel"
	case DependencyFailed:
		return "DependencyFailed"
	case CustomCancel:
		return r.Custom
	default:
		return "Unknown"
	}
}

// CancellationToken is a shared record referenced by cloneable handles (in
// Go, a pointer). Setting cancellation is idempotent: only the first
// reason sticks. Handlers poll IsCancelled at documented safe points; no
// coroutines are required (spec §9).
type CancellationToken struct {
	cancelled bool
	reason    CancellationReason
}

// NewCancellationToken returns a fresh, unset token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

// Cancel idempotently sets the token. Timeout-vs-explicit-cancellation in
// the same logical step: explicit cancellation wins and preserves its own
// reason (spec §8 boundary behavior) — callers achieve this simply by
// calling Cancel with the explicit reason before any timeout-driven Cancel
// call observes the token already set.
func (t *CancellationToken) Cancel(reason CancellationReason) {
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.reason = reason
}

// IsCancelled reports whether the token has been set, and its reason.
func (t *CancellationToken) IsCancelled() (bool, CancellationReason) {
	return t.cancelled, t.reason
}

// HandlerContext is passed to a stage's handler on each attempt.
type HandlerContext struct {
	Input   transport.TypedPayload
	Cancel  *CancellationToken
	Attempt uint32
}

// OutcomeKind discriminates a handler's reported result.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeRetryable
	OutcomeCancelled
)

// Outcome is what a stage handler reports after running.
type Outcome struct {
	Kind            OutcomeKind
	Output          transport.TypedPayload
	CapabilitiesOut []uint64
	Err             error
	CancelReason    CancellationReason
}

// Success reports the stage completed, producing output and (optionally)
// new capabilities.
func Success(output transport.TypedPayload, capabilitiesOut []uint64) Outcome {
	return Outcome{Kind: OutcomeSuccess, Output: output, CapabilitiesOut: capabilitiesOut}
}

// Failure reports a permanent stage failure.
func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Retryable reports a stage failure the executor should retry, subject to
// the stage's RetryPolicy.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Cancelled reports the handler observed cancellation and stopped. A
// cancelled handler must not claim success; its result never contributes
// to the capability pool.
func Cancelled(reason CancellationReason) Outcome {
	return Outcome{Kind: OutcomeCancelled, CancelReason: reason}
}

// Handler is a stage's executable body: a function from (payload,
// cancellation) to an Outcome, per spec §4.6.
type Handler func(HandlerContext) Outcome
