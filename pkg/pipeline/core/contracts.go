package core

import (
	"context"
	"errors"
	"net"
)

// Operation transforms one input record into a description of changes for it.
//
// Implementations must not mutate the input and must not retry internally. Runners
// re-attempt transient failures only when the caller opts in.
type Operation[In any, Out any] interface {
	Apply(ctx context.Context, in In) (Out, error)
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc[In any, Out any] func(ctx context.Context, in In) (Out, error)

func (f OperationFunc[In, Out]) Apply(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// TransientError marks an error as caused by a condition that may clear on its own
// (rate limiting, upstream 5xx, network timeouts). Runners flag it in their reports and
// retry it only when configured with a retry budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is a transient error that may be re-attempted at most
// ExtraRetries more times, even when the runner's retry budget is larger.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil {
		return 0
	}
	return e.ExtraRetries
}

// IsTransient reports whether err may clear on a later attempt: a TransientError or
// LimitedTransientError anywhere in the chain, a deadline, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
