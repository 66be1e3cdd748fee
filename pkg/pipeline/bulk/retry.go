package bulk

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
	"golang.org/x/time/rate"
)

const (
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
)

// applyWithRetry calls op until it succeeds, fails permanently, or runs out of retries.
// Every attempt waits on the limiter and gets its own timeout.
func applyWithRetry[R Record, P any](
	ctx context.Context,
	item R,
	op core.Operation[R, P],
	limiter *rate.Limiter,
	opts Options,
) (P, error) {
	var zero P
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
		}
		out, err := op.Apply(reqCtx, item)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !core.IsTransient(err) || attempt >= retryBudget(opts.MaxRetries, err) {
			return zero, err
		}

		t := time.NewTimer(backoffSleep(opts, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

// retryBudget is the run's retry limit, lowered by an error that carries its own cap.
func retryBudget(maxRetries int, err error) int {
	maxRetries = max(maxRetries, 0)
	var capErr retryCap
	if errors.As(err, &capErr) {
		return min(max(capErr.MaxExtraRetries(), 0), maxRetries)
	}
	return maxRetries
}

func backoffSleep(opts Options, attempt int) time.Duration {
	initial, ceiling := opts.BackoffInitial, opts.BackoffMax
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if ceiling <= 0 {
		ceiling = defaultBackoffMax
	}
	sleep := initial
	for i := 0; i < attempt && sleep < ceiling; i++ {
		sleep = min(sleep*2, ceiling)
	}
	if opts.BackoffJitterFrac <= 0 {
		return sleep
	}
	// +/- BackoffJitterFrac
	j := 1 + (rand.Float64()*2-1)*opts.BackoffJitterFrac
	return time.Duration(float64(sleep) * j)
}
