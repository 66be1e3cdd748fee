package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
	"golang.org/x/time/rate"
)

var (
	ErrNilOperation = errors.New("bulk: operation is required")
	ErrNilTarget    = errors.New("bulk: target is required")
	ErrEmptyID      = errors.New("bulk: record id is empty")
	ErrDuplicateID  = errors.New("bulk: duplicate record id")
	ErrCancelled    = errors.New("bulk: run cancelled")
)

// Record is anything with a stable identifier inside the caller's collection.
type Record interface {
	RecordID() string
}

// Target is the caller-owned store the runner writes through. The runner never holds
// records itself; it flips the in-flight flag and merges results by ID.
type Target[P any] interface {
	MarkInFlight(id string, inFlight bool)
	Merge(id string, patch P) error
}

// Outcome distinguishes how a run ended.
type Outcome string

const (
	OutcomeNothingToProcess Outcome = "nothing_to_process"
	OutcomeCompleted        Outcome = "completed"
	OutcomeCancelled        Outcome = "cancelled"
)

// Failure records one item whose operation or merge failed.
type Failure struct {
	ID        string
	Err       error
	Transient bool
}

// Summary is the completion report of a run.
type Summary struct {
	Outcome   Outcome
	Total     int
	Succeeded int
	Failed    int
	Failures  []Failure
	Elapsed   time.Duration
}

// Processed is the number of items that reached a terminal state.
func (s Summary) Processed() int {
	return s.Succeeded + s.Failed
}

// Err joins all item failures, or returns nil when every item succeeded.
func (s Summary) Err() error {
	if len(s.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(s.Failures))
	for _, f := range s.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.ID, f.Err))
	}
	return errors.Join(errs...)
}

type Options struct {
	// Action labels every progress report, e.g. "Enriching".
	Action string

	// OnProgress is called with 0/N before the first item and after every item.
	OnProgress func(Progress)
	// OnItemError is called once per failed item, after its in-flight flag is cleared.
	OnItemError func(Failure)

	// Cancelled is checked between items. Nil never cancels.
	Cancelled func() bool

	// RequestTimeout bounds a single Apply attempt. Zero disables.
	RequestTimeout time.Duration
	// RateLimitRPS paces Apply calls. Set to <=0 to disable.
	RateLimitRPS float64

	// MaxRetries is how many extra attempts a transient failure gets. Zero disables.
	MaxRetries int

	// BackoffInitial is the sleep before the first retry; it doubles up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64
}

// Run applies op to every item in order, one at a time.
//
// Item failures are recorded in the summary and never stop the run. Run only returns
// an error for an invalid input sequence (before any item is touched) or when the run
// is cancelled, in which case the partial summary is returned too. An item interrupted
// by context cancellation is neither succeeded nor failed.
//
// Callers must not start two runs over overlapping items concurrently, and must not
// mutate an item while the runner is processing it.
func Run[R Record, P any](ctx context.Context, items []R, op core.Operation[R, P], target Target[P], opts Options) (Summary, error) {
	if op == nil {
		return Summary{}, ErrNilOperation
	}
	if target == nil {
		return Summary{}, ErrNilTarget
	}
	if err := validateIDs(items); err != nil {
		return Summary{}, err
	}

	start := time.Now()
	total := len(items)
	if total == 0 {
		return Summary{Outcome: OutcomeNothingToProcess}, nil
	}

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	sum := Summary{Total: total}
	progress := Progress{Action: opts.Action, Total: total}
	report := func() {
		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}
	}
	report()

	for _, item := range items {
		if err := checkCancelled(ctx, opts.Cancelled); err != nil {
			sum.Outcome = OutcomeCancelled
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		id := item.RecordID()
		err := processOne(ctx, item, op, target, limiter, opts)
		if err != nil && ctx.Err() != nil {
			// Interrupted mid-item: leave it unprocessed rather than failed.
			sum.Outcome = OutcomeCancelled
			sum.Elapsed = time.Since(start)
			return sum, ctx.Err()
		}
		if err != nil {
			f := Failure{ID: id, Err: err, Transient: core.IsTransient(err)}
			sum.Failed++
			sum.Failures = append(sum.Failures, f)
			progress.Failed++
			if opts.OnItemError != nil {
				opts.OnItemError(f)
			}
		} else {
			sum.Succeeded++
			progress.Succeeded++
		}

		progress.Completed++
		report()
	}

	sum.Outcome = OutcomeCompleted
	sum.Elapsed = time.Since(start)
	return sum, nil
}

func processOne[R Record, P any](
	ctx context.Context,
	item R,
	op core.Operation[R, P],
	target Target[P],
	limiter *rate.Limiter,
	opts Options,
) error {
	id := item.RecordID()
	target.MarkInFlight(id, true)
	defer target.MarkInFlight(id, false)

	patch, err := applyWithRetry(ctx, item, op, limiter, opts)
	if err != nil {
		return redactErr(err)
	}
	if err := target.Merge(id, patch); err != nil {
		return redactErr(err)
	}
	return nil
}

func validateIDs[R Record](items []R) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		id := item.RecordID()
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w at index %d", ErrEmptyID, i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w %q at index %d", ErrDuplicateID, id, i)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkCancelled(ctx context.Context, cancelled func() bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cancelled != nil && cancelled() {
		return ErrCancelled
	}
	return nil
}

// redactedError keeps the original chain for errors.Is/As while scrubbing the message
// that ends up in summaries and logs.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactErr(err error) error {
	msg := err.Error()
	clean := redact.Secrets(msg)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, err: err}
}
