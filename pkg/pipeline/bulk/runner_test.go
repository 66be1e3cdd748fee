package bulk_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	Score *int
}

func (i item) RecordID() string { return i.ID }

type patch struct {
	Score  int
	Reason string
}

// memTarget is a minimal caller-owned store keyed by ID.
type memTarget struct {
	mu       sync.Mutex
	inFlight map[string]bool
	scores   map[string]int
	reasons  map[string]string
	marks    []string
	mergeErr map[string]error
}

func newMemTarget() *memTarget {
	return &memTarget{
		inFlight: map[string]bool{},
		scores:   map[string]int{},
		reasons:  map[string]string{},
		mergeErr: map[string]error{},
	}
}

func (m *memTarget) MarkInFlight(id string, inFlight bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[id] = inFlight
	m.marks = append(m.marks, fmt.Sprintf("%s=%t", id, inFlight))
}

func (m *memTarget) Merge(id string, p patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mergeErr[id]; err != nil {
		return err
	}
	m.scores[id] = p.Score
	m.reasons[id] = p.Reason
	return nil
}

func (m *memTarget) isInFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[id]
}

func items(ids ...string) []item {
	out := make([]item, 0, len(ids))
	for _, id := range ids {
		out = append(out, item{ID: id})
	}
	return out
}

func TestRun_ScoresSubsetWithPartialFailure(t *testing.T) {
	t.Parallel()

	scored := 90
	all := []item{{ID: "A"}, {ID: "B"}, {ID: "C", Score: &scored}}
	var subset []item
	for _, it := range all {
		if it.Score == nil {
			subset = append(subset, it)
		}
	}

	target := newMemTarget()
	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		if in.ID == "B" {
			return patch{}, errors.New("model refused")
		}
		return patch{Score: 80, Reason: "fit"}, nil
	})

	var failures []bulk.Failure
	sum, err := bulk.Run(context.Background(), subset, op, target, bulk.Options{
		Action:      "Scoring",
		OnItemError: func(f bulk.Failure) { failures = append(failures, f) },
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, sum.Outcome)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	assert.Equal(t, 80, target.scores["A"])
	assert.Equal(t, "fit", target.reasons["A"])
	_, bScored := target.scores["B"]
	assert.False(t, bScored)
	_, cTouched := target.inFlight["C"]
	assert.False(t, cTouched, "runner must only process what it is given")

	assert.False(t, target.isInFlight("A"))
	assert.False(t, target.isInFlight("B"))

	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].ID)
	require.Len(t, sum.Failures, 1)
	assert.ErrorContains(t, sum.Err(), "B: model refused")
}

func TestRun_CountsEveryItem(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 7, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("lead-%d", i)
			}
			op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
				if len(in.ID)%2 == 0 {
					return patch{}, errors.New("odd failure")
				}
				return patch{Score: 1}, nil
			})

			sum, err := bulk.Run(context.Background(), items(ids...), op, newMemTarget(), bulk.Options{})
			require.NoError(t, err)
			assert.Equal(t, n, sum.Total)
			assert.Equal(t, n, sum.Succeeded+sum.Failed)
			assert.Equal(t, n, sum.Processed())
		})
	}
}

func TestRun_InFlightOnlyDuringApply(t *testing.T) {
	t.Parallel()

	target := newMemTarget()
	var observed []bool
	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		observed = append(observed, target.isInFlight(in.ID))
		if in.ID == "b" {
			return patch{}, errors.New("boom")
		}
		return patch{Score: 50}, nil
	})

	_, err := bulk.Run(context.Background(), items("a", "b", "c"), op, target, bulk.Options{})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true, true}, observed)
	assert.Equal(t, []string{"a=true", "a=false", "b=true", "b=false", "c=true", "c=false"}, target.marks)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, target.isInFlight(id), id)
	}
}

func TestRun_ProgressIsRoundedAndMonotonic(t *testing.T) {
	t.Parallel()

	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		if in.ID == "2" {
			return patch{}, errors.New("nope")
		}
		return patch{}, nil
	})

	var reports []bulk.Progress
	_, err := bulk.Run(context.Background(), items("1", "2", "3"), op, newMemTarget(), bulk.Options{
		Action:     "Enriching",
		OnProgress: func(p bulk.Progress) { reports = append(reports, p) },
	})
	require.NoError(t, err)

	require.Len(t, reports, 4)
	want := []int{0, 33, 67, 100}
	for k, p := range reports {
		assert.Equal(t, "Enriching", p.Action)
		assert.Equal(t, 3, p.Total)
		assert.Equal(t, k, p.Completed)
		assert.Equal(t, want[k], p.Percent())
		assert.LessOrEqual(t, p.Completed, p.Total)
		if k > 0 {
			assert.GreaterOrEqual(t, p.Percent(), reports[k-1].Percent())
		}
	}
	assert.Equal(t, 1, reports[3].Failed)
	assert.Equal(t, 2, reports[3].Succeeded)
}

func TestRun_RerunAllFailingNeverErrors(t *testing.T) {
	t.Parallel()

	calls := map[string]int{}
	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		calls[in.ID]++
		return patch{}, &core.TransientError{Err: errors.New("503")}
	})
	target := newMemTarget()
	subset := items("x", "y")

	for run := 0; run < 2; run++ {
		sum, err := bulk.Run(context.Background(), subset, op, target, bulk.Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Succeeded)
		assert.Equal(t, 2, sum.Failed)
		for _, f := range sum.Failures {
			assert.True(t, f.Transient)
		}
	}
	assert.Equal(t, map[string]int{"x": 2, "y": 2}, calls, "each run attempts each item exactly once")
}

func TestRun_EmptySubsetIsNothingToProcess(t *testing.T) {
	t.Parallel()

	called := false
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		called = true
		return patch{}, nil
	})
	progressCalls := 0

	sum, err := bulk.Run(context.Background(), nil, op, newMemTarget(), bulk.Options{
		OnProgress: func(bulk.Progress) { progressCalls++ },
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeNothingToProcess, sum.Outcome)
	assert.NotEqual(t, bulk.OutcomeCompleted, sum.Outcome)
	assert.Zero(t, sum.Total)
	assert.Zero(t, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.False(t, called)
	assert.Zero(t, progressCalls)
}

func TestRun_RejectsInvalidSequenceBeforeWork(t *testing.T) {
	t.Parallel()

	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		t.Fatal("operation must not run")
		return patch{}, nil
	})

	tests := []struct {
		name  string
		items []item
		want  error
	}{
		{name: "duplicate", items: items("a", "b", "a"), want: bulk.ErrDuplicateID},
		{name: "empty", items: items("a", " "), want: bulk.ErrEmptyID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newMemTarget()
			_, err := bulk.Run(context.Background(), tt.items, op, target, bulk.Options{})
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, target.marks)
		})
	}

	_, err := bulk.Run[item, patch](context.Background(), items("a"), nil, newMemTarget(), bulk.Options{})
	assert.ErrorIs(t, err, bulk.ErrNilOperation)
	_, err = bulk.Run[item, patch](context.Background(), items("a"), op, nil, bulk.Options{})
	assert.ErrorIs(t, err, bulk.ErrNilTarget)
}

func TestRun_MergeErrorCountsAsFailure(t *testing.T) {
	t.Parallel()

	target := newMemTarget()
	target.mergeErr["b"] = errors.New("record vanished")
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		return patch{Score: 10}, nil
	})

	sum, err := bulk.Run(context.Background(), items("a", "b"), op, target, bulk.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.False(t, target.isInFlight("b"))
}

func TestRun_CancelledBetweenItems(t *testing.T) {
	t.Parallel()

	processed := 0
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		processed++
		return patch{}, nil
	})

	sum, err := bulk.Run(context.Background(), items("a", "b", "c"), op, newMemTarget(), bulk.Options{
		Cancelled: func() bool { return processed >= 2 },
	})
	require.ErrorIs(t, err, bulk.ErrCancelled)
	assert.Equal(t, bulk.OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 2, processed)
}

func TestRun_ContextCancelStopsBetweenItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := newMemTarget()
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		cancel()
		return patch{Score: 5}, nil
	})

	sum, err := bulk.Run(ctx, items("a", "b"), op, target, bulk.Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, bulk.OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 5, target.scores["a"])
	assert.False(t, target.isInFlight("a"))
	_, bTouched := target.inFlight["b"]
	assert.False(t, bTouched)
}

func TestRun_ContextCancelDuringApplyLeavesItemUnprocessed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := newMemTarget()
	started := make(chan struct{})
	op := core.OperationFunc[item, patch](func(ctx context.Context, it item) (patch, error) {
		if it.ID == "a" {
			return patch{Score: 1}, nil
		}
		close(started)
		<-ctx.Done()
		return patch{}, fmt.Errorf("upstream call: %w", ctx.Err())
	})
	go func() {
		<-started
		cancel()
	}()

	var itemErrs []bulk.Failure
	var last bulk.Progress
	sum, err := bulk.Run(ctx, items("a", "b", "c"), op, target, bulk.Options{
		OnProgress:  func(p bulk.Progress) { last = p },
		OnItemError: func(f bulk.Failure) { itemErrs = append(itemErrs, f) },
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, bulk.OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.Empty(t, sum.Failures)
	assert.Empty(t, itemErrs)
	assert.Equal(t, 1, last.Completed)
	assert.Zero(t, last.Failed)
	assert.False(t, target.isInFlight("b"))
	_, cTouched := target.inFlight["c"]
	assert.False(t, cTouched)
}

func TestRun_RequestTimeoutFailsItemAsTransient(t *testing.T) {
	t.Parallel()

	op := core.OperationFunc[item, patch](func(ctx context.Context, in item) (patch, error) {
		if in.ID == "slow" {
			<-ctx.Done()
			return patch{}, ctx.Err()
		}
		return patch{}, nil
	})

	sum, err := bulk.Run(context.Background(), items("slow", "fast"), op, newMemTarget(), bulk.Options{
		RequestTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, bulk.OutcomeCompleted, sum.Outcome)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "slow", sum.Failures[0].ID)
	assert.True(t, sum.Failures[0].Transient)
	assert.Equal(t, 1, sum.Succeeded)
}

func TestRun_RateLimitKeepsOrder(t *testing.T) {
	t.Parallel()

	var order []string
	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		order = append(order, in.ID)
		return patch{}, nil
	})

	_, err := bulk.Run(context.Background(), items("c", "a", "b"), op, newMemTarget(), bulk.Options{
		RateLimitRPS: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestRun_FailureMessagesAreRedacted(t *testing.T) {
	t.Parallel()

	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		return patch{}, &core.TransientError{Err: errors.New("request failed: api_key=abc123 denied")}
	})

	sum, err := bulk.Run(context.Background(), items("a"), op, newMemTarget(), bulk.Options{})
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.NotContains(t, sum.Failures[0].Err.Error(), "abc123")
	assert.True(t, sum.Failures[0].Transient)
}

func TestRun_MergeErrorsAreRedacted(t *testing.T) {
	t.Parallel()

	base := errors.New("write lead: postgres://app:hunter2@db/leads refused")
	target := newMemTarget()
	target.mergeErr["a"] = base
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		return patch{Score: 10}, nil
	})

	sum, err := bulk.Run(context.Background(), items("a"), op, target, bulk.Options{})
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.NotContains(t, sum.Failures[0].Err.Error(), "hunter2")
	assert.ErrorIs(t, sum.Failures[0].Err, base)
	assert.False(t, sum.Failures[0].Transient)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := map[string]int{}
	op := core.OperationFunc[item, patch](func(_ context.Context, in item) (patch, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[in.ID]++
		switch {
		case in.ID == "flaky" && calls[in.ID] <= 2:
			return patch{}, &core.TransientError{Err: errors.New("try again")}
		case in.ID == "broken":
			return patch{}, errors.New("permanent")
		}
		return patch{Score: 1}, nil
	})

	target := newMemTarget()
	sum, err := bulk.Run(context.Background(), items("flaky", "broken"), op, target, bulk.Options{
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "broken", sum.Failures[0].ID)
	assert.False(t, sum.Failures[0].Transient)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls["flaky"])
	assert.Equal(t, 1, calls["broken"])
	assert.Equal(t, []string{"flaky=true", "flaky=false", "broken=true", "broken=false"}, target.marks)
}

func TestRun_RespectsPerErrorRetryCap(t *testing.T) {
	t.Parallel()

	calls := 0
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		calls++
		return patch{}, &core.LimitedTransientError{Err: errors.New("cancelled upstream"), ExtraRetries: 1}
	})

	sum, err := bulk.Run(context.Background(), items("a"), op, newMemTarget(), bulk.Options{
		MaxRetries:     10,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.True(t, sum.Failures[0].Transient)
	assert.Equal(t, 2, calls)
}

func TestRun_ZeroRetriesTriesOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	op := core.OperationFunc[item, patch](func(context.Context, item) (patch, error) {
		calls++
		return patch{}, &core.TransientError{Err: errors.New("busy")}
	})

	sum, err := bulk.Run(context.Background(), items("a"), op, newMemTarget(), bulk.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, calls)
}
