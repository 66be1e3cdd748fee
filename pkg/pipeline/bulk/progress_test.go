package bulk_test

import (
	"testing"

	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, bulk.Progress{}.Percent())
	assert.Equal(t, 33, bulk.Progress{Total: 3, Completed: 1}.Percent())
	assert.Equal(t, 67, bulk.Progress{Total: 3, Completed: 2}.Percent())
	assert.Equal(t, 100, bulk.Progress{Total: 3, Completed: 3}.Percent())
}

func TestTrackerLifecycle(t *testing.T) {
	tr := bulk.NewTracker()
	assert.Equal(t, bulk.StateIdle, tr.Snapshot().State)

	require.True(t, tr.Begin("Scoring", 2))
	assert.False(t, tr.Begin("Scoring", 2), "second begin while running")
	assert.True(t, tr.Running())

	tr.Update(bulk.Progress{Action: "Scoring", Total: 2, Completed: 1, Succeeded: 1})
	tr.Update(bulk.Progress{Action: "Scoring", Total: 2, Completed: 0})
	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.Progress.Completed, "stale update ignored")
	assert.Nil(t, snap.Summary)

	tr.Finish(bulk.Summary{Outcome: bulk.OutcomeCompleted, Total: 2, Succeeded: 2})
	snap = tr.Snapshot()
	assert.Equal(t, bulk.StateCompleted, snap.State)
	require.NotNil(t, snap.Summary)
	assert.Equal(t, 2, snap.Summary.Succeeded)

	require.True(t, tr.Begin("Enriching", 5))
	assert.Nil(t, tr.Snapshot().Summary, "begin clears the previous result")
}

func TestTrackerAbort(t *testing.T) {
	tr := bulk.NewTracker()
	require.True(t, tr.Begin("Enriching", 4))
	tr.Abort()
	snap := tr.Snapshot()
	assert.Equal(t, bulk.StateIdle, snap.State)
	assert.Zero(t, snap.Progress.Total)
	assert.True(t, tr.Begin("Enriching", 4))
}
