package bulk

import (
	"math"
	"sync"
)

// Progress is the aggregate state of a run after the latest completed item.
type Progress struct {
	Action    string `json:"action"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Percent returns round(Completed/Total*100), or 0 for an empty run.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
}

// State is the lifecycle of a run as seen by observers.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// Snapshot is a point-in-time copy of a Tracker.
type Snapshot struct {
	State    State
	Progress Progress
	Summary  *Summary
}

// Tracker holds the latest progress of one run so other goroutines can read it while
// the run goroutine writes it.
type Tracker struct {
	mu       sync.Mutex
	state    State
	progress Progress
	summary  *Summary
}

func NewTracker() *Tracker {
	return &Tracker{state: StateIdle}
}

// Begin moves the tracker to running and clears the previous run's result.
// It reports false when a run is already in progress.
func (t *Tracker) Begin(action string, total int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		return false
	}
	t.state = StateRunning
	t.progress = Progress{Action: action, Total: total}
	t.summary = nil
	return true
}

// Update is shaped to be passed as Options.OnProgress.
func (t *Tracker) Update(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Completed < t.progress.Completed {
		return
	}
	t.progress = p
}

// Finish records the summary and moves the tracker to completed.
func (t *Tracker) Finish(s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateCompleted
	t.summary = &s
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{State: t.state, Progress: t.progress}
	if t.summary != nil {
		s := *t.summary
		snap.Summary = &s
	}
	return snap
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateRunning
}

// Abort moves a begun tracker back to idle when its run could not be started.
func (t *Tracker) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return
	}
	t.state = StateIdle
	t.progress = Progress{}
}
