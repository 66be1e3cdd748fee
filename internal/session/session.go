// Package session keeps the server-side working sets of leads and runs their bulk
// operations in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrRunInProgress = errors.New("a run is already in progress for this session")
	ErrBusy          = errors.New("too many runs in progress, try again later")
	ErrClosed        = errors.New("session manager is closed")
)

// BulkFunc runs one bulk operation over the session's leads.
type BulkFunc func(ctx context.Context, hooks app.Hooks) (app.BulkResult, error)

// Session is one owner's working set of leads.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	leads   *lead.Collection
	tracker *bulk.Tracker
	pool    *ants.Pool
	baseCtx context.Context
	logger  *slog.Logger

	// busy covers both single-lead operations and bulk runs.
	busy      atomic.Bool
	cancelled atomic.Bool
	lastUsed  atomic.Int64

	mu      sync.Mutex
	kind    app.Kind
	message *app.Message
	runErr  string
}

func (s *Session) Leads() *lead.Collection { return s.leads }

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

func (s *Session) idleSince(cutoff time.Time) bool {
	return s.lastUsed.Load() < cutoff.UnixNano()
}

// Do runs fn unless a run is in progress on the session.
func (s *Session) Do(fn func() error) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer s.busy.Store(false)
	return fn()
}

// StartBulk submits run to the pool. It returns immediately; progress is read with
// Status.
func (s *Session) StartBulk(kind app.Kind, pending int, run BulkFunc) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	s.mu.Lock()
	// Reset before Begin: a Cancel that sees the run as active must stick.
	s.cancelled.Store(false)
	if !s.tracker.Begin(kind.Action(), pending) {
		s.mu.Unlock()
		s.busy.Store(false)
		return ErrRunInProgress
	}
	s.kind = kind
	s.message = nil
	s.runErr = ""
	s.mu.Unlock()

	err := s.pool.Submit(func() {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("bulk run panicked", "session", s.ID, "panic", fmt.Sprint(p))
				s.finish(app.BulkResult{}, fmt.Errorf("bulk run panicked: %v", p))
			}
		}()
		res, err := run(s.baseCtx, app.Hooks{
			OnProgress: s.tracker.Update,
			Cancelled:  s.cancelled.Load,
		})
		s.finish(res, err)
	})
	if err != nil {
		s.mu.Lock()
		s.tracker.Abort()
		s.mu.Unlock()
		s.busy.Store(false)
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrBusy
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrClosed
		}
		return err
	}
	s.logger.Info("bulk run submitted", "session", s.ID, "action", kind.Action(), "pending", pending)
	return nil
}

// finish publishes the outcome and frees the session in one step, so a reader that sees
// the completed state can start the next run.
func (s *Session) finish(res app.BulkResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := res.Message
	s.message = &msg
	if err != nil && res.Summary.Outcome != bulk.OutcomeCancelled {
		s.runErr = err.Error()
		s.message = &app.Message{Title: s.kind.Action() + " Failed", Description: err.Error(), Error: true}
	}
	s.tracker.Finish(res.Summary)
	s.busy.Store(false)
}

// Cancel asks the active run to stop before its next item. It reports whether a run
// was active.
func (s *Session) Cancel() bool {
	if !s.tracker.Running() {
		return false
	}
	s.cancelled.Store(true)
	return true
}

// Running reports whether a bulk run is active.
func (s *Session) Running() bool { return s.tracker.Running() }

// FailureView is a failed item as reported to clients.
type FailureView struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Transient bool   `json:"transient"`
}

// Status is a point-in-time view of the session's latest run.
type Status struct {
	State     bulk.State    `json:"state"`
	Action    string        `json:"action,omitempty"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Percent   int           `json:"percent"`
	Outcome   bulk.Outcome  `json:"outcome,omitempty"`
	Failures  []FailureView `json:"failures,omitempty"`
	Message   *app.Message  `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.tracker.Snapshot()
	st := Status{
		State:     snap.State,
		Action:    snap.Progress.Action,
		Total:     snap.Progress.Total,
		Completed: snap.Progress.Completed,
		Succeeded: snap.Progress.Succeeded,
		Failed:    snap.Progress.Failed,
		Percent:   snap.Progress.Percent(),
	}
	if sum := snap.Summary; sum != nil {
		st.Outcome = sum.Outcome
		for _, f := range sum.Failures {
			st.Failures = append(st.Failures, FailureView{ID: f.ID, Error: f.Err.Error(), Transient: f.Transient})
		}
		if s.message != nil {
			msg := *s.message
			st.Message = &msg
		}
		st.Error = s.runErr
	}
	return st
}
