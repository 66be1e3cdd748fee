package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
)

// Manager owns the sessions of every owner and the pool their bulk runs share.
type Manager struct {
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	now    func() time.Time

	idleTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIdleTTL drops sessions that have not been looked up for ttl and have no active
// run. Zero keeps sessions until they are deleted.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.idleTTL = max(ttl, 0)
	}
}

// NewManager creates a manager whose pool runs at most poolSize bulk runs at once.
// Submitting beyond that fails with ErrBusy instead of queueing.
func NewManager(poolSize int, opts ...Option) (*Manager, error) {
	if poolSize < 1 {
		poolSize = max(runtime.NumCPU()/2, 1)
	}
	m := &Manager{
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")

	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	m.pool = pool
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.idleTTL > 0 {
		go m.sweepLoop(max(m.idleTTL/2, 10*time.Millisecond))
	}
	return m, nil
}

// Create starts a session for owner holding leads.
func (m *Manager) Create(owner string, leads []lead.Lead) (*Session, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("create session: empty owner")
	}
	c, err := lead.NewCollection(leads...)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}

	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: m.now().UTC(),
		leads:     c,
		tracker:   bulk.NewTracker(),
		pool:      m.pool,
		baseCtx:   m.ctx,
		logger:    m.logger,
	}
	s.touch(m.now())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Info("session created", "session", s.ID, "owner", owner, "leads", c.Len())
	return s, nil
}

// Get returns the owner's session. Another owner's session is reported as not found.
func (m *Manager) Get(owner, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.Owner != strings.TrimSpace(owner) {
		return nil, ErrNotFound
	}
	s.touch(m.now())
	return s, nil
}

// Delete drops a session that has no active run.
func (m *Manager) Delete(owner, id string) error {
	s, err := m.Get(owner, id)
	if err != nil {
		return err
	}
	if s.Running() {
		return ErrRunInProgress
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops every session idle for longer than the idle TTL that is not busy, and
// returns how many it dropped.
func (m *Manager) Sweep() int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, s := range m.sessions {
		if s.busy.Load() || s.Running() || !s.idleSince(cutoff) {
			continue
		}
		delete(m.sessions, id)
		dropped++
		m.logger.Info("session expired", "session", id, "owner", s.Owner)
	}
	return dropped
}

func (m *Manager) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Close cancels active runs and the sweeper, then waits up to timeout for runs to stop.
func (m *Manager) Close(timeout time.Duration) error {
	m.cancel()
	if timeout <= 0 {
		m.pool.Release()
		return nil
	}
	if err := m.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("release run pool: %w", err)
	}
	return nil
}
