package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
)

// SaveResult is the boundary outcome of a save. Failures are values, never panics.
type SaveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type LeadsResult struct {
	Leads []lead.Lead `json:"leads"`
	Error string      `json:"error,omitempty"`
}

type TopResult struct {
	Snapshots []TopLeads `json:"snapshots"`
	Error     string     `json:"error,omitempty"`
}

// Service applies the persistence preconditions before touching the repository.
type Service struct {
	repo   Repository
	now    func() time.Time
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		now:    time.Now,
		logger: logger.With("component", "store"),
	}
}

// Save persists the selected leads and, when top is non-empty, a snapshot of it.
func (s *Service) Save(ctx context.Context, owner string, leads []lead.Lead, top []lead.Lead) SaveResult {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return failed(ErrUnauthenticated)
	}
	if len(leads) == 0 {
		return failed(ErrEmptySelection)
	}

	now := s.now()
	var snap *TopLeads
	if len(top) > 0 {
		t := NewTopLeads(top, now)
		snap = &t
	}
	if err := s.repo.SaveBatch(ctx, owner, leads, snap, now); err != nil {
		s.logger.Error("save leads failed", "owner", owner, "count", len(leads), "err", redact.Secrets(err.Error()))
		return failed(err)
	}
	s.logger.Info("saved leads", "owner", owner, "count", len(leads), "snapshot", snap != nil)
	return SaveResult{Success: true}
}

// SaveOne persists a single lead, e.g. after a dashboard enrich.
func (s *Service) SaveOne(ctx context.Context, owner string, l lead.Lead) SaveResult {
	return s.Save(ctx, owner, []lead.Lead{l}, nil)
}

func (s *Service) Saved(ctx context.Context, owner string) LeadsResult {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return LeadsResult{Error: ErrUnauthenticated.Error()}
	}
	leads, err := s.repo.ListLeads(ctx, owner)
	if err != nil {
		s.logger.Error("list leads failed", "owner", owner, "err", redact.Secrets(err.Error()))
		return LeadsResult{Error: redact.Secrets(err.Error())}
	}
	if leads == nil {
		leads = []lead.Lead{}
	}
	return LeadsResult{Leads: leads}
}

func (s *Service) Top(ctx context.Context, owner string) TopResult {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return TopResult{Error: ErrUnauthenticated.Error()}
	}
	snaps, err := s.repo.ListTopLeads(ctx, owner, TopLeadsLimit)
	if err != nil {
		s.logger.Error("list top leads failed", "owner", owner, "err", redact.Secrets(err.Error()))
		return TopResult{Error: redact.Secrets(err.Error())}
	}
	if snaps == nil {
		snaps = []TopLeads{}
	}
	return TopResult{Snapshots: snaps}
}

// Close releases the repository.
func (s *Service) Close() error {
	return s.repo.Close()
}

func failed(err error) SaveResult {
	msg := "unknown error"
	if err != nil {
		msg = redact.Secrets(err.Error())
	}
	return SaveResult{Success: false, Error: msg}
}
