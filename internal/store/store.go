package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
)

var (
	ErrUnauthenticated = errors.New("User is not authenticated.")
	ErrEmptySelection  = errors.New("no leads selected")
)

// TopLeadsLimit is how many leads a smart selection keeps and how many snapshots reads return.
const TopLeadsLimit = 5

// TopLeads is a snapshot of the best leads at the time they were saved.
type TopLeads struct {
	ID        string      `json:"id"`
	Leads     []lead.Lead `json:"leads"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewTopLeads builds a snapshot keyed by its creation time.
func NewTopLeads(leads []lead.Lead, now time.Time) TopLeads {
	out := make([]lead.Lead, len(leads))
	for i, l := range leads {
		out[i] = l.Stripped()
	}
	return TopLeads{
		ID:        fmt.Sprintf("top-%d", now.UnixNano()),
		Leads:     out,
		CreatedAt: now,
	}
}

// Repository persists leads per owner.
type Repository interface {
	// SaveBatch merge-upserts leads and, when top is non-nil, stores the snapshot. Both
	// writes commit together or not at all.
	SaveBatch(ctx context.Context, owner string, leads []lead.Lead, top *TopLeads, now time.Time) error
	// ListLeads returns the owner's leads, most recently saved first.
	ListLeads(ctx context.Context, owner string) ([]lead.Lead, error)
	// ListTopLeads returns up to limit snapshots, newest first.
	ListTopLeads(ctx context.Context, owner string, limit int) ([]TopLeads, error)
	Close() error
}

// UpsertLeads merge-upserts leads without a snapshot.
func UpsertLeads(ctx context.Context, r Repository, owner string, leads []lead.Lead, now time.Time) error {
	return r.SaveBatch(ctx, owner, leads, nil, now)
}

// InsertTopLeads stores a snapshot on its own.
func InsertTopLeads(ctx context.Context, r Repository, owner string, snap TopLeads) error {
	return r.SaveBatch(ctx, owner, nil, &snap, snap.CreatedAt)
}

// mergeBatch folds incoming leads onto what is already stored. Transient flags are
// dropped, SavedAt is kept once set, and UpdatedAt is always now. The result keeps the
// first-seen order of incoming IDs, with later duplicates merged into earlier ones.
func mergeBatch(existing map[string]lead.Lead, incoming []lead.Lead, now time.Time) []lead.Lead {
	now = now.UTC()
	merged := make(map[string]lead.Lead, len(incoming))
	var order []string
	for _, in := range incoming {
		in = in.Stripped()
		cur, seen := merged[in.ID]
		if !seen {
			order = append(order, in.ID)
			if prev, ok := existing[in.ID]; ok {
				cur = prev.Stripped()
				seen = true
			}
		}
		var next lead.Lead
		if seen {
			next = cur.Overlay(in)
			if !cur.SavedAt.IsZero() {
				next.SavedAt = cur.SavedAt
			}
		} else {
			next = in
		}
		if next.SavedAt.IsZero() {
			next.SavedAt = now
		}
		next.UpdatedAt = now
		merged[in.ID] = next
	}
	out := make([]lead.Lead, len(order))
	for i, id := range order {
		out[i] = merged[id]
	}
	return out
}

func validateBatch(owner string, leads []lead.Lead) error {
	if owner == "" {
		return ErrUnauthenticated
	}
	for i, l := range leads {
		if l.ID == "" {
			return fmt.Errorf("lead at index %d has no id", i)
		}
	}
	return nil
}
