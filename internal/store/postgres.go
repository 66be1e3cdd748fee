package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type leadRow struct {
	bun.BaseModel `bun:"table:leads,alias:l"`

	OwnerID   string    `bun:"owner_id,pk"`
	LeadID    string    `bun:"lead_id,pk"`
	Doc       lead.Lead `bun:"doc,type:jsonb,notnull"`
	SavedAt   time.Time `bun:"saved_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type topLeadsRow struct {
	bun.BaseModel `bun:"table:top_leads,alias:t"`

	OwnerID    string      `bun:"owner_id,pk"`
	SnapshotID string      `bun:"snapshot_id,pk"`
	Leads      []lead.Lead `bun:"leads,type:jsonb,notnull"`
	CreatedAt  time.Time   `bun:"created_at,notnull"`
}

// PostgresStore keeps leads as JSONB documents keyed by owner and lead ID.
type PostgresStore struct {
	db *bun.DB
}

var _ Repository = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connectionString string) (*PostgresStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connectionString)))

	db := bun.NewDB(sqldb, pgdialect.New())

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	store := &PostgresStore{db: db}

	if err := store.InitializeDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) InitializeDatabase(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*leadRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create leads table: %w", err)
	}

	_, err = s.db.NewCreateTable().
		Model((*topLeadsRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create top_leads table: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*leadRow)(nil)).
		Index("idx_leads_owner_saved_at").
		Column("owner_id", "saved_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create saved_at index: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*topLeadsRow)(nil)).
		Index("idx_top_leads_owner_created_at").
		Column("owner_id", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, owner string, leads []lead.Lead, top *TopLeads, now time.Time) error {
	if err := validateBatch(owner, leads); err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(leads) > 0 {
			if err := upsertLeads(ctx, tx, owner, leads, now); err != nil {
				return err
			}
		}
		if top != nil {
			row := &topLeadsRow{
				OwnerID:    owner,
				SnapshotID: top.ID,
				Leads:      top.Leads,
				CreatedAt:  top.CreatedAt.UTC(),
			}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("failed to insert top leads: %w", err)
			}
		}
		return nil
	})
}

func upsertLeads(ctx context.Context, tx bun.Tx, owner string, leads []lead.Lead, now time.Time) error {
	var current []leadRow
	err := tx.NewSelect().
		Model(&current).
		Where("owner_id = ?", owner).
		Where("lead_id IN (?)", bun.In(lead.IDs(leads))).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing leads: %w", err)
	}
	existing := make(map[string]lead.Lead, len(current))
	for _, r := range current {
		existing[r.LeadID] = r.Doc
	}

	merged := mergeBatch(existing, leads, now)
	rows := make([]leadRow, len(merged))
	for i, l := range merged {
		rows[i] = leadRow{
			OwnerID:   owner,
			LeadID:    l.ID,
			Doc:       l,
			SavedAt:   l.SavedAt,
			UpdatedAt: l.UpdatedAt,
		}
	}

	_, err = tx.NewInsert().
		Model(&rows).
		On("CONFLICT (owner_id, lead_id) DO UPDATE").
		Set("doc = EXCLUDED.doc").
		Set("saved_at = EXCLUDED.saved_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert leads: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, owner string) ([]lead.Lead, error) {
	var rows []leadRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", owner).
		Order("saved_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	out := make([]lead.Lead, len(rows))
	for i, r := range rows {
		out[i] = r.Doc
	}
	return out, nil
}

func (s *PostgresStore) ListTopLeads(ctx context.Context, owner string, limit int) ([]TopLeads, error) {
	var rows []topLeadsRow
	q := s.db.NewSelect().
		Model(&rows).
		Where("owner_id = ?", owner).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list top leads: %w", err)
	}
	out := make([]TopLeads, len(rows))
	for i, r := range rows {
		out[i] = TopLeads{ID: r.SnapshotID, Leads: r.Leads, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
