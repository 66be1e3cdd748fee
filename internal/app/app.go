package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
)

var ErrLeadNotFound = errors.New("lead not found")

// Kind selects one of the two bulk operations.
type Kind string

const (
	KindEnrich Kind = "enrich"
	KindScore  Kind = "score"
)

func (k Kind) Action() string {
	if k == KindScore {
		return "Scoring"
	}
	return "Enriching"
}

func (k Kind) Flag() lead.Flag {
	if k == KindScore {
		return lead.FlagScoring
	}
	return lead.FlagEnriching
}

// Pending selects the leads a bulk run of this kind still has to process.
func (k Kind) Pending() lead.Predicate {
	if k == KindScore {
		return lead.LacksScore
	}
	return lead.LacksOwnerEmail
}

// Message is a short user-facing notice about the outcome of an action.
type Message struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Error       bool   `json:"error,omitempty"`
}

// NothingToDo is the notice shown when a bulk run finds no pending leads.
func (k Kind) NothingToDo() Message {
	if k == KindScore {
		return Message{Title: "No Leads to Score", Description: "All leads have already been scored."}
	}
	return Message{Title: "No Leads to Enrich", Description: "All leads have already been enriched."}
}

// Starting is the notice shown when a bulk run begins.
func (k Kind) Starting(n int) Message {
	if k == KindScore {
		return Message{Title: "Starting Bulk Scoring", Description: fmt.Sprintf("Scoring %d leads...", n)}
	}
	return Message{Title: "Starting Bulk Enrichment", Description: fmt.Sprintf("Enriching %d leads...", n)}
}

func (k Kind) finished(s bulk.Summary) Message {
	title, verb := "Bulk Enrichment", "enriched"
	if k == KindScore {
		title, verb = "Bulk Scoring", "scored"
	}
	switch {
	case s.Outcome == bulk.OutcomeNothingToProcess:
		return k.NothingToDo()
	case s.Outcome == bulk.OutcomeCancelled:
		return Message{
			Title:       title + " Cancelled",
			Description: fmt.Sprintf("Stopped after %d of %d leads.", s.Processed(), s.Total),
		}
	case s.Failed == 0 && k == KindScore:
		return Message{Title: title + " Complete", Description: "All unscored leads have been scored."}
	case s.Failed == 0:
		return Message{Title: title + " Complete", Description: "All unprocessed leads have been enriched."}
	default:
		return Message{
			Title:       title + " Complete",
			Description: fmt.Sprintf("%d of %d leads %s. %d failed.", s.Succeeded, s.Total, verb, s.Failed),
		}
	}
}

type Config struct {
	// Rubric is the default scoring prompt.
	Rubric         string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	// MaxRetries is how many extra attempts a lead gets after a transient failure.
	MaxRetries     int
}

// App wires the AI flows, the bulk runner, and persistence together.
type App struct {
	provider enrich.Provider
	store    *store.Service
	cfg      Config
	logger   *slog.Logger
}

func New(provider enrich.Provider, svc *store.Service, cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Rubric) == "" {
		cfg.Rubric = enrich.DefaultRubric
	}
	return &App{
		provider: provider,
		store:    svc,
		cfg:      cfg,
		logger:   logger.With("component", "app"),
	}
}

func (a *App) Store() *store.Service { return a.store }

// DefaultRubric is the configured scoring prompt.
func (a *App) DefaultRubric() string { return a.cfg.Rubric }

// Hooks let callers observe and stop a bulk run.
type Hooks struct {
	OnProgress func(bulk.Progress)
	Cancelled  func() bool
}

// BulkResult is the summary of a bulk run plus its user-facing notice.
type BulkResult struct {
	Summary bulk.Summary
	Message Message
}

func (a *App) operation(kind Kind, rubric string) core.Operation[lead.Lead, lead.Patch] {
	if kind == KindScore {
		if strings.TrimSpace(rubric) == "" {
			rubric = a.cfg.Rubric
		}
		return enrich.ScoreOperation{Scorer: a.provider, Rubric: rubric}
	}
	return enrich.EnrichOperation{Enricher: a.provider}
}

// RunBulk processes every pending lead of c for kind, one at a time. An empty rubric
// falls back to the configured default.
func (a *App) RunBulk(ctx context.Context, kind Kind, c *lead.Collection, rubric string, hooks Hooks) (BulkResult, error) {
	items := c.Select(kind.Pending())
	runID := uuid.NewString()[:8]
	logger := a.logger.With("run", runID, "action", kind.Action())
	if len(items) == 0 {
		logger.Info("bulk run skipped", "reason", "nothing to process")
		return BulkResult{Summary: bulk.Summary{Outcome: bulk.OutcomeNothingToProcess}, Message: kind.NothingToDo()}, nil
	}

	logger.Info("bulk run started", "pending", len(items), "collection", c.Len())
	op := newTracedOperation(string(kind), a.operation(kind, rubric), logger, a.cfg.RequestTimeout)
	sum, err := bulk.Run(ctx, items, op, c.Target(kind.Flag()), bulk.Options{
		Action:     kind.Action(),
		OnProgress: hooks.OnProgress,
		OnItemError: func(f bulk.Failure) {
			logger.Warn("lead failed", "lead", f.ID, "transient", f.Transient, "error", f.Err.Error())
		},
		Cancelled:         hooks.Cancelled,
		RequestTimeout:    a.cfg.RequestTimeout,
		RateLimitRPS:      a.cfg.RateLimitRPS,
		MaxRetries:        a.cfg.MaxRetries,
		BackoffJitterFrac: 0.2,
	})
	if err != nil && sum.Outcome != bulk.OutcomeCancelled {
		logger.Error("bulk run rejected", "err", err)
		return BulkResult{}, err
	}

	logger.Info("bulk run finished",
		"outcome", sum.Outcome,
		"total", sum.Total,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	return BulkResult{Summary: sum, Message: kind.finished(sum)}, err
}

// EnrichAll enriches every lead that has no owner email yet.
func (a *App) EnrichAll(ctx context.Context, c *lead.Collection, hooks Hooks) (BulkResult, error) {
	return a.RunBulk(ctx, KindEnrich, c, "", hooks)
}

// ScoreAll scores every lead that has no score yet.
func (a *App) ScoreAll(ctx context.Context, c *lead.Collection, rubric string, hooks Hooks) (BulkResult, error) {
	return a.RunBulk(ctx, KindScore, c, rubric, hooks)
}

// EnrichOne enriches a single lead of c.
func (a *App) EnrichOne(ctx context.Context, c *lead.Collection, id string) (lead.Lead, Message, error) {
	l, ok := c.Get(id)
	if !ok {
		return lead.Lead{}, Message{Title: "Enrichment Failed", Description: "Lead not found.", Error: true}, ErrLeadNotFound
	}
	if err := a.runOne(ctx, KindEnrich, c, l, ""); err != nil {
		return l, Message{Title: "Enrichment Failed", Description: fmt.Sprintf("Could not enrich lead: %s.", l.Name), Error: true}, err
	}
	out, _ := c.Get(id)
	return out, Message{Title: "Lead Enriched", Description: fmt.Sprintf("%s has been successfully enriched.", l.Name)}, nil
}

// ScoreOne scores a single lead of c. The rubric is required.
func (a *App) ScoreOne(ctx context.Context, c *lead.Collection, id, rubric string) (lead.Lead, Message, error) {
	if strings.TrimSpace(rubric) == "" {
		return lead.Lead{}, Message{
			Title:       "Scoring Prompt Missing",
			Description: "Please provide a scoring prompt before scoring a lead.",
			Error:       true,
		}, enrich.ErrMissingRubric
	}
	l, ok := c.Get(id)
	if !ok {
		return lead.Lead{}, Message{Title: "Scoring Failed", Description: "Lead not found.", Error: true}, ErrLeadNotFound
	}
	if err := a.runOne(ctx, KindScore, c, l, rubric); err != nil {
		return l, Message{Title: "Scoring Failed", Description: fmt.Sprintf("Could not score lead: %s.", l.Name), Error: true}, err
	}
	out, _ := c.Get(id)
	score := 0
	if out.Score != nil {
		score = *out.Score
	}
	return out, Message{Title: "Lead Scored", Description: fmt.Sprintf("%s has been scored %d.", l.Name, score)}, nil
}

func (a *App) runOne(ctx context.Context, kind Kind, c *lead.Collection, l lead.Lead, rubric string) error {
	logger := a.logger.With("run", uuid.NewString()[:8], "action", kind.Action())
	op := newTracedOperation(string(kind), a.operation(kind, rubric), logger, a.cfg.RequestTimeout)
	sum, err := bulk.Run(ctx, []lead.Lead{l}, op, c.Target(kind.Flag()), bulk.Options{
		Action:            kind.Action(),
		RequestTimeout:    a.cfg.RequestTimeout,
		MaxRetries:        a.cfg.MaxRetries,
		BackoffJitterFrac: 0.2,
	})
	if err != nil {
		return err
	}
	return sum.Err()
}

// Search runs a lead search and returns fresh leads.
func (a *App) Search(ctx context.Context, in enrich.SearchInput) ([]lead.Lead, Message, error) {
	if err := in.Validate(); err != nil {
		return nil, Message{Title: "Invalid Search", Description: err.Error(), Error: true}, err
	}
	in = in.Normalized()
	logger := a.logger.With("action", "Searching")
	start := time.Now()
	cands, err := a.provider.SearchLeads(ctx, in)
	if err != nil {
		logger.Error("search failed", "industries", in.Industries, "location", in.Location, "error", redact.Secrets(err.Error()))
		return nil, Message{
			Title:       "Search Failed",
			Description: "An error occurred while searching for leads. Please try again later.",
			Error:       true,
		}, err
	}
	leads := enrich.Leads(cands)
	logger.Info("search finished", "industries", in.Industries, "location", in.Location, "leads", len(leads), "duration", time.Since(start).Round(time.Millisecond))
	if len(leads) == 0 {
		return leads, Message{Title: "No Results", Description: "The search did not return any leads. Try a different query."}, nil
	}
	return leads, Message{Title: "Search Complete", Description: fmt.Sprintf("Found %d leads.", len(leads))}, nil
}

// Selection names which leads of a working set to save.
type Selection struct {
	IDs         []string `json:"leadIds"`
	SmartSelect bool     `json:"smartSelect"`
}

// Save persists the selected leads of c and a snapshot of its top leads.
func (a *App) Save(ctx context.Context, owner string, c *lead.Collection, sel Selection) (store.SaveResult, Message) {
	if a.store == nil {
		return store.SaveResult{Error: "persistence is not configured"}, Message{Title: "Save Failed", Description: "persistence is not configured", Error: true}
	}
	sorted := lead.SortByScore(c.All())
	top := lead.TopN(sorted, store.TopLeadsLimit)

	var chosen []lead.Lead
	if sel.SmartSelect {
		chosen = top
	} else {
		want := make(map[string]struct{}, len(sel.IDs))
		for _, id := range sel.IDs {
			want[id] = struct{}{}
		}
		for _, l := range sorted {
			if _, ok := want[l.ID]; ok {
				chosen = append(chosen, l)
			}
		}
	}

	res := a.store.Save(ctx, owner, chosen, top)
	if !res.Success {
		return res, Message{Title: "Save Failed", Description: res.Error, Error: true}
	}
	return res, Message{Title: "Leads Saved!", Description: fmt.Sprintf("%d leads have been saved.", len(chosen))}
}

// SavedLeads returns the owner's saved leads, optionally filtered by industry.
func (a *App) SavedLeads(ctx context.Context, owner, industry string) store.LeadsResult {
	if a.store == nil {
		return store.LeadsResult{Error: "persistence is not configured"}
	}
	res := a.store.Saved(ctx, owner)
	if res.Error == "" && industry != "" {
		res.Leads = lead.Filter(res.Leads, lead.HasIndustry(industry))
		if res.Leads == nil {
			res.Leads = []lead.Lead{}
		}
	}
	return res
}

// EnrichSaved enriches one saved lead and writes it back. The transient flag is never
// persisted, and a failed write is reported in the result without undoing the enrichment.
func (a *App) EnrichSaved(ctx context.Context, owner, id string) (lead.Lead, store.SaveResult, Message, error) {
	saved := a.SavedLeads(ctx, owner, "")
	if saved.Error != "" {
		return lead.Lead{}, store.SaveResult{Error: saved.Error}, Message{Title: "Enrichment Failed", Description: saved.Error, Error: true}, errors.New(saved.Error)
	}
	c, err := lead.NewCollection(saved.Leads...)
	if err != nil {
		return lead.Lead{}, store.SaveResult{}, Message{Title: "Enrichment Failed", Description: err.Error(), Error: true}, err
	}
	updated, msg, err := a.EnrichOne(ctx, c, id)
	if err != nil {
		return updated, store.SaveResult{}, msg, err
	}
	res := a.store.SaveOne(ctx, owner, updated)
	if !res.Success {
		a.logger.Warn("enriched lead not persisted", "lead", id, "error", res.Error)
	}
	return updated, res, msg, nil
}
