package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
)

var (
	ErrInvalidSearch = errors.New("invalid search")
	ErrMissingRubric = errors.New("scoring rubric is required")
)

// DefaultRubric is used when the caller does not supply a scoring prompt.
const DefaultRubric = "Score this lead based on its potential value as a customer. " +
	"Consider factors like company size, industry, and online presence. " +
	"A higher score means a better potential lead."

// SearchInput describes a lead search.
type SearchInput struct {
	Industries []string `json:"industries"`
	Location   string   `json:"location"`
}

// Normalized trims every value and drops empty industries.
func (in SearchInput) Normalized() SearchInput {
	out := SearchInput{Location: strings.TrimSpace(in.Location)}
	for _, ind := range in.Industries {
		if ind = strings.TrimSpace(ind); ind != "" {
			out.Industries = append(out.Industries, ind)
		}
	}
	return out
}

func (in SearchInput) Validate() error {
	n := in.Normalized()
	if len(n.Industries) == 0 {
		return fmt.Errorf("%w: at least one industry is required", ErrInvalidSearch)
	}
	if len([]rune(n.Location)) < 2 {
		return fmt.Errorf("%w: location must be at least 2 characters", ErrInvalidSearch)
	}
	return nil
}

// Candidate is one business returned by a search, before it becomes a lead.
type Candidate struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`
}

type Searcher interface {
	SearchLeads(ctx context.Context, in SearchInput) ([]Candidate, error)
}

// EnrichInput is what an enrichment flow knows about a lead up front.
type EnrichInput struct {
	Name     string
	Company  string
	Location string
	Website  string
}

type Enricher interface {
	EnrichLead(ctx context.Context, in EnrichInput) (lead.Enrichment, error)
}

type ScoreInput struct {
	LeadDetails string
	Rubric      string
}

// ScoreResult is the raw scorer output. Score is not yet clamped.
type ScoreResult struct {
	Score  float64
	Reason string
}

type Scorer interface {
	ScoreLead(ctx context.Context, in ScoreInput) (ScoreResult, error)
}

type EmailCopyInput struct {
	LeadDetails string `json:"leadDetails"`
	Goal        string `json:"goal"`
}

type EmailCopy struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Copywriter interface {
	GenerateEmailCopy(ctx context.Context, in EmailCopyInput) (EmailCopy, error)
}

// Provider implements every AI flow the application uses.
type Provider interface {
	Searcher
	Enricher
	Scorer
	Copywriter
}

// TransientError marks provider errors caused by rate limits or upstream outages.
type TransientError = core.TransientError

// Leads turns search candidates into leads with fresh IDs. Nameless candidates are dropped.
func Leads(cands []Candidate) []lead.Lead {
	out := make([]lead.Lead, 0, len(cands))
	for _, c := range cands {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		out = append(out, lead.New(
			name,
			strings.TrimSpace(c.Address),
			strings.TrimSpace(c.Phone),
			strings.TrimSpace(c.Website),
		))
	}
	return out
}
