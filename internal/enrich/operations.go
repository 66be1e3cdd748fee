package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/core"
)

var (
	_ core.Operation[lead.Lead, lead.Patch] = EnrichOperation{}
	_ core.Operation[lead.Lead, lead.Patch] = ScoreOperation{}
)

// EnrichOperation fills in company and owner details for one lead.
type EnrichOperation struct {
	Enricher Enricher
}

func (o EnrichOperation) Apply(ctx context.Context, l lead.Lead) (lead.Patch, error) {
	if o.Enricher == nil {
		return lead.Patch{}, errors.New("enrich: no enricher configured")
	}
	e, err := o.Enricher.EnrichLead(ctx, EnrichInputFor(l))
	if err != nil {
		return lead.Patch{}, err
	}
	return lead.Patch{Enrichment: &e}, nil
}

// EnrichInputFor maps a lead to the enrichment flow input.
func EnrichInputFor(l lead.Lead) EnrichInput {
	return EnrichInput{
		Name:     l.Name,
		Company:  l.Company(),
		Location: l.Address,
		Website:  l.Website,
	}
}

// ScoreOperation rates one lead against a rubric.
type ScoreOperation struct {
	Scorer Scorer
	Rubric string
}

func (o ScoreOperation) Apply(ctx context.Context, l lead.Lead) (lead.Patch, error) {
	rubric := strings.TrimSpace(o.Rubric)
	if rubric == "" {
		return lead.Patch{}, ErrMissingRubric
	}
	if o.Scorer == nil {
		return lead.Patch{}, errors.New("score: no scorer configured")
	}
	details, err := LeadDetails(l)
	if err != nil {
		return lead.Patch{}, err
	}
	res, err := o.Scorer.ScoreLead(ctx, ScoreInput{LeadDetails: details, Rubric: rubric})
	if err != nil {
		return lead.Patch{}, err
	}
	score := ClampScore(res.Score)
	reason := strings.TrimSpace(res.Reason)
	return lead.Patch{Score: &score, ScoreReason: &reason}, nil
}

type leadDetails struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	Website         string `json:"website"`
	Email           string `json:"email"`
	Industry        string `json:"industry"`
	LinkedInProfile string `json:"linkedInProfile"`
}

// LeadDetails renders the subset of a lead shown to scoring and copywriting prompts.
func LeadDetails(l lead.Lead) (string, error) {
	b, err := json.MarshalIndent(leadDetails{
		Name:            l.Name,
		Address:         l.Address,
		Phone:           l.Phone,
		Website:         l.Website,
		Email:           l.OwnerEmail,
		Industry:        l.Industry,
		LinkedInProfile: l.CompanyLinkedIn,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type composerDetails struct {
	Name      string `json:"name"`
	Company   string `json:"company"`
	Industry  string `json:"industry"`
	OwnerName string `json:"ownerName"`
}

// ComposerDetails renders the lead fields an outreach email is personalized with.
func ComposerDetails(l lead.Lead) (string, error) {
	b, err := json.Marshal(composerDetails{
		Name:      l.Name,
		Company:   l.Company(),
		Industry:  l.Industry,
		OwnerName: strings.TrimSpace(l.OwnerFirstName + " " + l.OwnerLastName),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ClampScore rounds a raw score into 0..100. NaN maps to 0.
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}
