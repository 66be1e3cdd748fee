package app

import (
	"cmp"
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
)

// DefaultEmailGoal is used when a draft request names no goal.
const DefaultEmailGoal = "Introduce our services and ask for a brief chat."

var ErrNoEmailAddress = errors.New("lead has no email address")

// EmailDraft is an outreach email ready to hand to a mail client.
type EmailDraft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Mailto  string `json:"mailto"`
}

// EmailCopy drafts outreach copy from caller-supplied lead details.
func (a *App) EmailCopy(ctx context.Context, in enrich.EmailCopyInput) (enrich.EmailCopy, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return enrich.EmailCopy{}, errors.New("email goal is required")
	}
	if a.provider == nil {
		return enrich.EmailCopy{}, errors.New("no AI provider configured")
	}
	return a.provider.GenerateEmailCopy(ctx, in)
}

// EmailCopyFor drafts an email to the lead's owner. A lead without an owner email is
// refused before any model call. Fields the model leaves empty keep the seeded draft.
func (a *App) EmailCopyFor(ctx context.Context, l lead.Lead, goal string) (EmailDraft, Message, error) {
	to := strings.TrimSpace(l.OwnerEmail)
	if to == "" {
		return EmailDraft{}, Message{
			Title:       "No Email Address",
			Description: "This lead does not have an email address.",
			Error:       true,
		}, ErrNoEmailAddress
	}
	goal = cmp.Or(strings.TrimSpace(goal), DefaultEmailGoal)
	draft := seedDraft(l, to)
	failed := Message{Title: "Generation Failed", Description: "Could not generate email copy.", Error: true}

	details, err := enrich.ComposerDetails(l)
	if err != nil {
		return draft, failed, err
	}
	out, err := a.EmailCopy(ctx, enrich.EmailCopyInput{LeadDetails: details, Goal: goal})
	if err != nil {
		a.logger.Warn("email copy failed", "lead", l.ID, "error", redact.Secrets(err.Error()))
		return draft, failed, err
	}
	draft.Subject = cmp.Or(strings.TrimSpace(out.Subject), draft.Subject)
	draft.Body = cmp.Or(strings.TrimSpace(out.Body), draft.Body)
	draft.Mailto = mailto(draft)
	return draft, Message{Title: "Email Generated", Description: "The email copy has been created by AI."}, nil
}

func seedDraft(l lead.Lead, to string) EmailDraft {
	d := EmailDraft{
		To:      to,
		Subject: "Following up with " + l.Company(),
		Body:    "Hi " + cmp.Or(strings.TrimSpace(l.OwnerFirstName), "there") + ",\n\n...",
	}
	d.Mailto = mailto(d)
	return d
}

// mailto percent-encodes spaces; mail clients do not decode '+'.
func mailto(d EmailDraft) string {
	esc := func(s string) string { return strings.ReplaceAll(url.QueryEscape(s), "+", "%20") }
	return "mailto:" + d.To + "?subject=" + esc(d.Subject) + "&body=" + esc(d.Body)
}

// SavedLead returns one of the owner's saved leads.
func (a *App) SavedLead(ctx context.Context, owner, id string) (lead.Lead, error) {
	res := a.SavedLeads(ctx, owner, "")
	if res.Error != "" {
		return lead.Lead{}, errors.New(res.Error)
	}
	for _, l := range res.Leads {
		if l.ID == id {
			return l, nil
		}
	}
	return lead.Lead{}, ErrLeadNotFound
}
