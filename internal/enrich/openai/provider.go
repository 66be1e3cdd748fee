package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Provider implements the leadgen flows on any OpenAI-compatible chat API in JSON mode.
type Provider struct {
	client llms.Model
	model  string
	logger *slog.Logger
}

var _ enrich.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("OPENAI_MODEL is required")
	}
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		// Local OpenAI-compatible services usually ignore the token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return newWithModel(client, model), nil
}

func newWithModel(client llms.Model, model string) *Provider {
	return &Provider{
		client: client,
		model:  model,
		logger: slog.Default().With("component", "openai-provider"),
	}
}

func (p *Provider) Model() string { return p.model }

const systemPrompt = "You are a careful business research assistant. Always answer with a single valid JSON object and nothing else."

type searchResponse struct {
	Leads []enrich.Candidate `json:"leads"`
}

func (p *Provider) SearchLeads(ctx context.Context, in enrich.SearchInput) ([]enrich.Candidate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := p.generate(ctx, enrich.SearchPrompt(in), &parsed); err != nil {
		return nil, err
	}
	return parsed.Leads, nil
}

type enrichResponse struct {
	lead.Enrichment
	EmployeesCount *float64 `json:"employeesCount,omitempty"`
	YearFounded    *float64 `json:"yearFounded,omitempty"`
}

func (p *Provider) EnrichLead(ctx context.Context, in enrich.EnrichInput) (lead.Enrichment, error) {
	if strings.TrimSpace(in.Name) == "" && strings.TrimSpace(in.Company) == "" {
		return lead.Enrichment{}, errors.New("empty lead name")
	}
	var parsed enrichResponse
	if err := p.generate(ctx, enrich.EnrichPrompt(in), &parsed); err != nil {
		return lead.Enrichment{}, err
	}
	out := parsed.Enrichment
	out.EmployeesCount = positiveInt(parsed.EmployeesCount)
	out.YearFounded = positiveInt(parsed.YearFounded)
	return out, nil
}

type scoreResponse struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

func (p *Provider) ScoreLead(ctx context.Context, in enrich.ScoreInput) (enrich.ScoreResult, error) {
	var parsed scoreResponse
	if err := p.generate(ctx, enrich.ScorePrompt(in), &parsed); err != nil {
		return enrich.ScoreResult{}, err
	}
	return enrich.ScoreResult{Score: parsed.Score, Reason: strings.TrimSpace(parsed.Reason)}, nil
}

func (p *Provider) GenerateEmailCopy(ctx context.Context, in enrich.EmailCopyInput) (enrich.EmailCopy, error) {
	var parsed enrich.EmailCopy
	if err := p.generate(ctx, enrich.EmailCopyPrompt(in), &parsed); err != nil {
		return enrich.EmailCopy{}, err
	}
	parsed.Subject = strings.TrimSpace(parsed.Subject)
	parsed.Body = strings.TrimSpace(parsed.Body)
	return parsed, nil
}

func (p *Provider) generate(ctx context.Context, prompt string, out any) error {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}

	resp, err := p.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
	if err != nil {
		return classifyErr(err)
	}
	if len(resp.Choices) < 1 {
		return errors.New("openai: no choices returned")
	}

	text := stripFences(resp.Choices[0].Content)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		p.logger.Debug("unparseable response", "model", p.model, "err", err)
		return fmt.Errorf("openai: parse json response: %w", err)
	}
	return nil
}

var statusCode = regexp.MustCompile(`status code:? (\d{3})`)

func classifyErr(err error) error {
	if m := statusCode.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		if code == 429 || code/100 == 5 {
			return &enrich.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &enrich.TransientError{Err: err}
	}
	return err
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func positiveInt(v *float64) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	n := int(*v + 0.5)
	return &n
}
