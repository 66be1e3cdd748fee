package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"google.golang.org/genai"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// CaptureAudit records grounding sources into the enrichment Source field.
	CaptureAudit bool

	// DisableTools turns off Google Search and URL context grounding.
	DisableTools bool
}

// Provider implements every leadgen flow on Gemini structured output.
type Provider struct {
	client       *genai.Client
	model        string
	captureAudit bool
	tools        []*genai.Tool
}

var _ enrich.Provider = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		client:       client,
		model:        strings.TrimSpace(cfg.Model),
		captureAudit: cfg.CaptureAudit,
	}
	if !cfg.DisableTools {
		p.tools = []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
			{URLContext: &genai.URLContext{}},
		}
	}
	return p, nil
}

func (p *Provider) Model() string { return p.model }

var searchSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"leads": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":    {Type: genai.TypeString},
					"address": {Type: genai.TypeString},
					"phone":   {Type: genai.TypeString},
					"website": {Type: genai.TypeString},
				},
				Required: []string{"name", "address"},
			},
		},
	},
	Required: []string{"leads"},
}

var enrichSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"website":                {Type: genai.TypeString},
		"industry":               {Type: genai.TypeString},
		"productServiceCategory": {Type: genai.TypeString},
		"businessType":           {Type: genai.TypeString},
		"employeesCount":         {Type: genai.TypeNumber},
		"revenue":                {Type: genai.TypeString},
		"yearFounded":            {Type: genai.TypeNumber},
		"bbbRating":              {Type: genai.TypeString},
		"street":                 {Type: genai.TypeString},
		"city":                   {Type: genai.TypeString},
		"state":                  {Type: genai.TypeString},
		"companyPhone":           {Type: genai.TypeString},
		"companyLinkedIn":        {Type: genai.TypeString},
		"ownerFirstName":         {Type: genai.TypeString},
		"ownerLastName":          {Type: genai.TypeString},
		"ownerTitle":             {Type: genai.TypeString},
		"ownerLinkedIn":          {Type: genai.TypeString},
		"ownerPhoneNumber":       {Type: genai.TypeString},
		"ownerEmail":             {Type: genai.TypeString},
		"source":                 {Type: genai.TypeString},
		"createdDate":            {Type: genai.TypeString},
		"updatedDate":            {Type: genai.TypeString},
		"coordinates": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"latitude":  {Type: genai.TypeNumber},
				"longitude": {Type: genai.TypeNumber},
			},
		},
	},
}

var scoreSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score":  {Type: genai.TypeNumber},
		"reason": {Type: genai.TypeString},
	},
	Required: []string{"score", "reason"},
}

var emailSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"subject": {Type: genai.TypeString},
		"body":    {Type: genai.TypeString},
	},
	Required: []string{"subject", "body"},
}

type searchResponse struct {
	Leads []enrich.Candidate `json:"leads"`
}

func (p *Provider) SearchLeads(ctx context.Context, in enrich.SearchInput) ([]enrich.Candidate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var parsed searchResponse
	if _, err := p.generate(ctx, enrich.SearchPrompt(in), searchSchema, &parsed); err != nil {
		return nil, err
	}
	return parsed.Leads, nil
}

// enrichResponse mirrors lead.Enrichment but accepts fractional numbers, which the model
// sometimes emits for integer fields.
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
	resp, err := p.generate(ctx, enrich.EnrichPrompt(in), enrichSchema, &parsed)
	if err != nil {
		return lead.Enrichment{}, err
	}
	out := trimEnrichment(parsed.Enrichment)
	out.EmployeesCount = roundPtr(parsed.EmployeesCount)
	out.YearFounded = roundPtr(parsed.YearFounded)

	if p.captureAudit && out.Source == "" {
		out.Source = strings.Join(extractSources(resp), " ")
	}
	return out, nil
}

type scoreResponse struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

func (p *Provider) ScoreLead(ctx context.Context, in enrich.ScoreInput) (enrich.ScoreResult, error) {
	var parsed scoreResponse
	if _, err := p.generateWith(ctx, enrich.ScorePrompt(in), scoreSchema, nil, &parsed); err != nil {
		return enrich.ScoreResult{}, err
	}
	return enrich.ScoreResult{Score: parsed.Score, Reason: strings.TrimSpace(parsed.Reason)}, nil
}

func (p *Provider) GenerateEmailCopy(ctx context.Context, in enrich.EmailCopyInput) (enrich.EmailCopy, error) {
	var parsed enrich.EmailCopy
	if _, err := p.generateWith(ctx, enrich.EmailCopyPrompt(in), emailSchema, nil, &parsed); err != nil {
		return enrich.EmailCopy{}, err
	}
	parsed.Subject = strings.TrimSpace(parsed.Subject)
	parsed.Body = strings.TrimSpace(parsed.Body)
	return parsed, nil
}

func (p *Provider) generate(ctx context.Context, prompt string, schema *genai.Schema, out any) (*genai.GenerateContentResponse, error) {
	return p.generateWith(ctx, prompt, schema, p.tools, out)
}

func (p *Provider) generateWith(ctx context.Context, prompt string, schema *genai.Schema, tools []*genai.Tool, out any) (*genai.GenerateContentResponse, error) {
	resp, err := p.client.Models.GenerateContent(
		ctx,
		p.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Tools:            tools,
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}
	if err := json.Unmarshal([]byte(resp.Text()), out); err != nil {
		return nil, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	return resp, nil
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &enrich.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &enrich.TransientError{Err: err}
	}
	return err
}

func trimEnrichment(e lead.Enrichment) lead.Enrichment {
	for _, f := range []*string{
		&e.Website, &e.Industry, &e.ProductServiceCategory, &e.BusinessType, &e.Revenue,
		&e.BBBRating, &e.Street, &e.City, &e.State, &e.CompanyPhone, &e.CompanyLinkedIn,
		&e.OwnerFirstName, &e.OwnerLastName, &e.OwnerTitle, &e.OwnerLinkedIn,
		&e.OwnerPhoneNumber, &e.OwnerEmail, &e.Source, &e.CreatedDate, &e.UpdatedDate,
	} {
		*f = strings.TrimSpace(*f)
	}
	if c := e.Coordinates; c != nil && c.Latitude == nil && c.Longitude == nil {
		e.Coordinates = nil
	}
	return e
}

func roundPtr(v *float64) *int {
	if v == nil || math.IsNaN(*v) || *v <= 0 {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

func extractSources(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]

	var out []string
	if c.GroundingMetadata != nil {
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			if strings.TrimSpace(chunk.Web.URI) != "" {
				out = append(out, strings.TrimSpace(chunk.Web.URI))
			}
		}
	}
	if c.URLContextMetadata != nil {
		for _, m := range c.URLContextMetadata.URLMetadata {
			if m == nil {
				continue
			}
			if strings.TrimSpace(m.RetrievedURL) != "" {
				out = append(out, strings.TrimSpace(m.RetrievedURL))
			}
		}
	}

	return dedupePreserveOrder(out)
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
