package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/export"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/internal/session"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	// gate, when set, blocks every enrich call until it is closed.
	gate chan struct{}
}

func (f *fakeProvider) SearchLeads(_ context.Context, in enrich.SearchInput) ([]enrich.Candidate, error) {
	if in.Location == "Nowhere" {
		return nil, nil
	}
	if in.Location == "Down" {
		return nil, errors.New("quota exceeded for api_key=secret123")
	}
	return []enrich.Candidate{
		{Name: "Acme, Inc.", Address: "1 Main St", Phone: "555-0100"},
		{Name: "Beta Plumbing", Address: "2 Oak Ave"},
		{Name: "Gamma Roofing", Address: "3 Elm Rd"},
	}, nil
}

func (f *fakeProvider) EnrichLead(ctx context.Context, in enrich.EnrichInput) (lead.Enrichment, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return lead.Enrichment{}, ctx.Err()
		}
	}
	industry := "Plumbing"
	if strings.Contains(in.Name, "Roofing") {
		industry = "Roofing"
	}
	return lead.Enrichment{Industry: industry, OwnerEmail: "owner@example.test"}, nil
}

func (f *fakeProvider) ScoreLead(_ context.Context, in enrich.ScoreInput) (enrich.ScoreResult, error) {
	if strings.Contains(in.LeadDetails, "Beta") {
		return enrich.ScoreResult{Score: 85, Reason: "fit"}, nil
	}
	return enrich.ScoreResult{Score: 40, Reason: "weak"}, nil
}

func (f *fakeProvider) GenerateEmailCopy(_ context.Context, in enrich.EmailCopyInput) (enrich.EmailCopy, error) {
	return enrich.EmailCopy{Subject: "Quick question", Body: "Goal: " + in.Goal}, nil
}

type harness struct {
	srv *httptest.Server
	t   *testing.T
}

func newHarness(t *testing.T, p *fakeProvider) *harness {
	t.Helper()
	repo, err := store.OpenBadger("", nil)
	require.NoError(t, err)
	svc := store.NewService(repo, nil)
	mgr, err := session.NewManager(2)
	require.NoError(t, err)

	a := app.New(p, svc, app.Config{}, nil)
	srv := httptest.NewServer(NewServer(a, mgr, nil).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(time.Second)
		_ = svc.Close()
	})
	return &harness{srv: srv, t: t}
}

func (h *harness) do(method, path, user string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func (h *harness) waitCompleted(sessionID, user string) session.Status {
	h.t.Helper()
	var st session.Status
	require.Eventually(h.t, func() bool {
		_, body := h.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/progress", user, nil)
		st = decode[session.Status](h.t, body)
		return st.State == bulk.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func TestIdentityRequired(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	resp, body := h.do(http.MethodGet, "/api/v1/leads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"User is not authenticated."}`, string(body))

	resp, _ = h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchValidationAndFailures(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	resp, _ := h.do(http.MethodPost, "/api/v1/sessions", "u1", enrich.SearchInput{Location: "Austin"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/api/v1/sessions", "u1", enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Nowhere"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decode[SessionResponse](t, body)
	assert.Empty(t, sr.Leads)
	assert.Equal(t, "No Results", sr.Message.Title)

	resp, body = h.do(http.MethodPost, "/api/v1/sessions", "u1", enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Down"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotContains(t, string(body), "secret123")
	assert.Contains(t, string(body), "Search Failed")
}

func TestSearchEnrichScoreExportSave(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	const user = "u1"

	resp, body := h.do(http.MethodPost, "/api/v1/sessions", user, enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Austin, TX"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	sr := decode[SessionResponse](t, body)
	require.Len(t, sr.Leads, 3)
	base := "/api/v1/sessions/" + sr.SessionID

	// Another user cannot see the session.
	resp, _ = h.do(http.MethodGet, base+"/leads", "u2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(http.MethodPost, base+"/enrich-all", user, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	br := decode[BulkResponse](t, body)
	assert.Equal(t, "Enriching 3 leads...", br.Message.Description)

	st := h.waitCompleted(sr.SessionID, user)
	assert.Equal(t, 3, st.Succeeded)
	assert.Equal(t, 100, st.Percent)
	require.NotNil(t, st.Message)
	assert.Equal(t, "Bulk Enrichment Complete", st.Message.Title)

	// Everything is enriched now.
	resp, body = h.do(http.MethodPost, base+"/enrich-all", user, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "No Leads to Enrich", decode[BulkResponse](t, body).Message.Title)

	resp, _ = h.do(http.MethodPost, base+"/score-all", user, map[string]string{"rubric": "prefer plumbers"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.waitCompleted(sr.SessionID, user)

	resp, body = h.do(http.MethodGet, base+"/leads?sort=score", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[map[string][]lead.Lead](t, body)["leads"]
	require.Len(t, listed, 3)
	assert.Equal(t, "Beta Plumbing", listed[0].Name)
	assert.Equal(t, 85, *listed[0].Score)

	resp, body = h.do(http.MethodGet, base+"/export.csv", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("attachment; filename=%q", export.Filename(time.Now())), resp.Header.Get("Content-Disposition"))
	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, export.Header(), records[0])
	assert.Equal(t, "Acme, Inc.", records[1][0])

	resp, body = h.do(http.MethodPost, base+"/save", user, app.Selection{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No leads selected", decode[SaveResponse](t, body).Message.Title)

	resp, body = h.do(http.MethodPost, base+"/save", user, app.Selection{SmartSelect: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	saved := decode[SaveResponse](t, body)
	assert.True(t, saved.Success)
	assert.Equal(t, "Leads Saved!", saved.Message.Title)

	resp, body = h.do(http.MethodGet, "/api/v1/leads?industry=Roofing", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sl := decode[SavedLeadsResponse](t, body)
	assert.Equal(t, 3, sl.Total)
	assert.Equal(t, 1, sl.HighScoring)
	assert.ElementsMatch(t, []string{"Plumbing", "Roofing"}, sl.Industries)
	require.Len(t, sl.Leads, 1)
	assert.Equal(t, "Gamma Roofing", sl.Leads[0].Name)

	resp, body = h.do(http.MethodGet, "/api/v1/top-leads", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	top := decode[store.TopResult](t, body)
	require.Len(t, top.Snapshots, 1)
	assert.Equal(t, "Beta Plumbing", top.Snapshots[0].Leads[0].Name)
}

func TestSingleLeadRoutes(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	const user = "u1"
	_, body := h.do(http.MethodPost, "/api/v1/sessions", user, enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Austin"})
	sr := decode[SessionResponse](t, body)
	base := "/api/v1/sessions/" + sr.SessionID
	id := sr.Leads[1].ID

	resp, body := h.do(http.MethodPost, base+"/leads/"+id+"/enrich", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	lr := decode[LeadResponse](t, body)
	assert.Equal(t, "owner@example.test", lr.Lead.OwnerEmail)
	assert.Equal(t, "Beta Plumbing has been successfully enriched.", lr.Message.Description)

	resp, body = h.do(http.MethodPost, base+"/leads/"+id+"/score", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Beta Plumbing has been scored 85.", decode[LeadResponse](t, body).Message.Description)

	resp, _ = h.do(http.MethodPost, base+"/leads/missing/enrich", user, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Dashboard enrich works on saved leads.
	resp, _ = h.do(http.MethodPost, base+"/save", user, app.Selection{IDs: []string{sr.Leads[0].ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = h.do(http.MethodPost, "/api/v1/leads/"+sr.Leads[0].ID+"/enrich", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	lr = decode[LeadResponse](t, body)
	require.NotNil(t, lr.Saved)
	assert.True(t, lr.Saved.Success)

	resp, body = h.do(http.MethodPost, "/api/v1/email-copy", user, enrich.EmailCopyInput{LeadDetails: "{}", Goal: "book a call"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Goal: book a call", decode[enrich.EmailCopy](t, body).Body)

	resp, _ = h.do(http.MethodPost, "/api/v1/email-copy", user, enrich.EmailCopyInput{LeadDetails: "{}"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeadEmailCopyRoutes(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	const user = "u1"
	_, body := h.do(http.MethodPost, "/api/v1/sessions", user, enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Austin"})
	sr := decode[SessionResponse](t, body)
	base := "/api/v1/sessions/" + sr.SessionID
	acme, beta := sr.Leads[0].ID, sr.Leads[1].ID

	resp, body := h.do(http.MethodPost, base+"/leads/"+acme+"/email-copy", user, map[string]string{"goal": "book a call"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	er := decode[errorResponse](t, body)
	require.NotNil(t, er.Message)
	assert.Equal(t, "No Email Address", er.Message.Title)

	resp, _ = h.do(http.MethodPost, base+"/leads/"+acme+"/enrich", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(http.MethodPost, base+"/leads/"+acme+"/email-copy", user, map[string]string{"goal": "book a call"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	dr := decode[EmailDraftResponse](t, body)
	assert.Equal(t, "Email Generated", dr.Message.Title)
	assert.Equal(t, "owner@example.test", dr.Draft.To)
	assert.Equal(t, "Quick question", dr.Draft.Subject)
	assert.Equal(t, "Goal: book a call", dr.Draft.Body)
	assert.True(t, strings.HasPrefix(dr.Draft.Mailto, "mailto:owner@example.test?subject=Quick%20question&body="), dr.Draft.Mailto)

	resp, body = h.do(http.MethodPost, base+"/leads/"+acme+"/email-copy", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Goal: "+app.DefaultEmailGoal, decode[EmailDraftResponse](t, body).Draft.Body)

	resp, _ = h.do(http.MethodPost, base+"/leads/missing/email-copy", user, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, base+"/leads/"+acme+"/email-copy", "u2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, base+"/save", user, app.Selection{IDs: []string{acme, beta}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/api/v1/leads/"+acme+"/email-copy", user, map[string]string{"goal": "follow up"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Goal: follow up", decode[EmailDraftResponse](t, body).Draft.Body)

	resp, _ = h.do(http.MethodPost, "/api/v1/leads/"+beta+"/email-copy", user, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/api/v1/leads/missing/email-copy", user, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/api/v1/leads/"+acme+"/email-copy", "u2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverlappingRunsConflict(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	h := newHarness(t, p)
	const user = "u1"
	_, body := h.do(http.MethodPost, "/api/v1/sessions", user, enrich.SearchInput{Industries: []string{"Plumbing"}, Location: "Austin"})
	sr := decode[SessionResponse](t, body)
	base := "/api/v1/sessions/" + sr.SessionID

	resp, _ := h.do(http.MethodPost, base+"/enrich-all", user, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, base+"/score-all", user, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, base+"/leads/"+sr.Leads[0].ID+"/enrich", user, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, base+"/cancel", user, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	close(p.gate)

	st := h.waitCompleted(sr.SessionID, user)
	assert.Equal(t, bulk.OutcomeCancelled, st.Outcome)
	assert.LessOrEqual(t, st.Completed, 1)

	resp, _ = h.do(http.MethodPost, base+"/cancel", user, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
