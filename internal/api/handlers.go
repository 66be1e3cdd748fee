package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/enrich"
	"github.com/shpitdev/leadgen-pipeline/internal/export"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
	"github.com/shpitdev/leadgen-pipeline/internal/session"
	"github.com/shpitdev/leadgen-pipeline/internal/store"
	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/redact"
)

// HighScoreThreshold is the score at which a saved lead counts as high scoring.
const HighScoreThreshold = 80

type errorResponse struct {
	Error   string       `json:"error"`
	Message *app.Message `json:"message,omitempty"`
}

type SessionResponse struct {
	SessionID string      `json:"sessionId"`
	Leads     []lead.Lead `json:"leads"`
	Message   app.Message `json:"message"`
}

type LeadResponse struct {
	Lead    lead.Lead         `json:"lead"`
	Message app.Message       `json:"message"`
	Saved   *store.SaveResult `json:"saved,omitempty"`
}

type BulkResponse struct {
	Message app.Message    `json:"message"`
	Status  session.Status `json:"status"`
}

type SaveResponse struct {
	store.SaveResult
	Message app.Message `json:"message"`
}

type SavedLeadsResponse struct {
	Leads       []lead.Lead `json:"leads"`
	Total       int         `json:"total"`
	HighScoring int         `json:"highScoring"`
	Industries  []string    `json:"industries"`
}

type EmailDraftResponse struct {
	Draft   app.EmailDraft `json:"draft"`
	Message app.Message    `json:"message"`
}

type emailGoalRequest struct {
	Goal string `json:"goal"`
}

type rubricRequest struct {
	Rubric string `json:"rubric"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeMessage(w http.ResponseWriter, status int, err error, msg app.Message) {
	writeJSON(w, status, errorResponse{Error: redact.Secrets(err.Error()), Message: &msg})
}

// decodeOptional decodes a JSON body into dst, accepting an empty body.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) owner(r *http.Request) string {
	owner, _ := OwnerFromContext(r.Context())
	return owner
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(s.owner(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req enrich.SearchInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	leads, msg, err := s.app.Search(r.Context(), req)
	switch {
	case errors.Is(err, enrich.ErrInvalidSearch):
		writeMessage(w, http.StatusUnprocessableEntity, err, msg)
		return
	case err != nil:
		writeMessage(w, http.StatusBadGateway, err, msg)
		return
	}

	sess, err := s.sessions.Create(s.owner(r), leads)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusCreated
	if len(leads) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, SessionResponse{SessionID: sess.ID, Leads: sess.Leads().All(), Message: msg})
}

func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Delete(s.owner(r), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ListLeads(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	leads := sess.Leads().All()
	if r.URL.Query().Get("sort") == "score" {
		leads = lead.SortByScore(leads)
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (s *Server) EnrichLead(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var (
		out lead.Lead
		msg app.Message
	)
	err := sess.Do(func() error {
		var err error
		out, msg, err = s.app.EnrichOne(r.Context(), sess.Leads(), mux.Vars(r)["leadID"])
		return err
	})
	s.writeSingle(w, out, msg, err)
}

func (s *Server) ScoreLead(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req rubricRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rubric := req.Rubric
	if rubric == "" {
		rubric = s.app.DefaultRubric()
	}

	var (
		out lead.Lead
		msg app.Message
	)
	err := sess.Do(func() error {
		var err error
		out, msg, err = s.app.ScoreOne(r.Context(), sess.Leads(), mux.Vars(r)["leadID"], rubric)
		return err
	})
	s.writeSingle(w, out, msg, err)
}

func (s *Server) writeSingle(w http.ResponseWriter, out lead.Lead, msg app.Message, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, LeadResponse{Lead: out, Message: msg})
	case errors.Is(err, session.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrLeadNotFound):
		writeMessage(w, http.StatusNotFound, err, msg)
	case errors.Is(err, enrich.ErrMissingRubric):
		writeMessage(w, http.StatusBadRequest, err, msg)
	default:
		writeMessage(w, http.StatusBadGateway, err, msg)
	}
}

func (s *Server) EnrichAll(w http.ResponseWriter, r *http.Request) {
	s.startBulk(w, r, app.KindEnrich, "")
}

func (s *Server) ScoreAll(w http.ResponseWriter, r *http.Request) {
	var req rubricRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.startBulk(w, r, app.KindScore, req.Rubric)
}

func (s *Server) startBulk(w http.ResponseWriter, r *http.Request, kind app.Kind, rubric string) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pending := len(sess.Leads().Select(kind.Pending()))
	if pending == 0 {
		writeJSON(w, http.StatusOK, BulkResponse{Message: kind.NothingToDo(), Status: sess.Status()})
		return
	}

	err := sess.StartBulk(kind, pending, func(ctx context.Context, hooks app.Hooks) (app.BulkResult, error) {
		return s.app.RunBulk(ctx, kind, sess.Leads(), rubric, hooks)
	})
	switch {
	case errors.Is(err, session.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, BulkResponse{Message: kind.Starting(pending), Status: sess.Status()})
	}
}

func (s *Server) Progress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.Cancel() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Status())
}

func (s *Server) ExportCSV(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	leads := sess.Leads().All()
	if len(leads) == 0 {
		writeError(w, http.StatusNotFound, "No data to export")
		return
	}
	data, err := export.CSV(leads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(time.Now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) Save(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var sel app.Selection
	if err := decodeOptional(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, msg := s.app.Save(r.Context(), s.owner(r), sess.Leads(), sel)
	status := http.StatusOK
	switch {
	case res.Success:
	case res.Error == store.ErrEmptySelection.Error():
		msg = app.Message{Title: "No leads selected", Description: "Please select at least one lead to save.", Error: true}
		status = http.StatusBadRequest
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, SaveResponse{SaveResult: res, Message: msg})
}

func (s *Server) SavedLeads(w http.ResponseWriter, r *http.Request) {
	res := s.app.SavedLeads(r.Context(), s.owner(r), "")
	if res.Error != "" {
		writeError(w, http.StatusBadGateway, res.Error)
		return
	}
	leads := res.Leads
	if industry := r.URL.Query().Get("industry"); industry != "" {
		leads = lead.Filter(leads, lead.HasIndustry(industry))
	}
	if leads == nil {
		leads = []lead.Lead{}
	}
	industries := lead.Industries(res.Leads)
	if industries == nil {
		industries = []string{}
	}
	writeJSON(w, http.StatusOK, SavedLeadsResponse{
		Leads:       leads,
		Total:       len(res.Leads),
		HighScoring: lead.HighScoring(res.Leads, HighScoreThreshold),
		Industries:  industries,
	})
}

func (s *Server) EnrichSavedLead(w http.ResponseWriter, r *http.Request) {
	out, saved, msg, err := s.app.EnrichSaved(r.Context(), s.owner(r), mux.Vars(r)["leadID"])
	if err != nil {
		s.writeSingle(w, out, msg, err)
		return
	}
	writeJSON(w, http.StatusOK, LeadResponse{Lead: out, Message: msg, Saved: &saved})
}

func (s *Server) TopLeads(w http.ResponseWriter, r *http.Request) {
	svc := s.app.Store()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is not configured")
		return
	}
	res := svc.Top(r.Context(), s.owner(r))
	if res.Error != "" {
		writeError(w, http.StatusBadGateway, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) EmailCopy(w http.ResponseWriter, r *http.Request) {
	var req enrich.EmailCopyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LeadDetails == "" || req.Goal == "" {
		writeError(w, http.StatusBadRequest, "leadDetails and goal are required")
		return
	}
	out, err := s.app.EmailCopy(r.Context(), req)
	if err != nil {
		s.logger.Warn("email copy failed", "error", redact.Secrets(err.Error()))
		writeError(w, http.StatusBadGateway, redact.Secrets(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) SessionLeadEmailCopy(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	l, found := sess.Leads().Get(mux.Vars(r)["leadID"])
	if !found {
		writeError(w, http.StatusNotFound, app.ErrLeadNotFound.Error())
		return
	}
	s.draftEmail(w, r, l)
}

func (s *Server) SavedLeadEmailCopy(w http.ResponseWriter, r *http.Request) {
	if s.app.Store() == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is not configured")
		return
	}
	l, err := s.app.SavedLead(r.Context(), s.owner(r), mux.Vars(r)["leadID"])
	switch {
	case errors.Is(err, app.ErrLeadNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, redact.Secrets(err.Error()))
		return
	}
	s.draftEmail(w, r, l)
}

func (s *Server) draftEmail(w http.ResponseWriter, r *http.Request, l lead.Lead) {
	var req emailGoalRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	draft, msg, err := s.app.EmailCopyFor(r.Context(), l, req.Goal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, EmailDraftResponse{Draft: draft, Message: msg})
	case errors.Is(err, app.ErrNoEmailAddress):
		writeMessage(w, http.StatusUnprocessableEntity, err, msg)
	default:
		writeMessage(w, http.StatusBadGateway, err, msg)
	}
}
