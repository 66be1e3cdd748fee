package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shpitdev/leadgen-pipeline/internal/app"
	"github.com/shpitdev/leadgen-pipeline/internal/session"
)

// Server serves the lead generation API.
type Server struct {
	app      *app.App
	sessions *session.Manager
	logger   *slog.Logger
}

func NewServer(a *app.App, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{app: a, sessions: sessions, logger: logger.With("component", "api")}
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))

	r.HandleFunc("/healthz", s.Healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(IdentityMiddleware)

	v1.HandleFunc("/sessions", s.CreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.DeleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/leads", s.ListLeads).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/leads/{leadID}/enrich", s.EnrichLead).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/leads/{leadID}/score", s.ScoreLead).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/leads/{leadID}/email-copy", s.SessionLeadEmailCopy).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/enrich-all", s.EnrichAll).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/score-all", s.ScoreAll).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/progress", s.Progress).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", s.Cancel).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/export.csv", s.ExportCSV).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/save", s.Save).Methods(http.MethodPost)

	v1.HandleFunc("/leads", s.SavedLeads).Methods(http.MethodGet)
	v1.HandleFunc("/leads/{leadID}/enrich", s.EnrichSavedLead).Methods(http.MethodPost)
	v1.HandleFunc("/leads/{leadID}/email-copy", s.SavedLeadEmailCopy).Methods(http.MethodPost)
	v1.HandleFunc("/top-leads", s.TopLeads).Methods(http.MethodGet)
	v1.HandleFunc("/email-copy", s.EmailCopy).Methods(http.MethodPost)

	return r
}
