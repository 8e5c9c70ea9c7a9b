// Package api exposes sessions, jobs and the live event stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/agent"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/sessions"
)

// PRFetcher looks up one pull request's current status.
type PRFetcher interface {
	FetchPR(ctx context.Context, repository string, number int) (*models.PRRecord, error)
}

// Server provides the REST API handlers.
type Server struct {
	sessions   *sessions.Manager
	jobs       *jobs.Registry
	hub        *events.Hub
	prs        PRFetcher
	capability agent.Capability
	log        pslog.Logger
}

// Deps are the components the API serves.
type Deps struct {
	Sessions   *sessions.Manager
	Jobs       *jobs.Registry
	Hub        *events.Hub
	PRs        PRFetcher
	Capability agent.Capability
	Logger     pslog.Logger
}

// NewServer creates a new API server. PRs may be nil.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{
		sessions:   d.Sessions,
		jobs:       d.Jobs,
		hub:        d.Hub,
		prs:        d.PRs,
		capability: d.Capability,
		log:        logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.cancelSession)

	mux.HandleFunc("GET /api/v1/jobs", s.listJobs)
	mux.HandleFunc("POST /api/v1/jobs", s.reportJob)
	mux.HandleFunc("DELETE /api/v1/jobs", s.clearJobs)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)
	mux.HandleFunc("GET /api/v1/ws", s.streamWebSocket)

	mux.HandleFunc("GET /api/v1/prs/{owner}/{repo}/{number}", s.getPR)
	mux.HandleFunc("GET /api/v1/health", s.health)

	return withRequestLogging(corsMiddleware(mux), s.log)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps registry errors onto HTTP status codes. Spawn failures and
// anything unrecognised are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrInvalidRequest),
		errors.Is(err, sessions.ErrEmptyPrompt),
		errors.Is(err, sessions.ErrWorkdirMissing),
		errors.Is(err, jobs.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- Sessions ---

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := s.sessions.Create(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.sessions.Cancel(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": status})
}

// --- Jobs ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repository")
	number := 0
	if v := r.URL.Query().Get("number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "number must be a positive integer")
			return
		}
		number = n
	}

	all := s.jobs.List()
	out := make([]*models.Job, 0, len(all))
	for _, job := range all {
		if repo != "" && job.Repository != repo {
			continue
		}
		if number > 0 && job.Number != number {
			continue
		}
		out = append(out, job)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reportJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	job, err := s.jobs.Report(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) clearJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"deleted": s.jobs.Clear()})
}

// --- PRs ---

func (s *Server) getPR(w http.ResponseWriter, r *http.Request) {
	if s.prs == nil {
		writeError(w, http.StatusServiceUnavailable, "pr lookup not configured")
		return
	}
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "number must be a positive integer")
		return
	}
	repository := r.PathValue("owner") + "/" + r.PathValue("repo")
	record, err := s.prs.FetchPR(r.Context(), repository, number)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "pull request not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// --- Health ---

type healthResponse struct {
	AgentAvailable bool   `json:"agent_available"`
	AgentBinary    string `json:"agent_binary"`
	Sessions       int    `json:"sessions"`
	Jobs           int    `json:"jobs"`
	Clients        int    `json:"clients"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		AgentAvailable: s.capability.Available,
		AgentBinary:    s.capability.Binary,
		Sessions:       s.sessions.Len(),
		Jobs:           s.jobs.Len(),
		Clients:        s.hub.Count(),
	})
}
