package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fetchd/fetchd/internal/config"
	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/services"
)

// Server is the HTTP surface over the download orchestrator.
type Server struct {
	logger       *slog.Logger
	orchestrator *services.Orchestrator
	settings     *config.SettingsStore
}

func NewServer(logger *slog.Logger, orchestrator *services.Orchestrator, settings *config.SettingsStore) *Server {
	return &Server{
		logger:       logger,
		orchestrator: orchestrator,
		settings:     settings,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// SSE stream of job changes
		if r.Method == "GET" && r.URL.Path == "/v1/events" {
			s.handleEventsSSE(w, r)
			return
		}
		if r.URL.Path == "/v1/jobs" {
			switch r.Method {
			case "POST":
				s.handleEnqueue(w, r)
			case "GET":
				s.handleListJobs(w, r)
			case "DELETE":
				s.handleClearCompleted(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
		if strings.HasPrefix(r.URL.Path, "/v1/jobs/") {
			s.routeJob(w, r)
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/inspect" {
			s.handleInspect(w, r)
			return
		}
		if r.URL.Path == "/v1/settings" {
			switch r.Method {
			case "GET":
				s.handleGetSettings(w, r)
			case "PUT":
				s.handlePutSettings(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
		http.NotFound(w, r)
	})
}

// routeJob dispatches /v1/jobs/{id} and /v1/jobs/{id}/{action}.
func (s *Server) routeJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		id := domain.JobID(parts[0])
		switch r.Method {
		case "GET":
			s.handleGetJob(w, r, id)
		case "DELETE":
			s.handleRemoveJob(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[0] != "" && r.Method == "POST":
		s.handleJobAction(w, r, domain.JobID(parts[0]), parts[1])
	default:
		http.NotFound(w, r)
	}
}

// handleEnqueue accepts a URL and optional kind/quality overrides.
// POST /v1/jobs
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req services.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ids, err := s.orchestrator.Enqueue(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ids":   ids,
		"count": len(ids),
	})
}

// handleListJobs returns all jobs, or only non-terminal ones with ?active=1.
// GET /v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []domain.Job
		err  error
	)
	if r.URL.Query().Get("active") == "1" {
		jobs, err = s.orchestrator.ListActive(r.Context())
	} else {
		jobs, err = s.orchestrator.List(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleClearCompleted removes every COMPLETED job in one sweep.
// DELETE /v1/jobs?status=completed
func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.URL.Query().Get("status"), string(domain.JobStatusCompleted)) {
		s.writeError(w, http.StatusBadRequest, "only status=completed is supported")
		return
	}
	deleteArtifacts := r.URL.Query().Get("artifacts") == "1"

	removed, err := s.orchestrator.ClearCompleted(r.Context(), deleteArtifacts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"removed": removed,
	})
}

// handleGetJob returns a single job snapshot.
// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, id domain.JobID) {
	job, err := s.orchestrator.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// handleRemoveJob deletes a terminal job, optionally with its artifact.
// DELETE /v1/jobs/{id}?artifact=1
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request, id domain.JobID) {
	deleteArtifact := r.URL.Query().Get("artifact") == "1"
	if err := s.orchestrator.Remove(r.Context(), id, deleteArtifact); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobAction dispatches pause/resume/cancel/retry.
// POST /v1/jobs/{id}/{action}
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, id domain.JobID, action string) {
	var err error
	switch action {
	case "pause":
		err = s.orchestrator.Pause(r.Context(), id)
	case "resume":
		err = s.orchestrator.Resume(r.Context(), id)
	case "cancel":
		err = s.orchestrator.Cancel(r.Context(), id)
	case "retry":
		err = s.orchestrator.Retry(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInspect extracts media metadata without downloading.
// GET /v1/inspect?url=
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	info, err := s.orchestrator.Inspect(r.Context(), rawURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleGetSettings returns the current runtime settings.
// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.settings.Get())
}

// handlePutSettings validates and persists new runtime settings.
// PUT /v1/settings
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var update config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.settings.Update(r.Context(), update); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.settings.Get())
}

// handleEventsSSE streams job change events. Each event carries the
// full job snapshot after the write, so clients never need a re-fetch.
// GET /v1/events (?active=1 to filter to non-terminal jobs)
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		ch    <-chan services.JobChange
		unsub func()
	)
	if r.URL.Query().Get("active") == "1" {
		ch, unsub = s.orchestrator.ObserveActive()
	} else {
		ch, unsub = s.orchestrator.ObserveAll()
	}
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				s.logger.Error("failed to marshal job change", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Op, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidURL),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotTerminal):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}