package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/qadash/qadash/pkg/controller"
	"github.com/qadash/qadash/pkg/docker"
	"github.com/qadash/qadash/pkg/hoststats"
	"github.com/qadash/qadash/pkg/registry"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

type healthResponse struct {
	Status     string              `json:"status"`
	Timestamp  string              `json:"timestamp"`
	ActiveRuns int                 `json:"active_runs"`
	Host       *hoststats.Snapshot `json:"host,omitempty"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ActiveRuns: len(s.svc.Controller.ActiveRuns()),
	}

	if s.svc.Host != nil {
		resp.Host = s.svc.Host.Collect(r.Context())
	}

	writeJSON(w, http.StatusOK, resp)
}

type listRunsResponse struct {
	Runs []registry.Run `json:"runs"`
}

// handleListRuns returns every run, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: s.svc.Registry.List()})
}

type startRunRequest struct {
	ProjectID string `json:"projectId"`
}

type startRunResponse struct {
	Message string        `json:"message"`
	Run     *registry.Run `json:"run"`
}

// handleStartRun starts a run and returns as soon as it is recorded.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	run, err := s.svc.Controller.StartRun(r.Context(), req.ProjectID)
	if err != nil {
		switch {
		case errors.Is(err, controller.ErrProjectRequired):
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"projectId is required"})
		case errors.Is(err, controller.ErrProjectNotFound):
			writeJSON(w, http.StatusNotFound,
				errorResponse{"Project not found"})
		default:
			s.log.WithError(err).Error("Failed to start run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"Failed to start run"})
		}

		return
	}

	writeJSON(w, http.StatusCreated, startRunResponse{
		Message: "Run started",
		Run:     run,
	})
}

// handleGetRun returns one run record.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"Run not found"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

type cancelRunResponse struct {
	Canceled string `json:"canceled"`
}

// handleCancelRun cancels a running run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.svc.Controller.CancelRun(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, controller.ErrRunNotFound):
			writeJSON(w, http.StatusNotFound,
				errorResponse{"Run not found"})
		case errors.Is(err, controller.ErrRunNotRunning):
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"Run is not running"})
		default:
			s.log.WithError(err).WithField("run_id", id).Error("Failed to cancel run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"Failed to cancel run"})
		}

		return
	}

	writeJSON(w, http.StatusOK, cancelRunResponse{Canceled: id})
}

type runLogsResponse struct {
	Logs   string `json:"logs"`
	Status string `json:"status"`
}

// handleRunLogs returns the log written so far.
func (s *server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"Run not found"})

		return
	}

	logs, err := s.svc.Sink.Snapshot(run.ID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Error("Failed to read run log")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"Failed to read logs"})

		return
	}

	writeJSON(w, http.StatusOK, runLogsResponse{Logs: logs, Status: run.Status})
}

type liveLogsResponse struct {
	Logs   string `json:"logs"`
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status,omitempty"`
}

// handleLiveLogs returns the logs of the running run, or of the most
// recently started run when none is running.
func (s *server) handleLiveLogs(w http.ResponseWriter, _ *http.Request) {
	runs := s.svc.Registry.List()
	if len(runs) == 0 {
		writeJSON(w, http.StatusOK, liveLogsResponse{})

		return
	}

	target := runs[0]

	for i := range runs {
		if runs[i].Status == registry.StatusRunning {
			target = runs[i]

			break
		}
	}

	logs, err := s.svc.Sink.Snapshot(target.ID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", target.ID).Error("Failed to read run log")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"Failed to fetch live logs"})

		return
	}

	writeJSON(w, http.StatusOK, liveLogsResponse{
		Logs:   logs,
		RunID:  target.ID,
		Status: target.Status,
	})
}

// handleRunStats returns the resource usage of a running run's container.
func (s *server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"Run not found"})

		return
	}

	if run.Status != registry.StatusRunning {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Run is not running"})

		return
	}

	if s.svc.Stats == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"Container stats unavailable"})

		return
	}

	stats, err := s.svc.Stats.ContainerStats(r.Context(), docker.ContainerName(run.ID))
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Debug("Failed to read container stats")
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"Container stats unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, stats)
}
