package api

import (
	"context"
	"net/http"
	"time"

	"github.com/qadash/qadash/pkg/history"
)

type trendResponse struct {
	Period string               `json:"period"`
	Points []history.TrendPoint `json:"points"`
}

// handleReportSummary aggregates finalized runs over ?period= (default 7d).
func (s *server) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	period, runs, ok := s.reportRuns(w, r, history.DefaultPeriod)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, history.Summarize(runs, period))
}

// handlePassRateTrend returns the daily pass rate over ?period= (default
// 30d).
func (s *server) handlePassRateTrend(w http.ResponseWriter, r *http.Request) {
	period, runs, ok := s.reportRuns(w, r, "30d")
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, trendResponse{
		Period: period,
		Points: history.Trend(runs),
	})
}

// reportRuns parses the period and loads the runs it covers. It writes the
// error response itself and returns false on failure.
func (s *server) reportRuns(
	w http.ResponseWriter,
	r *http.Request,
	defaultPeriod string,
) (string, []history.Run, bool) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = defaultPeriod
	}

	window, err := history.ParsePeriod(period)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return "", nil, false
	}

	runs, err := s.loadRunsSince(r.Context(), time.Now().Add(-window))
	if err != nil {
		s.log.WithError(err).Error("Failed to load runs for report")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"Failed to build report"})

		return "", nil, false
	}

	return period, runs, true
}

func (s *server) loadRunsSince(ctx context.Context, since time.Time) ([]history.Run, error) {
	if s.svc.History != nil {
		return s.svc.History.ListRunsSince(ctx, since)
	}

	return history.FilterSince(s.svc.Registry.List(), since), nil
}
