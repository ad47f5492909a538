package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/models"
	"github.com/kjannette/trahn-pipeline/internal/pipeline"
	"github.com/kjannette/trahn-pipeline/internal/repository"
	"github.com/kjannette/trahn-pipeline/internal/scheduler"
)

type runJSON struct {
	models.PipelineRun
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.GetHistory(r.Context(), parseLimit(r, 50))
	if err != nil {
		s.logger.Error("run history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch runs")
		return
	}

	out := make([]runJSON, len(runs))
	for i := range runs {
		out[i] = runJSON{PipelineRun: runs[i], DurationMs: runs[i].Duration().Milliseconds()}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTriggerRun queues a run for a closed logical date.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if !validateDate(date) {
		writeError(w, http.StatusBadRequest, "invalid date format, expected YYYY-MM-DD")
		return
	}
	day, _ := time.Parse(repository.DateLayout, date)
	if !day.Before(repository.StartOfDay(s.now())) {
		writeError(w, http.StatusBadRequest, "logical date "+date+" has not closed yet")
		return
	}
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	if err := s.trigger.Trigger(r.Context(), day); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBeforeStartDate):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, scheduler.ErrMaxActiveRuns):
			writeError(w, http.StatusConflict, err.Error())
			return
		case errors.Is(err, scheduler.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("trigger failed", "ds", date, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to trigger run")
		return
	}

	s.logger.Info("manual run queued", "ds", date)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "ds": date})
}
