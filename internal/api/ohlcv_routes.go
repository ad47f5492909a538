package api

import (
	"net/http"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/models"
	"github.com/kjannette/trahn-pipeline/internal/repository"
)

const defaultRangeDays = 30

type barJSON struct {
	T    int64   `json:"t"`
	Date string  `json:"date"`
	O    float64 `json:"o"`
	H    float64 `json:"h"`
	L    float64 `json:"l"`
	C    float64 `json:"c"`
	V    float64 `json:"v"`
}

func toBarJSON(b models.Bar) barJSON {
	return barJSON{
		T:    b.Timestamp,
		Date: repository.LogicalDate(time.UnixMilli(b.Timestamp)),
		O:    b.Open, H: b.High, L: b.Low, C: b.Close, V: b.Volume,
	}
}

// handleBars serves ?from=&to= (inclusive UTC days). Without them it returns
// the last 30 days.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := repository.StartOfDay(s.now())
	if v := q.Get("to"); v != "" {
		if !validateDate(v) {
			writeError(w, http.StatusBadRequest, "invalid to date, expected YYYY-MM-DD")
			return
		}
		to, _ = time.Parse(repository.DateLayout, v)
	}
	from := to.AddDate(0, 0, -defaultRangeDays)
	if v := q.Get("from"); v != "" {
		if !validateDate(v) {
			writeError(w, http.StatusBadRequest, "invalid from date, expected YYYY-MM-DD")
			return
		}
		from, _ = time.Parse(repository.DateLayout, v)
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	end := to.AddDate(0, 0, 1)
	bars, err := s.bars.ListBars(r.Context(), from.UnixMilli(), end.UnixMilli(), parseLimit(r, maxQueryLimit))
	if err != nil {
		s.logger.Error("list bars failed", "from", repository.LogicalDate(from), "to", repository.LogicalDate(to), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch bars")
		return
	}

	out := make([]barJSON, len(bars))
	for i, b := range bars {
		out[i] = toBarJSON(b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBarByDay(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if !validateDate(date) {
		writeError(w, http.StatusBadRequest, "invalid date format, expected YYYY-MM-DD")
		return
	}

	start, _, err := repository.DayBounds(date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bar, err := s.bars.GetBar(r.Context(), start.UnixMilli())
	if err != nil {
		s.logger.Error("get bar failed", "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch bar")
		return
	}
	if bar == nil {
		writeError(w, http.StatusNotFound, "no bar for "+date)
		return
	}
	writeJSON(w, http.StatusOK, toBarJSON(*bar))
}

func (s *Server) handleLatestBar(w http.ResponseWriter, r *http.Request) {
	bar, err := s.bars.Latest(r.Context())
	if err != nil {
		s.logger.Error("latest bar failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch latest bar")
		return
	}
	if bar == nil {
		writeError(w, http.StatusNotFound, "no bar data available")
		return
	}
	writeJSON(w, http.StatusOK, toBarJSON(*bar))
}
