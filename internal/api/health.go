package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Database  string          `json:"database"`
	Scheduler schedulerHealth `json:"scheduler"`
}

type schedulerHealth struct {
	Running bool   `json:"running"`
	NextRun string `json:"nextRun,omitempty"`
}

// handleHealth answers 503 with status "degraded" while the database is
// unreachable so load balancers stop routing to a pipeline that cannot merge.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Database:  s.pingDB(r.Context()),
	}
	if s.sched != nil {
		resp.Scheduler.Running = s.sched.Running()
		if next := s.sched.NextRun(); !next.IsZero() {
			resp.Scheduler.NextRun = next.UTC().Format(time.RFC3339)
		}
	}

	status := http.StatusOK
	if resp.Database == "disconnected" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) pingDB(ctx context.Context) string {
	if s.db == nil {
		return "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("health ping failed", "error", err)
		return "disconnected"
	}
	return "connected"
}
