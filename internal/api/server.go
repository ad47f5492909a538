package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

const maxQueryLimit = 1000

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type BarReader interface {
	Latest(ctx context.Context) (*models.Bar, error)
	GetBar(ctx context.Context, ts int64) (*models.Bar, error)
	ListBars(ctx context.Context, from, to int64, limit int) ([]models.Bar, error)
}

type RunReader interface {
	GetHistory(ctx context.Context, limit int) ([]models.PipelineRun, error)
}

// Trigger queues a workflow run for a logical date.
type Trigger interface {
	Trigger(ctx context.Context, logicalDate time.Time) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerStatus reports the daily scheduler's state for /health.
type SchedulerStatus interface {
	Running() bool
	NextRun() time.Time
}

type Deps struct {
	Bars      BarReader
	Runs      RunReader
	Trigger   Trigger
	DB        Pinger
	Scheduler SchedulerStatus
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	bars       BarReader
	runs       RunReader
	trigger    Trigger
	db         Pinger
	sched      SchedulerStatus
	logger     *slog.Logger
	now        func() time.Time
	handler    http.Handler
	httpServer *http.Server
	apiKey     string
}

func NewServer(deps Deps, port int, apiKey, corsOrigin string) *Server {
	s := &Server{
		bars:    deps.Bars,
		runs:    deps.Runs,
		trigger: deps.Trigger,
		db:      deps.DB,
		sched:   deps.Scheduler,
		logger:  logging.OrDefault(deps.Logger).With("component", "api"),
		now:     deps.Now,
		apiKey:  apiKey,
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := http.NewServeMux()

	// OHLCV routes
	mux.HandleFunc("GET /v1/ohlcv", s.handleBars)
	mux.HandleFunc("GET /v1/ohlcv/latest", s.handleLatestBar)
	mux.HandleFunc("GET /v1/ohlcv/day/{date}", s.handleBarByDay)

	// Run routes
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("POST /v1/runs/{date}", s.handleTriggerRun)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// CORS wraps auth so preflight requests, which carry no credentials,
	// are answered before the token check.
	s.handler = corsMiddleware(s.authMiddleware(mux), corsOrigin)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.logger.Info("REST API server started", "addr", "http://localhost"+s.httpServer.Addr,
		"health", "http://localhost"+s.httpServer.Addr+"/health")
	if s.apiKey != "" {
		s.logger.Info("authentication enabled (Bearer token)")
	} else {
		s.logger.Warn("authentication disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
