package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/api"
	"github.com/kjannette/trahn-pipeline/internal/artifact"
	"github.com/kjannette/trahn-pipeline/internal/config"
	"github.com/kjannette/trahn-pipeline/internal/db"
	"github.com/kjannette/trahn-pipeline/internal/etl"
	"github.com/kjannette/trahn-pipeline/internal/external"
	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/notifications"
	"github.com/kjannette/trahn-pipeline/internal/pipeline"
	"github.com/kjannette/trahn-pipeline/internal/repository"
	"github.com/kjannette/trahn-pipeline/internal/scheduler"
)

const banner = `
╔══════════════════════════════════════╗
║     TRAHN OHLCV Pipeline v0.3        ║
║                                      ║
╚══════════════════════════════════════╝
`

func main() {
	once := flag.Bool("once", false, "Run one logical date and exit")
	date := flag.String("date", "", "Logical date for -once, YYYY-MM-DD (default yesterday)")
	backfillFrom := flag.String("backfill-from", "", "Backfill logical dates from YYYY-MM-DD and exit")
	backfillTo := flag.String("backfill-to", "", "Last backfill date, YYYY-MM-DD (default yesterday)")
	flag.Parse()

	os.Exit(run(*once, *date, *backfillFrom, *backfillTo))
}

func run(once bool, date, backfillFrom, backfillTo string) int {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 1
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	cfg.Print()

	logger := logging.NewLogger(cfg.LogLevel)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	yesterday := repository.Yesterday(time.Now())
	day, err := parseDay(date, yesterday)
	if err != nil {
		logger.Error("invalid -date", "error", err)
		return 2
	}
	bfTo, err := parseDay(backfillTo, yesterday)
	if err != nil {
		logger.Error("invalid -backfill-to", "error", err)
		return 2
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := logger.With("component", "db")
	dbLog.Info("connecting", "host", cfg.DBHost, "port", cfg.DBPort, "db", cfg.DBName)
	opts := db.DefaultPoolOptions
	opts.MaxConns = int32(cfg.DBMaxConns)
	pool, err := db.Connect(ctx, cfg.DSN(), opts)
	if err != nil {
		dbLog.Error("connection failed", "error", err)
		return 1
	}
	defer func() {
		pool.Close()
		dbLog.Info("connection pool closed")
	}()

	if err := db.TestConnection(ctx, pool, dbLog); err != nil {
		dbLog.Error("test query failed", "error", err)
		return 1
	}

	// Repos
	ohlcvRepo := repository.NewOHLCVRepo(pool, repository.Tables{
		Staging:   cfg.StagingTable,
		Canonical: cfg.CanonicalTable,
	})
	runRepo := repository.NewRunRepo(pool, "")
	if err := runRepo.CreateRunsTable(ctx); err != nil {
		dbLog.Error("create runs table failed", "error", err)
		return 1
	}

	defaults := pipeline.Defaults{
		Owner:      cfg.Owner,
		Email:      cfg.AlertEmails,
		StartDate:  cfg.StartDate,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
	}

	// Notifications
	completion, alerts := buildNotifiers(cfg, defaults.Email, logger)

	// Workflow
	tasks, err := etl.NewTasks(etl.Config{
		Source:       external.NewKlinesClient(cfg.ExchangeBaseURL, logger),
		Files:        artifact.NewStore(cfg.ExportDir, cfg.WorkDir, logger),
		Store:        ohlcvRepo,
		Notifier:     completion,
		Symbol:       cfg.Symbol,
		LookbackDays: cfg.LookbackDays,
		Subject:      cfg.NotifySubject,
		Body:         cfg.NotifyBody,
	})
	if err != nil {
		logger.Error("build tasks failed", "error", err)
		return 1
	}

	wf, err := pipeline.New(cfg.WorkflowID, defaults, tasks.Steps(), pipeline.WithRecorder(runRepo), pipeline.WithLogger(logger))
	if err != nil {
		logger.Error("build workflow failed", "error", err)
		return 1
	}

	sched := scheduler.NewDaily(wf, scheduler.DailyConfig{
		At:            cfg.ScheduleAt,
		MaxActiveRuns: cfg.MaxActiveRuns,
		StartDate:     cfg.StartDate,
		OnFailure: func(report *pipeline.Report, runErr error) {
			alertFailure(ctx, alerts, cfg.WorkflowID, report, runErr, logger)
		},
	}, logger)

	switch {
	case once:
		if _, err := sched.RunNow(ctx, day); err != nil {
			return 1
		}
		return 0
	case backfillFrom != "":
		from, err := parseDay(backfillFrom, yesterday)
		if err != nil {
			logger.Error("invalid -backfill-from", "error", err)
			return 2
		}
		if _, err := sched.Backfill(ctx, from, bfTo); err != nil {
			logger.Error("backfill stopped", "error", err)
			return 1
		}
		return 0
	}

	// 1. API server
	srv := api.NewServer(api.Deps{
		Bars:      ohlcvRepo,
		Runs:      runRepo,
		Trigger:   sched,
		DB:        pool,
		Scheduler: sched,
		Logger:    logger,
	}, cfg.APIPort, cfg.APIKey, cfg.CORSAllowOrigin)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", "error", err)
			stop()
		}
	}()

	// 2. Daily scheduler
	if err := sched.Start(); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return 1
	}

	// 3. Catch up on days missed while the service was down
	if cfg.Catchup {
		go catchUp(ctx, sched, runRepo, cfg, yesterday, logger)
	}

	logger.Info("all services started", "next_run", sched.NextRun().Format(time.RFC3339))

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return 0
}

func catchUp(ctx context.Context, sched *scheduler.Daily, runs *repository.RunRepo, cfg *config.Config, yesterday time.Time, logger *slog.Logger) {
	from := repository.StartOfDay(cfg.StartDate)
	last, ok, err := runs.LastSuccess(ctx, cfg.WorkflowID)
	if err != nil {
		logger.Error("catchup: last success lookup failed", "error", err)
		return
	}
	if ok && !last.Before(from) {
		from = last.AddDate(0, 0, 1)
	}
	if from.After(yesterday) {
		logger.Info("catchup: nothing to do")
		return
	}
	if _, err := sched.Backfill(ctx, from, yesterday); err != nil {
		logger.Error("catchup stopped", "error", err)
	}
}

// buildNotifiers returns the completion notifier used by the notify step and
// the alert notifier used when a run fails. Both post to the webhook; the
// completion email goes to NOTIFY_TO and alert email to alertTo.
func buildNotifiers(cfg *config.Config, alertTo []string, logger *slog.Logger) (completion, alerts notifications.Multi) {
	webhook := notifications.NewSender(cfg.WebhookURL, cfg.BotName, logger)
	completion = notifications.Multi{
		notifications.NewEmailSender(emailConfig(cfg, cfg.NotifyTo), logger),
		webhook,
	}
	alerts = notifications.Multi{webhook}
	if len(alertTo) > 0 {
		alerts = append(alerts, notifications.NewEmailSender(emailConfig(cfg, alertTo), logger))
	}
	return completion, alerts
}

func alertFailure(ctx context.Context, n notifications.Notifier, workflowID string, report *pipeline.Report, runErr error, logger *slog.Logger) {
	ds := "unknown"
	attempts := 0
	if report != nil {
		ds = report.DS
		attempts = len(report.Attempts)
	}
	msg := notifications.Message{
		Subject: fmt.Sprintf("%s failed on %s", workflowID, ds),
		Text:    fmt.Sprintf("Run for %s failed after %d attempt(s): %v", ds, attempts, runErr),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := n.Notify(ctx, msg); err != nil {
		logger.Error("failure alert not delivered", "ds", ds, "error", err)
	}
}

func emailConfig(cfg *config.Config, to []string) notifications.EmailConfig {
	return notifications.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		To:       to,
	}
}

func parseDay(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(repository.DateLayout, s)
}
