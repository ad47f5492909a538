package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/pipeline"
	"github.com/kjannette/trahn-pipeline/internal/repository"
)

// ErrMaxActiveRuns is returned when a trigger arrives while every run slot is
// taken.
var ErrMaxActiveRuns = errors.New("max active runs reached")

// ErrStopped is returned by Trigger when the scheduler is not running.
var ErrStopped = errors.New("scheduler is not running")

// Runner runs the workflow for one logical date.
type Runner interface {
	Run(ctx context.Context, logicalDate time.Time) (*pipeline.Report, error)
}

type DailyConfig struct {
	At            string // "HH:MM" UTC, e.g. "00:00"
	MaxActiveRuns int
	StartDate     time.Time // earliest logical date; zero means unbounded
	OnSuccess     func(report *pipeline.Report)
	OnFailure     func(report *pipeline.Report, err error)
	Now           func() time.Time
}

// Daily fires the workflow once a day for the UTC day that just closed.
type Daily struct {
	runner Runner
	cfg    DailyConfig
	logger *slog.Logger
	slots  chan struct{}

	mu      sync.Mutex
	running bool
	cron    *gocron.Scheduler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDaily(runner Runner, cfg DailyConfig, logger *slog.Logger) *Daily {
	if cfg.At == "" {
		cfg.At = "00:00"
	}
	if cfg.MaxActiveRuns <= 0 {
		cfg.MaxActiveRuns = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Daily{
		runner: runner,
		cfg:    cfg,
		logger: logging.OrDefault(logger).With("component", "scheduler"),
		slots:  make(chan struct{}, cfg.MaxActiveRuns),
	}
}

func (d *Daily) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Warn("already running")
		return nil
	}

	cron := gocron.NewScheduler(time.UTC)
	cron.SetMaxConcurrentJobs(d.cfg.MaxActiveRuns, gocron.RescheduleMode)
	if _, err := cron.Every(1).Day().At(d.cfg.At).Do(d.tick); err != nil {
		return fmt.Errorf("schedule daily run at %q: %w", d.cfg.At, err)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.cron = cron
	d.running = true
	cron.StartAsync()

	d.logger.Info("started", "at", d.cfg.At+" UTC", "max_active_runs", d.cfg.MaxActiveRuns)
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (d *Daily) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	cron := d.cron
	d.mu.Unlock()

	cron.Stop()
	d.wg.Wait()
	d.logger.Info("stopped")
}

func (d *Daily) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// NextRun reports when the daily job fires next. The zero time means the
// scheduler is not running.
func (d *Daily) NextRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return time.Time{}
	}
	_, next := d.cron.NextRun()
	return next
}

func (d *Daily) tick() {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	day := repository.Yesterday(d.cfg.Now())
	if _, err := d.RunNow(ctx, day); errors.Is(err, ErrMaxActiveRuns) {
		d.logger.Warn("skipping scheduled run", "ds", repository.LogicalDate(day), "error", err)
	}
}

// RunNow runs one logical date in the caller's goroutine. It fails fast with
// ErrMaxActiveRuns when no slot is free.
func (d *Daily) RunNow(ctx context.Context, logicalDate time.Time) (*pipeline.Report, error) {
	if err := pipeline.CheckStartDate(d.cfg.StartDate, logicalDate); err != nil {
		return nil, err
	}
	select {
	case d.slots <- struct{}{}:
	default:
		return nil, ErrMaxActiveRuns
	}
	return d.run(ctx, logicalDate)
}

// Trigger starts a run for logicalDate in the background. The run is bound
// to the scheduler's lifetime, not to ctx, and is rejected with ErrStopped
// unless the scheduler is running.
func (d *Daily) Trigger(ctx context.Context, logicalDate time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pipeline.CheckStartDate(d.cfg.StartDate, logicalDate); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrStopped
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.mu.Unlock()
		return ErrMaxActiveRuns
	}
	base := d.ctx
	// Add happens under mu so Stop's Wait cannot miss it.
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		_, _ = d.run(base, logicalDate)
	}()
	return nil
}

// Backfill runs every logical date in [from, to] in order, waiting for a free
// slot before each one. It stops at the first failed date and returns how
// many dates succeeded.
func (d *Daily) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	from = repository.StartOfDay(from)
	to = repository.StartOfDay(to)
	if to.Before(from) {
		return 0, fmt.Errorf("backfill: %s is before %s", repository.LogicalDate(to), repository.LogicalDate(from))
	}
	if err := pipeline.CheckStartDate(d.cfg.StartDate, from); err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}

	d.logger.Info("backfill started", "from", repository.LogicalDate(from), "to", repository.LogicalDate(to))
	done := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return done, ctx.Err()
		}
		if _, err := d.run(ctx, day); err != nil {
			return done, fmt.Errorf("backfill %s: %w", repository.LogicalDate(day), err)
		}
		done++
	}
	d.logger.Info("backfill finished", "runs", done)
	return done, nil
}

// run expects the caller to hold a slot.
func (d *Daily) run(ctx context.Context, day time.Time) (*pipeline.Report, error) {
	defer func() { <-d.slots }()

	ds := repository.LogicalDate(day)
	d.logger.Info("run triggered", "ds", ds)
	report, err := d.runner.Run(ctx, day)
	if err != nil {
		d.logger.Error("run failed", "ds", ds, "error", err)
		if d.cfg.OnFailure != nil {
			d.cfg.OnFailure(report, err)
		}
		return report, err
	}
	if d.cfg.OnSuccess != nil {
		d.cfg.OnSuccess(report)
	}
	return report, nil
}
