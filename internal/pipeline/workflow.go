package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

const dateLayout = "2006-01-02"

// ErrBeforeStartDate is returned for logical dates earlier than the
// workflow's start date.
var ErrBeforeStartDate = errors.New("logical date is before start date")

// Defaults is the per-workflow scheduling configuration: who owns it, who
// hears about failures, when it starts and how failed runs are retried.
type Defaults struct {
	Owner      string
	Email      []string
	StartDate  time.Time
	Retries    int
	RetryDelay time.Duration
}

func DefaultArgs() Defaults {
	return Defaults{
		StartDate:  time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		Retries:    3,
		RetryDelay: 3 * time.Minute,
	}
}

// CheckStartDate rejects a logical date that falls before the UTC day of
// start. A zero start disables the check.
func CheckStartDate(start, logicalDate time.Time) error {
	if start.IsZero() {
		return nil
	}
	first := start.UTC().Truncate(24 * time.Hour)
	day := logicalDate.UTC().Truncate(24 * time.Hour)
	if day.Before(first) {
		return fmt.Errorf("%w: %s < %s", ErrBeforeStartDate, day.Format(dateLayout), first.Format(dateLayout))
	}
	return nil
}

// Recorder persists attempt state. Recorder errors are logged and never fail
// a run.
type Recorder interface {
	Start(ctx context.Context, run *models.PipelineRun) error
	Finish(ctx context.Context, run *models.PipelineRun) error
}

type Option func(*Workflow)

func WithRecorder(r Recorder) Option {
	return func(w *Workflow) { w.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// Workflow is an ordered list of steps run with stop-on-first-failure
// semantics. A failed attempt is retried as a whole.
type Workflow struct {
	id       string
	defaults Defaults
	steps    []Step
	recorder Recorder
	logger   *slog.Logger
}

func New(id string, defaults Defaults, steps []Step, opts ...Option) (*Workflow, error) {
	if id == "" {
		return nil, errors.New("workflow id is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow %s: no steps", id)
	}
	if defaults.Retries < 0 || defaults.RetryDelay < 0 {
		return nil, fmt.Errorf("workflow %s: retries and retry delay must be >= 0", id)
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" || s.Run == nil {
			return nil, fmt.Errorf("workflow %s: step %d needs an id and a func", id, i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("workflow %s: duplicate step id %q", id, s.ID)
		}
		seen[s.ID] = true
	}

	w := &Workflow{
		id:       id,
		defaults: defaults,
		steps:    append([]Step(nil), steps...),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrDefault(w.logger).With("component", "workflow", "workflow", id)
	return w, nil
}

func (w *Workflow) ID() string {
	return w.id
}

func (w *Workflow) Defaults() Defaults {
	return w.defaults
}

func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.steps))
	for i, s := range w.steps {
		ids[i] = s.ID
	}
	return ids
}

// Run executes the workflow for one logical date. It makes up to
// 1+Retries attempts, waiting RetryDelay between them, and returns the error
// of the last attempt when none succeed. Dates before StartDate fail with
// ErrBeforeStartDate and no attempt. The report is always non-nil.
func (w *Workflow) Run(ctx context.Context, logicalDate time.Time) (*Report, error) {
	day := logicalDate.UTC().Truncate(24 * time.Hour)
	report := &Report{WorkflowID: w.id, DS: day.Format(dateLayout)}
	log := w.logger.With("ds", report.DS)
	if err := CheckStartDate(w.defaults.StartDate, day); err != nil {
		log.Warn("run rejected", "error", err)
		return report, err
	}

	op := func() error {
		a := w.runAttempt(ctx, day, len(report.Attempts)+1)
		report.Attempts = append(report.Attempts, a)
		if a.Err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(a.Err)
		}
		return a.Err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(w.defaults.RetryDelay)
	b = backoff.WithMaxRetries(b, uint64(w.defaults.Retries))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warn("attempt failed, retrying",
			"attempt", len(report.Attempts), "max_attempts", w.defaults.Retries+1,
			"error", err, "wait", wait)
	})
	if err != nil {
		log.Error("run failed", "attempts", len(report.Attempts), "error", err)
		return report, err
	}

	report.Succeeded = true
	log.Info("run succeeded", "attempts", len(report.Attempts))
	return report, nil
}

func (w *Workflow) runAttempt(ctx context.Context, day time.Time, n int) Attempt {
	rc := &RunContext{
		WorkflowID:  w.id,
		LogicalDate: day,
		DS:          day.Format(dateLayout),
		Attempt:     n,
		Defaults:    w.defaults,
		Logger:      w.logger.With("ds", day.Format(dateLayout), "attempt", n),
	}
	a := Attempt{Number: n, Started: time.Now()}

	run := &models.PipelineRun{WorkflowID: w.id, LogicalDate: rc.DS, Attempt: n, StartedAt: a.Started}
	w.record(ctx, run, true)

	for _, s := range w.steps {
		if a.Err != nil {
			a.Steps = append(a.Steps, StepResult{ID: s.ID, State: StateUpstreamFailed})
			continue
		}

		started := time.Now()
		err := ctx.Err()
		if err == nil {
			err = runStep(ctx, s, rc)
		}
		res := StepResult{ID: s.ID, State: StateSuccess, Duration: time.Since(started)}
		if err != nil {
			res.State = StateFailed
			res.Err = err
			a.Err = &StepError{Step: s.ID, Attempt: n, Err: err}
			rc.Logger.Error("step failed", "step", s.ID, "error", err)
		} else {
			rc.Logger.Info("step done", "step", s.ID, "took", res.Duration.Round(time.Millisecond))
		}
		a.Steps = append(a.Steps, res)
	}
	rc.finish()
	a.Finished = time.Now()
	a.Stats = rc.Stats

	run.RowsFetched, run.RowsLoaded, run.RowsMerged = rc.Stats.Fetched, rc.Stats.Loaded, rc.Stats.Merged
	run.State = models.RunSuccess
	var se *StepError
	if errors.As(a.Err, &se) {
		msg := se.Err.Error()
		run.State = models.RunFailed
		run.FailedStep = &se.Step
		run.Error = &msg
	}
	finished := a.Finished
	run.FinishedAt = &finished
	w.record(ctx, run, false)

	return a
}

func (w *Workflow) record(ctx context.Context, run *models.PipelineRun, start bool) {
	if w.recorder == nil {
		return
	}
	// attempt bookkeeping outlives a cancelled run context
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if start {
		err = w.recorder.Start(ctx, run)
	} else if run.ID != 0 {
		err = w.recorder.Finish(ctx, run)
	}
	if err != nil {
		w.logger.Warn("could not record attempt", "attempt", run.Attempt, "error", err)
	}
}

func runStep(ctx context.Context, s Step, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Run(ctx, rc)
}
