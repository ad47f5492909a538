package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-pipeline/internal/models"
)

var day = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

type trace struct {
	mu  sync.Mutex
	ran []string
}

func (tr *trace) step(id string, err func(attempt int) error) Step {
	return Step{ID: id, Run: func(ctx context.Context, rc *RunContext) error {
		tr.mu.Lock()
		tr.ran = append(tr.ran, id)
		tr.mu.Unlock()
		if err == nil {
			return nil
		}
		return err(rc.Attempt)
	}}
}

func fastDefaults(retries int) Defaults {
	d := DefaultArgs()
	d.Retries = retries
	d.RetryDelay = time.Millisecond
	return d
}

type memRecorder struct {
	mu       sync.Mutex
	nextID   int64
	started  []models.PipelineRun
	finished []models.PipelineRun
}

func (m *memRecorder) Start(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	run.ID = m.nextID
	m.started = append(m.started, *run)
	return nil
}

func (m *memRecorder) Finish(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *run)
	return nil
}

func TestNew_Validation(t *testing.T) {
	ok := Step{ID: "a", Run: func(context.Context, *RunContext) error { return nil }}

	_, err := New("", DefaultArgs(), []Step{ok})
	require.Error(t, err)

	_, err = New("wf", DefaultArgs(), nil)
	require.Error(t, err)

	_, err = New("wf", DefaultArgs(), []Step{ok, ok})
	require.ErrorContains(t, err, "duplicate")

	_, err = New("wf", DefaultArgs(), []Step{{ID: "b"}})
	require.Error(t, err)

	bad := DefaultArgs()
	bad.Retries = -1
	_, err = New("wf", bad, []Step{ok})
	require.Error(t, err)

	w, err := New("wf", DefaultArgs(), []Step{ok})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, w.StepIDs())
	require.Equal(t, 3, w.Defaults().Retries)
}

func TestRun_StepsInOrder(t *testing.T) {
	tr := &trace{}
	w, err := New("wf", fastDefaults(3), []Step{
		tr.step("one", nil), tr.step("two", nil), tr.step("three", nil),
	})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	require.True(t, report.Succeeded)
	require.Equal(t, "2024-01-02", report.DS)
	require.Len(t, report.Attempts, 1)
	require.Equal(t, []string{"one", "two", "three"}, tr.ran)
	for _, s := range report.Last().Steps {
		require.Equal(t, StateSuccess, s.State)
	}
}

func TestRun_StopsOnFirstFailure(t *testing.T) {
	tr := &trace{}
	boom := errors.New("exchange down")
	w, err := New("wf", fastDefaults(0), []Step{
		tr.step("fetch", func(int) error { return boom }),
		tr.step("load", nil),
		tr.step("merge", nil),
	})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), day)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)

	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "fetch", se.Step)
	require.Equal(t, 1, se.Attempt)

	require.False(t, report.Succeeded)
	require.Equal(t, []string{"fetch"}, tr.ran, "downstream steps must not run")

	steps := report.Last().Steps
	require.Equal(t, StateFailed, steps[0].State)
	require.Equal(t, StateUpstreamFailed, steps[1].State)
	require.Equal(t, StateUpstreamFailed, steps[2].State)
}

func TestRun_RetriesWholeRun(t *testing.T) {
	tr := &trace{}
	w, err := New("wf", fastDefaults(3), []Step{
		tr.step("fetch", nil),
		tr.step("load", func(attempt int) error {
			if attempt == 1 {
				return errors.New("transient")
			}
			return nil
		}),
		tr.step("notify", nil),
	})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), day)
	require.NoError(t, err)
	require.True(t, report.Succeeded)
	require.Len(t, report.Attempts, 2)
	require.Error(t, report.Attempts[0].Err)
	require.NoError(t, report.Attempts[1].Err)
	require.Equal(t, []string{"fetch", "load", "fetch", "load", "notify"}, tr.ran)
}

func TestRun_RetriesExhausted(t *testing.T) {
	tr := &trace{}
	w, err := New("wf", fastDefaults(3), []Step{
		tr.step("fetch", func(int) error { return errors.New("always") }),
		tr.step("load", nil),
	})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), day)
	require.Error(t, err)
	require.Len(t, report.Attempts, 4, "one try plus three retries")
	require.Equal(t, []string{"fetch", "fetch", "fetch", "fetch"}, tr.ran)

	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 4, se.Attempt)
}

func TestRun_RetryDelay(t *testing.T) {
	d := DefaultArgs()
	d.Retries = 2
	d.RetryDelay = 30 * time.Millisecond
	w, err := New("wf", d, []Step{
		{ID: "x", Run: func(context.Context, *RunContext) error { return errors.New("no") }},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = w.Run(context.Background(), day)
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRun_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	w, err := New("wf", fastDefaults(3), []Step{
		{ID: "x", Run: func(ctx context.Context, rc *RunContext) error {
			calls++
			cancel()
			return ctx.Err()
		}},
		{ID: "y", Run: func(context.Context, *RunContext) error {
			t.Fatal("must not run")
			return nil
		}},
	})
	require.NoError(t, err)

	_, err = w.Run(ctx, day)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestRun_PanicBecomesStepError(t *testing.T) {
	w, err := New("wf", fastDefaults(0), []Step{
		{ID: "x", Run: func(context.Context, *RunContext) error { panic("nil map") }},
	})
	require.NoError(t, err)

	_, err = w.Run(context.Background(), day)
	var se *StepError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Error(), "panic: nil map")
}

func TestRun_HandOffResetPerAttempt(t *testing.T) {
	var seen []string
	w, err := New("wf", fastDefaults(1), []Step{
		{ID: "produce", Run: func(ctx context.Context, rc *RunContext) error {
			seen = append(seen, rc.ArtifactURI)
			rc.ArtifactURI = "file:///tmp/a.csv"
			rc.Stats.Fetched = 5
			return nil
		}},
		{ID: "consume", Run: func(ctx context.Context, rc *RunContext) error {
			if rc.Attempt == 1 {
				return errors.New("retry me")
			}
			require.Equal(t, "file:///tmp/a.csv", rc.ArtifactURI)
			require.Equal(t, "2024-01-02", rc.DS)
			return nil
		}},
	})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, []string{"", ""}, seen)
	require.Equal(t, 5, report.Last().Stats.Fetched)
}

func TestRun_RecordsAttempts(t *testing.T) {
	rec := &memRecorder{}
	w, err := New("wf", fastDefaults(1), []Step{
		{ID: "fetch", Run: func(ctx context.Context, rc *RunContext) error {
			rc.Stats.Fetched = 3
			return nil
		}},
		{ID: "merge", Run: func(ctx context.Context, rc *RunContext) error {
			if rc.Attempt == 1 {
				return errors.New("deadlock detected")
			}
			rc.Stats.Merged = 3
			return nil
		}},
	}, WithRecorder(rec))
	require.NoError(t, err)

	_, err = w.Run(context.Background(), day)
	require.NoError(t, err)

	require.Len(t, rec.started, 2)
	require.Len(t, rec.finished, 2)
	require.Equal(t, "2024-01-02", rec.started[0].LogicalDate)

	first := rec.finished[0]
	require.Equal(t, models.RunFailed, first.State)
	require.Equal(t, "merge", *first.FailedStep)
	require.Equal(t, "deadlock detected", *first.Error)

	second := rec.finished[1]
	require.Equal(t, models.RunSuccess, second.State)
	require.Equal(t, 2, second.Attempt)
	require.Equal(t, 3, second.RowsMerged)
	require.NotNil(t, second.FinishedAt)
}

func TestRun_RejectsDateBeforeStart(t *testing.T) {
	tr := &trace{}
	w, err := New("wf", fastDefaults(3), []Step{tr.step("fetch", nil), tr.step("merge", nil)})
	require.NoError(t, err)

	report, err := w.Run(context.Background(), time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrBeforeStartDate)
	require.NotNil(t, report)
	require.False(t, report.Succeeded)
	require.Empty(t, report.Attempts)
	require.Empty(t, tr.ran)

	// the start date itself is runnable
	_, err = w.Run(context.Background(), time.Date(2022, 1, 1, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, []string{"fetch", "merge"}, tr.ran)
}

func TestCheckStartDate(t *testing.T) {
	start := time.Date(2022, 1, 1, 15, 0, 0, 0, time.UTC)
	require.NoError(t, CheckStartDate(time.Time{}, time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, CheckStartDate(start, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.ErrorIs(t, CheckStartDate(start, time.Date(2021, 12, 31, 23, 0, 0, 0, time.UTC)), ErrBeforeStartDate)
}

func TestRun_OnFinishRunsAfterFailure(t *testing.T) {
	var order []string
	w, err := New("wf", fastDefaults(0), []Step{
		{ID: "lock", Run: func(ctx context.Context, rc *RunContext) error {
			rc.OnFinish(func() { order = append(order, "release-first") })
			rc.OnFinish(func() { order = append(order, "release-second") })
			return nil
		}},
		{ID: "load", Run: func(context.Context, *RunContext) error {
			order = append(order, "load")
			return errors.New("copy failed")
		}},
	})
	require.NoError(t, err)

	_, err = w.Run(context.Background(), day)
	require.Error(t, err)
	require.Equal(t, []string{"load", "release-second", "release-first"}, order)
}
