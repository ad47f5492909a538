package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

const DefaultRunsTable = "pipeline_runs"

const runSelect = `id, workflow_id, logical_date, attempt, state, failed_step, error,
	rows_fetched, rows_loaded, rows_merged, started_at, finished_at`

// RunRepo stores one row per workflow attempt.
type RunRepo struct {
	pool  *pgxpool.Pool
	name  string
	table string
}

func NewRunRepo(pool *pgxpool.Pool, table string) *RunRepo {
	if table == "" {
		table = DefaultRunsTable
	}
	return &RunRepo{pool: pool, name: table, table: pgx.Identifier{table}.Sanitize()}
}

func (r *RunRepo) CreateRunsTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+r.table+` (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			logical_date DATE NOT NULL,
			attempt INT NOT NULL,
			state TEXT NOT NULL,
			failed_step TEXT,
			error TEXT,
			rows_fetched INT NOT NULL DEFAULT 0,
			rows_loaded INT NOT NULL DEFAULT 0,
			rows_merged INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.name, err)
	}
	return nil
}

// Start inserts a running attempt and fills in its ID and start time.
func (r *RunRepo) Start(ctx context.Context, run *models.PipelineRun) error {
	day, err := time.Parse(DateLayout, run.LogicalDate)
	if err != nil {
		return fmt.Errorf("logical date: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.State = models.RunRunning

	return r.pool.QueryRow(ctx,
		`INSERT INTO `+r.table+` (workflow_id, logical_date, attempt, state, started_at)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING id`,
		run.WorkflowID, day, run.Attempt, run.State, run.StartedAt,
	).Scan(&run.ID)
}

func (r *RunRepo) Finish(ctx context.Context, run *models.PipelineRun) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+r.table+`
		 SET state = $2, failed_step = $3, error = $4,
		     rows_fetched = $5, rows_loaded = $6, rows_merged = $7, finished_at = $8
		 WHERE id = $1`,
		run.ID, run.State, run.FailedStep, run.Error,
		run.RowsFetched, run.RowsLoaded, run.RowsMerged, run.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d not found", run.ID)
	}
	return nil
}

func (r *RunRepo) GetHistory(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runSelect+` FROM `+r.table+` ORDER BY started_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// LastSuccess returns the latest logical date with a successful attempt.
func (r *RunRepo) LastSuccess(ctx context.Context, workflowID string) (time.Time, bool, error) {
	var d *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(logical_date) FROM `+r.table+` WHERE workflow_id = $1 AND state = $2`,
		workflowID, models.RunSuccess,
	).Scan(&d)
	if err != nil {
		return time.Time{}, false, err
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return d.UTC(), true, nil
}

// --- scan helpers ---

func scanRun(row scannable) (*models.PipelineRun, error) {
	var run models.PipelineRun
	var day time.Time
	err := row.Scan(
		&run.ID, &run.WorkflowID, &day, &run.Attempt, &run.State,
		&run.FailedStep, &run.Error,
		&run.RowsFetched, &run.RowsLoaded, &run.RowsMerged,
		&run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.LogicalDate = day.Format(DateLayout)
	return &run, nil
}

func collectRuns(rows rowsIter) ([]models.PipelineRun, error) {
	var out []models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
