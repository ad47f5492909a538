package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

// Tables names the staging and canonical tables of one pipeline.
type Tables struct {
	Staging   string
	Canonical string
}

var DefaultTables = Tables{Staging: "eth_import", Canonical: "eth"}

var barColumns = []string{"timestamp", "open", "highest", "lowest", "closing", "volume"}

const barSelect = `timestamp, open, highest, lowest, closing, volume`

type OHLCVRepo struct {
	pool      *pgxpool.Pool
	tables    Tables
	staging   string
	canonical string
}

func NewOHLCVRepo(pool *pgxpool.Pool, tables Tables) *OHLCVRepo {
	if tables.Staging == "" {
		tables.Staging = DefaultTables.Staging
	}
	if tables.Canonical == "" {
		tables.Canonical = DefaultTables.Canonical
	}
	return &OHLCVRepo{
		pool:      pool,
		tables:    tables,
		staging:   pgx.Identifier{tables.Staging}.Sanitize(),
		canonical: pgx.Identifier{tables.Canonical}.Sanitize(),
	}
}

func (r *OHLCVRepo) Tables() Tables {
	return r.tables
}

// CreateStagingTable creates the staging table. Timestamps are not unique
// here; MergeStaging resolves duplicates.
func (r *OHLCVRepo) CreateStagingTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+r.staging+` (
			timestamp BIGINT,
			open FLOAT,
			highest FLOAT,
			lowest FLOAT,
			closing FLOAT,
			volume FLOAT
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.tables.Staging, err)
	}
	return nil
}

func (r *OHLCVRepo) CreateCanonicalTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+r.canonical+` (
			timestamp BIGINT PRIMARY KEY,
			open FLOAT,
			highest FLOAT,
			lowest FLOAT,
			closing FLOAT,
			volume FLOAT
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.tables.Canonical, err)
	}
	return nil
}

// LoadStaging bulk-copies bars into the staging table.
func (r *OHLCVRepo) LoadStaging(ctx context.Context, bars []models.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(bars))
	for i, b := range bars {
		rows[i] = []any{b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume}
	}

	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{r.tables.Staging},
		barColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", r.tables.Staging, err)
	}
	return n, nil
}

// MergeStaging upserts every staged row into the canonical table in one
// statement. When staging holds the same timestamp more than once, the row
// loaded last wins.
func (r *OHLCVRepo) MergeStaging(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO `+r.canonical+` (`+barSelect+`)
		SELECT DISTINCT ON (timestamp) `+barSelect+`
		FROM `+r.staging+`
		ORDER BY timestamp, ctid DESC
		ON CONFLICT (timestamp)
		DO UPDATE SET
			open = EXCLUDED.open,
			highest = EXCLUDED.highest,
			lowest = EXCLUDED.lowest,
			closing = EXCLUDED.closing,
			volume = EXCLUDED.volume`)
	if err != nil {
		return 0, fmt.Errorf("merge %s into %s: %w", r.tables.Staging, r.tables.Canonical, err)
	}
	return tag.RowsAffected(), nil
}

func (r *OHLCVRepo) ClearStaging(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM `+r.staging)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", r.tables.Staging, err)
	}
	return tag.RowsAffected(), nil
}

func (r *OHLCVRepo) CountStaging(ctx context.Context) (int64, error) {
	return r.count(ctx, r.staging)
}

func (r *OHLCVRepo) CountCanonical(ctx context.Context) (int64, error) {
	return r.count(ctx, r.canonical)
}

func (r *OHLCVRepo) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GetBar returns the canonical bar at ts, or nil when there is none.
func (r *OHLCVRepo) GetBar(ctx context.Context, ts int64) (*models.Bar, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+barSelect+` FROM `+r.canonical+` WHERE timestamp = $1`, ts)
	b, err := scanBar(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// ListBars returns canonical bars with from <= timestamp < to, oldest first.
func (r *OHLCVRepo) ListBars(ctx context.Context, from, to int64, limit int) ([]models.Bar, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+barSelect+` FROM `+r.canonical+`
		 WHERE timestamp >= $1 AND timestamp < $2
		 ORDER BY timestamp ASC LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBars(rows)
}

func (r *OHLCVRepo) Latest(ctx context.Context) (*models.Bar, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+barSelect+` FROM `+r.canonical+` ORDER BY timestamp DESC LIMIT 1`)
	b, err := scanBar(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// LockStaging takes a session advisory lock keyed on the staging table name
// and holds it on a dedicated connection until the returned func is called.
// Concurrent runs sharing a staging table serialize their load to clear span
// on it. The release func is safe to call more than once.
func (r *OHLCVRepo) LockStaging(ctx context.Context) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, r.tables.Staging); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock %s: %w", r.tables.Staging, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, r.tables.Staging); err != nil {
				// closing the session drops the lock
				_ = conn.Hijack().Close(ctx)
				return
			}
			conn.Release()
		})
	}, nil
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBar(row scannable) (*models.Bar, error) {
	var b models.Bar
	if err := row.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBars(rows rowsIter) ([]models.Bar, error) {
	var out []models.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
