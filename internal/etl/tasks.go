package etl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"text/template"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/models"
	"github.com/kjannette/trahn-pipeline/internal/notifications"
	"github.com/kjannette/trahn-pipeline/internal/pipeline"
)

const (
	StepFetch        = "fetch_ohlcv"
	StepDownload     = "download_file"
	StepCreateImport = "create_import_table"
	StepLoad         = "load_data_into_database"
	StepCreateFinal  = "create_final_table"
	StepMerge        = "merge_import_into_final_table"
	StepClearImport  = "clear_import_table"
	StepNotify       = "notify"
)

type Source interface {
	FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
}

type Files interface {
	Export(ds, symbol string, bars []models.Bar) (string, error)
	Download(ctx context.Context, uri string) (string, error)
	Open(localPath string) ([]models.Bar, error)
}

// Store is the staging/canonical table pair. LockStaging guards the shared
// staging table from the create step until the attempt ends.
type Store interface {
	LockStaging(ctx context.Context) (func(), error)
	CreateStagingTable(ctx context.Context) error
	LoadStaging(ctx context.Context, bars []models.Bar) (int64, error)
	CreateCanonicalTable(ctx context.Context) error
	MergeStaging(ctx context.Context) (int64, error)
	ClearStaging(ctx context.Context) (int64, error)
}

type Config struct {
	Source       Source
	Files        Files
	Store        Store
	Notifier     notifications.Notifier
	Symbol       string
	LookbackDays int
	Subject      string
	Body         string
}

// Tasks binds the pipeline steps to their collaborators.
type Tasks struct {
	cfg     Config
	subject *template.Template
	body    *template.Template
}

func NewTasks(cfg Config) (*Tasks, error) {
	if cfg.Source == nil || cfg.Files == nil || cfg.Store == nil || cfg.Notifier == nil {
		return nil, errors.New("etl: source, files, store and notifier are required")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("etl: symbol is required")
	}
	if cfg.LookbackDays < 1 {
		cfg.LookbackDays = 1
	}
	subject, err := template.New("subject").Option("missingkey=error").Parse(cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("etl: subject template: %w", err)
	}
	body, err := template.New("body").Option("missingkey=error").Parse(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("etl: body template: %w", err)
	}
	return &Tasks{cfg: cfg, subject: subject, body: body}, nil
}

// Steps returns the pipeline in execution order.
func (t *Tasks) Steps() []pipeline.Step {
	return []pipeline.Step{
		{ID: StepFetch, Run: t.fetch},
		{ID: StepDownload, Run: t.download},
		{ID: StepCreateImport, Run: t.createImport},
		{ID: StepLoad, Run: t.load},
		{ID: StepCreateFinal, Run: t.createFinal},
		{ID: StepMerge, Run: t.merge},
		{ID: StepClearImport, Run: t.clearImport},
		{ID: StepNotify, Run: t.notify},
	}
}

// Window returns the fetch window for a logical date: LookbackDays whole UTC
// days ending with the logical date.
func (t *Tasks) Window(logicalDate time.Time) (time.Time, time.Time) {
	end := logicalDate.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
	return end.AddDate(0, 0, -t.cfg.LookbackDays), end
}

func (t *Tasks) fetch(ctx context.Context, rc *pipeline.RunContext) error {
	start, end := t.Window(rc.LogicalDate)
	bars, err := t.cfg.Source.FetchDaily(ctx, t.cfg.Symbol, start, end)
	if err != nil {
		return err
	}

	valid := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Valid() {
			valid = append(valid, b)
			continue
		}
		rc.Logger.Warn("dropping invalid bar", "timestamp", b.Timestamp)
	}
	if len(valid) == 0 {
		rc.Logger.Warn("no bars in window", "start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))
	}

	uri, err := t.cfg.Files.Export(rc.DS, t.cfg.Symbol, valid)
	if err != nil {
		return err
	}
	rc.ArtifactURI = uri
	rc.Stats.Fetched = len(valid)
	return nil
}

func (t *Tasks) download(ctx context.Context, rc *pipeline.RunContext) error {
	if rc.ArtifactURI == "" {
		return errors.New("no artifact to download")
	}
	path, err := t.cfg.Files.Download(ctx, rc.ArtifactURI)
	if err != nil {
		return err
	}
	rc.LocalPath = path
	return nil
}

func (t *Tasks) createImport(ctx context.Context, rc *pipeline.RunContext) error {
	release, err := t.cfg.Store.LockStaging(ctx)
	if err != nil {
		return err
	}
	rc.OnFinish(release)
	return t.cfg.Store.CreateStagingTable(ctx)
}

func (t *Tasks) load(ctx context.Context, rc *pipeline.RunContext) error {
	if rc.LocalPath == "" {
		return errors.New("no downloaded file to load")
	}
	bars, err := t.cfg.Files.Open(rc.LocalPath)
	if err != nil {
		return err
	}
	deduped := models.Dedupe(bars)
	if n := len(bars) - len(deduped); n > 0 {
		rc.Logger.Warn("duplicate timestamps in file, keeping last", "dropped", n)
	}

	n, err := t.cfg.Store.LoadStaging(ctx, deduped)
	if err != nil {
		return err
	}
	rc.Stats.Loaded = int(n)
	return nil
}

func (t *Tasks) createFinal(ctx context.Context, rc *pipeline.RunContext) error {
	return t.cfg.Store.CreateCanonicalTable(ctx)
}

func (t *Tasks) merge(ctx context.Context, rc *pipeline.RunContext) error {
	n, err := t.cfg.Store.MergeStaging(ctx)
	if err != nil {
		return err
	}
	rc.Stats.Merged = int(n)
	return nil
}

func (t *Tasks) clearImport(ctx context.Context, rc *pipeline.RunContext) error {
	n, err := t.cfg.Store.ClearStaging(ctx)
	if err != nil {
		return err
	}
	rc.Stats.Cleared = int(n)
	return nil
}

type messageData struct {
	DS         string
	Owner      string
	WorkflowID string
	Symbol     string
	Fetched    int
	Loaded     int
	Merged     int
}

func (t *Tasks) notify(ctx context.Context, rc *pipeline.RunContext) error {
	msg, err := t.Message(rc)
	if err != nil {
		return err
	}
	return t.cfg.Notifier.Notify(ctx, msg)
}

// Message renders the completion notification for a run.
func (t *Tasks) Message(rc *pipeline.RunContext) (notifications.Message, error) {
	data := messageData{
		DS:         rc.DS,
		Owner:      rc.Defaults.Owner,
		WorkflowID: rc.WorkflowID,
		Symbol:     t.cfg.Symbol,
		Fetched:    rc.Stats.Fetched,
		Loaded:     rc.Stats.Loaded,
		Merged:     rc.Stats.Merged,
	}

	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return notifications.Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return notifications.Message{}, fmt.Errorf("render body: %w", err)
	}
	return notifications.Message{
		Subject: subject.String(),
		Text:    body.String(),
		HTML:    "<p>" + html.EscapeString(body.String()) + "</p>",
	}, nil
}
