package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type StepFunc func(ctx context.Context, rc *RunContext) error

type Step struct {
	ID  string
	Run StepFunc
}

// RunContext is created fresh for every attempt. Steps hand results to later
// steps through it.
type RunContext struct {
	WorkflowID  string
	LogicalDate time.Time
	DS          string
	Attempt     int
	Defaults    Defaults
	Logger      *slog.Logger

	ArtifactURI string
	LocalPath   string
	Stats       Stats

	cleanups []func()
}

// OnFinish registers f to run when the attempt ends, whether or not it
// succeeded. Registered funcs run last-in first-out.
func (rc *RunContext) OnFinish(f func()) {
	rc.cleanups = append(rc.cleanups, f)
}

func (rc *RunContext) finish() {
	for i := len(rc.cleanups) - 1; i >= 0; i-- {
		rc.cleanups[i]()
	}
	rc.cleanups = nil
}

type Stats struct {
	Fetched int `json:"fetched"`
	Loaded  int `json:"loaded"`
	Merged  int `json:"merged"`
	Cleared int `json:"cleared"`
}

type StepState string

const (
	StateSuccess        StepState = "success"
	StateFailed         StepState = "failed"
	StateUpstreamFailed StepState = "upstream_failed"
)

type StepResult struct {
	ID       string        `json:"id"`
	State    StepState     `json:"state"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

type Attempt struct {
	Number   int          `json:"number"`
	Steps    []StepResult `json:"steps"`
	Stats    Stats        `json:"stats"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Err      error        `json:"-"`
}

type Report struct {
	WorkflowID string    `json:"workflowId"`
	DS         string    `json:"ds"`
	Attempts   []Attempt `json:"attempts"`
	Succeeded  bool      `json:"succeeded"`
}

// Last returns the final attempt, or nil when none ran.
func (r *Report) Last() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// StepError is the error of a failed attempt.
type StepError struct {
	Step    string
	Attempt int
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (attempt %d): %v", e.Step, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
