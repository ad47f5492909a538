package models

import "time"

const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// PipelineRun is one attempt of a workflow run for a logical date.
type PipelineRun struct {
	ID          int64      `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	LogicalDate string     `json:"logicalDate"`
	Attempt     int        `json:"attempt"`
	State       string     `json:"state"`
	FailedStep  *string    `json:"failedStep,omitempty"`
	Error       *string    `json:"error,omitempty"`
	RowsFetched int        `json:"rowsFetched"`
	RowsLoaded  int        `json:"rowsLoaded"`
	RowsMerged  int        `json:"rowsMerged"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
