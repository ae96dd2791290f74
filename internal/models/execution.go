package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

func (s ExecutionStatus) rank() int {
	switch s {
	case ExecutionQueued:
		return 0
	case ExecutionRunning:
		return 1
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a record may move from one status to
// another. Transitions only go forward and terminal records stay put.
func CanTransition(from, to ExecutionStatus) bool {
	if from == to {
		return true
	}
	if from == "" {
		return to.rank() >= 0
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

type OperatorStatus string

const (
	OperatorInitializing OperatorStatus = "initializing"
	OperatorInitialized  OperatorStatus = "initialized"
	OperatorRunning      OperatorStatus = "running"
	OperatorCompleted    OperatorStatus = "completed"
	OperatorFailed       OperatorStatus = "failed"
	OperatorCancelled    OperatorStatus = "cancelled"
)

type OperatorDetail struct {
	Name        string         `json:"name"`
	Index       int            `json:"index"`
	Status      OperatorStatus `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	SampleCount *int           `json:"sample_count,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type ExecutionResult struct {
	Operator string `json:"operator"`
	Status   string `json:"status"`
	Index    int    `json:"index"`
}

type ExecutionOutput struct {
	OperatorsExecuted int               `json:"operators_executed"`
	ExecutionResults  []ExecutionResult `json:"execution_results,omitempty"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	ErrorContext      map[string]any    `json:"error_context,omitempty"`
	OriginalError     string            `json:"original_error,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	ArtifactURI       string            `json:"artifact_uri,omitempty"`
}

type ExecutionRecord struct {
	TaskID          string                     `json:"task_id"`
	PipelineID      string                     `json:"pipeline_id,omitempty"`
	PipelineConfig  PipelineConfig             `json:"pipeline_config"`
	Status          ExecutionStatus            `json:"status"`
	Output          ExecutionOutput            `json:"output"`
	Logs            []string                   `json:"logs"`
	OperatorLogs    map[string][]string        `json:"operator_logs"`
	OperatorsDetail map[string]*OperatorDetail `json:"operators_detail"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
	ErrorMessage    string                     `json:"error_message,omitempty"`
	Version         int64                      `json:"version"`
}

// NewExecutionRecord returns a queued record for a pipeline run.
func NewExecutionRecord(id, pipelineID string, cfg PipelineConfig, now time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		TaskID:          id,
		PipelineID:      pipelineID,
		PipelineConfig:  cfg,
		Status:          ExecutionQueued,
		Logs:            []string{fmt.Sprintf("[%s] Pipeline execution queued", now.Format(time.RFC3339Nano))},
		OperatorLogs:    map[string][]string{},
		OperatorsDetail: map[string]*OperatorDetail{},
	}
}

// OperatorKey is the key of an operator in operator_logs and
// operators_detail.
func OperatorKey(name string, index int) string {
	return fmt.Sprintf("%s_%d", name, index)
}

// Clone returns a deep copy of the record.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out ExecutionRecord
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}

// DetailAt returns the operator detail with the given index.
func (r *ExecutionRecord) DetailAt(index int) *OperatorDetail {
	for _, d := range r.OperatorsDetail {
		if d != nil && d.Index == index {
			return d
		}
	}
	return nil
}
