package models

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

type ExecutorType string

const (
	ExecutorOperator ExecutorType = "operator"
	ExecutorPipeline ExecutorType = "pipeline"
)

type TaskRecord struct {
	ID           string         `json:"id"`
	DatasetID    string         `json:"dataset_id"`
	ExecutorName string         `json:"executor_name"`
	ExecutorType ExecutorType   `json:"executor_type"`
	Status       TaskStatus     `json:"status"`
	OutputID     *string        `json:"output_id"`
	ErrorMessage *string        `json:"error_message"`
	Meta         map[string]any `json:"meta"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at"`
}

// TaskUpdate carries the fields of a partial task update. Nil fields are
// left untouched.
type TaskUpdate struct {
	DatasetID    *string        `json:"dataset_id"`
	ExecutorName *string        `json:"executor_name"`
	Status       *TaskStatus    `json:"status"`
	OutputID     *string        `json:"output_id"`
	ErrorMessage *string        `json:"error_message"`
	Meta         map[string]any `json:"meta"`
}

type TaskStatistics struct {
	Total          int                  `json:"total"`
	Pending        int                  `json:"pending"`
	Running        int                  `json:"running"`
	Success        int                  `json:"success"`
	Failed         int                  `json:"failed"`
	Cancelled      int                  `json:"cancelled"`
	ByExecutorType map[ExecutorType]int `json:"by_executor_type"`
}
