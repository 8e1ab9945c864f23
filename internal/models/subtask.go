package models

import "time"

// SubtaskStatus tracks the lifecycle of one executable subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "PENDING"
	SubtaskInProgress SubtaskStatus = "IN_PROGRESS"
	SubtaskCompleted  SubtaskStatus = "COMPLETED"
	SubtaskFailed     SubtaskStatus = "FAILED"
	SubtaskSkipped    SubtaskStatus = "SKIPPED"
)

// Terminal reports whether the status is final.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskSkipped
}

// Priority orders subtasks of equal readiness.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Subtask is one externally-executable unit of work with declared
// dependencies. It is created by the upstream decomposition collaborator
// and mutated only by the orchestrator executing it.
type Subtask struct {
	SubtaskID    string                 `json:"subtask_id"`
	Action       string                 `json:"action"`
	Description  string                 `json:"description,omitempty"`
	Entities     map[string]interface{} `json:"entities,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Priority     Priority               `json:"priority,omitempty"`
	Status       SubtaskStatus          `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMsg     string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	FinishedAt   time.Time              `json:"finished_at,omitempty"`
}

// SubtaskResult is the recorded outcome of one subtask execution.
type SubtaskResult struct {
	SubtaskID       string                 `json:"subtask_id"`
	Action          string                 `json:"action"`
	Status          SubtaskStatus          `json:"status"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorMsg        string                 `json:"error_message,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
}
