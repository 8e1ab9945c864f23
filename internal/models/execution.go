package models

import "time"

// TaskExecutionSession is one orchestration run over a subtask batch.
// It is owned by the orchestrator for the run's duration and referenced
// externally only by ExecutionID for status polling and cancellation.
type TaskExecutionSession struct {
	ExecutionID           string     `json:"execution_id"`
	ConversationSessionID string     `json:"conversation_session_id,omitempty"`
	Subtasks              []*Subtask `json:"subtasks"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               time.Time  `json:"end_time,omitempty"`
	TotalTasks            int        `json:"total_tasks"`
	SuccessfulTasks       int        `json:"successful_tasks"`
	FailedTasks           int        `json:"failed_tasks"`
	Cancelled             bool       `json:"cancelled"`
}

// TaskExecutionResult is the aggregate outcome of one orchestration run.
// Partial results are always present: every subtask ends in exactly one
// terminal state and is reported here.
type TaskExecutionResult struct {
	ExecutionID           string          `json:"execution_id"`
	ConversationSessionID string          `json:"conversation_session_id,omitempty"`
	TotalTasks            int             `json:"total_tasks"`
	SuccessfulTasks       int             `json:"successful_tasks"`
	FailedTasks           int             `json:"failed_tasks"`
	SkippedTasks          int             `json:"skipped_tasks"`
	AllSuccessful         bool            `json:"all_successful"`
	Cancelled             bool            `json:"cancelled"`
	TotalExecutionTimeMs  int64           `json:"total_execution_time_ms"`
	Results               []SubtaskResult `json:"results"`
}
