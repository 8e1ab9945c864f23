package models

import "time"

// VoteStatus tracks the lifecycle of a single participant's vote.
type VoteStatus string

const (
	VotePending    VoteStatus = "PENDING"
	VoteInProgress VoteStatus = "IN_PROGRESS"
	VoteCompleted  VoteStatus = "COMPLETED"
	VoteFailed     VoteStatus = "FAILED"
	VoteTimedOut   VoteStatus = "TIMED_OUT"
)

// SubtaskProposal is a subtask suggested by one model inside its vote.
// Proposals are merged/deduplicated by action during consensus.
type SubtaskProposal struct {
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
	Entities    map[string]interface{} `json:"entities,omitempty"`
}

// Vote is one model's classification opinion for one round. Votes are
// immutable once their status is terminal; the owning round is the only
// holder of the value.
type Vote struct {
	VoteID      string                 `json:"vote_id"`
	ModelID     string                 `json:"model_id"`
	ModelName   string                 `json:"model_name,omitempty"`
	ModelWeight float64                `json:"model_weight"`
	Intent      string                 `json:"intent"`
	Confidence  float64                `json:"confidence"`
	Entities    map[string]interface{} `json:"entities,omitempty"`
	Subtasks    []SubtaskProposal      `json:"subtasks,omitempty"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	Status      VoteStatus             `json:"status"`
	ErrorMsg    string                 `json:"error_message,omitempty"`
	LatencyMs   int64                  `json:"latency_ms"`
	ProducedAt  time.Time              `json:"produced_at"`
}

// IsValid reports whether the vote may participate in consensus.
// Invalid votes are excluded from scoring but kept on the round for audit.
func (v *Vote) IsValid() bool {
	return v.Status == VoteCompleted &&
		v.Intent != "" &&
		v.Confidence >= 0.0 && v.Confidence <= 1.0
}

// WeightedScore is the vote's contribution under weighted-majority scoring.
func (v *Vote) WeightedScore() float64 {
	return v.ModelWeight * v.Confidence
}
