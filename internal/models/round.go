package models

import "time"

// RoundStatus tracks a voting round's lifecycle. Transitions only move
// forward: PENDING -> IN_PROGRESS -> {COMPLETED, FAILED, TIMED_OUT};
// terminal states are final.
type RoundStatus string

const (
	RoundPending    RoundStatus = "PENDING"
	RoundInProgress RoundStatus = "IN_PROGRESS"
	RoundCompleted  RoundStatus = "COMPLETED"
	RoundFailed     RoundStatus = "FAILED"
	RoundTimedOut   RoundStatus = "TIMED_OUT"
)

func (s RoundStatus) Terminal() bool {
	return s == RoundCompleted || s == RoundFailed || s == RoundTimedOut
}

// ParticipantFailure records a participant that contributed no vote.
type ParticipantFailure struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// VotingRound is one classification attempt. It is owned by the caller
// that initiated classification and never shared across requests.
type VotingRound struct {
	RoundID             string                 `json:"round_id"`
	RequestID           string                 `json:"request_id"`
	UserMessage         string                 `json:"user_message"`
	ConversationContext map[string]interface{} `json:"conversation_context,omitempty"`
	ConversationHistory []string               `json:"conversation_history,omitempty"`
	Votes               []Vote                 `json:"votes"`
	// Consensus holds the authoritative decision (the last debate
	// round's consensus). Earlier debate rounds are kept for audit.
	Consensus      *VotingConsensus   `json:"consensus,omitempty"`
	DebateHistory  []*VotingConsensus `json:"debate_history,omitempty"`
	DebateRounds   int                `json:"debate_rounds"`
	Status         RoundStatus        `json:"status"`
	StatusNote     string             `json:"status_note,omitempty"`
	Failures       []ParticipantFailure `json:"failures,omitempty"`
	StartTime      time.Time          `json:"start_time"`
	EndTime        time.Time          `json:"end_time,omitempty"`
}

// NewVotingRound creates a round in PENDING state.
func NewVotingRound(roundID, requestID, userMessage string) *VotingRound {
	return &VotingRound{
		RoundID:     roundID,
		RequestID:   requestID,
		UserMessage: userMessage,
		Status:      RoundPending,
		StartTime:   time.Now(),
	}
}

// Begin moves the round to IN_PROGRESS. No-op once terminal.
func (r *VotingRound) Begin() {
	if !r.Status.Terminal() {
		r.Status = RoundInProgress
	}
}

// Finish sets a terminal status and stamps the end time. Once a round is
// terminal its status never changes again.
func (r *VotingRound) Finish(status RoundStatus, note string) {
	if r.Status.Terminal() {
		return
	}
	r.Status = status
	r.StatusNote = note
	r.EndTime = time.Now()
}

// RecordFailure notes a participant that produced no vote.
func (r *VotingRound) RecordFailure(modelID, reason string) {
	r.Failures = append(r.Failures, ParticipantFailure{ModelID: modelID, Reason: reason})
}
