package audit

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// RoundRecord is the persisted form of one finished voting round.
// Votes and debate history are stored as JSON documents.
type RoundRecord struct {
	RoundID      string         `db:"round_id"`
	RequestID    string         `db:"request_id"`
	SessionID    string         `db:"session_id"`
	Status       string         `db:"status"`
	FinalIntent  string         `db:"final_intent"`
	Agreement    string         `db:"agreement_level"`
	Confidence   float64        `db:"confidence"`
	Algorithm    string         `db:"algorithm"`
	DebateRounds int            `db:"debate_rounds"`
	TotalVotes   int            `db:"total_votes"`
	ValidVotes   int            `db:"valid_votes"`
	DurationMs   int64          `db:"duration_ms"`
	Votes        types.JSONText `db:"votes"`
	Reasoning    string         `db:"reasoning"`
	CreatedAt    time.Time      `db:"created_at"`
}

// ExecutionRecord is the persisted form of one orchestration run.
type ExecutionRecord struct {
	ExecutionID     string         `db:"execution_id"`
	SessionID       string         `db:"session_id"`
	TotalTasks      int            `db:"total_tasks"`
	SuccessfulTasks int            `db:"successful_tasks"`
	FailedTasks     int            `db:"failed_tasks"`
	SkippedTasks    int            `db:"skipped_tasks"`
	AllSuccessful   bool           `db:"all_successful"`
	Cancelled       bool           `db:"cancelled"`
	DurationMs      int64          `db:"duration_ms"`
	Results         types.JSONText `db:"results"`
	CreatedAt       time.Time      `db:"created_at"`
}

// NewRoundRecord flattens a finished round for persistence.
func NewRoundRecord(round *models.VotingRound, requestID, sessionID string) *RoundRecord {
	rec := &RoundRecord{
		RoundID:      round.RoundID,
		RequestID:    requestID,
		SessionID:    sessionID,
		Status:       string(round.Status),
		DebateRounds: round.DebateRounds,
		TotalVotes:   len(round.Votes),
		CreatedAt:    time.Now(),
	}
	if !round.StartTime.IsZero() && !round.EndTime.IsZero() {
		rec.DurationMs = round.EndTime.Sub(round.StartTime).Milliseconds()
	}
	if c := round.Consensus; c != nil {
		rec.FinalIntent = c.FinalIntent
		rec.Agreement = string(c.AgreementLevel)
		rec.Confidence = c.ConsensusConfidence
		rec.Algorithm = c.ConsensusMethod
		rec.ValidVotes = c.ParticipatingVotes
		rec.Reasoning = c.Reasoning
	}
	if data, err := json.Marshal(round.Votes); err == nil {
		rec.Votes = types.JSONText(data)
	}
	return rec
}

// NewExecutionRecord flattens an orchestration result for persistence.
func NewExecutionRecord(result *models.TaskExecutionResult) *ExecutionRecord {
	rec := &ExecutionRecord{
		ExecutionID:     result.ExecutionID,
		SessionID:       result.ConversationSessionID,
		TotalTasks:      result.TotalTasks,
		SuccessfulTasks: result.SuccessfulTasks,
		FailedTasks:     result.FailedTasks,
		SkippedTasks:    result.SkippedTasks,
		AllSuccessful:   result.AllSuccessful,
		Cancelled:       result.Cancelled,
		DurationMs:      result.TotalExecutionTimeMs,
		CreatedAt:       time.Now(),
	}
	if data, err := json.Marshal(result.Results); err == nil {
		rec.Results = types.JSONText(data)
	}
	return rec
}
