package models

import "time"

// AgreementLevel is a qualitative measure of how much the panel agreed.
type AgreementLevel string

const (
	AgreementUnanimous AgreementLevel = "UNANIMOUS"
	AgreementMajority  AgreementLevel = "MAJORITY"
	AgreementPlurality AgreementLevel = "PLURALITY"
	AgreementDivided   AgreementLevel = "DIVIDED"
	AgreementFailed    AgreementLevel = "FAILED"
)

// VotingConsensus is the reduced decision derived from a set of votes.
// It is created exactly once per completed round and never mutated.
type VotingConsensus struct {
	ConsensusID         string                 `json:"consensus_id"`
	FinalIntent         string                 `json:"final_intent"`
	FinalEntities       map[string]interface{} `json:"final_entities,omitempty"`
	FinalSubtasks       []SubtaskProposal      `json:"final_subtasks,omitempty"`
	ConsensusConfidence float64                `json:"consensus_confidence"`
	ParticipatingVotes  int                    `json:"participating_votes"`
	TotalVotes          int                    `json:"total_votes"`
	AgreementLevel      AgreementLevel         `json:"agreement_level"`
	ConsensusMethod     string                 `json:"consensus_method"`
	Reasoning           string                 `json:"reasoning,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}
