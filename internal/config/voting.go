package config

import (
	"fmt"
	"time"
)

// Participant describes one model on the voting panel.
type Participant struct {
	ID             string  `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	Provider       string  `json:"provider" yaml:"provider"` // "openai", "anthropic"
	Model          string  `json:"model" yaml:"model"`
	Role           string  `json:"role" yaml:"role"`
	Weight         float64 `json:"weight" yaml:"weight"`
	PromptTemplate string  `json:"prompt_template" yaml:"prompt_template"`
	TimeoutMs      int     `json:"timeout_ms" yaml:"timeout_ms"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute caps call rate to this participant; 0 means
	// unlimited.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// Timeout returns the per-vote timeout, falling back to the panel
// default when the participant has none.
func (p *Participant) Timeout(panelDefault time.Duration) time.Duration {
	if p.TimeoutMs > 0 {
		return time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return panelDefault
}

// VotingConfig is one consistent snapshot of the voting panel
// configuration. Snapshots are immutable: a reload publishes a new
// value, consumers keep reading the one they grabbed.
type VotingConfig struct {
	Enabled               bool          `json:"enabled" yaml:"enabled"`
	MaxDebateRounds       int           `json:"max_debate_rounds" yaml:"max_debate_rounds"`
	ParallelVoting        bool          `json:"parallel_voting" yaml:"parallel_voting"`
	TimeoutPerVoteMs      int           `json:"timeout_per_vote_ms" yaml:"timeout_per_vote_ms"`
	ConsensusAlgorithm    string        `json:"consensus_algorithm" yaml:"consensus_algorithm"`
	ConsensusThreshold    float64       `json:"consensus_threshold" yaml:"consensus_threshold"`
	ConfidenceBoostFactor float64       `json:"confidence_boost_factor" yaml:"confidence_boost_factor"`
	DividedEpsilon        float64       `json:"divided_epsilon" yaml:"divided_epsilon"`
	ImprovementThreshold  float64       `json:"improvement_threshold" yaml:"improvement_threshold"`
	UnknownIntent         string        `json:"unknown_intent" yaml:"unknown_intent"`
	Participants          []Participant `json:"participants" yaml:"participants"`

	// LoadedAt stamps when this snapshot was published.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// DefaultVotingConfig returns the panel defaults used when no file is
// present.
func DefaultVotingConfig() *VotingConfig {
	return &VotingConfig{
		Enabled:               true,
		MaxDebateRounds:       1,
		ParallelVoting:        true,
		TimeoutPerVoteMs:      30000,
		ConsensusAlgorithm:    "weighted-majority",
		ConsensusThreshold:    0.6,
		ConfidenceBoostFactor: 0.1,
		DividedEpsilon:        0.05,
		ImprovementThreshold:  0.02,
		UnknownIntent:         "unknown",
	}
}

// TimeoutPerVote returns the panel-wide per-vote timeout.
func (c *VotingConfig) TimeoutPerVote() time.Duration {
	if c.TimeoutPerVoteMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutPerVoteMs) * time.Millisecond
}

// Validate rejects snapshots that would break the voting service. An
// invalid file never replaces the currently published snapshot.
func (c *VotingConfig) Validate() error {
	if c.MaxDebateRounds < 1 {
		return fmt.Errorf("max_debate_rounds must be >= 1, got %d", c.MaxDebateRounds)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in [0,1], got %f", c.ConsensusThreshold)
	}
	if c.DividedEpsilon < 0 {
		return fmt.Errorf("divided_epsilon must be >= 0, got %f", c.DividedEpsilon)
	}
	if c.Enabled && len(c.Participants) == 0 {
		return fmt.Errorf("voting enabled but no participants configured")
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for i := range c.Participants {
		p := &c.Participants[i]
		if p.ID == "" {
			return fmt.Errorf("participant %d has no id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Weight < 0 {
			return fmt.Errorf("participant %q has negative weight", p.ID)
		}
	}
	return nil
}

// applyDefaults fills unset fields after parsing a file.
func (c *VotingConfig) applyDefaults() {
	def := DefaultVotingConfig()
	if c.MaxDebateRounds == 0 {
		c.MaxDebateRounds = def.MaxDebateRounds
	}
	if c.TimeoutPerVoteMs == 0 {
		c.TimeoutPerVoteMs = def.TimeoutPerVoteMs
	}
	if c.ConsensusAlgorithm == "" {
		c.ConsensusAlgorithm = def.ConsensusAlgorithm
	}
	if c.ConsensusThreshold == 0 {
		c.ConsensusThreshold = def.ConsensusThreshold
	}
	if c.DividedEpsilon == 0 {
		c.DividedEpsilon = def.DividedEpsilon
	}
	if c.ImprovementThreshold == 0 {
		c.ImprovementThreshold = def.ImprovementThreshold
	}
	if c.UnknownIntent == "" {
		c.UnknownIntent = def.UnknownIntent
	}
	for i := range c.Participants {
		if c.Participants[i].Weight == 0 {
			c.Participants[i].Weight = 1.0
		}
	}
}
