// Package consensus reduces a set of model votes into a single decision.
// The engine is a pure function of its inputs plus configuration and is
// safe to invoke concurrently from multiple voting rounds.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// Options configures the engine. Zero values fall back to defaults.
type Options struct {
	Algorithm             string  // consensus algorithm name, default "weighted-majority"
	ConfidenceThreshold   float64 // normalized score needed before boosting applies
	ConfidenceBoostFactor float64 // additive boost, result capped at 1.0
	DividedEpsilon        float64 // top-two score gap below which the panel is DIVIDED
	UnknownIntent         string  // sentinel intent for FAILED consensus
	EnableEntityMerging   bool
	EnableSubtaskMerging  bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Algorithm:             AlgorithmWeightedMajority,
		ConfidenceThreshold:   0.6,
		ConfidenceBoostFactor: 0.1,
		DividedEpsilon:        0.05,
		UnknownIntent:         "unknown",
		EnableEntityMerging:   true,
		EnableSubtaskMerging:  true,
	}
}

// Engine computes one VotingConsensus from a list of votes.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmWeightedMajority
	}
	if opts.DividedEpsilon <= 0 {
		opts.DividedEpsilon = 0.05
	}
	if opts.UnknownIntent == "" {
		opts.UnknownIntent = "unknown"
	}
	return &Engine{opts: opts, logger: logger}
}

// Process reduces votes into a consensus. Votes that fail validation are
// excluded from scoring but still counted in TotalVotes. With zero valid
// votes the result is a FAILED consensus, never an error, so callers can
// fall back to a single-model path.
func (e *Engine) Process(votes []models.Vote, round *models.VotingRound) *models.VotingConsensus {
	valid := filterValid(votes)

	if len(valid) == 0 {
		e.logger.Warn("No valid votes available for consensus",
			zap.String("round_id", roundID(round)),
			zap.Int("total_votes", len(votes)),
		)
		metrics.ConsensusComputed.WithLabelValues(string(models.AgreementFailed)).Inc()
		return e.failedConsensus(round, len(votes))
	}

	algo, notes := resolveAlgorithm(e.opts.Algorithm)
	t := algo(e, valid)

	confidence := 0.0
	if t.totalScore > 0 {
		confidence = t.winnerScore / t.totalScore
	}
	if e.opts.ConfidenceBoostFactor > 0 && confidence >= e.opts.ConfidenceThreshold {
		confidence += e.opts.ConfidenceBoostFactor
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	level := e.agreementLevel(t, len(valid))

	winnerVotes := votesForIntent(valid, t.winner)
	cons := &models.VotingConsensus{
		ConsensusID:         fmt.Sprintf("consensus-%s-%s", roundID(round), uuid.NewString()[:8]),
		FinalIntent:         t.winner,
		ConsensusConfidence: confidence,
		ParticipatingVotes:  len(valid),
		TotalVotes:          len(votes),
		AgreementLevel:      level,
		ConsensusMethod:     t.method,
		CreatedAt:           time.Now(),
	}
	if e.opts.EnableEntityMerging {
		cons.FinalEntities = mergeEntities(winnerVotes)
	}
	if e.opts.EnableSubtaskMerging {
		cons.FinalSubtasks = consolidateSubtasks(winnerVotes)
	}
	cons.Reasoning = e.buildReasoning(cons, valid, notes)

	metrics.ConsensusComputed.WithLabelValues(string(level)).Inc()
	metrics.ConsensusConfidence.Observe(confidence)
	e.logger.Debug("Consensus computed",
		zap.String("round_id", roundID(round)),
		zap.String("intent", cons.FinalIntent),
		zap.Float64("confidence", cons.ConsensusConfidence),
		zap.String("agreement", string(level)),
	)
	return cons
}

// agreementLevel classifies the vote distribution. DIVIDED is checked
// before MAJORITY: a near-tied panel is divided even if the winner holds
// more than half the raw votes by count.
func (e *Engine) agreementLevel(t tally, validVotes int) models.AgreementLevel {
	if len(t.intents) == 1 {
		return models.AgreementUnanimous
	}
	if t.runnerUpScore > 0 || len(t.intents) > 1 {
		if t.winnerScore-t.runnerUpScore < e.opts.DividedEpsilon {
			return models.AgreementDivided
		}
	}
	if float64(t.winnerCount) > float64(validVotes)/2 {
		return models.AgreementMajority
	}
	return models.AgreementPlurality
}

func (e *Engine) failedConsensus(round *models.VotingRound, totalVotes int) *models.VotingConsensus {
	return &models.VotingConsensus{
		ConsensusID:         fmt.Sprintf("consensus-%s-%s", roundID(round), uuid.NewString()[:8]),
		FinalIntent:         e.opts.UnknownIntent,
		ConsensusConfidence: 0.0,
		ParticipatingVotes:  0,
		TotalVotes:          totalVotes,
		AgreementLevel:      models.AgreementFailed,
		ConsensusMethod:     e.opts.Algorithm,
		Reasoning:           "no valid votes were available; consensus could not be reached",
		CreatedAt:           time.Now(),
	}
}

// buildReasoning produces the human-readable audit trail listing every
// participating vote.
func (e *Engine) buildReasoning(cons *models.VotingConsensus, valid []models.Vote, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "algorithm=%s agreement=%s confidence=%.2f valid_votes=%d/%d\n",
		cons.ConsensusMethod, cons.AgreementLevel, cons.ConsensusConfidence,
		cons.ParticipatingVotes, cons.TotalVotes)
	if notes != "" {
		b.WriteString(notes)
		b.WriteByte('\n')
	}
	for _, v := range sortedForAudit(valid) {
		fmt.Fprintf(&b, "- %s voted %q (confidence=%.2f weight=%.2f)\n",
			v.ModelID, v.Intent, v.Confidence, v.ModelWeight)
	}
	return b.String()
}

func filterValid(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, 0, len(votes))
	for i := range votes {
		if votes[i].IsValid() {
			out = append(out, votes[i])
		}
	}
	return out
}

func votesForIntent(votes []models.Vote, intent string) []models.Vote {
	out := make([]models.Vote, 0, len(votes))
	for i := range votes {
		if votes[i].Intent == intent {
			out = append(out, votes[i])
		}
	}
	return out
}

// sortedForAudit orders votes deterministically so the reasoning text is
// stable regardless of arrival order.
func sortedForAudit(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, len(votes))
	copy(out, votes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].VoteID < out[j].VoteID
	})
	return out
}

func roundID(round *models.VotingRound) string {
	if round == nil {
		return "adhoc"
	}
	return round.RoundID
}
