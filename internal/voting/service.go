// Package voting dispatches one classification request to a panel of
// model participants and reduces their votes to a consensus, optionally
// across several debate rounds.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/circuitbreaker"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/config"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/consensus"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/llm"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/ratecontrol"
)

// RoundRequest is one classification request.
type RoundRequest struct {
	RequestID           string
	UserMessage         string
	ConversationContext map[string]interface{}
	ConversationHistory []string
}

// Options tunes the service beyond what the hot-reloaded voting config
// carries.
type Options struct {
	// RoundTimeout bounds the whole round, debate included.
	RoundTimeout time.Duration
	// BreakerConfig is applied to every participant's client.
	BreakerConfig circuitbreaker.Config
}

// Service runs voting rounds against the currently configured panel.
type Service struct {
	cfg     *config.Manager
	factory ClientFactory
	prompts *llm.PromptBuilder
	limits  *ratecontrol.Registry
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	client      llm.ModelClient
	fingerprint string
}

// NewService creates the voting service.
func NewService(cfg *config.Manager, factory ClientFactory, prompts *llm.PromptBuilder, logger *zap.Logger, opts Options) *Service {
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 2 * time.Minute
	}
	if opts.BreakerConfig == (circuitbreaker.Config{}) {
		opts.BreakerConfig = circuitbreaker.DefaultConfig()
	}
	return &Service{
		cfg:     cfg,
		factory: factory,
		prompts: prompts,
		limits:  ratecontrol.NewRegistry(),
		logger:  logger,
		opts:    opts,
		clients: make(map[string]*clientEntry),
	}
}

// ExecuteRound runs one voting round for the request and returns the
// round with its authoritative consensus. Participant failures never
// fail the round; the worst case is a FAILED consensus inside a
// completed round.
func (s *Service) ExecuteRound(ctx context.Context, req RoundRequest) (*models.VotingRound, error) {
	snap := s.cfg.Current()

	round := models.NewVotingRound(
		fmt.Sprintf("round-%s", uuid.NewString()[:12]),
		req.RequestID,
		req.UserMessage,
	)
	round.ConversationContext = req.ConversationContext
	round.ConversationHistory = req.ConversationHistory
	round.Begin()
	metrics.VotingRoundsStarted.Inc()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RoundTimeout)
	defer cancel()

	panel := snap.Participants
	if !snap.Enabled && len(panel) > 1 {
		// Voting administratively disabled: degrade to the first
		// participant, through the same consensus path as a full panel.
		panel = panel[:1]
	}

	engine := consensus.NewEngine(consensus.Options{
		Algorithm:             snap.ConsensusAlgorithm,
		ConfidenceThreshold:   snap.ConsensusThreshold,
		ConfidenceBoostFactor: snap.ConfidenceBoostFactor,
		DividedEpsilon:        snap.DividedEpsilon,
		UnknownIntent:         snap.UnknownIntent,
		EnableEntityMerging:   true,
		EnableSubtaskMerging:  true,
	}, s.logger)

	var peer []models.Vote
	prevConfidence := 0.0
	for debateRound := 1; debateRound <= snap.MaxDebateRounds; debateRound++ {
		votes := s.collectVotes(ctx, snap, panel, round, debateRound, req, peer)
		round.Votes = append(round.Votes, votes...)

		cons := engine.Process(votes, round)
		round.DebateHistory = append(round.DebateHistory, cons)
		round.Consensus = cons
		round.DebateRounds = debateRound

		if cons.AgreementLevel == models.AgreementUnanimous ||
			cons.AgreementLevel == models.AgreementFailed {
			break
		}
		if debateRound > 1 && cons.ConsensusConfidence-prevConfidence < snap.ImprovementThreshold {
			s.logger.Debug("Debate stopped early, confidence no longer improving",
				zap.String("round_id", round.RoundID),
				zap.Int("debate_round", debateRound),
				zap.Float64("confidence", cons.ConsensusConfidence),
			)
			break
		}
		prevConfidence = cons.ConsensusConfidence
		if ctx.Err() != nil {
			break
		}
		peer = validVotes(votes)
	}

	switch {
	case ctx.Err() != nil:
		round.Finish(models.RoundTimedOut, "round timeout exceeded; last computed consensus returned")
	case round.Consensus == nil || round.Consensus.AgreementLevel == models.AgreementFailed:
		round.Finish(models.RoundFailed, "no valid votes were collected")
	default:
		round.Finish(models.RoundCompleted, "")
	}

	metrics.RecordRound(string(round.Status), round.EndTime.Sub(round.StartTime).Seconds(), round.DebateRounds)
	s.logger.Info("Voting round finished",
		zap.String("round_id", round.RoundID),
		zap.String("request_id", round.RequestID),
		zap.String("status", string(round.Status)),
		zap.Int("votes", len(round.Votes)),
		zap.Int("debate_rounds", round.DebateRounds),
		zap.String("intent", finalIntent(round)),
	)
	return round, nil
}

// collectVotes queries every panel member once and returns their votes,
// including invalid ones (kept for audit; the engine filters them).
func (s *Service) collectVotes(ctx context.Context, snap *config.VotingConfig, panel []config.Participant, round *models.VotingRound, debateRound int, req RoundRequest, peer []models.Vote) []models.Vote {
	if len(panel) == 0 {
		return nil
	}
	if !snap.ParallelVoting {
		return s.collectSequential(ctx, snap, panel, round, debateRound, req, peer)
	}
	return s.collectParallel(ctx, snap, panel, round, debateRound, req, peer)
}

func (s *Service) collectParallel(ctx context.Context, snap *config.VotingConfig, panel []config.Participant, round *models.VotingRound, debateRound int, req RoundRequest, peer []models.Vote) []models.Vote {
	// Buffered so late finishers never block after the round stops
	// awaiting them.
	results := make(chan models.Vote, len(panel))
	for i := range panel {
		p := panel[i]
		go func() {
			results <- s.executeVote(ctx, snap, p, round, debateRound, req, peer)
		}()
	}

	votes := make([]models.Vote, 0, len(panel))
	for i := 0; i < len(panel); i++ {
		select {
		case v := <-results:
			votes = append(votes, v)
			if v.Status != models.VoteCompleted {
				round.RecordFailure(v.ModelID, v.ErrorMsg)
			}
		case <-ctx.Done():
			// Round timeout: keep what arrived, note who is missing.
			s.recordMissing(round, panel, votes)
			return votes
		}
	}
	return votes
}

func (s *Service) collectSequential(ctx context.Context, snap *config.VotingConfig, panel []config.Participant, round *models.VotingRound, debateRound int, req RoundRequest, peer []models.Vote) []models.Vote {
	votes := make([]models.Vote, 0, len(panel))
	for i := range panel {
		if ctx.Err() != nil {
			s.recordMissing(round, panel, votes)
			return votes
		}
		v := s.executeVote(ctx, snap, panel[i], round, debateRound, req, peer)
		votes = append(votes, v)
		if v.Status != models.VoteCompleted {
			round.RecordFailure(v.ModelID, v.ErrorMsg)
		}
	}
	return votes
}

// recordMissing notes panel members whose vote never arrived before the
// round stopped waiting.
func (s *Service) recordMissing(round *models.VotingRound, panel []config.Participant, received []models.Vote) {
	got := make(map[string]struct{}, len(received))
	for _, v := range received {
		got[v.ModelID] = struct{}{}
	}
	for _, p := range panel {
		if _, ok := got[p.ID]; !ok {
			round.RecordFailure(p.ID, "vote not received before round timeout")
		}
	}
}

// executeVote obtains one participant's vote. Never returns an error:
// failures come back as FAILED/TIMED_OUT votes that the consensus
// engine excludes.
func (s *Service) executeVote(ctx context.Context, snap *config.VotingConfig, p config.Participant, round *models.VotingRound, debateRound int, req RoundRequest, peer []models.Vote) models.Vote {
	vote := models.Vote{
		VoteID:      fmt.Sprintf("vote-%s-d%d-%s", round.RoundID, debateRound, p.ID),
		ModelID:     p.ID,
		ModelName:   p.Name,
		ModelWeight: p.Weight,
		Status:      models.VoteInProgress,
	}
	start := time.Now()
	fail := func(status models.VoteStatus, reason string, err error) models.Vote {
		vote.Status = status
		vote.ErrorMsg = err.Error()
		vote.LatencyMs = time.Since(start).Milliseconds()
		vote.ProducedAt = time.Now()
		metrics.RecordVote(p.ID, 0, reason)
		s.logger.Warn("Participant produced no vote",
			zap.String("round_id", round.RoundID),
			zap.String("model_id", p.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return vote
	}

	client, err := s.clientFor(p)
	if err != nil {
		return fail(models.VoteFailed, "configuration", err)
	}

	if err := s.limits.Wait(ctx, p.ID, p.RequestsPerMinute); err != nil {
		return fail(models.VoteTimedOut, "rate_limit", err)
	}

	prompt := s.prompts.Build(ctx, p.PromptTemplate, llm.PromptRequest{
		UserMessage:         req.UserMessage,
		ConversationContext: req.ConversationContext,
		ConversationHistory: req.ConversationHistory,
		Role:                p.Role,
		PeerVotes:           withoutParticipant(peer, p.ID),
	})

	reply, err := client.Complete(ctx, prompt, llm.CompleteConfig{
		Timeout:     p.Timeout(snap.TimeoutPerVote()),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fail(models.VoteTimedOut, "timeout", err)
		case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			return fail(models.VoteFailed, "circuit_open", err)
		default:
			return fail(models.VoteFailed, "transport", err)
		}
	}

	vote.Intent = reply.Intent
	vote.Confidence = reply.Confidence
	vote.Entities = reply.Entities
	vote.Subtasks = reply.Subtasks
	vote.Reasoning = reply.Reasoning
	vote.Status = models.VoteCompleted
	vote.LatencyMs = time.Since(start).Milliseconds()
	vote.ProducedAt = time.Now()
	metrics.RecordVote(p.ID, float64(vote.LatencyMs), "")
	return vote
}

// clientFor returns the cached, breaker-wrapped client for a
// participant, rebuilding it when provider or model changed on reload.
func (s *Service) clientFor(p config.Participant) (llm.ModelClient, error) {
	fingerprint := p.Provider + "|" + p.Model
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.clients[p.ID]; ok && e.fingerprint == fingerprint {
		return e.client, nil
	}
	raw, err := s.factory.NewClient(p)
	if err != nil {
		return nil, err
	}
	wrapped := circuitbreaker.WrapModelClient(p.ID, raw, s.opts.BreakerConfig, s.logger)
	s.clients[p.ID] = &clientEntry{client: wrapped, fingerprint: fingerprint}
	return wrapped, nil
}

// Statistics reports the service's current configuration surface for
// the stats endpoint.
func (s *Service) Statistics() map[string]interface{} {
	snap := s.cfg.Current()
	return map[string]interface{}{
		"voting_enabled":      snap.Enabled,
		"participants":        len(snap.Participants),
		"parallel_voting":     snap.ParallelVoting,
		"timeout_per_vote_ms": snap.TimeoutPerVoteMs,
		"max_debate_rounds":   snap.MaxDebateRounds,
		"consensus_algorithm": snap.ConsensusAlgorithm,
		"config_loaded_at":    snap.LoadedAt,
	}
}

func validVotes(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, 0, len(votes))
	for i := range votes {
		if votes[i].IsValid() {
			out = append(out, votes[i])
		}
	}
	return out
}

// withoutParticipant drops a participant's own prior vote from the peer
// context it is re-prompted with.
func withoutParticipant(votes []models.Vote, id string) []models.Vote {
	if len(votes) == 0 {
		return nil
	}
	out := make([]models.Vote, 0, len(votes))
	for _, v := range votes {
		if v.ModelID != id {
			out = append(out, v)
		}
	}
	return out
}

func finalIntent(round *models.VotingRound) string {
	if round.Consensus == nil {
		return ""
	}
	return round.Consensus.FinalIntent
}
