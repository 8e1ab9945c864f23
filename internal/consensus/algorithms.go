package consensus

import (
	"fmt"
	"sort"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// Recognized algorithm names.
const (
	AlgorithmWeightedMajority   = "weighted-majority"
	AlgorithmPlurality          = "plurality"
	AlgorithmConfidenceWeighted = "confidence-weighted"
	AlgorithmBordaCount         = "borda-count"
	AlgorithmCondorcet          = "condorcet"
	AlgorithmApprovalVoting     = "approval-voting"
)

// tally is the aggregated per-intent scoring an algorithm produces.
// Scoring functions must be order-independent: the outcome depends only
// on the multiset of votes, never on arrival sequence.
type tally struct {
	method        string
	winner        string
	winnerScore   float64
	winnerCount   int
	runnerUpScore float64
	totalScore    float64
	intents       []string // distinct intents seen, sorted
}

type scoreFunc func(e *Engine, votes []models.Vote) tally

// resolveAlgorithm maps a configured name to its scoring function. Names
// without a fully deterministic standalone implementation fall back to a
// base algorithm; the returned note records that for the audit trail.
func resolveAlgorithm(name string) (scoreFunc, string) {
	switch name {
	case AlgorithmPlurality:
		return scorePlurality, ""
	case AlgorithmConfidenceWeighted:
		return scoreConfidenceWeighted, ""
	case AlgorithmBordaCount:
		return scoreBordaCount, ""
	case AlgorithmCondorcet:
		// Single-intent ballots carry no pairwise ranking, so a true
		// Condorcet tournament cannot be run over them.
		return named(scoreWeightedMajority, AlgorithmCondorcet),
			fmt.Sprintf("note: %s reduced to %s (votes carry no ranked preferences)", AlgorithmCondorcet, AlgorithmWeightedMajority)
	case AlgorithmApprovalVoting:
		return named(scorePlurality, AlgorithmApprovalVoting),
			fmt.Sprintf("note: %s reduced to %s (each vote approves exactly one intent)", AlgorithmApprovalVoting, AlgorithmPlurality)
	case AlgorithmWeightedMajority:
		return scoreWeightedMajority, ""
	default:
		return scoreWeightedMajority,
			fmt.Sprintf("note: unknown algorithm %q, used %s", name, AlgorithmWeightedMajority)
	}
}

// named wraps a scoring function so the tally reports the configured
// algorithm name rather than the one it reduced to.
func named(fn scoreFunc, method string) scoreFunc {
	return func(e *Engine, votes []models.Vote) tally {
		t := fn(e, votes)
		t.method = method
		return t
	}
}

// scoreWeightedMajority scores each intent as the sum of modelWeight x
// confidence over the votes that chose it.
func scoreWeightedMajority(e *Engine, votes []models.Vote) tally {
	return reduce(AlgorithmWeightedMajority, votes, func(v *models.Vote) float64 {
		return v.WeightedScore()
	})
}

// scorePlurality counts raw votes per intent, ignoring weights and
// confidence.
func scorePlurality(e *Engine, votes []models.Vote) tally {
	return reduce(AlgorithmPlurality, votes, func(v *models.Vote) float64 {
		return 1.0
	})
}

// scoreConfidenceWeighted scores by confidence alone, treating every
// participant as equally trusted.
func scoreConfidenceWeighted(e *Engine, votes []models.Vote) tally {
	return reduce(AlgorithmConfidenceWeighted, votes, func(v *models.Vote) float64 {
		return v.Confidence
	})
}

// scoreBordaCount scores by model weight alone. With one intent per
// ballot the Borda positional sum collapses to the weight sum.
func scoreBordaCount(e *Engine, votes []models.Vote) tally {
	return reduce(AlgorithmBordaCount, votes, func(v *models.Vote) float64 {
		return v.ModelWeight
	})
}

// reduce aggregates per-intent scores and raw counts, then picks the
// winner. Ties break on higher raw vote count first, then on the
// lexicographically smallest intent string, so the result is fully
// deterministic regardless of input order.
func reduce(method string, votes []models.Vote, score func(*models.Vote) float64) tally {
	scores := make(map[string]float64)
	counts := make(map[string]int)
	for i := range votes {
		v := &votes[i]
		scores[v.Intent] += score(v)
		counts[v.Intent]++
	}

	intents := make([]string, 0, len(scores))
	for intent := range scores {
		intents = append(intents, intent)
	}
	sort.Strings(intents)

	t := tally{method: method, intents: intents}
	for _, intent := range intents {
		s := scores[intent]
		t.totalScore += s
		if t.winner == "" || better(s, counts[intent], intent, t.winnerScore, counts[t.winner], t.winner) {
			t.winner = intent
		}
	}
	t.winnerScore = scores[t.winner]
	t.winnerCount = counts[t.winner]
	for _, intent := range intents {
		if intent != t.winner && scores[intent] > t.runnerUpScore {
			t.runnerUpScore = scores[intent]
		}
	}
	return t
}

// better reports whether candidate (score, count, intent) beats the
// current winner under the tie-break rules.
func better(s float64, c int, intent string, ws float64, wc int, winner string) bool {
	if s != ws {
		return s > ws
	}
	if c != wc {
		return c > wc
	}
	return intent < winner
}
