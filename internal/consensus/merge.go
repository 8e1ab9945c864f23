package consensus

import (
	"sort"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// mergeEntities unions the entity maps of the votes that agreed with the
// winning intent. On a key collision the value from the highest-confidence
// vote wins. Votes are visited lowest confidence first so later (more
// confident) writes overwrite earlier ones.
func mergeEntities(winnerVotes []models.Vote) map[string]interface{} {
	if len(winnerVotes) == 0 {
		return nil
	}
	ordered := sortedByConfidence(winnerVotes)
	merged := make(map[string]interface{})
	for _, v := range ordered {
		for k, val := range v.Entities {
			merged[k] = val
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// consolidateSubtasks deduplicates the subtask proposals of the votes
// that agreed with the winning intent, keyed by action. When the same
// action appears with different entities the highest-confidence vote's
// proposal is kept. Output preserves the proposal order of the first
// vote to mention each action, so subtask ordering is stable.
func consolidateSubtasks(winnerVotes []models.Vote) []models.SubtaskProposal {
	if len(winnerVotes) == 0 {
		return nil
	}

	type pick struct {
		proposal   models.SubtaskProposal
		confidence float64
		order      int
	}
	byAction := make(map[string]*pick)
	order := 0
	for _, v := range sortedForAudit(winnerVotes) {
		for _, p := range v.Subtasks {
			if p.Action == "" {
				continue
			}
			cur, ok := byAction[p.Action]
			if !ok {
				byAction[p.Action] = &pick{proposal: p, confidence: v.Confidence, order: order}
				order++
				continue
			}
			if v.Confidence > cur.confidence {
				cur.proposal = p
				cur.confidence = v.Confidence
			}
		}
	}
	if len(byAction) == 0 {
		return nil
	}

	picks := make([]*pick, 0, len(byAction))
	for _, p := range byAction {
		picks = append(picks, p)
	}
	sort.Slice(picks, func(i, j int) bool { return picks[i].order < picks[j].order })

	out := make([]models.SubtaskProposal, len(picks))
	for i, p := range picks {
		out[i] = p.proposal
	}
	return out
}

// sortedByConfidence orders votes ascending by confidence, breaking ties
// by model id so the merge result is order-independent.
func sortedByConfidence(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, len(votes))
	copy(out, votes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence < out[j].Confidence
		}
		return out[i].ModelID > out[j].ModelID
	})
	return out
}
