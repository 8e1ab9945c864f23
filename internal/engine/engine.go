// Package engine wires the classification and orchestration pipeline
// behind one facade: voting rounds produce an intent, the orchestrator
// executes the resulting subtasks, and trackers, sessions, events and
// audit records follow along.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/audit"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/config"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/events"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/orchestrator"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/progress"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/session"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/voting"
)

// historyTurns is how many conversation turns feed the voting prompt.
const historyTurns = 10

// ClassifyRequest asks for one intent classification.
type ClassifyRequest struct {
	RequestID   string                 `json:"request_id"`
	SessionID   string                 `json:"session_id"`
	UserMessage string                 `json:"user_message"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// ExecuteRequest asks for one subtask batch execution.
type ExecuteRequest struct {
	SessionID string            `json:"session_id"`
	Subtasks  []*models.Subtask `json:"subtasks"`
}

// ExecuteResponse pairs the execution outcome with its tracker.
type ExecuteResponse struct {
	TrackerID string                      `json:"tracker_id"`
	Result    *models.TaskExecutionResult `json:"result"`
}

// Engine is the service facade used by the HTTP layer.
type Engine struct {
	cfg      *config.AppConfig
	voting   *voting.Service
	orch     *orchestrator.Orchestrator
	tracker  *progress.Tracker
	sessions *session.Store  // optional
	recorder *audit.Recorder // optional
	events   *events.Manager
	logger   *zap.Logger
}

// Options carries the composed collaborators. Sessions and Recorder
// may be nil; the engine degrades to stateless operation without them.
type Options struct {
	Voting   *voting.Service
	Orch     *orchestrator.Orchestrator
	Tracker  *progress.Tracker
	Sessions *session.Store
	Recorder *audit.Recorder
	Events   *events.Manager
}

func New(cfg *config.AppConfig, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ev := opts.Events
	if ev == nil {
		ev = events.NewManager(0)
	}
	e := &Engine{
		cfg:      cfg,
		voting:   opts.Voting,
		orch:     opts.Orch,
		tracker:  opts.Tracker,
		sessions: opts.Sessions,
		recorder: opts.Recorder,
		events:   ev,
		logger:   logger,
	}
	if e.tracker != nil {
		e.tracker.OnUpdate(func(trackerID string, st progress.SubtaskState) {
			// resolve the session lazily; progress events are best-effort
			if snap, err := e.tracker.GetProgressStatus(trackerID); err == nil && snap.ConversationSessionID != "" {
				e.events.Publish(snap.ConversationSessionID, events.Event{
					Type:    events.TypeSubtaskProgress,
					Message: st.SubtaskID,
					Payload: map[string]interface{}{
						"tracker_id": trackerID,
						"subtask_id": st.SubtaskID,
						"status":     string(st.Status),
						"percent":    st.Percent,
					},
				})
			}
		})
		e.tracker.OnComplete(func(snap *progress.Snapshot) {
			if snap.ConversationSessionID == "" {
				return
			}
			e.events.Publish(snap.ConversationSessionID, events.Event{
				Type: events.TypeExecutionCompleted,
				Payload: map[string]interface{}{
					"tracker_id": snap.TrackerID,
					"completed":  snap.CompletedSubtasks,
					"failed":     snap.FailedSubtasks,
					"skipped":    snap.SkippedSubtasks,
				},
			})
		})
	}
	return e
}

// Events exposes the pub/sub manager to the transport layer.
func (e *Engine) Events() *events.Manager { return e.events }

// Classify runs one voting round for the request, enriched with the
// conversation's context and history when a session store is wired.
func (e *Engine) Classify(ctx context.Context, req ClassifyRequest) (*models.VotingRound, error) {
	if req.UserMessage == "" {
		return nil, fmt.Errorf("user_message is required")
	}

	roundReq := voting.RoundRequest{
		RequestID:           req.RequestID,
		UserMessage:         req.UserMessage,
		ConversationContext: req.Context,
	}

	var state *session.ConversationState
	if e.sessions != nil && req.SessionID != "" {
		var err error
		state, err = e.sessions.GetOrCreate(ctx, req.SessionID)
		if err != nil {
			e.logger.Warn("session unavailable, classifying without context",
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
		} else {
			roundReq.ConversationHistory = state.HistoryLines(historyTurns)
			if roundReq.ConversationContext == nil {
				roundReq.ConversationContext = state.Context
			}
		}
	}

	e.events.Publish(req.SessionID, events.Event{
		Type:    events.TypeRoundStarted,
		Message: req.UserMessage,
	})

	round, err := e.voting.ExecuteRound(ctx, roundReq)
	if err != nil {
		return nil, err
	}

	intent := ""
	agreement := ""
	if round.Consensus != nil {
		intent = round.Consensus.FinalIntent
		agreement = string(round.Consensus.AgreementLevel)
		e.events.Publish(req.SessionID, events.Event{
			Type:    events.TypeConsensusReached,
			Message: intent,
			Payload: map[string]interface{}{
				"agreement":  agreement,
				"confidence": round.Consensus.ConsensusConfidence,
			},
		})
	}
	e.events.Publish(req.SessionID, events.Event{
		Type:    events.TypeRoundCompleted,
		Message: string(round.Status),
		Payload: map[string]interface{}{"round_id": round.RoundID, "intent": intent},
	})

	if state != nil {
		if err := e.sessions.AddMessage(ctx, state.ID, session.Message{
			Role:    "user",
			Content: req.UserMessage,
			Intent:  intent,
		}); err != nil {
			e.logger.Warn("failed to append history", zap.Error(err))
		}
		if err := e.sessions.RecordRound(ctx, state.ID, round.RoundID, intent); err != nil {
			e.logger.Warn("failed to link round to session", zap.Error(err))
		}
	}
	if e.recorder != nil {
		e.recorder.RecordRound(round, req.RequestID, req.SessionID)
	}
	return round, nil
}

// Execute runs a subtask batch under a fresh progress tracker.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	trackerID, err := e.tracker.StartTracking(req.SessionID, req.Subtasks)
	if err != nil {
		return nil, err
	}

	result, err := e.orch.ExecuteSubtasksWithSink(ctx, req.Subtasks, req.SessionID, e.tracker.SinkFor(trackerID))
	if err != nil {
		// graph rejected before execution: drop the empty tracker
		_ = e.tracker.CancelTracking(trackerID)
		return nil, err
	}

	if e.sessions != nil && req.SessionID != "" {
		if err := e.sessions.RecordExecution(ctx, req.SessionID, result.ExecutionID, trackerID); err != nil {
			e.logger.Warn("failed to link execution to session", zap.Error(err))
		}
	}
	if e.recorder != nil {
		e.recorder.RecordExecution(result)
	}
	return &ExecuteResponse{TrackerID: trackerID, Result: result}, nil
}

// ClassifyAndExecute classifies the message and, when the consensus
// proposes subtasks, executes them in one call.
func (e *Engine) ClassifyAndExecute(ctx context.Context, req ClassifyRequest) (*models.VotingRound, *ExecuteResponse, error) {
	round, err := e.Classify(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if round.Consensus == nil || len(round.Consensus.FinalSubtasks) == 0 {
		return round, nil, nil
	}

	subtasks := make([]*models.Subtask, 0, len(round.Consensus.FinalSubtasks))
	for i, proposal := range round.Consensus.FinalSubtasks {
		subtasks = append(subtasks, &models.Subtask{
			SubtaskID:   fmt.Sprintf("%s-s%d", round.RoundID, i+1),
			Action:      proposal.Action,
			Description: proposal.Description,
			Entities:    proposal.Entities,
		})
	}
	resp, err := e.Execute(ctx, ExecuteRequest{SessionID: req.SessionID, Subtasks: subtasks})
	if err != nil {
		return round, nil, err
	}
	return round, resp, nil
}

// Progress returns the tracker snapshot.
func (e *Engine) Progress(trackerID string) (*progress.Snapshot, error) {
	return e.tracker.GetProgressStatus(trackerID)
}

// CancelExecution cancels a running orchestration session.
func (e *Engine) CancelExecution(executionID string) error {
	return e.orch.Cancel(executionID)
}

// CancelTracking terminates a tracker without deleting its history.
func (e *Engine) CancelTracking(trackerID string) error {
	return e.tracker.CancelTracking(trackerID)
}

// Statistics aggregates counters from every composed component.
func (e *Engine) Statistics() map[string]interface{} {
	stats := map[string]interface{}{
		"voting":       e.voting.Statistics(),
		"orchestrator": e.orch.Statistics(),
		"progress":     e.tracker.Statistics(),
	}
	if e.recorder != nil {
		stats["audit"] = e.recorder.Statistics()
	}
	return stats
}
