package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/config"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/events"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/llm"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/orchestrator"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/progress"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/session"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/voting"
)

type scriptedClient struct{ reply string }

func (s scriptedClient) Complete(ctx context.Context, prompt string, cfg llm.CompleteConfig) (*llm.Reply, error) {
	return llm.ParseReply(s.reply)
}

type scriptedFactory struct{ reply string }

func (s scriptedFactory) NewClient(p config.Participant) (llm.ModelClient, error) {
	return scriptedClient{reply: s.reply}, nil
}

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, st *models.Subtask) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func newTestEngine(t *testing.T, withSessions bool) *Engine {
	t.Helper()

	panel := `{
		"enabled": true,
		"parallel_voting": true,
		"participants": [
			{"id": "llm-a", "weight": 1.0},
			{"id": "llm-b", "weight": 1.0}
		]
	}`
	path := filepath.Join(t.TempDir(), "moe_voting.json")
	if err := os.WriteFile(path, []byte(panel), 0o644); err != nil {
		t.Fatalf("write panel config: %v", err)
	}
	mgr, err := config.NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("config.NewManager: %v", err)
	}

	reply := `{"intent": "encender_luz", "confidence": 0.9, "entities": {"lugar": "salon"}}`
	prompts := llm.NewPromptBuilder(nil, []string{"encender_luz"}, 3)
	votingSvc := voting.NewService(mgr, scriptedFactory{reply: reply}, prompts, zap.NewNop(), voting.Options{})

	tracker := progress.NewTracker(time.Minute, zap.NewNop())
	orch := orchestrator.New(okExecutor{}, nil, zap.NewNop(), orchestrator.Options{MaxParallelism: 2})

	var sessions *session.Store
	if withSessions {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		sessions = session.NewStoreWithClient(client, time.Minute, zap.NewNop())
		t.Cleanup(func() { sessions.Close() })
	}

	return New(&config.AppConfig{}, Options{
		Voting:   votingSvc,
		Orch:     orch,
		Tracker:  tracker,
		Sessions: sessions,
		Events:   events.NewManager(16),
	}, zap.NewNop())
}

func TestClassifyProducesConsensus(t *testing.T) {
	e := newTestEngine(t, false)

	round, err := e.Classify(context.Background(), ClassifyRequest{
		RequestID:   "req-1",
		UserMessage: "enciende la luz del salon",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if round.Consensus == nil || round.Consensus.FinalIntent != "encender_luz" {
		t.Fatalf("unexpected consensus: %+v", round.Consensus)
	}
	if round.Status != models.RoundCompleted {
		t.Fatalf("round status = %s", round.Status)
	}
}

func TestClassifyRequiresMessage(t *testing.T) {
	e := newTestEngine(t, false)
	if _, err := e.Classify(context.Background(), ClassifyRequest{}); err == nil {
		t.Fatal("expected error for empty user_message")
	}
}

func TestClassifyRecordsSessionLinkage(t *testing.T) {
	e := newTestEngine(t, true)
	ctx := context.Background()

	round, err := e.Classify(ctx, ClassifyRequest{
		RequestID:   "req-1",
		SessionID:   "conv-1",
		UserMessage: "enciende la luz",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	state, err := e.sessions.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if state.LastRoundID != round.RoundID || state.LastIntent != "encender_luz" {
		t.Fatalf("round linkage missing: %+v", state)
	}
	if len(state.History) != 1 || state.History[0].Content != "enciende la luz" {
		t.Fatalf("history not appended: %+v", state.History)
	}
}

func TestExecuteTracksProgress(t *testing.T) {
	e := newTestEngine(t, false)

	resp, err := e.Execute(context.Background(), ExecuteRequest{
		SessionID: "conv-1",
		Subtasks: []*models.Subtask{
			{SubtaskID: "s1", Action: "consultar_tiempo"},
			{SubtaskID: "s2", Action: "avisar", Dependencies: []string{"s1"}},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Result.AllSuccessful {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}

	snap, err := e.Progress(resp.TrackerID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !snap.Complete || snap.CompletedSubtasks != 2 {
		t.Fatalf("tracker not complete: %+v", snap)
	}
	if snap.ExecutionID != resp.Result.ExecutionID {
		t.Fatalf("execution id not bound: %q vs %q", snap.ExecutionID, resp.Result.ExecutionID)
	}
}

func TestExecuteEmptyBatchDoesNotBlockSession(t *testing.T) {
	e := newTestEngine(t, false)

	resp, err := e.Execute(context.Background(), ExecuteRequest{SessionID: "conv-1"})
	if err != nil {
		t.Fatalf("Execute empty batch: %v", err)
	}
	if !resp.Result.AllSuccessful || resp.Result.TotalTasks != 0 {
		t.Fatalf("unexpected empty-batch result: %+v", resp.Result)
	}
	snap, err := e.Progress(resp.TrackerID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !snap.Complete {
		t.Fatalf("empty-batch tracker never completed: %+v", snap)
	}

	// The session must accept a real batch immediately afterwards.
	if _, err := e.Execute(context.Background(), ExecuteRequest{
		SessionID: "conv-1",
		Subtasks:  []*models.Subtask{{SubtaskID: "s1", Action: "consultar_tiempo"}},
	}); err != nil {
		t.Fatalf("Execute after empty batch: %v", err)
	}
}

func TestExecuteRejectsCycleWithoutTracker(t *testing.T) {
	e := newTestEngine(t, false)

	_, err := e.Execute(context.Background(), ExecuteRequest{
		SessionID: "conv-1",
		Subtasks: []*models.Subtask{
			{SubtaskID: "a", Action: "x", Dependencies: []string{"b"}},
			{SubtaskID: "b", Action: "y", Dependencies: []string{"a"}},
		},
	})
	if !errors.Is(err, orchestrator.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	// the aborted tracker must not block retracking the session
	if _, err := e.Execute(context.Background(), ExecuteRequest{
		SessionID: "conv-1",
		Subtasks:  []*models.Subtask{{SubtaskID: "a", Action: "x"}},
	}); err != nil {
		t.Fatalf("session blocked after rejected graph: %v", err)
	}
}

func TestExecutionEventsPublished(t *testing.T) {
	e := newTestEngine(t, false)

	ch := e.Events().Subscribe("conv-1", 32)
	defer e.Events().Unsubscribe("conv-1", ch)

	if _, err := e.Execute(context.Background(), ExecuteRequest{
		SessionID: "conv-1",
		Subtasks:  []*models.Subtask{{SubtaskID: "s1", Action: "avisar"}},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	types := map[string]int{}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			types[ev.Type]++
			if types[events.TypeExecutionCompleted] > 0 {
				if types[events.TypeSubtaskProgress] == 0 {
					t.Fatalf("no subtask progress events before completion: %v", types)
				}
				return
			}
		case <-deadline:
			t.Fatalf("completion event never arrived, saw %v", types)
		}
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	e := newTestEngine(t, false)
	if err := e.CancelExecution("exec-none"); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Fatalf("expected orchestrator.ErrNotFound, got %v", err)
	}
	if err := e.CancelTracking("trk-none"); !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected progress.ErrNotFound, got %v", err)
	}
}

func TestStatisticsAggregates(t *testing.T) {
	e := newTestEngine(t, false)
	stats := e.Statistics()
	for _, key := range []string{"voting", "orchestrator", "progress"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("missing %q in %v", key, stats)
		}
	}
}

func TestClassifyAndExecuteRunsProposedSubtasks(t *testing.T) {
	// participants propose subtasks; consensus consolidates and the
	// engine executes them
	panel := `{
		"enabled": true,
		"parallel_voting": true,
		"participants": [{"id": "llm-a", "weight": 1.0}]
	}`
	path := filepath.Join(t.TempDir(), "moe_voting.json")
	if err := os.WriteFile(path, []byte(panel), 0o644); err != nil {
		t.Fatalf("write panel config: %v", err)
	}
	mgr, err := config.NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("config.NewManager: %v", err)
	}
	reply := `{"intent": "rutina_manana", "confidence": 0.9, "subtasks": [
		{"action": "consultar_tiempo", "description": "tiempo en Madrid"},
		{"action": "poner_alarma", "description": "alarma a las 8"}
	]}`
	prompts := llm.NewPromptBuilder(nil, nil, 3)
	votingSvc := voting.NewService(mgr, scriptedFactory{reply: reply}, prompts, zap.NewNop(), voting.Options{})

	e := New(&config.AppConfig{}, Options{
		Voting:  votingSvc,
		Orch:    orchestrator.New(okExecutor{}, nil, zap.NewNop(), orchestrator.Options{}),
		Tracker: progress.NewTracker(time.Minute, zap.NewNop()),
	}, zap.NewNop())

	round, resp, err := e.ClassifyAndExecute(context.Background(), ClassifyRequest{
		RequestID:   "req-1",
		SessionID:   "conv-1",
		UserMessage: "prepara mi rutina de la manana",
	})
	if err != nil {
		t.Fatalf("ClassifyAndExecute: %v", err)
	}
	if round.Consensus.FinalIntent != "rutina_manana" {
		t.Fatalf("unexpected intent: %s", round.Consensus.FinalIntent)
	}
	if resp == nil || resp.Result.TotalTasks != 2 || !resp.Result.AllSuccessful {
		t.Fatalf("unexpected execution: %+v", resp)
	}
	for _, r := range resp.Result.Results {
		if r.Status != models.SubtaskCompleted {
			t.Fatalf("subtask %s = %s", r.SubtaskID, r.Status)
		}
	}
}
