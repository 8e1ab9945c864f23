package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// fakeExecutor records start order and scripts per-action outcomes.
type fakeExecutor struct {
	mu       sync.Mutex
	order    []string
	running  int
	maxSeen  int
	delays   map[string]time.Duration
	failures map[string]error
	started  map[string]chan struct{} // closed when the subtask starts
	release  map[string]chan struct{} // blocks the subtask until closed
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		delays:   map[string]time.Duration{},
		failures: map[string]error{},
		started:  map[string]chan struct{}{},
		release:  map[string]chan struct{}{},
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, st *models.Subtask) (map[string]interface{}, error) {
	f.mu.Lock()
	f.order = append(f.order, st.SubtaskID)
	f.running++
	if f.running > f.maxSeen {
		f.maxSeen = f.running
	}
	delay := f.delays[st.SubtaskID]
	failure := f.failures[st.SubtaskID]
	startedCh := f.started[st.SubtaskID]
	releaseCh := f.release[st.SubtaskID]
	f.mu.Unlock()

	if startedCh != nil {
		close(startedCh)
	}
	if releaseCh != nil {
		<-releaseCh
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	return map[string]interface{}{"done": st.Action}, nil
}

func (f *fakeExecutor) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.order...)
}

func task(id, action string, deps ...string) *models.Subtask {
	return &models.Subtask{SubtaskID: id, Action: action, Dependencies: deps}
}

func resultByID(t *testing.T, res *models.TaskExecutionResult, id string) models.SubtaskResult {
	t.Helper()
	for _, r := range res.Results {
		if r.SubtaskID == id {
			return r
		}
	}
	t.Fatalf("no result for subtask %q", id)
	return models.SubtaskResult{}
}

func TestLinearChainRunsInDependencyOrder(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 4})

	res, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("c", "notify", "b"),
		task("a", "fetch"),
		task("b", "transform", "a"),
	}, "sess-1")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if !res.AllSuccessful {
		t.Fatalf("expected all successful, got %+v", res)
	}
	if got := exec.startOrder(); got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected start order %v", got)
	}
	if res.SuccessfulTasks != 3 || res.FailedTasks != 0 || res.SkippedTasks != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
}

func TestIndependentSubtasksRunConcurrently(t *testing.T) {
	exec := newFakeExecutor()
	exec.delays["a"] = 30 * time.Millisecond
	exec.delays["b"] = 30 * time.Millisecond
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 4})

	res, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("a", "consultar_tiempo"),
		task("b", "poner_alarma"),
	}, "")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if !res.AllSuccessful {
		t.Fatalf("expected success, got %+v", res)
	}
	if exec.maxSeen < 2 {
		t.Fatalf("expected concurrent execution, max parallel seen %d", exec.maxSeen)
	}
}

func TestParallelismIsBounded(t *testing.T) {
	exec := newFakeExecutor()
	tasks := []*models.Subtask{}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("t%d", i)
		exec.delays[id] = 20 * time.Millisecond
		tasks = append(tasks, task(id, "work"))
	}
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 2})

	if _, err := o.ExecuteSubtasks(context.Background(), tasks, ""); err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if exec.maxSeen > 2 {
		t.Fatalf("parallelism bound violated: saw %d concurrent subtasks", exec.maxSeen)
	}
}

func TestFailurePropagatesSkipTransitively(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures["b"] = errors.New("device offline")
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 4})

	// a ok; b fails; c depends on b; d depends on c; e independent.
	res, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("a", "fetch"),
		task("b", "toggle"),
		task("c", "confirm", "b"),
		task("d", "notify", "c"),
		task("e", "log"),
	}, "")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if res.AllSuccessful {
		t.Fatal("expected AllSuccessful=false")
	}
	if res.SuccessfulTasks != 2 || res.FailedTasks != 1 || res.SkippedTasks != 2 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if got := resultByID(t, res, "b").Status; got != models.SubtaskFailed {
		t.Fatalf("b status = %s", got)
	}
	for _, id := range []string{"c", "d"} {
		r := resultByID(t, res, id)
		if r.Status != models.SubtaskSkipped {
			t.Fatalf("%s status = %s, want SKIPPED", id, r.Status)
		}
		if !strings.Contains(r.ErrorMsg, "b") {
			t.Fatalf("%s skip message should name failed ancestor b, got %q", id, r.ErrorMsg)
		}
	}
	if got := resultByID(t, res, "e").Status; got != models.SubtaskCompleted {
		t.Fatalf("independent sibling e status = %s, want COMPLETED", got)
	}
}

func TestCycleIsRejectedBeforeExecution(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec, nil, zap.NewNop(), Options{})

	_, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("a", "x", "c"),
		task("b", "y", "a"),
		task("c", "z", "b"),
	}, "")
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if len(exec.startOrder()) != 0 {
		t.Fatal("nothing may execute when the graph is cyclic")
	}
	if len(o.ActiveExecutions()) != 0 {
		t.Fatal("no session may be registered for a rejected graph")
	}
}

func TestSelfDependencyIsCyclic(t *testing.T) {
	o := New(newFakeExecutor(), nil, zap.NewNop(), Options{})
	_, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{task("a", "x", "a")}, "")
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	o := New(newFakeExecutor(), nil, zap.NewNop(), Options{})
	_, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{task("a", "x", "ghost")}, "")
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestDuplicateSubtaskIDRejected(t *testing.T) {
	o := New(newFakeExecutor(), nil, zap.NewNop(), Options{})
	_, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("a", "x"),
		task("a", "y"),
	}, "")
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestCancelSkipsPendingSubtasks(t *testing.T) {
	exec := newFakeExecutor()
	exec.started["a"] = make(chan struct{})
	exec.release["a"] = make(chan struct{})
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 1})

	tasks := []*models.Subtask{
		task("a", "slow"),
		task("b", "after", "a"),
		task("c", "last", "b"),
	}

	var (
		res *models.TaskExecutionResult
		err error
	)
	done := make(chan struct{})
	go func() {
		res, err = o.ExecuteSubtasks(context.Background(), tasks, "")
		close(done)
	}()

	<-exec.started["a"]
	ids := o.ActiveExecutions()
	if len(ids) != 1 {
		t.Fatalf("expected one active execution, got %v", ids)
	}
	if cerr := o.Cancel(ids[0]); cerr != nil {
		t.Fatalf("Cancel: %v", cerr)
	}
	close(exec.release["a"])
	<-done

	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected Cancelled=true")
	}
	// a was already running and finishes; b and c never start.
	if got := resultByID(t, res, "a").Status; got != models.SubtaskCompleted {
		t.Fatalf("a status = %s, want COMPLETED", got)
	}
	for _, id := range []string{"b", "c"} {
		if got := resultByID(t, res, id).Status; got != models.SubtaskSkipped {
			t.Fatalf("%s status = %s, want SKIPPED", id, got)
		}
	}
	if got := exec.startOrder(); len(got) != 1 {
		t.Fatalf("only a may reach the executor, got %v", got)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	o := New(newFakeExecutor(), nil, zap.NewNop(), Options{})
	if err := o.Cancel("exec-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestContextCancellationBehavesLikeCancel(t *testing.T) {
	exec := newFakeExecutor()
	exec.started["a"] = make(chan struct{})
	exec.release["a"] = make(chan struct{})
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 1})

	ctx, cancel := context.WithCancel(context.Background())
	tasks := []*models.Subtask{
		task("a", "slow"),
		task("b", "after", "a"),
	}

	var res *models.TaskExecutionResult
	done := make(chan struct{})
	go func() {
		res, _ = o.ExecuteSubtasks(ctx, tasks, "")
		close(done)
	}()

	<-exec.started["a"]
	cancel()
	// give the cancellation watcher a beat before releasing a
	time.Sleep(20 * time.Millisecond)
	close(exec.release["a"])
	<-done

	if !res.Cancelled {
		t.Fatal("expected Cancelled=true after ctx cancellation")
	}
	if got := resultByID(t, res, "b").Status; got != models.SubtaskSkipped {
		t.Fatalf("b status = %s, want SKIPPED", got)
	}
}

func TestEmptyBatchSucceedsImmediately(t *testing.T) {
	o := New(newFakeExecutor(), nil, zap.NewNop(), Options{})
	res, err := o.ExecuteSubtasks(context.Background(), nil, "sess")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if !res.AllSuccessful || res.TotalTasks != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// Diamond: weather and alarm both feed the summary, which feeds the
// notification. Mirrors the assistant's "tiempo + alarma" flow.
func TestDiamondDependencyScenario(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec, nil, zap.NewNop(), Options{MaxParallelism: 4})

	res, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("weather", "consultar_tiempo"),
		task("alarm", "poner_alarma"),
		task("summary", "resumir", "weather", "alarm"),
		task("notify", "avisar", "summary"),
	}, "sess-diamond")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}
	if !res.AllSuccessful {
		t.Fatalf("expected success, got %+v", res)
	}
	order := exec.startOrder()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["summary"] < pos["weather"] || pos["summary"] < pos["alarm"] {
		t.Fatalf("summary started before its dependencies: %v", order)
	}
	if pos["notify"] < pos["summary"] {
		t.Fatalf("notify started before summary: %v", order)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	updates  []string
	finished []string
}

func (r *recordingSink) SubtaskProgress(executionID string, st *models.Subtask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, fmt.Sprintf("%s:%s", st.SubtaskID, st.Status))
}

func (r *recordingSink) ExecutionFinished(executionID string, res *models.TaskExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, executionID)
}

func TestProgressSinkReceivesTransitions(t *testing.T) {
	sink := &recordingSink{}
	o := New(newFakeExecutor(), sink, zap.NewNop(), Options{MaxParallelism: 1})

	res, err := o.ExecuteSubtasks(context.Background(), []*models.Subtask{
		task("a", "fetch"),
		task("b", "notify", "a"),
	}, "")
	if err != nil {
		t.Fatalf("ExecuteSubtasks: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{"a:IN_PROGRESS", "a:COMPLETED", "b:IN_PROGRESS", "b:COMPLETED"}
	if len(sink.updates) != len(want) {
		t.Fatalf("updates = %v, want %v", sink.updates, want)
	}
	for i, u := range want {
		if sink.updates[i] != u {
			t.Fatalf("updates[%d] = %s, want %s", i, sink.updates[i], u)
		}
	}
	if len(sink.finished) != 1 || sink.finished[0] != res.ExecutionID {
		t.Fatalf("finished = %v, want [%s]", sink.finished, res.ExecutionID)
	}
}

func TestCycleErrorNamesThePath(t *testing.T) {
	_, err := buildGraph([]*models.Subtask{
		task("a", "x", "b"),
		task("b", "y", "a"),
		task("c", "z"),
	})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") {
		t.Fatalf("cycle error should name the cycle members, got %q", msg)
	}
	if strings.Contains(msg, "c") {
		t.Fatalf("cycle error should not name acyclic subtasks, got %q", msg)
	}
}
