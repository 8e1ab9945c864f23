package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

// ErrNotFound is returned when an execution id does not name an active
// orchestration session.
var ErrNotFound = errors.New("execution not found")

// ActionExecutor runs one subtask against the outside world. The
// orchestrator owns scheduling and status; the executor owns effect.
// A non-nil error (or a nil error with no result) marks the subtask
// FAILED without affecting siblings.
type ActionExecutor interface {
	Execute(ctx context.Context, subtask *models.Subtask) (map[string]interface{}, error)
}

// ProgressSink receives per-subtask status transitions as they happen.
// Implementations must be safe for concurrent use. A nil sink disables
// progress reporting.
type ProgressSink interface {
	SubtaskProgress(executionID string, subtask *models.Subtask)
	ExecutionFinished(executionID string, result *models.TaskExecutionResult)
}

// Options tune one Orchestrator instance.
type Options struct {
	// MaxParallelism bounds concurrently executing subtasks. Values
	// below 1 fall back to 4.
	MaxParallelism int
}

// Orchestrator executes batches of dependency-ordered subtasks. Each
// call to ExecuteSubtasks is one session: subtasks start as soon as
// their own dependencies are terminal, run under a bounded worker
// budget, and always reach exactly one terminal state.
type Orchestrator struct {
	executor ActionExecutor
	progress ProgressSink
	logger   *zap.Logger

	maxParallelism int

	mu       sync.Mutex
	sessions map[string]*runState

	totalExecutions  int64
	totalCancelled   int64
	totalSubtasksRun int64
}

// runState is the mutable bookkeeping of one in-flight session. Its
// mutex guards the readiness counters, status transitions and the
// cancelled flag; the executor itself runs outside the lock.
type runState struct {
	exec  *models.TaskExecutionSession
	graph *depGraph
	sink  ProgressSink

	mu             sync.Mutex
	cancelled      bool
	dispatched     []bool
	failedAncestor []string // first failed/skipped ancestor id, per task
}

func New(executor ActionExecutor, progress ProgressSink, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	par := opts.MaxParallelism
	if par < 1 {
		par = 4
	}
	return &Orchestrator{
		executor:       executor,
		progress:       progress,
		logger:         logger,
		maxParallelism: par,
		sessions:       make(map[string]*runState),
	}
}

// ExecuteSubtasks runs one batch to completion and returns the
// aggregate result. Graph validation happens before anything executes:
// a cycle, duplicate id or unknown dependency returns an error with no
// side effects. The call blocks until every subtask is terminal; ctx
// cancellation behaves like Cancel.
func (o *Orchestrator) ExecuteSubtasks(ctx context.Context, subtasks []*models.Subtask, conversationSessionID string) (*models.TaskExecutionResult, error) {
	return o.ExecuteSubtasksWithSink(ctx, subtasks, conversationSessionID, o.progress)
}

// ExecuteSubtasksWithSink is ExecuteSubtasks with a per-call progress
// sink, for callers that track each execution separately.
func (o *Orchestrator) ExecuteSubtasksWithSink(ctx context.Context, subtasks []*models.Subtask, conversationSessionID string, sink ProgressSink) (*models.TaskExecutionResult, error) {
	if len(subtasks) == 0 {
		return &models.TaskExecutionResult{
			ExecutionID:           "exec-" + uuid.NewString()[:12],
			ConversationSessionID: conversationSessionID,
			AllSuccessful:         true,
			Results:               []models.SubtaskResult{},
		}, nil
	}

	graph, err := buildGraph(subtasks)
	if err != nil {
		return nil, err
	}

	exec := &models.TaskExecutionSession{
		ExecutionID:           "exec-" + uuid.NewString()[:12],
		ConversationSessionID: conversationSessionID,
		Subtasks:              subtasks,
		StartTime:             time.Now(),
		TotalTasks:            len(subtasks),
	}
	for _, st := range subtasks {
		st.Status = models.SubtaskPending
	}

	sess := &runState{
		exec:           exec,
		graph:          graph,
		sink:           sink,
		dispatched:     make([]bool, len(subtasks)),
		failedAncestor: make([]string, len(subtasks)),
	}

	o.mu.Lock()
	o.sessions[exec.ExecutionID] = sess
	o.totalExecutions++
	o.mu.Unlock()
	metrics.ExecutionsActive.Inc()

	o.logger.Info("orchestration started",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("session_id", conversationSessionID),
		zap.Int("subtasks", len(subtasks)),
		zap.Int("max_parallelism", o.maxParallelism),
	)

	o.run(ctx, sess)

	result := o.buildResult(sess)

	o.mu.Lock()
	delete(o.sessions, exec.ExecutionID)
	if result.Cancelled {
		o.totalCancelled++
	}
	o.totalSubtasksRun += int64(result.TotalTasks)
	o.mu.Unlock()
	metrics.ExecutionsActive.Dec()
	metrics.ExecutionsCompleted.WithLabelValues(executionOutcome(result)).Inc()

	o.logger.Info("orchestration finished",
		zap.String("execution_id", exec.ExecutionID),
		zap.Int("successful", result.SuccessfulTasks),
		zap.Int("failed", result.FailedTasks),
		zap.Int("skipped", result.SkippedTasks),
		zap.Bool("cancelled", result.Cancelled),
		zap.Int64("duration_ms", result.TotalExecutionTimeMs),
	)

	if sink != nil {
		sink.ExecutionFinished(exec.ExecutionID, result)
	}
	return result, nil
}

// Cancel flags the session so that subtasks not yet running are skipped.
// Subtasks already inside the executor run to completion; cancellation
// never tears down work mid-flight.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[executionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	sess.mu.Lock()
	sess.cancelled = true
	sess.exec.Cancelled = true
	sess.mu.Unlock()
	o.logger.Info("orchestration cancelled", zap.String("execution_id", executionID))
	return nil
}

// ActiveExecutions lists the ids of sessions currently running.
func (o *Orchestrator) ActiveExecutions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		out = append(out, id)
	}
	return out
}

// Statistics reports orchestrator counters for the stats endpoint.
func (o *Orchestrator) Statistics() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]interface{}{
		"active_executions":    len(o.sessions),
		"total_executions":     o.totalExecutions,
		"cancelled_executions": o.totalCancelled,
		"total_subtasks":       o.totalSubtasksRun,
		"max_parallelism":      o.maxParallelism,
	}
}

// run drives the session: ready subtasks are handed to a bounded pool,
// and every completion unlocks its dependents. Skips propagate through
// the same completion path, so the loop terminates with all subtasks
// terminal even under cancellation or ancestor failure.
func (o *Orchestrator) run(ctx context.Context, sess *runState) {
	sem := make(chan struct{}, o.maxParallelism)
	var wg sync.WaitGroup

	// stop watches caller cancellation for the session's duration only.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		select {
		case <-ctx.Done():
			sess.mu.Lock()
			sess.cancelled = true
			sess.exec.Cancelled = true
			sess.mu.Unlock()
		case <-watchCtx.Done():
		}
	}()

	var dispatch func(idx int)
	dispatch = func(idx int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			skip, ancestor := o.shouldSkip(sess, idx)
			if skip {
				<-sem
				o.finishSkipped(sess, idx, ancestor)
			} else {
				o.runSubtask(ctx, sess, idx)
				<-sem
			}
			for _, next := range o.afterTerminal(sess, idx) {
				dispatch(next)
			}
		}()
	}

	sess.mu.Lock()
	initial := sess.graph.ready()
	for _, idx := range initial {
		sess.dispatched[idx] = true
	}
	sess.mu.Unlock()
	for _, idx := range initial {
		dispatch(idx)
	}
	wg.Wait()
}

// shouldSkip decides, at the moment a subtask would start, whether it
// must be skipped instead of executed.
func (o *Orchestrator) shouldSkip(sess *runState, idx int) (bool, string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.failedAncestor[idx] != "" {
		return true, sess.failedAncestor[idx]
	}
	if sess.cancelled {
		return true, ""
	}
	return false, ""
}

// afterTerminal records the terminal outcome of task idx, decrements
// its dependents' readiness counters, and returns the dependents that
// just became ready. Failure and skip taint propagates here so that a
// dependent's skip message names the original failed ancestor.
func (o *Orchestrator) afterTerminal(sess *runState, idx int) []int {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	st := sess.graph.tasks[idx]
	taint := ""
	switch st.Status {
	case models.SubtaskFailed:
		taint = st.SubtaskID
	case models.SubtaskSkipped:
		taint = sess.failedAncestor[idx]
	}

	ready := []int{}
	for _, dep := range sess.graph.dependents[idx] {
		if taint != "" && sess.failedAncestor[dep] == "" {
			sess.failedAncestor[dep] = taint
		}
		sess.graph.remaining[dep]--
		if sess.graph.remaining[dep] == 0 && !sess.dispatched[dep] {
			sess.dispatched[dep] = true
			ready = append(ready, dep)
		}
	}
	return ready
}

func (o *Orchestrator) runSubtask(ctx context.Context, sess *runState, idx int) {
	st := sess.graph.tasks[idx]

	sess.mu.Lock()
	st.Status = models.SubtaskInProgress
	st.StartedAt = time.Now()
	sess.mu.Unlock()
	o.notifyProgress(sess, st)

	result, err := o.executor.Execute(ctx, st)

	sess.mu.Lock()
	st.FinishedAt = time.Now()
	if err != nil {
		st.Status = models.SubtaskFailed
		st.ErrorMsg = err.Error()
		sess.exec.FailedTasks++
	} else {
		st.Status = models.SubtaskCompleted
		st.Result = result
		sess.exec.SuccessfulTasks++
	}
	durMs := float64(st.FinishedAt.Sub(st.StartedAt).Milliseconds())
	sess.mu.Unlock()

	metrics.RecordSubtask(st.Action, string(st.Status), durMs)
	if err != nil {
		o.logger.Warn("subtask failed",
			zap.String("execution_id", sess.exec.ExecutionID),
			zap.String("subtask_id", st.SubtaskID),
			zap.String("action", st.Action),
			zap.Error(err),
		)
	} else {
		o.logger.Debug("subtask completed",
			zap.String("execution_id", sess.exec.ExecutionID),
			zap.String("subtask_id", st.SubtaskID),
			zap.String("action", st.Action),
			zap.Float64("duration_ms", durMs),
		)
	}
	o.notifyProgress(sess, st)
}

func (o *Orchestrator) finishSkipped(sess *runState, idx int, ancestor string) {
	st := sess.graph.tasks[idx]

	sess.mu.Lock()
	st.Status = models.SubtaskSkipped
	if ancestor != "" {
		st.ErrorMsg = fmt.Sprintf("skipped: dependency %s did not complete", ancestor)
	} else {
		st.ErrorMsg = "skipped: execution cancelled"
	}
	st.FinishedAt = time.Now()
	sess.mu.Unlock()

	metrics.RecordSubtask(st.Action, string(models.SubtaskSkipped), 0)
	o.notifyProgress(sess, st)
}

func (o *Orchestrator) notifyProgress(sess *runState, st *models.Subtask) {
	if sess.sink == nil {
		return
	}
	sess.sink.SubtaskProgress(sess.exec.ExecutionID, st)
}

func (o *Orchestrator) buildResult(sess *runState) *models.TaskExecutionResult {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	exec := sess.exec
	exec.EndTime = time.Now()

	res := &models.TaskExecutionResult{
		ExecutionID:           exec.ExecutionID,
		ConversationSessionID: exec.ConversationSessionID,
		TotalTasks:            exec.TotalTasks,
		Cancelled:             exec.Cancelled,
		TotalExecutionTimeMs:  exec.EndTime.Sub(exec.StartTime).Milliseconds(),
		Results:               make([]models.SubtaskResult, 0, len(sess.graph.tasks)),
	}
	for _, st := range sess.graph.tasks {
		var durMs int64
		if !st.StartedAt.IsZero() && !st.FinishedAt.IsZero() {
			durMs = st.FinishedAt.Sub(st.StartedAt).Milliseconds()
		}
		res.Results = append(res.Results, models.SubtaskResult{
			SubtaskID:       st.SubtaskID,
			Action:          st.Action,
			Status:          st.Status,
			Result:          st.Result,
			ErrorMsg:        st.ErrorMsg,
			ExecutionTimeMs: durMs,
		})
		switch st.Status {
		case models.SubtaskCompleted:
			res.SuccessfulTasks++
		case models.SubtaskFailed:
			res.FailedTasks++
		case models.SubtaskSkipped:
			res.SkippedTasks++
		}
	}
	res.AllSuccessful = res.SuccessfulTasks == res.TotalTasks
	return res
}

func executionOutcome(res *models.TaskExecutionResult) string {
	switch {
	case res.Cancelled:
		return "cancelled"
	case res.AllSuccessful:
		return "success"
	default:
		return "partial"
	}
}
