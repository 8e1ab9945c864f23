package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/models"
)

const (
	insertRoundSQL = `INSERT INTO voting_rounds
		(round_id, request_id, session_id, status, final_intent, agreement_level,
		 confidence, algorithm, debate_rounds, total_votes, valid_votes,
		 duration_ms, votes, reasoning, created_at)
		VALUES (:round_id, :request_id, :session_id, :status, :final_intent, :agreement_level,
		 :confidence, :algorithm, :debate_rounds, :total_votes, :valid_votes,
		 :duration_ms, :votes, :reasoning, :created_at)`

	insertExecutionSQL = `INSERT INTO task_executions
		(execution_id, session_id, total_tasks, successful_tasks, failed_tasks,
		 skipped_tasks, all_successful, cancelled, duration_ms, results, created_at)
		VALUES (:execution_id, :session_id, :total_tasks, :successful_tasks, :failed_tasks,
		 :skipped_tasks, :all_successful, :cancelled, :duration_ms, :results, :created_at)`
)

type writeRequest struct {
	kind  string // "round" or "execution"
	round *RoundRecord
	exec  *ExecutionRecord
}

// Recorder persists finished rounds and execution runs asynchronously.
// Enqueueing never blocks the request path: when the queue is full the
// record is dropped and counted.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue   chan writeRequest
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewRecorder opens the database and starts the write workers.
func NewRecorder(dsn string, logger *zap.Logger) (*Recorder, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewRecorderWithDB(db, logger), nil
}

// NewRecorderWithDB builds a recorder over an existing connection and
// starts its workers. Used by tests.
func NewRecorderWithDB(db *sqlx.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		db:      db,
		logger:  logger,
		queue:   make(chan writeRequest, 1000),
		workers: 4,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.writeWorker(i)
	}
	return r
}

// RecordRound enqueues a finished voting round.
func (r *Recorder) RecordRound(round *models.VotingRound, requestID, sessionID string) {
	r.enqueue(writeRequest{kind: "round", round: NewRoundRecord(round, requestID, sessionID)})
}

// RecordExecution enqueues a finished orchestration run.
func (r *Recorder) RecordExecution(result *models.TaskExecutionResult) {
	r.enqueue(writeRequest{kind: "execution", exec: NewExecutionRecord(result)})
}

func (r *Recorder) enqueue(req writeRequest) {
	select {
	case r.queue <- req:
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		metrics.AuditWrites.WithLabelValues(req.kind, "dropped").Inc()
		r.logger.Warn("audit queue full, record dropped", zap.String("kind", req.kind))
	}
}

func (r *Recorder) writeWorker(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			// drain what is already queued
			for {
				select {
				case req := <-r.queue:
					r.process(req)
				default:
					return
				}
			}
		case req := <-r.queue:
			r.process(req)
			metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		}
	}
}

func (r *Recorder) process(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.kind {
	case "round":
		_, err = r.db.NamedExecContext(ctx, insertRoundSQL, req.round)
	case "execution":
		_, err = r.db.NamedExecContext(ctx, insertExecutionSQL, req.exec)
	}
	if err != nil {
		metrics.AuditWrites.WithLabelValues(req.kind, "error").Inc()
		r.logger.Error("failed to persist audit record",
			zap.String("kind", req.kind),
			zap.Error(err),
		)
		return
	}
	metrics.AuditWrites.WithLabelValues(req.kind, "ok").Inc()
}

// RecentRounds returns the latest persisted rounds, newest first.
func (r *Recorder) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows := []RoundRecord{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT round_id, request_id, session_id, status, final_intent, agreement_level,
		        confidence, algorithm, debate_rounds, total_votes, valid_votes,
		        duration_ms, votes, reasoning, created_at
		   FROM voting_rounds ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	return rows, nil
}

// RecentExecutions returns the latest persisted runs, newest first.
func (r *Recorder) RecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows := []ExecutionRecord{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT execution_id, session_id, total_tasks, successful_tasks, failed_tasks,
		        skipped_tasks, all_successful, cancelled, duration_ms, results, created_at
		   FROM task_executions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return rows, nil
}

// Ping reports backend reachability for health checks.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Statistics reports recorder counters for the stats endpoint.
func (r *Recorder) Statistics() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"queue_depth":     len(r.queue),
		"queue_capacity":  cap(r.queue),
		"dropped_records": r.dropped,
		"workers":         r.workers,
	}
}

// Close stops the workers, drains the queue and closes the database.
func (r *Recorder) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	return r.db.Close()
}
